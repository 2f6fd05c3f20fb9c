package ipfs

import (
	"context"
	"fmt"
	"net/url"
	"time"
)

// Pin pins a cid through the full PinAndAnnounce path.
func (c *Client) Pin(ctx context.Context, cid string) error {
	return c.PinAndAnnounce(ctx, cid)
}

// PinAndAnnounce pins the cid and announces it on the DHT. The whole
// operation resolves within the hard timeout no matter what: the remote pin
// gets a soft timeout, the local daemon is the fallback, verification retries
// are bounded, and the announce is best-effort. Callers treat failure as
// deferrable, never fatal.
func (c *Client) PinAndAnnounce(ctx context.Context, cid string) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.PinHardTimeout)
	defer cancel()

	pinnedVia, err := c.pinWithFallback(ctx, cid)
	if err != nil {
		return err
	}

	if err := c.verifyPinned(ctx, pinnedVia, cid); err != nil {
		return err
	}

	// DHT announce is best-effort; a slow routing table must not hold the
	// pin envelope open.
	announceCtx, announceCancel := context.WithTimeout(ctx, 10*time.Second)
	defer announceCancel()
	params := url.Values{"arg": {cid}}
	if err := c.api(announceCtx, c.cfg.APIURL, "/api/v0/dht/provide", params, 10*time.Second, nil); err != nil {
		c.logger.Debug("dht announce failed", "cid", cid, "error", err)
	}
	return nil
}

// pinWithFallback tries the remote pin endpoint first, then the local daemon
// when fallback is enabled. It returns the API base that performed the pin so
// verification lists pins on the same node.
func (c *Client) pinWithFallback(ctx context.Context, cid string) (string, error) {
	params := url.Values{"arg": {cid}, "recursive": {"true"}}

	if c.cfg.RemotePinURL != "" {
		remoteErr := c.api(ctx, c.cfg.RemotePinURL, "/api/v0/pin/add", params, c.cfg.PinSoftTimeout, nil)
		if remoteErr == nil {
			return c.cfg.RemotePinURL, nil
		}
		c.logger.Warn("remote pin failed", "cid", cid, "error", remoteErr)
		if !c.cfg.LocalPinFallback {
			return "", fmt.Errorf("remote pin %s: %w", cid, remoteErr)
		}
	}

	if err := c.api(ctx, c.cfg.APIURL, "/api/v0/pin/add", params, c.cfg.PinSoftTimeout, nil); err != nil {
		return "", fmt.Errorf("local pin %s: %w", cid, err)
	}
	return c.cfg.APIURL, nil
}

func (c *Client) verifyPinned(ctx context.Context, base, cid string) error {
	var lastErr error
	for attempt := 0; attempt < c.cfg.PinVerifyRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(2 * time.Second):
			}
		}
		pinned, err := c.isPinned(ctx, base, cid, c.cfg.PinVerifyTimeout)
		if err != nil {
			lastErr = err
			continue
		}
		if pinned {
			return nil
		}
		lastErr = fmt.Errorf("cid %s absent from pin list", cid)
	}
	return fmt.Errorf("verify pin: %w", lastErr)
}
