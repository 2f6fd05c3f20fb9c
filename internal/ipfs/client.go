// Package ipfs is the content-store client: streaming downloads with a
// gateway-then-daemon fallback, multipart directory uploads, and the pinning
// paths the worker depends on. Pin failures are reported, never fatal.
package ipfs

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Config holds endpoints and the timeout constants from the design. Zero
// values fall back to the documented defaults.
type Config struct {
	// APIURL is the local daemon API, e.g. http://127.0.0.1:5001.
	APIURL string
	// GatewayURL is the fast HTTP gateway tried first for downloads.
	GatewayURL string
	// RemotePinURL optionally points at a remote daemon-compatible pin API.
	RemotePinURL string

	HTTPClient *http.Client
	Logger     *slog.Logger

	GatewayDownloadTimeout time.Duration
	DaemonDownloadTimeout  time.Duration

	UploadFileBase  time.Duration
	UploadFilePerMB time.Duration
	UploadFileCap   time.Duration
	UploadDirBase   time.Duration
	UploadDirPerMB  time.Duration
	UploadDirCap    time.Duration

	PinHardTimeout   time.Duration
	PinSoftTimeout   time.Duration
	PinVerifyTimeout time.Duration
	PinVerifyRetries int

	// LocalPinFallback enables pinning through the local daemon when the
	// remote pin attempt fails.
	LocalPinFallback bool
}

func (cfg Config) withDefaults() Config {
	if cfg.APIURL == "" {
		cfg.APIURL = "http://127.0.0.1:5001"
	}
	if cfg.GatewayDownloadTimeout <= 0 {
		cfg.GatewayDownloadTimeout = 90 * time.Second
	}
	if cfg.DaemonDownloadTimeout <= 0 {
		cfg.DaemonDownloadTimeout = 300 * time.Second
	}
	if cfg.UploadFileBase <= 0 {
		cfg.UploadFileBase = 60 * time.Second
	}
	if cfg.UploadFilePerMB <= 0 {
		cfg.UploadFilePerMB = 10 * time.Second
	}
	if cfg.UploadFileCap <= 0 {
		cfg.UploadFileCap = 10 * time.Minute
	}
	if cfg.UploadDirBase <= 0 {
		cfg.UploadDirBase = 120 * time.Second
	}
	if cfg.UploadDirPerMB <= 0 {
		cfg.UploadDirPerMB = 5 * time.Second
	}
	if cfg.UploadDirCap <= 0 {
		cfg.UploadDirCap = 15 * time.Minute
	}
	if cfg.PinHardTimeout <= 0 {
		cfg.PinHardTimeout = 120 * time.Second
	}
	if cfg.PinSoftTimeout <= 0 {
		cfg.PinSoftTimeout = 60 * time.Second
	}
	if cfg.PinVerifyTimeout <= 0 {
		cfg.PinVerifyTimeout = 30 * time.Second
	}
	if cfg.PinVerifyRetries <= 0 {
		cfg.PinVerifyRetries = 3
	}
	return cfg
}

type Client struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger
}

func NewClient(cfg Config) *Client {
	cfg = cfg.withDefaults()
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{cfg: cfg, client: httpClient, logger: logger}
}

// PeerID queries the daemon for its peer identity.
func (c *Client) PeerID(ctx context.Context) (string, error) {
	var out struct {
		ID string `json:"ID"`
	}
	if err := c.api(ctx, c.cfg.APIURL, "/api/v0/id", nil, 10*time.Second, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

// Unpin removes the pin for a cid on the local daemon.
func (c *Client) Unpin(ctx context.Context, cid string) error {
	params := url.Values{"arg": {cid}}
	return c.api(ctx, c.cfg.APIURL, "/api/v0/pin/rm", params, 30*time.Second, nil)
}

// CleanupTemporary unpins the given cids best-effort. Errors are logged and
// swallowed; garbage collection reclaims the space later.
func (c *Client) CleanupTemporary(ctx context.Context, cids []string) {
	for _, cid := range cids {
		if strings.TrimSpace(cid) == "" {
			continue
		}
		if err := c.Unpin(ctx, cid); err != nil {
			c.logger.Debug("cleanup unpin failed", "cid", cid, "error", err)
		}
	}
}

// RepoGC triggers the daemon's garbage collector.
func (c *Client) RepoGC(ctx context.Context) error {
	return c.api(ctx, c.cfg.APIURL, "/api/v0/repo/gc", nil, 5*time.Minute, nil)
}

type lsEntry struct {
	Name string `json:"Name"`
	Type int    `json:"Type"`
}

// List returns the child names of a directory cid.
func (c *Client) List(ctx context.Context, cid string) ([]string, error) {
	var out struct {
		Objects []struct {
			Links []lsEntry `json:"Links"`
		} `json:"Objects"`
	}
	params := url.Values{"arg": {cid}}
	if err := c.api(ctx, c.cfg.APIURL, "/api/v0/ls", params, 30*time.Second, &out); err != nil {
		return nil, err
	}
	var names []string
	for _, obj := range out.Objects {
		for _, link := range obj.Links {
			names = append(names, link.Name)
		}
	}
	return names, nil
}

var playlistNames = []string{"master.m3u8", "index.m3u8", "playlist.m3u8", "manifest.m3u8"}
var qualityFolders = []string{"1080p", "720p", "480p"}

// VerifyPersistence asserts the cid is pinned and lists recognizable HLS
// content. A false result is advisory: the caller logs it but proceeds, since
// the content is still reachable.
func (c *Client) VerifyPersistence(ctx context.Context, cid string) (bool, error) {
	pinned, err := c.isPinned(ctx, c.cfg.APIURL, cid, c.cfg.PinVerifyTimeout)
	if err != nil {
		return false, err
	}
	if !pinned {
		return false, nil
	}
	names, err := c.List(ctx, cid)
	if err != nil {
		return false, err
	}
	for _, name := range names {
		for _, playlist := range playlistNames {
			if name == playlist {
				return true, nil
			}
		}
		for _, folder := range qualityFolders {
			if name == folder {
				return true, nil
			}
		}
	}
	return false, nil
}

func (c *Client) isPinned(ctx context.Context, base, cid string, timeout time.Duration) (bool, error) {
	var out struct {
		Keys map[string]struct {
			Type string `json:"Type"`
		} `json:"Keys"`
	}
	params := url.Values{"arg": {cid}, "type": {"all"}}
	err := c.api(ctx, base, "/api/v0/pin/ls", params, timeout, &out)
	if err != nil {
		// The daemon answers 500 with "not pinned" for unknown cids.
		if strings.Contains(strings.ToLower(err.Error()), "not pinned") {
			return false, nil
		}
		return false, err
	}
	for key := range out.Keys {
		if key == cid {
			return true, nil
		}
	}
	return len(out.Keys) > 0, nil
}

// api posts to a daemon RPC path and decodes a single JSON object reply.
func (c *Client) api(ctx context.Context, base, path string, params url.Values, timeout time.Duration, dest any) error {
	endpoint := strings.TrimRight(base, "/") + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
		return fmt.Errorf("%s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if dest == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(dest)
}
