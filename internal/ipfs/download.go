package ipfs

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

var cidPattern = regexp.MustCompile(`^(Qm[1-9A-HJ-NP-Za-km-z]{44}|baf[a-z2-7]{20,})$`)

// ExtractCID pulls a bare cid from an ipfs:// URI, an /ipfs/ gateway path, or
// a raw cid string. The second return is false when the input is not
// content-addressed.
func ExtractCID(uri string) (string, bool) {
	trimmed := strings.TrimSpace(uri)
	switch {
	case strings.HasPrefix(trimmed, "ipfs://"):
		trimmed = strings.TrimPrefix(trimmed, "ipfs://")
	case strings.Contains(trimmed, "/ipfs/"):
		idx := strings.Index(trimmed, "/ipfs/")
		trimmed = trimmed[idx+len("/ipfs/"):]
	}
	trimmed = strings.TrimSuffix(strings.SplitN(trimmed, "?", 2)[0], "/")
	if slash := strings.IndexByte(trimmed, '/'); slash >= 0 {
		trimmed = trimmed[:slash]
	}
	if cidPattern.MatchString(trimmed) {
		return trimmed, true
	}
	return "", false
}

// Download streams the source to outPath. Content-addressed inputs try the
// HTTP gateway first and fall back to the local daemon, whose P2P discovery
// is slower but more reliable. Plain URLs stream directly and file:// paths
// copy locally. Nothing is ever buffered whole in memory.
func (c *Client) Download(ctx context.Context, uri, outPath string, onProgress func(pct float64)) error {
	if strings.TrimSpace(uri) == "" {
		return fmt.Errorf("download source is required")
	}
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return fmt.Errorf("prepare download directory: %w", err)
	}

	if strings.HasPrefix(uri, "file://") {
		return copyLocal(strings.TrimPrefix(uri, "file://"), outPath, onProgress)
	}

	if cid, ok := ExtractCID(uri); ok {
		gatewayErr := c.downloadViaGateway(ctx, cid, outPath, onProgress)
		if gatewayErr == nil {
			return nil
		}
		c.logger.Warn("gateway download failed, falling back to daemon", "cid", cid, "error", gatewayErr)
		if err := c.downloadViaDaemon(ctx, cid, outPath, onProgress); err != nil {
			return fmt.Errorf("daemon fallback after gateway failure (%v): %w", gatewayErr, err)
		}
		return nil
	}

	if strings.HasPrefix(uri, "http://") || strings.HasPrefix(uri, "https://") {
		return c.streamURL(ctx, uri, outPath, c.cfg.DaemonDownloadTimeout, onProgress)
	}

	// Treat anything else as a local path.
	return copyLocal(uri, outPath, onProgress)
}

func (c *Client) downloadViaGateway(ctx context.Context, cid, outPath string, onProgress func(float64)) error {
	if strings.TrimSpace(c.cfg.GatewayURL) == "" {
		return fmt.Errorf("no HTTP gateway configured")
	}
	target := strings.TrimRight(c.cfg.GatewayURL, "/") + "/ipfs/" + cid
	return c.streamURL(ctx, target, outPath, c.cfg.GatewayDownloadTimeout, onProgress)
}

func (c *Client) downloadViaDaemon(ctx context.Context, cid, outPath string, onProgress func(float64)) error {
	params := url.Values{"arg": {cid}}
	endpoint := strings.TrimRight(c.cfg.APIURL, "/") + "/api/v0/cat?" + params.Encode()
	ctx, cancel := context.WithTimeout(ctx, c.cfg.DaemonDownloadTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return err
	}
	return c.streamResponse(req, outPath, onProgress)
}

func (c *Client) streamURL(ctx context.Context, target, outPath string, timeout time.Duration, onProgress func(float64)) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	return c.streamResponse(req, outPath, onProgress)
}

// streamResponse pipes the response body to disk. Both the source stream and
// the sink file are torn down on every exit path, and a partial file is
// removed on failure.
func (c *Client) streamResponse(req *http.Request, outPath string, onProgress func(float64)) (err error) {
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 2*1024))
		return fmt.Errorf("download %s: status %d: %s", req.URL.Host, resp.StatusCode, strings.TrimSpace(string(data)))
	}

	out, err := os.Create(outPath)
	if err != nil {
		return err
	}
	defer func() {
		closeErr := out.Close()
		if err == nil {
			err = closeErr
		}
		if err != nil {
			os.Remove(outPath)
		}
	}()

	var reader io.Reader = resp.Body
	if onProgress != nil && resp.ContentLength > 0 {
		reader = &progressReader{reader: resp.Body, total: resp.ContentLength, onProgress: onProgress}
	}
	if _, err = io.Copy(out, reader); err != nil {
		return fmt.Errorf("stream download: %w", err)
	}
	if onProgress != nil {
		onProgress(100)
	}
	return nil
}

func copyLocal(src, dst string, onProgress func(float64)) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open local source: %w", err)
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(dst)
		return err
	}
	if onProgress != nil {
		onProgress(100)
	}
	return nil
}

type progressReader struct {
	reader     io.Reader
	total      int64
	read       int64
	lastWhole  int
	onProgress func(float64)
}

func (p *progressReader) Read(buf []byte) (int, error) {
	n, err := p.reader.Read(buf)
	p.read += int64(n)
	if p.total > 0 {
		pct := float64(p.read) / float64(p.total) * 100
		if whole := int(pct); whole > p.lastWhole {
			p.lastWhole = whole
			p.onProgress(pct)
		}
	}
	return n, err
}
