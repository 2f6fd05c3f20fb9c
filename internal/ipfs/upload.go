package ipfs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrUploadParse means the add response contained no usable directory record.
var ErrUploadParse = errors.New("ipfs: no directory cid in add response")

type addRecord struct {
	Name string `json:"Name"`
	Hash string `json:"Hash"`
	Size string `json:"Size"`
}

// UploadFile adds a single file and returns its cid. When pin is false the
// daemon is asked not to pin, leaving persistence to the lazy pinner.
func (c *Client) UploadFile(ctx context.Context, path string, pin bool) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("stat upload source: %w", err)
	}
	timeout := scaleTimeout(c.cfg.UploadFileBase, c.cfg.UploadFilePerMB, info.Size(), c.cfg.UploadFileCap)

	records, err := c.uploadWithRetry(ctx, timeout, pin, false, func(w *multipart.Writer, tracker *streamTracker) error {
		return addFilePart(w, tracker, path, filepath.Base(path))
	})
	if err != nil {
		return "", err
	}
	for i := len(records) - 1; i >= 0; i-- {
		if records[i].Hash != "" {
			return records[i].Hash, nil
		}
	}
	return "", ErrUploadParse
}

// UploadDirectory adds a directory tree wrapped in a directory object and
// returns the directory cid. Pinning is optional; a pin failure after a
// successful upload is routed to onPinFailed instead of failing the upload.
func (c *Client) UploadDirectory(ctx context.Context, dir string, pin bool, onPinFailed func(cid string, reason string)) (string, error) {
	root, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	var totalBytes int64
	var files []string
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		totalBytes += info.Size()
		files = append(files, path)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("walk upload directory: %w", err)
	}
	if len(files) == 0 {
		return "", fmt.Errorf("upload directory %s is empty", dir)
	}

	base := filepath.Base(root)
	timeout := scaleTimeout(c.cfg.UploadDirBase, c.cfg.UploadDirPerMB, totalBytes, c.cfg.UploadDirCap)

	records, err := c.uploadWithRetry(ctx, timeout, false, true, func(w *multipart.Writer, tracker *streamTracker) error {
		for _, path := range files {
			rel, err := filepath.Rel(root, path)
			if err != nil {
				return err
			}
			name := filepath.ToSlash(filepath.Join(base, rel))
			if err := addFilePart(w, tracker, path, name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	cid, err := selectDirectoryCID(records, base)
	if err != nil {
		return "", err
	}

	if pin {
		if pinErr := c.PinAndAnnounce(ctx, cid); pinErr != nil {
			c.logger.Error("pin after upload failed", "cid", cid, "error", pinErr)
			if onPinFailed != nil {
				onPinFailed(cid, pinErr.Error())
			}
		}
	}
	return cid, nil
}

// selectDirectoryCID applies the documented selection order: the record whose
// Name is empty or names the wrapped directory, otherwise the last record
// carrying a hash.
func selectDirectoryCID(records []addRecord, base string) (string, error) {
	for _, rec := range records {
		if rec.Hash == "" {
			continue
		}
		if rec.Name == "" || rec.Name == base {
			return rec.Hash, nil
		}
	}
	for i := len(records) - 1; i >= 0; i-- {
		if records[i].Hash != "" {
			return records[i].Hash, nil
		}
	}
	return "", ErrUploadParse
}

func scaleTimeout(base, perMB time.Duration, sizeBytes int64, ceiling time.Duration) time.Duration {
	sizeMB := sizeBytes / (1024 * 1024)
	timeout := base + time.Duration(sizeMB)*perMB
	if timeout < base {
		timeout = base
	}
	if timeout > ceiling {
		timeout = ceiling
	}
	return timeout
}

// streamTracker records every reader opened for an upload so all of them are
// destroyed regardless of how the request ends.
type streamTracker struct {
	closers []io.Closer
}

func (t *streamTracker) track(c io.Closer) {
	t.closers = append(t.closers, c)
}

func (t *streamTracker) closeAll() {
	for _, c := range t.closers {
		c.Close()
	}
	t.closers = nil
}

func addFilePart(w *multipart.Writer, tracker *streamTracker, path, name string) error {
	in, err := os.Open(path)
	if err != nil {
		return err
	}
	tracker.track(in)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, name))
	header.Set("Content-Type", "application/octet-stream")
	part, err := w.CreatePart(header)
	if err != nil {
		return err
	}
	_, err = io.Copy(part, in)
	return err
}

func (c *Client) uploadWithRetry(ctx context.Context, timeout time.Duration, pin, wrapDirectory bool, write func(*multipart.Writer, *streamTracker) error) ([]addRecord, error) {
	var records []addRecord
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 2 * time.Second
	policy.MaxElapsedTime = 0
	attempt := func() error {
		recs, err := c.uploadOnce(ctx, timeout, pin, wrapDirectory, write)
		if err != nil {
			if isTransientUploadError(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		records = recs
		return nil
	}
	if err := backoff.Retry(attempt, backoff.WithMaxRetries(backoff.WithContext(policy, ctx), 2)); err != nil {
		return nil, err
	}
	return records, nil
}

func isTransientUploadError(err error) bool {
	var statusErr *uploadStatusError
	if errors.As(err, &statusErr) {
		return statusErr.status >= 500 || statusErr.status == http.StatusTooManyRequests
	}
	return !errors.Is(err, context.Canceled)
}

type uploadStatusError struct {
	status int
	body   string
}

func (e *uploadStatusError) Error() string {
	return fmt.Sprintf("ipfs add: status %d: %s", e.status, e.body)
}

func (c *Client) uploadOnce(ctx context.Context, timeout time.Duration, pin, wrapDirectory bool, write func(*multipart.Writer, *streamTracker) error) ([]addRecord, error) {
	params := url.Values{
		"pin":         {fmt.Sprintf("%t", pin)},
		"cid-version": {"0"},
		"progress":    {"false"},
	}
	if wrapDirectory {
		params.Set("wrap-with-directory", "true")
		params.Set("recursive", "true")
	}
	endpoint := strings.TrimRight(c.cfg.APIURL, "/") + "/api/v0/add?" + params.Encode()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	reader, writer := io.Pipe()
	form := multipart.NewWriter(writer)
	tracker := &streamTracker{}
	defer tracker.closeAll()

	go func() {
		err := write(form, tracker)
		if err == nil {
			err = form.Close()
		}
		writer.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", form.FormDataContentType())

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ipfs add: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 2*1024))
		return nil, &uploadStatusError{status: resp.StatusCode, body: strings.TrimSpace(string(data))}
	}

	// The add endpoint streams newline-delimited JSON records.
	var records []addRecord
	decoder := json.NewDecoder(resp.Body)
	for {
		var rec addRecord
		if err := decoder.Decode(&rec); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("decode add response: %w", err)
		}
		records = append(records, rec)
	}
	if len(records) == 0 {
		return nil, ErrUploadParse
	}
	return records, nil
}
