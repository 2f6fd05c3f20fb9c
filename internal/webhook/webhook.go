// Package webhook delivers completion and failure notifications for
// jobs submitted through the direct API.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Payload is the notification body POSTed to the submitter's URL. A
// completion carries the manifest fields; a failure carries Error and
// omits them.
type Payload struct {
	Owner             string   `json:"owner"`
	Permlink          string   `json:"permlink"`
	InputCID          string   `json:"input_cid,omitempty"`
	Status            string   `json:"status"`
	ManifestCID       string   `json:"manifest_cid,omitempty"`
	VideoURL          string   `json:"video_url,omitempty"`
	JobID             string   `json:"jobId"`
	ProcessingSeconds float64  `json:"processingTimeSeconds,omitempty"`
	QualitiesEncoded  []string `json:"qualities_encoded,omitempty"`
	EncoderID         string   `json:"encoderId"`
	Error             string   `json:"error,omitempty"`
	Timestamp         string   `json:"timestamp"`
}

type Config struct {
	EncoderID   string
	Timeout     time.Duration
	MaxAttempts int
	Logger      *slog.Logger
}

type Dispatcher struct {
	cfg           Config
	client        *http.Client
	logger        *slog.Logger
	now           func() time.Time
	retryInterval time.Duration
}

func New(cfg Config) *Dispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		cfg:           cfg,
		client:        &http.Client{Timeout: cfg.Timeout},
		logger:        logger,
		now:           time.Now,
		retryInterval: 500 * time.Millisecond,
	}
}

// Completion holds the result fields of a successful job.
type Completion struct {
	Owner             string
	Permlink          string
	InputCID          string
	JobID             string
	ManifestCID       string
	Qualities         []string
	ProcessingSeconds float64
}

// SendCompletion notifies the submitter that their job finished.
func (d *Dispatcher) SendCompletion(ctx context.Context, url string, c Completion) error {
	if url == "" {
		return nil
	}
	return d.deliver(ctx, url, Payload{
		Owner:             c.Owner,
		Permlink:          c.Permlink,
		InputCID:          c.InputCID,
		Status:            "complete",
		ManifestCID:       c.ManifestCID,
		VideoURL:          fmt.Sprintf("ipfs://%s/manifest.m3u8", c.ManifestCID),
		JobID:             c.JobID,
		ProcessingSeconds: c.ProcessingSeconds,
		QualitiesEncoded:  c.Qualities,
		EncoderID:         d.cfg.EncoderID,
		Timestamp:         d.now().UTC().Format(time.RFC3339),
	})
}

// SendFailure notifies the submitter that their job failed terminally.
func (d *Dispatcher) SendFailure(ctx context.Context, url string, c Completion, jobErr string) error {
	if url == "" {
		return nil
	}
	return d.deliver(ctx, url, Payload{
		Owner:     c.Owner,
		Permlink:  c.Permlink,
		InputCID:  c.InputCID,
		Status:    "failed",
		JobID:     c.JobID,
		EncoderID: d.cfg.EncoderID,
		Error:     jobErr,
		Timestamp: d.now().UTC().Format(time.RFC3339),
	})
}

func (d *Dispatcher) deliver(ctx context.Context, url string, payload Payload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	attempt := 0
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = d.retryInterval
	policy := backoff.WithContext(backoff.WithMaxRetries(expo, uint64(d.cfg.MaxAttempts-1)), ctx)
	op := func() error {
		attempt++
		if err := d.post(ctx, url, body); err != nil {
			d.logger.Warn("webhook delivery failed", "url", url, "job_id", payload.JobID, "attempt", attempt, "error", err)
			return err
		}
		return nil
	}
	if err := backoff.Retry(op, policy); err != nil {
		return fmt.Errorf("webhook delivery to %s: %w", url, err)
	}
	d.logger.Info("webhook delivered", "url", url, "job_id", payload.JobID, "status", payload.Status, "attempts", attempt)
	return nil
}

func (d *Dispatcher) post(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		// The receiver rejected the payload; retrying will not change that.
		return backoff.Permanent(fmt.Errorf("webhook rejected with status %d", resp.StatusCode))
	default:
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
}
