// Package gateway implements the HTTP client for the job gateway: poll,
// claim, ping, finish, fail, and the status reads the lifecycle engine uses
// for forensic probes. The client is a stateless adapter; it classifies
// failures but never decides retryability.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"peertide/internal/observability/metrics"
)

// Signer produces the signed envelopes required on every write operation.
type Signer interface {
	DID() string
	Sign(payload any) (string, error)
}

// Config controls endpoint, timeouts, and the response-body retention cap.
type Config struct {
	BaseURL      string
	HTTPClient   *http.Client
	Logger       *slog.Logger
	Metrics      *metrics.Recorder
	PostTimeout  time.Duration
	PollTimeout  time.Duration
	StatsTimeout time.Duration
	MaxBodyBytes int64
}

const (
	defaultPostTimeout  = 30 * time.Second
	defaultPollTimeout  = 15 * time.Second
	defaultStatsTimeout = 10 * time.Second
	defaultMaxBodyBytes = 8 * 1024

	truncatedBodyPlaceholder = "[response body truncated]"
)

// Job is the gateway's wire representation of a unit of work.
type Job struct {
	ID         string `json:"id"`
	AssignedTo string `json:"assigned_to"`
	Status     string `json:"status"`
	CreatedAt  string `json:"created_at,omitempty"`
	Input      struct {
		URI  string `json:"uri"`
		Size int64  `json:"size"`
	} `json:"input"`
	Metadata struct {
		VideoOwner    string `json:"video_owner"`
		VideoPermlink string `json:"video_permlink"`
	} `json:"metadata"`
	StorageMetadata struct {
		App  string `json:"app"`
		Key  string `json:"key"`
		Type string `json:"type"`
	} `json:"storageMetadata"`
	Profiles []string `json:"profiles,omitempty"`
	Short    bool     `json:"short,omitempty"`
}

// JobStatus is the ownership record returned by the jobstatus endpoint.
type JobStatus struct {
	AssignedTo string `json:"assigned_to"`
	Status     string `json:"status"`
}

// FinishResult reports a completion call. Duplicate is synthesized when the
// gateway rejects the finish because it already holds the result.
type FinishResult struct {
	Duplicate bool
}

// NodeInfo is the registration payload for updateNode.
type NodeInfo struct {
	Name           string            `json:"name"`
	CryptoAccounts map[string]string `json:"cryptoAccounts"`
	PeerID         string            `json:"peer_id"`
	CommitHash     string            `json:"commit_hash"`
}

// Progress is the ping payload. The gateway only transitions a job to running
// when progressPct exceeds 1, so the first ping must send exactly 1.0 with
// download_pct 100.
type Progress struct {
	ProgressPct float64 `json:"progressPct"`
	DownloadPct float64 `json:"download_pct"`
}

// FailureDetails is the failJob payload body.
type FailureDetails struct {
	Error          string `json:"error"`
	Timestamp      string `json:"timestamp"`
	Retryable      bool   `json:"retryable"`
	EncoderVersion string `json:"encoder_version"`
}

type Client struct {
	cfg    Config
	signer Signer
	client *http.Client
	logger *slog.Logger
}

func NewClient(cfg Config, signer Signer) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("gateway base URL is required")
	}
	if signer == nil {
		return nil, fmt.Errorf("signer is required")
	}
	if cfg.PostTimeout <= 0 {
		cfg.PostTimeout = defaultPostTimeout
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = defaultPollTimeout
	}
	if cfg.StatsTimeout <= 0 {
		cfg.StatsTimeout = defaultStatsTimeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{cfg: cfg, signer: signer, client: httpClient, logger: logger}, nil
}

// Probe performs the bounded startup connectivity check with exponential
// backoff. Failure is reported but must not abort startup; the worker can
// still serve direct jobs.
func (c *Client) Probe(ctx context.Context, maxElapsed time.Duration) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = time.Second
	policy.MaxInterval = 30 * time.Second
	policy.MaxElapsedTime = maxElapsed
	operation := func() error {
		_, err := c.Stats(ctx)
		return err
	}
	return backoff.Retry(operation, backoff.WithContext(policy, ctx))
}

// Stats checks gateway liveness and returns the raw stats document.
func (c *Client) Stats(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	if err := c.get(ctx, "stats", "/api/v0/gateway/stats", c.cfg.StatsTimeout, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Poll asks the gateway for work. A nil job with nil error means no work is
// available.
func (c *Client) Poll(ctx context.Context) (*Job, error) {
	var job Job
	err := c.get(ctx, "poll", "/api/v0/gateway/getJob", c.cfg.PollTimeout, &job)
	if err != nil {
		if Classify(err) == KindNoJob {
			return nil, nil
		}
		return nil, err
	}
	if strings.TrimSpace(job.ID) == "" {
		return nil, nil
	}
	return &job, nil
}

// AvailableJobs lists queued work. The endpoint does not exist on current
// gateways; a 404 yields an empty list until it is added.
func (c *Client) AvailableJobs(ctx context.Context) ([]Job, error) {
	var jobs []Job
	err := c.get(ctx, "available", "/api/v0/gateway/availableJobs", c.cfg.PollTimeout, &jobs)
	if err != nil {
		var gerr *Error
		if errors.As(err, &gerr) && gerr.StatusCode == http.StatusNotFound {
			return nil, nil
		}
		return nil, err
	}
	return jobs, nil
}

// UpdateNode registers the worker with the gateway.
func (c *Client) UpdateNode(ctx context.Context, info NodeInfo) error {
	return c.post(ctx, "update_node", "/api/v0/gateway/updateNode", map[string]any{"node_info": info}, nil)
}

// Claim takes exclusive ownership of the job.
func (c *Client) Claim(ctx context.Context, jobID string) error {
	return c.post(ctx, "claim", "/api/v0/gateway/acceptJob", map[string]any{"job_id": jobID}, nil)
}

// Reject releases a job back to the gateway.
func (c *Client) Reject(ctx context.Context, jobID string) error {
	return c.post(ctx, "reject", "/api/v0/gateway/rejectJob", map[string]any{"job_id": jobID}, nil)
}

// Cancel asks the gateway to cancel the job outright.
func (c *Client) Cancel(ctx context.Context, jobID string) error {
	return c.post(ctx, "cancel", "/api/v0/gateway/cancelJob", map[string]any{"job_id": jobID}, nil)
}

// Ping reports progress for an owned job.
func (c *Client) Ping(ctx context.Context, jobID string, progress Progress) error {
	payload := map[string]any{"job_id": jobID, "status": progress}
	return c.post(ctx, "ping", "/api/v0/gateway/pingJob", payload, nil)
}

// Finish reports completion. A duplicate-completion rejection from the
// gateway is synthesized into a successful FinishResult with Duplicate set.
func (c *Client) Finish(ctx context.Context, jobID, cid, masterPlaylist string) (FinishResult, error) {
	output := map[string]any{"cid": cid, "ipfs_hash": cid}
	if masterPlaylist != "" {
		output["master_playlist"] = masterPlaylist
	}
	payload := map[string]any{"job_id": jobID, "output": output}
	err := c.post(ctx, "finish", "/api/v0/gateway/finishJob", payload, nil)
	if err != nil {
		if Classify(err) == KindDuplicate {
			c.logger.Warn("gateway reported duplicate completion", "job_id", jobID)
			return FinishResult{Duplicate: true}, nil
		}
		return FinishResult{}, err
	}
	return FinishResult{}, nil
}

// Fail reports a terminal failure for a job we owned.
func (c *Client) Fail(ctx context.Context, jobID string, details FailureDetails) error {
	if details.Timestamp == "" {
		details.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	payload := map[string]any{"job_id": jobID, "error": details}
	return c.post(ctx, "fail", "/api/v0/gateway/failJob", payload, nil)
}

// Status reads the gateway's ownership record for the job.
func (c *Client) Status(ctx context.Context, jobID string) (JobStatus, error) {
	var status JobStatus
	path := "/api/v0/gateway/jobstatus/" + jobID
	if err := c.get(ctx, "status", path, c.cfg.StatsTimeout, &status); err != nil {
		return JobStatus{}, err
	}
	return status, nil
}

func (c *Client) get(ctx context.Context, op, path string, timeout time.Duration, dest any) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(path), nil)
	if err != nil {
		return &Error{Op: op, Err: err}
	}
	return c.do(op, req, dest)
}

func (c *Client) post(ctx context.Context, op, path string, payload any, dest any) error {
	jws, err := c.signer.Sign(payload)
	if err != nil {
		return &Error{Op: op, Err: fmt.Errorf("sign payload: %w", err)}
	}
	body, err := json.Marshal(map[string]string{"jws": jws})
	if err != nil {
		return &Error{Op: op, Err: err}
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.PostTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(path), bytes.NewReader(body))
	if err != nil {
		return &Error{Op: op, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(op, req, dest)
}

func (c *Client) do(op string, req *http.Request, dest any) error {
	resp, err := c.client.Do(req)
	if err != nil {
		c.cfg.Metrics.GatewayRequest(op, "network_error")
		return &Error{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body := c.readCapped(resp.Body)
		gerr := &Error{Op: op, StatusCode: resp.StatusCode, Body: body}
		var structured struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		if json.Unmarshal([]byte(body), &structured) == nil {
			gerr.Code = structured.Code
		}
		c.cfg.Metrics.GatewayRequest(op, fmt.Sprintf("http_%d", resp.StatusCode))
		return gerr
	}

	c.cfg.Metrics.GatewayRequest(op, "ok")
	if dest == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4*1024*1024)).Decode(dest); err != nil {
		return &Error{Op: op, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

// readCapped retains at most MaxBodyBytes of an error body. Anything larger
// is replaced by a placeholder so large gateway error pages never stay
// resident in memory.
func (c *Client) readCapped(r io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(r, c.cfg.MaxBodyBytes+1))
	if err != nil && len(data) == 0 {
		return ""
	}
	if int64(len(data)) > c.cfg.MaxBodyBytes {
		return truncatedBodyPlaceholder
	}
	return strings.TrimSpace(string(data))
}

func (c *Client) endpoint(path string) string {
	return strings.TrimRight(c.cfg.BaseURL, "/") + path
}
