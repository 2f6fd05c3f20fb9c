package queue

import (
	"time"
)

// Origin names the source a job arrived from.
type Origin string

const (
	OriginGateway Origin = "gateway"
	OriginDirect  Origin = "direct"
)

// Status is the single lifecycle state of a job. A job is in exactly one
// state at any observation point.
type Status string

const (
	StatusQueued   Status = "queued"
	StatusRunning  Status = "running"
	StatusComplete Status = "complete"
	StatusFailed   Status = "failed"
)

// Job is the worker's internal unit of work. The queue owns the canonical
// copy; callers receive value copies.
type Job struct {
	ID        string
	Origin    Origin
	Status    Status
	CreatedAt time.Time
	UpdatedAt time.Time

	InputURI  string
	InputSize int64
	Profiles  []string
	Short     bool

	Owner    string
	Permlink string
	App      string

	ProgressPercent float64
	ResultCID       string
	LastError       string

	// Direct-API extras.
	WebhookURL string
}

// Result is the cached output of a successful transcode+upload, kept so a
// retry that only failed at the gateway-notification step can skip straight
// to reporting.
type Result struct {
	CID               string
	MasterPlaylistURI string
	Qualities         []string
	ProcessingTime    time.Duration
}

type retryRecord struct {
	Attempts     int
	MaxAttempts  int
	LastAttempt  time.Time
	NextRetry    time.Time
	ErrorHistory []string
}

// DirectRequest is the payload accepted from the direct API before it is
// shaped into a Job.
type DirectRequest struct {
	Owner      string
	Permlink   string
	InputCID   string
	InputURI   string
	Profiles   []string
	Short      bool
	WebhookURL string
}
