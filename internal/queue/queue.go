// Package queue holds the in-memory job state: a FIFO of pending work, the
// active set, the retry scheduler, and the smart-retry result cache. All
// mutation goes through the methods under a single mutex.
package queue

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"peertide/internal/observability/metrics"
)

// httpStatusCarrier is satisfied by gateway errors; it lets the retry policy
// halve the delay for server-side failures without importing the gateway
// package.
type httpStatusCarrier interface {
	HTTPStatus() int
}

const serverErrorRetryCap = 2 * time.Minute

type Config struct {
	MaxConcurrent int
	MaxAttempts   int
	RetryBase     time.Duration
	Logger        *slog.Logger
	Metrics       *metrics.Recorder
}

type Queue struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	pending []string
	active  map[string]struct{}
	jobs    map[string]*Job
	retries map[string]*retryRecord
	cached  map[string]*Result
	now     func() time.Time
}

func New(cfg Config) *Queue {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 5 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		cfg:     cfg,
		logger:  logger,
		active:  make(map[string]struct{}),
		jobs:    make(map[string]*Job),
		retries: make(map[string]*retryRecord),
		cached:  make(map[string]*Result),
		now:     time.Now,
	}
}

// AddGateway enqueues a gateway job. Re-adding a known id is a no-op; the
// poll loop frequently sees the same job twice.
func (q *Queue) AddGateway(job Job) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, exists := q.jobs[job.ID]; exists {
		return false
	}
	now := q.now().UTC()
	job.Origin = OriginGateway
	job.Status = StatusQueued
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	stored := job
	q.jobs[job.ID] = &stored
	q.pending = append(q.pending, job.ID)
	return true
}

// AddDirect shapes a direct request into a Job and enqueues it.
func (q *Queue) AddDirect(req DirectRequest) Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now().UTC()
	inputURI := req.InputURI
	if inputURI == "" && req.InputCID != "" {
		inputURI = "ipfs://" + req.InputCID
	}
	profiles := req.Profiles
	if req.Short {
		profiles = []string{"480p"}
	}
	job := Job{
		ID:         uuid.NewString(),
		Origin:     OriginDirect,
		Status:     StatusQueued,
		CreatedAt:  now,
		UpdatedAt:  now,
		InputURI:   inputURI,
		Profiles:   profiles,
		Short:      req.Short,
		Owner:      req.Owner,
		Permlink:   req.Permlink,
		WebhookURL: req.WebhookURL,
	}
	stored := job
	q.jobs[job.ID] = &stored
	q.pending = append(q.pending, job.ID)
	return job
}

// Next pops the oldest pending job and moves it to the active set, or
// returns false when nothing is ready or concurrency is saturated.
func (q *Queue) Next() (Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.active) >= q.cfg.MaxConcurrent || len(q.pending) == 0 {
		return Job{}, false
	}
	id := q.pending[0]
	q.pending = q.pending[1:]
	job, ok := q.jobs[id]
	if !ok {
		return Job{}, false
	}
	job.Status = StatusRunning
	job.UpdatedAt = q.now().UTC()
	q.active[id] = struct{}{}
	q.cfg.Metrics.SetActiveJobs(len(q.active))
	return *job, true
}

// Complete marks a job terminal-successful and clears its retry state and
// cached result.
func (q *Queue) Complete(id string, result Result) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[id]
	if !ok {
		return false
	}
	delete(q.active, id)
	q.removePending(id)
	delete(q.retries, id)
	delete(q.cached, id)
	job.Status = StatusComplete
	job.ResultCID = result.CID
	job.ProgressPercent = 100
	job.UpdatedAt = q.now().UTC()
	q.cfg.Metrics.SetActiveJobs(len(q.active))
	q.cfg.Metrics.JobCompleted(string(job.Origin))
	return true
}

// Fail records a failure. Retryable failures below the attempt cap return to
// Queued with a scheduled retry; everything else is terminal. Server-side
// (5xx) failures retry sooner.
func (q *Queue) Fail(id string, cause error, canRetry bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[id]
	if !ok {
		return
	}
	delete(q.active, id)
	q.removePending(id)
	q.cfg.Metrics.SetActiveJobs(len(q.active))

	message := "unknown error"
	if cause != nil {
		message = cause.Error()
	}
	job.LastError = message
	job.UpdatedAt = q.now().UTC()

	rec := q.retries[id]
	if rec == nil {
		rec = &retryRecord{MaxAttempts: q.cfg.MaxAttempts}
		q.retries[id] = rec
	}
	rec.Attempts++
	rec.LastAttempt = q.now().UTC()
	rec.ErrorHistory = append(rec.ErrorHistory, message)

	if canRetry && rec.Attempts < rec.MaxAttempts {
		delay := q.cfg.RetryBase
		var statusErr httpStatusCarrier
		if errors.As(cause, &statusErr) && statusErr.HTTPStatus() >= 500 {
			delay = q.cfg.RetryBase / 2
			if delay > serverErrorRetryCap {
				delay = serverErrorRetryCap
			}
		}
		rec.NextRetry = q.now().UTC().Add(delay)
		job.Status = StatusQueued
		q.cfg.Metrics.JobRetried()
		q.logger.Info("job scheduled for retry",
			"job_id", id, "attempt", rec.Attempts, "max_attempts", rec.MaxAttempts, "delay", delay)
		return
	}

	job.Status = StatusFailed
	delete(q.retries, id)
	delete(q.cached, id)
	q.cfg.Metrics.JobFailed(string(job.Origin))
}

// UpdateProgress stamps progress on a running job.
func (q *Queue) UpdateProgress(id string, pct float64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[id]
	if !ok {
		return
	}
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	job.ProgressPercent = pct
	job.UpdatedAt = q.now().UTC()
}

// ProcessRetries moves jobs whose retry time has arrived back into the
// pending FIFO, each at most once per invocation, and returns their ids.
func (q *Queue) ProcessRetries() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now().UTC()
	var ready []string
	for id, rec := range q.retries {
		if rec.NextRetry.IsZero() || rec.NextRetry.After(now) {
			continue
		}
		job, ok := q.jobs[id]
		if !ok || job.Status != StatusQueued {
			continue
		}
		if q.inPending(id) {
			continue
		}
		rec.NextRetry = time.Time{}
		q.pending = append(q.pending, id)
		ready = append(ready, id)
	}
	return ready
}

// DetectStuck returns active jobs whose last update is older than maxActive.
func (q *Queue) DetectStuck(maxActive time.Duration) []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	cutoff := q.now().UTC().Add(-maxActive)
	var stuck []string
	for id := range q.active {
		job, ok := q.jobs[id]
		if !ok {
			continue
		}
		if job.UpdatedAt.Before(cutoff) {
			stuck = append(stuck, id)
		}
	}
	return stuck
}

// Abandon removes a job from every live set and marks it failed with the
// reason. Used by the stuck sweeper and external cancellation.
func (q *Queue) Abandon(id, reason string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[id]
	if !ok {
		return false
	}
	delete(q.active, id)
	q.removePending(id)
	delete(q.retries, id)
	delete(q.cached, id)
	job.Status = StatusFailed
	job.LastError = reason
	job.UpdatedAt = q.now().UTC()
	q.cfg.Metrics.SetActiveJobs(len(q.active))
	q.cfg.Metrics.JobFailed(string(job.Origin))
	return true
}

// CacheResult stores a computed result for smart retry.
func (q *Queue) CacheResult(id string, result Result) {
	q.mu.Lock()
	defer q.mu.Unlock()
	stored := result
	q.cached[id] = &stored
}

func (q *Queue) GetCachedResult(id string) (Result, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	result, ok := q.cached[id]
	if !ok {
		return Result{}, false
	}
	return *result, true
}

func (q *Queue) ClearCachedResult(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.cached, id)
}

// Get returns a copy of the job.
func (q *Queue) Get(id string) (Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[id]
	if !ok {
		return Job{}, false
	}
	return *job, true
}

// Attempts reports the retry attempts consumed so far.
func (q *Queue) Attempts(id string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if rec, ok := q.retries[id]; ok {
		return rec.Attempts
	}
	return 0
}

// Counts reports queue occupancy for the direct API.
func (q *Queue) Counts() (total, pending, active int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs), len(q.pending), len(q.active)
}

// HasCapacity reports whether another job could start right now.
func (q *Queue) HasCapacity() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.active) < q.cfg.MaxConcurrent
}

// ActiveCount reports how many jobs are executing.
func (q *Queue) ActiveCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.active)
}

// ActiveIDs snapshots the active set for shutdown handling.
func (q *Queue) ActiveIDs() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	ids := make([]string, 0, len(q.active))
	for id := range q.active {
		ids = append(ids, id)
	}
	return ids
}

// Cleanup drops terminal jobs older than maxAge and returns how many were
// removed.
func (q *Queue) Cleanup(maxAge time.Duration) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	cutoff := q.now().UTC().Add(-maxAge)
	removed := 0
	for id, job := range q.jobs {
		if job.Status != StatusComplete && job.Status != StatusFailed {
			continue
		}
		if job.UpdatedAt.Before(cutoff) {
			delete(q.jobs, id)
			delete(q.cached, id)
			delete(q.retries, id)
			removed++
		}
	}
	return removed
}

func (q *Queue) removePending(id string) {
	for i, pending := range q.pending {
		if pending == id {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			return
		}
	}
}

func (q *Queue) inPending(id string) bool {
	for _, pending := range q.pending {
		if pending == id {
			return true
		}
	}
	return false
}
