// Package engine coordinates the worker: it polls the gateway for work,
// drives every job through its lifecycle, schedules retries, pins lazily
// during idle time, and tracks gateway health.
package engine

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"peertide/internal/gateway"
	"peertide/internal/identity"
	"peertide/internal/jobdb"
	"peertide/internal/observability/metrics"
	"peertide/internal/pinledger"
	"peertide/internal/pinstore"
	"peertide/internal/queue"
	"peertide/internal/transcode"
	"peertide/internal/webhook"
)

// Gateway is the slice of the gateway client the engine drives.
type Gateway interface {
	Poll(ctx context.Context) (*gateway.Job, error)
	Claim(ctx context.Context, jobID string) error
	Reject(ctx context.Context, jobID string) error
	Ping(ctx context.Context, jobID string, progress gateway.Progress) error
	Finish(ctx context.Context, jobID, cid, masterPlaylist string) (gateway.FinishResult, error)
	Fail(ctx context.Context, jobID string, details gateway.FailureDetails) error
	Status(ctx context.Context, jobID string) (gateway.JobStatus, error)
	Stats(ctx context.Context) (map[string]any, error)
}

// Verifier is the optional direct database path used when the gateway
// misbehaves. A nil Verifier disables every fallback.
type Verifier interface {
	VerifyOwnership(ctx context.Context, id, ourDID string) (jobdb.Ownership, error)
	ForceAssign(ctx context.Context, id, ourDID string) error
	ForceComplete(ctx context.Context, id, cid string) error
	Close()
}

// Encoder runs the transcode pipeline for one job.
type Encoder interface {
	Process(ctx context.Context, req transcode.Request, cb transcode.Callbacks) ([]transcode.Output, error)
}

// Pinner is the slice of the content store the lazy pinner needs.
type Pinner interface {
	Pin(ctx context.Context, cid string) error
	VerifyPersistence(ctx context.Context, cid string) (bool, error)
}

// PinQueue is the durable pending-pin store.
type PinQueue interface {
	Add(rec pinstore.Record) error
	NextReady() (pinstore.Record, bool)
	MarkSuccess(cid string) error
	MarkFailed(cid string) error
	Cleanup() (int, error)
	Len() int
}

// Notifier dispatches direct-job webhooks.
type Notifier interface {
	SendCompletion(ctx context.Context, url string, c webhook.Completion) error
	SendFailure(ctx context.Context, url string, c webhook.Completion, jobErr string) error
}

// WorkerIdentity exposes the parts of the signing identity the engine uses.
type WorkerIdentity interface {
	DID() string
	RecordCompletion() error
}

type Config struct {
	PollInterval       time.Duration
	ExecuteInterval    time.Duration
	StuckSweepInterval time.Duration
	StuckThreshold     time.Duration
	LazyPinInterval    time.Duration
	HeartbeatInterval  time.Duration
	MonitorInterval    time.Duration
	PinTimeout         time.Duration
	RejectTimeout      time.Duration
	// OfflineAfter is how many consecutive gateway failures flip the
	// offline flag.
	OfflineAfter   int
	EncoderVersion string
	Logger         *slog.Logger
	Metrics        *metrics.Recorder
}

func (cfg Config) withDefaults() Config {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Minute
	}
	if cfg.ExecuteInterval <= 0 {
		cfg.ExecuteInterval = 5 * time.Second
	}
	if cfg.StuckSweepInterval <= 0 {
		cfg.StuckSweepInterval = 10 * time.Minute
	}
	if cfg.StuckThreshold <= 0 {
		cfg.StuckThreshold = time.Hour
	}
	if cfg.LazyPinInterval <= 0 {
		cfg.LazyPinInterval = 2 * time.Minute
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = time.Minute
	}
	if cfg.MonitorInterval <= 0 {
		cfg.MonitorInterval = time.Minute
	}
	if cfg.PinTimeout <= 0 {
		cfg.PinTimeout = 2 * time.Minute
	}
	if cfg.RejectTimeout <= 0 {
		cfg.RejectTimeout = 10 * time.Second
	}
	if cfg.OfflineAfter <= 0 {
		cfg.OfflineAfter = 3
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return cfg
}

// Deps bundles the engine's collaborators. Queue, Gateway, and Encoder are
// required; everything else degrades gracefully when nil.
type Deps struct {
	Queue    *queue.Queue
	Gateway  Gateway
	DB       Verifier
	Encoder  Encoder
	Pinner   Pinner
	Pins     PinQueue
	Ledger   *pinledger.Ledger
	Hooks    Notifier
	Identity WorkerIdentity
}

type Engine struct {
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Recorder

	queue   *queue.Queue
	gw      Gateway
	db      Verifier
	encoder Encoder
	pinner  Pinner
	pins    PinQueue
	ledger  *pinledger.Ledger
	hooks   Notifier
	ident   WorkerIdentity
	did     string

	jobs   sync.WaitGroup
	health gatewayHealth
}

func New(cfg Config, deps Deps) *Engine {
	cfg = cfg.withDefaults()
	e := &Engine{
		cfg:     cfg,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		queue:   deps.Queue,
		gw:      deps.Gateway,
		db:      deps.DB,
		encoder: deps.Encoder,
		pinner:  deps.Pinner,
		pins:    deps.Pins,
		ledger:  deps.Ledger,
		hooks:   deps.Hooks,
		ident:   deps.Identity,
	}
	if deps.Identity != nil {
		e.did = deps.Identity.DID()
	}
	return e
}

// Run drives all periodic activities until the context is cancelled, then
// performs the shutdown sequence.
func (e *Engine) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { e.pollLoop(gctx); return nil })
	g.Go(func() error { e.executeLoop(gctx); return nil })
	g.Go(func() error { e.stuckLoop(gctx); return nil })
	g.Go(func() error { e.lazyPinLoop(gctx); return nil })
	g.Go(func() error { e.heartbeatLoop(gctx); return nil })
	g.Wait()
	e.shutdown()
	return nil
}

// shutdown releases remaining jobs upstream and closes the database. The
// reject pass is best-effort and bounded.
func (e *Engine) shutdown() {
	active := e.queue.ActiveIDs()
	e.jobs.Wait()

	if len(active) > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.RejectTimeout)
		defer cancel()
		for _, id := range active {
			job, ok := e.queue.Get(id)
			if !ok || job.Origin != queue.OriginGateway || job.Status == queue.StatusComplete {
				continue
			}
			if err := e.gw.Reject(ctx, id); err != nil {
				e.logger.Warn("shutdown reject failed", "job_id", id, "error", err)
			} else {
				e.logger.Info("job released on shutdown", "job_id", id)
			}
		}
	}
	if e.db != nil {
		e.db.Close()
	}
	e.logger.Info("engine stopped")
}

// pollLoop asks the gateway for work. The start is jittered so a fleet of
// workers does not stampede the gateway on the same second.
func (e *Engine) pollLoop(ctx context.Context) {
	jitter := time.Duration(rand.Int63n(int64(e.cfg.PollInterval)))
	select {
	case <-ctx.Done():
		return
	case <-time.After(jitter):
	}
	e.pollOnce(ctx)

	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.pollOnce(ctx)
		}
	}
}

func (e *Engine) pollOnce(ctx context.Context) {
	if !e.queue.HasCapacity() {
		return
	}
	job, err := e.gw.Poll(ctx)
	if err != nil {
		if gateway.Classify(err) == gateway.KindInfrastructure {
			e.noteGatewayFailure(err)
		}
		return
	}
	e.noteGatewaySuccess()
	if job == nil {
		return
	}
	if job.AssignedTo != "" && !identity.SameDID(job.AssignedTo, e.did) {
		e.logger.Debug("poll returned a job owned elsewhere", "job_id", job.ID, "assigned_to", job.AssignedTo)
		return
	}
	added := e.queue.AddGateway(queue.Job{
		ID:        job.ID,
		InputURI:  job.Input.URI,
		InputSize: job.Input.Size,
		Profiles:  job.Profiles,
		Short:     job.Short,
		Owner:     job.Metadata.VideoOwner,
		Permlink:  job.Metadata.VideoPermlink,
		App:       job.StorageMetadata.App,
	})
	if added {
		e.logger.Info("gateway job queued", "job_id", job.ID, "input", job.Input.URI)
	}
}

// executeLoop drains the retry scheduler and dispatches ready jobs.
func (e *Engine) executeLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.ExecuteInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, id := range e.queue.ProcessRetries() {
				e.logger.Info("retrying job", "job_id", id, "attempt", e.queue.Attempts(id))
			}
			e.dispatch(ctx)
		}
	}
}

func (e *Engine) dispatch(ctx context.Context) {
	for {
		job, ok := e.queue.Next()
		if !ok {
			return
		}
		e.metrics.JobStarted(string(job.Origin))
		e.jobs.Add(1)
		go func(job queue.Job) {
			defer e.jobs.Done()
			if job.Origin == queue.OriginDirect {
				e.runDirectJob(ctx, job)
			} else {
				e.runGatewayJob(ctx, job)
			}
		}(job)
	}
}

// stuckLoop rejects and abandons jobs that stopped making progress.
func (e *Engine) stuckLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.StuckSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.sweepStuck(ctx)
		}
	}
}

func (e *Engine) sweepStuck(ctx context.Context) {
	for _, id := range e.queue.DetectStuck(e.cfg.StuckThreshold) {
		e.logger.Warn("abandoning stuck job", "job_id", id, "threshold", e.cfg.StuckThreshold)
		job, ok := e.queue.Get(id)
		if ok && job.Origin == queue.OriginGateway {
			if err := e.gw.Reject(ctx, id); err != nil {
				e.logger.Warn("reject of stuck job failed", "job_id", id, "error", err)
			}
		}
		e.queue.Abandon(id, "no progress for "+e.cfg.StuckThreshold.String())
	}
}

// lazyPinLoop retries pending pins while the worker is idle.
func (e *Engine) lazyPinLoop(ctx context.Context) {
	if e.pins == nil || e.pinner == nil {
		return
	}
	ticker := time.NewTicker(e.cfg.LazyPinInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.lazyPinOnce(ctx)
		}
	}
}

func (e *Engine) lazyPinOnce(ctx context.Context) {
	if removed, err := e.pins.Cleanup(); err != nil {
		e.logger.Warn("pending-pin cleanup failed", "error", err)
	} else if removed > 0 {
		e.logger.Info("expired pending pins removed", "count", removed)
	}
	defer e.metrics.SetPendingPins(e.pins.Len())

	if e.queue.ActiveCount() > 0 {
		return
	}
	rec, ok := e.pins.NextReady()
	if !ok {
		return
	}
	pinCtx, cancel := context.WithTimeout(ctx, e.cfg.PinTimeout)
	defer cancel()
	if err := e.pinner.Pin(pinCtx, rec.CID); err != nil {
		e.metrics.PinFailure()
		e.logger.Warn("lazy pin failed", "cid", rec.CID, "attempt", rec.Attempts+1, "error", err)
		if markErr := e.pins.MarkFailed(rec.CID); markErr != nil {
			e.logger.Warn("pending-pin update failed", "cid", rec.CID, "error", markErr)
		}
		if err := e.ledger.MarkSync(ctx, rec.CID, pinledger.SyncFailed); err != nil {
			e.logger.Warn("pin ledger update failed", "cid", rec.CID, "error", err)
		}
		return
	}
	e.logger.Info("lazy pin succeeded", "cid", rec.CID, "job_id", rec.OriginatingJobID)
	if err := e.pins.MarkSuccess(rec.CID); err != nil {
		e.logger.Warn("pending-pin removal failed", "cid", rec.CID, "error", err)
	}
	if err := e.ledger.MarkSync(ctx, rec.CID, pinledger.SyncSynced); err != nil {
		e.logger.Warn("pin ledger update failed", "cid", rec.CID, "error", err)
	}
}

// heartbeatLoop probes gateway liveness.
func (e *Engine) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := e.gw.Stats(ctx); err != nil {
				e.noteGatewayFailure(err)
			} else {
				e.noteGatewaySuccess()
			}
		}
	}
}

// gatewayHealth counts consecutive failures shared by poll and heartbeat.
type gatewayHealth struct {
	mu          sync.Mutex
	consecutive int
	offline     bool
}

func (e *Engine) noteGatewayFailure(err error) {
	e.health.mu.Lock()
	e.health.consecutive++
	turnedOffline := !e.health.offline && e.health.consecutive >= e.cfg.OfflineAfter
	if turnedOffline {
		e.health.offline = true
	}
	failures := e.health.consecutive
	e.health.mu.Unlock()

	if turnedOffline {
		e.logger.Error("gateway considered offline", "consecutive_failures", failures, "error", err)
	} else {
		e.logger.Warn("gateway request failed", "consecutive_failures", failures, "error", err)
	}
}

func (e *Engine) noteGatewaySuccess() {
	e.health.mu.Lock()
	recovered := e.health.offline
	e.health.consecutive = 0
	e.health.offline = false
	e.health.mu.Unlock()
	if recovered {
		e.logger.Info("gateway back online")
	}
}

// GatewayOffline reports the current health verdict.
func (e *Engine) GatewayOffline() bool {
	e.health.mu.Lock()
	defer e.health.mu.Unlock()
	return e.health.offline
}
