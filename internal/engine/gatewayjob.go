package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"peertide/internal/gateway"
	"peertide/internal/identity"
	"peertide/internal/queue"
)

var errRaceLost = errors.New("job owned by another encoder")

// runGatewayJob drives one gateway job through claim, encode, and report.
func (e *Engine) runGatewayJob(ctx context.Context, job queue.Job) {
	logger := e.logger.With("job_id", job.ID)

	if !e.acquireOwnership(ctx, job, logger) {
		return
	}

	// The gateway flips the job to running only when it sees a progress
	// value above 1, so the first ping is exactly 1.0.
	if err := e.gw.Ping(ctx, job.ID, gateway.Progress{ProgressPct: 1.0, DownloadPct: 100}); err != nil {
		logger.Warn("initial ping failed", "error", err)
	}

	jobCtx, cancelJob := context.WithCancel(ctx)
	monitorDone := make(chan struct{})
	go e.monitorOwnership(jobCtx, job.ID, cancelJob, monitorDone)
	defer func() {
		cancelJob()
		<-monitorDone
	}()

	result, cached := e.queue.GetCachedResult(job.ID)
	if cached {
		logger.Info("reusing cached result", "cid", result.CID)
	} else {
		var err error
		result, err = e.encode(jobCtx, job)
		if err != nil {
			e.handleEncodeFailure(ctx, jobCtx, job, err, logger)
			return
		}
		// Cache before reporting so a failed report can skip the
		// re-encode on retry.
		e.queue.CacheResult(job.ID, result)
	}

	if e.pinner != nil {
		if pinned, err := e.pinner.VerifyPersistence(ctx, result.CID); err != nil {
			logger.Warn("persistence check failed", "cid", result.CID, "error", err)
		} else if !pinned {
			logger.Warn("bundle not pinned yet, lazy pinner will follow up", "cid", result.CID)
		}
	}

	e.reportFinish(ctx, job, result, logger)
}

// acquireOwnership walks the ownership probe, claim, and verification
// steps. It returns false after recording the terminal outcome itself;
// true means we own the job and may encode.
func (e *Engine) acquireOwnership(ctx context.Context, job queue.Job, logger *slog.Logger) bool {
	needClaim := true
	st, err := e.gw.Status(ctx, job.ID)
	switch {
	case err != nil:
		logger.Warn("ownership probe failed, claiming anyway", "error", err)
	case st.AssignedTo == "":
	case identity.SameDID(st.AssignedTo, e.did):
		logger.Info("job already assigned to us, skipping claim")
		needClaim = false
	default:
		logger.Info("race lost before claim", "assigned_to", st.AssignedTo)
		e.queue.Fail(job.ID, errRaceLost, false)
		return false
	}

	if !needClaim {
		return true
	}

	if err := e.gw.Claim(ctx, job.ID); err != nil {
		kind := gateway.Classify(err)
		switch kind {
		case gateway.KindRaceLost:
			logger.Info("race lost on claim", "error", err)
			e.queue.Fail(job.ID, err, false)
			return false
		case gateway.KindAmbiguous, gateway.KindInfrastructure, gateway.KindUnknown:
			if e.defensiveTakeover(ctx, job.ID, err, logger) {
				return true
			}
			return false
		default:
			e.queue.Fail(job.ID, err, gateway.Retryable(kind))
			return false
		}
	}

	return e.verifyClaim(ctx, job.ID, logger)
}

// defensiveTakeover resolves an ambiguous claim through the database. It
// reports true only when the database confirms or grants ownership.
func (e *Engine) defensiveTakeover(ctx context.Context, id string, cause error, logger *slog.Logger) bool {
	if e.db == nil {
		logger.Warn("claim ambiguous and no database fallback, retrying later", "error", cause)
		e.queue.Fail(id, cause, true)
		return false
	}
	own, err := e.db.VerifyOwnership(ctx, id, e.did)
	if err != nil {
		logger.Warn("ownership forensics failed", "error", err)
		e.queue.Fail(id, cause, true)
		return false
	}
	switch {
	case !own.Exists:
		e.queue.Fail(id, fmt.Errorf("job not found in database after ambiguous claim: %w", cause), false)
		return false
	case own.IsOwned:
		logger.Info("database confirms ownership despite claim failure")
		return true
	case own.ActualOwner == "":
		if err := e.db.ForceAssign(ctx, id, e.did); err != nil {
			logger.Warn("defensive takeover failed", "error", err)
			e.queue.Fail(id, cause, true)
			return false
		}
		logger.Warn("job force-assigned through database after gateway claim failure")
		return true
	default:
		logger.Info("database shows another owner", "owner", own.ActualOwner)
		e.queue.Fail(id, errRaceLost, false)
		return false
	}
}

// verifyClaim re-reads ownership after a successful claim.
func (e *Engine) verifyClaim(ctx context.Context, id string, logger *slog.Logger) bool {
	st, err := e.gw.Status(ctx, id)
	if err != nil {
		logger.Warn("post-claim status read failed, trusting the claim", "error", err)
		return true
	}
	if identity.SameDID(st.AssignedTo, e.did) {
		if identity.FormatMismatch(st.AssignedTo, e.did) {
			logger.Warn("gateway stores our DID in a different format", "stored", st.AssignedTo)
		}
		return true
	}
	if e.db != nil {
		if own, err := e.db.VerifyOwnership(ctx, id, e.did); err == nil && own.IsOwned {
			logger.Warn("gateway status disagrees but database confirms ownership",
				"gateway_owner", st.AssignedTo)
			return true
		}
	}
	logger.Info("claim verification shows another owner", "assigned_to", st.AssignedTo)
	e.queue.Fail(id, errRaceLost, false)
	return false
}

// monitorOwnership periodically re-reads the assignment and aborts the
// encode when another encoder takes over.
func (e *Engine) monitorOwnership(ctx context.Context, jobID string, abort context.CancelFunc, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(e.cfg.MonitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st, err := e.gw.Status(ctx, jobID)
			if err != nil {
				continue
			}
			if st.AssignedTo != "" && !identity.SameDID(st.AssignedTo, e.did) {
				e.logger.Warn("ownership lost mid-encode, aborting",
					"job_id", jobID, "new_owner", st.AssignedTo)
				abort()
				return
			}
		}
	}
}

// handleEncodeFailure distinguishes shutdown, ownership loss, and genuine
// pipeline failures.
func (e *Engine) handleEncodeFailure(ctx, jobCtx context.Context, job queue.Job, err error, logger *slog.Logger) {
	switch {
	case ctx.Err() != nil:
		// Shutdown or parent cancellation; requeue so a restart resumes.
		logger.Info("encode interrupted by shutdown")
		e.queue.Fail(job.ID, err, true)
	case jobCtx.Err() != nil:
		// Only the ownership monitor cancels jobCtx without the parent.
		e.queue.Fail(job.ID, errRaceLost, false)
	default:
		retryable := retryableEncodeFailure(err)
		logger.Error("encode failed", "error", err, "retryable", retryable)
		e.queue.Fail(job.ID, err, retryable)
		e.reportFailure(job.ID, err, retryable)
	}
}

// reportFinish is the Persisted to Reported transition with its fallbacks.
func (e *Engine) reportFinish(ctx context.Context, job queue.Job, result queue.Result, logger *slog.Logger) {
	res, err := e.gw.Finish(ctx, job.ID, result.CID, result.MasterPlaylistURI)
	if err == nil {
		if res.Duplicate {
			logger.Info("gateway already recorded this completion")
		}
		e.completeGatewayJob(job, result, logger)
		return
	}

	kind := gateway.Classify(err)
	switch kind {
	case gateway.KindDuplicate:
		e.completeGatewayJob(job, result, logger)
		return
	case gateway.KindRaceLost:
		logger.Warn("finish rejected, job owned elsewhere", "error", err)
		e.queue.Fail(job.ID, err, false)
		return
	}

	if result.CID != "" && e.db != nil && (kind == gateway.KindInfrastructure || kind == gateway.KindAmbiguous || kind == gateway.KindUnknown) {
		if dbErr := e.db.ForceComplete(ctx, job.ID, result.CID); dbErr == nil {
			logger.Warn("finish failed, database force-complete succeeded", "gateway_error", err)
			e.completeGatewayJob(job, result, logger)
			return
		} else {
			logger.Error("database force-complete failed", "error", dbErr)
		}
	}

	retryable := gateway.Retryable(kind)
	e.queue.Fail(job.ID, err, retryable)
	e.reportFailure(job.ID, err, retryable)
}

func (e *Engine) completeGatewayJob(job queue.Job, result queue.Result, logger *slog.Logger) {
	e.queue.Complete(job.ID, result)
	if e.ident != nil {
		if err := e.ident.RecordCompletion(); err != nil {
			logger.Warn("identity completion counter update failed", "error", err)
		}
	}
	logger.Info("gateway job complete",
		"cid", result.CID, "qualities", result.Qualities, "processing_time", result.ProcessingTime)
}

// reportFailure tells the gateway we failed. Callers only invoke it once
// ownership was confirmed; race-lost paths never reach here.
func (e *Engine) reportFailure(jobID string, cause error, retryable bool) {
	ctx, cancel := context.WithTimeout(context.Background(), progressPingTimeout)
	defer cancel()
	details := gateway.FailureDetails{
		Error:          cause.Error(),
		Timestamp:      time.Now().UTC().Format(time.RFC3339),
		Retryable:      retryable,
		EncoderVersion: e.cfg.EncoderVersion,
	}
	if err := e.gw.Fail(ctx, jobID, details); err != nil {
		e.logger.Warn("failure report not delivered", "job_id", jobID, "error", err)
	}
}

func gatewayProgress(pct float64) gateway.Progress {
	if pct < 1 {
		pct = 1
	}
	return gateway.Progress{ProgressPct: pct, DownloadPct: 100}
}
