package engine

import (
	"context"
	"log/slog"
	"time"

	"peertide/internal/queue"
	"peertide/internal/webhook"
)

const webhookTimeout = 30 * time.Second

// runDirectJob executes a job submitted through the direct API and
// notifies the submitter's webhook when the job reaches a terminal state.
func (e *Engine) runDirectJob(ctx context.Context, job queue.Job) {
	logger := e.logger.With("job_id", job.ID, "owner", job.Owner)

	result, err := e.encode(ctx, job)
	completion := webhook.Completion{
		Owner:    job.Owner,
		Permlink: job.Permlink,
		InputCID: inputCIDOf(job.InputURI),
		JobID:    job.ID,
	}

	if err != nil {
		if ctx.Err() != nil {
			logger.Info("direct job interrupted by shutdown")
			e.queue.Fail(job.ID, err, true)
			return
		}
		retryable := retryableEncodeFailure(err)
		logger.Error("direct job failed", "error", err, "retryable", retryable)
		e.queue.Fail(job.ID, err, retryable)

		// Webhooks fire only on terminal outcomes; a scheduled retry is
		// invisible to the submitter.
		if terminal, ok := e.queue.Get(job.ID); ok && terminal.Status == queue.StatusFailed {
			e.notifyFailure(job.WebhookURL, completion, err.Error(), logger)
		}
		return
	}

	completion.ManifestCID = result.CID
	completion.Qualities = result.Qualities
	completion.ProcessingSeconds = result.ProcessingTime.Seconds()

	e.queue.Complete(job.ID, result)
	if e.ident != nil {
		if err := e.ident.RecordCompletion(); err != nil {
			logger.Warn("identity completion counter update failed", "error", err)
		}
	}
	logger.Info("direct job complete", "cid", result.CID, "qualities", result.Qualities)

	if e.hooks != nil && job.WebhookURL != "" {
		notifyCtx, cancel := context.WithTimeout(context.Background(), webhookTimeout)
		defer cancel()
		if err := e.hooks.SendCompletion(notifyCtx, job.WebhookURL, completion); err != nil {
			logger.Warn("completion webhook failed", "error", err)
		}
	}
}

func (e *Engine) notifyFailure(url string, completion webhook.Completion, jobErr string, logger *slog.Logger) {
	if e.hooks == nil || url == "" {
		return
	}
	notifyCtx, cancel := context.WithTimeout(context.Background(), webhookTimeout)
	defer cancel()
	if err := e.hooks.SendFailure(notifyCtx, url, completion, jobErr); err != nil {
		logger.Warn("failure webhook failed", "error", err)
	}
}
