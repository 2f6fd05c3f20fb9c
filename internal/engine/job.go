package engine

import (
	"context"
	"errors"
	"time"

	"peertide/internal/ipfs"
	"peertide/internal/pinledger"
	"peertide/internal/pinstore"
	"peertide/internal/queue"
	"peertide/internal/transcode"
)

const progressPingTimeout = 10 * time.Second

// encode runs the transcode pipeline for a job and shapes the result.
// Gateway jobs additionally stream progress pings upstream.
func (e *Engine) encode(ctx context.Context, job queue.Job) (queue.Result, error) {
	start := time.Now()
	outputs, err := e.encoder.Process(ctx, transcode.Request{
		JobID:    job.ID,
		InputURI: job.InputURI,
		Profiles: job.Profiles,
		Short:    job.Short,
	}, transcode.Callbacks{
		OnProgress: func(jobID, profile string, pct float64) {
			e.queue.UpdateProgress(jobID, pct)
			if job.Origin == queue.OriginGateway {
				go e.pingProgress(jobID, pct)
			}
		},
		OnUploaded: func(cid string, sizeMB float64, directory bool) {
			e.recordUpload(job, cid, sizeMB, directory)
		},
		OnPinFailed: func(cid, reason string) {
			e.enqueuePendingPin(job.ID, cid, 0, pinstore.KindDirectory, reason)
		},
	})
	if err != nil {
		return queue.Result{}, err
	}

	master := outputs[0]
	qualities := make([]string, 0, len(outputs)-1)
	for _, out := range outputs[1:] {
		qualities = append(qualities, out.Profile)
	}
	return queue.Result{
		CID:               master.CID,
		MasterPlaylistURI: master.PlaylistURI,
		Qualities:         qualities,
		ProcessingTime:    time.Since(start),
	}, nil
}

// pingProgress is fire-and-forget: it owns its deadline and never blocks
// the encode path.
func (e *Engine) pingProgress(jobID string, pct float64) {
	ctx, cancel := context.WithTimeout(context.Background(), progressPingTimeout)
	defer cancel()
	progress := gatewayProgress(pct)
	if err := e.gw.Ping(ctx, jobID, progress); err != nil {
		e.logger.Debug("progress ping failed", "job_id", jobID, "error", err)
	}
}

// recordUpload tracks a freshly uploaded bundle: it joins the pending-pin
// queue (uploads never pin inline) and the local pin ledger.
func (e *Engine) recordUpload(job queue.Job, cid string, sizeMB float64, directory bool) {
	kind := pinstore.KindFile
	if directory {
		kind = pinstore.KindDirectory
	}
	e.enqueuePendingPin(job.ID, cid, sizeMB, kind, "deferred to lazy pinner")

	entry := pinledger.Entry{
		Hash:        cid,
		JobID:       job.ID,
		ContentType: "application/x-mpegURL",
		SizeBytes:   int64(sizeMB * (1 << 20)),
	}
	if err := e.ledger.Record(context.Background(), entry); err != nil {
		e.logger.Warn("pin ledger record failed", "cid", cid, "error", err)
	}
}

func (e *Engine) enqueuePendingPin(jobID, cid string, sizeMB float64, kind pinstore.Kind, reason string) {
	if e.pins == nil {
		return
	}
	err := e.pins.Add(pinstore.Record{
		CID:              cid,
		OriginatingJobID: jobID,
		SizeMB:           sizeMB,
		Kind:             kind,
	})
	if err != nil {
		e.logger.Warn("pending pin enqueue failed", "cid", cid, "error", err)
		return
	}
	e.logger.Info("cid queued for lazy pinning", "cid", cid, "job_id", jobID, "reason", reason)
	e.metrics.SetPendingPins(e.pins.Len())
}

// retryableEncodeFailure maps a pipeline failure stage to a retry verdict.
// Dead inputs and exhausted cascades stay dead; everything transient gets
// another attempt.
func retryableEncodeFailure(err error) bool {
	switch transcode.StageOf(err) {
	case transcode.StageSource, transcode.StageUpload, transcode.StageSetup:
		return true
	case transcode.StageProbe, transcode.StageEncode:
		return false
	}
	return errors.Is(err, context.DeadlineExceeded)
}

func inputCIDOf(uri string) string {
	if cid, ok := ipfs.ExtractCID(uri); ok {
		return cid
	}
	return ""
}
