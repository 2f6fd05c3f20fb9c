// Package transcode turns a source video into an HLS bundle: probe the
// input, pick a strategy and an encoder, run ffmpeg per quality, build the
// master playlist, and hand the bundle to the content store.
package transcode

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"peertide/internal/observability/metrics"
)

// ContentStore is the slice of the content-addressed store the transcoder
// needs.
type ContentStore interface {
	Download(ctx context.Context, uri, outPath string, onProgress func(pct float64)) error
	UploadDirectory(ctx context.Context, dir string, pin bool, onPinFailed func(cid, reason string)) (string, error)
}

// Callbacks carries the per-job notification hooks. All fields are
// optional.
type Callbacks struct {
	// OnProgress receives aggregated progress: download maps to 5-25%,
	// encoding to 25-95%, upload and publish to 95-100%.
	OnProgress func(jobID, profile string, percent float64)
	// OnUploaded fires once the bundle is on the store, before pinning.
	OnUploaded func(cid string, sizeMB float64, directory bool)
	// OnPinFailed fires when a blocking pin attempt fails.
	OnPinFailed func(cid, reason string)
}

// Request is the transcoder's view of a job.
type Request struct {
	JobID    string
	InputURI string
	Profiles []string
	Short    bool
}

// Output is one published artifact. The first entry returned by Process is
// always the master playlist with the bundle's directory CID.
type Output struct {
	Profile     string
	CID         string
	PlaylistURI string
	Segments    int
	SizeBytes   int64
}

type Config struct {
	FFmpegPath   string
	FFprobePath  string
	WorkDir      string
	ProbeTimeout time.Duration
	// Cascade overrides encoder detection; used by tests and operators who
	// know their hardware.
	Cascade []Codec
	Logger  *slog.Logger
	Metrics *metrics.Recorder
}

type Transcoder struct {
	cfg      Config
	logger   *slog.Logger
	metrics  *metrics.Recorder
	store    ContentStore
	cascade  []Codec
	children *childRegistry
}

func New(cfg Config, store ContentStore) *Transcoder {
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = "ffmpeg"
	}
	if cfg.FFprobePath == "" {
		cfg.FFprobePath = "ffprobe"
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Transcoder{
		cfg:      cfg,
		logger:   logger,
		metrics:  cfg.Metrics,
		store:    store,
		cascade:  cfg.Cascade,
		children: newChildRegistry(),
	}
}

// Init detects the encoder cascade unless the config supplied one.
func (t *Transcoder) Init(ctx context.Context) error {
	if len(t.cascade) > 0 {
		return nil
	}
	cascade, err := DetectCascade(ctx, t.cfg.FFmpegPath)
	if err != nil {
		return err
	}
	t.cascade = cascade
	names := make([]string, 0, len(cascade))
	for _, c := range cascade {
		names = append(names, c.Name)
	}
	t.logger.Info("encoder cascade detected", "cascade", names)
	return nil
}

// KillChildren hard-kills every running encoder child and reports how many
// were hit. The memory guard calls this before aborting the process.
func (t *Transcoder) KillChildren() int {
	return t.children.KillAll()
}

// Process runs the whole pipeline for one job. The working directory is
// removed on every exit path.
func (t *Transcoder) Process(ctx context.Context, req Request, cb Callbacks) ([]Output, error) {
	if len(t.cascade) == 0 {
		return nil, fmt.Errorf("transcoder not initialized")
	}
	logger := t.logger.With("job_id", req.JobID)

	workDir, err := os.MkdirTemp(t.cfg.WorkDir, "peertide-job-*")
	if err != nil {
		return nil, failAt(StageSetup, fmt.Errorf("create work dir: %w", err))
	}
	defer os.RemoveAll(workDir)

	report := func(profile string, pct float64) {
		if cb.OnProgress == nil {
			return
		}
		if pct > 100 {
			pct = 100
		}
		cb.OnProgress(req.JobID, profile, pct)
	}

	source := filepath.Join(workDir, "source")
	report("download", 5)
	err = t.store.Download(ctx, req.InputURI, source, func(pct float64) {
		report("download", 5+pct*0.20)
	})
	if err != nil {
		return nil, failAt(StageSource, fmt.Errorf("download source: %w", err))
	}

	probe, err := t.Probe(ctx, source)
	if err != nil {
		return nil, failAt(StageProbe, fmt.Errorf("probe source: %w", err))
	}
	for _, issue := range probe.Issues {
		switch issue.Severity {
		case SeverityError:
			logger.Error(issue.Message)
		case SeverityWarning:
			logger.Warn(issue.Message)
		default:
			logger.Info(issue.Message)
		}
	}

	strategy := computeStrategy(probe)
	if len(strategy.Reasons) > 0 {
		logger.Info("encoding strategy computed", "decisions", strategy.Reasons)
	}

	profiles, err := resolveProfiles(req.Profiles, req.Short)
	if err != nil {
		return nil, failAt(StageProbe, err)
	}

	outputsDir := filepath.Join(workDir, "outputs")
	if err := os.MkdirAll(outputsDir, 0o755); err != nil {
		return nil, failAt(StageSetup, fmt.Errorf("create outputs dir: %w", err))
	}

	// For progress the playable runtime is what matters; short jobs trim
	// the output to a minute.
	effective := probe.Duration
	if req.Short && effective > time.Minute {
		effective = time.Minute
	}

	var encoded []EncodedProfile
	if strategy.Passthrough {
		encoded, err = t.runPassthrough(ctx, source, outputsDir, strategy, effective, req, report)
	} else {
		encoded, err = t.runLadder(ctx, source, outputsDir, probe, strategy, profiles, effective, req, report)
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		return nil, failAt(StageEncode, err)
	}

	// The source is dead weight from here on.
	os.Remove(source)

	masterProfiles := make([]Profile, 0, len(encoded))
	for _, e := range encoded {
		masterProfiles = append(masterProfiles, e.Profile)
	}
	if _, err := writeMasterPlaylist(outputsDir, masterProfiles); err != nil {
		return nil, failAt(StageSetup, err)
	}

	report("upload", 95)
	cid, err := t.store.UploadDirectory(ctx, outputsDir, false, cb.OnPinFailed)
	if err != nil {
		return nil, failAt(StageUpload, fmt.Errorf("upload bundle: %w", err))
	}

	var totalBytes int64
	for _, e := range encoded {
		totalBytes += e.SizeBytes
	}
	if cb.OnUploaded != nil {
		cb.OnUploaded(cid, float64(totalBytes)/(1<<20), true)
	}
	report("publish", 100)

	outputs := make([]Output, 0, len(encoded)+1)
	outputs = append(outputs, Output{
		Profile:     "master",
		CID:         cid,
		PlaylistURI: fmt.Sprintf("ipfs://%s/%s", cid, manifestName),
		SizeBytes:   totalBytes,
	})
	for _, e := range encoded {
		outputs = append(outputs, Output{
			Profile:     e.Profile.Name,
			CID:         cid,
			PlaylistURI: fmt.Sprintf("ipfs://%s/%s/index.m3u8", cid, e.Profile.Name),
			Segments:    len(e.Segments),
			SizeBytes:   e.SizeBytes,
		})
	}
	logger.Info("bundle published", "cid", cid, "profiles", len(encoded), "size_mb", totalBytes>>20)
	return outputs, nil
}

func (t *Transcoder) runPassthrough(ctx context.Context, source, outputsDir string, strategy Strategy, effective time.Duration, req Request, report func(string, float64)) ([]EncodedProfile, error) {
	profile := ladder["480p"]
	profileDir := filepath.Join(outputsDir, profile.Name)
	args := buildPassthroughArgs(source, profileDir, strategy, req.Short)
	timeout := encodeTimeout(ProbeResult{Duration: effective}, strategy, false)
	started := time.Now()
	err := t.runEncode(ctx, args, profileDir, timeout, effective, func(pct float64) {
		report(profile.Name, 25+70*pct/100)
	})
	if err != nil {
		return nil, fmt.Errorf("passthrough segmentation: %w", err)
	}
	t.metrics.ObserveEncode("passthrough", time.Since(started).Seconds())
	out, err := collectProfileOutput(profile, profileDir)
	if err != nil {
		return nil, err
	}
	return []EncodedProfile{out}, nil
}

func (t *Transcoder) runLadder(ctx context.Context, source, outputsDir string, probe ProbeResult, strategy Strategy, profiles []Profile, effective time.Duration, req Request, report func(string, float64)) ([]EncodedProfile, error) {
	logger := t.logger.With("job_id", req.JobID)
	encoded := make([]EncodedProfile, 0, len(profiles))
	total := float64(len(profiles))
	for i, profile := range profiles {
		profileDir := filepath.Join(outputsDir, profile.Name)
		base := float64(i)
		onPct := func(pct float64) {
			report(profile.Name, 25+70*(base+pct/100)/total)
		}
		var lastErr error
		succeeded := false
		for _, codec := range t.cascade {
			args := buildEncodeArgs(source, profileDir, profile, strategy, codec, probe, req.Short)
			timeout := encodeTimeout(probe, strategy, codec.Hardware)
			started := time.Now()
			err := t.runEncode(ctx, args, profileDir, timeout, effective, onPct)
			if err == nil {
				t.metrics.ObserveEncode(profile.Name, time.Since(started).Seconds())
				succeeded = true
				break
			}
			lastErr = err
			logger.Warn("encoder failed, trying next in cascade",
				"profile", profile.Name, "codec", codec.Name, "error", err)
			// Partial output would poison the next attempt.
			os.RemoveAll(profileDir)
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
		}
		if !succeeded {
			return nil, fmt.Errorf("all encoders failed for %s: %w", profile.Name, lastErr)
		}
		out, err := collectProfileOutput(profile, profileDir)
		if err != nil {
			return nil, err
		}
		encoded = append(encoded, out)
	}
	return encoded, nil
}
