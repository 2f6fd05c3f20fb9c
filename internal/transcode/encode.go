package transcode

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

// h264Params maps a ladder profile to the encoder profile/level implied by
// its CODECS attribute.
var h264Params = map[string]struct{ profile, level string }{
	"1080p": {"high", "4.0"},
	"720p":  {"high", "3.1"},
	"480p":  {"main", "3.1"},
}

type processState struct {
	cmd    *exec.Cmd
	cancel context.CancelFunc
	done   chan struct{}
}

// childRegistry tracks running encoder children so the memory guard can
// kill them without knowing anything about jobs.
type childRegistry struct {
	mu    sync.Mutex
	procs map[*processState]struct{}
}

func newChildRegistry() *childRegistry {
	return &childRegistry{procs: make(map[*processState]struct{})}
}

func (r *childRegistry) add(p *processState) {
	r.mu.Lock()
	r.procs[p] = struct{}{}
	r.mu.Unlock()
}

func (r *childRegistry) remove(p *processState) {
	r.mu.Lock()
	delete(r.procs, p)
	r.mu.Unlock()
}

// KillAll hard-kills every tracked child. Used by the memory guard.
func (r *childRegistry) KillAll() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	killed := 0
	for p := range r.procs {
		p.cancel()
		killed++
	}
	return killed
}

// logWriter splits child stderr into trimmed lines and forwards them to the
// structured logger at debug level.
type logWriter struct {
	logger *slog.Logger
	stream string
}

func newLogWriter(logger *slog.Logger, stream string) *logWriter {
	return &logWriter{logger: logger, stream: stream}
}

func (w *logWriter) Write(p []byte) (int, error) {
	total := len(p)
	for len(p) > 0 {
		idx := bytes.IndexByte(p, '\n')
		var line []byte
		if idx == -1 {
			line = p
			p = nil
		} else {
			line = p[:idx]
			p = p[idx+1:]
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		w.logger.Debug(string(line), "stream", w.stream)
	}
	return total, nil
}

// progressParser consumes ffmpeg's -progress pipe:1 key=value stream and
// reports whole-percent changes against the known duration.
type progressParser struct {
	duration time.Duration
	onPct    func(float64)
	buf      []byte
	lastPct  int
}

func newProgressParser(duration time.Duration, onPct func(float64)) *progressParser {
	return &progressParser{duration: duration, onPct: onPct, lastPct: -1}
}

func (p *progressParser) Write(data []byte) (int, error) {
	p.buf = append(p.buf, data...)
	for {
		idx := bytes.IndexByte(p.buf, '\n')
		if idx == -1 {
			return len(data), nil
		}
		line := strings.TrimSpace(string(p.buf[:idx]))
		p.buf = p.buf[idx+1:]
		p.handleLine(line)
	}
}

func (p *progressParser) handleLine(line string) {
	if p.onPct == nil || p.duration <= 0 {
		return
	}
	key, value, ok := strings.Cut(line, "=")
	if !ok {
		return
	}
	switch key {
	case "out_time_us", "out_time_ms":
		us, err := strconv.ParseInt(value, 10, 64)
		if err != nil || us < 0 {
			return
		}
		pct := float64(us) / float64(p.duration.Microseconds()) * 100
		if pct > 100 {
			pct = 100
		}
		if whole := int(pct); whole > p.lastPct {
			p.lastPct = whole
			p.onPct(float64(whole))
		}
	case "progress":
		if value == "end" && p.lastPct < 100 {
			p.lastPct = 100
			p.onPct(100)
		}
	}
}

// buildEncodeArgs assembles the ffmpeg command line for one profile.
func buildEncodeArgs(input, profileDir string, profile Profile, strategy Strategy, codec Codec, probe ProbeResult, short bool) []string {
	args := []string{"-y", "-hide_banner", "-nostats", "-progress", "pipe:1", "-i", input}

	if strategy.SelectStreams {
		args = append(args, "-map", "0:v:0")
		if probe.AudioCodec != "" {
			args = append(args, "-map", "0:a:0")
		}
	}
	if short {
		args = append(args, "-t", "60")
	}

	filters := []string{
		fmt.Sprintf("scale=%d:%d:force_original_aspect_ratio=decrease", profile.Width, profile.Height),
		fmt.Sprintf("pad=%d:%d:(ow-iw)/2:(oh-ih)/2", profile.Width, profile.Height),
	}
	if strategy.RotationFilter != "" {
		filters = append([]string{strategy.RotationFilter}, filters...)
	}
	if strategy.TargetFPS > 0 {
		filters = append(filters, fmt.Sprintf("fps=%g", strategy.TargetFPS))
	}
	if strategy.Force8Bit {
		filters = append(filters, "format=yuv420p")
	}
	args = append(args, "-vf", strings.Join(filters, ","))

	if codec.Hardware {
		args = append(args,
			"-c:v", codec.Name,
			"-b:v", profile.VideoBitrate,
			"-maxrate", profile.MaxRate,
			"-bufsize", profile.BufSize,
		)
	} else {
		params := h264Params[profile.Name]
		args = append(args,
			"-c:v", codec.Name,
			"-preset", strategy.Preset,
			"-crf", strconv.Itoa(strategy.CRF),
			"-maxrate", profile.MaxRate,
			"-bufsize", profile.BufSize,
			"-profile:v", params.profile,
			"-level", params.level,
		)
	}
	if strategy.MaxThreads {
		args = append(args, "-threads", "0")
	}

	if probe.AudioCodec == "" {
		args = append(args, "-an")
	} else {
		args = append(args, "-c:a", "aac", "-b:a", profile.AudioBitrate, "-ar", "44100", "-ac", "2")
	}

	args = append(args,
		"-f", "hls",
		"-hls_time", strconv.Itoa(strategy.SegmentSeconds),
		"-hls_playlist_type", "vod",
		"-hls_segment_filename", filepath.Join(profileDir, profile.Name+"_%d.ts"),
		filepath.Join(profileDir, "index.m3u8"),
	)
	return args
}

// buildPassthroughArgs copies both streams into HLS segments without
// re-encoding. The output lands in the 480p folder so the bundle layout is
// identical to a real encode.
func buildPassthroughArgs(input, profileDir string, strategy Strategy, short bool) []string {
	args := []string{"-y", "-hide_banner", "-nostats", "-progress", "pipe:1", "-i", input}
	if short {
		args = append(args, "-t", "60")
	}
	args = append(args,
		"-c:v", "copy",
		"-c:a", "copy",
		"-f", "hls",
		"-hls_time", strconv.Itoa(strategy.SegmentSeconds),
		"-hls_playlist_type", "vod",
		"-hls_segment_filename", filepath.Join(profileDir, "480p_%d.ts"),
		filepath.Join(profileDir, "index.m3u8"),
	)
	return args
}

// EncodedProfile records one finished rendition.
type EncodedProfile struct {
	Profile      Profile
	PlaylistPath string
	Segments     []string
	SizeBytes    int64
}

// runEncode executes one ffmpeg invocation with a hard timeout and collects
// the produced playlist and segments.
func (t *Transcoder) runEncode(ctx context.Context, args []string, profileDir string, timeout time.Duration, duration time.Duration, onPct func(float64)) error {
	if err := os.MkdirAll(profileDir, 0o755); err != nil {
		return fmt.Errorf("create profile dir: %w", err)
	}
	encodeCtx, cancel := context.WithTimeout(ctx, timeout)
	cmd := exec.CommandContext(encodeCtx, t.cfg.FFmpegPath, args...)
	cmd.Stdout = newProgressParser(duration, onPct)
	cmd.Stderr = newLogWriter(t.logger, "ffmpeg")
	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("start encoder: %w", err)
	}
	proc := &processState{cmd: cmd, cancel: cancel, done: make(chan struct{})}
	t.children.add(proc)
	err := cmd.Wait()
	close(proc.done)
	t.children.remove(proc)
	cancel()
	if err != nil {
		if errors.Is(encodeCtx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("encode timed out after %s", timeout)
		}
		return fmt.Errorf("encoder: %w", err)
	}
	return nil
}

// collectProfileOutput gathers the playlist and segment files of a finished
// rendition.
func collectProfileOutput(profile Profile, profileDir string) (EncodedProfile, error) {
	out := EncodedProfile{
		Profile:      profile,
		PlaylistPath: filepath.Join(profileDir, "index.m3u8"),
	}
	if _, err := os.Stat(out.PlaylistPath); err != nil {
		return out, fmt.Errorf("rendition playlist missing: %w", err)
	}
	entries, err := os.ReadDir(profileDir)
	if err != nil {
		return out, err
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".ts") {
			continue
		}
		out.Segments = append(out.Segments, entry.Name())
		if info, err := entry.Info(); err == nil {
			out.SizeBytes += info.Size()
		}
	}
	if len(out.Segments) == 0 {
		return out, fmt.Errorf("rendition produced no segments")
	}
	return out, nil
}
