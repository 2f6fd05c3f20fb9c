package transcode

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Strategy is the encode plan computed from a probe. It is input-wide; the
// per-profile scale/bitrate settings come from the ladder.
type Strategy struct {
	SelectStreams       bool
	Force8Bit           bool
	RotationFilter      string
	FastStart           bool
	ForceVideoTranscode bool
	ForceAudioTranscode bool
	TargetFPS           float64
	Preset              string
	CRF                 int
	MaxThreads          bool
	Passthrough         bool
	SegmentSeconds      int
	Reasons             []string
}

const (
	maxSegmentCount     = 2000
	passthroughBppFloor = 0.1
	passthroughBitrate  = 500_000
)

// forcedVideoCodecs must be re-encoded to H.264 for HLS compatibility.
var forcedVideoCodecs = map[string]struct{}{
	"hevc": {},
	"h265": {},
	"vp9":  {},
	"av1":  {},
}

// forcedAudioCodecs must be re-encoded to AAC-LC.
var forcedAudioCodecs = map[string]struct{}{
	"aac_he":    {},
	"aac_he_v2": {},
	"opus":      {},
	"vorbis":    {},
}

func computeStrategy(probe ProbeResult) Strategy {
	s := Strategy{
		Preset:         "veryfast",
		CRF:            23,
		SegmentSeconds: segmentDuration(probe.Duration),
	}
	reason := func(format string, args ...any) {
		s.Reasons = append(s.Reasons, fmt.Sprintf(format, args...))
	}

	if len(probe.ExtraStreams) > 0 {
		s.SelectStreams = true
		reason("selecting primary streams, input carries %d extras", len(probe.ExtraStreams))
	}
	if probe.BitDepth > 8 || probe.HDR {
		s.Force8Bit = true
		reason("forcing 8-bit 4:2:0 output")
	}
	switch probe.Rotation {
	case 90:
		s.RotationFilter = "transpose=1"
	case 180:
		s.RotationFilter = "transpose=1,transpose=1"
	case 270:
		s.RotationFilter = "transpose=2"
	}
	if s.RotationFilter != "" {
		reason("applying %d degree rotation", probe.Rotation)
	}
	if strings.Contains(probe.Container, "mov") || strings.Contains(probe.Container, "mp4") {
		s.FastStart = true
	}
	if _, forced := forcedVideoCodecs[strings.ToLower(probe.VideoCodec)]; forced {
		s.ForceVideoTranscode = true
		reason("video codec %s requires transcode to h264", probe.VideoCodec)
	}
	if _, forced := forcedAudioCodecs[strings.ToLower(probe.AudioCodec)]; forced {
		s.ForceAudioTranscode = true
		reason("audio codec %s requires transcode to aac", probe.AudioCodec)
	}
	if probe.FPS > 60 {
		s.TargetFPS = 30
		reason("capping %.1f fps at 30", probe.FPS)
	} else if probe.FPS > 0 && probe.FPS < 15 {
		s.TargetFPS = 15
		reason("normalizing %.1f fps up to 15", probe.FPS)
	}
	if probe.Duration > 2*time.Hour {
		s.Preset = "superfast"
		s.CRF = 26
		reason("duration %s exceeds 2h, fastest preset", probe.Duration.Round(time.Minute))
	}
	if probe.FrameCount() > 50_000 {
		s.MaxThreads = true
		s.Preset = "ultrafast"
		reason("frame count %d exceeds 50000", probe.FrameCount())
	}

	if isPassthroughCandidate(probe) {
		s.Passthrough = true
		reason("passthrough: %.3f bits/pixel, %d bps overall", probe.BitsPerPixel(), probe.BitrateBps)
	}
	return s
}

func isPassthroughCandidate(probe ProbeResult) bool {
	if bpp := probe.BitsPerPixel(); bpp > 0 && bpp < passthroughBppFloor {
		return true
	}
	if probe.BitrateBps > 0 && probe.BitrateBps < passthroughBitrate {
		return true
	}
	// Tiny file for a long runtime means the content is already squeezed
	// far below anything we would produce.
	if probe.Duration > 30*time.Minute && probe.SizeBytes > 0 &&
		probe.SizeBytes < int64(probe.Duration.Seconds())*passthroughBitrate/8 {
		return true
	}
	return false
}

// segmentDuration picks the HLS segment length for a given runtime and
// enforces the 2000-segment ceiling.
func segmentDuration(duration time.Duration) int {
	var seconds int
	switch {
	case duration <= time.Hour:
		seconds = 6
	case duration <= 4*time.Hour:
		seconds = 15
	case duration <= 12*time.Hour:
		seconds = 30
	default:
		seconds = 60
	}
	if duration > 0 {
		total := duration.Seconds()
		if total/float64(seconds) > maxSegmentCount {
			seconds = int(math.Ceil(total / maxSegmentCount))
		}
	}
	return seconds
}

const (
	hardwareBaseTimeout = time.Minute
	softwareBaseTimeout = 30 * time.Minute
	minEncodeTimeout    = time.Minute
	maxEncodeTimeout    = 2 * time.Hour
)

// encodeTimeout budgets one profile encode. Hardware is fast enough that
// its base is a minute; software gets half an hour. Pathological inputs
// scale the budget up, and hardware claws 30% back on extreme cases.
func encodeTimeout(probe ProbeResult, strategy Strategy, hardware bool) time.Duration {
	budget := softwareBaseTimeout
	if hardware {
		budget = hardwareBaseTimeout
	}
	extreme := false
	if probe.Duration > 2*time.Hour {
		budget *= 3
		extreme = true
	}
	if probe.FrameCount() > 50_000 {
		budget *= 4
		extreme = true
	}
	if strategy.TargetFPS == 15 {
		budget *= 2
	}
	if hardware && extreme {
		budget = budget * 7 / 10
	}
	if budget < minEncodeTimeout {
		budget = minEncodeTimeout
	}
	if budget > maxEncodeTimeout {
		budget = maxEncodeTimeout
	}
	return budget
}
