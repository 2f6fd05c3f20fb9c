package transcode

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// Severity grades a probe finding.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Issue is one probe finding the strategy or the operator may care about.
type Issue struct {
	Severity Severity
	Message  string
}

// ProbeResult is everything the strategy needs to know about an input.
type ProbeResult struct {
	Container    string
	VideoCodec   string
	AudioCodec   string
	PixelFormat  string
	BitDepth     int
	HDR          bool
	Rotation     int
	Width        int
	Height       int
	FPS          float64
	Duration     time.Duration
	BitrateBps   int64
	SizeBytes    int64
	ExtraStreams []string
	Issues       []Issue
}

// FrameCount estimates total frames from duration and framerate.
func (p ProbeResult) FrameCount() int64 {
	if p.FPS <= 0 {
		return 0
	}
	return int64(p.Duration.Seconds() * p.FPS)
}

// BitsPerPixel is the compression density metric driving passthrough
// detection.
func (p ProbeResult) BitsPerPixel() float64 {
	if p.Width <= 0 || p.Height <= 0 || p.FPS <= 0 {
		return 0
	}
	return float64(p.BitrateBps) / (float64(p.Width) * float64(p.Height) * p.FPS)
}

type ffprobeFormat struct {
	FormatName string `json:"format_name"`
	Duration   string `json:"duration"`
	BitRate    string `json:"bit_rate"`
	Size       string `json:"size"`
}

type ffprobeSideData struct {
	SideDataType string          `json:"side_data_type"`
	Rotation     json.RawMessage `json:"rotation"`
}

type ffprobeStream struct {
	CodecType        string            `json:"codec_type"`
	CodecName        string            `json:"codec_name"`
	PixFmt           string            `json:"pix_fmt"`
	Profile          string            `json:"profile"`
	Width            int               `json:"width"`
	Height           int               `json:"height"`
	RFrameRate       string            `json:"r_frame_rate"`
	AvgFrameRate     string            `json:"avg_frame_rate"`
	BitsPerRawSample string            `json:"bits_per_raw_sample"`
	ColorTransfer    string            `json:"color_transfer"`
	SideDataList     []ffprobeSideData `json:"side_data_list"`
	Tags             map[string]string `json:"tags"`
}

type ffprobeOutput struct {
	Format  ffprobeFormat   `json:"format"`
	Streams []ffprobeStream `json:"streams"`
}

// Probe runs ffprobe on the input and interprets the result.
func (t *Transcoder) Probe(ctx context.Context, inputPath string) (ProbeResult, error) {
	ctx, cancel := context.WithTimeout(ctx, t.cfg.ProbeTimeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, t.cfg.FFprobePath,
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		inputPath,
	)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = newLogWriter(t.logger, "ffprobe")
	if err := cmd.Run(); err != nil {
		return ProbeResult{}, fmt.Errorf("ffprobe: %w", err)
	}
	var raw ffprobeOutput
	if err := json.Unmarshal(stdout.Bytes(), &raw); err != nil {
		return ProbeResult{}, fmt.Errorf("ffprobe output: %w", err)
	}
	return interpretProbe(raw)
}

// hdrTransfers are the transfer characteristics that mark HDR content.
var hdrTransfers = map[string]struct{}{
	"smpte2084":    {},
	"arib-std-b67": {},
	"smpte428":     {},
}

func interpretProbe(raw ffprobeOutput) (ProbeResult, error) {
	result := ProbeResult{Container: raw.Format.FormatName}
	if secs, err := strconv.ParseFloat(raw.Format.Duration, 64); err == nil {
		result.Duration = time.Duration(secs * float64(time.Second))
	}
	if v, err := strconv.ParseInt(raw.Format.BitRate, 10, 64); err == nil {
		result.BitrateBps = v
	}
	if v, err := strconv.ParseInt(raw.Format.Size, 10, 64); err == nil {
		result.SizeBytes = v
	}

	var sawVideo, sawAudio bool
	for _, stream := range raw.Streams {
		switch stream.CodecType {
		case "video":
			if sawVideo {
				result.ExtraStreams = append(result.ExtraStreams, "video:"+stream.CodecName)
				continue
			}
			sawVideo = true
			result.VideoCodec = stream.CodecName
			result.PixelFormat = stream.PixFmt
			result.Width = stream.Width
			result.Height = stream.Height
			result.FPS = parseFrameRate(stream.AvgFrameRate, stream.RFrameRate)
			result.BitDepth = bitDepthOf(stream)
			if _, hdr := hdrTransfers[stream.ColorTransfer]; hdr {
				result.HDR = true
			}
			result.Rotation = rotationOf(stream)
		case "audio":
			if sawAudio {
				result.ExtraStreams = append(result.ExtraStreams, "audio:"+stream.CodecName)
				continue
			}
			sawAudio = true
			result.AudioCodec = stream.CodecName
		default:
			result.ExtraStreams = append(result.ExtraStreams, stream.CodecType+":"+stream.CodecName)
		}
	}

	if !sawVideo {
		return result, fmt.Errorf("input has no video stream")
	}
	result.Issues = detectIssues(result)
	return result, nil
}

func parseFrameRate(candidates ...string) float64 {
	for _, expr := range candidates {
		num, den, ok := strings.Cut(expr, "/")
		if !ok {
			if v, err := strconv.ParseFloat(expr, 64); err == nil && v > 0 {
				return v
			}
			continue
		}
		n, err1 := strconv.ParseFloat(num, 64)
		d, err2 := strconv.ParseFloat(den, 64)
		if err1 == nil && err2 == nil && d > 0 && n > 0 {
			return n / d
		}
	}
	return 0
}

func bitDepthOf(stream ffprobeStream) int {
	if v, err := strconv.Atoi(stream.BitsPerRawSample); err == nil && v > 0 {
		return v
	}
	// Infer from the pixel format when ffprobe omits bits_per_raw_sample.
	switch {
	case strings.Contains(stream.PixFmt, "10le"), strings.Contains(stream.PixFmt, "10be"):
		return 10
	case strings.Contains(stream.PixFmt, "12le"), strings.Contains(stream.PixFmt, "12be"):
		return 12
	case stream.PixFmt == "":
		return 0
	default:
		return 8
	}
}

// rotationOf digs the display rotation out of side data first, then the
// legacy rotate tag. Values are normalized to {0, 90, 180, 270}.
func rotationOf(stream ffprobeStream) int {
	for _, sd := range stream.SideDataList {
		if !strings.EqualFold(sd.SideDataType, "Display Matrix") || len(sd.Rotation) == 0 {
			continue
		}
		var asFloat float64
		if err := json.Unmarshal(sd.Rotation, &asFloat); err == nil {
			return normalizeRotation(asFloat)
		}
		var asString string
		if err := json.Unmarshal(sd.Rotation, &asString); err == nil {
			if v, err := strconv.ParseFloat(asString, 64); err == nil {
				return normalizeRotation(v)
			}
		}
	}
	if tag, ok := stream.Tags["rotate"]; ok {
		if v, err := strconv.ParseFloat(tag, 64); err == nil {
			return normalizeRotation(v)
		}
	}
	return 0
}

func normalizeRotation(degrees float64) int {
	normalized := int(math.Round(degrees)) % 360
	if normalized < 0 {
		normalized += 360
	}
	switch normalized {
	case 90, 180, 270:
		return normalized
	default:
		return 0
	}
}

func detectIssues(p ProbeResult) []Issue {
	var issues []Issue
	add := func(severity Severity, format string, args ...any) {
		issues = append(issues, Issue{Severity: severity, Message: fmt.Sprintf(format, args...)})
	}
	if p.Duration <= 0 {
		add(SeverityError, "input duration unknown or zero")
	}
	if p.AudioCodec == "" {
		add(SeverityWarning, "input has no audio stream")
	}
	if p.BitDepth > 8 {
		add(SeverityWarning, "input is %d-bit, will be converted to 8-bit", p.BitDepth)
	}
	if p.HDR {
		add(SeverityWarning, "HDR transfer function detected, output will be SDR")
	}
	if p.Rotation != 0 {
		add(SeverityInfo, "input carries %d degree rotation metadata", p.Rotation)
	}
	if len(p.ExtraStreams) > 0 {
		add(SeverityInfo, "input has %d extra streams: %s", len(p.ExtraStreams), strings.Join(p.ExtraStreams, ", "))
	}
	if p.FPS > 60 {
		add(SeverityWarning, "framerate %.1f exceeds 60, will be capped at 30", p.FPS)
	}
	if p.FPS > 0 && p.FPS < 15 {
		add(SeverityWarning, "framerate %.1f below 15, will be normalized", p.FPS)
	}
	if bpp := p.BitsPerPixel(); bpp > 0 && bpp < 0.1 {
		add(SeverityInfo, "ultra-compressed input (%.3f bits/pixel)", bpp)
	}
	return issues
}
