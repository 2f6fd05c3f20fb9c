package transcode

import (
	"testing"
	"time"
)

func TestInterpretProbeBasics(t *testing.T) {
	raw := ffprobeOutput{
		Format: ffprobeFormat{
			FormatName: "mov,mp4,m4a,3gp,3g2,mj2",
			Duration:   "600.5",
			BitRate:    "4000000",
			Size:       "300000000",
		},
		Streams: []ffprobeStream{
			{CodecType: "video", CodecName: "h264", PixFmt: "yuv420p", Width: 1920, Height: 1080, AvgFrameRate: "30000/1001"},
			{CodecType: "audio", CodecName: "aac"},
			{CodecType: "subtitle", CodecName: "mov_text"},
		},
	}
	p, err := interpretProbe(raw)
	if err != nil {
		t.Fatalf("interpretProbe: %v", err)
	}
	if p.VideoCodec != "h264" || p.AudioCodec != "aac" {
		t.Fatalf("codecs = %s/%s", p.VideoCodec, p.AudioCodec)
	}
	if p.Duration != time.Duration(600.5*float64(time.Second)) {
		t.Fatalf("duration = %s", p.Duration)
	}
	if p.FPS < 29.9 || p.FPS > 30 {
		t.Fatalf("fps = %g", p.FPS)
	}
	if p.BitDepth != 8 {
		t.Fatalf("bit depth = %d", p.BitDepth)
	}
	if len(p.ExtraStreams) != 1 || p.ExtraStreams[0] != "subtitle:mov_text" {
		t.Fatalf("extra streams = %v", p.ExtraStreams)
	}
}

func TestInterpretProbeNoVideo(t *testing.T) {
	raw := ffprobeOutput{
		Streams: []ffprobeStream{{CodecType: "audio", CodecName: "mp3"}},
	}
	if _, err := interpretProbe(raw); err == nil {
		t.Fatal("audio-only input must be rejected")
	}
}

func TestInterpretProbeTenBitHDR(t *testing.T) {
	raw := ffprobeOutput{
		Format: ffprobeFormat{FormatName: "matroska", Duration: "60", BitRate: "12000000"},
		Streams: []ffprobeStream{
			{CodecType: "video", CodecName: "hevc", PixFmt: "yuv420p10le", Width: 3840, Height: 2160, AvgFrameRate: "24/1", ColorTransfer: "smpte2084"},
		},
	}
	p, err := interpretProbe(raw)
	if err != nil {
		t.Fatalf("interpretProbe: %v", err)
	}
	if p.BitDepth != 10 {
		t.Fatalf("bit depth = %d, want 10 from pix_fmt", p.BitDepth)
	}
	if !p.HDR {
		t.Fatal("smpte2084 transfer not flagged as HDR")
	}
}

func TestRotationFromSideData(t *testing.T) {
	raw := ffprobeOutput{
		Format: ffprobeFormat{FormatName: "mov", Duration: "10"},
		Streams: []ffprobeStream{
			{
				CodecType: "video", CodecName: "h264", Width: 1080, Height: 1920, AvgFrameRate: "30/1",
				SideDataList: []ffprobeSideData{
					{SideDataType: "Display Matrix", Rotation: []byte("-90")},
				},
			},
		},
	}
	p, err := interpretProbe(raw)
	if err != nil {
		t.Fatalf("interpretProbe: %v", err)
	}
	if p.Rotation != 270 {
		t.Fatalf("rotation = %d, want -90 normalized to 270", p.Rotation)
	}
}

func TestRotationFromLegacyTag(t *testing.T) {
	stream := ffprobeStream{Tags: map[string]string{"rotate": "180"}}
	if got := rotationOf(stream); got != 180 {
		t.Fatalf("rotation = %d, want 180", got)
	}
}

func TestNormalizeRotation(t *testing.T) {
	cases := map[float64]int{
		0: 0, 90: 90, 180: 180, 270: 270,
		-90: 270, -180: 180, 360: 0, 450: 90, 45: 0,
	}
	for in, want := range cases {
		if got := normalizeRotation(in); got != want {
			t.Errorf("normalizeRotation(%g) = %d, want %d", in, got, want)
		}
	}
}

func TestParseFrameRate(t *testing.T) {
	if got := parseFrameRate("0/0", "30000/1001"); got < 29.9 || got > 30 {
		t.Fatalf("fps = %g", got)
	}
	if got := parseFrameRate("", ""); got != 0 {
		t.Fatalf("empty fps = %g", got)
	}
}

func TestDetectIssuesSeverities(t *testing.T) {
	p := ProbeResult{
		Width: 1920, Height: 1080,
		FPS:      120,
		BitDepth: 10,
		Rotation: 90,
	}
	issues := detectIssues(p)
	var sawError, sawWarning, sawInfo bool
	for _, issue := range issues {
		switch issue.Severity {
		case SeverityError:
			sawError = true
		case SeverityWarning:
			sawWarning = true
		case SeverityInfo:
			sawInfo = true
		}
	}
	// Zero duration is an error, 10-bit and 120fps are warnings, rotation
	// is informational.
	if !sawError || !sawWarning || !sawInfo {
		t.Fatalf("issue severities missing: %+v", issues)
	}
}
