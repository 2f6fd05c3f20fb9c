package transcode

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// Codec is one rung of the encoder cascade.
type Codec struct {
	Name     string
	Hardware bool
	Tested   bool
}

const softwareEncoder = "libx264"

// hardwareCandidates in preference order. vaapi is deliberately absent; its
// filter-graph requirements make it unreliable on headless boxes.
var hardwareCandidates = []string{"h264_nvenc", "h264_videotoolbox", "h264_qsv"}

// DetectCascade enumerates the ffmpeg build's H.264 encoders and probes the
// hardware ones with a one-frame test encode. The returned order is tested
// hardware, untested hardware, then software.
func DetectCascade(ctx context.Context, ffmpegPath string) ([]Codec, error) {
	available, err := listEncoders(ctx, ffmpegPath)
	if err != nil {
		return nil, err
	}
	var tested, untested []Codec
	for _, name := range hardwareCandidates {
		if _, ok := available[name]; !ok {
			continue
		}
		codec := Codec{Name: name, Hardware: true}
		if testEncoder(ctx, ffmpegPath, name) {
			codec.Tested = true
			tested = append(tested, codec)
		} else {
			untested = append(untested, codec)
		}
	}
	cascade := append(tested, untested...)
	if _, ok := available[softwareEncoder]; ok {
		cascade = append(cascade, Codec{Name: softwareEncoder, Tested: true})
	}
	if len(cascade) == 0 {
		return nil, fmt.Errorf("ffmpeg build has no usable h264 encoder")
	}
	return cascade, nil
}

func listEncoders(ctx context.Context, ffmpegPath string) (map[string]struct{}, error) {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	cmd := exec.CommandContext(ctx, ffmpegPath, "-hide_banner", "-encoders")
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("list encoders: %w", err)
	}
	available := make(map[string]struct{})
	for _, line := range strings.Split(stdout.String(), "\n") {
		fields := strings.Fields(line)
		if len(fields) >= 2 && strings.HasPrefix(fields[0], "V") {
			available[fields[1]] = struct{}{}
		}
	}
	return available, nil
}

// testEncoder runs a one-frame encode against the null muxer. Hardware
// encoders that are compiled in but lack a device fail here.
func testEncoder(ctx context.Context, ffmpegPath, encoder string) bool {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	cmd := exec.CommandContext(ctx, ffmpegPath,
		"-hide_banner", "-loglevel", "error",
		"-f", "lavfi", "-i", "color=black:s=128x128:d=0.1",
		"-frames:v", "1",
		"-c:v", encoder,
		"-f", "null", "-",
	)
	return cmd.Run() == nil
}
