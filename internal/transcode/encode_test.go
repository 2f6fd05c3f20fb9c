package transcode

import (
	"os"
	"strings"
	"testing"
	"time"
)

func argsContain(args []string, flag, value string) bool {
	for i, a := range args {
		if a == flag && i+1 < len(args) && args[i+1] == value {
			return true
		}
	}
	return false
}

func TestBuildEncodeArgsSoftware(t *testing.T) {
	profile := ladder["480p"]
	strategy := Strategy{Preset: "veryfast", CRF: 23, SegmentSeconds: 6}
	probe := ProbeResult{AudioCodec: "aac"}
	args := buildEncodeArgs("in.mp4", "/out/480p", profile, strategy, Codec{Name: softwareEncoder}, probe, false)

	if !argsContain(args, "-c:v", "libx264") {
		t.Fatalf("args = %v", args)
	}
	if !argsContain(args, "-crf", "23") || !argsContain(args, "-preset", "veryfast") {
		t.Fatalf("quality flags missing: %v", args)
	}
	if !argsContain(args, "-profile:v", "main") || !argsContain(args, "-level", "3.1") {
		t.Fatalf("h264 profile flags missing: %v", args)
	}
	if !argsContain(args, "-hls_time", "6") {
		t.Fatalf("segment length missing: %v", args)
	}
	joined := strings.Join(args, " ")
	if !strings.Contains(joined, "480p_%d.ts") {
		t.Fatalf("segment filename pattern missing: %v", args)
	}
	if strings.Contains(joined, " -t 60 ") {
		t.Fatal("non-short job must not be trimmed")
	}
}

func TestBuildEncodeArgsHardwareUsesBitrate(t *testing.T) {
	profile := ladder["1080p"]
	strategy := Strategy{Preset: "veryfast", CRF: 23, SegmentSeconds: 6}
	args := buildEncodeArgs("in.mp4", "/out/1080p", profile, strategy, Codec{Name: "h264_nvenc", Hardware: true}, ProbeResult{AudioCodec: "aac"}, false)
	if !argsContain(args, "-c:v", "h264_nvenc") || !argsContain(args, "-b:v", "6000k") {
		t.Fatalf("hardware args = %v", args)
	}
	for _, a := range args {
		if a == "-crf" {
			t.Fatal("hardware encode must not carry -crf")
		}
	}
}

func TestBuildEncodeArgsShortTrim(t *testing.T) {
	args := buildEncodeArgs("in.mp4", "/out/480p", ladder["480p"], Strategy{Preset: "veryfast", CRF: 23, SegmentSeconds: 6}, Codec{Name: softwareEncoder}, ProbeResult{AudioCodec: "aac"}, true)
	if !argsContain(args, "-t", "60") {
		t.Fatalf("short job must trim to 60s: %v", args)
	}
}

func TestBuildEncodeArgsFilters(t *testing.T) {
	strategy := Strategy{
		Preset: "veryfast", CRF: 23, SegmentSeconds: 6,
		RotationFilter: "transpose=1",
		TargetFPS:      30,
		Force8Bit:      true,
		SelectStreams:  true,
	}
	probe := ProbeResult{AudioCodec: "aac"}
	args := buildEncodeArgs("in.mp4", "/out/720p", ladder["720p"], strategy, Codec{Name: softwareEncoder}, probe, false)

	var vf string
	for i, a := range args {
		if a == "-vf" {
			vf = args[i+1]
		}
	}
	if !strings.HasPrefix(vf, "transpose=1,") {
		t.Fatalf("rotation must come before scaling: %q", vf)
	}
	for _, want := range []string{"scale=1280:720", "fps=30", "format=yuv420p"} {
		if !strings.Contains(vf, want) {
			t.Fatalf("filter %q missing from %q", want, vf)
		}
	}
	if !argsContain(args, "-map", "0:v:0") || !argsContain(args, "-map", "0:a:0") {
		t.Fatalf("stream selection missing: %v", args)
	}
}

func TestBuildEncodeArgsNoAudio(t *testing.T) {
	args := buildEncodeArgs("in.mp4", "/out/480p", ladder["480p"], Strategy{Preset: "veryfast", CRF: 23, SegmentSeconds: 6}, Codec{Name: softwareEncoder}, ProbeResult{}, false)
	found := false
	for _, a := range args {
		if a == "-an" {
			found = true
		}
		if a == "-c:a" {
			t.Fatal("audio codec set for silent input")
		}
	}
	if !found {
		t.Fatalf("-an missing: %v", args)
	}
}

func TestBuildPassthroughArgs(t *testing.T) {
	args := buildPassthroughArgs("in.mp4", "/out/480p", Strategy{SegmentSeconds: 15}, false)
	if !argsContain(args, "-c:v", "copy") || !argsContain(args, "-c:a", "copy") {
		t.Fatalf("passthrough must copy both streams: %v", args)
	}
	if !argsContain(args, "-hls_time", "15") {
		t.Fatalf("segment length missing: %v", args)
	}
}

func TestProgressParser(t *testing.T) {
	var got []float64
	p := newProgressParser(100*time.Second, func(pct float64) { got = append(got, pct) })

	p.Write([]byte("out_time_us=25000000\nfps=30\n"))
	p.Write([]byte("out_time_us=2500"))
	p.Write([]byte("0001\nout_time_us=50000000\n"))
	p.Write([]byte("progress=end\n"))

	if len(got) < 3 {
		t.Fatalf("progress updates = %v", got)
	}
	if got[0] != 25 {
		t.Fatalf("first update = %g, want 25", got[0])
	}
	if got[len(got)-1] != 100 {
		t.Fatalf("final update = %g, want 100", got[len(got)-1])
	}
	for i := 1; i < len(got); i++ {
		if got[i] <= got[i-1] {
			t.Fatalf("progress not monotonic: %v", got)
		}
	}
}

func TestProgressParserClampsOvershoot(t *testing.T) {
	var got []float64
	p := newProgressParser(10*time.Second, func(pct float64) { got = append(got, pct) })
	p.Write([]byte("out_time_us=15000000\n"))
	if len(got) != 1 || got[0] != 100 {
		t.Fatalf("overshoot = %v, want clamp at 100", got)
	}
}

func TestMasterPlaylistContents(t *testing.T) {
	dir := t.TempDir()
	path, err := writeMasterPlaylist(dir, []Profile{ladder["1080p"], ladder["480p"]})
	if err != nil {
		t.Fatalf("writeMasterPlaylist: %v", err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	data := string(raw)
	want := []string{
		"#EXTM3U",
		"#EXT-X-VERSION:3",
		`#EXT-X-STREAM-INF:BANDWIDTH=6500000,RESOLUTION=1920x1080,CODECS="avc1.640028,mp4a.40.2"`,
		"1080p/index.m3u8",
		`#EXT-X-STREAM-INF:BANDWIDTH=1800000,RESOLUTION=854x480,CODECS="avc1.4D401F,mp4a.40.2"`,
		"480p/index.m3u8",
	}
	for _, line := range want {
		if !strings.Contains(data, line) {
			t.Fatalf("playlist missing %q:\n%s", line, data)
		}
	}
	if strings.Contains(data, "720p") {
		t.Fatal("playlist references a profile that was not encoded")
	}
}

func TestResolveProfilesShortForces480p(t *testing.T) {
	profiles, err := resolveProfiles([]string{"1080p", "720p"}, true)
	if err != nil {
		t.Fatalf("resolveProfiles: %v", err)
	}
	if len(profiles) != 1 || profiles[0].Name != "480p" {
		t.Fatalf("short profiles = %v", profiles)
	}
}

func TestResolveProfilesUnknown(t *testing.T) {
	if _, err := resolveProfiles([]string{"4k"}, false); err == nil {
		t.Fatal("unknown profile accepted")
	}
}
