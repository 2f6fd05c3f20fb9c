package transcode

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const manifestName = "manifest.m3u8"

// writeMasterPlaylist emits manifest.m3u8 into dir with one STREAM-INF per
// encoded profile, best quality first.
func writeMasterPlaylist(dir string, profiles []Profile) (string, error) {
	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:3\n")
	for _, p := range profiles {
		fmt.Fprintf(&b, "#EXT-X-STREAM-INF:BANDWIDTH=%d,RESOLUTION=%dx%d,CODECS=\"%s\"\n",
			p.Bandwidth, p.Width, p.Height, p.Codecs)
		fmt.Fprintf(&b, "%s/index.m3u8\n", p.Name)
	}
	path := filepath.Join(dir, manifestName)
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return "", fmt.Errorf("write master playlist: %w", err)
	}
	return path, nil
}
