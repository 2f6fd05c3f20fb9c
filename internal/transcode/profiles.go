package transcode

import "fmt"

// Profile is one rung of the HLS quality ladder. Bandwidth, resolution and
// codec strings are protocol constants consumed by players; they must match
// the master playlist exactly.
type Profile struct {
	Name         string
	Width        int
	Height       int
	Bandwidth    int
	Codecs       string
	VideoBitrate string
	MaxRate      string
	BufSize      string
	AudioBitrate string
}

var ladder = map[string]Profile{
	"1080p": {
		Name:         "1080p",
		Width:        1920,
		Height:       1080,
		Bandwidth:    6500000,
		Codecs:       "avc1.640028,mp4a.40.2",
		VideoBitrate: "6000k",
		MaxRate:      "6500k",
		BufSize:      "13000k",
		AudioBitrate: "192k",
	},
	"720p": {
		Name:         "720p",
		Width:        1280,
		Height:       720,
		Bandwidth:    3500000,
		Codecs:       "avc1.64001F,mp4a.40.2",
		VideoBitrate: "3200k",
		MaxRate:      "3500k",
		BufSize:      "7000k",
		AudioBitrate: "128k",
	},
	"480p": {
		Name:         "480p",
		Width:        854,
		Height:       480,
		Bandwidth:    1800000,
		Codecs:       "avc1.4D401F,mp4a.40.2",
		VideoBitrate: "1600k",
		MaxRate:      "1800k",
		BufSize:      "3600k",
		AudioBitrate: "128k",
	},
}

// defaultProfileOrder is highest-first so the master playlist lists the best
// rendition at the top.
var defaultProfileOrder = []string{"1080p", "720p", "480p"}

// LookupProfile resolves a profile name from the ladder.
func LookupProfile(name string) (Profile, error) {
	p, ok := ladder[name]
	if !ok {
		return Profile{}, fmt.Errorf("unknown profile %q", name)
	}
	return p, nil
}

// resolveProfiles maps requested names onto ladder entries. Short jobs are
// pinned to 480p regardless of the request; an empty request yields the full
// ladder.
func resolveProfiles(requested []string, short bool) ([]Profile, error) {
	if short {
		return []Profile{ladder["480p"]}, nil
	}
	names := requested
	if len(names) == 0 {
		names = defaultProfileOrder
	}
	profiles := make([]Profile, 0, len(names))
	seen := make(map[string]struct{}, len(names))
	for _, name := range names {
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		p, err := LookupProfile(name)
		if err != nil {
			return nil, err
		}
		profiles = append(profiles, p)
	}
	return profiles, nil
}
