package transcode

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// MasterPlaylistName is the filename of the variant playlist served to
// players for a live session.
const MasterPlaylistName = "master.m3u8"

// ErrNoReplayDirectory is returned when a replay lookup finds no recorded
// run for the video.
var ErrNoReplayDirectory = errors.New("transcode: no replay directory")

// OutputDirectory returns the live HLS output directory of a video.
func OutputDirectory(base, videoID string) string {
	return filepath.Join(base, "hls", videoID)
}

// ReplayBaseDirectory returns the directory holding all replay runs of a
// video, one subdirectory per session.
func ReplayBaseDirectory(base, videoID string) string {
	return filepath.Join(base, "replay", videoID)
}

// NewReplayRunDirectory creates and returns the replay directory for a run
// starting at t. Directory names sort lexicographically in start order,
// which LatestReplayDirectory relies on.
func NewReplayRunDirectory(base, videoID string, t time.Time) (string, error) {
	dir := filepath.Join(ReplayBaseDirectory(base, videoID), t.UTC().Format("20060102-150405"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create replay dir: %w", err)
	}
	return dir, nil
}

// LatestReplayDirectory returns the replay run directory of the most recent
// session, the lexicographically last subdirectory.
func LatestReplayDirectory(base, videoID string) (string, error) {
	root := ReplayBaseDirectory(base, videoID)
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrNoReplayDirectory
		}
		return "", fmt.Errorf("read replay root: %w", err)
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			names = append(names, entry.Name())
		}
	}
	if len(names) == 0 {
		return "", ErrNoReplayDirectory
	}
	sort.Strings(names)
	return filepath.Join(root, names[len(names)-1]), nil
}
