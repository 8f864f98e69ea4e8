package transcode

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// WriteMasterPlaylist writes the variant playlist referencing each rendition
// playlist. ffmpeg writes per-rendition playlists itself; the master is
// assembled here because each rendition runs in its own process.
func WriteMasterPlaylist(outputDir string, renditions []Rendition) error {
	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:3\n")
	for _, rendition := range renditions {
		bandwidth := rendition.Bitrate * 1000
		if bandwidth <= 0 {
			bandwidth = DefaultBitrate(rendition.Resolution) * 1000
		}
		if rendition.AudioOnly() {
			fmt.Fprintf(&b, "#EXT-X-STREAM-INF:BANDWIDTH=%d,CODECS=\"mp4a.40.2\"\n", bandwidth)
		} else {
			width := evenWidth(rendition.Resolution)
			fmt.Fprintf(&b, "#EXT-X-STREAM-INF:BANDWIDTH=%d,RESOLUTION=%dx%d", bandwidth, width, rendition.Resolution)
			if rendition.FPS > 0 {
				fmt.Fprintf(&b, ",FRAME-RATE=%d", rendition.FPS)
			}
			b.WriteString("\n")
		}
		b.WriteString(rendition.Name() + "/index.m3u8\n")
	}
	path := filepath.Join(outputDir, MasterPlaylistName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("write master playlist: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace master playlist: %w", err)
	}
	return nil
}

// evenWidth derives a 16:9 width for the resolution, rounded to even as
// encoders require.
func evenWidth(height int) int {
	width := height * 16 / 9
	if width%2 != 0 {
		width++
	}
	return width
}
