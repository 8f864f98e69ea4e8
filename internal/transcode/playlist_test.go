package transcode

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestWriteMasterPlaylist(t *testing.T) {
	dir := t.TempDir()
	renditions := []Rendition{
		{Resolution: 720, FPS: 30, Bitrate: 2500},
		{Resolution: 480, FPS: 30, Bitrate: 1200},
		{Resolution: 0, Bitrate: 128},
	}
	if err := WriteMasterPlaylist(dir, renditions); err != nil {
		t.Fatalf("write: %v", err)
	}

	raw, err := os.ReadFile(filepath.Join(dir, MasterPlaylistName))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	content := string(raw)

	if !strings.HasPrefix(content, "#EXTM3U\n#EXT-X-VERSION:3\n") {
		t.Fatalf("missing header: %s", content)
	}
	for _, want := range []string{
		"BANDWIDTH=2500000,RESOLUTION=1280x720,FRAME-RATE=30",
		"720p/index.m3u8",
		"480p/index.m3u8",
		`CODECS="mp4a.40.2"`,
		"audio/index.m3u8",
	} {
		if !strings.Contains(content, want) {
			t.Fatalf("playlist missing %q:\n%s", want, content)
		}
	}
	if strings.Contains(content, ".tmp") {
		t.Fatalf("tmp artifact leaked into playlist: %s", content)
	}
	if _, err := os.Stat(filepath.Join(dir, MasterPlaylistName+".tmp")); !os.IsNotExist(err) {
		t.Fatalf("tmp file left behind")
	}
}

func TestWriteMasterPlaylistFallbackBandwidth(t *testing.T) {
	dir := t.TempDir()
	if err := WriteMasterPlaylist(dir, []Rendition{{Resolution: 360}}); err != nil {
		t.Fatalf("write: %v", err)
	}
	raw, err := os.ReadFile(filepath.Join(dir, MasterPlaylistName))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(raw), "BANDWIDTH=800000") {
		t.Fatalf("expected default bitrate fallback:\n%s", raw)
	}
}

func TestEvenWidth(t *testing.T) {
	if got := evenWidth(720); got != 1280 {
		t.Fatalf("evenWidth(720) = %d", got)
	}
	if got := evenWidth(360); got%2 != 0 {
		t.Fatalf("width must be even, got %d", got)
	}
}
