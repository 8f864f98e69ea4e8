package transcode

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestReplayRunDirectories(t *testing.T) {
	base := t.TempDir()

	first, err := NewReplayRunDirectory(base, "video-1", time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("create first run dir: %v", err)
	}
	second, err := NewReplayRunDirectory(base, "video-1", time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("create second run dir: %v", err)
	}
	if _, err := os.Stat(first); err != nil {
		t.Fatalf("first run dir missing: %v", err)
	}

	latest, err := LatestReplayDirectory(base, "video-1")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest != second {
		t.Fatalf("expected latest %q, got %q", second, latest)
	}
}

func TestLatestReplayDirectoryIgnoresFiles(t *testing.T) {
	base := t.TempDir()
	root := ReplayBaseDirectory(base, "video-1")
	if err := os.MkdirAll(root, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "zzz-notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	run := filepath.Join(root, "20260301-100000")
	if err := os.MkdirAll(run, 0o755); err != nil {
		t.Fatalf("mkdir run: %v", err)
	}

	latest, err := LatestReplayDirectory(base, "video-1")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest != run {
		t.Fatalf("expected %q, got %q", run, latest)
	}
}

func TestLatestReplayDirectoryMissing(t *testing.T) {
	base := t.TempDir()
	if _, err := LatestReplayDirectory(base, "video-1"); !errors.Is(err, ErrNoReplayDirectory) {
		t.Fatalf("expected ErrNoReplayDirectory, got %v", err)
	}

	if err := os.MkdirAll(ReplayBaseDirectory(base, "video-2"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if _, err := LatestReplayDirectory(base, "video-2"); !errors.Is(err, ErrNoReplayDirectory) {
		t.Fatalf("expected ErrNoReplayDirectory for empty root, got %v", err)
	}
}

func TestOutputDirectoryLayout(t *testing.T) {
	if got := OutputDirectory("/data", "v1"); got != filepath.Join("/data", "hls", "v1") {
		t.Fatalf("unexpected output dir %q", got)
	}
	if got := ReplayBaseDirectory("/data", "v1"); got != filepath.Join("/data", "replay", "v1") {
		t.Fatalf("unexpected replay dir %q", got)
	}
}
