// Package transcode launches and supervises the ffmpeg subprocesses that
// turn an ingest stream into HLS renditions, and owns the on-disk layout of
// live output and replay recordings.
package transcode

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"time"
)

// Rendition is one output variant of a live stream. Resolution zero means an
// audio-only variant.
type Rendition struct {
	Resolution int `json:"resolution"`
	FPS        int `json:"fps"`
	// Bitrate in kbit/s.
	Bitrate int `json:"bitrate"`
}

// Name returns the directory name of the rendition under the session output
// directory.
func (r Rendition) Name() string {
	if r.Resolution == 0 {
		return "audio"
	}
	return strconv.Itoa(r.Resolution) + "p"
}

// AudioOnly reports whether the rendition carries no video track.
func (r Rendition) AudioOnly() bool {
	return r.Resolution == 0
}

// DefaultBitrate returns the target video bitrate in kbit/s for a resolution.
func DefaultBitrate(resolution int) int {
	switch {
	case resolution == 0:
		return 128
	case resolution <= 240:
		return 500
	case resolution <= 360:
		return 800
	case resolution <= 480:
		return 1200
	case resolution <= 720:
		return 2500
	case resolution <= 1080:
		return 4500
	case resolution <= 1440:
		return 8000
	default:
		return 14000
	}
}

// RunnerConfig describes one ffmpeg invocation.
type RunnerConfig struct {
	FFmpegPath      string
	InputURL        string
	OutputDir       string
	Rendition       Rendition
	SegmentDuration time.Duration
	ListSize        int
	// DeleteSegments lets ffmpeg expire old segments. Disabled while a
	// replay is being recorded so the concatenation pass can read them.
	DeleteSegments bool
	Logger         *slog.Logger
}

// BuildArgs assembles the ffmpeg argument list for a rendition.
func BuildArgs(cfg RunnerConfig) []string {
	segment := int(cfg.SegmentDuration.Seconds())
	if segment <= 0 {
		segment = 4
	}
	listSize := cfg.ListSize
	if listSize <= 0 {
		listSize = 6
	}
	dir := filepath.Join(cfg.OutputDir, cfg.Rendition.Name())

	args := []string{
		"-y",
		"-i", cfg.InputURL,
	}
	if cfg.Rendition.AudioOnly() {
		args = append(args,
			"-vn",
			"-c:a", "aac",
			"-b:a", fmt.Sprintf("%dk", cfg.Rendition.Bitrate),
		)
	} else {
		args = append(args,
			"-c:v", "libx264",
			"-preset", "veryfast",
			"-b:v", fmt.Sprintf("%dk", cfg.Rendition.Bitrate),
			"-maxrate", fmt.Sprintf("%dk", cfg.Rendition.Bitrate*2),
			"-vf", fmt.Sprintf("scale=-2:%d", cfg.Rendition.Resolution),
			"-r", strconv.Itoa(cfg.Rendition.FPS),
			"-c:a", "aac",
			"-b:a", "128k",
		)
	}
	hlsFlags := "program_date_time"
	if cfg.DeleteSegments {
		hlsFlags = "delete_segments+program_date_time"
	}
	args = append(args,
		"-f", "hls",
		"-hls_time", strconv.Itoa(segment),
		"-hls_list_size", strconv.Itoa(listSize),
		"-hls_flags", hlsFlags,
		"-hls_segment_filename", filepath.ToSlash(filepath.Join(dir, "segment_%06d.ts")),
		filepath.ToSlash(filepath.Join(dir, "index.m3u8")),
	)
	return args
}

// Runner supervises one ffmpeg subprocess.
type Runner struct {
	cmd     *exec.Cmd
	cancel  context.CancelFunc
	done    chan struct{}
	err     error
	aborted atomic.Bool
}

// StartRunner creates the rendition directory and launches ffmpeg. The
// returned runner reports the subprocess exit through Done and Err.
func StartRunner(cfg RunnerConfig) (*Runner, error) {
	if cfg.InputURL == "" {
		return nil, fmt.Errorf("input url is required")
	}
	if cfg.OutputDir == "" {
		return nil, fmt.Errorf("output directory is required")
	}
	dir := filepath.Join(cfg.OutputDir, cfg.Rendition.Name())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("prepare rendition dir: %w", err)
	}
	binary := cfg.FFmpegPath
	if binary == "" {
		binary = "ffmpeg"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(ctx, binary, BuildArgs(cfg)...)
	cmd.Stdout = newLogWriter(logger, cfg.Rendition.Name())
	cmd.Stderr = newLogWriter(logger, cfg.Rendition.Name())
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start ffmpeg: %w", err)
	}
	runner := &Runner{cmd: cmd, cancel: cancel, done: make(chan struct{})}
	go func() {
		runner.err = cmd.Wait()
		cancel()
		close(runner.done)
	}()
	return runner, nil
}

// Done is closed when the subprocess has exited.
func (r *Runner) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the subprocess exits and returns its exit error. A stop
// requested through Stop is not an error.
func (r *Runner) Wait() error {
	<-r.done
	if r.aborted.Load() {
		return nil
	}
	if r.err != nil && errors.Is(r.err, context.Canceled) {
		return nil
	}
	return r.err
}

// Stop kills the subprocess and waits for it to exit, bounded by the
// context deadline.
func (r *Runner) Stop(ctx context.Context) error {
	r.aborted.Store(true)
	r.cancel()
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Aborted reports whether Stop was requested before exit.
func (r *Runner) Aborted() bool {
	return r.aborted.Load()
}

type logWriter struct {
	logger *slog.Logger
}

func newLogWriter(logger *slog.Logger, rendition string) *logWriter {
	return &logWriter{logger: logger.With("rendition", rendition)}
}

func (w *logWriter) Write(p []byte) (int, error) {
	total := len(p)
	for len(p) > 0 {
		idx := bytes.IndexByte(p, '\n')
		var line []byte
		if idx == -1 {
			line = p
			p = nil
		} else {
			line = p[:idx]
			p = p[idx+1:]
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		w.logger.Debug("ffmpeg", "line", string(line))
	}
	return total, nil
}
