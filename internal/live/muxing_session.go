package live

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"driftcast/internal/models"
	"driftcast/internal/observability/metrics"
	"driftcast/internal/transcode"

	"golang.org/x/sync/errgroup"
)

// RenditionRunner is the slice of transcode.Runner the session depends on,
// narrowed so tests can substitute fake processes.
type RenditionRunner interface {
	Wait() error
	Stop(ctx context.Context) error
	Aborted() bool
}

// RunnerStarter launches one rendition process.
type RunnerStarter func(cfg transcode.RunnerConfig) (RenditionRunner, error)

func defaultRunnerStarter(cfg transcode.RunnerConfig) (RenditionRunner, error) {
	return transcode.StartRunner(cfg)
}

// MuxingConfig describes one ingest connection about to be transcoded.
type MuxingConfig struct {
	SessionID string
	Session   models.LiveSession
	Video     models.Video
	Live      models.LiveConfig
	Owner     models.User

	InputURL   string
	OutputDir  string
	ReplayDir  string
	Renditions []transcode.Rendition

	SegmentDuration time.Duration
	// MaxDuration caps the session length, zero means unlimited.
	MaxDuration time.Duration
	// Quota accounts new replay bytes and reports whether the owner is
	// still inside their storage quota.
	Quota func(bytes int64) bool

	FFmpegPath   string
	StartRunner  RunnerStarter
	Metrics      *metrics.Recorder
	ScanInterval time.Duration
	// StallTimeout is how long segment production may pause before the
	// connection is considered unhealthy.
	StallTimeout time.Duration

	Logger *slog.Logger
}

// MuxingSession supervises the rendition processes of one live connection
// and watches their output directory. Everything the rest of the system
// needs to know is delivered on Events, each kind at most once, with
// EventAfterCleanup always last before the channel closes.
type MuxingSession struct {
	cfg     MuxingConfig
	logger  *slog.Logger
	events  chan SessionEvent
	runners []RenditionRunner

	abortOnce sync.Once
	stopScan  chan struct{}
	scanDone  chan struct{}

	mu            sync.Mutex
	emitted       map[EventKind]bool
	seenSegments  map[string]int64
	readySegments int
	masterWritten bool
	startedAt     time.Time
	lastSegmentAt time.Time
	replayBytes   int64
}

// NewMuxingSession validates the config and prepares a session. Nothing runs
// until Start.
func NewMuxingSession(cfg MuxingConfig) (*MuxingSession, error) {
	if cfg.SessionID == "" {
		return nil, fmt.Errorf("session id is required")
	}
	if cfg.InputURL == "" {
		return nil, fmt.Errorf("input url is required")
	}
	if cfg.OutputDir == "" {
		return nil, fmt.Errorf("output directory is required")
	}
	if len(cfg.Renditions) == 0 {
		return nil, fmt.Errorf("at least one rendition is required")
	}
	if cfg.SegmentDuration <= 0 {
		cfg.SegmentDuration = models.LatencyDefault.SegmentDuration()
	}
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = time.Second
	}
	if cfg.StallTimeout <= 0 {
		cfg.StallTimeout = 5 * cfg.SegmentDuration
	}
	if cfg.StartRunner == nil {
		cfg.StartRunner = defaultRunnerStarter
	}
	if cfg.Quota == nil {
		cfg.Quota = func(int64) bool { return true }
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("session", cfg.SessionID, "video", cfg.Video.ID)
	return &MuxingSession{
		cfg:          cfg,
		logger:       logger,
		events:       make(chan SessionEvent, 16),
		stopScan:     make(chan struct{}),
		scanDone:     make(chan struct{}),
		emitted:      make(map[EventKind]bool),
		seenSegments: make(map[string]int64),
	}, nil
}

// Events returns the notification channel. It is closed after
// EventAfterCleanup.
func (s *MuxingSession) Events() <-chan SessionEvent {
	return s.events
}

// SessionID returns the transport session identifier.
func (s *MuxingSession) SessionID() string { return s.cfg.SessionID }

// VideoID returns the target video.
func (s *MuxingSession) VideoID() string { return s.cfg.Video.ID }

// SaveReplay reports whether this session records a replay.
func (s *MuxingSession) SaveReplay() bool { return s.cfg.ReplayDir != "" }

// ReplayDirectory returns the replay run directory, empty when no replay is
// recorded.
func (s *MuxingSession) ReplayDirectory() string { return s.cfg.ReplayDir }

// AudioOnlyOutput reports whether every rendition is audio-only.
func (s *MuxingSession) AudioOnlyOutput() bool {
	for _, rendition := range s.cfg.Renditions {
		if !rendition.AudioOnly() {
			return false
		}
	}
	return true
}

// Start launches one runner per rendition plus the directory scanner.
// Startup failures stop any already-started runner and leave the event
// channel untouched, the caller handles them directly.
func (s *MuxingSession) Start(ctx context.Context) error {
	if err := os.MkdirAll(s.cfg.OutputDir, 0o755); err != nil {
		return fmt.Errorf("prepare output dir: %w", err)
	}
	s.mu.Lock()
	s.startedAt = time.Now()
	s.lastSegmentAt = s.startedAt
	s.mu.Unlock()

	for _, rendition := range s.cfg.Renditions {
		runner, err := s.cfg.StartRunner(transcode.RunnerConfig{
			FFmpegPath:      s.cfg.FFmpegPath,
			InputURL:        s.cfg.InputURL,
			OutputDir:       s.cfg.OutputDir,
			Rendition:       rendition,
			SegmentDuration: s.cfg.SegmentDuration,
			DeleteSegments:  !s.SaveReplay(),
			Logger:          s.logger,
		})
		if err != nil {
			s.stopRunners()
			for range s.runners {
				s.cfg.Metrics.RunnerCompleted()
			}
			return fmt.Errorf("start rendition %s: %w", rendition.Name(), err)
		}
		s.cfg.Metrics.RunnerStarted()
		s.runners = append(s.runners, runner)
	}

	group, _ := errgroup.WithContext(context.Background())
	for _, runner := range s.runners {
		runner := runner
		group.Go(func() error {
			err := runner.Wait()
			if err != nil {
				s.cfg.Metrics.RunnerFailed()
			} else {
				s.cfg.Metrics.RunnerCompleted()
			}
			return err
		})
	}

	go s.scanLoop()
	go s.finish(group)
	return nil
}

// Abort kills the rendition processes. Idempotent; the regular event
// sequence still completes, ending in EventAfterCleanup.
func (s *MuxingSession) Abort() {
	s.abortOnce.Do(func() {
		s.logger.Info("aborting muxing session")
		s.stopRunners()
	})
}

func (s *MuxingSession) stopRunners() {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	for _, runner := range s.runners {
		if err := runner.Stop(ctx); err != nil {
			s.logger.Warn("rendition did not stop in time", "error", err)
		}
	}
}

func (s *MuxingSession) finish(group *errgroup.Group) {
	err := group.Wait()
	close(s.stopScan)
	<-s.scanDone
	if err != nil {
		s.logger.Error("transcoding failed", "error", err)
		s.emit(SessionEvent{Kind: EventTranscodingError, Err: err})
	} else {
		s.emit(SessionEvent{Kind: EventTranscodingEnd})
	}
	s.emit(SessionEvent{Kind: EventAfterCleanup})
	close(s.events)
}

// emit delivers an event at most once per kind.
func (s *MuxingSession) emit(event SessionEvent) {
	s.mu.Lock()
	if s.emitted[event.Kind] {
		s.mu.Unlock()
		return
	}
	s.emitted[event.Kind] = true
	s.mu.Unlock()
	s.events <- event
}

func (s *MuxingSession) scanLoop() {
	defer close(s.scanDone)
	ticker := time.NewTicker(s.cfg.ScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopScan:
			// One final pass so segments finished right before the
			// runners exited still count toward the replay. The
			// session is already winding down, so a segment gap is
			// not a health problem anymore.
			s.scanOnce(false)
			return
		case <-ticker.C:
			s.scanOnce(true)
		}
	}
}

func (s *MuxingSession) scanOnce(checkHealth bool) {
	for _, rendition := range s.cfg.Renditions {
		dir := filepath.Join(s.cfg.OutputDir, rendition.Name())
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			name := entry.Name()
			if entry.IsDir() || !strings.HasSuffix(name, ".ts") {
				continue
			}
			info, err := entry.Info()
			if err != nil {
				continue
			}
			s.observeSegment(rendition, filepath.Join(dir, name), info.Size())
		}
	}
	s.checkReadiness()
	if checkHealth {
		s.checkHealth()
	}
}

// observeSegment tracks a segment file until its size is stable across two
// scans, then processes it exactly once.
func (s *MuxingSession) observeSegment(rendition transcode.Rendition, path string, size int64) {
	s.mu.Lock()
	previous, seen := s.seenSegments[path]
	if !seen {
		s.seenSegments[path] = size
		s.mu.Unlock()
		return
	}
	if previous < 0 || previous != size {
		if previous >= 0 {
			s.seenSegments[path] = size
		}
		s.mu.Unlock()
		return
	}
	// Mark processed.
	s.seenSegments[path] = -1
	s.readySegments++
	s.lastSegmentAt = time.Now()
	started := s.startedAt
	s.mu.Unlock()

	if s.SaveReplay() {
		if ok := s.cfg.Quota(size); !ok {
			s.emit(SessionEvent{Kind: EventQuotaExceeded})
		}
		if err := s.appendToReplay(rendition, path); err != nil {
			s.logger.Warn("replay append failed", "segment", filepath.Base(path), "error", err)
		}
	}
	if s.cfg.MaxDuration > 0 && time.Since(started) > s.cfg.MaxDuration {
		s.emit(SessionEvent{Kind: EventDurationExceeded})
	}
}

func (s *MuxingSession) checkReadiness() {
	s.mu.Lock()
	ready := s.readySegments
	written := s.masterWritten
	s.mu.Unlock()

	if !written {
		for _, rendition := range s.cfg.Renditions {
			index := filepath.Join(s.cfg.OutputDir, rendition.Name(), "index.m3u8")
			if _, err := os.Stat(index); err != nil {
				return
			}
		}
		if err := transcode.WriteMasterPlaylist(s.cfg.OutputDir, s.cfg.Renditions); err != nil {
			s.logger.Error("master playlist write failed", "error", err)
			return
		}
		s.mu.Lock()
		s.masterWritten = true
		s.mu.Unlock()
		written = true
	}
	if written && ready > 0 {
		s.emit(SessionEvent{Kind: EventLiveReady})
	}
}

func (s *MuxingSession) checkHealth() {
	s.mu.Lock()
	last := s.lastSegmentAt
	s.mu.Unlock()
	if time.Since(last) > s.cfg.StallTimeout {
		s.emit(SessionEvent{Kind: EventBadSocketHealth})
	}
}

// appendToReplay concatenates the finished segment onto the per-rendition
// replay recording.
func (s *MuxingSession) appendToReplay(rendition transcode.Rendition, segmentPath string) error {
	src, err := os.Open(segmentPath)
	if err != nil {
		return err
	}
	defer src.Close()
	target := filepath.Join(s.cfg.ReplayDir, rendition.Name()+".ts")
	dst, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	n, err := io.Copy(dst, src)
	if closeErr := dst.Close(); err == nil {
		err = closeErr
	}
	s.mu.Lock()
	s.replayBytes += n
	s.mu.Unlock()
	return err
}
