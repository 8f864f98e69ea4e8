// Package live coordinates the lifecycle of live ingest sessions: validating
// incoming connections, supervising their transcoding, tracking per-user
// quotas, and handing ended sessions to the replay pipeline.
package live

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"driftcast/internal/models"
	"driftcast/internal/observability/metrics"
	"driftcast/internal/storage"
	"driftcast/internal/streamkey"
	"driftcast/internal/transcode"
)

// Rejection reasons surfaced to the transport layer. The connection is
// refused, nothing is persisted.
var (
	ErrNotRunning        = errors.New("live: orchestrator is not running")
	ErrBadStreamPath     = errors.New("live: malformed stream path")
	ErrUnknownStreamKey  = errors.New("live: unknown stream key")
	ErrVideoBlacklisted  = errors.New("live: video is blacklisted")
	ErrOwnerBlocked      = errors.New("live: owner account is blocked")
	ErrInstanceLiveLimit = errors.New("live: instance concurrent live limit reached")
	ErrUserLiveLimit     = errors.New("live: user concurrent live limit reached")
	ErrNoMediaStreams    = errors.New("live: input has neither audio nor video")
	ErrNoAudioForLadder  = errors.New("live: audio-only ladder but input has no audio")
)

// Config carries the instance-level live settings.
type Config struct {
	// BasePath is the first stream path segment, typically "live".
	BasePath string
	// DataDir roots the HLS output and replay directories.
	DataDir string

	MaxInstanceLives int
	MaxUserLives     int
	// MaxDuration caps any single session, zero means unlimited.
	MaxDuration time.Duration

	Ladder       LadderConfig
	AllowReplay  bool
	FFmpegPath   string
	FFProbePath  string
	ProbeTimeout time.Duration

	// FederateDelaySegments is how many segment durations to wait after
	// publish before federating, giving edges time to fill their buffers.
	FederateDelaySegments int
	// EndingJobDelay is the grace before an ending job runs, letting a
	// permanent live resume without churning replays.
	EndingJobDelay time.Duration
	// DisconnectGrace is how long a closed connection may dangle before
	// its session is aborted, absorbing transport reconnect blips.
	DisconnectGrace time.Duration

	// ScanInterval and StallTimeout tune the per-session output watcher;
	// zero values use the session defaults.
	ScanInterval time.Duration
	StallTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.BasePath == "" {
		c.BasePath = "live"
	}
	if c.FederateDelaySegments <= 0 {
		c.FederateDelaySegments = 4
	}
	if c.EndingJobDelay <= 0 {
		c.EndingJobDelay = time.Minute
	}
	if c.DisconnectGrace <= 0 {
		c.DisconnectGrace = 2 * time.Second
	}
}

// Deps are the orchestrator's collaborators.
type Deps struct {
	Repo       storage.Repository
	Digester   streamkey.Digester
	Transport  Transport
	Prober     Prober
	Dispatcher EndingDispatcher
	Federator  Federator
	Notifier   Notifier
	// StartRunner overrides how rendition processes are launched.
	StartRunner RunnerStarter
	Metrics     *metrics.Recorder
	Logger      *slog.Logger
}

// Orchestrator owns every active live session of the instance.
type Orchestrator struct {
	cfg         Config
	repo        storage.Repository
	digester    streamkey.Digester
	transp      Transport
	prober      Prober
	ending      EndingDispatcher
	fed         Federator
	notify      Notifier
	startRunner RunnerStarter
	metrics     *metrics.Recorder
	logger      *slog.Logger

	quota    *QuotaTracker
	registry *registry

	running atomic.Bool
	closed  chan struct{}
	wg      sync.WaitGroup
}

type sessionHandle struct {
	sessionID   string
	session     models.LiveSession
	video       models.Video
	live        models.LiveConfig
	owner       models.User
	probe       ProbeResult
	muxing      *MuxingSession
	playlistID  string
	replayDir   string
	runnerJobID string
	publishedAt atomic.Pointer[time.Time]
}

// NewOrchestrator wires an orchestrator. Optional collaborators default to
// no-ops.
func NewOrchestrator(cfg Config, deps Deps) (*Orchestrator, error) {
	if deps.Repo == nil {
		return nil, fmt.Errorf("repository is required")
	}
	if deps.Transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	cfg.applyDefaults()
	if deps.Prober == nil {
		deps.Prober = FFProbe{Path: cfg.FFProbePath, Timeout: cfg.ProbeTimeout}
	}
	if deps.Federator == nil {
		deps.Federator = NopFederator{}
	}
	if deps.Notifier == nil {
		deps.Notifier = NopNotifier{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Orchestrator{
		cfg:         cfg,
		repo:        deps.Repo,
		digester:    deps.Digester,
		transp:      deps.Transport,
		prober:      deps.Prober,
		ending:      deps.Dispatcher,
		fed:         deps.Federator,
		notify:      deps.Notifier,
		startRunner: deps.StartRunner,
		metrics:     deps.Metrics,
		logger:      deps.Logger,
		quota:       NewQuotaTracker(),
		registry:    newRegistry(),
		closed:      make(chan struct{}),
	}, nil
}

// Start makes the orchestrator accept connections.
func (o *Orchestrator) Start(ctx context.Context) error {
	if err := o.repo.Ping(ctx); err != nil {
		return fmt.Errorf("repository unavailable: %w", err)
	}
	o.running.Store(true)
	o.logger.Info("live orchestrator started", "basePath", o.cfg.BasePath)
	return nil
}

// Stop refuses new connections, aborts every active session and waits for
// their cleanup, bounded by the context.
func (o *Orchestrator) Stop(ctx context.Context) error {
	if !o.running.CompareAndSwap(true, false) {
		return nil
	}
	close(o.closed)
	o.registry.forEach(func(_ string, session *MuxingSession) {
		session.Abort()
	})
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		o.logger.Info("live orchestrator stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsRunning reports whether new connections are accepted.
func (o *Orchestrator) IsRunning() bool {
	return o.running.Load()
}

// HasSession reports whether the video has an active session.
func (o *Orchestrator) HasSession(videoID string) bool {
	return o.registry.hasVideo(videoID)
}

// SessionCount returns the number of active sessions.
func (o *Orchestrator) SessionCount() int {
	return o.registry.len()
}

// ParseStreamPath extracts the stream key from an ingest path of the form
// /<base>/<key>. It fails closed on anything else.
func ParseStreamPath(basePath, streamPath string) (string, error) {
	trimmed := strings.TrimPrefix(streamPath, "/")
	parts := strings.Split(trimmed, "/")
	if len(parts) != 2 || parts[0] != basePath || parts[1] == "" {
		return "", fmt.Errorf("%w: %q", ErrBadStreamPath, streamPath)
	}
	return parts[1], nil
}

// OnPublish runs the validation pipeline for a new ingest connection and, on
// success, starts its muxing session. Any returned error means the transport
// must refuse the stream.
func (o *Orchestrator) OnPublish(ctx context.Context, sessionID, streamPath string) error {
	if !o.IsRunning() {
		return ErrNotRunning
	}
	logger := o.logger.With("session", sessionID)

	key, err := ParseStreamPath(o.cfg.BasePath, streamPath)
	if err != nil {
		o.metrics.SessionRejected("bad_path")
		return err
	}
	digest, err := o.digester.Digest(key)
	if err != nil {
		return fmt.Errorf("digest stream key: %w", err)
	}
	live, video, err := o.repo.LiveConfigByDigest(ctx, digest)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			o.metrics.SessionRejected("unknown_key")
			return ErrUnknownStreamKey
		}
		return fmt.Errorf("resolve stream key: %w", err)
	}
	logger = logger.With("video", video.ID)

	if video.Blacklisted {
		o.metrics.SessionRejected("blacklisted")
		logger.Info("refusing blacklisted live")
		return ErrVideoBlacklisted
	}
	owner, err := o.repo.OwnerOfVideo(ctx, video.ID)
	if err != nil {
		return fmt.Errorf("resolve owner: %w", err)
	}
	if owner.Blocked {
		o.metrics.SessionRejected("owner_blocked")
		return ErrOwnerBlocked
	}
	if o.registry.hasVideo(video.ID) {
		o.metrics.SessionRejected("duplicate")
		return fmt.Errorf("%w: %s", ErrVideoHasSession, video.ID)
	}
	if o.cfg.MaxInstanceLives > 0 && o.registry.len() >= o.cfg.MaxInstanceLives {
		o.metrics.SessionRejected("instance_limit")
		return ErrInstanceLiveLimit
	}
	if !o.quota.CanStartLive(owner.ID, o.cfg.MaxUserLives) {
		o.metrics.SessionRejected("user_limit")
		return ErrUserLiveLimit
	}

	if err := o.purgeStalePlaylists(ctx, video); err != nil {
		logger.Warn("stale playlist purge failed", "error", err)
	}

	// Claim the session before probing so a racing duplicate is refused
	// here instead of spending a probe of its own.
	if err := o.registry.reserve(sessionID, video.ID); err != nil {
		o.metrics.SessionRejected("duplicate")
		return err
	}
	accepted := false
	defer func() {
		if !accepted {
			o.registry.unregister(sessionID, video.ID)
		}
	}()

	probe, err := o.prober.Probe(ctx, o.transp.LocalURL(sessionID))
	o.metrics.ObserveProbe(err == nil)
	if err != nil {
		o.metrics.SessionRejected("probe_failed")
		return fmt.Errorf("probe input: %w", err)
	}
	if !probe.HasAudio && !probe.HasVideo {
		o.metrics.SessionRejected("no_streams")
		return ErrNoMediaStreams
	}
	ladder := ComputeLadder(o.cfg.Ladder, LadderInput{
		Resolution: probe.Resolution(),
		FPS:        probe.FPS,
		HasAudio:   probe.HasAudio,
		HasVideo:   probe.HasVideo,
	})
	if AudioOnlyLadder(ladder) && !probe.HasAudio {
		o.metrics.SessionRejected("no_audio_for_ladder")
		return ErrNoAudioForLadder
	}

	session, err := o.repo.OpenLiveSession(ctx, video.ID)
	if err != nil {
		if errors.Is(err, storage.ErrSessionOpen) {
			o.metrics.SessionRejected("duplicate")
		}
		return fmt.Errorf("open live session: %w", err)
	}

	handle, err := o.launchSession(ctx, sessionID, session, video, live, owner, probe, ladder, logger)
	if err != nil {
		// The session row must not stay open and the ending job must
		// not try to build a replay out of whatever was written.
		if closeErr := o.repo.CloseLiveSession(ctx, video.ID, liveErrorPtr(models.LiveErrorFFmpeg), true); closeErr != nil && !errors.Is(closeErr, storage.ErrNoOpenSession) {
			logger.Error("session close after failed start", "error", closeErr)
		}
		return err
	}
	accepted = true

	o.metrics.SessionStarted()
	logger.Info("live session started",
		"permanent", live.PermanentLive,
		"saveReplay", handle.replayDir != "",
		"renditions", len(ladder))

	o.wg.Add(1)
	go o.runEvents(handle)
	return nil
}

func (o *Orchestrator) launchSession(ctx context.Context, sessionID string, session models.LiveSession, video models.Video, live models.LiveConfig, owner models.User, probe ProbeResult, ladder []int, logger *slog.Logger) (*sessionHandle, error) {
	fps := OutputFPS(probe.FPS)
	renditions := make([]transcode.Rendition, 0, len(ladder))
	for _, resolution := range ladder {
		renditions = append(renditions, transcode.Rendition{
			Resolution: resolution,
			FPS:        fps,
			Bitrate:    transcode.DefaultBitrate(resolution),
		})
	}

	outputDir := transcode.OutputDirectory(o.cfg.DataDir, video.ID)
	replayDir := ""
	if session.SaveReplay && o.cfg.AllowReplay {
		dir, err := transcode.NewReplayRunDirectory(o.cfg.DataDir, video.ID, session.StartedAt)
		if err != nil {
			return nil, err
		}
		replayDir = dir
	}

	job, err := o.repo.CreateRunnerJob(ctx, models.RunnerJob{
		Kind:    models.RunnerJobKindLiveIngest,
		VideoID: video.ID,
	})
	if err != nil {
		return nil, fmt.Errorf("create runner job: %w", err)
	}

	muxing, err := NewMuxingSession(MuxingConfig{
		SessionID:       sessionID,
		Session:         session,
		Video:           video,
		Live:            live,
		Owner:           owner,
		InputURL:        o.transp.LocalURL(sessionID),
		OutputDir:       outputDir,
		ReplayDir:       replayDir,
		Renditions:      renditions,
		SegmentDuration: live.LatencyMode.SegmentDuration(),
		MaxDuration:     o.cfg.MaxDuration,
		Quota:           o.quotaChecker(owner, sessionID),
		FFmpegPath:      o.cfg.FFmpegPath,
		StartRunner:     o.startRunner,
		Metrics:         o.metrics,
		ScanInterval:    o.cfg.ScanInterval,
		StallTimeout:    o.cfg.StallTimeout,
		Logger:          logger,
	})
	if err != nil {
		return nil, err
	}

	o.registry.bind(sessionID, muxing)
	o.quota.AddLive(owner.ID, sessionID)

	if err := muxing.Start(ctx); err != nil {
		o.quota.RemoveLive(owner.ID, sessionID)
		return nil, fmt.Errorf("start muxing: %w", err)
	}

	playlist, err := o.repo.UpsertPlaylist(ctx, models.StreamingPlaylist{
		VideoID:          video.ID,
		PlaylistFilename: transcode.MasterPlaylistName,
		Directory:        outputDir,
	})
	if err != nil {
		logger.Error("playlist record failed", "error", err)
	}

	return &sessionHandle{
		sessionID:   sessionID,
		session:     session,
		video:       video,
		live:        live,
		owner:       owner,
		probe:       probe,
		muxing:      muxing,
		playlistID:  playlist.ID,
		replayDir:   replayDir,
		runnerJobID: job.ID,
	}, nil
}

// quotaChecker builds the per-session callback that accounts replay bytes
// and answers whether the owner is still inside their storage quota. The
// durable usage figure is refreshed from storage at most every 15 seconds.
func (o *Orchestrator) quotaChecker(owner models.User, sessionID string) func(int64) bool {
	const refreshInterval = 15 * time.Second
	var (
		mu         sync.Mutex
		storedUsed = owner.VideoQuotaUsed
		fetchedAt  = time.Now()
	)
	return func(n int64) bool {
		o.quota.AddBytes(owner.ID, sessionID, n)
		if owner.VideoQuota == models.QuotaUnlimited {
			return true
		}
		mu.Lock()
		if time.Since(fetchedAt) > refreshInterval {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if user, err := o.repo.UserByID(ctx, owner.ID); err == nil {
				storedUsed = user.VideoQuotaUsed
			}
			cancel()
			fetchedAt = time.Now()
		}
		used := storedUsed
		mu.Unlock()
		return used+o.quota.TotalBytes(owner.ID) <= owner.VideoQuota
	}
}

// purgeStalePlaylists removes every playlist row and output directory left
// over from a previous run of this video, warning connected players first. A
// permanent live restarting hits this on every new session.
func (o *Orchestrator) purgeStalePlaylists(ctx context.Context, video models.Video) error {
	playlists, err := o.repo.PlaylistsByVideo(ctx, video.ID)
	if err != nil {
		return err
	}
	if len(playlists) == 0 {
		return nil
	}
	o.notify.NotifyForceEnd(video)
	var firstErr error
	for _, playlist := range playlists {
		if err := o.repo.DeletePlaylist(ctx, playlist.ID); err != nil && !errors.Is(err, storage.ErrNotFound) && firstErr == nil {
			firstErr = err
		}
		if playlist.Directory != "" {
			if err := os.RemoveAll(playlist.Directory); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (o *Orchestrator) runEvents(handle *sessionHandle) {
	defer o.wg.Done()
	logger := o.logger.With("session", handle.sessionID, "video", handle.video.ID)
	for event := range handle.muxing.Events() {
		switch event.Kind {
		case EventLiveReady:
			o.wg.Add(1)
			go o.publishAndFederate(handle, logger)
		case EventBadSocketHealth:
			logger.Warn("segment production stalled, ending session")
			o.stopHandle(handle, liveErrorPtr(models.LiveErrorBadSocketHealth), false)
		case EventDurationExceeded:
			logger.Info("max duration reached, ending session")
			o.stopHandle(handle, liveErrorPtr(models.LiveErrorDurationExceeded), false)
		case EventQuotaExceeded:
			logger.Info("owner quota exhausted, ending session")
			o.stopHandle(handle, liveErrorPtr(models.LiveErrorQuotaExceeded), false)
		case EventTranscodingError:
			logger.Error("transcoding failed", "error", event.Err)
			o.stopHandle(handle, liveErrorPtr(models.LiveErrorFFmpeg), true)
		case EventTranscodingEnd:
			o.stopHandle(handle, nil, false)
		case EventAfterCleanup:
			o.finalizeSession(handle, false)
		}
	}
}

// stopHandle closes the session row and aborts the muxing session. The
// event channel keeps draining; EventAfterCleanup follows and finalizes.
func (o *Orchestrator) stopHandle(handle *sessionHandle, code *models.LiveError, errorOnReplay bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := o.repo.CloseLiveSession(ctx, handle.video.ID, code, errorOnReplay); err != nil && !errors.Is(err, storage.ErrNoOpenSession) {
		o.logger.Error("session close failed", "video", handle.video.ID, "error", err)
	}
	handle.muxing.Abort()
	o.transp.Kick(handle.sessionID)
}

// StopOptions refine a forced session stop.
type StopOptions struct {
	// ExpectedSessionID makes the stop a no-op when another session has
	// since replaced the one the caller observed.
	ExpectedSessionID string
	// ErrorOnReplay marks the session so the ending job will not try to
	// build a replay from its output.
	ErrorOnReplay bool
}

// StopSessionOfVideo force-ends the active session of a video. Stopping a
// video without a session is a no-op.
func (o *Orchestrator) StopSessionOfVideo(videoID string, code *models.LiveError, opts StopOptions) {
	sessionID, muxing, ok := o.registry.sessionOfVideo(videoID)
	if !ok {
		return
	}
	if opts.ExpectedSessionID != "" && opts.ExpectedSessionID != sessionID {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := o.repo.CloseLiveSession(ctx, videoID, code, opts.ErrorOnReplay); err != nil && !errors.Is(err, storage.ErrNoOpenSession) {
		o.logger.Error("session close failed", "video", videoID, "error", err)
	}
	muxing.Abort()
	o.transp.Kick(sessionID)
}

// OnClosed handles a dropped transport connection. The session is given a
// short grace to absorb reconnect blips, then aborted if still present.
func (o *Orchestrator) OnClosed(sessionID string) {
	muxing, ok := o.registry.session(sessionID)
	if !ok {
		return
	}
	videoID := muxing.VideoID()
	time.AfterFunc(o.cfg.DisconnectGrace, func() {
		current, _, ok := o.registry.sessionOfVideo(videoID)
		if !ok || current != sessionID {
			return
		}
		o.logger.Info("connection closed, ending session", "session", sessionID, "video", videoID)
		o.StopSessionOfVideo(videoID, nil, StopOptions{ExpectedSessionID: sessionID})
	})
}

func (o *Orchestrator) publishAndFederate(handle *sessionHandle, logger *slog.Logger) {
	defer o.wg.Done()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	now := time.Now().UTC()
	aspectRatio := 0.0
	if !handle.muxing.AudioOnlyOutput() {
		aspectRatio = handle.probe.AspectRatio()
		if aspectRatio <= 0 {
			aspectRatio = 16.0 / 9.0
		}
	}
	update := &storage.VideoStateUpdate{PublishedAt: &now, AspectRatio: &aspectRatio}
	if err := o.repo.SetVideoState(ctx, handle.video.ID, models.StatePublished, update); err != nil {
		logger.Error("publish state update failed", "error", err)
		return
	}
	handle.publishedAt.Store(&now)
	handle.video.State = models.StatePublished
	handle.video.PublishedAt = &now
	handle.video.AspectRatio = aspectRatio
	logger.Info("live published")

	// Remote players join through edges that need a few segments of
	// headroom before the stream is announced.
	delay := time.Duration(o.cfg.FederateDelaySegments) * handle.live.LatencyMode.SegmentDuration()
	select {
	case <-time.After(delay):
	case <-o.closed:
		return
	}
	fctx, fcancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer fcancel()
	if err := o.fed.Federate(fctx, handle.video); err != nil {
		logger.Error("federation failed", "error", err)
	}
	o.notify.NotifyLivePublished(handle.video)
}

// finalizeSession releases all scratch state of a finished session and
// schedules its ending job. Always the last step, after every runner and the
// scanner have stopped.
func (o *Orchestrator) finalizeSession(handle *sessionHandle, cleanupNow bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	o.quota.RemoveLive(handle.owner.ID, handle.sessionID)
	o.registry.unregister(handle.sessionID, handle.video.ID)

	if handle.runnerJobID != "" {
		if err := o.repo.FinishRunnerJob(ctx, handle.runnerJobID); err != nil {
			o.logger.Warn("runner job finish failed", "job", handle.runnerJobID, "error", err)
		}
	}

	session, err := o.repo.LiveSessionByID(ctx, handle.session.ID)
	if err != nil {
		session = handle.session
	}
	code := ""
	if session.Error != nil {
		code = string(*session.Error)
	}
	o.metrics.SessionEnded(code)

	if o.ending == nil {
		return
	}
	replayDir := ""
	if session.SaveReplay {
		replayDir = handle.replayDir
	}
	req := EndingRequest{
		VideoID:             handle.video.ID,
		SessionID:           session.ID,
		StreamingPlaylistID: handle.playlistID,
		ReplayDirectory:     replayDir,
		PublishedAt:         handle.publishedAt.Load(),
		CleanupNow:          cleanupNow,
	}
	if err := o.ending.DispatchEnding(ctx, req); err != nil {
		o.logger.Error("ending dispatch failed", "video", handle.video.ID, "error", err)
		return
	}
	o.metrics.EndingEnqueued()
	o.logger.Info("live session finalized", "session", handle.sessionID, "video", handle.video.ID, "code", code)
}

// RecoverOrphans reconciles state left behind by a crash: pending ingest
// runner jobs are cancelled and every live still marked published gets an
// immediate ending job. Run before the transport starts accepting.
func (o *Orchestrator) RecoverOrphans(ctx context.Context) error {
	cancelled, err := o.repo.CancelPendingRunnerJobs(ctx, models.RunnerJobKindLiveIngest)
	if err != nil {
		return fmt.Errorf("cancel pending runner jobs: %w", err)
	}
	if cancelled > 0 {
		o.logger.Info("cancelled orphaned runner jobs", "count", cancelled)
	}

	ids, err := o.repo.ListPublishedLiveIDs(ctx)
	if err != nil {
		return fmt.Errorf("list published lives: %w", err)
	}
	for _, videoID := range ids {
		logger := o.logger.With("video", videoID)
		if err := o.repo.CloseLiveSession(ctx, videoID, nil, false); err != nil && !errors.Is(err, storage.ErrNoOpenSession) {
			logger.Error("orphan session close failed", "error", err)
			continue
		}
		if o.ending == nil {
			continue
		}
		// No session handle survived the crash; the ending handler
		// resolves the latest session itself.
		req := EndingRequest{VideoID: videoID, CleanupNow: true}
		if err := o.ending.DispatchEnding(ctx, req); err != nil {
			logger.Error("orphan ending dispatch failed", "error", err)
			continue
		}
		o.metrics.EndingEnqueued()
		logger.Info("orphaned live scheduled for ending")
	}
	return nil
}

func liveErrorPtr(code models.LiveError) *models.LiveError {
	return &code
}
