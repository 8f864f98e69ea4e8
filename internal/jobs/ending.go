package jobs

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	"driftcast/internal/live"
	"driftcast/internal/models"
	"driftcast/internal/storage"
	"driftcast/internal/transcode"
)

const maxReplayTitleLength = 120

// Dispatcher turns ending requests into queued jobs. It stamps a missing end
// timestamp on the session before queueing so duration accounting does not
// depend on worker latency.
type Dispatcher struct {
	queue  Queue
	repo   storage.Repository
	delay  time.Duration
	logger *slog.Logger
}

// NewDispatcher builds a dispatcher. delay postpones regular ending jobs so a
// permanent live reconnecting within the window keeps its files; CleanupNow
// requests skip it.
func NewDispatcher(queue Queue, repo storage.Repository, delay time.Duration, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{queue: queue, repo: repo, delay: delay, logger: logger}
}

// DispatchEnding queues the finalization of a live session. A request without
// a session ID comes from crash recovery; the latest session of the video is
// resolved here so the worker always operates on a concrete row.
func (d *Dispatcher) DispatchEnding(ctx context.Context, req live.EndingRequest) error {
	sessionID := req.SessionID
	if sessionID == "" {
		session, err := d.repo.LatestLiveSession(ctx, req.VideoID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				d.logger.Debug("no session to finalize", "video", req.VideoID)
				return nil
			}
			return fmt.Errorf("resolve latest session: %w", err)
		}
		sessionID = session.ID
		if session.Open() {
			if err := d.repo.StampSessionEnd(ctx, session.ID); err != nil {
				return fmt.Errorf("stamp session end: %w", err)
			}
		}
	}

	job := EndingJob{
		VideoID:             req.VideoID,
		SessionID:           sessionID,
		StreamingPlaylistID: req.StreamingPlaylistID,
		ReplayDirectory:     req.ReplayDirectory,
		PublishedAt:         req.PublishedAt,
	}
	delay := d.delay
	if req.CleanupNow {
		delay = 0
	}
	if err := d.queue.Enqueue(ctx, job, delay); err != nil {
		return fmt.Errorf("enqueue ending job: %w", err)
	}
	d.logger.Info("ending job queued", "video", req.VideoID, "session", sessionID, "delay", delay)
	return nil
}

// HandlerConfig configures the ending-job handler.
type HandlerConfig struct {
	Repo      storage.Repository
	DataDir   string
	Federator live.Federator
	Logger    *slog.Logger
}

// Handler finalizes one ended live session: it either turns the recording
// into a replay video or cleans the live output away, and settles the video
// state so the live can be watched again or restarted.
type Handler struct {
	repo      storage.Repository
	dataDir   string
	federator live.Federator
	logger    *slog.Logger
}

func NewHandler(cfg HandlerConfig) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	federator := cfg.Federator
	if federator == nil {
		federator = live.NopFederator{}
	}
	return &Handler{
		repo:      cfg.Repo,
		dataDir:   cfg.DataDir,
		federator: federator,
		logger:    logger,
	}
}

// Process runs one ending job to completion and returns the outcome label.
// Jobs are idempotent: a session already marked processed only gets its live
// files cleaned up.
func (h *Handler) Process(ctx context.Context, job EndingJob) (string, error) {
	session, err := h.resolveSession(ctx, job)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			h.cleanupLive(ctx, job.VideoID, job.StreamingPlaylistID)
			return "orphan_cleanup", nil
		}
		return "", err
	}
	if session.Open() {
		if err := h.repo.StampSessionEnd(ctx, session.ID); err != nil {
			return "", fmt.Errorf("stamp session end: %w", err)
		}
	}

	video, err := h.repo.VideoByID(ctx, job.VideoID)
	if err != nil {
		return "", fmt.Errorf("load video: %w", err)
	}
	cfg, err := h.repo.LiveConfigByVideo(ctx, job.VideoID)
	if err != nil {
		return "", fmt.Errorf("load live config: %w", err)
	}

	if session.EndingProcessed {
		h.cleanupLive(ctx, job.VideoID, job.StreamingPlaylistID)
		if err := h.settleVideoState(ctx, video, cfg.PermanentLive); err != nil {
			return "", err
		}
		return "already_processed", nil
	}
	if err := h.repo.MarkEndingProcessed(ctx, session.ID); err != nil {
		return "", fmt.Errorf("mark ending processed: %w", err)
	}

	replayDir := h.resolveReplayDirectory(job, session)
	replayBytes := directorySize(replayDir)

	if !session.SaveReplay || replayBytes == 0 {
		h.cleanupLive(ctx, job.VideoID, job.StreamingPlaylistID)
		if replayDir != "" {
			h.removeDir(replayDir)
		}
		if err := h.settleVideoState(ctx, video, cfg.PermanentLive); err != nil {
			return "", err
		}
		h.federate(ctx, video)
		return "cleanup", nil
	}

	if cfg.PermanentLive {
		return h.createReplayVideo(ctx, video, session, job.StreamingPlaylistID, replayBytes, job.PublishedAt)
	}
	return h.replaceLiveWithReplay(ctx, video, session, job.StreamingPlaylistID, replayBytes)
}

func (h *Handler) resolveSession(ctx context.Context, job EndingJob) (models.LiveSession, error) {
	if job.SessionID != "" {
		return h.repo.LiveSessionByID(ctx, job.SessionID)
	}
	return h.repo.LatestLiveSession(ctx, job.VideoID)
}

func (h *Handler) resolveReplayDirectory(job EndingJob, session models.LiveSession) string {
	if job.ReplayDirectory != "" {
		return job.ReplayDirectory
	}
	if !session.SaveReplay {
		return ""
	}
	dir, err := transcode.LatestReplayDirectory(h.dataDir, session.VideoID)
	if err != nil {
		if !errors.Is(err, transcode.ErrNoReplayDirectory) {
			h.logger.Warn("replay directory lookup failed", "video", session.VideoID, "error", err)
		}
		return ""
	}
	return dir
}

// createReplayVideo publishes the recording of a permanent live as a new
// video and puts the live back into its waiting state for the next stream.
func (h *Handler) createReplayVideo(ctx context.Context, video models.Video, session models.LiveSession, playlistID string, replayBytes int64, publishedAt *time.Time) (string, error) {
	stamp := replayTimestamp(video, session, publishedAt)
	replay, err := h.repo.CreateReplayVideo(ctx, models.Video{
		Name:    replayTitle(video.Name, stamp),
		OwnerID: video.OwnerID,
		State:   models.StateToTranscode,
	})
	if err != nil {
		return "", fmt.Errorf("create replay video: %w", err)
	}
	if err := h.repo.SetSessionReplay(ctx, session.ID, replay.ID); err != nil {
		return "", fmt.Errorf("attach replay video: %w", err)
	}
	if err := h.repo.AddUserQuotaUsed(ctx, video.OwnerID, replayBytes); err != nil {
		return "", fmt.Errorf("account replay quota: %w", err)
	}
	h.cleanupLive(ctx, video.ID, playlistID)
	if err := h.repo.SetVideoState(ctx, video.ID, models.StateWaitingForLive, nil); err != nil {
		return "", fmt.Errorf("reset live state: %w", err)
	}
	h.federate(ctx, video)
	h.logger.Info("replay video created", "video", video.ID, "replay", replay.ID, "bytes", replayBytes)
	return "replay_created", nil
}

// replaceLiveWithReplay turns the live video itself into its replay; the
// video keeps its identity and URL and goes through transcoding.
func (h *Handler) replaceLiveWithReplay(ctx context.Context, video models.Video, session models.LiveSession, playlistID string, replayBytes int64) (string, error) {
	if err := h.repo.SetSessionReplay(ctx, session.ID, video.ID); err != nil {
		return "", fmt.Errorf("attach replay video: %w", err)
	}
	if err := h.repo.AddUserQuotaUsed(ctx, video.OwnerID, replayBytes); err != nil {
		return "", fmt.Errorf("account replay quota: %w", err)
	}
	h.cleanupLive(ctx, video.ID, playlistID)
	if err := h.repo.SetVideoState(ctx, video.ID, models.StateToTranscode, nil); err != nil {
		return "", fmt.Errorf("set replay state: %w", err)
	}
	h.federate(ctx, video)
	h.logger.Info("live replaced by replay", "video", video.ID, "bytes", replayBytes)
	return "replay_in_place", nil
}

// settleVideoState moves a finished live out of the published state. A
// permanent live returns to waiting so the key can be reused; a one-shot live
// is marked ended.
func (h *Handler) settleVideoState(ctx context.Context, video models.Video, permanent bool) error {
	state := models.StateLiveEnded
	if permanent {
		state = models.StateWaitingForLive
	}
	if video.State == state {
		return nil
	}
	if err := h.repo.SetVideoState(ctx, video.ID, state, nil); err != nil {
		return fmt.Errorf("settle video state: %w", err)
	}
	return nil
}

// cleanupLive drops the playlist rows and the HLS output of the live. The
// playlist the session was streaming is deleted by its id even when the
// lookup misses it. Failures are logged, not returned; leftover files never
// block finalization.
func (h *Handler) cleanupLive(ctx context.Context, videoID, playlistID string) {
	playlists, err := h.repo.PlaylistsByVideo(ctx, videoID)
	if err != nil {
		h.logger.Warn("playlist lookup failed", "video", videoID, "error", err)
	}
	seen := false
	for _, playlist := range playlists {
		if playlist.ID == playlistID {
			seen = true
		}
		if err := h.repo.DeletePlaylist(ctx, playlist.ID); err != nil {
			h.logger.Warn("playlist delete failed", "playlist", playlist.ID, "error", err)
		}
	}
	if playlistID != "" && !seen {
		if err := h.repo.DeletePlaylist(ctx, playlistID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			h.logger.Warn("playlist delete failed", "playlist", playlistID, "error", err)
		}
	}
	h.removeDir(transcode.OutputDirectory(h.dataDir, videoID))
}

func (h *Handler) removeDir(dir string) {
	if dir == "" {
		return
	}
	if err := os.RemoveAll(dir); err != nil {
		h.logger.Warn("directory cleanup failed", "dir", dir, "error", err)
	}
}

func (h *Handler) federate(ctx context.Context, video models.Video) {
	if err := h.federator.Federate(ctx, video); err != nil {
		h.logger.Warn("federation failed", "video", video.ID, "error", err)
	}
}

func replayTimestamp(video models.Video, session models.LiveSession, publishedAt *time.Time) time.Time {
	if publishedAt != nil {
		return *publishedAt
	}
	if video.PublishedAt != nil {
		return *video.PublishedAt
	}
	return session.StartedAt
}

// replayTitle derives the replay video name from the live name and the
// session's publication time. The date suffix survives truncation so two
// replays of the same permanent live stay distinguishable.
func replayTitle(name string, publishedAt time.Time) string {
	suffix := " - " + publishedAt.UTC().Format("2006-01-02 15:04")
	base := norm.NFC.String(strings.TrimSpace(name))
	if base == "" {
		base = "Live"
	}
	budget := maxReplayTitleLength - len([]rune(suffix))
	runes := []rune(base)
	if len(runes) > budget {
		runes = runes[:budget]
	}
	return string(runes) + suffix
}

func directorySize(dir string) int64 {
	if dir == "" {
		return 0
	}
	var total int64
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, infoErr := d.Info(); infoErr == nil {
			total += info.Size()
		}
		return nil
	})
	return total
}
