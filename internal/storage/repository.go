package storage

import (
	"context"
	"errors"
	"time"

	"driftcast/internal/models"
)

// Sentinel errors shared by every repository implementation. Callers match
// with errors.Is so Postgres and memory stores stay interchangeable.
var (
	ErrNotFound        = errors.New("storage: not found")
	ErrSessionOpen     = errors.New("storage: video already has an open live session")
	ErrNoOpenSession   = errors.New("storage: video has no open live session")
	ErrVideoNotLive    = errors.New("storage: video is not a live video")
	ErrConfigImmutable = errors.New("storage: live configuration is immutable while a session is open")
)

// VideoStateUpdate carries the optional fields updated together with a video
// state transition.
type VideoStateUpdate struct {
	PublishedAt *time.Time
	AspectRatio *float64
}

// Repository exposes the datastore operations required by the session
// orchestrator, the muxing sessions, and the ending-job worker.
//
// Implementations must be safe for concurrent use; every session-affecting
// write that touches more than one row is transactional.
type Repository interface {
	Ping(ctx context.Context) error

	// LiveConfigByDigest resolves a live configuration and its video by the
	// keyed stream-key digest. Returns ErrNotFound for unknown keys.
	LiveConfigByDigest(ctx context.Context, digest string) (models.LiveConfig, models.Video, error)
	LiveConfigByVideo(ctx context.Context, videoID string) (models.LiveConfig, error)
	// UpdateLiveConfig applies owner edits. Fields that affect a running
	// transcode (permanent-live flag, replay privacy) are rejected with
	// ErrConfigImmutable while the video has an open session.
	UpdateLiveConfig(ctx context.Context, cfg models.LiveConfig) (models.LiveConfig, error)
	// RotateStreamKey replaces the stream key; the returned config carries
	// the new raw key exactly once.
	RotateStreamKey(ctx context.Context, videoID string) (models.LiveConfig, error)

	VideoByID(ctx context.Context, videoID string) (models.Video, error)
	OwnerOfVideo(ctx context.Context, videoID string) (models.User, error)
	UserByID(ctx context.Context, userID string) (models.User, error)
	AddUserQuotaUsed(ctx context.Context, userID string, delta int64) error

	// OpenLiveSession creates the session row for a validated connection,
	// snapshotting replay settings in the same transaction. Fails with
	// ErrSessionOpen when the video already has an open session.
	OpenLiveSession(ctx context.Context, videoID string) (models.LiveSession, error)
	// CloseLiveSession stamps the end timestamp and terminal error on the
	// video's open session. markProcessed additionally sets
	// EndingProcessed, used when the output state is known to be unusable
	// for a replay. Closing an already-closed session is a no-op.
	CloseLiveSession(ctx context.Context, videoID string, code *models.LiveError, markProcessed bool) error
	StampSessionEnd(ctx context.Context, sessionID string) error
	MarkEndingProcessed(ctx context.Context, sessionID string) error
	LiveSessionByID(ctx context.Context, sessionID string) (models.LiveSession, error)
	// LatestLiveSession returns the most recently started session of the
	// video, open or closed.
	LatestLiveSession(ctx context.Context, videoID string) (models.LiveSession, error)
	SetSessionReplay(ctx context.Context, sessionID, replayVideoID string) error

	SetVideoState(ctx context.Context, videoID string, state models.VideoState, update *VideoStateUpdate) error
	// ListPublishedLiveIDs returns the IDs of live videos still recorded as
	// published; used by crash recovery to reconcile orphaned lives.
	ListPublishedLiveIDs(ctx context.Context) ([]string, error)

	PlaylistsByVideo(ctx context.Context, videoID string) ([]models.StreamingPlaylist, error)
	UpsertPlaylist(ctx context.Context, playlist models.StreamingPlaylist) (models.StreamingPlaylist, error)
	DeletePlaylist(ctx context.Context, playlistID string) error

	CreateReplayVideo(ctx context.Context, video models.Video) (models.Video, error)

	CancelPendingRunnerJobs(ctx context.Context, kind string) (int, error)
	CreateRunnerJob(ctx context.Context, job models.RunnerJob) (models.RunnerJob, error)
	FinishRunnerJob(ctx context.Context, jobID string) error
}
