package live

import (
	"context"
	"time"

	"driftcast/internal/models"
)

// Transport is the slice of the ingest server the orchestrator drives:
// kicking a connection and locating the loopback URL a probe or transcoder
// can read the stream from.
type Transport interface {
	Kick(sessionID string)
	LocalURL(sessionID string) string
}

// EndingRequest asks for the finalization of an ended live. When CleanupNow
// is set the job runs without the usual grace delay, used by crash recovery.
// SessionID may be empty on the recovery path; the handler then resolves the
// latest session of the video itself.
type EndingRequest struct {
	VideoID             string
	SessionID           string
	StreamingPlaylistID string
	ReplayDirectory     string
	PublishedAt         *time.Time
	CleanupNow          bool
}

// EndingDispatcher schedules live-ending jobs.
type EndingDispatcher interface {
	DispatchEnding(ctx context.Context, req EndingRequest) error
}

// Federator announces video changes to remote instances.
type Federator interface {
	Federate(ctx context.Context, video models.Video) error
}

// Notifier fans out local notifications to subscribed clients.
type Notifier interface {
	NotifyLivePublished(video models.Video)
	// NotifyForceEnd warns players of a live whose previous playlists are
	// about to be purged, so they stop requesting dead segments.
	NotifyForceEnd(video models.Video)
}

// NopFederator and NopNotifier satisfy the boundaries when federation or the
// notification socket is disabled.
type NopFederator struct{}

func (NopFederator) Federate(context.Context, models.Video) error { return nil }

type NopNotifier struct{}

func (NopNotifier) NotifyLivePublished(models.Video) {}
func (NopNotifier) NotifyForceEnd(models.Video)      {}
