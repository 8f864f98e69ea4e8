package live

// EventKind tags a muxing session notification.
type EventKind string

const (
	// EventLiveReady fires once the master playlist and a first segment
	// exist, meaning players can start the stream.
	EventLiveReady EventKind = "live-ready"
	// EventBadSocketHealth fires when segment production stalls while the
	// connection is still up.
	EventBadSocketHealth EventKind = "bad-socket-health"
	// EventDurationExceeded fires when the session passes the configured
	// maximum duration.
	EventDurationExceeded EventKind = "duration-exceeded"
	// EventQuotaExceeded fires when recording the replay would take the
	// owner past their storage quota.
	EventQuotaExceeded EventKind = "quota-exceeded"
	// EventTranscodingError fires when a rendition process exits with an
	// error that was not requested.
	EventTranscodingError EventKind = "transcoding-error"
	// EventTranscodingEnd fires when all rendition processes exit cleanly.
	EventTranscodingEnd EventKind = "transcoding-end"
	// EventAfterCleanup is always the final event of a session, emitted
	// after every runner and scanner has stopped and scratch state is
	// released.
	EventAfterCleanup EventKind = "after-cleanup"
)

// SessionEvent is delivered on the muxing session's event channel. Err is
// set for transcoding errors.
type SessionEvent struct {
	Kind EventKind
	Err  error
}
