package models

import (
	"strings"
	"time"
)

// VideoState tracks where a live video sits in its publication lifecycle.
// Replay videos produced after a session additionally use StateToTranscode
// while their recording is processed into a permanent rendition set.
type VideoState string

const (
	StateWaitingForLive VideoState = "waiting_for_live"
	StatePublished      VideoState = "published"
	StateLiveEnded      VideoState = "live_ended"
	StateToTranscode    VideoState = "to_transcode"
)

// LiveError is the typed terminal error recorded on a live session row when
// the session did not end cleanly.
type LiveError string

const (
	LiveErrorBadSocketHealth  LiveError = "bad_socket_health"
	LiveErrorDurationExceeded LiveError = "duration_exceeded"
	LiveErrorQuotaExceeded    LiveError = "quota_exceeded"
	LiveErrorFFmpeg           LiveError = "ffmpeg_error"
	LiveErrorBlacklisted      LiveError = "blacklisted"
	LiveErrorRunnerCancelled  LiveError = "runner_job_cancelled"
	LiveErrorInvalidInput     LiveError = "invalid_input_video_stream"
	LiveErrorUnknown          LiveError = "unknown"
)

// LatencyMode selects the segment duration trade-off for a live video.
type LatencyMode string

const (
	LatencyDefault LatencyMode = "default"
	LatencySmall   LatencyMode = "small_latency"
	LatencyHigh    LatencyMode = "high_latency"
)

// ParseLatencyMode normalises a configured latency mode, falling back to the
// default mode for unknown values.
func ParseLatencyMode(value string) LatencyMode {
	switch LatencyMode(strings.ToLower(strings.TrimSpace(value))) {
	case LatencySmall:
		return LatencySmall
	case LatencyHigh:
		return LatencyHigh
	default:
		return LatencyDefault
	}
}

// SegmentDuration returns the HLS segment duration used for the mode.
func (m LatencyMode) SegmentDuration() time.Duration {
	switch m {
	case LatencySmall:
		return 2 * time.Second
	case LatencyHigh:
		return 8 * time.Second
	default:
		return 4 * time.Second
	}
}

type Video struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	OwnerID     string     `json:"ownerId"`
	State       VideoState `json:"state"`
	IsLive      bool       `json:"isLive"`
	PublishedAt *time.Time `json:"publishedAt,omitempty"`
	AspectRatio float64    `json:"aspectRatio,omitempty"`
	Blacklisted bool       `json:"blacklisted"`
	Duration    int        `json:"durationSeconds"`
	CreatedAt   time.Time  `json:"createdAt"`
}

// ReplaySettings is the replay visibility snapshot captured when a session
// opens, so later configuration edits do not retroactively change a replay.
type ReplaySettings struct {
	Privacy string `json:"privacy"`
}

// LiveConfig is the per-video live configuration. The raw stream key is only
// held transiently after creation or rotation; lookups go through the keyed
// digest so datastore indexes never contain the secret itself.
type LiveConfig struct {
	VideoID         string         `json:"videoId"`
	StreamKey       string         `json:"streamKey,omitempty"`
	StreamKeyDigest string         `json:"streamKeyDigest"`
	PermanentLive   bool           `json:"permanentLive"`
	SaveReplay      bool           `json:"saveReplay"`
	Replay          ReplaySettings `json:"replaySettings"`
	LatencyMode     LatencyMode    `json:"latencyMode"`
}

// LiveSession is one ingest attempt. Exactly one session per video may have a
// nil EndedAt at any time; the orchestrator enforces this.
type LiveSession struct {
	ID              string          `json:"id"`
	VideoID         string          `json:"videoId"`
	StartedAt       time.Time       `json:"startedAt"`
	EndedAt         *time.Time      `json:"endedAt,omitempty"`
	Error           *LiveError      `json:"error,omitempty"`
	EndingProcessed bool            `json:"endingProcessed"`
	SaveReplay      bool            `json:"saveReplay"`
	ReplaySettings  *ReplaySettings `json:"replaySettings,omitempty"`
	ReplayVideoID   *string         `json:"replayVideoId,omitempty"`
}

// Open reports whether the session is still active (no end timestamp yet).
func (s LiveSession) Open() bool {
	return s.EndedAt == nil
}

type StreamingPlaylist struct {
	ID               string    `json:"id"`
	VideoID          string    `json:"videoId"`
	PlaylistFilename string    `json:"playlistFilename"`
	Directory        string    `json:"directory"`
	CreatedAt        time.Time `json:"createdAt"`
}

// User carries the subset of account state the ingest core needs: blocking
// and the storage quota consulted while a replay is being recorded.
type User struct {
	ID             string    `json:"id"`
	Blocked        bool      `json:"blocked"`
	VideoQuota     int64     `json:"videoQuota"`
	VideoQuotaUsed int64     `json:"videoQuotaUsed"`
	CreatedAt      time.Time `json:"createdAt"`
}

// QuotaUnlimited marks a user quota with no byte limit.
const QuotaUnlimited int64 = -1

// Background transcoding-runner job states. Pending live-ingest jobs are
// cancelled during crash recovery because their subprocess state is gone.
const (
	RunnerJobStatePending   = "pending"
	RunnerJobStateCancelled = "cancelled"
	RunnerJobStateFinished  = "finished"

	RunnerJobKindLiveIngest = "live_ingest"
)

type RunnerJob struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	VideoID   string    `json:"videoId"`
	State     string    `json:"state"`
	CreatedAt time.Time `json:"createdAt"`
}
