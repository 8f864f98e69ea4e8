package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"driftcast/internal/models"
	"driftcast/internal/streamkey"

	"github.com/google/uuid"
)

type dataset struct {
	Users       map[string]models.User              `json:"users"`
	Videos      map[string]models.Video             `json:"videos"`
	LiveConfigs map[string]models.LiveConfig        `json:"liveConfigs"`
	Sessions    map[string]models.LiveSession       `json:"liveSessions"`
	Playlists   map[string]models.StreamingPlaylist `json:"streamingPlaylists"`
	RunnerJobs  map[string]models.RunnerJob         `json:"runnerJobs"`
}

func newDataset() dataset {
	return dataset{
		Users:       make(map[string]models.User),
		Videos:      make(map[string]models.Video),
		LiveConfigs: make(map[string]models.LiveConfig),
		Sessions:    make(map[string]models.LiveSession),
		Playlists:   make(map[string]models.StreamingPlaylist),
		RunnerJobs:  make(map[string]models.RunnerJob),
	}
}

// Memory is the in-memory repository used by tests and single-node dev
// deployments. With a snapshot path configured the dataset is flushed to disk
// as JSON after every mutation.
type Memory struct {
	mu       sync.RWMutex
	data     dataset
	filePath string
	digester streamkey.Digester
	now      func() time.Time
	// persistOverride allows tests to intercept persist operations.
	persistOverride func(dataset) error
}

// MemoryOption mutates memory store configuration.
type MemoryOption func(*Memory)

// WithSnapshotPath enables JSON persistence of the dataset at path.
func WithSnapshotPath(path string) MemoryOption {
	return func(m *Memory) { m.filePath = path }
}

// WithDigester installs the stream-key digester used for key rotation.
func WithDigester(d streamkey.Digester) MemoryOption {
	return func(m *Memory) { m.digester = d }
}

// WithClock overrides the time source, used by tests.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) {
		if now != nil {
			m.now = now
		}
	}
}

// NewMemory builds a memory repository, loading a previous snapshot from the
// configured path when one exists.
func NewMemory(opts ...MemoryOption) (*Memory, error) {
	m := &Memory{
		data: newDataset(),
		now:  func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	if m.filePath != "" {
		if err := m.load(); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Memory) load() error {
	raw, err := os.ReadFile(m.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read snapshot %s: %w", m.filePath, err)
	}
	if len(raw) == 0 {
		return nil
	}
	var data dataset
	if err := json.Unmarshal(raw, &data); err != nil {
		return fmt.Errorf("decode snapshot %s: %w", m.filePath, err)
	}
	m.data = data
	m.ensureInitializedLocked()
	return nil
}

func (m *Memory) ensureInitializedLocked() {
	if m.data.Users == nil {
		m.data.Users = make(map[string]models.User)
	}
	if m.data.Videos == nil {
		m.data.Videos = make(map[string]models.Video)
	}
	if m.data.LiveConfigs == nil {
		m.data.LiveConfigs = make(map[string]models.LiveConfig)
	}
	if m.data.Sessions == nil {
		m.data.Sessions = make(map[string]models.LiveSession)
	}
	if m.data.Playlists == nil {
		m.data.Playlists = make(map[string]models.StreamingPlaylist)
	}
	if m.data.RunnerJobs == nil {
		m.data.RunnerJobs = make(map[string]models.RunnerJob)
	}
}

func (m *Memory) persistLocked() error {
	if m.persistOverride != nil {
		return m.persistOverride(m.data)
	}
	if m.filePath == "" {
		return nil
	}
	raw, err := json.MarshalIndent(m.data, "", "  ")
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	tmp := m.filePath + ".tmp"
	if err := os.MkdirAll(filepath.Dir(m.filePath), 0o755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := os.Rename(tmp, m.filePath); err != nil {
		return fmt.Errorf("replace snapshot: %w", err)
	}
	return nil
}

func (m *Memory) Ping(ctx context.Context) error {
	return ctx.Err()
}

// CreateUserParams captures the attributes set when seeding a user.
type CreateUserParams struct {
	ID         string
	Blocked    bool
	VideoQuota int64
}

// CreateUser seeds an account. Zero quota means unlimited is NOT implied;
// pass models.QuotaUnlimited explicitly.
func (m *Memory) CreateUser(params CreateUserParams) (models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := params.ID
	if id == "" {
		id = uuid.NewString()
	}
	if _, exists := m.data.Users[id]; exists {
		return models.User{}, fmt.Errorf("user %s already exists", id)
	}
	user := models.User{
		ID:         id,
		Blocked:    params.Blocked,
		VideoQuota: params.VideoQuota,
		CreatedAt:  m.now(),
	}
	m.data.Users[id] = user
	if err := m.persistLocked(); err != nil {
		return models.User{}, err
	}
	return user, nil
}

// CreateLiveParams captures the attributes set when creating a live video and
// its configuration together.
type CreateLiveParams struct {
	OwnerID       string
	Name          string
	PermanentLive bool
	SaveReplay    bool
	ReplayPrivacy string
	LatencyMode   models.LatencyMode
}

// CreateLive creates a waiting-for-live video plus its live configuration.
// The returned config carries the raw stream key exactly once.
func (m *Memory) CreateLive(params CreateLiveParams) (models.Video, models.LiveConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data.Users[params.OwnerID]; !ok {
		return models.Video{}, models.LiveConfig{}, fmt.Errorf("owner %s: %w", params.OwnerID, ErrNotFound)
	}
	key := streamkey.NewKey()
	digest, err := m.digester.Digest(key)
	if err != nil {
		return models.Video{}, models.LiveConfig{}, fmt.Errorf("digest stream key: %w", err)
	}
	mode := params.LatencyMode
	if mode == "" {
		mode = models.LatencyDefault
	}
	video := models.Video{
		ID:        uuid.NewString(),
		Name:      params.Name,
		OwnerID:   params.OwnerID,
		State:     models.StateWaitingForLive,
		IsLive:    true,
		CreatedAt: m.now(),
	}
	cfg := models.LiveConfig{
		VideoID:         video.ID,
		StreamKey:       key,
		StreamKeyDigest: digest,
		PermanentLive:   params.PermanentLive,
		SaveReplay:      params.SaveReplay,
		Replay:          models.ReplaySettings{Privacy: params.ReplayPrivacy},
		LatencyMode:     mode,
	}
	m.data.Videos[video.ID] = video
	stored := cfg
	stored.StreamKey = ""
	m.data.LiveConfigs[video.ID] = stored
	if err := m.persistLocked(); err != nil {
		return models.Video{}, models.LiveConfig{}, err
	}
	return video, cfg, nil
}

func (m *Memory) LiveConfigByDigest(ctx context.Context, digest string) (models.LiveConfig, models.Video, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, cfg := range m.data.LiveConfigs {
		if cfg.StreamKeyDigest == digest {
			video, ok := m.data.Videos[cfg.VideoID]
			if !ok {
				return models.LiveConfig{}, models.Video{}, ErrNotFound
			}
			return cfg, video, nil
		}
	}
	return models.LiveConfig{}, models.Video{}, ErrNotFound
}

func (m *Memory) LiveConfigByVideo(ctx context.Context, videoID string) (models.LiveConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cfg, ok := m.data.LiveConfigs[videoID]
	if !ok {
		return models.LiveConfig{}, ErrNotFound
	}
	return cfg, nil
}

func (m *Memory) UpdateLiveConfig(ctx context.Context, cfg models.LiveConfig) (models.LiveConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.data.LiveConfigs[cfg.VideoID]
	if !ok {
		return models.LiveConfig{}, ErrNotFound
	}
	if m.hasOpenSessionLocked(cfg.VideoID) {
		if cfg.PermanentLive != current.PermanentLive || cfg.Replay != current.Replay {
			return models.LiveConfig{}, ErrConfigImmutable
		}
	}
	// The key and its digest only change through RotateStreamKey.
	cfg.StreamKey = ""
	cfg.StreamKeyDigest = current.StreamKeyDigest
	m.data.LiveConfigs[cfg.VideoID] = cfg
	if err := m.persistLocked(); err != nil {
		return models.LiveConfig{}, err
	}
	return cfg, nil
}

func (m *Memory) RotateStreamKey(ctx context.Context, videoID string) (models.LiveConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg, ok := m.data.LiveConfigs[videoID]
	if !ok {
		return models.LiveConfig{}, ErrNotFound
	}
	key := streamkey.NewKey()
	digest, err := m.digester.Digest(key)
	if err != nil {
		return models.LiveConfig{}, fmt.Errorf("digest stream key: %w", err)
	}
	cfg.StreamKeyDigest = digest
	m.data.LiveConfigs[videoID] = cfg
	if err := m.persistLocked(); err != nil {
		return models.LiveConfig{}, err
	}
	cfg.StreamKey = key
	return cfg, nil
}

func (m *Memory) VideoByID(ctx context.Context, videoID string) (models.Video, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	video, ok := m.data.Videos[videoID]
	if !ok {
		return models.Video{}, ErrNotFound
	}
	return video, nil
}

func (m *Memory) OwnerOfVideo(ctx context.Context, videoID string) (models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	video, ok := m.data.Videos[videoID]
	if !ok {
		return models.User{}, ErrNotFound
	}
	user, ok := m.data.Users[video.OwnerID]
	if !ok {
		return models.User{}, ErrNotFound
	}
	return user, nil
}

func (m *Memory) UserByID(ctx context.Context, userID string) (models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	user, ok := m.data.Users[userID]
	if !ok {
		return models.User{}, ErrNotFound
	}
	return user, nil
}

func (m *Memory) AddUserQuotaUsed(ctx context.Context, userID string, delta int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.data.Users[userID]
	if !ok {
		return ErrNotFound
	}
	user.VideoQuotaUsed += delta
	if user.VideoQuotaUsed < 0 {
		user.VideoQuotaUsed = 0
	}
	m.data.Users[userID] = user
	return m.persistLocked()
}

func (m *Memory) hasOpenSessionLocked(videoID string) bool {
	for _, session := range m.data.Sessions {
		if session.VideoID == videoID && session.Open() {
			return true
		}
	}
	return false
}

func (m *Memory) OpenLiveSession(ctx context.Context, videoID string) (models.LiveSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	video, ok := m.data.Videos[videoID]
	if !ok {
		return models.LiveSession{}, ErrNotFound
	}
	if !video.IsLive {
		return models.LiveSession{}, ErrVideoNotLive
	}
	if m.hasOpenSessionLocked(videoID) {
		return models.LiveSession{}, ErrSessionOpen
	}
	cfg := m.data.LiveConfigs[videoID]
	replay := cfg.Replay
	session := models.LiveSession{
		ID:             uuid.NewString(),
		VideoID:        videoID,
		StartedAt:      m.now(),
		SaveReplay:     cfg.SaveReplay,
		ReplaySettings: &replay,
	}
	m.data.Sessions[session.ID] = session
	if err := m.persistLocked(); err != nil {
		return models.LiveSession{}, err
	}
	return session, nil
}

func (m *Memory) CloseLiveSession(ctx context.Context, videoID string, code *models.LiveError, markProcessed bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, session := range m.data.Sessions {
		if session.VideoID != videoID || !session.Open() {
			continue
		}
		ended := m.now()
		session.EndedAt = &ended
		if code != nil && session.Error == nil {
			c := *code
			session.Error = &c
		}
		if markProcessed {
			session.EndingProcessed = true
		}
		m.data.Sessions[id] = session
		return m.persistLocked()
	}
	return ErrNoOpenSession
}

func (m *Memory) StampSessionEnd(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.data.Sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	if session.EndedAt == nil {
		ended := m.now()
		session.EndedAt = &ended
		m.data.Sessions[sessionID] = session
	}
	return m.persistLocked()
}

func (m *Memory) MarkEndingProcessed(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.data.Sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	session.EndingProcessed = true
	m.data.Sessions[sessionID] = session
	return m.persistLocked()
}

func (m *Memory) LiveSessionByID(ctx context.Context, sessionID string) (models.LiveSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	session, ok := m.data.Sessions[sessionID]
	if !ok {
		return models.LiveSession{}, ErrNotFound
	}
	return session, nil
}

func (m *Memory) LatestLiveSession(ctx context.Context, videoID string) (models.LiveSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var (
		latest models.LiveSession
		found  bool
	)
	for _, session := range m.data.Sessions {
		if session.VideoID != videoID {
			continue
		}
		if !found || session.StartedAt.After(latest.StartedAt) {
			latest = session
			found = true
		}
	}
	if !found {
		return models.LiveSession{}, ErrNotFound
	}
	return latest, nil
}

func (m *Memory) SetSessionReplay(ctx context.Context, sessionID, replayVideoID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.data.Sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	session.ReplayVideoID = &replayVideoID
	m.data.Sessions[sessionID] = session
	return m.persistLocked()
}

func (m *Memory) SetVideoState(ctx context.Context, videoID string, state models.VideoState, update *VideoStateUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	video, ok := m.data.Videos[videoID]
	if !ok {
		return ErrNotFound
	}
	video.State = state
	if update != nil {
		if update.PublishedAt != nil {
			at := update.PublishedAt.UTC()
			video.PublishedAt = &at
		}
		if update.AspectRatio != nil {
			video.AspectRatio = *update.AspectRatio
		}
	}
	m.data.Videos[videoID] = video
	return m.persistLocked()
}

// SetVideoBlacklisted flags or unflags a video for moderation.
func (m *Memory) SetVideoBlacklisted(videoID string, blacklisted bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	video, ok := m.data.Videos[videoID]
	if !ok {
		return ErrNotFound
	}
	video.Blacklisted = blacklisted
	m.data.Videos[videoID] = video
	return m.persistLocked()
}

func (m *Memory) ListPublishedLiveIDs(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var ids []string
	for id, video := range m.data.Videos {
		if video.IsLive && video.State == models.StatePublished {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *Memory) PlaylistsByVideo(ctx context.Context, videoID string) ([]models.StreamingPlaylist, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var playlists []models.StreamingPlaylist
	for _, playlist := range m.data.Playlists {
		if playlist.VideoID == videoID {
			playlists = append(playlists, playlist)
		}
	}
	sort.Slice(playlists, func(i, j int) bool {
		return playlists[i].CreatedAt.Before(playlists[j].CreatedAt)
	})
	return playlists, nil
}

func (m *Memory) UpsertPlaylist(ctx context.Context, playlist models.StreamingPlaylist) (models.StreamingPlaylist, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if playlist.ID == "" {
		playlist.ID = uuid.NewString()
	}
	if playlist.CreatedAt.IsZero() {
		playlist.CreatedAt = m.now()
	}
	m.data.Playlists[playlist.ID] = playlist
	if err := m.persistLocked(); err != nil {
		return models.StreamingPlaylist{}, err
	}
	return playlist, nil
}

func (m *Memory) DeletePlaylist(ctx context.Context, playlistID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data.Playlists[playlistID]; !ok {
		return ErrNotFound
	}
	delete(m.data.Playlists, playlistID)
	return m.persistLocked()
}

func (m *Memory) CreateReplayVideo(ctx context.Context, video models.Video) (models.Video, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if video.ID == "" {
		video.ID = uuid.NewString()
	}
	if video.CreatedAt.IsZero() {
		video.CreatedAt = m.now()
	}
	video.IsLive = false
	m.data.Videos[video.ID] = video
	if err := m.persistLocked(); err != nil {
		return models.Video{}, err
	}
	return video, nil
}

func (m *Memory) CancelPendingRunnerJobs(ctx context.Context, kind string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cancelled := 0
	for id, job := range m.data.RunnerJobs {
		if job.Kind == kind && job.State == models.RunnerJobStatePending {
			job.State = models.RunnerJobStateCancelled
			m.data.RunnerJobs[id] = job
			cancelled++
		}
	}
	if cancelled > 0 {
		if err := m.persistLocked(); err != nil {
			return 0, err
		}
	}
	return cancelled, nil
}

func (m *Memory) CreateRunnerJob(ctx context.Context, job models.RunnerJob) (models.RunnerJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.State == "" {
		job.State = models.RunnerJobStatePending
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = m.now()
	}
	m.data.RunnerJobs[job.ID] = job
	if err := m.persistLocked(); err != nil {
		return models.RunnerJob{}, err
	}
	return job, nil
}

func (m *Memory) FinishRunnerJob(ctx context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.data.RunnerJobs[jobID]
	if !ok {
		return ErrNotFound
	}
	job.State = models.RunnerJobStateFinished
	m.data.RunnerJobs[jobID] = job
	return m.persistLocked()
}

var _ Repository = (*Memory)(nil)
