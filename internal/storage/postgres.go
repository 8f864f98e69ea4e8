package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"driftcast/internal/models"
	"driftcast/internal/streamkey"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type postgresRepository struct {
	pool     *pgxpool.Pool
	cfg      PostgresConfig
	digester streamkey.Digester
}

// NewPostgres opens a Postgres-backed repository and bootstraps the schema.
func NewPostgres(ctx context.Context, cfg PostgresConfig) (Repository, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections >= 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckInterval > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthCheckInterval
	}
	if cfg.ConnectTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	repo := &postgresRepository{pool: pool, cfg: cfg, digester: cfg.Digester}
	if err := repo.setup(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return repo, nil
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		blocked BOOLEAN NOT NULL DEFAULT FALSE,
		video_quota BIGINT NOT NULL DEFAULT -1,
		video_quota_used BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS videos (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		owner_id TEXT NOT NULL REFERENCES users(id),
		state TEXT NOT NULL,
		is_live BOOLEAN NOT NULL DEFAULT FALSE,
		published_at TIMESTAMPTZ,
		aspect_ratio DOUBLE PRECISION NOT NULL DEFAULT 0,
		blacklisted BOOLEAN NOT NULL DEFAULT FALSE,
		duration_seconds INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS live_configs (
		video_id TEXT PRIMARY KEY REFERENCES videos(id) ON DELETE CASCADE,
		stream_key_digest TEXT NOT NULL UNIQUE,
		permanent_live BOOLEAN NOT NULL DEFAULT FALSE,
		save_replay BOOLEAN NOT NULL DEFAULT FALSE,
		replay_privacy TEXT NOT NULL DEFAULT '',
		latency_mode TEXT NOT NULL DEFAULT 'default'
	)`,
	`CREATE TABLE IF NOT EXISTS live_sessions (
		id TEXT PRIMARY KEY,
		video_id TEXT NOT NULL REFERENCES videos(id) ON DELETE CASCADE,
		started_at TIMESTAMPTZ NOT NULL,
		ended_at TIMESTAMPTZ,
		error TEXT,
		ending_processed BOOLEAN NOT NULL DEFAULT FALSE,
		save_replay BOOLEAN NOT NULL DEFAULT FALSE,
		replay_privacy TEXT,
		replay_video_id TEXT
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS live_sessions_open_video
		ON live_sessions (video_id) WHERE ended_at IS NULL`,
	`CREATE TABLE IF NOT EXISTS streaming_playlists (
		id TEXT PRIMARY KEY,
		video_id TEXT NOT NULL REFERENCES videos(id) ON DELETE CASCADE,
		playlist_filename TEXT NOT NULL,
		directory TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS runner_jobs (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		video_id TEXT NOT NULL,
		state TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
}

func (r *postgresRepository) setup(ctx context.Context) error {
	for _, stmt := range postgresSchema {
		if _, err := r.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap schema: %w", err)
		}
	}
	return nil
}

// Close drains the pool, honouring the context deadline.
func (r *postgresRepository) Close(ctx context.Context) error {
	if r == nil || r.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		r.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (r *postgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func mapNoRows(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func rollbackTx(ctx context.Context, tx pgx.Tx) {
	_ = tx.Rollback(ctx)
}

const liveConfigColumns = "video_id, stream_key_digest, permanent_live, save_replay, replay_privacy, latency_mode"

func scanLiveConfig(row pgx.Row) (models.LiveConfig, error) {
	var (
		cfg     models.LiveConfig
		latency string
	)
	err := row.Scan(&cfg.VideoID, &cfg.StreamKeyDigest, &cfg.PermanentLive, &cfg.SaveReplay, &cfg.Replay.Privacy, &latency)
	if err != nil {
		return models.LiveConfig{}, mapNoRows(err)
	}
	cfg.LatencyMode = models.ParseLatencyMode(latency)
	return cfg, nil
}

const videoColumns = "id, name, owner_id, state, is_live, published_at, aspect_ratio, blacklisted, duration_seconds, created_at"

func scanVideo(row pgx.Row) (models.Video, error) {
	var (
		video models.Video
		state string
	)
	err := row.Scan(&video.ID, &video.Name, &video.OwnerID, &state, &video.IsLive, &video.PublishedAt, &video.AspectRatio, &video.Blacklisted, &video.Duration, &video.CreatedAt)
	if err != nil {
		return models.Video{}, mapNoRows(err)
	}
	video.State = models.VideoState(state)
	return video, nil
}

const sessionColumns = "id, video_id, started_at, ended_at, error, ending_processed, save_replay, replay_privacy, replay_video_id"

func scanSession(row pgx.Row) (models.LiveSession, error) {
	var (
		session       models.LiveSession
		errorCode     *string
		replayPrivacy *string
	)
	err := row.Scan(&session.ID, &session.VideoID, &session.StartedAt, &session.EndedAt, &errorCode, &session.EndingProcessed, &session.SaveReplay, &replayPrivacy, &session.ReplayVideoID)
	if err != nil {
		return models.LiveSession{}, mapNoRows(err)
	}
	if errorCode != nil {
		code := models.LiveError(*errorCode)
		session.Error = &code
	}
	if replayPrivacy != nil {
		session.ReplaySettings = &models.ReplaySettings{Privacy: *replayPrivacy}
	}
	return session, nil
}

func (r *postgresRepository) LiveConfigByDigest(ctx context.Context, digest string) (models.LiveConfig, models.Video, error) {
	cfg, err := scanLiveConfig(r.pool.QueryRow(ctx,
		"SELECT "+liveConfigColumns+" FROM live_configs WHERE stream_key_digest = $1", digest))
	if err != nil {
		return models.LiveConfig{}, models.Video{}, err
	}
	video, err := r.VideoByID(ctx, cfg.VideoID)
	if err != nil {
		return models.LiveConfig{}, models.Video{}, err
	}
	return cfg, video, nil
}

func (r *postgresRepository) LiveConfigByVideo(ctx context.Context, videoID string) (models.LiveConfig, error) {
	return scanLiveConfig(r.pool.QueryRow(ctx,
		"SELECT "+liveConfigColumns+" FROM live_configs WHERE video_id = $1", videoID))
}

func (r *postgresRepository) UpdateLiveConfig(ctx context.Context, cfg models.LiveConfig) (models.LiveConfig, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.LiveConfig{}, fmt.Errorf("begin config update: %w", err)
	}
	defer rollbackTx(ctx, tx)

	current, err := scanLiveConfig(tx.QueryRow(ctx,
		"SELECT "+liveConfigColumns+" FROM live_configs WHERE video_id = $1 FOR UPDATE", cfg.VideoID))
	if err != nil {
		return models.LiveConfig{}, err
	}
	var open bool
	if err := tx.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM live_sessions WHERE video_id = $1 AND ended_at IS NULL)", cfg.VideoID).Scan(&open); err != nil {
		return models.LiveConfig{}, fmt.Errorf("check open session: %w", err)
	}
	if open && (cfg.PermanentLive != current.PermanentLive || cfg.Replay != current.Replay) {
		return models.LiveConfig{}, ErrConfigImmutable
	}
	cfg.StreamKey = ""
	cfg.StreamKeyDigest = current.StreamKeyDigest
	_, err = tx.Exec(ctx,
		"UPDATE live_configs SET permanent_live = $2, save_replay = $3, replay_privacy = $4, latency_mode = $5 WHERE video_id = $1",
		cfg.VideoID, cfg.PermanentLive, cfg.SaveReplay, cfg.Replay.Privacy, string(cfg.LatencyMode))
	if err != nil {
		return models.LiveConfig{}, fmt.Errorf("update live config %s: %w", cfg.VideoID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return models.LiveConfig{}, fmt.Errorf("commit config update: %w", err)
	}
	return cfg, nil
}

func (r *postgresRepository) RotateStreamKey(ctx context.Context, videoID string) (models.LiveConfig, error) {
	key := streamkey.NewKey()
	digest, err := r.digester.Digest(key)
	if err != nil {
		return models.LiveConfig{}, fmt.Errorf("digest stream key: %w", err)
	}
	cfg, err := scanLiveConfig(r.pool.QueryRow(ctx,
		"UPDATE live_configs SET stream_key_digest = $2 WHERE video_id = $1 RETURNING "+liveConfigColumns,
		videoID, digest))
	if err != nil {
		return models.LiveConfig{}, err
	}
	cfg.StreamKey = key
	return cfg, nil
}

func (r *postgresRepository) VideoByID(ctx context.Context, videoID string) (models.Video, error) {
	return scanVideo(r.pool.QueryRow(ctx,
		"SELECT "+videoColumns+" FROM videos WHERE id = $1", videoID))
}

func (r *postgresRepository) OwnerOfVideo(ctx context.Context, videoID string) (models.User, error) {
	return r.scanUser(r.pool.QueryRow(ctx,
		"SELECT u.id, u.blocked, u.video_quota, u.video_quota_used, u.created_at FROM users u JOIN videos v ON v.owner_id = u.id WHERE v.id = $1", videoID))
}

func (r *postgresRepository) UserByID(ctx context.Context, userID string) (models.User, error) {
	return r.scanUser(r.pool.QueryRow(ctx,
		"SELECT id, blocked, video_quota, video_quota_used, created_at FROM users WHERE id = $1", userID))
}

func (r *postgresRepository) scanUser(row pgx.Row) (models.User, error) {
	var user models.User
	err := row.Scan(&user.ID, &user.Blocked, &user.VideoQuota, &user.VideoQuotaUsed, &user.CreatedAt)
	if err != nil {
		return models.User{}, mapNoRows(err)
	}
	return user, nil
}

func (r *postgresRepository) AddUserQuotaUsed(ctx context.Context, userID string, delta int64) error {
	tag, err := r.pool.Exec(ctx,
		"UPDATE users SET video_quota_used = GREATEST(video_quota_used + $2, 0) WHERE id = $1", userID, delta)
	if err != nil {
		return fmt.Errorf("update quota for %s: %w", userID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *postgresRepository) OpenLiveSession(ctx context.Context, videoID string) (models.LiveSession, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.LiveSession{}, fmt.Errorf("begin session open: %w", err)
	}
	defer rollbackTx(ctx, tx)

	video, err := scanVideo(tx.QueryRow(ctx,
		"SELECT "+videoColumns+" FROM videos WHERE id = $1 FOR UPDATE", videoID))
	if err != nil {
		return models.LiveSession{}, err
	}
	if !video.IsLive {
		return models.LiveSession{}, ErrVideoNotLive
	}
	var open bool
	if err := tx.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM live_sessions WHERE video_id = $1 AND ended_at IS NULL)", videoID).Scan(&open); err != nil {
		return models.LiveSession{}, fmt.Errorf("check open session: %w", err)
	}
	if open {
		return models.LiveSession{}, ErrSessionOpen
	}
	cfg, err := scanLiveConfig(tx.QueryRow(ctx,
		"SELECT "+liveConfigColumns+" FROM live_configs WHERE video_id = $1", videoID))
	if err != nil {
		return models.LiveSession{}, err
	}

	session := models.LiveSession{
		ID:             uuid.NewString(),
		VideoID:        videoID,
		StartedAt:      time.Now().UTC(),
		SaveReplay:     cfg.SaveReplay,
		ReplaySettings: &models.ReplaySettings{Privacy: cfg.Replay.Privacy},
	}
	_, err = tx.Exec(ctx,
		"INSERT INTO live_sessions (id, video_id, started_at, save_replay, replay_privacy) VALUES ($1, $2, $3, $4, $5)",
		session.ID, session.VideoID, session.StartedAt, session.SaveReplay, cfg.Replay.Privacy)
	if err != nil {
		return models.LiveSession{}, fmt.Errorf("insert live session: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return models.LiveSession{}, fmt.Errorf("commit session open: %w", err)
	}
	return session, nil
}

func (r *postgresRepository) CloseLiveSession(ctx context.Context, videoID string, code *models.LiveError, markProcessed bool) error {
	var errorCode *string
	if code != nil {
		value := string(*code)
		errorCode = &value
	}
	tag, err := r.pool.Exec(ctx,
		"UPDATE live_sessions SET ended_at = now(), error = COALESCE(error, $2), ending_processed = ending_processed OR $3 WHERE video_id = $1 AND ended_at IS NULL",
		videoID, errorCode, markProcessed)
	if err != nil {
		return fmt.Errorf("close session of %s: %w", videoID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNoOpenSession
	}
	return nil
}

func (r *postgresRepository) StampSessionEnd(ctx context.Context, sessionID string) error {
	tag, err := r.pool.Exec(ctx,
		"UPDATE live_sessions SET ended_at = COALESCE(ended_at, now()) WHERE id = $1", sessionID)
	if err != nil {
		return fmt.Errorf("stamp session end %s: %w", sessionID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *postgresRepository) MarkEndingProcessed(ctx context.Context, sessionID string) error {
	tag, err := r.pool.Exec(ctx,
		"UPDATE live_sessions SET ending_processed = TRUE WHERE id = $1", sessionID)
	if err != nil {
		return fmt.Errorf("mark ending processed %s: %w", sessionID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *postgresRepository) LiveSessionByID(ctx context.Context, sessionID string) (models.LiveSession, error) {
	return scanSession(r.pool.QueryRow(ctx,
		"SELECT "+sessionColumns+" FROM live_sessions WHERE id = $1", sessionID))
}

func (r *postgresRepository) LatestLiveSession(ctx context.Context, videoID string) (models.LiveSession, error) {
	return scanSession(r.pool.QueryRow(ctx,
		"SELECT "+sessionColumns+" FROM live_sessions WHERE video_id = $1 ORDER BY started_at DESC LIMIT 1", videoID))
}

func (r *postgresRepository) SetSessionReplay(ctx context.Context, sessionID, replayVideoID string) error {
	tag, err := r.pool.Exec(ctx,
		"UPDATE live_sessions SET replay_video_id = $2 WHERE id = $1", sessionID, replayVideoID)
	if err != nil {
		return fmt.Errorf("set session replay %s: %w", sessionID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *postgresRepository) SetVideoState(ctx context.Context, videoID string, state models.VideoState, update *VideoStateUpdate) error {
	var (
		publishedAt *time.Time
		aspectRatio *float64
	)
	if update != nil {
		publishedAt = update.PublishedAt
		aspectRatio = update.AspectRatio
	}
	tag, err := r.pool.Exec(ctx,
		"UPDATE videos SET state = $2, published_at = COALESCE($3, published_at), aspect_ratio = COALESCE($4, aspect_ratio) WHERE id = $1",
		videoID, string(state), publishedAt, aspectRatio)
	if err != nil {
		return fmt.Errorf("set video state %s: %w", videoID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *postgresRepository) ListPublishedLiveIDs(ctx context.Context) ([]string, error) {
	rows, err := r.pool.Query(ctx,
		"SELECT id FROM videos WHERE is_live AND state = $1 ORDER BY id", string(models.StatePublished))
	if err != nil {
		return nil, fmt.Errorf("list published lives: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan published live: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *postgresRepository) PlaylistsByVideo(ctx context.Context, videoID string) ([]models.StreamingPlaylist, error) {
	rows, err := r.pool.Query(ctx,
		"SELECT id, video_id, playlist_filename, directory, created_at FROM streaming_playlists WHERE video_id = $1 ORDER BY created_at", videoID)
	if err != nil {
		return nil, fmt.Errorf("list playlists of %s: %w", videoID, err)
	}
	defer rows.Close()
	var playlists []models.StreamingPlaylist
	for rows.Next() {
		var playlist models.StreamingPlaylist
		if err := rows.Scan(&playlist.ID, &playlist.VideoID, &playlist.PlaylistFilename, &playlist.Directory, &playlist.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan playlist: %w", err)
		}
		playlists = append(playlists, playlist)
	}
	return playlists, rows.Err()
}

func (r *postgresRepository) UpsertPlaylist(ctx context.Context, playlist models.StreamingPlaylist) (models.StreamingPlaylist, error) {
	if playlist.ID == "" {
		playlist.ID = uuid.NewString()
	}
	if playlist.CreatedAt.IsZero() {
		playlist.CreatedAt = time.Now().UTC()
	}
	_, err := r.pool.Exec(ctx,
		"INSERT INTO streaming_playlists (id, video_id, playlist_filename, directory, created_at) VALUES ($1, $2, $3, $4, $5) ON CONFLICT (id) DO UPDATE SET playlist_filename = EXCLUDED.playlist_filename, directory = EXCLUDED.directory",
		playlist.ID, playlist.VideoID, playlist.PlaylistFilename, playlist.Directory, playlist.CreatedAt)
	if err != nil {
		return models.StreamingPlaylist{}, fmt.Errorf("upsert playlist %s: %w", playlist.ID, err)
	}
	return playlist, nil
}

func (r *postgresRepository) DeletePlaylist(ctx context.Context, playlistID string) error {
	tag, err := r.pool.Exec(ctx, "DELETE FROM streaming_playlists WHERE id = $1", playlistID)
	if err != nil {
		return fmt.Errorf("delete playlist %s: %w", playlistID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *postgresRepository) CreateReplayVideo(ctx context.Context, video models.Video) (models.Video, error) {
	if video.ID == "" {
		video.ID = uuid.NewString()
	}
	if video.CreatedAt.IsZero() {
		video.CreatedAt = time.Now().UTC()
	}
	video.IsLive = false
	_, err := r.pool.Exec(ctx,
		"INSERT INTO videos (id, name, owner_id, state, is_live, published_at, aspect_ratio, blacklisted, duration_seconds, created_at) VALUES ($1, $2, $3, $4, FALSE, $5, $6, $7, $8, $9)",
		video.ID, video.Name, video.OwnerID, string(video.State), video.PublishedAt, video.AspectRatio, video.Blacklisted, video.Duration, video.CreatedAt)
	if err != nil {
		return models.Video{}, fmt.Errorf("insert replay video: %w", err)
	}
	return video, nil
}

func (r *postgresRepository) CancelPendingRunnerJobs(ctx context.Context, kind string) (int, error) {
	tag, err := r.pool.Exec(ctx,
		"UPDATE runner_jobs SET state = $2 WHERE kind = $1 AND state = $3",
		kind, models.RunnerJobStateCancelled, models.RunnerJobStatePending)
	if err != nil {
		return 0, fmt.Errorf("cancel pending %s jobs: %w", kind, err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *postgresRepository) CreateRunnerJob(ctx context.Context, job models.RunnerJob) (models.RunnerJob, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.State == "" {
		job.State = models.RunnerJobStatePending
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	_, err := r.pool.Exec(ctx,
		"INSERT INTO runner_jobs (id, kind, video_id, state, created_at) VALUES ($1, $2, $3, $4, $5)",
		job.ID, job.Kind, job.VideoID, job.State, job.CreatedAt)
	if err != nil {
		return models.RunnerJob{}, fmt.Errorf("insert runner job: %w", err)
	}
	return job, nil
}

func (r *postgresRepository) FinishRunnerJob(ctx context.Context, jobID string) error {
	tag, err := r.pool.Exec(ctx,
		"UPDATE runner_jobs SET state = $2 WHERE id = $1", jobID, models.RunnerJobStateFinished)
	if err != nil {
		return fmt.Errorf("finish runner job %s: %w", jobID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

var _ Repository = (*postgresRepository)(nil)
