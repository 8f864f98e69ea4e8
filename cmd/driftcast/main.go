// Command driftcast starts the live ingest service: the ingest listeners,
// the session orchestrator, and the ending-job worker.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"driftcast/internal/jobs"
	"driftcast/internal/live"
	"driftcast/internal/observability/logging"
	"driftcast/internal/observability/metrics"
	"driftcast/internal/storage"
	"driftcast/internal/streamkey"
	"driftcast/internal/transport"
)

func main() {
	ingestAddr := flag.String("ingest-addr", "", "ingest listen address")
	ingestTLSAddr := flag.String("ingest-tls-addr", "", "ingest TLS listen address")
	ingestTLSCert := flag.String("ingest-tls-cert", "", "path to ingest TLS certificate file")
	ingestTLSKey := flag.String("ingest-tls-key", "", "path to ingest TLS private key file")
	adminAddr := flag.String("admin-addr", "", "health and metrics listen address")
	dataDir := flag.String("data", "", "directory for HLS output and replay recordings")
	storageDriver := flag.String("storage-driver", "", "datastore driver (memory or postgres)")
	snapshotPath := flag.String("snapshot", "", "snapshot path for the memory datastore")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string")
	postgresMaxConns := flag.Int("postgres-max-conns", 0, "maximum connections in the Postgres pool")
	postgresMinConns := flag.Int("postgres-min-conns", 0, "minimum idle connections maintained by the Postgres pool")
	postgresMaxConnLifetime := flag.Duration("postgres-max-conn-lifetime", 0, "maximum lifetime for a pooled Postgres connection")
	postgresMaxConnIdle := flag.Duration("postgres-max-conn-idle", 0, "maximum idle time for a pooled Postgres connection")
	postgresHealthInterval := flag.Duration("postgres-health-interval", 0, "interval between Postgres health checks")
	postgresConnectTimeout := flag.Duration("postgres-connect-timeout", 0, "timeout when establishing a Postgres connection")
	postgresAppName := flag.String("postgres-app-name", "", "application_name reported to Postgres")
	streamKeySecret := flag.String("stream-key-secret", "", "instance secret keying the stream-key digests")
	queueDriver := flag.String("queue-driver", "", "ending queue driver (memory or redis)")
	queueRedisAddr := flag.String("queue-redis-addr", "", "Redis address for the ending queue")
	queueRedisAddrs := flag.String("queue-redis-addrs", "", "comma separated Redis addresses for the ending queue")
	queueRedisUsername := flag.String("queue-redis-username", "", "Redis username for the ending queue")
	queueRedisPassword := flag.String("queue-redis-password", "", "Redis password for the ending queue")
	queueRedisStream := flag.String("queue-redis-stream", "", "Redis stream key for ending jobs")
	queueRedisGroup := flag.String("queue-redis-group", "", "Redis consumer group for ending jobs")
	queueRedisMasterName := flag.String("queue-redis-sentinel-master", "", "Redis sentinel master name for the ending queue")
	queueRedisPoolSize := flag.Int("queue-redis-pool-size", 0, "maximum Redis connections for the ending queue")
	queueRedisTLSCA := flag.String("queue-redis-tls-ca", "", "path to Redis TLS CA certificate for the ending queue")
	queueRedisTLSCert := flag.String("queue-redis-tls-cert", "", "path to Redis TLS client certificate for the ending queue")
	queueRedisTLSKey := flag.String("queue-redis-tls-key", "", "path to Redis TLS client key for the ending queue")
	queueRedisTLSServerName := flag.String("queue-redis-tls-server-name", "", "override Redis TLS server name for the ending queue")
	queueRedisTLSSkipVerify := flag.Bool("queue-redis-tls-skip-verify", false, "skip Redis TLS verification for the ending queue")
	basePath := flag.String("base-path", "", "first stream path segment expected from publishers")
	maxInstanceLives := flag.Int("max-instance-lives", 0, "maximum concurrent lives on the instance (0 disables the limit)")
	maxUserLives := flag.Int("max-user-lives", 0, "maximum concurrent lives per user (0 disables the limit)")
	maxDuration := flag.Duration("max-duration", 0, "maximum duration of a single live session (0 disables the limit)")
	transcodingEnabled := flag.Bool("transcoding", true, "transcode incoming lives into a rendition ladder")
	resolutions := flag.String("resolutions", "", "comma separated rendition heights, e.g. 1080,720,480")
	alwaysTranscodeOriginal := flag.Bool("always-transcode-original", false, "always include the input resolution in the ladder")
	allowReplay := flag.Bool("allow-replay", true, "allow recording lives for replay")
	ffmpegPath := flag.String("ffmpeg", "", "path to the ffmpeg binary")
	ffprobePath := flag.String("ffprobe", "", "path to the ffprobe binary")
	endingDelay := flag.Duration("ending-delay", 0, "grace before an ending job runs")
	disconnectGrace := flag.Duration("disconnect-grace", 0, "grace before a dropped connection ends its session")
	federateDelaySegments := flag.Int("federate-delay-segments", 0, "segment durations to wait after publish before federating")
	logLevel := flag.String("log-level", "", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "log format (json or text)")
	flag.Parse()

	logger := logging.Init(logging.Config{
		Level:  firstNonEmpty(*logLevel, os.Getenv("DRIFTCAST_LOG_LEVEL")),
		Format: firstNonEmpty(*logFormat, os.Getenv("DRIFTCAST_LOG_FORMAT")),
	})
	recorder := metrics.Default()

	secret := firstNonEmpty(*streamKeySecret, os.Getenv("DRIFTCAST_STREAM_KEY_SECRET"))
	if secret == "" {
		logger.Error("stream key secret is required (set -stream-key-secret or DRIFTCAST_STREAM_KEY_SECRET)")
		os.Exit(1)
	}
	digester := streamkey.NewDigester(secret)

	dataPath := firstNonEmpty(*dataDir, os.Getenv("DRIFTCAST_DATA_DIR"), "data")
	if err := os.MkdirAll(dataPath, 0o755); err != nil {
		logger.Error("failed to create data directory", "dir", dataPath, "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repo, closeRepo, err := buildRepository(ctx, repositoryOptions{
		driver:          firstNonEmpty(*storageDriver, os.Getenv("DRIFTCAST_STORAGE_DRIVER"), "memory"),
		snapshotPath:    firstNonEmpty(*snapshotPath, os.Getenv("DRIFTCAST_SNAPSHOT")),
		dsn:             firstNonEmpty(*postgresDSN, os.Getenv("DRIFTCAST_POSTGRES_DSN")),
		maxConns:        resolveInt(*postgresMaxConns, "DRIFTCAST_POSTGRES_MAX_CONNS"),
		minConns:        resolveInt(*postgresMinConns, "DRIFTCAST_POSTGRES_MIN_CONNS"),
		maxConnLifetime: *postgresMaxConnLifetime,
		maxConnIdle:     *postgresMaxConnIdle,
		healthInterval:  *postgresHealthInterval,
		connectTimeout:  *postgresConnectTimeout,
		appName:         firstNonEmpty(*postgresAppName, os.Getenv("DRIFTCAST_POSTGRES_APP_NAME"), "driftcast"),
		digester:        digester,
	})
	if err != nil {
		logger.Error("failed to initialise datastore", "error", err)
		os.Exit(1)
	}

	queue, closeQueue, err := buildQueue(queueOptions{
		driver:     firstNonEmpty(*queueDriver, os.Getenv("DRIFTCAST_QUEUE_DRIVER"), "memory"),
		addr:       firstNonEmpty(*queueRedisAddr, os.Getenv("DRIFTCAST_QUEUE_REDIS_ADDR")),
		addrs:      splitList(firstNonEmpty(*queueRedisAddrs, os.Getenv("DRIFTCAST_QUEUE_REDIS_ADDRS"))),
		username:   firstNonEmpty(*queueRedisUsername, os.Getenv("DRIFTCAST_QUEUE_REDIS_USERNAME")),
		password:   firstNonEmpty(*queueRedisPassword, os.Getenv("DRIFTCAST_QUEUE_REDIS_PASSWORD")),
		stream:     firstNonEmpty(*queueRedisStream, os.Getenv("DRIFTCAST_QUEUE_REDIS_STREAM")),
		group:      firstNonEmpty(*queueRedisGroup, os.Getenv("DRIFTCAST_QUEUE_REDIS_GROUP")),
		masterName: firstNonEmpty(*queueRedisMasterName, os.Getenv("DRIFTCAST_QUEUE_REDIS_SENTINEL_MASTER")),
		poolSize:   resolveInt(*queueRedisPoolSize, "DRIFTCAST_QUEUE_REDIS_POOL_SIZE"),
		tls: jobs.RedisTLSConfig{
			CAFile:             *queueRedisTLSCA,
			CertFile:           *queueRedisTLSCert,
			KeyFile:            *queueRedisTLSKey,
			ServerName:         *queueRedisTLSServerName,
			InsecureSkipVerify: *queueRedisTLSSkipVerify,
		},
		logger: logging.WithComponent(logger, "queue"),
	})
	if err != nil {
		logger.Error("failed to initialise ending queue", "error", err)
		os.Exit(1)
	}

	dispatcher := jobs.NewDispatcher(queue, repo, *endingDelay, logging.WithComponent(logger, "ending"))
	handler := jobs.NewHandler(jobs.HandlerConfig{
		Repo:    repo,
		DataDir: dataPath,
		Logger:  logging.WithComponent(logger, "ending"),
	})
	worker := jobs.NewWorker(queue, handler, recorder, logging.WithComponent(logger, "ending"))

	server, err := transport.NewServer(transport.ServerConfig{
		Addr: firstNonEmpty(*ingestAddr, os.Getenv("DRIFTCAST_INGEST_ADDR"), ":1935"),
		TLS: transport.TLSConfig{
			Addr:     firstNonEmpty(*ingestTLSAddr, os.Getenv("DRIFTCAST_INGEST_TLS_ADDR")),
			CertFile: firstNonEmpty(*ingestTLSCert, os.Getenv("DRIFTCAST_INGEST_TLS_CERT")),
			KeyFile:  firstNonEmpty(*ingestTLSKey, os.Getenv("DRIFTCAST_INGEST_TLS_KEY")),
		},
		Protocol: transport.TextProtocol{},
		Logger:   logging.WithComponent(logger, "transport"),
	})
	if err != nil {
		logger.Error("failed to initialise ingest server", "error", err)
		os.Exit(1)
	}

	ladderResolutions, err := parseResolutions(firstNonEmpty(*resolutions, os.Getenv("DRIFTCAST_RESOLUTIONS")))
	if err != nil {
		logger.Error("invalid resolutions", "error", err)
		os.Exit(1)
	}
	orchestrator, err := live.NewOrchestrator(live.Config{
		BasePath:         firstNonEmpty(*basePath, os.Getenv("DRIFTCAST_BASE_PATH")),
		DataDir:          dataPath,
		MaxInstanceLives: resolveInt(*maxInstanceLives, "DRIFTCAST_MAX_INSTANCE_LIVES"),
		MaxUserLives:     resolveInt(*maxUserLives, "DRIFTCAST_MAX_USER_LIVES"),
		MaxDuration:      *maxDuration,
		Ladder: live.LadderConfig{
			TranscodingEnabled:      *transcodingEnabled,
			EnabledResolutions:      ladderResolutions,
			AlwaysTranscodeOriginal: *alwaysTranscodeOriginal,
		},
		AllowReplay:           *allowReplay,
		FFmpegPath:            firstNonEmpty(*ffmpegPath, os.Getenv("DRIFTCAST_FFMPEG")),
		FFProbePath:           firstNonEmpty(*ffprobePath, os.Getenv("DRIFTCAST_FFPROBE")),
		FederateDelaySegments: *federateDelaySegments,
		EndingJobDelay:        *endingDelay,
		DisconnectGrace:       *disconnectGrace,
	}, live.Deps{
		Repo:       repo,
		Digester:   digester,
		Transport:  server,
		Dispatcher: dispatcher,
		Metrics:    recorder,
		Logger:     logging.WithComponent(logger, "live"),
	})
	if err != nil {
		logger.Error("failed to initialise orchestrator", "error", err)
		os.Exit(1)
	}
	server.SetHandler(orchestrator)

	if err := orchestrator.Start(ctx); err != nil {
		logger.Error("orchestrator start failed", "error", err)
		os.Exit(1)
	}
	if err := orchestrator.RecoverOrphans(ctx); err != nil {
		logger.Error("crash recovery failed", "error", err)
		os.Exit(1)
	}
	if err := server.Start(); err != nil {
		logger.Error("ingest server start failed", "error", err)
		os.Exit(1)
	}
	go worker.Run(ctx)

	admin := startAdminServer(firstNonEmpty(*adminAddr, os.Getenv("DRIFTCAST_ADMIN_ADDR"), ":9090"), repo, logger)

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Close(shutdownCtx); err != nil {
		logger.Warn("ingest server shutdown incomplete", "error", err)
	}
	if err := orchestrator.Stop(shutdownCtx); err != nil {
		logger.Warn("orchestrator shutdown incomplete", "error", err)
	}
	if admin != nil {
		if err := admin.Shutdown(shutdownCtx); err != nil {
			logger.Warn("admin server shutdown incomplete", "error", err)
		}
	}
	if closeQueue != nil {
		if err := closeQueue(); err != nil {
			logger.Warn("queue close failed", "error", err)
		}
	}
	if closeRepo != nil {
		if err := closeRepo(shutdownCtx); err != nil {
			logger.Warn("datastore close failed", "error", err)
		}
	}
	logger.Info("shutdown complete")
}

type repositoryOptions struct {
	driver          string
	snapshotPath    string
	dsn             string
	maxConns        int
	minConns        int
	maxConnLifetime time.Duration
	maxConnIdle     time.Duration
	healthInterval  time.Duration
	connectTimeout  time.Duration
	appName         string
	digester        streamkey.Digester
}

func buildRepository(ctx context.Context, opts repositoryOptions) (storage.Repository, func(context.Context) error, error) {
	switch strings.ToLower(opts.driver) {
	case "memory":
		memOpts := []storage.MemoryOption{storage.WithDigester(opts.digester)}
		if opts.snapshotPath != "" {
			memOpts = append(memOpts, storage.WithSnapshotPath(opts.snapshotPath))
		}
		repo, err := storage.NewMemory(memOpts...)
		if err != nil {
			return nil, nil, err
		}
		return repo, nil, nil
	case "postgres":
		if opts.dsn == "" {
			return nil, nil, errors.New("postgres driver requires -postgres-dsn or DRIFTCAST_POSTGRES_DSN")
		}
		repo, err := storage.NewPostgres(ctx, storage.PostgresConfig{
			DSN:                 opts.dsn,
			MaxConnections:      int32(opts.maxConns),
			MinConnections:      int32(opts.minConns),
			MaxConnLifetime:     opts.maxConnLifetime,
			MaxConnIdleTime:     opts.maxConnIdle,
			HealthCheckInterval: opts.healthInterval,
			ConnectTimeout:      opts.connectTimeout,
			ApplicationName:     opts.appName,
			Digester:            opts.digester,
		})
		if err != nil {
			return nil, nil, err
		}
		if closer, ok := repo.(interface{ Close(context.Context) error }); ok {
			return repo, closer.Close, nil
		}
		return repo, nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage driver %q", opts.driver)
	}
}

type queueOptions struct {
	driver     string
	addr       string
	addrs      []string
	username   string
	password   string
	stream     string
	group      string
	masterName string
	poolSize   int
	tls        jobs.RedisTLSConfig
	logger     *slog.Logger
}

func buildQueue(opts queueOptions) (jobs.Queue, func() error, error) {
	switch strings.ToLower(opts.driver) {
	case "memory":
		return jobs.NewMemoryQueue(0), nil, nil
	case "redis":
		queue, err := jobs.NewRedisQueue(jobs.RedisQueueConfig{
			Addr:       opts.addr,
			Addrs:      opts.addrs,
			Username:   opts.username,
			Password:   opts.password,
			Stream:     opts.stream,
			Group:      opts.group,
			MasterName: opts.masterName,
			PoolSize:   opts.poolSize,
			TLS:        opts.tls,
			Logger:     opts.logger,
		})
		if err != nil {
			return nil, nil, err
		}
		closer, _ := queue.(interface{ Close() error })
		if closer != nil {
			return queue, closer.Close, nil
		}
		return queue, nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown queue driver %q", opts.driver)
	}
}

func startAdminServer(addr string, repo storage.Repository, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := repo.Ping(ctx); err != nil {
			http.Error(w, "datastore unavailable", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintln(w, `{"status":"ok"}`)
	})
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		logger.Info("admin server started", "addr", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("admin server failed", "error", err)
		}
	}()
	return server
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func resolveInt(flagValue int, envKey string) int {
	if flagValue != 0 {
		return flagValue
	}
	if raw := strings.TrimSpace(os.Getenv(envKey)); raw != "" {
		if value, err := strconv.Atoi(raw); err == nil {
			return value
		}
	}
	return 0
}

func splitList(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func parseResolutions(value string) ([]int, error) {
	if value == "" {
		return nil, nil
	}
	parts := strings.Split(value, ",")
	out := make([]int, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		height, err := strconv.Atoi(trimmed)
		if err != nil || height < 0 {
			return nil, fmt.Errorf("invalid resolution %q", part)
		}
		out = append(out, height)
	}
	return out, nil
}
