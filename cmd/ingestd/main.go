package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/heimdex/heimdex-ingest/internal/analysis"
	"github.com/heimdex/heimdex-ingest/internal/api"
	"github.com/heimdex/heimdex-ingest/internal/catalog"
	"github.com/heimdex/heimdex-ingest/internal/config"
	"github.com/heimdex/heimdex-ingest/internal/db"
	"github.com/heimdex/heimdex-ingest/internal/inference"
	"github.com/heimdex/heimdex-ingest/internal/logging"
	"github.com/heimdex/heimdex-ingest/internal/media"
	"github.com/heimdex/heimdex-ingest/internal/objectstore"
	"github.com/heimdex/heimdex-ingest/internal/uploads"
)

const (
	devTokenTTL       = 24 * time.Hour
	readinessInterval = 30 * time.Second
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("fatal error: %v", err)
	}
}

func run() error {
	startTime := time.Now()

	// A missing .env is normal outside local development.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to load .env: %w", err)
	}

	cfg, err := config.New()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := os.MkdirAll(cfg.DataDir(), 0755); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}
	if err := os.MkdirAll(cfg.WorkDir(), 0755); err != nil {
		return fmt.Errorf("failed to create work dir: %w", err)
	}

	logger := logging.NewLogger(cfg.LogLevel())
	logger.Info("starting heimdex ingest", "version", config.Version, "data_dir", cfg.DataDir())

	database, err := db.New(cfg.DBPath(), logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer database.Close()

	repo := catalog.NewRepository(database.Conn())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	secret, generated, err := ensureJWTSecret(ctx, repo, cfg.JWTSecret())
	if err != nil {
		return fmt.Errorf("failed to ensure jwt secret: %w", err)
	}
	auth := api.NewTokenAuthority(secret)

	store, objects, err := newStore(ctx, cfg, logger)
	if err != nil {
		return err
	}

	lock, closeLock, err := newRunLock(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeLock()

	audio := inference.NewAudioClient(cfg.AudioURL(), logging.WithComponent(logger, "inference"))
	visual := inference.NewVisualClient(cfg.VisualURL(), logging.WithComponent(logger, "inference"))
	readiness := inference.NewCachedReadiness(audio, visual, logging.WithComponent(logger, "inference"))

	analysisLogger := logging.WithComponent(logger, "analysis")
	transcoder := media.NewFFmpeg(media.NewExecRunner(logger), media.FFmpegConfig{
		FFmpegPath:     cfg.FFmpegPath(),
		FFprobePath:    cfg.FFprobePath(),
		PrimaryEncoder: cfg.PrimaryEncoder(),
	}, analysisLogger)
	worker := analysis.NewWorker(audio, visual, repo,
		inference.AudioRetryPolicy(cfg.AudioTimeout()),
		inference.VisualRetryPolicy(cfg.VisualTimeout()),
		analysisLogger)

	opts := analysis.DefaultOptions(cfg.WorkDir())
	opts.SegmentLength = cfg.SegmentLength()
	opts.BatchSize = cfg.BatchSize()
	orchestrator := analysis.NewOrchestrator(repo, store, transcoder, worker, lock, opts, analysisLogger)

	runner := catalog.NewRunner(repo, logging.WithComponent(logger, "runner"), cfg.MaxConcurrentRuns())
	analysisSvc := analysis.NewService(repo, orchestrator, runner, analysisLogger)
	runner.Register(catalog.JobTypeAnalyze, analysisSvc)
	go readiness.Gate(ctx, runner, readinessInterval)

	runnerDone := make(chan struct{})
	go func() {
		defer close(runnerDone)
		runner.Start(ctx)
	}()

	uploadLogger := logging.WithComponent(logger, "uploads")
	manager := uploads.NewManager(repo, store, uploadLogger, cfg.MaxUploadBytes())
	assembler := uploads.NewAssembler(repo, store, analysisSvc, uploadLogger)

	apiServer := api.NewServer(api.ServerConfig{
		Host:      cfg.Host(),
		Port:      cfg.Port(),
		Catalog:   catalog.NewService(repo, logger),
		Uploads:   manager,
		Finalizer: assembler,
		Analysis:  analysisSvc,
		Auth:      auth,
		Readiness: readiness,
		Store:     store,
		Objects:   objects,
		Logger:    logging.WithComponent(logger, "api"),
		StartTime: startTime,
		Version:   config.Version,
	})

	printBanner(cfg, auth, generated, logger)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- apiServer.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig)
	case err := <-serverErr:
		if err != nil {
			logger.Error("HTTP server error", "error", err)
		}
	}

	logger.Info("initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown HTTP server", "error", err)
	}

	cancel()
	select {
	case <-runnerDone:
	case <-shutdownCtx.Done():
		logger.Warn("timed out waiting for analysis runs")
	}
	assembler.Wait()

	logger.Info("shutdown complete")
	return nil
}

// newStore returns the configured object store and, for the in-memory
// driver, the handler that serves its presigned URLs.
func newStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (objectstore.Store, http.Handler, error) {
	storeLogger := logging.WithComponent(logger, "objectstore")
	switch cfg.StorageDriver() {
	case config.StorageDriverMemory:
		storeLogger.Warn("using in-memory object store; uploads are lost on restart")
		mem := objectstore.NewMemoryStore(publicBaseURL(cfg) + "/objects")
		return mem, mem.Handler(), nil
	default:
		s, err := objectstore.NewMinioStore(ctx, objectstore.MinioConfig{
			Endpoint:  cfg.S3Endpoint(),
			AccessKey: cfg.S3AccessKey(),
			SecretKey: cfg.S3SecretKey(),
			Bucket:    cfg.S3Bucket(),
			Region:    cfg.S3Region(),
			UseSSL:    cfg.S3UseSSL(),
		}, storeLogger)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect object store: %w", err)
		}
		return s, nil, nil
	}
}

func newRunLock(ctx context.Context, cfg config.Config, logger *slog.Logger) (analysis.RunLock, func(), error) {
	if cfg.RedisAddr() == "" {
		logger.Info("no redis configured, using in-process run lock")
		return analysis.NewLocalLock(), func() {}, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr(),
		Password: cfg.RedisPassword(),
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("failed to connect redis at %s: %w", cfg.RedisAddr(), err)
	}
	logger.Info("using redis run lock", "addr", cfg.RedisAddr())
	return analysis.NewRedisLock(client), func() { client.Close() }, nil
}

// ensureJWTSecret prefers the configured secret and otherwise persists a
// generated one so tokens survive restarts.
func ensureJWTSecret(ctx context.Context, repo catalog.Repository, configured string) ([]byte, bool, error) {
	if configured != "" {
		return []byte(configured), false, nil
	}

	existing, err := repo.GetConfig(ctx, "jwt_secret")
	if err == nil && existing != "" {
		return []byte(existing), true, nil
	}

	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return nil, false, err
	}
	secret := hex.EncodeToString(b)
	if err := repo.SetConfig(ctx, "jwt_secret", secret); err != nil {
		return nil, false, err
	}
	return []byte(secret), true, nil
}

func publicBaseURL(cfg config.Config) string {
	host := cfg.Host()
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(cfg.Port()))
}

func printBanner(cfg config.Config, auth *api.TokenAuthority, devSecret bool, logger *slog.Logger) {
	fmt.Println()
	fmt.Println("╔═══════════════════════════════════════════════════════════╗")
	fmt.Printf("║                 HEIMDEX INGEST v%-26s║\n", config.Version)
	fmt.Println("╠═══════════════════════════════════════════════════════════╣")
	fmt.Printf("║  API URL:    %-45s║\n", publicBaseURL(cfg))
	fmt.Printf("║  Storage:    %-45s║\n", cfg.StorageDriver())
	fmt.Println("╚═══════════════════════════════════════════════════════════╝")

	// Only a locally generated secret gets a printed token; deployments with
	// HEIMDEX_JWT_SECRET mint tokens with their identity provider.
	if devSecret {
		token, err := auth.Mint("local-dev", devTokenTTL)
		if err != nil {
			logger.Warn("failed to mint dev token", "error", err)
		} else {
			fmt.Printf("\n  Dev token (owner local-dev, %s):\n  %s\n", devTokenTTL, token)
		}
	}
	fmt.Println()
}
