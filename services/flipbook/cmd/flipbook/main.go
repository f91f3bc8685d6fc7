package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"crmflipbook/internal/collabtoken"
	"crmflipbook/internal/ratelimit"
	"crmflipbook/internal/util"
	"crmflipbook/pkg/queue"
	"crmflipbook/pkg/storage"
	"crmflipbook/pkg/store"
	"crmflipbook/services/flipbook/internal/app"
	"crmflipbook/services/flipbook/internal/config"
	"crmflipbook/services/flipbook/internal/server"
)

const (
	serviceIssuer  = "flipbook"
	rendererIssuer = "renderer"
)

func main() {
	configPath := os.Getenv("FLIPBOOK_CONFIG")
	if configPath == "" {
		configPath = config.ConfigPath
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger := util.InitLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("flipbook service stopped", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.FileConfig, logger *slog.Logger) error {
	st, err := store.Open(cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer st.Close()

	objects, err := newObjectStore(cfg)
	if err != nil {
		return fmt.Errorf("init object store: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	defer rdb.Close()
	jobs, err := queue.NewRedisJobQueueWithClient(rdb, queue.RedisQueueConfig{
		Stream:     cfg.QueueName,
		Group:      cfg.QueueGroup,
		MaxRetries: cfg.QueueMaxRetries,
		RetryDelay: time.Duration(cfg.QueueRetryDelaySeconds) * time.Second,
	})
	if err != nil {
		return fmt.Errorf("init queue: %w", err)
	}
	limiter, err := ratelimit.NewFixedWindowLimiter(rdb, ratelimit.Options{
		Prefix:   "flipbook:events",
		Limit:    cfg.AnalyticsRateLimit,
		Window:   time.Duration(cfg.AnalyticsRateWindowSeconds) * time.Second,
		FailOpen: true,
	})
	if err != nil {
		return fmt.Errorf("init rate limiter: %w", err)
	}

	policy, _ := app.ParseDeletePolicy(cfg.AnnotationDeletePolicy)
	appCore, err := app.New(app.Config{
		Store:           st,
		Objects:         objects,
		Publisher:       jobs,
		StrictPageOrder: cfg.StrictPageOrder,
		DeletePolicy:    policy,
		EventBatchSize:  cfg.EventBatchSize,
		PresignExpiry:   time.Duration(cfg.PresignExpirySeconds) * time.Second,
	})
	if err != nil {
		return fmt.Errorf("init app: %w", err)
	}

	signer, err := collabtoken.NewSigner(cfg.InternalTokenSecret, serviceIssuer, 0)
	if err != nil {
		return fmt.Errorf("init token signer: %w", err)
	}
	renderer, err := app.NewHTTPRenderer(cfg.RendererURL, signer, 0)
	if err != nil {
		return fmt.Errorf("init renderer client: %w", err)
	}
	pipeline, err := app.NewPipeline(appCore, renderer, cfg.DerivationConcurrency)
	if err != nil {
		return fmt.Errorf("init pipeline: %w", err)
	}

	verifier, err := collabtoken.NewVerifier(cfg.InternalTokenSecret, server.InternalAudience, []string{rendererIssuer})
	if err != nil {
		return fmt.Errorf("init token verifier: %w", err)
	}
	trusted, err := util.NewTrustedProxies(cfg.TrustedProxyCIDRs)
	if err != nil {
		return fmt.Errorf("parse trusted proxies: %w", err)
	}
	httpServer, err := server.New(server.Config{
		App:                appCore,
		Verifier:           verifier,
		Limiter:            limiter,
		TrustedProxies:     trusted,
		MaxUploadBytes:     cfg.MaxUploadBytes,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
	})
	if err != nil {
		return fmt.Errorf("init server: %w", err)
	}

	jobs.Start(ctx, cfg.QueueConcurrency, pipeline.Handle)

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("flipbook server listening", "addr", addr,
			"database", cfg.DatabaseDriver, "objects", cfg.ObjectBackend, "strict_page_order", cfg.StrictPageOrder)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func newObjectStore(cfg config.FileConfig) (storage.ObjectStore, error) {
	switch cfg.ObjectBackend {
	case "s3":
		return storage.NewS3Store(storage.S3Options{
			Endpoint:  cfg.S3Endpoint,
			Region:    cfg.S3Region,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Bucket:    cfg.S3Bucket,
		})
	case "memory":
		return storage.NewMemoryStore(""), nil
	default:
		return storage.NewMinioStore(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
	}
}
