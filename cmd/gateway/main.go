package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"ebitools-gateway/internal/cache"
	"ebitools-gateway/internal/ebi"
	"ebitools-gateway/internal/handlers"
	"ebitools-gateway/internal/httpserver"
	"ebitools-gateway/internal/metrics"
	"ebitools-gateway/internal/poller"
	"ebitools-gateway/internal/query"
	"ebitools-gateway/pkg/logging/logging"
)

type Config struct {
	Port         string
	Email        string
	EBIBaseURL   string
	CacheBackend string // "disk", "memory", "redis" or "s3"
	CacheDir     string
	CachePrefix  string
	RedisAddr    string
	S3Bucket     string

	Poller     poller.Config
	JobTimeout time.Duration
}

func LoadConfig() (Config, error) {
	cfg := Config{
		Port:         getenv("PORT", "8080"),
		Email:        os.Getenv("EBI_EMAIL"),
		EBIBaseURL:   getenv("EBI_BASE_URL", ebi.DefaultBaseURL),
		CacheBackend: getenv("CACHE_BACKEND", "disk"),
		CacheDir:     getenv("CACHE_DIR", cache.DefaultDir),
		CachePrefix:  getenv("CACHE_PREFIX", cache.DefaultRedisPrefix),
		RedisAddr:    getenv("REDIS_ADDR", "127.0.0.1:6379"),
		S3Bucket:     os.Getenv("CACHE_S3_BUCKET"),
	}

	var err error
	if cfg.Poller.AttemptsThreshold, err = getenvInt("POLL_ATTEMPTS_THRESHOLD", poller.DefaultAttemptsThreshold); err != nil {
		return cfg, err
	}
	if cfg.Poller.BackoffLimit, err = getenvDuration("POLL_BACKOFF_LIMIT", poller.DefaultBackoffLimit); err != nil {
		return cfg, err
	}
	if cfg.JobTimeout, err = getenvDuration("JOB_TIMEOUT", httpserver.DefaultJobTimeout); err != nil {
		return cfg, err
	}
	if cfg.Email == "" {
		return cfg, errors.New("EBI_EMAIL is required")
	}
	return cfg, nil
}

func main() {
	if err := run(); err != nil {
		log.Fatalf("gateway exited with error: %v", err)
	}
}

func run() error {
	// ----- Logger -----
	logger := logging.DefaultLogger()
	defer logger.Sync()

	// ----- Metrics -----
	metrics.Register()
	latency := metrics.NewLatencyTracker(0.01)

	// ----- Config -----
	cfg, err := LoadConfig()
	if err != nil {
		return err
	}

	logger.Info("loaded config",
		zap.String("port", cfg.Port),
		zap.String("ebi_base_url", cfg.EBIBaseURL),
		zap.String("cache_backend", cfg.CacheBackend),
		zap.Int("poll_attempts_threshold", cfg.Poller.AttemptsThreshold),
		zap.Duration("poll_backoff_limit", cfg.Poller.BackoffLimit),
	)

	ctx := context.Background()

	// ----- Redis client (only if needed) -----
	var redisClient *redis.Client
	if cfg.CacheBackend == "redis" {
		redisClient = redis.NewClient(&redis.Options{
			Addr: cfg.RedisAddr,
		})
		defer redisClient.Close()

		// Fail fast if Redis is misconfigured
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Error("redis connection failed", zap.Error(err))
			return err
		}
		logger.Info("redis connection established", zap.String("addr", cfg.RedisAddr))
	}

	// ----- S3 client (only if needed) -----
	var s3Client cache.S3API
	if cfg.CacheBackend == "s3" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return fmt.Errorf("load aws config: %w", err)
		}
		s3Client = s3.NewFromConfig(awsCfg)
	}

	// ----- Cache -----
	backend, err := cache.NewBackend(cache.Config{
		Backend:     cfg.CacheBackend,
		Dir:         cfg.CacheDir,
		RedisPrefix: cfg.CachePrefix,
		S3Bucket:    cfg.S3Bucket,
		S3Prefix:    cfg.CachePrefix,
	}, redisClient, s3Client, logger)
	if err != nil {
		return err
	}
	store := cache.NewStore(backend, logger, cache.WithLatencyTracker(latency))
	defer store.Close()

	// ----- EBI client -----
	client, err := ebi.NewClient(ebi.Config{BaseURL: cfg.EBIBaseURL}, logger)
	if err != nil {
		return err
	}

	svc, err := query.New(query.Config{
		Email:  cfg.Email,
		Poller: cfg.Poller,
	}, client, store, logger, query.WithLatencyTracker(latency))
	if err != nil {
		return err
	}

	// ----- Router + middleware -----
	r := chi.NewRouter()
	httpserver.SetupRouter(r, logger, handlers.NewJobsHandler(svc), httpserver.Options{
		JobTimeout: cfg.JobTimeout,
		Latency:    latency,
	})

	// ----- HTTP server -----
	// No WriteTimeout: job routes answer only once polling is over and
	// carry their own deadline.
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	logger.Info("starting gateway",
		zap.String("addr", srv.Addr),
		zap.String("cache_backend", cfg.CacheBackend),
	)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", zap.Error(err))
		}
	}()

	// ----- Graceful shutdown -----
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	<-stop
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
		return err
	}

	for _, s := range latency.Snapshot() {
		logger.Info("latency", zap.String("stats", s.String()))
	}
	logger.Info("server shutdown complete")
	return nil
}

// getenv returns the value of the environment variable key or def if not set.
func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getenvDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
