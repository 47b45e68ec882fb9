package cache

import (
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type Config struct {
	// Backend is one of disk (default), memory, redis or s3.
	Backend     string
	Dir         string
	RedisPrefix string
	S3Bucket    string
	S3Prefix    string
}

// NewBackend builds the configured backend. redisClient and s3Client are
// only consulted for their own backend.
func NewBackend(cfg Config, redisClient *redis.Client, s3Client S3API, logger *zap.Logger) (Backend, error) {
	switch cfg.Backend {
	case "", "disk":
		return NewDiskBackend(cfg.Dir, logger)
	case "memory":
		return NewMemoryBackend(), nil
	case "redis":
		if redisClient == nil {
			return nil, fmt.Errorf("cache backend redis: client is required")
		}
		return NewRedisBackend(redisClient, RedisConfig{
			Prefix: cfg.RedisPrefix,
		}), nil
	case "s3":
		return NewS3Backend(s3Client, S3Config{
			Bucket: cfg.S3Bucket,
			Prefix: cfg.S3Prefix,
		}, logger)
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Backend)
	}
}
