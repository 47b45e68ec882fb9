package cache

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces keys when none is configured.
const DefaultRedisPrefix = "ebitools"

const redisScanCount = 500

// RedisBackend stores entries as two plain keys:
//
//	<prefix>:<tool>:<hash>       payload
//	<prefix>:<tool>:<hash>.meta  JSON Metadata
//
// Both are written with a single MSET so readers never see half an entry.
// Entries carry no TTL.
type RedisBackend struct {
	client *redis.Client
	prefix string
}

var _ Backend = (*RedisBackend)(nil)

type RedisConfig struct {
	Prefix string
}

func NewRedisBackend(client *redis.Client, config RedisConfig) *RedisBackend {
	prefix := config.Prefix
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisBackend{
		client: client,
		prefix: prefix,
	}
}

func (c *RedisBackend) key(fp Fingerprint) string {
	return c.prefix + ":" + fp.String()
}

func (c *RedisBackend) metaKey(fp Fingerprint) string {
	return c.key(fp) + metaSuffix
}

// Get returns (nil, false, err) on Redis errors so the store can log and
// treat them as a miss.
func (c *RedisBackend) Get(ctx context.Context, fp Fingerprint) (*Entry, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, fmt.Errorf("context error: %w", err)
	}
	if err := fp.Validate(); err != nil {
		return nil, false, err
	}

	vals, err := c.client.MGet(ctx, c.key(fp), c.metaKey(fp)).Result()
	if err != nil {
		return nil, false, fmt.Errorf("redis mget failed: %w", err)
	}
	if len(vals) != 2 || vals[0] == nil {
		return nil, false, nil
	}

	payload, ok := vals[0].(string)
	if !ok {
		return nil, false, fmt.Errorf("%w: unexpected payload type %T", errCorruptEntry, vals[0])
	}
	rawMeta, ok := vals[1].(string)
	if !ok {
		return nil, false, fmt.Errorf("%w: payload without metadata", errCorruptEntry)
	}
	meta, err := decodeMetadata([]byte(rawMeta))
	if err != nil {
		return nil, false, err
	}

	return &Entry{Fingerprint: fp, Payload: []byte(payload), Meta: meta}, true, nil
}

func (c *RedisBackend) Put(ctx context.Context, e *Entry) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context error: %w", err)
	}
	if err := e.Fingerprint.Validate(); err != nil {
		return err
	}
	meta, err := encodeMetadata(e.Meta)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}

	if err := c.client.MSet(ctx,
		c.key(e.Fingerprint), e.Payload,
		c.metaKey(e.Fingerprint), meta,
	).Err(); err != nil {
		return fmt.Errorf("redis mset failed: %w", err)
	}
	return nil
}

func (c *RedisBackend) Delete(ctx context.Context, fp Fingerprint) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context error: %w", err)
	}
	if err := fp.Validate(); err != nil {
		return err
	}
	if err := c.client.Del(ctx, c.key(fp), c.metaKey(fp)).Err(); err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}
	return nil
}

// Clear deletes every key under the prefix. Keys of other applications
// sharing the database are left alone.
func (c *RedisBackend) Clear(ctx context.Context) error {
	var cursor uint64
	for {
		keys, next, err := c.client.Scan(ctx, cursor, c.prefix+":*", redisScanCount).Result()
		if err != nil {
			return fmt.Errorf("redis scan failed: %w", err)
		}
		if len(keys) > 0 {
			if err := c.client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("redis del failed: %w", err)
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

// Close leaves the client open; it is owned by the caller.
func (c *RedisBackend) Close() error { return nil }

// Ping checks if Redis connection is healthy.
func (c *RedisBackend) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context error: %w", err)
	}
	if err := c.client.Ping(ctx).Err(); err != nil {
		return errors.Join(errors.New("redis ping failed"), err)
	}
	return nil
}
