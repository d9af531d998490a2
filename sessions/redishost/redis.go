package redishost

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ggoodman/writeathon-mcp/sessions"
	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"
)

const (
	fieldData = "d"
	fieldEOF  = "eof"
)

// Config for the Redis-backed MessageHost. Defaults can be loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all keys. ENV: SESSIONS_KEY_PREFIX
	KeyPrefix string `env:"SESSIONS_KEY_PREFIX,default=writeathon:sessions:"`
	// MaxLen approximately bounds each session stream. ENV: SESSIONS_STREAM_MAXLEN
	MaxLen int64 `env:"SESSIONS_STREAM_MAXLEN,default=1024"`
	// CleanupTTL is how long a closed stream lingers so remote subscribers
	// can observe the end marker. ENV: SESSIONS_CLEANUP_TTL
	CleanupTTL time.Duration `env:"SESSIONS_CLEANUP_TTL,default=1m"`
}

type Host struct {
	client     *redis.Client
	keyPrefix  string
	maxLen     int64
	cleanupTTL time.Duration
	block      time.Duration
}

var _ sessions.MessageHost = (*Host)(nil)

func New(ctx context.Context, cfg Config) (*Host, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr})
	if err := cl.Ping(ctx).Err(); err != nil {
		_ = cl.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	h := &Host{
		client:     cl,
		keyPrefix:  cfg.KeyPrefix,
		maxLen:     cfg.MaxLen,
		cleanupTTL: cfg.CleanupTTL,
		block:      500 * time.Millisecond,
	}
	if h.keyPrefix == "" {
		h.keyPrefix = "writeathon:sessions:"
	}
	if h.maxLen <= 0 {
		h.maxLen = 1024
	}
	if h.cleanupTTL <= 0 {
		h.cleanupTTL = time.Minute
	}
	return h, nil
}

// NewFromEnv builds a Host using envdecode to populate Config.
func NewFromEnv(ctx context.Context) (*Host, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode redis config: %w", err)
	}
	return New(ctx, cfg)
}

// Close closes the Redis client.
func (h *Host) Close() error { return h.client.Close() }

func (h *Host) streamKey(sessionID string) string { return h.keyPrefix + "stream:" + sessionID }

func (h *Host) PublishSession(ctx context.Context, sessionID string, data []byte) (string, error) {
	id, err := h.client.XAdd(ctx, &redis.XAddArgs{
		Stream: h.streamKey(sessionID),
		MaxLen: h.maxLen,
		Approx: true,
		Values: map[string]any{fieldData: data},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd: %w", err)
	}
	return id, nil
}

func (h *Host) SubscribeSession(ctx context.Context, sessionID string, lastEventID string, handler sessions.MessageHandlerFunction) error {
	key := h.streamKey(sessionID)

	start := lastEventID
	if start == "" {
		// Resolve "$" once so that entries added between two XREAD calls
		// are not skipped.
		last, err := h.client.XRevRangeN(ctx, key, "+", "-", 1).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("xrevrange: %w", err)
		}
		start = "0-0"
		if len(last) > 0 {
			if _, eof := last[0].Values[fieldEOF]; eof {
				return nil
			}
			start = last[0].ID
		}
	} else {
		found, err := h.client.XRangeN(ctx, key, lastEventID, lastEventID, 1).Result()
		if err != nil || len(found) == 0 {
			return fmt.Errorf("resume session %s from %q: %w", sessionID, lastEventID, sessions.ErrEventNotFound)
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		res, err := h.client.XRead(ctx, &redis.XReadArgs{Streams: []string{key, start}, Count: 16, Block: h.block}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("xread: %w", err)
		}
		for _, stream := range res {
			for _, m := range stream.Messages {
				start = m.ID
				if _, eof := m.Values[fieldEOF]; eof {
					return nil
				}
				if err := handler(ctx, m.ID, payload(m.Values[fieldData])); err != nil {
					return err
				}
			}
		}
	}
}

func (h *Host) CleanupSession(ctx context.Context, sessionID string) error {
	c := context.WithoutCancel(ctx)
	key := h.streamKey(sessionID)

	pipe := h.client.TxPipeline()
	pipe.XAdd(c, &redis.XAddArgs{Stream: key, Values: map[string]any{fieldEOF: "1"}})
	pipe.Expire(c, key, h.cleanupTTL)
	if _, err := pipe.Exec(c); err != nil {
		return fmt.Errorf("cleanup session %s: %w", sessionID, err)
	}
	return nil
}

func payload(v any) []byte {
	switch p := v.(type) {
	case string:
		return []byte(p)
	case []byte:
		return p
	default:
		return []byte(fmt.Sprintf("%v", p))
	}
}
