package delegation

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/agentflow-io/agentflow/core"
)

const (
	traceKeyPrefix = "agentflow:delegation:trace:"
	traceIndexKey  = "agentflow:delegation:traces"

	// Traces above this size are gzip-compressed before writing.
	traceCompressionThreshold = 100 * 1024
)

// RedisTraceStore persists delegation traces in Redis with a
// timestamp-scored index for recency listing. Traces expire after the
// configured TTL; the index is cleaned lazily on read.
type RedisTraceStore struct {
	client *redis.Client
	ttl    time.Duration
	logger core.Logger
}

// RedisTraceOption configures a RedisTraceStore.
type RedisTraceOption func(*RedisTraceStore)

// WithTraceTTL sets how long traces are retained. Zero keeps them
// until evicted by Redis policy.
func WithTraceTTL(ttl time.Duration) RedisTraceOption {
	return func(s *RedisTraceStore) { s.ttl = ttl }
}

// WithTraceLogger sets the store's logger.
func WithTraceLogger(logger core.Logger) RedisTraceOption {
	return func(s *RedisTraceStore) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewRedisTraceStore connects to Redis and verifies the connection.
// redisURL accepts both redis:// URLs and plain host:port addresses.
func NewRedisTraceStore(redisURL string, opts ...RedisTraceOption) (*RedisTraceStore, error) {
	redisOpts, err := redis.ParseURL(redisURL)
	if err != nil {
		// Plain address form, e.g. "localhost:6379".
		redisOpts = &redis.Options{Addr: redisURL}
	}

	client := redis.NewClient(redisOpts)

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("trace store: %w: cannot reach redis at %s (is it running?): %v",
			core.ErrConnectionFailed, redisOpts.Addr, err)
	}

	s := &RedisTraceStore{
		client: client,
		ttl:    7 * 24 * time.Hour,
		logger: &core.NoOpLogger{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *RedisTraceStore) Save(ctx context.Context, trace *Trace) error {
	if trace == nil || trace.RequestID == "" {
		return fmt.Errorf("trace store: %w: trace needs a request ID", core.ErrInvalidConfiguration)
	}

	payload, err := serializeTrace(trace)
	if err != nil {
		return fmt.Errorf("trace store: serialize %s: %w", trace.RequestID, err)
	}

	key := traceKeyPrefix + trace.RequestID
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, key, payload, s.ttl)
	pipe.ZAdd(ctx, traceIndexKey, &redis.Z{
		Score:  float64(trace.CreatedAt.UnixNano()),
		Member: trace.RequestID,
	})
	if s.ttl > 0 {
		pipe.Expire(ctx, traceIndexKey, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("trace store: save %s: %w", trace.RequestID, err)
	}
	return nil
}

func (s *RedisTraceStore) Get(ctx context.Context, requestID string) (*Trace, error) {
	payload, err := s.client.Get(ctx, traceKeyPrefix+requestID).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("trace store: %w: %s", core.ErrTraceNotFound, requestID)
	}
	if err != nil {
		return nil, fmt.Errorf("trace store: get %s: %w", requestID, err)
	}
	return deserializeTrace(payload)
}

// ListRecent returns up to limit request IDs, newest first. Index
// entries whose trace has expired are removed as they are found.
func (s *RedisTraceStore) ListRecent(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 50
	}
	ids, err := s.client.ZRevRange(ctx, traceIndexKey, 0, int64(limit)-1).Result()
	if err != nil {
		return nil, fmt.Errorf("trace store: list: %w", err)
	}

	alive := make([]string, 0, len(ids))
	for _, id := range ids {
		exists, err := s.client.Exists(ctx, traceKeyPrefix+id).Result()
		if err != nil {
			return nil, fmt.Errorf("trace store: list: %w", err)
		}
		if exists == 0 {
			s.client.ZRem(ctx, traceIndexKey, id)
			continue
		}
		alive = append(alive, id)
	}
	return alive, nil
}

func (s *RedisTraceStore) Close() error {
	return s.client.Close()
}

// serializeTrace encodes a trace as JSON with a one-byte compression
// flag prefix: 0 for plain, 1 for gzip.
func serializeTrace(trace *Trace) ([]byte, error) {
	raw, err := json.Marshal(trace)
	if err != nil {
		return nil, err
	}
	if len(raw) <= traceCompressionThreshold {
		return append([]byte{0}, raw...), nil
	}

	var buf bytes.Buffer
	buf.WriteByte(1)
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(raw); err != nil {
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func deserializeTrace(payload []byte) (*Trace, error) {
	if len(payload) < 2 {
		return nil, fmt.Errorf("trace payload too short")
	}
	raw := payload[1:]
	if payload[0] == 1 {
		gz, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("decompress trace: %w", err)
		}
		defer gz.Close()
		raw, err = io.ReadAll(gz)
		if err != nil {
			return nil, fmt.Errorf("decompress trace: %w", err)
		}
	}

	var trace Trace
	if err := json.Unmarshal(raw, &trace); err != nil {
		preview := string(raw)
		if len(preview) > 80 {
			preview = preview[:80]
		}
		return nil, fmt.Errorf("decode trace %q: %w", strings.TrimSpace(preview), err)
	}
	return &trace, nil
}
