package state

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/goliatone/go-service-command"
	"github.com/redis/go-redis/v9"
)

// RedisClient is the subset of go-redis used by RedisStore.
type RedisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Scan(ctx context.Context, cursor uint64, match string, count int64) *redis.ScanCmd
}

// RedisStore keeps records as JSON strings under <prefix><environment>:<service>.
type RedisStore struct {
	client RedisClient
	prefix string
	now    func() time.Time
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithKeyPrefix overrides the default "svcctl:state:" prefix.
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		s.prefix = prefix
	}
}

func NewRedisStore(client RedisClient, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		client: client,
		prefix: "svcctl:state:",
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *RedisStore) key(env, service string) string {
	return s.prefix + env + ":" + service
}

func (s *RedisStore) Load(ctx context.Context, env, service string) (*command.ResourceState, error) {
	env, service, err := normalizeKey(env, service)
	if err != nil {
		return nil, err
	}
	raw, err := s.client.Get(ctx, s.key(env, service)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, command.NewStateIOError("redis get resource state", err, stateMeta(env, service))
	}
	rec, err := decodeRecord(raw, env, service)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *RedisStore) Save(ctx context.Context, env, service string, rec command.ResourceState) error {
	env, service, err := normalizeKey(env, service)
	if err != nil {
		return err
	}
	if rec.SavedAt.IsZero() {
		rec.SavedAt = s.now().UTC()
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return command.NewStateIOError("encode resource state", err, stateMeta(env, service))
	}
	if err := s.client.Set(ctx, s.key(env, service), raw, 0).Err(); err != nil {
		return command.NewStateIOError("redis set resource state", err, stateMeta(env, service))
	}
	return nil
}

func (s *RedisStore) Clear(ctx context.Context, env, service string) error {
	env, service, err := normalizeKey(env, service)
	if err != nil {
		return err
	}
	if err := s.client.Del(ctx, s.key(env, service)).Err(); err != nil {
		return command.NewStateIOError("redis delete resource state", err, stateMeta(env, service))
	}
	return nil
}

func (s *RedisStore) List(ctx context.Context, env string) ([]Entry, error) {
	match := s.prefix + env + ":*"
	var (
		cursor uint64
		keys   []string
	)
	for {
		batch, next, err := s.client.Scan(ctx, cursor, match, 100).Result()
		if err != nil {
			return nil, command.NewStateIOError("redis scan resource state", err, map[string]any{"environment": env})
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			break
		}
	}

	out := make([]Entry, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		service := strings.TrimPrefix(key, s.prefix+env+":")
		if _, dup := seen[service]; dup {
			continue
		}
		seen[service] = struct{}{}
		raw, err := s.client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, command.NewStateIOError("redis get resource state", err, stateMeta(env, service))
		}
		rec, err := decodeRecord(raw, env, service)
		if err != nil {
			out = append(out, Entry{Environment: env, Service: service, Err: err})
			continue
		}
		out = append(out, Entry{Environment: env, Service: service, State: rec})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Service < out[j].Service })
	return out, nil
}
