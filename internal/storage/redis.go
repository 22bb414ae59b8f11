package storage

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	logx "notifrelay/pkg/logx"
)

const defaultRedisPrefix = "notifrelay:"

type redisStore struct {
	client *redis.Client
	prefix string
	log    logx.Logger
}

func openRedis(ctx context.Context, cfg RedisConfig, log logx.Logger) (KV, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("storage.redis.url is required for redis driver")
	}
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, errors.Join(errors.New("invalid redis url"), err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	client, err := connectRedis(ctx, opts, cfg)
	if err != nil {
		return nil, err
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &redisStore{client: client, prefix: prefix, log: log}, nil
}

// connectRedis pings until the server answers or the attempts run out.
func connectRedis(ctx context.Context, opts *redis.Options, cfg RedisConfig) (*redis.Client, error) {
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	attempts := max(cfg.RetryAttempts, 1)
	interval := cfg.RetryInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var lastErr error
	for range attempts {
		client := redis.NewClient(opts)
		if lastErr = client.Ping(ctx).Err(); lastErr == nil {
			return client, nil
		}
		_ = client.Close()
		select {
		case <-ctx.Done():
			return nil, errors.Join(errors.New("redis not ready"), ctx.Err())
		case <-time.After(interval):
		}
	}
	return nil, errors.Join(errors.New("redis not ready"), lastErr)
}

func (s *redisStore) Put(ctx context.Context, key string, value []byte) error {
	if err := validKey(key); err != nil {
		return err
	}
	return s.client.Set(ctx, s.prefix+key, value, 0).Err()
}

func (s *redisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (s *redisStore) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.prefix+key).Err()
}

func (s *redisStore) Scan(ctx context.Context, prefix string) ([]Entry, error) {
	match := escapeGlob(s.prefix+prefix) + "*"
	var keys []string
	iter := s.client.Scan(ctx, 0, match, 256).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	sort.Strings(keys)
	// SCAN may return a key more than once.
	keys = dedupSorted(keys)

	out := make([]Entry, 0, len(keys))
	for start := 0; start < len(keys); start += 256 {
		batch := keys[start:min(start+256, len(keys))]
		vals, err := s.client.MGet(ctx, batch...).Result()
		if err != nil {
			return nil, err
		}
		for i, v := range vals {
			str, ok := v.(string)
			if !ok {
				// deleted between SCAN and MGET
				continue
			}
			out = append(out, Entry{Key: strings.TrimPrefix(batch[i], s.prefix), Value: []byte(str)})
		}
	}
	return out, nil
}

func (s *redisStore) Close() error { return s.client.Close() }

func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

func dedupSorted(in []string) []string {
	if len(in) < 2 {
		return in
	}
	out := in[:1]
	for _, k := range in[1:] {
		if k != out[len(out)-1] {
			out = append(out, k)
		}
	}
	return out
}
