package semcache

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// RedisBackend stores each record as a hash {data, hits} under
// <prefix><fingerprint hex>. hits is updated with HINCRBY so concurrent
// routers sharing one Redis never lose an increment.
type RedisBackend struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisBackend wraps an existing client. prefix defaults to "tagrouter:cache:".
func NewRedisBackend(client redis.UniversalClient, prefix string) *RedisBackend {
	if prefix == "" {
		prefix = "tagrouter:cache:"
	}
	return &RedisBackend{client: client, prefix: prefix}
}

func (b *RedisBackend) key(fp uint64) string {
	return b.prefix + strconv.FormatUint(fp, 16)
}

func (b *RedisBackend) Set(ctx context.Context, rec Record, ttl time.Duration) error {
	hits := rec.Hits
	rec.Hits = 0
	data, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "redis cache backend: marshal record")
	}
	k := b.key(rec.Fingerprint)
	pipe := b.client.TxPipeline()
	pipe.Del(ctx, k)
	pipe.HSet(ctx, k, "data", data, "hits", hits)
	if ttl > 0 {
		pipe.Expire(ctx, k, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrap(err, "redis cache backend: set")
	}
	return nil
}

func (b *RedisBackend) Get(ctx context.Context, fp uint64) (Record, bool, error) {
	return b.load(ctx, b.key(fp))
}

func (b *RedisBackend) load(ctx context.Context, k string) (Record, bool, error) {
	m, err := b.client.HGetAll(ctx, k).Result()
	if err != nil {
		return Record{}, false, errors.Wrap(err, "redis cache backend: get")
	}
	raw, ok := m["data"]
	if !ok {
		return Record{}, false, nil
	}
	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return Record{}, false, errors.Wrap(err, "redis cache backend: decode record")
	}
	if h, ok := m["hits"]; ok {
		n, err := strconv.ParseInt(h, 10, 64)
		if err != nil {
			return Record{}, false, errors.Wrap(err, "redis cache backend: decode hits")
		}
		rec.Hits = n
	}
	return rec, true, nil
}

func (b *RedisBackend) Delete(ctx context.Context, fp uint64) error {
	return errors.Wrap(b.client.Del(ctx, b.key(fp)).Err(), "redis cache backend: delete")
}

func (b *RedisBackend) IncrHits(ctx context.Context, fp uint64) error {
	k := b.key(fp)
	// Only bump keys that still exist so a racing delete is not resurrected.
	n, err := b.client.Exists(ctx, k).Result()
	if err != nil {
		return errors.Wrap(err, "redis cache backend: exists")
	}
	if n == 0 {
		return nil
	}
	return errors.Wrap(b.client.HIncrBy(ctx, k, "hits", 1).Err(), "redis cache backend: incr hits")
}

func (b *RedisBackend) Scan(ctx context.Context, fn func(Record) error) error {
	iter := b.client.Scan(ctx, 0, b.prefix+"*", 200).Iterator()
	for iter.Next(ctx) {
		k := iter.Val()
		if !strings.HasPrefix(k, b.prefix) {
			continue
		}
		rec, ok, err := b.load(ctx, k)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	if err := iter.Err(); err != nil {
		return errors.Wrap(err, "redis cache backend: scan")
	}
	return nil
}

// OpenRedis parses a redis:// URL and pings the server.
func OpenRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, errors.Wrap(err, "redis ping")
	}
	return client, nil
}
