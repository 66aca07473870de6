package persistence

import (
	"context"
	"errors"
	"strings"

	"github.com/go-redis/redis/v8"
)

// RedisBackend implements Backend over a flat Redis keyspace. It is intended
// for deployments that want shared state across control-plane replicas
// without standing up a relational schema.
type RedisBackend struct {
	client *redis.Client
	prefix string
}

// OpenRedis connects to addr (host:port) and selects db.
func OpenRedis(addr, password string, db int, keyPrefix string) *RedisBackend {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if keyPrefix == "" {
		keyPrefix = "fleetctl:"
	}
	return &RedisBackend{client: client, prefix: keyPrefix}
}

func (r *RedisBackend) fullKey(key string) string {
	return r.prefix + key
}

func (r *RedisBackend) Save(ctx context.Context, key string, data []byte) error {
	return r.client.Set(ctx, r.fullKey(key), data, 0).Err()
}

func (r *RedisBackend) Load(ctx context.Context, key string) ([]byte, error) {
	data, err := r.client.Get(ctx, r.fullKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	return data, err
}

func (r *RedisBackend) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, r.fullKey(key)).Err()
}

func (r *RedisBackend) List(ctx context.Context, prefix string) ([]string, error) {
	pattern := r.fullKey(prefix) + "*"
	var keys []string
	iter := r.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, strings.TrimPrefix(iter.Val(), r.prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return keys, nil
}

func (r *RedisBackend) Close(_ context.Context) error {
	return r.client.Close()
}
