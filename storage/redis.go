package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStorage stores buckets in Redis.
// The bucket names are kept in a set, every bucket is a hash of key to serialized entry
type RedisStorage struct {
	client *redis.Client
	prefix string
}

// RedisStorageConfig holds configuration for the Redis storage
type RedisStorageConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string //Key prefix for all buckets
}

// NewRedisStorage connects to Redis and verifies the connection
func NewRedisStorage(cfg RedisStorageConfig) (*RedisStorage, error) {
	if cfg.Prefix == "" {
		cfg.Prefix = "swcache:"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisStorage{
		client: client,
		prefix: cfg.Prefix,
	}, nil
}

func (storage *RedisStorage) namesKey() string {
	return storage.prefix + "buckets"
}

func (storage *RedisStorage) bucketKey(name string) string {
	return storage.prefix + "bucket:" + name
}

func (storage *RedisStorage) Open(ctx context.Context, name string) (Bucket, error) {
	if err := storage.client.SAdd(ctx, storage.namesKey(), name).Err(); err != nil {
		return nil, fmt.Errorf("failed to create bucket '%s': %w", name, err)
	}

	return &redisBucket{storage: storage, name: name}, nil
}

func (storage *RedisStorage) Has(ctx context.Context, name string) (bool, error) {
	return storage.client.SIsMember(ctx, storage.namesKey(), name).Result()
}

func (storage *RedisStorage) Delete(ctx context.Context, name string) (bool, error) {
	pipe := storage.client.TxPipeline()
	removed := pipe.SRem(ctx, storage.namesKey(), name)
	pipe.Del(ctx, storage.bucketKey(name))

	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("failed to delete bucket '%s': %w", name, err)
	}

	return removed.Val() > 0, nil
}

func (storage *RedisStorage) Keys(ctx context.Context) ([]string, error) {
	names, err := storage.client.SMembers(ctx, storage.namesKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list buckets: %w", err)
	}

	sort.Strings(names)

	return names, nil
}

func (storage *RedisStorage) Close() error {
	return storage.client.Close()
}

type redisBucket struct {
	storage *RedisStorage
	name    string
}

func (bucket *redisBucket) Name() string {
	return bucket.name
}

func (bucket *redisBucket) Match(ctx context.Context, key string) (io.ReadCloser, error) {
	data, err := bucket.storage.client.HGet(ctx, bucket.storage.bucketKey(bucket.name), key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get from Redis: %w", err)
	}

	return io.NopCloser(bytes.NewReader(data)), nil
}

func (bucket *redisBucket) Put(ctx context.Context, key string, entry io.Reader) error {
	data, err := io.ReadAll(entry)
	if err != nil {
		return fmt.Errorf("failed to read entry: %w", err)
	}

	pipe := bucket.storage.client.TxPipeline()
	pipe.SAdd(ctx, bucket.storage.namesKey(), bucket.name)
	pipe.HSet(ctx, bucket.storage.bucketKey(bucket.name), key, data)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store in Redis: %w", err)
	}

	return nil
}

func (bucket *redisBucket) Delete(ctx context.Context, key string) (bool, error) {
	removed, err := bucket.storage.client.HDel(ctx, bucket.storage.bucketKey(bucket.name), key).Result()
	if err != nil {
		return false, fmt.Errorf("failed to delete from Redis: %w", err)
	}

	return removed > 0, nil
}

func (bucket *redisBucket) Keys(ctx context.Context) ([]string, error) {
	keys, err := bucket.storage.client.HKeys(ctx, bucket.storage.bucketKey(bucket.name)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}

	sort.Strings(keys)

	return keys, nil
}
