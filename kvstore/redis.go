package kvstore

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// Redis is a Store that keeps each domain in one Redis hash.
type Redis struct {
	client *redis.Client
	ctx    context.Context
	prefix string
}

// NewRedis connects to the Redis server at addr. Every domain is
// stored in the hash "<prefix>:<domain>".
func NewRedis(addr, password string, db int, prefix string) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %v", err)
	}

	return &Redis{
		client: client,
		ctx:    ctx,
		prefix: prefix,
	}, nil
}

func (r *Redis) hash(domain Domain) string {
	return fmt.Sprintf("%s:%02x", r.prefix, uint8(domain))
}

func field(key Key) string {
	return strconv.Itoa(int(key))
}

func (r *Redis) Get(domain Domain, key Key) ([]byte, bool, error) {
	val, err := r.client.HGet(r.ctx, r.hash(domain), field(key)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("hget %s/%d: %w", r.hash(domain), key, err)
	}
	return val, true, nil
}

func (r *Redis) Set(domain Domain, key Key, value []byte) error {
	if err := r.client.HSet(r.ctx, r.hash(domain), field(key), value).Err(); err != nil {
		return fmt.Errorf("hset %s/%d: %w", r.hash(domain), key, err)
	}
	return nil
}

func (r *Redis) Remove(domain Domain, key Key) error {
	if err := r.client.HDel(r.ctx, r.hash(domain), field(key)).Err(); err != nil {
		return fmt.Errorf("hdel %s/%d: %w", r.hash(domain), key, err)
	}
	return nil
}

// Enumerate visits keys in ascending order.
func (r *Redis) Enumerate(domain Domain, fn func(key Key) (bool, error)) error {
	fields, err := r.client.HKeys(r.ctx, r.hash(domain)).Result()
	if err != nil {
		return fmt.Errorf("hkeys %s: %w", r.hash(domain), err)
	}
	keys := make([]Key, 0, len(fields))
	for _, f := range fields {
		n, err := strconv.ParseUint(f, 10, 8)
		if err != nil {
			return fmt.Errorf("hkeys %s: unexpected field %q", r.hash(domain), f)
		}
		keys = append(keys, Key(n))
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	for _, k := range keys {
		cont, err := fn(k)
		if err != nil {
			return err
		}
		if !cont {
			return nil
		}
	}
	return nil
}

func (r *Redis) PurgeDomain(domain Domain) error {
	if err := r.client.Del(r.ctx, r.hash(domain)).Err(); err != nil {
		return fmt.Errorf("del %s: %w", r.hash(domain), err)
	}
	return nil
}

// Close closes the Redis connection.
func (r *Redis) Close() error {
	return r.client.Close()
}
