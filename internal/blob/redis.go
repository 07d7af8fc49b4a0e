package blob

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
)

// RedisStore keeps blob bytes in plain string keys and their modification
// times in one sorted set scored by unix milliseconds.
type RedisStore struct {
	rdb    redis.UniversalClient
	prefix string
	clock  clockwork.Clock
}

type RedisOptions struct {
	// Prefix namespaces every key; defaults to "image-proxy:".
	Prefix string
	// Clock stamps modification times; defaults to the wall clock.
	Clock clockwork.Clock
}

// OpenRedis connects to addr and verifies the connection with PING.
func OpenRedis(ctx context.Context, addr string, opts RedisOptions) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("blob: redis ping %s: %w", addr, err)
	}
	return NewRedis(rdb, opts), nil
}

// NewRedis wraps an existing client.
func NewRedis(rdb redis.UniversalClient, opts RedisOptions) *RedisStore {
	prefix := opts.Prefix
	if prefix == "" {
		prefix = "image-proxy:"
	}
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &RedisStore{rdb: rdb, prefix: prefix, clock: clock}
}

func (s *RedisStore) dataKey(id string) string { return s.prefix + "blob:" + id }
func (s *RedisStore) indexKey() string         { return s.prefix + "blobs" }

func (s *RedisStore) Read(ctx context.Context, id string) ([]byte, error) {
	if !ValidID(id) {
		return nil, ErrInvalidID
	}
	data, err := s.rdb.Get(ctx, s.dataKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	return data, err
}

// Write claims the id with SETNX, then records its modification time.
func (s *RedisStore) Write(ctx context.Context, data []byte) (string, error) {
	id, err := allocate(func(candidate string) (bool, error) {
		return s.rdb.SetNX(ctx, s.dataKey(candidate), data, 0).Result()
	})
	if err != nil {
		return "", err
	}
	score := float64(s.clock.Now().UnixMilli())
	if err := s.rdb.ZAdd(ctx, s.indexKey(), redis.Z{Score: score, Member: id}).Err(); err != nil {
		_ = s.rdb.Del(ctx, s.dataKey(id)).Err()
		return "", fmt.Errorf("blob: index %s: %w", id, err)
	}
	return id, nil
}

func (s *RedisStore) List(ctx context.Context) ([]Record, error) {
	members, err := s.rdb.ZRangeWithScores(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	sizes := make([]*redis.IntCmd, len(members))
	_, err = s.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, m := range members {
			sizes[i] = pipe.StrLen(ctx, s.dataKey(fmt.Sprint(m.Member)))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(members))
	for i, m := range members {
		out = append(out, Record{
			ID:      fmt.Sprint(m.Member),
			Size:    sizes[i].Val(),
			ModTime: time.UnixMilli(int64(m.Score)),
		})
	}
	return out, nil
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	if !ValidID(id) {
		return ErrInvalidID
	}
	var del *redis.IntCmd
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		del = pipe.Del(ctx, s.dataKey(id))
		pipe.ZRem(ctx, s.indexKey(), id)
		return nil
	})
	if err != nil {
		return err
	}
	if del.Val() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *RedisStore) Close() error { return s.rdb.Close() }
