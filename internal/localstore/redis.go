package localstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/MimeLyc/course-importer/pkg/log"
)

const changesChannel = "changes"

// RedisStore shares the profile between machines. Every write is followed
// by a publish on a change channel so watchers need not poll.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
}

func NewRedisStore(rdb *redis.Client, prefix string) *RedisStore {
	return &RedisStore{rdb: rdb, prefix: prefix}
}

// DialRedis connects to url and verifies the server answers.
func DialRedis(ctx context.Context, url, prefix string) (*RedisStore, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewRedisStore(rdb, prefix), nil
}

func (s *RedisStore) key(key string) string {
	return s.prefix + key
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	data, err := s.rdb.Get(ctx, s.key(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return data, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}
	return s.write(ctx, Change{Key: key}, func(pipe redis.Pipeliner) {
		pipe.Set(ctx, s.key(key), value, 0)
	})
}

func (s *RedisStore) Remove(ctx context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	return s.write(ctx, Change{Key: key, Removed: true}, func(pipe redis.Pipeliner) {
		pipe.Del(ctx, s.key(key))
	})
}

func (s *RedisStore) write(ctx context.Context, change Change, fn func(redis.Pipeliner)) error {
	payload, err := json.Marshal(changeMessage{Key: change.Key, Removed: change.Removed})
	if err != nil {
		return err
	}
	pipe := s.rdb.TxPipeline()
	fn(pipe)
	pipe.Publish(ctx, s.key(changesChannel), payload)
	_, err = pipe.Exec(ctx)
	return err
}

type changeMessage struct {
	Key     string `json:"key"`
	Removed bool   `json:"removed"`
}

func (s *RedisStore) Watch(ctx context.Context) (<-chan Change, error) {
	sub := s.rdb.Subscribe(ctx, s.key(changesChannel))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}

	out := make(chan Change, 64)
	go func() {
		defer close(out)
		defer sub.Close()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var cm changeMessage
				if err := json.Unmarshal([]byte(msg.Payload), &cm); err != nil {
					log.Warn("Ignoring malformed change message: %v", err)
					continue
				}
				select {
				case out <- Change{Key: cm.Key, Removed: cm.Removed}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

var _ Store = (*RedisStore)(nil)
