// Package cache содержит кэш таблицы лидеров в Redis.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mmeshcher/scratchcard-system/internal/model"
)

const (
	keyLeaderboard = "leaderboard:v1"
	keyVersion     = "leaderboard:v1:version"
)

var (
	// ErrMiss возвращается, если таблица лидеров отсутствует в кэше.
	ErrMiss = errors.New("cache miss")
	// ErrStale возвращается, если таблица была сброшена после чтения версии.
	ErrStale = errors.New("cache version changed")
)

// RedisLeaderboard хранит готовую таблицу лидеров в Redis.
type RedisLeaderboard struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisLeaderboard подключается к Redis по адресу addr и проверяет соединение.
func NewRedisLeaderboard(ctx context.Context, addr string, ttl time.Duration) (*RedisLeaderboard, error) {
	client := redis.NewClient(&redis.Options{
		Addr:            addr,
		MaxRetries:      3,
		MinRetryBackoff: 8 * time.Millisecond,
		MaxRetryBackoff: 512 * time.Millisecond,
		DialTimeout:     5 * time.Second,
		ReadTimeout:     2 * time.Second,
		WriteTimeout:    2 * time.Second,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &RedisLeaderboard{client: client, ttl: ttl}, nil
}

// Get возвращает закэшированную таблицу лидеров или ErrMiss.
func (c *RedisLeaderboard) Get(ctx context.Context) ([]model.LeaderboardEntry, error) {
	data, err := c.client.Get(ctx, keyLeaderboard).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrMiss
		}
		return nil, fmt.Errorf("get leaderboard: %w", err)
	}

	var entries []model.LeaderboardEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("unmarshal leaderboard: %w", err)
	}
	return entries, nil
}

// Version возвращает текущую версию таблицы. Версия растёт при каждом сбросе.
func (c *RedisLeaderboard) Version(ctx context.Context) (int64, error) {
	v, err := c.client.Get(ctx, keyVersion).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("get leaderboard version: %w", err)
	}
	return v, nil
}

// Set сохраняет таблицу лидеров с настроенным TTL, только если версия не менялась
// с момента чтения. Иначе возвращает ErrStale.
func (c *RedisLeaderboard) Set(ctx context.Context, version int64, entries []model.LeaderboardEntry) error {
	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("marshal leaderboard: %w", err)
	}

	err = c.client.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, keyVersion).Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if cur != version {
			return ErrStale
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, keyLeaderboard, data, c.ttl)
			return nil
		})
		return err
	}, keyVersion)

	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrStale), errors.Is(err, redis.TxFailedErr):
		return ErrStale
	default:
		return fmt.Errorf("set leaderboard: %w", err)
	}
}

// Invalidate удаляет таблицу лидеров из кэша и повышает версию.
func (c *RedisLeaderboard) Invalidate(ctx context.Context) error {
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, keyVersion)
		pipe.Del(ctx, keyLeaderboard)
		return nil
	})
	if err != nil {
		return fmt.Errorf("invalidate leaderboard: %w", err)
	}
	return nil
}

// Close закрывает соединение с Redis.
func (c *RedisLeaderboard) Close() error {
	return c.client.Close()
}
