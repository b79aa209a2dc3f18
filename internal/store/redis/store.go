// Package redis adapts the sorted-set keyed store and pub/sub bus used by
// the streamer and the reconciler. Bars live in sorted sets scored by their
// minute timestamp; ticks and bar writes go out on pub/sub channels.
package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

// Config configures the store connection.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// Store is the sorted-set + pub/sub adapter. All calls flow through a
// circuit breaker so a dead Redis fails fast instead of stalling the minute
// loop or the socket reader.
type Store struct {
	client  *goredis.Client
	breaker *CircuitBreaker
	log     *logrus.Entry
}

// New connects and pings the store.
func New(cfg Config, log *logrus.Entry) (*Store, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	s := &Store{
		client:  client,
		breaker: NewCircuitBreaker(5, 10*time.Second),
		log:     log,
	}
	s.breaker.OnStateChange = func(from, to State) {
		log.WithFields(logrus.Fields{"from": from.String(), "to": to.String()}).
			Warn("store circuit breaker state change")
	}

	log.WithField("addr", cfg.Addr).Info("store connected")
	return s, nil
}

// Client exposes the underlying client for session storage and health
// probes.
func (s *Store) Client() *goredis.Client { return s.client }

// RangeByScore returns the members of key with lo <= score <= hi, in score
// order.
func (s *Store) RangeByScore(ctx context.Context, key string, lo, hi int64) ([]string, error) {
	var members []string
	err := s.breaker.Execute(func() error {
		var err error
		members, err = s.client.ZRangeByScore(ctx, key, &goredis.ZRangeBy{
			Min: strconv.FormatInt(lo, 10),
			Max: strconv.FormatInt(hi, 10),
		}).Result()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("zrangebyscore %s: %w", key, err)
	}
	return members, nil
}

// RemoveByScore deletes the members of key with lo <= score <= hi.
func (s *Store) RemoveByScore(ctx context.Context, key string, lo, hi int64) error {
	err := s.breaker.Execute(func() error {
		return s.client.ZRemRangeByScore(ctx, key,
			strconv.FormatInt(lo, 10), strconv.FormatInt(hi, 10)).Err()
	})
	if err != nil {
		return fmt.Errorf("zremrangebyscore %s: %w", key, err)
	}
	return nil
}

// Add inserts member into key with the given score.
func (s *Store) Add(ctx context.Context, key, member string, score int64) error {
	err := s.breaker.Execute(func() error {
		return s.client.ZAdd(ctx, key, &goredis.Z{
			Score:  float64(score),
			Member: member,
		}).Err()
	})
	if err != nil {
		return fmt.Errorf("zadd %s: %w", key, err)
	}
	return nil
}

// Publish sends payload to the pub/sub channel.
func (s *Store) Publish(ctx context.Context, channel, payload string) error {
	err := s.breaker.Execute(func() error {
		return s.client.Publish(ctx, channel, payload).Err()
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	return nil
}

// Ping probes liveness.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the client.
func (s *Store) Close() error {
	return s.client.Close()
}
