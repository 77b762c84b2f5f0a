// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package redis provides a Redis-backed channel backend suitable for
// multiple producer and consumer processes sharing one Redis. Channels
// are lists, groups are sorted sets scored by membership expiry, and
// blocking receives ride on BLPOP. A circuit breaker converts transport
// failures into fast ErrBackendUnavailable results instead of piling up
// timeouts.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strconv"
	"time"

	"github.com/absmach/flowbus/backend"
	"github.com/absmach/flowbus/channel"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
)

// DefaultKeyPrefix namespaces all keys written by this backend.
const DefaultKeyPrefix = "flowbus"

// Key TTLs get slack past the logical expiry; envelope timestamps stay
// authoritative and receives filter expired messages on the way out.
const keyTTLSlack = 2 * time.Second

// Config holds Redis connection settings.
type Config struct {
	Addr      string
	Password  string
	DB        int
	PoolSize  int
	KeyPrefix string
}

// Store is a Redis-backed channel backend.
type Store struct {
	client  *redis.Client
	breaker *gobreaker.CircuitBreaker
	limits  backend.Limits
	logger  *slog.Logger
	prefix  string
}

// Option configures a Store.
type Option func(*Store)

// WithLimits overrides the default tuning.
func WithLimits(l backend.Limits) Option {
	return func(s *Store) { s.limits = l.Normalize() }
}

// WithLogger sets the store logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// sendScript pushes a message unless the channel is at capacity, and
// extends the key TTL without ever shortening it. Expired envelopes at
// the head are purged first so they cannot hold capacity hostage; the
// expiry instant sits big-endian in envelope bytes 11-18 (millis).
// Running it as a script keeps purge, capacity check and push atomic.
var sendScript = redis.NewScript(`
local now = tonumber(ARGV[4])
while true do
	local head = redis.call('LINDEX', KEYS[1], 0)
	if not head or #head < 18 then break end
	local exp = 0
	for i = 11, 18 do exp = exp * 256 + string.byte(head, i) end
	if exp > now then break end
	redis.call('LPOP', KEYS[1])
end
if redis.call('LLEN', KEYS[1]) >= tonumber(ARGV[2]) then
	return 0
end
redis.call('RPUSH', KEYS[1], ARGV[1])
local ttl = tonumber(ARGV[3])
if redis.call('PTTL', KEYS[1]) < ttl then
	redis.call('PEXPIRE', KEYS[1], ttl)
end
return 1
`)

// groupAddScript upserts a membership and extends the zset key TTL
// without ever shortening it, so a short-lived membership cannot take
// longer-lived ones down with it.
var groupAddScript = redis.NewScript(`
redis.call('ZADD', KEYS[1], ARGV[1], ARGV[2])
local ttl = tonumber(ARGV[3])
if redis.call('PTTL', KEYS[1]) < ttl then
	redis.call('PEXPIRE', KEYS[1], ttl)
end
return 1
`)

// New creates a Redis store. It does not dial eagerly; the first
// operation does.
func New(cfg Config, opts ...Option) *Store {
	s := &Store{
		client: redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
			PoolSize: cfg.PoolSize,
		}),
		limits: backend.DefaultLimits(),
		logger: slog.Default(),
		prefix: cfg.KeyPrefix,
	}
	if s.prefix == "" {
		s.prefix = DefaultKeyPrefix
	}
	for _, opt := range opts {
		opt(s)
	}

	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "redis-channel-backend",
		Timeout: 10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			// Contract errors and caller cancellation say nothing about
			// Redis health.
			return err == nil ||
				errors.Is(err, redis.Nil) ||
				errors.Is(err, backend.ErrChannelFull) ||
				errors.Is(err, context.Canceled) ||
				errors.Is(err, context.DeadlineExceeded)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			s.logger.Warn("redis circuit breaker state change",
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})
	return s
}

// Close releases the client's connection pool.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) chanKey(ch channel.Name) string {
	return s.prefix + ":ch:" + ch.String()
}

func (s *Store) groupKey(group channel.Name) string {
	return s.prefix + ":gr:" + group.String()
}

func (s *Store) chanFromKey(key string) channel.Name {
	return channel.Name(key[len(s.prefix)+len(":ch:"):])
}

// do runs op through the circuit breaker and maps transport failures to
// ErrBackendUnavailable. Contract errors pass through untouched.
func (s *Store) do(op func() error) error {
	_, err := s.breaker.Execute(func() (interface{}, error) {
		return nil, op()
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, backend.ErrChannelFull),
		errors.Is(err, channel.ErrInvalidName),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return fmt.Errorf("%w: %v", backend.ErrBackendUnavailable, err)
	}
}

// Send pushes a message onto the channel's list without blocking.
func (s *Store) Send(ctx context.Context, ch channel.Name, payload []byte, ttl time.Duration) error {
	if _, err := channel.Parse(ch.String()); err != nil {
		return err
	}
	if int64(len(payload)) > s.limits.MaxMessageSize {
		return fmt.Errorf("%w: %d bytes exceeds limit of %d", backend.ErrMessageTooLarge, len(payload), s.limits.MaxMessageSize)
	}

	now := time.Now()
	ttl = s.limits.MessageTTL(ttl)
	data := backend.EncodeMessage(&backend.Message{
		Payload:  payload,
		Enqueued: now,
		Expires:  now.Add(ttl),
	})

	return s.do(func() error {
		ok, err := sendScript.Run(ctx, s.client,
			[]string{s.chanKey(ch)},
			data, s.limits.Capacity, (ttl + keyTTLSlack).Milliseconds(), now.UnixMilli(),
		).Int()
		if err != nil {
			return err
		}
		if ok == 0 {
			return fmt.Errorf("%w: %s at capacity %d", backend.ErrChannelFull, ch, s.limits.Capacity)
		}
		return nil
	})
}

// ReceiveMany pops at most one non-expired message across the candidate
// channels, scanning from a random offset for fairness.
func (s *Store) ReceiveMany(ctx context.Context, channels []channel.Name) (channel.Name, *backend.Message, error) {
	if len(channels) == 0 {
		return "", nil, nil
	}
	for _, ch := range channels {
		if _, err := channel.Parse(ch.String()); err != nil {
			return "", nil, err
		}
	}

	var (
		got channel.Name
		msg *backend.Message
	)
	err := s.do(func() error {
		start := rand.IntN(len(channels))
		for i := range channels {
			ch := channels[(start+i)%len(channels)]
			m, err := s.popLive(ctx, ch)
			if err != nil {
				return err
			}
			if m != nil {
				got, msg = ch, m
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return "", nil, err
	}
	return got, msg, nil
}

// popLive pops list entries until it finds a non-expired message or the
// list runs out. LPOP is atomic, so concurrent receivers never share a
// message.
func (s *Store) popLive(ctx context.Context, ch channel.Name) (*backend.Message, error) {
	key := s.chanKey(ch)
	for {
		data, err := s.client.LPop(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		msg, err := backend.DecodeMessage(data)
		if err != nil {
			return nil, err
		}
		if msg.Expired(time.Now()) {
			continue
		}
		return msg, nil
	}
}

// ReceiveManyBlocking waits on BLPOP until a message arrives on any
// candidate channel or timeout elapses. Expired messages popped along
// the way are discarded and the wait resumes with the remaining time.
func (s *Store) ReceiveManyBlocking(ctx context.Context, channels []channel.Name, timeout time.Duration) (channel.Name, *backend.Message, error) {
	if len(channels) == 0 {
		return "", nil, nil
	}
	for _, ch := range channels {
		if _, err := channel.Parse(ch.String()); err != nil {
			return "", nil, err
		}
	}

	keys := make([]string, len(channels))
	for i, ch := range channels {
		keys[i] = s.chanKey(ch)
	}

	deadline := time.Now().Add(timeout)
	for {
		// BLPOP timeouts bottom out at a millisecond; close to the
		// deadline, fall back to one non-blocking attempt.
		remaining := time.Until(deadline)
		if remaining < 10*time.Millisecond {
			return s.ReceiveMany(ctx, channels)
		}

		var (
			got channel.Name
			msg *backend.Message
		)
		err := s.do(func() error {
			res, err := s.client.BLPop(ctx, remaining, keys...).Result()
			if errors.Is(err, redis.Nil) {
				return nil
			}
			if err != nil {
				return err
			}
			decoded, err := backend.DecodeMessage([]byte(res[1]))
			if err != nil {
				return err
			}
			if decoded.Expired(time.Now()) {
				return nil
			}
			got, msg = s.chanFromKey(res[0]), decoded
			return nil
		})
		if err != nil {
			return "", nil, err
		}
		if msg != nil {
			return got, msg, nil
		}
		if time.Now().After(deadline) {
			return "", nil, nil
		}
		// Expired message or BLPOP timeout race; wait out the remainder.
	}
}

// GroupAdd upserts the membership, scoring it with its expiry instant.
func (s *Store) GroupAdd(ctx context.Context, group, ch channel.Name, ttl time.Duration) error {
	if _, err := channel.ParseGroup(group.String()); err != nil {
		return err
	}
	if _, err := channel.Parse(ch.String()); err != nil {
		return err
	}

	ttl = s.limits.GroupTTL(ttl)
	expires := time.Now().Add(ttl)

	// The zset key must outlive its longest-lived member, so the key TTL
	// only ever extends; a short-lived membership never shortens it.
	return s.do(func() error {
		return groupAddScript.Run(ctx, s.client,
			[]string{s.groupKey(group)},
			expires.UnixMilli(), ch.String(), (ttl + keyTTLSlack).Milliseconds(),
		).Err()
	})
}

// GroupDiscard removes the membership; absent memberships are a no-op.
func (s *Store) GroupDiscard(ctx context.Context, group, ch channel.Name) error {
	if _, err := channel.ParseGroup(group.String()); err != nil {
		return err
	}

	return s.do(func() error {
		return s.client.ZRem(ctx, s.groupKey(group), ch.String()).Err()
	})
}

// GroupMembers purges expired memberships and returns the rest.
func (s *Store) GroupMembers(ctx context.Context, group channel.Name) ([]channel.Name, error) {
	if _, err := channel.ParseGroup(group.String()); err != nil {
		return nil, err
	}

	key := s.groupKey(group)
	var names []string
	err := s.do(func() error {
		now := strconv.FormatInt(time.Now().UnixMilli(), 10)

		pipe := s.client.TxPipeline()
		// Scores are expiry instants; a score <= now is already expired.
		pipe.ZRemRangeByScore(ctx, key, "-inf", now)
		cmd := pipe.ZRange(ctx, key, 0, -1)
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}

		var err error
		names, err = cmd.Result()
		return err
	})
	if err != nil {
		return nil, err
	}

	members := make([]channel.Name, 0, len(names))
	for _, name := range names {
		members = append(members, channel.Name(name))
	}
	return members, nil
}
