// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package memory provides the in-memory channel backend. State lives in
// process-local maps; it is the default backend for tests, development
// and single-process deployments.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/absmach/flowbus/backend"
	"github.com/absmach/flowbus/backend/notify"
	"github.com/absmach/flowbus/channel"
)

const defaultSweepInterval = time.Second

// Store is an in-memory channel backend. Channel queues and group
// memberships are created on first use and reaped once empty or expired.
type Store struct {
	limits backend.Limits
	logger *slog.Logger

	mu     sync.Mutex
	queues map[channel.Name][]*backend.Message
	groups map[channel.Name]map[channel.Name]time.Time
	closed bool

	hub *notify.Hub
	now func() time.Time

	sweepInterval time.Duration
	stopCh        chan struct{}
	stopOnce      sync.Once
	wg            sync.WaitGroup
}

// Option configures a Store.
type Option func(*Store)

// WithLimits overrides the default tuning.
func WithLimits(l backend.Limits) Option {
	return func(s *Store) { s.limits = l.Normalize() }
}

// WithLogger sets the logger used by the expiry sweeper.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// WithSweepInterval sets how often the background sweep runs.
func WithSweepInterval(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.sweepInterval = d
		}
	}
}

// New creates an in-memory store and starts its expiry sweeper.
func New(opts ...Option) *Store {
	s := &Store{
		limits:        backend.DefaultLimits(),
		logger:        slog.Default(),
		queues:        make(map[channel.Name][]*backend.Message),
		groups:        make(map[channel.Name]map[channel.Name]time.Time),
		hub:           notify.NewHub(),
		now:           time.Now,
		sweepInterval: defaultSweepInterval,
		stopCh:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.wg.Add(1)
	go s.sweepLoop()
	return s
}

// Close stops the sweeper, drops all state and releases any receivers
// parked in ReceiveManyBlocking; their re-attempt observes the closed
// store.
func (s *Store) Close() error {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()

	s.mu.Lock()
	s.closed = true
	s.queues = nil
	s.groups = nil
	s.mu.Unlock()

	s.hub.WakeAll()
	return nil
}

// Send appends a message to the channel's queue. It never blocks: a full
// queue fails immediately with ErrChannelFull.
func (s *Store) Send(ctx context.Context, ch channel.Name, payload []byte, ttl time.Duration) error {
	if _, err := channel.Parse(ch.String()); err != nil {
		return err
	}
	if int64(len(payload)) > s.limits.MaxMessageSize {
		return fmt.Errorf("%w: %d bytes exceeds limit of %d", backend.ErrMessageTooLarge, len(payload), s.limits.MaxMessageSize)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return backend.ErrClosed
	}
	now := s.now()
	msg := &backend.Message{
		Payload:  append([]byte(nil), payload...),
		Enqueued: now,
		Expires:  now.Add(s.limits.MessageTTL(ttl)),
	}
	q := s.purgeQueueLocked(ch, now)
	if len(q) >= s.limits.Capacity {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s at capacity %d", backend.ErrChannelFull, ch, s.limits.Capacity)
	}
	s.queues[ch] = append(q, msg)
	s.mu.Unlock()

	s.hub.Wake(ch)
	return nil
}

// ReceiveMany dequeues at most one ready message across the candidate
// channels, returning ("", nil, nil) when all are empty. Candidates are
// scanned from a random offset so a busy channel cannot starve the rest.
func (s *Store) ReceiveMany(ctx context.Context, channels []channel.Name) (channel.Name, *backend.Message, error) {
	if len(channels) == 0 {
		return "", nil, nil
	}
	for _, ch := range channels {
		if _, err := channel.Parse(ch.String()); err != nil {
			return "", nil, err
		}
	}
	if err := ctx.Err(); err != nil {
		return "", nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", nil, backend.ErrClosed
	}
	now := s.now()

	start := rand.IntN(len(channels))
	for i := range channels {
		ch := channels[(start+i)%len(channels)]
		q := s.purgeQueueLocked(ch, now)
		if len(q) == 0 {
			continue
		}
		msg := q[0]
		if len(q) == 1 {
			delete(s.queues, ch)
		} else {
			s.queues[ch] = q[1:]
		}
		return ch, msg, nil
	}
	return "", nil, nil
}

// ReceiveManyBlocking waits for a message on any candidate channel until
// timeout elapses or ctx is cancelled.
func (s *Store) ReceiveManyBlocking(ctx context.Context, channels []channel.Name, timeout time.Duration) (channel.Name, *backend.Message, error) {
	if len(channels) == 0 {
		return "", nil, nil
	}
	return notify.Wait(ctx, s.hub, channels, timeout, func(ctx context.Context) (channel.Name, *backend.Message, error) {
		return s.ReceiveMany(ctx, channels)
	})
}

// GroupAdd upserts the channel into the group, resetting its membership
// expiry to now+ttl. Repeated calls are the keepalive mechanism.
func (s *Store) GroupAdd(ctx context.Context, group, ch channel.Name, ttl time.Duration) error {
	if _, err := channel.ParseGroup(group.String()); err != nil {
		return err
	}
	if _, err := channel.Parse(ch.String()); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return backend.ErrClosed
	}

	members := s.groups[group]
	if members == nil {
		members = make(map[channel.Name]time.Time)
		s.groups[group] = members
	}
	members[ch] = s.now().Add(s.limits.GroupTTL(ttl))
	return nil
}

// GroupDiscard removes the channel from the group; absent memberships
// are a no-op.
func (s *Store) GroupDiscard(ctx context.Context, group, ch channel.Name) error {
	if _, err := channel.ParseGroup(group.String()); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return backend.ErrClosed
	}

	members := s.groups[group]
	delete(members, ch)
	if len(members) == 0 {
		delete(s.groups, group)
	}
	return nil
}

// GroupMembers returns the channels whose membership has not expired as
// of call time, in sorted order. Expired memberships are dropped on the
// way out.
func (s *Store) GroupMembers(ctx context.Context, group channel.Name) ([]channel.Name, error) {
	if _, err := channel.ParseGroup(group.String()); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, backend.ErrClosed
	}
	now := s.now()

	members := s.groups[group]
	out := make([]channel.Name, 0, len(members))
	for ch, expires := range members {
		if expires.After(now) {
			out = append(out, ch)
			continue
		}
		delete(members, ch)
	}
	if len(members) == 0 {
		delete(s.groups, group)
	}

	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// purgeQueueLocked drops expired messages from the head of the queue and
// returns the remaining slice. Callers hold s.mu.
func (s *Store) purgeQueueLocked(ch channel.Name, now time.Time) []*backend.Message {
	q := s.queues[ch]
	i := 0
	for i < len(q) && q[i].Expired(now) {
		i++
	}
	if i == 0 {
		return q
	}
	q = q[i:]
	if len(q) == 0 {
		delete(s.queues, ch)
		return nil
	}
	s.queues[ch] = q
	return q
}
