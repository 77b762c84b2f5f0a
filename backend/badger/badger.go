// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package badger provides a channel backend persisted in BadgerDB.
// Messages survive process restarts for the duration of their expiry
// window; nothing outlives it. Blocking receives use an in-process
// wakeup hub, so the backend serves one process (or one process per
// database directory).
package badger

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/absmach/flowbus/backend"
	"github.com/absmach/flowbus/backend/notify"
	"github.com/absmach/flowbus/channel"
	badgerdb "github.com/dgraph-io/badger/v4"
)

// Badger entry TTLs have one-second granularity, so entries carry the
// message expiry plus slack and the envelope timestamp stays
// authoritative. The entry TTL only reclaims storage.
const ttlSlack = 2 * time.Second

const dequeueMaxRetries = 10

// Store is a BadgerDB-backed channel backend.
type Store struct {
	db     *badgerdb.DB
	ownsDB bool
	limits backend.Limits
	logger *slog.Logger
	hub    *notify.Hub

	mu   sync.Mutex
	seqs map[channel.Name]uint64
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

// New wraps an already-open BadgerDB. The caller keeps ownership of the
// database handle.
func New(db *badgerdb.DB, opts ...Option) *Store {
	s := &Store{
		db:     db,
		limits: backend.DefaultLimits(),
		logger: slog.Default(),
		hub:    notify.NewHub(),
		seqs:   make(map[channel.Name]uint64),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open opens (or creates) a BadgerDB at dir and wraps it. An empty dir
// opens an in-memory database. The store owns the handle and closes it.
func Open(dir string, opts ...Option) (*Store, error) {
	var dbOpts badgerdb.Options
	if dir == "" {
		dbOpts = badgerdb.DefaultOptions("").WithInMemory(true)
	} else {
		dbOpts = badgerdb.DefaultOptions(dir)
	}
	dbOpts = dbOpts.WithLogger(nil)

	db, err := badgerdb.Open(dbOpts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %q: %w", dir, err)
	}

	s := New(db, opts...)
	s.ownsDB = true
	if dir == "" {
		s.logger.Debug("opened in-memory badger store")
	} else {
		s.logger.Debug("opened badger store", slog.String("dir", dir))
	}
	return s, nil
}

// Close closes the database if the store owns it and releases any
// receivers parked in ReceiveManyBlocking.
func (s *Store) Close() error {
	var err error
	if s.ownsDB {
		err = s.db.Close()
	}
	s.hub.WakeAll()
	return err
}

// Send appends a message to the channel's queue without blocking.
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

	var err error
	for attempt := 0; attempt < dequeueMaxRetries; attempt++ {
		err = s.db.Update(func(txn *badgerdb.Txn) error {
			count, err := s.countLive(txn, ch, now)
			if err != nil {
				return err
			}
			if count >= s.limits.Capacity {
				return fmt.Errorf("%w: %s at capacity %d", backend.ErrChannelFull, ch, s.limits.Capacity)
			}

			seq, err := s.nextSeq(txn, ch)
			if err != nil {
				return err
			}
			entry := badgerdb.NewEntry(chanKey(ch, seq), data).WithTTL(ttl + ttlSlack)
			return txn.SetEntry(entry)
		})
		if errors.Is(err, badgerdb.ErrConflict) {
			// A receiver raced the capacity check; retry on fresh state.
			continue
		}
		break
	}
	if err != nil {
		if errors.Is(err, backend.ErrChannelFull) {
			return err
		}
		return fmt.Errorf("%w: %v", backend.ErrBackendUnavailable, err)
	}

	s.hub.Wake(ch)
	return nil
}

// ReceiveMany dequeues at most one non-expired message across the
// candidate channels, scanning from a random offset for fairness.
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

	start := rand.IntN(len(channels))
	for i := range channels {
		ch := channels[(start+i)%len(channels)]
		msg, err := s.dequeue(ch)
		if err != nil {
			return "", nil, err
		}
		if msg != nil {
			return ch, msg, nil
		}
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

// dequeue removes and returns the oldest non-expired message of one
// channel. Transaction conflicts mean a concurrent receiver won that
// message; the attempt is retried against the new state.
func (s *Store) dequeue(ch channel.Name) (*backend.Message, error) {
	for attempt := 0; attempt < dequeueMaxRetries; attempt++ {
		var msg *backend.Message

		err := s.db.Update(func(txn *badgerdb.Txn) error {
			msg = nil
			opts := badgerdb.DefaultIteratorOptions
			opts.Prefix = chanPrefix(ch)
			opts.PrefetchValues = false

			it := txn.NewIterator(opts)
			defer it.Close()

			now := time.Now()
			for it.Rewind(); it.Valid(); it.Next() {
				item := it.Item()
				data, err := item.ValueCopy(nil)
				if err != nil {
					return err
				}
				decoded, err := backend.DecodeMessage(data)
				if err != nil {
					return err
				}
				if err := txn.Delete(item.KeyCopy(nil)); err != nil {
					return err
				}
				if decoded.Expired(now) {
					// Reap and keep scanning for a live message.
					continue
				}
				msg = decoded
				return nil
			}
			return nil
		})
		if err == nil {
			return msg, nil
		}
		if errors.Is(err, badgerdb.ErrConflict) {
			continue
		}
		return nil, fmt.Errorf("%w: %v", backend.ErrBackendUnavailable, err)
	}
	// Persistent conflicts mean other receivers are making progress.
	s.logger.Debug("dequeue retries exhausted on conflicts", slog.String("channel", ch.String()))
	return nil, nil
}

// GroupAdd upserts the membership with expiry now+ttl.
func (s *Store) GroupAdd(ctx context.Context, group, ch channel.Name, ttl time.Duration) error {
	if _, err := channel.ParseGroup(group.String()); err != nil {
		return err
	}
	if _, err := channel.Parse(ch.String()); err != nil {
		return err
	}

	ttl = s.limits.GroupTTL(ttl)
	var value [8]byte
	binary.BigEndian.PutUint64(value[:], uint64(time.Now().Add(ttl).UnixMilli()))

	err := s.db.Update(func(txn *badgerdb.Txn) error {
		entry := badgerdb.NewEntry(groupKey(group, ch), value[:]).WithTTL(ttl + ttlSlack)
		return txn.SetEntry(entry)
	})
	if err != nil {
		return fmt.Errorf("%w: %v", backend.ErrBackendUnavailable, err)
	}
	return nil
}

// GroupDiscard removes the membership; absent memberships are a no-op.
func (s *Store) GroupDiscard(ctx context.Context, group, ch channel.Name) error {
	if _, err := channel.ParseGroup(group.String()); err != nil {
		return err
	}

	err := s.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Delete(groupKey(group, ch))
	})
	if err != nil {
		return fmt.Errorf("%w: %v", backend.ErrBackendUnavailable, err)
	}
	return nil
}

// GroupMembers returns the non-expired members, reaping expired ones.
func (s *Store) GroupMembers(ctx context.Context, group channel.Name) ([]channel.Name, error) {
	if _, err := channel.ParseGroup(group.String()); err != nil {
		return nil, err
	}

	var members []channel.Name
	var err error
	for attempt := 0; attempt < dequeueMaxRetries; attempt++ {
		err = s.groupMembersTxn(group, &members)
		if !errors.Is(err, badgerdb.ErrConflict) {
			break
		}
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", backend.ErrBackendUnavailable, err)
	}
	return members, nil
}

func (s *Store) groupMembersTxn(group channel.Name, members *[]channel.Name) error {
	return s.db.Update(func(txn *badgerdb.Txn) error {
		*members = (*members)[:0]
		opts := badgerdb.DefaultIteratorOptions
		opts.Prefix = groupPrefix(group)

		it := txn.NewIterator(opts)
		defer it.Close()

		now := time.Now().UnixMilli()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			data, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if len(data) != 8 || int64(binary.BigEndian.Uint64(data)) <= now {
				if err := txn.Delete(item.KeyCopy(nil)); err != nil {
					return err
				}
				continue
			}
			*members = append(*members, groupKeyMember(group, item.KeyCopy(nil)))
		}
		return nil
	})
}

// nextSeq hands out per-channel monotonic sequence numbers, resuming
// from the highest stored key after a restart.
func (s *Store) nextSeq(txn *badgerdb.Txn, ch channel.Name) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seq, ok := s.seqs[ch]
	if !ok {
		last, err := lastStoredSeq(txn, ch)
		if err != nil {
			return 0, err
		}
		seq = last
	}
	seq++
	s.seqs[ch] = seq
	return seq, nil
}

func lastStoredSeq(txn *badgerdb.Txn, ch channel.Name) (uint64, error) {
	opts := badgerdb.DefaultIteratorOptions
	opts.Prefix = chanPrefix(ch)
	opts.Reverse = true
	opts.PrefetchValues = false

	it := txn.NewIterator(opts)
	defer it.Close()

	// Reverse iteration needs a seek key past the prefix range.
	seek := append(chanPrefix(ch), 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff)
	it.Seek(seek)
	if !it.Valid() {
		return 0, nil
	}
	return chanKeySeq(it.Item().KeyCopy(nil)), nil
}

// countLive counts stored messages on the channel, ignoring entries that
// are already past their envelope expiry.
func (s *Store) countLive(txn *badgerdb.Txn, ch channel.Name, now time.Time) (int, error) {
	opts := badgerdb.DefaultIteratorOptions
	opts.Prefix = chanPrefix(ch)

	it := txn.NewIterator(opts)
	defer it.Close()

	count := 0
	for it.Rewind(); it.Valid(); it.Next() {
		data, err := it.Item().ValueCopy(nil)
		if err != nil {
			return 0, err
		}
		msg, err := backend.DecodeMessage(data)
		if err != nil {
			return 0, err
		}
		if !msg.Expired(now) {
			count++
		}
	}
	return count, nil
}
