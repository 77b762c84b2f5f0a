// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package backend defines the channel backend contract: ordered,
// at-most-once FIFO message queues keyed by channel name, and expiring
// group memberships used for fan-out. Implementations live in the
// memory, badger and redis subpackages.
package backend

import (
	"context"
	"time"

	"github.com/absmach/flowbus/channel"
)

// Default tuning applied when a config field or per-call TTL is zero.
const (
	// DefaultCapacity is the per-channel queue capacity.
	DefaultCapacity = 100

	// DefaultExpiry is the message TTL when the sender does not supply one.
	DefaultExpiry = 60 * time.Second

	// DefaultGroupExpiry is the group membership TTL. Memberships are kept
	// alive by repeated GroupAdd calls.
	DefaultGroupExpiry = 24 * time.Hour

	// DefaultMaxMessageSize is the payload hard cap. Payloads up to at
	// least 5 MB must always be accepted; this default leaves headroom.
	DefaultMaxMessageSize = 32 * 1024 * 1024
)

// Limits is the tuning shared by every backend implementation.
type Limits struct {
	// Capacity is the per-channel queue capacity. Sends beyond it fail
	// with ErrChannelFull.
	Capacity int

	// Expiry is the message TTL applied when Send gets a zero TTL.
	Expiry time.Duration

	// GroupExpiry is the membership TTL applied when GroupAdd gets a
	// zero TTL.
	GroupExpiry time.Duration

	// MaxMessageSize is the payload hard cap in bytes.
	MaxMessageSize int64
}

// DefaultLimits returns the default tuning.
func DefaultLimits() Limits {
	return Limits{
		Capacity:       DefaultCapacity,
		Expiry:         DefaultExpiry,
		GroupExpiry:    DefaultGroupExpiry,
		MaxMessageSize: DefaultMaxMessageSize,
	}
}

// Normalize fills zero fields with the defaults.
func (l Limits) Normalize() Limits {
	def := DefaultLimits()
	if l.Capacity <= 0 {
		l.Capacity = def.Capacity
	}
	if l.Expiry <= 0 {
		l.Expiry = def.Expiry
	}
	if l.GroupExpiry <= 0 {
		l.GroupExpiry = def.GroupExpiry
	}
	if l.MaxMessageSize <= 0 {
		l.MaxMessageSize = def.MaxMessageSize
	}
	return l
}

// MessageTTL resolves a per-call TTL against the configured default.
func (l Limits) MessageTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return l.Expiry
	}
	return ttl
}

// GroupTTL resolves a per-call membership TTL against the configured
// default.
func (l Limits) GroupTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return l.GroupExpiry
	}
	return ttl
}

// QueueStore is the per-channel FIFO queue contract.
//
// Send never blocks: capacity exhaustion fails fast with ErrChannelFull.
// ReceiveMany dequeues at most one non-expired message across the given
// candidate channels and returns ("", nil, nil) when none is ready.
// Dequeueing is destructive, so a message is handed to at most one
// caller even under concurrent overlapping receives.
type QueueStore interface {
	Send(ctx context.Context, ch channel.Name, payload []byte, ttl time.Duration) error
	ReceiveMany(ctx context.Context, channels []channel.Name) (channel.Name, *Message, error)
	// ReceiveManyBlocking waits until a message is ready on one of the
	// candidate channels or timeout elapses; timeout yields ("", nil, nil).
	// Cancelling ctx releases the waiter and returns ctx.Err().
	ReceiveManyBlocking(ctx context.Context, channels []channel.Name, timeout time.Duration) (channel.Name, *Message, error)
}

// GroupStore is the expiring group membership contract.
//
// GroupAdd upserts a membership and resets its expiry to now+ttl; calling
// it repeatedly is the intended keepalive. GroupDiscard is a no-op when
// the membership is absent. GroupMembers returns exactly the members
// whose expiry has not yet passed; a member exactly at its expiry
// instant is already expired.
type GroupStore interface {
	GroupAdd(ctx context.Context, group, ch channel.Name, ttl time.Duration) error
	GroupDiscard(ctx context.Context, group, ch channel.Name) error
	GroupMembers(ctx context.Context, group channel.Name) ([]channel.Name, error)
}

// Store is a complete channel backend.
type Store interface {
	QueueStore
	GroupStore

	// Close releases backend resources. Messages past their expiry are
	// never recoverable; messages within it may or may not survive a
	// close, depending on the implementation.
	Close() error
}
