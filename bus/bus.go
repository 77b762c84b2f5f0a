// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package bus exposes the channel backend to applications: it validates
// channel names at the boundary, routes operations to a backing store,
// performs group fan-out, and records delivery metrics.
// A Bus is an explicitly constructed service object; create one per
// process and share it.
package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/absmach/flowbus/backend"
	"github.com/absmach/flowbus/channel"
)

// shardPollInterval paces the fallback poll loop used only when a
// blocking receive spans both stores of a sharded deployment.
const shardPollInterval = 20 * time.Millisecond

// Bus is the channel backend facade.
type Bus struct {
	store backend.Store
	// response handles response-kind channels in sharded deployments.
	// It equals store unless WithResponseStore was given.
	response backend.Store
	logger   *slog.Logger
	metrics  *Metrics
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the bus logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) { b.logger = logger }
}

// WithResponseStore routes response channels (leading '!') to a separate
// backing store. Groups and normal channels stay on the primary store.
func WithResponseStore(s backend.Store) Option {
	return func(b *Bus) { b.response = s }
}

// New creates a Bus over the given store.
func New(store backend.Store, opts ...Option) (*Bus, error) {
	b := &Bus{
		store:    store,
		response: store,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}

	var err error
	b.metrics, err = NewMetrics()
	if err != nil {
		return nil, err
	}
	return b, nil
}

// Close closes the backing store(s).
func (b *Bus) Close() error {
	err := b.store.Close()
	if b.response != b.store {
		if rerr := b.response.Close(); err == nil {
			err = rerr
		}
	}
	return err
}

// storeFor routes a channel to its backing store by kind.
func (b *Bus) storeFor(ch channel.Name) backend.Store {
	if ch.Kind() == channel.KindResponse {
		return b.response
	}
	return b.store
}

// sharded reports whether response channels live on a separate store.
func (b *Bus) sharded() bool {
	return b.response != b.store
}

// Send enqueues payload onto the named channel. A zero ttl uses the
// backend default. Send never blocks; a full channel fails immediately
// with backend.ErrChannelFull.
func (b *Bus) Send(ctx context.Context, name string, payload []byte, ttl time.Duration) error {
	ch, err := channel.Parse(name)
	if err != nil {
		b.metrics.recordSendError(ctx, "invalid_name")
		return err
	}

	if err := b.storeFor(ch).Send(ctx, ch, payload, ttl); err != nil {
		b.metrics.recordSendError(ctx, errorReason(err))
		return err
	}
	b.metrics.recordSend(ctx, ch.Kind(), len(payload))
	return nil
}

// ReceiveMany dequeues at most one ready message across the candidate
// channels and returns the channel it came from. It returns ("", nil,
// nil) promptly when nothing is ready.
func (b *Bus) ReceiveMany(ctx context.Context, names []string) (string, *backend.Message, error) {
	normal, response, err := b.splitByKind(names)
	if err != nil {
		return "", nil, err
	}

	if !b.sharded() {
		all := append(normal, response...)
		return b.receiveFrom(ctx, b.store, all)
	}

	if ch, msg, err := b.receiveFrom(ctx, b.store, normal); err != nil || msg != nil {
		return ch, msg, err
	}
	return b.receiveFrom(ctx, b.response, response)
}

// ReceiveManyBlocking waits for a message on any candidate channel until
// timeout elapses (an empty result) or ctx is cancelled. When all
// candidates live on one store the wait is pushed down to it; a mixed
// candidate set on a sharded bus degrades to paced polling across both
// stores.
func (b *Bus) ReceiveManyBlocking(ctx context.Context, names []string, timeout time.Duration) (string, *backend.Message, error) {
	normal, response, err := b.splitByKind(names)
	if err != nil {
		return "", nil, err
	}

	if !b.sharded() {
		all := append(normal, response...)
		ch, msg, err := b.store.ReceiveManyBlocking(ctx, all, timeout)
		return b.observed(ctx, ch, msg, err)
	}
	if len(response) == 0 {
		ch, msg, err := b.store.ReceiveManyBlocking(ctx, normal, timeout)
		return b.observed(ctx, ch, msg, err)
	}
	if len(normal) == 0 {
		ch, msg, err := b.response.ReceiveManyBlocking(ctx, response, timeout)
		return b.observed(ctx, ch, msg, err)
	}

	deadline := time.Now().Add(timeout)
	for {
		if ch, msg, err := b.receiveFrom(ctx, b.store, normal); err != nil || msg != nil {
			return ch, msg, err
		}
		if ch, msg, err := b.receiveFrom(ctx, b.response, response); err != nil || msg != nil {
			return ch, msg, err
		}
		if time.Now().After(deadline) {
			return "", nil, nil
		}
		select {
		case <-ctx.Done():
			return "", nil, ctx.Err()
		case <-time.After(shardPollInterval):
		}
	}
}

// GroupAdd adds (or refreshes) the channel's membership in the group
// with expiry now+ttl; a zero ttl uses the backend default. Calling it
// on an interval is the keepalive mechanism.
func (b *Bus) GroupAdd(ctx context.Context, group, name string, ttl time.Duration) error {
	g, err := channel.ParseGroup(group)
	if err != nil {
		return err
	}
	ch, err := channel.Parse(name)
	if err != nil {
		return err
	}
	return b.store.GroupAdd(ctx, g, ch, ttl)
}

// GroupDiscard removes the channel from the group. It never fails for a
// membership that does not exist.
func (b *Bus) GroupDiscard(ctx context.Context, group, name string) error {
	g, err := channel.ParseGroup(group)
	if err != nil {
		return err
	}
	ch, err := channel.Parse(name)
	if err != nil {
		return err
	}
	return b.store.GroupDiscard(ctx, g, ch)
}

// GroupMembers returns the channels whose membership has not expired as
// of call time.
func (b *Bus) GroupMembers(ctx context.Context, group string) ([]string, error) {
	g, err := channel.ParseGroup(group)
	if err != nil {
		return nil, err
	}
	members, err := b.store.GroupMembers(ctx, g)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(members))
	for i, m := range members {
		names[i] = m.String()
	}
	return names, nil
}

// Report is the per-member outcome of a SendGroup call.
type Report struct {
	// Delivered lists members whose queue accepted the message.
	Delivered []string
	// Failed maps members to their send error. A full member queue does
	// not stop delivery to the rest of the group.
	Failed map[string]error
}

// OK reports whether every member accepted the message.
func (r Report) OK() bool { return len(r.Failed) == 0 }

// SendGroup sends payload to every current member of the group. One
// member's failure never aborts the others; the returned Report carries
// every outcome. The call itself errors only when the group cannot be
// resolved.
func (b *Bus) SendGroup(ctx context.Context, group string, payload []byte, ttl time.Duration) (Report, error) {
	g, err := channel.ParseGroup(group)
	if err != nil {
		return Report{}, err
	}
	members, err := b.store.GroupMembers(ctx, g)
	if err != nil {
		return Report{}, fmt.Errorf("resolve group %s: %w", group, err)
	}

	report := Report{Failed: make(map[string]error)}
	for _, member := range members {
		if err := b.storeFor(member).Send(ctx, member, payload, ttl); err != nil {
			report.Failed[member.String()] = err
			b.logger.Warn("group send to member failed",
				slog.String("group", group),
				slog.String("channel", member.String()),
				slog.String("error", err.Error()))
			continue
		}
		report.Delivered = append(report.Delivered, member.String())
	}

	b.metrics.recordFanout(ctx, len(members))
	return report, nil
}

// receiveFrom polls one store, recording a successful hand-off.
func (b *Bus) receiveFrom(ctx context.Context, store backend.Store, channels []channel.Name) (string, *backend.Message, error) {
	if len(channels) == 0 {
		return "", nil, nil
	}
	ch, msg, err := store.ReceiveMany(ctx, channels)
	return b.observed(ctx, ch, msg, err)
}

func (b *Bus) observed(ctx context.Context, ch channel.Name, msg *backend.Message, err error) (string, *backend.Message, error) {
	if err != nil || msg == nil {
		return "", nil, err
	}
	b.metrics.recordReceive(ctx, ch.Kind())
	return ch.String(), msg, nil
}

// splitByKind validates every candidate name and partitions them into
// normal and response channels.
func (b *Bus) splitByKind(names []string) (normal, response []channel.Name, err error) {
	for _, name := range names {
		ch, err := channel.Parse(name)
		if err != nil {
			return nil, nil, err
		}
		if ch.Kind() == channel.KindResponse {
			response = append(response, ch)
			continue
		}
		normal = append(normal, ch)
	}
	return normal, response, nil
}

func errorReason(err error) string {
	switch {
	case errors.Is(err, channel.ErrInvalidName):
		return "invalid_name"
	case errors.Is(err, backend.ErrMessageTooLarge):
		return "too_large"
	case errors.Is(err, backend.ErrChannelFull):
		return "channel_full"
	case errors.Is(err, backend.ErrBackendUnavailable):
		return "unavailable"
	default:
		return "other"
	}
}
