// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package backendtest runs the channel backend contract against any
// Store implementation. Each backend package invokes Run from its own
// tests so every implementation proves the same semantics: per-channel
// FIFO, at-most-once hand-off, expiry, capacity rejection, group
// membership TTLs and blocking receives.
package backendtest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/absmach/flowbus/backend"
	"github.com/absmach/flowbus/channel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory builds a fresh store with the given tuning. The suite closes
// the store when the subtest ends.
type Factory func(t *testing.T, limits backend.Limits) backend.Store

// Run exercises the full backend contract against stores built by the
// factory.
func Run(t *testing.T, factory Factory) {
	newStore := func(t *testing.T, limits backend.Limits) backend.Store {
		t.Helper()
		s := factory(t, limits.Normalize())
		t.Cleanup(func() { _ = s.Close() })
		return s
	}

	ctx := context.Background()

	t.Run("FIFOOrder", func(t *testing.T) {
		s := newStore(t, backend.Limits{})

		require.NoError(t, s.Send(ctx, "x", []byte("A"), 0))
		require.NoError(t, s.Send(ctx, "x", []byte("B"), 0))

		ch, msg, err := s.ReceiveMany(ctx, []channel.Name{"x"})
		require.NoError(t, err)
		require.NotNil(t, msg)
		assert.Equal(t, channel.Name("x"), ch)
		assert.Equal(t, []byte("A"), msg.Payload)

		ch, msg, err = s.ReceiveMany(ctx, []channel.Name{"x"})
		require.NoError(t, err)
		require.NotNil(t, msg)
		assert.Equal(t, channel.Name("x"), ch)
		assert.Equal(t, []byte("B"), msg.Payload)

		_, msg, err = s.ReceiveMany(ctx, []channel.Name{"x"})
		require.NoError(t, err)
		assert.Nil(t, msg, "drained channel must report no message")
	})

	t.Run("ReceiveEmpty", func(t *testing.T) {
		s := newStore(t, backend.Limits{})

		start := time.Now()
		ch, msg, err := s.ReceiveMany(ctx, []channel.Name{"nothing-here"})
		require.NoError(t, err)
		assert.Nil(t, msg)
		assert.Empty(t, ch)
		assert.Less(t, time.Since(start), 2*time.Second, "empty receive must return promptly")

		_, msg, err = s.ReceiveMany(ctx, nil)
		require.NoError(t, err)
		assert.Nil(t, msg)
	})

	t.Run("InvalidChannelName", func(t *testing.T) {
		s := newStore(t, backend.Limits{})

		err := s.Send(ctx, "bad name", []byte("x"), 0)
		assert.ErrorIs(t, err, channel.ErrInvalidName)

		_, _, err = s.ReceiveMany(ctx, []channel.Name{"also/bad"})
		assert.ErrorIs(t, err, channel.ErrInvalidName)

		err = s.GroupAdd(ctx, "!group", "ok", 0)
		assert.ErrorIs(t, err, channel.ErrInvalidName)
	})

	t.Run("MessageTooLarge", func(t *testing.T) {
		s := newStore(t, backend.Limits{MaxMessageSize: 1024})

		err := s.Send(ctx, "x", make([]byte, 1025), 0)
		assert.ErrorIs(t, err, backend.ErrMessageTooLarge)

		require.NoError(t, s.Send(ctx, "x", make([]byte, 1024), 0))
	})

	t.Run("ChannelFull", func(t *testing.T) {
		s := newStore(t, backend.Limits{Capacity: 2})

		require.NoError(t, s.Send(ctx, "x", []byte("1"), 0))
		require.NoError(t, s.Send(ctx, "x", []byte("2"), 0))

		err := s.Send(ctx, "x", []byte("3"), 0)
		assert.ErrorIs(t, err, backend.ErrChannelFull)

		// Rejection dropped the new message, not a queued one.
		_, msg, err := s.ReceiveMany(ctx, []channel.Name{"x"})
		require.NoError(t, err)
		require.NotNil(t, msg)
		assert.Equal(t, []byte("1"), msg.Payload)

		// Capacity is per channel.
		require.NoError(t, s.Send(ctx, "y", []byte("4"), 0))
	})

	t.Run("MessageExpiry", func(t *testing.T) {
		s := newStore(t, backend.Limits{})

		require.NoError(t, s.Send(ctx, "x", []byte("fleeting"), 40*time.Millisecond))
		time.Sleep(120 * time.Millisecond)

		_, msg, err := s.ReceiveMany(ctx, []channel.Name{"x"})
		require.NoError(t, err)
		assert.Nil(t, msg, "expired message must be indistinguishable from one that never existed")
	})

	t.Run("ExpiredSkippedInOrder", func(t *testing.T) {
		s := newStore(t, backend.Limits{})

		require.NoError(t, s.Send(ctx, "x", []byte("short"), 40*time.Millisecond))
		require.NoError(t, s.Send(ctx, "x", []byte("long"), time.Minute))
		time.Sleep(120 * time.Millisecond)

		_, msg, err := s.ReceiveMany(ctx, []channel.Name{"x"})
		require.NoError(t, err)
		require.NotNil(t, msg)
		assert.Equal(t, []byte("long"), msg.Payload)
	})

	t.Run("AtMostOnce", func(t *testing.T) {
		s := newStore(t, backend.Limits{Capacity: 1000})

		channels := []channel.Name{"amo-a", "amo-b", "amo-c"}
		const perChannel = 50
		for _, ch := range channels {
			for i := 0; i < perChannel; i++ {
				require.NoError(t, s.Send(ctx, ch, []byte(fmt.Sprintf("%s:%d", ch, i)), time.Minute))
			}
		}

		var mu sync.Mutex
		seen := make(map[string]int)
		var wg sync.WaitGroup
		for r := 0; r < 8; r++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					_, msg, err := s.ReceiveMany(ctx, channels)
					if err != nil || msg == nil {
						return
					}
					mu.Lock()
					seen[string(msg.Payload)]++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		assert.Len(t, seen, len(channels)*perChannel)
		for payload, count := range seen {
			assert.Equal(t, 1, count, "message %q delivered more than once", payload)
		}
	})

	t.Run("BlockingReceiveWakes", func(t *testing.T) {
		s := newStore(t, backend.Limits{})

		go func() {
			time.Sleep(50 * time.Millisecond)
			_ = s.Send(ctx, "wake", []byte("up"), 0)
		}()

		start := time.Now()
		ch, msg, err := s.ReceiveManyBlocking(ctx, []channel.Name{"wake"}, 5*time.Second)
		require.NoError(t, err)
		require.NotNil(t, msg)
		assert.Equal(t, channel.Name("wake"), ch)
		assert.Equal(t, []byte("up"), msg.Payload)
		assert.Less(t, time.Since(start), 3*time.Second, "blocking receive should resume on arrival, not timeout")
	})

	t.Run("BlockingReceiveTimeout", func(t *testing.T) {
		s := newStore(t, backend.Limits{})

		start := time.Now()
		_, msg, err := s.ReceiveManyBlocking(ctx, []channel.Name{"quiet"}, 100*time.Millisecond)
		require.NoError(t, err)
		assert.Nil(t, msg, "timeout is an empty result, not an error")
		elapsed := time.Since(start)
		assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
		assert.Less(t, elapsed, 3*time.Second)
	})

	t.Run("BlockingReceiveCancel", func(t *testing.T) {
		s := newStore(t, backend.Limits{})

		cctx, cancel := context.WithCancel(ctx)
		go func() {
			time.Sleep(50 * time.Millisecond)
			cancel()
		}()

		_, msg, err := s.ReceiveManyBlocking(cctx, []channel.Name{"quiet"}, 10*time.Second)
		assert.Error(t, err)
		assert.Nil(t, msg)
	})

	t.Run("GroupMembership", func(t *testing.T) {
		s := newStore(t, backend.Limits{})

		require.NoError(t, s.GroupAdd(ctx, "grp", "c1", 0))
		require.NoError(t, s.GroupAdd(ctx, "grp", "c2", 0))
		require.NoError(t, s.GroupAdd(ctx, "grp", "c2", 0)) // idempotent

		members, err := s.GroupMembers(ctx, "grp")
		require.NoError(t, err)
		assert.ElementsMatch(t, []channel.Name{"c1", "c2"}, members)

		require.NoError(t, s.GroupDiscard(ctx, "grp", "c1"))
		members, err = s.GroupMembers(ctx, "grp")
		require.NoError(t, err)
		assert.ElementsMatch(t, []channel.Name{"c2"}, members)

		// Discarding a channel never added is a no-op.
		require.NoError(t, s.GroupDiscard(ctx, "grp", "never-added"))
		require.NoError(t, s.GroupDiscard(ctx, "no-such-group", "c1"))

		members, err = s.GroupMembers(ctx, "empty-group")
		require.NoError(t, err)
		assert.Empty(t, members)
	})

	t.Run("GroupMembershipExpiry", func(t *testing.T) {
		s := newStore(t, backend.Limits{})

		require.NoError(t, s.GroupAdd(ctx, "grp", "c1", 60*time.Millisecond))
		require.NoError(t, s.GroupAdd(ctx, "grp", "c2", time.Minute))

		members, err := s.GroupMembers(ctx, "grp")
		require.NoError(t, err)
		assert.ElementsMatch(t, []channel.Name{"c1", "c2"}, members)

		time.Sleep(150 * time.Millisecond)

		members, err = s.GroupMembers(ctx, "grp")
		require.NoError(t, err)
		assert.ElementsMatch(t, []channel.Name{"c2"}, members, "expired membership must drop out")
	})

	t.Run("GroupAddExtendsExpiry", func(t *testing.T) {
		s := newStore(t, backend.Limits{})

		require.NoError(t, s.GroupAdd(ctx, "grp", "c1", 80*time.Millisecond))
		time.Sleep(50 * time.Millisecond)
		require.NoError(t, s.GroupAdd(ctx, "grp", "c1", 80*time.Millisecond))
		time.Sleep(50 * time.Millisecond)

		// Past the original expiry but within the renewed one.
		members, err := s.GroupMembers(ctx, "grp")
		require.NoError(t, err)
		assert.ElementsMatch(t, []channel.Name{"c1"}, members)
	})

	t.Run("ResponseChannels", func(t *testing.T) {
		s := newStore(t, backend.Limits{})

		resp, err := channel.NewResponseName("test-send")
		require.NoError(t, err)

		require.NoError(t, s.Send(ctx, resp, []byte("pong"), 0))
		ch, msg, err := s.ReceiveMany(ctx, []channel.Name{resp})
		require.NoError(t, err)
		require.NotNil(t, msg)
		assert.Equal(t, resp, ch)

		require.NoError(t, s.GroupAdd(ctx, "grp", "!resp1", 0))
		require.NoError(t, s.GroupAdd(ctx, "grp", "!resp2", 0))
		members, err := s.GroupMembers(ctx, "grp")
		require.NoError(t, err)
		assert.ElementsMatch(t, []channel.Name{"!resp1", "!resp2"}, members)
	})

	t.Run("LargePayloadRoundTrip", func(t *testing.T) {
		s := newStore(t, backend.Limits{})

		payload := make([]byte, 5*1024*1024)
		for i := range payload {
			payload[i] = byte(i*31 + 7)
		}

		require.NoError(t, s.Send(ctx, "big", payload, time.Minute))
		_, msg, err := s.ReceiveMany(ctx, []channel.Name{"big"})
		require.NoError(t, err)
		require.NotNil(t, msg)
		require.Len(t, msg.Payload, len(payload))
		assert.Equal(t, payload, msg.Payload, "5 MB payload must round-trip byte-identical")
	})
}
