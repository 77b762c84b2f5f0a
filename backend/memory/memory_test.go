// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"testing"
	"time"

	"github.com/absmach/flowbus/backend"
	"github.com/absmach/flowbus/backend/backendtest"
	"github.com/absmach/flowbus/channel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConformance(t *testing.T) {
	backendtest.Run(t, func(t *testing.T, limits backend.Limits) backend.Store {
		return New(WithLimits(limits))
	})
}

// frozenClock pins the store's clock so expiry boundaries can be tested
// exactly instead of with sleeps. The swap happens under the store lock
// so the background sweeper never observes a torn update.
func frozenClock(s *Store, at time.Time) func(time.Time) {
	set := func(ts time.Time) {
		s.mu.Lock()
		s.now = func() time.Time { return ts }
		s.mu.Unlock()
	}
	set(at)
	return set
}

func TestExpiryBoundaryExclusive(t *testing.T) {
	s := New()
	defer s.Close()

	ctx := context.Background()
	base := time.Now()
	advance := frozenClock(s, base)

	require.NoError(t, s.Send(ctx, "x", []byte("m"), time.Minute))

	// One nanosecond before expiry the message is still deliverable.
	advance(base.Add(time.Minute - time.Nanosecond))
	_, msg, err := s.ReceiveMany(ctx, []channel.Name{"x"})
	require.NoError(t, err)
	require.NotNil(t, msg)

	require.NoError(t, s.Send(ctx, "x", []byte("m2"), time.Minute))

	// Exactly at the expiry instant it is gone.
	advance(base.Add(2 * time.Minute))
	_, msg, err = s.ReceiveMany(ctx, []channel.Name{"x"})
	require.NoError(t, err)
	assert.Nil(t, msg)
}

func TestGroupBoundaryExclusive(t *testing.T) {
	s := New()
	defer s.Close()

	ctx := context.Background()
	base := time.Now()
	advance := frozenClock(s, base)

	require.NoError(t, s.GroupAdd(ctx, "grp", "c1", time.Minute))

	advance(base.Add(time.Minute - time.Nanosecond))
	members, err := s.GroupMembers(ctx, "grp")
	require.NoError(t, err)
	assert.Equal(t, []channel.Name{"c1"}, members)

	// A member exactly at its expiry instant is already expired.
	advance(base.Add(time.Minute))
	members, err = s.GroupMembers(ctx, "grp")
	require.NoError(t, err)
	assert.Empty(t, members)
}

func TestSweepReclaimsExpiredState(t *testing.T) {
	s := New()
	defer s.Close()

	ctx := context.Background()
	base := time.Now()
	advance := frozenClock(s, base)

	require.NoError(t, s.Send(ctx, "x", []byte("gone"), time.Second))
	require.NoError(t, s.Send(ctx, "y", []byte("kept"), time.Hour))
	require.NoError(t, s.GroupAdd(ctx, "grp", "c1", time.Second))

	advance(base.Add(time.Minute))
	messages, memberships := s.sweep()
	assert.Equal(t, 1, messages)
	assert.Equal(t, 1, memberships)

	s.mu.Lock()
	defer s.mu.Unlock()
	assert.NotContains(t, s.queues, channel.Name("x"), "empty channel must be reaped")
	assert.Contains(t, s.queues, channel.Name("y"))
	assert.NotContains(t, s.groups, channel.Name("grp"), "empty group must be reaped")
}

func TestSweepSkipsMidQueueExpiryUntilDue(t *testing.T) {
	s := New()
	defer s.Close()

	ctx := context.Background()
	base := time.Now()
	advance := frozenClock(s, base)

	require.NoError(t, s.Send(ctx, "x", []byte("first"), time.Hour))
	require.NoError(t, s.Send(ctx, "x", []byte("middle"), time.Second))
	require.NoError(t, s.Send(ctx, "x", []byte("last"), time.Hour))

	// The middle message expires while the head stays valid; order of the
	// survivors is preserved.
	advance(base.Add(time.Minute))
	s.sweep()

	_, msg, err := s.ReceiveMany(ctx, []channel.Name{"x"})
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, []byte("first"), msg.Payload)

	_, msg, err = s.ReceiveMany(ctx, []channel.Name{"x"})
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, []byte("last"), msg.Payload)
}

func TestCloseReleasesBlockedReceivers(t *testing.T) {
	s := New()
	ctx := context.Background()

	errCh := make(chan error, 1)
	go func() {
		_, _, err := s.ReceiveManyBlocking(ctx, []channel.Name{"quiet"}, time.Minute)
		errCh <- err
	}()

	// Let the receiver park before closing.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, s.Close())

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, backend.ErrClosed)
	case <-time.After(3 * time.Second):
		t.Fatal("blocked receiver not released by Close")
	}
}

func TestClosedStore(t *testing.T) {
	s := New()
	require.NoError(t, s.Close())

	ctx := context.Background()
	assert.ErrorIs(t, s.Send(ctx, "x", []byte("m"), 0), backend.ErrClosed)
	_, _, err := s.ReceiveMany(ctx, []channel.Name{"x"})
	assert.ErrorIs(t, err, backend.ErrClosed)
	assert.ErrorIs(t, s.GroupAdd(ctx, "g", "x", 0), backend.ErrClosed)
}
