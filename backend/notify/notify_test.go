// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package notify

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/absmach/flowbus/backend"
	"github.com/absmach/flowbus/channel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHubWake(t *testing.T) {
	h := NewHub()
	w := h.Register([]channel.Name{"a", "b"})
	defer w.Close()

	h.Wake("b")

	select {
	case name := <-w.Ready():
		assert.Equal(t, channel.Name("b"), name)
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken")
	}
}

func TestHubWakeUnrelatedChannel(t *testing.T) {
	h := NewHub()
	w := h.Register([]channel.Name{"a"})
	defer w.Close()

	h.Wake("other")

	select {
	case <-w.Ready():
		t.Fatal("waiter woken for a channel it never registered")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHubWakeAll(t *testing.T) {
	h := NewHub()
	w1 := h.Register([]channel.Name{"a"})
	defer w1.Close()
	w2 := h.Register([]channel.Name{"b"})
	defer w2.Close()

	h.WakeAll()

	for _, w := range []*Waiter{w1, w2} {
		select {
		case <-w.Ready():
		case <-time.After(time.Second):
			t.Fatal("waiter was not woken by broadcast")
		}
	}
}

func TestHubCloseDeregisters(t *testing.T) {
	h := NewHub()
	w := h.Register([]channel.Name{"a"})
	w.Close()
	w.Close() // idempotent

	h.mu.Lock()
	defer h.mu.Unlock()
	assert.Empty(t, h.waiters, "closed waiter must not leak a registration")
}

func TestWaitReturnsImmediateResult(t *testing.T) {
	h := NewHub()
	want := &backend.Message{Payload: []byte("hi")}

	ch, msg, err := Wait(context.Background(), h, []channel.Name{"a"}, time.Second,
		func(ctx context.Context) (channel.Name, *backend.Message, error) {
			return "a", want, nil
		})
	require.NoError(t, err)
	assert.Equal(t, channel.Name("a"), ch)
	assert.Same(t, want, msg)
}

func TestWaitWakesOnSend(t *testing.T) {
	h := NewHub()
	var ready atomic.Bool

	go func() {
		time.Sleep(30 * time.Millisecond)
		ready.Store(true)
		h.Wake("a")
	}()

	start := time.Now()
	ch, msg, err := Wait(context.Background(), h, []channel.Name{"a"}, 5*time.Second,
		func(ctx context.Context) (channel.Name, *backend.Message, error) {
			if ready.Load() {
				return "a", &backend.Message{Payload: []byte("x")}, nil
			}
			return "", nil, nil
		})
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, channel.Name("a"), ch)
	assert.Less(t, time.Since(start), 2*time.Second, "wakeup should arrive long before the timeout")
}

func TestWaitTimeout(t *testing.T) {
	h := NewHub()

	start := time.Now()
	ch, msg, err := Wait(context.Background(), h, []channel.Name{"a"}, 50*time.Millisecond,
		func(ctx context.Context) (channel.Name, *backend.Message, error) {
			return "", nil, nil
		})
	require.NoError(t, err)
	assert.Nil(t, msg)
	assert.Empty(t, ch)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestWaitCancel(t *testing.T) {
	h := NewHub()
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	_, msg, err := Wait(ctx, h, []channel.Name{"a"}, 5*time.Second,
		func(ctx context.Context) (channel.Name, *backend.Message, error) {
			return "", nil, nil
		})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, msg)

	h.mu.Lock()
	defer h.mu.Unlock()
	assert.Empty(t, h.waiters, "cancelled wait must release its registration")
}
