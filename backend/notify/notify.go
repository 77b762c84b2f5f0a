// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package notify provides the in-process wakeup mechanism behind
// blocking receives for embedded backends. A waiter registers interest
// in a set of channel names and is woken when any of them gets a send;
// waiters that stop listening deregister without leaking.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/absmach/flowbus/backend"
	"github.com/absmach/flowbus/channel"
)

// Hub fans per-channel wakeups out to registered waiters. All methods
// are safe for concurrent use.
type Hub struct {
	mu      sync.Mutex
	waiters map[channel.Name]map[*Waiter]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{waiters: make(map[channel.Name]map[*Waiter]struct{})}
}

// Waiter is a registration for wakeups on a set of channel names.
// Close it when done listening.
type Waiter struct {
	hub   *Hub
	names []channel.Name
	ready chan channel.Name
}

// Register creates a waiter for the given channel names.
func (h *Hub) Register(names []channel.Name) *Waiter {
	w := &Waiter{
		hub:   h,
		names: names,
		// Buffered so Wake never blocks; one pending wakeup is enough,
		// waiters re-poll the store on every wakeup anyway.
		ready: make(chan channel.Name, 1),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, name := range names {
		set := h.waiters[name]
		if set == nil {
			set = make(map[*Waiter]struct{})
			h.waiters[name] = set
		}
		set[w] = struct{}{}
	}
	return w
}

// Ready yields a channel name that received a send since registration.
// Spurious wakeups are possible; a woken waiter must re-attempt its
// receive and may go back to waiting.
func (w *Waiter) Ready() <-chan channel.Name {
	return w.ready
}

// Close removes the registration. It is safe to call more than once.
func (w *Waiter) Close() {
	w.hub.mu.Lock()
	defer w.hub.mu.Unlock()
	for _, name := range w.names {
		set := w.hub.waiters[name]
		delete(set, w)
		if len(set) == 0 {
			delete(w.hub.waiters, name)
		}
	}
}

// Wake notifies every waiter registered for the channel. Waiters with a
// wakeup already pending are skipped; they will re-poll regardless.
func (h *Hub) Wake(name channel.Name) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for w := range h.waiters[name] {
		select {
		case w.ready <- name:
		default:
		}
	}
}

// WakeAll wakes every registered waiter. Stores call it on close so
// receives parked in a blocking wait observe the closed state promptly
// instead of sitting out their timeout.
func (h *Hub) WakeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for name, set := range h.waiters {
		for w := range set {
			select {
			case w.ready <- name:
			default:
			}
		}
	}
}

// ReceiveFunc is a non-blocking receive attempt over a fixed candidate
// set, returning ("", nil, nil) when nothing is ready.
type ReceiveFunc func(ctx context.Context) (channel.Name, *backend.Message, error)

// Wait implements a blocking receive on top of a non-blocking attempt:
// try, then suspend on the hub until a wakeup, the timeout, or ctx
// cancellation, re-attempting after every wakeup. Losing a wakeup race
// to a concurrent receiver simply resumes waiting.
func Wait(ctx context.Context, h *Hub, channels []channel.Name, timeout time.Duration, attempt ReceiveFunc) (channel.Name, *backend.Message, error) {
	ch, msg, err := attempt(ctx)
	if err != nil || msg != nil {
		return ch, msg, err
	}
	if timeout <= 0 {
		return "", nil, nil
	}

	w := h.Register(channels)
	defer w.Close()

	// Re-check after registering: a send may have landed between the
	// first attempt and registration.
	ch, msg, err = attempt(ctx)
	if err != nil || msg != nil {
		return ch, msg, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", nil, ctx.Err()
		case <-timer.C:
			return "", nil, nil
		case <-w.Ready():
			ch, msg, err = attempt(ctx)
			if err != nil || msg != nil {
				return ch, msg, err
			}
		}
	}
}
