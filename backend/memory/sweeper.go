// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"log/slog"
	"time"
)

// sweepLoop periodically reaps expired messages and group memberships so
// abandoned channels do not accumulate. Receives already skip expired
// entries on access; the sweep only reclaims memory.
func (s *Store) sweepLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			messages, memberships := s.sweep()
			if messages > 0 || memberships > 0 {
				s.logger.Debug("swept expired entries",
					slog.Int("messages", messages),
					slog.Int("memberships", memberships))
			}
		}
	}
}

// sweep removes every expired message and membership, dropping channels
// and groups that end up empty. It returns the number of reaped messages
// and memberships.
func (s *Store) sweep() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, 0
	}
	now := s.now()

	var messages int
	for ch, q := range s.queues {
		kept := q[:0]
		for _, msg := range q {
			if msg.Expired(now) {
				messages++
				continue
			}
			kept = append(kept, msg)
		}
		if len(kept) == 0 {
			delete(s.queues, ch)
			continue
		}
		s.queues[ch] = kept
	}

	var memberships int
	for group, members := range s.groups {
		for ch, expires := range members {
			if !expires.After(now) {
				delete(members, ch)
				memberships++
			}
		}
		if len(members) == 0 {
			delete(s.groups, group)
		}
	}

	return messages, memberships
}
