// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package backend

import "errors"

var (
	// ErrChannelFull is returned by Send when the channel queue is at
	// capacity. The message is dropped; the sender is never blocked.
	ErrChannelFull = errors.New("channel full")

	// ErrMessageTooLarge is returned by Send when the payload exceeds the
	// backend's configured maximum message size.
	ErrMessageTooLarge = errors.New("message too large")

	// ErrBackendUnavailable is returned when the backing transport or
	// storage cannot be reached. Retrying is the caller's decision.
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrClosed is returned for operations on a closed store.
	ErrClosed = errors.New("backend closed")
)
