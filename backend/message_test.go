// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeMessage(t *testing.T) {
	now := time.Now().Truncate(time.Millisecond)
	msg := &Message{
		Payload:  []byte("hello"),
		Enqueued: now,
		Expires:  now.Add(time.Minute),
	}

	decoded, err := DecodeMessage(EncodeMessage(msg))
	require.NoError(t, err)
	assert.Equal(t, msg.Payload, decoded.Payload)
	assert.True(t, msg.Enqueued.Equal(decoded.Enqueued))
	assert.True(t, msg.Expires.Equal(decoded.Expires))
}

func TestEncodeMessageCompressesLargePayloads(t *testing.T) {
	now := time.Now()
	// Highly repetitive payload, well above the compression threshold.
	payload := bytes.Repeat([]byte("flowbus"), 16*1024)
	msg := &Message{Payload: payload, Enqueued: now, Expires: now.Add(time.Minute)}

	encoded := EncodeMessage(msg)
	assert.Less(t, len(encoded), len(payload))

	decoded, err := DecodeMessage(encoded)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(payload, decoded.Payload))
}

func TestDecodeMessageRejectsGarbage(t *testing.T) {
	_, err := DecodeMessage([]byte("short"))
	assert.ErrorIs(t, err, ErrBadEnvelope)

	bad := EncodeMessage(&Message{Payload: []byte("x"), Enqueued: time.Now(), Expires: time.Now()})
	bad[0] = 99
	_, err = DecodeMessage(bad)
	assert.ErrorIs(t, err, ErrBadEnvelope)
}

func TestMessageExpiredBoundary(t *testing.T) {
	now := time.Now()
	msg := &Message{Expires: now}

	assert.True(t, msg.Expired(now), "a message exactly at its expiry instant is expired")
	assert.True(t, msg.Expired(now.Add(time.Millisecond)))
	assert.False(t, msg.Expired(now.Add(-time.Millisecond)))
}
