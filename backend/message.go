// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/klauspost/compress/s2"
)

// Message is the envelope a channel queue hands to a receiver: opaque
// payload bytes plus enqueue and expiry timestamps. The channel name is
// implicit and travels alongside the message, never inside it.
type Message struct {
	Payload  []byte
	Enqueued time.Time
	Expires  time.Time
}

// Expired reports whether the message may no longer be delivered as of
// now. The boundary is exclusive: a message exactly at its expiry
// instant is expired.
func (m *Message) Expired(now time.Time) bool {
	return !m.Expires.After(now)
}

// Envelope wire format:
// Version(1) + Flags(1) + Enqueued millis(8) + Expires millis(8) + payload.
const (
	envelopeVersion    = 1
	envelopeHeaderSize = 18

	flagCompressed = 1 << 0

	// Payloads below this size are stored uncompressed; compression is
	// also skipped when it does not reduce the size.
	compressThreshold = 4 * 1024
)

// ErrBadEnvelope is returned when a stored message cannot be decoded.
var ErrBadEnvelope = errors.New("malformed message envelope")

// EncodeMessage serializes a message for storage, compressing large
// payloads with s2 when that actually shrinks them.
func EncodeMessage(m *Message) []byte {
	payload := m.Payload
	var flags byte
	if len(payload) >= compressThreshold {
		compressed := s2.Encode(nil, payload)
		if len(compressed) < len(payload) {
			payload = compressed
			flags |= flagCompressed
		}
	}

	buf := make([]byte, envelopeHeaderSize+len(payload))
	buf[0] = envelopeVersion
	buf[1] = flags
	binary.BigEndian.PutUint64(buf[2:], uint64(m.Enqueued.UnixMilli()))
	binary.BigEndian.PutUint64(buf[10:], uint64(m.Expires.UnixMilli()))
	copy(buf[envelopeHeaderSize:], payload)
	return buf
}

// DecodeMessage parses a stored envelope back into a message.
func DecodeMessage(data []byte) (*Message, error) {
	if len(data) < envelopeHeaderSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrBadEnvelope, len(data))
	}
	if data[0] != envelopeVersion {
		return nil, fmt.Errorf("%w: unknown version %d", ErrBadEnvelope, data[0])
	}

	payload := data[envelopeHeaderSize:]
	if data[1]&flagCompressed != 0 {
		decoded, err := s2.Decode(nil, payload)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadEnvelope, err)
		}
		payload = decoded
	} else {
		payload = append([]byte(nil), payload...)
	}

	return &Message{
		Payload:  payload,
		Enqueued: time.UnixMilli(int64(binary.BigEndian.Uint64(data[2:]))),
		Expires:  time.UnixMilli(int64(binary.BigEndian.Uint64(data[10:]))),
	}, nil
}
