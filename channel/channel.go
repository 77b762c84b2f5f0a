// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package channel defines validated channel names and the normal/response
// name discrimination used for routing.
package channel

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

const (
	// MaxNameLength is the maximum accepted channel or group name length.
	MaxNameLength = 199

	// ResponsePrefix marks a channel dedicated to a single consumer.
	ResponsePrefix = '!'
)

// ErrInvalidName is returned for names violating the alphabet, length or
// prefix rules. Returned errors wrap it, so callers match with errors.Is.
var ErrInvalidName = errors.New("invalid channel name")

// Kind classifies a channel name for routing purposes.
type Kind int

const (
	// KindNormal is a regular shared channel.
	KindNormal Kind = iota
	// KindResponse is a single-consumer channel, named with a leading '!'.
	KindResponse
)

func (k Kind) String() string {
	if k == KindResponse {
		return "response"
	}
	return "normal"
}

// Name is a validated channel name. Construct one through Parse or
// NewResponseName; the zero value is not a valid name.
type Name string

func (n Name) String() string { return string(n) }

// Kind reports whether the name designates a normal or response channel.
// It inspects only the leading character and keeps no state.
func (n Name) Kind() Kind {
	if len(n) > 0 && n[0] == ResponsePrefix {
		return KindResponse
	}
	return KindNormal
}

// Parse validates s as a channel name: 1 to MaxNameLength characters from
// [A-Za-z0-9_-], with an optional single leading '!'.
func Parse(s string) (Name, error) {
	body := s
	if len(s) > 0 && s[0] == ResponsePrefix {
		body = s[1:]
	}
	if err := checkBody(s, body); err != nil {
		return "", err
	}
	return Name(s), nil
}

// ParseGroup validates s as a group name. Group names share the channel
// alphabet and length limit but never carry the response prefix.
func ParseGroup(s string) (Name, error) {
	if err := checkBody(s, s); err != nil {
		return "", err
	}
	return Name(s), nil
}

// NewResponseName returns a fresh, unique response channel name of the
// form "!<prefix>-<uuid>". Interface adapters use it to mint the reply
// channel for each connection.
func NewResponseName(prefix string) (Name, error) {
	return Parse(string(ResponsePrefix) + prefix + "-" + uuid.NewString())
}

func checkBody(full, body string) error {
	if len(body) == 0 {
		return fmt.Errorf("%w: empty name", ErrInvalidName)
	}
	if len(full) > MaxNameLength {
		return fmt.Errorf("%w: %d characters exceeds limit of %d", ErrInvalidName, len(full), MaxNameLength)
	}
	for i := 0; i < len(body); i++ {
		c := body[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '_' || c == '-':
		default:
			return fmt.Errorf("%w: character %q at position %d", ErrInvalidName, c, len(full)-len(body)+i)
		}
	}
	return nil
}
