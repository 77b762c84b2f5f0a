// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package channel

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{name: "simple", input: "http-request"},
		{name: "underscores and digits", input: "websocket_receive_42"},
		{name: "response channel", input: "!websocket-send-abc123"},
		{name: "single character", input: "x"},
		{name: "at length limit", input: strings.Repeat("a", 199)},
		{name: "over length limit", input: strings.Repeat("a", 200), wantErr: true},
		{name: "empty", input: "", wantErr: true},
		{name: "bare prefix", input: "!", wantErr: true},
		{name: "dot rejected", input: "http.request", wantErr: true},
		{name: "space rejected", input: "http request", wantErr: true},
		{name: "slash rejected", input: "http/request", wantErr: true},
		{name: "prefix not leading", input: "http!request", wantErr: true},
		{name: "double prefix", input: "!!resp", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, err := Parse(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrInvalidName)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.input, n.String())
		})
	}
}

func TestParseGroup(t *testing.T) {
	_, err := ParseGroup("chat-room-7")
	require.NoError(t, err)

	// Groups never carry the response prefix.
	_, err = ParseGroup("!chat")
	assert.ErrorIs(t, err, ErrInvalidName)
}

func TestNameKind(t *testing.T) {
	n, err := Parse("events")
	require.NoError(t, err)
	assert.Equal(t, KindNormal, n.Kind())

	r, err := Parse("!reply-1")
	require.NoError(t, err)
	assert.Equal(t, KindResponse, r.Kind())

	assert.Equal(t, "normal", KindNormal.String())
	assert.Equal(t, "response", KindResponse.String())
}

func TestNewResponseName(t *testing.T) {
	a, err := NewResponseName("websocket-send")
	require.NoError(t, err)
	b, err := NewResponseName("websocket-send")
	require.NoError(t, err)

	assert.Equal(t, KindResponse, a.Kind())
	assert.NotEqual(t, a, b)
	assert.True(t, strings.HasPrefix(a.String(), "!websocket-send-"))
}
