// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"bytes"
	"context"
	"log/slog"
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
		s, err := Open("", WithLimits(limits))
		require.NoError(t, err)
		return s
	})
}

func TestOpenLogsDestination(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	s, err := Open("", WithLogger(logger))
	require.NoError(t, err)
	defer s.Close()

	assert.Contains(t, buf.String(), "in-memory")
}

func TestMessagesSurviveReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, s.Send(ctx, "x", []byte("persisted"), time.Hour))
	require.NoError(t, s.Close())

	s, err = Open(dir)
	require.NoError(t, err)
	defer s.Close()

	ch, msg, err := s.ReceiveMany(ctx, []channel.Name{"x"})
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, channel.Name("x"), ch)
	assert.Equal(t, []byte("persisted"), msg.Payload)
}

func TestSequenceResumesAfterReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, s.Send(ctx, "x", []byte("first"), time.Hour))
	require.NoError(t, s.Send(ctx, "x", []byte("second"), time.Hour))
	require.NoError(t, s.Close())

	s, err = Open(dir)
	require.NoError(t, err)
	defer s.Close()

	// A send after reopen must sort after the surviving messages.
	require.NoError(t, s.Send(ctx, "x", []byte("third"), time.Hour))

	for _, want := range []string{"first", "second", "third"} {
		_, msg, err := s.ReceiveMany(ctx, []channel.Name{"x"})
		require.NoError(t, err)
		require.NotNil(t, msg)
		assert.Equal(t, want, string(msg.Payload))
	}
}

func TestGroupMembershipSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, s.GroupAdd(ctx, "grp", "c1", time.Hour))
	require.NoError(t, s.Close())

	s, err = Open(dir)
	require.NoError(t, err)
	defer s.Close()

	members, err := s.GroupMembers(ctx, "grp")
	require.NoError(t, err)
	assert.Equal(t, []channel.Name{"c1"}, members)
}
