package inmem

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hpd-agent/core/session"
)

func TestCreateSessionIsIdempotentForActiveSessions(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now()

	first, err := s.CreateSession(ctx, "s1", now)
	require.NoError(t, err)
	require.Equal(t, session.StatusActive, first.Status)

	second, err := s.CreateSession(ctx, "s1", now.Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, first.CreatedAt, second.CreatedAt)
}

func TestCreateSessionAfterEndReturnsError(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now()

	_, err := s.CreateSession(ctx, "s1", now)
	require.NoError(t, err)
	_, err = s.EndSession(ctx, "s1", now.Add(time.Minute))
	require.NoError(t, err)

	_, err = s.CreateSession(ctx, "s1", now)
	require.ErrorIs(t, err, session.ErrSessionEnded)
}

func TestEndSessionIsIdempotent(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now()
	_, err := s.CreateSession(ctx, "s1", now)
	require.NoError(t, err)

	first, err := s.EndSession(ctx, "s1", now.Add(time.Minute))
	require.NoError(t, err)
	second, err := s.EndSession(ctx, "s1", now.Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, *first.EndedAt, *second.EndedAt)
}

func TestLoadSessionNotFound(t *testing.T) {
	s := New()
	_, err := s.LoadSession(context.Background(), "missing")
	require.ErrorIs(t, err, session.ErrSessionNotFound)
}

func TestUpsertRunPreservesStartedAt(t *testing.T) {
	s := New()
	ctx := context.Background()
	started := time.Now().Add(-time.Hour)

	require.NoError(t, s.UpsertRun(ctx, session.RunMeta{RunID: "r1", SessionID: "s1", Status: session.RunStatusRunning, StartedAt: started}))
	require.NoError(t, s.UpsertRun(ctx, session.RunMeta{RunID: "r1", SessionID: "s1", Status: session.RunStatusCompleted}))

	run, err := s.LoadRun(ctx, "r1")
	require.NoError(t, err)
	require.Equal(t, started.Unix(), run.StartedAt.Unix())
	require.Equal(t, session.RunStatusCompleted, run.Status)
}

func TestUpsertRunRejectsConflictingStartedAt(t *testing.T) {
	s := New()
	ctx := context.Background()
	t0 := time.Now()
	require.NoError(t, s.UpsertRun(ctx, session.RunMeta{RunID: "r1", SessionID: "s1", StartedAt: t0}))
	err := s.UpsertRun(ctx, session.RunMeta{RunID: "r1", SessionID: "s1", StartedAt: t0.Add(time.Minute)})
	require.Error(t, err)
}

func TestListRunsBySessionFiltersByStatus(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.UpsertRun(ctx, session.RunMeta{RunID: "r1", SessionID: "s1", Status: session.RunStatusCompleted}))
	require.NoError(t, s.UpsertRun(ctx, session.RunMeta{RunID: "r2", SessionID: "s1", Status: session.RunStatusFailed}))
	require.NoError(t, s.UpsertRun(ctx, session.RunMeta{RunID: "r3", SessionID: "s2", Status: session.RunStatusCompleted}))

	runs, err := s.ListRunsBySession(ctx, "s1", []session.RunStatus{session.RunStatusCompleted})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, "r1", runs[0].RunID)
}

func TestLoadRunNotFound(t *testing.T) {
	s := New()
	_, err := s.LoadRun(context.Background(), "missing")
	require.ErrorIs(t, err, session.ErrRunNotFound)
}
