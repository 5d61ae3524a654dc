package kv

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	_, ok, err := s.Get(ctx, "session.room")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.Set(ctx, "session.room", "general"))
	require.NoError(t, s.Set(ctx, "session.room", "random"))
	v, ok, err := s.Get(ctx, "session.room")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "random", v)

	require.NoError(t, SetJSON(ctx, s, "session.unread", map[string]int{"general": 2}))
	var unread map[string]int
	found, err := GetJSON(ctx, s, "session.unread", &unread)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, map[string]int{"general": 2}, unread)

	require.NoError(t, s.Delete(ctx, "session.room"))
	_, ok, err = s.Get(ctx, "session.room")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemory())
}

func TestSQLiteStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kv.db")
	s, err := OpenSQLite(context.Background(), path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	exerciseStore(t, s)
}

func TestSQLiteStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "kv.db")

	s, err := OpenSQLite(ctx, path)
	require.NoError(t, err)
	require.NoError(t, s.Set(ctx, "session.muted", "true"))
	require.NoError(t, s.Close())

	s, err = OpenSQLite(ctx, path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	v, ok, err := s.Get(ctx, "session.muted")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "true", v)
}

func TestRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	s, err := OpenRedis(context.Background(), "redis://"+mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	exerciseStore(t, s)

	require.NoError(t, s.Set(context.Background(), "session.muted", "true"))
	v, err := mr.Get("campus:session.muted")
	require.NoError(t, err)
	require.Equal(t, "true", v)
}

func TestOpenRedisFailsWhenServerIsDown(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := OpenRedis(context.Background(), "redis://"+addr)
	require.Error(t, err)
}

func TestOpenRejectsUnknownBackend(t *testing.T) {
	_, err := Open(context.Background(), "etcd", "")
	require.ErrorIs(t, err, ErrUnknownBackend)

	s, err := Open(context.Background(), "memory", "")
	require.NoError(t, err)
	require.IsType(t, &Memory{}, s)
}
