package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exerciseStore(t *testing.T, st Store, expire func(time.Duration)) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, st.SetEndpoint(ctx, "office", "ws://10.0.0.2:8080/api/v1/ws"))
	url, err := st.GetEndpoint(ctx, "office")
	require.NoError(t, err)
	assert.Equal(t, "ws://10.0.0.2:8080/api/v1/ws", url)

	require.NoError(t, st.DeleteEndpoint(ctx, "office"))
	url, err = st.GetEndpoint(ctx, "office")
	require.NoError(t, err)
	assert.Empty(t, url)

	seen, err := st.IsProcessed(ctx, "req-1")
	require.NoError(t, err)
	assert.False(t, seen)

	require.NoError(t, st.MarkProcessed(ctx, "req-1", time.Minute))
	require.NoError(t, st.SetRequestStatus(ctx, "req-1", "done", time.Minute))
	seen, err = st.IsProcessed(ctx, "req-1")
	require.NoError(t, err)
	assert.True(t, seen)
	status, err := st.GetRequestStatus(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, "done", status)

	expire(2 * time.Minute)

	seen, err = st.IsProcessed(ctx, "req-1")
	require.NoError(t, err)
	assert.False(t, seen)
	status, err = st.GetRequestStatus(ctx, "req-1")
	require.NoError(t, err)
	assert.Empty(t, status)
}

func TestMemoryStore(t *testing.T) {
	st := NewMemoryStore()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	st.now = func() time.Time { return now }

	exerciseStore(t, st, func(d time.Duration) { now = now.Add(d) })
}

func TestMemoryStore_SweepsExpired(t *testing.T) {
	st := NewMemoryStore()
	now := time.Now()
	st.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, st.MarkProcessed(ctx, "old", time.Second))
	require.NoError(t, st.SetRequestStatus(ctx, "old", "done", time.Second))
	now = now.Add(time.Minute)
	require.NoError(t, st.MarkProcessed(ctx, "new", time.Second))

	assert.Len(t, st.processed, 1)
	assert.Empty(t, st.statuses)
}

func TestRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	st := NewRedisStore(mr.Addr())
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Ping(context.Background()))

	exerciseStore(t, st, mr.FastForward)
}
