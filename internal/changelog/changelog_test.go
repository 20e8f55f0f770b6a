package changelog

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestLog(t *testing.T) *Log {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "changelog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestRecordAndRecent(t *testing.T) {
	l := openTestLog(t)
	ctx := context.Background()

	l.Record(ctx, Entry{ChannelID: 1, ChannelName: "One", CheckedAt: time.Now(), Probed: 3, Dead: 1, Duration: 1500 * time.Millisecond})
	l.Record(ctx, Entry{ChannelID: 2, ChannelName: "Two", CheckedAt: time.Now(), Probed: 1, Error: "set stream order: boom"})

	got, err := l.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 2, got[0].ChannelID, "newest first")
	assert.Equal(t, "set stream order: boom", got[0].Error)
	assert.Equal(t, 3, got[1].Probed)
	assert.Equal(t, 1500*time.Millisecond, got[1].Duration)
}

func TestRecentDefaultLimit(t *testing.T) {
	l := openTestLog(t)
	got, err := l.Recent(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestPrune(t *testing.T) {
	l := openTestLog(t)
	ctx := context.Background()

	l.Record(ctx, Entry{ChannelID: 1, CheckedAt: time.Now().Add(-48 * time.Hour)})
	l.Record(ctx, Entry{ChannelID: 2, CheckedAt: time.Now()})

	n, err := l.Prune(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	got, err := l.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 2, got[0].ChannelID)
}
