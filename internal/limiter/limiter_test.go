package limiter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGlobalCap(t *testing.T) {
	l := New(2, 0)
	ctx := context.Background()

	r1, err := l.Acquire(ctx, -1)
	require.NoError(t, err)
	r2, err := l.Acquire(ctx, -1)
	require.NoError(t, err)
	assert.Equal(t, 2, l.GlobalInUse())

	_, ok := l.TryAcquire(ctx, -1, 20*time.Millisecond)
	assert.False(t, ok, "global limit reached")

	r1()
	r3, ok := l.TryAcquire(ctx, -1, time.Second)
	require.True(t, ok)
	r3()
	r2()
	assert.Zero(t, l.GlobalInUse())
}

func TestAccountCap(t *testing.T) {
	l := New(10, 0)
	l.Reconfigure(map[int]int{1: 1, 2: 0})
	ctx := context.Background()

	r1, err := l.Acquire(ctx, 1)
	require.NoError(t, err)

	_, ok := l.TryAcquire(ctx, 1, 20*time.Millisecond)
	assert.False(t, ok, "account 1 at its cap")

	// Account 2 is unlimited and a different account is unaffected.
	r2, ok := l.TryAcquire(ctx, 2, time.Second)
	require.True(t, ok)
	r2()

	r1()
	r3, ok := l.TryAcquire(ctx, 1, time.Second)
	require.True(t, ok)
	r3()
}

func TestAccountWaitCancelReleasesGlobal(t *testing.T) {
	l := New(10, 0)
	l.Reconfigure(map[int]int{1: 1})
	ctx := context.Background()

	hold, err := l.Acquire(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, l.GlobalInUse())

	// Second acquire holds a global slot while blocking on the account
	// semaphore; cancellation must hand the global slot back.
	_, ok := l.TryAcquire(ctx, 1, 30*time.Millisecond)
	require.False(t, ok)
	assert.Equal(t, 1, l.GlobalInUse())

	hold()
	assert.Zero(t, l.GlobalInUse())
}

func TestReleaseIsIdempotent(t *testing.T) {
	l := New(1, 0)
	release, err := l.Acquire(context.Background(), -1)
	require.NoError(t, err)
	release()
	release()
	assert.Zero(t, l.GlobalInUse())
}

func TestStaggerPacesSubmissions(t *testing.T) {
	l := New(1, 30*time.Millisecond)
	ctx := context.Background()

	start := time.Now()
	require.NoError(t, l.Stagger(ctx)) // first token is free
	require.NoError(t, l.Stagger(ctx))
	require.NoError(t, l.Stagger(ctx))
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestStaggerDisabled(t *testing.T) {
	l := New(1, 0)
	start := time.Now()
	for i := 0; i < 100; i++ {
		require.NoError(t, l.Stagger(context.Background()))
	}
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}
