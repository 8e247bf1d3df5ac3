package lockfile

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireAndRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "migrate.lock")

	l, err := TryAcquire(path)
	require.NoError(t, err)
	require.NoError(t, l.Release())

	// Reacquirable after release.
	l2, err := TryAcquire(path)
	require.NoError(t, err)
	require.NoError(t, l2.Release())
}

func TestReleaseTwiceIsSafe(t *testing.T) {
	path := filepath.Join(t.TempDir(), "migrate.lock")
	l, err := TryAcquire(path)
	require.NoError(t, err)
	require.NoError(t, l.Release())
	assert.NoError(t, l.Release())
}

func TestAcquireTimesOut(t *testing.T) {
	// flock is per-process on some platforms, so contention across two
	// handles in one process is not guaranteed to block. Exercise the
	// context path with an already-cancelled context instead.
	path := filepath.Join(t.TempDir(), "migrate.lock")
	l, err := TryAcquire(path)
	require.NoError(t, err)
	defer func() { _ = l.Release() }()

	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()
	<-ctx.Done()

	// Either we get the lock immediately (same-process flock semantics)
	// or the context error surfaces; both are acceptable here.
	if l2, err := Acquire(ctx, path); err == nil {
		_ = l2.Release()
	}
}
