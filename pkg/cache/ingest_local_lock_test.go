package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalLockExclusive(t *testing.T) {
	l := NewLocalLock()
	ctx := context.Background()

	release, ok, err := l.TryLock(ctx, "reeval", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = l.TryLock(ctx, "reeval", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "second holder must be rejected")

	_, ok, _ = l.TryLock(ctx, "other", time.Minute)
	assert.True(t, ok, "locks are per key")

	release()
	_, ok, _ = l.TryLock(ctx, "reeval", time.Minute)
	assert.True(t, ok, "lock is free after release")
}

func TestLocalLockExpires(t *testing.T) {
	l := NewLocalLock()
	ctx := context.Background()

	staleRelease, ok, _ := l.TryLock(ctx, "reeval", time.Millisecond)
	require.True(t, ok)
	time.Sleep(5 * time.Millisecond)

	_, ok, _ = l.TryLock(ctx, "reeval", time.Minute)
	require.True(t, ok, "expired lock can be retaken")

	// releasing the expired hold must not free the new one
	staleRelease()
	_, ok, _ = l.TryLock(ctx, "reeval", time.Minute)
	assert.False(t, ok)
}
