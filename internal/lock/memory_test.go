package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/otcheredev/ris-dicom-archive/internal/archiveerr"
	"github.com/otcheredev/ris-dicom-archive/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLockerConflict(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLocker()
	defer l.Close()

	require.NoError(t, l.Acquire(ctx, "1.2.3", models.QueueStateEditScheduled, time.Hour))

	err := l.Acquire(ctx, "1.2.3", models.QueueStateDeleteScheduled, time.Hour)
	var conflict *archiveerr.LockConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, string(models.QueueStateEditScheduled), conflict.HeldState)

	state, ok, err := l.State(ctx, "1.2.3")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, models.QueueStateEditScheduled, state)

	require.NoError(t, l.Release(ctx, "1.2.3"))
	require.NoError(t, l.Acquire(ctx, "1.2.3", models.QueueStateDeleteScheduled, time.Hour))
}

func TestMemoryLockerExpiry(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLocker()
	defer l.Close()

	now := time.Now()
	l.now = func() time.Time { return now }
	require.NoError(t, l.Acquire(ctx, "1.2.3", models.QueueStateEditScheduled, time.Minute))

	now = now.Add(2 * time.Minute)
	_, ok, err := l.State(ctx, "1.2.3")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, l.Acquire(ctx, "1.2.3", models.QueueStateEditScheduled, time.Minute))
}

func TestMemoryLockerSingleWinner(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLocker()
	defer l.Close()

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Acquire(ctx, "1.2.3", models.QueueStateEditScheduled, time.Hour) == nil {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins)
}

func TestMemoryLockerRefresh(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLocker()
	defer l.Close()

	now := time.Now()
	l.now = func() time.Time { return now }
	require.NoError(t, l.Acquire(ctx, "1.2.3", models.QueueStateEditScheduled, time.Minute))

	now = now.Add(50 * time.Second)
	require.NoError(t, l.Refresh(ctx, "1.2.3", models.QueueStateEditScheduled, time.Minute))

	now = now.Add(30 * time.Second)
	state, ok, err := l.State(ctx, "1.2.3")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, models.QueueStateEditScheduled, state)

	err = l.Refresh(ctx, "1.2.3", models.QueueStateDeleteScheduled, time.Minute)
	assert.True(t, archiveerr.IsLockConflict(err))

	now = now.Add(2 * time.Minute)
	require.NoError(t, l.Refresh(ctx, "1.2.3", models.QueueStateDeleteScheduled, time.Minute))
	state, ok, err = l.State(ctx, "1.2.3")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, models.QueueStateDeleteScheduled, state)
}

func TestKeepHoldsLockUntilStopped(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLocker()
	defer l.Close()

	stop, err := Keep(ctx, l, "1.2.3", models.QueueStateEditScheduled, 200*time.Millisecond)
	require.NoError(t, err)

	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		_, ok, err := l.State(ctx, "1.2.3")
		require.NoError(t, err)
		require.True(t, ok)
		time.Sleep(10 * time.Millisecond)
	}

	stop()
	assert.Eventually(t, func() bool {
		_, ok, _ := l.State(ctx, "1.2.3")
		return !ok
	}, time.Second, 10*time.Millisecond)
}

func TestKeepFailsWhenTakenOver(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLocker()
	defer l.Close()

	require.NoError(t, l.Acquire(ctx, "1.2.3", models.QueueStateDeleteScheduled, time.Minute))

	stop, err := Keep(ctx, l, "1.2.3", models.QueueStateEditScheduled, time.Minute)
	assert.Nil(t, stop)
	assert.True(t, archiveerr.IsLockConflict(err))

	state, _, err := l.State(ctx, "1.2.3")
	require.NoError(t, err)
	assert.Equal(t, models.QueueStateDeleteScheduled, state)
}
