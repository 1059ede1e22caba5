package keymutex_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gaborage/go-datalayer/internal/keymutex"
)

func TestLockUnlock(t *testing.T) {
	km := keymutex.New()

	unlock, err := km.Lock(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, 1, km.Len())

	unlock()
	assert.Equal(t, 0, km.Len())
}

func TestUnlockIsIdempotent(t *testing.T) {
	km := keymutex.New()

	unlock, err := km.Lock(context.Background(), "a")
	require.NoError(t, err)

	unlock()
	unlock()
	assert.Equal(t, 0, km.Len())

	// The key is usable again after the double unlock.
	unlock2, err := km.Lock(context.Background(), "a")
	require.NoError(t, err)
	unlock2()
}

func TestDifferentKeysDoNotBlock(t *testing.T) {
	km := keymutex.New()

	unlockA, err := km.Lock(context.Background(), "a")
	require.NoError(t, err)
	defer unlockA()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	unlockB, err := km.Lock(ctx, "b")
	require.NoError(t, err)
	unlockB()
}

func TestLockTimeout(t *testing.T) {
	km := keymutex.New()

	unlock, err := km.Lock(context.Background(), "a")
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = km.Lock(ctx, "a")
	require.Error(t, err)
	assert.ErrorIs(t, err, keymutex.ErrLockTimeout)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Contains(t, err.Error(), "a")
}

func TestTimedOutWaiterDoesNotLeakEntry(t *testing.T) {
	km := keymutex.New()

	unlock, err := km.Lock(context.Background(), "a")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = km.Lock(ctx, "a")
	require.Error(t, err)

	// The holder is still accounted for.
	assert.Equal(t, 1, km.Len())

	unlock()
	assert.Equal(t, 0, km.Len())
}

func TestMutualExclusion(t *testing.T) {
	km := keymutex.New()

	const goroutines = 16
	const iterations = 50

	counter := 0
	var wg sync.WaitGroup
	wg.Add(goroutines)

	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < iterations; j++ {
				unlock, err := km.Lock(context.Background(), "shared")
				if err != nil {
					t.Error(err)
					return
				}
				counter++
				unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, goroutines*iterations, counter)
	assert.Equal(t, 0, km.Len())
}
