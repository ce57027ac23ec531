package lock

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocal_Exclusive(t *testing.T) {
	l := NewLocal()
	ctx := context.Background()

	var (
		inside  atomic.Int32
		maxSeen atomic.Int32
		wg      sync.WaitGroup
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := l.Lock(ctx, EntityKey("acme"))
			if !assert.NoError(t, err) {
				return
			}
			n := inside.Add(1)
			if n > maxSeen.Load() {
				maxSeen.Store(n)
			}
			time.Sleep(time.Millisecond)
			inside.Add(-1)
			release()
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxSeen.Load())
	assert.Zero(t, l.held(), "slots are dropped once unused")
}

func TestLocal_IndependentKeys(t *testing.T) {
	l := NewLocal()
	ctx := context.Background()

	releaseA, err := l.Lock(ctx, EntityKey("acme"))
	require.NoError(t, err)
	defer releaseA()

	releaseB, err := l.Lock(ctx, EntityKey("globex"))
	require.NoError(t, err)
	releaseB()
}

func TestLocal_ContextCancel(t *testing.T) {
	l := NewLocal()

	release, err := l.Lock(context.Background(), EntityKey("acme"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, EntityKey("acme"))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	release()
	release()
	assert.Zero(t, l.held())
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "entity:acme", EntityKey("acme"))
	assert.Equal(t, "hub:people:acme", HubKey("people", "acme"))
}

func TestRedis_Exclusive(t *testing.T) {
	addr := os.Getenv("BITGATE_REDIS_ADDR")
	if addr == "" {
		t.Skip("BITGATE_REDIS_ADDR not set")
	}
	ctx := context.Background()
	client, err := DialRedis(ctx, addr)
	require.NoError(t, err)
	defer client.Close()

	l := NewRedis(client, time.Second)
	key := "test:" + t.Name()

	release, err := l.Lock(ctx, key)
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	_, err = l.Lock(waitCtx, key)
	require.Error(t, err)

	release()
	release2, err := l.Lock(ctx, key)
	require.NoError(t, err)
	release2()
}
