package lock

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func runLockerSuite(t *testing.T, l Locker) {
	t.Run("serializes holders of a key", func(t *testing.T) {
		var inside, maxInside int32
		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				unlock, err := l.Lock(context.Background(), "nonce:Sepolia")
				if err != nil {
					t.Error(err)
					return
				}
				n := atomic.AddInt32(&inside, 1)
				for {
					m := atomic.LoadInt32(&maxInside)
					if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
						break
					}
				}
				time.Sleep(2 * time.Millisecond)
				atomic.AddInt32(&inside, -1)
				unlock()
			}()
		}
		wg.Wait()
		require.EqualValues(t, 1, maxInside)
	})

	t.Run("different keys do not block", func(t *testing.T) {
		unlockA, err := l.Lock(context.Background(), "claim:a")
		require.NoError(t, err)
		defer unlockA()

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		unlockB, err := l.Lock(ctx, "claim:b")
		require.NoError(t, err)
		unlockB()
	})

	t.Run("waiting respects context", func(t *testing.T) {
		unlock, err := l.Lock(context.Background(), "claim:busy")
		require.NoError(t, err)
		defer unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
		defer cancel()
		_, err = l.Lock(ctx, "claim:busy")
		require.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestLocalLocker(t *testing.T) {
	l := NewLocalLocker()
	runLockerSuite(t, l)

	unlock, err := l.Lock(context.Background(), "k")
	require.NoError(t, err)
	unlock()
	unlock() // second call is a no-op

	l.mu.Lock()
	defer l.mu.Unlock()
	require.Empty(t, l.slots)
}

func TestRedisLocker(t *testing.T) {
	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		t.Skip("REDIS_TEST_ADDR not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = rdb.Close() })

	l, err := NewRedisLocker(rdb, RedisConfig{TTL: 10 * time.Second, Poll: 5 * time.Millisecond, Prefix: "bridgerelay:test:" + t.Name() + ":"})
	require.NoError(t, err)
	require.NoError(t, l.Ping(context.Background()))
	runLockerSuite(t, l)

	t.Run("held lock outlives its ttl", func(t *testing.T) {
		short, err := NewRedisLocker(rdb, RedisConfig{TTL: 150 * time.Millisecond, Poll: 5 * time.Millisecond, Prefix: "bridgerelay:test:" + t.Name() + ":"})
		require.NoError(t, err)

		unlock, err := short.Lock(context.Background(), "claim:slow")
		require.NoError(t, err)
		time.Sleep(500 * time.Millisecond)

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		_, err = short.Lock(ctx, "claim:slow")
		require.ErrorIs(t, err, context.DeadlineExceeded)

		unlock()
		unlock()
		again, err := short.Lock(context.Background(), "claim:slow")
		require.NoError(t, err)
		again()
	})
}
