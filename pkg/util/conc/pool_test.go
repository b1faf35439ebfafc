package conc

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool(t *testing.T) {
	pool := NewPool[int](4)
	defer pool.Release()

	futures := make([]*Future[int], 0, 10)
	for i := 0; i < 10; i++ {
		i := i
		futures = append(futures, pool.Submit(func() (int, error) {
			time.Sleep(time.Millisecond)
			return i * 2, nil
		}))
	}
	require.NoError(t, AwaitAll(futures...))
	for i, f := range futures {
		assert.Equal(t, i*2, f.Value())
		assert.True(t, f.OK())
	}
	assert.Equal(t, 4, pool.Cap())
}

func TestPoolError(t *testing.T) {
	pool := NewPool[any](1)
	defer pool.Release()

	boom := errors.New("boom")
	f := pool.Submit(func() (any, error) { return nil, boom })
	assert.ErrorIs(t, f.Err(), boom)
	assert.ErrorIs(t, AwaitAll(f), boom)
}

func TestPoolConcealPanic(t *testing.T) {
	pool := NewPool[any](1, WithConcealPanic(true))
	defer pool.Release()

	f := pool.Submit(func() (any, error) { panic("oops") })
	<-f.Inner()
	assert.Error(t, f.Err())
	assert.Contains(t, f.Err().Error(), "oops")
}

func TestPoolPreHandler(t *testing.T) {
	var called atomic.Int32
	pool := NewPool[any](2, WithPreHandler(func() { called.Add(1) }))

	f := pool.Submit(func() (any, error) { return nil, nil })
	require.NoError(t, f.Err())
	assert.Equal(t, int32(1), called.Load())

	pool.Release()
	assert.True(t, pool.IsClosed())
}

func TestPoolNonBlocking(t *testing.T) {
	pool := NewPool[any](1, WithPreAlloc(true), WithNonBlocking(true))
	defer pool.Release()

	release := make(chan struct{})
	busy := pool.Submit(func() (any, error) {
		<-release
		return nil, nil
	})
	require.Eventually(t, func() bool { return pool.Running() == 1 }, time.Second, time.Millisecond)

	overloaded := pool.Submit(func() (any, error) { return nil, nil })
	assert.Error(t, overloaded.Err())

	close(release)
	assert.NoError(t, busy.Err())
}
