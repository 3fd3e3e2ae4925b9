package pool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSubmit_RunsTasks(t *testing.T) {
	p := New(4, 16, zap.NewNop())

	var mu sync.Mutex
	seen := map[int]bool{}
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		i := i
		wg.Add(1)
		require.NoError(t, p.Submit(func(ctx context.Context) {
			defer wg.Done()
			mu.Lock()
			seen[i] = true
			mu.Unlock()
		}))
	}
	wg.Wait()

	assert.Len(t, seen, 10)
	require.NoError(t, p.Shutdown(context.Background()))

	submitted, completed, panicked, rejected := p.Stats()
	assert.Equal(t, int64(10), submitted)
	assert.Equal(t, int64(10), completed)
	assert.Zero(t, panicked)
	assert.Zero(t, rejected)
}

func TestSubmit_FullQueueRejectsWithoutBlocking(t *testing.T) {
	p := New(1, 1, zap.NewNop())
	block := make(chan struct{})
	started := make(chan struct{})

	require.NoError(t, p.Submit(func(ctx context.Context) {
		close(started)
		<-block
	}))
	<-started

	// Worker is busy; one slot in the queue, then rejection.
	require.NoError(t, p.Submit(func(ctx context.Context) {}))
	err := p.Submit(func(ctx context.Context) {})
	assert.ErrorIs(t, err, ErrPoolFull)

	close(block)
	require.NoError(t, p.Shutdown(context.Background()))

	_, _, _, rejected := p.Stats()
	assert.Equal(t, int64(1), rejected)
}

func TestSubmit_PanicIsContained(t *testing.T) {
	p := New(1, 4, zap.NewNop())

	done := make(chan struct{})
	require.NoError(t, p.Submit(func(ctx context.Context) {
		defer close(done)
		panic("boom")
	}))
	<-done

	// The worker survives and keeps serving tasks.
	ran := make(chan struct{})
	require.NoError(t, p.Submit(func(ctx context.Context) { close(ran) }))
	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not recover after panic")
	}

	require.NoError(t, p.Shutdown(context.Background()))
	_, _, panicked, _ := p.Stats()
	assert.Equal(t, int64(1), panicked)
}

func TestShutdown_DrainsInFlightWork(t *testing.T) {
	p := New(2, 8, zap.NewNop())

	var completed sync.WaitGroup
	for i := 0; i < 4; i++ {
		completed.Add(1)
		require.NoError(t, p.Submit(func(ctx context.Context) {
			defer completed.Done()
			time.Sleep(10 * time.Millisecond)
		}))
	}

	require.NoError(t, p.Shutdown(context.Background()))
	completed.Wait()

	assert.ErrorIs(t, p.Submit(func(ctx context.Context) {}), ErrPoolClosed)
	assert.NoError(t, p.Shutdown(context.Background()), "second shutdown is a no-op")
}

func TestShutdown_ContextExpiry(t *testing.T) {
	p := New(1, 4, zap.NewNop())
	block := make(chan struct{})
	defer close(block)

	started := make(chan struct{})
	require.NoError(t, p.Submit(func(ctx context.Context) {
		close(started)
		<-block
	}))
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Shutdown(ctx), context.DeadlineExceeded)
}

func TestSubmit_ConcurrentWithShutdown(t *testing.T) {
	p := New(2, 4, zap.NewNop())

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				// A send racing the close must surface as ErrPoolClosed,
				// never as a panic.
				if err := p.Submit(func(ctx context.Context) {}); errors.Is(err, ErrPoolClosed) {
					return
				}
			}
		}()
	}

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, p.Shutdown(context.Background()))
	close(stop)
	wg.Wait()

	assert.ErrorIs(t, p.Submit(func(ctx context.Context) {}), ErrPoolClosed)
}
