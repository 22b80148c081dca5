package workerpool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPoolRunsSubmittedTasks(t *testing.T) {
	p := New(2)
	var n int32
	for i := 0; i < 10; i++ {
		require.NoError(t, p.Submit(context.Background(), func(context.Context) error {
			atomic.AddInt32(&n, 1)
			return nil
		}))
	}
	require.NoError(t, p.Wait())
	require.EqualValues(t, 10, n)
}

func TestPoolBoundsConcurrency(t *testing.T) {
	p := New(2)
	var inFlight, maxSeen int32
	for i := 0; i < 8; i++ {
		require.NoError(t, p.Submit(context.Background(), func(context.Context) error {
			cur := atomic.AddInt32(&inFlight, 1)
			for {
				max := atomic.LoadInt32(&maxSeen)
				if cur <= max || atomic.CompareAndSwapInt32(&maxSeen, max, cur) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&inFlight, -1)
			return nil
		}))
	}
	require.NoError(t, p.Wait())
	require.LessOrEqual(t, int(atomic.LoadInt32(&maxSeen)), 2)
}

func TestPoolWaitReturnsFirstError(t *testing.T) {
	p := New(1)
	wantErr := errors.New("boom")
	require.NoError(t, p.Submit(context.Background(), func(context.Context) error {
		return wantErr
	}))
	require.ErrorIs(t, p.Wait(), wantErr)
}

func TestPoolSubmitHonorsCancellation(t *testing.T) {
	p := New(1)
	require.NoError(t, p.Submit(context.Background(), func(context.Context) error {
		time.Sleep(50 * time.Millisecond)
		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := p.Submit(ctx, func(context.Context) error { return nil })
	require.Error(t, err)
	_ = p.Wait()
}

func TestNewPoolsWaitAllDrainsAllThree(t *testing.T) {
	pools := NewPools(1, 1, 1)
	var completions, recovery, nocow int32
	require.NoError(t, pools.Completions.Submit(context.Background(), func(context.Context) error {
		atomic.AddInt32(&completions, 1)
		return nil
	}))
	require.NoError(t, pools.Recovery.Submit(context.Background(), func(context.Context) error {
		atomic.AddInt32(&recovery, 1)
		return nil
	}))
	require.NoError(t, pools.NoCOW.Submit(context.Background(), func(context.Context) error {
		atomic.AddInt32(&nocow, 1)
		return nil
	}))
	require.NoError(t, pools.WaitAll())
	require.EqualValues(t, 1, completions)
	require.EqualValues(t, 1, recovery)
	require.EqualValues(t, 1, nocow)
}
