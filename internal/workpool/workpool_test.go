package workpool

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSize(t *testing.T) {
	assert.Equal(t, runtime.NumCPU(), Size(0))
	assert.Equal(t, runtime.NumCPU(), Size(-1))
	assert.Equal(t, 3, Size(3))
}

func TestRun_VisitsEveryItem(t *testing.T) {
	items := make([]int, 100)
	for i := range items {
		items[i] = i
	}

	var mu sync.Mutex
	seen := make(map[int]bool)
	cancelled := Run(context.Background(), 4, items, func(_ context.Context, i int) {
		mu.Lock()
		seen[i] = true
		mu.Unlock()
	})

	assert.False(t, cancelled)
	assert.Len(t, seen, 100)
}

func TestRun_BoundsConcurrency(t *testing.T) {
	var inFlight, peak atomic.Int32
	items := make([]int, 40)

	Run(context.Background(), 3, items, func(_ context.Context, _ int) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		inFlight.Add(-1)
	})

	assert.LessOrEqual(t, peak.Load(), int32(3))
	assert.Positive(t, peak.Load())
}

func TestRun_CancellationIsNonPreemptive(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	items := make([]int, 50)
	for i := range items {
		items[i] = i
	}

	var started, finished atomic.Int32
	cancelled := Run(ctx, 2, items, func(jobCtx context.Context, i int) {
		started.Add(1)
		if i == 3 {
			cancel()
		}
		time.Sleep(5 * time.Millisecond)
		assert.NoError(t, jobCtx.Err(), "running jobs must not observe cancellation")
		finished.Add(1)
	})

	assert.True(t, cancelled)
	assert.Equal(t, started.Load(), finished.Load(), "every started job completes")
	assert.Less(t, started.Load(), int32(50))
}

func TestRun_AlreadyCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var calls atomic.Int32
	cancelled := Run(ctx, 2, []int{1, 2, 3}, func(context.Context, int) { calls.Add(1) })

	assert.True(t, cancelled)
	assert.Zero(t, calls.Load())
}
