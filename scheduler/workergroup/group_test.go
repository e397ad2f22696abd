package workergroup

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/corerun/scheduler/task"
)

func spawnTest(t *testing.T, workers int) *Group {
	t.Helper()
	g := Spawn(Config{Name: t.Name(), Workers: workers, TickInterval: time.Millisecond})
	t.Cleanup(func() {
		g.Shutdown()
		require.NoError(t, g.Wait())
	})
	return g
}

func TestFanOutFanIn(t *testing.T) {
	// S1: 4 workers, 4 tasks each tagging tls[key]=i, yielding twice, then
	// completing. Expect succeeded status and the multiset {0,1,2,3}.
	g := spawnTest(t, 4)

	var mu sync.Mutex
	var collected []int
	const key = "i"

	descs := make([]task.Descriptor, 4)
	for i := 0; i < 4; i++ {
		i := i
		descs[i] = task.Descriptor{
			Entry: func(api *task.API) error {
				api.TSSSet(key, i, nil)
				api.YieldNow()
				api.YieldNow()
				return nil
			},
			OnComplete: func() {
				mu.Lock()
				collected = append(collected, i)
				mu.Unlock()
			},
		}
	}

	h, err := g.Submit(descs)
	require.NoError(t, err)
	status := h.Wait(nil)
	assert.Equal(t, task.StatusSucceeded, status)

	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []int{0, 1, 2, 3}, collected)
}

func TestBufferDependency(t *testing.T) {
	// S2: buffer B waits on buffer A; B must resume only after A completes.
	g := spawnTest(t, 2)

	var aCompletedAt time.Time
	var bResumedAt time.Time
	var mu sync.Mutex

	hA, err := g.Submit([]task.Descriptor{{
		Entry: func(api *task.API) error {
			api.SleepFor(10 * time.Millisecond)
			return nil
		},
		OnComplete: func() {
			mu.Lock()
			aCompletedAt = time.Now()
			mu.Unlock()
		},
	}})
	require.NoError(t, err)

	hB, err := g.Submit([]task.Descriptor{{
		Entry: func(api *task.API) error {
			status := hA.Wait(api)
			mu.Lock()
			bResumedAt = time.Now()
			mu.Unlock()
			if status != task.StatusSucceeded {
				return errors.New("unexpected upstream status")
			}
			return nil
		},
	}})
	require.NoError(t, err)

	status := hB.Wait(nil)
	assert.Equal(t, task.StatusSucceeded, status)

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, bResumedAt.After(aCompletedAt) || bResumedAt.Equal(aCompletedAt))
}

func TestAbortPropagation(t *testing.T) {
	// S3: T0 panics; T0's on_abort/on_cleanup each fire once, T1 still
	// completes normally, and the buffer's final status is aborted.
	g := spawnTest(t, 2)

	var abortCount, cleanupCount, t1Completed int
	var mu sync.Mutex

	h, err := g.Submit([]task.Descriptor{
		{
			Entry: func(api *task.API) error {
				panic("boom")
			},
			OnAbort: func(err error) {
				mu.Lock()
				abortCount++
				mu.Unlock()
			},
			OnCleanup: func() {
				mu.Lock()
				cleanupCount++
				mu.Unlock()
			},
		},
		{
			Entry: func(api *task.API) error {
				api.YieldNow()
				return nil
			},
			OnComplete: func() {
				mu.Lock()
				t1Completed++
				mu.Unlock()
			},
		},
	})
	require.NoError(t, err)

	status := h.Wait(nil)
	assert.Equal(t, task.StatusAborted, status)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, abortCount)
	assert.Equal(t, 1, cleanupCount)
	assert.Equal(t, 1, t1Completed)
}

func TestTimeoutWake(t *testing.T) {
	// S4: a single-worker group still wakes a sleeping task no earlier
	// than its deadline.
	g := spawnTest(t, 1)

	start := time.Now()
	h, err := g.Submit([]task.Descriptor{{
		Entry: func(api *task.API) error {
			api.SleepFor(50 * time.Millisecond)
			return nil
		},
	}})
	require.NoError(t, err)

	status := h.Wait(nil)
	assert.Equal(t, task.StatusSucceeded, status)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestSingleWorkerMultiTaskBuffer(t *testing.T) {
	// B3: worker count of 1 must still execute multi-task buffers.
	g := spawnTest(t, 1)

	h, err := g.Submit([]task.Descriptor{
		{Entry: func(api *task.API) error { api.YieldNow(); return nil }},
		{Entry: func(api *task.API) error { api.YieldNow(); return nil }},
		{Entry: func(api *task.API) error { return nil }},
	})
	require.NoError(t, err)
	assert.Equal(t, task.StatusSucceeded, h.Wait(nil))
}

func TestEmptyBufferRetiresImmediately(t *testing.T) {
	// B1: submitting an empty buffer retires it immediately as succeeded.
	g := spawnTest(t, 2)
	h, err := g.Submit(nil)
	require.NoError(t, err)
	assert.True(t, h.Retired())
	assert.Equal(t, task.StatusSucceeded, h.Status())
}

func TestWaitOnAlreadyRetiredBuffer(t *testing.T) {
	// B2: wait_buffer on an already-retired buffer returns immediately.
	g := spawnTest(t, 2)
	h, err := g.Submit([]task.Descriptor{{Entry: func(api *task.API) error { return nil }}})
	require.NoError(t, err)

	require.Eventually(t, h.Retired, time.Second, time.Millisecond)
	assert.Equal(t, task.StatusSucceeded, h.Wait(nil))
}

func TestSleepUntilPastEquivalentToYield(t *testing.T) {
	// R3: sleep_until(past) is observationally equivalent to yield_now().
	g := spawnTest(t, 1)
	h, err := g.Submit([]task.Descriptor{{
		Entry: func(api *task.API) error {
			api.SleepUntil(time.Now().Add(-time.Hour))
			return nil
		},
	}})
	require.NoError(t, err)
	assert.Eventually(t, h.Retired, time.Second, time.Millisecond)
	assert.Equal(t, task.StatusSucceeded, h.Status())
}
