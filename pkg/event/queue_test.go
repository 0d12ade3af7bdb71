package event

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueOrdersByDueTime(t *testing.T) {
	var mu sync.Mutex
	var got []string

	q := NewQueue(1, func(e *Event) Disposition {
		mu.Lock()
		got = append(got, e.Container)
		mu.Unlock()
		return Handled
	})
	defer q.Stop()

	q.Add(60*time.Millisecond, &Event{Type: Respawn, Container: "late"})
	q.Add(10*time.Millisecond, &Event{Type: Respawn, Container: "early"})
	q.Add(35*time.Millisecond, &Event{Type: Respawn, Container: "mid"})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"early", "mid", "late"}, got)
}

func TestQueueTiesAreFIFO(t *testing.T) {
	var mu sync.Mutex
	var got []string

	q := NewQueue(1, func(e *Event) Disposition {
		mu.Lock()
		got = append(got, e.Container)
		mu.Unlock()
		return Handled
	})
	defer q.Stop()

	// same delay: insertion order must be preserved
	for _, name := range []string{"a", "b", "c", "d"} {
		q.Add(20*time.Millisecond, &Event{Type: Exit, Container: name})
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 4
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"a", "b", "c", "d"}, got)
}

func TestSupersededEventNotHandled(t *testing.T) {
	var handled atomic.Int32

	q := NewQueue(1, func(e *Event) Disposition {
		handled.Add(1)
		return Handled
	})
	defer q.Stop()

	e := &Event{Type: DestroyAged, Container: "x"}
	q.Add(20*time.Millisecond, e)
	e.Supersede()
	q.Add(30*time.Millisecond, &Event{Type: DestroyAged, Container: "y"})

	require.Eventually(t, func() bool { return handled.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), handled.Load())
}

func TestPoolRetryAndDefer(t *testing.T) {
	var calls atomic.Int32

	p := NewPool[int]("test", 2, 16, func(i int) Disposition {
		n := calls.Add(1)
		if n == 1 {
			return Defer(10 * time.Millisecond)
		}
		return Handled
	})
	defer p.Stop()

	require.True(t, p.Push(7))
	require.Eventually(t, func() bool { return calls.Load() == 2 }, time.Second, 5*time.Millisecond)
}

func TestPoolStopDrains(t *testing.T) {
	var calls atomic.Int32
	p := NewPool[int]("test", 1, 16, func(i int) Disposition {
		time.Sleep(5 * time.Millisecond)
		calls.Add(1)
		return Handled
	})
	for i := 0; i < 5; i++ {
		require.True(t, p.Push(i))
	}
	p.Stop()
	assert.Equal(t, int32(5), calls.Load())
}
