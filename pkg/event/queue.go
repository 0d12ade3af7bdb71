package event

import (
	"container/heap"
	"sync"
	"time"

	"github.com/cuemby/warden/pkg/log"
	"github.com/cuemby/warden/pkg/metrics"
)

// Queue schedules events by absolute due time on a min-heap and hands
// due events to a worker pool. Ties on due time are handled FIFO via a
// sequence counter.
type Queue struct {
	mu      sync.Mutex
	heap    eventHeap
	seq     uint64
	wake    chan struct{}
	stopped chan struct{}
	once    sync.Once
	pool    *Pool[*Event]
	wg      sync.WaitGroup
}

// NewQueue creates a queue backed by the given number of workers.
// handle runs on a worker goroutine; it may return RetryLater or
// Defer to reschedule.
func NewQueue(workers int, handle func(*Event) Disposition) *Queue {
	q := &Queue{
		wake:    make(chan struct{}, 1),
		stopped: make(chan struct{}),
	}
	q.pool = NewPool[*Event]("events", workers, 1024, func(e *Event) Disposition {
		if e.Superseded() {
			return Handled
		}
		metrics.EventsHandled.WithLabelValues(string(e.Type)).Inc()
		return handle(e)
	})
	q.wg.Add(1)
	go q.dispatch()
	return q
}

// Add schedules e to fire after the given delay.
func (q *Queue) Add(delay time.Duration, e *Event) {
	q.mu.Lock()
	e.due = time.Now().Add(delay).UnixMilli()
	e.seq = q.seq
	q.seq++
	heap.Push(&q.heap, e)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Stop drains nothing: pending future events are dropped, in-flight
// handlers finish.
func (q *Queue) Stop() {
	q.once.Do(func() { close(q.stopped) })
	q.wg.Wait()
	q.pool.Stop()
}

// dispatch sleeps until the earliest due time and moves due events to
// the pool in due order.
func (q *Queue) dispatch() {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		var wait time.Duration = time.Hour
		for q.heap.Len() > 0 {
			next := q.heap[0]
			if next.Superseded() {
				heap.Pop(&q.heap)
				continue
			}
			d := time.Until(next.Due())
			if d > 0 {
				wait = d
				break
			}
			heap.Pop(&q.heap)
			q.mu.Unlock()
			if !q.pool.Push(next) {
				log.WithComponent("event").Warn().
					Str("type", string(next.Type)).Msg("event dropped on stopped pool")
			}
			q.mu.Lock()
		}
		q.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-q.stopped:
			timer.Stop()
			return
		case <-q.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// eventHeap orders by due time, then insertion sequence.
type eventHeap []*Event

func (h eventHeap) Len() int { return len(h) }

func (h eventHeap) Less(i, j int) bool {
	if h[i].due != h[j].due {
		return h[i].due < h[j].due
	}
	return h[i].seq < h[j].seq
}

func (h eventHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *eventHeap) Push(x interface{}) { *h = append(*h, x.(*Event)) }

func (h *eventHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}
