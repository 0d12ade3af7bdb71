/*
Package event provides the timed event queue and the generic bounded
worker pool behind it.

Queue orders events on a min-heap by absolute due time with FIFO tie
order and hands due events to the pool. Cancellation is a supersede
mark: workers observe it and drop the event without handling, so
nothing ever hunts through the heap.

Pool is the shared worker shape: a bounded queue plus a handler that
answers Handled, RetryLater or Defer(duration). The RPC dispatcher
reuses it directly.
*/
package event
