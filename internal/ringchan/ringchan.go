// Package ringchan provides a bounded channel with overwrite-oldest
// semantics, used to deliver transport events to the engine without ever
// blocking the producer.
package ringchan

import "sync/atomic"

// RingChannel wraps a buffered channel and guarantees that senders never
// block: when the buffer is full the oldest element is discarded. Readers
// consume through C() like a normal channel.
type RingChannel[T any] struct {
	ch      chan T
	dropped atomic.Int64
}

// New creates a RingChannel with the given capacity. Panics if capacity <= 0.
func New[T any](capacity int) *RingChannel[T] {
	if capacity <= 0 {
		panic("ringchan: capacity must be > 0")
	}
	return &RingChannel[T]{ch: make(chan T, capacity)}
}

// Send inserts v, discarding the oldest buffered element if the channel is
// full. It never blocks indefinitely.
func (rc *RingChannel[T]) Send(v T) {
	select {
	case rc.ch <- v:
	default:
		select {
		case <-rc.ch: // drop oldest
			rc.dropped.Add(1)
		default:
		}
		rc.ch <- v
	}
}

// C returns the receive side. Consumers can range over it until Close.
func (rc *RingChannel[T]) C() <-chan T {
	return rc.ch
}

// Len returns the number of buffered elements
func (rc *RingChannel[T]) Len() int {
	return len(rc.ch)
}

// Cap returns the channel capacity
func (rc *RingChannel[T]) Cap() int {
	return cap(rc.ch)
}

// Dropped returns how many elements were discarded to make room
func (rc *RingChannel[T]) Dropped() int64 {
	return rc.dropped.Load()
}

// Close closes the underlying channel. Send panics after Close.
func (rc *RingChannel[T]) Close() {
	close(rc.ch)
}
