package buffer

import (
	"sync"
	"time"
)

// Frame is a single captured image. The Data slice is allocated by the
// source and never reused, so a Frame is immutable once appended.
type Frame struct {
	Data      []byte
	Width     int
	Height    int
	Timestamp time.Time
}

// FrameRing is the pre-roll buffer: a bounded queue of the most recent
// frames, oldest evicted first. One writer (the capture loop) and one
// snapshotter (the trigger handler) are serialized by the mutex; neither
// append nor snapshot does I/O while holding it.
type FrameRing struct {
	mutex sync.Mutex
	fifo  *Fifo[Frame]
	cap   int
}

// NewFrameRing creates a ring with a fixed capacity. Capacity is decided
// once, from the forced FPS and the configured buffer seconds.
func NewFrameRing(capacity int) *FrameRing {
	if capacity < 1 {
		capacity = 1
	}
	return &FrameRing{
		fifo: New[Frame](capacity),
		cap:  capacity,
	}
}

// Append adds a frame, evicting the oldest when full.
func (r *FrameRing) Append(frame Frame) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.fifo.Push(frame)
}

// SnapshotTail returns an independent copy of up to n of the most recent
// frames, in capture order. Frame Data buffers are not copied: sources
// allocate a fresh buffer per frame, so the returned slice cannot be
// mutated by later appends.
func (r *FrameRing) SnapshotTail(n int) []Frame {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.fifo.Tail(n)
}

// Len returns the current number of buffered frames.
func (r *FrameRing) Len() int {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.fifo.Len()
}

// Cap returns the fixed capacity of the ring.
func (r *FrameRing) Cap() int {
	return r.cap
}
