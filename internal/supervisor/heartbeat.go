package supervisor

import (
	"time"

	uberatomic "go.uber.org/atomic"
)

// Heartbeat is a shared liveness timestamp. The capture loop and the
// upload worker beat it, the supervisor watches it.
type Heartbeat struct {
	last uberatomic.Time
}

// NewHeartbeat returns a heartbeat primed with the current time, so a
// freshly started process is never mistaken for a stalled one.
func NewHeartbeat() *Heartbeat {
	h := &Heartbeat{}
	h.Beat()
	return h
}

// Beat records the current time.
func (h *Heartbeat) Beat() {
	h.last.Store(time.Now())
}

// Last returns the time of the most recent beat.
func (h *Heartbeat) Last() time.Time {
	return h.last.Load()
}
