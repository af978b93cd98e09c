package lifecycle

import "sync/atomic"

// Lifecycle is a tiny process lifecycle state holder shared across handlers.
// Once draining, health reports it and new live sessions are refused.
type Lifecycle struct {
	draining atomic.Bool
}

func (l *Lifecycle) SetDraining(draining bool) {
	if l == nil {
		return
	}
	l.draining.Store(draining)
}

func (l *Lifecycle) IsDraining() bool {
	if l == nil {
		return false
	}
	return l.draining.Load()
}

// Status is the value reported by the health endpoint.
func (l *Lifecycle) Status() string {
	if l.IsDraining() {
		return "draining"
	}
	return "online"
}
