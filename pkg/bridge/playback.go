package bridge

import (
	"sync"
	"time"
)

// Unit is one scheduled chunk of synthesized audio.
type Unit struct {
	ID         int64
	Samples    []float32
	SampleRate int
	// Start is the position on the output clock at which the unit begins.
	Start    time.Duration
	Duration time.Duration
}

// End is the output clock position at which the unit finishes.
func (u *Unit) End() time.Duration {
	return u.Start + u.Duration
}

// Output is a playback channel with its own clock.
type Output interface {
	// Now is the current position of the output clock.
	Now() time.Duration
	// Start plays u beginning at u.Start and calls onEnded once it has played
	// out. onEnded may also be called after Stop.
	Start(u *Unit, onEnded func())
	// Stop silences u immediately.
	Stop(u *Unit)
	Close() error
}

// Scheduler chains playback units back to back on an Output and tracks
// whether anything is still audible. It moves between idle and speaking;
// Interrupt forces it back to idle from any state.
type Scheduler struct {
	out        Output
	onSpeaking func(bool)

	mu       sync.Mutex
	cursor   time.Duration
	active   map[*Unit]struct{}
	speaking bool
	nextID   int64
}

// NewScheduler creates a scheduler on out. onSpeaking, if set, is called after
// every speaking transition.
func NewScheduler(out Output, onSpeaking func(bool)) *Scheduler {
	return &Scheduler{
		out:        out,
		onSpeaking: onSpeaking,
		active:     make(map[*Unit]struct{}),
	}
}

// Schedule queues samples to start at max(cursor, output clock) and advances
// the cursor by their duration.
func (s *Scheduler) Schedule(samples []float32, sampleRate int) *Unit {
	now := s.out.Now()

	s.mu.Lock()
	start := s.cursor
	if now > start {
		start = now
	}
	s.nextID++
	u := &Unit{
		ID:         s.nextID,
		Samples:    samples,
		SampleRate: sampleRate,
		Start:      start,
		Duration:   Duration(len(samples), sampleRate),
	}
	s.cursor = u.End()
	s.active[u] = struct{}{}
	changed := !s.speaking
	s.speaking = true
	s.mu.Unlock()

	if changed {
		s.notify(true)
	}
	s.out.Start(u, func() { s.OnUnitFinished(u) })
	return u
}

// OnUnitFinished removes u from the active set. Speaking ends only once the
// set is empty. Units already discarded by Interrupt are ignored.
func (s *Scheduler) OnUnitFinished(u *Unit) {
	s.mu.Lock()
	if _, ok := s.active[u]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.active, u)
	changed := false
	if len(s.active) == 0 && s.speaking {
		s.speaking = false
		changed = true
	}
	s.mu.Unlock()

	if changed {
		s.notify(false)
	}
}

// Interrupt stops and discards every active unit and resets the cursor.
func (s *Scheduler) Interrupt() {
	s.mu.Lock()
	units := make([]*Unit, 0, len(s.active))
	for u := range s.active {
		units = append(units, u)
	}
	s.active = make(map[*Unit]struct{})
	s.cursor = 0
	changed := s.speaking
	s.speaking = false
	s.mu.Unlock()

	for _, u := range units {
		s.out.Stop(u)
	}
	if changed {
		s.notify(false)
	}
}

func (s *Scheduler) Speaking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.speaking
}

// Cursor is the earliest start time of the next unit.
func (s *Scheduler) Cursor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// Active returns the number of units that have not finished.
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

func (s *Scheduler) notify(speaking bool) {
	if s.onSpeaking != nil {
		s.onSpeaking(speaking)
	}
}
