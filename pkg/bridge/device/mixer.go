package device

import (
	"encoding/binary"
	"io"
	"math"
	"sync"
	"time"

	"github.com/vango-go/vai-assist/pkg/bridge"
)

// Mixer is a pull-based 16-bit mono PCM source. Its clock is the number of
// samples handed to the reader so far; each unit is placed at the sample its
// Start maps to and removed once the clock has passed its end.
type Mixer struct {
	rate int

	mu     sync.Mutex
	pos    int64
	voices []*voice
	closed bool
}

type voice struct {
	unit    *bridge.Unit
	start   int64
	end     int64
	onEnded func()
}

func NewMixer(sampleRate int) *Mixer {
	return &Mixer{rate: sampleRate}
}

func (m *Mixer) Now() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return bridge.Duration(int(m.pos), m.rate)
}

func (m *Mixer) Start(u *bridge.Unit, onEnded func()) {
	start := m.samplesAt(u.Start)
	v := &voice{
		unit:    u,
		start:   start,
		end:     start + m.samplesAt(u.Duration),
		onEnded: onEnded,
	}
	m.mu.Lock()
	m.voices = append(m.voices, v)
	m.mu.Unlock()
}

func (m *Mixer) Stop(u *bridge.Unit) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, v := range m.voices {
		if v.unit == u {
			m.voices = append(m.voices[:i], m.voices[i+1:]...)
			return
		}
	}
}

func (m *Mixer) Close() error {
	m.mu.Lock()
	m.closed = true
	m.voices = nil
	m.mu.Unlock()
	return nil
}

func (m *Mixer) samplesAt(d time.Duration) int64 {
	return int64(d) * int64(m.rate) / int64(time.Second)
}

// Read fills p with the next samples. It never blocks; gaps are silence.
func (m *Mixer) Read(p []byte) (int, error) {
	n := len(p) / 2
	if n == 0 {
		return 0, nil
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return 0, io.EOF
	}
	from := m.pos
	for i := 0; i < n; i++ {
		at := from + int64(i)
		var sum float64
		for _, v := range m.voices {
			if at < v.start || at >= v.end {
				continue
			}
			sum += float64(v.sample(at-v.start, m.rate))
		}
		binary.LittleEndian.PutUint16(p[i*2:], uint16(toInt16(sum)))
	}
	m.pos = from + int64(n)

	var ended []func()
	kept := m.voices[:0]
	for _, v := range m.voices {
		if v.end <= m.pos {
			if v.onEnded != nil {
				ended = append(ended, v.onEnded)
			}
			continue
		}
		kept = append(kept, v)
	}
	m.voices = kept
	m.mu.Unlock()

	for _, fn := range ended {
		fn()
	}
	return n * 2, nil
}

// sample returns the unit sample for output offset off, resampling by nearest
// neighbour when the unit rate differs from the mixer rate.
func (v *voice) sample(off int64, rate int) float32 {
	idx := off
	if v.unit.SampleRate > 0 && v.unit.SampleRate != rate {
		idx = off * int64(v.unit.SampleRate) / int64(rate)
	}
	if idx < 0 || idx >= int64(len(v.unit.Samples)) {
		return 0
	}
	return v.unit.Samples[idx]
}

func toInt16(s float64) int16 {
	if s > 1 {
		s = 1
	} else if s < -1 {
		s = -1
	}
	if s < 0 {
		return int16(math.Round(s * 32768))
	}
	return int16(math.Round(s * 32767))
}
