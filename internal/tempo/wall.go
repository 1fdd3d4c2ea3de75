package tempo

import (
	"sync"
	"time"
)

// WallClock is a monotonic millisecond timeline shared by the stage, the
// musical clock and the audio engine.
type WallClock interface {
	NowMs() float64
}

// Monotonic reads the process monotonic clock relative to its creation.
type Monotonic struct {
	origin time.Time
}

// NewMonotonic returns a wall clock whose zero is now.
func NewMonotonic() *Monotonic {
	return &Monotonic{origin: time.Now()}
}

func (m *Monotonic) NowMs() float64 {
	return float64(time.Since(m.origin)) / float64(time.Millisecond)
}

// Manual is a wall clock that only moves when told to. Used by tests.
type Manual struct {
	mu  sync.Mutex
	now float64
}

// NewManual returns a manual clock reading nowMs.
func NewManual(nowMs float64) *Manual {
	return &Manual{now: nowMs}
}

func (m *Manual) NowMs() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Set moves the clock to nowMs.
func (m *Manual) Set(nowMs float64) {
	m.mu.Lock()
	m.now = nowMs
	m.mu.Unlock()
}

// Advance moves the clock forward by deltaMs.
func (m *Manual) Advance(deltaMs float64) {
	m.mu.Lock()
	m.now += deltaMs
	m.mu.Unlock()
}
