// Package tempo derives bar/beat positions and quantization boundaries from a
// fixed tempo and a wall-clock start reference.
package tempo

import (
	"math"
	"sync"

	"github.com/Southclaws/fault"
	"github.com/Southclaws/fault/fmsg"
	"github.com/Southclaws/fault/ftag"
)

// BeatsPerBar is fixed for the session.
const BeatsPerBar = 4

// Snapshot is the musical position at one wall-clock instant.
type Snapshot struct {
	BPM       float64 `json:"bpm"`
	MsPerBeat float64 `json:"msPerBeat"`
	MsPerBar  float64 `json:"msPerBar"`
	NowMs     float64 `json:"nowMs"`
	ElapsedMs float64 `json:"elapsedMs"`
	BeatInBar int     `json:"beatInBar"` // 1..4
	BarIndex  int64   `json:"barIndex"`  // starts at 1
}

// Clock is the single shared musical clock. No other component holds tempo
// state.
type Clock struct {
	wall WallClock

	mu      sync.RWMutex
	bpm     float64
	startMs float64
}

// NewClock anchors a clock at the current wall time.
func NewClock(bpm float64, wall WallClock) (*Clock, error) {
	if err := checkBPM(bpm); err != nil {
		return nil, err
	}
	return &Clock{wall: wall, bpm: bpm, startMs: wall.NowMs()}, nil
}

func checkBPM(bpm float64) error {
	if bpm <= 0 || math.IsNaN(bpm) || math.IsInf(bpm, 0) {
		return fault.New("tempo: bpm must be positive",
			ftag.With(ftag.InvalidArgument),
			fmsg.WithDesc("invalid bpm", "Tempo must be a positive number of beats per minute."))
	}
	return nil
}

// Wall returns the wall clock the musical clock reads.
func (c *Clock) Wall() WallClock {
	return c.wall
}

// NowMs reads the underlying wall clock.
func (c *Clock) NowMs() float64 {
	return c.wall.NowMs()
}

// SetBPM changes the tempo without re-anchoring.
func (c *Clock) SetBPM(bpm float64) error {
	if err := checkBPM(bpm); err != nil {
		return err
	}
	c.mu.Lock()
	c.bpm = bpm
	c.mu.Unlock()
	return nil
}

// BPM returns the current tempo.
func (c *Clock) BPM() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.bpm
}

// StartMs returns the wall-clock instant of bar 1, beat 1.
func (c *Clock) StartMs() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.startMs
}

// Restart re-anchors bar 1 to the current wall time.
func (c *Clock) Restart() {
	now := c.wall.NowMs()
	c.mu.Lock()
	c.startMs = now
	c.mu.Unlock()
}

// MsPerBeat returns the beat length in milliseconds.
func (c *Clock) MsPerBeat() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return 60000 / c.bpm
}

// MsPerBar returns the bar length in milliseconds.
func (c *Clock) MsPerBar() float64 {
	return c.MsPerBeat() * BeatsPerBar
}

// Snapshot computes the musical position at nowMs.
func (c *Clock) Snapshot(nowMs float64) Snapshot {
	c.mu.RLock()
	bpm, start := c.bpm, c.startMs
	c.mu.RUnlock()

	msPerBeat := 60000 / bpm
	elapsed := math.Max(0, nowMs-start)
	beatIndex0 := int64(math.Floor(elapsed / msPerBeat))

	return Snapshot{
		BPM:       bpm,
		MsPerBeat: msPerBeat,
		MsPerBar:  msPerBeat * BeatsPerBar,
		NowMs:     nowMs,
		ElapsedMs: elapsed,
		BeatInBar: int(beatIndex0%BeatsPerBar) + 1,
		BarIndex:  beatIndex0/BeatsPerBar + 1,
	}
}

// NextBarTime returns the first bar boundary at or after nowMs. When nowMs is
// exactly on a boundary that boundary is returned, not the following one.
func (c *Clock) NextBarTime(nowMs float64) float64 {
	return c.nextBoundary(nowMs, BeatsPerBar)
}

// NextBeatTime returns the first beat boundary at or after nowMs.
func (c *Clock) NextBeatTime(nowMs float64) float64 {
	return c.nextBoundary(nowMs, 1)
}

// NextLoopBoundaryTime returns the end of the current cycleBars-long cycle,
// assuming loops are aligned to the bar grid from StartMs.
func (c *Clock) NextLoopBoundaryTime(cycleBars int, nowMs float64) float64 {
	if cycleBars < 1 {
		cycleBars = 1
	}
	return c.nextBoundary(nowMs, float64(cycleBars*BeatsPerBar))
}

func (c *Clock) nextBoundary(nowMs, beats float64) float64 {
	c.mu.RLock()
	bpm, start := c.bpm, c.startMs
	c.mu.RUnlock()

	unit := 60000 / bpm * beats
	elapsed := math.Max(0, nowMs-start)
	return start + math.Ceil(elapsed/unit)*unit
}
