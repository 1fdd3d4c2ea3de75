package tempo

import (
	"math"
	"testing"
)

func newTestClock(t *testing.T, bpm, startMs float64) (*Clock, *Manual) {
	t.Helper()
	wall := NewManual(startMs)
	c, err := NewClock(bpm, wall)
	if err != nil {
		t.Fatalf("NewClock(%v): %v", bpm, err)
	}
	return c, wall
}

func TestNewClockRejectsBadBPM(t *testing.T) {
	for _, bpm := range []float64{0, -120, math.NaN(), math.Inf(1)} {
		if _, err := NewClock(bpm, NewManual(0)); err == nil {
			t.Errorf("NewClock(%v) should fail", bpm)
		}
	}
}

func TestDurations(t *testing.T) {
	c, _ := newTestClock(t, 120, 0)
	if c.MsPerBeat() != 500 {
		t.Errorf("MsPerBeat = %v, want 500", c.MsPerBeat())
	}
	if c.MsPerBar() != 2000 {
		t.Errorf("MsPerBar = %v, want 2000", c.MsPerBar())
	}
}

func TestSnapshotExample(t *testing.T) {
	c, _ := newTestClock(t, 120, 1000)
	s := c.Snapshot(1000 + 2500)
	if s.ElapsedMs != 2500 {
		t.Errorf("ElapsedMs = %v, want 2500", s.ElapsedMs)
	}
	if s.BarIndex != 2 {
		t.Errorf("BarIndex = %d, want 2", s.BarIndex)
	}
	if s.BeatInBar != 2 {
		t.Errorf("BeatInBar = %d, want 2", s.BeatInBar)
	}
	if s.MsPerBeat != 500 || s.MsPerBar != 2000 || s.BPM != 120 {
		t.Errorf("unexpected durations in %+v", s)
	}
}

func TestSnapshotBeforeStartClampsToZero(t *testing.T) {
	c, _ := newTestClock(t, 120, 1000)
	s := c.Snapshot(200)
	if s.ElapsedMs != 0 || s.BarIndex != 1 || s.BeatInBar != 1 {
		t.Errorf("Snapshot before start = %+v, want elapsed 0, bar 1, beat 1", s)
	}
}

func TestSnapshotMonotonicAndCycling(t *testing.T) {
	c, _ := newTestClock(t, 140, 0)
	prevBar := int64(1)
	prevBeat := 1
	for ms := 0.0; ms < 60000; ms += 7.3 {
		s := c.Snapshot(ms)
		if s.BarIndex < prevBar {
			t.Fatalf("BarIndex went backwards at %vms: %d < %d", ms, s.BarIndex, prevBar)
		}
		if s.BeatInBar < 1 || s.BeatInBar > 4 {
			t.Fatalf("BeatInBar out of range at %vms: %d", ms, s.BeatInBar)
		}
		if s.BeatInBar != prevBeat {
			want := prevBeat%4 + 1
			if s.BeatInBar != want {
				t.Fatalf("BeatInBar jumped from %d to %d at %vms", prevBeat, s.BeatInBar, ms)
			}
			if want == 1 && s.BarIndex != prevBar+1 {
				t.Fatalf("bar did not advance on beat 1 at %vms", ms)
			}
		}
		prevBar, prevBeat = s.BarIndex, s.BeatInBar
	}
}

func TestNextBarTimeBounds(t *testing.T) {
	c, _ := newTestClock(t, 133, 250)
	msPerBar := c.MsPerBar()
	for ms := 250.0; ms < 30000; ms += 11.7 {
		next := c.NextBarTime(ms)
		if next < ms {
			t.Fatalf("NextBarTime(%v) = %v, before now", ms, next)
		}
		if next-ms >= msPerBar {
			t.Fatalf("NextBarTime(%v) = %v, more than one bar ahead", ms, next)
		}
	}
}

func TestNextBoundaryOnExactBoundaryReturnsNow(t *testing.T) {
	c, _ := newTestClock(t, 120, 1000)
	tests := []struct {
		name string
		got  float64
		want float64
	}{
		{"bar", c.NextBarTime(1000 + 4000), 5000},
		{"beat", c.NextBeatTime(1000 + 1500), 2500},
		{"loop2", c.NextLoopBoundaryTime(2, 1000+8000), 9000},
		{"start", c.NextBarTime(1000), 1000},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s: got %v, want %v", tt.name, tt.got, tt.want)
		}
	}
}

func TestNextBoundaries(t *testing.T) {
	c, _ := newTestClock(t, 120, 0)
	tests := []struct {
		name string
		got  float64
		want float64
	}{
		{"bar mid", c.NextBarTime(2500), 4000},
		{"beat mid", c.NextBeatTime(2501), 3000},
		{"loop 4 bars", c.NextLoopBoundaryTime(4, 100), 8000},
		{"loop 8 bars", c.NextLoopBoundaryTime(8, 16001), 32000},
		{"loop zero bars treated as one", c.NextLoopBoundaryTime(0, 100), 2000},
		{"before start", c.NextBarTime(-500), 0},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s: got %v, want %v", tt.name, tt.got, tt.want)
		}
	}
}

func TestRestartAndSetBPM(t *testing.T) {
	c, wall := newTestClock(t, 120, 0)
	wall.Set(3000)
	c.Restart()
	if c.StartMs() != 3000 {
		t.Errorf("StartMs after Restart = %v, want 3000", c.StartMs())
	}
	if got := c.NextBarTime(3100); got != 5000 {
		t.Errorf("NextBarTime after Restart = %v, want 5000", got)
	}
	if err := c.SetBPM(60); err != nil {
		t.Fatalf("SetBPM: %v", err)
	}
	if c.MsPerBar() != 4000 {
		t.Errorf("MsPerBar at 60bpm = %v, want 4000", c.MsPerBar())
	}
	if err := c.SetBPM(0); err == nil {
		t.Error("SetBPM(0) should fail")
	}
	if c.BPM() != 60 {
		t.Errorf("BPM changed by rejected SetBPM: %v", c.BPM())
	}
}
