package audio

import "math"

// Buffer is decoded audio: interleaved stereo float32 at SampleRate.
type Buffer struct {
	Samples []float32
}

// Frames returns the buffer length in sample frames.
func (b *Buffer) Frames() int {
	return len(b.Samples) / Channels
}

// Duration returns the buffer length in seconds.
func (b *Buffer) Duration() float64 {
	return float64(b.Frames()) / SampleRate
}

// Source plays a buffer on a loop between its start and stop times, through
// its own fade gain. Times are device seconds.
type Source struct {
	buf     *Buffer
	fade    *Param
	startAt float64
	stopAt  float64
	dead    bool
}

func newSource(buf *Buffer) *Source {
	return &Source{
		buf:     buf,
		fade:    NewParam(1),
		startAt: math.Inf(1),
		stopAt:  math.Inf(1),
	}
}

// Start schedules playback from the beginning of the buffer at t.
func (s *Source) Start(t float64) {
	s.startAt = t
}

// Stop schedules the end of playback at t. Only the first Stop takes effect;
// later calls, including on a source that already ended, are no-ops.
func (s *Source) Stop(t float64) {
	if s.dead || !math.IsInf(s.stopAt, 1) {
		return
	}
	s.stopAt = t
}

// Unstop withdraws a stop that has not happened yet. It reports whether the
// source is still playing (or will play) afterwards.
func (s *Source) Unstop(now float64) bool {
	if s.dead || s.stopAt <= now {
		return false
	}
	s.stopAt = math.Inf(1)
	return true
}

// Cancel discards the source; it never renders again.
func (s *Source) Cancel() {
	s.dead = true
}

// Started reports whether the source is audible at or before t.
func (s *Source) Started(t float64) bool {
	return !s.dead && s.startAt <= t
}

// Done reports whether the source can no longer produce sound after t.
func (s *Source) Done(t float64) bool {
	return s.dead || s.stopAt <= t
}

// StopAt returns the scheduled stop time, +Inf if none.
func (s *Source) StopAt() float64 { return s.stopAt }

// StartAt returns the scheduled start time, +Inf if none.
func (s *Source) StartAt() float64 { return s.startAt }

// sample adds the source's stereo output at frame f (device time t) into
// l and r, scaled by gain.
func (s *Source) sample(f int64, t, gain float64) (float64, float64) {
	if s.dead || t < s.startAt || t >= s.stopAt {
		return 0, 0
	}
	frames := int64(s.buf.Frames())
	if frames == 0 {
		return 0, 0
	}
	start := int64(math.Ceil(s.startAt * SampleRate))
	pos := (f - start) % frames
	if pos < 0 {
		pos += frames
	}
	g := gain * s.fade.ValueAt(t)
	return float64(s.buf.Samples[pos*2]) * g, float64(s.buf.Samples[pos*2+1]) * g
}
