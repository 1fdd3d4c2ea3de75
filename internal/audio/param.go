package audio

import "sort"

type automation struct {
	at   float64
	v    float64
	ramp bool
}

// Param is a value automated over device time. A ramp interpolates linearly
// from the event before it. Param is not safe for concurrent use; the owning
// Device's lock guards it.
type Param struct {
	value  float64 // value before the first event
	since  float64 // time value took effect
	events []automation
}

// NewParam returns a param holding v.
func NewParam(v float64) *Param {
	return &Param{value: v}
}

// SetValueAtTime jumps to v at t.
func (p *Param) SetValueAtTime(v, t float64) {
	p.insert(automation{at: t, v: v})
}

// LinearRampToValueAtTime ramps from the previous event's value to v,
// reaching it at t.
func (p *Param) LinearRampToValueAtTime(v, t float64) {
	p.insert(automation{at: t, v: v, ramp: true})
}

// CancelScheduledValues removes every event at or after t.
func (p *Param) CancelScheduledValues(t float64) {
	i := sort.Search(len(p.events), func(i int) bool { return p.events[i].at >= t })
	p.events = p.events[:i]
}

// ValueAt returns the value at t.
func (p *Param) ValueAt(t float64) float64 {
	v, prev := p.value, p.since
	for _, e := range p.events {
		if e.at <= t {
			v, prev = e.v, e.at
			continue
		}
		if !e.ramp || e.at <= prev {
			return v
		}
		return v + (e.v-v)*(t-prev)/(e.at-prev)
	}
	return v
}

// Pending reports how many events are still ahead of t.
func (p *Param) Pending(t float64) int {
	n := 0
	for _, e := range p.events {
		if e.at > t {
			n++
		}
	}
	return n
}

// prune folds events at or before t into the base value.
func (p *Param) prune(t float64) {
	i := 0
	for i < len(p.events) && p.events[i].at <= t {
		p.value, p.since = p.events[i].v, p.events[i].at
		i++
	}
	if i > 0 {
		p.events = append(p.events[:0], p.events[i:]...)
	}
}

// hold replaces the schedule from now on with the current value, so a new
// ramp starts where the param actually is.
func (p *Param) hold(now float64) {
	cur := p.ValueAt(now)
	p.CancelScheduledValues(now)
	p.SetValueAtTime(cur, now)
}

func (p *Param) insert(e automation) {
	i := sort.Search(len(p.events), func(i int) bool { return p.events[i].at > e.at })
	p.events = append(p.events, automation{})
	copy(p.events[i+1:], p.events[i:])
	p.events[i] = e
}
