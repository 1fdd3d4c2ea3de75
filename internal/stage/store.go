package stage

import (
	"sync"

	"github.com/Southclaws/fault/fmsg"
)

// Store holds the published State and fans out changes. Every mutation
// builds a new State value; previously published snapshots are never touched,
// so readers may keep them without copying.
//
// Subscribers and signal handlers run synchronously on the mutating
// goroutine, in publication order. They must not call back into a mutating
// Scheduler or Store method.
type Store struct {
	notify sync.Mutex // orders publication and delivery

	mu      sync.RWMutex
	state   State
	nextID  int
	subs    map[int]func(State)
	signals map[int]func(Signal)
}

// NewStore returns an empty stage using mode for swaps without an explicit one.
func NewStore(mode QuantizationMode) *Store {
	return &Store{
		state:   State{SwapMode: mode, Instances: []Instance{}},
		subs:    make(map[int]func(State)),
		signals: make(map[int]func(Signal)),
	}
}

// State returns the current snapshot. Callers must treat it as read-only.
func (s *Store) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Subscribe delivers the current state immediately and then every new state.
func (s *Store) Subscribe(fn func(State)) (cancel func()) {
	s.notify.Lock()
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	cur := s.state
	s.mu.Unlock()
	fn(cur)
	s.notify.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// OnSignal registers fn for commit and rejected signals.
func (s *Store) OnSignal(fn func(Signal)) (cancel func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.signals[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.signals, id)
		s.mu.Unlock()
	}
}

// SetError records err as the most recent error. A nil err clears the slot.
func (s *Store) SetError(err error) {
	msg := ""
	if err != nil {
		msg = ErrorMessage(err)
	}
	s.update(func(st State) (State, bool) {
		if st.LastError == msg {
			return st, false
		}
		st.LastError = msg
		return st, true
	})
}

// ErrorMessage returns the user-facing text of err.
func ErrorMessage(err error) string {
	if issue := fmsg.GetIssue(err); issue != "" {
		return issue
	}
	return err.Error()
}

func (s *Store) setMode(mode QuantizationMode) {
	s.update(func(st State) (State, bool) {
		if st.SwapMode == mode {
			return st, false
		}
		st.SwapMode = mode
		return st, true
	})
}

// update applies fn to the current state and publishes the result when fn
// reports a change. fn receives a value whose Instances slice is shared with
// the published state; it must replace the slice (see withInstance) rather
// than write through it.
func (s *Store) update(fn func(State) (State, bool)) (State, bool) {
	s.notify.Lock()
	defer s.notify.Unlock()

	s.mu.Lock()
	next, changed := fn(s.state)
	if !changed {
		cur := s.state
		s.mu.Unlock()
		return cur, false
	}
	next.Version = s.state.Version + 1
	s.state = next
	subs := make([]func(State), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		sub(next)
	}
	return next, true
}

func (s *Store) emit(sig Signal) {
	s.notify.Lock()
	defer s.notify.Unlock()

	s.mu.RLock()
	handlers := make([]func(Signal), 0, len(s.signals))
	for _, fn := range s.signals {
		handlers = append(handlers, fn)
	}
	s.mu.RUnlock()

	for _, fn := range handlers {
		fn(sig)
	}
}

// withInstance returns a copy of instances with the entry for id replaced by
// fn's result.
func withInstance(instances []Instance, id string, fn func(Instance) Instance) ([]Instance, bool) {
	for i, inst := range instances {
		if inst.ID != id {
			continue
		}
		out := make([]Instance, len(instances))
		copy(out, instances)
		out[i] = fn(inst)
		return out, true
	}
	return instances, false
}

func withoutInstance(instances []Instance, id string) ([]Instance, bool) {
	for i, inst := range instances {
		if inst.ID != id {
			continue
		}
		out := make([]Instance, 0, len(instances)-1)
		out = append(out, instances[:i]...)
		out = append(out, instances[i+1:]...)
		return out, true
	}
	return instances, false
}
