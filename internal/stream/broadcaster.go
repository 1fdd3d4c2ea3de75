// Package stream carries the rendered stage mix to listeners: chunked MP3
// over HTTP, Opus over WebRTC and the local sound device.
package stream

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// listenerBuffer is how many 20ms frames a listener may fall behind before
// frames are dropped (~3 seconds).
const listenerBuffer = 150

// Broadcaster fans out PCM frames from the device to N listeners.
type Broadcaster struct {
	log logrus.FieldLogger

	mu        sync.RWMutex
	listeners map[*Listener]struct{}
	frames    atomic.Uint64
}

// Listener receives PCM frames from the broadcaster.
type Listener struct {
	C       chan []int16 // buffered channel of 20ms PCM frames
	name    string
	done    chan struct{}
	dropped atomic.Uint64
}

// Done is closed when the listener is unsubscribed.
func (l *Listener) Done() <-chan struct{} { return l.done }

// Dropped returns how many frames were skipped because the listener was behind.
func (l *Listener) Dropped() uint64 { return l.dropped.Load() }

// NewBroadcaster creates a new broadcaster.
func NewBroadcaster(log logrus.FieldLogger) *Broadcaster {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Broadcaster{
		log:       log.WithField("component", "broadcaster"),
		listeners: make(map[*Listener]struct{}),
	}
}

// Subscribe registers a new listener. name only labels log lines.
func (b *Broadcaster) Subscribe(name string) *Listener {
	l := &Listener{
		C:    make(chan []int16, listenerBuffer),
		name: name,
		done: make(chan struct{}),
	}
	b.mu.Lock()
	b.listeners[l] = struct{}{}
	n := len(b.listeners)
	b.mu.Unlock()
	b.log.WithFields(logrus.Fields{"listener": name, "listeners": n}).Info("listener connected")
	return l
}

// Unsubscribe removes a listener and signals it to stop. Calling it twice is
// a no-op.
func (b *Broadcaster) Unsubscribe(l *Listener) {
	b.mu.Lock()
	_, ok := b.listeners[l]
	delete(b.listeners, l)
	n := len(b.listeners)
	b.mu.Unlock()
	if !ok {
		return
	}
	close(l.done)
	b.log.WithFields(logrus.Fields{"listener": l.name, "listeners": n, "dropped": l.Dropped()}).
		Info("listener disconnected")
}

// ListenerCount returns the number of active listeners.
func (b *Broadcaster) ListenerCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners)
}

// Frames returns how many frames have been broadcast.
func (b *Broadcaster) Frames() uint64 {
	return b.frames.Load()
}

// Run reads frames from source and fans out to all listeners.
// Slow listeners get frames dropped rather than blocking the broadcast.
func (b *Broadcaster) Run(ctx context.Context, source <-chan []int16) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-source:
			if !ok {
				b.log.Debug("frame source closed")
				return
			}
			b.frames.Add(1)
			b.mu.RLock()
			for l := range b.listeners {
				select {
				case l.C <- frame:
				default:
					l.dropped.Add(1)
				}
			}
			b.mu.RUnlock()
		}
	}
}
