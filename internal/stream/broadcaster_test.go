package stream

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/satindergrewal/bandstage/internal/logging"
)

func TestNewBroadcaster(t *testing.T) {
	b := NewBroadcaster(logging.Discard())
	if b == nil {
		t.Fatal("NewBroadcaster returned nil")
	}
	if b.ListenerCount() != 0 {
		t.Errorf("Initial ListenerCount = %d, want 0", b.ListenerCount())
	}
}

func TestSubscribeUnsubscribe(t *testing.T) {
	b := NewBroadcaster(logging.Discard())

	l1 := b.Subscribe("one")
	if b.ListenerCount() != 1 {
		t.Errorf("After 1 subscribe: ListenerCount = %d, want 1", b.ListenerCount())
	}

	l2 := b.Subscribe("two")
	if b.ListenerCount() != 2 {
		t.Errorf("After 2 subscribes: ListenerCount = %d, want 2", b.ListenerCount())
	}

	b.Unsubscribe(l1)
	b.Unsubscribe(l1) // second call is a no-op
	if b.ListenerCount() != 1 {
		t.Errorf("After 1 unsubscribe: ListenerCount = %d, want 1", b.ListenerCount())
	}

	b.Unsubscribe(l2)
	if b.ListenerCount() != 0 {
		t.Errorf("After all unsubscribed: ListenerCount = %d, want 0", b.ListenerCount())
	}
}

func TestBroadcastDelivers(t *testing.T) {
	b := NewBroadcaster(logging.Discard())
	l := b.Subscribe("test")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	source := make(chan []int16, 10)
	go b.Run(ctx, source)

	frame := []int16{100, 200, 300, 400}
	source <- frame

	select {
	case got := <-l.C:
		if len(got) != len(frame) {
			t.Errorf("Received frame length %d, want %d", len(got), len(frame))
		}
		for i, v := range got {
			if v != frame[i] {
				t.Errorf("Frame[%d] = %d, want %d", i, v, frame[i])
			}
		}
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for frame")
	}
	if b.Frames() != 1 {
		t.Errorf("Frames = %d, want 1", b.Frames())
	}
	b.Unsubscribe(l)
}

func TestBroadcastMultipleListeners(t *testing.T) {
	b := NewBroadcaster(logging.Discard())
	listeners := make([]*Listener, 5)
	for i := range listeners {
		listeners[i] = b.Subscribe("test")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	source := make(chan []int16, 10)
	go b.Run(ctx, source)

	source <- []int16{42, -42}

	for i, l := range listeners {
		select {
		case got := <-l.C:
			if got[0] != 42 {
				t.Errorf("Listener %d got frame[0]=%d, want 42", i, got[0])
			}
		case <-time.After(time.Second):
			t.Errorf("Listener %d timed out", i)
		}
	}
	for _, l := range listeners {
		b.Unsubscribe(l)
	}
}

func TestBroadcastDropsSlowListener(t *testing.T) {
	b := NewBroadcaster(logging.Discard())
	slow := b.Subscribe("slow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	source := make(chan []int16, 200)
	go b.Run(ctx, source)

	for i := 0; i < 200; i++ {
		source <- []int16{int16(i)}
	}
	deadline := time.After(2 * time.Second)
	for b.Frames() < 200 {
		select {
		case <-deadline:
			t.Fatalf("broadcast %d of 200 frames", b.Frames())
		case <-time.After(time.Millisecond):
		}
	}

	if n := len(slow.C); n != listenerBuffer {
		t.Errorf("slow listener buffered %d frames, want %d", n, listenerBuffer)
	}
	if d := slow.Dropped(); d != 200-listenerBuffer {
		t.Errorf("Dropped = %d, want %d", d, 200-listenerBuffer)
	}
	// The oldest frames are the ones kept.
	if first := <-slow.C; first[0] != 0 {
		t.Errorf("first buffered frame = %d, want 0", first[0])
	}
	b.Unsubscribe(slow)
}

func TestBroadcastStopsOnContextCancel(t *testing.T) {
	b := NewBroadcaster(logging.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	source := make(chan []int16, 10)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		b.Run(ctx, source)
	}()

	cancel()
	waitOrFail(t, &wg, "Broadcaster did not stop after context cancel")
}

func TestBroadcastStopsOnSourceClose(t *testing.T) {
	b := NewBroadcaster(logging.Discard())
	source := make(chan []int16, 10)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		b.Run(context.Background(), source)
	}()

	close(source)
	waitOrFail(t, &wg, "Broadcaster did not stop after source closed")
}

func waitOrFail(t *testing.T, wg *sync.WaitGroup, msg string) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal(msg)
	}
}

func TestListenerDoneChannel(t *testing.T) {
	b := NewBroadcaster(logging.Discard())
	l := b.Subscribe("test")

	b.Unsubscribe(l)

	select {
	case <-l.Done():
	default:
		t.Error("Listener done channel not closed after unsubscribe")
	}
}

func TestFrameReaderSplitsFrames(t *testing.T) {
	b := NewBroadcaster(logging.Discard())
	l := b.Subscribe("reader")
	l.C <- []int16{1, 2, 3}

	r := &frameReader{ctx: context.Background(), l: l}
	p := make([]byte, 4)
	n, err := r.Read(p)
	if n != 4 || err != nil || !bytes.Equal(p, []byte{1, 0, 2, 0}) {
		t.Errorf("first Read = %d %v %v", n, p, err)
	}
	n, err = r.Read(p)
	if n != 2 || err != nil || !bytes.Equal(p[:2], []byte{3, 0}) {
		t.Errorf("second Read = %d %v %v", n, p[:n], err)
	}

	b.Unsubscribe(l)
	if _, err := r.Read(p); err != io.EOF {
		t.Errorf("Read after unsubscribe err = %v, want EOF", err)
	}
}

func TestEncoderArgs(t *testing.T) {
	h := NewHTTPHandler(NewBroadcaster(logging.Discard()), 0, logging.Discard())
	args := strings.Join(h.encoderArgs(), " ")
	for _, want := range []string{"-ar 48000", "-ac 2", "-b:a 192k", "-f mp3"} {
		if !strings.Contains(args, want) {
			t.Errorf("ffmpeg args %q missing %q", args, want)
		}
	}
}
