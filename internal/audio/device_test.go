package audio

import (
	"context"
	"testing"
	"time"

	"github.com/Southclaws/fault/ftag"

	"github.com/satindergrewal/bandstage/internal/logging"
	"github.com/satindergrewal/bandstage/internal/tempo"
)

func TestDeviceClockOnlyRunsAfterResume(t *testing.T) {
	d := NewDevice(tempo.NewManual(0), 1, logging.Discard())
	if d.State() != Suspended || d.Started() {
		t.Fatalf("new device state = %s started=%v, want suspended", d.State(), d.Started())
	}
	if out := d.Render(FrameSize); out != nil {
		t.Error("suspended device rendered audio")
	}
	if d.Now() != 0 {
		t.Errorf("Now = %v before resume, want 0", d.Now())
	}

	if err := d.Resume(); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	out := d.Render(FrameSize)
	if len(out) != FrameSamples {
		t.Fatalf("Render returned %d samples, want %d", len(out), FrameSamples)
	}
	if d.Now() != 0.02 {
		t.Errorf("Now = %v after one frame, want 0.02", d.Now())
	}

	d.Suspend()
	if d.Render(FrameSize) != nil || d.Now() != 0.02 {
		t.Error("suspended device clock advanced")
	}

	d.Close()
	if err := d.Resume(); ftag.Get(err) != DeviceUnavailable {
		t.Errorf("Resume after Close tag = %q, want %q", ftag.Get(err), DeviceUnavailable)
	}
}

func TestDeviceMixesBusesWithMasterGain(t *testing.T) {
	d := NewDevice(tempo.NewManual(0), 0.5, logging.Discard())
	_ = d.Resume()

	for _, level := range []float32{0.25, 0.5} {
		src := newSource(&Buffer{Samples: []float32{level, -level}})
		src.Start(0)
		d.addBus(&bus{gain: NewParam(1), sources: []*Source{src}})
	}

	out := d.Render(4)
	// (0.25 + 0.5) * 0.5 master
	if out[0] != toInt16(0.375) || out[1] != toInt16(-0.375) {
		t.Errorf("mixed frame = [%d %d], want [%d %d]", out[0], out[1], toInt16(0.375), toInt16(-0.375))
	}
}

func TestDevicePrunesFinishedSources(t *testing.T) {
	d := NewDevice(tempo.NewManual(0), 1, logging.Discard())
	_ = d.Resume()
	src := newSource(&Buffer{Samples: []float32{1, 1}})
	src.Start(0)
	src.Stop(0.01)
	b := &bus{gain: NewParam(1), sources: []*Source{src}}
	d.addBus(b)

	d.Render(FrameSize)
	if len(b.sources) != 0 {
		t.Errorf("finished source still on bus")
	}
}

func TestDeviceMasterGainRamp(t *testing.T) {
	d := NewDevice(tempo.NewManual(0), DefaultMaster, logging.Discard())
	_ = d.Resume()
	if d.MasterGain() != DefaultMaster {
		t.Errorf("MasterGain = %v, want %v", d.MasterGain(), DefaultMaster)
	}
	d.SetMasterGain(0.2)
	d.Render(FrameSize * 2)
	if got := d.MasterGain(); got != 0.2 {
		t.Errorf("MasterGain after ramp = %v, want 0.2", got)
	}
}

func TestDeviceRunPacesAgainstWallClock(t *testing.T) {
	wall := tempo.NewManual(1000)
	d := NewDevice(wall, 1, logging.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	if err := d.Resume(); err != nil {
		t.Fatal(err)
	}
	wall.Advance(100)

	got := 0
	deadline := time.After(2 * time.Second)
	for got < 5 {
		select {
		case frame := <-d.Frames():
			if len(frame) != FrameSamples {
				t.Fatalf("frame has %d samples", len(frame))
			}
			got++
		case <-deadline:
			t.Fatalf("received %d frames, want 5", got)
		}
	}
	if now := d.Now(); now != 0.1 {
		t.Errorf("device time = %v, want 0.1 after 100ms of wall time", now)
	}

	// A long stall jumps the clock instead of rendering seconds of backlog.
	wall.Advance(5000)
	deadline = time.After(2 * time.Second)
	for d.Now() < 5.1 {
		select {
		case <-d.Frames():
		case <-deadline:
			t.Fatalf("device time = %v, want 5.1 after the stall", d.Now())
		}
	}
	if now := d.Now(); now > 5.1+1e-9 {
		t.Errorf("device time = %v ran ahead of wall time", now)
	}

	cancel()
	for range d.Frames() {
	}
}
