package audio

import (
	"context"
	"sync"
	"time"

	"github.com/Southclaws/fault"
	"github.com/Southclaws/fault/fmsg"
	"github.com/Southclaws/fault/ftag"
	"github.com/sirupsen/logrus"

	"github.com/satindergrewal/bandstage/internal/tempo"
)

// DeviceState is the device's run state.
type DeviceState string

const (
	Suspended DeviceState = "suspended"
	Running   DeviceState = "running"
	Closed    DeviceState = "closed"
)

// maxLag bounds how far the render loop catches up after a stall. Beyond it
// the clock jumps forward silently so device time keeps tracking wall time.
const maxLag = SampleRate // one second of frames

// bus is one track's gain stage and the sources routed through it.
type bus struct {
	gain    *Param
	sources []*Source
}

// Device is a software stereo mixer. Its clock is the number of frames
// rendered; it only advances while running, and it starts suspended until
// Resume is called from an explicit start step.
type Device struct {
	wall tempo.WallClock
	log  logrus.FieldLogger

	mu      sync.Mutex
	state   DeviceState
	started bool
	frame   int64
	master  *Param
	buses   map[*bus]struct{}

	paceWall  float64 // wall ms at the last resume
	paceFrame int64   // frame at the last resume

	frameCh chan []int16
}

// NewDevice creates a suspended device with the given master gain.
func NewDevice(wall tempo.WallClock, masterGain float64, log logrus.FieldLogger) *Device {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Device{
		wall:    wall,
		log:     log.WithField("component", "device"),
		state:   Suspended,
		master:  NewParam(masterGain),
		buses:   make(map[*bus]struct{}),
		frameCh: make(chan []int16, 100),
	}
}

// Frames returns the channel of outgoing PCM frames (20ms each). It is
// closed when Run returns.
func (d *Device) Frames() <-chan []int16 {
	return d.frameCh
}

// Resume starts or restarts the device clock.
func (d *Device) Resume() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch d.state {
	case Closed:
		return fault.New("audio: device closed",
			ftag.With(DeviceUnavailable),
			fmsg.WithDesc("device closed", "The audio device has been shut down."))
	case Running:
		return nil
	}
	d.state = Running
	d.started = true
	d.paceWall = d.wall.NowMs()
	d.paceFrame = d.frame
	d.log.WithField("device_s", d.nowLocked()).Info("device resumed")
	return nil
}

// Suspend freezes the device clock.
func (d *Device) Suspend() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == Running {
		d.state = Suspended
		d.log.WithField("device_s", d.nowLocked()).Info("device suspended")
	}
}

// Close stops the device for good.
func (d *Device) Close() {
	d.mu.Lock()
	d.state = Closed
	d.mu.Unlock()
}

// State returns the run state.
func (d *Device) State() DeviceState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Started reports whether the device has ever been resumed.
func (d *Device) Started() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.started
}

// Now returns device time in seconds.
func (d *Device) Now() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.nowLocked()
}

func (d *Device) nowLocked() float64 {
	return float64(d.frame) / SampleRate
}

// SetMasterGain ramps the output level to g over the mute ramp time.
func (d *Device) SetMasterGain(g float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.nowLocked()
	d.master.hold(now)
	d.master.LinearRampToValueAtTime(g, now+muteRamp)
}

// MasterGain returns the current output level.
func (d *Device) MasterGain() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.master.ValueAt(d.nowLocked())
}

func (d *Device) addBus(b *bus) {
	d.buses[b] = struct{}{}
}

func (d *Device) removeBus(b *bus) {
	delete(d.buses, b)
}

// Render mixes n frames, advances the clock and returns interleaved int16
// samples. It returns nil while the device is not running.
func (d *Device) Render(n int) []int16 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != Running {
		return nil
	}
	return d.renderLocked(n)
}

func (d *Device) renderLocked(n int) []int16 {
	out := make([]int16, n*Channels)
	for i := 0; i < n; i++ {
		f := d.frame + int64(i)
		t := float64(f) / SampleRate
		var l, r float64
		for b := range d.buses {
			g := b.gain.ValueAt(t)
			if g == 0 {
				continue
			}
			for _, s := range b.sources {
				sl, sr := s.sample(f, t, g)
				l += sl
				r += sr
			}
		}
		m := d.master.ValueAt(t)
		out[i*2] = toInt16(l * m)
		out[i*2+1] = toInt16(r * m)
	}
	d.frame += int64(n)
	d.pruneLocked()
	return out
}

// pruneLocked drops finished sources and folds past automation.
func (d *Device) pruneLocked() {
	now := d.nowLocked()
	d.master.prune(now)
	for b := range d.buses {
		b.gain.prune(now)
		live := b.sources[:0]
		for _, s := range b.sources {
			if s.Done(now) {
				continue
			}
			s.fade.prune(now)
			live = append(live, s)
		}
		for i := len(live); i < len(b.sources); i++ {
			b.sources[i] = nil
		}
		b.sources = live
	}
}

// Run renders 20ms frames in real time while the device is running.
// Blocks until ctx is cancelled.
func (d *Device) Run(ctx context.Context) {
	defer close(d.frameCh)

	ticker := time.NewTicker(FrameDuration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		for _, frame := range d.due() {
			select {
			case d.frameCh <- frame:
			case <-ctx.Done():
				return
			default:
				// Listeners are behind; the clock must not wait for them.
			}
		}
	}
}

// due renders every whole frame the wall clock says should exist by now.
func (d *Device) due() [][]int16 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != Running {
		return nil
	}
	target := d.paceFrame + int64((d.wall.NowMs()-d.paceWall)*SampleRate/1000)
	if lag := target - d.frame; lag > maxLag {
		d.log.WithField("skipped_ms", float64(lag-FrameSize)*1000/SampleRate).Warn("render loop stalled")
		d.frame = target - FrameSize
	}
	var frames [][]int16
	for d.frame+FrameSize <= target {
		frames = append(frames, d.renderLocked(FrameSize))
	}
	return frames
}
