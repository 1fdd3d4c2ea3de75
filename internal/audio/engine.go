package audio

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/Southclaws/fault"
	"github.com/Southclaws/fault/fmsg"
	"github.com/Southclaws/fault/ftag"
	"github.com/sirupsen/logrus"

	"github.com/satindergrewal/bandstage/internal/catalog"
	"github.com/satindergrewal/bandstage/internal/tempo"
)

// track is one instance's signal path and what the engine last did to it.
type track struct {
	bus    *bus
	active *Source
	loopID string
	muted  bool

	gen      uint64 // newest generation seen
	floor    uint64 // generations at or below this are void
	change   *change
	deferred *deferral
}

func (t *track) baseline() float64 {
	if t.muted {
		return 0
	}
	return 1
}

// change records a scheduled outfit change until it fires, so a newer
// generation can take it back.
type change struct {
	gen      uint64
	outfitID string
	loopID   string
	atMs     float64
	fireAt float64 // device seconds; after this the change is audible

	started    *Source // new source, nil for a stop
	stopped    *Source // old source whose stop this change scheduled
	prevLoop   string
	prevActive *Source
}

// deferral is the latest outfit requested before the device ran.
type deferral struct {
	outfitID string
	gen      uint64
}

// TrackStatus describes one track for observers.
type TrackStatus struct {
	InstanceID string  `json:"instanceId"`
	LoopID     string  `json:"loopId,omitempty"`
	Muted      bool    `json:"muted"`
	Gain       float64 `json:"gain"`
	Sources    int     `json:"sources"`
	Generation uint64  `json:"generation"`
	Deferred   string  `json:"deferredOutfitId,omitempty"`
}

// Status describes the engine for observers.
type Status struct {
	State        DeviceState   `json:"state"`
	DeviceTime   float64       `json:"deviceTime"`
	WallAnchorMs float64       `json:"wallAnchorMs"`
	DeviceAnchor float64       `json:"deviceAnchor"`
	MasterGain   float64       `json:"masterGain"`
	Buffers      int           `json:"buffers"`
	Tracks       []TrackStatus `json:"tracks"`
}

// Engine maps musical-clock instants onto the device clock and schedules
// the gain and playback events that realize outfit changes.
type Engine struct {
	dev   *Device
	clock *tempo.Clock
	cat   catalog.Lookup
	cache *BufferCache
	log   logrus.FieldLogger

	mu           sync.Mutex
	wallAnchorMs float64
	deviceAnchor float64
	tracks       map[string]*track
	removed      map[string]struct{} // ids whose tracks are gone for good
	onError      func(error)

	wg sync.WaitGroup
}

// NewEngine creates an engine on dev. Buffers come from cache.
func NewEngine(dev *Device, clock *tempo.Clock, cat catalog.Lookup, cache *BufferCache, log logrus.FieldLogger) *Engine {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Engine{
		dev:    dev,
		clock:  clock,
		cat:    cat,
		cache:  cache,
		log:    log.WithField("component", "engine"),
		tracks:  make(map[string]*track),
		removed: make(map[string]struct{}),
	}
}

// SetErrorHandler sets fn to receive errors from work the engine starts on
// its own, such as realizing deferred changes.
func (e *Engine) SetErrorHandler(fn func(error)) {
	e.mu.Lock()
	e.onError = fn
	e.mu.Unlock()
}

// Device returns the underlying device.
func (e *Engine) Device() *Device { return e.dev }

// Start resumes the device. It must follow an explicit user action. Each
// transition to running re-anchors wall time to device time. Outfit changes
// requested while the device was not running are realized at the next bar,
// and changes scheduled before a suspend that have not fired are scheduled
// again for their original wall instant.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	wasRunning := e.dev.State() == Running
	if err := e.dev.Resume(); err != nil {
		e.mu.Unlock()
		return err
	}
	if wasRunning {
		e.mu.Unlock()
		return nil
	}
	wallNow, devNow := e.clock.NowMs(), e.dev.Now()
	e.wallAnchorMs = wallNow
	e.deviceAnchor = devNow

	type realize struct {
		instanceID string
		outfitID   string
		atMs       float64
		gen        uint64
	}
	var todo []realize
	nextBar := e.clock.NextBarTime(wallNow)
	for id, tr := range e.tracks {
		switch {
		case tr.deferred != nil:
			todo = append(todo, realize{id, tr.deferred.outfitID, nextBar, tr.deferred.gen})
		case tr.change != nil && !e.firedLocked(tr.change):
			// Its device time was computed under the old anchor.
			ch := tr.change
			e.voidLocked(tr)
			todo = append(todo, realize{id, ch.outfitID, ch.atMs, ch.gen})
		}
	}
	onError := e.onError
	e.mu.Unlock()

	e.log.WithFields(logrus.Fields{"wall_anchor_ms": wallNow, "device_anchor_s": devNow, "pending": len(todo)}).
		Info("audio started")

	for _, r := range todo {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			if err := e.ScheduleOutfitChange(ctx, r.instanceID, r.outfitID, r.atMs, r.gen); err != nil {
				e.log.WithError(err).WithField("instance", r.instanceID).Warn("pending change failed")
				if onError != nil {
					onError(err)
				}
			}
		}()
	}
	return nil
}

// Suspend freezes the device clock. Changes requested until the next Start
// are deferred.
func (e *Engine) Suspend() {
	e.dev.Suspend()
}

// Wait blocks until the changes realized by Start have been scheduled.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// ScheduleOutfitChange makes instanceID's track sound like outfitID from
// wall instant atMs. gen is the request generation: older generations are
// dropped and a newer one takes back the previous change if it has not
// fired yet.
func (e *Engine) ScheduleOutfitChange(ctx context.Context, instanceID, outfitID string, atMs float64, gen uint64) error {
	outfit, ok := e.cat.Outfit(outfitID)
	if !ok {
		return unresolved("outfit", outfitID)
	}
	var loop catalog.LoopAssetDef
	if outfit.LoopAssetID != "" {
		if loop, ok = e.cat.Loop(outfit.LoopAssetID); !ok {
			return unresolved("loopAsset", outfit.LoopAssetID)
		}
	}
	log := e.log.WithFields(logrus.Fields{"instance": instanceID, "outfit": outfitID, "loop": loop.ID, "at_ms": atMs, "gen": gen})

	e.mu.Lock()
	if _, gone := e.removed[instanceID]; gone {
		e.mu.Unlock()
		log.Debug("track removed, change dropped")
		return nil
	}
	tr := e.trackLocked(instanceID)
	if !e.admitLocked(tr, gen, loop.ID, atMs) {
		e.mu.Unlock()
		log.Debug("change dropped")
		return nil
	}
	if e.dev.State() != Running {
		tr.deferred = &deferral{outfitID: outfitID, gen: gen}
		e.mu.Unlock()
		log.Debug("change deferred until audio start")
		return nil
	}
	tr.deferred = nil

	if loop.ID == tr.loopID {
		e.mu.Unlock()
		return nil
	}
	if loop.ID == "" {
		e.scheduleStopLocked(tr, gen, outfitID, atMs)
		e.mu.Unlock()
		log.Debug("stop scheduled")
		return nil
	}

	buf, cached := e.cache.Lookup(loop.ID)
	if !cached {
		e.mu.Unlock()
		var err error
		if buf, err = e.cache.Get(ctx, loop.ID); err != nil {
			return err
		}
		e.mu.Lock()
		if e.tracks[instanceID] != tr || tr.gen != gen || gen <= tr.floor {
			e.mu.Unlock()
			log.Debug("superseded while loading")
			return nil
		}
		if e.dev.State() != Running {
			tr.deferred = &deferral{outfitID: outfitID, gen: gen}
			e.mu.Unlock()
			return nil
		}
		if loop.ID == tr.loopID {
			e.mu.Unlock()
			return nil
		}
	}
	e.scheduleLoopLocked(tr, gen, outfitID, loop, buf, atMs)
	e.mu.Unlock()
	log.Debug("loop scheduled")
	return nil
}

// admitLocked applies the generation rules. It reports whether the request
// should go on to be scheduled.
func (e *Engine) admitLocked(tr *track, gen uint64, loopID string, atMs float64) bool {
	if gen <= tr.floor || gen < tr.gen {
		return false
	}
	if gen == tr.gen {
		return true
	}
	tr.gen = gen
	if ch := tr.change; ch != nil && ch.loopID == loopID && ch.atMs == atMs && !e.firedLocked(ch) {
		// The pending change already produces this result.
		ch.gen = gen
		return false
	}
	e.voidLocked(tr)
	return true
}

func (e *Engine) firedLocked(ch *change) bool {
	return e.dev.Now() >= ch.fireAt
}

// voidLocked takes back the track's un-fired change, restoring what was
// playing before it.
func (e *Engine) voidLocked(tr *track) {
	ch := tr.change
	tr.change = nil
	if ch == nil {
		return
	}

	d := e.dev
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.nowLocked()
	if now >= ch.fireAt {
		return
	}
	if ch.started != nil {
		ch.started.Cancel()
	}
	if ch.stopped != nil {
		ch.stopped.Unstop(now)
	}
	tr.active = ch.prevActive
	tr.loopID = ch.prevLoop

	g := tr.bus.gain
	g.hold(now)
	g.LinearRampToValueAtTime(tr.baseline(), now+muteRamp)
	e.log.WithFields(logrus.Fields{"gen": ch.gen, "loop": ch.loopID}).Debug("change voided")
}

// scheduleStopLocked fades the track out to land silent on the boundary.
func (e *Engine) scheduleStopLocked(tr *track, gen uint64, outfitID string, atMs float64) {
	d := e.dev
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.nowLocked()
	at := math.Max(e.toDevice(atMs), now)
	g := tr.bus.gain

	ch := &change{gen: gen, outfitID: outfitID, atMs: atMs, fireAt: at, prevLoop: tr.loopID, prevActive: tr.active}

	fadeStart := math.Max(now, at-fadeDuration)
	g.hold(now)
	g.SetValueAtTime(g.ValueAt(now), fadeStart)
	g.LinearRampToValueAtTime(0, fadeStart+fadeDuration)
	if tr.active != nil {
		tr.active.Stop(at + stopDelay)
		ch.stopped = tr.active
	}
	tr.active = nil
	tr.loopID = ""
	// Ready for a later loop.
	g.LinearRampToValueAtTime(tr.baseline(), at+restoreDelay)

	tr.change = ch
}

// scheduleLoopLocked starts buf on the boundary, fading out whatever the
// track was playing.
func (e *Engine) scheduleLoopLocked(tr *track, gen uint64, outfitID string, loop catalog.LoopAssetDef, buf *Buffer, atMs float64) {
	d := e.dev
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.nowLocked()
	at := math.Max(e.toDevice(atMs), now)
	g := tr.bus.gain

	src := newSource(buf)
	ch := &change{gen: gen, outfitID: outfitID, loopID: loop.ID, atMs: atMs, started: src, prevLoop: tr.loopID, prevActive: tr.active}

	if tr.active != nil {
		fadeStart := math.Max(now, at-fadeDuration)
		g.hold(now)
		g.SetValueAtTime(g.ValueAt(now), fadeStart)
		g.LinearRampToValueAtTime(0, fadeStart+fadeDuration)
		tr.active.Stop(at + stopDelay)
		ch.stopped = tr.active
		g.LinearRampToValueAtTime(tr.baseline(), at+restoreDelay)
	} else {
		g.CancelScheduledValues(now)
		g.SetValueAtTime(tr.baseline(), now)
	}

	startAt := math.Max(now+startLead, at)
	src.fade = NewParam(silentGain)
	src.fade.SetValueAtTime(silentGain, startAt)
	src.fade.LinearRampToValueAtTime(DbToGain(loop.GainDb), startAt+fadeDuration)
	src.Start(startAt)
	tr.bus.sources = append(tr.bus.sources, src)

	tr.active = src
	tr.loopID = loop.ID
	ch.fireAt = startAt
	tr.change = ch
}

// SetMuted ramps the track to silence or back to full level. The latest
// call wins over any ramp in flight.
func (e *Engine) SetMuted(instanceID string, muted bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dev.State() == Closed {
		return fault.New("audio: device closed",
			ftag.With(DeviceUnavailable),
			fmsg.WithDesc("device closed", "Audio is unavailable."))
	}
	if _, gone := e.removed[instanceID]; gone {
		return nil
	}
	tr := e.trackLocked(instanceID)
	tr.muted = muted

	d := e.dev
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.nowLocked()
	tr.bus.gain.hold(now)
	tr.bus.gain.LinearRampToValueAtTime(tr.baseline(), now+muteRamp)
	return nil
}

// Void takes back every change for instanceID up to and including gen that
// has not fired, and makes later arrivals of those generations no-ops.
func (e *Engine) Void(instanceID string, gen uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, gone := e.removed[instanceID]; gone {
		return
	}
	tr := e.trackLocked(instanceID)
	if gen > tr.floor {
		tr.floor = gen
	}
	if tr.change != nil && tr.change.gen <= gen {
		e.voidLocked(tr)
	}
	if tr.deferred != nil && tr.deferred.gen <= gen {
		tr.deferred = nil
	}
}

// RemoveTrack silences and disconnects the instance's track. Removal is
// final: changes for instanceID that arrive later, including ones already
// loading, are dropped.
func (e *Engine) RemoveTrack(instanceID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.removed[instanceID] = struct{}{}
	tr, ok := e.tracks[instanceID]
	if !ok {
		return
	}
	delete(e.tracks, instanceID)

	d := e.dev
	d.mu.Lock()
	for _, s := range tr.bus.sources {
		s.Cancel()
	}
	d.removeBus(tr.bus)
	d.mu.Unlock()
}

// Status reports the device and every track.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	d := e.dev
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.nowLocked()

	st := Status{
		State:        d.state,
		DeviceTime:   now,
		WallAnchorMs: e.wallAnchorMs,
		DeviceAnchor: e.deviceAnchor,
		MasterGain:   d.master.ValueAt(now),
		Buffers:      e.cache.Len(),
	}
	for id, tr := range e.tracks {
		ts := TrackStatus{
			InstanceID: id,
			LoopID:     tr.loopID,
			Muted:      tr.muted,
			Gain:       tr.bus.gain.ValueAt(now),
			Sources:    len(tr.bus.sources),
			Generation: tr.gen,
		}
		if tr.deferred != nil {
			ts.Deferred = tr.deferred.outfitID
		}
		st.Tracks = append(st.Tracks, ts)
	}
	sort.Slice(st.Tracks, func(i, j int) bool { return st.Tracks[i].InstanceID < st.Tracks[j].InstanceID })
	return st
}

// toDevice converts a wall instant to device time using the current anchor.
func (e *Engine) toDevice(atMs float64) float64 {
	return e.deviceAnchor + (atMs-e.wallAnchorMs)/1000
}

func (e *Engine) trackLocked(instanceID string) *track {
	if tr, ok := e.tracks[instanceID]; ok {
		return tr
	}
	tr := &track{bus: &bus{gain: NewParam(1)}}
	e.dev.mu.Lock()
	e.dev.addBus(tr.bus)
	e.dev.mu.Unlock()
	e.tracks[instanceID] = tr
	return tr
}

func unresolved(kind, id string) error {
	return fault.New(fmt.Sprintf("audio: unresolved %s reference %s", kind, id),
		ftag.With(ftag.NotFound),
		fmsg.WithDesc("unresolved reference", fmt.Sprintf("Unknown %sId: %s", kind, id)))
}
