package stage

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/Southclaws/fault"
	"github.com/Southclaws/fault/fmsg"
	"github.com/Southclaws/fault/ftag"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/satindergrewal/bandstage/internal/catalog"
	"github.com/satindergrewal/bandstage/internal/tempo"
)

// LimitReached tags spawns refused because a role is at maxInstances.
const LimitReached ftag.Kind = "LIMIT_REACHED"

// Stage margins keep a performer's body inside the visible area.
const (
	marginX = 60
	marginY = 90
)

// DefaultTick is the commit pass interval.
const DefaultTick = 16 * time.Millisecond

// AudioScheduler realizes swap decisions as audio. Implementations must not
// block on the device; ScheduleOutfitChange may block on buffer loading and
// is always called off the command path.
type AudioScheduler interface {
	ScheduleOutfitChange(ctx context.Context, instanceID, outfitID string, atMs float64, gen uint64) error
	SetMuted(instanceID string, muted bool) error
	Void(instanceID string, gen uint64)
	RemoveTrack(instanceID string)
}

// Catalog is what the scheduler needs from the catalog.
type Catalog interface {
	catalog.Lookup
	Roles() []catalog.RoleDef
}

// SchedulerConfig holds stage parameters.
type SchedulerConfig struct {
	Width  float64
	Height float64
	Tick   time.Duration
}

// Scheduler runs the per-instance swap state machine: it validates commands,
// computes quantized boundaries, hands them to the audio side and commits
// visual changes when their boundary passes.
type Scheduler struct {
	clock *tempo.Clock
	cat   Catalog
	store *Store
	audio AudioScheduler
	cfg   SchedulerConfig
	log   logrus.FieldLogger

	mu   sync.Mutex // serializes commands and the commit pass
	gens map[string]uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a scheduler. audio may be nil when no device is
// available; swaps then only change visual state.
func NewScheduler(clock *tempo.Clock, cat Catalog, store *Store, audio AudioScheduler, cfg SchedulerConfig, log logrus.FieldLogger) *Scheduler {
	if cfg.Tick <= 0 {
		cfg.Tick = DefaultTick
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		clock:  clock,
		cat:    cat,
		store:  store,
		audio:  audio,
		cfg:    cfg,
		log:    log.WithField("component", "scheduler"),
		gens:   make(map[string]uint64),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Store returns the state container the scheduler publishes to.
func (s *Scheduler) Store() *Store { return s.store }

// Clock returns the musical clock.
func (s *Scheduler) Clock() *tempo.Clock { return s.clock }

// Spawn places a new neutral instance of roleID.
func (s *Scheduler) Spawn(roleID string, pos Position) (Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	role, ok := s.cat.Role(roleID)
	if !ok {
		return Instance{}, s.fail(unresolved("role", roleID))
	}
	if n := s.store.State().CountRole(roleID); n >= role.MaxInstances {
		return Instance{}, s.fail(fault.New(fmt.Sprintf("stage: role %s at maxInstances %d", roleID, role.MaxInstances),
			ftag.With(LimitReached),
			fmsg.WithDesc("role full", fmt.Sprintf("%s already has %d on stage.", roleID, n))))
	}

	inst := Instance{
		ID:       uuid.NewString(),
		RoleID:   roleID,
		Position: s.clamp(pos),
		Status:   StatusIdle,
	}
	s.store.update(func(st State) (State, bool) {
		st.Instances = append(st.Instances[:len(st.Instances):len(st.Instances)], inst)
		return st, true
	})
	s.log.WithFields(logrus.Fields{"instance": inst.ID, "role": roleID}).Info("spawned")
	return inst, nil
}

// SpawnLineup places one neutral instance per role in a row across the stage.
// Roles already on stage are moved into the row instead.
func (s *Scheduler) SpawnLineup() error {
	roles := s.cat.Roles()
	left := s.cfg.Width * 0.12
	right := s.cfg.Width * 0.88
	y := s.cfg.Height * 0.62
	step := 0.0
	if len(roles) > 1 {
		step = (right - left) / float64(len(roles)-1)
	}

	for i, role := range roles {
		pos := Position{X: left + step*float64(i), Y: y}
		var existing string
		for _, inst := range s.store.State().Instances {
			if inst.RoleID == role.ID {
				existing = inst.ID
				break
			}
		}
		var err error
		if existing != "" {
			err = s.Move(existing, pos)
		} else {
			_, err = s.Spawn(role.ID, pos)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// Move repositions an instance.
func (s *Scheduler) Move(instanceID string, pos Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pos = s.clamp(pos)
	_, found := s.store.update(func(st State) (State, bool) {
		var ok bool
		st.Instances, ok = withInstance(st.Instances, instanceID, func(inst Instance) Instance {
			inst.Position = pos
			return inst
		})
		return st, ok
	})
	if !found {
		return s.fail(unknownInstance(instanceID))
	}
	return nil
}

// Remove takes an instance off stage and releases its audio track.
func (s *Scheduler) Remove(instanceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.store.update(func(st State) (State, bool) {
		var ok bool
		st.Instances, ok = withoutInstance(st.Instances, instanceID)
		return st, ok
	})
	if !ok {
		return s.fail(unknownInstance(instanceID))
	}
	delete(s.gens, instanceID)
	if s.audio != nil {
		s.audio.RemoveTrack(instanceID)
	}
	s.log.WithField("instance", instanceID).Info("removed")
	return nil
}

// SetSwapMode changes the global quantization mode used by RequestSwap.
func (s *Scheduler) SetSwapMode(mode QuantizationMode) error {
	m, err := ParseMode(string(mode))
	if err != nil {
		return s.fail(err)
	}
	s.store.setMode(m)
	s.log.WithField("mode", m).Info("swap mode changed")
	return nil
}

// RequestSwap asks for instanceID to change to outfitID at the next boundary
// of the global quantization mode.
func (s *Scheduler) RequestSwap(instanceID, outfitID string) (PendingSwap, error) {
	return s.RequestSwapMode(instanceID, outfitID, s.store.State().SwapMode)
}

// RequestSwapMode is RequestSwap with an explicit quantization mode.
//
// A request made while another is pending replaces it: the earlier target
// never commits and its audio is voided by the generation carried with the
// new one.
func (s *Scheduler) RequestSwapMode(instanceID, outfitID string, mode QuantizationMode) (PendingSwap, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.store.State().Instance(instanceID)
	if !ok {
		return PendingSwap{}, s.fail(unknownInstance(instanceID))
	}
	outfit, ok := s.cat.Outfit(outfitID)
	if !ok {
		return PendingSwap{}, s.fail(unresolved("outfit", outfitID))
	}
	if outfit.RoleID != inst.RoleID {
		err := fault.New(fmt.Sprintf("stage: outfit %s is for role %s, instance %s is %s", outfitID, outfit.RoleID, instanceID, inst.RoleID),
			ftag.With(ftag.InvalidArgument),
			fmsg.WithDesc("role mismatch",
				fmt.Sprintf("Outfit role mismatch. outfit.roleId=%s, instance.roleId=%s", outfit.RoleID, inst.RoleID)))
		s.store.emit(Signal{Kind: SignalRejected, InstanceID: instanceID, OutfitID: outfitID, AtMs: s.clock.NowMs(), Reason: ErrorMessage(err)})
		return PendingSwap{}, s.fail(err)
	}
	mode, err := ParseMode(string(mode))
	if err != nil {
		return PendingSwap{}, s.fail(err)
	}

	s.gens[instanceID]++
	gen := s.gens[instanceID]

	// Phase one: publish the request with its boundary not yet computed.
	s.setPending(instanceID, &PendingSwap{TargetOutfitID: outfitID, Mode: mode, Generation: gen})
	s.store.SetError(nil)

	// Phase two: compute the boundary from the outfit playing now.
	now := s.clock.NowMs()
	var at float64
	switch mode {
	case ModeBar:
		at = s.clock.NextBarTime(now)
	default:
		at = s.clock.NextLoopBoundaryTime(s.cycleBars(inst), now)
	}
	pending := &PendingSwap{TargetOutfitID: outfitID, ScheduledAtMs: at, Scheduled: true, Mode: mode, Generation: gen}
	s.setPending(instanceID, pending)

	s.log.WithFields(logrus.Fields{
		"instance": instanceID, "outfit": outfitID, "mode": mode, "at_ms": at, "gen": gen,
	}).Debug("swap scheduled")

	s.dispatch(instanceID, outfitID, at, gen)
	return *pending, nil
}

// CancelSwap drops the instance's pending swap without committing it and
// voids its audio.
func (s *Scheduler) CancelSwap(instanceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.store.State().Instance(instanceID)
	if !ok {
		return s.fail(unknownInstance(instanceID))
	}
	if inst.Pending == nil {
		return nil
	}
	gen := inst.Pending.Generation
	s.setPending(instanceID, nil)
	if s.audio != nil {
		s.audio.Void(instanceID, gen)
	}
	s.log.WithFields(logrus.Fields{"instance": instanceID, "gen": gen}).Info("swap cancelled")
	return nil
}

// SetMute sets an instance's mute flag and ramps its track.
func (s *Scheduler) SetMute(instanceID string, muted bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setMute(instanceID, muted)
}

// ToggleMute flips the mute flag and returns the new value.
func (s *Scheduler) ToggleMute(instanceID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.store.State().Instance(instanceID)
	if !ok {
		return false, s.fail(unknownInstance(instanceID))
	}
	return !inst.Muted, s.setMute(instanceID, !inst.Muted)
}

// setMute applies the flag to the audio track first so the published state
// never claims a mute the track did not take.
func (s *Scheduler) setMute(instanceID string, muted bool) error {
	if _, ok := s.store.State().Instance(instanceID); !ok {
		return s.fail(unknownInstance(instanceID))
	}
	if s.audio != nil {
		if err := s.audio.SetMuted(instanceID, muted); err != nil {
			return s.fail(fault.Wrap(err, fmsg.With("stage: set mute")))
		}
	}
	s.store.update(func(st State) (State, bool) {
		var ok bool
		st.Instances, ok = withInstance(st.Instances, instanceID, func(inst Instance) Instance {
			inst.Muted = muted
			return inst
		})
		return st, ok
	})
	return nil
}

// Tick commits every pending swap whose boundary is at or before now and
// returns how many committed. Each committed request emits one commit signal.
func (s *Scheduler) Tick() int {
	now := s.clock.NowMs()
	var commits []Signal

	s.mu.Lock()
	s.store.update(func(st State) (State, bool) {
		var out []Instance
		for i, inst := range st.Instances {
			p := inst.Pending
			if p == nil || !p.Scheduled || p.ScheduledAtMs > now {
				continue
			}
			if out == nil {
				out = make([]Instance, len(st.Instances))
				copy(out, st.Instances)
			}
			inst.OutfitID = p.TargetOutfitID
			inst.Pending = nil
			inst.Status = StatusPerforming
			out[i] = inst
			commits = append(commits, Signal{Kind: SignalCommit, InstanceID: inst.ID, OutfitID: inst.OutfitID, AtMs: p.ScheduledAtMs})
		}
		if out == nil {
			return st, false
		}
		st.Instances = out
		return st, true
	})
	s.mu.Unlock()

	for _, sig := range commits {
		s.log.WithFields(logrus.Fields{"instance": sig.InstanceID, "outfit": sig.OutfitID, "at_ms": sig.AtMs, "late_ms": now - sig.AtMs}).
			Debug("swap committed")
		s.store.emit(sig)
	}
	return len(commits)
}

// Run ticks the commit pass until ctx is cancelled, then waits for in-flight
// audio dispatches.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()

	s.log.WithField("tick", s.cfg.Tick).Info("commit loop started")
	for {
		select {
		case <-ctx.Done():
			s.cancel()
			s.Wait()
			return
		case <-ticker.C:
			s.Tick()
		}
	}
}

// Wait blocks until every dispatched audio schedule has returned.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) dispatch(instanceID, outfitID string, at float64, gen uint64) {
	if s.audio == nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.audio.ScheduleOutfitChange(s.ctx, instanceID, outfitID, at, gen); err != nil {
			s.log.WithError(err).WithFields(logrus.Fields{"instance": instanceID, "outfit": outfitID, "gen": gen}).
				Warn("audio schedule failed")
			s.store.SetError(err)
		}
	}()
}

// setPending publishes p as the instance's pending swap; nil returns it to
// its settled status.
func (s *Scheduler) setPending(instanceID string, p *PendingSwap) {
	s.store.update(func(st State) (State, bool) {
		var ok bool
		st.Instances, ok = withInstance(st.Instances, instanceID, func(inst Instance) Instance {
			inst.Pending = p
			if p != nil {
				inst.Status = StatusTransitioning
			} else {
				inst.Status = inst.settledStatus()
			}
			return inst
		})
		return st, ok
	})
}

// cycleBars is the bar count of the loop the instance is playing, or 1.
func (s *Scheduler) cycleBars(inst Instance) int {
	if inst.Neutral() {
		return 1
	}
	outfit, ok := s.cat.Outfit(inst.OutfitID)
	if !ok || outfit.LoopAssetID == "" {
		return 1
	}
	loop, ok := s.cat.Loop(outfit.LoopAssetID)
	if !ok || loop.Bars < 1 {
		return 1
	}
	return loop.Bars
}

func (s *Scheduler) clamp(p Position) Position {
	return Position{
		X: math.Max(marginX, math.Min(s.cfg.Width-marginX, p.X)),
		Y: math.Max(marginY, math.Min(s.cfg.Height-marginY, p.Y)),
	}
}

// fail records err in the error slot and returns it.
func (s *Scheduler) fail(err error) error {
	s.store.SetError(err)
	s.log.WithError(err).Debug("command rejected")
	return err
}

func unknownInstance(id string) error {
	return fault.New(fmt.Sprintf("stage: unknown instance %s", id),
		ftag.With(ftag.NotFound),
		fmsg.WithDesc("unknown instance", fmt.Sprintf("Unknown instanceId: %s", id)))
}

func unresolved(kind, id string) error {
	return fault.New(fmt.Sprintf("stage: unresolved %s reference %s", kind, id),
		ftag.With(ftag.NotFound),
		fmsg.WithDesc("unresolved reference", fmt.Sprintf("Unknown %sId: %s", kind, id)))
}
