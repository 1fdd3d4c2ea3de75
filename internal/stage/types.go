// Package stage owns performer instances and the swap state machine that
// decides when an outfit change takes effect.
package stage

import (
	"fmt"
	"strings"

	"github.com/Southclaws/fault"
	"github.com/Southclaws/fault/fmsg"
	"github.com/Southclaws/fault/ftag"
)

// QuantizationMode selects which musical boundary a swap lands on.
type QuantizationMode string

const (
	ModeBar  QuantizationMode = "bar"
	ModeLoop QuantizationMode = "loop"
)

// ParseMode accepts "bar" or "loop" in any case.
func ParseMode(s string) (QuantizationMode, error) {
	switch m := QuantizationMode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeBar, ModeLoop:
		return m, nil
	}
	return "", fault.New(fmt.Sprintf("stage: unknown quantization mode %q", s),
		ftag.With(ftag.InvalidArgument),
		fmsg.WithDesc("bad mode", fmt.Sprintf("Unknown quantization mode %q (use bar or loop).", s)))
}

// Status is the per-instance state machine position.
type Status string

const (
	StatusIdle          Status = "idle"
	StatusPerforming    Status = "performing"
	StatusTransitioning Status = "transitioning"
)

type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// PendingSwap is a not yet committed outfit change. Once published in a State
// it is never modified; updates replace the pointer.
type PendingSwap struct {
	TargetOutfitID string           `json:"targetOutfitId"`
	ScheduledAtMs  float64          `json:"scheduledAtMs"`
	Scheduled      bool             `json:"scheduled"`
	Mode           QuantizationMode `json:"quantizationMode"`
	Generation     uint64           `json:"generation"`
}

// Instance is one performer on stage. OutfitID is empty while neutral.
type Instance struct {
	ID       string       `json:"instanceId"`
	RoleID   string       `json:"roleId"`
	OutfitID string       `json:"currentOutfitId"`
	Position Position     `json:"position"`
	Muted    bool         `json:"muted"`
	Status   Status       `json:"status"`
	Pending  *PendingSwap `json:"pendingSwap"`
}

// Neutral reports whether the instance has no outfit.
func (i Instance) Neutral() bool { return i.OutfitID == "" }

// settledStatus is the status an instance returns to without a pending swap.
func (i Instance) settledStatus() Status {
	if i.Neutral() {
		return StatusIdle
	}
	return StatusPerforming
}

// State is an immutable snapshot of the stage. Instances keep spawn order.
type State struct {
	SwapMode  QuantizationMode `json:"swapMode"`
	Instances []Instance       `json:"instances"`
	LastError string           `json:"lastError,omitempty"`
	Version   uint64           `json:"version"`
}

// Instance returns the instance with id.
func (s State) Instance(id string) (Instance, bool) {
	for _, inst := range s.Instances {
		if inst.ID == id {
			return inst, true
		}
	}
	return Instance{}, false
}

// CountRole returns how many instances of roleID are on stage.
func (s State) CountRole(roleID string) int {
	n := 0
	for _, inst := range s.Instances {
		if inst.RoleID == roleID {
			n++
		}
	}
	return n
}

type SignalKind string

const (
	SignalCommit   SignalKind = "commit"
	SignalRejected SignalKind = "rejected"
)

// Signal is one-shot feedback for the presentation layer.
type Signal struct {
	Kind       SignalKind `json:"kind"`
	InstanceID string     `json:"instanceId"`
	OutfitID   string     `json:"outfitId"`
	AtMs       float64    `json:"atMs"`
	Reason     string     `json:"reason,omitempty"`
}
