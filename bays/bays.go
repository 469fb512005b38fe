// Package bays tracks per-drive-bay presence and power state.
//
// The one invariant that must never be violated — a bay cannot be powered
// while absent — is enforced mechanically with jacobsa/syncutil's
// InvariantMutex rather than by convention, the same tool the teacher uses
// to guard Connection's bookkeeping maps.
package bays

import (
	"fmt"

	"github.com/jacobsa/syncutil"

	"github.com/michaelroland/wdnas-hwdaemon/pmc"
)

// Bay is one drive bay's state.
type Bay struct {
	Index    int
	Position string // "left", "right", "leftmost", ... from pmc.ChassisLayout
	Present  bool
	Powered  bool
	AlertLED bool
}

// State tracks every bay in the chassis.
type State struct {
	layout pmc.ChassisLayout
	bays   []Bay // GUARDED_BY(mu)

	mu *syncutil.InvariantMutex
}

// NewState builds a State for the given chassis layout, with every bay
// initially absent and unpowered.
func NewState(layout pmc.ChassisLayout) *State {
	s := &State{layout: layout}
	s.bays = make([]Bay, layout.NumBays())
	for i := range s.bays {
		s.bays[i] = Bay{Index: i, Position: layout.Position(i)}
	}

	s.mu = syncutil.NewInvariantMutex(func() {
		for _, b := range s.bays {
			if b.Powered && !b.Present {
				panic(fmt.Sprintf("bay %d: powered while absent", b.Index))
			}
		}
	})

	return s
}

// Snapshot returns a copy of every bay's current state.
func (s *State) Snapshot() []Bay {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Bay, len(s.bays))
	copy(out, s.bays)
	return out
}

// SetPresence updates presence for index. If the drive was powered and has
// just been removed, power is cleared too — the invariant is restored by
// the same critical section that broke it, never left to a later caller.
func (s *State) SetPresence(index int, present bool) (changed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if index < 0 || index >= len(s.bays) {
		return false
	}
	b := &s.bays[index]
	if b.Present == present {
		return false
	}
	b.Present = present
	if !present {
		b.Powered = false
	}
	return true
}

// SetPowered updates power for index. Callers must only power on a bay
// that is present; SetPowered on an absent bay is rejected rather than
// allowed to trip the invariant.
func (s *State) SetPowered(index int, powered bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if index < 0 || index >= len(s.bays) {
		return fmt.Errorf("bay index %d out of range", index)
	}
	b := &s.bays[index]
	if powered && !b.Present {
		return fmt.Errorf("bay %d: cannot power an absent drive", index)
	}
	b.Powered = powered
	return nil
}

// SetAlertLED records the per-bay alert LED state (spec §6, DLB).
func (s *State) SetAlertLED(index int, on bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if index < 0 || index >= len(s.bays) {
		return fmt.Errorf("bay index %d out of range", index)
	}
	s.bays[index].AlertLED = on
	return nil
}

// dp0Present reports whether bay i's presence bit in a DP0 byte means
// present. DP0 is active-low: a clear bit means a drive is present, a set
// bit means the bay is empty (spec §8 scenario 2: 0x90 -> 0x91 flips only
// bit 0, and is documented to mean bay 0 went from present to absent).
func dp0Present(dp0 byte, i int) bool {
	return dp0&(1<<uint(i)) == 0
}

// DiffPresence decodes a DP0 byte against the current snapshot and returns
// the indices whose presence bit changed, in ascending order — the shape
// events.Router needs to drive per-bay auto-power (spec §4.2/§4.6).
func (s *State) DiffPresence(dp0 byte) []int {
	s.mu.Lock()
	defer s.mu.Unlock()

	var changed []int
	for i := range s.bays {
		present := dp0Present(dp0, i)
		if s.bays[i].Present != present {
			changed = append(changed, i)
		}
	}
	return changed
}

// ApplyPresence is DiffPresence followed by committing every bit of dp0 as
// the new presence state, returning the same changed-index list.
func (s *State) ApplyPresence(dp0 byte) []int {
	changed := s.DiffPresence(dp0)
	for _, i := range changed {
		s.SetPresence(i, dp0Present(dp0, i))
	}
	return changed
}
