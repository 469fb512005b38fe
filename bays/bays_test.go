package bays

import (
	"testing"

	"github.com/michaelroland/wdnas-hwdaemon/pmc"
)

func twoBay() *State {
	return NewState(pmc.ChassisLayout{FourBay: false})
}

func TestNewState_StartsAbsentAndUnpowered(t *testing.T) {
	s := twoBay()
	snap := s.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("len(Snapshot()) = %d, want 2", len(snap))
	}
	for _, b := range snap {
		if b.Present || b.Powered {
			t.Fatalf("bay %d should start absent and unpowered, got %+v", b.Index, b)
		}
	}
	if snap[0].Position != "right" || snap[1].Position != "left" {
		t.Fatalf("2-bay positions = %q/%q, want right/left", snap[0].Position, snap[1].Position)
	}
}

func TestSetPowered_RejectsAbsentBay(t *testing.T) {
	s := twoBay()
	if err := s.SetPowered(0, true); err == nil {
		t.Fatal("powering an absent bay should be rejected")
	}
}

func TestSetPresence_RemovingAPoweredDriveClearsPower(t *testing.T) {
	s := twoBay()
	s.SetPresence(0, true)
	if err := s.SetPowered(0, true); err != nil {
		t.Fatalf("SetPowered: %v", err)
	}

	s.SetPresence(0, false)
	snap := s.Snapshot()
	if snap[0].Present {
		t.Fatal("bay should be absent after SetPresence(false)")
	}
	if snap[0].Powered {
		t.Fatal("removing a present drive must clear its power bit too, per the powered=>present invariant")
	}
}

func TestSetPresence_NoChangeReportsFalse(t *testing.T) {
	s := twoBay()
	if !s.SetPresence(0, true) {
		t.Fatal("first SetPresence(true) should report a change")
	}
	if s.SetPresence(0, true) {
		t.Fatal("repeating SetPresence(true) should not report a change")
	}
}

func TestDiffPresence_ReturnsChangedIndicesAscending(t *testing.T) {
	s := twoBay()
	s.SetPresence(1, true)

	changed := s.DiffPresence(0x02) // bit0 clear (bay 0 now present), bit1 set (bay 1 now absent)
	if len(changed) != 2 || changed[0] != 0 || changed[1] != 1 {
		t.Fatalf("DiffPresence(0x02) = %v, want [0 1]", changed)
	}
}

func TestApplyPresence_CommitsAndReturnsChanged(t *testing.T) {
	s := twoBay()
	changed := s.ApplyPresence(0x02) // bit0 clear (bay 0 present), bit1 set (bay 1 absent)
	if len(changed) != 1 || changed[0] != 0 {
		t.Fatalf("ApplyPresence(0x02) changed = %v, want [0]", changed)
	}

	snap := s.Snapshot()
	if !snap[0].Present || snap[1].Present {
		t.Fatalf("after ApplyPresence(0x02), snapshot = %+v, want bay 0 present only", snap)
	}

	// Applying the same byte again should report no further changes.
	if changed := s.ApplyPresence(0x02); len(changed) != 0 {
		t.Fatalf("re-applying the same DP0 byte changed = %v, want none", changed)
	}
}

func TestSetAlertLED_OutOfRangeIndexIsRejected(t *testing.T) {
	s := twoBay()
	if err := s.SetAlertLED(5, true); err == nil {
		t.Fatal("out-of-range bay index should be rejected")
	}
}

func TestFourBayLayout_Positions(t *testing.T) {
	s := NewState(pmc.ChassisLayout{FourBay: true})
	snap := s.Snapshot()
	if len(snap) != 4 {
		t.Fatalf("len(Snapshot()) = %d, want 4", len(snap))
	}
	if snap[0].Position != "leftmost" || snap[3].Position != "rightmost" {
		t.Fatalf("4-bay positions[0]=%q positions[3]=%q, want leftmost/rightmost", snap[0].Position, snap[3].Position)
	}
}
