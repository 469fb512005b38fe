package sockets

import "testing"

func TestApplySTA_Scenario3(t *testing.T) {
	// Spec §8 scenario 3: STA=6a reports socket 1 de-energized.
	s := NewState()
	s.Set1(true)
	s.Set2(true)

	c1, c2 := s.ApplySTA(0x6a)
	if !c1 {
		t.Fatal("socket 1 should have changed")
	}
	if c2 {
		t.Fatal("socket 2 should not have changed")
	}

	got1, got2 := s.Snapshot()
	if got1 {
		t.Fatal("socket 1 should read de-energized after STA=6a")
	}
	if !got2 {
		t.Fatal("socket 2 should remain energized after STA=6a")
	}
}

func TestApplySTA_BitMapping(t *testing.T) {
	s := NewState()

	// Bit 2 only: socket 1 energized, socket 2 not.
	c1, c2 := s.ApplySTA(1 << 2)
	if !c1 || c2 {
		t.Fatalf("ApplySTA(bit2) changed = (%v,%v), want (true,false)", c1, c2)
	}
	got1, got2 := s.Snapshot()
	if !got1 || got2 {
		t.Fatalf("Snapshot = (%v,%v), want (true,false)", got1, got2)
	}
}

func TestApplySTA_NoChangeReportsNoChange(t *testing.T) {
	s := NewState()
	s.ApplySTA(1 << 2)

	c1, c2 := s.ApplySTA(1 << 2)
	if c1 || c2 {
		t.Fatal("re-applying the same STA byte should report no changes")
	}
}

func TestSet1Set2_ReportChangeOnlyOnTransition(t *testing.T) {
	s := NewState()
	if !s.Set1(true) {
		t.Fatal("first Set1(true) should report a change")
	}
	if s.Set1(true) {
		t.Fatal("repeating Set1(true) should not report a change")
	}
	if !s.Set2(true) {
		t.Fatal("first Set2(true) should report a change")
	}
}
