package thermal

import "testing"

func TestState_UpdateRecomputesHottest(t *testing.T) {
	s := NewState()
	s.Update(40, map[string]float64{"sda": 35, "sdb": 52}, nil)

	snap := s.Snapshot()
	if snap.BoardC != 40 {
		t.Fatalf("BoardC = %v, want 40", snap.BoardC)
	}
	if snap.HottestC != 52 {
		t.Fatalf("HottestC = %v, want 52 (hottest disk)", snap.HottestC)
	}
}

func TestState_UpdatePrefersBoardWhenHottest(t *testing.T) {
	s := NewState()
	s.Update(55, map[string]float64{"sda": 30}, nil)

	if got := s.Snapshot().HottestC; got != 55 {
		t.Fatalf("HottestC = %v, want 55 (board hotter than disk)", got)
	}
}

func TestState_StaleCountsAccumulateAndClearOnFreshRead(t *testing.T) {
	s := NewState()
	s.Update(40, map[string]float64{"sda": 30}, []string{"sdb"})
	s.Update(40, nil, []string{"sdb"})

	snap := s.Snapshot()
	if snap.StaleCounts["sdb"] != 2 {
		t.Fatalf("sdb stale count = %d, want 2", snap.StaleCounts["sdb"])
	}

	s.Update(40, map[string]float64{"sdb": 33}, nil)
	snap = s.Snapshot()
	if _, stillStale := snap.StaleCounts["sdb"]; stillStale {
		t.Fatal("a fresh reading should clear the stale counter")
	}
	if snap.DiskC["sdb"] != 33 {
		t.Fatalf("DiskC[sdb] = %v, want 33", snap.DiskC["sdb"])
	}
}

func TestState_SetLevelIsReflectedInSnapshot(t *testing.T) {
	s := NewState()
	s.SetLevel(Warm)
	if got := s.Snapshot().Level; got != Warm {
		t.Fatalf("Level = %v, want %v", got, Warm)
	}
}

func TestState_SnapshotIsIndependentCopy(t *testing.T) {
	s := NewState()
	s.Update(40, map[string]float64{"sda": 30}, nil)

	snap := s.Snapshot()
	snap.DiskC["sda"] = 99

	if got := s.Snapshot().DiskC["sda"]; got != 30 {
		t.Fatalf("mutating a returned Snapshot leaked into State: DiskC[sda] = %v, want 30", got)
	}
}

func TestLevel_String(t *testing.T) {
	cases := map[Level]string{
		Under:    "UNDER",
		Cool:     "COOL",
		Normal:   "NORMAL",
		Warm:     "WARM",
		Hot:      "HOT",
		Danger:   "DANGER",
		Shutdown: "SHUTDOWN",
		Critical: "CRITICAL",
	}
	for l, want := range cases {
		if got := l.String(); got != want {
			t.Fatalf("Level(%d).String() = %q, want %q", l, got, want)
		}
	}
	if got := Level(99).String(); got != "UNKNOWN" {
		t.Fatalf("out-of-range Level.String() = %q, want UNKNOWN", got)
	}
}
