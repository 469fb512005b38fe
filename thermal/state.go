// Package thermal polls temperatures and drives the fan governor's
// hysteretic alert-level ladder (spec §3, §4.3, §4.4).
package thermal

import (
	"fmt"

	"github.com/jacobsa/syncutil"
)

// Level is one of the eight named alert bands, in ascending severity order.
type Level int

const (
	Under Level = iota
	Cool
	Normal
	Warm
	Hot
	Danger
	Shutdown
	Critical
)

var levelNames = [...]string{"UNDER", "COOL", "NORMAL", "WARM", "HOT", "DANGER", "SHUTDOWN", "CRITICAL"}

func (l Level) String() string {
	if l < Under || l > Critical {
		return "UNKNOWN"
	}
	return levelNames[l]
}

// NumLevels is the size of the ladder.
const NumLevels = int(Critical) + 1

// State is the shared thermal snapshot published by Reader and consumed by
// Governor, the IPC server, and the notification dispatcher. HottestC is
// mechanically kept equal to the max of BoardC and every DiskC entry by
// syncutil.InvariantMutex — the same tool bays.State uses for its own
// invariant.
type State struct {
	boardC      float64
	diskC       map[string]float64
	staleCounts map[string]int
	hottestC    float64
	level       Level

	mu *syncutil.InvariantMutex
}

// Snapshot is an immutable copy of State for callers outside the thermal
// package (IPC responses, notification placeholders).
type Snapshot struct {
	BoardC      float64
	DiskC       map[string]float64
	StaleCounts map[string]int
	HottestC    float64
	Level       Level
}

// NewState returns an empty State; the first reading populates it.
func NewState() *State {
	s := &State{diskC: map[string]float64{}, staleCounts: map[string]int{}}
	s.mu = syncutil.NewInvariantMutex(func() {
		want := s.boardC
		for _, v := range s.diskC {
			if v > want {
				want = v
			}
		}
		if s.hottestC != want {
			panic(fmt.Sprintf("thermal state: hottestC %v != recomputed %v", s.hottestC, want))
		}
	})
	return s
}

// Update replaces the board temperature and the disk temperatures named in
// fresh, incrementing the stale counter for every disk named in stale, and
// recomputes HottestC before releasing the lock.
func (s *State) Update(boardC float64, fresh map[string]float64, stale []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.boardC = boardC
	for name, v := range fresh {
		s.diskC[name] = v
		delete(s.staleCounts, name)
	}
	for _, name := range stale {
		s.staleCounts[name]++
	}

	hottest := boardC
	for _, v := range s.diskC {
		if v > hottest {
			hottest = v
		}
	}
	s.hottestC = hottest
}

// SetLevel records the governor's current ladder position.
func (s *State) SetLevel(l Level) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.level = l
}

// Snapshot copies out the current state.
func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	disks := make(map[string]float64, len(s.diskC))
	for k, v := range s.diskC {
		disks[k] = v
	}
	stale := make(map[string]int, len(s.staleCounts))
	for k, v := range s.staleCounts {
		stale[k] = v
	}

	return Snapshot{
		BoardC:      s.boardC,
		DiskC:       disks,
		StaleCounts: stale,
		HottestC:    s.hottestC,
		Level:       s.level,
	}
}
