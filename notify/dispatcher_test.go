package notify

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func waitForFile(t *testing.T, path string, timeout time.Duration) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(path); err == nil {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	_, err := os.Stat(path)
	return err == nil
}

func TestNotify_SubstitutesPlaceholdersIntoHookArgs(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "out.txt")

	registry := map[string]HookSpec{
		"drive_presence_changed": {
			Command: "sh",
			Args:    []string{"-c", "echo {state} > " + out},
		},
	}
	d := NewDispatcher(zerolog.Nop(), registry, time.Second)
	defer d.Close()

	d.Notify("drive_presence_changed", map[string]string{"state": "present"})

	if !waitForFile(t, out, 2*time.Second) {
		t.Fatal("hook never wrote its output file")
	}
	got, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("reading hook output: %v", err)
	}
	if string(got) != "present\n" {
		t.Fatalf("hook output = %q, want %q", got, "present\n")
	}
}

func TestNotify_UnregisteredEventIsIgnored(t *testing.T) {
	d := NewDispatcher(zerolog.Nop(), map[string]HookSpec{}, time.Second)
	defer d.Close()

	d.Notify("no_such_event", map[string]string{"x": "y"})

	if len(d.queues) != 0 {
		t.Fatalf("an unregistered event should never spin up a queue, got %d", len(d.queues))
	}
}

// TestNotify_BacklogDropsOldestWhenFull exercises spec §4.6's bounded
// concurrency (4) and bounded drop-oldest backlog (32) for a single event
// kind. Every hook sleeps 300ms before leaving a marker file, long enough
// that all 40 Notify calls below land well before the first hook
// completes — so the eviction math is deterministic: the first 4 calls
// occupy the concurrency slots, the next 32 fill the backlog exactly, and
// each call after that evicts the oldest still-queued job before enqueuing
// itself. The 37th call (index 36) is the first eviction, dropping index 4.
func TestNotify_BacklogDropsOldestWhenFull(t *testing.T) {
	dir := t.TempDir()

	registry := map[string]HookSpec{
		"tick": {
			Command: "sh",
			Args:    []string{"-c", "sleep 0.3 && touch " + dir + "/job-{idx}.done"},
		},
	}
	d := NewDispatcher(zerolog.Nop(), registry, 5*time.Second)
	defer d.Close()

	const n = 40
	for i := 0; i < n; i++ {
		d.Notify("tick", map[string]string{"idx": fmt.Sprintf("%d", i)})
	}

	lastMarker := filepath.Join(dir, fmt.Sprintf("job-%d.done", n-1))
	if !waitForFile(t, lastMarker, 10*time.Second) {
		t.Fatal("the most recently submitted job should always survive eviction and eventually run")
	}
	time.Sleep(100 * time.Millisecond) // let any in-flight siblings finish too

	droppedMarker := filepath.Join(dir, "job-4.done")
	if _, err := os.Stat(droppedMarker); err == nil {
		t.Fatal("index 4 should have been evicted as the oldest backlog entry and never run")
	}
}
