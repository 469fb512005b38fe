package events

import (
	"bufio"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jacobsa/timeutil"
	"github.com/rs/zerolog"

	"github.com/michaelroland/wdnas-hwdaemon/bays"
	"github.com/michaelroland/wdnas-hwdaemon/pmc"
	"github.com/michaelroland/wdnas-hwdaemon/sockets"
)

// fakeClock is a minimal timeutil.Clock so button-hold-time tests control
// the passage of time exactly, rather than racing a real timer.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type wire struct {
	r    *bufio.Reader
	conn net.Conn
}

func (w *wire) expect(t *testing.T, want string) {
	t.Helper()
	line, err := w.r.ReadString('\r')
	if err != nil {
		t.Errorf("reading frame: %v", err)
		return
	}
	if got := strings.TrimSuffix(line, "\r"); got != want {
		t.Errorf("frame = %q, want %q", got, want)
	}
}

func (w *wire) send(t *testing.T, frame string) {
	t.Helper()
	if _, err := w.conn.Write([]byte(frame + "\r")); err != nil {
		t.Errorf("writing frame %q: %v", frame, err)
	}
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []string
	fields []map[string]string
}

func (n *fakeNotifier) Notify(event string, fields map[string]string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	n.fields = append(n.fields, fields)
}

func (n *fakeNotifier) last() (string, map[string]string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.events) == 0 {
		return "", nil
	}
	return n.events[len(n.events)-1], n.fields[len(n.fields)-1]
}

func (n *fakeNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.events)
}

func newRouterHarness(t *testing.T, cfg RouterConfig, clock timeutil.Clock) (*Router, *wire, *fakeNotifier, *bays.State) {
	t.Helper()
	clientConn, serverConn := net.Pipe()
	link := pmc.NewLink(clientConn)
	engine := pmc.NewEngine(link, timeutil.RealClock(), zerolog.Nop())
	t.Cleanup(func() { engine.Close() })

	bayState := bays.NewState(cfg.Layout)
	sockState := sockets.NewState()
	notifier := &fakeNotifier{}

	r := NewRouter(engine, clock, zerolog.Nop(), cfg, bayState, sockState, notifier)
	return r, &wire{r: bufio.NewReader(serverConn), conn: serverConn}, notifier, bayState
}

func TestHandleButton_ShortPress(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	r, _, notifier, _ := newRouterHarness(t, RouterConfig{LongPressThreshold: time.Second}, clock)

	r.handle(pmc.Interrupt{Event: pmc.EventUSBCopyButton}) // press
	clock.set(clock.now.Add(300 * time.Millisecond))
	r.handle(pmc.Interrupt{Event: pmc.EventUSBCopyButton}) // release

	event, fields := notifier.last()
	if event != "usb_copy_button" {
		t.Fatalf("event = %q, want usb_copy_button", event)
	}
	if fields["held_ms"] != "300" {
		t.Fatalf("held_ms = %q, want 300", fields["held_ms"])
	}
}

// TestHandleButton_LongPress is spec §8 scenario 6: press at t=0, release at
// t=1.5s against a 1s threshold classifies as a long press.
func TestHandleButton_LongPress(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	r, _, notifier, _ := newRouterHarness(t, RouterConfig{LongPressThreshold: time.Second}, clock)

	r.handle(pmc.Interrupt{Event: pmc.EventLCDUpButton})
	clock.set(clock.now.Add(1500 * time.Millisecond))
	r.handle(pmc.Interrupt{Event: pmc.EventLCDUpButton})

	event, _ := notifier.last()
	if event != "lcd_up_button_long" {
		t.Fatalf("event = %q, want lcd_up_button_long", event)
	}
}

func TestHandleButton_PressAloneEmitsNothing(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	r, _, notifier, _ := newRouterHarness(t, RouterConfig{LongPressThreshold: time.Second}, clock)

	r.handle(pmc.Interrupt{Event: pmc.EventLCDDownButton})
	if notifier.count() != 0 {
		t.Fatalf("a press with no matching release should not notify yet, got %d events", notifier.count())
	}
}

// TestHandleDrivePresence_Scenario2 is spec §8 scenario 2's literal bytes:
// prior DP0=0x90, new DP0=0x91 — only bit 0 flips 0->1. DP0's presence
// bits are active-low, so bay 0 transitions from present to absent, and
// auto_bay_power drives the DLC (disable) follow-up write.
func TestHandleDrivePresence_Scenario2(t *testing.T) {
	cfg := RouterConfig{Layout: pmc.ChassisLayout{FourBay: false}, AutoBayPower: true}
	r, wire, notifier, bayState := newRouterHarness(t, cfg, timeutil.RealClock())
	bayState.ApplyPresence(0x90) // seed the prior state: both bays present

	done := make(chan struct{})
	go func() {
		defer close(done)
		wire.expect(t, "DP0")
		wire.send(t, "DP0=91") // bit 0 set: bay 0 now absent, bay 1 unchanged
		wire.expect(t, "DLC=01")
		wire.send(t, "ACK")
	}()

	r.handle(pmc.Interrupt{Event: pmc.EventDrivePresenceChanged})
	<-done

	event, fields := notifier.last()
	if event != "drive_presence_changed" {
		t.Fatalf("event = %q, want drive_presence_changed", event)
	}
	if fields["drive_bay"] != "0" || fields["position"] != "right" || fields["state"] != "absent" {
		t.Fatalf("fields = %+v, want bay 0/right/absent", fields)
	}
}

func TestHandleDrivePresence_NoAutoPowerSkipsWrite(t *testing.T) {
	cfg := RouterConfig{Layout: pmc.ChassisLayout{FourBay: false}, AutoBayPower: false}
	r, wire, notifier, _ := newRouterHarness(t, cfg, timeutil.RealClock())

	done := make(chan struct{})
	go func() {
		defer close(done)
		wire.expect(t, "DP0")
		wire.send(t, "DP0=fe") // bit0 clear: bay 0 now present (bay 1 stays absent)
	}()

	r.handle(pmc.Interrupt{Event: pmc.EventDrivePresenceChanged})
	<-done

	if notifier.count() != 1 {
		t.Fatalf("expected exactly one notification, got %d", notifier.count())
	}
}

// TestHandlePowerSocket_Scenario3 follows spec §8 scenario 3's path (ALERT ->
// ISR=04 -> STA diff) with STA=04 from an all-off start, so socket 1 is
// reported newly energized; the literal STA=6a byte is checked in
// sockets/sockets_test.go.
func TestHandlePowerSocket_Scenario3(t *testing.T) {
	r, wire, notifier, _ := newRouterHarness(t, RouterConfig{}, timeutil.RealClock())

	done := make(chan struct{})
	go func() {
		defer close(done)
		wire.expect(t, "STA")
		wire.send(t, "STA=04") // bit 2 set: socket 1 energized
	}()

	r.handle(pmc.Interrupt{Event: pmc.EventPowerSocket1Changed})
	<-done

	event, fields := notifier.last()
	if event != "power_supply_changed" {
		t.Fatalf("event = %q, want power_supply_changed", event)
	}
	if fields["socket"] != "1" || fields["energized"] != "true" {
		t.Fatalf("fields = %+v, want socket 1 energized=true", fields)
	}
}
