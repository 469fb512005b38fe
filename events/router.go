// Package events converts decoded PMC interrupts into the semantic
// actions described in spec §4.5: button short/long presses, drive
// presence changes (with auto-power), and power-socket changes.
package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jacobsa/timeutil"
	"github.com/rs/zerolog"

	"github.com/michaelroland/wdnas-hwdaemon/bays"
	"github.com/michaelroland/wdnas-hwdaemon/pmc"
	"github.com/michaelroland/wdnas-hwdaemon/sockets"
)

// DefaultLongPressThreshold is spec §4.5's default.
const DefaultLongPressThreshold = time.Second

// Notifier is the narrow sink Router publishes semantic events to.
// notify.Dispatcher implements it; Router does not import it.
type Notifier interface {
	Notify(event string, fields map[string]string)
}

// Button identifies one of the three momentary buttons the PMC reports.
type Button int

const (
	USBCopyButton Button = iota
	LCDUpButton
	LCDDownButton
)

func (b Button) shortEvent() string {
	switch b {
	case USBCopyButton:
		return "usb_copy_button"
	case LCDUpButton:
		return "lcd_up_button"
	case LCDDownButton:
		return "lcd_down_button"
	default:
		return "unknown_button"
	}
}

func (b Button) longEvent() string {
	return b.shortEvent() + "_long"
}

type buttonState struct {
	pressed   bool
	pressedAt time.Time
}

// Router consumes pmc.Engine's decoded interrupt stream.
type Router struct {
	engine  *pmc.Engine
	clock   timeutil.Clock
	log     zerolog.Logger
	sinks   []Notifier
	bays    *bays.State
	sockets *sockets.State
	layout  pmc.ChassisLayout

	longPressThreshold time.Duration
	autoBayPower       bool

	lcdIntensityNormal int
	lcdIntensityDimmed int
	lcdDimTimeout      time.Duration
	dimMu              sync.Mutex
	dimTimer           *time.Timer

	buttons map[Button]*buttonState
}

// RouterConfig configures a Router.
type RouterConfig struct {
	LongPressThreshold time.Duration
	AutoBayPower       bool
	Layout             pmc.ChassisLayout

	// LCDIntensityNormal/LCDIntensityDimmed/LCDDimTimeout implement spec §6's
	// lcd_intensity_normal/lcd_intensity_dimmed/lcd_dim_timeout keys: any LCD
	// button press wakes the backlight to normal and restarts the dim
	// countdown; letting it elapse dims the backlight. Zero LCDDimTimeout
	// disables dimming.
	LCDIntensityNormal int
	LCDIntensityDimmed int
	LCDDimTimeout      time.Duration
}

// NewRouter builds a Router and subscribes it to engine's interrupt stream.
func NewRouter(engine *pmc.Engine, clock timeutil.Clock, log zerolog.Logger, cfg RouterConfig, bayState *bays.State, socketState *sockets.State, sinks ...Notifier) *Router {
	threshold := cfg.LongPressThreshold
	if threshold <= 0 {
		threshold = DefaultLongPressThreshold
	}

	r := &Router{
		engine:             engine,
		clock:              clock,
		log:                log,
		sinks:              sinks,
		bays:               bayState,
		sockets:            socketState,
		layout:             cfg.Layout,
		longPressThreshold: threshold,
		autoBayPower:       cfg.AutoBayPower,
		lcdIntensityNormal: cfg.LCDIntensityNormal,
		lcdIntensityDimmed: cfg.LCDIntensityDimmed,
		lcdDimTimeout:      cfg.LCDDimTimeout,
		buttons: map[Button]*buttonState{
			USBCopyButton: {},
			LCDUpButton:   {},
			LCDDownButton: {},
		},
	}

	engine.SubscribeInterrupts(r.handle)
	return r
}

// Run makes Router a supervisable task (spec §4.7): its actual work
// happens in handle, invoked asynchronously from pmc.Engine's dispatch
// goroutine, so Run just holds the slot open until shutdown.
func (r *Router) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (r *Router) notify(event string, fields map[string]string) {
	for _, s := range r.sinks {
		s.Notify(event, fields)
	}
}

// handle is the pmc.Engine subscriber callback (spec §4.2's
// subscribe_interrupts). It runs on the engine's dispatch goroutine, never
// on readLoop, so issuing Get/Set calls back into engine here is safe.
func (r *Router) handle(i pmc.Interrupt) {
	ctx := context.Background()

	switch i.Event {
	case pmc.EventUSBCopyButton:
		r.handleButton(ctx, USBCopyButton)
	case pmc.EventLCDUpButton:
		r.wakeBacklight(ctx)
		r.handleButton(ctx, LCDUpButton)
	case pmc.EventLCDDownButton:
		r.wakeBacklight(ctx)
		r.handleButton(ctx, LCDDownButton)
	case pmc.EventDrivePresenceChanged:
		r.handleDrivePresence(ctx)
	case pmc.EventPowerSocket1Changed, pmc.EventPowerSocket2Changed:
		r.handlePowerSocket(ctx)
	}
}

// wakeBacklight implements the lcd_intensity_normal/lcd_intensity_dimmed/
// lcd_dim_timeout keys (spec §6): any LCD button activity restores normal
// backlight intensity and restarts the dim countdown.
func (r *Router) wakeBacklight(ctx context.Context) {
	if r.lcdDimTimeout <= 0 {
		return
	}

	if err := r.engine.SetNumeric(ctx, "BKL", uint16(r.lcdIntensityNormal)); err != nil {
		r.log.Warn().Err(err).Msg("failed to restore normal LCD backlight")
	}

	r.dimMu.Lock()
	defer r.dimMu.Unlock()
	if r.dimTimer != nil {
		r.dimTimer.Stop()
	}
	r.dimTimer = time.AfterFunc(r.lcdDimTimeout, func() {
		dimCtx, cancel := context.WithTimeout(context.Background(), pmc.DefaultGetSetTimeout)
		defer cancel()
		if err := r.engine.SetNumeric(dimCtx, "BKL", uint16(r.lcdIntensityDimmed)); err != nil {
			r.log.Warn().Err(err).Msg("failed to dim LCD backlight")
		}
	})
}

// handleButton implements spec §4.5's press/release timer: each reported
// event toggles the button between pressed and released, since the PMC
// exposes no separate current-state register for buttons. A release
// within the long-press threshold is Short; otherwise Long.
func (r *Router) handleButton(ctx context.Context, b Button) {
	st := r.buttons[b]
	now := r.clock.Now()

	if !st.pressed {
		st.pressed = true
		st.pressedAt = now
		return
	}

	st.pressed = false
	held := now.Sub(st.pressedAt)

	event := b.shortEvent()
	if held > r.longPressThreshold {
		event = b.longEvent()
	}

	r.notify(event, map[string]string{"held_ms": fmt.Sprintf("%d", held.Milliseconds())})
}

// handleDrivePresence implements spec §4.5's drive-presence diffing and
// auto-power policy, and scenario 2: ALERT → ISR=10 → DP0 diff.
func (r *Router) handleDrivePresence(ctx context.Context) {
	dp0, err := r.engine.GetNumeric(ctx, "DP0")
	if err != nil {
		r.log.Error().Err(err).Msg("failed to read DP0 after drive presence interrupt")
		return
	}

	changed := r.bays.ApplyPresence(byte(dp0))
	for _, idx := range changed {
		snap := r.bays.Snapshot()
		present := snap[idx].Present

		r.notify("drive_presence_changed", map[string]string{
			"drive_bay": fmt.Sprintf("%d", idx),
			"position":  r.layout.Position(idx),
			"state":     presenceLabel(present),
		})

		if !r.autoBayPower {
			continue
		}

		code := "DLC"
		if present {
			code = "DLS"
		}
		if err := r.engine.SetNumeric(ctx, code, uint16(1)<<uint(idx)); err != nil {
			r.log.Error().Err(err).Str("register", code).Int("bay", idx).Msg("auto-power drive-enable write failed")
		}
	}
}

func presenceLabel(present bool) string {
	if present {
		return "present"
	}
	return "absent"
}

// handlePowerSocket implements scenario 3: ALERT → ISR=04 → STA diff.
func (r *Router) handlePowerSocket(ctx context.Context) {
	sta, err := r.engine.GetNumeric(ctx, "STA")
	if err != nil {
		r.log.Error().Err(err).Msg("failed to read STA after power-socket interrupt")
		return
	}

	c1, c2 := r.sockets.ApplySTA(byte(sta))
	s1, s2 := r.sockets.Snapshot()

	if c1 {
		r.notify("power_supply_changed", map[string]string{
			"socket":    "1",
			"energized": energizedLabel(s1),
		})
	}
	if c2 {
		r.notify("power_supply_changed", map[string]string{
			"socket":    "2",
			"energized": energizedLabel(s2),
		})
	}
}

func energizedLabel(on bool) string {
	if on {
		return "true"
	}
	return "false"
}
