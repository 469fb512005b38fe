package thermal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jacobsa/timeutil"
	"github.com/qmuntal/stateless"
	"github.com/rs/zerolog"

	"github.com/michaelroland/wdnas-hwdaemon/pmc"
)

const (
	triggerAscend  = "ascend"
	triggerDescend = "descend"

	// fanShutdownDuty is what the PMC is actually told when the governor
	// wants 100%: the firmware rejects FAN=100 outright (spec §4.4), so
	// "full speed" is always encoded as 99.
	fanShutdownDuty = 99
)

// LevelConfig is one rung of the ladder: the temperature at which the
// level is entered, and the fan duty percentage it targets.
type LevelConfig struct {
	ThresholdC  float64
	DutyPercent int
}

// GovernorConfig holds every tunable named in spec §4.4/§6.
type GovernorConfig struct {
	Levels           [NumLevels]LevelConfig
	HysteresisBand   float64
	FanStepIncrement int
	FanStepDecrement int
	ShutdownGrace    time.Duration
}

// Notifier is the narrow interface Governor needs from notify.Dispatcher —
// defined here, not imported from the notify package, so thermal has no
// dependency on how notifications are delivered.
type Notifier interface {
	Notify(event string, fields map[string]string)
}

// Governor runs the hysteretic fan-duty ladder described in spec §4.4. Its
// level transitions are a qmuntal/stateless machine: every state permits a
// dynamic-destination "ascend" (any higher level, gated by the destination
// actually being higher) and a fixed-destination "descend" to exactly the
// next level down, mirroring the one-level-at-a-time language of spec
// §4.4's hysteresis rule.
type Governor struct {
	engine   *pmc.Engine
	clock    timeutil.Clock
	log      zerolog.Logger
	cfg      GovernorConfig
	notifier Notifier
	shutdown func(reason string)

	mu              sync.Mutex
	sm              *stateless.StateMachine
	duty            int
	lastWrittenDuty int
	shutdownTimer   *time.Timer
}

// NewGovernor builds a Governor starting at Under with duty 0.
func NewGovernor(engine *pmc.Engine, clock timeutil.Clock, log zerolog.Logger, cfg GovernorConfig, notifier Notifier, shutdown func(reason string)) *Governor {
	g := &Governor{
		engine:          engine,
		clock:           clock,
		log:             log,
		cfg:             cfg,
		notifier:        notifier,
		shutdown:        shutdown,
		lastWrittenDuty: -1,
	}

	sm := stateless.NewStateMachine(Under)
	for l := Under; l <= Critical; l++ {
		l := l
		cfgState := sm.Configure(l)
		cfgState.PermitDynamic(triggerAscend, func(_ context.Context, args ...any) (any, error) {
			return args[0].(Level), nil
		}, func(_ context.Context, args ...any) bool {
			return args[0].(Level) > l
		})
		if l > Under {
			cfgState.Permit(triggerDescend, l-1)
		}
	}
	g.sm = sm

	return g
}

// Run makes Governor a supervisable task (spec §4.7): its evaluation is
// driven synchronously from Reader's per-tick callback rather than its own
// ticker, so Run just holds the slot open until shutdown, cancelling any
// pending SHUTDOWN countdown so it cannot fire after the process is
// already tearing down.
func (g *Governor) Run(ctx context.Context) error {
	<-ctx.Done()
	g.mu.Lock()
	if g.shutdownTimer != nil {
		g.shutdownTimer.Stop()
	}
	g.mu.Unlock()
	return nil
}

// Level returns the governor's current ladder position.
func (g *Governor) Level() Level {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.sm.MustState().(Level)
}

// Duty returns the governor's current commanded duty-cycle percentage
// (pre-quirk-clamp) and the target it is ramping toward at the current
// level, for the IPC `fan` operation (spec §4.8).
func (g *Governor) Duty() (current, target int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	level := g.sm.MustState().(Level)

	target = g.cfg.Levels[level].DutyPercent
	switch level {
	case Shutdown, Critical:
		target = 100
	case Danger:
		if g.duty > target {
			target = g.duty
		}
	}
	return g.duty, target
}

// Tick runs one evaluation of the ladder against a fresh thermal snapshot
// (spec §4.4, steps 1-5).
func (g *Governor) Tick(ctx context.Context, snap Snapshot) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	cur := g.sm.MustState().(Level)
	h := snap.HottestC

	next := g.nextLevel(h, cur)
	if next != cur {
		if next > cur {
			if err := g.sm.FireCtx(ctx, triggerAscend, next); err != nil {
				return fmt.Errorf("ascending to %s: %w", next, err)
			}
		} else {
			if err := g.sm.FireCtx(ctx, triggerDescend); err != nil {
				return fmt.Errorf("descending from %s: %w", cur, err)
			}
		}

		g.log.Info().Str("from", cur.String()).Str("to", next.String()).Float64("hottest_c", h).Msg("thermal level changed")
		if g.notifier != nil {
			g.notifier.Notify("temperature_changed", map[string]string{
				"new_level": next.String(),
				"old_level": cur.String(),
				"hottest_c": fmt.Sprintf("%.1f", h),
			})
		}
		g.handleLevelTransition(cur, next)
	}

	g.applyDuty(ctx, next)
	return nil
}

// nextLevel implements spec §4.4 step 2: ascend immediately to whatever
// level the reading now qualifies for (fan response to a sudden heat spike
// should not be delayed by hysteresis); descend at most one level per
// tick, and only once h has fallen far enough below the current
// threshold to clear the hysteresis band.
func (g *Governor) nextLevel(h float64, cur Level) Level {
	highest := Under
	for l := Under; l <= Critical; l++ {
		if h >= g.cfg.Levels[l].ThresholdC {
			highest = l
		}
	}

	if highest > cur {
		return highest
	}
	if highest < cur {
		if h < g.cfg.Levels[cur].ThresholdC-g.cfg.HysteresisBand {
			return cur - 1
		}
	}
	return cur
}

func (g *Governor) handleLevelTransition(prev, next Level) {
	if next < Shutdown && g.shutdownTimer != nil {
		g.shutdownTimer.Stop()
		g.shutdownTimer = nil
		g.log.Warn().Msg("shutdown countdown cancelled: thermal level recovered")
	}

	switch next {
	case Shutdown:
		if g.shutdownTimer == nil {
			grace := g.cfg.ShutdownGrace
			if grace <= 0 {
				grace = 60 * time.Second
			}
			g.shutdownTimer = time.AfterFunc(grace, func() {
				g.shutdown("thermal SHUTDOWN level sustained past grace window")
			})
		}
	case Critical:
		if g.shutdownTimer != nil {
			g.shutdownTimer.Stop()
			g.shutdownTimer = nil
		}
		g.shutdown("thermal CRITICAL level")
	}
}

// applyDuty implements spec §4.4 step 4.
func (g *Governor) applyDuty(ctx context.Context, level Level) {
	target := g.duty
	switch {
	case level == Shutdown || level == Critical:
		target = 100
	case level == Danger:
		if g.cfg.Levels[Danger].DutyPercent > g.duty {
			target = g.cfg.Levels[Danger].DutyPercent
		}
	default:
		want := g.cfg.Levels[level].DutyPercent
		switch {
		case want > g.duty:
			step := g.cfg.FanStepIncrement
			if step <= 0 {
				step = 10
			}
			target = min(want, g.duty+step)
		case want < g.duty:
			step := g.cfg.FanStepDecrement
			if step <= 0 {
				step = 10
			}
			target = max(want, g.duty-step)
		}
	}

	g.duty = target
	wire := target
	if wire >= 100 {
		wire = fanShutdownDuty
	}

	if wire == g.lastWrittenDuty {
		return
	}
	if err := g.engine.SetNumeric(ctx, "FAN", uint16(wire)); err != nil {
		g.log.Error().Err(err).Int("duty", wire).Msg("failed to write fan duty cycle")
		return
	}
	g.lastWrittenDuty = wire
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
