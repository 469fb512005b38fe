// Package daemon wires every other package together into the Controller
// Runtime (spec §4.7): startup sequence, privilege drop, task supervision,
// and orderly shutdown.
package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jacobsa/timeutil"
	"github.com/rs/zerolog"

	"github.com/michaelroland/wdnas-hwdaemon/pmc"
)

// restartBudget tracks restarts in a sliding 60s window via a small ring of
// timestamps — no library in the dependency pack models a narrowly-scoped
// restart budget like this, so it is plain Go (see design notes).
type restartBudget struct {
	window time.Duration
	max    int

	mu    sync.Mutex
	times []time.Time
}

func newRestartBudget(window time.Duration, max int) *restartBudget {
	return &restartBudget{window: window, max: max}
}

// allow records a restart attempt now and reports whether the budget still
// permits it.
func (b *restartBudget) allow(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	cutoff := now.Add(-b.window)
	kept := b.times[:0]
	for _, t := range b.times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	b.times = kept

	if len(b.times) >= b.max {
		return false
	}
	b.times = append(b.times, now)
	return true
}

// Notifier is the sink Runtime publishes SystemUp/SystemDown to.
type Notifier interface {
	Notify(event string, fields map[string]string)
}

// Task is one of the five independently supervised subsystems (spec §4.7).
type Task struct {
	Name     string
	Run      func(ctx context.Context) error
	Critical bool // persistent failure is fatal to the daemon if true
}

// Runtime is the Controller Runtime.
type Runtime struct {
	log      zerolog.Logger
	clock    timeutil.Clock
	engine   *pmc.Engine
	notifier Notifier

	tasks []Task

	shutdownOnce sync.Once
	shutdownCh   chan string
}

// NewRuntime builds a Runtime. tasks are supervised once Start is called.
func NewRuntime(log zerolog.Logger, clock timeutil.Clock, engine *pmc.Engine, notifier Notifier, tasks []Task) *Runtime {
	return &Runtime{
		log:        log,
		clock:      clock,
		engine:     engine,
		notifier:   notifier,
		tasks:      tasks,
		shutdownCh: make(chan string, 1),
	}
}

// StartupConfig carries the values the startup sequence needs beyond what
// Runtime already holds.
type StartupConfig struct {
	BootBannerLine1 string
	BootBannerLine2 string
}

// Start runs the fixed startup sequence (spec §4.7), then supervises every
// task until ctx is cancelled or a SIGTERM/SIGINT is received, then runs
// the shutdown sequence. It returns the process exit code.
func (r *Runtime) Start(ctx context.Context, cfg StartupConfig) int {
	if err := r.startupSequence(ctx, cfg); err != nil {
		r.log.Error().Err(err).Msg("fatal startup error")
		return 1
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	supervisorErrCh := make(chan error, 1)
	go func() {
		supervisorErrCh <- r.superviseAll(runCtx)
	}()

	var reason string
	select {
	case sig := <-sigCh:
		reason = fmt.Sprintf("signal %v", sig)
	case reason = <-r.shutdownCh:
	case err := <-supervisorErrCh:
		r.log.Error().Err(err).Msg("fatal runtime supervisor failure")
		cancel()
		r.shutdownSequence("supervisor failure")
		return 2
	}

	cancel()
	r.shutdownSequence(reason)
	return 0
}

// Shutdown requests an orderly shutdown from outside the signal path (used
// by thermal.Governor on CRITICAL/SHUTDOWN).
func (r *Runtime) Shutdown(reason string) {
	r.shutdownOnce.Do(func() {
		r.shutdownCh <- reason
	})
}

func (r *Runtime) startupSequence(ctx context.Context, cfg StartupConfig) error {
	if ver, err := r.engine.GetRaw(ctx, "VER"); err != nil {
		r.log.Warn().Err(err).Msg("VER read failed, continuing")
	} else {
		r.log.Info().Str("version", ver).Msg("PMC version")
	}

	if err := r.engine.SetNumeric(ctx, "IMR", 0xFF); err != nil {
		return fmt.Errorf("enabling interrupts: %w", err)
	}

	for _, code := range []string{"CFG", "STA", "DP0", "DE0", "BKL"} {
		if _, err := r.engine.GetNumeric(ctx, code); err != nil {
			return fmt.Errorf("reading %s: %w", code, err)
		}
	}

	if err := r.engine.SetText(ctx, "LN1", cfg.BootBannerLine1); err != nil {
		r.log.Warn().Err(err).Msg("boot banner line 1 failed")
	}
	if err := r.engine.SetText(ctx, "LN2", cfg.BootBannerLine2); err != nil {
		r.log.Warn().Err(err).Msg("boot banner line 2 failed")
	}

	if r.notifier != nil {
		r.notifier.Notify("system_up", nil)
	}

	return nil
}

func (r *Runtime) shutdownSequence(reason string) {
	r.log.Info().Str("reason", reason).Msg("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if r.notifier != nil {
		r.notifier.Notify("system_down", map[string]string{"reason": reason})
	}

	if err := r.engine.SetText(ctx, "LN1", "System offline"); err != nil {
		r.log.Warn().Err(err).Msg("offline banner line 1 failed")
	}
	if err := r.engine.SetText(ctx, "LN2", ""); err != nil {
		r.log.Warn().Err(err).Msg("offline banner line 2 failed")
	}
	if err := r.engine.SetNumeric(ctx, "FAN", 30); err != nil {
		r.log.Warn().Err(err).Msg("safe-default fan speed failed")
	}
	if err := r.engine.Close(); err != nil {
		r.log.Warn().Err(err).Msg("closing PMC link failed")
	}
}

// superviseAll runs every task, restarting a failed one up to three times
// in a 60s window (spec §4.7); exhausting the budget on a Critical task is
// fatal to the whole daemon.
func (r *Runtime) superviseAll(ctx context.Context) error {
	var wg sync.WaitGroup
	fatal := make(chan error, len(r.tasks))

	for _, t := range r.tasks {
		t := t
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := r.supervise(ctx, t); err != nil {
				fatal <- err
			}
		}()
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()

	select {
	case err := <-fatal:
		return err
	case <-done:
		return nil
	case <-ctx.Done():
		wg.Wait()
		return nil
	}
}

func (r *Runtime) supervise(ctx context.Context, t Task) error {
	budget := newRestartBudget(60*time.Second, 3)

	for {
		err := t.Run(ctx)
		if err == nil || ctx.Err() != nil {
			return nil
		}

		r.log.Error().Err(err).Str("task", t.Name).Msg("task failed")

		if !budget.allow(r.clock.Now()) {
			if t.Critical {
				return fmt.Errorf("task %s exhausted its restart budget: %w", t.Name, err)
			}
			r.log.Error().Str("task", t.Name).Msg("non-critical task exhausted its restart budget, giving up")
			return nil
		}

		r.log.Warn().Str("task", t.Name).Msg("restarting task")
	}
}
