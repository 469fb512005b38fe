package thermal

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/jacobsa/timeutil"
	"github.com/rs/zerolog"

	"github.com/michaelroland/wdnas-hwdaemon/pmc"
)

// DefaultPollInterval is the default tick period (spec §4.3).
const DefaultPollInterval = 30 * time.Second

// DiskSource names one disk tracked for temperature in addition to the
// board sensor (spec §6, additional_drives).
type DiskSource struct {
	Name   string // key used in State.DiskC and notification placeholders
	Device string // block device path passed to the temperature tool
}

// ReaderConfig configures a Reader.
type ReaderConfig struct {
	Interval    time.Duration
	Disks       []DiskSource
	TempTool    string // defaults to "disktemp" (spec §6)
	ToolTimeout time.Duration
}

// Reader periodically samples the board temperature from the PMC and every
// configured disk via an external tool, publishing the freshest values to
// State.
type Reader struct {
	engine *pmc.Engine
	clock  timeutil.Clock
	log    zerolog.Logger
	cfg    ReaderConfig
	state  *State

	onTick func(Snapshot)
}

// NewReader builds a Reader publishing into state. onTick, if non-nil, is
// called after every tick with the fresh snapshot (the fan governor's
// trigger).
func NewReader(engine *pmc.Engine, clock timeutil.Clock, log zerolog.Logger, cfg ReaderConfig, state *State, onTick func(Snapshot)) *Reader {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultPollInterval
	}
	if cfg.TempTool == "" {
		cfg.TempTool = "disktemp"
	}
	if cfg.ToolTimeout <= 0 {
		cfg.ToolTimeout = 5 * time.Second
	}
	return &Reader{engine: engine, clock: clock, log: log, cfg: cfg, state: state, onTick: onTick}
}

// Run polls until ctx is cancelled. It never returns an error for a single
// failed source — spec §4.3 requires a stale reading, not a failed tick —
// but does return ctx.Err() on cancellation, the signal daemon.Runtime's
// supervisor expects.
func (r *Reader) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *Reader) tick(ctx context.Context) {
	boardC, err := r.readBoardTemp(ctx)
	if err != nil {
		r.log.Warn().Err(err).Msg("board temperature read failed, keeping previous value")
		boardC = r.state.Snapshot().BoardC
	}

	fresh := map[string]float64{}
	var stale []string
	for _, d := range r.cfg.Disks {
		v, err := r.readDiskTemp(ctx, d)
		if err != nil {
			r.log.Warn().Err(err).Str("disk", d.Name).Msg("disk temperature read failed, marking stale")
			stale = append(stale, d.Name)
			continue
		}
		fresh[d.Name] = v
	}

	r.state.Update(boardC, fresh, stale)

	if r.onTick != nil {
		r.onTick(r.state.Snapshot())
	}
}

func (r *Reader) readBoardTemp(ctx context.Context) (float64, error) {
	raw, err := r.engine.GetNumeric(ctx, "TMP")
	if err != nil {
		return 0, err
	}
	return float64(raw), nil
}

// readDiskTemp shells out to the (out of scope to reimplement, spec §6)
// external temperature tool and parses its stdout as a plain float.
func (r *Reader) readDiskTemp(ctx context.Context, d DiskSource) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.ToolTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, r.cfg.TempTool, d.Device)
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return 0, fmt.Errorf("running %s %s: %w", r.cfg.TempTool, d.Device, err)
	}

	v, err := strconv.ParseFloat(strings.TrimSpace(out.String()), 64)
	if err != nil {
		return 0, fmt.Errorf("parsing %s output %q: %w", r.cfg.TempTool, out.String(), err)
	}
	return v, nil
}
