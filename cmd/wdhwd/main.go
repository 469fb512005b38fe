// Command wdhwd is the WD My Cloud hardware controller daemon: it owns
// the serial link to the enclosure's Peripheral/Baseboard Controller and
// turns it into fan, LED, LCD, drive-bay-power, and button policy.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/jacobsa/timeutil"

	"github.com/michaelroland/wdnas-hwdaemon/bays"
	"github.com/michaelroland/wdnas-hwdaemon/config"
	"github.com/michaelroland/wdnas-hwdaemon/daemon"
	"github.com/michaelroland/wdnas-hwdaemon/events"
	"github.com/michaelroland/wdnas-hwdaemon/ipc"
	"github.com/michaelroland/wdnas-hwdaemon/logging"
	"github.com/michaelroland/wdnas-hwdaemon/notify"
	"github.com/michaelroland/wdnas-hwdaemon/pmc"
	"github.com/michaelroland/wdnas-hwdaemon/sockets"
	"github.com/michaelroland/wdnas-hwdaemon/thermal"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "/etc/wdhwd.conf", "path to TOML configuration file")
	runUser := flag.String("user", "wdhwd", "user to drop privileges to after startup")
	runGroup := flag.String("group", "", "group to drop privileges to (defaults to the user's primary group)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "wdhwd: loading config: %v\n", err)
		return 1
	}

	log, err := logging.New(cfg.LogFile, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "wdhwd: opening log: %v\n", err)
		return 1
	}

	clock := timeutil.RealClock()

	link, err := pmc.Open(pmc.LinkConfig{Device: cfg.PMCPort})
	if err != nil {
		log.Error().Err(err).Msg("failed to open PMC link")
		return 1
	}

	engine := pmc.NewEngine(link, clock, logging.Component(log, "pmc"))

	ctx := context.Background()
	dp0, err := engine.GetNumeric(ctx, "DP0")
	if err != nil {
		log.Error().Err(err).Msg("failed to read DP0 to determine chassis layout")
		return 1
	}
	layout := pmc.LayoutFromDP0(byte(dp0))

	cfgReg, err := engine.GetNumeric(ctx, "CFG")
	if err != nil {
		log.Error().Err(err).Msg("failed to read CFG")
		return 1
	}
	autoBayPower := byte(cfgReg)&pmc.CFGAutoBayPower != 0

	bayState := bays.NewState(layout)
	sockState := sockets.NewState()
	thermalState := thermal.NewState()

	dispatcher := notify.NewDispatcher(logging.Component(log, "notify"), cfg.Hooks, 0)

	router := events.NewRouter(engine, clock, logging.Component(log, "events"), events.RouterConfig{
		AutoBayPower:       autoBayPower,
		Layout:             layout,
		LCDIntensityNormal: cfg.LCDIntensityNormal,
		LCDIntensityDimmed: cfg.LCDIntensityDimmed,
		LCDDimTimeout:      cfg.LCDDimTimeout,
	}, bayState, sockState, dispatcher)

	var runtimeRef *daemon.Runtime

	governor := thermal.NewGovernor(engine, clock, logging.Component(log, "thermal.governor"), thermal.GovernorConfig{
		Levels:           defaultThermalLadder(cfg.FanSpeedNormal),
		HysteresisBand:   2.0,
		FanStepIncrement: cfg.FanSpeedIncrement,
		FanStepDecrement: cfg.FanSpeedDecrement,
	}, dispatcher, func(reason string) {
		if runtimeRef != nil {
			runtimeRef.Shutdown(reason)
		}
	})

	var disks []thermal.DiskSource
	for _, d := range cfg.AdditionalDrives {
		disks = append(disks, thermal.DiskSource{Name: d.Name, Device: d.Device})
	}
	reader := thermal.NewReader(engine, clock, logging.Component(log, "thermal.reader"), thermal.ReaderConfig{
		Disks: disks,
	}, thermalState, func(snap thermal.Snapshot) {
		gCtx, cancel := context.WithTimeout(context.Background(), pmc.DefaultGetSetTimeout)
		defer cancel()
		if err := governor.Tick(gCtx, snap); err != nil {
			log.Error().Err(err).Msg("fan governor tick failed")
		}
	})

	ipcServer := ipc.NewServer(logging.Component(log, "ipc"), cfg.SocketPath, cfg.SocketMaxClients, engine, thermalState, governor, bayState, sockState, func(reason string) {
		if runtimeRef != nil {
			runtimeRef.Shutdown(reason)
		}
	})

	// Bind the IPC socket before dropping privileges: the socket path is
	// root-owned, so the listen+chmod needs the privileges this process is
	// about to give up (spec §4.7/§4.8).
	if err := ipcServer.Bind(); err != nil {
		log.Error().Err(err).Msg("failed to bind IPC socket")
		return 1
	}

	runtime := daemon.NewRuntime(log, clock, engine, dispatcher, []daemon.Task{
		{Name: "thermal-reader", Run: reader.Run, Critical: true},
		{Name: "fan-governor", Run: governor.Run, Critical: false},
		{Name: "event-router", Run: router.Run, Critical: false},
		{Name: "notification-dispatcher", Run: dispatcher.Run, Critical: false},
		{Name: "ipc-server", Run: ipcServer.Serve, Critical: true},
	})
	runtimeRef = runtime

	if err := daemon.DropPrivileges(*runUser, *runGroup); err != nil {
		log.Error().Err(err).Msg("failed to drop privileges")
		return 1
	}

	return runtime.Start(context.Background(), daemon.StartupConfig{
		BootBannerLine1: "wdhwd starting",
		BootBannerLine2: "",
	})
}

// defaultThermalLadder builds the eight-level threshold/duty table. Only
// NORMAL's duty is configurable (fan_speed_normal, spec §6); the remaining
// thresholds and duties are fixed defaults, since spec §6's recognized key
// list names no per-level override for them.
func defaultThermalLadder(fanSpeedNormal int) [thermal.NumLevels]thermal.LevelConfig {
	normalDuty := fanSpeedNormal
	if normalDuty <= 0 {
		normalDuty = 40
	}

	return [thermal.NumLevels]thermal.LevelConfig{
		thermal.Under:    {ThresholdC: -40, DutyPercent: 20},
		thermal.Cool:     {ThresholdC: 30, DutyPercent: 30},
		thermal.Normal:   {ThresholdC: 40, DutyPercent: normalDuty},
		thermal.Warm:     {ThresholdC: 50, DutyPercent: 60},
		thermal.Hot:      {ThresholdC: 60, DutyPercent: 80},
		thermal.Danger:   {ThresholdC: 68, DutyPercent: 99},
		thermal.Shutdown: {ThresholdC: 75, DutyPercent: 100},
		thermal.Critical: {ThresholdC: 85, DutyPercent: 100},
	}
}
