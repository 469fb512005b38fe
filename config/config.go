// Package config loads wdhwd's TOML configuration file into a single
// immutable value passed by copy to every component (spec §6).
package config

import (
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/michaelroland/wdnas-hwdaemon/notify"
)

// raw mirrors the TOML file's flat key layout exactly (spec §6); every
// `<event>_command`/`<event>_args` pair is named explicitly rather than
// decoded generically, since BurntSushi/toml has no catch-all remainder
// field and spec §6 fixes the set of recognized event names closed.
type raw struct {
	PMCPort          string   `toml:"pmc_port"`
	SocketPath       string   `toml:"socket_path"`
	SocketMaxClients int      `toml:"socket_max_clients"`
	LogFile          string   `toml:"log_file"`
	Logging          string   `toml:"logging"`
	LCDIntensityNorm int      `toml:"lcd_intensity_normal"`
	LCDIntensityDim  int      `toml:"lcd_intensity_dimmed"`
	LCDDimTimeoutSec int      `toml:"lcd_dim_timeout"`
	FanSpeedNormal   int      `toml:"fan_speed_normal"`
	FanSpeedIncr     int      `toml:"fan_speed_increment"`
	FanSpeedDecr     int      `toml:"fan_speed_decrement"`
	AdditionalDrives []string `toml:"additional_drives"`

	SystemUpCommand             string   `toml:"system_up_command"`
	SystemUpArgs                []string `toml:"system_up_args"`
	SystemDownCommand           string   `toml:"system_down_command"`
	SystemDownArgs              []string `toml:"system_down_args"`
	DrivePresenceChangedCommand string   `toml:"drive_presence_changed_command"`
	DrivePresenceChangedArgs    []string `toml:"drive_presence_changed_args"`
	PowerSupplyChangedCommand   string   `toml:"power_supply_changed_command"`
	PowerSupplyChangedArgs      []string `toml:"power_supply_changed_args"`
	TemperatureChangedCommand   string   `toml:"temperature_changed_command"`
	TemperatureChangedArgs      []string `toml:"temperature_changed_args"`
	USBCopyButtonCommand        string   `toml:"usb_copy_button_command"`
	USBCopyButtonArgs           []string `toml:"usb_copy_button_args"`
	USBCopyButtonLongCommand    string   `toml:"usb_copy_button_long_command"`
	USBCopyButtonLongArgs       []string `toml:"usb_copy_button_long_args"`
	LCDUpButtonCommand          string   `toml:"lcd_up_button_command"`
	LCDUpButtonArgs             []string `toml:"lcd_up_button_args"`
	LCDUpButtonLongCommand      string   `toml:"lcd_up_button_long_command"`
	LCDUpButtonLongArgs         []string `toml:"lcd_up_button_long_args"`
	LCDDownButtonCommand        string   `toml:"lcd_down_button_command"`
	LCDDownButtonArgs           []string `toml:"lcd_down_button_args"`
	LCDDownButtonLongCommand    string   `toml:"lcd_down_button_long_command"`
	LCDDownButtonLongArgs       []string `toml:"lcd_down_button_long_args"`
}

func (r raw) hooks() map[string]notify.HookSpec {
	pairs := []struct {
		event   string
		command string
		args    []string
	}{
		{"system_up", r.SystemUpCommand, r.SystemUpArgs},
		{"system_down", r.SystemDownCommand, r.SystemDownArgs},
		{"drive_presence_changed", r.DrivePresenceChangedCommand, r.DrivePresenceChangedArgs},
		{"power_supply_changed", r.PowerSupplyChangedCommand, r.PowerSupplyChangedArgs},
		{"temperature_changed", r.TemperatureChangedCommand, r.TemperatureChangedArgs},
		{"usb_copy_button", r.USBCopyButtonCommand, r.USBCopyButtonArgs},
		{"usb_copy_button_long", r.USBCopyButtonLongCommand, r.USBCopyButtonLongArgs},
		{"lcd_up_button", r.LCDUpButtonCommand, r.LCDUpButtonArgs},
		{"lcd_up_button_long", r.LCDUpButtonLongCommand, r.LCDUpButtonLongArgs},
		{"lcd_down_button", r.LCDDownButtonCommand, r.LCDDownButtonArgs},
		{"lcd_down_button_long", r.LCDDownButtonLongCommand, r.LCDDownButtonLongArgs},
	}

	out := make(map[string]notify.HookSpec, len(pairs))
	for _, p := range pairs {
		if p.command == "" {
			continue
		}
		out[p.event] = notify.HookSpec{Command: p.command, Args: p.args}
	}
	return out
}

// Config is the decoded, defaulted, immutable configuration value.
type Config struct {
	PMCPort          string
	SocketPath       string
	SocketMaxClients int
	LogFile          string
	LogLevel         string

	LCDIntensityNormal int
	LCDIntensityDimmed int
	LCDDimTimeout      time.Duration

	FanSpeedNormal    int
	FanSpeedIncrement int
	FanSpeedDecrement int

	AdditionalDrives []DriveSpec

	Hooks map[string]notify.HookSpec
}

// DriveSpec is one configured additional_drives entry.
type DriveSpec struct {
	Name   string
	Device string
}

func defaults() Config {
	return Config{
		SocketPath:         "/run/wdhwd/hws.sock",
		SocketMaxClients:   10,
		LogLevel:           "info",
		LCDIntensityNormal: 100,
		LCDIntensityDimmed: 20,
		LCDDimTimeout:      30 * time.Second,
		FanSpeedNormal:     40,
		FanSpeedIncrement:  10,
		FanSpeedDecrement:  10,
	}
}

// Load reads and decodes the TOML file at path.
func Load(path string) (Config, error) {
	var r raw
	if _, err := toml.DecodeFile(path, &r); err != nil {
		return Config{}, err
	}

	cfg := defaults()
	if r.PMCPort != "" {
		cfg.PMCPort = r.PMCPort
	}
	if r.SocketPath != "" {
		cfg.SocketPath = r.SocketPath
	}
	if r.SocketMaxClients != 0 {
		cfg.SocketMaxClients = r.SocketMaxClients
	}
	cfg.LogFile = r.LogFile
	if r.Logging != "" {
		cfg.LogLevel = r.Logging
	}
	if r.LCDIntensityNorm != 0 {
		cfg.LCDIntensityNormal = r.LCDIntensityNorm
	}
	if r.LCDIntensityDim != 0 {
		cfg.LCDIntensityDimmed = r.LCDIntensityDim
	}
	if r.LCDDimTimeoutSec != 0 {
		cfg.LCDDimTimeout = time.Duration(r.LCDDimTimeoutSec) * time.Second
	}
	if r.FanSpeedNormal != 0 {
		cfg.FanSpeedNormal = r.FanSpeedNormal
	}
	if r.FanSpeedIncr != 0 {
		cfg.FanSpeedIncrement = r.FanSpeedIncr
	}
	if r.FanSpeedDecr != 0 {
		cfg.FanSpeedDecrement = r.FanSpeedDecr
	}

	for _, drive := range r.AdditionalDrives {
		name := drive
		if idx := strings.LastIndexByte(drive, '/'); idx >= 0 {
			name = drive[idx+1:]
		}
		cfg.AdditionalDrives = append(cfg.AdditionalDrives, DriveSpec{Name: name, Device: drive})
	}

	cfg.Hooks = r.hooks()

	return cfg, nil
}
