package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTOML(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "wdhwd.toml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("writing temp config: %v", err)
	}
	return path
}

func TestLoad_AppliesDefaultsWhenFieldsOmitted(t *testing.T) {
	path := writeTOML(t, `pmc_port = "/dev/ttyS1"`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.PMCPort != "/dev/ttyS1" {
		t.Fatalf("PMCPort = %q, want /dev/ttyS1", cfg.PMCPort)
	}
	if cfg.SocketPath != "/run/wdhwd/hws.sock" {
		t.Fatalf("SocketPath default = %q, want /run/wdhwd/hws.sock", cfg.SocketPath)
	}
	if cfg.SocketMaxClients != 10 {
		t.Fatalf("SocketMaxClients default = %d, want 10", cfg.SocketMaxClients)
	}
	if cfg.LogLevel != "info" {
		t.Fatalf("LogLevel default = %q, want info", cfg.LogLevel)
	}
	if cfg.LCDIntensityNormal != 100 || cfg.LCDIntensityDimmed != 20 {
		t.Fatalf("LCD intensity defaults = %d/%d, want 100/20", cfg.LCDIntensityNormal, cfg.LCDIntensityDimmed)
	}
	if cfg.LCDDimTimeout != 30*time.Second {
		t.Fatalf("LCDDimTimeout default = %v, want 30s", cfg.LCDDimTimeout)
	}
	if cfg.FanSpeedNormal != 40 || cfg.FanSpeedIncrement != 10 || cfg.FanSpeedDecrement != 10 {
		t.Fatalf("fan speed defaults = %d/%d/%d, want 40/10/10", cfg.FanSpeedNormal, cfg.FanSpeedIncrement, cfg.FanSpeedDecrement)
	}
}

func TestLoad_OverridesDefaults(t *testing.T) {
	path := writeTOML(t, `
socket_path = "/tmp/custom.sock"
socket_max_clients = 3
logging = "debug"
lcd_intensity_normal = 80
lcd_dim_timeout = 5
fan_speed_normal = 55
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.SocketPath != "/tmp/custom.sock" {
		t.Fatalf("SocketPath = %q, want /tmp/custom.sock", cfg.SocketPath)
	}
	if cfg.SocketMaxClients != 3 {
		t.Fatalf("SocketMaxClients = %d, want 3", cfg.SocketMaxClients)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("LogLevel = %q, want debug", cfg.LogLevel)
	}
	if cfg.LCDIntensityNormal != 80 {
		t.Fatalf("LCDIntensityNormal = %d, want 80", cfg.LCDIntensityNormal)
	}
	if cfg.LCDDimTimeout != 5*time.Second {
		t.Fatalf("LCDDimTimeout = %v, want 5s", cfg.LCDDimTimeout)
	}
	if cfg.FanSpeedNormal != 55 {
		t.Fatalf("FanSpeedNormal = %d, want 55", cfg.FanSpeedNormal)
	}
}

func TestLoad_AdditionalDrivesDeriveNameFromDevicePath(t *testing.T) {
	path := writeTOML(t, `additional_drives = ["/dev/sda", "/dev/sdb"]`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.AdditionalDrives) != 2 {
		t.Fatalf("len(AdditionalDrives) = %d, want 2", len(cfg.AdditionalDrives))
	}
	if cfg.AdditionalDrives[0].Name != "sda" || cfg.AdditionalDrives[0].Device != "/dev/sda" {
		t.Fatalf("AdditionalDrives[0] = %+v, want Name=sda Device=/dev/sda", cfg.AdditionalDrives[0])
	}
}

func TestLoad_HooksRegistryOnlyIncludesConfiguredCommands(t *testing.T) {
	path := writeTOML(t, `
usb_copy_button_command = "/usr/bin/notify-send"
usb_copy_button_args = ["USB copy button pressed"]
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Hooks) != 1 {
		t.Fatalf("len(Hooks) = %d, want 1", len(cfg.Hooks))
	}
	spec, ok := cfg.Hooks["usb_copy_button"]
	if !ok {
		t.Fatal("Hooks[usb_copy_button] missing")
	}
	if spec.Command != "/usr/bin/notify-send" || len(spec.Args) != 1 || spec.Args[0] != "USB copy button pressed" {
		t.Fatalf("Hooks[usb_copy_button] = %+v", spec)
	}
	if _, ok := cfg.Hooks["system_up"]; ok {
		t.Fatal("an unconfigured hook should not appear in the registry")
	}
}

func TestLoad_MissingFileReturnsError(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "does-not-exist.toml")); err == nil {
		t.Fatal("Load of a missing file should return an error")
	}
}
