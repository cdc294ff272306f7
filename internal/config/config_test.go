package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"shuttlegateway/internal/types"
)

func writeGatewayYAML(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "gateway.yaml"), []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return dir
}

func TestLoadFillsDefaults(t *testing.T) {
	dir := writeGatewayYAML(t, `
devices:
  - id: dev-1
    rack: 0
    slot: 1
`)
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DeviceMonitor.MaxConcurrentOperations != 10 {
		t.Fatalf("device_monitor.max_concurrent_operations = %d, want default 10", cfg.DeviceMonitor.MaxConcurrentOperations)
	}
	if cfg.TaskDispatcher.MaxQueueSize != 50 {
		t.Fatalf("task_dispatcher.max_queue_size = %d, want default 50", cfg.TaskDispatcher.MaxQueueSize)
	}
	if !cfg.TaskDispatcher.AutoPauseWhenEmpty {
		t.Fatal("task_dispatcher.auto_pause_when_empty must default true")
	}
	if cfg.MetricsAddr != ":9090" || cfg.StreamHubAddr != ":9091" {
		t.Fatalf("metrics_addr/stream_hub_addr = %q/%q, want defaults", cfg.MetricsAddr, cfg.StreamHubAddr)
	}
}

func TestLoadOverridesDefaultsFromFile(t *testing.T) {
	dir := writeGatewayYAML(t, `
devices: []
task_dispatcher:
  max_queue_size: 5
  auto_pause_when_empty: false
device_monitor:
  mode: production
`)
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.TaskDispatcher.MaxQueueSize != 5 {
		t.Fatalf("max_queue_size = %d, want 5 (overridden)", cfg.TaskDispatcher.MaxQueueSize)
	}
	if cfg.TaskDispatcher.AutoPauseWhenEmpty {
		t.Fatal("auto_pause_when_empty must honor an explicit false")
	}
	if cfg.DeviceMonitor.Mode != "production" {
		t.Fatalf("device_monitor.mode = %q, want production", cfg.DeviceMonitor.Mode)
	}
}

func TestLoadMissingFileFails(t *testing.T) {
	if _, err := Load(t.TempDir()); err == nil {
		t.Fatal("Load without a gateway.yaml present must fail")
	}
}

func TestDeviceConfigToDomainMapsFields(t *testing.T) {
	dc := DeviceConfig{
		ID: "dev-1", Rack: 0, Slot: 1, EligibilityRule: "true",
		Signals: SignalMapConfig{
			DeviceReady:  "DB66.DBX0.0",
			BarcodeChars: []string{"a", "b"},
		},
	}
	profile := dc.toDomain()
	if profile.ID != "dev-1" || profile.EligibilityRule != "true" {
		t.Fatalf("toDomain() = %+v, missing ID/EligibilityRule", profile)
	}
	if profile.SignalMap.DeviceReady != "DB66.DBX0.0" {
		t.Fatalf("SignalMap.DeviceReady = %q, want DB66.DBX0.0", profile.SignalMap.DeviceReady)
	}
	if profile.SignalMap.BarcodeChars[0] != "a" || profile.SignalMap.BarcodeChars[1] != "b" {
		t.Fatalf("BarcodeChars = %v, want [a b ...]", profile.SignalMap.BarcodeChars)
	}
	for i := 2; i < len(profile.SignalMap.BarcodeChars); i++ {
		if profile.SignalMap.BarcodeChars[i] != "" {
			t.Fatalf("BarcodeChars[%d] = %q, want empty for unconfigured slots", i, profile.SignalMap.BarcodeChars[i])
		}
	}
}

func TestTaskTimeoutConfigFor(t *testing.T) {
	tc := TaskTimeoutConfig{InboundMinutes: 1, OutboundMinutes: 2, TransferMinutes: 3}
	cases := map[types.CommandType]time.Duration{
		types.Inbound:       time.Minute,
		types.Outbound:      2 * time.Minute,
		types.Transfer:      3 * time.Minute,
		types.CommandType(""): 10 * time.Minute,
	}
	for ct, want := range cases {
		if got := tc.For(ct); got != want {
			t.Fatalf("For(%q) = %v, want %v", ct, got, want)
		}
	}
}
