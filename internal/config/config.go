// Package config loads the gateway's configuration file with viper,
// the way the teacher's own internal/config package does, and
// translates its wire shape into the domain types the rest of the
// gateway programs against.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"shuttlegateway/internal/types"
)

// SignalMapConfig is one device's symbolic PLC address table, as
// written in YAML/JSON/env config.
type SignalMapConfig struct {
	InboundCommand      string   `mapstructure:"inbound_command"`
	OutboundCommand     string   `mapstructure:"outbound_command"`
	TransferCommand     string   `mapstructure:"transfer_command"`
	StartProcessCommand string   `mapstructure:"start_process_command"`
	CancelCommand       string   `mapstructure:"cancel_command"`
	CommandAcknowledged string   `mapstructure:"command_acknowledged"`
	CommandRejected     string   `mapstructure:"command_rejected"`
	InboundComplete     string   `mapstructure:"inbound_complete"`
	OutboundComplete    string   `mapstructure:"outbound_complete"`
	TransferComplete    string   `mapstructure:"transfer_complete"`
	Alarm               string   `mapstructure:"alarm"`
	ErrorCode           string   `mapstructure:"error_code"`
	SourceFloor         string   `mapstructure:"source_floor"`
	SourceRail          string   `mapstructure:"source_rail"`
	SourceBlock         string   `mapstructure:"source_block"`
	TargetFloor         string   `mapstructure:"target_floor"`
	TargetRail          string   `mapstructure:"target_rail"`
	TargetBlock         string   `mapstructure:"target_block"`
	ActualFloor         string   `mapstructure:"actual_floor"`
	ActualRail          string   `mapstructure:"actual_rail"`
	ActualBlock         string   `mapstructure:"actual_block"`
	InDirBlock          string   `mapstructure:"in_dir_block"`
	OutDirBlock         string   `mapstructure:"out_dir_block"`
	GateNumber          string   `mapstructure:"gate_number"`
	DeviceReady         string   `mapstructure:"device_ready"`
	ConnectedToSoftware string   `mapstructure:"connected_to_software"`
	BarcodeValid        string   `mapstructure:"barcode_valid"`
	BarcodeInvalid      string   `mapstructure:"barcode_invalid"`
	BarcodeChars        []string `mapstructure:"barcode_chars"`
}

func (s SignalMapConfig) toDomain() types.SignalMap {
	sm := types.SignalMap{
		InboundCommand: s.InboundCommand, OutboundCommand: s.OutboundCommand,
		TransferCommand: s.TransferCommand, StartProcessCommand: s.StartProcessCommand,
		CancelCommand: s.CancelCommand, CommandAcknowledged: s.CommandAcknowledged,
		CommandRejected: s.CommandRejected, InboundComplete: s.InboundComplete,
		OutboundComplete: s.OutboundComplete, TransferComplete: s.TransferComplete,
		Alarm: s.Alarm, ErrorCode: s.ErrorCode,
		SourceFloor: s.SourceFloor, SourceRail: s.SourceRail, SourceBlock: s.SourceBlock,
		TargetFloor: s.TargetFloor, TargetRail: s.TargetRail, TargetBlock: s.TargetBlock,
		ActualFloor: s.ActualFloor, ActualRail: s.ActualRail, ActualBlock: s.ActualBlock,
		InDirBlock: s.InDirBlock, OutDirBlock: s.OutDirBlock, GateNumber: s.GateNumber,
		DeviceReady: s.DeviceReady, ConnectedToSoftware: s.ConnectedToSoftware,
		BarcodeValid: s.BarcodeValid, BarcodeInvalid: s.BarcodeInvalid,
	}
	for i := 0; i < len(sm.BarcodeChars) && i < len(s.BarcodeChars); i++ {
		sm.BarcodeChars[i] = s.BarcodeChars[i]
	}
	return sm
}

// DeviceConfig is one shuttle's static configuration.
type DeviceConfig struct {
	ID                 string          `mapstructure:"id"`
	ProductionEndpoint string          `mapstructure:"production_endpoint"`
	TestEndpoint       string          `mapstructure:"test_endpoint"`
	CPU                string          `mapstructure:"cpu"`
	Rack               int             `mapstructure:"rack"`
	Slot               int             `mapstructure:"slot"`
	EligibilityRule    string          `mapstructure:"eligibility_rule"`
	Signals            SignalMapConfig `mapstructure:"signals"`
}

func (d DeviceConfig) toDomain() types.DeviceProfile {
	return types.DeviceProfile{
		ID: d.ID, ProductionEndpoint: d.ProductionEndpoint, TestEndpoint: d.TestEndpoint,
		CPU: d.CPU, Rack: d.Rack, Slot: d.Slot,
		SignalMap:       d.Signals.toDomain(),
		EligibilityRule: d.EligibilityRule,
	}
}

// PlcConfig configures every PlcConnector's retry/timeout behavior.
type PlcConfig struct {
	ReadTimeoutSeconds   int `mapstructure:"read_timeout_seconds"`
	WriteTimeoutSeconds  int `mapstructure:"write_timeout_seconds"`
	MaxConnectionRetries int `mapstructure:"max_connection_retries"`
	RetryDelaySeconds    int `mapstructure:"retry_delay_seconds"`
}

// DeviceMonitorConfig configures the device monitor.
type DeviceMonitorConfig struct {
	MaxConcurrentOperations int    `mapstructure:"max_concurrent_operations"`
	Mode                    string `mapstructure:"mode"`
	SafetyScopePrefix       string `mapstructure:"safety_scope_prefix"`
	SafetyScopeRule         string `mapstructure:"safety_scope_rule"`
}

// BarcodeHandlerConfig configures the barcode validator.
type BarcodeHandlerConfig struct {
	ValidationTimeoutMinutes int `mapstructure:"validation_timeout_minutes"`
}

// TaskDispatcherConfig configures the task dispatcher.
type TaskDispatcherConfig struct {
	MaxTasksPerCycle   int  `mapstructure:"max_tasks_per_cycle"`
	MaxQueueSize       int  `mapstructure:"max_queue_size"`
	AutoPauseWhenEmpty bool `mapstructure:"auto_pause_when_empty"`
}

// TaskTimeoutConfig configures the per-command-type polling timeout.
type TaskTimeoutConfig struct {
	InboundMinutes  int `mapstructure:"inbound_minutes"`
	OutboundMinutes int `mapstructure:"outbound_minutes"`
	TransferMinutes int `mapstructure:"transfer_minutes"`
}

func (t TaskTimeoutConfig) For(ct types.CommandType) time.Duration {
	switch ct {
	case types.Inbound:
		return time.Duration(t.InboundMinutes) * time.Minute
	case types.Outbound:
		return time.Duration(t.OutboundMinutes) * time.Minute
	case types.Transfer:
		return time.Duration(t.TransferMinutes) * time.Minute
	default:
		return 10 * time.Minute
	}
}

// LoggerConfig configures the shared slog handler.
type LoggerConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // "json" or "text"
}

// Config is the gateway's full configuration.
type Config struct {
	Devices        []DeviceConfig       `mapstructure:"devices"`
	DeviceMonitor  DeviceMonitorConfig  `mapstructure:"device_monitor"`
	BarcodeHandler BarcodeHandlerConfig `mapstructure:"barcode_handler"`
	TaskDispatcher TaskDispatcherConfig `mapstructure:"task_dispatcher"`
	TaskTimeout    TaskTimeoutConfig    `mapstructure:"task_timeout"`
	Plc            PlcConfig            `mapstructure:"plc"`
	Logger         LoggerConfig         `mapstructure:"logger"`
	MetricsAddr    string               `mapstructure:"metrics_addr"`
	StreamHubAddr  string               `mapstructure:"stream_hub_addr"`
}

// DeviceProfiles translates every configured device into the domain
// shape the rest of the gateway programs against.
func (c *Config) DeviceProfiles() []types.DeviceProfile {
	profiles := make([]types.DeviceProfile, len(c.Devices))
	for i, d := range c.Devices {
		profiles[i] = d.toDomain()
	}
	return profiles
}

// Load reads gateway.yaml (or gateway.<ext> for any format viper
// supports) from path, applying the same defaults spec.md states for
// every component that isn't configured explicitly.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("gateway")
	v.SetConfigType("yaml")
	if path != "" {
		v.AddConfigPath(path)
	}
	v.AddConfigPath(".")

	v.SetDefault("device_monitor.max_concurrent_operations", 10)
	v.SetDefault("device_monitor.mode", "test")
	v.SetDefault("device_monitor.safety_scope_prefix", "DB66")
	v.SetDefault("barcode_handler.validation_timeout_minutes", 2)
	v.SetDefault("task_dispatcher.max_tasks_per_cycle", 10)
	v.SetDefault("task_dispatcher.max_queue_size", 50)
	v.SetDefault("task_dispatcher.auto_pause_when_empty", true)
	v.SetDefault("task_timeout.inbound_minutes", 15)
	v.SetDefault("task_timeout.outbound_minutes", 15)
	v.SetDefault("task_timeout.transfer_minutes", 15)
	v.SetDefault("plc.read_timeout_seconds", 10)
	v.SetDefault("plc.write_timeout_seconds", 10)
	v.SetDefault("plc.max_connection_retries", 5)
	v.SetDefault("plc.retry_delay_seconds", 2)
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
	v.SetDefault("metrics_addr", ":9090")
	v.SetDefault("stream_hub_addr", ":9091")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: failed to read gateway config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: failed to parse gateway config: %w", err)
	}
	return &cfg, nil
}
