// Package monitor implements the device monitor (component C):
// per-device status tracking, readiness/location polling and the
// bounded-fan-out idle-device scan the dispatcher's assignment
// strategy depends on.
package monitor

import (
	"context"
	"fmt"
	"sync"

	"github.com/antonmedv/expr"
	"github.com/antonmedv/expr/vm"

	"shuttlegateway/internal/event"
	"shuttlegateway/internal/plc"
	"shuttlegateway/internal/types"
)

// Config bounds the monitor's own concurrency and safety-scope checks.
type Config struct {
	MaxConcurrentOperations int
	Mode                    string // "production" or "test"; anything non-"production" is test mode
	SafetyScopePrefix       string // e.g. "DB66"
	SafetyScopeRule         string // optional expr override of the prefix rule, evaluated over {address}
}

// DefaultConfig matches spec.md's stated default of 10 concurrent
// device operations.
func DefaultConfig() Config {
	return Config{MaxConcurrentOperations: 10, Mode: "test", SafetyScopePrefix: "DB66"}
}

func (c Config) isTestMode() bool {
	return c.Mode != "production"
}

// Monitor is the device monitor.
type Monitor struct {
	cfg      Config
	pool     *plc.Pool
	bus      *event.Bus
	profiles map[string]types.DeviceProfile

	mu       sync.Mutex
	statuses map[string]types.DeviceStatus

	safetyRule *vm.Program
}

// New builds a Monitor over the given device profiles.
func New(cfg Config, pool *plc.Pool, bus *event.Bus, profiles []types.DeviceProfile) (*Monitor, error) {
	m := &Monitor{
		cfg:      cfg,
		pool:     pool,
		bus:      bus,
		profiles: make(map[string]types.DeviceProfile, len(profiles)),
		statuses: make(map[string]types.DeviceStatus),
	}
	for _, p := range profiles {
		m.profiles[p.ID] = p
	}
	if cfg.SafetyScopeRule != "" {
		program, err := expr.Compile(cfg.SafetyScopeRule, expr.Env(map[string]interface{}{"address": ""}), expr.AsBool())
		if err != nil {
			return nil, fmt.Errorf("monitor: invalid safety_scope_rule: %w", err)
		}
		m.safetyRule = program
	}
	return m, nil
}

// GetDeviceStatus returns the tracked status, defaulting to Offline
// for a device the monitor has never observed.
func (m *Monitor) GetDeviceStatus(deviceID string) types.DeviceStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.statuses[deviceID]; ok {
		return s
	}
	return types.StatusOffline
}

// UpdateDeviceStatus atomically sets deviceID's status and, if it
// actually changed, emits DeviceStatusChanged.
func (m *Monitor) UpdateDeviceStatus(deviceID string, next types.DeviceStatus) {
	m.mu.Lock()
	prev, ok := m.statuses[deviceID]
	if ok && prev == next {
		m.mu.Unlock()
		return
	}
	m.statuses[deviceID] = next
	m.mu.Unlock()

	if !ok {
		prev = types.StatusOffline
	}
	m.bus.Publish(event.Event{
		Type:       event.DeviceStatusChanged,
		DeviceID:   deviceID,
		NewStatus:  next,
		PrevStatus: prev,
	})
}

// StartMonitoring reads device_ready and seeds the device's initial
// status: Idle if ready, Busy otherwise. Any read failure sets the
// device Offline and returns the error.
func (m *Monitor) StartMonitoring(ctx context.Context, deviceID string) error {
	profile, ok := m.profiles[deviceID]
	if !ok {
		return fmt.Errorf("monitor: unknown device %q", deviceID)
	}
	conn, err := m.pool.Get(ctx, deviceID)
	if err != nil {
		m.UpdateDeviceStatus(deviceID, types.StatusOffline)
		return err
	}
	ready, err := conn.ReadBool(ctx, profile.SignalMap.DeviceReady)
	if err != nil {
		m.UpdateDeviceStatus(deviceID, types.StatusOffline)
		return err
	}
	if ready {
		m.UpdateDeviceStatus(deviceID, types.StatusIdle)
	} else {
		m.UpdateDeviceStatus(deviceID, types.StatusBusy)
	}
	return nil
}

// StopMonitoring releases the device's connector and forgets its
// status.
func (m *Monitor) StopMonitoring(deviceID string) {
	m.pool.Remove(deviceID)
	m.mu.Lock()
	delete(m.statuses, deviceID)
	m.mu.Unlock()
}

// ResetDeviceStatus flips a device back to Idle, but only when it is
// safe to: not Busy, no PLC alarm, and error_code is zero. It never
// touches the PLC error_code itself (see DESIGN.md's Open Question
// resolution) — only the in-memory status.
func (m *Monitor) ResetDeviceStatus(ctx context.Context, deviceID string) (bool, error) {
	profile, ok := m.profiles[deviceID]
	if !ok {
		return false, fmt.Errorf("monitor: unknown device %q", deviceID)
	}
	if m.GetDeviceStatus(deviceID) == types.StatusBusy {
		return false, nil
	}
	conn, err := m.pool.Get(ctx, deviceID)
	if err != nil {
		return false, err
	}
	alarm, err := conn.ReadBool(ctx, profile.SignalMap.Alarm)
	if err != nil {
		return false, err
	}
	if alarm {
		return false, nil
	}
	errCode, err := conn.ReadInt16(ctx, profile.SignalMap.ErrorCode)
	if err != nil {
		return false, err
	}
	if errCode != 0 {
		return false, nil
	}
	m.UpdateDeviceStatus(deviceID, types.StatusIdle)
	return true, nil
}

// GetCurrentLocation reads a device's actual floor/rail/block in
// parallel, returning nil (not an error) if any read fails, keeping
// idle-discovery resilient to a single flaky read per spec.md §7.
func (m *Monitor) GetCurrentLocation(ctx context.Context, deviceID string) *types.Location {
	profile, ok := m.profiles[deviceID]
	if !ok {
		return nil
	}
	conn, err := m.pool.Get(ctx, deviceID)
	if err != nil {
		return nil
	}
	return readActualLocation(ctx, conn, profile)
}

func readActualLocation(ctx context.Context, conn plc.Connector, profile types.DeviceProfile) *types.Location {
	var wg sync.WaitGroup
	var floor, rail, block int16
	var errFloor, errRail, errBlock error
	wg.Add(3)
	go func() { defer wg.Done(); floor, errFloor = conn.ReadInt16(ctx, profile.SignalMap.ActualFloor) }()
	go func() { defer wg.Done(); rail, errRail = conn.ReadInt16(ctx, profile.SignalMap.ActualRail) }()
	go func() { defer wg.Done(); block, errBlock = conn.ReadInt16(ctx, profile.SignalMap.ActualBlock) }()
	wg.Wait()
	if errFloor != nil || errRail != nil || errBlock != nil {
		return nil
	}
	return &types.Location{Floor: floor, Rail: rail, Block: block}
}

// GetIdleDevices fans out over every known device under a bounded
// worker count and returns the ones that are idle: command_acknowledged
// is false and their actual location reads back successfully. Status
// is updated as a side effect of the scan.
func (m *Monitor) GetIdleDevices(ctx context.Context) []types.DeviceInfo {
	limit := m.cfg.MaxConcurrentOperations
	if limit <= 0 {
		limit = 10
	}
	sem := make(chan struct{}, limit)

	var mu sync.Mutex
	var idle []types.DeviceInfo
	var wg sync.WaitGroup

	for _, profile := range m.profiles {
		profile := profile
		wg.Add(1)
		go func() {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			conn, err := m.pool.Get(ctx, profile.ID)
			if err != nil {
				m.UpdateDeviceStatus(profile.ID, types.StatusOffline)
				return
			}
			acked, err := conn.ReadBool(ctx, profile.SignalMap.CommandAcknowledged)
			if err != nil {
				m.UpdateDeviceStatus(profile.ID, types.StatusOffline)
				return
			}
			if acked {
				m.UpdateDeviceStatus(profile.ID, types.StatusBusy)
				return
			}
			loc := readActualLocation(ctx, conn, profile)
			if loc == nil {
				m.UpdateDeviceStatus(profile.ID, types.StatusOffline)
				return
			}
			m.UpdateDeviceStatus(profile.ID, types.StatusIdle)
			mu.Lock()
			idle = append(idle, types.DeviceInfo{Profile: profile, Location: *loc})
			mu.Unlock()
		}()
	}
	wg.Wait()
	return idle
}

// ResetSystem zeroes every command/status/location/barcode/direction/
// gate/error field for deviceID and sets it Idle. It is test-mode-only
// and refuses to run unless every address in the device's signal map
// belongs to the configured safety scope.
func (m *Monitor) ResetSystem(ctx context.Context, deviceID string) error {
	if !m.cfg.isTestMode() {
		return fmt.Errorf("monitor: reset_system is only permitted in test mode")
	}
	profile, ok := m.profiles[deviceID]
	if !ok {
		return fmt.Errorf("monitor: unknown device %q", deviceID)
	}
	if err := m.checkSafetyScope(profile.SignalMap); err != nil {
		return err
	}
	conn, err := m.pool.Get(ctx, deviceID)
	if err != nil {
		return err
	}

	sm := profile.SignalMap
	boolAddrs := []string{
		sm.InboundCommand, sm.OutboundCommand, sm.TransferCommand, sm.StartProcessCommand,
		sm.CancelCommand, sm.CommandAcknowledged, sm.CommandRejected,
		sm.InboundComplete, sm.OutboundComplete, sm.TransferComplete, sm.Alarm,
		sm.InDirBlock, sm.OutDirBlock, sm.BarcodeValid, sm.BarcodeInvalid,
	}
	for _, addr := range boolAddrs {
		if addr == "" {
			continue
		}
		if err := conn.WriteBool(ctx, addr, false); err != nil {
			return err
		}
	}

	wordAddrs := []string{
		sm.ErrorCode, sm.SourceFloor, sm.SourceRail, sm.SourceBlock,
		sm.TargetFloor, sm.TargetRail, sm.TargetBlock,
		sm.ActualFloor, sm.ActualRail, sm.ActualBlock, sm.GateNumber,
	}
	for _, addr := range wordAddrs {
		if addr == "" {
			continue
		}
		if err := conn.WriteInt16(ctx, addr, 0); err != nil {
			return err
		}
	}

	for _, addr := range sm.BarcodeChars {
		if addr == "" {
			continue
		}
		if err := conn.WriteString(ctx, addr, ""); err != nil {
			return err
		}
	}

	m.UpdateDeviceStatus(deviceID, types.StatusIdle)
	return nil
}

func (m *Monitor) checkSafetyScope(sm types.SignalMap) error {
	addrs := []string{
		sm.InboundCommand, sm.OutboundCommand, sm.TransferCommand, sm.StartProcessCommand,
		sm.CancelCommand, sm.CommandAcknowledged, sm.CommandRejected,
		sm.InboundComplete, sm.OutboundComplete, sm.TransferComplete, sm.Alarm, sm.ErrorCode,
		sm.SourceFloor, sm.SourceRail, sm.SourceBlock, sm.TargetFloor, sm.TargetRail, sm.TargetBlock,
		sm.ActualFloor, sm.ActualRail, sm.ActualBlock, sm.InDirBlock, sm.OutDirBlock, sm.GateNumber,
		sm.DeviceReady, sm.ConnectedToSoftware, sm.BarcodeValid, sm.BarcodeInvalid,
	}
	addrs = append(addrs, sm.BarcodeChars[:]...)
	for _, addr := range addrs {
		if addr == "" {
			continue
		}
		if !m.addressInScope(addr) {
			return fmt.Errorf("monitor: reset_system refused: address %q is outside the safety scope", addr)
		}
	}
	return nil
}

func (m *Monitor) addressInScope(addr string) bool {
	if m.safetyRule != nil {
		out, err := expr.Run(m.safetyRule, map[string]interface{}{"address": addr})
		if err != nil {
			return false
		}
		ok, _ := out.(bool)
		return ok
	}
	return plc.InSafetyScope(addr, m.cfg.SafetyScopePrefix)
}
