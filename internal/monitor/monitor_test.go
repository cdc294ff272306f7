package monitor

import (
	"context"
	"sync"
	"testing"

	"shuttlegateway/internal/event"
	"shuttlegateway/internal/plc"
	"shuttlegateway/internal/types"
)

func testSignalMap() types.SignalMap {
	return types.SignalMap{
		DeviceReady:          "DB66.DBX0.0",
		CommandAcknowledged:  "DB66.DBX0.1",
		Alarm:                "DB66.DBX0.2",
		ErrorCode:            "DB66.DBW2",
		ActualFloor:          "DB66.DBW4",
		ActualRail:           "DB66.DBW6",
		ActualBlock:          "DB66.DBW8",
		InboundCommand:       "DB66.DBX0.3",
		OutboundCommand:      "DB66.DBX0.4",
		TransferCommand:      "DB66.DBX0.5",
		StartProcessCommand:  "DB66.DBX0.6",
		CancelCommand:        "DB66.DBX0.7",
		CommandRejected:      "DB66.DBX1.0",
		InboundComplete:      "DB66.DBX1.1",
		OutboundComplete:     "DB66.DBX1.2",
		TransferComplete:     "DB66.DBX1.3",
		SourceFloor:          "DB66.DBW10",
		SourceRail:           "DB66.DBW12",
		SourceBlock:          "DB66.DBW14",
		TargetFloor:          "DB66.DBW16",
		TargetRail:           "DB66.DBW18",
		TargetBlock:          "DB66.DBW20",
		InDirBlock:           "DB66.DBX1.4",
		OutDirBlock:          "DB66.DBX1.5",
		GateNumber:           "DB66.DBW22",
		ConnectedToSoftware:  "DB66.DBX1.6",
		BarcodeValid:         "DB66.DBX1.7",
		BarcodeInvalid:       "DB66.DBX2.0",
		BarcodeChars: [10]string{
			"DB66.DBW30", "DB66.DBW32", "DB66.DBW34", "DB66.DBW36", "DB66.DBW38",
			"DB66.DBW40", "DB66.DBW42", "DB66.DBW44", "DB66.DBW46", "DB66.DBW48",
		},
	}
}

// newTestMonitor wires a Monitor over a single "dev-1" device backed by a
// SimConnector the test can poke directly through the returned map.
func newTestMonitor(t *testing.T, cfg Config) (*Monitor, *plc.SimConnector) {
	t.Helper()
	conn := plc.NewSimConnector()
	if err := conn.EnsureConnected(context.Background()); err != nil {
		t.Fatalf("EnsureConnected: %v", err)
	}
	pool := plc.NewPool(func(ctx context.Context, deviceID string) (plc.Connector, error) {
		return conn, nil
	})
	profile := types.DeviceProfile{ID: "dev-1", SignalMap: testSignalMap()}
	mon, err := New(cfg, pool, event.NewBus(), []types.DeviceProfile{profile})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return mon, conn
}

func TestGetDeviceStatusDefaultsOffline(t *testing.T) {
	mon, _ := newTestMonitor(t, DefaultConfig())
	if got := mon.GetDeviceStatus("never-seen"); got != types.StatusOffline {
		t.Fatalf("GetDeviceStatus of an unseen device = %v, want Offline", got)
	}
}

func TestUpdateDeviceStatusPublishesOnChange(t *testing.T) {
	mon, _ := newTestMonitor(t, DefaultConfig())
	var mu sync.Mutex
	var got []event.Event
	var wg sync.WaitGroup

	bus := event.NewBus()
	mon.bus = bus
	wg.Add(1)
	bus.Subscribe(event.DeviceStatusChanged, func(e event.Event) {
		mu.Lock()
		got = append(got, e)
		mu.Unlock()
		wg.Done()
	})

	mon.UpdateDeviceStatus("dev-1", types.StatusIdle)
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("got %d events, want 1", len(got))
	}
	if got[0].NewStatus != types.StatusIdle || got[0].PrevStatus != types.StatusOffline {
		t.Fatalf("event = %+v, want NewStatus=Idle PrevStatus=Offline", got[0])
	}

	// Repeating the same status must not publish again.
	mon.UpdateDeviceStatus("dev-1", types.StatusIdle)
	mu.Lock()
	n := len(got)
	mu.Unlock()
	if n != 1 {
		t.Fatal("setting the same status again must not publish")
	}
}

func TestStartMonitoringSeedsIdleOrBusy(t *testing.T) {
	mon, conn := newTestMonitor(t, DefaultConfig())
	conn.SetBool(testSignalMap().DeviceReady, true)
	if err := mon.StartMonitoring(context.Background(), "dev-1"); err != nil {
		t.Fatalf("StartMonitoring: %v", err)
	}
	if got := mon.GetDeviceStatus("dev-1"); got != types.StatusIdle {
		t.Fatalf("status = %v, want Idle when device_ready is true", got)
	}

	conn.SetBool(testSignalMap().DeviceReady, false)
	if err := mon.StartMonitoring(context.Background(), "dev-1"); err != nil {
		t.Fatalf("StartMonitoring: %v", err)
	}
	if got := mon.GetDeviceStatus("dev-1"); got != types.StatusBusy {
		t.Fatalf("status = %v, want Busy when device_ready is false", got)
	}
}

func TestStartMonitoringUnknownDevice(t *testing.T) {
	mon, _ := newTestMonitor(t, DefaultConfig())
	if err := mon.StartMonitoring(context.Background(), "ghost"); err == nil {
		t.Fatal("StartMonitoring of an unknown device must fail")
	}
}

func TestStopMonitoringForgetsStatus(t *testing.T) {
	mon, conn := newTestMonitor(t, DefaultConfig())
	conn.SetBool(testSignalMap().DeviceReady, true)
	_ = mon.StartMonitoring(context.Background(), "dev-1")
	mon.StopMonitoring("dev-1")
	if got := mon.GetDeviceStatus("dev-1"); got != types.StatusOffline {
		t.Fatalf("status after StopMonitoring = %v, want Offline (forgotten)", got)
	}
}

func TestResetDeviceStatusRefusesWhenUnsafe(t *testing.T) {
	sm := testSignalMap()
	mon, conn := newTestMonitor(t, DefaultConfig())

	mon.UpdateDeviceStatus("dev-1", types.StatusBusy)
	ok, err := mon.ResetDeviceStatus(context.Background(), "dev-1")
	if err != nil || ok {
		t.Fatalf("ResetDeviceStatus while Busy = %v, %v; want false, nil", ok, err)
	}

	mon.UpdateDeviceStatus("dev-1", types.StatusError)
	conn.SetBool(sm.Alarm, true)
	ok, err = mon.ResetDeviceStatus(context.Background(), "dev-1")
	if err != nil || ok {
		t.Fatalf("ResetDeviceStatus under active alarm = %v, %v; want false, nil", ok, err)
	}

	conn.SetBool(sm.Alarm, false)
	conn.SetInt16(sm.ErrorCode, 7)
	ok, err = mon.ResetDeviceStatus(context.Background(), "dev-1")
	if err != nil || ok {
		t.Fatalf("ResetDeviceStatus with nonzero error_code = %v, %v; want false, nil", ok, err)
	}
}

func TestResetDeviceStatusSucceedsWithoutTouchingErrorCode(t *testing.T) {
	sm := testSignalMap()
	mon, conn := newTestMonitor(t, DefaultConfig())
	mon.UpdateDeviceStatus("dev-1", types.StatusError)
	conn.SetInt16(sm.ErrorCode, 0)

	ok, err := mon.ResetDeviceStatus(context.Background(), "dev-1")
	if err != nil || !ok {
		t.Fatalf("ResetDeviceStatus = %v, %v; want true, nil", ok, err)
	}
	if got := mon.GetDeviceStatus("dev-1"); got != types.StatusIdle {
		t.Fatalf("status after reset = %v, want Idle", got)
	}
	if conn.GetInt16(sm.ErrorCode) != 0 {
		t.Fatal("ResetDeviceStatus must never write error_code itself")
	}
}

func TestGetCurrentLocationNilOnFailedRead(t *testing.T) {
	mon, _ := newTestMonitor(t, DefaultConfig())
	if mon.GetCurrentLocation(context.Background(), "unknown-device") != nil {
		t.Fatal("GetCurrentLocation of an unknown device must be nil, not an error")
	}
}

func TestGetCurrentLocationReadsAllThreeAxes(t *testing.T) {
	sm := testSignalMap()
	mon, conn := newTestMonitor(t, DefaultConfig())
	conn.SetInt16(sm.ActualFloor, 3)
	conn.SetInt16(sm.ActualRail, 4)
	conn.SetInt16(sm.ActualBlock, 5)

	loc := mon.GetCurrentLocation(context.Background(), "dev-1")
	if loc == nil || loc.Floor != 3 || loc.Rail != 4 || loc.Block != 5 {
		t.Fatalf("GetCurrentLocation = %+v, want (3,4,5)", loc)
	}
}

func TestGetIdleDevicesClassifiesByAcknowledgedAndLocation(t *testing.T) {
	sm := testSignalMap()
	mon, conn := newTestMonitor(t, DefaultConfig())

	conn.SetBool(sm.CommandAcknowledged, false)
	conn.SetInt16(sm.ActualFloor, 1)
	conn.SetInt16(sm.ActualRail, 2)
	conn.SetInt16(sm.ActualBlock, 3)

	idle := mon.GetIdleDevices(context.Background())
	if len(idle) != 1 || idle[0].Profile.ID != "dev-1" {
		t.Fatalf("GetIdleDevices = %+v, want one idle dev-1", idle)
	}
	if got := mon.GetDeviceStatus("dev-1"); got != types.StatusIdle {
		t.Fatalf("status after idle scan = %v, want Idle", got)
	}

	conn.SetBool(sm.CommandAcknowledged, true)
	idle = mon.GetIdleDevices(context.Background())
	if len(idle) != 0 {
		t.Fatalf("GetIdleDevices with command_acknowledged=true = %+v, want none", idle)
	}
	if got := mon.GetDeviceStatus("dev-1"); got != types.StatusBusy {
		t.Fatalf("status after ack scan = %v, want Busy", got)
	}
}

func TestResetSystemRefusedOutsideTestMode(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Mode = "production"
	mon, _ := newTestMonitor(t, cfg)
	if err := mon.ResetSystem(context.Background(), "dev-1"); err == nil {
		t.Fatal("ResetSystem must be refused outside test mode")
	}
}

func TestResetSystemRefusedOutsideSafetyScope(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SafetyScopePrefix = "DB99" // every address in testSignalMap() is DB66
	mon, _ := newTestMonitor(t, cfg)
	if err := mon.ResetSystem(context.Background(), "dev-1"); err == nil {
		t.Fatal("ResetSystem must be refused when addresses fall outside the safety scope")
	}
}

func TestResetSystemZeroesAndMarksIdle(t *testing.T) {
	sm := testSignalMap()
	mon, conn := newTestMonitor(t, DefaultConfig())
	conn.SetBool(sm.Alarm, true)
	conn.SetInt16(sm.ErrorCode, 9)
	conn.SetInt16(sm.ActualFloor, 5)

	if err := mon.ResetSystem(context.Background(), "dev-1"); err != nil {
		t.Fatalf("ResetSystem: %v", err)
	}
	if conn.GetBool(sm.Alarm) {
		t.Fatal("ResetSystem must clear alarm")
	}
	if conn.GetInt16(sm.ErrorCode) != 0 || conn.GetInt16(sm.ActualFloor) != 0 {
		t.Fatal("ResetSystem must zero word fields")
	}
	if got := mon.GetDeviceStatus("dev-1"); got != types.StatusIdle {
		t.Fatalf("status after ResetSystem = %v, want Idle", got)
	}
}
