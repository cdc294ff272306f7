package dispatcher

import (
	"context"
	"testing"
	"time"

	"shuttlegateway/internal/assign"
	"shuttlegateway/internal/errs"
	"shuttlegateway/internal/event"
	"shuttlegateway/internal/monitor"
	"shuttlegateway/internal/plc"
	"shuttlegateway/internal/types"
)

func readySignalMap() types.SignalMap {
	return types.SignalMap{
		DeviceReady:         "DB66.DBX0.0",
		CommandAcknowledged: "DB66.DBX0.1",
		ActualFloor:         "DB66.DBW4",
		ActualRail:          "DB66.DBW6",
		ActualBlock:         "DB66.DBW8",
	}
}

// newTestDispatcher wires a Dispatcher with a fast cycle over deviceIDs,
// all backed by their own SimConnector, all already device_ready=true
// and reporting command_acknowledged=false (idle).
func newTestDispatcher(t *testing.T, cfg Config, deviceIDs ...string) (*Dispatcher, map[string]*plc.SimConnector) {
	t.Helper()
	cfg.AssignmentYield = time.Millisecond
	conns := make(map[string]*plc.SimConnector, len(deviceIDs))
	var profiles []types.DeviceProfile
	for _, id := range deviceIDs {
		c := plc.NewSimConnector()
		_ = c.EnsureConnected(context.Background())
		sm := readySignalMap()
		c.SetBool(sm.DeviceReady, true)
		conns[id] = c
		profiles = append(profiles, types.DeviceProfile{ID: id, SignalMap: sm})
	}
	pool := plc.NewPool(func(ctx context.Context, deviceID string) (plc.Connector, error) {
		return conns[deviceID], nil
	})
	mon, err := monitor.New(monitor.DefaultConfig(), pool, event.NewBus(), profiles)
	if err != nil {
		t.Fatalf("monitor.New: %v", err)
	}
	strategy := assign.New(assign.ReferenceLocations{})
	return New(cfg, profiles, pool, strategy, mon), conns
}

func waitForCondition(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition was never satisfied before the deadline")
}

func TestEnqueueTasksRejectsOverCapacity(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxQueueSize = 1
	d, _ := newTestDispatcher(t, cfg, "dev-1")

	tasks := []types.TransportTask{
		{TaskID: "t1", CommandType: types.Inbound},
		{TaskID: "t2", CommandType: types.Inbound},
	}
	err := d.EnqueueTasks(context.Background(), tasks)
	if _, ok := err.(errs.ErrorDetail); !ok {
		t.Fatalf("EnqueueTasks over capacity err = %v (%T), want errs.ErrorDetail", err, err)
	}
	if len(d.GetQueuedTasks()) != 0 {
		t.Fatal("a rejected batch must not partially enqueue")
	}
}

func TestEnqueueTasksRejectsInvalidTask(t *testing.T) {
	d, _ := newTestDispatcher(t, DefaultConfig(), "dev-1")
	err := d.EnqueueTasks(context.Background(), []types.TransportTask{{TaskID: "", CommandType: types.Inbound}})
	if err == nil {
		t.Fatal("EnqueueTasks must validate every task before enqueueing any")
	}
}

func TestDispatchAssignsIdleDeviceAndNotifiesHandler(t *testing.T) {
	d, _ := newTestDispatcher(t, DefaultConfig(), "dev-1")

	var got Assignment
	done := make(chan struct{})
	d.SetAssignmentHandler(func(a Assignment) {
		got = a
		close(done)
	})

	if err := d.EnqueueTasks(context.Background(), []types.TransportTask{{TaskID: "t1", CommandType: types.Inbound}}); err != nil {
		t.Fatalf("EnqueueTasks: %v", err)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("assignment handler was never called")
	}
	if got.DeviceID != "dev-1" || got.Task.TaskID != "t1" {
		t.Fatalf("assignment = %+v, want dev-1/t1", got)
	}
	if taskID, ok := d.GetCurrentTask("dev-1"); !ok || taskID != "t1" {
		t.Fatalf("GetCurrentTask(dev-1) = %v, %v; want t1, true", taskID, ok)
	}
}

func TestAutoPauseWhenEmptyThenAutoResumeOnEnqueue(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AutoPauseWhenEmpty = true
	d, _ := newTestDispatcher(t, cfg, "dev-1")
	d.SetAssignmentHandler(func(Assignment) {})

	if err := d.EnqueueTasks(context.Background(), []types.TransportTask{{TaskID: "t1", CommandType: types.Inbound}}); err != nil {
		t.Fatalf("EnqueueTasks: %v", err)
	}
	waitForCondition(t, time.Second, d.IsPauseQueue)

	if err := d.EnqueueTasks(context.Background(), []types.TransportTask{{TaskID: "t2", CommandType: types.Inbound}}); err != nil {
		t.Fatalf("second EnqueueTasks: %v", err)
	}
	if d.IsPauseQueue() {
		t.Fatal("enqueueing into an auto-paused dispatcher must auto-resume it")
	}
}

func TestManualPauseBlocksAutoResume(t *testing.T) {
	d, _ := newTestDispatcher(t, DefaultConfig(), "dev-1")
	d.SetAssignmentHandler(func(Assignment) {})
	d.Pause()

	if err := d.EnqueueTasks(context.Background(), []types.TransportTask{{TaskID: "t1", CommandType: types.Inbound}}); err != nil {
		t.Fatalf("EnqueueTasks: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if !d.IsPauseQueue() {
		t.Fatal("a manually paused dispatcher must not auto-resume on enqueue")
	}
	if len(d.GetQueuedTasks()) != 1 {
		t.Fatal("task must remain queued while manually paused")
	}

	d.Resume(context.Background())
	waitForCondition(t, time.Second, func() bool { return len(d.GetQueuedTasks()) == 0 })
}

func TestCompleteTaskAssignmentReleasesOnlyMatchingTask(t *testing.T) {
	d, _ := newTestDispatcher(t, DefaultConfig(), "dev-1")
	d.SetAssignmentHandler(func(Assignment) {})
	_ = d.EnqueueTasks(context.Background(), []types.TransportTask{{TaskID: "t1", CommandType: types.Inbound}})
	waitForCondition(t, time.Second, func() bool {
		_, ok := d.GetCurrentTask("dev-1")
		return ok
	})

	d.CompleteTaskAssignment(context.Background(), "dev-1", "wrong-task")
	if _, ok := d.GetCurrentTask("dev-1"); !ok {
		t.Fatal("completing with a mismatched task id must not release the real assignment")
	}

	d.CompleteTaskAssignment(context.Background(), "dev-1", "t1")
	if _, ok := d.GetCurrentTask("dev-1"); ok {
		t.Fatal("completing with the matching task id must release the assignment")
	}
}

func TestRemoveTaskRejectsInFlightTask(t *testing.T) {
	d, _ := newTestDispatcher(t, DefaultConfig(), "dev-1")
	d.SetAssignmentHandler(func(Assignment) {})
	_ = d.EnqueueTasks(context.Background(), []types.TransportTask{{TaskID: "t1", CommandType: types.Inbound}})
	waitForCondition(t, time.Second, func() bool {
		_, ok := d.GetCurrentTask("dev-1")
		return ok
	})

	if d.RemoveTask("t1") {
		t.Fatal("RemoveTask must refuse to remove an in-flight task")
	}
}

func TestRemoveTaskRemovesQueuedTask(t *testing.T) {
	d, _ := newTestDispatcher(t, DefaultConfig()) // no idle devices: nothing gets assigned
	_ = d.EnqueueTasks(context.Background(), []types.TransportTask{{TaskID: "t1", CommandType: types.Inbound}})
	if !d.RemoveTask("t1") {
		t.Fatal("RemoveTask must remove a queued, unassigned task")
	}
	if len(d.GetQueuedTasks()) != 0 {
		t.Fatal("queue must be empty after removing its only task")
	}
}
