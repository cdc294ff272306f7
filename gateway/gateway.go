// Package gateway assembles every core component (A–L) into the
// warehouse-facing façade, and wires their cross-cutting event
// subscriptions the way the teacher's internal/handlers package wires
// metrics, UI and logging onto its own event bus: each concern
// subscribes independently, none of them aware of the others.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"shuttlegateway/internal/assign"
	"shuttlegateway/internal/barcode"
	"shuttlegateway/internal/command"
	"shuttlegateway/internal/config"
	"shuttlegateway/internal/dispatcher"
	"shuttlegateway/internal/errs"
	"shuttlegateway/internal/event"
	"shuttlegateway/internal/metrics"
	"shuttlegateway/internal/monitor"
	"shuttlegateway/internal/plc"
	"shuttlegateway/internal/streamhub"
	"shuttlegateway/internal/types"
)

// ConnectorFactory builds the plc.Connector for one device profile —
// an S7Connector in production, a SimConnector in test mode. Supplied
// by cmd/gateway so this package never has to know which mode it's in.
type ConnectorFactory func(profile types.DeviceProfile, testMode bool) plc.Connector

// Gateway is the façade every external caller (warehouse software,
// the HTTP/metrics/stream-hub servers) talks to.
type Gateway struct {
	cfg      *config.Config
	profiles map[string]types.DeviceProfile
	testMode bool

	bus        *event.Bus
	pool       *plc.Pool
	monitor    *monitor.Monitor
	queueOwner *dispatcher.Dispatcher
	executor   *command.Executor
	validator  *barcode.Validator
	metrics    *metrics.Metrics
	pending    *metrics.PendingSince
	hub        *streamhub.Hub
	logger     *slog.Logger

	stopMetricsPoll chan struct{}
}

// New wires every component from cfg and connect, ready for Activate
// calls. logger follows the teacher's convention of a single
// log/slog.Logger threaded through rather than a package-global.
func New(cfg *config.Config, connect ConnectorFactory, metricsReg prometheus.Registerer, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}
	testMode := cfg.DeviceMonitor.Mode != "production"

	profiles := cfg.DeviceProfiles()
	profileIndex := make(map[string]types.DeviceProfile, len(profiles))
	for _, p := range profiles {
		profileIndex[p.ID] = p
	}

	bus := event.NewBus()

	pool := plc.NewPool(func(ctx context.Context, deviceID string) (plc.Connector, error) {
		profile, ok := profileIndex[deviceID]
		if !ok {
			return nil, fmt.Errorf("gateway: unknown device %q", deviceID)
		}
		conn := connect(profile, testMode)
		if err := conn.EnsureConnected(ctx); err != nil {
			return nil, err
		}
		return conn, nil
	})

	mon, err := monitor.New(monitor.Config{
		MaxConcurrentOperations: cfg.DeviceMonitor.MaxConcurrentOperations,
		Mode:                    cfg.DeviceMonitor.Mode,
		SafetyScopePrefix:       cfg.DeviceMonitor.SafetyScopePrefix,
		SafetyScopeRule:         cfg.DeviceMonitor.SafetyScopeRule,
	}, pool, bus, profiles)
	if err != nil {
		return nil, err
	}

	strategy := assign.New(assign.ReferenceLocations{Inbound: types.Location{}})

	disp := dispatcher.New(dispatcher.Config{
		MaxTasksPerCycle:   cfg.TaskDispatcher.MaxTasksPerCycle,
		MaxQueueSize:       cfg.TaskDispatcher.MaxQueueSize,
		AutoPauseWhenEmpty: cfg.TaskDispatcher.AutoPauseWhenEmpty,
		AssignmentYield:    time.Second,
	}, profiles, pool, strategy, mon)

	barcodeCfg := barcode.DefaultConfig(len(profiles))
	if cfg.BarcodeHandler.ValidationTimeoutMinutes > 0 {
		barcodeCfg.ValidationTimeout = time.Duration(cfg.BarcodeHandler.ValidationTimeoutMinutes) * time.Minute
	}
	validator := barcode.New(barcodeCfg)

	strategies := command.Strategies{
		Inbound:  command.InboundStrategy{Validator: validator, Bus: bus},
		Outbound: command.OutboundStrategy{},
		Transfer: command.TransferStrategy{},
	}

	pending := metrics.NewPendingSince()
	m := metrics.New(metricsReg)
	m.Attach(bus, pending)

	exec := command.New(bus, mon, strategies, func(deviceID, taskID string) {
		disp.CompleteTaskAssignment(context.Background(), deviceID, taskID)
	}, cfg.TaskTimeout.For, logger)

	disp.SetAssignmentHandler(func(a dispatcher.Assignment) {
		pending.Start(a.Task.TaskID)
		conn, err := pool.Get(context.Background(), a.DeviceID)
		if err != nil {
			bus.Publish(event.Event{Type: event.TaskFailed, DeviceID: a.DeviceID, TaskID: a.Task.TaskID,
				Error: errPtr(errs.Wrap(errs.PlcConnectionFailed, "failed to acquire connector for assignment", err))})
			disp.CompleteTaskAssignment(context.Background(), a.DeviceID, a.Task.TaskID)
			return
		}
		if err := exec.Execute(context.Background(), a.Task, a.DeviceID, a.SignalMap, conn); err != nil {
			logger.Warn("gateway: execute failed", "task_id", a.Task.TaskID, "device_id", a.DeviceID, "error", err)
		}
	})

	hub := streamhub.New()
	hub.Attach(bus)
	go hub.Run()

	g := &Gateway{
		cfg: cfg, profiles: profileIndex, testMode: testMode,
		bus: bus, pool: pool, monitor: mon, queueOwner: disp, executor: exec,
		validator: validator, metrics: m, pending: pending, hub: hub, logger: logger,
		stopMetricsPoll: make(chan struct{}),
	}
	g.wireAutoPauseOnCriticalFailure()
	go g.pollQueueDepth()
	return g, nil
}

// pollQueueDepth keeps gateway_queue_depth current. Queue length has no
// corresponding bus event, so it's sampled on a tick instead of pushed.
func (g *Gateway) pollQueueDepth() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			g.metrics.ObserveQueueDepth(g.queueOwner.QueueLen())
		case <-g.stopMetricsPoll:
			return
		}
	}
}

func errPtr(d errs.ErrorDetail) *errs.ErrorDetail { return &d }

// wireAutoPauseOnCriticalFailure implements spec.md §7's manual-resume
// policy: a Failed outcome whose code is a device RunningFailure or a
// PLC connection failure pauses the dispatcher, requiring an explicit
// ResumeQueue call to recover.
func (g *Gateway) wireAutoPauseOnCriticalFailure() {
	g.bus.Subscribe(event.TaskFailed, func(e event.Event) {
		if e.Error == nil {
			return
		}
		if errs.IsRunningFailure(e.Error.Code) || e.Error.Code == errs.PlcConnectionFailed {
			g.queueOwner.Pause()
			g.logger.Error("gateway: pausing dispatcher after critical failure",
				"task_id", e.TaskID, "device_id", e.DeviceID, "error", e.Error.GetFullMessage())
		}
	})
	g.bus.Subscribe(event.DeviceStatusChanged, func(e event.Event) {
		if e.NewStatus == types.StatusIdle {
			g.queueOwner.NotifyDeviceIdle(context.Background())
		}
	})
}

// Hub exposes the event stream hub so cmd/gateway can mount ServeWs.
func (g *Gateway) Hub() *streamhub.Hub { return g.hub }

// ActivateDevice starts monitoring deviceID: dials its connector and
// seeds its initial status.
func (g *Gateway) ActivateDevice(ctx context.Context, deviceID string) error {
	if _, ok := g.profiles[deviceID]; !ok {
		return fmt.Errorf("gateway: unknown device %q", deviceID)
	}
	return g.monitor.StartMonitoring(ctx, deviceID)
}

// DeactivateDevice stops monitoring deviceID and releases its connector.
func (g *Gateway) DeactivateDevice(deviceID string) {
	g.monitor.StopMonitoring(deviceID)
}

// IsConnected reports whether deviceID currently has a live connector.
func (g *Gateway) IsConnected(ctx context.Context, deviceID string) bool {
	conn, err := g.pool.Get(ctx, deviceID)
	if err != nil {
		return false
	}
	return conn.IsConnected()
}

// GetDeviceStatus returns deviceID's tracked status.
func (g *Gateway) GetDeviceStatus(deviceID string) types.DeviceStatus {
	return g.monitor.GetDeviceStatus(deviceID)
}

// ResetDeviceStatus attempts to flip deviceID back to Idle.
func (g *Gateway) ResetDeviceStatus(ctx context.Context, deviceID string) (bool, error) {
	return g.monitor.ResetDeviceStatus(ctx, deviceID)
}

// ResetSystem zeroes deviceID's command/status signals. Test-mode only.
func (g *Gateway) ResetSystem(ctx context.Context, deviceID string) error {
	return g.monitor.ResetSystem(ctx, deviceID)
}

// SendCommand enqueues a single task.
func (g *Gateway) SendCommand(ctx context.Context, task types.TransportTask) error {
	return g.queueOwner.EnqueueTasks(ctx, []types.TransportTask{task})
}

// SendMultipleCommands enqueues a batch of tasks atomically: either all
// are accepted or none are, per TaskDispatcher.EnqueueTasks.
func (g *Gateway) SendMultipleCommands(ctx context.Context, tasks []types.TransportTask) error {
	return g.queueOwner.EnqueueTasks(ctx, tasks)
}

// SendValidationResult implements §4.I's send_validation_result: it
// resolves deviceID's pending barcode scan for taskID and, once
// resolved, writes the outcome to the PLC (the valid/invalid pair, and
// on a valid verdict the routing signals for target, direction and
// gate). A PLC write failure pauses the dispatcher and publishes
// TaskFailed, the same critical-failure path an assignment error takes.
func (g *Gateway) SendValidationResult(ctx context.Context, deviceID, taskID string, accepted bool, target *types.Location, dir types.DirBlock, gate uint16) error {
	if err := g.validator.CompleteValidationTask(taskID, deviceID, accepted); err != nil {
		return err
	}
	conn, err := g.pool.Get(ctx, deviceID)
	if err != nil {
		detail := errs.Wrap(errs.PlcConnectionFailed, "failed to acquire connector for validation result", err)
		g.bus.Publish(event.Event{Type: event.TaskFailed, DeviceID: deviceID, TaskID: taskID, Error: errPtr(detail)})
		return detail
	}
	profile := g.profiles[deviceID]
	if err := barcode.WriteValidationResult(ctx, conn, profile.SignalMap, accepted, target, dir, gate); err != nil {
		detail := errs.Wrap(errs.PlcConnectionFailed, "failed to write validation result", err)
		g.bus.Publish(event.Event{Type: event.TaskFailed, DeviceID: deviceID, TaskID: taskID, Error: errPtr(detail)})
		return detail
	}
	return nil
}

// PauseQueue pauses the dispatcher; only ResumeQueue undoes it.
func (g *Gateway) PauseQueue() { g.queueOwner.Pause() }

// ResumeQueue resumes the dispatcher.
func (g *Gateway) ResumeQueue(ctx context.Context) { g.queueOwner.Resume(ctx) }

// IsPauseQueue reports whether the dispatcher is Paused.
func (g *Gateway) IsPauseQueue() bool { return g.queueOwner.IsPauseQueue() }

// GetPendingTasks returns every task still waiting in the queue.
func (g *Gateway) GetPendingTasks() []types.TransportTask {
	return g.queueOwner.GetQueuedTasks()
}

// RemoveTransportTasks removes the given task ids from the queue,
// returning the ones actually removed (in-flight tasks are rejected).
func (g *Gateway) RemoveTransportTasks(taskIDs []string) []string {
	return g.queueOwner.RemoveTasks(taskIDs)
}

// GetCurrentTask returns the task id currently assigned to deviceID.
func (g *Gateway) GetCurrentTask(deviceID string) (string, bool) {
	return g.queueOwner.GetCurrentTask(deviceID)
}

// GetIdleDevices returns every device the monitor currently considers idle.
func (g *Gateway) GetIdleDevices(ctx context.Context) []types.DeviceInfo {
	return g.monitor.GetIdleDevices(ctx)
}

// GetActualLocation returns deviceID's current location, or nil if it
// cannot be read right now.
func (g *Gateway) GetActualLocation(ctx context.Context, deviceID string) *types.Location {
	return g.monitor.GetCurrentLocation(ctx, deviceID)
}

// CancelTask cancels an in-flight task's active poll.
func (g *Gateway) CancelTask(taskID string) bool {
	return g.executor.CancelTask(taskID)
}

// Dispose tears the gateway down: stops the dispatcher, cancels every
// active poll, and closes every pooled connector.
func (g *Gateway) Dispose() {
	close(g.stopMetricsPoll)
	g.queueOwner.Dispose()
	g.executor.Dispose()
	g.pool.Dispose()
}
