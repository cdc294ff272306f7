package command

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"shuttlegateway/internal/errs"
	"shuttlegateway/internal/event"
	"shuttlegateway/internal/monitor"
	"shuttlegateway/internal/plc"
	"shuttlegateway/internal/types"
	"shuttlegateway/internal/util"
)

// TimeoutFor resolves the per-command-type polling timeout from
// configuration (task_timeout.*).
type TimeoutFor func(ct types.CommandType) time.Duration

// CompleteAssignment is called exactly once per task, when its
// terminal outcome is reached, to release it from the dispatcher's
// assignment map. Bound to TaskDispatcher.CompleteTaskAssignment at
// wiring time, resolving the executor/dispatcher cycle without either
// package importing the other's package path.
type CompleteAssignment func(deviceID, taskID string)

type activePoll struct {
	cancel context.CancelFunc
	done   atomic.Bool
}

// Executor is the command executor (component H): it owns the active
// poll for every in-flight task, guarantees at most one terminal
// outcome reaches the bus and the dispatcher per task, and exposes
// cancellation.
type Executor struct {
	bus                *event.Bus
	monitor            *monitor.Monitor
	strategies         Strategies
	completeAssignment CompleteAssignment
	timeoutFor         TimeoutFor
	logger             *slog.Logger

	mu     sync.Mutex
	active map[string]*activePoll
}

// New builds an Executor. logger receives one trace_id-tagged line per
// trigger and per terminal outcome, correlating a task across the
// dispatcher's assignment, the PLC round trip and (for Inbound tasks)
// barcode validation.
func New(bus *event.Bus, mon *monitor.Monitor, strategies Strategies, completeAssignment CompleteAssignment, timeoutFor TimeoutFor, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		bus:                bus,
		monitor:            mon,
		strategies:         strategies,
		completeAssignment: completeAssignment,
		timeoutFor:         timeoutFor,
		logger:             logger,
		active:             make(map[string]*activePoll),
	}
}

// Execute triggers task on conn and spawns its polling loop. A trigger
// failure is mapped to a Failed event and returned synchronously;
// otherwise Execute returns immediately and the terminal outcome
// arrives later via the event bus.
func (e *Executor) Execute(ctx context.Context, task types.TransportTask, deviceID string, sm types.SignalMap, conn plc.Connector) error {
	traceID, ok := util.TraceIDFromContext(ctx)
	if !ok {
		traceID = util.NewTraceID()
		ctx = util.ContextWithTraceID(ctx, traceID)
	}
	log := e.logger.With("trace_id", traceID, "task_id", task.TaskID, "device_id", deviceID)

	strategy, err := e.strategies.For(task.CommandType)
	if err != nil {
		detail := errs.Wrap(errs.ExecutionException, "no strategy for command type", err)
		log.Error("executor: no strategy for command type", "command_type", task.CommandType, "error", err)
		e.emitFailedAndComplete(deviceID, task.TaskID, detail)
		return detail
	}

	poll := &activePoll{}
	e.mu.Lock()
	e.active[task.TaskID] = poll
	e.mu.Unlock()

	if err := strategy.Trigger(ctx, conn, sm, task); err != nil {
		detail := errs.Wrap(errs.ExecutionException, "trigger failed", err)
		log.Warn("executor: trigger failed", "error", err)
		e.terminalOnce(poll, deviceID, task.TaskID, func() { e.failed(deviceID, task.TaskID, detail) })
		e.unregister(task.TaskID)
		return detail
	}
	log.Info("executor: command triggered", "command_type", task.CommandType)

	pollCtx, cancel := context.WithCancel(ctx)
	poll.cancel = cancel
	timeout := e.timeoutFor(task.CommandType)

	hooks := Hooks{
		AlarmFailed: func(detail errs.ErrorDetail) {
			log.Warn("executor: alarm raised, entering resolution sub-loop", "error", detail.GetFullMessage())
			e.monitor.UpdateDeviceStatus(deviceID, types.StatusError)
			e.bus.Publish(event.Event{Type: event.TaskFailed, DeviceID: deviceID, TaskID: task.TaskID, Task: &task, Error: &detail})
		},
		Failed: func(detail errs.ErrorDetail) {
			e.terminalOnce(poll, deviceID, task.TaskID, func() {
				log.Warn("executor: task failed", "error", detail.GetFullMessage())
				e.failed(deviceID, task.TaskID, detail)
			})
		},
		Succeeded: func() {
			e.terminalOnce(poll, deviceID, task.TaskID, func() {
				log.Info("executor: task succeeded")
				e.monitor.UpdateDeviceStatus(deviceID, types.StatusIdle)
				e.bus.Publish(event.Event{Type: event.TaskSucceeded, DeviceID: deviceID, TaskID: task.TaskID, Task: &task})
			})
		},
		Cancelled: func() {
			e.terminalOnce(poll, deviceID, task.TaskID, func() {
				log.Info("executor: task cancelled")
				e.monitor.UpdateDeviceStatus(deviceID, types.StatusError)
				e.bus.Publish(event.Event{Type: event.TaskCancelled, DeviceID: deviceID, TaskID: task.TaskID, Task: &task})
			})
		},
	}

	go func() {
		defer e.unregister(task.TaskID)
		strategy.Poll(pollCtx, conn, sm, task, deviceID, timeout, hooks)
	}()
	return nil
}

// terminalOnce runs fn and releases the assignment exactly once per
// task, no matter how many terminal hooks eventually fire for it.
func (e *Executor) terminalOnce(poll *activePoll, deviceID, taskID string, fn func()) {
	if !poll.done.CompareAndSwap(false, true) {
		return
	}
	fn()
	e.completeAssignment(deviceID, taskID)
}

func (e *Executor) failed(deviceID, taskID string, detail errs.ErrorDetail) {
	if errs.IsRunningFailure(detail.Code) || detail.Code == errs.PlcConnectionFailed {
		e.monitor.UpdateDeviceStatus(deviceID, types.StatusError)
	}
	e.bus.Publish(event.Event{Type: event.TaskFailed, DeviceID: deviceID, TaskID: taskID, Error: &detail})
}

// emitFailedAndComplete is used for failures that occur before a poll
// was ever registered (e.g. an unknown command type).
func (e *Executor) emitFailedAndComplete(deviceID, taskID string, detail errs.ErrorDetail) {
	e.failed(deviceID, taskID, detail)
	e.completeAssignment(deviceID, taskID)
}

func (e *Executor) unregister(taskID string) {
	e.mu.Lock()
	delete(e.active, taskID)
	e.mu.Unlock()
}

// CancelTask cancels taskID's active poll, if any, by cancelling its
// context; the running Poll call observes ctx.Done() and returns
// without emitting (spec.md §4.G's "Cancellation requested" row). It
// reports whether a poll was found.
func (e *Executor) CancelTask(taskID string) bool {
	e.mu.Lock()
	poll, ok := e.active[taskID]
	e.mu.Unlock()
	if !ok || poll.cancel == nil {
		return false
	}
	poll.cancel()
	return true
}

// Dispose cancels every active poll.
func (e *Executor) Dispose() {
	e.mu.Lock()
	polls := e.active
	e.active = make(map[string]*activePoll)
	e.mu.Unlock()
	for _, p := range polls {
		if p.cancel != nil {
			p.cancel()
		}
	}
}
