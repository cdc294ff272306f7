// Package dispatcher implements the priority task queue's consumer,
// the task dispatcher (component F): it pulls the highest-priority
// ready task, hands it to an eligible idle device via the assignment
// strategy, and tracks which device is currently working which task.
package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"shuttlegateway/internal/assign"
	"shuttlegateway/internal/errs"
	"shuttlegateway/internal/monitor"
	"shuttlegateway/internal/plc"
	"shuttlegateway/internal/queue"
	"shuttlegateway/internal/types"
)

// Config bounds one dispatch cycle.
type Config struct {
	MaxTasksPerCycle   int
	MaxQueueSize       int
	AutoPauseWhenEmpty bool
	AssignmentYield    time.Duration
}

// DefaultConfig matches spec.md's stated defaults.
func DefaultConfig() Config {
	return Config{MaxTasksPerCycle: 10, MaxQueueSize: 50, AutoPauseWhenEmpty: true, AssignmentYield: time.Second}
}

// Assignment is handed to the wired AssignmentHandler (the command
// executor, at construction time) once a task has been committed to a
// device.
type Assignment struct {
	DeviceID  string
	Task      types.TransportTask
	SignalMap types.SignalMap
}

// AssignmentHandler consumes a committed Assignment. Set via
// SetAssignmentHandler after both the dispatcher and its consumer
// exist, resolving the cyclic reference between them without either
// package importing the other.
type AssignmentHandler func(Assignment)

// Dispatcher is the task dispatcher.
type Dispatcher struct {
	cfg      Config
	q        *queue.Queue
	strategy *assign.Strategy
	mon      *monitor.Monitor
	pool     *plc.Pool
	profiles map[string]types.DeviceProfile

	sm           *stateMachine
	manualPause  atomic.Bool
	processing   atomic.Bool
	onAssignedMu sync.RWMutex
	onAssigned   AssignmentHandler

	mu         sync.Mutex
	assignment map[string]string // deviceID -> taskID
}

// New builds a Dispatcher. It starts Paused when AutoPauseWhenEmpty is
// set, matching the state a running dispatcher would fall back into
// the moment its (empty) queue ran dry; the first EnqueueTasks call
// auto-resumes it since this starting pause is never manual. Otherwise
// it starts Running.
func New(cfg Config, profiles []types.DeviceProfile, pool *plc.Pool, strategy *assign.Strategy, mon *monitor.Monitor) *Dispatcher {
	profileIndex := make(map[string]types.DeviceProfile, len(profiles))
	for _, p := range profiles {
		profileIndex[p.ID] = p
	}
	initial := stateRunning
	if cfg.AutoPauseWhenEmpty {
		initial = statePaused
	}
	return &Dispatcher{
		cfg:        cfg,
		q:          queue.New(),
		strategy:   strategy,
		mon:        mon,
		pool:       pool,
		profiles:   profileIndex,
		sm:         newStateMachine(initial),
		assignment: make(map[string]string),
	}
}

// SetAssignmentHandler wires the consumer of committed assignments.
func (d *Dispatcher) SetAssignmentHandler(h AssignmentHandler) {
	d.onAssignedMu.Lock()
	defer d.onAssignedMu.Unlock()
	d.onAssigned = h
}

func (d *Dispatcher) notifyAssigned(a Assignment) {
	d.onAssignedMu.RLock()
	h := d.onAssigned
	d.onAssignedMu.RUnlock()
	if h != nil {
		h(a)
	}
}

// EnqueueTasks validates and enqueues every task, rejecting the whole
// batch with TaskQueueFull if it would push the queue over
// MaxQueueSize. A dispatcher that was auto-paused on emptiness resumes
// automatically; one paused manually (or after a critical failure)
// does not.
func (d *Dispatcher) EnqueueTasks(ctx context.Context, tasks []types.TransportTask) error {
	if d.q.Count()+len(tasks) > d.cfg.MaxQueueSize {
		return errs.New(errs.TaskQueueFull, fmt.Sprintf("enqueueing %d tasks would exceed max_queue_size=%d", len(tasks), d.cfg.MaxQueueSize))
	}
	for _, t := range tasks {
		if err := t.Validate(); err != nil {
			return err
		}
	}
	var enqueued []string
	for _, t := range tasks {
		if err := d.q.Enqueue(t, t.Priority()); err != nil {
			for _, id := range enqueued {
				d.q.TryRemove(id)
			}
			return err
		}
		enqueued = append(enqueued, t.TaskID)
	}
	d.maybeAutoResume()
	if d.sm.get() == stateRunning {
		d.ProcessQueueIfNeeded(ctx)
	}
	return nil
}

// ProcessQueueIfNeeded kicks off one dispatch cycle unless one is
// already running, in which case it is a no-op: the atomic flag
// single-flights cycles so concurrent triggers (a new enqueue racing a
// device going idle) never run two cycles at once.
func (d *Dispatcher) ProcessQueueIfNeeded(ctx context.Context) {
	if !d.processing.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer d.processing.Store(false)
		d.runCycle(ctx)
	}()
}

// NotifyDeviceIdle is called by the gateway wiring when
// DeviceStatusChanged reports a device went Idle: a newly-idle device
// may let a previously-stuck queue head proceed.
func (d *Dispatcher) NotifyDeviceIdle(ctx context.Context) {
	d.maybeAutoResume()
	if d.sm.get() == stateRunning {
		d.ProcessQueueIfNeeded(ctx)
	}
}

func (d *Dispatcher) runCycle(ctx context.Context) {
	for i := 0; i < d.cfg.MaxTasksPerCycle; i++ {
		if d.sm.get() != stateRunning {
			return
		}
		head, ok := d.q.TryPeek()
		if !ok {
			d.maybeAutoPauseWhenEmpty()
			return
		}

		idle := d.mon.GetIdleDevices(ctx)
		profile, ok := d.strategy.Pick(head.Task, idle, d.profiles, d.isAssigning)
		if !ok {
			// No eligible idle device right now; nothing else in this
			// cycle will fare better against the same snapshot.
			return
		}

		if !d.bestEffortDeviceReady(ctx, profile) {
			d.requeue(head.Task, head.Priority)
			continue
		}

		// The head may have changed while we were picking a device and
		// re-checking readiness (another cycle or a removal raced us).
		cur, ok := d.q.TryPeek()
		if !ok || cur.Task.TaskID != head.Task.TaskID {
			continue
		}

		d.mu.Lock()
		if _, taken := d.assignment[profile.ID]; taken {
			d.mu.Unlock()
			continue
		}
		committed, ok := d.q.TryDequeueID(head.Task.TaskID)
		if !ok {
			d.mu.Unlock()
			continue
		}
		d.assignment[profile.ID] = committed.Task.TaskID
		d.mu.Unlock()

		d.notifyAssigned(Assignment{DeviceID: profile.ID, Task: committed.Task, SignalMap: profile.SignalMap})

		if !sleepOrDone(ctx, d.cfg.AssignmentYield) {
			return
		}
	}
}

func (d *Dispatcher) isAssigning(deviceID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.assignment[deviceID]
	return ok
}

func (d *Dispatcher) requeue(task types.TransportTask, priority types.TaskPriority) {
	if d.q.TryRemove(task.TaskID) {
		_ = d.q.Enqueue(task, priority)
	}
}

// bestEffortDeviceReady re-reads device_ready right before committing
// an assignment. A read failure is not held against the device: the
// assignment proceeds and any real problem surfaces through the
// command executor's trigger instead.
func (d *Dispatcher) bestEffortDeviceReady(ctx context.Context, profile types.DeviceProfile) bool {
	conn, err := d.pool.Get(ctx, profile.ID)
	if err != nil {
		return true
	}
	ready, err := conn.ReadBool(ctx, profile.SignalMap.DeviceReady)
	if err != nil {
		return true
	}
	return ready
}

// CompleteTaskAssignment releases deviceID's assignment iff it still
// matches taskID, then resumes or auto-pauses the dispatcher as
// appropriate. Called by the command executor exactly once per task,
// on its terminal outcome.
func (d *Dispatcher) CompleteTaskAssignment(ctx context.Context, deviceID, taskID string) {
	d.mu.Lock()
	if cur, ok := d.assignment[deviceID]; ok && cur == taskID {
		delete(d.assignment, deviceID)
	}
	empty := d.q.IsEmpty()
	d.mu.Unlock()

	if empty {
		d.maybeAutoPauseWhenEmpty()
		return
	}
	d.maybeAutoResume()
	if d.sm.get() == stateRunning {
		d.ProcessQueueIfNeeded(ctx)
	}
}

func (d *Dispatcher) maybeAutoResume() {
	if d.sm.get() == statePaused && !d.manualPause.Load() {
		d.sm.fire(evResume)
	}
}

func (d *Dispatcher) maybeAutoPauseWhenEmpty() {
	if d.cfg.AutoPauseWhenEmpty && d.sm.get() == stateRunning && d.q.IsEmpty() {
		d.sm.fire(evPause)
	}
}

// Pause stops further assignment. Only an explicit Resume call — never
// a new enqueue or a device going idle — brings the dispatcher back,
// which is exactly the manual-resume policy a critical PLC failure
// relies on: the gateway wiring calls Pause from the same place it
// calls it in response to an operator request.
func (d *Dispatcher) Pause() {
	if d.sm.get() == stateDisposed {
		return
	}
	d.manualPause.Store(true)
	d.sm.fire(evPause)
}

// Resume clears a manual (or failure-triggered) pause and restarts
// assignment if the queue is non-empty.
func (d *Dispatcher) Resume(ctx context.Context) {
	if d.sm.get() == stateDisposed {
		return
	}
	d.manualPause.Store(false)
	d.sm.fire(evResume)
	d.ProcessQueueIfNeeded(ctx)
}

// IsPauseQueue reports whether the dispatcher is currently Paused.
func (d *Dispatcher) IsPauseQueue() bool {
	return d.sm.get() == statePaused
}

// Dispose permanently stops the dispatcher; further Pause/Resume calls
// are idempotent no-ops per the state machine's transition table.
func (d *Dispatcher) Dispose() {
	d.sm.fire(evDispose)
}

// GetCurrentTask returns the task id currently assigned to deviceID,
// if any.
func (d *Dispatcher) GetCurrentTask(deviceID string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	taskID, ok := d.assignment[deviceID]
	return taskID, ok
}

// GetQueuedTasks returns every task still waiting in the queue.
func (d *Dispatcher) GetQueuedTasks() []types.TransportTask {
	return d.q.Snapshot()
}

// QueueLen returns the number of tasks currently waiting in the queue,
// for the metrics package's gateway_queue_depth gauge.
func (d *Dispatcher) QueueLen() int {
	return d.q.Count()
}

// RemoveTask removes taskID from the queue. Removing an in-flight
// (already-assigned) task is not permitted; it reports false in that
// case as well as when taskID is not queued at all.
func (d *Dispatcher) RemoveTask(taskID string) bool {
	if d.isTaskAssigned(taskID) {
		return false
	}
	return d.q.TryRemove(taskID)
}

// RemoveTasks removes every id in ids that is queued (not in-flight),
// returning the subset actually removed.
func (d *Dispatcher) RemoveTasks(ids []string) []string {
	var removed []string
	for _, id := range ids {
		if d.RemoveTask(id) {
			removed = append(removed, id)
		}
	}
	return removed
}

func (d *Dispatcher) isTaskAssigned(taskID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, t := range d.assignment {
		if t == taskID {
			return true
		}
	}
	return false
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
