// Package command implements the per-command-type state machines
// (component G) and the executor that owns their active polls
// (component H).
package command

import (
	"context"
	"fmt"
	"time"

	"shuttlegateway/internal/errs"
	"shuttlegateway/internal/plc"
	"shuttlegateway/internal/types"
)

// pollTickInterval is the polling cadence: one tick per second via a
// monotonic timer, per spec.md §4.G.
const pollTickInterval = time.Second

// settlementDelay is the empirically-chosen pause after a `*_complete`
// signal appears, before the task is reported Succeeded. The value is
// preserved verbatim from the source this behavior was distilled from;
// its origin is otherwise undocumented.
const settlementDelay = 6 * time.Second

// alarmResolutionTimeout bounds how long the alarm-resolution sub-loop
// will wait for cancel_command or completion after a RunningFailure.
const alarmResolutionTimeout = 30 * time.Minute

// Hooks are the outcome callbacks a Strategy's Poll invokes. Succeeded,
// Failed and Cancelled are terminal: the executor guarantees only the
// first of these three calls for one task takes effect (guarantee: at
// most one removal from the assignment map per task). AlarmFailed is
// non-terminal — it reports a RunningFailure mid-poll without ending
// the task; the alarm-resolution sub-loop that follows it calls
// Cancelled or Succeeded if the device resolves the alarm, and returns
// without calling any hook if it times out first.
type Hooks struct {
	AlarmFailed func(detail errs.ErrorDetail)
	Failed      func(detail errs.ErrorDetail)
	Succeeded   func()
	Cancelled   func()
}

// Strategy is the shared trigger/poll contract every command type
// implements.
type Strategy interface {
	// Trigger performs the initial PLC writes for task.
	Trigger(ctx context.Context, conn plc.Connector, sm types.SignalMap, task types.TransportTask) error
	// Poll runs the completion/alarm/cancel polling loop until a
	// terminal outcome or timeout, invoking at most one terminal hook
	// before returning; it returns without one when ctx is cancelled or
	// the alarm-resolution sub-loop times out. deviceID is the device the task was actually
	// assigned to — task.DeviceID is only ever a pin, and is empty for
	// unpinned tasks, so strategies that need the assigned device (the
	// barcode validator, keyed by device) must use deviceID instead.
	Poll(ctx context.Context, conn plc.Connector, sm types.SignalMap, task types.TransportTask, deviceID string, timeout time.Duration, hooks Hooks)
}

// Strategies is the set of per-type strategies the executor dispatches
// to, built once at wiring time. InboundStrategy alone needs the
// barcode validator and event bus; the others are stateless.
type Strategies struct {
	Inbound  InboundStrategy
	Outbound OutboundStrategy
	Transfer TransferStrategy
}

// For returns the strategy implementing ct.
func (s Strategies) For(ct types.CommandType) (Strategy, error) {
	switch ct {
	case types.Inbound:
		return s.Inbound, nil
	case types.Outbound:
		return s.Outbound, nil
	case types.Transfer:
		return s.Transfer, nil
	default:
		return nil, fmt.Errorf("command: unknown command type %q", ct)
	}
}

// tickReads is the per-tick signal snapshot the shared poll loop reads
// before dispatching on the semantic table in spec.md §4.G.
type tickReads struct {
	cancel   bool
	rejected bool
	alarm    bool
	complete bool
}

func readTick(ctx context.Context, conn plc.Connector, sm types.SignalMap, completeAddr string) (tickReads, error) {
	var r tickReads
	var err error
	if r.cancel, err = conn.ReadBool(ctx, sm.CancelCommand); err != nil {
		return r, err
	}
	if r.rejected, err = conn.ReadBool(ctx, sm.CommandRejected); err != nil {
		return r, err
	}
	if r.alarm, err = conn.ReadBool(ctx, sm.Alarm); err != nil {
		return r, err
	}
	if r.complete, err = conn.ReadBool(ctx, completeAddr); err != nil {
		return r, err
	}
	return r, nil
}

func readRunningFailure(ctx context.Context, conn plc.Connector, sm types.SignalMap, fallbackMessage string) errs.ErrorDetail {
	code, err := conn.ReadInt16(ctx, sm.ErrorCode)
	if err != nil {
		return errs.Wrap(errs.Unknown, fallbackMessage, err)
	}
	return errs.New(errs.Code(code), fallbackMessage)
}

// sleepOrDone waits for d or returns early (with ok=false) if ctx is
// cancelled first.
func sleepOrDone(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// runPollLoop implements the shared polling cadence and tick semantics
// table from spec.md §4.G for one command type, given the address of
// its type-specific `*_complete` signal. perTick, when non-nil, runs
// once per tick before the completion check — used by Inbound to
// thread in its barcode read.
func runPollLoop(ctx context.Context, conn plc.Connector, sm types.SignalMap, completeAddr string, timeout time.Duration, hooks Hooks, perTick func(context.Context)) {
	start := time.Now()
	ticker := time.NewTicker(pollTickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if time.Since(start) >= timeout {
			hooks.Failed(errs.New(errs.Timeout, fmt.Sprintf("Timeout waiting for completion after %d minutes", int(timeout.Minutes()))))
			return
		}

		if perTick != nil {
			perTick(ctx)
		}

		r, err := readTick(ctx, conn, sm, completeAddr)
		if err != nil {
			hooks.Failed(errs.Wrap(errs.PollingException, "failed reading device signals", err))
			return
		}

		switch {
		case r.cancel:
			hooks.Cancelled()
			return
		case (r.rejected || r.alarm) && !r.complete:
			detail := readRunningFailure(ctx, conn, sm, "device rejected the command or raised an alarm")
			hooks.AlarmFailed(detail)
			runAlarmResolutionSubLoop(ctx, conn, sm, completeAddr, hooks)
			return
		case r.complete && r.alarm:
			detail := readRunningFailure(ctx, conn, sm, "device completed with an active alarm")
			hooks.AlarmFailed(detail)
			runAlarmResolutionSubLoop(ctx, conn, sm, completeAddr, hooks)
			return
		case r.complete:
			if !sleepOrDone(ctx, settlementDelay) {
				return
			}
			hooks.Succeeded()
			return
		default:
			// neither complete nor alarm/cancel/rejected: keep polling.
		}
	}
}

// runAlarmResolutionSubLoop re-polls complete and cancel_command at the
// same 1s cadence for up to alarmResolutionTimeout, resolving the
// RunningFailure that preceded it into a terminal Cancelled or
// Succeeded outcome, or abandoning silently on its own timeout (the
// Failed outcome was already reported by the caller).
func runAlarmResolutionSubLoop(ctx context.Context, conn plc.Connector, sm types.SignalMap, completeAddr string, hooks Hooks) {
	start := time.Now()
	ticker := time.NewTicker(pollTickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if time.Since(start) >= alarmResolutionTimeout {
			return
		}
		cancel, err := conn.ReadBool(ctx, sm.CancelCommand)
		if err != nil {
			continue
		}
		if cancel {
			hooks.Cancelled()
			return
		}
		complete, err := conn.ReadBool(ctx, completeAddr)
		if err != nil {
			continue
		}
		if complete {
			if !sleepOrDone(ctx, settlementDelay) {
				return
			}
			hooks.Succeeded()
			return
		}
	}
}
