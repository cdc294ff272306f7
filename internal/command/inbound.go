package command

import (
	"context"
	"sync/atomic"
	"time"

	"shuttlegateway/internal/barcode"
	"shuttlegateway/internal/errs"
	"shuttlegateway/internal/event"
	"shuttlegateway/internal/plc"
	"shuttlegateway/internal/types"
)

// InboundStrategy moves a shuttle from the dock into a rack block. It
// carries no source/target location (the device decides placement) but
// watches for a scanned barcode while it polls, handing it to the
// barcode validator the first time one appears.
type InboundStrategy struct {
	Validator *barcode.Validator
	Bus       *event.Bus
}

func (s InboundStrategy) Trigger(ctx context.Context, conn plc.Connector, sm types.SignalMap, task types.TransportTask) error {
	if err := conn.WriteBool(ctx, sm.InDirBlock, task.InDirBlock.Encode()); err != nil {
		return err
	}
	if err := conn.WriteInt16(ctx, sm.GateNumber, int16(task.GateNumber)); err != nil {
		return err
	}
	if err := conn.WriteBool(ctx, sm.InboundCommand, true); err != nil {
		return err
	}
	return conn.WriteBool(ctx, sm.StartProcessCommand, true)
}

func (s InboundStrategy) Poll(ctx context.Context, conn plc.Connector, sm types.SignalMap, task types.TransportTask, deviceID string, timeout time.Duration, hooks Hooks) {
	var sent atomic.Bool
	perTick := func(tickCtx context.Context) {
		if sent.Load() || s.Validator == nil {
			return
		}
		code, ok := s.Validator.ReadBarcode(tickCtx, conn, sm)
		if !ok {
			return
		}
		sent.Store(true)
		s.Bus.Publish(event.Event{Type: event.BarcodeReceived, DeviceID: deviceID, TaskID: task.TaskID, Barcode: code})
		go func() {
			if err := s.Validator.SendBarcode(context.Background(), task.TaskID, deviceID, code); err != nil {
				if detail, ok := err.(errs.ErrorDetail); ok {
					hooks.Failed(detail)
				} else {
					hooks.Failed(errs.Wrap(errs.ValidationException, "barcode validation failed", err))
				}
			}
		}()
	}
	runPollLoop(ctx, conn, sm, sm.InboundComplete, timeout, hooks, perTick)
}
