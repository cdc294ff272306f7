package command

import (
	"context"
	"time"

	"shuttlegateway/internal/plc"
	"shuttlegateway/internal/types"
)

// OutboundStrategy moves a shuttle from a rack block to the dock.
type OutboundStrategy struct{}

func (s OutboundStrategy) Trigger(ctx context.Context, conn plc.Connector, sm types.SignalMap, task types.TransportTask) error {
	src := task.SourceLocation
	if err := conn.WriteInt16(ctx, sm.SourceFloor, src.Floor); err != nil {
		return err
	}
	if err := conn.WriteInt16(ctx, sm.SourceRail, src.Rail); err != nil {
		return err
	}
	if err := conn.WriteInt16(ctx, sm.SourceBlock, src.Block); err != nil {
		return err
	}
	if err := conn.WriteBool(ctx, sm.OutDirBlock, task.OutDirBlock.Encode()); err != nil {
		return err
	}
	if err := conn.WriteInt16(ctx, sm.GateNumber, int16(task.GateNumber)); err != nil {
		return err
	}
	if err := conn.WriteBool(ctx, sm.OutboundCommand, true); err != nil {
		return err
	}
	return conn.WriteBool(ctx, sm.StartProcessCommand, true)
}

func (s OutboundStrategy) Poll(ctx context.Context, conn plc.Connector, sm types.SignalMap, task types.TransportTask, deviceID string, timeout time.Duration, hooks Hooks) {
	runPollLoop(ctx, conn, sm, sm.OutboundComplete, timeout, hooks, nil)
}
