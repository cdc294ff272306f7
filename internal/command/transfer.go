package command

import (
	"context"
	"time"

	"shuttlegateway/internal/plc"
	"shuttlegateway/internal/types"
)

// TransferStrategy moves a shuttle between two rack blocks.
type TransferStrategy struct{}

func (s TransferStrategy) Trigger(ctx context.Context, conn plc.Connector, sm types.SignalMap, task types.TransportTask) error {
	src, dst := task.SourceLocation, task.TargetLocation
	writes := []struct {
		addr string
		v    int16
	}{
		{sm.SourceFloor, src.Floor}, {sm.SourceRail, src.Rail}, {sm.SourceBlock, src.Block},
		{sm.TargetFloor, dst.Floor}, {sm.TargetRail, dst.Rail}, {sm.TargetBlock, dst.Block},
	}
	for _, w := range writes {
		if err := conn.WriteInt16(ctx, w.addr, w.v); err != nil {
			return err
		}
	}
	if err := conn.WriteBool(ctx, sm.InDirBlock, task.InDirBlock.Encode()); err != nil {
		return err
	}
	if err := conn.WriteBool(ctx, sm.OutDirBlock, task.OutDirBlock.Encode()); err != nil {
		return err
	}
	if err := conn.WriteInt16(ctx, sm.GateNumber, int16(task.GateNumber)); err != nil {
		return err
	}
	if err := conn.WriteBool(ctx, sm.TransferCommand, true); err != nil {
		return err
	}
	return conn.WriteBool(ctx, sm.StartProcessCommand, true)
}

func (s TransferStrategy) Poll(ctx context.Context, conn plc.Connector, sm types.SignalMap, task types.TransportTask, deviceID string, timeout time.Duration, hooks Hooks) {
	runPollLoop(ctx, conn, sm, sm.TransferComplete, timeout, hooks, nil)
}
