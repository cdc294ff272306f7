package plc

import (
	"context"
	"testing"
)

func TestSimConnectorRequiresConnection(t *testing.T) {
	c := NewSimConnector()
	if c.IsConnected() {
		t.Fatal("a fresh SimConnector must start disconnected")
	}
	if _, err := c.ReadBool(context.Background(), "DB66.DBX0.0"); err != ErrNotConnected {
		t.Fatalf("ReadBool before EnsureConnected: err = %v, want ErrNotConnected", err)
	}
}

func TestSimConnectorReadWriteRoundTrip(t *testing.T) {
	ctx := context.Background()
	c := NewSimConnector()
	if err := c.EnsureConnected(ctx); err != nil {
		t.Fatalf("EnsureConnected: %v", err)
	}

	if err := c.WriteBool(ctx, "DB66.DBX0.0", true); err != nil {
		t.Fatalf("WriteBool: %v", err)
	}
	got, err := c.ReadBool(ctx, "DB66.DBX0.0")
	if err != nil || !got {
		t.Fatalf("ReadBool = %v, %v; want true, nil", got, err)
	}

	if err := c.WriteInt16(ctx, "DB66.DBW2", 42); err != nil {
		t.Fatalf("WriteInt16: %v", err)
	}
	if v, err := c.ReadInt16(ctx, "DB66.DBW2"); err != nil || v != 42 {
		t.Fatalf("ReadInt16 = %v, %v; want 42, nil", v, err)
	}

	if err := c.WriteInt32(ctx, "DB66.DBD4", 100000); err != nil {
		t.Fatalf("WriteInt32: %v", err)
	}
	if v, err := c.ReadInt32(ctx, "DB66.DBD4"); err != nil || v != 100000 {
		t.Fatalf("ReadInt32 = %v, %v; want 100000, nil", v, err)
	}
}

func TestSimConnectorStringEncodesLowByte(t *testing.T) {
	ctx := context.Background()
	c := NewSimConnector()
	_ = c.EnsureConnected(ctx)

	if err := c.WriteString(ctx, "DB66.DBW10", "A"); err != nil {
		t.Fatalf("WriteString: %v", err)
	}
	got, err := c.ReadString(ctx, "DB66.DBW10")
	if err != nil || got != "A" {
		t.Fatalf("ReadString = %q, %v; want \"A\", nil", got, err)
	}

	if err := c.WriteString(ctx, "DB66.DBW10", "AB"); err == nil {
		t.Fatal("WriteString must reject more than one character")
	}

	if err := c.WriteString(ctx, "DB66.DBW12", ""); err != nil {
		t.Fatalf("WriteString empty: %v", err)
	}
	if got, _ := c.ReadString(ctx, "DB66.DBW12"); got != "" {
		t.Fatalf("ReadString of a zero word = %q, want empty", got)
	}
}

func TestSimConnectorTestHelpers(t *testing.T) {
	c := NewSimConnector()
	c.SetBool("DB66.DBX0.0", true)
	c.SetInt16("DB66.DBW2", 7)
	if !c.GetBool("DB66.DBX0.0") {
		t.Fatal("SetBool/GetBool must round-trip without EnsureConnected")
	}
	if c.GetInt16("DB66.DBW2") != 7 {
		t.Fatal("SetInt16/GetInt16 must round-trip without EnsureConnected")
	}
}
