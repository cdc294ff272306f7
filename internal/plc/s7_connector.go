package plc

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/robinson/gos7"
)

// S7Connector talks to a real Siemens S7 PLC over TCP via
// github.com/robinson/gos7, the same client/handler pair the
// retrieved pack's own Siemens integration wraps. One S7Connector
// instance corresponds to one device: its mutex serializes reads and
// writes so no two goroutines ever share the underlying TCP handler at
// once.
type S7Connector struct {
	cfg Config

	address string
	rack    int
	slot    int

	mu        sync.Mutex
	handler   *gos7.TCPClientHandler
	client    gos7.Client
	connected bool
}

// NewS7Connector builds a connector for one device's production
// endpoint. It does not dial until EnsureConnected is called.
func NewS7Connector(address string, rack, slot int, cfg Config) *S7Connector {
	return &S7Connector{cfg: cfg, address: address, rack: rack, slot: slot}
}

func (c *S7Connector) EnsureConnected(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected {
		return nil
	}
	return connectWithRetry(ctx, c.cfg, func() error {
		handler := gos7.NewTCPClientHandler(c.address, c.rack, c.slot)
		handler.Timeout = c.cfg.ReadTimeout
		handler.IdleTimeout = c.cfg.ReadTimeout
		if err := handler.Connect(); err != nil {
			return err
		}
		c.handler = handler
		c.client = gos7.NewClient(handler)
		c.connected = true
		return nil
	})
}

func (c *S7Connector) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *S7Connector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return nil
	}
	c.connected = false
	if c.handler != nil {
		c.handler.Close()
	}
	return nil
}

func (c *S7Connector) readBytes(a Address, n int) ([]byte, error) {
	if !c.connected {
		return nil, ErrNotConnected
	}
	buf := make([]byte, n)
	if err := c.client.AGReadDB(a.DBNumber, a.Byte, n, buf); err != nil {
		return nil, fmt.Errorf("plc: read %s failed: %w", addrString(a), err)
	}
	return buf, nil
}

func (c *S7Connector) writeBytes(a Address, buf []byte) error {
	if !c.connected {
		return ErrNotConnected
	}
	if err := c.client.AGWriteDB(a.DBNumber, a.Byte, len(buf), buf); err != nil {
		return fmt.Errorf("plc: write %s failed: %w", addrString(a), err)
	}
	return nil
}

func addrString(a Address) string {
	switch a.Kind {
	case KindBit:
		return fmt.Sprintf("DB%d.DBX%d.%d", a.DBNumber, a.Byte, a.Bit)
	case KindWord:
		return fmt.Sprintf("DB%d.DBW%d", a.DBNumber, a.Byte)
	default:
		return fmt.Sprintf("DB%d.DBD%d", a.DBNumber, a.Byte)
	}
}

func (c *S7Connector) ReadBool(ctx context.Context, addr string) (bool, error) {
	a, err := ParseAddress(addr)
	if err != nil {
		return false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	buf, err := c.readBytes(a, 1)
	if err != nil {
		return false, err
	}
	return buf[0]&(1<<uint(a.Bit)) != 0, nil
}

func (c *S7Connector) WriteBool(ctx context.Context, addr string, v bool) error {
	a, err := ParseAddress(addr)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	buf, err := c.readBytes(a, 1)
	if err != nil {
		return err
	}
	if v {
		buf[0] |= 1 << uint(a.Bit)
	} else {
		buf[0] &^= 1 << uint(a.Bit)
	}
	return c.writeBytes(a, buf)
}

func (c *S7Connector) ReadInt16(ctx context.Context, addr string) (int16, error) {
	a, err := ParseAddress(addr)
	if err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	buf, err := c.readBytes(a, 2)
	if err != nil {
		return 0, err
	}
	return int16(binary.BigEndian.Uint16(buf)), nil
}

func (c *S7Connector) WriteInt16(ctx context.Context, addr string, v int16) error {
	a, err := ParseAddress(addr)
	if err != nil {
		return err
	}
	buf := make([]byte, 2)
	binary.BigEndian.PutUint16(buf, uint16(v))
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writeBytes(a, buf)
}

func (c *S7Connector) ReadInt32(ctx context.Context, addr string) (int32, error) {
	a, err := ParseAddress(addr)
	if err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	buf, err := c.readBytes(a, 4)
	if err != nil {
		return 0, err
	}
	return int32(binary.BigEndian.Uint32(buf)), nil
}

func (c *S7Connector) WriteInt32(ctx context.Context, addr string, v int32) error {
	a, err := ParseAddress(addr)
	if err != nil {
		return err
	}
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, uint32(v))
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writeBytes(a, buf)
}

// ReadString reads the word at addr and returns its low byte as a
// single-character string, per the "one character per word" wire
// convention (§4.A / §4.I).
func (c *S7Connector) ReadString(ctx context.Context, addr string) (string, error) {
	a, err := ParseAddress(addr)
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	buf, err := c.readBytes(a, 2)
	c.mu.Unlock()
	if err != nil {
		return "", err
	}
	if buf[1] == 0 {
		return "", nil
	}
	return string(rune(buf[1])), nil
}

func (c *S7Connector) WriteString(ctx context.Context, addr string, v string) error {
	if len(v) > 1 {
		return fmt.Errorf("plc: string address %q holds one character, got %q", addr, v)
	}
	a, err := ParseAddress(addr)
	if err != nil {
		return err
	}
	buf := make([]byte, 2)
	if v != "" {
		buf[1] = v[0]
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writeBytes(a, buf)
}
