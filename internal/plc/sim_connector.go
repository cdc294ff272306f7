package plc

import (
	"context"
	"fmt"
	"sync"
)

// SimConnector is an in-memory Connector used by mode:"test"
// deployments and by the test suite. It never dials anything; a
// PLC-shaped in-memory map plays the role of the device's data blocks
// so command strategies, the monitor and the barcode validator can be
// exercised without hardware.
type SimConnector struct {
	mu        sync.Mutex
	bools     map[string]bool
	words     map[string]int16
	dwords    map[string]int32
	connected bool
}

// NewSimConnector returns a connector that starts disconnected, the
// way a freshly-pooled real connector would.
func NewSimConnector() *SimConnector {
	return &SimConnector{
		bools:  make(map[string]bool),
		words:  make(map[string]int16),
		dwords: make(map[string]int32),
	}
}

func (s *SimConnector) EnsureConnected(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = true
	return nil
}

func (s *SimConnector) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *SimConnector) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
	return nil
}

func (s *SimConnector) requireConnected() error {
	if !s.connected {
		return ErrNotConnected
	}
	return nil
}

func (s *SimConnector) ReadBool(ctx context.Context, addr string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireConnected(); err != nil {
		return false, err
	}
	return s.bools[addr], nil
}

func (s *SimConnector) WriteBool(ctx context.Context, addr string, v bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireConnected(); err != nil {
		return err
	}
	s.bools[addr] = v
	return nil
}

func (s *SimConnector) ReadInt16(ctx context.Context, addr string) (int16, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireConnected(); err != nil {
		return 0, err
	}
	return s.words[addr], nil
}

func (s *SimConnector) WriteInt16(ctx context.Context, addr string, v int16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireConnected(); err != nil {
		return err
	}
	s.words[addr] = v
	return nil
}

func (s *SimConnector) ReadInt32(ctx context.Context, addr string) (int32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireConnected(); err != nil {
		return 0, err
	}
	return s.dwords[addr], nil
}

func (s *SimConnector) WriteInt32(ctx context.Context, addr string, v int32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireConnected(); err != nil {
		return err
	}
	s.dwords[addr] = v
	return nil
}

// ReadString reads the word at addr and interprets its low byte as a
// single ASCII character, per the "string, one character per word"
// wire convention. A zero word reads back as the empty string.
func (s *SimConnector) ReadString(ctx context.Context, addr string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireConnected(); err != nil {
		return "", err
	}
	w := s.words[addr]
	if w == 0 {
		return "", nil
	}
	return string(rune(byte(w))), nil
}

// WriteString accepts at most one character, encoding it into the low
// byte of the addressed word.
func (s *SimConnector) WriteString(ctx context.Context, addr string, v string) error {
	if len(v) > 1 {
		return fmt.Errorf("plc: string address %q holds one character, got %q", addr, v)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireConnected(); err != nil {
		return err
	}
	if v == "" {
		s.words[addr] = 0
		return nil
	}
	s.words[addr] = int16(v[0])
	return nil
}

// SetBool is a test helper that seeds a bool address directly, bypassing
// the Connector interface, so tests can stage a PLC condition (e.g.
// raise "alarm") without going through a strategy's own writes.
func (s *SimConnector) SetBool(addr string, v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bools[addr] = v
}

// SetInt16 is the int16 counterpart of SetBool.
func (s *SimConnector) SetInt16(addr string, v int16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.words[addr] = v
}

// GetBool is a test helper mirroring SetBool.
func (s *SimConnector) GetBool(addr string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bools[addr]
}

// GetInt16 is a test helper mirroring SetInt16.
func (s *SimConnector) GetInt16(addr string) int16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.words[addr]
}
