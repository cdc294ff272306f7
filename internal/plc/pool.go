package plc

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Factory builds the Connector for one device, already dialed
// (EnsureConnected has been called and returned successfully) — or
// returns the dial error.
type Factory func(ctx context.Context, deviceID string) (Connector, error)

// Pool is the connection pool (component B): one Connector per
// device, created lazily and exactly once even under concurrent
// demand. Creation uses golang.org/x/sync/singleflight the way the
// pack's quality-gate engine collapses concurrent identical
// evaluations — concurrent Get calls for the same device id share one
// Factory invocation and its result.
type Pool struct {
	factory Factory

	mu    sync.Mutex
	conns map[string]Connector

	sf singleflight.Group
}

// NewPool builds a connection pool backed by factory.
func NewPool(factory Factory) *Pool {
	return &Pool{factory: factory, conns: make(map[string]Connector)}
}

// Get returns the pooled connector for deviceID, creating it via the
// factory on first use. Concurrent Gets for the same id block behind
// one factory call and all observe its result.
func (p *Pool) Get(ctx context.Context, deviceID string) (Connector, error) {
	p.mu.Lock()
	if c, ok := p.conns[deviceID]; ok {
		p.mu.Unlock()
		return c, nil
	}
	p.mu.Unlock()

	v, err, _ := p.sf.Do(deviceID, func() (interface{}, error) {
		// Re-check: another Do call for a *different* key cannot have
		// raced us here, but a previous Do for this exact key may have
		// just finished and populated conns while we queued.
		p.mu.Lock()
		if c, ok := p.conns[deviceID]; ok {
			p.mu.Unlock()
			return c, nil
		}
		p.mu.Unlock()

		c, err := p.factory(ctx, deviceID)
		if err != nil {
			// Creation failed: leave the slot empty so a later attempt
			// may retry, per spec.md §4.B.
			return nil, err
		}
		p.mu.Lock()
		p.conns[deviceID] = c
		p.mu.Unlock()
		return c, nil
	})
	if err != nil {
		return nil, fmt.Errorf("plc: connection pool could not create connector for %s: %w", deviceID, err)
	}
	return v.(Connector), nil
}

// Remove releases and evicts the pooled connector for deviceID, if
// one was ever created. It is safe to call on a device with no
// connector.
func (p *Pool) Remove(deviceID string) {
	p.mu.Lock()
	c, ok := p.conns[deviceID]
	delete(p.conns, deviceID)
	p.mu.Unlock()
	if ok {
		_ = c.Close()
	}
}

// Dispose releases every pooled connector.
func (p *Pool) Dispose() {
	p.mu.Lock()
	conns := p.conns
	p.conns = make(map[string]Connector)
	p.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}
