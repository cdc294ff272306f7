package plc

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
)

func TestPoolCreatesConnectorOnce(t *testing.T) {
	var calls int32
	pool := NewPool(func(ctx context.Context, deviceID string) (Connector, error) {
		atomic.AddInt32(&calls, 1)
		c := NewSimConnector()
		_ = c.EnsureConnected(ctx)
		return c, nil
	})

	var wg sync.WaitGroup
	conns := make([]Connector, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := pool.Get(context.Background(), "dev-1")
			if err != nil {
				t.Errorf("Get: %v", err)
				return
			}
			conns[i] = c
		}(i)
	}
	wg.Wait()

	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("factory called %d times, want exactly 1", got)
	}
	for i := 1; i < len(conns); i++ {
		if conns[i] != conns[0] {
			t.Fatalf("concurrent Get calls must return the same connector instance")
		}
	}
}

func TestPoolRetriesAfterFactoryFailure(t *testing.T) {
	var calls int32
	pool := NewPool(func(ctx context.Context, deviceID string) (Connector, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			return nil, errors.New("dial failed")
		}
		c := NewSimConnector()
		_ = c.EnsureConnected(ctx)
		return c, nil
	})

	if _, err := pool.Get(context.Background(), "dev-1"); err == nil {
		t.Fatal("first Get must surface the factory's error")
	}
	c, err := pool.Get(context.Background(), "dev-1")
	if err != nil {
		t.Fatalf("second Get should succeed: %v", err)
	}
	if !c.IsConnected() {
		t.Fatal("pooled connector must be connected")
	}
}

func TestPoolRemoveAndDispose(t *testing.T) {
	var closed int32
	pool := NewPool(func(ctx context.Context, deviceID string) (Connector, error) {
		return &closeCountingConnector{SimConnector: NewSimConnector(), closed: &closed}, nil
	})
	_, _ = pool.Get(context.Background(), "dev-1")
	_, _ = pool.Get(context.Background(), "dev-2")

	pool.Remove("dev-1")
	if atomic.LoadInt32(&closed) != 1 {
		t.Fatalf("Remove must close the evicted connector")
	}

	pool.Dispose()
	if atomic.LoadInt32(&closed) != 2 {
		t.Fatalf("Dispose must close every remaining connector")
	}
}

type closeCountingConnector struct {
	*SimConnector
	closed *int32
}

func (c *closeCountingConnector) Close() error {
	atomic.AddInt32(c.closed, 1)
	return nil
}
