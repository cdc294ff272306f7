// Package gwsingleton wraps exactly one process-wide instance of the
// gateway façade behind a small {Uninitialized, Initialized, Disposed}
// state cell. cmd/gateway's main installs its façade here at startup
// and disposes it through the cell on shutdown; it never
// reaches into the façade's own concurrency — that is the core's job,
// not this wrapper's.
package gwsingleton

import (
	"fmt"
	"sync"
)

type state int

const (
	stateUninitialized state = iota
	stateInitialized
	stateDisposed
)

// Cell holds the process-wide instance of T.
type Cell[T any] struct {
	mu    sync.Mutex
	state state
	value T
}

// New returns an empty, Uninitialized cell.
func New[T any]() *Cell[T] {
	return &Cell[T]{}
}

// Init sets the cell's value exactly once. Calling it again before
// Dispose, or at all after Dispose, is an error — the gateway core is
// meant to be constructed once per process.
func (c *Cell[T]) Init(v T) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case stateInitialized:
		return fmt.Errorf("gwsingleton: already initialized")
	case stateDisposed:
		return fmt.Errorf("gwsingleton: cannot re-initialize after dispose")
	}
	c.value = v
	c.state = stateInitialized
	return nil
}

// Get returns the cell's value and whether it is currently Initialized.
func (c *Cell[T]) Get() (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value, c.state == stateInitialized
}

// Dispose transitions the cell to Disposed, running cleanup exactly
// once regardless of how many times Dispose is called.
func (c *Cell[T]) Dispose(cleanup func(T)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stateInitialized {
		c.state = stateDisposed
		return
	}
	if cleanup != nil {
		cleanup(c.value)
	}
	var zero T
	c.value = zero
	c.state = stateDisposed
}
