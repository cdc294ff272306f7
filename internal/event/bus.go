// Package event implements the gateway's publish/subscribe fan-out:
// BarcodeReceived, TaskSucceeded, TaskFailed, TaskCancelled and
// DeviceStatusChanged all travel through one Bus so that metrics, the
// stream hub and the dispatcher's own completion bookkeeping can each
// subscribe independently. Adapted from the teacher's in-memory bus:
// handlers run on their own goroutine so a slow subscriber never
// blocks the publisher or other subscribers.
package event

import (
	"sync"

	"shuttlegateway/internal/errs"
	"shuttlegateway/internal/types"
)

// Type identifies one of the five core event kinds.
type Type string

const (
	BarcodeReceived     Type = "BarcodeReceived"
	TaskSucceeded       Type = "TaskSucceeded"
	TaskFailed          Type = "TaskFailed"
	TaskCancelled       Type = "TaskCancelled"
	DeviceStatusChanged Type = "DeviceStatusChanged"
)

// Event is the payload published on the bus. Only the fields relevant
// to Type are populated; the rest are zero values.
type Event struct {
	Type Type

	DeviceID string
	TaskID   string

	Task *types.TransportTask

	// Barcode is set on BarcodeReceived.
	Barcode string

	// Error is set on TaskFailed.
	Error *errs.ErrorDetail

	// NewStatus/PrevStatus are set on DeviceStatusChanged.
	NewStatus  types.DeviceStatus
	PrevStatus types.DeviceStatus
}

// Handler receives a published Event.
type Handler func(Event)

// Bus is a simple in-memory, multi-subscriber event bus.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Type][]Handler
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{handlers: make(map[Type][]Handler)}
}

// Subscribe registers handler to run for every event of type t.
// Subscriptions accumulate; there is no Unsubscribe on the bus itself
// — publishers needing at-most-once delivery guard it themselves
// (CommandExecutor gates each task's terminal outcome with
// terminalOnce before publishing it).
func (b *Bus) Subscribe(t Type, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[t] = append(b.handlers[t], handler)
}

// Publish fans e out to every handler subscribed to e.Type, each on
// its own goroutine so one blocking handler cannot hold up the others
// or the publisher.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, h := range b.handlers[e.Type] {
		go h(e)
	}
}
