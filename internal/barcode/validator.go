// Package barcode implements the barcode validator (component I): it
// assembles the ten-character barcode word array a shuttle reports
// while inbound, hands it off to the warehouse software for
// acceptance/rejection, and resolves the wait when send_validation_result
// arrives.
package barcode

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"shuttlegateway/internal/errs"
	"shuttlegateway/internal/plc"
	"shuttlegateway/internal/types"
)

// defaultBarcode is what an un-scanned word array reads back as.
const defaultBarcode = "0000000000"

// requestRetryAttempts and requestRetryDelay bound how hard SendBarcode
// tries to acquire a slot on the bounded in-flight request channel
// before giving up.
const (
	requestRetryAttempts = 3
	requestRetryDelay    = 100 * time.Millisecond
)

// Config bounds the validator's behavior.
type Config struct {
	// ValidationTimeout is how long SendBarcode waits for
	// send_validation_result before failing the task.
	ValidationTimeout time.Duration
	// DeviceCount sizes the bounded in-flight request channel; it
	// must be at least 1.
	DeviceCount int
}

// DefaultConfig matches spec.md's stated two-minute validation window.
func DefaultConfig(deviceCount int) Config {
	if deviceCount < 1 {
		deviceCount = 1
	}
	return Config{ValidationTimeout: 2 * time.Minute, DeviceCount: deviceCount}
}

type pendingEntry struct {
	deviceID string
	barcode  string
	resultCh chan error
	once     sync.Once
}

// Validator is the barcode validator.
type Validator struct {
	cfg Config

	mu      sync.Mutex
	pending map[string]*pendingEntry

	slots chan struct{}
}

// New builds a Validator. deviceCount sizes the bounded in-flight
// request channel (capacity = device count, minimum 1).
func New(cfg Config) *Validator {
	n := cfg.DeviceCount
	if n < 1 {
		n = 1
	}
	return &Validator{cfg: cfg, pending: make(map[string]*pendingEntry), slots: make(chan struct{}, n)}
}

// ReadBarcode reads the ten barcode-character words for a device,
// assembles them into a string and reports ok=false if the read fails
// or the result is empty or the PLC's un-scanned default.
func (v *Validator) ReadBarcode(ctx context.Context, conn plc.Connector, sm types.SignalMap) (string, bool) {
	var b strings.Builder
	for _, addr := range sm.BarcodeChars {
		if addr == "" {
			continue
		}
		ch, err := conn.ReadString(ctx, addr)
		if err != nil {
			return "", false
		}
		b.WriteString(ch)
	}
	code := strings.TrimRight(b.String(), "\x00 ")
	if code == "" || code == defaultBarcode {
		return "", false
	}
	return code, true
}

// SendBarcode registers taskID's barcode as pending and blocks until
// send_validation_result resolves it or the validation timeout elapses.
// Acquiring a slot on the bounded in-flight request channel retries up
// to requestRetryAttempts times, requestRetryDelay apart, before
// failing with ValidationException.
func (v *Validator) SendBarcode(ctx context.Context, taskID, deviceID, code string) error {
	if err := v.acquireSlot(ctx); err != nil {
		return err
	}
	defer func() { <-v.slots }()

	entry := &pendingEntry{deviceID: deviceID, barcode: code, resultCh: make(chan error, 1)}
	v.mu.Lock()
	v.pending[taskID] = entry
	v.mu.Unlock()
	defer func() {
		v.mu.Lock()
		delete(v.pending, taskID)
		v.mu.Unlock()
	}()

	timeout := v.cfg.ValidationTimeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	select {
	case outcome := <-entry.resultCh:
		return outcome
	case <-time.After(timeout):
		return errs.New(errs.Timeout, fmt.Sprintf("barcode validation for task %s timed out after %d minutes", taskID, int(timeout.Minutes())))
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (v *Validator) acquireSlot(ctx context.Context) error {
	for attempt := 1; attempt <= requestRetryAttempts; attempt++ {
		select {
		case v.slots <- struct{}{}:
			return nil
		default:
		}
		if attempt == requestRetryAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(requestRetryDelay):
		}
	}
	return errs.New(errs.ValidationException, "too many barcode validations in flight")
}

// CompleteValidationTask resolves taskID's pending validation for
// deviceID, unblocking the SendBarcode call that registered it. It
// returns nil once resolved (whether the barcode was accepted or
// rejected — SendBarcode's own return conveys that outcome), or an
// error identifying why send_validation_result could not be applied:
// NotFoundTask if no scan for taskID is outstanding, MismatchedDevice
// if deviceID does not own it (the pending entry is failed with the
// same code, so the blocked SendBarcode call also observes it).
func (v *Validator) CompleteValidationTask(taskID, deviceID string, accepted bool) error {
	v.mu.Lock()
	entry, ok := v.pending[taskID]
	v.mu.Unlock()
	if !ok {
		return errs.New(errs.NotFoundTask, fmt.Sprintf("no pending barcode validation for task %s", taskID))
	}
	if entry.deviceID != deviceID {
		mismatch := errs.New(errs.MismatchedDevice, fmt.Sprintf(
			"validation result for task %s names device %q but the pending scan belongs to device %q", taskID, deviceID, entry.deviceID))
		entry.once.Do(func() { entry.resultCh <- mismatch })
		return mismatch
	}
	var outcome error
	if !accepted {
		outcome = errs.New(errs.ValidationException, fmt.Sprintf("barcode %q rejected for task %s", entry.barcode, taskID))
	}
	entry.once.Do(func() { entry.resultCh <- outcome })
	return nil
}

// WriteValidationResult performs the §4.I send_validation_result PLC
// writes: the barcode_valid/barcode_invalid boolean pair always, and —
// only when accepted — the routing signals a device needs to place the
// shuttle (target location, approach direction, gate). target may be
// nil; an unpinned inbound task lets the warehouse software route it
// without picking a target block.
func WriteValidationResult(ctx context.Context, conn plc.Connector, sm types.SignalMap, accepted bool, target *types.Location, dir types.DirBlock, gate uint16) error {
	if err := conn.WriteBool(ctx, sm.BarcodeValid, accepted); err != nil {
		return err
	}
	if err := conn.WriteBool(ctx, sm.BarcodeInvalid, !accepted); err != nil {
		return err
	}
	if !accepted {
		return nil
	}
	if target != nil {
		if err := conn.WriteInt16(ctx, sm.TargetFloor, target.Floor); err != nil {
			return err
		}
		if err := conn.WriteInt16(ctx, sm.TargetRail, target.Rail); err != nil {
			return err
		}
		if err := conn.WriteInt16(ctx, sm.TargetBlock, target.Block); err != nil {
			return err
		}
	}
	if err := conn.WriteBool(ctx, sm.InDirBlock, dir.Encode()); err != nil {
		return err
	}
	return conn.WriteInt16(ctx, sm.GateNumber, int16(gate))
}
