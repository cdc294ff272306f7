// Package util carries small cross-cutting helpers used throughout the
// gateway; today that is just trace-id propagation through context,
// adapted verbatim in spirit from the teacher's tracing helper.
package util

import (
	"context"
	"crypto/rand"
	"encoding/hex"
)

type contextKey string

const traceIDKey contextKey = "traceID"

// NewTraceID returns a random, practically-unique id for correlating
// one task's log lines across the dispatcher, executor and validator.
func NewTraceID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "failed-to-generate-trace-id"
	}
	return hex.EncodeToString(b)
}

// ContextWithTraceID attaches a trace id to ctx.
func ContextWithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// TraceIDFromContext retrieves the trace id attached by
// ContextWithTraceID, if any.
func TraceIDFromContext(ctx context.Context) (string, bool) {
	traceID, ok := ctx.Value(traceIDKey).(string)
	return traceID, ok
}
