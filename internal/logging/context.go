// Package logging carries correlation IDs for log enrichment through
// context values.
package logging

import (
	"context"
	"log/slog"

	"github.com/rendis/agentsim/pkg/schema"
)

type ctxKey int

const (
	workflowIDKey ctxKey = iota
	nodeIDKey
	attemptIDKey
)

// WithWorkflowID returns a context with the workflow ID set.
func WithWorkflowID(ctx context.Context, id schema.WorkflowID) context.Context {
	return context.WithValue(ctx, workflowIDKey, id)
}

// WithNodeID returns a context with the node ID set.
func WithNodeID(ctx context.Context, id schema.NodeID) context.Context {
	return context.WithValue(ctx, nodeIDKey, id)
}

// WithAttemptID returns a context with the attempt ID set.
func WithAttemptID(ctx context.Context, id schema.AttemptID) context.Context {
	return context.WithValue(ctx, attemptIDKey, id)
}

// WorkflowID extracts the workflow ID from the context.
func WorkflowID(ctx context.Context) (schema.WorkflowID, bool) {
	v, ok := ctx.Value(workflowIDKey).(schema.WorkflowID)
	return v, ok
}

// NodeID extracts the node ID from the context.
func NodeID(ctx context.Context) (schema.NodeID, bool) {
	v, ok := ctx.Value(nodeIDKey).(schema.NodeID)
	return v, ok
}

// AttemptID extracts the attempt ID from the context.
func AttemptID(ctx context.Context) (schema.AttemptID, bool) {
	v, ok := ctx.Value(attemptIDKey).(schema.AttemptID)
	return v, ok
}

// LogWith returns a logger enriched with whatever correlation IDs the
// context carries.
func LogWith(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	if wf, ok := WorkflowID(ctx); ok {
		logger = logger.With("wf", uint64(wf))
	}
	if node, ok := NodeID(ctx); ok {
		logger = logger.With("node", uint64(node))
	}
	if attempt, ok := AttemptID(ctx); ok {
		logger = logger.With("attempt", uint64(attempt))
	}
	return logger
}
