package logging

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextRoundTrip(t *testing.T) {
	ctx := context.Background()
	_, ok := WorkflowID(ctx)
	assert.False(t, ok)

	ctx = WithWorkflowID(ctx, 3)
	ctx = WithNodeID(ctx, 9)
	ctx = WithAttemptID(ctx, 27)

	wf, ok := WorkflowID(ctx)
	require.True(t, ok)
	assert.EqualValues(t, 3, wf)
	node, ok := NodeID(ctx)
	require.True(t, ok)
	assert.EqualValues(t, 9, node)
	attempt, ok := AttemptID(ctx)
	require.True(t, ok)
	assert.EqualValues(t, 27, attempt)
}

func TestLogWith(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewTextHandler(&buf, nil))

	ctx := WithNodeID(WithWorkflowID(context.Background(), 5), 11)
	LogWith(ctx, base).Info("hello")

	out := buf.String()
	assert.Contains(t, out, "wf=5")
	assert.Contains(t, out, "node=11")
	assert.NotContains(t, out, "attempt=")
}

func TestLogWith_NilLoggerUsesDefault(t *testing.T) {
	logger := LogWith(context.Background(), nil)
	require.NotNil(t, logger)
}
