package worker

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/agentsim/internal/metrics"
	"github.com/rendis/agentsim/internal/provider"
	"github.com/rendis/agentsim/internal/rng"
	"github.com/rendis/agentsim/pkg/schema"
)

func fastLatencyConfig() provider.LatencyConfig {
	byType := make(map[schema.NodeType]provider.LatencyParams)
	for t := schema.NodePlan; t <= schema.NodeDecideNext; t++ {
		byType[t] = provider.LatencyParams{Dist: provider.DistLinear, Param1: 5, Param2: 0, TailMultiplier: 1}
	}
	return provider.LatencyConfig{ByType: byType}
}

func popResult(t *testing.T, q *ResultQueue, timeout time.Duration) schema.AttemptResult {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if res, ok := q.TryPop(); ok {
			return res
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("no result before deadline")
	return schema.AttemptResult{}
}

func TestCancellableSleep_CompletesWhenNotCancelled(t *testing.T) {
	var flag atomic.Bool
	start := time.Now()
	cancelled := CancellableSleep(50*time.Millisecond, &flag, 20*time.Millisecond)
	assert.False(t, cancelled)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestCancellableSleep_ObservesCancellationMidSleep(t *testing.T) {
	var flag atomic.Bool
	go func() {
		time.Sleep(30 * time.Millisecond)
		flag.Store(true)
	}()
	start := time.Now()
	cancelled := CancellableSleep(5*time.Second, &flag, 20*time.Millisecond)
	assert.True(t, cancelled)
	assert.Less(t, time.Since(start), time.Second)
}

func TestCancellableSleep_NilFlag(t *testing.T) {
	assert.False(t, CancellableSleep(10*time.Millisecond, nil, 5*time.Millisecond))
}

func TestLocalQueue_PushPopAndShutdown(t *testing.T) {
	q := NewLocalQueue()
	q.Push(LocalTask{NodeID: 1})
	q.Push(LocalTask{NodeID: 2})

	task, ok := q.TryPop()
	require.True(t, ok)
	assert.Equal(t, schema.NodeID(1), task.NodeID)

	q.Shutdown()
	_, ok = q.TryPop()
	assert.False(t, ok)
	q.Push(LocalTask{NodeID: 3}) // dropped
	_, ok = q.TryPop()
	assert.False(t, ok)
}

func TestLocalQueue_TimedPopWakes(t *testing.T) {
	q := NewLocalQueue()
	go func() {
		time.Sleep(20 * time.Millisecond)
		q.Push(LocalTask{NodeID: 7})
	}()
	task, ok := q.TimedPop(time.Second)
	require.True(t, ok)
	assert.Equal(t, schema.NodeID(7), task.NodeID)
}

func TestTierWorker_Success(t *testing.T) {
	tier, err := provider.NewTier(provider.TierConfig{
		Provider: "llm_provider", TierID: 0,
		RatePerSec: 1000, Capacity: 1000, ConcurrencyCap: 2,
		PricePerCall: 0.01, PFail: 0, DefaultTimeoutMs: 30000,
	})
	require.NoError(t, err)

	r := rng.New(1)
	sampler := provider.NewSampler(fastLatencyConfig(), r)
	results := NewResultQueue()
	store := metrics.NewLatencyEstimateStore()
	var shutdown atomic.Bool
	cfg := Config{TimeScale: 1, RunStart: time.Now()}

	go RunTierWorker(tier, sampler, r, results, store, nil, cfg, &shutdown)
	defer shutdown.Store(true)

	var flag atomic.Bool
	tier.Enqueue(provider.QueuedAttempt{
		NodeID: 1, WorkflowID: 1, NodeType: schema.NodePlan,
		Provider: "llm_provider", TierID: 0, TokensNeeded: 1,
		TimeoutMs: 30000, Cancelled: &flag, AttemptID: 1,
	})

	res := popResult(t, results, 2*time.Second)
	assert.True(t, res.Success)
	assert.Empty(t, res.Error)
	assert.Equal(t, schema.NodeID(1), res.NodeID)
	assert.Equal(t, 0.01, res.Cost)
	assert.Equal(t, "llm_provider", res.Provider)
	assert.Greater(t, res.DurationMs, 0.0)

	// The worker released its concurrency slot and recorded the queue wait.
	assert.Equal(t, 0, tier.InFlight())
	assert.Less(t, store.P95QueueWait("llm_provider", 0), metrics.DefaultQueueWaitP95Ms)
}

func TestTierWorker_CancelledAttempt(t *testing.T) {
	tier, err := provider.NewTier(provider.TierConfig{
		Provider: "llm_provider", TierID: 0,
		RatePerSec: 1000, Capacity: 1000, ConcurrencyCap: 2,
		PricePerCall: 0.01, DefaultTimeoutMs: 30000,
	})
	require.NoError(t, err)

	r := rng.New(1)
	// Long service time so cancellation lands mid-sleep.
	slow := provider.LatencyConfig{ByType: map[schema.NodeType]provider.LatencyParams{
		schema.NodePlan: {Dist: provider.DistLinear, Param1: 5000, Param2: 0, TailMultiplier: 1},
	}}
	sampler := provider.NewSampler(slow, r)
	results := NewResultQueue()
	store := metrics.NewLatencyEstimateStore()
	var shutdown atomic.Bool
	cfg := Config{TimeScale: 1, RunStart: time.Now()}

	go RunTierWorker(tier, sampler, r, results, store, nil, cfg, &shutdown)
	defer shutdown.Store(true)

	var flag atomic.Bool
	tier.Enqueue(provider.QueuedAttempt{
		NodeID: 2, WorkflowID: 1, NodeType: schema.NodePlan,
		Provider: "llm_provider", TierID: 0, TokensNeeded: 1,
		TimeoutMs: 30000, Cancelled: &flag, AttemptID: 1,
	})
	time.Sleep(50 * time.Millisecond)
	flag.Store(true)

	res := popResult(t, results, 2*time.Second)
	assert.False(t, res.Success)
	assert.Equal(t, schema.ErrKindCancelled, res.Error)
}

func TestTierWorker_FailedAttempt(t *testing.T) {
	tier, err := provider.NewTier(provider.TierConfig{
		Provider: "llm_provider", TierID: 0,
		RatePerSec: 1000, Capacity: 1000, ConcurrencyCap: 2,
		PricePerCall: 0.01, PFail: 1.0, DefaultTimeoutMs: 30000,
	})
	require.NoError(t, err)

	r := rng.New(1)
	sampler := provider.NewSampler(fastLatencyConfig(), r)
	results := NewResultQueue()
	var shutdown atomic.Bool
	cfg := Config{TimeScale: 1, RunStart: time.Now()}

	go RunTierWorker(tier, sampler, r, results, metrics.NewLatencyEstimateStore(), nil, cfg, &shutdown)
	defer shutdown.Store(true)

	tier.Enqueue(provider.QueuedAttempt{
		NodeID: 3, WorkflowID: 1, NodeType: schema.NodePlan,
		Provider: "llm_provider", TierID: 0, TokensNeeded: 1, TimeoutMs: 30000,
	})
	res := popResult(t, results, 2*time.Second)
	assert.False(t, res.Success)
	assert.Equal(t, schema.ErrKindFailed, res.Error)
}

func TestTierWorker_HeavyTailInflation(t *testing.T) {
	tier, err := provider.NewTier(provider.TierConfig{
		Provider: "llm_provider", TierID: 0,
		RatePerSec: 1000, Capacity: 1000, ConcurrencyCap: 2,
		PricePerCall: 0.01, DefaultTimeoutMs: 3000000,
	})
	require.NoError(t, err)

	r := rng.New(1)
	sampler := provider.NewSampler(fastLatencyConfig(), r)
	results := NewResultQueue()
	var shutdown atomic.Bool
	// Every task inflated 20x: ~5ms base becomes >= 60 simulated ms. With
	// time_scale 1 the sleep is real, so the reported duration clears 50ms.
	cfg := Config{TimeScale: 1, HeavyTailProb: 1.0, HeavyTailMult: 20, RunStart: time.Now()}

	go RunTierWorker(tier, sampler, r, results, metrics.NewLatencyEstimateStore(), nil, cfg, &shutdown)
	defer shutdown.Store(true)

	tier.Enqueue(provider.QueuedAttempt{
		NodeID: 4, WorkflowID: 1, NodeType: schema.NodePlan,
		Provider: "llm_provider", TierID: 0, TokensNeeded: 1, TimeoutMs: 3000000,
	})
	res := popResult(t, results, 5*time.Second)
	assert.True(t, res.Success)
	assert.GreaterOrEqual(t, res.DurationMs, 50.0)
}

func TestLocalWorker_Success(t *testing.T) {
	queue := NewLocalQueue()
	results := NewResultQueue()
	r := rng.New(1)
	sampler := provider.NewSampler(fastLatencyConfig(), r)
	var shutdown atomic.Bool
	cfg := Config{TimeScale: 1, RunStart: time.Now()}

	go RunLocalWorker(queue, schema.ResourceCPU, sampler, r, results, nil, cfg, &shutdown)
	defer shutdown.Store(true)

	queue.Push(LocalTask{
		NodeID: 1, WorkflowID: 1, NodeType: schema.NodeChunk,
		Resource: schema.ResourceCPU,
		LatencyCtx: provider.LatencyContext{NodeType: schema.NodeChunk, PDFSizeEst: 10},
		TimeoutMs: 5000, AttemptID: 1,
	})

	res := popResult(t, results, 2*time.Second)
	assert.True(t, res.Success)
	assert.Equal(t, "local", res.Provider)
	assert.Equal(t, int(schema.ResourceCPU), res.TierID)
	assert.Zero(t, res.Cost)
	assert.GreaterOrEqual(t, res.DurationMs, 1.0)
}

func TestResultQueue_FIFO(t *testing.T) {
	q := NewResultQueue()
	for i := 1; i <= 3; i++ {
		q.Push(schema.AttemptResult{NodeID: schema.NodeID(i)})
	}
	for i := 1; i <= 3; i++ {
		res, ok := q.TryPop()
		require.True(t, ok)
		assert.Equal(t, schema.NodeID(i), res.NodeID)
	}
	_, ok := q.TryPop()
	assert.False(t, ok)
}
