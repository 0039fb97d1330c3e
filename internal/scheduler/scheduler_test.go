package scheduler

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/agentsim/internal/metrics"
	"github.com/rendis/agentsim/internal/provider"
	"github.com/rendis/agentsim/internal/worker"
	"github.com/rendis/agentsim/internal/workflow"
	"github.com/rendis/agentsim/pkg/schema"
)

type fixture struct {
	sched       *Scheduler
	providerCfg provider.Config
	manager     *provider.Manager
	latency     *metrics.LatencyEstimateStore
	cpuQueue    *worker.LocalQueue
	ioQueue     *worker.LocalQueue
	inputs      *Inputs
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	providerCfg := provider.DefaultConfig()
	manager, err := provider.NewManager(providerCfg)
	require.NoError(t, err)
	latency := metrics.NewLatencyEstimateStore()
	cpuQueue := worker.NewLocalQueue()
	ioQueue := worker.NewLocalQueue()

	f := &fixture{
		sched:       New(cfg, manager, latency, cpuQueue, ioQueue, nil),
		providerCfg: providerCfg,
		manager:     manager,
		latency:     latency,
		cpuQueue:    cpuQueue,
		ioQueue:     ioQueue,
	}
	f.inputs = &Inputs{
		Workflows:       make(map[schema.WorkflowID]*workflow.Workflow),
		WorkflowCost:    make(map[schema.WorkflowID]float64),
		WorkflowStartMs: make(map[schema.WorkflowID]float64),
		NextAttemptID:   &atomic.Uint64{},
		CancelledFlags:  make(map[uint64]*atomic.Bool),
		IsCriticalPath:  func(schema.WorkflowID, schema.NodeID) bool { return true },
	}
	return f
}

func (f *fixture) addWorkflow(t *testing.T, id schema.WorkflowID, params workflow.Params) *workflow.Workflow {
	t.Helper()
	wf, err := workflow.New(id, params, &f.providerCfg)
	require.NoError(t, err)
	f.inputs.Workflows[id] = wf
	f.inputs.WorkflowStartMs[id] = 0
	return wf
}

func TestDispatch_RoutesPlanToLLMTier(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EnableModelRouting = true
	cfg.Policy = schema.PolicyDAGCheapest
	f := newFixture(t, cfg)
	wf := f.addWorkflow(t, 1, workflow.Params{PDFs: 1, SubqueriesPerIter: 0, MaxIters: 1, Seed: 1})

	n := f.sched.Dispatch(f.inputs)
	assert.Equal(t, 1, n)

	plan, err := wf.Node(1)
	require.NoError(t, err)
	assert.Equal(t, schema.StateQueued, plan.State)

	// Cheapest-only policy: the attempt lands on llm tier 0.
	tier := f.manager.GetTier(provider.ProviderLLM, 0)
	attempt, ok := tier.TryDequeue()
	require.True(t, ok)
	assert.Equal(t, schema.NodeID(1), attempt.NodeID)
	assert.Equal(t, 0, attempt.TierID)
	assert.NotNil(t, attempt.Cancelled)
	assert.Contains(t, f.inputs.CancelledFlags, schema.AttemptKey(1, 1))
}

func TestDispatch_LocalNodesGoToLocalQueues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EnableModelRouting = true
	f := newFixture(t, cfg)
	wf := f.addWorkflow(t, 1, workflow.Params{PDFs: 1, SubqueriesPerIter: 0, MaxIters: 1, Seed: 1})
	_, err := wf.MarkSucceeded(1)
	require.NoError(t, err)

	// Runnable now: LoadPDF (io) and Aggregate (cpu).
	n := f.sched.Dispatch(f.inputs)
	assert.Equal(t, 2, n)

	ioTask, ok := f.ioQueue.TryPop()
	require.True(t, ok)
	assert.Equal(t, schema.NodeLoadPDF, ioTask.NodeType)
	assert.Equal(t, 50, ioTask.LatencyCtx.NumChunksEst)

	cpuTask, ok := f.cpuQueue.TryPop()
	require.True(t, ok)
	assert.Equal(t, schema.NodeAggregate, cpuTask.NodeType)
}

func TestDispatch_BudgetZeroBlocksProviderNodes(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EnableModelRouting = true
	cfg.BudgetPerWorkflow = 0
	f := newFixture(t, cfg)
	wf := f.addWorkflow(t, 1, workflow.Params{PDFs: 1, SubqueriesPerIter: 1, MaxIters: 1, Seed: 1})

	n := f.sched.Dispatch(f.inputs)
	assert.Equal(t, 0, n)

	plan, _ := wf.Node(1)
	assert.Equal(t, schema.StateRunnable, plan.State)
	assert.Empty(t, f.inputs.CancelledFlags)
	for _, tier := range f.manager.Tiers() {
		assert.Zero(t, tier.QueueLen())
	}
}

func TestDispatch_GlobalInFlightCap(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EnableModelRouting = true
	cfg.MaxInFlightGlobal = 3
	f := newFixture(t, cfg)
	for i := 1; i <= 6; i++ {
		f.addWorkflow(t, schema.WorkflowID(i), workflow.Params{PDFs: 1, SubqueriesPerIter: 0, MaxIters: 1, Seed: 1})
	}

	n := f.sched.Dispatch(f.inputs)
	assert.Equal(t, 3, n)

	// A second pass with the same cap dispatches nothing more.
	n = f.sched.Dispatch(f.inputs)
	assert.Equal(t, 0, n)
}

func TestDispatch_FIFOScoresByAge(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Policy = schema.PolicyFIFOCheapest
	cfg.EnableModelRouting = true
	cfg.MaxInFlightGlobal = 1
	f := newFixture(t, cfg)
	f.addWorkflow(t, 1, workflow.Params{PDFs: 1, SubqueriesPerIter: 0, MaxIters: 1, Seed: 1})
	f.addWorkflow(t, 2, workflow.Params{PDFs: 1, SubqueriesPerIter: 0, MaxIters: 1, Seed: 1})
	f.inputs.NowMs = 1000
	f.inputs.WorkflowStartMs[1] = 900 // age 100
	f.inputs.WorkflowStartMs[2] = 0   // age 1000: oldest wins

	n := f.sched.Dispatch(f.inputs)
	require.Equal(t, 1, n)
	oldPlan, _ := f.inputs.Workflows[2].Node(1)
	newPlan, _ := f.inputs.Workflows[1].Node(1)
	assert.Equal(t, schema.StateQueued, oldPlan.State)
	assert.Equal(t, schema.StateRunnable, newPlan.State)
}

func TestDispatch_EscalatesOnCriticalPath(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Policy = schema.PolicyDAGEscalation
	cfg.EnableModelRouting = true
	f := newFixture(t, cfg)
	f.addWorkflow(t, 1, workflow.Params{PDFs: 1, SubqueriesPerIter: 0, MaxIters: 1, Seed: 1})

	// Make tier 0 look congested: long queue waits, slow service. Tier 1
	// fast. delta_cost = 0.05 - 0.01 = 0.04; benefit must clear 0.5 ratio.
	for i := 0; i < 100; i++ {
		f.latency.RecordQueueWait(provider.ProviderLLM, 0, 5000)
		f.latency.RecordQueueWait(provider.ProviderLLM, 1, 10)
		f.latency.Record(schema.NodePlan, provider.ProviderLLM, 0, 2000)
		f.latency.Record(schema.NodePlan, provider.ProviderLLM, 1, 100)
	}

	n := f.sched.Dispatch(f.inputs)
	require.Equal(t, 1, n)
	tier1 := f.manager.GetTier(provider.ProviderLLM, 1)
	attempt, ok := tier1.TryDequeue()
	require.True(t, ok)
	assert.Equal(t, 1, attempt.TierID)
}

func TestDispatch_NoEscalationOffCriticalPath(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Policy = schema.PolicyDAGEscalation
	cfg.EnableModelRouting = true
	f := newFixture(t, cfg)
	f.inputs.IsCriticalPath = func(schema.WorkflowID, schema.NodeID) bool { return false }
	f.addWorkflow(t, 1, workflow.Params{PDFs: 1, SubqueriesPerIter: 0, MaxIters: 1, Seed: 1})

	for i := 0; i < 100; i++ {
		f.latency.RecordQueueWait(provider.ProviderLLM, 0, 5000)
		f.latency.Record(schema.NodePlan, provider.ProviderLLM, 0, 2000)
	}

	n := f.sched.Dispatch(f.inputs)
	require.Equal(t, 1, n)
	tier0 := f.manager.GetTier(provider.ProviderLLM, 0)
	_, ok := tier0.TryDequeue()
	assert.True(t, ok)
}

func TestDispatch_DisableEscalationStaysCheapest(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Policy = schema.PolicyFull
	cfg.DisableEscalation = true
	cfg.EnableModelRouting = true
	f := newFixture(t, cfg)
	f.addWorkflow(t, 1, workflow.Params{PDFs: 1, SubqueriesPerIter: 0, MaxIters: 1, Seed: 1})

	for i := 0; i < 100; i++ {
		f.latency.RecordQueueWait(provider.ProviderLLM, 0, 5000)
		f.latency.Record(schema.NodePlan, provider.ProviderLLM, 0, 2000)
	}

	require.Equal(t, 1, f.sched.Dispatch(f.inputs))
	tier0 := f.manager.GetTier(provider.ProviderLLM, 0)
	_, ok := tier0.TryDequeue()
	assert.True(t, ok)
}

func TestDispatch_SkipsSlotWithUnresolvedFlag(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EnableModelRouting = true
	f := newFixture(t, cfg)
	f.addWorkflow(t, 1, workflow.Params{PDFs: 1, SubqueriesPerIter: 0, MaxIters: 1, Seed: 1})

	f.inputs.CancelledFlags[schema.AttemptKey(1, 1)] = &atomic.Bool{}
	n := f.sched.Dispatch(f.inputs)
	assert.Equal(t, 0, n)
}

func TestDispatch_RoutingDisabledPicksFirstAcceptingTier(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EnableModelRouting = false
	f := newFixture(t, cfg)
	f.addWorkflow(t, 1, workflow.Params{PDFs: 1, SubqueriesPerIter: 0, MaxIters: 1, Seed: 1})

	require.Equal(t, 1, f.sched.Dispatch(f.inputs))
	tier0 := f.manager.GetTier(provider.ProviderLLM, 0)
	attempt, ok := tier0.TryDequeue()
	require.True(t, ok)
	assert.Equal(t, tier0.Config().DefaultTimeoutMs, attempt.TimeoutMs)
}

func TestDispatch_OnDispatchCallback(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EnableModelRouting = true
	f := newFixture(t, cfg)
	f.addWorkflow(t, 1, workflow.Params{PDFs: 1, SubqueriesPerIter: 0, MaxIters: 1, Seed: 1})

	var called []schema.NodeID
	f.inputs.NowMs = 123
	f.inputs.OnDispatch = func(wf schema.WorkflowID, node schema.NodeID, nowMs float64) {
		assert.Equal(t, 123.0, nowMs)
		called = append(called, node)
	}
	require.Equal(t, 1, f.sched.Dispatch(f.inputs))
	assert.Equal(t, []schema.NodeID{1}, called)
}

func TestDispatch_SkipsDoneWorkflows(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EnableModelRouting = true
	f := newFixture(t, cfg)
	wf := f.addWorkflow(t, 1, workflow.Params{PDFs: 1, SubqueriesPerIter: 0, MaxIters: 1, Seed: 1, StopRule: "true"})

	// Drive to done.
	for len(wf.RunnableNodes()) > 0 {
		_, err := wf.MarkSucceeded(wf.RunnableNodes()[0])
		require.NoError(t, err)
	}
	require.True(t, wf.Done())
	assert.Equal(t, 0, f.sched.Dispatch(f.inputs))
}
