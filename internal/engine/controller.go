// Package engine hosts the controller: it owns the workflows, the provider
// tiers, the worker pools, and the scheduler and straggler-monitor loops,
// and it is the single writer of workflow state.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/agentsim/internal/diagram"
	"github.com/rendis/agentsim/internal/logging"
	"github.com/rendis/agentsim/internal/metrics"
	"github.com/rendis/agentsim/internal/provider"
	"github.com/rendis/agentsim/internal/rng"
	"github.com/rendis/agentsim/internal/scheduler"
	"github.com/rendis/agentsim/internal/store"
	"github.com/rendis/agentsim/internal/trace"
	"github.com/rendis/agentsim/internal/worker"
	"github.com/rendis/agentsim/internal/workflow"
	"github.com/rendis/agentsim/pkg/schema"
)

const (
	monitorInterval = 100 * time.Millisecond
	drainInterval   = 10 * time.Millisecond
	stallCheckEvery = 200 // drain waves between stall checks
	localCPUWorkers = 4
	localIOWorkers  = 2
)

// Controller owns all run state and drives the simulation to completion.
type Controller struct {
	cfg    Config
	logger *slog.Logger
	runID  string

	providerCfg provider.Config
	providers   *provider.Manager
	latency     *metrics.LatencyEstimateStore
	results     *worker.ResultQueue
	cpuQueue    *worker.LocalQueue
	ioQueue     *worker.LocalQueue

	rng     *rng.Rng
	sampler *provider.Sampler
	sched   *scheduler.Scheduler

	trace    *trace.Writer
	traceLog *store.TraceLog

	// mu is the workflows mutex: it serializes all DAG mutation and the
	// cost/start/flag/attempt-start maps across the scheduler loop, the
	// monitor loop, and result processing.
	mu              sync.Mutex
	workflows       map[schema.WorkflowID]*workflow.Workflow
	workflowStartMs map[schema.WorkflowID]float64
	workflowCost    map[schema.WorkflowID]float64
	cancelledFlags  map[uint64]*atomic.Bool
	attemptStart    map[uint64]time.Time
	cancellations   map[schema.WorkflowID]int
	hedgesLaunched  map[schema.WorkflowID]int
	wastedMs        map[schema.WorkflowID]float64
	stalledReported map[schema.WorkflowID]bool
	workflowMetrics []metrics.WorkflowMetrics

	nextAttemptID atomic.Uint64
	shutdown      atomic.Bool
	workflowsDone atomic.Int32

	statsMu         sync.Mutex
	tierUtilSum     []float64
	tierInFlightSum []float64
	tierSamples     int

	runStart time.Time
	summary  metrics.Summary
}

// New builds a controller and its workflows. Workers and loops start in Run.
func New(cfg Config) (*Controller, error) {
	if err := cfg.Normalize(); err != nil {
		return nil, err
	}
	providerCfg := provider.DefaultConfig()
	if cfg.Providers != nil {
		providerCfg = *cfg.Providers
	}
	manager, err := provider.NewManager(providerCfg)
	if err != nil {
		return nil, err
	}

	c := &Controller{
		cfg:             cfg,
		logger:          cfg.Logger,
		runID:           uuid.NewString(),
		providerCfg:     providerCfg,
		providers:       manager,
		latency:         metrics.NewLatencyEstimateStore(),
		results:         worker.NewResultQueue(),
		cpuQueue:        worker.NewLocalQueue(),
		ioQueue:         worker.NewLocalQueue(),
		rng:             rng.New(cfg.Seed),
		workflows:       make(map[schema.WorkflowID]*workflow.Workflow, cfg.Workflows),
		workflowStartMs: make(map[schema.WorkflowID]float64, cfg.Workflows),
		workflowCost:    make(map[schema.WorkflowID]float64, cfg.Workflows),
		cancelledFlags:  make(map[uint64]*atomic.Bool),
		attemptStart:    make(map[uint64]time.Time),
		cancellations:   make(map[schema.WorkflowID]int),
		hedgesLaunched:  make(map[schema.WorkflowID]int),
		wastedMs:        make(map[schema.WorkflowID]float64),
		stalledReported: make(map[schema.WorkflowID]bool),
		tierUtilSum:     make([]float64, len(manager.Tiers())),
		tierInFlightSum: make([]float64, len(manager.Tiers())),
	}
	c.sampler = provider.NewSampler(providerCfg.Latency, c.rng)

	for i := 0; i < cfg.Workflows; i++ {
		id := schema.WorkflowID(i + 1)
		wf, err := workflow.New(id, workflow.Params{
			PDFs:              cfg.PDFs,
			SubqueriesPerIter: cfg.Subqueries,
			MaxIters:          cfg.Iters,
			Seed:              cfg.Seed,
			StopRule:          cfg.StopRule,
		}, &c.providerCfg)
		if err != nil {
			return nil, err
		}
		c.workflows[id] = wf
		c.workflowStartMs[id] = -1
		c.workflowCost[id] = 0
	}
	return c, nil
}

// RunID returns the unique id stamped on this run.
func (c *Controller) RunID() string { return c.runID }

// Summary returns the aggregate metrics computed by Run.
func (c *Controller) Summary() metrics.Summary { return c.summary }

// WorkflowMetrics returns the per-workflow metrics collected by Run.
func (c *Controller) WorkflowMetrics() []metrics.WorkflowMetrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]metrics.WorkflowMetrics, len(c.workflowMetrics))
	copy(out, c.workflowMetrics)
	return out
}

// nowMs returns simulated milliseconds since run start.
func (c *Controller) nowMs() float64 {
	return float64(time.Since(c.runStart).Milliseconds()) * float64(c.cfg.TimeScale)
}

// Run executes the simulation until every workflow is done or ctx is
// cancelled, then shuts down the substrate and writes outputs.
func (c *Controller) Run(ctx context.Context) error {
	c.runStart = time.Now()
	logger := logging.LogWith(ctx, c.logger)
	logger.Info("run starting",
		"run_id", c.runID,
		"workflows", c.cfg.Workflows,
		"policy", string(c.cfg.Policy),
		"seed", c.cfg.Seed,
		"time_scale", c.cfg.TimeScale)

	traceFile, err := os.Create(filepath.Join(c.cfg.OutDir, "trace.json"))
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "create trace file: %s", err.Error()).WithCause(err)
	}
	c.trace = trace.NewWriter(traceFile, c.logger)
	if c.cfg.TraceDBPath != "" {
		traceLog, err := store.OpenTraceLog(c.cfg.TraceDBPath, c.runID)
		if err != nil {
			traceFile.Close()
			return err
		}
		c.traceLog = traceLog
		c.trace.SetSink(traceLog)
	}

	workerCfg := worker.Config{
		TimeScale:     c.cfg.TimeScale,
		HeavyTailProb: c.cfg.HeavyTailProb,
		HeavyTailMult: c.cfg.HeavyTailMult,
		RunStart:      c.runStart,
	}
	c.sched = scheduler.New(scheduler.Config{
		Policy:                         c.cfg.Policy,
		DisableHedging:                 c.cfg.DisableHedging,
		DisableEscalation:              c.cfg.DisableEscalation,
		DisableDAGPriority:             c.cfg.DisableDAGPriority,
		EnableModelRouting:             c.cfg.EnableModelRouting,
		MaxInFlightGlobal:              c.cfg.MaxInFlightGlobal,
		BudgetPerWorkflow:              c.cfg.BudgetPerWorkflow,
		EscalationBenefitCostThreshold: 0.5,
		Alpha:                          1.0,
		Beta:                           0.5,
		Gamma:                          0.1,
	}, c.providers, c.latency, c.cpuQueue, c.ioQueue, c.trace)

	var wg sync.WaitGroup
	for _, tier := range c.providers.Tiers() {
		for i := 0; i < tier.ConcurrencyCap(); i++ {
			wg.Add(1)
			go func(t *provider.Tier) {
				defer wg.Done()
				worker.RunTierWorker(t, c.sampler, c.rng, c.results, c.latency, c.trace, workerCfg, &c.shutdown)
			}(tier)
		}
	}
	for i := 0; i < localCPUWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			worker.RunLocalWorker(c.cpuQueue, schema.ResourceCPU, c.sampler, c.rng, c.results, c.trace, workerCfg, &c.shutdown)
		}()
	}
	for i := 0; i < localIOWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			worker.RunLocalWorker(c.ioQueue, schema.ResourceIO, c.sampler, c.rng, c.results, c.trace, workerCfg, &c.shutdown)
		}()
	}
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.schedulerLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		c.monitorLoop(ctx)
	}()

	waves := 0
	for c.workflowsDone.Load() < int32(c.cfg.Workflows) {
		if ctx.Err() != nil {
			logger.Warn("run cancelled", "done", c.workflowsDone.Load(), "total", c.cfg.Workflows)
			break
		}
		c.processResults(ctx)
		waves++
		if waves%stallCheckEvery == 0 {
			c.checkStalled(ctx)
		}
		time.Sleep(drainInterval)
	}

	c.shutdown.Store(true)
	c.cpuQueue.Shutdown()
	c.ioQueue.Shutdown()
	c.results.Shutdown()
	wg.Wait()

	c.trace.Close()
	if err := traceFile.Close(); err != nil {
		logger.Warn("close trace file", "err", err)
	}
	if c.traceLog != nil {
		if err := c.traceLog.Close(); err != nil {
			logger.Warn("close trace db", "err", err)
		}
	}

	if err := c.writeOutputs(); err != nil {
		return err
	}
	logger.Info("run finished",
		"run_id", c.runID,
		"done", c.workflowsDone.Load(),
		"makespan_mean_ms", c.summary.MakespanMeanMs,
		"cost_mean", c.summary.CostMean)
	return ctx.Err()
}

// isCriticalPath marks the node types whose latency bounds iteration
// progress: planning, extraction, aggregation, and the decision itself.
func (c *Controller) isCriticalPath(wfID schema.WorkflowID, nodeID schema.NodeID) bool {
	wf, ok := c.workflows[wfID]
	if !ok {
		return false
	}
	n, err := wf.Node(nodeID)
	if err != nil {
		return false
	}
	switch n.Type {
	case schema.NodePlan, schema.NodeAggregate, schema.NodeDecideNext, schema.NodeExtractEvidence:
		return true
	}
	return false
}

func (c *Controller) schedulerLoop(ctx context.Context) {
	interval := time.Duration(c.cfg.SchedulerIntervalMs) * time.Millisecond
	for !c.shutdown.Load() {
		now := c.nowMs()

		c.mu.Lock()
		snapshot := make(map[schema.WorkflowID]*workflow.Workflow, len(c.workflows))
		for id, wf := range c.workflows {
			if !wf.Done() {
				snapshot[id] = wf
			}
		}
		c.sched.Dispatch(&scheduler.Inputs{
			Workflows:       snapshot,
			NowMs:           now,
			WorkflowCost:    c.workflowCost,
			WorkflowStartMs: c.workflowStartMs,
			NextAttemptID:   &c.nextAttemptID,
			CancelledFlags:  c.cancelledFlags,
			IsCriticalPath:  c.isCriticalPath,
			OnDispatch: func(wfID schema.WorkflowID, nodeID schema.NodeID, dispatchNowMs float64) {
				if c.workflowStartMs[wfID] < 0 {
					c.workflowStartMs[wfID] = dispatchNowMs
				}
				c.attemptStart[schema.AttemptKey(wfID, nodeID)] = time.Now()
				attemptCtx := logging.WithNodeID(logging.WithWorkflowID(ctx, wfID), nodeID)
				logging.LogWith(attemptCtx, c.logger).Debug("attempt dispatched", "t_ms", dispatchNowMs)
			},
		})
		c.mu.Unlock()

		time.Sleep(interval)
	}
}

func (c *Controller) monitorLoop(ctx context.Context) {
	hedging := c.cfg.Policy == schema.PolicyFull && !c.cfg.DisableHedging
	for !c.shutdown.Load() {
		c.sampleTierStats()
		if hedging {
			c.scanForStragglers(ctx)
		}
		time.Sleep(monitorInterval)
	}
}

func (c *Controller) sampleTierStats() {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	for i, tier := range c.providers.Tiers() {
		inFlight := float64(tier.InFlight())
		c.tierInFlightSum[i] += inFlight
		if slots := tier.ConcurrencyCap(); slots > 0 {
			c.tierUtilSum[i] += inFlight / float64(slots)
		}
	}
	c.tierSamples++
}

// scanForStragglers hedges at most one critical-path node per pass whose
// queued attempt's runtime exceeds the stretch threshold times the P95
// expectation for its type.
func (c *Controller) scanForStragglers(ctx context.Context) {
	now := c.nowMs()
	c.mu.Lock()
	defer c.mu.Unlock()
	for wfID, wf := range c.workflows {
		if wf.Done() {
			continue
		}
		for nodeID, n := range wf.Nodes() {
			if n.State != schema.StateQueued {
				continue
			}
			key := schema.AttemptKey(wfID, nodeID)
			started, ok := c.attemptStart[key]
			if !ok {
				continue
			}
			if len(n.PreferenceList) == 0 {
				continue
			}
			pref := n.PreferenceList[0]
			estP95 := c.latency.P95(n.Type, pref.Provider, pref.TierID)
			if estP95 <= 0 {
				continue
			}
			runtimeSimMs := float64(time.Since(started).Milliseconds()) * float64(c.cfg.TimeScale)
			stretch := runtimeSimMs / estP95
			if stretch > c.cfg.StragglerStretchThreshold && c.isCriticalPath(wfID, nodeID) {
				c.launchHedge(ctx, wf, n, now, stretch)
				return
			}
		}
	}
}

// launchHedge enqueues a duplicate attempt on the next preference option.
// The hedge shares the slot's cancellation flag with the original attempt:
// the first success signals it, and the loser self-cancels. Caller holds mu.
func (c *Controller) launchHedge(ctx context.Context, wf *workflow.Workflow, n *workflow.Node, nowMs float64, stretch float64) {
	if len(n.PreferenceList) < 2 {
		return
	}
	opt := n.PreferenceList[1]
	tier := c.providers.GetTier(opt.Provider, opt.TierID)
	if tier == nil || !tier.CanAccept() {
		return
	}

	key := schema.AttemptKey(wf.ID(), n.ID)
	flag, ok := c.cancelledFlags[key]
	if !ok {
		flag = &atomic.Bool{}
		c.cancelledFlags[key] = flag
	}

	attemptID := schema.AttemptID(c.nextAttemptID.Add(1))
	tier.Enqueue(provider.QueuedAttempt{
		NodeID:       n.ID,
		WorkflowID:   wf.ID(),
		NodeType:     n.Type,
		Provider:     opt.Provider,
		TierID:       opt.TierID,
		TokensNeeded: 1,
		TimeoutMs:    opt.TimeoutMs,
		MaxRetries:   opt.MaxRetries,
		LatencyCtx: provider.LatencyContext{
			NodeType:       n.Type,
			TokenLengthEst: n.OutputSizeEst,
		},
		AttemptID:  attemptID,
		Cancelled:  flag,
		EnqueuedAt: time.Now(),
	})
	c.hedgesLaunched[wf.ID()]++
	c.trace.Emit(schema.EventHedgeLaunched, nowMs, wf.ID(), n.ID, "hedge")

	hedgeCtx := logging.WithAttemptID(logging.WithNodeID(logging.WithWorkflowID(ctx, wf.ID()), n.ID), attemptID)
	logging.LogWith(hedgeCtx, c.logger).Info("hedge launched",
		"provider", opt.Provider,
		"tier", opt.TierID,
		"stretch", stretch)
}

// processResults drains the result queue and applies each result to its
// workflow under the workflows mutex.
func (c *Controller) processResults(ctx context.Context) {
	for {
		res, ok := c.results.TryPop()
		if !ok {
			return
		}
		c.applyResult(ctx, res)
	}
}

func (c *Controller) applyResult(ctx context.Context, res schema.AttemptResult) {
	ctx = logging.WithWorkflowID(ctx, res.WorkflowID)
	attemptCtx := logging.WithAttemptID(logging.WithNodeID(ctx, res.NodeID), res.AttemptID)
	logger := logging.LogWith(attemptCtx, c.logger)

	c.mu.Lock()
	defer c.mu.Unlock()

	wf, ok := c.workflows[res.WorkflowID]
	if !ok || wf.Done() {
		return
	}
	n, err := wf.Node(res.NodeID)
	if err != nil {
		logger.Error("result for unknown node", "err", err)
		return
	}
	if n.State.IsTerminal() {
		// Late hedge sibling; already resolved. A cancelled sibling is the
		// hedge loser: its time counts as waste.
		if res.Error == schema.ErrKindCancelled {
			c.cancellations[res.WorkflowID]++
			c.wastedMs[res.WorkflowID] += res.DurationMs
			c.trace.Emit(schema.EventAttemptCancel, res.DurationMs, res.WorkflowID, res.NodeID, "hedge_loser")
		}
		return
	}

	c.latency.Record(n.Type, res.Provider, res.TierID, res.DurationMs)
	c.workflowCost[res.WorkflowID] += res.Cost

	key := schema.AttemptKey(res.WorkflowID, res.NodeID)

	switch {
	case res.Success:
		// Signal any in-flight sibling hedge before the node goes terminal.
		if flag, ok := c.cancelledFlags[key]; ok {
			flag.Store(true)
		}
		newlyRunnable, err := wf.MarkSucceeded(res.NodeID)
		if err != nil {
			logger.Error("mark succeeded", "err", err)
			return
		}
		c.trace.Emit(schema.EventAttemptFinish, res.DurationMs, res.WorkflowID, res.NodeID, "ok")
		for _, id := range newlyRunnable {
			c.trace.Emit(schema.EventNodeRunnable, c.nowMs(), res.WorkflowID, id, "")
		}
	case res.Error == schema.ErrKindCancelled:
		if err := wf.Cancel(res.NodeID); err != nil {
			logger.Error("cancel node", "err", err)
			return
		}
		c.cancellations[res.WorkflowID]++
		c.wastedMs[res.WorkflowID] += res.DurationMs
		c.trace.Emit(schema.EventAttemptCancel, res.DurationMs, res.WorkflowID, res.NodeID, "hedge_loser")
	default:
		if err := wf.MarkFailed(res.NodeID); err != nil {
			logger.Error("mark failed", "err", err)
			return
		}
		c.trace.Emit(schema.EventAttemptFail, res.DurationMs, res.WorkflowID, res.NodeID, res.Error)
	}

	delete(c.attemptStart, key)
	delete(c.cancelledFlags, key)

	if wf.Done() {
		c.workflowsDone.Add(1)
		startMs := c.workflowStartMs[res.WorkflowID]
		makespan := c.nowMs()
		if startMs >= 0 {
			makespan -= startMs
		}
		c.workflowMetrics = append(c.workflowMetrics, metrics.WorkflowMetrics{
			WorkflowID:     res.WorkflowID,
			MakespanMs:     makespan,
			Cost:           c.workflowCost[res.WorkflowID],
			Cancellations:  c.cancellations[res.WorkflowID],
			HedgesLaunched: c.hedgesLaunched[res.WorkflowID],
			WastedMs:       c.wastedMs[res.WorkflowID],
		})
		c.trace.Emit(schema.EventWorkflowDone, makespan, res.WorkflowID, 0, "")
		stopIter, _ := wf.StopIter()
		logging.LogWith(ctx, c.logger).Info("workflow done",
			"makespan_ms", makespan,
			"cost", c.workflowCost[res.WorkflowID],
			"stop_iter", stopIter)
	}
}

// checkStalled surfaces workflows that can no longer make progress: not
// done, yet nothing runnable or in flight. This indicates a DAG expansion
// logic failure or a permanently blocking Failed node.
func (c *Controller) checkStalled(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, wf := range c.workflows {
		if wf.Done() || c.stalledReported[id] || wf.HasLiveWork() {
			continue
		}
		c.stalledReported[id] = true
		err := schema.NewError(schema.ErrCodeStalled, "workflow has no runnable or in-flight nodes but is not done")
		err.WorkflowID = id
		logging.LogWith(logging.WithWorkflowID(ctx, id), c.logger).Error("workflow stalled", "err", err)
	}
}

func (c *Controller) writeOutputs() error {
	c.mu.Lock()
	workflowMetrics := make([]metrics.WorkflowMetrics, len(c.workflowMetrics))
	copy(workflowMetrics, c.workflowMetrics)
	c.mu.Unlock()

	c.summary = metrics.Summarize(workflowMetrics)

	c.statsMu.Lock()
	tierStats := make([]metrics.TierStats, 0, len(c.providers.Tiers()))
	for i, tier := range c.providers.Tiers() {
		s := metrics.TierStats{
			Provider:       tier.Provider(),
			TierID:         tier.TierID(),
			QueueWaitP95Ms: c.latency.P95QueueWait(tier.Provider(), tier.TierID()),
		}
		if c.tierSamples > 0 {
			s.Utilization = c.tierUtilSum[i] / float64(c.tierSamples)
			s.InFlightAvg = c.tierInFlightSum[i] / float64(c.tierSamples)
		}
		tierStats = append(tierStats, s)
	}
	c.statsMu.Unlock()

	if err := metrics.WriteWorkflowsCSV(c.cfg.OutDir, workflowMetrics); err != nil {
		return err
	}
	if err := metrics.WriteTiersCSV(c.cfg.OutDir, tierStats); err != nil {
		return err
	}
	if err := metrics.WriteSummaryCSV(c.cfg.OutDir, c.summary); err != nil {
		return err
	}
	if c.cfg.DiagramDir != "" {
		if err := c.writeDiagrams(); err != nil {
			return err
		}
	}
	return nil
}

func (c *Controller) writeDiagrams() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, wf := range c.workflows {
		model := diagram.FromWorkflow(wf)
		mmd := filepath.Join(c.cfg.DiagramDir, fmt.Sprintf("dag_wf%d.mmd", id))
		if err := os.WriteFile(mmd, []byte(diagram.RenderMermaid(model)), 0o644); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "write diagram: %s", err.Error()).WithCause(err)
		}
		if c.cfg.DiagramSVG {
			svg, err := diagram.RenderSVG(model)
			if err != nil {
				return err
			}
			path := filepath.Join(c.cfg.DiagramDir, fmt.Sprintf("dag_wf%d.svg", id))
			if err := os.WriteFile(path, svg, 0o644); err != nil {
				return schema.NewErrorf(schema.ErrCodeStore, "write diagram: %s", err.Error()).WithCause(err)
			}
		}
	}
	return nil
}

// Workflow returns a workflow by id for post-run inspection.
func (c *Controller) Workflow(id schema.WorkflowID) (*workflow.Workflow, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	wf, ok := c.workflows[id]
	return wf, ok
}
