// Package scheduler scores runnable nodes across all active workflows,
// selects a provider tier under the escalation rule, and dispatches attempts
// to tier or local queues. Dispatch runs under the controller's workflows
// lock; the scheduler itself holds no mutable state between passes.
package scheduler

import (
	"cmp"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/addrummond/heap"

	"github.com/rendis/agentsim/internal/metrics"
	"github.com/rendis/agentsim/internal/provider"
	"github.com/rendis/agentsim/internal/trace"
	"github.com/rendis/agentsim/internal/worker"
	"github.com/rendis/agentsim/internal/workflow"
	"github.com/rendis/agentsim/pkg/schema"
)

const defaultEstimateMs = 100.0

// Config holds policy selection and scoring/admission parameters.
type Config struct {
	Policy             schema.Policy
	DisableHedging     bool
	DisableEscalation  bool
	DisableDAGPriority bool
	EnableModelRouting bool

	MaxInFlightGlobal int
	BudgetPerWorkflow float64

	// EscalationBenefitCostThreshold gates tier escalation: escalate when
	// expected-completion-time benefit per extra dollar reaches this ratio.
	EscalationBenefitCostThreshold float64

	// Score weights: remaining critical path, inverse slack, age.
	Alpha float64
	Beta  float64
	Gamma float64
}

// DefaultConfig returns the standard scoring and admission parameters.
func DefaultConfig() Config {
	return Config{
		Policy:                         schema.PolicyFull,
		MaxInFlightGlobal:              200,
		BudgetPerWorkflow:              10.0,
		EscalationBenefitCostThreshold: 0.5,
		Alpha:                          1.0,
		Beta:                           0.5,
		Gamma:                          0.1,
	}
}

// Scheduler dispatches runnable nodes to provider and local queues.
type Scheduler struct {
	cfg      Config
	provider *provider.Manager
	latency  *metrics.LatencyEstimateStore
	cpuQueue *worker.LocalQueue
	ioQueue  *worker.LocalQueue
	trace    *trace.Writer
}

// New creates a scheduler over the given substrate.
func New(cfg Config, pm *provider.Manager, latency *metrics.LatencyEstimateStore,
	cpuQueue, ioQueue *worker.LocalQueue, tr *trace.Writer) *Scheduler {
	return &Scheduler{
		cfg:      cfg,
		provider: pm,
		latency:  latency,
		cpuQueue: cpuQueue,
		ioQueue:  ioQueue,
		trace:    tr,
	}
}

// Inputs is the shared state a dispatch pass operates on. The caller holds
// the workflows lock for the duration of the pass.
type Inputs struct {
	Workflows       map[schema.WorkflowID]*workflow.Workflow
	NowMs           float64
	WorkflowCost    map[schema.WorkflowID]float64
	WorkflowStartMs map[schema.WorkflowID]float64
	NextAttemptID   *atomic.Uint64
	CancelledFlags  map[uint64]*atomic.Bool
	IsCriticalPath  func(wf schema.WorkflowID, node schema.NodeID) bool
	OnDispatch      func(wf schema.WorkflowID, node schema.NodeID, nowMs float64)
}

type scoredNode struct {
	nodeID     schema.NodeID
	workflowID schema.WorkflowID
	score      float64
}

func (a *scoredNode) Cmp(b *scoredNode) int {
	return cmp.Compare(a.score, b.score)
}

// remainingCriticalPath is est(node) + max over non-terminal children,
// memoized per dispatch pass to avoid repeated traversal.
func (s *Scheduler) remainingCriticalPath(wf *workflow.Workflow, n *workflow.Node, memo map[schema.NodeID]float64) float64 {
	if v, ok := memo[n.ID]; ok {
		return v
	}
	est := s.estimate(n)
	var maxChild float64
	for _, cid := range n.Children {
		c, err := wf.Node(cid)
		if err != nil || c.State.IsTerminal() {
			continue
		}
		if cp := s.remainingCriticalPath(wf, c, memo); cp > maxChild {
			maxChild = cp
		}
	}
	v := est + maxChild
	memo[n.ID] = v
	return v
}

// estimate is the P50 latency of the node's cheapest preference, or the
// default when the node has no provider options.
func (s *Scheduler) estimate(n *workflow.Node) float64 {
	if len(n.PreferenceList) == 0 {
		return defaultEstimateMs
	}
	opt := n.PreferenceList[0]
	return s.latency.P50(n.Type, opt.Provider, opt.TierID)
}

func (s *Scheduler) score(in *Inputs) *heap.Heap[scoredNode, heap.Max] {
	var scored heap.Heap[scoredNode, heap.Max]
	for wfID, wf := range in.Workflows {
		if wf == nil || wf.Done() {
			continue
		}
		memo := make(map[schema.NodeID]float64)
		ageMs := in.NowMs - in.WorkflowStartMs[wfID]
		for _, nid := range wf.RunnableNodes() {
			n, err := wf.Node(nid)
			if err != nil {
				continue
			}
			var score float64
			if s.cfg.DisableDAGPriority || s.cfg.Policy == schema.PolicyFIFOCheapest {
				score = ageMs
			} else {
				remCP := s.remainingCriticalPath(wf, n, memo)
				var slack float64
				if len(n.Children) > 0 {
					minChildCP := -1.0
					for _, cid := range n.Children {
						c, err := wf.Node(cid)
						if err != nil || !c.State.IsActive() {
							continue
						}
						cp := s.remainingCriticalPath(wf, c, memo)
						if minChildCP < 0 || cp < minChildCP {
							minChildCP = cp
						}
					}
					if minChildCP >= 0 {
						slack = max(0, minChildCP-s.estimate(n))
					}
				}
				score = s.cfg.Alpha*remCP + s.cfg.Beta*(1/(1+slack)) + s.cfg.Gamma*ageMs
			}
			heap.PushOrderable(&scored, scoredNode{nodeID: nid, workflowID: wfID, score: score})
		}
	}
	return &scored
}

// selectOption walks the preference list cheapest-first and returns the
// chosen option. Options over budget or on saturated tiers are skipped. On
// the critical path (and outside the cheapest-only policies) the next
// candidate is considered once for escalation.
func (s *Scheduler) selectOption(n *workflow.Node, budgetLeft float64, isCritical bool) *schema.ExecutionOption {
	if len(n.PreferenceList) == 0 {
		return nil
	}
	cheapest := &n.PreferenceList[0]
	var chosen *schema.ExecutionOption
	for i := range n.PreferenceList {
		opt := &n.PreferenceList[i]
		if opt.PricePerCall > budgetLeft {
			continue
		}
		t := s.provider.GetTier(opt.Provider, opt.TierID)
		if t == nil || !t.CanAccept() {
			continue
		}
		if chosen == nil {
			chosen = opt
			if s.cfg.DisableEscalation ||
				s.cfg.Policy == schema.PolicyFIFOCheapest ||
				s.cfg.Policy == schema.PolicyDAGCheapest ||
				!isCritical {
				break
			}
			continue
		}

		// Escalation: one candidate beyond the baseline, judged on expected
		// completion time per extra dollar.
		deltaCost := opt.PricePerCall - cheapest.PricePerCall
		if deltaCost <= 0 {
			break
		}
		ectCheap := s.latency.P95QueueWait(cheapest.Provider, cheapest.TierID) +
			s.latency.P50(n.Type, cheapest.Provider, cheapest.TierID)
		ectFast := s.latency.P95QueueWait(opt.Provider, opt.TierID) +
			s.latency.P50(n.Type, opt.Provider, opt.TierID)
		benefit := ectCheap - ectFast
		if benefit/deltaCost >= s.cfg.EscalationBenefitCostThreshold {
			chosen = opt
		}
		break
	}
	return chosen
}

// Dispatch runs one pass: score all runnable nodes, then greedily dispatch
// in descending score order until the global in-flight cap is reached.
// Returns the number of nodes dispatched.
func (s *Scheduler) Dispatch(in *Inputs) int {
	scored := s.score(in)

	inFlight := 0
	for _, wf := range in.Workflows {
		if wf == nil || wf.Done() {
			continue
		}
		for _, n := range wf.Nodes() {
			if n.State == schema.StateQueued || n.State == schema.StateRunning {
				inFlight++
			}
		}
	}

	dispatched := 0
	for {
		sn, ok := heap.PopOrderable(scored)
		if !ok || inFlight >= s.cfg.MaxInFlightGlobal {
			break
		}
		wf := in.Workflows[sn.workflowID]
		if wf == nil || wf.Done() {
			continue
		}
		n, err := wf.Node(sn.nodeID)
		if err != nil || n.State != schema.StateRunnable {
			continue
		}

		if n.Resource == schema.ResourceCPU || n.Resource == schema.ResourceIO {
			if s.dispatchLocal(in, wf, n) {
				dispatched++
				inFlight++
			}
			continue
		}
		if s.dispatchProvider(in, wf, n) {
			dispatched++
			inFlight++
		}
	}
	return dispatched
}

func (s *Scheduler) dispatchLocal(in *Inputs, wf *workflow.Workflow, n *workflow.Node) bool {
	task := worker.LocalTask{
		NodeID:     n.ID,
		WorkflowID: wf.ID(),
		NodeType:   n.Type,
		Resource:   n.Resource,
		LatencyCtx: provider.LatencyContext{
			NodeType:     n.Type,
			PDFSizeEst:   n.OutputSizeEst,
			NumChunksEst: 50,
		},
		TimeoutMs: 5000,
		AttemptID: schema.AttemptID(in.NextAttemptID.Add(1)),
	}
	if err := wf.MarkQueued(n.ID); err != nil {
		return false
	}
	if n.Resource == schema.ResourceCPU {
		s.cpuQueue.Push(task)
	} else {
		s.ioQueue.Push(task)
	}
	s.trace.Emit(schema.EventNodeQueued, in.NowMs, wf.ID(), n.ID, provider.ProviderLocal)
	if in.OnDispatch != nil {
		in.OnDispatch(wf.ID(), n.ID, in.NowMs)
	}
	return true
}

func (s *Scheduler) dispatchProvider(in *Inputs, wf *workflow.Workflow, n *workflow.Node) bool {
	var (
		tier       *provider.Tier
		name       string
		tierID     int
		timeoutMs  = 30000
		maxRetries = 3
	)

	if s.cfg.EnableModelRouting && len(n.PreferenceList) > 0 {
		isCritical := in.IsCriticalPath != nil && in.IsCriticalPath(wf.ID(), n.ID)
		budgetLeft := s.cfg.BudgetPerWorkflow - in.WorkflowCost[wf.ID()]
		opt := s.selectOption(n, budgetLeft, isCritical)
		if opt == nil {
			return false
		}
		tier = s.provider.GetTier(opt.Provider, opt.TierID)
		if tier == nil || !tier.CanAccept() {
			return false
		}
		name, tierID = opt.Provider, opt.TierID
		timeoutMs, maxRetries = opt.TimeoutMs, opt.MaxRetries
	} else {
		want := provider.ProviderLLM
		if n.Resource == schema.ResourceEmbed {
			want = provider.ProviderEmbed
		}
		for _, t := range s.provider.Tiers() {
			if t.Provider() == want && t.CanAccept() {
				tier = t
				break
			}
		}
		if tier == nil {
			return false
		}
		tc := tier.Config()
		name, tierID = tc.Provider, tc.TierID
		timeoutMs, maxRetries = tc.DefaultTimeoutMs, tc.DefaultMaxRetries
	}

	key := schema.AttemptKey(wf.ID(), n.ID)
	if _, exists := in.CancelledFlags[key]; exists {
		// A previous attempt for this slot is still unresolved.
		return false
	}
	flag := &atomic.Bool{}
	in.CancelledFlags[key] = flag

	attempt := provider.QueuedAttempt{
		NodeID:       n.ID,
		WorkflowID:   wf.ID(),
		NodeType:     n.Type,
		Provider:     name,
		TierID:       tierID,
		TokensNeeded: 1,
		TimeoutMs:    timeoutMs,
		MaxRetries:   maxRetries,
		LatencyCtx: provider.LatencyContext{
			NodeType:       n.Type,
			TokenLengthEst: n.OutputSizeEst,
		},
		AttemptID:  schema.AttemptID(in.NextAttemptID.Add(1)),
		Cancelled:  flag,
		EnqueuedAt: time.Now(),
	}
	if err := wf.MarkQueued(n.ID); err != nil {
		delete(in.CancelledFlags, key)
		return false
	}
	tier.Enqueue(attempt)
	s.trace.Emit(schema.EventNodeQueued, in.NowMs, wf.ID(), n.ID, fmt.Sprintf("%s_%d", name, tierID))
	if in.OnDispatch != nil {
		in.OnDispatch(wf.ID(), n.ID, in.NowMs)
	}
	return true
}
