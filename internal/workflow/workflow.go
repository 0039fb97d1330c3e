// Package workflow implements the research-agent DAG: typed nodes, lazy
// per-iteration expansion, the node state machine, and the continue/stop
// decision. A Workflow is not self-locking — the controller serializes all
// mutation under a single lock, which is what guarantees the state-machine
// invariants under concurrent result arrival.
package workflow

import (
	"sort"

	"github.com/expr-lang/expr/vm"

	"github.com/rendis/agentsim/internal/provider"
	"github.com/rendis/agentsim/pkg/schema"
)

// Params configures the workload shape of one workflow.
type Params struct {
	PDFs              int
	SubqueriesPerIter int
	MaxIters          int
	Seed              uint64
	// StopRule optionally overrides the default continue/stop expression.
	// Empty means DefaultStopRule.
	StopRule string
}

// Node is one vertex of the workflow DAG.
type Node struct {
	ID         schema.NodeID
	WorkflowID schema.WorkflowID

	Type     schema.NodeType
	Resource schema.ResourceClass
	State    schema.NodeState

	Iter        int
	PDFIdx      int
	SubqueryIdx int

	Deps     []schema.NodeID
	Children []schema.NodeID

	// PreferenceList is populated for provider-backed nodes, sorted
	// ascending by price; position 0 is the cheapest, position 1 the hedge
	// candidate.
	PreferenceList []schema.ExecutionOption

	OutputSizeEst    int
	EvidenceCountEst int
}

// Workflow is an identified DAG of nodes with a monotonic node-id counter.
type Workflow struct {
	id     schema.WorkflowID
	params Params

	nodes      map[schema.NodeID]*Node
	nextNodeID schema.NodeID

	done           bool
	completedIters int
	stopIter       int

	providers *provider.Config
	stopRule  *vm.Program
}

// New creates a workflow seeded with a single runnable Plan at iteration 0.
// The provider configuration is captured by reference and must be immutable
// for the run.
func New(id schema.WorkflowID, params Params, providers *provider.Config) (*Workflow, error) {
	if params.PDFs <= 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "params.PDFs must be > 0")
	}
	if params.SubqueriesPerIter < 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "params.SubqueriesPerIter must be >= 0")
	}
	if params.MaxIters <= 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "params.MaxIters must be > 0")
	}
	rule, err := compileStopRule(params.StopRule)
	if err != nil {
		return nil, err
	}
	wf := &Workflow{
		id:         id,
		params:     params,
		nodes:      make(map[schema.NodeID]*Node),
		nextNodeID: 1,
		stopIter:   -1,
		providers:  providers,
		stopRule:   rule,
	}
	plan := wf.addNode(&Node{
		Type:     schema.NodePlan,
		Resource: schema.ResourceLLM,
		State:    schema.StateRunnable, // root has no deps
		Iter:     0,
		PDFIdx:   -1, SubqueryIdx: -1,
		OutputSizeEst: 200 + 10*params.SubqueriesPerIter + 3*params.PDFs,
	})
	wf.populatePreferenceList(plan)
	return wf, nil
}

// ID returns the workflow id.
func (w *Workflow) ID() schema.WorkflowID { return w.id }

// Params returns the workload parameters.
func (w *Workflow) Params() Params { return w.params }

// Done reports whether the workflow reached its terminal done state. The
// flag is monotonic.
func (w *Workflow) Done() bool { return w.done }

// CompletedIters returns the number of fully decided iterations.
func (w *Workflow) CompletedIters() int { return w.completedIters }

// StopIter returns the iteration at which the workflow decided to stop.
func (w *Workflow) StopIter() (int, bool) {
	if w.stopIter < 0 {
		return 0, false
	}
	return w.stopIter, true
}

// Nodes exposes the node map for read access under the controller's lock.
func (w *Workflow) Nodes() map[schema.NodeID]*Node { return w.nodes }

// Node returns the node with the given id.
func (w *Workflow) Node(id schema.NodeID) (*Node, error) {
	n, ok := w.nodes[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeUnknownNode, "unknown node id %d", id).WithNode(w.id, id)
	}
	return n, nil
}

func (w *Workflow) addNode(n *Node) *Node {
	if n.ID == 0 {
		n.ID = w.nextNodeID
		w.nextNodeID++
	}
	if n.WorkflowID == 0 {
		n.WorkflowID = w.id
	}
	w.nodes[n.ID] = n
	return n
}

// addEdge wires from -> to. Edges only ever point at newer nodes, which is
// what keeps the graph acyclic; an edge into an older or terminal node is a
// programming error.
func (w *Workflow) addEdge(from, to schema.NodeID) error {
	a, err := w.Node(from)
	if err != nil {
		return err
	}
	b, err := w.Node(to)
	if err != nil {
		return err
	}
	if to <= from {
		return schema.NewErrorf(schema.ErrCodeCycleDetected, "edge %d -> %d targets an older node", from, to).WithNode(w.id, to)
	}
	if b.State.IsTerminal() {
		return schema.NewErrorf(schema.ErrCodeCycleDetected, "edge %d -> %d targets a terminal node", from, to).WithNode(w.id, to)
	}
	a.Children = append(a.Children, to)
	b.Deps = append(b.Deps, from)
	return nil
}

func (w *Workflow) depsSatisfied(n *Node) bool {
	for _, d := range n.Deps {
		if dep, ok := w.nodes[d]; !ok || dep.State != schema.StateSucceeded {
			return false
		}
	}
	return true
}

// setState enforces the transition table plus the dependency preconditions.
func (w *Workflow) setState(n *Node, next schema.NodeState) error {
	if n.State == next {
		return nil
	}
	invalid := func(msg string) error {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition, "%s -> %s: %s", n.State, next, msg).WithNode(w.id, n.ID)
	}
	if n.State.IsTerminal() {
		return invalid("terminal state is absorbing")
	}
	if !schema.IsValidTransition(n.State, next) {
		return invalid("not permitted")
	}
	switch next {
	case schema.StateRunnable:
		if !w.depsSatisfied(n) {
			return invalid("deps not satisfied")
		}
	case schema.StateWaitingDeps:
		if w.depsSatisfied(n) {
			return invalid("deps are satisfied")
		}
	}
	n.State = next
	return nil
}

// RefreshRunnable recomputes readiness for every non-terminal, non-active
// node: all-parents-Succeeded flips it to Runnable, anything else to
// WaitingDeps. Returns the nodes that became runnable. Idempotent.
func (w *Workflow) RefreshRunnable() []schema.NodeID {
	var newly []schema.NodeID
	for id, n := range w.nodes {
		if n.State.IsTerminal() || n.State == schema.StateQueued || n.State == schema.StateRunning {
			continue
		}
		ready := w.depsSatisfied(n)
		if ready && n.State != schema.StateRunnable {
			n.State = schema.StateRunnable
			newly = append(newly, id)
		} else if !ready && n.State != schema.StateWaitingDeps {
			n.State = schema.StateWaitingDeps
		}
	}
	sort.Slice(newly, func(i, j int) bool { return newly[i] < newly[j] })
	return newly
}

// RunnableNodes returns all runnable node ids in ascending order.
func (w *Workflow) RunnableNodes() []schema.NodeID {
	out := make([]schema.NodeID, 0, len(w.nodes))
	for id, n := range w.nodes {
		if n.State == schema.StateRunnable {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// HasLiveWork reports whether any node is runnable or in flight. A non-done
// workflow without live work is stalled: nothing left can unblock it.
func (w *Workflow) HasLiveWork() bool {
	for _, n := range w.nodes {
		if n.State.IsActive() {
			return true
		}
	}
	return false
}

// MarkQueued transitions a node Runnable -> Queued.
func (w *Workflow) MarkQueued(id schema.NodeID) error {
	n, err := w.Node(id)
	if err != nil {
		return err
	}
	return w.setState(n, schema.StateQueued)
}

// MarkRunning transitions a node to Running.
func (w *Workflow) MarkRunning(id schema.NodeID) error {
	n, err := w.Node(id)
	if err != nil {
		return err
	}
	return w.setState(n, schema.StateRunning)
}

// MarkSucceeded transitions a node to Succeeded. A succeeded Plan expands
// its iteration; a succeeded DecideNext runs the continue/stop decision.
// Returns the nodes that became runnable as a consequence.
func (w *Workflow) MarkSucceeded(id schema.NodeID) ([]schema.NodeID, error) {
	n, err := w.Node(id)
	if err != nil {
		return nil, err
	}
	t, iter := n.Type, n.Iter
	if err := w.setState(n, schema.StateSucceeded); err != nil {
		return nil, err
	}
	switch t {
	case schema.NodePlan:
		if err := w.expandIteration(id); err != nil {
			return nil, err
		}
	case schema.NodeDecideNext:
		if err := w.onDecideNext(id); err != nil {
			return nil, err
		}
		if iter+1 > w.completedIters {
			w.completedIters = iter + 1
		}
	}
	return w.RefreshRunnable(), nil
}

// MarkFailed transitions a node to Failed. Descendants stay blocked; there
// is no retry at this level.
func (w *Workflow) MarkFailed(id schema.NodeID) error {
	n, err := w.Node(id)
	if err != nil {
		return err
	}
	if err := w.setState(n, schema.StateFailed); err != nil {
		return err
	}
	w.RefreshRunnable()
	return nil
}

// Cancel moves a non-terminal node to Cancelled; terminal nodes are left
// untouched.
func (w *Workflow) Cancel(id schema.NodeID) error {
	n, err := w.Node(id)
	if err != nil {
		return err
	}
	if n.State.IsTerminal() {
		return nil
	}
	n.State = schema.StateCancelled
	w.RefreshRunnable()
	return nil
}

// PruneAfterStop cancels every non-terminal node beyond the stop iteration.
func (w *Workflow) PruneAfterStop(stopIter int) {
	for _, n := range w.nodes {
		if n.State.IsTerminal() {
			continue
		}
		if n.Iter > stopIter {
			n.State = schema.StateCancelled
		}
	}
	w.RefreshRunnable()
}

func (w *Workflow) populatePreferenceList(n *Node) {
	if w.providers == nil {
		return
	}
	var want string
	switch n.Resource {
	case schema.ResourceEmbed:
		want = provider.ProviderEmbed
	case schema.ResourceLLM:
		want = provider.ProviderLLM
	default:
		return
	}
	n.PreferenceList = n.PreferenceList[:0]
	for _, tc := range w.providers.Tiers {
		if tc.Provider != want {
			continue
		}
		n.PreferenceList = append(n.PreferenceList, schema.ExecutionOption{
			Provider:     tc.Provider,
			TierID:       tc.TierID,
			PricePerCall: tc.PricePerCall,
			TimeoutMs:    tc.DefaultTimeoutMs,
			MaxRetries:   tc.DefaultMaxRetries,
		})
	}
	sort.SliceStable(n.PreferenceList, func(i, j int) bool {
		return n.PreferenceList[i].PricePerCall < n.PreferenceList[j].PricePerCall
	})
}
