package workflow

import (
	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/rendis/agentsim/internal/rng"
	"github.com/rendis/agentsim/pkg/schema"
)

// DecideAction is the outcome of a DecideNext node.
type DecideAction int

const (
	ActionStop DecideAction = iota
	ActionContinue
)

// DefaultStopRule encodes the built-in continue/stop policy as an expression
// over the decision environment. A custom rule must evaluate to a boolean:
// true stops the workflow.
const DefaultStopRule = `iter + 1 >= max_iters ` +
	`|| (coverage >= 0.60 && confidence >= 0.50) ` +
	`|| (coverage >= 0.45 && confidence >= 0.35 && u > 0.70)`

func stopRuleEnv() map[string]any {
	return map[string]any{
		"coverage":   0.0,
		"confidence": 0.0,
		"u":          0.0,
		"iter":       0,
		"max_iters":  0,
	}
}

func compileStopRule(src string) (*vm.Program, error) {
	if src == "" {
		src = DefaultStopRule
	}
	prg, err := expr.Compile(src, expr.Env(stopRuleEnv()), expr.AsBool())
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeConfig, "compile stop rule %q: %s", src, err.Error()).WithCause(err)
	}
	return prg, nil
}

// ComputeDecideAction evaluates the continue/stop decision for an iteration.
// It is a pure function of (coverage, confidence, seed, workflow id,
// iteration): the tie-breaker u derives from a SplitMix64 hash, not the
// shared stream.
func (w *Workflow) ComputeDecideAction(iter int) (DecideAction, error) {
	total := w.iterEvidenceTotal(iter)
	covered := w.iterPDFCoverageCount(iter)

	coverage := float64(covered) / float64(max(1, w.params.PDFs))
	denom := float64(max(1, w.params.PDFs*max(1, w.params.SubqueriesPerIter)*2))
	confidence := min(1, float64(total)/denom)

	h := rng.Mix64(w.params.Seed ^ uint64(w.id)<<1 ^ uint64(iter)*0xD1B54A32D192ED03)
	u := float64(h&0xFFFF) / 65535.0

	env := map[string]any{
		"coverage":   coverage,
		"confidence": confidence,
		"u":          u,
		"iter":       iter,
		"max_iters":  w.params.MaxIters,
	}
	out, err := vm.Run(w.stopRule, env)
	if err != nil {
		return ActionStop, schema.NewErrorf(schema.ErrCodeConfig, "evaluate stop rule: %s", err.Error()).WithCause(err)
	}
	if out.(bool) {
		return ActionStop, nil
	}
	return ActionContinue, nil
}

// onDecideNext applies the decision of a just-succeeded DecideNext: Stop
// marks the workflow done and prunes later iterations; Continue seeds the
// next iteration's Plan behind an edge from this DecideNext.
func (w *Workflow) onDecideNext(decideID schema.NodeID) error {
	decide, err := w.Node(decideID)
	if err != nil {
		return err
	}
	iter := decide.Iter

	action, err := w.ComputeDecideAction(iter)
	if err != nil {
		return err
	}
	if action == ActionStop {
		w.done = true
		w.stopIter = iter
		w.PruneAfterStop(iter)
		return nil
	}

	plan := w.addNode(&Node{
		Type:     schema.NodePlan,
		Resource: schema.ResourceLLM,
		State:    schema.StateWaitingDeps,
		Iter:     iter + 1,
		PDFIdx:   -1, SubqueryIdx: -1,
		OutputSizeEst: 220 + 15*w.params.SubqueriesPerIter + 4*w.params.PDFs,
	})
	w.populatePreferenceList(plan)
	return w.addEdge(decideID, plan.ID)
}
