package workflow

import (
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/rendis/agentsim/internal/provider"
	"github.com/rendis/agentsim/pkg/schema"
)

// TestWorkflowInvariantsBySimulation drives a workflow through random
// sequences of dispatches, successes, failures, and cancellations, checking
// the structural invariants after every step.
func TestWorkflowInvariantsBySimulation(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		params := Params{
			PDFs:              rapid.IntRange(1, 3).Draw(t, "pdfs"),
			SubqueriesPerIter: rapid.IntRange(0, 2).Draw(t, "subqueries"),
			MaxIters:          rapid.IntRange(1, 3).Draw(t, "maxIters"),
			Seed:              rapid.Uint64().Draw(t, "seed"),
		}
		cfg := provider.DefaultConfig()
		wf, err := New(1, params, &cfg)
		require.NoError(t, err)

		wasDone := false
		steps := rapid.IntRange(1, 400).Draw(t, "steps")
		for i := 0; i < steps && !wf.Done(); i++ {
			runnable := wf.RunnableNodes()
			if len(runnable) == 0 {
				break
			}
			id := runnable[rapid.IntRange(0, len(runnable)-1).Draw(t, "pick")]

			switch rapid.IntRange(0, 4).Draw(t, "op") {
			case 0:
				require.NoError(t, wf.MarkQueued(id))
				if rapid.Bool().Draw(t, "finish") {
					_, err := wf.MarkSucceeded(id)
					require.NoError(t, err)
				} else {
					require.NoError(t, wf.Cancel(id))
				}
			case 1:
				require.NoError(t, wf.MarkFailed(id))
			case 2:
				require.NoError(t, wf.Cancel(id))
			default:
				_, err := wf.MarkSucceeded(id)
				require.NoError(t, err)
			}

			checkInvariants(t, wf, params)
			if wasDone {
				require.True(t, wf.Done(), "done flag must be monotonic")
			}
			wasDone = wf.Done()
		}
	})
}

func checkInvariants(t *rapid.T, wf *Workflow, params Params) {
	aggPerIter := make(map[int]int)
	decidePerIter := make(map[int]int)
	maxIterSeen := -1

	for id, n := range wf.Nodes() {
		require.Equal(t, id, n.ID)

		// Succeeded/Failed nodes ran, so their parents must all have
		// succeeded.
		if n.State == schema.StateSucceeded || n.State == schema.StateFailed {
			for _, d := range n.Deps {
				dep, err := wf.Node(d)
				require.NoError(t, err)
				require.Equal(t, schema.StateSucceeded, dep.State,
					"node %d (%s) terminal with live parent %d", id, n.Type, d)
			}
		}

		// Edges always point at newer nodes: acyclic by construction.
		for _, c := range n.Children {
			require.Greater(t, c, id)
		}

		// Preference lists stay sorted ascending by price.
		for i := 1; i < len(n.PreferenceList); i++ {
			require.LessOrEqual(t, n.PreferenceList[i-1].PricePerCall, n.PreferenceList[i].PricePerCall)
		}

		switch n.Type {
		case schema.NodeAggregate:
			aggPerIter[n.Iter]++
		case schema.NodeDecideNext:
			decidePerIter[n.Iter]++
		}
		if n.Iter > maxIterSeen {
			maxIterSeen = n.Iter
		}
	}

	for iter, count := range aggPerIter {
		require.Equal(t, 1, count, "iteration %d has %d Aggregate nodes", iter, count)
	}
	for iter, count := range decidePerIter {
		require.Equal(t, 1, count, "iteration %d has %d DecideNext nodes", iter, count)
	}
	require.Less(t, maxIterSeen, params.MaxIters)

	if wf.Done() {
		stop, ok := wf.StopIter()
		require.True(t, ok)
		for _, n := range wf.Nodes() {
			if n.Iter > stop {
				require.True(t, n.State.IsTerminal())
			}
		}
	}
}
