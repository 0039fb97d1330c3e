package workflow

import (
	"github.com/rendis/agentsim/internal/rng"
	"github.com/rendis/agentsim/pkg/schema"
)

// expandIteration materializes the retrieval graph for the iteration of a
// just-succeeded Plan: per-pdf LoadPDF -> Chunk -> Embed chains, per
// (pdf, subquery) SimilaritySearch -> ExtractEvidence pairs, and the
// iteration's Aggregate -> DecideNext tail. Expansion happens at most once
// per (workflow, iteration): re-entry is a no-op, guarded by the existing
// Aggregate.
func (w *Workflow) expandIteration(planID schema.NodeID) error {
	plan, err := w.Node(planID)
	if err != nil {
		return err
	}
	iter := plan.Iter
	if iter >= w.params.MaxIters {
		return nil
	}
	for _, n := range w.nodes {
		if n.Type == schema.NodeAggregate && n.Iter == iter {
			return nil
		}
	}

	newTyped := func(t schema.NodeType, pdf, subquery int) *Node {
		return w.addNode(&Node{
			Type:     t,
			Resource: schema.ResourceForType(t),
			State:    schema.StateWaitingDeps,
			Iter:     iter,
			PDFIdx:   pdf, SubqueryIdx: subquery,
		})
	}

	var extracts []schema.NodeID
	for p := 0; p < w.params.PDFs; p++ {
		load := newTyped(schema.NodeLoadPDF, p, -1)
		chunk := newTyped(schema.NodeChunk, p, -1)
		embed := newTyped(schema.NodeEmbed, p, -1)
		w.populatePreferenceList(load)
		w.populatePreferenceList(chunk)
		w.populatePreferenceList(embed)
		if err := w.addEdge(planID, load.ID); err != nil {
			return err
		}
		if err := w.addEdge(load.ID, chunk.ID); err != nil {
			return err
		}
		if err := w.addEdge(chunk.ID, embed.ID); err != nil {
			return err
		}

		for q := 0; q < w.params.SubqueriesPerIter; q++ {
			ss := newTyped(schema.NodeSimilaritySearch, p, q)
			ex := newTyped(schema.NodeExtractEvidence, p, q)
			// Deterministic evidence estimate: drives DecideNext without
			// needing provider results.
			h := rng.Mix64(w.params.Seed ^ uint64(w.id)<<32 ^ uint64(iter)*0x9e3779b97f4a7c15 ^ uint64(p)<<8 ^ uint64(q))
			ex.EvidenceCountEst = int(h % 4)
			w.populatePreferenceList(ss)
			w.populatePreferenceList(ex)
			if err := w.addEdge(embed.ID, ss.ID); err != nil {
				return err
			}
			if err := w.addEdge(ss.ID, ex.ID); err != nil {
				return err
			}
			extracts = append(extracts, ex.ID)
		}
	}

	agg := newTyped(schema.NodeAggregate, -1, -1)
	decide := newTyped(schema.NodeDecideNext, -1, -1)
	w.populatePreferenceList(agg)
	w.populatePreferenceList(decide)

	if len(extracts) > 0 {
		for _, ex := range extracts {
			if err := w.addEdge(ex, agg.ID); err != nil {
				return err
			}
		}
	} else {
		// No subqueries: the iteration produces no evidence but still
		// progresses through Aggregate.
		if err := w.addEdge(planID, agg.ID); err != nil {
			return err
		}
	}
	return w.addEdge(agg.ID, decide.ID)
}

// iterEvidenceTotal sums evidence estimates over ExtractEvidence nodes of
// one iteration.
func (w *Workflow) iterEvidenceTotal(iter int) int {
	total := 0
	for _, n := range w.nodes {
		if n.Iter == iter && n.Type == schema.NodeExtractEvidence {
			total += n.EvidenceCountEst
		}
	}
	return total
}

// iterPDFCoverageCount counts distinct pdf indices with any evidence in one
// iteration.
func (w *Workflow) iterPDFCoverageCount(iter int) int {
	covered := make(map[int]struct{}, w.params.PDFs)
	for _, n := range w.nodes {
		if n.Iter != iter || n.Type != schema.NodeExtractEvidence {
			continue
		}
		if n.EvidenceCountEst > 0 {
			covered[n.PDFIdx] = struct{}{}
		}
	}
	return len(covered)
}
