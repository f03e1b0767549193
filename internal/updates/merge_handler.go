package updates

import (
	"maps"
	"slices"

	"github.com/mapstack/scenegraph/internal/dsg"
)

// MergeRecord is one applied merge: From was folded into To.
type MergeRecord struct {
	Layer dsg.LayerID `json:"layer"`
	From  dsg.NodeID  `json:"from"`
	To    dsg.NodeID  `json:"to"`
}

type mergeEntry struct {
	MergeRecord
	attrs dsg.Attributes
	edges []dsg.Edge // edges of From before the merge
	added []dsg.Edge // edges created on To by the merge
}

// MergeHandler records every merge applied to the backend graph and can
// split an absorbed node back out when its layer functor no longer agrees
// with the merge. Records persist until Reset.
type MergeHandler struct {
	checker func(dsg.LayerID) MergeChecker
	entries map[dsg.NodeID]*mergeEntry
}

// NewMergeHandler returns an empty handler. checker looks up the functor
// consulted by CheckAndUndo; it may be nil.
func NewMergeHandler(checker func(dsg.LayerID) MergeChecker) *MergeHandler {
	return &MergeHandler{checker: checker, entries: make(map[dsg.NodeID]*mergeEntry)}
}

func (h *MergeHandler) resolve(id dsg.NodeID) dsg.NodeID {
	for i := 0; i <= len(h.entries); i++ {
		e, ok := h.entries[id]
		if !ok {
			return id
		}
		id = e.To
	}
	return id
}

// UpdateMerges applies candidates proposed for layer. Survivors that were
// themselves absorbed are resolved to their final survivor, and records
// pointing at a newly absorbed node are re-pointed at its survivor. It
// returns the number of merges applied.
func (h *MergeHandler) UpdateMerges(layer dsg.LayerID, candidates Merges, g *dsg.Graph) int {
	applied := 0
	for _, from := range slices.Sorted(maps.Keys(candidates)) {
		to := h.resolve(candidates[from])
		if from == to {
			continue
		}
		if e, ok := h.entries[from]; ok {
			if e.To != to {
				diagf("merge chain: %s now survives as %s", e.To.Label(), to.Label())
				e.To = to
			}
			continue
		}

		fromNode, ok := g.Node(from)
		if !ok {
			continue
		}
		if !g.HasNode(to) {
			opsf("merge %s into %s: survivor missing", from.Label(), to.Label())
			continue
		}
		attrs := fromNode.Attrs.Clone()
		edges := g.EdgesOf(from)
		added, err := g.MergeNodes(from, to)
		if err != nil {
			opsf("merge %s into %s: %v", from.Label(), to.Label(), err)
			continue
		}

		for _, e := range h.entries {
			if e.To == from {
				e.To = to
			}
		}
		h.entries[from] = &mergeEntry{
			MergeRecord: MergeRecord{Layer: layer, From: from, To: to},
			attrs:       attrs,
			edges:       edges,
			added:       added,
		}
		applied++
	}
	return applied
}

// RefreshFromFrontend updates the cached attributes of absorbed nodes from
// the frontend's unmerged graph, so an undo restores current state.
func (h *MergeHandler) RefreshFromFrontend(frontend *dsg.Graph) {
	for id, e := range h.entries {
		n, ok := frontend.Node(id)
		if !ok {
			continue
		}
		e.attrs = n.Attrs.Clone()
		if edges := frontend.EdgesOf(id); len(edges) > 0 {
			e.edges = edges
		}
	}
}

// CheckAndUndo asks each merged layer's functor whether it would still
// propose the merge under info and splits the absorbed node back out where
// it would not. It returns the number of merges undone.
func (h *MergeHandler) CheckAndUndo(g *dsg.Graph, info *UpdateInfo) int {
	if h.checker == nil {
		return 0
	}
	undone := 0
	for _, from := range slices.Sorted(maps.Keys(h.entries)) {
		e := h.entries[from]
		mc := h.checker(e.Layer)
		if mc == nil {
			continue
		}
		to, ok := g.Node(e.To)
		if !ok {
			continue
		}
		cached := &dsg.Node{ID: e.From, Layer: e.Layer, Attrs: e.attrs.Clone()}
		if mc.ShouldMerge(g, cached, to, info) {
			continue
		}
		if err := h.undo(g, e); err != nil {
			opsf("undo merge %s into %s: %v", e.From.Label(), e.To.Label(), err)
			continue
		}
		undone++
	}
	return undone
}

func (h *MergeHandler) undo(g *dsg.Graph, e *mergeEntry) error {
	if err := g.AddNode(e.Layer, e.From, e.attrs.Clone()); err != nil {
		return err
	}
	delete(h.entries, e.From)

	for _, a := range e.added {
		g.RemoveEdge(a.Source, a.Target)
	}
	for _, old := range e.edges {
		src, dst := old.Source, old.Target
		if src != e.From {
			src = h.resolve(src)
		}
		if dst != e.From {
			dst = h.resolve(dst)
		}
		if src == dst || !g.HasNode(src) || !g.HasNode(dst) {
			continue
		}
		if _, err := g.InsertEdge(src, dst); err != nil {
			diagf("undo %s: restoring edge: %v", e.From.Label(), err)
		}
	}
	diagf("undid merge %s into %s", e.From.Label(), e.To.Label())
	return nil
}

// MergedNodes returns absorbed ids mapped to their current survivors.
func (h *MergeHandler) MergedNodes() map[dsg.NodeID]dsg.NodeID {
	out := make(map[dsg.NodeID]dsg.NodeID, len(h.entries))
	for id, e := range h.entries {
		out[id] = e.To
	}
	return out
}

// Records returns the merge records sorted by absorbed id.
func (h *MergeHandler) Records() []MergeRecord {
	out := make([]MergeRecord, 0, len(h.entries))
	for _, id := range slices.Sorted(maps.Keys(h.entries)) {
		out = append(out, h.entries[id].MergeRecord)
	}
	return out
}

// Len returns the number of recorded merges.
func (h *MergeHandler) Len() int { return len(h.entries) }

// Reset forgets every record. Used on full graph reset.
func (h *MergeHandler) Reset() {
	h.entries = make(map[dsg.NodeID]*mergeEntry)
}
