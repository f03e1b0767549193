// Package updates reconciles backend graph attributes with optimized values
// after each cycle. Each layer has a functor that rewrites node attributes
// and proposes merges; the MergeHandler applies, records and can undo them.
package updates

import (
	"slices"

	"github.com/mapstack/scenegraph/internal/dsg"
	"github.com/mapstack/scenegraph/internal/pgmo"
)

// UpdateInfo is the per-cycle input shared by every functor.
type UpdateInfo struct {
	// PlacesValues holds optimized anchor poses keyed by place id.
	PlacesValues map[pgmo.Key]pgmo.Pose
	// PgmoValues holds optimized trajectory and control-point poses.
	PgmoValues map[pgmo.Key]pgmo.Pose
	// CompleteAgentValues holds full-resolution trajectory poses.
	CompleteAgentValues map[pgmo.Key]pgmo.Pose

	LoopClosureDetected bool
	TimestampNs         uint64
	AllowNodeMerging    bool
}

// Merges maps absorbed node ids to their survivors.
type Merges map[dsg.NodeID]dsg.NodeID

// Functor reconciles one layer and proposes merges.
type Functor interface {
	Update(g *dsg.Graph, info *UpdateInfo) Merges
}

// Cleaner is implemented by functors that need a pass after every functor
// has run.
type Cleaner interface {
	Cleanup(g *dsg.Graph, info *UpdateInfo)
}

// MergeChecker is implemented by functors whose merges can be undone. from
// carries the absorbed node's last independent attributes.
type MergeChecker interface {
	ShouldMerge(g *dsg.Graph, from, to *dsg.Node, info *UpdateInfo) bool
}

type entry struct {
	layer   dsg.LayerID
	functor Functor
}

// Pipeline runs the agents reconciliation followed by the registered layer
// functors in registration order, then their cleanups.
type Pipeline struct {
	agents     *AgentsFunctor
	entries    []entry
	handler    *MergeHandler
	enableUndo bool
}

// NewPipeline returns an empty pipeline.
func NewPipeline(enableUndo bool) *Pipeline {
	p := &Pipeline{agents: &AgentsFunctor{}, enableUndo: enableUndo}
	p.handler = NewMergeHandler(p.checker)
	return p
}

// Register installs f for layer. Registering a layer again replaces its
// functor in place.
func (p *Pipeline) Register(layer dsg.LayerID, f Functor) {
	for i := range p.entries {
		if p.entries[i].layer == layer {
			p.entries[i].functor = f
			return
		}
	}
	p.entries = append(p.entries, entry{layer: layer, functor: f})
}

// Unregister removes the functor for layer.
func (p *Pipeline) Unregister(layer dsg.LayerID) {
	p.entries = slices.DeleteFunc(p.entries, func(e entry) bool { return e.layer == layer })
}

// Functor returns the functor registered for layer.
func (p *Pipeline) Functor(layer dsg.LayerID) (Functor, bool) {
	for _, e := range p.entries {
		if e.layer == layer {
			return e.functor, true
		}
	}
	return nil, false
}

// Layers returns the registered layers in run order.
func (p *Pipeline) Layers() []dsg.LayerID {
	out := make([]dsg.LayerID, 0, len(p.entries))
	for _, e := range p.entries {
		out = append(out, e.layer)
	}
	return out
}

// Handler returns the pipeline's merge bookkeeping.
func (p *Pipeline) Handler() *MergeHandler { return p.handler }

func (p *Pipeline) checker(layer dsg.LayerID) MergeChecker {
	f, ok := p.Functor(layer)
	if !ok {
		return nil
	}
	mc, _ := f.(MergeChecker)
	return mc
}

// Run reconciles g. External merges, keyed by layer, are applied after the
// functors and disable functor-proposed merging for the cycle. It returns
// the number of merges undone.
func (p *Pipeline) Run(g *dsg.Graph, info *UpdateInfo, given map[dsg.LayerID]Merges) int {
	if len(given) > 0 {
		info.AllowNodeMerging = false
	}

	undone := 0
	if p.enableUndo {
		undone = p.handler.CheckAndUndo(g, info)
	}

	p.agents.Update(g, info)
	for _, e := range p.entries {
		merges := e.functor.Update(g, info)
		if n := p.handler.UpdateMerges(e.layer, merges, g); n > 0 {
			diagf("%s: applied %d merges", e.layer, n)
		}
	}
	for _, layer := range sortedLayers(given) {
		p.handler.UpdateMerges(layer, given[layer], g)
	}

	for _, e := range p.entries {
		if c, ok := e.functor.(Cleaner); ok {
			c.Cleanup(g, info)
		}
	}
	return undone
}

func sortedLayers(m map[dsg.LayerID]Merges) []dsg.LayerID {
	out := make([]dsg.LayerID, 0, len(m))
	for l := range m {
		out = append(out, l)
	}
	slices.Sort(out)
	return out
}

// AgentsFunctor moves agent nodes onto their full-resolution optimized poses.
type AgentsFunctor struct{}

func (AgentsFunctor) Update(g *dsg.Graph, info *UpdateInfo) Merges {
	agents := g.Layer(dsg.LayerAgents)
	if agents == nil || len(info.CompleteAgentValues) == 0 {
		return nil
	}
	moved := 0
	for _, n := range agents.Nodes() {
		v, ok := info.CompleteAgentValues[n.ID]
		if !ok {
			continue
		}
		n.Attrs.Position = v.Trans
		n.Attrs.Orientation = v.Rot
		moved++
	}
	tracef("agents: updated %d of %d", moved, agents.NumNodes())
	return nil
}
