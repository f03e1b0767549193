package dsg

import (
	"fmt"
	"slices"
	"sync"
)

// Graph is a layered scene graph: the static hierarchy layers, the dynamic
// agents layer, parent-child edges between layers, and the dense mesh.
type Graph struct {
	layers    map[LayerID]*Layer
	inter     edgeSet
	nodeLayer map[NodeID]LayerID

	// LastUpdateNs is the timestamp of the newest input folded into the graph.
	LastUpdateNs uint64

	Mesh *Mesh
}

// NewGraph returns an empty graph with every default layer present.
func NewGraph() *Graph {
	g := &Graph{
		layers:    make(map[LayerID]*Layer, len(AllLayers)),
		inter:     newEdgeSet(),
		nodeLayer: make(map[NodeID]LayerID),
		Mesh:      &Mesh{},
	}
	for _, id := range AllLayers {
		g.layers[id] = NewLayer(id)
	}
	return g
}

// Layer returns the layer with the given id, or nil if unknown.
func (g *Graph) Layer(id LayerID) *Layer { return g.layers[id] }

// AddNode inserts a node into a layer. Ids are unique across layers.
func (g *Graph) AddNode(layer LayerID, id NodeID, attrs Attributes) error {
	l := g.layers[layer]
	if l == nil {
		return fmt.Errorf("add %s: unknown layer %d", id.Label(), layer)
	}
	if existing, ok := g.nodeLayer[id]; ok {
		return fmt.Errorf("add %s: node already exists in layer %s", id.Label(), existing)
	}
	l.AddNode(id, attrs)
	g.nodeLayer[id] = layer
	return nil
}

// Node looks a node up in any layer. The pointer aliases graph storage.
func (g *Graph) Node(id NodeID) (*Node, bool) {
	layer, ok := g.nodeLayer[id]
	if !ok {
		return nil, false
	}
	return g.layers[layer].Node(id)
}

func (g *Graph) HasNode(id NodeID) bool {
	_, ok := g.nodeLayer[id]
	return ok
}

// NodeLayer returns the layer holding id.
func (g *Graph) NodeLayer(id NodeID) (LayerID, bool) {
	l, ok := g.nodeLayer[id]
	return l, ok
}

// NumNodes counts nodes across all layers.
func (g *Graph) NumNodes() int { return len(g.nodeLayer) }

// RemoveNode deletes a node and every edge touching it.
func (g *Graph) RemoveNode(id NodeID) bool {
	layer, ok := g.nodeLayer[id]
	if !ok {
		return false
	}
	g.inter.removeNode(id)
	g.layers[layer].RemoveNode(id)
	delete(g.nodeLayer, id)
	return true
}

// InsertEdge connects two existing nodes. Nodes in the same layer become
// siblings; otherwise the node in the higher layer becomes the parent.
// It returns false if the edge already exists.
func (g *Graph) InsertEdge(a, b NodeID) (bool, error) {
	la, okA := g.nodeLayer[a]
	lb, okB := g.nodeLayer[b]
	if !okA || !okB {
		return false, fmt.Errorf("edge %s-%s: missing endpoint", a.Label(), b.Label())
	}
	if a == b {
		return false, fmt.Errorf("edge %s-%s: self loop", a.Label(), b.Label())
	}
	if la == lb {
		return g.layers[la].InsertEdge(a, b), nil
	}
	parent, child := a, b
	if la < lb {
		parent, child = b, a
	}
	return g.inter.insert(Edge{Source: parent, Target: child, Kind: EdgeParentChild}), nil
}

// HasEdge reports whether a and b are connected by any edge.
func (g *Graph) HasEdge(a, b NodeID) bool {
	if _, ok := g.inter.get(a, b); ok {
		return true
	}
	la, okA := g.nodeLayer[a]
	lb, okB := g.nodeLayer[b]
	return okA && okB && la == lb && g.layers[la].HasEdge(a, b)
}

// RemoveEdge deletes the edge between a and b, if any.
func (g *Graph) RemoveEdge(a, b NodeID) bool {
	if g.inter.remove(a, b) {
		return true
	}
	la, okA := g.nodeLayer[a]
	lb, okB := g.nodeLayer[b]
	return okA && okB && la == lb && g.layers[la].RemoveEdge(a, b)
}

// EdgesOf returns every edge touching id: siblings first, then parent-child.
func (g *Graph) EdgesOf(id NodeID) []Edge {
	layer, ok := g.nodeLayer[id]
	if !ok {
		return nil
	}
	out := g.layers[layer].siblings.incident(id)
	return append(out, g.inter.incident(id)...)
}

// InterlayerEdges returns every parent-child edge in insertion order.
func (g *Graph) InterlayerEdges() []Edge { return g.inter.all() }

// Parent returns the parent of id, if any.
func (g *Graph) Parent(id NodeID) (NodeID, bool) {
	for _, e := range g.inter.incident(id) {
		if e.Target == id {
			return e.Source, true
		}
	}
	return 0, false
}

// Children returns the children of id in edge insertion order.
func (g *Graph) Children(id NodeID) []NodeID {
	var out []NodeID
	for _, e := range g.inter.incident(id) {
		if e.Source == id {
			out = append(out, e.Target)
		}
	}
	return out
}

// MergeNodes folds from into to: every edge of from is redirected to to and
// from is removed. The edges newly created on to are returned so a merge can
// be reverted later.
func (g *Graph) MergeNodes(from, to NodeID) ([]Edge, error) {
	lf, okF := g.nodeLayer[from]
	lt, okT := g.nodeLayer[to]
	if !okF || !okT {
		return nil, fmt.Errorf("merge %s into %s: missing node", from.Label(), to.Label())
	}
	if from == to {
		return nil, fmt.Errorf("merge %s into itself", from.Label())
	}
	if lf != lt {
		return nil, fmt.Errorf("merge %s into %s: layers differ (%s vs %s)", from.Label(), to.Label(), lf, lt)
	}

	var added []Edge
	for _, e := range g.EdgesOf(from) {
		other := e.Target
		if other == from {
			other = e.Source
		}
		if other == to {
			continue
		}
		src, dst := e.Source, e.Target
		if src == from {
			src = to
		} else {
			dst = to
		}
		if inserted, _ := g.InsertEdge(src, dst); inserted {
			added = append(added, Edge{Source: src, Target: dst, Kind: e.Kind})
		}
	}
	g.RemoveNode(from)
	tracef("merged %s into %s (%d edges redirected)", from.Label(), to.Label(), len(added))
	return added, nil
}

// Clear removes every node, edge and mesh element.
func (g *Graph) Clear() {
	fresh := NewGraph()
	*g = *fresh
}

// Clone returns a deep copy of the graph, mesh included.
func (g *Graph) Clone() *Graph {
	out := &Graph{
		layers:       make(map[LayerID]*Layer, len(g.layers)),
		inter:        g.inter.clone(),
		nodeLayer:    make(map[NodeID]LayerID, len(g.nodeLayer)),
		LastUpdateNs: g.LastUpdateNs,
	}
	for id, l := range g.layers {
		out.layers[id] = l.Clone()
	}
	for id, l := range g.nodeLayer {
		out.nodeLayer[id] = l
	}
	if g.Mesh != nil {
		out.Mesh = g.Mesh.Clone()
	} else {
		out.Mesh = &Mesh{}
	}
	return out
}

// MergeConfig controls how MergeGraph adopts incoming state.
type MergeConfig struct {
	// PreviousMerges maps absorbed ids to survivors. Incoming absorbed nodes
	// are skipped and their edges are redirected to the survivor.
	PreviousMerges map[NodeID]NodeID

	// UpdateLayerAttributes selects, per static layer, whether existing nodes
	// adopt the incoming attributes.
	UpdateLayerAttributes map[LayerID]bool

	// UpdateDynamicAttributes applies the same choice to the agents layer.
	UpdateDynamicAttributes bool
}

func (c MergeConfig) resolve(id NodeID) NodeID {
	seen := 0
	for {
		next, ok := c.PreviousMerges[id]
		if !ok || next == id || seen > len(c.PreviousMerges) {
			return id
		}
		id = next
		seen++
	}
}

// MergeGraph folds other into g. New nodes are copied in; existing nodes
// adopt incoming attributes according to cfg, except that object mesh
// connections and activity flags always follow the incoming graph. Edges are
// inserted when both (redirected) endpoints exist. Removed-node lists of
// other are not applied here.
func (g *Graph) MergeGraph(other *Graph, cfg MergeConfig) {
	for _, layerID := range AllLayers {
		src := other.layers[layerID]
		if src == nil {
			continue
		}
		update := cfg.UpdateLayerAttributes[layerID]
		if layerID == LayerAgents {
			update = cfg.UpdateDynamicAttributes
		}
		for _, n := range src.Nodes() {
			if _, absorbed := cfg.PreviousMerges[n.ID]; absorbed {
				continue
			}
			existing, ok := g.Node(n.ID)
			if !ok {
				if err := g.AddNode(layerID, n.ID, n.Attrs.Clone()); err != nil {
					opsf("merge graph: %v", err)
				}
				continue
			}
			if update {
				existing.Attrs = n.Attrs.Clone()
			} else if layerID == LayerObjects {
				existing.Attrs.MeshConnections = slices.Clone(n.Attrs.MeshConnections)
				existing.Attrs.IsActive = n.Attrs.IsActive
			}
		}
		for _, e := range src.Edges() {
			g.mergeEdge(e, cfg)
		}
	}
	for _, e := range other.inter.all() {
		g.mergeEdge(e, cfg)
	}
	if other.LastUpdateNs > g.LastUpdateNs {
		g.LastUpdateNs = other.LastUpdateNs
	}
}

func (g *Graph) mergeEdge(e Edge, cfg MergeConfig) {
	s, t := cfg.resolve(e.Source), cfg.resolve(e.Target)
	if s == t || !g.HasNode(s) || !g.HasNode(t) {
		return
	}
	if _, err := g.InsertEdge(s, t); err != nil {
		diagf("merge graph: %v", err)
	}
}

// SharedGraph guards a Graph with a mutex. All access to the wrapped graph
// goes through Lock/Unlock or the With helper.
type SharedGraph struct {
	mu    sync.Mutex
	graph *Graph
}

// NewSharedGraph wraps g. A nil g is replaced by an empty graph.
func NewSharedGraph(g *Graph) *SharedGraph {
	if g == nil {
		g = NewGraph()
	}
	return &SharedGraph{graph: g}
}

// Lock acquires the graph and returns it. The caller must call Unlock.
func (s *SharedGraph) Lock() *Graph {
	s.mu.Lock()
	return s.graph
}

func (s *SharedGraph) Unlock() { s.mu.Unlock() }

// With runs fn with the graph locked.
func (s *SharedGraph) With(fn func(g *Graph)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.graph)
}

// Snapshot returns a deep copy taken under the lock.
func (s *SharedGraph) Snapshot() *Graph {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.graph.Clone()
}

// Replace swaps the wrapped graph for g under the lock.
func (s *SharedGraph) Replace(g *Graph) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.graph = g
}
