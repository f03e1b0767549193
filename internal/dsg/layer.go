package dsg

import (
	"slices"

	"gonum.org/v1/gonum/spatial/r3"
)

// EdgeKind distinguishes intra-layer from inter-layer edges.
type EdgeKind int

const (
	EdgeSibling EdgeKind = iota
	EdgeParentChild
)

func (k EdgeKind) String() string {
	if k == EdgeParentChild {
		return "parent_child"
	}
	return "sibling"
}

// Edge connects two nodes. For parent-child edges Source is the parent.
type Edge struct {
	Source NodeID   `json:"source"`
	Target NodeID   `json:"target"`
	Kind   EdgeKind `json:"kind"`
}

type edgeKey struct{ lo, hi NodeID }

func keyOf(a, b NodeID) edgeKey {
	if a > b {
		a, b = b, a
	}
	return edgeKey{a, b}
}

// edgeSet stores undirected edges in insertion order with adjacency.
type edgeSet struct {
	edges map[edgeKey]Edge
	order []edgeKey
	adj   map[NodeID]map[NodeID]struct{}
}

func newEdgeSet() edgeSet {
	return edgeSet{
		edges: make(map[edgeKey]Edge),
		adj:   make(map[NodeID]map[NodeID]struct{}),
	}
}

func (s *edgeSet) insert(e Edge) bool {
	k := keyOf(e.Source, e.Target)
	if _, ok := s.edges[k]; ok {
		return false
	}
	s.edges[k] = e
	s.order = append(s.order, k)
	s.link(e.Source, e.Target)
	s.link(e.Target, e.Source)
	return true
}

func (s *edgeSet) link(a, b NodeID) {
	m, ok := s.adj[a]
	if !ok {
		m = make(map[NodeID]struct{})
		s.adj[a] = m
	}
	m[b] = struct{}{}
}

func (s *edgeSet) get(a, b NodeID) (Edge, bool) {
	e, ok := s.edges[keyOf(a, b)]
	return e, ok
}

func (s *edgeSet) remove(a, b NodeID) bool {
	k := keyOf(a, b)
	if _, ok := s.edges[k]; !ok {
		return false
	}
	delete(s.edges, k)
	if i := slices.Index(s.order, k); i >= 0 {
		s.order = slices.Delete(s.order, i, i+1)
	}
	delete(s.adj[a], b)
	delete(s.adj[b], a)
	if len(s.adj[a]) == 0 {
		delete(s.adj, a)
	}
	if len(s.adj[b]) == 0 {
		delete(s.adj, b)
	}
	return true
}

// incident returns the edges touching id in insertion order.
func (s *edgeSet) incident(id NodeID) []Edge {
	if len(s.adj[id]) == 0 {
		return nil
	}
	var out []Edge
	for _, k := range s.order {
		if k.lo == id || k.hi == id {
			out = append(out, s.edges[k])
		}
	}
	return out
}

func (s *edgeSet) removeNode(id NodeID) {
	for other := range s.adj[id] {
		s.remove(id, other)
	}
}

func (s *edgeSet) all() []Edge {
	out := make([]Edge, 0, len(s.order))
	for _, k := range s.order {
		out = append(out, s.edges[k])
	}
	return out
}

func (s *edgeSet) clone() edgeSet {
	out := edgeSet{
		edges: make(map[edgeKey]Edge, len(s.edges)),
		order: slices.Clone(s.order),
		adj:   make(map[NodeID]map[NodeID]struct{}, len(s.adj)),
	}
	for k, e := range s.edges {
		out.edges[k] = e
	}
	for id, m := range s.adj {
		cp := make(map[NodeID]struct{}, len(m))
		for o := range m {
			cp[o] = struct{}{}
		}
		out.adj[id] = cp
	}
	return out
}

// Node is a scene-graph node.
type Node struct {
	ID    NodeID     `json:"id"`
	Layer LayerID    `json:"layer"`
	Attrs Attributes `json:"attributes"`
}

// Layer holds the nodes of one layer in insertion order, their sibling
// edges, and the ids removed since the list was last cleared.
type Layer struct {
	ID LayerID

	nodes    map[NodeID]*Node
	order    []NodeID
	siblings edgeSet
	removed  []NodeID
}

// NewLayer returns an empty layer.
func NewLayer(id LayerID) *Layer {
	return &Layer{
		ID:       id,
		nodes:    make(map[NodeID]*Node),
		siblings: newEdgeSet(),
	}
}

// AddNode inserts a node. It returns false if the id is already present.
func (l *Layer) AddNode(id NodeID, attrs Attributes) bool {
	if _, ok := l.nodes[id]; ok {
		return false
	}
	l.nodes[id] = &Node{ID: id, Layer: l.ID, Attrs: attrs}
	l.order = append(l.order, id)
	return true
}

// Node returns the node with the given id. The pointer aliases layer storage.
func (l *Layer) Node(id NodeID) (*Node, bool) {
	n, ok := l.nodes[id]
	return n, ok
}

func (l *Layer) HasNode(id NodeID) bool {
	_, ok := l.nodes[id]
	return ok
}

func (l *Layer) NumNodes() int { return len(l.nodes) }

// Nodes returns the nodes in insertion order.
func (l *Layer) Nodes() []*Node {
	out := make([]*Node, 0, len(l.order))
	for _, id := range l.order {
		out = append(out, l.nodes[id])
	}
	return out
}

// IDs returns the node ids in insertion order.
func (l *Layer) IDs() []NodeID { return slices.Clone(l.order) }

// Position returns a node's position.
func (l *Layer) Position(id NodeID) (r3.Vec, bool) {
	n, ok := l.nodes[id]
	if !ok {
		return r3.Vec{}, false
	}
	return n.Attrs.Position, true
}

// RemoveNode deletes a node and its sibling edges and records the removal.
func (l *Layer) RemoveNode(id NodeID) bool {
	if _, ok := l.nodes[id]; !ok {
		return false
	}
	l.siblings.removeNode(id)
	delete(l.nodes, id)
	if i := slices.Index(l.order, id); i >= 0 {
		l.order = slices.Delete(l.order, i, i+1)
	}
	l.removed = append(l.removed, id)
	return true
}

// RemovedNodes returns ids removed since the last ClearRemoved.
func (l *Layer) RemovedNodes() []NodeID { return slices.Clone(l.removed) }

func (l *Layer) ClearRemoved() { l.removed = nil }

// MarkRemoved records an id as removed without touching storage. Frontends
// use it to signal removals of nodes they no longer hold.
func (l *Layer) MarkRemoved(id NodeID) { l.removed = append(l.removed, id) }

// InsertEdge adds a sibling edge between two existing, distinct nodes.
func (l *Layer) InsertEdge(a, b NodeID) bool {
	if a == b || !l.HasNode(a) || !l.HasNode(b) {
		return false
	}
	return l.siblings.insert(Edge{Source: a, Target: b, Kind: EdgeSibling})
}

func (l *Layer) HasEdge(a, b NodeID) bool {
	_, ok := l.siblings.get(a, b)
	return ok
}

func (l *Layer) RemoveEdge(a, b NodeID) bool { return l.siblings.remove(a, b) }

// Edges returns the sibling edges in insertion order.
func (l *Layer) Edges() []Edge { return l.siblings.all() }

func (l *Layer) NumEdges() int { return len(l.siblings.edges) }

// Siblings returns the ids connected to id, in edge insertion order.
func (l *Layer) Siblings(id NodeID) []NodeID {
	var out []NodeID
	for _, e := range l.siblings.incident(id) {
		if e.Source == id {
			out = append(out, e.Target)
		} else {
			out = append(out, e.Source)
		}
	}
	return out
}

// HasSiblings reports whether id has at least one sibling edge.
func (l *Layer) HasSiblings(id NodeID) bool { return len(l.siblings.adj[id]) > 0 }

// Clone returns a deep copy of the layer.
func (l *Layer) Clone() *Layer {
	out := &Layer{
		ID:       l.ID,
		nodes:    make(map[NodeID]*Node, len(l.nodes)),
		order:    slices.Clone(l.order),
		siblings: l.siblings.clone(),
		removed:  slices.Clone(l.removed),
	}
	for id, n := range l.nodes {
		out.nodes[id] = &Node{ID: n.ID, Layer: n.Layer, Attrs: n.Attrs.Clone()}
	}
	return out
}

// Update folds other into l: new nodes are added, existing nodes take the
// incoming attributes, and missing sibling edges are inserted.
func (l *Layer) Update(other *Layer) {
	for _, n := range other.Nodes() {
		if existing, ok := l.nodes[n.ID]; ok {
			existing.Attrs = n.Attrs.Clone()
			continue
		}
		l.AddNode(n.ID, n.Attrs.Clone())
	}
	for _, e := range other.Edges() {
		l.InsertEdge(e.Source, e.Target)
	}
}
