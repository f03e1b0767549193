package pgmo

import (
	"math"
	"sort"

	"github.com/mapstack/scenegraph/internal/dsg"
	"gonum.org/v1/gonum/graph/path"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/spatial/r3"
)

// Anchor is a place carried into the optimizer as a temporary variable.
// Only spanning-tree leaves carry a mesh valence.
type Anchor struct {
	Key     Key   `json:"key"`
	Pose    Pose  `json:"pose"`
	Valence []Key `json:"valence,omitempty"`
}

// AnchorEdge is a spanning-tree edge between two anchors.
type AnchorEdge struct {
	From        Key     `json:"from"`
	To          Key     `json:"to"`
	Measurement Pose    `json:"measurement"`
	Distance    float64 `json:"distance"`
}

// AnchorSet is the output of BuildAnchors.
type AnchorSet struct {
	Anchors []Anchor     `json:"anchors"`
	Edges   []AnchorEdge `json:"edges"`
	Leaves  []Key        `json:"leaves"`
}

// Empty reports whether no anchors were selected.
func (s AnchorSet) Empty() bool { return len(s.Anchors) == 0 }

// IsLeaf reports whether k is a spanning-tree leaf.
func (s AnchorSet) IsLeaf(k Key) bool {
	for _, l := range s.Leaves {
		if l == k {
			return true
		}
	}
	return false
}

type weightedEdge struct {
	u, v   int // indices into the eligible node list
	dist   float64
	weight float64
	input  int
}

// BuildAnchors reduces the places layer to a minimum spanning forest over
// its sibling edges, weighted by Euclidean distance. Places without siblings
// are excluded. Equal weights are broken by input edge order, so identical
// layers always produce identical anchor sets. Leaves carry their original
// deformation connections (as vertexPrefix keys) as valence; interior nodes
// carry none.
func BuildAnchors(layer *dsg.Layer, vertexPrefix byte) AnchorSet {
	var set AnchorSet
	if layer == nil {
		return set
	}

	var eligible []*dsg.Node
	index := make(map[dsg.NodeID]int)
	for _, n := range layer.Nodes() {
		if !layer.HasSiblings(n.ID) {
			continue
		}
		index[n.ID] = len(eligible)
		eligible = append(eligible, n)
	}
	if len(eligible) == 0 {
		return set
	}

	var edges []weightedEdge
	for i, e := range layer.Edges() {
		u, okU := index[e.Source]
		v, okV := index[e.Target]
		if !okU || !okV {
			continue
		}
		d := r3.Norm(r3.Sub(eligible[u].Attrs.Position, eligible[v].Attrs.Position))
		edges = append(edges, weightedEdge{u: u, v: v, dist: d, input: i})
	}

	// Make weights strictly increasing in (distance, input order) so the
	// spanning tree is unique whatever order Kruskal visits equal weights.
	sort.SliceStable(edges, func(i, j int) bool { return edges[i].dist < edges[j].dist })
	prev := math.Inf(-1)
	for i := range edges {
		w := edges[i].dist
		if w <= prev {
			w = math.Nextafter(prev, math.Inf(1))
		}
		edges[i].weight = w
		prev = w
	}

	g := simple.NewWeightedUndirectedGraph(0, math.Inf(1))
	for i := range eligible {
		g.AddNode(simple.Node(i))
	}
	for _, e := range edges {
		g.SetWeightedEdge(g.NewWeightedEdge(simple.Node(e.u), simple.Node(e.v), e.weight))
	}

	tree := simple.NewWeightedUndirectedGraph(0, math.Inf(1))
	path.Kruskal(tree, g)

	sort.Slice(edges, func(i, j int) bool { return edges[i].input < edges[j].input })
	for _, e := range edges {
		if !tree.HasEdgeBetween(int64(e.u), int64(e.v)) {
			continue
		}
		from, to := eligible[e.u], eligible[e.v]
		set.Edges = append(set.Edges, AnchorEdge{
			From:        from.ID,
			To:          to.ID,
			Measurement: Translation(r3.Sub(to.Attrs.Position, from.Attrs.Position)),
			Distance:    e.dist,
		})
	}

	for i, n := range eligible {
		a := Anchor{Key: n.ID, Pose: Translation(n.Attrs.Position)}
		if tree.Node(int64(i)) != nil && tree.From(int64(i)).Len() == 1 {
			set.Leaves = append(set.Leaves, n.ID)
			for _, c := range n.Attrs.DeformationConnections {
				a.Valence = append(a.Valence, dsg.NewNodeID(vertexPrefix, c))
			}
		}
		set.Anchors = append(set.Anchors, a)
	}
	return set
}
