package dsg

import (
	"encoding/json"
	"fmt"
)

// GraphSnapshot is the serialized form of a Graph.
type GraphSnapshot struct {
	LastUpdateNs uint64   `json:"last_update_ns"`
	Nodes        []Node   `json:"nodes"`
	Edges        []Edge   `json:"edges"`
	Removed      []NodeID `json:"removed,omitempty"`
	Mesh         *Mesh    `json:"mesh,omitempty"`
}

// Snapshot serializes the graph. Nodes are listed layer by layer in insertion
// order, then sibling edges per layer, then parent-child edges.
func (g *Graph) Snapshot(includeMesh bool) *GraphSnapshot {
	s := &GraphSnapshot{LastUpdateNs: g.LastUpdateNs}
	for _, layerID := range AllLayers {
		l := g.layers[layerID]
		for _, n := range l.Nodes() {
			s.Nodes = append(s.Nodes, Node{ID: n.ID, Layer: n.Layer, Attrs: n.Attrs.Clone()})
		}
		s.Edges = append(s.Edges, l.Edges()...)
	}
	s.Edges = append(s.Edges, g.inter.all()...)
	s.Removed = g.layers[LayerPlaces].RemovedNodes()
	if includeMesh && g.Mesh != nil {
		s.Mesh = g.Mesh.Clone()
	}
	return s
}

// GraphFromSnapshot rebuilds a graph. Removed ids are re-recorded on the
// places layer so a restored frontend replays its removal signal.
func GraphFromSnapshot(s *GraphSnapshot) (*Graph, error) {
	g := NewGraph()
	g.LastUpdateNs = s.LastUpdateNs
	for _, n := range s.Nodes {
		if err := g.AddNode(n.Layer, n.ID, n.Attrs.Clone()); err != nil {
			return nil, fmt.Errorf("snapshot: %w", err)
		}
	}
	for _, e := range s.Edges {
		if _, err := g.InsertEdge(e.Source, e.Target); err != nil {
			return nil, fmt.Errorf("snapshot: %w", err)
		}
	}
	for _, id := range s.Removed {
		g.layers[LayerPlaces].MarkRemoved(id)
	}
	if s.Mesh != nil {
		g.Mesh = s.Mesh.Clone()
	}
	return g, nil
}

// MarshalJSON encodes the graph through its snapshot form.
func (g *Graph) MarshalJSON() ([]byte, error) {
	return json.Marshal(g.Snapshot(true))
}

func (g *Graph) UnmarshalJSON(b []byte) error {
	var s GraphSnapshot
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	restored, err := GraphFromSnapshot(&s)
	if err != nil {
		return err
	}
	*g = *restored
	return nil
}
