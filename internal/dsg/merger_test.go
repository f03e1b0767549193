package dsg

import (
	"errors"
	"testing"

	"gonum.org/v1/gonum/spatial/r3"
)

func newMergerForTest() *Merger {
	return NewMerger(MergerConfig{
		UpdateLayerAttributes:   map[LayerID]bool{LayerPlaces: true},
		UpdateDynamicAttributes: true,
	})
}

func frontendWithPlaces(ts uint64) *SharedGraph {
	g := NewGraph()
	g.LastUpdateNs = ts
	_ = g.AddNode(LayerPlaces, place(1), Attributes{Position: r3.Vec{X: 0}})
	_ = g.AddNode(LayerPlaces, place(2), Attributes{Position: r3.Vec{X: 1}, IsActive: true})
	_ = g.AddNode(LayerPlaces, place(3), Attributes{Position: r3.Vec{X: 2}})
	_, _ = g.InsertEdge(place(1), place(2))
	_, _ = g.InsertEdge(place(2), place(3))
	return NewSharedGraph(g)
}

func TestMergeTwiceKeepsInactivePositions(t *testing.T) {
	m := newMergerForTest()
	backend := NewSharedGraph(nil)
	frontend := frontendWithPlaces(10)

	if err := m.Merge(backend, frontend, MergeOptions{TimestampNs: 10}); err != nil {
		t.Fatalf("first merge: %v", err)
	}

	// Simulate optimizer output on the inactive nodes.
	backend.With(func(g *Graph) {
		for _, id := range []NodeID{place(1), place(3)} {
			n, _ := g.Node(id)
			n.Attrs.Position = r3.Add(n.Attrs.Position, r3.Vec{Y: 5})
		}
	})
	before := backend.Snapshot()

	for i := 0; i < 2; i++ {
		if err := m.Merge(backend, frontend, MergeOptions{TimestampNs: 10}); err != nil {
			t.Fatalf("merge %d: %v", i, err)
		}
		after := backend.Snapshot()
		for _, n := range before.Layer(LayerPlaces).Nodes() {
			if n.Attrs.IsActive {
				continue
			}
			got, _ := after.Node(n.ID)
			if got.Attrs.Position != n.Attrs.Position {
				t.Errorf("merge %d: inactive %s moved from %v to %v", i, n.ID, n.Attrs.Position, got.Attrs.Position)
			}
		}
	}

	// The active node follows the frontend.
	g := backend.Snapshot()
	p2, _ := g.Node(place(2))
	if p2.Attrs.Position != (r3.Vec{X: 1}) {
		t.Errorf("active node position = %v, want frontend value", p2.Attrs.Position)
	}

	// The working copy stays in the frontend frame.
	wp, _ := m.PlacesWorkingCopy().Position(place(1))
	if wp != (r3.Vec{X: 0}) {
		t.Errorf("working copy position = %v, want frontend value", wp)
	}
}

func TestMergeStaleSnapshot(t *testing.T) {
	m := newMergerForTest()
	backend := NewSharedGraph(nil)
	frontend := frontendWithPlaces(100)

	err := m.Merge(backend, frontend, MergeOptions{TimestampNs: 50})
	if !errors.Is(err, ErrStaleSnapshot) {
		t.Fatalf("Merge() error = %v, want ErrStaleSnapshot", err)
	}
	if backend.Snapshot().NumNodes() != 0 {
		t.Error("stale merge must not modify the backend")
	}

	if err := m.Merge(backend, frontend, MergeOptions{TimestampNs: 50, Force: true}); err != nil {
		t.Fatalf("forced merge: %v", err)
	}
	if backend.Snapshot().NumNodes() != 3 {
		t.Error("forced merge should fold the frontend in")
	}
}

func TestMergeRemovedPlacesOnlyLeaveWorkingCopy(t *testing.T) {
	m := newMergerForTest()
	backend := NewSharedGraph(nil)
	frontend := frontendWithPlaces(1)

	if err := m.Merge(backend, frontend, MergeOptions{TimestampNs: 1}); err != nil {
		t.Fatalf("merge: %v", err)
	}
	frontend.With(func(g *Graph) { g.RemoveNode(place(3)) })
	if err := m.Merge(backend, frontend, MergeOptions{TimestampNs: 2}); err != nil {
		t.Fatalf("merge: %v", err)
	}

	if m.PlacesWorkingCopy().HasNode(place(3)) {
		t.Error("removed place should leave the working copy")
	}
	if !backend.Snapshot().HasNode(place(3)) {
		t.Error("removed place must stay in the backend graph")
	}
}

func TestMergeOnFrontendHookRunsUnderLock(t *testing.T) {
	m := newMergerForTest()
	backend := NewSharedGraph(nil)
	frontend := frontendWithPlaces(1)

	var seen int
	err := m.Merge(backend, frontend, MergeOptions{
		TimestampNs: 1,
		OnFrontend:  func(fg *Graph) { seen = fg.NumNodes() },
	})
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if seen != 3 {
		t.Errorf("hook saw %d nodes, want 3", seen)
	}
	if m.LastMergedNs() != 1 {
		t.Errorf("LastMergedNs() = %d, want 1", m.LastMergedNs())
	}
}
