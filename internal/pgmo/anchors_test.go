package pgmo

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/mapstack/scenegraph/internal/dsg"
	"gonum.org/v1/gonum/spatial/r3"
)

func place(i uint64) dsg.NodeID { return dsg.NewNodeID(dsg.PlacePrefix, i) }

func placesLayer(positions map[uint64]r3.Vec, order []uint64, edges [][2]uint64) *dsg.Layer {
	l := dsg.NewLayer(dsg.LayerPlaces)
	for _, i := range order {
		l.AddNode(place(i), dsg.Attributes{
			Position:               positions[i],
			DeformationConnections: []uint64{i * 10, i*10 + 1},
		})
	}
	for _, e := range edges {
		l.InsertEdge(place(e[0]), place(e[1]))
	}
	return l
}

func TestBuildAnchorsChain(t *testing.T) {
	// p0 - p1 - p2 with p0-p2 closing a triangle that the tree drops.
	l := placesLayer(map[uint64]r3.Vec{
		0: {X: 0},
		1: {X: 1},
		2: {X: 2},
	}, []uint64{0, 1, 2}, [][2]uint64{{0, 1}, {1, 2}, {0, 2}})

	set := BuildAnchors(l, 's')
	if len(set.Anchors) != 3 {
		t.Fatalf("anchors = %d, want 3", len(set.Anchors))
	}
	var got [][2]Key
	for _, e := range set.Edges {
		got = append(got, [2]Key{e.From, e.To})
	}
	want := [][2]Key{{place(0), place(1)}, {place(1), place(2)}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("tree edges (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]Key{place(0), place(2)}, set.Leaves); diff != "" {
		t.Errorf("leaves (-want +got):\n%s", diff)
	}

	for _, a := range set.Anchors {
		switch a.Key {
		case place(1):
			if len(a.Valence) != 0 {
				t.Errorf("interior anchor has valence %v", a.Valence)
			}
		default:
			want := []Key{dsg.NewNodeID('s', a.Key.Index()*10), dsg.NewNodeID('s', a.Key.Index()*10+1)}
			if diff := cmp.Diff(want, a.Valence); diff != "" {
				t.Errorf("%s valence (-want +got):\n%s", a.Key, diff)
			}
		}
	}
	if set.Edges[0].Distance != 1 {
		t.Errorf("edge distance = %v, want 1", set.Edges[0].Distance)
	}
}

func TestBuildAnchorsSkipsIsolatedPlaces(t *testing.T) {
	l := placesLayer(map[uint64]r3.Vec{
		0: {X: 0},
		1: {X: 1},
		5: {X: 9},
	}, []uint64{0, 1, 5}, [][2]uint64{{0, 1}})

	set := BuildAnchors(l, 's')
	for _, a := range set.Anchors {
		if a.Key == place(5) {
			t.Fatalf("isolated place selected as anchor")
		}
	}
	if len(set.Anchors) != 2 || len(set.Edges) != 1 {
		t.Errorf("anchors=%d edges=%d, want 2 and 1", len(set.Anchors), len(set.Edges))
	}
}

func TestBuildAnchorsEmpty(t *testing.T) {
	if set := BuildAnchors(dsg.NewLayer(dsg.LayerPlaces), 's'); !set.Empty() || len(set.Edges) != 0 {
		t.Errorf("empty layer produced %+v", set)
	}
	if set := BuildAnchors(nil, 's'); !set.Empty() {
		t.Errorf("nil layer produced %+v", set)
	}
	single := placesLayer(map[uint64]r3.Vec{0: {}}, []uint64{0}, nil)
	if set := BuildAnchors(single, 's'); !set.Empty() {
		t.Errorf("single isolated place produced %+v", set)
	}
}

func TestBuildAnchorsDeterministicOnTies(t *testing.T) {
	// Unit square: all four sides tie, the tree must drop the last one.
	pos := map[uint64]r3.Vec{
		0: {X: 0, Y: 0},
		1: {X: 1, Y: 0},
		2: {X: 1, Y: 1},
		3: {X: 0, Y: 1},
	}
	edges := [][2]uint64{{0, 1}, {1, 2}, {2, 3}, {3, 0}}

	first := BuildAnchors(placesLayer(pos, []uint64{0, 1, 2, 3}, edges), 's')
	if len(first.Edges) != 3 {
		t.Fatalf("tree edges = %d, want 3", len(first.Edges))
	}
	for _, e := range first.Edges {
		if (e.From == place(3) && e.To == place(0)) || (e.From == place(0) && e.To == place(3)) {
			t.Errorf("tie broken against input order: kept %s-%s", e.From, e.To)
		}
	}
	for i := 0; i < 5; i++ {
		again := BuildAnchors(placesLayer(pos, []uint64{0, 1, 2, 3}, edges), 's')
		if diff := cmp.Diff(first, again); diff != "" {
			t.Fatalf("run %d differs (-first +again):\n%s", i, diff)
		}
	}
}
