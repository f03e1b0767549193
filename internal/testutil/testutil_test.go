package testutil

import (
	"testing"

	"github.com/mapstack/scenegraph/internal/dsg"
	"github.com/mapstack/scenegraph/internal/pgmo"
)

func TestChainPlaces(t *testing.T) {
	g := dsg.NewGraph()
	ids := ChainPlaces(t, g, 4, 2, true)
	places := g.Layer(dsg.LayerPlaces)
	if places.NumNodes() != 4 || places.NumEdges() != 3 {
		t.Fatalf("got %d nodes, %d edges", places.NumNodes(), places.NumEdges())
	}
	if pos, _ := places.Position(ids[3]); pos.X != 6 {
		t.Errorf("last place at %v", pos)
	}
	if !places.HasEdge(ids[1], ids[2]) || places.HasEdge(ids[0], ids[2]) {
		t.Error("chain edges wrong")
	}
}

func TestNewFrontend(t *testing.T) {
	fg := NewFrontend(t, 42, 3)
	g := fg.Snapshot()
	if g.LastUpdateNs != 42 || g.Layer(dsg.LayerPlaces).NumNodes() != 3 {
		t.Errorf("frontend: ts=%d places=%d", g.LastUpdateNs, g.Layer(dsg.LayerPlaces).NumNodes())
	}
}

func TestTrajectory(t *testing.T) {
	pg := Trajectory('a', 5, 3, 0.5, 100, 10)
	if len(pg.Nodes) != 3 || len(pg.Edges) != 2 {
		t.Fatalf("nodes=%d edges=%d", len(pg.Nodes), len(pg.Edges))
	}
	if pg.Nodes[0].Key != dsg.NewNodeID('a', 5) || pg.Nodes[2].TimestampNs != 120 {
		t.Errorf("nodes = %+v", pg.Nodes)
	}
	if pg.Edges[1].Type != pgmo.EdgeOdom || pg.Edges[1].Pose.Trans.X != 0.5 {
		t.Errorf("edge = %+v", pg.Edges[1])
	}
}
