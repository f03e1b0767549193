// Package testutil provides shared test helpers and scene-graph fixtures.
package testutil

import (
	"testing"

	"github.com/mapstack/scenegraph/internal/dsg"
	"github.com/mapstack/scenegraph/internal/pgmo"
	"gonum.org/v1/gonum/spatial/r3"
)

// AssertNoError fails the test if err is not nil.
func AssertNoError(t testing.TB, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// AssertError fails the test if err is nil.
func AssertError(t testing.TB, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected error, got nil")
	}
}

// PlaceID returns the id of the i-th fixture place.
func PlaceID(i int) dsg.NodeID { return dsg.NewNodeID(dsg.PlacePrefix, uint64(i)) }

// ChainPlaces adds n places to g spaced along x and joined by sibling edges
// in order. Place i carries deformation connection i. active sets the
// IsActive flag on every place.
func ChainPlaces(t testing.TB, g *dsg.Graph, n int, spacing float64, active bool) []dsg.NodeID {
	t.Helper()
	ids := make([]dsg.NodeID, n)
	for i := range n {
		ids[i] = PlaceID(i)
		attrs := dsg.Attributes{
			Position:               r3.Vec{X: float64(i) * spacing},
			IsActive:               active,
			Distance:               0.5,
			DeformationConnections: []uint64{uint64(i)},
		}
		if err := g.AddNode(dsg.LayerPlaces, ids[i], attrs); err != nil {
			t.Fatalf("add place %d: %v", i, err)
		}
		if i > 0 {
			if _, err := g.InsertEdge(ids[i-1], ids[i]); err != nil {
				t.Fatalf("link places %d-%d: %v", i-1, i, err)
			}
		}
	}
	return ids
}

// NewFrontend returns a shared frontend graph stamped at lastUpdateNs with
// a chain of n inactive places.
func NewFrontend(t testing.TB, lastUpdateNs uint64, n int) *dsg.SharedGraph {
	t.Helper()
	g := dsg.NewGraph()
	g.LastUpdateNs = lastUpdateNs
	ChainPlaces(t, g, n, 1, false)
	return dsg.NewSharedGraph(g)
}

// Trajectory returns a pose graph of n keys starting at index start, spaced
// step metres along x, one per dtNs starting at t0Ns, joined by odometry.
func Trajectory(prefix byte, start, n int, step float64, t0Ns, dtNs uint64) pgmo.PoseGraph {
	pg := pgmo.PoseGraph{TimestampNs: t0Ns + uint64(n-1)*dtNs}
	for i := range n {
		idx := start + i
		pg.Nodes = append(pg.Nodes, pgmo.PoseGraphNode{
			Key:         dsg.NewNodeID(prefix, uint64(idx)),
			TimestampNs: t0Ns + uint64(i)*dtNs,
			Pose:        pgmo.Translation(r3.Vec{X: float64(idx) * step}),
		})
		if i > 0 {
			pg.Edges = append(pg.Edges, pgmo.PoseGraphEdge{
				From:        dsg.NewNodeID(prefix, uint64(idx-1)),
				To:          dsg.NewNodeID(prefix, uint64(idx)),
				Type:        pgmo.EdgeOdom,
				Pose:        pgmo.Translation(r3.Vec{X: step}),
				TimestampNs: t0Ns + uint64(i)*dtNs,
			})
		}
	}
	return pg
}
