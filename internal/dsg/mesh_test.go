package dsg

import (
	"errors"
	"testing"

	"gonum.org/v1/gonum/spatial/r3"
)

func TestMeshApplyDelta(t *testing.T) {
	m := &Mesh{}
	err := m.ApplyDelta(&MeshDelta{
		Vertices: []r3.Vec{{X: 0}, {X: 1}, {X: 2}},
		Stamps:   []uint64{1, 2, 3},
		Faces:    [][3]uint32{{0, 1, 2}},
	})
	if err != nil {
		t.Fatalf("ApplyDelta: %v", err)
	}
	if m.NumVertices() != 3 || len(m.Faces) != 1 {
		t.Fatalf("mesh has %d vertices %d faces", m.NumVertices(), len(m.Faces))
	}

	// Replace the tail and grow, archiving the first vertex.
	err = m.ApplyDelta(&MeshDelta{
		VertexStart:   2,
		Vertices:      []r3.Vec{{X: 20}, {X: 30}},
		Stamps:        []uint64{4, 5},
		Faces:         [][3]uint32{{1, 2, 3}},
		TotalArchived: 1,
	})
	if err != nil {
		t.Fatalf("ApplyDelta: %v", err)
	}
	if m.NumVertices() != 4 || m.Vertices[2].X != 20 || m.Vertices[3].X != 30 {
		t.Errorf("vertices = %v", m.Vertices)
	}
	if m.ArchivedVertices != 1 {
		t.Errorf("ArchivedVertices = %d, want 1", m.ArchivedVertices)
	}

	// The watermark never moves backwards.
	if err := m.ApplyDelta(&MeshDelta{VertexStart: 4, TotalArchived: 0}); err != nil {
		t.Fatalf("ApplyDelta: %v", err)
	}
	if m.ArchivedVertices != 1 {
		t.Errorf("ArchivedVertices regressed to %d", m.ArchivedVertices)
	}
}

func TestMeshApplyDeltaInvalid(t *testing.T) {
	base := func() *Mesh {
		return &Mesh{
			Vertices:         []r3.Vec{{}, {}, {}},
			Stamps:           []uint64{1, 2, 3},
			ArchivedVertices: 2,
		}
	}
	tests := []struct {
		name  string
		delta *MeshDelta
	}{
		{"nil", nil},
		{"start past end", &MeshDelta{VertexStart: 4}},
		{"rewrites archived", &MeshDelta{VertexStart: 1, Vertices: []r3.Vec{{}}, Stamps: []uint64{1}}},
		{"stamp count", &MeshDelta{VertexStart: 3, Vertices: []r3.Vec{{}}, Stamps: nil}},
		{"face out of range", &MeshDelta{VertexStart: 3, Faces: [][3]uint32{{0, 1, 3}}}},
		{"archived beyond size", &MeshDelta{VertexStart: 3, TotalArchived: 10}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := base()
			err := m.ApplyDelta(tt.delta)
			if !errors.Is(err, ErrInvalidMeshDelta) {
				t.Fatalf("ApplyDelta() error = %v, want ErrInvalidMeshDelta", err)
			}
			if m.NumVertices() != 3 || m.ArchivedVertices != 2 {
				t.Error("invalid delta must leave the mesh untouched")
			}
		})
	}
}

func TestApplyVertices(t *testing.T) {
	orig := []r3.Vec{{X: 1}}
	orig = ApplyVertices(orig, &MeshDelta{VertexStart: 1, Vertices: []r3.Vec{{X: 2}, {X: 3}}})
	if len(orig) != 3 || orig[2].X != 3 {
		t.Errorf("ApplyVertices = %v", orig)
	}
}

func TestBoundingBox(t *testing.T) {
	bb, ok := BoundingBoxOf([]r3.Vec{{X: 1, Y: -1}, {X: -1, Y: 2, Z: 3}})
	if !ok {
		t.Fatal("BoundingBoxOf returned !ok")
	}
	if bb.Min != (r3.Vec{X: -1, Y: -1}) || bb.Max != (r3.Vec{X: 1, Y: 2, Z: 3}) {
		t.Errorf("bbox = %+v", bb)
	}
	if !bb.Contains(r3.Vec{}) || bb.Contains(r3.Vec{X: 2}) {
		t.Error("Contains mismatch")
	}
	if _, ok := BoundingBoxOf(nil); ok {
		t.Error("empty input should return !ok")
	}
}
