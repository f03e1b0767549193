package dsg

import (
	"errors"
	"fmt"
	"slices"

	"gonum.org/v1/gonum/spatial/r3"
)

// ErrInvalidMeshDelta is returned when a mesh delta cannot be applied.
var ErrInvalidMeshDelta = errors.New("invalid mesh delta")

// Mesh is the dense map geometry. Vertices below ArchivedVertices are final.
type Mesh struct {
	Vertices         []r3.Vec    `json:"vertices"`
	Stamps           []uint64    `json:"stamps"`
	Faces            [][3]uint32 `json:"faces"`
	ArchivedVertices int         `json:"archived_vertices"`
}

func (m *Mesh) NumVertices() int { return len(m.Vertices) }
func (m *Mesh) Empty() bool      { return len(m.Vertices) == 0 }

// Clone returns a deep copy.
func (m *Mesh) Clone() *Mesh {
	return &Mesh{
		Vertices:         slices.Clone(m.Vertices),
		Stamps:           slices.Clone(m.Stamps),
		Faces:            slices.Clone(m.Faces),
		ArchivedVertices: m.ArchivedVertices,
	}
}

// MeshDelta carries the frontend's mesh changes for one cycle: vertices from
// VertexStart onward are replaced, new faces are appended, and TotalArchived
// reports how many leading vertices the frontend has finalized.
type MeshDelta struct {
	VertexStart   int         `json:"vertex_start"`
	Vertices      []r3.Vec    `json:"vertices"`
	Stamps        []uint64    `json:"stamps"`
	Faces         [][3]uint32 `json:"faces"`
	TotalArchived int         `json:"total_archived"`
}

// Validate checks the delta against a mesh that currently has numVertices
// vertices of which archived are final.
func (d *MeshDelta) Validate(numVertices, archived int) error {
	if d.VertexStart < 0 || d.VertexStart > numVertices {
		return fmt.Errorf("%w: vertex_start %d outside [0, %d]", ErrInvalidMeshDelta, d.VertexStart, numVertices)
	}
	if d.VertexStart < archived && len(d.Vertices) > 0 {
		return fmt.Errorf("%w: vertex_start %d rewrites archived vertices (watermark %d)", ErrInvalidMeshDelta, d.VertexStart, archived)
	}
	if len(d.Stamps) != len(d.Vertices) {
		return fmt.Errorf("%w: %d stamps for %d vertices", ErrInvalidMeshDelta, len(d.Stamps), len(d.Vertices))
	}
	total := max(numVertices, d.VertexStart+len(d.Vertices))
	if d.TotalArchived < 0 || d.TotalArchived > total {
		return fmt.Errorf("%w: total_archived %d outside [0, %d]", ErrInvalidMeshDelta, d.TotalArchived, total)
	}
	for i, f := range d.Faces {
		for _, v := range f {
			if int(v) >= total {
				return fmt.Errorf("%w: face %d references vertex %d of %d", ErrInvalidMeshDelta, i, v, total)
			}
		}
	}
	return nil
}

// ApplyDelta validates and applies d. The archived watermark only moves forward.
func (m *Mesh) ApplyDelta(d *MeshDelta) error {
	if d == nil {
		return fmt.Errorf("%w: nil delta", ErrInvalidMeshDelta)
	}
	if err := d.Validate(len(m.Vertices), m.ArchivedVertices); err != nil {
		return err
	}
	end := d.VertexStart + len(d.Vertices)
	if end > len(m.Vertices) {
		m.Vertices = slices.Grow(m.Vertices, end-len(m.Vertices))[:end]
		m.Stamps = slices.Grow(m.Stamps, end-len(m.Stamps))[:end]
	}
	copy(m.Vertices[d.VertexStart:], d.Vertices)
	copy(m.Stamps[d.VertexStart:], d.Stamps)
	m.Faces = append(m.Faces, d.Faces...)
	m.ArchivedVertices = max(m.ArchivedVertices, d.TotalArchived)
	return nil
}

// ApplyVertices applies only the vertex portion of d to a plain position
// slice, used to keep the undeformed copy of the mesh in step.
func ApplyVertices(dst []r3.Vec, d *MeshDelta) []r3.Vec {
	end := d.VertexStart + len(d.Vertices)
	if end > len(dst) {
		dst = slices.Grow(dst, end-len(dst))[:end]
	}
	copy(dst[d.VertexStart:], d.Vertices)
	return dst
}
