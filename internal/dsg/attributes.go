package dsg

import (
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

// BoundingBox is an axis-aligned box.
type BoundingBox struct {
	Min r3.Vec `json:"min"`
	Max r3.Vec `json:"max"`
}

// Valid reports whether the box has non-negative extent on every axis.
func (b BoundingBox) Valid() bool {
	return b.Min.X <= b.Max.X && b.Min.Y <= b.Max.Y && b.Min.Z <= b.Max.Z
}

// Contains reports whether p lies inside the box, boundary included.
func (b BoundingBox) Contains(p r3.Vec) bool {
	return b.Valid() &&
		p.X >= b.Min.X && p.X <= b.Max.X &&
		p.Y >= b.Min.Y && p.Y <= b.Max.Y &&
		p.Z >= b.Min.Z && p.Z <= b.Max.Z
}

// Center returns the midpoint of the box.
func (b BoundingBox) Center() r3.Vec {
	return r3.Scale(0.5, r3.Add(b.Min, b.Max))
}

// BoundingBoxOf returns the tight box around pts. The second result is false
// when pts is empty.
func BoundingBoxOf(pts []r3.Vec) (BoundingBox, bool) {
	if len(pts) == 0 {
		return BoundingBox{}, false
	}
	b := BoundingBox{Min: pts[0], Max: pts[0]}
	for _, p := range pts[1:] {
		b.Min = r3.Vec{X: min(b.Min.X, p.X), Y: min(b.Min.Y, p.Y), Z: min(b.Min.Z, p.Z)}
		b.Max = r3.Vec{X: max(b.Max.X, p.X), Y: max(b.Max.Y, p.Y), Z: max(b.Max.Z, p.Z)}
	}
	return b, true
}

// Attributes carries every per-node property. Layer-specific fields are left
// at their zero value on layers that do not use them.
type Attributes struct {
	Position      r3.Vec   `json:"position"`
	SemanticLabel uint32   `json:"semantic_label,omitempty"`
	Name          string   `json:"name,omitempty"`
	Color         [3]uint8 `json:"color"`
	IsActive      bool     `json:"is_active"`
	LastUpdateNs  uint64   `json:"last_update_ns,omitempty"`

	// objects
	MeshConnections []uint64     `json:"mesh_connections,omitempty"`
	BoundingBox     *BoundingBox `json:"bounding_box,omitempty"`

	// places
	DeformationConnections []uint64 `json:"deformation_connections,omitempty"`
	Distance               float64  `json:"distance,omitempty"`

	// agents
	TimestampNs uint64      `json:"timestamp_ns,omitempty"`
	Orientation quat.Number `json:"orientation"`
}

// Clone returns a deep copy.
func (a Attributes) Clone() Attributes {
	out := a
	if a.MeshConnections != nil {
		out.MeshConnections = append([]uint64(nil), a.MeshConnections...)
	}
	if a.DeformationConnections != nil {
		out.DeformationConnections = append([]uint64(nil), a.DeformationConnections...)
	}
	if a.BoundingBox != nil {
		bb := *a.BoundingBox
		out.BoundingBox = &bb
	}
	return out
}
