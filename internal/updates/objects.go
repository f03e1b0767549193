package updates

import (
	"github.com/mapstack/scenegraph/internal/dsg"
	"gonum.org/v1/gonum/spatial/r3"
)

// ObjectsFunctor re-derives object positions and bounding boxes from the
// deformed mesh vertices they are attached to. An inactive object whose
// centroid falls inside the box of an earlier object with the same
// semantic label is proposed as a duplicate of it.
type ObjectsFunctor struct {
	UseActiveFlag bool
}

// meshGeometry returns the centroid and box of the valid mesh connections.
func meshGeometry(mesh *dsg.Mesh, connections []uint64) (r3.Vec, dsg.BoundingBox, bool) {
	if mesh == nil || len(connections) == 0 {
		return r3.Vec{}, dsg.BoundingBox{}, false
	}
	pts := make([]r3.Vec, 0, len(connections))
	var sum r3.Vec
	for _, idx := range connections {
		if idx >= uint64(len(mesh.Vertices)) {
			continue
		}
		p := mesh.Vertices[idx]
		pts = append(pts, p)
		sum = r3.Add(sum, p)
	}
	box, ok := dsg.BoundingBoxOf(pts)
	if !ok {
		return r3.Vec{}, dsg.BoundingBox{}, false
	}
	return r3.Scale(1/float64(len(pts)), sum), box, true
}

func (f *ObjectsFunctor) Update(g *dsg.Graph, info *UpdateInfo) Merges {
	objects := g.Layer(dsg.LayerObjects)
	if objects == nil {
		return nil
	}

	nodes := objects.Nodes()
	for _, n := range nodes {
		if f.UseActiveFlag && n.Attrs.IsActive {
			continue
		}
		centroid, box, ok := meshGeometry(g.Mesh, n.Attrs.MeshConnections)
		if !ok {
			continue
		}
		n.Attrs.Position = centroid
		n.Attrs.BoundingBox = &box
	}

	if !info.AllowNodeMerging {
		return nil
	}
	merges := make(Merges)
	survivors := make(map[dsg.NodeID]bool)
	for i, from := range nodes {
		if from.Attrs.IsActive || survivors[from.ID] {
			continue
		}
		for _, to := range nodes[:i] {
			if _, absorbed := merges[to.ID]; absorbed {
				continue
			}
			if f.ShouldMerge(g, from, to, info) {
				merges[from.ID] = to.ID
				survivors[to.ID] = true
				break
			}
		}
	}
	return merges
}

// ShouldMerge reports whether from duplicates to: same semantic label and
// from's centroid inside to's bounding box. The centroid is recomputed from
// the current mesh when from carries mesh connections.
func (f *ObjectsFunctor) ShouldMerge(g *dsg.Graph, from, to *dsg.Node, _ *UpdateInfo) bool {
	if from.Attrs.SemanticLabel != to.Attrs.SemanticLabel || to.Attrs.BoundingBox == nil {
		return false
	}
	pos := from.Attrs.Position
	if centroid, _, ok := meshGeometry(g.Mesh, from.Attrs.MeshConnections); ok {
		pos = centroid
	}
	return to.Attrs.BoundingBox.Contains(pos)
}
