package updates

import (
	"github.com/mapstack/scenegraph/internal/dsg"
	"gonum.org/v1/gonum/spatial/r3"
)

// BuildingID is the single building node maintained by BuildingsFunctor.
var BuildingID = dsg.NewNodeID(dsg.BuildingPrefix, 0)

// BuildingsFunctor keeps one building node parenting every room, placed at
// the room centroid.
type BuildingsFunctor struct {
	SemanticLabel uint32
	Color         [3]uint8
}

func (f *BuildingsFunctor) Update(g *dsg.Graph, _ *UpdateInfo) Merges {
	rooms := g.Layer(dsg.LayerRooms)
	if rooms == nil || rooms.NumNodes() == 0 {
		return nil
	}

	var sum r3.Vec
	for _, room := range rooms.Nodes() {
		sum = r3.Add(sum, room.Attrs.Position)
	}
	centroid := r3.Scale(1/float64(rooms.NumNodes()), sum)

	building, ok := g.Node(BuildingID)
	if !ok {
		attrs := dsg.Attributes{
			Position:      centroid,
			SemanticLabel: f.SemanticLabel,
			Color:         f.Color,
			Name:          "building",
		}
		if err := g.AddNode(dsg.LayerBuildings, BuildingID, attrs); err != nil {
			opsf("buildings: %v", err)
			return nil
		}
		building, _ = g.Node(BuildingID)
	}
	building.Attrs.Position = centroid
	building.Attrs.SemanticLabel = f.SemanticLabel
	building.Attrs.Color = f.Color

	for _, room := range rooms.IDs() {
		if parent, ok := g.Parent(room); ok && parent != BuildingID {
			g.RemoveEdge(parent, room)
		}
		if _, err := g.InsertEdge(BuildingID, room); err != nil {
			diagf("buildings: %v", err)
		}
	}
	return nil
}
