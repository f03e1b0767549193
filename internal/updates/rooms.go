package updates

import (
	"github.com/mapstack/scenegraph/internal/dsg"
	"github.com/paulmach/orb"
	"gonum.org/v1/gonum/spatial/r3"
)

// RoomFinder segments places into rooms. Implementations add or rewire room
// nodes in g; the functor then refreshes room geometry from the result.
type RoomFinder interface {
	FindRooms(g *dsg.Graph, info *UpdateInfo) error
}

// RoomsFunctor maintains room geometry and names.
type RoomsFunctor struct {
	// Finder may be nil, in which case rooms come only from the frontend.
	Finder RoomFinder
	// Names returns remotely assigned room names; nil disables relabeling.
	Names func() map[dsg.NodeID]string
}

func (f *RoomsFunctor) Update(g *dsg.Graph, info *UpdateInfo) Merges {
	if f.Finder != nil {
		if err := f.Finder.FindRooms(g, info); err != nil {
			opsf("room finder: %v", err)
		}
	}
	rooms := g.Layer(dsg.LayerRooms)
	if rooms == nil {
		return nil
	}
	for _, room := range rooms.Nodes() {
		if pos, box, ok := roomGeometry(g, room.ID); ok {
			room.Attrs.Position = pos
			room.Attrs.BoundingBox = &box
		}
	}
	return nil
}

// Cleanup applies remote names after every functor has run, so a rebuilt
// room keeps its label.
func (f *RoomsFunctor) Cleanup(g *dsg.Graph, _ *UpdateInfo) {
	if f.Names == nil {
		return
	}
	ApplyRoomNames(g, f.Names())
}

// ApplyRoomNames writes names onto the room nodes that exist and returns how
// many were written.
func ApplyRoomNames(g *dsg.Graph, names map[dsg.NodeID]string) int {
	rooms := g.Layer(dsg.LayerRooms)
	if rooms == nil {
		return 0
	}
	n := 0
	for id, name := range names {
		room, ok := rooms.Node(id)
		if !ok {
			continue
		}
		room.Attrs.Name = name
		n++
	}
	return n
}

// roomGeometry returns the centroid of a room's child places and its
// footprint: the planar bound of the children extruded over their height
// range.
func roomGeometry(g *dsg.Graph, room dsg.NodeID) (r3.Vec, dsg.BoundingBox, bool) {
	var (
		sum        r3.Vec
		count      int
		footprint  orb.MultiPoint
		minZ, maxZ float64
	)
	for _, child := range g.Children(room) {
		layer, _ := g.NodeLayer(child)
		if layer != dsg.LayerPlaces {
			continue
		}
		n, _ := g.Node(child)
		p := n.Attrs.Position
		if count == 0 {
			minZ, maxZ = p.Z, p.Z
		}
		sum = r3.Add(sum, p)
		count++
		footprint = append(footprint, orb.Point{p.X, p.Y})
		minZ = min(minZ, p.Z)
		maxZ = max(maxZ, p.Z)
	}
	if count == 0 {
		return r3.Vec{}, dsg.BoundingBox{}, false
	}
	b := footprint.Bound()
	box := dsg.BoundingBox{
		Min: r3.Vec{X: b.Min.X(), Y: b.Min.Y(), Z: minZ},
		Max: r3.Vec{X: b.Max.X(), Y: b.Max.Y(), Z: maxZ},
	}
	return r3.Scale(1/float64(count), sum), box, true
}
