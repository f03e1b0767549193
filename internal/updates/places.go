package updates

import (
	"math"
	"sort"

	"github.com/mapstack/scenegraph/internal/dsg"
	"gonum.org/v1/gonum/spatial/kdtree"
	"gonum.org/v1/gonum/spatial/r3"
)

// PlacesFunctor moves places onto their optimized anchor values and proposes
// merges between inactive places that ended up on top of each other.
type PlacesFunctor struct {
	PosThreshold      float64 // meters
	DistanceTolerance float64 // meters
	Neighbors         int     // nearest inactive places checked per place
	UseActiveFlag     bool
}

func (f *PlacesFunctor) Update(g *dsg.Graph, info *UpdateInfo) Merges {
	places := g.Layer(dsg.LayerPlaces)
	if places == nil {
		return nil
	}

	moved := 0
	for _, n := range places.Nodes() {
		if f.UseActiveFlag && n.Attrs.IsActive {
			continue
		}
		v, ok := info.PlacesValues[n.ID]
		if !ok {
			continue
		}
		n.Attrs.Position = v.Trans
		moved++
	}
	tracef("places: moved %d of %d", moved, places.NumNodes())

	if !info.AllowNodeMerging {
		return nil
	}
	return f.findMerges(places)
}

func (f *PlacesFunctor) findMerges(places *dsg.Layer) Merges {
	var pts placePoints
	order := make(map[dsg.NodeID]int)
	for i, n := range places.Nodes() {
		order[n.ID] = i
		if n.Attrs.IsActive {
			continue
		}
		pts = append(pts, placePoint{node: n, order: i})
	}
	if len(pts) < 2 {
		return nil
	}
	queries := append(placePoints(nil), pts...)
	tree := kdtree.New(pts, false)

	k := max(f.Neighbors, 1) + 1
	merges := make(Merges)
	survivors := make(map[dsg.NodeID]bool)
	for _, q := range queries {
		if survivors[q.node.ID] {
			continue
		}
		keeper := kdtree.NewNKeeper(k)
		tree.NearestSet(keeper, q)

		var near []placePoint
		for _, c := range keeper.Heap {
			if c.Comparable == nil {
				continue
			}
			p := c.Comparable.(placePoint)
			if p.node.ID == q.node.ID || p.order > q.order {
				continue
			}
			near = append(near, p)
		}
		sort.Slice(near, func(i, j int) bool {
			di, dj := q.Distance(near[i]), q.Distance(near[j])
			if di != dj {
				return di < dj
			}
			return near[i].order < near[j].order
		})
		for _, p := range near {
			if _, absorbed := merges[p.node.ID]; absorbed {
				continue
			}
			if f.close(q.node.Attrs, p.node.Attrs.Position, p.node.Attrs.Distance) {
				merges[q.node.ID] = p.node.ID
				survivors[p.node.ID] = true
				break
			}
		}
	}
	return merges
}

func (f *PlacesFunctor) close(from dsg.Attributes, toPos r3.Vec, toDistance float64) bool {
	if r3.Norm(r3.Sub(from.Position, toPos)) >= f.PosThreshold {
		return false
	}
	return math.Abs(from.Distance-toDistance) < f.DistanceTolerance
}

// ShouldMerge re-judges a recorded merge using this cycle's anchor values
// where they exist.
func (f *PlacesFunctor) ShouldMerge(_ *dsg.Graph, from, to *dsg.Node, info *UpdateInfo) bool {
	attrs := from.Attrs
	if v, ok := info.PlacesValues[from.ID]; ok {
		attrs.Position = v.Trans
	}
	toPos := to.Attrs.Position
	if v, ok := info.PlacesValues[to.ID]; ok {
		toPos = v.Trans
	}
	return f.close(attrs, toPos, to.Attrs.Distance)
}

// placePoint adapts a place to the kd-tree.
type placePoint struct {
	node  *dsg.Node
	order int
}

func (p placePoint) coord(d kdtree.Dim) float64 {
	switch d {
	case 0:
		return p.node.Attrs.Position.X
	case 1:
		return p.node.Attrs.Position.Y
	default:
		return p.node.Attrs.Position.Z
	}
}

func (p placePoint) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	return p.coord(d) - c.(placePoint).coord(d)
}

func (placePoint) Dims() int { return 3 }

// Distance returns the squared Euclidean distance.
func (p placePoint) Distance(c kdtree.Comparable) float64 {
	return r3.Norm2(r3.Sub(p.node.Attrs.Position, c.(placePoint).node.Attrs.Position))
}

type placePoints []placePoint

func (p placePoints) Index(i int) kdtree.Comparable         { return p[i] }
func (p placePoints) Len() int                              { return len(p) }
func (p placePoints) Pivot(d kdtree.Dim) int                { return placePlane{placePoints: p, Dim: d}.Pivot() }
func (p placePoints) Slice(start, end int) kdtree.Interface { return p[start:end] }

type placePlane struct {
	kdtree.Dim
	placePoints
}

func (p placePlane) Less(i, j int) bool {
	return p.placePoints[i].coord(p.Dim) < p.placePoints[j].coord(p.Dim)
}
func (p placePlane) Pivot() int { return kdtree.Partition(p, kdtree.MedianOfMedians(p)) }
func (p placePlane) Slice(start, end int) kdtree.SortSlicer {
	p.placePoints = p.placePoints[start:end]
	return p
}
func (p placePlane) Swap(i, j int) {
	p.placePoints[i], p.placePoints[j] = p.placePoints[j], p.placePoints[i]
}
