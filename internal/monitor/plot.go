package monitor

import (
	"errors"
	"fmt"
	"image/color"
	"io"

	"github.com/mapstack/scenegraph/internal/dsg"
	"github.com/mapstack/scenegraph/internal/pgmo"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
)

// ErrNoPlaces is returned when there is nothing to plot.
var ErrNoPlaces = errors.New("no places to plot")

var (
	placeColor  = color.RGBA{R: 120, G: 120, B: 120, A: 255}
	anchorColor = color.RGBA{R: 31, G: 119, B: 180, A: 255}
	leafColor   = color.RGBA{R: 214, G: 39, B: 40, A: 255}
)

// PlotAnchors renders a top-down PNG of the places layer with the anchor
// spanning tree drawn over it. Leaves are drawn in red.
func PlotAnchors(w io.Writer, places *dsg.Layer, anchors pgmo.AnchorSet) error {
	if places == nil || places.NumNodes() == 0 {
		return ErrNoPlaces
	}

	p := plot.New()
	p.Title.Text = fmt.Sprintf("Places (%d) and anchor tree (%d anchors, %d leaves)",
		places.NumNodes(), len(anchors.Anchors), len(anchors.Leaves))
	p.X.Label.Text = "x (m)"
	p.Y.Label.Text = "y (m)"
	p.Add(plotter.NewGrid())

	all := make(plotter.XYs, 0, places.NumNodes())
	for _, n := range places.Nodes() {
		all = append(all, plotter.XY{X: n.Attrs.Position.X, Y: n.Attrs.Position.Y})
	}
	sc, err := plotter.NewScatter(all)
	if err != nil {
		return fmt.Errorf("places scatter: %w", err)
	}
	sc.GlyphStyle.Color = placeColor
	sc.GlyphStyle.Radius = vg.Points(1.5)
	p.Add(sc)

	pos := make(map[pgmo.Key]plotter.XY, len(anchors.Anchors))
	for _, a := range anchors.Anchors {
		pos[a.Key] = plotter.XY{X: a.Pose.Trans.X, Y: a.Pose.Trans.Y}
	}
	for _, e := range anchors.Edges {
		from, ok1 := pos[e.From]
		to, ok2 := pos[e.To]
		if !ok1 || !ok2 {
			continue
		}
		l, err := plotter.NewLine(plotter.XYs{from, to})
		if err != nil {
			return fmt.Errorf("anchor edge: %w", err)
		}
		l.Color = anchorColor
		l.Width = vg.Points(1)
		p.Add(l)
	}

	var interior, leaves plotter.XYs
	for _, a := range anchors.Anchors {
		if anchors.IsLeaf(a.Key) {
			leaves = append(leaves, pos[a.Key])
		} else {
			interior = append(interior, pos[a.Key])
		}
	}
	for _, set := range []struct {
		pts   plotter.XYs
		color color.Color
		shape draw.GlyphDrawer
	}{
		{interior, anchorColor, draw.CircleGlyph{}},
		{leaves, leafColor, draw.TriangleGlyph{}},
	} {
		if len(set.pts) == 0 {
			continue
		}
		s, err := plotter.NewScatter(set.pts)
		if err != nil {
			return fmt.Errorf("anchor scatter: %w", err)
		}
		s.GlyphStyle.Color = set.color
		s.GlyphStyle.Shape = set.shape
		s.GlyphStyle.Radius = vg.Points(3)
		p.Add(s)
	}

	wt, err := p.WriterTo(8*vg.Inch, 8*vg.Inch, "png")
	if err != nil {
		return fmt.Errorf("render places plot: %w", err)
	}
	if _, err := wt.WriteTo(w); err != nil {
		return fmt.Errorf("write places plot: %w", err)
	}
	return nil
}
