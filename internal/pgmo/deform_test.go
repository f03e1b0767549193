package pgmo

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/mapstack/scenegraph/internal/dsg"
	"gonum.org/v1/gonum/spatial/r3"
)

func lineMesh(n int) (*dsg.Mesh, []r3.Vec) {
	m := &dsg.Mesh{}
	for i := 0; i < n; i++ {
		m.Vertices = append(m.Vertices, r3.Vec{X: float64(i)})
		m.Stamps = append(m.Stamps, uint64(i+1)*100)
	}
	return m, slices.Clone(m.Vertices)
}

func shiftedField(n int, shift r3.Vec) *CorrectionField {
	var cps []ControlPoint
	initial := map[Key]Pose{}
	optimized := map[Key]Pose{}
	for i := 0; i < n; i++ {
		k := vertex(uint64(i))
		p := r3.Vec{X: float64(i)}
		cps = append(cps, ControlPoint{Key: k, TimestampNs: uint64(i+1) * 100, Position: p})
		initial[k] = Translation(p)
		optimized[k] = Translation(r3.Add(p, shift))
	}
	return NewCorrectionField(cps, initial, optimized, 4, time.Hour)
}

func TestCorrectionFieldUniformShift(t *testing.T) {
	f := shiftedField(5, r3.Vec{Z: 1})
	got := f.Apply(r3.Vec{X: 2.5}, 300)
	if !vecClose(got, r3.Vec{X: 2.5, Z: 1}) {
		t.Errorf("Apply = %v, want (2.5,0,1)", got)
	}
}

func TestCorrectionFieldIdentity(t *testing.T) {
	f := shiftedField(3, r3.Vec{})
	if !f.Identity() {
		t.Fatalf("unshifted field not identity")
	}
	v := r3.Vec{X: 0.123456789, Y: 7}
	if got := f.Apply(v, 200); got != v {
		t.Errorf("identity field moved %v to %v", v, got)
	}
}

func TestCorrectionFieldHorizon(t *testing.T) {
	cps := []ControlPoint{{Key: vertex(0), TimestampNs: 1_000, Position: r3.Vec{}}}
	f := NewCorrectionField(cps,
		map[Key]Pose{vertex(0): Identity()},
		map[Key]Pose{vertex(0): Translation(r3.Vec{X: 1})},
		4, time.Microsecond)
	if got := f.Apply(r3.Vec{}, 1_500); !vecClose(got, r3.Vec{X: 1}) {
		t.Errorf("inside horizon: %v", got)
	}
	if got := f.Apply(r3.Vec{}, 5_000); got != (r3.Vec{}) {
		t.Errorf("outside horizon moved to %v", got)
	}
}

func TestDeformerSkipsWithoutLoopClosures(t *testing.T) {
	d := NewDeformer()
	m, orig := lineMesh(4)
	d.MarkNewMesh()
	n, err := d.Deform(m, orig, shiftedField(4, r3.Vec{Y: 1}), false, false)
	if err != nil || n != 0 {
		t.Fatalf("Deform = %d, %v; want skip", n, err)
	}
	// No new mesh since the skip.
	n, _ = d.Deform(m, orig, shiftedField(4, r3.Vec{Y: 1}), true, false)
	if n != 0 {
		t.Errorf("deformed %d vertices without new mesh", n)
	}
	n, _ = d.Deform(m, orig, shiftedField(4, r3.Vec{Y: 1}), false, true)
	if n != 4 {
		t.Errorf("forced deform touched %d vertices, want 4", n)
	}
}

func TestDeformerLeavesArchivedVerticesUntouched(t *testing.T) {
	d := NewDeformer()
	m, orig := lineMesh(6)
	m.ArchivedVertices = 3

	d.MarkNewMesh()
	if n, err := d.Deform(m, orig, shiftedField(6, r3.Vec{Y: 1}), true, false); err != nil || n != 6 {
		t.Fatalf("first pass = %d, %v", n, err)
	}
	if d.Watermark() != 3 {
		t.Fatalf("watermark = %d, want 3", d.Watermark())
	}
	archived := slices.Clone(m.Vertices[:3])

	d.MarkNewMesh()
	n, err := d.Deform(m, orig, shiftedField(6, r3.Vec{Y: 5}), true, false)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("second pass touched %d vertices, want 3", n)
	}
	for i, v := range archived {
		if m.Vertices[i] != v {
			t.Errorf("archived vertex %d changed from %v to %v", i, v, m.Vertices[i])
		}
	}
	if !vecClose(m.Vertices[4], r3.Vec{X: 4, Y: 5}) {
		t.Errorf("live vertex = %v, want (4,5,0)", m.Vertices[4])
	}
}

func TestDeformerLengthMismatch(t *testing.T) {
	d := NewDeformer()
	m, orig := lineMesh(3)
	d.MarkNewMesh()
	if _, err := d.Deform(m, orig[:2], shiftedField(3, r3.Vec{}), true, false); err == nil {
		t.Errorf("expected error for mismatched originals")
	}
}

func TestInitialGuessOptimizer(t *testing.T) {
	opt := NewInitialGuessOptimizer()
	p := &Problem{
		Factors: []Factor{{From: robot(0), To: robot(1), Measurement: Translation(r3.Vec{X: 1})}},
		Values: map[Key]Pose{
			robot(0): Identity(),
			robot(1): Translation(r3.Vec{X: 1}),
		},
		Anchors: AnchorSet{Anchors: []Anchor{{Key: place(1), Pose: Translation(r3.Vec{Y: 3})}}},
	}
	res, err := opt.Optimize(context.Background(), p)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Values) != 2 || res.AnchorValues[place(1)].Trans.Y != 3 {
		t.Errorf("result = %+v", res)
	}
	res.Values[robot(0)] = Translation(r3.Vec{X: 9})
	if p.Values[robot(0)] != Identity() {
		t.Errorf("result aliases problem values")
	}

	p.Factors = append(p.Factors, Factor{From: robot(0), To: robot(7)})
	if _, err := opt.Optimize(context.Background(), p); !errors.Is(err, ErrUnknownKey) {
		t.Errorf("err = %v, want ErrUnknownKey", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := opt.Optimize(ctx, p); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}
