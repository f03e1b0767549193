package pgmo

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

const tol = 1e-9

func vecClose(a, b r3.Vec) bool { return r3.Norm(r3.Sub(a, b)) < tol }

func TestZeroPoseIsIdentity(t *testing.T) {
	var p Pose
	v := r3.Vec{X: 1, Y: 2, Z: 3}
	if got := p.Transform(v); !vecClose(got, v) {
		t.Errorf("zero pose moved %v to %v", v, got)
	}
	if !p.ApproxEqual(Identity(), tol) {
		t.Errorf("zero pose != identity")
	}
}

func TestRotateQuarterTurn(t *testing.T) {
	p := NewPose(AxisAngle(r3.Vec{Z: 1}, math.Pi/2), r3.Vec{})
	got := p.Rotate(r3.Vec{X: 1})
	if !vecClose(got, r3.Vec{Y: 1}) {
		t.Errorf("Rotate = %v, want (0,1,0)", got)
	}
	if math.Abs(p.Angle()-math.Pi/2) > tol {
		t.Errorf("Angle = %v, want pi/2", p.Angle())
	}
}

func TestComposeInverse(t *testing.T) {
	a := NewPose(AxisAngle(r3.Vec{X: 1, Y: 1}, 0.7), r3.Vec{X: 1, Y: -2, Z: 0.5})
	b := NewPose(AxisAngle(r3.Vec{Z: 1}, -1.1), r3.Vec{X: 3})

	if got := a.Compose(a.Inverse()); !got.ApproxEqual(Identity(), tol) {
		t.Errorf("a * a^-1 = %+v", got)
	}
	// a.Between(b) maps a into b.
	if got := a.Compose(a.Between(b)); !got.ApproxEqual(b, 1e-9) {
		t.Errorf("a * (a^-1 b) = %+v, want %+v", got, b)
	}

	v := r3.Vec{X: 0.3, Y: 0.2, Z: -1}
	want := a.Transform(b.Transform(v))
	if got := a.Compose(b).Transform(v); !vecClose(got, want) {
		t.Errorf("(a*b)v = %v, want %v", got, want)
	}
}

func TestNewPoseNormalizes(t *testing.T) {
	p := NewPose(quat.Number{Real: -2}, r3.Vec{})
	if p.Rot != (quat.Number{Real: 1}) {
		t.Errorf("Rot = %v, want 1", p.Rot)
	}
	p = NewPose(quat.Number{}, r3.Vec{X: 1})
	if p.Rot != (quat.Number{Real: 1}) {
		t.Errorf("zero rotation normalized to %v", p.Rot)
	}
}
