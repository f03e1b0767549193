package pgmo

import (
	"math"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

// Pose is a rigid transform: rotate by Rot (a unit quaternion) then
// translate by Trans. Composition follows a_T_c = a_T_b.Compose(b_T_c).
type Pose struct {
	Rot   quat.Number `json:"rotation"`
	Trans r3.Vec      `json:"translation"`
}

// Identity returns the identity transform.
func Identity() Pose {
	return Pose{Rot: quat.Number{Real: 1}}
}

// NewPose builds a pose, normalizing the rotation. A zero quaternion is
// treated as identity.
func NewPose(rot quat.Number, trans r3.Vec) Pose {
	return Pose{Rot: normalize(rot), Trans: trans}
}

// Translation returns a pure translation.
func Translation(t r3.Vec) Pose {
	return Pose{Rot: quat.Number{Real: 1}, Trans: t}
}

// AxisAngle returns the unit quaternion rotating by angle radians about axis.
func AxisAngle(axis r3.Vec, angle float64) quat.Number {
	n := r3.Norm(axis)
	if n == 0 {
		return quat.Number{Real: 1}
	}
	s := math.Sin(angle/2) / n
	return quat.Number{Real: math.Cos(angle / 2), Imag: axis.X * s, Jmag: axis.Y * s, Kmag: axis.Z * s}
}

func normalize(q quat.Number) quat.Number {
	n := quat.Abs(q)
	if n == 0 || math.IsNaN(n) {
		return quat.Number{Real: 1}
	}
	q = quat.Scale(1/n, q)
	if q.Real < 0 {
		q = quat.Scale(-1, q)
	}
	return q
}

// rot returns the rotation, treating the zero value as identity so that a
// zero Pose behaves as Identity.
func (p Pose) rot() quat.Number {
	if p.Rot == (quat.Number{}) {
		return quat.Number{Real: 1}
	}
	return p.Rot
}

// Rotate applies only the rotation to v.
func (p Pose) Rotate(v r3.Vec) r3.Vec {
	q := p.rot()
	r := quat.Mul(quat.Mul(q, quat.Number{Imag: v.X, Jmag: v.Y, Kmag: v.Z}), quat.Conj(q))
	return r3.Vec{X: r.Imag, Y: r.Jmag, Z: r.Kmag}
}

// Transform maps v from the pose's local frame into its parent frame.
func (p Pose) Transform(v r3.Vec) r3.Vec {
	return r3.Add(p.Rotate(v), p.Trans)
}

// Compose returns p * q.
func (p Pose) Compose(q Pose) Pose {
	return Pose{
		Rot:   normalize(quat.Mul(p.rot(), q.rot())),
		Trans: p.Transform(q.Trans),
	}
}

// Inverse returns p⁻¹.
func (p Pose) Inverse() Pose {
	inv := Pose{Rot: quat.Conj(p.rot())}
	inv.Trans = r3.Scale(-1, inv.Rotate(p.Trans))
	return inv
}

// Between returns p⁻¹ * q, the transform from p to q.
func (p Pose) Between(q Pose) Pose {
	return p.Inverse().Compose(q)
}

// Angle returns the rotation angle in radians, in [0, π].
func (p Pose) Angle() float64 {
	w := math.Min(1, math.Abs(p.rot().Real))
	return 2 * math.Acos(w)
}

// Distance returns the length of the translation.
func (p Pose) Distance() float64 { return r3.Norm(p.Trans) }

// ApproxEqual compares two poses within tol on translation and rotation.
func (p Pose) ApproxEqual(q Pose, tol float64) bool {
	if r3.Norm(r3.Sub(p.Trans, q.Trans)) > tol {
		return false
	}
	return p.Between(q).Angle() <= tol
}
