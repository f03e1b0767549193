package pgmo

import (
	"errors"

	"github.com/mapstack/scenegraph/internal/dsg"
	"gonum.org/v1/gonum/spatial/r3"
)

var (
	// ErrUnknownKey means a factor or optimizer result references a variable
	// with no registered value. It indicates an upstream protocol violation
	// and is fatal for the session.
	ErrUnknownKey = errors.New("unknown variable key")

	// ErrUnregisteredKey means a loop-closure endpoint is not yet in the
	// dense-to-sparse map. The loop closure is dropped.
	ErrUnregisteredKey = errors.New("key not registered in sparsification map")

	// ErrNotConverged is reported by optimizers that stopped before
	// converging. The cycle keeps the previous values.
	ErrNotConverged = errors.New("optimizer did not converge")
)

// Key names an optimization variable. Keys share the scene-graph symbol
// encoding: robot-prefixed keys are trajectory poses, vertex-prefixed keys
// are mesh control points, and place ids are temporary anchors.
type Key = dsg.NodeID

// FactorKind classifies a relative-pose factor.
type FactorKind int

const (
	FactorOdometry FactorKind = iota
	FactorLoopClosure
	FactorMeshEdge
	FactorPlaceMesh
	FactorPlaceEdge
)

var factorKindNames = [...]string{"odometry", "loop_closure", "mesh_edge", "place_mesh", "place_edge"}

func (k FactorKind) String() string {
	if int(k) < len(factorKindNames) {
		return factorKindNames[k]
	}
	return "unknown"
}

// Factor is a relative-pose measurement From_T_To with isotropic variance.
type Factor struct {
	From        Key        `json:"from"`
	To          Key        `json:"to"`
	Measurement Pose       `json:"measurement"`
	Variance    float64    `json:"variance"`
	Kind        FactorKind `json:"kind"`
}

// IsLoopClosure reports whether the factor came from a loop closure.
func (f Factor) IsLoopClosure() bool { return f.Kind == FactorLoopClosure }

// Prior fixes a variable to an absolute pose.
type Prior struct {
	Key      Key     `json:"key"`
	Pose     Pose    `json:"pose"`
	Variance float64 `json:"variance"`
}

// LoopClosureRecord is a loop closure accepted into the factor set, kept for
// the loop-closure log. Src and Dest are the original dense keys.
type LoopClosureRecord struct {
	Src            Key     `json:"src"`
	Dest           Key     `json:"dest"`
	SrcTDest       Pose    `json:"src_T_dest"`
	Variance       float64 `json:"variance"`
	FromSceneGraph bool    `json:"from_scene_graph"`
	Level          int     `json:"level"`
}

// RegistrationSolution is a loop-closure verdict from the detector. The
// transform maps points in the query (From) frame into the match (To) frame.
type RegistrationSolution struct {
	Valid       bool   `json:"valid"`
	FromNode    Key    `json:"from_node"`
	ToNode      Key    `json:"to_node"`
	ToTFrom     Pose   `json:"to_T_from"`
	Level       int    `json:"level"`
	TimestampNs uint64 `json:"timestamp_ns"`
}

// LoopClosure converts a verdict into a scene-graph-derived record. Level 0
// verdicts use sgVariance, higher levels lcVariance.
func (s RegistrationSolution) LoopClosure(lcVariance, sgVariance float64) LoopClosureRecord {
	variance := sgVariance
	if s.Level > 0 {
		variance = lcVariance
	}
	return LoopClosureRecord{
		Src:            s.ToNode,
		Dest:           s.FromNode,
		SrcTDest:       s.ToTFrom,
		Variance:       variance,
		FromSceneGraph: true,
		Level:          s.Level,
	}
}

// EdgeType classifies pose-graph message edges.
type EdgeType int

const (
	EdgeOdom EdgeType = iota
	EdgeLoopClose
	EdgeMesh
)

// PoseGraphNode is a trajectory or control-point node in a pose-graph message.
type PoseGraphNode struct {
	Key         Key    `json:"key"`
	TimestampNs uint64 `json:"timestamp_ns"`
	Pose        Pose   `json:"pose"`
}

// PoseGraphEdge is a relative measurement From_T_To in a pose-graph message.
type PoseGraphEdge struct {
	From        Key      `json:"from"`
	To          Key      `json:"to"`
	Type        EdgeType `json:"type"`
	Pose        Pose     `json:"pose"`
	TimestampNs uint64   `json:"timestamp_ns"`
}

// PoseGraph is one batch of relative-pose measurements.
type PoseGraph struct {
	TimestampNs uint64          `json:"timestamp_ns"`
	Nodes       []PoseGraphNode `json:"nodes"`
	Edges       []PoseGraphEdge `json:"edges"`
}

// AgentMeasurement is an absolute pose observation for a trajectory key.
type AgentMeasurement struct {
	Key  Key  `json:"key"`
	Pose Pose `json:"pose"`
}

// ControlPoint is a mesh deformation-graph vertex.
type ControlPoint struct {
	Key         Key    `json:"key"`
	TimestampNs uint64 `json:"timestamp_ns"`
	Position    r3.Vec `json:"position"`
}
