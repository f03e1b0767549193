package pgmo

import (
	"fmt"
	"maps"
	"slices"
)

// AccumulatorConfig configures factor accumulation and sparsification.
type AccumulatorConfig struct {
	RobotPrefix  byte
	VertexPrefix byte

	SparsifyEnabled   bool
	TransThreshold    float64 // meters
	RotThreshold      float64 // radians
	MaxDensePerSparse int

	OdomVariance     float64
	LCVariance       float64
	PriorVariance    float64
	MeshEdgeVariance float64
}

// DeformationGraph is one batch of mesh control points and their edges.
type DeformationGraph struct {
	TimestampNs uint64             `json:"timestamp_ns"`
	Vertices    []ControlPoint     `json:"vertices"`
	Edges       [][2]Key           `json:"edges"`
	Connections []VertexConnection `json:"connections"`
}

// VertexConnection attaches a control point to a trajectory pose.
type VertexConnection struct {
	Vertex Key `json:"vertex"`
	Agent  Key `json:"agent"`
}

// IngestBatch is everything the accumulator consumes in one cycle.
// A nil AgentMeasurements leaves priors alone; a non-nil (even empty) slice
// replaces every prior on robot-prefixed keys.
type IngestBatch struct {
	DeformationGraph  *DeformationGraph  `json:"deformation_graph,omitempty"`
	PoseGraphs        []PoseGraph        `json:"pose_graphs,omitempty"`
	AgentMeasurements []AgentMeasurement `json:"agent_measurements,omitempty"`
}

// IngestResult reports the counts of one Ingest call.
type IngestResult struct {
	NewFactors        int
	NewGraphFactors   int
	NewLoopClosures   int
	TotalLoopClosures int
}

// SparseFrame groups consecutive dense trajectory keys under one
// optimization variable. KeyedTransforms holds sparse_T_dense per member.
type SparseFrame struct {
	Key             Key          `json:"key"`
	Members         []Key        `json:"members"`
	KeyedTransforms map[Key]Pose `json:"keyed_transforms"`
}

func (f *SparseFrame) last() Key { return f.Members[len(f.Members)-1] }

// Stats summarizes the accumulated problem.
type Stats struct {
	NumFactors      int
	NumValues       int
	NumLoopClosures int
	TrajectoryLen   int
	NumUnconnected  int
	NumSparseFrames int
}

// Accumulator grows the pose-graph specification for the whole session.
// Factors are never deleted. It is not safe for concurrent use.
type Accumulator struct {
	cfg AccumulatorConfig

	factors    []Factor
	priors     map[Key]Prior
	values     map[Key]Pose
	timestamps map[Key]uint64
	trajectory []Key

	controlPoints []ControlPoint
	unconnected   map[Key]struct{}
	pending       map[Key][]Key // agent key -> control points waiting for it

	denseToSparse map[Key]Key
	frames        map[Key]*SparseFrame
	frameOrder    []Key

	loopClosures []LoopClosureRecord
}

// NewAccumulator returns an empty accumulator.
func NewAccumulator(cfg AccumulatorConfig) *Accumulator {
	if cfg.MaxDensePerSparse < 1 {
		cfg.MaxDensePerSparse = 1
	}
	return &Accumulator{
		cfg:           cfg,
		priors:        make(map[Key]Prior),
		values:        make(map[Key]Pose),
		timestamps:    make(map[Key]uint64),
		unconnected:   make(map[Key]struct{}),
		pending:       make(map[Key][]Key),
		denseToSparse: make(map[Key]Key),
		frames:        make(map[Key]*SparseFrame),
	}
}

// Ingest folds one batch into the factor set. Mesh control points are
// processed first, then pose graphs in order, then agent priors. An edge
// referencing a control point that was never declared fails with
// ErrUnknownKey; the batch is then partially applied and the session must
// stop.
func (a *Accumulator) Ingest(b IngestBatch) (IngestResult, error) {
	var res IngestResult
	prevLC := len(a.loopClosures)

	if dg := b.DeformationGraph; dg != nil {
		n, err := a.ingestDeformationGraph(dg)
		res.NewGraphFactors = n
		res.NewFactors += n
		if err != nil {
			return res, err
		}
	}

	for i := range b.PoseGraphs {
		res.NewFactors += a.ingestPoseGraph(&b.PoseGraphs[i])
	}
	a.flushPendingConnections()

	if b.AgentMeasurements != nil {
		a.replaceAgentPriors(b.AgentMeasurements)
	}

	res.NewLoopClosures = len(a.loopClosures) - prevLC
	res.TotalLoopClosures = len(a.loopClosures)
	return res, nil
}

func (a *Accumulator) ingestDeformationGraph(dg *DeformationGraph) (int, error) {
	for _, cp := range dg.Vertices {
		if _, ok := a.values[cp.Key]; ok {
			continue
		}
		a.values[cp.Key] = Translation(cp.Position)
		a.timestamps[cp.Key] = cp.TimestampNs
		a.controlPoints = append(a.controlPoints, cp)
		a.unconnected[cp.Key] = struct{}{}
	}

	n := 0
	for _, e := range dg.Edges {
		from, okF := a.values[e[0]]
		to, okT := a.values[e[1]]
		if !okF || !okT {
			return n, fmt.Errorf("%w: mesh edge %s-%s", ErrUnknownKey, e[0].Label(), e[1].Label())
		}
		a.factors = append(a.factors, Factor{
			From:        e[0],
			To:          e[1],
			Measurement: from.Between(to),
			Variance:    a.cfg.MeshEdgeVariance,
			Kind:        FactorMeshEdge,
		})
		delete(a.unconnected, e[0])
		delete(a.unconnected, e[1])
		n++
	}

	for _, c := range dg.Connections {
		if _, ok := a.values[c.Vertex]; !ok {
			return n, fmt.Errorf("%w: connection from control point %s", ErrUnknownKey, c.Vertex.Label())
		}
		if _, ok := a.denseToSparse[c.Agent]; ok {
			a.connect(c.Vertex, c.Agent)
		} else {
			a.pending[c.Agent] = append(a.pending[c.Agent], c.Vertex)
			diagf("control point %s waits for trajectory key %s", c.Vertex.Label(), c.Agent.Label())
		}
		n++
	}
	return n, nil
}

// connect adds the factor between a control point and the sparse frame
// owning agent, measured from the current initial estimates.
func (a *Accumulator) connect(vertex, agent Key) {
	sparse := a.denseToSparse[agent]
	a.factors = append(a.factors, Factor{
		From:        sparse,
		To:          vertex,
		Measurement: a.values[sparse].Between(a.values[vertex]),
		Variance:    a.cfg.MeshEdgeVariance,
		Kind:        FactorMeshEdge,
	})
	delete(a.unconnected, vertex)
}

func (a *Accumulator) flushPendingConnections() {
	for _, agent := range slices.Sorted(maps.Keys(a.pending)) {
		if _, ok := a.denseToSparse[agent]; !ok {
			continue
		}
		for _, vertex := range a.pending[agent] {
			a.connect(vertex, agent)
		}
		delete(a.pending, agent)
	}
}

func (a *Accumulator) ingestPoseGraph(pg *PoseGraph) int {
	nodePoses := make(map[Key]Pose, len(pg.Nodes))
	for _, n := range pg.Nodes {
		nodePoses[n.Key] = n.Pose
		if _, seen := a.timestamps[n.Key]; !seen {
			a.timestamps[n.Key] = n.TimestampNs
			a.trajectory = append(a.trajectory, n.Key)
			if _, registered := a.denseToSparse[n.Key]; !registered {
				a.unconnected[n.Key] = struct{}{}
			}
		}
	}

	for _, e := range pg.Edges {
		switch e.Type {
		case EdgeOdom:
			a.addOdometry(e, nodePoses)
		case EdgeLoopClose:
			rec := LoopClosureRecord{
				Src:      e.From,
				Dest:     e.To,
				SrcTDest: e.Pose,
				Variance: a.cfg.LCVariance,
			}
			if _, err := a.AddLoopClosure(rec); err != nil {
				opsf("dropping trajectory loop closure %s-%s: %v", e.From.Label(), e.To.Label(), err)
			}
		default:
			diagf("ignoring pose-graph edge %s-%s of type %d", e.From.Label(), e.To.Label(), e.Type)
		}
	}
	return len(pg.Edges)
}

func (a *Accumulator) addOdometry(e PoseGraphEdge, nodePoses map[Key]Pose) {
	if _, seen := a.denseToSparse[e.To]; seen {
		tracef("duplicate odometry edge into %s", e.To.Label())
		return
	}
	if _, ok := a.denseToSparse[e.From]; !ok {
		start, ok := nodePoses[e.From]
		if !ok {
			start = Identity()
		}
		a.startFrame(e.From, start)
	}
	a.touch(e.From)
	a.touch(e.To)

	sparse := a.denseToSparse[e.From]
	frame := a.frames[sparse]
	sparseTTo := frame.KeyedTransforms[e.From].Compose(e.Pose)

	if a.cfg.SparsifyEnabled &&
		frame.last() == e.From &&
		len(frame.Members) < a.cfg.MaxDensePerSparse &&
		sparseTTo.Distance() < a.cfg.TransThreshold &&
		sparseTTo.Angle() < a.cfg.RotThreshold {
		frame.Members = append(frame.Members, e.To)
		frame.KeyedTransforms[e.To] = sparseTTo
		a.denseToSparse[e.To] = sparse
		return
	}

	a.startFrame(e.To, a.values[sparse].Compose(sparseTTo))
	a.factors = append(a.factors, Factor{
		From:        sparse,
		To:          e.To,
		Measurement: sparseTTo,
		Variance:    a.cfg.OdomVariance,
		Kind:        FactorOdometry,
	})
}

func (a *Accumulator) touch(k Key) {
	delete(a.unconnected, k)
	if _, seen := a.timestamps[k]; !seen {
		a.timestamps[k] = 0
		a.trajectory = append(a.trajectory, k)
	}
}

func (a *Accumulator) startFrame(k Key, initial Pose) {
	a.values[k] = initial
	a.denseToSparse[k] = k
	a.frames[k] = &SparseFrame{
		Key:             k,
		Members:         []Key{k},
		KeyedTransforms: map[Key]Pose{k: Identity()},
	}
	a.frameOrder = append(a.frameOrder, k)
}

// AddLoopClosure adds a loop-closure factor. With sparsification enabled
// and a non-empty map, the measurement is re-expressed between the sparse
// frames owning each endpoint; an endpoint missing from the map yields
// ErrUnregisteredKey and the loop closure is dropped. A loop closure whose
// endpoints share one sparse frame carries no constraint: it is logged but
// no factor is added (false, nil).
func (a *Accumulator) AddLoopClosure(rec LoopClosureRecord) (bool, error) {
	f := Factor{
		From:        rec.Src,
		To:          rec.Dest,
		Measurement: rec.SrcTDest,
		Variance:    rec.Variance,
		Kind:        FactorLoopClosure,
	}

	if a.cfg.SparsifyEnabled && len(a.denseToSparse) > 0 {
		src, okS := a.denseToSparse[rec.Src]
		dest, okD := a.denseToSparse[rec.Dest]
		if !okS || !okD {
			missing := rec.Src
			if okS {
				missing = rec.Dest
			}
			return false, fmt.Errorf("%w: %s", ErrUnregisteredKey, missing.Label())
		}
		if src == dest {
			diagf("loop closure %s-%s inside sparse frame %s", rec.Src.Label(), rec.Dest.Label(), src.Label())
			a.loopClosures = append(a.loopClosures, rec)
			return false, nil
		}
		srcT := a.frames[src].KeyedTransforms[rec.Src]
		destT := a.frames[dest].KeyedTransforms[rec.Dest]
		f.From, f.To = src, dest
		f.Measurement = srcT.Compose(rec.SrcTDest).Compose(destT.Inverse())
	}

	a.factors = append(a.factors, f)
	a.loopClosures = append(a.loopClosures, rec)
	return true, nil
}

func (a *Accumulator) replaceAgentPriors(ms []AgentMeasurement) {
	for k := range a.priors {
		if k.Chr() == a.cfg.RobotPrefix {
			delete(a.priors, k)
		}
	}
	for _, m := range ms {
		sparse, ok := a.denseToSparse[m.Key]
		if !ok {
			diagf("agent measurement for unregistered key %s", m.Key.Label())
			continue
		}
		sparseTDense := a.frames[sparse].KeyedTransforms[m.Key]
		a.priors[sparse] = Prior{
			Key:      sparse,
			Pose:     m.Pose.Compose(sparseTDense.Inverse()),
			Variance: a.cfg.PriorVariance,
		}
	}
}

// CompleteAgentValues reconstructs a pose for every dense trajectory key
// from optimized sparse values.
func (a *Accumulator) CompleteAgentValues(values map[Key]Pose) map[Key]Pose {
	out := make(map[Key]Pose, len(a.trajectory))
	for _, k := range a.trajectory {
		sparse, ok := a.denseToSparse[k]
		if !ok {
			if v, ok := values[k]; ok {
				out[k] = v
			}
			continue
		}
		v, ok := values[sparse]
		if !ok {
			continue
		}
		out[k] = v.Compose(a.frames[sparse].KeyedTransforms[k])
	}
	return out
}

// Problem snapshots the accumulated specification for the optimizer.
// Anchors are filled in by the caller.
func (a *Accumulator) Problem() *Problem {
	p := &Problem{
		Factors: slices.Clone(a.factors),
		Values:  maps.Clone(a.values),
	}
	for _, k := range slices.Sorted(maps.Keys(a.priors)) {
		p.Priors = append(p.Priors, a.priors[k])
	}
	return p
}

// Stats returns the current counts.
func (a *Accumulator) Stats() Stats {
	return Stats{
		NumFactors:      len(a.factors),
		NumValues:       len(a.values),
		NumLoopClosures: len(a.loopClosures),
		TrajectoryLen:   len(a.trajectory),
		NumUnconnected:  len(a.unconnected),
		NumSparseFrames: len(a.frames),
	}
}

// Timestamp returns the timestamp recorded for a trajectory or control key.
func (a *Accumulator) Timestamp(k Key) (uint64, bool) {
	ts, ok := a.timestamps[k]
	return ts, ok && ts != 0
}

// Trajectory returns dense trajectory keys in arrival order.
func (a *Accumulator) Trajectory() []Key { return slices.Clone(a.trajectory) }

// LoopClosures returns every accepted loop closure in arrival order.
func (a *Accumulator) LoopClosures() []LoopClosureRecord { return slices.Clone(a.loopClosures) }

// ControlPoints returns mesh control points in arrival order with their
// initial positions.
func (a *Accumulator) ControlPoints() []ControlPoint { return slices.Clone(a.controlPoints) }

// InitialValue returns the initial estimate of a variable.
func (a *Accumulator) InitialValue(k Key) (Pose, bool) {
	v, ok := a.values[k]
	return v, ok
}

// Unconnected returns keys that no edge has touched yet, sorted.
func (a *Accumulator) Unconnected() []Key {
	return slices.Sorted(maps.Keys(a.unconnected))
}

// SparseKey returns the sparse frame owning a dense key.
func (a *Accumulator) SparseKey(dense Key) (Key, bool) {
	s, ok := a.denseToSparse[dense]
	return s, ok
}

// SparseFrames returns the frames in creation order. The frames alias
// accumulator state and must not be modified.
func (a *Accumulator) SparseFrames() []*SparseFrame {
	out := make([]*SparseFrame, 0, len(a.frameOrder))
	for _, k := range a.frameOrder {
		out = append(out, a.frames[k])
	}
	return out
}
