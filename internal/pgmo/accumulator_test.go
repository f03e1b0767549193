package pgmo

import (
	"errors"
	"math"
	"testing"

	"github.com/mapstack/scenegraph/internal/dsg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"
)

func robot(i uint64) Key  { return dsg.NewNodeID('a', i) }
func vertex(i uint64) Key { return dsg.NewNodeID('s', i) }

func testAccumulatorConfig(sparsify bool) AccumulatorConfig {
	return AccumulatorConfig{
		RobotPrefix:       'a',
		VertexPrefix:      's',
		SparsifyEnabled:   sparsify,
		TransThreshold:    1.0,
		RotThreshold:      0.5,
		MaxDensePerSparse: 10,
		OdomVariance:      1e-4,
		LCVariance:        1e-3,
		PriorVariance:     1e-6,
		MeshEdgeVariance:  1e-2,
	}
}

// chain builds n robot keys spaced step meters apart along x.
func chain(n int, step float64) PoseGraph {
	var pg PoseGraph
	for i := 0; i < n; i++ {
		pg.Nodes = append(pg.Nodes, PoseGraphNode{
			Key:         robot(uint64(i)),
			TimestampNs: uint64(i+1) * 100,
			Pose:        Translation(r3.Vec{X: float64(i) * step}),
		})
		if i > 0 {
			pg.Edges = append(pg.Edges, PoseGraphEdge{
				From: robot(uint64(i - 1)),
				To:   robot(uint64(i)),
				Type: EdgeOdom,
				Pose: Translation(r3.Vec{X: step}),
			})
		}
	}
	return pg
}

func TestIngestOdometryWithoutSparsification(t *testing.T) {
	a := NewAccumulator(testAccumulatorConfig(false))
	res, err := a.Ingest(IngestBatch{PoseGraphs: []PoseGraph{chain(4, 0.1)}})
	require.NoError(t, err)

	assert.Equal(t, 3, res.NewFactors)
	st := a.Stats()
	assert.Equal(t, 3, st.NumFactors)
	assert.Equal(t, 4, st.NumValues)
	assert.Equal(t, 4, st.NumSparseFrames)
	assert.Equal(t, 4, st.TrajectoryLen)

	v, ok := a.InitialValue(robot(3))
	require.True(t, ok)
	assert.InDelta(t, 0.3, v.Trans.X, tol)
}

func TestIngestSparsifiesShortMotion(t *testing.T) {
	a := NewAccumulator(testAccumulatorConfig(true))
	_, err := a.Ingest(IngestBatch{PoseGraphs: []PoseGraph{chain(6, 0.3)}})
	require.NoError(t, err)

	// 0.3 m steps under a 1 m threshold: a0..a3 share a frame (0.9 m),
	// a4 would be 1.2 m out so it starts a new one.
	frames := a.SparseFrames()
	require.Len(t, frames, 2)
	assert.Equal(t, []Key{robot(0), robot(1), robot(2), robot(3)}, frames[0].Members)
	assert.Equal(t, robot(4), frames[1].Key)

	s, ok := a.SparseKey(robot(5))
	require.True(t, ok)
	assert.Equal(t, robot(4), s)

	st := a.Stats()
	assert.Equal(t, 1, st.NumFactors)
	assert.Equal(t, 2, st.NumValues)
	assert.Equal(t, 6, st.TrajectoryLen)

	f := a.Problem().Factors[0]
	assert.Equal(t, robot(0), f.From)
	assert.Equal(t, robot(4), f.To)
	assert.InDelta(t, 1.2, f.Measurement.Trans.X, tol)
}

func TestSparsificationRespectsMaxDense(t *testing.T) {
	cfg := testAccumulatorConfig(true)
	cfg.MaxDensePerSparse = 2
	a := NewAccumulator(cfg)
	_, err := a.Ingest(IngestBatch{PoseGraphs: []PoseGraph{chain(5, 0.01)}})
	require.NoError(t, err)
	assert.Equal(t, 3, a.Stats().NumSparseFrames)
}

func TestCompleteAgentValues(t *testing.T) {
	a := NewAccumulator(testAccumulatorConfig(true))
	_, err := a.Ingest(IngestBatch{PoseGraphs: []PoseGraph{chain(6, 0.3)}})
	require.NoError(t, err)

	shift := r3.Vec{Y: 2}
	values := map[Key]Pose{
		robot(0): Translation(shift),
		robot(4): Translation(r3.Add(shift, r3.Vec{X: 1.2})),
	}
	full := a.CompleteAgentValues(values)
	require.Len(t, full, 6)
	for i := 0; i < 6; i++ {
		want := r3.Vec{X: 0.3 * float64(i), Y: 2}
		assert.True(t, vecClose(full[robot(uint64(i))].Trans, want), "a%d = %v, want %v", i, full[robot(uint64(i))].Trans, want)
	}
}

func TestLoopClosureReexpressedBetweenFrames(t *testing.T) {
	a := NewAccumulator(testAccumulatorConfig(true))
	_, err := a.Ingest(IngestBatch{PoseGraphs: []PoseGraph{chain(6, 0.3)}})
	require.NoError(t, err)

	// a1 (frame a0, offset 0.3) sees a5 (frame a4, offset 0.3) at +1.2.
	ok, err := a.AddLoopClosure(LoopClosureRecord{
		Src:      robot(1),
		Dest:     robot(5),
		SrcTDest: Translation(r3.Vec{X: 1.2}),
		Variance: 1e-3,
	})
	require.NoError(t, err)
	require.True(t, ok)

	factors := a.Problem().Factors
	lc := factors[len(factors)-1]
	assert.Equal(t, FactorLoopClosure, lc.Kind)
	assert.Equal(t, robot(0), lc.From)
	assert.Equal(t, robot(4), lc.To)
	assert.InDelta(t, 1.2, lc.Measurement.Trans.X, tol)

	recs := a.LoopClosures()
	require.Len(t, recs, 1)
	assert.Equal(t, robot(1), recs[0].Src, "log keeps dense keys")
}

func TestLoopClosureWithinFrameSkipped(t *testing.T) {
	a := NewAccumulator(testAccumulatorConfig(true))
	_, err := a.Ingest(IngestBatch{PoseGraphs: []PoseGraph{chain(3, 0.1)}})
	require.NoError(t, err)

	before := a.Stats().NumFactors
	ok, err := a.AddLoopClosure(LoopClosureRecord{Src: robot(0), Dest: robot(2), SrcTDest: Identity()})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, before, a.Stats().NumFactors, "no factor inside one frame")

	recs := a.LoopClosures()
	require.Len(t, recs, 1, "the verdict is still logged")
	assert.Equal(t, robot(2), recs[0].Dest)
	assert.Equal(t, 1, a.Stats().NumLoopClosures)
}

func TestLoopClosureUnregisteredKeyDropped(t *testing.T) {
	a := NewAccumulator(testAccumulatorConfig(true))
	_, err := a.Ingest(IngestBatch{PoseGraphs: []PoseGraph{chain(3, 0.5)}})
	require.NoError(t, err)
	before := a.Stats().NumFactors

	ok, err := a.AddLoopClosure(LoopClosureRecord{Src: robot(0), Dest: robot(99)})
	assert.False(t, ok)
	assert.True(t, errors.Is(err, ErrUnregisteredKey), "err = %v", err)
	assert.Equal(t, before, a.Stats().NumFactors)
}

func TestLoopClosureEdgeInPoseGraph(t *testing.T) {
	a := NewAccumulator(testAccumulatorConfig(false))
	pg := chain(3, 2)
	pg.Edges = append(pg.Edges, PoseGraphEdge{From: robot(2), To: robot(0), Type: EdgeLoopClose, Pose: Translation(r3.Vec{X: -4})})
	res, err := a.Ingest(IngestBatch{PoseGraphs: []PoseGraph{pg}})
	require.NoError(t, err)
	assert.Equal(t, 1, res.NewLoopClosures)
	assert.Equal(t, 1, res.TotalLoopClosures)
	assert.Equal(t, 3, res.NewFactors)
}

func TestDeformationGraphUnknownKeyIsFatal(t *testing.T) {
	a := NewAccumulator(testAccumulatorConfig(false))
	_, err := a.Ingest(IngestBatch{DeformationGraph: &DeformationGraph{
		Vertices: []ControlPoint{{Key: vertex(0)}},
		Edges:    [][2]Key{{vertex(0), vertex(7)}},
	}})
	assert.True(t, errors.Is(err, ErrUnknownKey), "err = %v", err)
}

func TestControlPointConnectionsWaitForTrajectory(t *testing.T) {
	a := NewAccumulator(testAccumulatorConfig(false))
	dg := &DeformationGraph{
		Vertices: []ControlPoint{
			{Key: vertex(0), TimestampNs: 150, Position: r3.Vec{X: 1, Y: 1}},
			{Key: vertex(1), TimestampNs: 160, Position: r3.Vec{X: 2, Y: 1}},
		},
		Edges:       [][2]Key{{vertex(0), vertex(1)}},
		Connections: []VertexConnection{{Vertex: vertex(0), Agent: robot(1)}},
	}
	res, err := a.Ingest(IngestBatch{DeformationGraph: dg})
	require.NoError(t, err)
	assert.Equal(t, 2, res.NewGraphFactors)
	assert.Equal(t, 1, a.Stats().NumFactors, "connection waits for a1")

	_, err = a.Ingest(IngestBatch{PoseGraphs: []PoseGraph{chain(2, 1)}})
	require.NoError(t, err)
	factors := a.Problem().Factors
	last := factors[len(factors)-1]
	assert.Equal(t, FactorMeshEdge, last.Kind)
	assert.Equal(t, robot(1), last.From)
	assert.Equal(t, vertex(0), last.To)
	assert.True(t, vecClose(last.Measurement.Trans, r3.Vec{Y: 1}))
	assert.Empty(t, a.Unconnected())

	ts, ok := a.Timestamp(vertex(1))
	assert.True(t, ok)
	assert.Equal(t, uint64(160), ts)
}

func TestAgentPriorsReplaced(t *testing.T) {
	a := NewAccumulator(testAccumulatorConfig(true))
	_, err := a.Ingest(IngestBatch{PoseGraphs: []PoseGraph{chain(3, 0.1)}})
	require.NoError(t, err)

	_, err = a.Ingest(IngestBatch{AgentMeasurements: []AgentMeasurement{
		{Key: robot(2), Pose: Translation(r3.Vec{X: 5})},
	}})
	require.NoError(t, err)
	priors := a.Problem().Priors
	require.Len(t, priors, 1)
	assert.Equal(t, robot(0), priors[0].Key)
	assert.InDelta(t, 4.8, priors[0].Pose.Trans.X, tol)

	// nil leaves priors alone, empty clears them.
	_, err = a.Ingest(IngestBatch{})
	require.NoError(t, err)
	assert.Len(t, a.Problem().Priors, 1)
	_, err = a.Ingest(IngestBatch{AgentMeasurements: []AgentMeasurement{}})
	require.NoError(t, err)
	assert.Empty(t, a.Problem().Priors)
}

func TestRotationBreaksSparseFrame(t *testing.T) {
	a := NewAccumulator(testAccumulatorConfig(true))
	pg := chain(2, 0.1)
	pg.Edges[0].Pose = NewPose(AxisAngle(r3.Vec{Z: 1}, math.Pi/2), r3.Vec{X: 0.1})
	_, err := a.Ingest(IngestBatch{PoseGraphs: []PoseGraph{pg}})
	require.NoError(t, err)
	assert.Equal(t, 2, a.Stats().NumSparseFrames)
}
