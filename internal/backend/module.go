// Package backend runs the scene-graph consolidation loop: it folds frontend
// snapshots into a private backend graph, accumulates pose-graph factors and
// loop closures, optimizes on loop closure, deforms the mesh and reconciles
// graph attributes against the optimized values.
package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/mapstack/scenegraph/internal/config"
	"github.com/mapstack/scenegraph/internal/db"
	"github.com/mapstack/scenegraph/internal/dsg"
	"github.com/mapstack/scenegraph/internal/monitor"
	"github.com/mapstack/scenegraph/internal/pgmo"
	"github.com/mapstack/scenegraph/internal/queue"
	"github.com/mapstack/scenegraph/internal/relabel"
	"github.com/mapstack/scenegraph/internal/timeutil"
	"github.com/mapstack/scenegraph/internal/updates"
)

// Input is one frontend cycle: factor batches, an optional mesh delta and
// merges decided outside the backend.
type Input struct {
	TimestampNs uint64 `json:"timestamp_ns"`
	pgmo.IngestBatch
	MeshDelta   *dsg.MeshDelta                 `json:"mesh_delta,omitempty"`
	GivenMerges map[dsg.LayerID]updates.Merges `json:"given_merges,omitempty"`
}

// OutputFunc receives the backend graph at the end of a cycle. Every
// callback of a cycle gets the same copy and must not modify it.
type OutputFunc func(g *dsg.Graph, timestampNs uint64)

// SessionStore persists session metadata, loop closures and status rows.
// *db.DB implements it.
type SessionStore interface {
	monitor.StatusStore
	StartSession(id, robotPrefix, configJSON string) error
	EndSession(id string) error
	RecordLoopClosure(session string, lc db.LoopClosureRow) error
}

// Deps are the collaborators of a Module. Only Frontend is required.
type Deps struct {
	Frontend *dsg.SharedGraph

	// Optimizer defaults to the pass-through optimizer.
	Optimizer  pgmo.Optimizer
	RoomFinder updates.RoomFinder

	// Relabel, if set, is drained by a second goroutine during Run.
	Relabel relabel.Source
	Store   SessionStore
	Clock   timeutil.Clock
	Sinks   []monitor.StatusSink
}

// Module owns the backend graph and the state derived from it.
type Module struct {
	cfg       *config.BackendConfig
	clock     timeutil.Clock
	sessionID string

	frontend *dsg.SharedGraph
	backend  *dsg.SharedGraph

	inputs       *queue.Queue[Input]
	loopClosures *queue.Queue[pgmo.RegistrationSolution]

	merger    *dsg.Merger
	acc       *pgmo.Accumulator
	optimizer pgmo.Optimizer
	deformer  *pgmo.Deformer
	pipeline  *updates.Pipeline
	reporter  *monitor.Reporter
	relabel   relabel.Source
	store     SessionStore

	// Guarded by the backend graph lock.
	original            []r3.Vec
	haveLoopClosures    bool
	haveNewLoopClosures bool
	recordedLC          int
	pgmoValues          map[pgmo.Key]pgmo.Pose
	placesValues        map[pgmo.Key]pgmo.Pose
	agentValues         map[pgmo.Key]pgmo.Pose
	anchors             pgmo.AnchorSet
	field               *pgmo.CorrectionField

	namesMu   sync.Mutex
	roomNames map[dsg.NodeID]string

	cbMu      sync.Mutex
	callbacks []OutputFunc
}

// NewModule builds a module around an empty backend graph. With a store, a
// session is started and every status is recorded against it.
func NewModule(cfg *config.BackendConfig, deps Deps) (*Module, error) {
	if deps.Frontend == nil {
		return nil, errors.New("backend: frontend graph is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("backend: %w", err)
	}
	clock := deps.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	optimizer := deps.Optimizer
	if optimizer == nil {
		optimizer = pgmo.NewInitialGuessOptimizer()
	}

	m := &Module{
		cfg:          cfg,
		clock:        clock,
		sessionID:    uuid.NewString(),
		frontend:     deps.Frontend,
		backend:      dsg.NewSharedGraph(dsg.NewGraph()),
		inputs:       queue.New[Input](clock),
		loopClosures: queue.New[pgmo.RegistrationSolution](clock),
		merger:       dsg.NewMerger(mergerConfig(cfg)),
		acc: pgmo.NewAccumulator(pgmo.AccumulatorConfig{
			RobotPrefix:       cfg.GetRobotPrefix(),
			VertexPrefix:      cfg.GetVertexPrefix(),
			SparsifyEnabled:   cfg.GetSparsifyEnabled(),
			TransThreshold:    cfg.GetSparsifyTransThresholdM(),
			RotThreshold:      cfg.GetSparsifyRotThresholdRad(),
			MaxDensePerSparse: cfg.GetSparsifyMaxDensePerSparse(),
			OdomVariance:      cfg.GetOdomVariance(),
			LCVariance:        cfg.GetLCVariance(),
			PriorVariance:     cfg.GetPriorVariance(),
			MeshEdgeVariance:  cfg.GetMeshEdgeVariance(),
		}),
		optimizer: optimizer,
		deformer:  pgmo.NewDeformer(),
		reporter:  monitor.NewReporter(0, deps.Sinks...),
		relabel:   deps.Relabel,
		store:     deps.Store,
		roomNames: make(map[dsg.NodeID]string),
	}
	m.pipeline = updates.NewDefaultPipeline(cfg, deps.RoomFinder, m.RoomNames)

	if m.store != nil {
		cfgJSON, err := json.Marshal(cfg)
		if err != nil {
			return nil, fmt.Errorf("backend: encode config: %w", err)
		}
		if err := m.store.StartSession(m.sessionID, string(cfg.GetRobotPrefix()), string(cfgJSON)); err != nil {
			return nil, fmt.Errorf("backend: %w", err)
		}
		m.reporter.AddSink(monitor.NewDBSink(m.store, m.sessionID))
	}
	return m, nil
}

func mergerConfig(cfg *config.BackendConfig) dsg.MergerConfig {
	out := dsg.MergerConfig{
		UpdateLayerAttributes:   make(map[dsg.LayerID]bool),
		UpdateDynamicAttributes: cfg.GetMergeUpdateDynamic(),
	}
	for name, update := range cfg.GetMergeUpdateMap() {
		layer, ok := dsg.ParseLayerName(name)
		if !ok {
			opsf("ignoring merge_update_map entry for unknown layer %q", name)
			continue
		}
		out.UpdateLayerAttributes[layer] = update
	}
	return out
}

// SessionID identifies this run in the session store and saved artifacts.
func (m *Module) SessionID() string { return m.sessionID }

// Reporter returns the status reporter, for attaching sinks and routes.
func (m *Module) Reporter() *monitor.Reporter { return m.reporter }

// Backend returns the shared backend graph.
func (m *Module) Backend() *dsg.SharedGraph { return m.backend }

// Push queues one frontend cycle. Inputs are processed in push order.
func (m *Module) Push(in Input) { m.inputs.Push(in) }

// PushLoopClosure queues a loop-closure verdict for the next cycle.
func (m *Module) PushLoopClosure(s pgmo.RegistrationSolution) { m.loopClosures.Push(s) }

// QueueLen returns the number of inputs waiting.
func (m *Module) QueueLen() int { return m.inputs.Len() }

// AddOutputCallback registers fn to run at the end of every cycle.
func (m *Module) AddOutputCallback(fn OutputFunc) {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	m.callbacks = append(m.callbacks, fn)
}

// RoomNames returns the remotely assigned room names received so far.
func (m *Module) RoomNames() map[dsg.NodeID]string {
	m.namesMu.Lock()
	defer m.namesMu.Unlock()
	return maps.Clone(m.roomNames)
}

// Run processes inputs until ctx is cancelled, then finishes the inputs
// that were queued when cancellation was observed. With a relabel source a
// second goroutine applies room names. Run returns the first fatal error.
func (m *Module) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return m.spin(gctx) })
	if m.relabel != nil {
		g.Go(func() error { return m.runRelabel(gctx) })
	}
	return g.Wait()
}

func (m *Module) spin(ctx context.Context) error {
	timeout := m.cfg.GetPollTimeout()
	diagf("session %s: spinning with poll timeout %v", m.sessionID, timeout)
	for {
		if ctx.Err() != nil {
			return m.drain(context.WithoutCancel(ctx))
		}
		in, ok := m.inputs.Poll(timeout)
		if !ok {
			continue
		}
		// A popped input runs to completion even if shutdown arrives mid-cycle.
		if err := m.SpinOnce(context.WithoutCancel(ctx), in, false); err != nil {
			return err
		}
	}
}

// drain processes the inputs queued at shutdown. Anything pushed after
// that is left in the queue.
func (m *Module) drain(ctx context.Context) error {
	n := m.inputs.Len()
	for range n {
		in, ok := m.inputs.Pop()
		if !ok {
			break
		}
		if err := m.SpinOnce(ctx, in, false); err != nil {
			return err
		}
	}
	diagf("stopped after draining %d inputs, %d left unprocessed", n, m.inputs.Len())
	return nil
}

// SpinOnce runs one cycle for in. force merges the frontend even when it is
// ahead of the input. Only an inconsistent factor graph is returned as an
// error; everything else is logged and skipped.
func (m *Module) SpinOnce(ctx context.Context, in Input, force bool) error {
	sw := timeutil.StartStopwatch(m.clock)
	status := monitor.Status{TimestampNs: in.TimestampNs}

	g := m.backend.Lock()
	out, err := m.spinLocked(ctx, g, in, force, &status)
	m.backend.Unlock()
	if err != nil {
		return err
	}

	status.RunTime = sw.Elapsed()
	if err := m.reporter.Report(status); err != nil {
		opsf("status sink: %v", err)
	}
	tracef("cycle %d: lc=%d/%d factors=%d (+%d) run=%v undone=%d",
		in.TimestampNs, status.NewLoopClosures, status.TotalLoopClosures,
		status.TotalFactors, status.NewFactors, status.RunTime, status.NumMergesUndone)
	if out != nil {
		m.broadcast(out, in.TimestampNs)
	}
	return nil
}

func (m *Module) spinLocked(ctx context.Context, g *dsg.Graph, in Input, force bool, status *monitor.Status) (*dsg.Graph, error) {
	if err := m.updateFactorGraph(in, status); err != nil {
		return nil, err
	}
	m.drainLoopClosures(status)
	m.fillCounts(status)
	m.recordLoopClosures()
	m.copyMeshDelta(g, in.MeshDelta)

	if err := m.mergeFrontend(g, in.TimestampNs, force); err != nil {
		if errors.Is(err, dsg.ErrStaleSnapshot) {
			diagf("skipping reconcile: %v", err)
			return nil, nil
		}
		return nil, err
	}

	info := &updates.UpdateInfo{
		TimestampNs:      in.TimestampNs,
		AllowNodeMerging: m.cfg.GetEnableNodeMerging(),
	}
	if m.cfg.GetOptimizeOnLC() && m.haveLoopClosures {
		if err := m.optimize(ctx, status); err != nil {
			return nil, err
		}
		m.deformMesh(g, true, status)
		info.PlacesValues = m.placesValues
		info.PgmoValues = m.pgmoValues
		info.CompleteAgentValues = m.agentValues
		info.LoopClosureDetected = m.haveNewLoopClosures
	} else {
		m.deformMesh(g, false, status)
	}

	status.NumMergesUndone = m.pipeline.Run(g, info, in.GivenMerges)
	m.haveNewLoopClosures = false
	g.LastUpdateNs = max(g.LastUpdateNs, in.TimestampNs)

	m.cbMu.Lock()
	n := len(m.callbacks)
	m.cbMu.Unlock()
	if n == 0 {
		return nil, nil
	}
	return g.Clone(), nil
}

func (m *Module) updateFactorGraph(in Input, status *monitor.Status) error {
	if in.DeformationGraph == nil && len(in.PoseGraphs) == 0 && in.AgentMeasurements == nil {
		return nil
	}
	res, err := m.acc.Ingest(in.IngestBatch)
	status.NewFactors = res.NewFactors
	status.NewGraphFactors = res.NewGraphFactors
	status.NewLoopClosures = res.NewLoopClosures
	if err != nil {
		return fmt.Errorf("ingest input at %d: %w", in.TimestampNs, err)
	}
	if res.NewLoopClosures > 0 || in.AgentMeasurements != nil {
		m.haveLoopClosures = true
		m.haveNewLoopClosures = true
	}
	return nil
}

func (m *Module) drainLoopClosures(status *monitor.Status) {
	lcVar, sgVar := m.cfg.GetLCVariance(), m.cfg.GetSGLoopClosureVariance()
	for _, sol := range m.loopClosures.Drain() {
		if !sol.Valid {
			tracef("ignoring invalid registration %s -> %s", sol.FromNode.Label(), sol.ToNode.Label())
			continue
		}
		added, err := m.acc.AddLoopClosure(sol.LoopClosure(lcVar, sgVar))
		if err != nil {
			opsf("dropping loop closure %s -> %s: %v", sol.FromNode.Label(), sol.ToNode.Label(), err)
			continue
		}
		status.NewLoopClosures++
		if !added {
			continue
		}
		m.haveLoopClosures = true
		m.haveNewLoopClosures = true
	}
}

func (m *Module) fillCounts(status *monitor.Status) {
	st := m.acc.Stats()
	status.TotalLoopClosures = st.NumLoopClosures
	status.TotalFactors = st.NumFactors
	status.TotalValues = st.NumValues
	status.TrajectoryLen = st.TrajectoryLen
}

// recordLoopClosures stores loop closures accepted since the last call.
func (m *Module) recordLoopClosures() {
	if m.store == nil {
		return
	}
	lcs := m.acc.LoopClosures()
	for _, lc := range lcs[m.recordedLC:] {
		if err := m.store.RecordLoopClosure(m.sessionID, loopClosureRow(lc)); err != nil {
			opsf("record loop closure: %v", err)
		}
	}
	m.recordedLC = len(lcs)
}

func loopClosureRow(lc pgmo.LoopClosureRecord) db.LoopClosureRow {
	t, q := lc.SrcTDest.Trans, lc.SrcTDest.Rot
	return db.LoopClosureRow{
		SrcKey:         lc.Src.Label(),
		DestKey:        lc.Dest.Label(),
		X:              t.X,
		Y:              t.Y,
		Z:              t.Z,
		QW:             q.Real,
		QX:             q.Imag,
		QY:             q.Jmag,
		QZ:             q.Kmag,
		FromSceneGraph: lc.FromSceneGraph,
		Level:          lc.Level,
	}
}

func (m *Module) copyMeshDelta(g *dsg.Graph, d *dsg.MeshDelta) {
	if d == nil {
		return
	}
	if err := g.Mesh.ApplyDelta(d); err != nil {
		opsf("skipping mesh delta: %v", err)
		return
	}
	m.original = dsg.ApplyVertices(m.original, d)
	m.deformer.MarkNewMesh()
}

func (m *Module) mergeFrontend(g *dsg.Graph, timestampNs uint64, force bool) error {
	handler := m.pipeline.Handler()
	return m.merger.MergeLocked(g, m.frontend, dsg.MergeOptions{
		TimestampNs:    timestampNs,
		Force:          force,
		PreviousMerges: handler.MergedNodes(),
		OnFrontend:     handler.RefreshFromFrontend,
	})
}

// optimize solves the accumulated problem with this cycle's place anchors.
// A failed solve keeps the previous values unless the failure means the
// factor graph itself is inconsistent.
func (m *Module) optimize(ctx context.Context, status *monitor.Status) error {
	sw := timeutil.StartStopwatch(m.clock)
	defer func() {
		status.OptimizeTime = sw.Elapsed()
		status.HasOptimizeTime = true
	}()

	p := m.acc.Problem()
	p.PlaceMeshVariance = m.cfg.GetPlaceMeshVariance()
	p.PlaceEdgeVariance = m.cfg.GetPlaceEdgeVariance()
	if m.cfg.GetAddPlacesToDeformationGraph() {
		places := m.merger.PlacesWorkingCopy()
		if places.NumNodes() == 0 {
			opsf("places working copy is empty; optimizing without place anchors")
		}
		p.Anchors = pgmo.BuildAnchors(places, m.cfg.GetVertexPrefix())
	}
	m.anchors = p.Anchors

	res, err := m.optimizer.Optimize(ctx, p)
	if err != nil {
		if errors.Is(err, pgmo.ErrUnknownKey) {
			return fmt.Errorf("optimize: %w", err)
		}
		opsf("optimize failed, keeping previous values: %v", err)
		return nil
	}

	m.pgmoValues = res.Values
	m.placesValues = res.AnchorValues
	m.agentValues = m.acc.CompleteAgentValues(res.Values)
	maps.Copy(m.agentValues, res.Trajectory)
	m.field = pgmo.NewCorrectionField(m.acc.ControlPoints(), p.Values, res.Values,
		m.cfg.GetNumInterpPts(), m.cfg.GetInterpHorizon())
	diagf("optimized %d factors, %d values, %d anchors (%d leaves)",
		len(p.Factors), len(p.Values), len(p.Anchors.Anchors), len(p.Anchors.Leaves))
	return nil
}

func (m *Module) correctionField() *pgmo.CorrectionField {
	if m.field == nil {
		return pgmo.NewCorrectionField(nil, nil, nil, m.cfg.GetNumInterpPts(), m.cfg.GetInterpHorizon())
	}
	return m.field
}

func (m *Module) deformMesh(g *dsg.Graph, force bool, status *monitor.Status) {
	sw := timeutil.StartStopwatch(m.clock)
	n, err := m.deformer.Deform(g.Mesh, m.original, m.correctionField(), m.haveLoopClosures, force)
	if err != nil {
		opsf("mesh deformation skipped: %v", err)
		return
	}
	if n > 0 {
		status.MeshUpdateTime = sw.Elapsed()
		status.HasMeshUpdateTime = true
		tracef("deformed %d vertices, watermark %d", n, m.deformer.Watermark())
	}
}

func (m *Module) broadcast(g *dsg.Graph, timestampNs uint64) {
	m.cbMu.Lock()
	cbs := append([]OutputFunc(nil), m.callbacks...)
	m.cbMu.Unlock()
	for _, fn := range cbs {
		fn(g, timestampNs)
	}
}

// Reset drops every merge record and the backend graph, then rebuilds the
// graph from the frontend. The mesh is kept and fully re-deformed on the
// next pass.
func (m *Module) Reset() error {
	g := m.backend.Lock()
	defer m.backend.Unlock()

	m.pipeline.Handler().Reset()
	mesh := g.Mesh
	g.Clear()
	g.Mesh = mesh
	m.merger.Reset()
	m.deformer.Reset()
	m.deformer.MarkNewMesh()
	if err := m.mergeFrontend(g, 0, true); err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	diagf("backend graph reset: %d nodes", g.NumNodes())
	return nil
}

func (m *Module) runRelabel(ctx context.Context) error {
	timeout := m.cfg.GetPollTimeout()
	for ctx.Err() == nil {
		u, err := m.relabel.Recv(ctx, timeout)
		switch {
		case errors.Is(err, relabel.ErrClosed), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return nil
		case err != nil:
			opsf("relabel: %v", err)
			continue
		case u == nil:
			continue
		}
		m.ApplyRelabel(u)
	}
	return nil
}

// ApplyRelabel remembers the names in u and writes them onto the room
// nodes that exist now. Rooms created later pick the names up when the
// rooms functor runs.
func (m *Module) ApplyRelabel(u *relabel.Update) int {
	m.namesMu.Lock()
	maps.Copy(m.roomNames, u.Names)
	m.namesMu.Unlock()

	g := m.backend.Lock()
	defer m.backend.Unlock()
	n := updates.ApplyRoomNames(g, u.Names)
	diagf("relabel: %d of %d names applied", n, len(u.Names))
	return n
}

// DebugSnapshot implements monitor.Source.
func (m *Module) DebugSnapshot() monitor.DebugSnapshot {
	g := m.backend.Lock()
	defer m.backend.Unlock()
	places := m.merger.PlacesWorkingCopy().Clone()
	anchors := m.anchors
	if anchors.Empty() {
		anchors = pgmo.BuildAnchors(places, m.cfg.GetVertexPrefix())
	}
	return monitor.DebugSnapshot{
		SessionID:           m.sessionID,
		Graph:               g.Clone(),
		Places:              places,
		Anchors:             anchors,
		NumMerges:           m.pipeline.Handler().Len(),
		QueueLen:            m.inputs.Len(),
		PendingLoopClosures: m.loopClosures.Len(),
	}
}

// Close ends the session and closes the relabel source and status sinks.
func (m *Module) Close() error {
	var errs []error
	if m.store != nil {
		if err := m.store.EndSession(m.sessionID); err != nil {
			errs = append(errs, err)
		}
	}
	if m.relabel != nil {
		if err := m.relabel.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := m.reporter.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
