package pgmo

import (
	"fmt"
	"sort"
	"time"

	"github.com/mapstack/scenegraph/internal/dsg"
	"gonum.org/v1/gonum/spatial/r3"
)

type controlSample struct {
	key       Key
	stampNs   uint64
	initial   Pose
	optimized Pose
	inverse   Pose
}

func (s controlSample) identity() bool { return s.initial == s.optimized }

// CorrectionField maps undeformed mesh positions to corrected ones by
// blending the rigid corrections of nearby control points.
type CorrectionField struct {
	samples   []controlSample // sorted by stamp
	k         int
	horizonNs uint64
}

// NewCorrectionField builds a field from control points with their initial
// and optimized poses. Control points without an optimized value are
// ignored. k is the number of control points blended per vertex and horizon
// bounds the stamp difference between a vertex and its control points.
func NewCorrectionField(cps []ControlPoint, initial, optimized map[Key]Pose, k int, horizon time.Duration) *CorrectionField {
	f := &CorrectionField{k: max(k, 1), horizonNs: uint64(max(horizon, 0))}
	for _, cp := range cps {
		opt, ok := optimized[cp.Key]
		if !ok {
			continue
		}
		init, ok := initial[cp.Key]
		if !ok {
			init = Translation(cp.Position)
		}
		f.samples = append(f.samples, controlSample{
			key:       cp.Key,
			stampNs:   cp.TimestampNs,
			initial:   init,
			optimized: opt,
			inverse:   init.Inverse(),
		})
	}
	sort.SliceStable(f.samples, func(i, j int) bool { return f.samples[i].stampNs < f.samples[j].stampNs })
	return f
}

// Len returns the number of control points in the field.
func (f *CorrectionField) Len() int { return len(f.samples) }

// Identity reports whether every control point is uncorrected.
func (f *CorrectionField) Identity() bool {
	for _, s := range f.samples {
		if !s.identity() {
			return false
		}
	}
	return true
}

type candidate struct {
	idx  int
	dist float64
}

// Apply returns the corrected position of a vertex at v with stamp stampNs.
// Vertices with no control point inside the horizon are returned unchanged.
func (f *CorrectionField) Apply(v r3.Vec, stampNs uint64) r3.Vec {
	lo := uint64(0)
	if stampNs > f.horizonNs {
		lo = stampNs - f.horizonNs
	}
	hi := stampNs + f.horizonNs
	if hi < stampNs {
		hi = ^uint64(0)
	}
	start := sort.Search(len(f.samples), func(i int) bool { return f.samples[i].stampNs >= lo })
	end := sort.Search(len(f.samples), func(i int) bool { return f.samples[i].stampNs > hi })
	if start >= end {
		return v
	}

	cands := make([]candidate, 0, end-start)
	for i := start; i < end; i++ {
		cands = append(cands, candidate{idx: i, dist: r3.Norm(r3.Sub(v, f.samples[i].initial.Trans))})
	}
	sort.SliceStable(cands, func(i, j int) bool { return cands[i].dist < cands[j].dist })

	n := min(f.k, len(cands))
	chosen := cands[:n]
	allIdentity := true
	for _, c := range chosen {
		if !f.samples[c.idx].identity() {
			allIdentity = false
			break
		}
	}
	if allIdentity {
		return v
	}

	// Embedded-deformation weights: (1 - d/dmax)^2 with dmax the distance to
	// the first control point outside the blend.
	dmax := chosen[n-1].dist*1.001 + 1e-9
	if len(cands) > n && cands[n].dist > chosen[n-1].dist {
		dmax = cands[n].dist
	}
	var sum float64
	weights := make([]float64, n)
	for i, c := range chosen {
		w := 1 - c.dist/dmax
		weights[i] = w * w
		sum += weights[i]
	}
	if sum == 0 {
		for i := range weights {
			weights[i] = 1
		}
		sum = float64(n)
	}

	var out r3.Vec
	for i, c := range chosen {
		s := f.samples[c.idx]
		moved := s.optimized.Transform(s.inverse.Transform(v))
		out = r3.Add(out, r3.Scale(weights[i]/sum, moved))
	}
	return out
}

// Deformer applies correction fields to the backend mesh, never touching
// vertices below its watermark.
type Deformer struct {
	watermark   int
	haveNewMesh bool
}

// NewDeformer returns a deformer with a zero watermark.
func NewDeformer() *Deformer { return &Deformer{} }

// Watermark returns the index below which vertices are final.
func (d *Deformer) Watermark() int { return d.watermark }

// MarkNewMesh records that the mesh changed since the last pass.
func (d *Deformer) MarkNewMesh() { d.haveNewMesh = true }

// Reset clears the watermark, used after a full graph reset.
func (d *Deformer) Reset() {
	d.watermark = 0
	d.haveNewMesh = false
}

// Deform runs one pass over mesh, reading undeformed positions from
// original. The pass is skipped when there is no new mesh data, when the
// mesh is empty, and when no loop closure has been seen yet; force overrides
// the first and last conditions. After a pass the watermark advances to the
// mesh's archived count. It returns the number of vertices rewritten.
func (d *Deformer) Deform(mesh *dsg.Mesh, original []r3.Vec, field *CorrectionField, haveLoopClosures, force bool) (int, error) {
	if !force && !d.haveNewMesh {
		return 0, nil
	}
	d.haveNewMesh = false
	if mesh == nil || mesh.Empty() {
		return 0, nil
	}
	if !force && !haveLoopClosures {
		diagf("skipping mesh deformation: no loop closures yet")
		return 0, nil
	}
	if len(original) != len(mesh.Vertices) || len(mesh.Stamps) != len(mesh.Vertices) {
		return 0, fmt.Errorf("deform: %d vertices, %d originals, %d stamps",
			len(mesh.Vertices), len(original), len(mesh.Stamps))
	}

	n := DeformVertices(mesh.Vertices, original, mesh.Stamps, field, d.watermark)
	d.watermark = max(d.watermark, mesh.ArchivedVertices)
	return n, nil
}

// DeformVertices rewrites vertices[from:] from original through field and
// returns how many vertices were written.
func DeformVertices(vertices, original []r3.Vec, stamps []uint64, field *CorrectionField, from int) int {
	if from < 0 {
		from = 0
	}
	n := 0
	for i := from; i < len(vertices); i++ {
		vertices[i] = field.Apply(original[i], stamps[i])
		n++
	}
	return n
}
