package backend

import (
	"bytes"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"lukechampine.com/blake3"

	"github.com/mapstack/scenegraph/internal/dsg"
	"github.com/mapstack/scenegraph/internal/fsutil"
	"github.com/mapstack/scenegraph/internal/monitor"
	"github.com/mapstack/scenegraph/internal/pgmo"
	"github.com/mapstack/scenegraph/internal/version"
)

// Artifact names under <dir>/backend.
const (
	GraphFile            = "dsg.json"
	GraphWithMeshFile    = "dsg_with_mesh.json"
	MeshFile             = "mesh.ply"
	LoopClosuresFile     = "loop_closures.csv"
	TrajectoryFile       = "pgmo/traj_pgmo.csv"
	SparseMappingFile    = "pgmo/sparsification_mapping.txt"
	PlacesPlotFile       = "places_mst.png"
	ManifestFile         = "manifest.json"
	compressedSuffix     = ".zst"
	artifactPerm         = 0o644
	artifactDirPerm      = 0o755
	backendDirName       = "backend"
	pgmoDirName          = "pgmo"
	sparseMappingComment = "# sparse_key dense_keys..."
)

// LoopClosureCSVHeader is the column list of the loop-closure log.
var LoopClosureCSVHeader = []string{
	"time_from_ns", "time_to_ns", "x", "y", "z", "qw", "qx", "qy", "qz", "type", "level",
}

var trajectoryCSVHeader = []string{"timestamp_ns", "x", "y", "z", "qw", "qx", "qy", "qz"}

// ErrDigestMismatch is returned by VerifyManifest when an artifact changed.
var ErrDigestMismatch = errors.New("artifact digest mismatch")

// Manifest lists the artifacts of one save with their BLAKE3 digests.
type Manifest struct {
	SessionID string            `json:"session_id"`
	SavedAt   time.Time         `json:"saved_at"`
	Build     string            `json:"build"`
	Files     map[string]string `json:"files"`
}

type artifactWriter struct {
	fs       fsutil.FileSystem
	root     string
	manifest *Manifest
}

func (w *artifactWriter) write(name string, data []byte) error {
	if err := w.fs.WriteFile(filepath.Join(w.root, name), data, artifactPerm); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	sum := blake3.Sum256(data)
	w.manifest.Files[name] = hex.EncodeToString(sum[:])
	return nil
}

// Save writes the backend state under dir/backend.
func (m *Module) Save(fsys fsutil.FileSystem, dir string) error {
	g := m.backend.Lock()
	defer m.backend.Unlock()

	root := filepath.Join(dir, backendDirName)
	if err := fsys.MkdirAll(filepath.Join(root, pgmoDirName), artifactDirPerm); err != nil {
		return fmt.Errorf("save: %w", err)
	}
	w := &artifactWriter{
		fs:       fsys,
		root:     root,
		manifest: &Manifest{SessionID: m.sessionID, SavedAt: m.clock.Now().UTC(), Build: version.String(), Files: map[string]string{}},
	}

	graph, err := json.Marshal(g.Snapshot(false))
	if err != nil {
		return fmt.Errorf("save: encode graph: %w", err)
	}
	if err := w.write(GraphFile, graph); err != nil {
		return err
	}

	withMesh, err := json.Marshal(g.Snapshot(true))
	if err != nil {
		return fmt.Errorf("save: encode graph: %w", err)
	}
	name := GraphWithMeshFile
	if m.cfg.GetCompressSnapshots() {
		if withMesh, err = compress(withMesh); err != nil {
			return fmt.Errorf("save: %w", err)
		}
		name += compressedSuffix
	}
	if err := w.write(name, withMesh); err != nil {
		return err
	}

	if err := w.write(SparseMappingFile, m.sparseMapping()); err != nil {
		return err
	}
	if traj, ok, err := m.trajectoryCSV(); err != nil {
		return fmt.Errorf("save: %w", err)
	} else if ok {
		if err := w.write(TrajectoryFile, traj); err != nil {
			return err
		}
	}

	if !g.Mesh.Empty() {
		var buf bytes.Buffer
		if err := writePLY(&buf, g.Mesh); err != nil {
			return fmt.Errorf("save: %w", err)
		}
		if err := w.write(MeshFile, buf.Bytes()); err != nil {
			return err
		}
	}

	lcs, err := m.loopClosureCSV()
	if err != nil {
		return fmt.Errorf("save: %w", err)
	}
	if err := w.write(LoopClosuresFile, lcs); err != nil {
		return err
	}

	if m.cfg.GetPlotPlaces() {
		places := m.merger.PlacesWorkingCopy()
		var buf bytes.Buffer
		switch err := monitor.PlotAnchors(&buf, places, pgmo.BuildAnchors(places, m.cfg.GetVertexPrefix())); {
		case errors.Is(err, monitor.ErrNoPlaces):
			diagf("no places to plot")
		case err != nil:
			opsf("places plot: %v", err)
		default:
			if err := w.write(PlacesPlotFile, buf.Bytes()); err != nil {
				return err
			}
		}
	}

	manifest, err := json.MarshalIndent(w.manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("save: encode manifest: %w", err)
	}
	if err := fsys.WriteFile(filepath.Join(root, ManifestFile), manifest, artifactPerm); err != nil {
		return fmt.Errorf("save: %w", err)
	}
	diagf("saved %d artifacts to %s", len(w.manifest.Files), root)
	return nil
}

func compress(data []byte) ([]byte, error) {
	var out bytes.Buffer
	enc, err := zstd.NewWriter(&out)
	if err != nil {
		return nil, fmt.Errorf("creating encoder: %w", err)
	}
	if _, err := enc.Write(data); err != nil {
		enc.Close()
		return nil, fmt.Errorf("compressing: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("closing encoder: %w", err)
	}
	return out.Bytes(), nil
}

func decompress(data []byte) ([]byte, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("creating decoder: %w", err)
	}
	defer dec.Close()
	return dec.DecodeAll(data, nil)
}

// loopClosureCSV writes one row per accepted loop closure. Rows whose
// endpoint timestamps are unknown are skipped.
func (m *Module) loopClosureCSV() ([]byte, error) {
	var buf bytes.Buffer
	cw := csv.NewWriter(&buf)
	if err := cw.Write(LoopClosureCSVHeader); err != nil {
		return nil, err
	}
	for _, lc := range m.acc.LoopClosures() {
		timeFrom, okF := m.acc.Timestamp(lc.Dest)
		timeTo, okT := m.acc.Timestamp(lc.Src)
		if !okF || !okT {
			diagf("loop closure %s-%s has no timestamps; not logged", lc.Src.Label(), lc.Dest.Label())
			continue
		}
		kind := "0"
		if lc.FromSceneGraph {
			kind = "1"
		}
		t, q := lc.SrcTDest.Trans, lc.SrcTDest.Rot
		if err := cw.Write([]string{
			strconv.FormatUint(timeFrom, 10), strconv.FormatUint(timeTo, 10),
			ftoa(t.X), ftoa(t.Y), ftoa(t.Z),
			ftoa(q.Real), ftoa(q.Imag), ftoa(q.Jmag), ftoa(q.Kmag),
			kind, strconv.Itoa(lc.Level),
		}); err != nil {
			return nil, err
		}
	}
	cw.Flush()
	return buf.Bytes(), cw.Error()
}

// trajectoryCSV writes the robot trajectory at full resolution, optimized
// where an optimization has run and initial estimates otherwise.
func (m *Module) trajectoryCSV() ([]byte, bool, error) {
	keys := m.acc.Trajectory()
	if len(keys) == 0 {
		return nil, false, nil
	}
	values := m.agentValues
	if len(values) == 0 {
		values = m.acc.CompleteAgentValues(m.acc.Problem().Values)
	}

	var buf bytes.Buffer
	cw := csv.NewWriter(&buf)
	if err := cw.Write(trajectoryCSVHeader); err != nil {
		return nil, false, err
	}
	for _, k := range keys {
		if k.Chr() != m.cfg.GetRobotPrefix() {
			continue
		}
		pose, ok := values[k]
		if !ok {
			continue
		}
		ts, _ := m.acc.Timestamp(k)
		t, q := pose.Trans, pose.Rot
		if err := cw.Write([]string{
			strconv.FormatUint(ts, 10),
			ftoa(t.X), ftoa(t.Y), ftoa(t.Z),
			ftoa(q.Real), ftoa(q.Imag), ftoa(q.Jmag), ftoa(q.Kmag),
		}); err != nil {
			return nil, false, err
		}
	}
	cw.Flush()
	return buf.Bytes(), true, cw.Error()
}

func (m *Module) sparseMapping() []byte {
	var sb strings.Builder
	sb.WriteString(sparseMappingComment + "\n")
	for _, f := range m.acc.SparseFrames() {
		sb.WriteString(f.Key.Label())
		for _, k := range f.Members {
			sb.WriteByte(' ')
			sb.WriteString(k.Label())
		}
		sb.WriteByte('\n')
	}
	return []byte(sb.String())
}

// LoadState replaces the backend mesh with the one saved at meshPath. The
// whole mesh is re-deformed on the next pass.
func (m *Module) LoadState(fsys fsutil.FileSystem, meshPath string) error {
	data, err := fsys.ReadFile(meshPath)
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}
	mesh, err := readPLY(data)
	if err != nil {
		return fmt.Errorf("load state %s: %w", meshPath, err)
	}

	g := m.backend.Lock()
	defer m.backend.Unlock()
	g.Mesh = mesh
	m.original = slices.Clone(mesh.Vertices)
	m.deformer.Reset()
	m.deformer.MarkNewMesh()
	diagf("loaded mesh with %d vertices (%d archived) from %s", mesh.NumVertices(), mesh.ArchivedVertices, meshPath)
	return nil
}

// ReadGraphSnapshot reads a saved graph, decompressing .zst files.
func ReadGraphSnapshot(fsys fsutil.FileSystem, name string) (*dsg.GraphSnapshot, error) {
	data, err := fsys.ReadFile(name)
	if err != nil {
		return nil, err
	}
	if strings.HasSuffix(name, compressedSuffix) {
		if data, err = decompress(data); err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
	}
	var s dsg.GraphSnapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return &s, nil
}

// VerifyManifest re-hashes every artifact listed in dir/backend/manifest.json
// and returns the names that no longer match, sorted, with ErrDigestMismatch.
func VerifyManifest(fsys fsutil.FileSystem, dir string) (*Manifest, []string, error) {
	root := filepath.Join(dir, backendDirName)
	data, err := fsys.ReadFile(filepath.Join(root, ManifestFile))
	if err != nil {
		return nil, nil, err
	}
	var mf Manifest
	if err := json.Unmarshal(data, &mf); err != nil {
		return nil, nil, fmt.Errorf("manifest: %w", err)
	}
	var bad []string
	for name, want := range mf.Files {
		data, err := fsys.ReadFile(filepath.Join(root, name))
		if err != nil {
			bad = append(bad, name)
			continue
		}
		sum := blake3.Sum256(data)
		if hex.EncodeToString(sum[:]) != want {
			bad = append(bad, name)
		}
	}
	if len(bad) > 0 {
		slices.Sort(bad)
		return &mf, bad, fmt.Errorf("%w: %s", ErrDigestMismatch, strings.Join(bad, ", "))
	}
	return &mf, nil, nil
}
