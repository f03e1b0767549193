package main

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/mapstack/scenegraph/internal/backend"
	"github.com/mapstack/scenegraph/internal/dsg"
	"github.com/mapstack/scenegraph/internal/pgmo"
	"github.com/mapstack/scenegraph/internal/testutil"
)

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func jsonLine(t *testing.T, rec record) string {
	t.Helper()
	b, err := json.Marshal(rec)
	require.NoError(t, err)
	return string(b) + "\n"
}

// writeSession writes a frontend graph with three places, a six-pose
// trajectory, one loop closure and a second cycle.
func writeSession(t *testing.T, dir string) string {
	t.Helper()
	frontend := testutil.NewFrontend(t, 0, 3).Snapshot().Snapshot(false)
	traj := testutil.Trajectory('a', 0, 6, 1, 1000, 100)
	lc := pgmo.RegistrationSolution{
		Valid:    true,
		FromNode: dsg.NewNodeID('a', 1),
		ToNode:   dsg.NewNodeID('a', 4),
		ToTFrom:  pgmo.Translation(r3.Vec{X: -3}),
		Level:    1,
	}

	var sb strings.Builder
	sb.WriteString("# recorded session\n")
	sb.WriteString(jsonLine(t, record{Frontend: frontend}))
	sb.WriteString(jsonLine(t, record{LoopClosure: &lc}))
	sb.WriteString(jsonLine(t, record{Input: &backend.Input{
		TimestampNs: 2000,
		IngestBatch: pgmo.IngestBatch{PoseGraphs: []pgmo.PoseGraph{traj}},
	}}))
	sb.WriteString("\n")
	sb.WriteString(jsonLine(t, record{Input: &backend.Input{TimestampNs: 3000}}))

	path := filepath.Join(dir, "session.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(sb.String()), 0o644))
	return path
}

func TestReadRecords(t *testing.T) {
	in := `# comment
{"input": {"timestamp_ns": 5}}

{"loop_closure": {"valid": true, "from_node": "a(1)", "to_node": "a(2)"}}
`
	var got []record
	require.NoError(t, readRecords(strings.NewReader(in), func(r record) error {
		got = append(got, r)
		return nil
	}))
	require.Len(t, got, 2)
	assert.Equal(t, uint64(5), got[0].Input.TimestampNs)
	assert.Equal(t, dsg.NewNodeID('a', 2), got[1].LoopClosure.ToNode)

	tests := []struct {
		name, in, want string
	}{
		{"empty record", "{}\n", "line 1"},
		{"two fields", `{"input": {}, "loop_closure": {}}` + "\n", "2 fields"},
		{"bad json", "# x\n{\n", "line 2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := readRecords(strings.NewReader(tt.in), func(record) error { return nil })
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("readRecords() error = %v, want it to mention %q", err, tt.want)
			}
		})
	}

	err := readRecords(strings.NewReader("{}\n"), nil)
	assert.True(t, errors.Is(err, errEmptyRecord))
}

func TestReplayAndVerify(t *testing.T) {
	dir := t.TempDir()
	session := writeSession(t, dir)
	out := filepath.Join(dir, "out")
	dbPath := filepath.Join(dir, "backend.db")

	stdout, err := execute(t, "", "replay", session, "--out", out, "--db", dbPath)
	require.NoError(t, err)
	assert.Contains(t, stdout, "2 cycles, 1 loop closures")

	for _, name := range []string{backend.GraphFile, backend.GraphWithMeshFile + ".zst", backend.LoopClosuresFile, backend.TrajectoryFile, backend.ManifestFile} {
		assert.FileExists(t, filepath.Join(out, "backend", name))
	}

	f, err := os.Open(filepath.Join(out, StatusCSVFile))
	require.NoError(t, err)
	rows, err := csv.NewReader(f).ReadAll()
	f.Close()
	require.NoError(t, err)
	assert.Len(t, rows, 3, "header plus one row per cycle")

	stdout, err = execute(t, "", "verify", out)
	require.NoError(t, err)
	assert.Contains(t, stdout, "ok       loop_closures.csv")

	require.NoError(t, os.WriteFile(filepath.Join(out, "backend", backend.GraphFile), []byte("{}"), 0o644))
	stdout, err = execute(t, "", "verify", out)
	assert.ErrorIs(t, err, backend.ErrDigestMismatch)
	assert.Contains(t, stdout, "MISMATCH dsg.json")

	stdout, err = execute(t, "", "migrate", "status", "--db", dbPath)
	require.NoError(t, err)
	assert.NotContains(t, stdout, "pending")
}

func TestRunFromInputFile(t *testing.T) {
	dir := t.TempDir()
	session := writeSession(t, dir)
	out := filepath.Join(dir, "run")

	_, err := execute(t, "", "run", "--input", session, "--listen", "", "--out", out)
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(out, "backend", backend.LoopClosuresFile))

	_, err = execute(t, `{"input": {"timestamp_ns": 1}}`+"\n{}\n", "run", "--listen", "", "--no-save")
	assert.ErrorIs(t, err, errEmptyRecord)
}

func TestMigrateForceNeedsConfirmation(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "m.db")
	_, err := execute(t, "", "migrate", "up", "--db", dbPath)
	require.NoError(t, err)

	_, err = execute(t, "n\n", "migrate", "force", "1", "--db", dbPath)
	assert.EqualError(t, err, "aborted")

	stdout, err := execute(t, "", "migrate", "force", "1", "--yes", "--db", dbPath)
	require.NoError(t, err)
	assert.Contains(t, stdout, "current version: 1")

	_, err = execute(t, "", "migrate", "to", "x", "--db", dbPath)
	assert.Error(t, err)
	_, err = execute(t, "", "migrate", "status")
	assert.ErrorContains(t, err, "no database")
}

func TestVersionCommand(t *testing.T) {
	stdout, err := execute(t, "", "version")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(stdout, "sgbackend "), stdout)
}
