package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNoSession is returned when a session id is not present.
var ErrNoSession = errors.New("session not found")

// Session is one backend run.
type Session struct {
	ID          string
	StartedAt   time.Time
	EndedAt     *time.Time
	RobotPrefix string
	ConfigJSON  string
	Notes       string
}

// LoopClosureRow is an accepted loop closure. Keys are stored as their
// printable labels so the table reads well in tailsql.
type LoopClosureRow struct {
	SrcKey         string
	DestKey        string
	X, Y, Z        float64
	QW, QX, QY, QZ float64
	FromSceneGraph bool
	Level          int
}

// StatusRow is one optimisation cycle's status.
type StatusRow struct {
	TimestampNs      uint64
	TotalLC          int
	NewLC            int
	TotalFactors     int
	TotalValues      int
	NewFactors       int
	NewGraphFactors  int
	TrajectoryLen    int
	RunTimeMs        float64
	OptimizeTimeMs   float64
	MeshUpdateTimeMs float64
	NumMergesUndone  int
}

// StartSession inserts a new session row.
func (db *DB) StartSession(id, robotPrefix, configJSON string) error {
	_, err := db.Exec(
		`INSERT INTO sessions (session_id, robot_prefix, config_json) VALUES (?, ?, ?)`,
		id, robotPrefix, configJSON,
	)
	if err != nil {
		return fmt.Errorf("start session %s: %w", id, err)
	}
	return nil
}

// EndSession stamps the session's end time.
func (db *DB) EndSession(id string) error {
	res, err := db.Exec(`UPDATE sessions SET ended_at = CURRENT_TIMESTAMP WHERE session_id = ?`, id)
	if err != nil {
		return fmt.Errorf("end session %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("end session %s: %w", id, ErrNoSession)
	}
	return nil
}

// GetSession loads a session by id.
func (db *DB) GetSession(id string) (*Session, error) {
	var (
		s       Session
		ended   sql.NullTime
		cfgJSON sql.NullString
		notes   sql.NullString
	)
	err := db.QueryRow(
		`SELECT session_id, started_at, ended_at, robot_prefix, config_json, notes
		 FROM sessions WHERE session_id = ?`, id,
	).Scan(&s.ID, &s.StartedAt, &ended, &s.RobotPrefix, &cfgJSON, &notes)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoSession
	}
	if err != nil {
		return nil, err
	}
	if ended.Valid {
		s.EndedAt = &ended.Time
	}
	s.ConfigJSON = cfgJSON.String
	s.Notes = notes.String
	return &s, nil
}

// RecordLoopClosure appends an accepted loop closure to the session.
func (db *DB) RecordLoopClosure(session string, lc LoopClosureRow) error {
	_, err := db.Exec(
		`INSERT INTO loop_closures (
			session_id, src_key, dest_key, x, y, z, qw, qx, qy, qz, from_scene_graph, level
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		session, lc.SrcKey, lc.DestKey, lc.X, lc.Y, lc.Z, lc.QW, lc.QX, lc.QY, lc.QZ,
		lc.FromSceneGraph, lc.Level,
	)
	return err
}

// LoopClosures returns the session's loop closures in insertion order.
func (db *DB) LoopClosures(session string) ([]LoopClosureRow, error) {
	rows, err := db.Query(
		`SELECT src_key, dest_key, x, y, z, qw, qx, qy, qz, from_scene_graph, level
		 FROM loop_closures WHERE session_id = ? ORDER BY id`, session,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []LoopClosureRow
	for rows.Next() {
		var lc LoopClosureRow
		if err := rows.Scan(&lc.SrcKey, &lc.DestKey, &lc.X, &lc.Y, &lc.Z,
			&lc.QW, &lc.QX, &lc.QY, &lc.QZ, &lc.FromSceneGraph, &lc.Level); err != nil {
			return nil, err
		}
		out = append(out, lc)
	}
	return out, rows.Err()
}

// RecordStatus appends a status row to the session.
func (db *DB) RecordStatus(session string, s StatusRow) error {
	_, err := db.Exec(
		`INSERT INTO backend_status (
			session_id, timestamp_ns, total_lc, new_lc, total_factors, total_values,
			new_factors, new_graph_factors, trajectory_len, run_time_ms,
			optimize_time_ms, mesh_update_time_ms, num_merges_undone
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		session, int64(s.TimestampNs), s.TotalLC, s.NewLC, s.TotalFactors, s.TotalValues,
		s.NewFactors, s.NewGraphFactors, s.TrajectoryLen, s.RunTimeMs,
		s.OptimizeTimeMs, s.MeshUpdateTimeMs, s.NumMergesUndone,
	)
	return err
}

// StatusHistory returns the most recent limit status rows of the session,
// oldest first. limit <= 0 returns all rows.
func (db *DB) StatusHistory(session string, limit int) ([]StatusRow, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := db.Query(
		`SELECT timestamp_ns, total_lc, new_lc, total_factors, total_values, new_factors,
			new_graph_factors, trajectory_len, run_time_ms, optimize_time_ms,
			mesh_update_time_ms, num_merges_undone
		 FROM (
			SELECT * FROM backend_status WHERE session_id = ? ORDER BY id DESC LIMIT ?
		 ) ORDER BY id`, session, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StatusRow
	for rows.Next() {
		var (
			s  StatusRow
			ts int64
		)
		if err := rows.Scan(&ts, &s.TotalLC, &s.NewLC, &s.TotalFactors, &s.TotalValues,
			&s.NewFactors, &s.NewGraphFactors, &s.TrajectoryLen, &s.RunTimeMs,
			&s.OptimizeTimeMs, &s.MeshUpdateTimeMs, &s.NumMergesUndone); err != nil {
			return nil, err
		}
		s.TimestampNs = uint64(ts)
		out = append(out, s)
	}
	return out, rows.Err()
}

// SessionSummary counts what a session recorded.
type SessionSummary struct {
	Session      Session
	LoopClosures int
	StatusRows   int
}

// ListSessions returns sessions newest first with their row counts.
func (db *DB) ListSessions(limit int) ([]SessionSummary, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := db.Query(`
		SELECT s.session_id, s.started_at, s.ended_at, s.robot_prefix,
			(SELECT COUNT(*) FROM loop_closures l WHERE l.session_id = s.session_id),
			(SELECT COUNT(*) FROM backend_status b WHERE b.session_id = s.session_id)
		FROM sessions s ORDER BY s.started_at DESC, s.rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SessionSummary
	for rows.Next() {
		var (
			sum   SessionSummary
			ended sql.NullTime
		)
		if err := rows.Scan(&sum.Session.ID, &sum.Session.StartedAt, &ended,
			&sum.Session.RobotPrefix, &sum.LoopClosures, &sum.StatusRows); err != nil {
			return nil, err
		}
		if ended.Valid {
			sum.Session.EndedAt = &ended.Time
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}
