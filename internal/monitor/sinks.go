package monitor

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/mapstack/scenegraph/internal/db"
)

// StatusCSVHeader is the column list of the status log.
var StatusCSVHeader = []string{
	"total_lc", "new_lc", "total_factors", "total_values", "new_factors",
	"new_graph_factors", "trajectory_len", "run_time", "optimize_time",
	"mesh_update_time", "num_merges_undone",
}

func seconds(d time.Duration, ok bool) string {
	if !ok {
		return "nan"
	}
	return strconv.FormatFloat(d.Seconds(), 'g', -1, 64)
}

// CSVRecord formats s as a status log row. Times are in seconds.
func (s Status) CSVRecord() []string {
	return []string{
		strconv.Itoa(s.TotalLoopClosures),
		strconv.Itoa(s.NewLoopClosures),
		strconv.Itoa(s.TotalFactors),
		strconv.Itoa(s.TotalValues),
		strconv.Itoa(s.NewFactors),
		strconv.Itoa(s.NewGraphFactors),
		strconv.Itoa(s.TrajectoryLen),
		seconds(s.RunTime, true),
		seconds(s.OptimizeTime, s.HasOptimizeTime),
		seconds(s.MeshUpdateTime, s.HasMeshUpdateTime),
		strconv.Itoa(s.NumMergesUndone),
	}
}

// Row converts s for the session store.
func (s Status) Row() db.StatusRow {
	ms := func(d time.Duration) float64 { return float64(d) / float64(time.Millisecond) }
	return db.StatusRow{
		TimestampNs:      s.TimestampNs,
		TotalLC:          s.TotalLoopClosures,
		NewLC:            s.NewLoopClosures,
		TotalFactors:     s.TotalFactors,
		TotalValues:      s.TotalValues,
		NewFactors:       s.NewFactors,
		NewGraphFactors:  s.NewGraphFactors,
		TrajectoryLen:    s.TrajectoryLen,
		RunTimeMs:        ms(s.RunTime),
		OptimizeTimeMs:   ms(s.OptimizeTime),
		MeshUpdateTimeMs: ms(s.MeshUpdateTime),
		NumMergesUndone:  s.NumMergesUndone,
	}
}

// CSVStatusSink appends rows to a status log. The header is written when
// the sink is created.
type CSVStatusSink struct {
	mu sync.Mutex
	w  *csv.Writer
	c  io.Closer
}

// NewCSVStatusSink writes the header to w and returns the sink. If w is an
// io.Closer it is closed with the sink.
func NewCSVStatusSink(w io.Writer) (*CSVStatusSink, error) {
	s := &CSVStatusSink{w: csv.NewWriter(w)}
	if c, ok := w.(io.Closer); ok {
		s.c = c
	}
	if err := s.write(StatusCSVHeader); err != nil {
		return nil, fmt.Errorf("write status header: %w", err)
	}
	return s, nil
}

func (s *CSVStatusSink) write(rec []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.w.Write(rec); err != nil {
		return err
	}
	s.w.Flush()
	return s.w.Error()
}

func (s *CSVStatusSink) Record(st Status) error {
	return s.write(st.CSVRecord())
}

func (s *CSVStatusSink) Close() error {
	if s.c == nil {
		return nil
	}
	return s.c.Close()
}

// WriteStatusCSV writes a complete status log for history to w.
func WriteStatusCSV(w io.Writer, history []Status) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(StatusCSVHeader); err != nil {
		return err
	}
	for _, s := range history {
		if err := cw.Write(s.CSVRecord()); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// StatusStore is the part of the session store the DB sink needs.
type StatusStore interface {
	RecordStatus(session string, row db.StatusRow) error
}

// DBSink records statuses against a session.
type DBSink struct {
	store   StatusStore
	session string
}

func NewDBSink(store StatusStore, session string) *DBSink {
	return &DBSink{store: store, session: session}
}

func (s *DBSink) Record(st Status) error {
	if err := s.store.RecordStatus(s.session, st.Row()); err != nil {
		return fmt.Errorf("record status: %w", err)
	}
	return nil
}
