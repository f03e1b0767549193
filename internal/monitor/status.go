// Package monitor reports the backend's per-cycle status and serves the
// debug views of the consolidated graph.
package monitor

import (
	"errors"
	"io"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status summarises one spin cycle. Counts are absolute except the New*
// fields, which cover the cycle alone.
type Status struct {
	TimestampNs       uint64 `json:"timestamp_ns"`
	TotalLoopClosures int    `json:"total_lc"`
	NewLoopClosures   int    `json:"new_lc"`
	TotalFactors      int    `json:"total_factors"`
	TotalValues       int    `json:"total_values"`
	NewFactors        int    `json:"new_factors"`
	NewGraphFactors   int    `json:"new_graph_factors"`
	TrajectoryLen     int    `json:"trajectory_len"`
	NumMergesUndone   int    `json:"num_merges_undone"`

	RunTime        time.Duration `json:"run_time"`
	OptimizeTime   time.Duration `json:"optimize_time"`
	MeshUpdateTime time.Duration `json:"mesh_update_time"`
	// The optimizer and deformer do not run every cycle. Until they have
	// run once their times are unknown.
	HasOptimizeTime   bool `json:"has_optimize_time"`
	HasMeshUpdateTime bool `json:"has_mesh_update_time"`
}

// StatusSink receives every reported status.
type StatusSink interface {
	Record(Status) error
}

// SinkFunc adapts a function to StatusSink.
type SinkFunc func(Status) error

func (f SinkFunc) Record(s Status) error { return f(s) }

const defaultHistory = 512

// Reporter fans each status out to its sinks and to live subscribers, and
// keeps a bounded history for the debug charts.
type Reporter struct {
	mu         sync.Mutex
	sinks      []StatusSink
	history    []Status
	maxHistory int

	subscriberMu sync.Mutex
	subscribers  map[string]chan Status
}

// NewReporter returns a reporter keeping at most maxHistory statuses.
// maxHistory <= 0 selects a default.
func NewReporter(maxHistory int, sinks ...StatusSink) *Reporter {
	if maxHistory <= 0 {
		maxHistory = defaultHistory
	}
	return &Reporter{
		sinks:       sinks,
		maxHistory:  maxHistory,
		subscribers: make(map[string]chan Status),
	}
}

// AddSink appends a sink.
func (r *Reporter) AddSink(s StatusSink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sinks = append(r.sinks, s)
}

// Report records s everywhere. A failing sink does not stop the others;
// their errors are joined.
func (r *Reporter) Report(s Status) error {
	r.mu.Lock()
	r.history = append(r.history, s)
	if n := len(r.history) - r.maxHistory; n > 0 {
		r.history = append(r.history[:0], r.history[n:]...)
	}
	sinks := append([]StatusSink(nil), r.sinks...)
	r.mu.Unlock()

	var errs []error
	for _, sink := range sinks {
		if err := sink.Record(s); err != nil {
			errs = append(errs, err)
		}
	}

	r.subscriberMu.Lock()
	for _, ch := range r.subscribers {
		select {
		case ch <- s:
		default:
			// slow subscriber; skip rather than block the spin loop
		}
	}
	r.subscriberMu.Unlock()

	return errors.Join(errs...)
}

// Latest returns the most recent status.
func (r *Reporter) Latest() (Status, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.history) == 0 {
		return Status{}, false
	}
	return r.history[len(r.history)-1], true
}

// History returns a copy of the retained statuses, oldest first.
func (r *Reporter) History() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Status(nil), r.history...)
}

// Reset drops the history. Sinks and subscribers are kept.
func (r *Reporter) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.history = nil
}

// Subscribe returns a channel that receives every status reported after
// the call.
func (r *Reporter) Subscribe() (string, chan Status) {
	id := uuid.NewString()
	ch := make(chan Status, 8)
	r.subscriberMu.Lock()
	defer r.subscriberMu.Unlock()
	r.subscribers[id] = ch
	return id, ch
}

// Unsubscribe closes and removes a subscription.
func (r *Reporter) Unsubscribe(id string) {
	r.subscriberMu.Lock()
	defer r.subscriberMu.Unlock()
	if ch, ok := r.subscribers[id]; ok {
		close(ch)
		delete(r.subscribers, id)
	}
}

// Close ends every subscription and closes sinks that hold resources.
func (r *Reporter) Close() error {
	r.subscriberMu.Lock()
	for id, ch := range r.subscribers {
		close(ch)
		delete(r.subscribers, id)
	}
	r.subscriberMu.Unlock()

	r.mu.Lock()
	sinks := r.sinks
	r.sinks = nil
	r.mu.Unlock()

	var errs []error
	for _, s := range sinks {
		if c, ok := s.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// LogSink writes a one-line summary per status through logf.
func LogSink(logf func(format string, args ...interface{})) StatusSink {
	if logf == nil {
		logf = log.Printf
	}
	return SinkFunc(func(s Status) error {
		logf("cycle: lc=%d(+%d) factors=%d(+%d) values=%d traj=%d undone=%d run=%v",
			s.TotalLoopClosures, s.NewLoopClosures, s.TotalFactors, s.NewFactors,
			s.TotalValues, s.TrajectoryLen, s.NumMergesUndone, s.RunTime)
		return nil
	})
}
