package monitor

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/mapstack/scenegraph/internal/db"
	"github.com/mapstack/scenegraph/internal/dsg"
	"github.com/mapstack/scenegraph/internal/pgmo"
	"github.com/prometheus/client_golang/prometheus"
	"gonum.org/v1/gonum/spatial/r3"
)

func TestStatusCSV(t *testing.T) {
	var buf bytes.Buffer
	sink, err := NewCSVStatusSink(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if err := sink.Record(Status{
		TotalLoopClosures: 3, NewLoopClosures: 1, TotalFactors: 40, TotalValues: 20,
		NewFactors: 5, NewGraphFactors: 2, TrajectoryLen: 12,
		RunTime: 1500 * time.Millisecond, OptimizeTime: 250 * time.Millisecond, HasOptimizeTime: true,
		NumMergesUndone: 1,
	}); err != nil {
		t.Fatal(err)
	}

	want := "total_lc,new_lc,total_factors,total_values,new_factors,new_graph_factors,trajectory_len,run_time,optimize_time,mesh_update_time,num_merges_undone\n" +
		"3,1,40,20,5,2,12,1.5,0.25,nan,1\n"
	if diff := cmp.Diff(want, buf.String()); diff != "" {
		t.Errorf("status log mismatch (-want +got):\n%s", diff)
	}
}

func TestWriteStatusCSVEmpty(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteStatusCSV(&buf, nil); err != nil {
		t.Fatal(err)
	}
	if got := strings.TrimSpace(buf.String()); got != strings.Join(StatusCSVHeader, ",") {
		t.Errorf("header = %q", got)
	}
}

func TestReporterHistoryBounded(t *testing.T) {
	r := NewReporter(3)
	for i := 1; i <= 5; i++ {
		if err := r.Report(Status{TotalFactors: i}); err != nil {
			t.Fatal(err)
		}
	}
	h := r.History()
	if len(h) != 3 || h[0].TotalFactors != 3 || h[2].TotalFactors != 5 {
		t.Errorf("history = %+v", h)
	}
	if s, ok := r.Latest(); !ok || s.TotalFactors != 5 {
		t.Errorf("Latest = %+v, %v", s, ok)
	}
	r.Reset()
	if _, ok := r.Latest(); ok {
		t.Error("Latest after Reset")
	}
}

func TestReporterSinkErrorsJoined(t *testing.T) {
	errBoom := errors.New("boom")
	var calls int
	r := NewReporter(0,
		SinkFunc(func(Status) error { return errBoom }),
		SinkFunc(func(Status) error { calls++; return nil }),
	)
	if err := r.Report(Status{}); !errors.Is(err, errBoom) {
		t.Errorf("err = %v", err)
	}
	if calls != 1 {
		t.Errorf("second sink called %d times", calls)
	}
}

func TestReporterSubscribe(t *testing.T) {
	r := NewReporter(0)
	id, ch := r.Subscribe()
	r.Report(Status{NewFactors: 7})
	select {
	case s := <-ch:
		if s.NewFactors != 7 {
			t.Errorf("got %+v", s)
		}
	case <-time.After(time.Second):
		t.Fatal("no status delivered")
	}
	r.Unsubscribe(id)
	if _, ok := <-ch; ok {
		t.Error("channel open after Unsubscribe")
	}
	// unknown ids are ignored
	r.Unsubscribe(id)
}

func TestSubscriptionIDsAreUnique(t *testing.T) {
	r := NewReporter(0)
	a, _ := r.Subscribe()
	b, _ := r.Subscribe()
	defer r.Unsubscribe(a)
	defer r.Unsubscribe(b)

	if a == b {
		t.Fatalf("two subscriptions share id %s", a)
	}
	for _, id := range []string{a, b} {
		if _, err := uuid.Parse(id); err != nil {
			t.Errorf("subscription id %q: %v", id, err)
		}
	}
}

type fakeStore struct {
	session string
	rows    []db.StatusRow
}

func (f *fakeStore) RecordStatus(session string, row db.StatusRow) error {
	f.session = session
	f.rows = append(f.rows, row)
	return nil
}

func TestDBSink(t *testing.T) {
	store := &fakeStore{}
	sink := NewDBSink(store, "s1")
	if err := sink.Record(Status{TimestampNs: 42, TotalLoopClosures: 2, RunTime: 3 * time.Millisecond}); err != nil {
		t.Fatal(err)
	}
	want := []db.StatusRow{{TimestampNs: 42, TotalLC: 2, RunTimeMs: 3}}
	if diff := cmp.Diff(want, store.rows); diff != "" || store.session != "s1" {
		t.Errorf("rows mismatch (-want +got):\n%s session=%q", diff, store.session)
	}
}

func TestPromSink(t *testing.T) {
	reg := prometheus.NewRegistry()
	sink := NewPromSink(reg)
	sink.Record(Status{TotalLoopClosures: 4, NumMergesUndone: 2, RunTime: time.Millisecond})
	sink.Record(Status{TotalLoopClosures: 5, NumMergesUndone: 1, RunTime: time.Millisecond})

	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	values := map[string]float64{}
	for _, mf := range families {
		m := mf.GetMetric()[0]
		switch {
		case m.GetCounter() != nil:
			values[mf.GetName()] = m.GetCounter().GetValue()
		case m.GetGauge() != nil:
			values[mf.GetName()] = m.GetGauge().GetValue()
		}
	}
	want := map[string]float64{
		"sgbackend_cycles_total":        2,
		"sgbackend_merges_undone_total": 3,
		"sgbackend_factors_added_total": 0,
		"sgbackend_loop_closures":       5,
		"sgbackend_factors":             0,
		"sgbackend_values":              0,
		"sgbackend_trajectory_length":   0,
	}
	if diff := cmp.Diff(want, values); diff != "" {
		t.Errorf("metrics mismatch (-want +got):\n%s", diff)
	}
}

func placesFixture() (*dsg.Layer, pgmo.AnchorSet) {
	l := dsg.NewLayer(dsg.LayerPlaces)
	for i := 0; i < 4; i++ {
		l.AddNode(dsg.NewNodeID('p', uint64(i)), dsg.Attributes{Position: r3.Vec{X: float64(i)}, Distance: 1})
	}
	for i := 0; i < 3; i++ {
		l.InsertEdge(dsg.NewNodeID('p', uint64(i)), dsg.NewNodeID('p', uint64(i+1)))
	}
	return l, pgmo.BuildAnchors(l, 's')
}

func TestPlotAnchors(t *testing.T) {
	l, anchors := placesFixture()
	var buf bytes.Buffer
	if err := PlotAnchors(&buf, l, anchors); err != nil {
		t.Fatal(err)
	}
	if _, err := png.Decode(&buf); err != nil {
		t.Errorf("output is not a PNG: %v", err)
	}
	if err := PlotAnchors(&buf, dsg.NewLayer(dsg.LayerPlaces), pgmo.AnchorSet{}); !errors.Is(err, ErrNoPlaces) {
		t.Errorf("empty layer err = %v", err)
	}
}

type fakeSource struct{ snap DebugSnapshot }

func (f fakeSource) DebugSnapshot() DebugSnapshot { return f.snap }

func loopbackRequest(method, target string) *http.Request {
	req := httptest.NewRequest(method, target, nil)
	req.RemoteAddr = "127.0.0.1:12345"
	return req
}

func newTestRoutes(t *testing.T) (*http.ServeMux, *Reporter) {
	t.Helper()
	l, anchors := placesFixture()
	g := dsg.NewGraph()
	for _, n := range l.Nodes() {
		g.AddNode(dsg.LayerPlaces, n.ID, n.Attrs)
	}
	rep := NewReporter(0)
	reg := prometheus.NewRegistry()
	rep.AddSink(NewPromSink(reg))
	rt := NewRoutes(fakeSource{DebugSnapshot{SessionID: "s1", Graph: g, Places: l, Anchors: anchors}}, rep, reg)
	mux := http.NewServeMux()
	rt.AttachDebugRoutes(mux)
	return mux, rep
}

func TestDebugRoutes(t *testing.T) {
	mux, rep := newTestRoutes(t)
	rep.Report(Status{TotalFactors: 9, RunTime: time.Millisecond})

	tests := []struct {
		path        string
		contentType string
	}{
		{"/debug/backend", "application/json"},
		{"/debug/backend/status", "text/html; charset=utf-8"},
		{"/debug/backend/places", "text/html; charset=utf-8"},
		{"/debug/backend/places.png", "image/png"},
		{"/debug/backend/metrics", ""},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			w := httptest.NewRecorder()
			mux.ServeHTTP(w, loopbackRequest(http.MethodGet, tt.path))
			if w.Code != http.StatusOK {
				t.Fatalf("status = %d body=%s", w.Code, w.Body.String())
			}
			if tt.contentType != "" && w.Header().Get("Content-Type") != tt.contentType {
				t.Errorf("content type = %q", w.Header().Get("Content-Type"))
			}
		})
	}

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, loopbackRequest(http.MethodGet, "/debug/backend"))
	var got struct {
		SessionID string `json:"session_id"`
		Layers    []struct {
			Layer string `json:"layer"`
			Nodes int    `json:"nodes"`
		} `json:"layers"`
		Status *Status `json:"status"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.SessionID != "s1" || got.Status == nil || got.Status.TotalFactors != 9 {
		t.Errorf("summary = %+v", got)
	}
}

func TestDebugTail(t *testing.T) {
	mux, rep := newTestRoutes(t)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/debug/backend/tail", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	sc := bufio.NewScanner(resp.Body)
	if !sc.Scan() || sc.Text() != ": ping" {
		t.Fatalf("first line = %q", sc.Text())
	}
	rep.Report(Status{NewLoopClosures: 2})
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var s Status
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &s); err != nil {
			t.Fatal(err)
		}
		if s.NewLoopClosures != 2 {
			t.Errorf("tail status = %+v", s)
		}
		return
	}
	t.Fatalf("stream ended: %v", sc.Err())
}
