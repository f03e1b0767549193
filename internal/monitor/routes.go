package monitor

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"github.com/mapstack/scenegraph/internal/dsg"
	"github.com/mapstack/scenegraph/internal/httputil"
	"github.com/mapstack/scenegraph/internal/pgmo"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"tailscale.com/tsweb"
)

const echartsAssetsPrefix = "https://go-echarts.github.io/go-echarts-assets/assets/"

// DebugSnapshot is a consistent copy of the backend state taken for the
// debug views.
type DebugSnapshot struct {
	SessionID           string         `json:"session_id"`
	Graph               *dsg.Graph     `json:"-"`
	Places              *dsg.Layer     `json:"-"`
	Anchors             pgmo.AnchorSet `json:"-"`
	NumMerges           int            `json:"num_merges"`
	QueueLen            int            `json:"queue_len"`
	PendingLoopClosures int            `json:"pending_loop_closures"`
}

// Source provides snapshots to the debug routes.
type Source interface {
	DebugSnapshot() DebugSnapshot
}

// Routes serves the backend debug pages.
type Routes struct {
	src      Source
	reporter *Reporter
	gatherer prometheus.Gatherer
}

// NewRoutes returns the debug routes. gatherer may be nil.
func NewRoutes(src Source, reporter *Reporter, gatherer prometheus.Gatherer) *Routes {
	return &Routes{src: src, reporter: reporter, gatherer: gatherer}
}

// AttachDebugRoutes mounts the backend pages under /debug/backend/.
// Like all tsweb debug routes they are reachable only from loopback or
// the tailnet.
func (rt *Routes) AttachDebugRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	debug.HandleFunc("backend", "Backend summary (JSON)", rt.handleSummary)
	debug.HandleFunc("backend/status", "Status history chart", rt.handleStatusChart)
	debug.HandleFunc("backend/places", "Places layer and anchor tree", rt.handlePlacesChart)
	debug.HandleFunc("backend/places.png", "Places layer and anchor tree (PNG)", rt.handlePlacesPNG)
	debug.HandleSilentFunc("backend/tail", rt.handleTail)
	if rt.gatherer != nil {
		debug.Handle("backend/metrics", "Backend metrics (Prometheus format)",
			promhttp.HandlerFor(rt.gatherer, promhttp.HandlerOpts{}))
	}
}

type layerSummary struct {
	Layer string `json:"layer"`
	Nodes int    `json:"nodes"`
	Edges int    `json:"edges"`
}

type summary struct {
	DebugSnapshot
	Layers        []layerSummary `json:"layers"`
	MeshVertices  int            `json:"mesh_vertices"`
	MeshArchived  int            `json:"mesh_archived"`
	Anchors       int            `json:"anchors"`
	Status        *Status        `json:"status,omitempty"`
	GeneratedAtNs int64          `json:"generated_at_ns"`
}

func (rt *Routes) summary() summary {
	snap := rt.src.DebugSnapshot()
	out := summary{
		DebugSnapshot: snap,
		Anchors:       len(snap.Anchors.Anchors),
		GeneratedAtNs: time.Now().UnixNano(),
	}
	if g := snap.Graph; g != nil {
		for _, id := range dsg.AllLayers {
			l := g.Layer(id)
			if l == nil {
				continue
			}
			out.Layers = append(out.Layers, layerSummary{Layer: id.String(), Nodes: l.NumNodes(), Edges: l.NumEdges()})
		}
		if g.Mesh != nil {
			out.MeshVertices = g.Mesh.NumVertices()
			out.MeshArchived = g.Mesh.ArchivedVertices
		}
	}
	if s, ok := rt.reporter.Latest(); ok {
		out.Status = &s
	}
	return out
}

func (rt *Routes) handleSummary(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, rt.summary())
}

func renderPage(w http.ResponseWriter, chart components.Charter) {
	page := components.NewPage()
	page.SetAssetsHost(echartsAssetsPrefix)
	page.AddCharts(chart)

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		http.Error(w, fmt.Sprintf("render error: %v", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

// handleStatusChart plots the retained status history.
// Query params:
//   - last (optional) limits the chart to the most recent cycles
func (rt *Routes) handleStatusChart(w http.ResponseWriter, r *http.Request) {
	history := rt.reporter.History()
	if v, err := strconv.Atoi(r.URL.Query().Get("last")); err == nil && v > 0 && v < len(history) {
		history = history[len(history)-v:]
	}

	x := make([]string, len(history))
	runMs := make([]opts.LineData, len(history))
	optMs := make([]opts.LineData, len(history))
	lcs := make([]opts.LineData, len(history))
	undone := make([]opts.LineData, len(history))
	for i, s := range history {
		x[i] = strconv.Itoa(i)
		runMs[i] = opts.LineData{Value: float64(s.RunTime) / float64(time.Millisecond)}
		if s.HasOptimizeTime {
			optMs[i] = opts.LineData{Value: float64(s.OptimizeTime) / float64(time.Millisecond)}
		} else {
			optMs[i] = opts.LineData{Value: "-"}
		}
		lcs[i] = opts.LineData{Value: s.TotalLoopClosures}
		undone[i] = opts.LineData{Value: s.NumMergesUndone}
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Backend status", Width: "100%", Height: "720px", AssetsHost: echartsAssetsPrefix}),
		charts.WithTitleOpts(opts.Title{Title: "Backend cycles", Subtitle: fmt.Sprintf("cycles=%d", len(history))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "cycle"}),
	)
	line.SetXAxis(x).
		AddSeries("run (ms)", runMs).
		AddSeries("optimize (ms)", optMs).
		AddSeries("loop closures", lcs).
		AddSeries("merges undone", undone)
	renderPage(w, line)
}

// handlePlacesChart draws places at their xy positions with the anchor
// tree as links.
func (rt *Routes) handlePlacesChart(w http.ResponseWriter, r *http.Request) {
	snap := rt.src.DebugSnapshot()
	if snap.Places == nil || snap.Places.NumNodes() == 0 {
		http.Error(w, "no places available", http.StatusNotFound)
		return
	}

	nodes := make([]opts.GraphNode, 0, snap.Places.NumNodes())
	for _, n := range snap.Places.Nodes() {
		category := 0
		if snap.Anchors.IsLeaf(n.ID) {
			category = 2
		} else if hasAnchor(snap.Anchors, n.ID) {
			category = 1
		}
		nodes = append(nodes, opts.GraphNode{
			Name:       n.ID.Label(),
			X:          float32(n.Attrs.Position.X),
			Y:          float32(-n.Attrs.Position.Y), // screen y grows down
			Value:      float32(n.Attrs.Distance),
			Category:   category,
			SymbolSize: 6,
		})
	}
	links := make([]opts.GraphLink, 0, len(snap.Anchors.Edges))
	for _, e := range snap.Anchors.Edges {
		links = append(links, opts.GraphLink{Source: e.From.Label(), Target: e.To.Label(), Value: float32(e.Distance)})
	}

	g := charts.NewGraph()
	g.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Places", Width: "900px", Height: "900px", AssetsHost: echartsAssetsPrefix}),
		charts.WithTitleOpts(opts.Title{Title: "Places and anchor tree", Subtitle: fmt.Sprintf("places=%d anchors=%d leaves=%d", len(nodes), len(snap.Anchors.Anchors), len(snap.Anchors.Leaves))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
	)
	g.AddSeries("places", nodes, links, charts.WithGraphChartOpts(opts.GraphChart{
		Layout: "none",
		Roam:   opts.Bool(true),
		Categories: []*opts.GraphCategory{
			{Name: "place"}, {Name: "anchor"}, {Name: "leaf"},
		},
	}))
	renderPage(w, g)
}

func hasAnchor(s pgmo.AnchorSet, k pgmo.Key) bool {
	for _, a := range s.Anchors {
		if a.Key == k {
			return true
		}
	}
	return false
}

func (rt *Routes) handlePlacesPNG(w http.ResponseWriter, r *http.Request) {
	snap := rt.src.DebugSnapshot()
	var buf bytes.Buffer
	if err := PlotAnchors(&buf, snap.Places, snap.Anchors); err != nil {
		status := http.StatusInternalServerError
		if err == ErrNoPlaces {
			status = http.StatusNotFound
		}
		http.Error(w, err.Error(), status)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(buf.Bytes())
}

// handleTail streams each new status as a server-sent event.
func (rt *Routes) handleTail(w http.ResponseWriter, r *http.Request) {
	if httputil.MethodNotAllowed(w, r, http.MethodGet) {
		return
	}
	stream, err := httputil.NewEventStream(w)
	if err != nil {
		httputil.WriteJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}

	id, c := rt.reporter.Subscribe()
	defer rt.reporter.Unsubscribe(id)
	if err := stream.Comment("ping"); err != nil {
		return
	}
	for {
		select {
		case s, ok := <-c:
			if !ok {
				return
			}
			if err := stream.Send(s); err != nil {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}
