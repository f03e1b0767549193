package dsg

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/spatial/r3"
)

// ErrStaleSnapshot is returned when the frontend graph is newer than the
// input being processed, so folding it in would skip ahead.
var ErrStaleSnapshot = errors.New("stale frontend snapshot")

// MergerConfig selects which incoming attributes the merger adopts.
type MergerConfig struct {
	UpdateLayerAttributes   map[LayerID]bool
	UpdateDynamicAttributes bool
}

// MergeOptions are the per-call inputs to a merge.
type MergeOptions struct {
	// TimestampNs is the timestamp of the input driving this merge.
	TimestampNs uint64

	// Force merges even when the frontend graph is newer than TimestampNs.
	Force bool

	// PreviousMerges maps absorbed ids to survivors.
	PreviousMerges map[NodeID]NodeID

	// OnFrontend, if set, runs while the frontend lock is held, after the
	// merge itself. It must not retain the graph.
	OnFrontend func(frontend *Graph)
}

// Merger folds frontend snapshots into the backend graph while protecting
// optimized positions of inactive nodes, and keeps a working copy of the
// places layer for anchor selection.
type Merger struct {
	cfg        MergerConfig
	places     *Layer
	posCache   map[NodeID]r3.Vec
	lastMerged uint64
}

// NewMerger returns a merger with an empty places working copy.
func NewMerger(cfg MergerConfig) *Merger {
	return &Merger{
		cfg:      cfg,
		places:   NewLayer(LayerPlaces),
		posCache: make(map[NodeID]r3.Vec),
	}
}

// PlacesWorkingCopy returns the places layer used for anchor selection.
// Callers must hold the backend lock while using it.
func (m *Merger) PlacesWorkingCopy() *Layer { return m.places }

// Reset drops the places working copy.
func (m *Merger) Reset() {
	m.places = NewLayer(LayerPlaces)
	m.posCache = make(map[NodeID]r3.Vec)
	m.lastMerged = 0
}

// Merge locks the backend then the frontend graph and folds the frontend in.
func (m *Merger) Merge(backend, frontend *SharedGraph, opts MergeOptions) error {
	g := backend.Lock()
	defer backend.Unlock()
	return m.MergeLocked(g, frontend, opts)
}

// MergeLocked folds frontend into backend. The caller must already hold the
// backend lock; the frontend lock is taken for the duration of the merge.
func (m *Merger) MergeLocked(backend *Graph, frontend *SharedGraph, opts MergeOptions) error {
	m.cacheInactivePositions(backend)

	fg := frontend.Lock()
	defer frontend.Unlock()

	if !opts.Force && fg.LastUpdateNs > opts.TimestampNs {
		return fmt.Errorf("%w: frontend at %d, input at %d", ErrStaleSnapshot, fg.LastUpdateNs, opts.TimestampNs)
	}

	backend.MergeGraph(fg, MergeConfig{
		PreviousMerges:          opts.PreviousMerges,
		UpdateLayerAttributes:   m.cfg.UpdateLayerAttributes,
		UpdateDynamicAttributes: m.cfg.UpdateDynamicAttributes,
	})
	if opts.OnFrontend != nil {
		opts.OnFrontend(fg)
	}

	m.updatePlacesCopy(fg, opts.PreviousMerges)
	restored := m.restorePositions(backend)
	m.lastMerged = opts.TimestampNs
	tracef("merged frontend (%d nodes) at %d, restored %d inactive positions",
		fg.NumNodes(), opts.TimestampNs, restored)
	return nil
}

// LastMergedNs returns the timestamp of the last successful merge.
func (m *Merger) LastMergedNs() uint64 { return m.lastMerged }

func (m *Merger) cacheInactivePositions(g *Graph) {
	clear(m.posCache)
	for _, layerID := range AllLayers {
		for _, n := range g.Layer(layerID).Nodes() {
			if !n.Attrs.IsActive {
				m.posCache[n.ID] = n.Attrs.Position
			}
		}
	}
}

func (m *Merger) restorePositions(g *Graph) int {
	restored := 0
	for id, pos := range m.posCache {
		n, ok := g.Node(id)
		if !ok {
			continue
		}
		n.Attrs.Position = pos
		restored++
	}
	return restored
}

// updatePlacesCopy mirrors the frontend places layer into the working copy
// and applies the frontend's removed-node signal there only.
func (m *Merger) updatePlacesCopy(fg *Graph, previous map[NodeID]NodeID) {
	src := fg.Layer(LayerPlaces)
	for _, n := range src.Nodes() {
		if _, absorbed := previous[n.ID]; absorbed {
			continue
		}
		if existing, ok := m.places.Node(n.ID); ok {
			existing.Attrs = n.Attrs.Clone()
			continue
		}
		m.places.AddNode(n.ID, n.Attrs.Clone())
	}
	cfg := MergeConfig{PreviousMerges: previous}
	for _, e := range src.Edges() {
		s, t := cfg.resolve(e.Source), cfg.resolve(e.Target)
		m.places.InsertEdge(s, t)
	}
	removed := 0
	for _, id := range src.RemovedNodes() {
		if m.places.RemoveNode(id) {
			removed++
		}
	}
	m.places.ClearRemoved()
	if removed > 0 {
		diagf("removed %d places from working copy", removed)
	}
}
