package pgmo

import (
	"context"
	"fmt"
	"maps"
)

// Problem is the full specification handed to an optimizer: accumulated
// factors and priors, initial estimates, and this cycle's place anchors.
type Problem struct {
	Factors []Factor
	Priors  []Prior
	Values  map[Key]Pose

	Anchors           AnchorSet
	PlaceMeshVariance float64
	PlaceEdgeVariance float64
}

// Result is what an optimizer returns. Values covers every variable of the
// problem; AnchorValues covers the temporary anchors. Trajectory optionally
// carries full-resolution poses recomputed by the engine.
type Result struct {
	Values       map[Key]Pose
	AnchorValues map[Key]Pose
	Trajectory   map[Key]Pose
}

// Optimizer solves a Problem. It is called at most once per cycle, from the
// backend's processing goroutine. Implementations report ErrUnknownKey for
// references to unvalued variables and ErrNotConverged when they give up.
type Optimizer interface {
	Optimize(ctx context.Context, p *Problem) (*Result, error)
}

// OptimizerFunc adapts a function to the Optimizer interface.
type OptimizerFunc func(ctx context.Context, p *Problem) (*Result, error)

func (f OptimizerFunc) Optimize(ctx context.Context, p *Problem) (*Result, error) {
	return f(ctx, p)
}

// Validate checks that every factor and prior references a valued variable
// and that anchor edges join selected anchors. Anchor valences referencing
// control points that do not exist yet are not an error; engines skip them.
func (p *Problem) Validate() error {
	for _, f := range p.Factors {
		if _, ok := p.Values[f.From]; !ok {
			return fmt.Errorf("%w: %s factor references %s", ErrUnknownKey, f.Kind, f.From.Label())
		}
		if _, ok := p.Values[f.To]; !ok {
			return fmt.Errorf("%w: %s factor references %s", ErrUnknownKey, f.Kind, f.To.Label())
		}
	}
	for _, pr := range p.Priors {
		if _, ok := p.Values[pr.Key]; !ok {
			return fmt.Errorf("%w: prior on %s", ErrUnknownKey, pr.Key.Label())
		}
	}
	anchors := make(map[Key]struct{}, len(p.Anchors.Anchors))
	for _, a := range p.Anchors.Anchors {
		anchors[a.Key] = struct{}{}
	}
	for _, e := range p.Anchors.Edges {
		_, okF := anchors[e.From]
		_, okT := anchors[e.To]
		if !okF || !okT {
			return fmt.Errorf("%w: anchor edge %s-%s", ErrUnknownKey, e.From.Label(), e.To.Label())
		}
	}
	return nil
}

// NumValence counts anchor valence entries that resolve to known variables.
func (p *Problem) NumValence() int {
	n := 0
	for _, a := range p.Anchors.Anchors {
		for _, v := range a.Valence {
			if _, ok := p.Values[v]; ok {
				n++
			}
		}
	}
	return n
}

// InitialGuessOptimizer validates the problem and returns the initial
// estimates unchanged. It stands in for a nonlinear engine when none is
// configured; with it the correction field is the identity.
type InitialGuessOptimizer struct{}

// NewInitialGuessOptimizer returns the pass-through optimizer.
func NewInitialGuessOptimizer() *InitialGuessOptimizer { return &InitialGuessOptimizer{} }

func (*InitialGuessOptimizer) Optimize(ctx context.Context, p *Problem) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	res := &Result{
		Values:       maps.Clone(p.Values),
		AnchorValues: make(map[Key]Pose, len(p.Anchors.Anchors)),
	}
	for _, a := range p.Anchors.Anchors {
		res.AnchorValues[a.Key] = a.Pose
	}
	tracef("pass-through optimize: %d factors, %d values, %d anchors, %d valences",
		len(p.Factors), len(p.Values), len(p.Anchors.Anchors), p.NumValence())
	return res, nil
}
