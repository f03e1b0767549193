package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PromSink exports statuses as prometheus metrics.
type PromSink struct {
	cycles        prometheus.Counter
	mergesUndone  prometheus.Counter
	newFactors    prometheus.Counter
	loopClosures  prometheus.Gauge
	factors       prometheus.Gauge
	values        prometheus.Gauge
	trajectoryLen prometheus.Gauge
	durations     *prometheus.HistogramVec
}

// NewPromSink registers the backend metrics with reg.
func NewPromSink(reg prometheus.Registerer) *PromSink {
	f := promauto.With(reg)
	return &PromSink{
		cycles: f.NewCounter(prometheus.CounterOpts{
			Name: "sgbackend_cycles_total",
			Help: "Spin cycles completed",
		}),
		mergesUndone: f.NewCounter(prometheus.CounterOpts{
			Name: "sgbackend_merges_undone_total",
			Help: "Node merges reverted by the merge handler",
		}),
		newFactors: f.NewCounter(prometheus.CounterOpts{
			Name: "sgbackend_factors_added_total",
			Help: "Factors added to the optimisation problem",
		}),
		loopClosures: f.NewGauge(prometheus.GaugeOpts{
			Name: "sgbackend_loop_closures",
			Help: "Loop closures accepted so far",
		}),
		factors: f.NewGauge(prometheus.GaugeOpts{
			Name: "sgbackend_factors",
			Help: "Factors in the optimisation problem",
		}),
		values: f.NewGauge(prometheus.GaugeOpts{
			Name: "sgbackend_values",
			Help: "Variables with an initial estimate",
		}),
		trajectoryLen: f.NewGauge(prometheus.GaugeOpts{
			Name: "sgbackend_trajectory_length",
			Help: "Dense trajectory keys registered",
		}),
		durations: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sgbackend_stage_duration_seconds",
			Help:    "Duration of spin cycle stages",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		}, []string{"stage"}),
	}
}

func (p *PromSink) Record(s Status) error {
	p.cycles.Inc()
	p.mergesUndone.Add(float64(s.NumMergesUndone))
	p.newFactors.Add(float64(s.NewFactors))
	p.loopClosures.Set(float64(s.TotalLoopClosures))
	p.factors.Set(float64(s.TotalFactors))
	p.values.Set(float64(s.TotalValues))
	p.trajectoryLen.Set(float64(s.TrajectoryLen))
	p.durations.WithLabelValues("spin").Observe(s.RunTime.Seconds())
	if s.HasOptimizeTime {
		p.durations.WithLabelValues("optimize").Observe(s.OptimizeTime.Seconds())
	}
	if s.HasMeshUpdateTime {
		p.durations.WithLabelValues("mesh_update").Observe(s.MeshUpdateTime.Seconds())
	}
	return nil
}
