// Package metrics exposes what the engine does to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "tss"

const (
	LabelPurpose = "purpose"
	LabelResult  = "result"
	LabelPhase   = "phase"
)

// Metrics is implemented by Collector and Noop.
type Metrics interface {
	// SessionStarted is called when a session is created on this node.
	SessionStarted(purpose string)
	// SessionFinished is called once per session with its final result.
	SessionFinished(purpose, result string)
	// PackageBuffered is called whenever a package is held for a later phase.
	PackageBuffered(phase string)
	// SignatureFinished is called once per signing request.
	SignatureFinished(result string)
	// PhaseFinished records how long a phase lasted.
	PhaseFinished(phase string, d time.Duration)
	// FrameDropped is called when a frame could not be sent or decoded.
	FrameDropped()
}

// Collector implements Metrics with Prometheus collectors.
type Collector struct {
	sessions   *prometheus.CounterVec
	active     prometheus.Gauge
	buffered   *prometheus.CounterVec
	signatures *prometheus.CounterVec
	phases     *prometheus.HistogramVec
	dropped    prometheus.Counter
}

var _ Metrics = (*Collector)(nil)

// NewCollector registers the collectors on reg. A nil reg uses the default registerer.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Collector{
		sessions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "the number of sessions that ended, by purpose and result",
		}, []string{LabelPurpose, LabelResult}),

		active: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "the number of sessions currently running",
		}),

		buffered: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "buffered_packages_total",
			Help:      "the number of packages received ahead of their phase",
		}, []string{LabelPhase}),

		signatures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signatures_total",
			Help:      "the number of signing requests that ended, by result",
		}, []string{LabelResult}),

		phases: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "phase_duration_seconds",
			Help:      "the time spent in each phase",
			Buckets:   []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60},
		}, []string{LabelPhase}),

		dropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_frames_total",
			Help:      "the number of frames that could not be sent or decoded",
		}),
	}
}

func (c *Collector) SessionStarted(string) {
	c.active.Inc()
}

func (c *Collector) SessionFinished(purpose, result string) {
	c.active.Dec()
	c.sessions.With(prometheus.Labels{LabelPurpose: purpose, LabelResult: result}).Inc()
}

func (c *Collector) PackageBuffered(phase string) {
	c.buffered.With(prometheus.Labels{LabelPhase: phase}).Inc()
}

func (c *Collector) SignatureFinished(result string) {
	c.signatures.With(prometheus.Labels{LabelResult: result}).Inc()
}

func (c *Collector) PhaseFinished(phase string, d time.Duration) {
	c.phases.With(prometheus.Labels{LabelPhase: phase}).Observe(d.Seconds())
}

func (c *Collector) FrameDropped() {
	c.dropped.Inc()
}

// Noop discards everything.
type Noop struct{}

var _ Metrics = Noop{}

func (Noop) SessionStarted(string)               {}
func (Noop) SessionFinished(string, string)      {}
func (Noop) PackageBuffered(string)              {}
func (Noop) SignatureFinished(string)            {}
func (Noop) PhaseFinished(string, time.Duration) {}
func (Noop) FrameDropped()                       {}
