// Package metrics counts parse, edit and encapsulation tool activity. The
// counters are written in the node exporter textfile format since fvtool
// does not serve HTTP.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "fvtool"

type Metrics struct {
	Registry *prometheus.Registry

	Parses   *prometheus.CounterVec
	Edits    *prometheus.CounterVec
	Findings prometheus.Counter
	ToolRuns *prometheus.HistogramVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		Parses: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "parses_total",
			Help:      "Volume images parsed, by result.",
		}, []string{"result"}),
		Edits: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "edits_total",
			Help:      "Volume mutations, by operation and result.",
		}, []string{"operation", "result"}),
		Findings: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verify_findings_total",
			Help:      "Checksum and structure problems reported by verify.",
		}),
		ToolRuns: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_duration_seconds",
			Help:      "External encapsulation tool run time, by tool and result.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 7),
		}, []string{"tool", "result"}),
	}
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func (m *Metrics) ObserveParse(err error) {
	m.Parses.WithLabelValues(result(err)).Inc()
}

func (m *Metrics) ObserveEdit(op string, err error) {
	m.Edits.WithLabelValues(op, result(err)).Inc()
}

// ObserveTool satisfies encap.Observer.
func (m *Metrics) ObserveTool(name string, elapsed time.Duration, err error) {
	m.ToolRuns.WithLabelValues(name, result(err)).Observe(elapsed.Seconds())
}

// WriteTextfile writes every metric to path, replacing it atomically.
func (m *Metrics) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.Registry)
}
