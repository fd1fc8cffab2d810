package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the counters of one detection run, in a private registry.
// A batch run doesn't live long enough to be scraped, so the registry is written
// to a node-exporter textfile at the end of the run instead.
type Metrics struct {
	samples    *prometheus.CounterVec
	detections *prometheus.CounterVec
	points     prometheus.Counter
	stages     *prometheus.HistogramVec

	registry *prometheus.Registry
}

const (
	StatusOK      = "ok"
	StatusSkipped = "skipped"
	StatusFailed  = "failed"
)

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		samples: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pcdetect_samples_total",
			Help: "Point cloud samples processed, by status",
		}, []string{"status"}),
		detections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pcdetect_detections_total",
			Help: "Detections written, by class label",
		}, []string{"label"}),
		points: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pcdetect_points_total",
			Help: "Points fed into the model",
		}),
		stages: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pcdetect_stage_seconds",
			Help:    "Time spent per sample in each pipeline stage",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		}, []string{"stage"}),
	}
	m.registry.MustRegister(m.samples, m.detections, m.points, m.stages)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) SampleDone(status string) {
	m.samples.WithLabelValues(status).Inc()
}

func (m *Metrics) AddDetection(label string) {
	m.detections.WithLabelValues(label).Inc()
}

func (m *Metrics) AddPoints(n int) {
	m.points.Add(float64(n))
}

func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	m.stages.WithLabelValues(stage).Observe(d.Seconds())
}

// WriteTextfile writes all metrics in the Prometheus text format, atomically
func (m *Metrics) WriteTextfile(filename string) error {
	if err := prometheus.WriteToTextfile(filename, m.registry); err != nil {
		return fmt.Errorf("Failed to write metrics to %v: %w", filename, err)
	}
	return nil
}
