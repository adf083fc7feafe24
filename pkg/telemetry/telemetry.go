// Package telemetry wires the recorder and driver's metrics instruments
// through go.opentelemetry.io/otel/exporters/prometheus, the same bridge
// the teacher's pkg/metrics/exporters/prometheus/prometheus_exporter.go
// uses to turn OTel instruments into a Prometheus reader. Where the teacher
// stands up its own promhttp server on a dedicated port, this package
// registers onto controller-runtime's existing Prometheus registry
// (pkg/metrics.Registry) instead, since both binaries already expose that
// registry on their manager's metrics endpoint.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	crmetrics "sigs.k8s.io/controller-runtime/pkg/metrics"
)

// Instruments holds every metric either binary records (§4.9, §6 "export
// latency", §4.7 "admission latency").
type Instruments struct {
	ExportDuration    metric.Float64Histogram
	AdmissionDuration metric.Float64Histogram
	ReplayApplied     metric.Int64Counter
	ReplayDeleted     metric.Int64Counter
	WatchGaps         metric.Int64Counter
}

// New builds the OTel meter provider, bridges it onto controller-runtime's
// existing Prometheus registry (already served by both binaries' manager
// metrics endpoint), and registers every instrument.
func New(meterName string) (*Instruments, error) {
	return newWithRegisterer(meterName, crmetrics.Registry)
}

// newWithRegisterer is the registerer-parameterized core of New, split out
// so tests can bridge onto a throwaway registry instead of the process-wide
// controller-runtime one.
func newWithRegisterer(meterName string, registerer prometheus.Registerer) (*Instruments, error) {
	exporter, err := otelprom.New(
		otelprom.WithRegisterer(registerer),
		otelprom.WithNamespace("tracesim"),
	)
	if err != nil {
		return nil, err
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	meter := provider.Meter(meterName)

	exportDuration, err := meter.Float64Histogram("tracesim_export_duration_seconds",
		metric.WithDescription("duration of a single export request"))
	if err != nil {
		return nil, err
	}
	admissionDuration, err := meter.Float64Histogram("tracesim_admission_duration_seconds",
		metric.WithDescription("duration of a single mutating admission request"))
	if err != nil {
		return nil, err
	}
	replayApplied, err := meter.Int64Counter("tracesim_replay_objects_applied_total",
		metric.WithDescription("objects applied by the replay engine"))
	if err != nil {
		return nil, err
	}
	replayDeleted, err := meter.Int64Counter("tracesim_replay_objects_deleted_total",
		metric.WithDescription("objects deleted by the replay engine"))
	if err != nil {
		return nil, err
	}
	watchGaps, err := meter.Int64Counter("tracesim_watch_gaps_total",
		metric.WithDescription("gap markers recorded under watch fabric back-pressure"))
	if err != nil {
		return nil, err
	}

	return &Instruments{
		ExportDuration:    exportDuration,
		AdmissionDuration: admissionDuration,
		ReplayApplied:     replayApplied,
		ReplayDeleted:     replayDeleted,
		WatchGaps:         watchGaps,
	}, nil
}

// Noop returns an Instruments backed by the no-op OTel meter, for tests and
// for callers that don't want metrics wired (e.g. unit tests of Handler
// logic unrelated to telemetry).
func Noop() *Instruments {
	meter := noop.NewMeterProvider().Meter("noop")
	exportDuration, _ := meter.Float64Histogram("noop_export_duration")
	admissionDuration, _ := meter.Float64Histogram("noop_admission_duration")
	replayApplied, _ := meter.Int64Counter("noop_replay_applied")
	replayDeleted, _ := meter.Int64Counter("noop_replay_deleted")
	watchGaps, _ := meter.Int64Counter("noop_watch_gaps")
	return &Instruments{
		ExportDuration:    exportDuration,
		AdmissionDuration: admissionDuration,
		ReplayApplied:     replayApplied,
		ReplayDeleted:     replayDeleted,
		WatchGaps:         watchGaps,
	}
}
