package otel

import (
	"context"
	"errors"
	"fmt"

	goSession "github.com/MrEthical07/goSession"
	"github.com/MrEthical07/goSession/metrics/export/internaldefs"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	ErrNilMeter  = errors.New("nil meter")
	ErrNilSource = errors.New("nil metrics source")
)

type metricsSource interface {
	MetricsSnapshot() goSession.MetricsSnapshot
	AuditDropped() uint64
}

// bucketAttrs holds one pre-built "le" attribute set per histogram bucket.
var bucketAttrs = func() [8]metric.ObserveOption {
	var out [8]metric.ObserveOption
	for i, le := range internaldefs.HistogramBucketLabels {
		out[i] = metric.WithAttributeSet(attribute.NewSet(attribute.String("le", le)))
	}
	return out
}()

type histogramInstruments struct {
	id      goSession.MetricID
	buckets metric.Int64ObservableGauge
	count   metric.Int64ObservableGauge
}

// OTelExporter reports goSession client metrics through OpenTelemetry observable
// instruments.
type OTelExporter struct {
	source       metricsSource
	session      internaldefs.SessionReporter
	registration metric.Registration

	counters      map[goSession.MetricID]metric.Int64ObservableCounter
	histograms    []histogramInstruments
	auditDropped  metric.Int64ObservableCounter
	authenticated metric.Int64ObservableGauge
}

// NewOTelExporter registers instruments on meter that read from client at collection time.
func NewOTelExporter(meter metric.Meter, client *goSession.Client) (*OTelExporter, error) {
	if client == nil {
		return nil, ErrNilSource
	}
	return NewOTelExporterFromSource(meter, client)
}

// NewOTelExporterFromSource is NewOTelExporter for any snapshot source. Sources that
// implement IsAuthenticated also get the session gauge.
func NewOTelExporterFromSource(meter metric.Meter, source metricsSource) (*OTelExporter, error) {
	if meter == nil {
		return nil, ErrNilMeter
	}
	if source == nil {
		return nil, ErrNilSource
	}

	e := &OTelExporter{
		source:   source,
		counters: make(map[goSession.MetricID]metric.Int64ObservableCounter, len(internaldefs.CounterDefs)),
	}
	e.session, _ = source.(internaldefs.SessionReporter)

	var observables []metric.Observable
	var err error
	for _, def := range internaldefs.CounterDefs {
		ins, err := meter.Int64ObservableCounter(def.Name, metric.WithDescription(def.Help))
		if err != nil {
			return nil, fmt.Errorf("create counter %s: %w", def.Name, err)
		}
		e.counters[def.ID] = ins
		observables = append(observables, ins)
	}

	for _, def := range internaldefs.HistogramDefs {
		h := histogramInstruments{id: def.ID}
		if h.buckets, err = meter.Int64ObservableGauge(def.Name+"_bucket",
			metric.WithDescription(def.Help+" Cumulative count per le bound.")); err != nil {
			return nil, fmt.Errorf("create bucket gauge %s: %w", def.Name, err)
		}
		if h.count, err = meter.Int64ObservableGauge(def.Name+"_count",
			metric.WithDescription(def.Help+" Total samples.")); err != nil {
			return nil, fmt.Errorf("create count gauge %s: %w", def.Name, err)
		}
		e.histograms = append(e.histograms, h)
		observables = append(observables, h.buckets, h.count)
	}

	if e.auditDropped, err = meter.Int64ObservableCounter(internaldefs.AuditDroppedName,
		metric.WithDescription(internaldefs.AuditDroppedHelp)); err != nil {
		return nil, fmt.Errorf("create audit dropped counter: %w", err)
	}
	observables = append(observables, e.auditDropped)

	if e.session != nil {
		if e.authenticated, err = meter.Int64ObservableGauge(internaldefs.SessionAuthenticatedName,
			metric.WithDescription(internaldefs.SessionAuthenticatedHelp)); err != nil {
			return nil, fmt.Errorf("create session gauge: %w", err)
		}
		observables = append(observables, e.authenticated)
	}

	if e.registration, err = meter.RegisterCallback(e.observe, observables...); err != nil {
		return nil, fmt.Errorf("register callback: %w", err)
	}
	return e, nil
}

// observe runs once per collection. While the client's metrics are disabled only the
// audit drop counter is reported.
func (e *OTelExporter) observe(_ context.Context, o metric.Observer) error {
	o.ObserveInt64(e.auditDropped, int64(e.source.AuditDropped()))

	snapshot := e.source.MetricsSnapshot()
	if len(snapshot.Counters) == 0 {
		return nil
	}
	for id, ins := range e.counters {
		o.ObserveInt64(ins, int64(snapshot.Counters[id]))
	}
	for _, h := range e.histograms {
		raw, ok := snapshot.Histograms[h.id]
		if !ok {
			continue
		}
		cumulative := internaldefs.CumulativeBuckets(internaldefs.NormalizeBuckets(raw))
		for i, n := range cumulative {
			o.ObserveInt64(h.buckets, int64(n), bucketAttrs[i])
		}
		o.ObserveInt64(h.count, int64(cumulative[len(cumulative)-1]))
	}
	if e.session != nil {
		var v int64
		if e.session.IsAuthenticated() {
			v = 1
		}
		o.ObserveInt64(e.authenticated, v)
	}
	return nil
}

// Close unregisters the collection callback.
func (e *OTelExporter) Close() error {
	if e == nil || e.registration == nil {
		return nil
	}
	return e.registration.Unregister()
}
