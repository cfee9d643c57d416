package otel

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "conclave"

// Metrics holds all Conclave metric instruments.
type Metrics struct {
	Decisions       metric.Int64Counter
	Overrides       metric.Int64Counter
	ProviderCalls   metric.Int64Counter
	Admissions      metric.Int64Counter
	CacheHits       metric.Int64Counter
	DecisionLatency metric.Float64Histogram
	ProviderLatency metric.Float64Histogram
}

// NewMetrics creates all metric instruments on the global meter provider.
func NewMetrics() (*Metrics, error) {
	return NewMetricsFrom(otel.Meter(meterName))
}

// NewMetricsFrom creates all metric instruments on meter.
func NewMetricsFrom(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.Decisions, err = meter.Int64Counter("conclave.decisions",
		metric.WithDescription("Number of decisions produced"))
	if err != nil {
		return nil, err
	}

	m.Overrides, err = meter.Int64Counter("conclave.overrides",
		metric.WithDescription("Number of decisions produced under a stuck-loop override"))
	if err != nil {
		return nil, err
	}

	m.ProviderCalls, err = meter.Int64Counter("conclave.provider.calls",
		metric.WithDescription("Number of provider invocations by outcome"))
	if err != nil {
		return nil, err
	}

	m.Admissions, err = meter.Int64Counter("conclave.ratelimit.admissions",
		metric.WithDescription("Rate limiter verdicts by provider"))
	if err != nil {
		return nil, err
	}

	m.CacheHits, err = meter.Int64Counter("conclave.cache.hits",
		metric.WithDescription("Expert responses served from cache"))
	if err != nil {
		return nil, err
	}

	m.DecisionLatency, err = meter.Float64Histogram("conclave.decision.duration_seconds",
		metric.WithDescription("Schedule duration in seconds"))
	if err != nil {
		return nil, err
	}

	m.ProviderLatency, err = meter.Float64Histogram("conclave.provider.duration_seconds",
		metric.WithDescription("Provider call duration in seconds"))
	if err != nil {
		return nil, err
	}

	return m, nil
}
