package telemetry

import (
	"context"
	"math"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics exposes counters (monotonic), gauges (last-write-wins), and
// histograms (pre-declared buckets), per §4.2. Grounded on the same
// go.opentelemetry.io/otel/metric SDK intelligencedev-manifold wires for
// its own observability stack.
type Metrics struct {
	provider *sdkmetric.MeterProvider
	meter    metric.Meter

	stepDuration   metric.Float64Histogram
	messageLatency metric.Float64Histogram

	mu       sync.Mutex
	counters map[string]metric.Int64Counter
	gauges   map[string]*gaugeState
}

type gaugeState struct {
	bits atomic.Uint64 // last-write-wins value, stored as math.Float64bits
}

func (g *gaugeState) set(v float64) { g.bits.Store(math.Float64bits(v)) }
func (g *gaugeState) get() float64  { return math.Float64frombits(g.bits.Load()) }

// NewMetrics builds a Metrics instance with an in-process MeterProvider
// (no exporter required for a single-process run; a host process wanting
// an OTLP pipeline can layer one in front without this package changing).
func NewMetrics() (*Metrics, error) {
	provider := sdkmetric.NewMeterProvider()
	meter := provider.Meter("utilityfog/simcore")

	stepDuration, err := meter.Float64Histogram(
		"step_duration_seconds",
		metric.WithDescription("wall-clock duration of a single scheduler step"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, err
	}

	messageLatency, err := meter.Float64Histogram(
		"message_latency_seconds",
		metric.WithDescription("time between envelope issue and delivery"),
		metric.WithExplicitBucketBoundaries(0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1),
	)
	if err != nil {
		return nil, err
	}

	m := &Metrics{
		provider:       provider,
		meter:          meter,
		stepDuration:   stepDuration,
		messageLatency: messageLatency,
		counters:       make(map[string]metric.Int64Counter),
		gauges:         make(map[string]*gaugeState),
	}
	return m, nil
}

// RecordStepDuration records one observation of step_duration_seconds.
func (m *Metrics) RecordStepDuration(ctx context.Context, seconds float64) {
	if m == nil {
		return
	}
	m.stepDuration.Record(ctx, seconds)
}

// RecordMessageLatency records one observation of message_latency_seconds.
func (m *Metrics) RecordMessageLatency(ctx context.Context, seconds float64) {
	if m == nil {
		return
	}
	m.messageLatency.Record(ctx, seconds)
}

// IncrCounter increments a monotonic counter by delta, creating it lazily
// on first use.
func (m *Metrics) IncrCounter(ctx context.Context, name string, delta int64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	c, ok := m.counters[name]
	if !ok {
		var err error
		c, err = m.meter.Int64Counter(name)
		if err != nil {
			m.mu.Unlock()
			Fallback("create counter "+name, err)
			return
		}
		m.counters[name] = c
	}
	m.mu.Unlock()
	c.Add(ctx, delta)
}

// SetGauge sets a last-write-wins gauge value, registering the observable
// gauge lazily on first use.
func (m *Metrics) SetGauge(name string, value float64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.gauges[name]
	if !ok {
		g = &gaugeState{}
		m.gauges[name] = g
		_, err := m.meter.Float64ObservableGauge(
			name,
			metric.WithFloat64Callback(func(_ context.Context, o metric.Float64Observer) error {
				o.Observe(g.get())
				return nil
			}),
		)
		if err != nil {
			Fallback("register gauge "+name, err)
		}
	}
	g.set(value)
}

// Shutdown flushes and stops the underlying MeterProvider.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m == nil {
		return nil
	}
	return m.provider.Shutdown(ctx)
}
