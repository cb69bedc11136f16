package telemetry

import (
	"context"
	"time"
)

// Observability bundles logging, tracing, metrics, and the error sink into
// a single object a Run owns and passes explicitly to its components --
// design note §9 rejects process-wide observability singletons in favor of
// a per-Run context object.
type Observability struct {
	Log     *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Errors  *ErrorSink

	shutdownTracer func(context.Context) error
	shutdownMetric func(context.Context) error
}

// New builds an Observability instance scoped to a single run.
func New(runID string, level string, errorsPerMinute int) *Observability {
	logger := NewLogger(level).WithRun(runID)

	tracer, shutdownTracer := NewTracer("utilityfog-simcore")

	metrics, err := NewMetrics()
	if err != nil {
		Fallback("init metrics", err)
	}

	sink := NewErrorSink(logger, errorsPerMinute)

	o := &Observability{
		Log:            logger,
		Tracer:         tracer,
		Metrics:        metrics,
		Errors:         sink,
		shutdownTracer: shutdownTracer,
	}
	if metrics != nil {
		o.shutdownMetric = metrics.Shutdown
	}
	return o
}

// StartRollup begins the error sink's periodic suppressed-count rollup.
func (o *Observability) StartRollup(ctx context.Context) {
	o.Errors.StartRollup(ctx, time.Minute)
}

// Close releases tracer/metrics resources. Safe to call multiple times.
func (o *Observability) Close(ctx context.Context) {
	if o == nil {
		return
	}
	if o.shutdownTracer != nil {
		if err := o.shutdownTracer(ctx); err != nil {
			Fallback("tracer shutdown", err)
		}
	}
	if o.shutdownMetric != nil {
		if err := o.shutdownMetric(ctx); err != nil {
			Fallback("metrics shutdown", err)
		}
	}
}
