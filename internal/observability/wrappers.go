package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ctfarena/warden/internal/allocator"
	"github.com/ctfarena/warden/internal/executor"
	"github.com/ctfarena/warden/internal/firewall"
	"github.com/ctfarena/warden/internal/health"
	"github.com/ctfarena/warden/internal/runtime"
	"github.com/ctfarena/warden/internal/session"
)

// InstrumentedRunner wraps an executor.Runner with metrics, tracing, and
// anomaly detection. Sessions take the Runner interface, so instrumentation
// slots in without the executor knowing about it.
type InstrumentedRunner struct {
	inner   executor.Runner
	metrics *MetricsCollector
	tracer  trace.Tracer
	anomaly *AnomalyDetector
}

// NewInstrumentedRunner wraps a runner with observability.
func NewInstrumentedRunner(inner executor.Runner, metrics *MetricsCollector, ts *TracerSetup, anomaly *AnomalyDetector) *InstrumentedRunner {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedRunner{
		inner:   inner,
		metrics: metrics,
		tracer:  tracer,
		anomaly: anomaly,
	}
}

func (r *InstrumentedRunner) Execute(ctx context.Context, ctr *runtime.Container, req executor.Request) executor.Result {
	if r.tracer != nil {
		var span trace.Span
		ctx, span = r.tracer.Start(ctx, "exec.command",
			trace.WithAttributes(
				attribute.String("container.id", ctr.ID),
				attribute.String("container.role", string(ctr.Role)),
			))
		defer span.End()
	}

	start := time.Now()
	res := r.inner.Execute(ctx, ctr, req)
	duration := time.Since(start).Seconds()

	status := string(res.Status)
	if r.tracer != nil {
		span := trace.SpanFromContext(ctx)
		switch res.Status {
		case executor.StatusFailed:
			if res.Cause != nil {
				span.RecordError(res.Cause)
				span.SetStatus(codes.Error, res.Cause.Error())
			}
		case executor.StatusTimedOut:
			span.SetStatus(codes.Error, "deadline exceeded")
			span.SetAttributes(attribute.Bool("exec.no_output", res.NoOutput))
		default:
			span.SetAttributes(attribute.Int("exec.exit_code", res.ExitCode))
		}
	}

	if r.metrics != nil {
		r.metrics.ExecTotal.WithLabelValues(status).Inc()
		r.metrics.ExecDuration.WithLabelValues(status).Observe(duration)
	}

	if r.anomaly != nil {
		if res.Completed() {
			r.anomaly.RecordSuccess("exec")
		} else {
			r.anomaly.RecordError("exec")
		}
	}

	return res
}

// Compile-time interface check.
var _ executor.Runner = (*InstrumentedRunner)(nil)

func resultLabel(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}

// InstrumentMonitor hooks the monitor's probe observer up to the probe
// counter. The monitor stays free of any metrics dependency.
func InstrumentMonitor(mon *health.Monitor, m *MetricsCollector) {
	mon.OnProbe = func(rec health.Record) {
		m.ProbesTotal.WithLabelValues(string(rec.State)).Inc()
	}
}

// InstrumentEnforcer counts every rule-set application by outcome.
func InstrumentEnforcer(enf *firewall.Enforcer, m *MetricsCollector) {
	enf.OnApply = func(err error) {
		m.RestrictionsTotal.WithLabelValues(resultLabel(err)).Inc()
	}
}

// InstrumentAllocator counts allocations by outcome and tracks the number of
// leased ports across allocations and releases.
func InstrumentAllocator(a *allocator.Allocator, m *MetricsCollector) {
	a.OnAllocate = func(ports int, err error) {
		m.AllocationsTotal.WithLabelValues(resultLabel(err)).Inc()
		if err == nil {
			m.LeasedPorts.Add(float64(ports))
		}
	}
	a.OnRelease = func(ports int) {
		m.LeasedPorts.Sub(float64(ports))
	}
}

// SessionTransitionRecorder returns an OnTransition observer that derives
// recovery outcomes from lifecycle edges. Leaving Recovering for Ready is a
// successful recreation; leaving it for Failed or teardown is an exhausted
// or broken one.
func SessionTransitionRecorder(m *MetricsCollector) func(from, to session.State) {
	return func(from, to session.State) {
		if from != session.StateRecovering {
			return
		}
		switch to {
		case session.StateReady:
			m.RecoveriesTotal.WithLabelValues("success").Inc()
		case session.StateFailed, session.StateTearingDown:
			m.RecoveriesTotal.WithLabelValues("failure").Inc()
		}
	}
}
