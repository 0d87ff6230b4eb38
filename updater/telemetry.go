package updater

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics represents all metrics related to the update engine. All recording
// helpers are nil-safe: a host without a meter passes a nil *Metrics and pays
// nothing.
type Metrics struct {
	checks              metric.Int64Counter
	checkDurationMicro  metric.Int64Histogram
	prompts             metric.Int64Counter
	dismissals          metric.Int64Counter
	failures            metric.Int64Counter
	retriggers          metric.Int64Counter
	supervisionTimeouts metric.Int64Counter
	ctx                 context.Context
}

// NewMetrics creates an instance of the engine metrics.
func NewMetrics(ctx context.Context, meter metric.Meter) (*Metrics, error) {
	checks, err := meter.Int64Counter("updatekit.engine.checks.total")
	if err != nil {
		return nil, err
	}

	checkDurationMicro, err := meter.Int64Histogram("updatekit.engine.check.duration.micro")
	if err != nil {
		return nil, err
	}

	prompts, err := meter.Int64Counter("updatekit.engine.prompts.total")
	if err != nil {
		return nil, err
	}

	dismissals, err := meter.Int64Counter("updatekit.engine.dismissals.total")
	if err != nil {
		return nil, err
	}

	failures, err := meter.Int64Counter("updatekit.engine.failures.total")
	if err != nil {
		return nil, err
	}

	retriggers, err := meter.Int64Counter("updatekit.engine.mandatory.retriggers.total")
	if err != nil {
		return nil, err
	}

	supervisionTimeouts, err := meter.Int64Counter("updatekit.engine.supervision.timeouts.total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		checks:              checks,
		checkDurationMicro:  checkDurationMicro,
		prompts:             prompts,
		dismissals:          dismissals,
		failures:            failures,
		retriggers:          retriggers,
		supervisionTimeouts: supervisionTimeouts,
		ctx:                 ctx,
	}, nil
}

// CountCheck counts a resolved check and its duration, labeled with the
// resulting phase.
func (m *Metrics) CountCheck(duration time.Duration, phase Phase) {
	if m == nil {
		return
	}
	opts := metric.WithAttributeSet(attribute.NewSet(attribute.String("phase", phase.String())))
	m.checks.Add(m.ctx, 1, opts)
	m.checkDurationMicro.Record(m.ctx, duration.Microseconds(), opts)
}

// CountPrompt counts an update offer becoming visible, labeled with the
// policy classification behind it.
func (m *Metrics) CountPrompt(classification string) {
	if m == nil {
		return
	}
	opts := metric.WithAttributeSet(attribute.NewSet(attribute.String("classification", classification)))
	m.prompts.Add(m.ctx, 1, opts)
}

// CountDismissal counts an advisory dismissal.
func (m *Metrics) CountDismissal() {
	if m == nil {
		return
	}
	m.dismissals.Add(m.ctx, 1)
}

// CountFailure counts a transition into the Failed phase.
func (m *Metrics) CountFailure(reason Reason) {
	if m == nil {
		return
	}
	opts := metric.WithAttributeSet(attribute.NewSet(attribute.String("reason", reason.String())))
	m.failures.Add(m.ctx, 1, opts)
}

// CountRetrigger counts one mandatory-flow re-invocation after a cancel.
func (m *Metrics) CountRetrigger() {
	if m == nil {
		return
	}
	m.retriggers.Add(m.ctx, 1)
}

// CountSupervisionTimeout counts a stalled install detected by supervision.
func (m *Metrics) CountSupervisionTimeout() {
	if m == nil {
		return
	}
	m.supervisionTimeouts.Add(m.ctx, 1)
}
