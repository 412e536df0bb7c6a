package coordinator

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/thebtf/fenceline/pkg/models"
)

// Metrics holds the coordination-layer counters.
type Metrics struct {
	fencesCreated  metric.Int64Counter
	fencesReset    metric.Int64Counter
	orphans        metric.Int64Counter
	jobsFinalized  metric.Int64Counter
	unitsCompleted metric.Int64Counter
	unitsFailed    metric.Int64Counter
}

// NewMetrics registers the coordinator counters on the global meter
// provider.
func NewMetrics() (*Metrics, error) {
	return newMetrics(otel.Meter("fenceline/coordinator"))
}

// NopMetrics returns metrics that record nothing. Used by tests and as
// the Deps default.
func NopMetrics() *Metrics {
	m, _ := newMetrics(noop.NewMeterProvider().Meter("nop"))
	return m
}

func newMetrics(meter metric.Meter) (*Metrics, error) {
	var m Metrics
	var err error

	if m.fencesCreated, err = meter.Int64Counter("fenceline.fences.created",
		metric.WithDescription("Fences created by try-create")); err != nil {
		return nil, err
	}
	if m.fencesReset, err = meter.Int64Counter("fenceline.fences.reset",
		metric.WithDescription("Fences reset by validator or monitor")); err != nil {
		return nil, err
	}
	if m.orphans, err = meter.Int64Counter("fenceline.fences.orphaned",
		metric.WithDescription("Orphaned fences detected")); err != nil {
		return nil, err
	}
	if m.jobsFinalized, err = meter.Int64Counter("fenceline.jobs.finalized",
		metric.WithDescription("Jobs finalized successfully")); err != nil {
		return nil, err
	}
	if m.unitsCompleted, err = meter.Int64Counter("fenceline.units.completed",
		metric.WithDescription("Unit tasks completed")); err != nil {
		return nil, err
	}
	if m.unitsFailed, err = meter.Int64Counter("fenceline.units.failed",
		metric.WithDescription("Unit tasks that exhausted retries")); err != nil {
		return nil, err
	}
	return &m, nil
}

func familyAttr(family models.JobFamily) metric.AddOption {
	return metric.WithAttributes(attribute.String("family", string(family)))
}

func (m *Metrics) FenceCreated(ctx context.Context, family models.JobFamily) {
	m.fencesCreated.Add(ctx, 1, familyAttr(family))
}

func (m *Metrics) FenceReset(ctx context.Context, family models.JobFamily) {
	m.fencesReset.Add(ctx, 1, familyAttr(family))
}

func (m *Metrics) OrphanDetected(ctx context.Context, family models.JobFamily) {
	m.orphans.Add(ctx, 1, familyAttr(family))
}

func (m *Metrics) JobFinalized(ctx context.Context, family models.JobFamily) {
	m.jobsFinalized.Add(ctx, 1, familyAttr(family))
}

func (m *Metrics) UnitCompleted(ctx context.Context, family models.JobFamily) {
	m.unitsCompleted.Add(ctx, 1, familyAttr(family))
}

func (m *Metrics) UnitFailed(ctx context.Context, family models.JobFamily) {
	m.unitsFailed.Add(ctx, 1, familyAttr(family))
}
