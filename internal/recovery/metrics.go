package recovery

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const namespace = "shardwatch_recovery"

// recoveryMetrics holds the instruments shared by Manager and Worker.
type recoveryMetrics struct {
	watchesActive          metric.Int64UpDownCounter
	notificationsDelivered metric.Int64Counter
	deliveryFailures       metric.Int64Counter
	registrationFailures   metric.Int64Counter
	replications           metric.Int64Counter
}

func newRecoveryMetrics(mp metric.MeterProvider) (*recoveryMetrics, error) {
	meter := mp.Meter(namespace, metric.WithInstrumentationVersion("v0.1.0"))

	m := new(recoveryMetrics)
	var err error

	if m.watchesActive, err = meter.Int64UpDownCounter(
		"watches_active",
		metric.WithDescription("Number of shard leadership watches currently registered"),
	); err != nil {
		return nil, err
	}

	if m.notificationsDelivered, err = meter.Int64Counter(
		"notifications_delivered_total",
		metric.WithDescription("Total number of primary change notifications delivered to conductors"),
	); err != nil {
		return nil, err
	}

	if m.deliveryFailures, err = meter.Int64Counter(
		"notification_delivery_failures_total",
		metric.WithDescription("Total number of conductor handlers that failed or panicked"),
	); err != nil {
		return nil, err
	}

	if m.registrationFailures, err = meter.Int64Counter(
		"registration_failures_total",
		metric.WithDescription("Total number of shard watches that failed to register"),
	); err != nil {
		return nil, err
	}

	if m.replications, err = meter.Int64Counter(
		"replications_total",
		metric.WithDescription("Total number of partitions handed to the replicator"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *recoveryMetrics) watchAdded(ctx context.Context)   { m.watchesActive.Add(ctx, 1) }
func (m *recoveryMetrics) watchRemoved(ctx context.Context) { m.watchesActive.Add(ctx, -1) }

func (m *recoveryMetrics) delivered(ctx context.Context) { m.notificationsDelivered.Add(ctx, 1) }

func (m *recoveryMetrics) deliveryFailed(ctx context.Context, conductor string) {
	m.deliveryFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("conductor", conductor)))
}

func (m *recoveryMetrics) registrationFailed(ctx context.Context, retryable bool) {
	m.registrationFailures.Add(ctx, 1, metric.WithAttributes(attribute.Bool("retryable", retryable)))
}

func (m *recoveryMetrics) replicated(ctx context.Context, ok bool) {
	m.replications.Add(ctx, 1, metric.WithAttributes(attribute.Bool("success", ok)))
}
