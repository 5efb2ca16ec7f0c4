package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("turn-metrics")

// TurnMetrics records router turn metrics through OpenTelemetry
type TurnMetrics struct {
	turnsStartedCounter   metric.Int64Counter
	turnsFinishedCounter  metric.Int64Counter
	turnRetriesCounter    metric.Int64Counter
	turnDurationHistogram metric.Float64Histogram
	turnsActiveGauge      metric.Int64UpDownCounter
}

// NewTurnMetrics creates a new turn metrics collector
func NewTurnMetrics() (*TurnMetrics, error) {
	turnsStartedCounter, err := meter.Int64Counter(
		"app_orchestrator.turns.started",
		metric.WithDescription("Total number of conversation turns started"),
		metric.WithUnit("{turn}"),
	)
	if err != nil {
		return nil, err
	}

	turnsFinishedCounter, err := meter.Int64Counter(
		"app_orchestrator.turns.finished",
		metric.WithDescription("Total number of conversation turns that reached a terminal state"),
		metric.WithUnit("{turn}"),
	)
	if err != nil {
		return nil, err
	}

	turnRetriesCounter, err := meter.Int64Counter(
		"app_orchestrator.turns.retries",
		metric.WithDescription("Total number of pipeline retries after recoverable errors"),
		metric.WithUnit("{retry}"),
	)
	if err != nil {
		return nil, err
	}

	turnDurationHistogram, err := meter.Float64Histogram(
		"app_orchestrator.turn.duration",
		metric.WithDescription("Duration of conversation turns in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	turnsActiveGauge, err := meter.Int64UpDownCounter(
		"app_orchestrator.turns.active",
		metric.WithDescription("Number of turns currently running"),
		metric.WithUnit("{turn}"),
	)
	if err != nil {
		return nil, err
	}

	return &TurnMetrics{
		turnsStartedCounter:   turnsStartedCounter,
		turnsFinishedCounter:  turnsFinishedCounter,
		turnRetriesCounter:    turnRetriesCounter,
		turnDurationHistogram: turnDurationHistogram,
		turnsActiveGauge:      turnsActiveGauge,
	}, nil
}

// RecordTurnStarted records a turn entering its pipeline
func (tm *TurnMetrics) RecordTurnStarted(ctx context.Context, pipeline string) {
	attrs := metric.WithAttributes(attribute.String("pipeline", pipeline))
	tm.turnsStartedCounter.Add(ctx, 1, attrs)
	tm.turnsActiveGauge.Add(ctx, 1, attrs)
}

// RecordTurnRetried records a retry after a recoverable pipeline error
func (tm *TurnMetrics) RecordTurnRetried(ctx context.Context, pipeline, agent string) {
	tm.turnRetriesCounter.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("pipeline", pipeline),
			attribute.String("agent", agent),
		),
	)
}

// RecordTurnFinished records a turn reaching completed or failed
func (tm *TurnMetrics) RecordTurnFinished(ctx context.Context, pipeline, state string, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("pipeline", pipeline),
		attribute.String("state", state),
	)
	tm.turnsFinishedCounter.Add(ctx, 1, attrs)
	tm.turnDurationHistogram.Record(ctx, duration.Seconds(), attrs)
	tm.turnsActiveGauge.Add(ctx, -1,
		metric.WithAttributes(
			attribute.String("pipeline", pipeline),
		),
	)
}
