package ingestion

import (
	"context"
	"strconv"
	"time"

	"github.com/sovads/ledger/pkg/balances"
	"github.com/sovads/ledger/pkg/eventBus/eventBusTypes"
	"github.com/sovads/ledger/pkg/metrics"
	"github.com/sovads/ledger/pkg/metrics/metricsTypes"
	"go.uber.org/zap"
)

const (
	pointsRetrierConsumerId eventBusTypes.ConsumerId = "points-retrier"
	defaultMaxGrantAttempts                          = 5
	defaultGrantBackoff                              = 500 * time.Millisecond
)

// PointsRetrier re-runs viewer point grants that failed after admission.
// Grants are idempotent by event id, so a retry can never double credit.
// Anything still failing after the last attempt is picked up by the reconciler sweep.
type PointsRetrier struct {
	aggregator  *balances.Aggregator
	eventBus    eventBusTypes.IEventBus
	metricsSink *metrics.MetricsSink
	logger      *zap.Logger

	MaxAttempts int
	Backoff     time.Duration
	clock       func() time.Time
}

func NewPointsRetrier(aggregator *balances.Aggregator, eb eventBusTypes.IEventBus, ms *metrics.MetricsSink, l *zap.Logger) *PointsRetrier {
	return &PointsRetrier{
		aggregator:  aggregator,
		eventBus:    eb,
		metricsSink: ms,
		logger:      l,
		MaxAttempts: defaultMaxGrantAttempts,
		Backoff:     defaultGrantBackoff,
		clock:       time.Now,
	}
}

// Start subscribes to failed grants and processes them until ctx is done.
func (r *PointsRetrier) Start(ctx context.Context) {
	consumer := &eventBusTypes.Consumer{
		Id:      pointsRetrierConsumerId,
		Context: ctx,
		Channel: make(chan *eventBusTypes.Event, 1000),
	}
	r.eventBus.Subscribe(consumer)

	go func() {
		defer r.eventBus.Unsubscribe(consumer)
		for {
			select {
			case <-ctx.Done():
				return
			case e := <-consumer.Channel:
				if e.Name != eventBusTypes.Event_PointsGrantFailed {
					continue
				}
				data, ok := e.Data.(*eventBusTypes.PointsGrantFailedData)
				if !ok {
					continue
				}
				r.retry(ctx, data)
			}
		}
	}()
}

func (r *PointsRetrier) retry(ctx context.Context, data *eventBusTypes.PointsGrantFailedData) {
	if data.Attempt >= r.MaxAttempts {
		r.logger.Sugar().Errorw("Giving up on viewer points grant",
			zap.String("eventId", data.Event.Id),
			zap.Int("attempts", data.Attempt),
			zap.String("lastError", data.Error),
		)
		return
	}

	select {
	case <-ctx.Done():
		return
	case <-time.After(r.Backoff * time.Duration(data.Attempt)):
	}

	_, granted, err := r.aggregator.GrantPoints(ctx, data.Event, r.clock())
	if err == nil {
		if granted {
			r.metricsSink.Incr(metricsTypes.Metric_Incr_PointsRegranted, []metricsTypes.MetricsLabel{
				{Name: "source", Value: "retrier"},
			}, 1)
		}
		return
	}

	attempt := data.Attempt + 1
	r.metricsSink.Incr(metricsTypes.Metric_Incr_PointsGrantFailed, []metricsTypes.MetricsLabel{
		{Name: "attempt", Value: strconv.Itoa(attempt)},
	}, 1)
	r.logger.Sugar().Warnw("Viewer points grant retry failed",
		zap.String("eventId", data.Event.Id),
		zap.Int("attempt", attempt),
		zap.Error(err),
	)
	r.eventBus.Publish(&eventBusTypes.Event{
		Name: eventBusTypes.Event_PointsGrantFailed,
		Data: &eventBusTypes.PointsGrantFailedData{Event: data.Event, Attempt: attempt, Error: err.Error()},
	})
}
