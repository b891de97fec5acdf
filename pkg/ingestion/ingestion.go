// Package ingestion admits tracking events: it verifies the envelope, runs the
// duplicate and rate guard, charges the campaign for clicks and appends the
// event to the ledger, all in one transaction. Viewer points are granted after
// commit; a failed grant is retried from the event bus and never blocks admission.
package ingestion

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sovads/ledger/internal/config"
	"github.com/sovads/ledger/pkg/admissionGuard"
	"github.com/sovads/ledger/pkg/balances"
	"github.com/sovads/ledger/pkg/envelope"
	"github.com/sovads/ledger/pkg/errs"
	"github.com/sovads/ledger/pkg/eventBus/eventBusTypes"
	"github.com/sovads/ledger/pkg/eventLedger"
	"github.com/sovads/ledger/pkg/metrics"
	"github.com/sovads/ledger/pkg/metrics/metricsTypes"
	"github.com/sovads/ledger/pkg/postgres/helpers"
	"github.com/sovads/ledger/pkg/storage"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Request is one tracking call as received from the edge.
type Request struct {
	Body      []byte
	IpAddress string
	UserAgent string
}

// Pipeline verifies, admits and records tracking events.
type Pipeline struct {
	db           *gorm.DB
	verifier     *envelope.Verifier
	sites        envelope.SiteLookup
	guard        *admissionGuard.AdmissionGuard
	ledger       *eventLedger.EventLedger
	aggregator   *balances.Aggregator
	eventBus     eventBusTypes.IEventBus
	metricsSink  *metrics.MetricsSink
	logger       *zap.Logger
	globalConfig *config.Config
	clock        func() time.Time
}

func NewPipeline(
	db *gorm.DB,
	verifier *envelope.Verifier,
	sites envelope.SiteLookup,
	guard *admissionGuard.AdmissionGuard,
	ledger *eventLedger.EventLedger,
	aggregator *balances.Aggregator,
	eb eventBusTypes.IEventBus,
	ms *metrics.MetricsSink,
	l *zap.Logger,
	cfg *config.Config,
) *Pipeline {
	return &Pipeline{
		db:           db,
		verifier:     verifier,
		sites:        sites,
		guard:        guard,
		ledger:       ledger,
		aggregator:   aggregator,
		eventBus:     eb,
		metricsSink:  ms,
		logger:       l,
		globalConfig: cfg,
		clock:        time.Now,
	}
}

// WithClock replaces the pipeline's time source. Used by tests.
func (p *Pipeline) WithClock(clock func() time.Time) *Pipeline {
	p.clock = clock
	return p
}

// AdmitEvent runs one tracking request through verification and admission.
// It returns the committed event, or a typed error from pkg/errs.
func (p *Pipeline) AdmitEvent(ctx context.Context, req *Request) (*storage.InteractionEvent, error) {
	start := p.clock()

	env, err := envelope.Parse(req.Body)
	if err != nil {
		p.recordRejection("", err)
		return nil, err
	}
	verified, err := env.Verify(ctx, p.verifier, p.sites)
	if err != nil {
		p.recordRejection("", err)
		return nil, err
	}

	event := p.buildEvent(verified, req, start)
	if err := p.admit(ctx, event); err != nil {
		p.recordRejection(event.Type, err)
		p.metricsSink.Timing(metricsTypes.Metric_Timing_AdmitDuration, time.Since(start), []metricsTypes.MetricsLabel{
			{Name: "type", Value: string(event.Type)},
			{Name: "outcome", Value: string(errs.KindOf(err))},
		})
		return nil, err
	}

	p.metricsSink.Incr(metricsTypes.Metric_Incr_EventAdmitted, []metricsTypes.MetricsLabel{
		{Name: "type", Value: string(event.Type)},
		{Name: "method", Value: string(verified.Method)},
	}, 1)
	p.metricsSink.Timing(metricsTypes.Metric_Timing_AdmitDuration, time.Since(start), []metricsTypes.MetricsLabel{
		{Name: "type", Value: string(event.Type)},
		{Name: "outcome", Value: string(admissionGuard.Outcome_Admitted)},
	})
	p.logger.Sugar().Debugw("Admitted event",
		zap.String("eventId", event.Id),
		zap.String("type", string(event.Type)),
		zap.String("campaignId", event.CampaignId),
		zap.String("siteId", event.SiteId),
	)

	p.eventBus.Publish(&eventBusTypes.Event{
		Name: eventBusTypes.Event_InteractionAdmitted,
		Data: &eventBusTypes.InteractionAdmittedData{Event: event},
	})
	p.grantPoints(ctx, event)
	return event, nil
}

func (p *Pipeline) buildEvent(verified *envelope.VerifiedEvent, req *Request, now time.Time) *storage.InteractionEvent {
	userAgent := req.UserAgent
	if userAgent == "" {
		userAgent = verified.Payload.UserAgent
	}
	return &storage.InteractionEvent{
		Id:          uuid.NewString(),
		Type:        verified.Payload.Type,
		CampaignId:  verified.Payload.CampaignId,
		AdId:        verified.Payload.AdId,
		SiteId:      verified.Site.SiteId,
		PublisherId: verified.Site.PublisherId,
		Fingerprint: verified.Payload.FingerprintValue(),
		IpAddress:   req.IpAddress,
		UserAgent:   userAgent,
		Verified:    verified.Payload.Verified(),
		Timestamp:   now.UTC(),
	}
}

// admit is the single transaction: guard, campaign check or charge, append.
// Any rejection rolls the whole thing back, including the dedup claim.
func (p *Pipeline) admit(ctx context.Context, event *storage.InteractionEvent) error {
	_, err := helpers.WrapTxAndCommit(func(tx *gorm.DB) (string, error) {
		decision, err := p.guard.Admit(tx, event)
		if err != nil {
			return "", errs.Wrap(errs.Kind_Internal, err, "failed to run admission guard")
		}
		if err := decision.Err(); err != nil {
			return "", err
		}

		if event.Type == storage.EventType_Click {
			_, err = p.aggregator.ChargeClick(tx, event.CampaignId, event.Timestamp)
		} else {
			_, err = p.aggregator.CheckServing(tx, event.CampaignId, event.Timestamp)
		}
		if err != nil {
			return "", err
		}

		return p.ledger.Append(tx, event)
	}, p.db.WithContext(ctx), nil)
	return err
}

func (p *Pipeline) grantPoints(ctx context.Context, event *storage.InteractionEvent) {
	if event.Fingerprint == nil {
		return
	}
	if _, _, err := p.aggregator.GrantPoints(ctx, event, p.clock()); err != nil {
		p.logger.Sugar().Warnw("Failed to grant viewer points, scheduling retry",
			zap.String("eventId", event.Id),
			zap.Error(err),
		)
		p.metricsSink.Incr(metricsTypes.Metric_Incr_PointsGrantFailed, []metricsTypes.MetricsLabel{
			{Name: "attempt", Value: "1"},
		}, 1)
		p.eventBus.Publish(&eventBusTypes.Event{
			Name: eventBusTypes.Event_PointsGrantFailed,
			Data: &eventBusTypes.PointsGrantFailedData{Event: event, Attempt: 1, Error: err.Error()},
		})
	}
}

func (p *Pipeline) recordRejection(eventType storage.EventType, err error) {
	kind := errs.KindOf(err)
	p.metricsSink.Incr(metricsTypes.Metric_Incr_EventRejected, []metricsTypes.MetricsLabel{
		{Name: "type", Value: string(eventType)},
		{Name: "kind", Value: string(kind)},
	}, 1)
	if kind == errs.Kind_Internal {
		p.logger.Sugar().Errorw("Failed to admit event", zap.Error(err))
		return
	}
	p.logger.Sugar().Debugw("Rejected event", zap.String("kind", string(kind)), zap.Error(err))
}
