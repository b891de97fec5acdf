package reconciler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sovads/ledger/internal/config"
	"github.com/sovads/ledger/pkg/admissionGuard"
	"github.com/sovads/ledger/pkg/auditHash"
	"github.com/sovads/ledger/pkg/balances"
	"github.com/sovads/ledger/pkg/errs"
	"github.com/sovads/ledger/pkg/metrics"
	"github.com/sovads/ledger/pkg/metrics/metricsTypes"
	"github.com/sovads/ledger/pkg/storage"
	"github.com/sovads/ledger/pkg/treasury"
	"github.com/sovads/ledger/pkg/vault"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

const sweepLimit = 500

// SweepResult counts what one sweep did. Pending entries are left for the next run.
type SweepResult struct {
	ClaimsResolved  int   `json:"claimsResolved"`
	ClaimsPending   int   `json:"claimsPending"`
	PayoutsResolved int   `json:"payoutsResolved"`
	PayoutsPending  int   `json:"payoutsPending"`
	PointsRegranted int   `json:"pointsRegranted"`
	Purged          int64 `json:"purged"`
}

// Reconciler finishes work whose outcome was unknown when the request returned:
// settling claims, submitted payouts and viewer point grants that never landed.
type Reconciler struct {
	db           *gorm.DB
	vault        *vault.Vault
	gateway      *treasury.Gateway
	aggregator   *balances.Aggregator
	guard        *admissionGuard.AdmissionGuard
	hasher       *auditHash.AuditHasher
	metrics      *metrics.MetricsSink
	logger       *zap.Logger
	globalConfig *config.Config
	clock        func() time.Time

	// one sweep at a time, whether started by cron or by hand
	sweepMu sync.Mutex
}

func NewReconciler(
	db *gorm.DB,
	v *vault.Vault,
	gateway *treasury.Gateway,
	aggregator *balances.Aggregator,
	guard *admissionGuard.AdmissionGuard,
	hasher *auditHash.AuditHasher,
	ms *metrics.MetricsSink,
	l *zap.Logger,
	cfg *config.Config,
) *Reconciler {
	return &Reconciler{
		db:           db,
		vault:        v,
		gateway:      gateway,
		aggregator:   aggregator,
		guard:        guard,
		hasher:       hasher,
		metrics:      ms,
		logger:       l,
		globalConfig: cfg,
		clock:        time.Now,
	}
}

func (r *Reconciler) WithClock(clock func() time.Time) *Reconciler {
	r.clock = clock
	return r
}

func (r *Reconciler) now() time.Time {
	return r.clock().UTC()
}

func (r *Reconciler) recordResolved(target string, outcome string) {
	r.metrics.Incr(metricsTypes.Metric_Incr_ReconcilerResolved, []metricsTypes.MetricsLabel{
		{Name: "target", Value: target},
		{Name: "outcome", Value: outcome},
	}, 1)
}

// Sweep runs every reconciliation task once, concurrently.
func (r *Reconciler) Sweep(ctx context.Context) (*SweepResult, error) {
	r.sweepMu.Lock()
	defer r.sweepMu.Unlock()

	start := time.Now()
	result := &SweepResult{}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return r.resolveClaims(gctx, result)
	})
	g.Go(func() error {
		return r.resolvePayouts(gctx, result)
	})
	g.Go(func() error {
		return r.regrantPoints(gctx, result)
	})
	g.Go(func() error {
		purged, err := r.guard.PurgeExpired(gctx, r.db, r.now())
		result.Purged = purged
		return err
	})
	err := g.Wait()

	r.metrics.Timing(metricsTypes.Metric_Timing_ReconcilerSweep, time.Since(start), []metricsTypes.MetricsLabel{
		{Name: "hasError", Value: fmt.Sprintf("%v", err != nil)},
	})
	r.metrics.Gauge(metricsTypes.Metric_Gauge_ReconcilerPending, float64(result.ClaimsPending), []metricsTypes.MetricsLabel{
		{Name: "target", Value: "claim"},
	})
	r.metrics.Gauge(metricsTypes.Metric_Gauge_ReconcilerPending, float64(result.PayoutsPending), []metricsTypes.MetricsLabel{
		{Name: "target", Value: "payout"},
	})
	if err != nil {
		r.logger.Sugar().Errorw("Reconciliation sweep failed", zap.Error(err))
		return result, err
	}
	r.logger.Sugar().Infow("Reconciliation sweep finished",
		zap.Int("claimsResolved", result.ClaimsResolved),
		zap.Int("claimsPending", result.ClaimsPending),
		zap.Int("payoutsResolved", result.PayoutsResolved),
		zap.Int("payoutsPending", result.PayoutsPending),
		zap.Int("pointsRegranted", result.PointsRegranted),
		zap.Int64("purged", result.Purged),
		zap.Duration("duration", time.Since(start)),
	)
	return result, nil
}

func (r *Reconciler) resolveClaims(ctx context.Context, result *SweepResult) error {
	claims, err := r.vault.ListClaims(ctx, vault.ClaimFilters{Status: storage.ClaimStatus_Settling, Limit: sweepLimit})
	if err != nil {
		return err
	}
	for _, c := range claims {
		resolved, err := r.vault.ResolveSettlement(ctx, c.Id)
		if err != nil {
			if errs.Is(err, errs.Kind_ReconciliationPending) {
				result.ClaimsPending++
				continue
			}
			r.logger.Sugar().Warnw("Failed to resolve settling claim",
				zap.String("claimId", c.Id),
				zap.Error(err),
			)
			result.ClaimsPending++
			continue
		}
		result.ClaimsResolved++
		r.recordResolved("claim", string(resolved.Status))
	}
	return nil
}

func (r *Reconciler) resolvePayouts(ctx context.Context, result *SweepResult) error {
	olderThan := r.now().Add(-r.globalConfig.ReconcilerConfig.PendingAfter)
	payouts, err := r.gateway.ListUnresolved(ctx, olderThan, sweepLimit)
	if err != nil {
		return err
	}
	for _, p := range payouts {
		resolved, err := r.gateway.ReconcilePayout(ctx, p.Id)
		if err != nil {
			if !errs.Is(err, errs.Kind_ReconciliationPending) {
				r.logger.Sugar().Warnw("Failed to reconcile payout",
					zap.String("payoutId", p.Id),
					zap.Error(err),
				)
			}
			result.PayoutsPending++
			continue
		}
		result.PayoutsResolved++
		r.recordResolved("payout", string(resolved.Status))
	}
	return nil
}

func (r *Reconciler) regrantPoints(ctx context.Context, result *SweepResult) error {
	now := r.now()
	events, err := r.aggregator.ListUngrantedEvents(ctx, now.Add(-r.globalConfig.ReconcilerConfig.PointsLookback), sweepLimit)
	if err != nil {
		return err
	}
	for _, e := range events {
		_, granted, err := r.aggregator.GrantPoints(ctx, e, now)
		if err != nil {
			r.logger.Sugar().Warnw("Failed to regrant viewer points",
				zap.String("eventId", e.Id),
				zap.Error(err),
			)
			continue
		}
		if granted {
			result.PointsRegranted++
			r.metrics.Incr(metricsTypes.Metric_Incr_PointsRegranted, []metricsTypes.MetricsLabel{
				{Name: "source", Value: "reconciler"},
			}, 1)
		}
	}
	return nil
}

// HashPreviousDay stores the audit root for the UTC day before now.
func (r *Reconciler) HashPreviousDay(ctx context.Context) (*storage.AnalyticsHash, error) {
	return r.hasher.HashDay(ctx, r.now().AddDate(0, 0, -1))
}

// cronLogger adapts zap to the cron.Logger interface.
type cronLogger struct {
	logger *zap.Logger
}

func (cl cronLogger) Info(msg string, keysAndValues ...interface{}) {
	cl.logger.Sugar().Debugw(msg, keysAndValues...)
}

func (cl cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	cl.logger.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}

// Start schedules the sweep and the daily audit hash until ctx is done.
func (r *Reconciler) Start(ctx context.Context) (*cron.Cron, error) {
	cl := cronLogger{logger: r.logger}
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)

	cfg := r.globalConfig.ReconcilerConfig
	if _, err := c.AddFunc(cfg.Schedule, func() {
		_, _ = r.Sweep(ctx)
	}); err != nil {
		return nil, fmt.Errorf("invalid reconciler schedule '%s': %w", cfg.Schedule, err)
	}
	if _, err := c.AddFunc(cfg.AuditHashSchedule, func() {
		if _, err := r.HashPreviousDay(ctx); err != nil {
			r.logger.Sugar().Errorw("Failed to hash previous day", zap.Error(err))
		}
	}); err != nil {
		return nil, fmt.Errorf("invalid audit hash schedule '%s': %w", cfg.AuditHashSchedule, err)
	}

	c.Start()
	r.logger.Sugar().Infow("Started reconciler",
		zap.String("schedule", cfg.Schedule),
		zap.String("auditHashSchedule", cfg.AuditHashSchedule),
	)
	go func() {
		<-ctx.Done()
		<-c.Stop().Done()
		r.logger.Sugar().Infow("Stopped reconciler")
	}()
	return c, nil
}
