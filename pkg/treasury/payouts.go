package treasury

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sovads/ledger/pkg/errs"
	"github.com/sovads/ledger/pkg/eventBus/eventBusTypes"
	"github.com/sovads/ledger/pkg/metrics/metricsTypes"
	"github.com/sovads/ledger/pkg/postgres/helpers"
	"github.com/sovads/ledger/pkg/storage"
	"github.com/sovads/ledger/pkg/vault"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var openPayoutStatuses = []storage.PayoutStatus{storage.PayoutStatus_Pending, storage.PayoutStatus_Submitted}

// submit calls the backend for a pending payout and applies the outcome.
func (g *Gateway) submit(ctx context.Context, p *storage.Payout) (*storage.Payout, error) {
	res := g.db.WithContext(ctx).Model(&storage.Payout{}).
		Where("id = ? and status = ?", p.Id, storage.PayoutStatus_Pending).
		Updates(map[string]any{"status": storage.PayoutStatus_Submitted, "updated_at": g.now()})
	if res.Error != nil {
		return nil, fmt.Errorf("failed to mark payout submitted: %w", res.Error)
	}
	p.Status = storage.PayoutStatus_Submitted

	callCtx, cancel := context.WithTimeout(ctx, g.globalConfig.TreasuryConfig.CallTimeout)
	start := time.Now()
	var txHash string
	var callErr error
	if p.Kind == storage.PayoutKind_TreasuryTopup {
		txHash, callErr = g.backend.TopUp(callCtx, p.RawAmount, p.Id)
	} else {
		txHash, callErr = g.backend.Payout(callCtx, p.Recipient, p.RawAmount, p.Id)
	}
	cancel()
	g.timeCall(string(p.Kind), start, callErr)

	persistCtx := context.WithoutCancel(ctx)
	switch {
	case callErr == nil:
		return g.finalize(persistCtx, p, storage.PayoutStatus_Confirmed, txHash, "")
	case vault.IsUnknownOutcome(callErr):
		if e, ok := errs.As(callErr); ok && e.TxHash != "" {
			txHash = e.TxHash
		}
		if txHash != "" {
			if err := g.recordTxHash(persistCtx, p, txHash); err != nil {
				return nil, err
			}
		}
		g.recordPayout(p, storage.PayoutStatus_Submitted)
		g.logger.Sugar().Warnw("Payout outcome unknown, left for reconciliation",
			zap.String("payoutId", p.Id),
			zap.String("kind", string(p.Kind)),
			zap.String("txHash", txHash),
			zap.Error(callErr),
		)
		return p, errs.PendingTx(txHash, "payout submitted, awaiting reconciliation")
	default:
		if _, err := g.finalize(persistCtx, p, storage.PayoutStatus_Failed, "", callErr.Error()); err != nil {
			return nil, err
		}
		if errs.Is(callErr, errs.Kind_TreasuryInsufficient) {
			return nil, callErr
		}
		return nil, errs.Wrap(errs.Kind_OnChainCallFailed, callErr, "treasury call failed")
	}
}

func (g *Gateway) recordTxHash(ctx context.Context, p *storage.Payout, txHash string) error {
	res := g.db.WithContext(ctx).Model(&storage.Payout{}).
		Where("id = ?", p.Id).
		Updates(map[string]any{"tx_hash": txHash, "updated_at": g.now()})
	if res.Error != nil {
		return fmt.Errorf("failed to record payout tx hash: %w", res.Error)
	}
	p.TxHash = &txHash
	return nil
}

func (g *Gateway) recordPayout(p *storage.Payout, status storage.PayoutStatus) {
	g.metricsSink.Incr(metricsTypes.Metric_Incr_Payout, []metricsTypes.MetricsLabel{
		{Name: "kind", Value: string(p.Kind)},
		{Name: "status", Value: string(status)},
		{Name: "backend", Value: g.backend.Name()},
	}, 1)
}

// finalize moves an open payout to confirmed or failed and settles or
// releases what it reserved. A payout that is already final is returned as is.
func (g *Gateway) finalize(ctx context.Context, p *storage.Payout, status storage.PayoutStatus, txHash string, failure string) (*storage.Payout, error) {
	res, err := helpers.WrapTxAndCommit(func(tx *gorm.DB) (*finalized, error) {
		now := g.now()
		updates := map[string]any{
			"status":       status,
			"error":        failure,
			"updated_at":   now,
			"completed_at": now,
		}
		if txHash != "" {
			updates["tx_hash"] = txHash
		}
		upd := tx.Model(&storage.Payout{}).
			Where("id = ? and status in ?", p.Id, openPayoutStatuses).
			Updates(updates)
		if upd.Error != nil {
			if helpers.IsDuplicateKeyError(upd.Error) {
				return nil, fmt.Errorf("tx hash '%s' already belongs to another payout: %w", txHash, upd.Error)
			}
			return nil, fmt.Errorf("failed to finalize payout: %w", upd.Error)
		}
		if upd.RowsAffected == 0 {
			current, err := findPayout(tx, "id = ?", p.Id)
			return &finalized{payout: current}, err
		}

		if err := g.applyOutcome(tx, p, status, txHash, now); err != nil {
			return nil, err
		}
		current, err := findPayout(tx, "id = ?", p.Id)
		return &finalized{payout: current, changed: true}, err
	}, g.db.WithContext(ctx), nil)
	if err != nil {
		return nil, err
	}
	final := res.payout
	if !res.changed {
		return final, nil
	}

	g.recordPayout(final, status)
	g.logger.Sugar().Infow("Payout finalized",
		zap.String("payoutId", final.Id),
		zap.String("kind", string(final.Kind)),
		zap.String("status", string(status)),
		zap.String("amount", final.Amount.String()),
		zap.String("failure", failure),
	)
	if status == storage.PayoutStatus_Confirmed {
		g.eventBus.Publish(&eventBusTypes.Event{
			Name: eventBusTypes.Event_PayoutCompleted,
			Data: &eventBusTypes.PayoutCompletedData{Payout: final},
		})
	}
	return final, nil
}

type finalized struct {
	payout  *storage.Payout
	changed bool
}

func (g *Gateway) applyOutcome(tx *gorm.DB, p *storage.Payout, status storage.PayoutStatus, txHash string, now time.Time) error {
	switch p.Kind {
	case storage.PayoutKind_ViewerPoints:
		if status == storage.PayoutStatus_Confirmed {
			_, err := g.aggregator.ConfirmRewards(tx, p.Id, txHash, now)
			return err
		}
		_, err := g.aggregator.ReleaseRewards(tx, p.Id, now)
		return err
	case storage.PayoutKind_PublisherWithdrawal:
		if status == storage.PayoutStatus_Confirmed {
			return g.aggregator.ApplyWithdrawal(tx, p.SubjectId, p.Amount, now)
		}
	}
	return nil
}

var errPayoutNotFound = errors.New("payout not found")

// ReconcilePayout resolves an open payout against the backend.
func (g *Gateway) ReconcilePayout(ctx context.Context, payoutId string) (*storage.Payout, error) {
	p, err := g.GetPayout(ctx, payoutId)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, errs.Wrap(errs.Kind_NotFound, errPayoutNotFound, payoutId)
	}
	return g.reconcile(ctx, p)
}

// ReconcileByTxHash looks a payout up by its transaction hash and resolves it if still open.
func (g *Gateway) ReconcileByTxHash(ctx context.Context, txHash string) (*storage.Payout, error) {
	p, err := findPayout(g.db.WithContext(ctx), "tx_hash = ?", txHash)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, errs.Wrap(errs.Kind_NotFound, errPayoutNotFound, txHash)
	}
	return g.reconcile(ctx, p)
}

func (g *Gateway) reconcile(ctx context.Context, p *storage.Payout) (*storage.Payout, error) {
	if p.Status != storage.PayoutStatus_Pending && p.Status != storage.PayoutStatus_Submitted {
		return p, nil
	}

	callCtx, cancel := context.WithTimeout(ctx, g.globalConfig.TreasuryConfig.CallTimeout)
	start := time.Now()
	status, txHash, err := g.backend.Status(callCtx, p.Id)
	cancel()
	g.timeCall("status", start, err)
	if err != nil {
		return p, errs.Wrap(errs.Kind_ReconciliationPending, err, "failed to query payout status")
	}

	switch status {
	case vault.PayStatus_Confirmed:
		return g.finalize(ctx, p, storage.PayoutStatus_Confirmed, txHash, "")
	case vault.PayStatus_Failed:
		return g.finalize(ctx, p, storage.PayoutStatus_Failed, "", "transaction not found during reconciliation")
	}
	return p, errs.PendingTx(txHash, "payout still pending")
}

// ListUnresolved returns open payouts last touched before olderThan.
func (g *Gateway) ListUnresolved(ctx context.Context, olderThan time.Time, limit int) ([]*storage.Payout, error) {
	payouts := make([]*storage.Payout, 0)
	res := g.db.WithContext(ctx).
		Where("status in ? and updated_at < ?", openPayoutStatuses, olderThan).
		Order("updated_at asc").
		Limit(limit).
		Find(&payouts)
	if res.Error != nil {
		return nil, fmt.Errorf("failed to list unresolved payouts: %w", res.Error)
	}
	return payouts, nil
}
