package reconciler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sovads/ledger/internal/tests"
	"github.com/sovads/ledger/pkg/admissionGuard"
	"github.com/sovads/ledger/pkg/auditHash"
	"github.com/sovads/ledger/pkg/balances"
	"github.com/sovads/ledger/pkg/errs"
	"github.com/sovads/ledger/pkg/eventBus"
	"github.com/sovads/ledger/pkg/eventLedger"
	"github.com/sovads/ledger/pkg/locker"
	"github.com/sovads/ledger/pkg/metrics"
	"github.com/sovads/ledger/pkg/storage"
	"github.com/sovads/ledger/pkg/tokens"
	"github.com/sovads/ledger/pkg/treasury"
	"github.com/sovads/ledger/pkg/vault"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const (
	token      = "G$"
	advertiser = "advertiser"
	claimant   = "0x00000000000000000000000000000000000000aa"
	recipient  = "0x00000000000000000000000000000000000000bb"
)

var base = time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

// lossyPayer moves the funds but reports the outcome as unknown while lose is set.
type lossyPayer struct {
	*vault.LedgerPayer
	lose atomic.Bool
}

func (lp *lossyPayer) Pay(ctx context.Context, token string, from string, legs []tokens.Leg, reference string) (string, error) {
	txHash, err := lp.LedgerPayer.Pay(ctx, token, from, legs, reference)
	if err != nil || !lp.lose.Load() {
		return txHash, err
	}
	return txHash, errs.PendingTx(txHash, "no receipt yet")
}

type lossyBackend struct {
	*treasury.VaultBackend
	lose atomic.Bool
}

func (lb *lossyBackend) Payout(ctx context.Context, recipient string, rawAmount decimal.Decimal, reference string) (string, error) {
	txHash, err := lb.VaultBackend.Payout(ctx, recipient, rawAmount, reference)
	if err != nil || !lb.lose.Load() {
		return txHash, err
	}
	return "", errs.PendingTx(txHash, "receipt timeout")
}

type fixture struct {
	grm        *gorm.DB
	vault      *vault.Vault
	payer      *lossyPayer
	gateway    *treasury.Gateway
	backend    *lossyBackend
	ledger     *eventLedger.EventLedger
	agg        *balances.Aggregator
	reconciler *Reconciler
}

func setup() (*fixture, error) {
	ctx := context.Background()
	cfg := tests.GetConfig()
	cfg.TreasuryConfig.CallTimeout = time.Second
	cfg.VaultConfig.PayTimeout = time.Second
	cfg.ReconcilerConfig.PendingAfter = 2 * time.Minute
	cfg.ReconcilerConfig.PointsLookback = 24 * time.Hour
	l := tests.GetLogger(cfg)
	_, grm, err := tests.GetSqliteDatabaseConnection(cfg, l)
	if err != nil {
		return nil, err
	}
	sink, err := metrics.NewMetricsSink(&metrics.MetricsSinkConfig{}, nil)
	if err != nil {
		return nil, err
	}
	eb := eventBus.NewEventBus(l)
	lk := locker.NewLocalLocker()

	tl := tokens.NewTokenLedger(grm, l)
	if _, err := tl.Mint(ctx, token, advertiser, decimal.NewFromInt(100000), "seed-advertiser"); err != nil {
		return nil, err
	}
	if _, err := tl.Mint(ctx, token, cfg.TreasuryConfig.Funder, decimal.NewFromInt(100000), "seed-funder"); err != nil {
		return nil, err
	}

	payer := &lossyPayer{LedgerPayer: vault.NewLedgerPayer(grm, tl)}
	v := vault.NewVault(grm, tl, payer, lk, eb, sink, l, cfg)

	vb := treasury.NewVaultBackend(v, cfg)
	if err := vb.EnsureVault(ctx, token); err != nil {
		return nil, err
	}
	backend := &lossyBackend{VaultBackend: vb}

	ledger := eventLedger.NewEventLedger(grm, l, cfg)
	agg := balances.NewAggregator(grm, ledger, l, cfg)
	gateway := treasury.NewGateway(grm, backend, agg, nil, lk, eb, sink, l, cfg).WithClock(func() time.Time { return base })
	if _, err := gateway.TopUp(ctx, decimal.NewFromInt(1000)); err != nil {
		return nil, err
	}

	guard := admissionGuard.NewAdmissionGuard(ledger, l, cfg)
	hasher := auditHash.NewAuditHasher(grm, ledger, sink, l)
	r := NewReconciler(grm, v, gateway, agg, guard, hasher, sink, l, cfg).
		WithClock(func() time.Time { return base.Add(time.Hour) })

	return &fixture{
		grm:        grm,
		vault:      v,
		payer:      payer,
		gateway:    gateway,
		backend:    backend,
		ledger:     ledger,
		agg:        agg,
		reconciler: r,
	}, nil
}

func teardown(f *fixture) {
	rawDb, _ := f.grm.DB()
	_ = rawDb.Close()
}

func Test_Reconciler(t *testing.T) {
	ctx := context.Background()

	t.Run("Should do nothing on a clean ledger", func(t *testing.T) {
		f, err := setup()
		require.NoError(t, err)
		defer teardown(f)

		result, err := f.reconciler.Sweep(ctx)
		require.NoError(t, err)
		assert.Equal(t, &SweepResult{}, result)
	})

	t.Run("Should settle a claim whose payment landed without a receipt", func(t *testing.T) {
		f, err := setup()
		require.NoError(t, err)
		defer teardown(f)

		_, err = f.vault.CreateVault(ctx, "camp-1", token, decimal.NewFromInt(1000), advertiser)
		require.NoError(t, err)
		_, err = f.vault.RecordInteraction(ctx, "camp-1", claimant, 10, storage.EventType_Impression)
		require.NoError(t, err)
		claim, err := f.vault.CreateClaim(ctx, "camp-1", claimant, decimal.NewFromInt(10))
		require.NoError(t, err)

		f.payer.lose.Store(true)
		_, err = f.vault.SettleClaim(ctx, claim.Id)
		assert.True(t, errs.Is(err, errs.Kind_ReconciliationPending))
		f.payer.lose.Store(false)

		settling, err := f.vault.GetClaim(ctx, claim.Id)
		require.NoError(t, err)
		assert.Equal(t, storage.ClaimStatus_Settling, settling.Status)

		result, err := f.reconciler.Sweep(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, result.ClaimsResolved)
		assert.Equal(t, 0, result.ClaimsPending)

		settled, err := f.vault.GetClaim(ctx, claim.Id)
		require.NoError(t, err)
		assert.Equal(t, storage.ClaimStatus_Settled, settled.Status)

		result, err = f.reconciler.Sweep(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, result.ClaimsResolved)
	})

	t.Run("Should confirm a submitted payout once it is old enough", func(t *testing.T) {
		f, err := setup()
		require.NoError(t, err)
		defer teardown(f)

		f.backend.lose.Store(true)
		p, err := f.gateway.Payout(ctx, recipient, decimal.NewFromInt(10))
		assert.True(t, errs.Is(err, errs.Kind_ReconciliationPending))
		require.NotNil(t, p)
		assert.Equal(t, storage.PayoutStatus_Submitted, p.Status)
		f.backend.lose.Store(false)

		// still inside the pending window
		young := NewReconciler(f.grm, f.vault, f.gateway, f.agg, f.reconciler.guard, f.reconciler.hasher, nil, f.reconciler.logger, f.reconciler.globalConfig).
			WithClock(func() time.Time { return base.Add(time.Minute) })
		result, err := young.Sweep(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, result.PayoutsResolved)

		result, err = f.reconciler.Sweep(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, result.PayoutsResolved)
		assert.Equal(t, 0, result.PayoutsPending)

		confirmed, err := f.gateway.GetPayout(ctx, p.Id)
		require.NoError(t, err)
		assert.Equal(t, storage.PayoutStatus_Confirmed, confirmed.Status)
		require.NotNil(t, confirmed.TxHash)
	})

	t.Run("Should regrant points for events that never got a reward", func(t *testing.T) {
		f, err := setup()
		require.NoError(t, err)
		defer teardown(f)

		fp := "fp-1"
		e := &storage.InteractionEvent{
			Type:        storage.EventType_Impression,
			CampaignId:  "camp-1",
			AdId:        "camp-1",
			SiteId:      "site-1",
			Fingerprint: &fp,
			Timestamp:   base,
		}
		_, err = f.ledger.Append(f.grm, e)
		require.NoError(t, err)

		result, err := f.reconciler.Sweep(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, result.PointsRegranted)

		balance, err := f.agg.GetViewerBalance(ctx, "", fp)
		require.NoError(t, err)
		assert.Equal(t, f.agg.PointsFor(storage.EventType_Impression), balance.TotalPoints)

		result, err = f.reconciler.Sweep(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, result.PointsRegranted)
	})

	t.Run("Should purge expired dedup claims", func(t *testing.T) {
		f, err := setup()
		require.NoError(t, err)
		defer teardown(f)

		now := base.Add(time.Hour).UnixMilli()
		res := f.grm.Exec(`insert into dedup_claims (dedup_key, event_id, expires_at_ms) values (?, ?, ?), (?, ?, ?)`,
			"expired", "e-1", now-1,
			"live", "e-2", now+60_000,
		)
		require.NoError(t, res.Error)

		result, err := f.reconciler.Sweep(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), result.Purged)

		var remaining int64
		require.NoError(t, f.grm.Raw(`select count(*) from dedup_claims`).Scan(&remaining).Error)
		assert.Equal(t, int64(1), remaining)
	})

	t.Run("Should hash the previous day", func(t *testing.T) {
		f, err := setup()
		require.NoError(t, err)
		defer teardown(f)

		record, err := f.reconciler.HashPreviousDay(ctx)
		require.NoError(t, err)
		assert.Equal(t, "2026-09-30", record.Date)
	})

	t.Run("Should reject an invalid schedule", func(t *testing.T) {
		f, err := setup()
		require.NoError(t, err)
		defer teardown(f)

		f.reconciler.globalConfig.ReconcilerConfig.Schedule = "every now and then"
		_, err = f.reconciler.Start(ctx)
		assert.Error(t, err)
	})

	t.Run("Should stop the scheduler when the context ends", func(t *testing.T) {
		f, err := setup()
		require.NoError(t, err)
		defer teardown(f)

		runCtx, cancel := context.WithCancel(ctx)
		c, err := f.reconciler.Start(runCtx)
		require.NoError(t, err)
		assert.Len(t, c.Entries(), 2)
		cancel()
	})
}
