package treasury

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sovads/ledger/internal/tests"
	"github.com/sovads/ledger/pkg/balances"
	"github.com/sovads/ledger/pkg/errs"
	"github.com/sovads/ledger/pkg/eventBus"
	"github.com/sovads/ledger/pkg/eventLedger"
	"github.com/sovads/ledger/pkg/locker"
	"github.com/sovads/ledger/pkg/metrics"
	"github.com/sovads/ledger/pkg/storage"
	"github.com/sovads/ledger/pkg/tokens"
	"github.com/sovads/ledger/pkg/vault"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const (
	walletA = "0x00000000000000000000000000000000000000aa"
	walletB = "0x00000000000000000000000000000000000000bb"
	walletC = "0x00000000000000000000000000000000000000cc"
)

var base = time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

type backendMode int32

const (
	backendMode_Ok backendMode = iota
	backendMode_Fail
	// backendMode_Broadcast lands the payment but reports no receipt
	backendMode_Broadcast
	// backendMode_Lost reports no receipt for a payment that never lands
	backendMode_Lost
)

type scriptedBackend struct {
	*VaultBackend
	mode atomic.Int32
}

func (sb *scriptedBackend) set(m backendMode) {
	sb.mode.Store(int32(m))
}

func (sb *scriptedBackend) Payout(ctx context.Context, recipient string, rawAmount decimal.Decimal, reference string) (string, error) {
	switch backendMode(sb.mode.Load()) {
	case backendMode_Fail:
		return "", errors.New("execution reverted")
	case backendMode_Broadcast:
		txHash, err := sb.VaultBackend.Payout(ctx, recipient, rawAmount, reference)
		if err != nil {
			return "", err
		}
		return "", errs.PendingTx(txHash, "receipt timeout")
	case backendMode_Lost:
		return "", errs.PendingTx("0x"+reference, "receipt timeout")
	}
	return sb.VaultBackend.Payout(ctx, recipient, rawAmount, reference)
}

type fakeAuth struct{}

func (fakeAuth) Verify(wallet string, signature string, timestampMs int64, now time.Time) error {
	if signature != "signed:"+wallet {
		return errs.New(errs.Kind_Unauthorized, "bad signature")
	}
	return nil
}

type fixture struct {
	grm     *gorm.DB
	gateway *Gateway
	backend *scriptedBackend
	agg     *balances.Aggregator
	ledger  *eventLedger.EventLedger
	tokens  *tokens.TokenLedger
}

func setup() (*fixture, error) {
	ctx := context.Background()
	cfg := tests.GetConfig()
	cfg.TreasuryConfig.CallTimeout = time.Second
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
	if _, err := tl.Mint(ctx, cfg.TreasuryConfig.Token, cfg.TreasuryConfig.Funder, decimal.NewFromInt(1000000), "seed"); err != nil {
		return nil, err
	}
	v := vault.NewVault(grm, tl, vault.NewLedgerPayer(grm, tl), lk, eb, sink, l, cfg)
	vb := NewVaultBackend(v, cfg)
	if err := vb.EnsureVault(ctx, cfg.TreasuryConfig.Token); err != nil {
		return nil, err
	}
	backend := &scriptedBackend{VaultBackend: vb}

	ledger := eventLedger.NewEventLedger(grm, l, cfg)
	agg := balances.NewAggregator(grm, ledger, l, cfg)
	gateway := NewGateway(grm, backend, agg, fakeAuth{}, lk, eb, sink, l, cfg).WithClock(func() time.Time { return base })

	if _, err := gateway.TopUp(ctx, decimal.NewFromInt(1000)); err != nil {
		return nil, err
	}
	return &fixture{grm: grm, gateway: gateway, backend: backend, agg: agg, ledger: ledger, tokens: tl}, nil
}

func teardown(f *fixture) {
	rawDb, _ := f.grm.DB()
	_ = rawDb.Close()
}

// earnPoints grants points for the given event types to a fingerprint and links it to wallet.
func (f *fixture) earnPoints(t *testing.T, fingerprint string, wallet string, types ...storage.EventType) {
	ctx := context.Background()
	for i, eventType := range types {
		ts := base.Add(-time.Duration(len(types)-i) * time.Minute)
		fp := fingerprint
		e := &storage.InteractionEvent{
			Type:        eventType,
			CampaignId:  "camp-1",
			AdId:        "ad-1",
			SiteId:      "site-1",
			PublisherId: "pub-1",
			Fingerprint: &fp,
			Timestamp:   ts,
		}
		_, err := f.ledger.Append(f.grm, e)
		require.Nil(t, err)
		_, _, err = f.agg.GrantPoints(ctx, e, ts)
		require.Nil(t, err)
	}
	_, err := f.agg.LinkWallet(ctx, fingerprint, wallet, base)
	require.Nil(t, err)
}

func (f *fixture) viewer(t *testing.T, wallet string) *storage.ViewerPoints {
	v, err := f.agg.GetViewerByWallet(context.Background(), wallet)
	require.Nil(t, err)
	require.NotNil(t, v)
	return v
}

func (f *fixture) tokenBalance(t *testing.T, account string) string {
	b, err := f.tokens.BalanceOf(context.Background(), "G$", account)
	require.Nil(t, err)
	return b.String()
}

func (f *fixture) treasury(t *testing.T) string {
	b, err := f.gateway.TreasuryBalance(context.Background())
	require.Nil(t, err)
	return b.String()
}

func Test_TreasuryTopUp(t *testing.T) {
	f, err := setup()
	if err != nil {
		t.Fatalf("Failed to setup: %v", err)
	}
	defer teardown(f)
	ctx := context.Background()

	t.Run("Should convert points to minor units", func(t *testing.T) {
		assert.Equal(t, "1100", f.gateway.ToRaw(decimal.NewFromInt(11)).String())
		assert.Equal(t, "0.05", f.gateway.FromRaw(decimal.NewFromInt(5)).String())
	})
	t.Run("Should report the topped up balance", func(t *testing.T) {
		assert.Equal(t, "1000", f.treasury(t))
		payouts, err := f.gateway.ListPayouts(ctx, PayoutFilters{Kind: storage.PayoutKind_TreasuryTopup})
		assert.Nil(t, err)
		require.Len(t, payouts, 1)
		assert.Equal(t, storage.PayoutStatus_Confirmed, payouts[0].Status)
		assert.Equal(t, "100000", payouts[0].RawAmount.String())
		assert.NotNil(t, payouts[0].TxHash)
	})
	t.Run("Should reject a non positive top up", func(t *testing.T) {
		_, err := f.gateway.TopUp(ctx, decimal.Zero)
		assert.True(t, errs.Is(err, errs.Kind_Malformed))
	})
	t.Run("Should reject amounts finer than a minor unit", func(t *testing.T) {
		_, err := f.gateway.TopUp(ctx, decimal.RequireFromString("0.001"))
		assert.True(t, errs.Is(err, errs.Kind_Malformed))
		_, err = f.gateway.Payout(ctx, walletC, decimal.RequireFromString("1.005"))
		assert.True(t, errs.Is(err, errs.Kind_Malformed))
		assert.Equal(t, "1000", f.treasury(t))

		payouts, err := f.gateway.ListPayouts(ctx, PayoutFilters{Kind: storage.PayoutKind_TreasuryTopup})
		assert.Nil(t, err)
		assert.Len(t, payouts, 1)
	})
	t.Run("Should pay directly out of the treasury", func(t *testing.T) {
		p, err := f.gateway.Payout(ctx, walletC, decimal.NewFromInt(10))
		assert.Nil(t, err)
		assert.Equal(t, storage.PayoutStatus_Confirmed, p.Status)
		assert.Equal(t, "1000", f.tokenBalance(t, walletC))
		assert.Equal(t, "990", f.treasury(t))

		_, err = f.gateway.Payout(ctx, walletC, decimal.NewFromInt(991))
		assert.True(t, errs.Is(err, errs.Kind_TreasuryInsufficient))
	})
}

func Test_ClaimViewerPoints(t *testing.T) {
	f, err := setup()
	if err != nil {
		t.Fatalf("Failed to setup: %v", err)
	}
	defer teardown(f)
	ctx := context.Background()

	f.earnPoints(t, "fp-a", walletA, storage.EventType_Click, storage.EventType_Impression, storage.EventType_Click)
	f.earnPoints(t, "fp-b", walletB, storage.EventType_Click)

	t.Run("Should pay every claimable point", func(t *testing.T) {
		p, err := f.gateway.ClaimViewerPoints(ctx, walletA, 0)
		require.Nil(t, err)
		assert.Equal(t, storage.PayoutStatus_Confirmed, p.Status)
		assert.Equal(t, "11", p.Amount.String())
		assert.Equal(t, "1100", p.RawAmount.String())
		assert.Equal(t, "1100", f.tokenBalance(t, walletA))
		assert.Equal(t, "989", f.treasury(t))

		v := f.viewer(t, walletA)
		assert.Equal(t, int64(11), v.ClaimedPoints)
		assert.Equal(t, int64(0), v.PendingPoints)
		assert.Equal(t, int64(0), v.ReservedPoints)
	})
	t.Run("Should refuse a claim with nothing left", func(t *testing.T) {
		_, err := f.gateway.ClaimViewerPoints(ctx, walletA, 0)
		assert.True(t, errs.Is(err, errs.Kind_InsufficientAccrual))
		_, err = f.gateway.ClaimViewerPoints(ctx, walletC, 0)
		assert.True(t, errs.Is(err, errs.Kind_NotFound))
		_, err = f.gateway.ClaimViewerPoints(ctx, "nope", 0)
		assert.True(t, errs.Is(err, errs.Kind_Malformed))
	})
	t.Run("Should release the reservation on a failed call", func(t *testing.T) {
		f.backend.set(backendMode_Fail)
		defer f.backend.set(backendMode_Ok)

		_, err := f.gateway.ClaimViewerPoints(ctx, walletB, 0)
		assert.True(t, errs.Is(err, errs.Kind_OnChainCallFailed))

		v := f.viewer(t, walletB)
		assert.Equal(t, int64(5), v.PendingPoints)
		assert.Equal(t, int64(0), v.ReservedPoints)
		assert.Equal(t, int64(5), v.Claimable())

		failed, err := f.gateway.ListPayouts(ctx, PayoutFilters{Kind: storage.PayoutKind_ViewerPoints, Status: storage.PayoutStatus_Failed})
		assert.Nil(t, err)
		require.Len(t, failed, 1)
		assert.Contains(t, failed[0].Error, "reverted")
	})
	t.Run("Should release a lost payout on reconcile", func(t *testing.T) {
		f.backend.set(backendMode_Lost)
		p, err := f.gateway.ClaimViewerPoints(ctx, walletB, 0)
		f.backend.set(backendMode_Ok)
		assert.True(t, errs.Is(err, errs.Kind_ReconciliationPending))
		require.NotNil(t, p)
		assert.Equal(t, storage.PayoutStatus_Submitted, p.Status)
		require.NotNil(t, p.TxHash)
		assert.Equal(t, int64(5), f.viewer(t, walletB).ReservedPoints)

		resolved, err := f.gateway.ReconcileByTxHash(ctx, *p.TxHash)
		assert.Nil(t, err)
		assert.Equal(t, storage.PayoutStatus_Failed, resolved.Status)
		assert.Equal(t, int64(0), f.viewer(t, walletB).ReservedPoints)
		assert.Equal(t, "0", f.tokenBalance(t, walletB))
	})
	t.Run("Should confirm a broadcast payout on reconcile", func(t *testing.T) {
		f.backend.set(backendMode_Broadcast)
		p, err := f.gateway.ClaimViewerPoints(ctx, walletB, 0)
		f.backend.set(backendMode_Ok)
		assert.True(t, errs.Is(err, errs.Kind_ReconciliationPending))
		require.NotNil(t, p.TxHash)

		unresolved, err := f.gateway.ListUnresolved(ctx, base.Add(time.Minute), 10)
		assert.Nil(t, err)
		assert.Len(t, unresolved, 1)

		resolved, err := f.gateway.ReconcileByTxHash(ctx, *p.TxHash)
		assert.Nil(t, err)
		assert.Equal(t, storage.PayoutStatus_Confirmed, resolved.Status)

		again, err := f.gateway.ReconcilePayout(ctx, p.Id)
		assert.Nil(t, err)
		assert.Equal(t, storage.PayoutStatus_Confirmed, again.Status)

		v := f.viewer(t, walletB)
		assert.Equal(t, int64(5), v.ClaimedPoints)
		assert.Equal(t, int64(0), v.PendingPoints)
		assert.Equal(t, "500", f.tokenBalance(t, walletB))
		assert.Equal(t, "984", f.treasury(t))
	})
	t.Run("Should not find an unknown hash", func(t *testing.T) {
		_, err := f.gateway.ReconcileByTxHash(ctx, "0xdeadbeef")
		assert.True(t, errs.Is(err, errs.Kind_NotFound))
	})
}

func Test_WithdrawPublisher(t *testing.T) {
	f, err := setup()
	if err != nil {
		t.Fatalf("Failed to setup: %v", err)
	}
	defer teardown(f)
	ctx := context.Background()

	require.Nil(t, f.grm.Create(&storage.Campaign{Id: "camp-1", Budget: decimal.NewFromInt(1000), Cpc: decimal.RequireFromString("1.5"), Active: true}).Error)
	require.Nil(t, f.grm.Create(&storage.Publisher{Id: "pub-1", Wallet: walletC}).Error)
	for i := 0; i < 4; i++ {
		_, err := f.ledger.Append(f.grm, &storage.InteractionEvent{
			Type:        storage.EventType_Click,
			CampaignId:  "camp-1",
			AdId:        "ad-1",
			SiteId:      "site-1",
			PublisherId: "pub-1",
			Timestamp:   base.Add(-time.Duration(i+1) * time.Hour),
		})
		require.Nil(t, err)
	}
	auth := WalletAuth{Signature: "signed:" + walletC, TimestampMs: base.UnixMilli()}

	t.Run("Should require a valid wallet signature", func(t *testing.T) {
		_, err := f.gateway.WithdrawPublisher(ctx, walletC, decimal.NewFromInt(1), WalletAuth{Signature: "forged"})
		assert.True(t, errs.Is(err, errs.Kind_Unauthorized))
	})
	t.Run("Should refuse a fractional minor unit", func(t *testing.T) {
		_, err := f.gateway.WithdrawPublisher(ctx, walletC, decimal.RequireFromString("0.125"), auth)
		assert.True(t, errs.Is(err, errs.Kind_Malformed))
	})
	t.Run("Should refuse more than the available balance", func(t *testing.T) {
		_, err := f.gateway.WithdrawPublisher(ctx, walletC, decimal.NewFromInt(7), auth)
		assert.True(t, errs.Is(err, errs.Kind_InsufficientAccrual))
	})
	t.Run("Should pay and count the withdrawal once confirmed", func(t *testing.T) {
		p, err := f.gateway.WithdrawPublisher(ctx, walletC, decimal.NewFromInt(5), auth)
		require.Nil(t, err)
		assert.Equal(t, storage.PayoutStatus_Confirmed, p.Status)
		assert.Equal(t, "500", f.tokenBalance(t, walletC))

		b, err := f.agg.GetPublisherBalance(ctx, walletC, base)
		require.Nil(t, err)
		assert.Equal(t, "5", b.TotalWithdrawn.String())
		assert.Equal(t, "1", b.Available.String())
	})
	t.Run("Should not count a failed withdrawal", func(t *testing.T) {
		f.backend.set(backendMode_Fail)
		_, err := f.gateway.WithdrawPublisher(ctx, walletC, decimal.NewFromInt(1), auth)
		f.backend.set(backendMode_Ok)
		assert.True(t, errs.Is(err, errs.Kind_OnChainCallFailed))

		b, err := f.agg.GetPublisherBalance(ctx, walletC, base)
		require.Nil(t, err)
		assert.Equal(t, "5", b.TotalWithdrawn.String())
		assert.Equal(t, "1", b.Available.String())
	})
	t.Run("Should hold a pending withdrawal against the balance", func(t *testing.T) {
		f.backend.set(backendMode_Lost)
		_, err := f.gateway.WithdrawPublisher(ctx, walletC, decimal.NewFromInt(1), auth)
		f.backend.set(backendMode_Ok)
		assert.True(t, errs.Is(err, errs.Kind_ReconciliationPending))

		b, err := f.agg.GetPublisherBalance(ctx, walletC, base)
		require.Nil(t, err)
		assert.Equal(t, "1", b.Reserved.String())
		assert.Equal(t, "0", b.Available.String())

		_, err = f.gateway.WithdrawPublisher(ctx, walletC, decimal.NewFromInt(1), auth)
		assert.True(t, errs.Is(err, errs.Kind_InsufficientAccrual))
	})
	t.Run("Should refuse more than the treasury holds", func(t *testing.T) {
		_, _, err := f.agg.RecordTopup(ctx, walletC, decimal.RequireFromString("0.5"), "USDC", "0xtopup", base)
		require.Nil(t, err)

		_, err = f.gateway.WithdrawPublisher(ctx, walletC, decimal.NewFromInt(2000), auth)
		assert.True(t, errs.Is(err, errs.Kind_TreasuryInsufficient))

		open, err := f.gateway.ListPayouts(ctx, PayoutFilters{Kind: storage.PayoutKind_PublisherWithdrawal, SubjectId: "pub-1"})
		assert.Nil(t, err)
		assert.Len(t, open, 3)
		for _, p := range open {
			assert.NotEqual(t, "2000", p.Amount.String(), fmt.Sprintf("payout %s", p.Id))
		}
	})
}
