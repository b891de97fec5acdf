package vault

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sovads/ledger/internal/tests"
	"github.com/sovads/ledger/pkg/errs"
	"github.com/sovads/ledger/pkg/eventBus"
	"github.com/sovads/ledger/pkg/locker"
	"github.com/sovads/ledger/pkg/metrics"
	"github.com/sovads/ledger/pkg/storage"
	"github.com/sovads/ledger/pkg/tokens"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const (
	token      = "G$"
	advertiser = "advertiser"
	claimantA  = "0x00000000000000000000000000000000000000aa"
	claimantB  = "0x00000000000000000000000000000000000000bb"
	feeWallet  = "0x00000000000000000000000000000000000000fe"
)

type payMode int32

const (
	payMode_Ok payMode = iota
	payMode_Fail
	// payMode_Broadcast moves the funds but reports the outcome as unknown
	payMode_Broadcast
	// payMode_Lost reports an unknown outcome without moving anything
	payMode_Lost
	payMode_Hang
)

type scriptedPayer struct {
	inner   *LedgerPayer
	mode    atomic.Int32
	pending atomic.Bool
	calls   atomic.Int32
}

func (sp *scriptedPayer) set(m payMode) {
	sp.mode.Store(int32(m))
}

func (sp *scriptedPayer) Pay(ctx context.Context, token string, from string, legs []tokens.Leg, reference string) (string, error) {
	sp.calls.Add(1)
	switch payMode(sp.mode.Load()) {
	case payMode_Fail:
		return "", errors.New("execution reverted")
	case payMode_Broadcast:
		txHash, err := sp.inner.Pay(ctx, token, from, legs, reference)
		if err != nil {
			return "", err
		}
		return txHash, errs.PendingTx(txHash, "no receipt yet")
	case payMode_Lost:
		return "0xlost", errs.PendingTx("0xlost", "no receipt yet")
	case payMode_Hang:
		<-ctx.Done()
		return "", ctx.Err()
	}
	return sp.inner.Pay(ctx, token, from, legs, reference)
}

func (sp *scriptedPayer) Status(ctx context.Context, reference string) (PayStatus, string, error) {
	if sp.pending.Load() {
		return PayStatus_Pending, "", nil
	}
	return sp.inner.Status(ctx, reference)
}

type fixture struct {
	grm    *gorm.DB
	vault  *Vault
	tokens *tokens.TokenLedger
	payer  *scriptedPayer
}

func setup(feeBps int64) (*fixture, error) {
	cfg := tests.GetConfig()
	cfg.VaultConfig.FeeBps = feeBps
	cfg.VaultConfig.FeeRecipient = feeWallet
	cfg.VaultConfig.PayTimeout = 100 * time.Millisecond
	l := tests.GetLogger(cfg)
	_, grm, err := tests.GetSqliteDatabaseConnection(cfg, l)
	if err != nil {
		return nil, err
	}
	sink, err := metrics.NewMetricsSink(&metrics.MetricsSinkConfig{}, nil)
	if err != nil {
		return nil, err
	}

	tl := tokens.NewTokenLedger(grm, l)
	payer := &scriptedPayer{inner: NewLedgerPayer(grm, tl)}
	v := NewVault(grm, tl, payer, locker.NewLocalLocker(), eventBus.NewEventBus(l), sink, l, cfg)

	if _, err := tl.Mint(context.Background(), token, advertiser, decimal.NewFromInt(100000), "seed"); err != nil {
		return nil, err
	}
	return &fixture{grm: grm, vault: v, tokens: tl, payer: payer}, nil
}

func teardown(f *fixture) {
	rawDb, _ := f.grm.DB()
	_ = rawDb.Close()
}

func dec(i int64) decimal.Decimal {
	return decimal.NewFromInt(i)
}

func (f *fixture) state(t *testing.T, campaignId string) *storage.CampaignVault {
	cv, err := f.vault.GetVaultState(context.Background(), campaignId)
	require.Nil(t, err)
	require.NotNil(t, cv)
	return cv
}

func (f *fixture) balance(t *testing.T, account string) string {
	b, err := f.tokens.BalanceOf(context.Background(), token, account)
	require.Nil(t, err)
	return b.String()
}

// assertConserved checks the vault bounds and that the escrow holds exactly
// what has been funded and not yet paid out.
func (f *fixture) assertConserved(t *testing.T, campaignId string) {
	cv := f.state(t, campaignId)
	assert.True(t, cv.Claimed.LessThanOrEqual(cv.TotalFunded))
	assert.True(t, cv.Locked.Add(cv.Claimed).LessThanOrEqual(cv.TotalFunded))
	assert.False(t, cv.Locked.IsNegative())
	assert.Equal(t, cv.TotalFunded.Sub(cv.Claimed).String(), f.balance(t, tokens.EscrowAccount(campaignId)))
}

func (f *fixture) accrue(t *testing.T, campaignId string, claimant string, clicks int64) {
	_, err := f.vault.RecordInteraction(context.Background(), campaignId, claimant, clicks, storage.EventType_Click)
	require.Nil(t, err)
}

func Test_SplitFee(t *testing.T) {
	cases := []struct {
		amount int64
		bps    int64
		fee    string
		net    string
	}{
		{1000, 500, "50", "950"},
		{999, 500, "49", "950"},
		{19, 500, "0", "19"},
		{1000, 0, "0", "1000"},
		{1000, 10000, "1000", "0"},
	}
	for _, c := range cases {
		t.Run(fmt.Sprintf("%d at %d bps", c.amount, c.bps), func(t *testing.T) {
			fee, net := SplitFee(dec(c.amount), c.bps)
			assert.Equal(t, c.fee, fee.String())
			assert.Equal(t, c.net, net.String())
			assert.True(t, fee.Add(net).Equal(dec(c.amount)))
		})
	}
}

func Test_VaultFunding(t *testing.T) {
	f, err := setup(0)
	if err != nil {
		t.Fatalf("Failed to setup: %v", err)
	}
	defer teardown(f)
	ctx := context.Background()

	t.Run("Should create a funded vault", func(t *testing.T) {
		cv, err := f.vault.CreateVault(ctx, "camp-1", token, dec(1000), advertiser)
		assert.Nil(t, err)
		assert.Equal(t, "1000", cv.TotalFunded.String())
		assert.Equal(t, "1000", f.balance(t, "vault:camp-1"))
		assert.Equal(t, "99000", f.balance(t, advertiser))
	})
	t.Run("Should refuse a second vault for the same campaign", func(t *testing.T) {
		_, err := f.vault.CreateVault(ctx, "camp-1", token, dec(1), advertiser)
		assert.True(t, errs.Is(err, errs.Kind_Duplicate))
		assert.Equal(t, "1000", f.state(t, "camp-1").TotalFunded.String())
	})
	t.Run("Should roll back creation when the funder cannot pay", func(t *testing.T) {
		_, err := f.vault.CreateVault(ctx, "camp-poor", token, dec(10), "nobody")
		assert.True(t, errs.Is(err, errs.Kind_TreasuryInsufficient))
		cv, err := f.vault.GetVaultState(ctx, "camp-poor")
		assert.Nil(t, err)
		assert.Nil(t, cv)
	})
	t.Run("Should create an empty vault without a funder", func(t *testing.T) {
		cv, err := f.vault.CreateVault(ctx, "camp-empty", token, decimal.Zero, "")
		assert.Nil(t, err)
		assert.True(t, cv.TotalFunded.IsZero())
	})
	t.Run("Should top up once per reference", func(t *testing.T) {
		for i := 0; i < 2; i++ {
			cv, err := f.vault.TopUp(ctx, "camp-1", advertiser, dec(500), "topup-1")
			assert.Nil(t, err)
			assert.Equal(t, "1500", cv.TotalFunded.String())
		}
		assert.Equal(t, "98500", f.balance(t, advertiser))
		f.assertConserved(t, "camp-1")
	})
	t.Run("Should reject fractional minor units", func(t *testing.T) {
		_, err := f.vault.TopUp(ctx, "camp-1", advertiser, decimal.RequireFromString("10.5"), "topup-frac")
		assert.True(t, errs.Is(err, errs.Kind_Malformed))
		_, err = f.vault.Disburse(ctx, "camp-1", claimantB, decimal.RequireFromString("0.5"), "payout-frac")
		assert.True(t, errs.Is(err, errs.Kind_Malformed))
		_, err = f.vault.CreateVault(ctx, "camp-frac", token, decimal.RequireFromString("1.5"), advertiser)
		assert.True(t, errs.Is(err, errs.Kind_Malformed))

		applied, err := f.vault.TopUpApplied(ctx, "topup-frac")
		assert.Nil(t, err)
		assert.False(t, applied)
		assert.Equal(t, "1500", f.state(t, "camp-1").TotalFunded.String())
		assert.Equal(t, "98500", f.balance(t, advertiser))
		f.assertConserved(t, "camp-1")
	})
	t.Run("Should reject a top up of an unknown vault", func(t *testing.T) {
		_, err := f.vault.TopUp(ctx, "camp-missing", advertiser, dec(5), "")
		assert.True(t, errs.Is(err, errs.Kind_NotFound))
		assert.Equal(t, "98500", f.balance(t, advertiser))
	})
	t.Run("Should disburse once per reference", func(t *testing.T) {
		for i := 0; i < 2; i++ {
			d, err := f.vault.Disburse(ctx, "camp-1", claimantB, dec(300), "payout-1")
			assert.Nil(t, err)
			assert.Equal(t, "300", d.Amount.String())
			assert.NotEmpty(t, d.TxHash)
		}
		assert.Equal(t, "300", f.balance(t, claimantB))
		assert.Equal(t, "300", f.state(t, "camp-1").Claimed.String())
		f.assertConserved(t, "camp-1")

		found, err := f.vault.DisbursementByReference(ctx, "payout-1")
		assert.Nil(t, err)
		byHash, err := f.vault.DisbursementByTxHash(ctx, found.TxHash)
		assert.Nil(t, err)
		assert.Equal(t, "payout-1", byHash.Reference)
	})
	t.Run("Should refuse a disbursement beyond availability", func(t *testing.T) {
		_, err := f.vault.Disburse(ctx, "camp-1", claimantB, dec(1201), "payout-2")
		assert.True(t, errs.Is(err, errs.Kind_TreasuryInsufficient))
		missing, err := f.vault.DisbursementByReference(ctx, "payout-2")
		assert.Nil(t, err)
		assert.Nil(t, missing)
		f.assertConserved(t, "camp-1")
	})
}

func Test_Accruals(t *testing.T) {
	f, err := setup(0)
	if err != nil {
		t.Fatalf("Failed to setup: %v", err)
	}
	defer teardown(f)
	ctx := context.Background()

	_, err = f.vault.CreateVault(ctx, "camp-1", token, dec(1000), advertiser)
	require.Nil(t, err)

	t.Run("Should accrue at the configured rates", func(t *testing.T) {
		f.accrue(t, "camp-1", claimantA, 2)
		a, err := f.vault.RecordInteraction(ctx, "camp-1", claimantA, 3, storage.EventType_Impression)
		assert.Nil(t, err)
		assert.Equal(t, "13", a.Accrued.String())
	})
	t.Run("Should refuse bad input", func(t *testing.T) {
		_, err := f.vault.RecordInteraction(ctx, "camp-missing", claimantA, 1, storage.EventType_Click)
		assert.True(t, errs.Is(err, errs.Kind_NotFound))
		_, err = f.vault.RecordInteraction(ctx, "camp-1", "not-a-wallet", 1, storage.EventType_Click)
		assert.True(t, errs.Is(err, errs.Kind_Malformed))
		_, err = f.vault.RecordInteraction(ctx, "camp-1", claimantA, 0, storage.EventType_Click)
		assert.True(t, errs.Is(err, errs.Kind_Malformed))
		_, err = f.vault.RecordInteraction(ctx, "camp-1", claimantA, 1, storage.EventType("HOVER"))
		assert.True(t, errs.Is(err, errs.Kind_Malformed))
	})
	t.Run("Should refuse a fractional claim", func(t *testing.T) {
		_, err := f.vault.CreateClaim(ctx, "camp-1", claimantA, decimal.RequireFromString("10.5"))
		assert.True(t, errs.Is(err, errs.Kind_Malformed))

		claims, err := f.vault.ListClaims(ctx, ClaimFilters{CampaignId: "camp-1", Claimant: claimantA})
		assert.Nil(t, err)
		assert.Len(t, claims, 0)
	})
	t.Run("Should bound claims by the unclaimed accrual", func(t *testing.T) {
		_, err := f.vault.CreateClaim(ctx, "camp-1", claimantA, dec(14))
		assert.True(t, errs.Is(err, errs.Kind_InsufficientAccrual))

		first, err := f.vault.CreateClaim(ctx, "camp-1", claimantA, dec(10))
		assert.Nil(t, err)
		assert.Equal(t, storage.ClaimStatus_Open, first.Status)

		_, err = f.vault.CreateClaim(ctx, "camp-1", claimantA, dec(4))
		assert.True(t, errs.Is(err, errs.Kind_InsufficientAccrual))

		a, err := f.vault.GetAccrual(ctx, "camp-1", claimantA)
		assert.Nil(t, err)
		assert.Equal(t, "3", a.Available.String())

		rejected, err := f.vault.RejectClaim(ctx, first.Id)
		assert.Nil(t, err)
		assert.True(t, rejected.Processed)
		assert.True(t, rejected.Rejected)

		again, err := f.vault.RejectClaim(ctx, first.Id)
		assert.Nil(t, err)
		assert.Equal(t, storage.ClaimStatus_Rejected, again.Status)

		_, err = f.vault.CreateClaim(ctx, "camp-1", claimantA, dec(13))
		assert.Nil(t, err)
		f.assertConserved(t, "camp-1")
	})
	t.Run("Should list claims by claimant", func(t *testing.T) {
		claims, err := f.vault.ListClaims(ctx, ClaimFilters{CampaignId: "camp-1", Claimant: claimantA})
		assert.Nil(t, err)
		assert.Len(t, claims, 2)

		open, err := f.vault.ListClaims(ctx, ClaimFilters{Status: storage.ClaimStatus_Open})
		assert.Nil(t, err)
		assert.Len(t, open, 1)

		none, err := f.vault.ListClaims(ctx, ClaimFilters{Claimant: claimantB})
		assert.Nil(t, err)
		assert.Len(t, none, 0)
	})
	t.Run("Should return nil for an unknown claim", func(t *testing.T) {
		c, err := f.vault.GetClaim(ctx, "nope")
		assert.Nil(t, err)
		assert.Nil(t, c)
		_, err = f.vault.SettleClaim(ctx, "nope")
		assert.True(t, errs.Is(err, errs.Kind_NotFound))
	})
}

func Test_SettleClaim(t *testing.T) {
	f, err := setup(500)
	if err != nil {
		t.Fatalf("Failed to setup: %v", err)
	}
	defer teardown(f)
	ctx := context.Background()

	_, err = f.vault.CreateVault(ctx, "camp-1", token, dec(1500), advertiser)
	require.Nil(t, err)
	f.accrue(t, "camp-1", claimantA, 400)

	t.Run("Should pay net to the claimant and fee to the recipient", func(t *testing.T) {
		claim, err := f.vault.CreateClaim(ctx, "camp-1", claimantA, dec(1000))
		require.Nil(t, err)

		settled, err := f.vault.SettleClaim(ctx, claim.Id)
		assert.Nil(t, err)
		assert.Equal(t, storage.ClaimStatus_Settled, settled.Status)
		assert.True(t, settled.Processed)
		assert.False(t, settled.Rejected)
		assert.NotNil(t, settled.TxHash)
		assert.Equal(t, "50", settled.Fee.String())

		assert.Equal(t, "950", f.balance(t, claimantA))
		assert.Equal(t, "50", f.balance(t, feeWallet))
		cv := f.state(t, "camp-1")
		assert.Equal(t, "1000", cv.Claimed.String())
		assert.True(t, cv.Locked.IsZero())
		f.assertConserved(t, "camp-1")

		view := ViewOf(settled)
		assert.Equal(t, ClaimState_Approved, view.Status)
		assert.False(t, view.Pending)
	})
	t.Run("Should settle an already settled claim as a no-op", func(t *testing.T) {
		claims, err := f.vault.ListClaims(ctx, ClaimFilters{Status: storage.ClaimStatus_Settled})
		require.Nil(t, err)
		require.Len(t, claims, 1)
		before := f.payer.calls.Load()

		again, err := f.vault.SettleClaim(ctx, claims[0].Id)
		assert.Nil(t, err)
		assert.Equal(t, storage.ClaimStatus_Settled, again.Status)
		assert.Equal(t, before, f.payer.calls.Load())
		assert.Equal(t, "950", f.balance(t, claimantA))

		_, err = f.vault.RejectClaim(ctx, claims[0].Id)
		assert.True(t, errs.Is(err, errs.Kind_Malformed))
	})
	t.Run("Should keep the claim open when the vault cannot cover it", func(t *testing.T) {
		claim, err := f.vault.CreateClaim(ctx, "camp-1", claimantA, dec(999))
		require.Nil(t, err)

		_, err = f.vault.SettleClaim(ctx, claim.Id)
		assert.True(t, errs.Is(err, errs.Kind_TreasuryInsufficient))
		reloaded, err := f.vault.GetClaim(ctx, claim.Id)
		assert.Nil(t, err)
		assert.Equal(t, storage.ClaimStatus_Open, reloaded.Status)
		assert.True(t, f.state(t, "camp-1").Locked.IsZero())

		_, err = f.vault.TopUp(ctx, "camp-1", advertiser, dec(500), "topup-1")
		require.Nil(t, err)

		settled, err := f.vault.SettleClaim(ctx, claim.Id)
		assert.Nil(t, err)
		assert.Equal(t, "49", settled.Fee.String())
		assert.Equal(t, "1900", f.balance(t, claimantA))
		assert.Equal(t, "99", f.balance(t, feeWallet))
		assert.Equal(t, "1999", f.state(t, "camp-1").Claimed.String())
		f.assertConserved(t, "camp-1")
	})
}

func Test_SettlementFailures(t *testing.T) {
	f, err := setup(0)
	if err != nil {
		t.Fatalf("Failed to setup: %v", err)
	}
	defer teardown(f)
	ctx := context.Background()

	_, err = f.vault.CreateVault(ctx, "camp-1", token, dec(1000), advertiser)
	require.Nil(t, err)
	f.accrue(t, "camp-1", claimantA, 100)

	t.Run("Should reopen the claim on a definite failure", func(t *testing.T) {
		claim, err := f.vault.CreateClaim(ctx, "camp-1", claimantA, dec(100))
		require.Nil(t, err)

		f.payer.set(payMode_Fail)
		_, err = f.vault.SettleClaim(ctx, claim.Id)
		assert.True(t, errs.Is(err, errs.Kind_OnChainCallFailed))

		reloaded, err := f.vault.GetClaim(ctx, claim.Id)
		assert.Nil(t, err)
		assert.Equal(t, storage.ClaimStatus_Open, reloaded.Status)
		assert.Nil(t, reloaded.SettlementRef)
		assert.Contains(t, reloaded.Failure, "reverted")
		assert.True(t, f.state(t, "camp-1").Locked.IsZero())
		f.assertConserved(t, "camp-1")

		f.payer.set(payMode_Ok)
		settled, err := f.vault.SettleClaim(ctx, claim.Id)
		assert.Nil(t, err)
		assert.Equal(t, storage.ClaimStatus_Settled, settled.Status)
		assert.Equal(t, "100", f.balance(t, claimantA))
	})
	t.Run("Should leave a broadcast settlement pending and confirm it on resolve", func(t *testing.T) {
		claim, err := f.vault.CreateClaim(ctx, "camp-1", claimantA, dec(100))
		require.Nil(t, err)

		f.payer.set(payMode_Broadcast)
		_, err = f.vault.SettleClaim(ctx, claim.Id)
		assert.True(t, errs.Is(err, errs.Kind_ReconciliationPending))

		pending, err := f.vault.GetClaim(ctx, claim.Id)
		assert.Nil(t, err)
		assert.Equal(t, storage.ClaimStatus_Settling, pending.Status)
		view := ViewOf(pending)
		assert.Equal(t, ClaimState_Open, view.Status)
		assert.True(t, view.Pending)
		assert.Equal(t, "100", f.state(t, "camp-1").Locked.String())

		_, err = f.vault.RejectClaim(ctx, claim.Id)
		assert.True(t, errs.Is(err, errs.Kind_ReconciliationPending))

		f.payer.pending.Store(true)
		_, err = f.vault.ResolveSettlement(ctx, claim.Id)
		assert.True(t, errs.Is(err, errs.Kind_ReconciliationPending))
		f.payer.pending.Store(false)

		f.payer.set(payMode_Ok)
		resolved, err := f.vault.ResolveSettlement(ctx, claim.Id)
		assert.Nil(t, err)
		assert.Equal(t, storage.ClaimStatus_Settled, resolved.Status)
		assert.Equal(t, "200", f.balance(t, claimantA))
		cv := f.state(t, "camp-1")
		assert.True(t, cv.Locked.IsZero())
		assert.Equal(t, "200", cv.Claimed.String())
		f.assertConserved(t, "camp-1")
	})
	t.Run("Should reopen a lost settlement on resolve", func(t *testing.T) {
		claim, err := f.vault.CreateClaim(ctx, "camp-1", claimantA, dec(100))
		require.Nil(t, err)

		f.payer.set(payMode_Lost)
		_, err = f.vault.SettleClaim(ctx, claim.Id)
		assert.True(t, errs.Is(err, errs.Kind_ReconciliationPending))

		resolved, err := f.vault.ResolveSettlement(ctx, claim.Id)
		assert.Nil(t, err)
		assert.Equal(t, storage.ClaimStatus_Open, resolved.Status)
		assert.True(t, f.state(t, "camp-1").Locked.IsZero())
		assert.Equal(t, "200", f.balance(t, claimantA))
		f.assertConserved(t, "camp-1")
	})
	t.Run("Should treat a timed out payment as pending", func(t *testing.T) {
		claims, err := f.vault.ListClaims(ctx, ClaimFilters{Status: storage.ClaimStatus_Open})
		require.Nil(t, err)
		require.Len(t, claims, 1)

		f.payer.set(payMode_Hang)
		_, err = f.vault.SettleClaim(ctx, claims[0].Id)
		assert.True(t, errs.Is(err, errs.Kind_ReconciliationPending))

		f.payer.set(payMode_Ok)
		settled, err := f.vault.SettleClaim(ctx, claims[0].Id)
		assert.Nil(t, err)
		assert.Equal(t, storage.ClaimStatus_Open, settled.Status)

		settled, err = f.vault.SettleClaim(ctx, claims[0].Id)
		assert.Nil(t, err)
		assert.Equal(t, storage.ClaimStatus_Settled, settled.Status)
		assert.Equal(t, "300", f.balance(t, claimantA))
		f.assertConserved(t, "camp-1")
	})
}

func Test_ConcurrentSettlement(t *testing.T) {
	f, err := setup(0)
	if err != nil {
		t.Fatalf("Failed to setup: %v", err)
	}
	defer teardown(f)
	ctx := context.Background()

	t.Run("Should pay a claim once under concurrent settles", func(t *testing.T) {
		_, err := f.vault.CreateVault(ctx, "camp-1", token, dec(100), advertiser)
		require.Nil(t, err)
		f.accrue(t, "camp-1", claimantA, 10)
		claim, err := f.vault.CreateClaim(ctx, "camp-1", claimantA, dec(50))
		require.Nil(t, err)

		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				settled, err := f.vault.SettleClaim(ctx, claim.Id)
				if assert.Nil(t, err) {
					assert.Equal(t, storage.ClaimStatus_Settled, settled.Status)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, int32(1), f.payer.calls.Load())
		assert.Equal(t, "50", f.balance(t, claimantA))
		assert.Equal(t, "50", f.state(t, "camp-1").Claimed.String())
		f.assertConserved(t, "camp-1")
	})
	t.Run("Should never over-commit the vault", func(t *testing.T) {
		_, err := f.vault.CreateVault(ctx, "camp-2", token, dec(100), advertiser)
		require.Nil(t, err)
		f.accrue(t, "camp-2", claimantB, 100)

		ids := make([]string, 0, 5)
		for i := 0; i < 5; i++ {
			c, err := f.vault.CreateClaim(ctx, "camp-2", claimantB, dec(30))
			require.Nil(t, err)
			ids = append(ids, c.Id)
		}

		var settled, refused atomic.Int32
		var wg sync.WaitGroup
		for _, id := range ids {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				_, err := f.vault.SettleClaim(ctx, id)
				switch {
				case err == nil:
					settled.Add(1)
				case errs.Is(err, errs.Kind_TreasuryInsufficient):
					refused.Add(1)
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}(id)
		}
		wg.Wait()

		assert.Equal(t, int32(3), settled.Load())
		assert.Equal(t, int32(2), refused.Load())
		assert.Equal(t, "90", f.state(t, "camp-2").Claimed.String())
		f.assertConserved(t, "camp-2")
	})
}
