package rpcServer

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sovads/ledger/internal/config"
	"github.com/sovads/ledger/internal/tests"
	"github.com/sovads/ledger/pkg/adServing"
	"github.com/sovads/ledger/pkg/admissionGuard"
	"github.com/sovads/ledger/pkg/auditHash"
	"github.com/sovads/ledger/pkg/balances"
	"github.com/sovads/ledger/pkg/clients/ethereum"
	"github.com/sovads/ledger/pkg/envelope"
	"github.com/sovads/ledger/pkg/errs"
	"github.com/sovads/ledger/pkg/eventBus"
	"github.com/sovads/ledger/pkg/eventLedger"
	"github.com/sovads/ledger/pkg/ingestion"
	"github.com/sovads/ledger/pkg/limiter"
	"github.com/sovads/ledger/pkg/locker"
	"github.com/sovads/ledger/pkg/metrics"
	"github.com/sovads/ledger/pkg/reconciler"
	"github.com/sovads/ledger/pkg/storage"
	pgStorage "github.com/sovads/ledger/pkg/storage/postgres"
	"github.com/sovads/ledger/pkg/tokens"
	"github.com/sovads/ledger/pkg/treasury"
	"github.com/sovads/ledger/pkg/vault"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const (
	adminToken     = "admin-secret"
	advertiser     = "advertiser"
	publisherAddr  = "0x00000000000000000000000000000000000000aa"
	claimantWallet = "0x00000000000000000000000000000000000000bb"
)

type fixture struct {
	grm     *gorm.DB
	server  *RpcServer
	handler http.Handler
	agg     *balances.Aggregator
	cfg     *config.Config
}

type apiResponse struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Kind    errs.Kind       `json:"kind"`
	EventId string          `json:"eventId"`
	// Raw is the top-level body as decoded into a map.
	Raw map[string]any `json:"-"`
}

func setup(mutate func(deps *Dependencies)) (*fixture, error) {
	ctx := context.Background()
	cfg := tests.GetConfig()
	cfg.RpcConfig.AdminToken = adminToken
	cfg.TreasuryConfig.CallTimeout = time.Second
	cfg.VaultConfig.PayTimeout = time.Second
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
	store := pgStorage.NewPostgresLedgerStore(grm, l, cfg)
	ledger := eventLedger.NewEventLedger(grm, l, cfg)
	guard := admissionGuard.NewAdmissionGuard(ledger, l, cfg)
	agg := balances.NewAggregator(grm, ledger, l, cfg)

	tl := tokens.NewTokenLedger(grm, l)
	if _, err := tl.Mint(ctx, cfg.TreasuryConfig.Token, advertiser, decimal.NewFromInt(100000), "seed-advertiser"); err != nil {
		return nil, err
	}
	if _, err := tl.Mint(ctx, cfg.TreasuryConfig.Token, cfg.TreasuryConfig.Funder, decimal.NewFromInt(100000), "seed-funder"); err != nil {
		return nil, err
	}
	v := vault.NewVault(grm, tl, vault.NewLedgerPayer(grm, tl), lk, eb, sink, l, cfg)
	vb := treasury.NewVaultBackend(v, cfg)
	if err := vb.EnsureVault(ctx, cfg.TreasuryConfig.Token); err != nil {
		return nil, err
	}
	gateway := treasury.NewGateway(grm, vb, agg, ethereum.NewWalletAuthenticator(cfg.PublisherConfig.AuthWindow), lk, eb, sink, l, cfg)

	codec := envelope.NewTokenCodec(cfg.IngestionConfig.TrackingTokenSecret)
	verifier := envelope.NewVerifier(codec, cfg.IngestionConfig.SignatureWindow, time.Now)
	hasher := auditHash.NewAuditHasher(grm, ledger, sink, l)

	deps := &Dependencies{
		Db:          grm,
		Pipeline:    ingestion.NewPipeline(grm, verifier, store, guard, ledger, agg, eb, sink, l, cfg),
		AdServer:    adServing.NewAdServer(store, store, codec, sink, l, cfg),
		Aggregator:  agg,
		Vault:       v,
		Gateway:     gateway,
		Store:       store,
		AuditHasher: hasher,
		Reconciler:  reconciler.NewReconciler(grm, v, gateway, agg, guard, hasher, sink, l, cfg),
		MetricsSink: sink,
	}
	if mutate != nil {
		mutate(deps)
	}
	server := NewRpcServer(deps, l, cfg)
	return &fixture{grm: grm, server: server, handler: server.Handler(), agg: agg, cfg: cfg}, nil
}

func teardown(f *fixture) {
	rawDb, _ := f.grm.DB()
	_ = rawDb.Close()
}

func (f *fixture) request(t *testing.T, method string, path string, body any, admin bool) (int, *apiResponse) {
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case []byte:
		reader = bytes.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if admin {
		req.Header.Set("Authorization", "Bearer "+adminToken)
	}
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)

	res := &apiResponse{}
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), res), w.Body.String())
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res.Raw), w.Body.String())
	}
	return w.Code, res
}

func decode[T any](t *testing.T, res *apiResponse) T {
	var out T
	require.NoError(t, json.Unmarshal(res.Data, &out))
	return out
}

// seedSite registers a publisher, one site and one campaign, returning the site id.
func (f *fixture) seedSite(t *testing.T, verified bool) string {
	status, _ := f.request(t, http.MethodPost, "/api/admin/publishers", map[string]any{"wallet": publisherAddr, "verified": true}, true)
	require.Contains(t, []int{http.StatusOK, http.StatusCreated}, status)

	status, res := f.request(t, http.MethodPost, "/api/admin/sites", map[string]any{
		"publisherWallet": publisherAddr,
		"domain":          "example.com",
		"verified":        verified,
	}, true)
	require.Equal(t, http.StatusCreated, status)
	site := decode[map[string]any](t, res)
	assert.NotEmpty(t, site["apiKey"])
	assert.NotEmpty(t, site["apiSecret"])

	status, _ = f.request(t, http.MethodPut, "/api/admin/campaigns/camp-1", map[string]any{
		"name":      "Launch",
		"bannerUrl": "https://cdn.example.com/banner.png",
		"targetUrl": "https://example.com",
		"budget":    "100",
		"cpc":       "1",
	}, true)
	require.Equal(t, http.StatusOK, status)
	return site["siteId"].(string)
}

func Test_StatusFor(t *testing.T) {
	cases := map[errs.Kind]int{
		errs.Kind_Malformed:             http.StatusBadRequest,
		errs.Kind_InvalidSignature:      http.StatusUnauthorized,
		errs.Kind_Expired:               http.StatusUnauthorized,
		errs.Kind_Unauthorized:          http.StatusUnauthorized,
		errs.Kind_NotFound:              http.StatusNotFound,
		errs.Kind_CampaignInactive:      http.StatusNotFound,
		errs.Kind_Duplicate:             http.StatusConflict,
		errs.Kind_TreasuryInsufficient:  http.StatusConflict,
		errs.Kind_RateLimited:           http.StatusTooManyRequests,
		errs.Kind_InsufficientAccrual:   http.StatusUnprocessableEntity,
		errs.Kind_ReconciliationPending: http.StatusAccepted,
		errs.Kind_OnChainCallFailed:     http.StatusBadGateway,
		errs.Kind_Internal:              http.StatusInternalServerError,
	}
	for kind, status := range cases {
		assert.Equal(t, status, StatusFor(kind), string(kind))
	}
}

func Test_RpcServer(t *testing.T) {
	t.Run("Should report health", func(t *testing.T) {
		f, err := setup(nil)
		require.NoError(t, err)
		defer teardown(f)

		status, res := f.request(t, http.MethodGet, "/api/health", nil, false)
		assert.Equal(t, http.StatusOK, status)
		assert.True(t, res.Success)

		status, _ = f.request(t, http.MethodGet, "/api/health/db", nil, false)
		assert.Equal(t, http.StatusOK, status)
	})

	t.Run("Should reject admin routes without the token", func(t *testing.T) {
		f, err := setup(nil)
		require.NoError(t, err)
		defer teardown(f)

		status, res := f.request(t, http.MethodPost, "/api/admin/publishers", map[string]any{"wallet": publisherAddr}, false)
		assert.Equal(t, http.StatusUnauthorized, status)
		assert.False(t, res.Success)
		assert.Equal(t, errs.Kind_Unauthorized, res.Kind)

		status, _ = f.request(t, http.MethodPost, "/api/admin/publishers", map[string]any{"wallet": publisherAddr}, true)
		assert.Equal(t, http.StatusCreated, status)
	})

	t.Run("Should serve an ad and admit its impression once", func(t *testing.T) {
		f, err := setup(nil)
		require.NoError(t, err)
		defer teardown(f)
		siteId := f.seedSite(t, true)

		status, res := f.request(t, http.MethodGet, "/api/ads?siteId="+siteId, nil, false)
		require.Equal(t, http.StatusOK, status, res.Error)
		ad := decode[adServing.ServedAd](t, res)
		assert.Equal(t, "camp-1", ad.CampaignId)
		assert.NotEmpty(t, ad.TrackingToken)

		body, err := json.Marshal(map[string]any{
			"trackingToken": ad.TrackingToken,
			"payload": map[string]any{
				"type":        storage.EventType_Impression,
				"campaignId":  ad.CampaignId,
				"adId":        ad.AdId,
				"siteId":      siteId,
				"fingerprint": "fp-1",
				"rendered":    true,
			},
		})
		require.NoError(t, err)

		status, res = f.request(t, http.MethodPost, "/api/webhook/track", body, false)
		require.Equal(t, http.StatusOK, status, res.Error)
		assert.True(t, res.Success)
		eventId, ok := res.Raw["eventId"].(string)
		require.True(t, ok, "eventId must be a top-level string")
		assert.NotEmpty(t, eventId)
		assert.Equal(t, "camp-1", res.Raw["campaignId"])
		assert.NotContains(t, res.Raw, "data")

		status, res = f.request(t, http.MethodPost, "/api/webhook/track", body, false)
		assert.Equal(t, http.StatusConflict, status)
		assert.Equal(t, errs.Kind_Duplicate, res.Kind)
		assert.Equal(t, eventId, res.EventId)

		status, res = f.request(t, http.MethodGet, "/api/viewers/points?fingerprint=fp-1", nil, false)
		require.Equal(t, http.StatusOK, status)
		balance := decode[balances.ViewerBalance](t, res)
		assert.Equal(t, f.agg.PointsFor(storage.EventType_Impression), balance.TotalPoints)
	})

	t.Run("Should reject malformed tracking bodies", func(t *testing.T) {
		f, err := setup(nil)
		require.NoError(t, err)
		defer teardown(f)

		status, res := f.request(t, http.MethodPost, "/api/webhook/track", []byte("not json"), false)
		assert.Equal(t, http.StatusBadRequest, status)
		assert.Equal(t, errs.Kind_Malformed, res.Kind)
	})

	t.Run("Should refuse ads for an unverified site", func(t *testing.T) {
		f, err := setup(nil)
		require.NoError(t, err)
		defer teardown(f)
		siteId := f.seedSite(t, false)

		status, res := f.request(t, http.MethodGet, "/api/ads?siteId="+siteId, nil, false)
		assert.Equal(t, http.StatusUnauthorized, status)
		assert.Equal(t, errs.Kind_Unauthorized, res.Kind)

		status, res = f.request(t, http.MethodGet, "/api/ads?siteId=site_unknown", nil, false)
		assert.Equal(t, http.StatusNotFound, status)
		assert.Equal(t, errs.Kind_NotFound, res.Kind)
	})

	t.Run("Should settle a claim through the vault", func(t *testing.T) {
		f, err := setup(nil)
		require.NoError(t, err)
		defer teardown(f)

		status, res := f.request(t, http.MethodPost, "/api/admin/vaults", map[string]any{
			"campaignId":     "camp-v",
			"token":          "G$",
			"initialFunding": "1000",
			"funder":         advertiser,
		}, true)
		require.Equal(t, http.StatusCreated, status, res.Error)

		status, res = f.request(t, http.MethodPost, "/api/admin/vaults/camp-v/interactions", map[string]any{
			"claimant": claimantWallet,
			"count":    10,
			"type":     storage.EventType_Impression,
		}, true)
		require.Equal(t, http.StatusOK, status, res.Error)

		status, res = f.request(t, http.MethodPost, "/api/claims", map[string]any{
			"campaignId": "camp-v",
			"claimant":   claimantWallet,
			"amount":     "20",
		}, false)
		assert.Equal(t, http.StatusUnprocessableEntity, status)
		assert.Equal(t, errs.Kind_InsufficientAccrual, res.Kind)

		status, res = f.request(t, http.MethodPost, "/api/claims", map[string]any{
			"campaignId": "camp-v",
			"claimant":   claimantWallet,
			"amount":     "10",
		}, false)
		require.Equal(t, http.StatusCreated, status, res.Error)
		claim := decode[vault.ClaimView](t, res)
		assert.Equal(t, vault.ClaimState_Open, claim.Status)

		status, res = f.request(t, http.MethodPost, "/api/admin/claims/"+claim.Id+"/settle", nil, true)
		require.Equal(t, http.StatusOK, status, res.Error)
		settled := decode[vault.ClaimView](t, res)
		assert.Equal(t, vault.ClaimState_Approved, settled.Status)

		status, res = f.request(t, http.MethodGet, "/api/vaults/camp-v", nil, false)
		require.Equal(t, http.StatusOK, status)
		state := decode[vaultView](t, res)
		assert.True(t, decimal.NewFromInt(10).Equal(state.Claimed), state.Claimed.String())
		assert.True(t, decimal.NewFromInt(990).Equal(state.Available), state.Available.String())

		status, res = f.request(t, http.MethodGet, "/api/claims?campaignId=camp-v", nil, false)
		require.Equal(t, http.StatusOK, status)
		assert.Len(t, decode[[]vault.ClaimView](t, res), 1)
	})

	t.Run("Should reject a withdrawal with a bad signature", func(t *testing.T) {
		f, err := setup(nil)
		require.NoError(t, err)
		defer teardown(f)
		f.seedSite(t, true)

		status, res := f.request(t, http.MethodPost, "/api/publishers/withdraw", map[string]any{
			"wallet":    publisherAddr,
			"amount":    "1",
			"signature": "0x1234",
			"timestamp": time.Now().UnixMilli(),
		}, false)
		assert.Equal(t, http.StatusUnauthorized, status)
		assert.Equal(t, errs.Kind_Unauthorized, res.Kind)
	})

	t.Run("Should answer not found for unknown records", func(t *testing.T) {
		f, err := setup(nil)
		require.NoError(t, err)
		defer teardown(f)

		for _, path := range []string{
			"/api/payouts/missing",
			"/api/claims/missing",
			"/api/campaigns/missing",
			"/api/vaults/missing",
			"/api/token-prices",
			"/api/chain/rates",
		} {
			status, res := f.request(t, http.MethodGet, path, nil, false)
			assert.Equal(t, http.StatusNotFound, status, path)
			assert.Equal(t, errs.Kind_NotFound, res.Kind, path)
		}
	})

	t.Run("Should hash and verify an audit day", func(t *testing.T) {
		f, err := setup(nil)
		require.NoError(t, err)
		defer teardown(f)

		status, _ := f.request(t, http.MethodGet, "/api/audit/2026-09-30", nil, false)
		assert.Equal(t, http.StatusNotFound, status)

		status, _ = f.request(t, http.MethodGet, "/api/audit/yesterday", nil, false)
		assert.Equal(t, http.StatusBadRequest, status)

		status, res := f.request(t, http.MethodPost, "/api/admin/audit/2026-09-30", nil, true)
		require.Equal(t, http.StatusOK, status, res.Error)

		status, res = f.request(t, http.MethodGet, "/api/audit/2026-09-30/verify", nil, false)
		require.Equal(t, http.StatusOK, status)
		assert.Equal(t, true, decode[map[string]any](t, res)["matches"])
	})

	t.Run("Should report the treasury balance", func(t *testing.T) {
		f, err := setup(nil)
		require.NoError(t, err)
		defer teardown(f)

		status, res := f.request(t, http.MethodPost, "/api/admin/treasury/topup", map[string]any{"amount": "50"}, true)
		require.Equal(t, http.StatusOK, status, res.Error)

		status, res = f.request(t, http.MethodGet, "/api/treasury/balance", nil, false)
		require.Equal(t, http.StatusOK, status)
		body := decode[struct {
			Balance decimal.Decimal `json:"balance"`
			Backend string          `json:"backend"`
		}](t, res)
		assert.Equal(t, "vault", body.Backend)
		assert.True(t, decimal.NewFromInt(50).Equal(body.Balance), body.Balance.String())
	})

	t.Run("Should rate limit edge routes", func(t *testing.T) {
		f, err := setup(func(deps *Dependencies) {
			deps.Limiter = limiter.NewLocalLimiter(1)
		})
		require.NoError(t, err)
		defer teardown(f)

		status, _ := f.request(t, http.MethodGet, "/api/viewers/points?fingerprint=fp-9", nil, false)
		assert.Equal(t, http.StatusOK, status)

		status, res := f.request(t, http.MethodGet, "/api/viewers/points?fingerprint=fp-9", nil, false)
		assert.Equal(t, http.StatusTooManyRequests, status)
		assert.Equal(t, errs.Kind_RateLimited, res.Kind)

		// admin and read routes are not behind the edge limiter
		status, _ = f.request(t, http.MethodGet, "/api/health", nil, false)
		assert.Equal(t, http.StatusOK, status)
	})

	t.Run("Should answer CORS preflight", func(t *testing.T) {
		f, err := setup(nil)
		require.NoError(t, err)
		defer teardown(f)

		req := httptest.NewRequest(http.MethodOptions, "/api/webhook/track", nil)
		req.Header.Set("Origin", "https://publisher.example")
		req.Header.Set("Access-Control-Request-Method", http.MethodPost)
		w := httptest.NewRecorder()
		f.handler.ServeHTTP(w, req)
		assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	})
}
