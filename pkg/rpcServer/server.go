package rpcServer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/cors"
	"github.com/sovads/ledger/internal/config"
	"github.com/sovads/ledger/pkg/adServing"
	"github.com/sovads/ledger/pkg/auditHash"
	"github.com/sovads/ledger/pkg/balances"
	"github.com/sovads/ledger/pkg/clients/ethereum"
	"github.com/sovads/ledger/pkg/ingestion"
	"github.com/sovads/ledger/pkg/limiter"
	"github.com/sovads/ledger/pkg/metrics"
	"github.com/sovads/ledger/pkg/reconciler"
	"github.com/sovads/ledger/pkg/storage"
	"github.com/sovads/ledger/pkg/tokenPricing"
	"github.com/sovads/ledger/pkg/treasury"
	"github.com/sovads/ledger/pkg/vault"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

const shutdownTimeout = 10 * time.Second

// Dependencies are the services the API fronts. Pricer and ManagerReader are
// optional; their routes answer NotFound when unset.
type Dependencies struct {
	Db            *gorm.DB
	Pipeline      *ingestion.Pipeline
	AdServer      *adServing.AdServer
	Aggregator    *balances.Aggregator
	Vault         *vault.Vault
	Gateway       *treasury.Gateway
	Store         storage.LedgerStore
	AuditHasher   *auditHash.AuditHasher
	Reconciler    *reconciler.Reconciler
	Limiter       limiter.Limiter
	Pricer        *tokenPricing.Pricer
	ManagerReader *ethereum.ManagerReader
	MetricsSink   *metrics.MetricsSink
}

// RpcServer serves the HTTP API.
type RpcServer struct {
	Logger       *zap.Logger
	globalConfig *config.Config

	db            *gorm.DB
	pipeline      *ingestion.Pipeline
	adServer      *adServing.AdServer
	aggregator    *balances.Aggregator
	vault         *vault.Vault
	gateway       *treasury.Gateway
	store         storage.LedgerStore
	auditHasher   *auditHash.AuditHasher
	reconciler    *reconciler.Reconciler
	limiter       limiter.Limiter
	pricer        *tokenPricing.Pricer
	managerReader *ethereum.ManagerReader
	metricsSink   *metrics.MetricsSink
	clock         func() time.Time
}

func NewRpcServer(deps *Dependencies, l *zap.Logger, cfg *config.Config) *RpcServer {
	lim := deps.Limiter
	if lim == nil {
		lim = limiter.New(nil, 0)
	}
	return &RpcServer{
		Logger:        l,
		globalConfig:  cfg,
		db:            deps.Db,
		pipeline:      deps.Pipeline,
		adServer:      deps.AdServer,
		aggregator:    deps.Aggregator,
		vault:         deps.Vault,
		gateway:       deps.Gateway,
		store:         deps.Store,
		auditHasher:   deps.AuditHasher,
		reconciler:    deps.Reconciler,
		limiter:       lim,
		pricer:        deps.Pricer,
		managerReader: deps.ManagerReader,
		metricsSink:   deps.MetricsSink,
		clock:         time.Now,
	}
}

func (rpc *RpcServer) WithClock(clock func() time.Time) *RpcServer {
	rpc.clock = clock
	return rpc
}

func (rpc *RpcServer) now() time.Time {
	return rpc.clock().UTC()
}

// Router builds the gin engine with every route registered.
func (rpc *RpcServer) Router() *gin.Engine {
	if !rpc.globalConfig.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery(), rpc.traceRequests(), rpc.recordRequests())

	api := r.Group("/api")
	api.GET("/health", rpc.Health)
	api.GET("/health/db", rpc.HealthDb)

	// browser facing routes share the edge flood limiter
	edge := api.Group("", rpc.limitEdge())
	edge.POST("/webhook/track", rpc.TrackEvent)
	edge.GET("/ads", rpc.SelectAd)
	edge.GET("/viewers/points", rpc.GetViewerPoints)
	edge.GET("/viewers/rewards", rpc.ListViewerRewards)
	edge.POST("/viewers/link", rpc.LinkViewerWallet)
	edge.POST("/viewers/claim", rpc.ClaimViewerPoints)
	edge.GET("/publishers/balance", rpc.GetPublisherBalance)
	edge.POST("/publishers/withdraw", rpc.WithdrawPublisher)

	api.GET("/campaigns/:campaignId", rpc.GetCampaign)
	api.GET("/vaults/:campaignId", rpc.GetVaultState)
	api.GET("/vaults/:campaignId/accruals/:claimant", rpc.GetAccrual)
	api.POST("/claims", rpc.CreateClaim)
	api.GET("/claims", rpc.ListClaims)
	api.GET("/claims/:claimId", rpc.GetClaim)
	api.GET("/payouts/:payoutId", rpc.GetPayout)
	api.GET("/payouts/tx/:txHash", rpc.ReconcileByTxHash)
	api.GET("/treasury/balance", rpc.GetTreasuryBalance)
	api.GET("/token-prices", rpc.GetTokenPrice)
	api.GET("/audit/:date", rpc.GetAuditHash)
	api.GET("/audit/:date/verify", rpc.VerifyAuditHash)

	chain := api.Group("/chain")
	chain.GET("/rates", rpc.GetOnChainRates)
	chain.GET("/vaults/:campaignId", rpc.GetOnChainVault)
	chain.GET("/vaults/:campaignId/balances/:user", rpc.GetOnChainBalance)

	admin := api.Group("/admin", rpc.requireAdmin())
	admin.POST("/publishers", rpc.CreatePublisher)
	admin.POST("/publishers/topup", rpc.RecordPublisherTopup)
	admin.POST("/sites", rpc.CreateSite)
	admin.PUT("/campaigns/:campaignId", rpc.UpsertCampaign)
	admin.POST("/vaults", rpc.CreateVault)
	admin.POST("/vaults/:campaignId/topup", rpc.TopUpVault)
	admin.POST("/vaults/:campaignId/interactions", rpc.RecordInteraction)
	admin.POST("/claims/:claimId/settle", rpc.SettleClaim)
	admin.POST("/claims/:claimId/reject", rpc.RejectClaim)
	admin.POST("/claims/:claimId/resolve", rpc.ResolveClaim)
	admin.GET("/payouts", rpc.ListPayouts)
	admin.POST("/payouts/:payoutId/reconcile", rpc.ReconcilePayout)
	admin.POST("/treasury/topup", rpc.TopUpTreasury)
	admin.POST("/treasury/payout", rpc.PayoutTreasury)
	admin.POST("/audit/:date", rpc.HashAuditDay)
	admin.POST("/reconcile", rpc.RunReconciliation)

	return r
}

// Handler wraps the router with CORS for the browser SDK.
func (rpc *RpcServer) Handler() http.Handler {
	origins := rpc.globalConfig.RpcConfig.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowedHeaders: []string{"Origin", "Content-Type", "Accept", "Authorization", "X-Requested-With"},
		MaxAge:         3600,
	}).Handler(rpc.Router())
}

// Start serves HTTP until ctx is done, then drains in-flight requests.
func (rpc *RpcServer) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", rpc.globalConfig.RpcConfig.HttpPort),
		Handler:           rpc.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		rpc.Logger.Sugar().Infow("Starting HTTP server", zap.Int("port", rpc.globalConfig.RpcConfig.HttpPort))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		rpc.Logger.Sugar().Infow("Shutting down HTTP server")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
