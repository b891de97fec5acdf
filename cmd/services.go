package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sovads/ledger/internal/config"
	"github.com/sovads/ledger/pkg/adServing"
	"github.com/sovads/ledger/pkg/admissionGuard"
	"github.com/sovads/ledger/pkg/auditHash"
	"github.com/sovads/ledger/pkg/balances"
	"github.com/sovads/ledger/pkg/clients/coingecko"
	"github.com/sovads/ledger/pkg/clients/ethereum"
	"github.com/sovads/ledger/pkg/envelope"
	"github.com/sovads/ledger/pkg/eventBus"
	"github.com/sovads/ledger/pkg/eventBus/eventBusTypes"
	"github.com/sovads/ledger/pkg/eventLedger"
	"github.com/sovads/ledger/pkg/ingestion"
	"github.com/sovads/ledger/pkg/limiter"
	"github.com/sovads/ledger/pkg/locker"
	"github.com/sovads/ledger/pkg/metrics"
	"github.com/sovads/ledger/pkg/postgres"
	"github.com/sovads/ledger/pkg/reconciler"
	"github.com/sovads/ledger/pkg/rpcServer"
	pgStorage "github.com/sovads/ledger/pkg/storage/postgres"
	"github.com/sovads/ledger/pkg/tokenPricing"
	"github.com/sovads/ledger/pkg/tokens"
	"github.com/sovads/ledger/pkg/treasury"
	"github.com/sovads/ledger/pkg/vault"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// services is everything a long running command needs, built once from config.
type services struct {
	grm         *gorm.DB
	redis       redis.UniversalClient
	eventBus    eventBusTypes.IEventBus
	sink        *metrics.MetricsSink
	ledger      *eventLedger.EventLedger
	aggregator  *balances.Aggregator
	vault       *vault.Vault
	gateway     *treasury.Gateway
	hasher      *auditHash.AuditHasher
	reconciler  *reconciler.Reconciler
	retrier     *ingestion.PointsRetrier
	deps        *rpcServer.Dependencies
	ethClient   *ethereum.Client
	chainReader *ethereum.ManagerReader
}

func newRedisClient(cfg *config.Config) (redis.UniversalClient, error) {
	if cfg.RedisConfig.Url == "" {
		return nil, nil
	}
	opts, err := redis.ParseURL(cfg.RedisConfig.Url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	return redis.NewClient(opts), nil
}

func buildServices(ctx context.Context, cfg *config.Config, l *zap.Logger) (*services, error) {
	_, grm, err := postgres.OpenDatabase(cfg, l, true)
	if err != nil {
		return nil, err
	}

	rdb, err := newRedisClient(cfg)
	if err != nil {
		return nil, err
	}
	if rdb != nil {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			return nil, fmt.Errorf("failed to reach redis: %w", err)
		}
	}

	metricsClients, err := metrics.InitMetricsSinksFromConfig(cfg, l)
	if err != nil {
		return nil, fmt.Errorf("failed to setup metrics clients: %w", err)
	}
	sink, err := metrics.NewMetricsSink(&metrics.MetricsSinkConfig{}, metricsClients)
	if err != nil {
		return nil, fmt.Errorf("failed to setup metrics sink: %w", err)
	}

	eb := eventBus.NewEventBus(l)

	var lk locker.Locker = locker.NewLocalLocker()
	if rdb != nil && cfg.RedisConfig.DistributedLocks {
		lk = locker.NewRedisLocker(rdb, cfg.VaultConfig.PayTimeout*2, l)
	}

	store := pgStorage.NewPostgresLedgerStore(grm, l, cfg)
	ledger := eventLedger.NewEventLedger(grm, l, cfg)
	guard := admissionGuard.NewAdmissionGuard(ledger, l, cfg)
	agg := balances.NewAggregator(grm, ledger, l, cfg)

	tl := tokens.NewTokenLedger(grm, l)
	v := vault.NewVault(grm, tl, vault.NewLedgerPayer(grm, tl), lk, eb, sink, l, cfg)

	var ethClient *ethereum.Client
	if cfg.EthereumConfig.RpcUrl != "" {
		ethClient = ethereum.NewClient(ethereum.EthereumClientConfigFromConfig(cfg), l)
	}

	var backend treasury.Backend
	switch cfg.TreasuryConfig.Backend {
	case config.TreasuryBackend_Chain:
		tb, err := ethereum.NewTreasuryBackend(grm, ethClient, l, cfg)
		if err != nil {
			return nil, err
		}
		backend = tb
	default:
		vb := treasury.NewVaultBackend(v, cfg)
		if err := vb.EnsureVault(ctx, cfg.TreasuryConfig.Token); err != nil {
			return nil, fmt.Errorf("failed to create treasury vault: %w", err)
		}
		backend = vb
	}
	gateway := treasury.NewGateway(grm, backend, agg, ethereum.NewWalletAuthenticator(cfg.PublisherConfig.AuthWindow), lk, eb, sink, l, cfg)

	var chainReader *ethereum.ManagerReader
	if ethClient != nil && cfg.EthereumConfig.ManagerContract != "" {
		chainReader, err = ethereum.NewManagerReader(ethClient, cfg.EthereumConfig.ManagerContract, l)
		if err != nil {
			return nil, err
		}
	}

	codec := envelope.NewTokenCodec(cfg.IngestionConfig.TrackingTokenSecret)
	verifier := envelope.NewVerifier(codec, cfg.IngestionConfig.SignatureWindow, time.Now)
	pipeline := ingestion.NewPipeline(grm, verifier, store, guard, ledger, agg, eb, sink, l, cfg)
	hasher := auditHash.NewAuditHasher(grm, ledger, sink, l)
	rec := reconciler.NewReconciler(grm, v, gateway, agg, guard, hasher, sink, l, cfg)

	var pricer *tokenPricing.Pricer
	if cfg.CoingeckoConfig.ApiKey != "" {
		pricer = tokenPricing.NewPricer(coingecko.NewClient(&cfg.CoingeckoConfig, l), rdb, sink, l, cfg)
	}

	return &services{
		grm:         grm,
		redis:       rdb,
		eventBus:    eb,
		sink:        sink,
		ledger:      ledger,
		aggregator:  agg,
		vault:       v,
		gateway:     gateway,
		hasher:      hasher,
		reconciler:  rec,
		retrier:     ingestion.NewPointsRetrier(agg, eb, sink, l),
		ethClient:   ethClient,
		chainReader: chainReader,
		deps: &rpcServer.Dependencies{
			Db:            grm,
			Pipeline:      pipeline,
			AdServer:      adServing.NewAdServer(store, store, codec, sink, l, cfg),
			Aggregator:    agg,
			Vault:         v,
			Gateway:       gateway,
			Store:         store,
			AuditHasher:   hasher,
			Reconciler:    rec,
			Limiter:       limiter.New(rdb, cfg.RedisConfig.EdgeRequestsPerMinute),
			Pricer:        pricer,
			ManagerReader: chainReader,
			MetricsSink:   sink,
		},
	}, nil
}

func (s *services) Close(l *zap.Logger) {
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			l.Sugar().Warnw("Failed to close redis client", zap.Error(err))
		}
	}
	if rawDb, err := s.grm.DB(); err == nil {
		if err := rawDb.Close(); err != nil {
			l.Sugar().Warnw("Failed to close database", zap.Error(err))
		}
	}
}
