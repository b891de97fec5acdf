package tokenPricing

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/cache/v9"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/sovads/ledger/internal/config"
	"github.com/sovads/ledger/pkg/clients/coingecko"
	"github.com/sovads/ledger/pkg/metrics"
	"github.com/sovads/ledger/pkg/metrics/metricsTypes"
	"go.uber.org/zap"
)

const localCacheSize = 1000

type PriceSource interface {
	GetTokenPrices(ctx context.Context, platform string, addresses []string, currencies []string) (coingecko.TokenPrices, error)
}

type Quote struct {
	Token     string          `json:"token"`
	Address   string          `json:"address"`
	Currency  string          `json:"currency"`
	Price     decimal.Decimal `json:"price"`
	FetchedAt time.Time       `json:"fetchedAt"`
}

// cachedQuote is what goes through the msgpack cache codec.
type cachedQuote struct {
	Price     string
	FetchedAt int64
}

// Pricer quotes the payout token in fiat for display. Quotes are cached in
// process and, when a redis client is given, shared through redis.
type Pricer struct {
	source   PriceSource
	cache    *cache.Cache
	ttl      time.Duration
	token    string
	platform string
	address  string
	metrics  *metrics.MetricsSink
	logger   *zap.Logger
}

func NewPricer(source PriceSource, rdb redis.UniversalClient, ms *metrics.MetricsSink, l *zap.Logger, cfg *config.Config) *Pricer {
	opts := &cache.Options{
		LocalCache: cache.NewTinyLFU(localCacheSize, cfg.CoingeckoConfig.CacheTTL),
	}
	if rdb != nil {
		opts.Redis = rdb
	}
	return &Pricer{
		source:   source,
		cache:    cache.New(opts),
		ttl:      cfg.CoingeckoConfig.CacheTTL,
		token:    cfg.TreasuryConfig.Token,
		platform: cfg.CoingeckoConfig.Platform,
		address:  strings.ToLower(cfg.CoingeckoConfig.TokenAddress),
		metrics:  ms,
		logger:   l,
	}
}

func (p *Pricer) cacheKey(currency string) string {
	return fmt.Sprintf("price:%s:%s:%s", p.platform, p.address, currency)
}

// TokenPrice returns the token's price in currency.
func (p *Pricer) TokenPrice(ctx context.Context, currency string) (*Quote, error) {
	currency = strings.ToLower(currency)
	if currency == "" {
		return nil, fmt.Errorf("currency is required")
	}

	var cached cachedQuote
	fetched := false
	err := p.cache.Once(&cache.Item{
		Ctx:   ctx,
		Key:   p.cacheKey(currency),
		Value: &cached,
		TTL:   p.ttl,
		Do: func(*cache.Item) (any, error) {
			fetched = true
			return p.fetch(ctx, currency)
		},
	})
	if err != nil {
		return nil, err
	}
	if fetched {
		p.metrics.Incr(metricsTypes.Metric_Incr_PriceCacheMiss, nil, 1)
	} else {
		p.metrics.Incr(metricsTypes.Metric_Incr_PriceCacheHit, nil, 1)
	}

	price, err := decimal.NewFromString(cached.Price)
	if err != nil {
		return nil, fmt.Errorf("corrupt cached price for %s: %w", currency, err)
	}
	return &Quote{
		Token:     p.token,
		Address:   p.address,
		Currency:  currency,
		Price:     price,
		FetchedAt: time.UnixMilli(cached.FetchedAt).UTC(),
	}, nil
}

func (p *Pricer) fetch(ctx context.Context, currency string) (*cachedQuote, error) {
	prices, err := p.source.GetTokenPrices(ctx, p.platform, []string{p.address}, []string{currency})
	if err != nil {
		p.logger.Sugar().Warnw("Failed to fetch token price",
			zap.String("currency", currency),
			zap.Error(err),
		)
		return nil, err
	}
	price, ok := prices[p.address][currency]
	if !ok {
		return nil, fmt.Errorf("no %s price for token %s on %s", currency, p.address, p.platform)
	}
	return &cachedQuote{Price: price.String(), FetchedAt: time.Now().UnixMilli()}, nil
}

// ToFiat values a token amount, given in whole tokens, in currency.
func (p *Pricer) ToFiat(ctx context.Context, amount decimal.Decimal, currency string) (decimal.Decimal, *Quote, error) {
	q, err := p.TokenPrice(ctx, currency)
	if err != nil {
		return decimal.Zero, nil, err
	}
	return amount.Mul(q.Price), q, nil
}
