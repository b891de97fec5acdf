package storage

import (
	"context"
	"time"
)

// CampaignStore is the campaign lookup the ingestion pipeline and ad server depend on.
// Lookups return (nil, nil) when the record does not exist.
type CampaignStore interface {
	GetCampaign(ctx context.Context, id string) (*Campaign, error)
	ListServingCampaigns(ctx context.Context, now time.Time) ([]*Campaign, error)
	UpsertCampaign(ctx context.Context, c *Campaign) (*Campaign, error)
}

// SiteStore resolves publisher sites by api key or public site id.
type SiteStore interface {
	GetSiteByApiKey(ctx context.Context, apiKey string) (*PublisherSite, error)
	GetSiteBySiteId(ctx context.Context, siteId string) (*PublisherSite, error)
	CreateSite(ctx context.Context, site *PublisherSite) (*PublisherSite, error)
}

// PublisherStore reads and creates publishers. Wallets are stored lower cased.
type PublisherStore interface {
	GetPublisher(ctx context.Context, id string) (*Publisher, error)
	GetPublisherByWallet(ctx context.Context, wallet string) (*Publisher, error)
	CreatePublisher(ctx context.Context, p *Publisher) (*Publisher, error)
}

// LedgerStore is everything the ledger reads from its reference tables.
type LedgerStore interface {
	CampaignStore
	SiteStore
	PublisherStore
}
