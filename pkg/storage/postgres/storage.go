package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sovads/ledger/internal/config"
	"github.com/sovads/ledger/pkg/storage"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// PostgresLedgerStore serves campaign, publisher and site lookups. Despite the
// name it runs on either supported gorm dialect.
type PostgresLedgerStore struct {
	Db           *gorm.DB
	Logger       *zap.Logger
	GlobalConfig *config.Config
}

func NewPostgresLedgerStore(db *gorm.DB, l *zap.Logger, cfg *config.Config) *PostgresLedgerStore {
	return &PostgresLedgerStore{
		Db:           db,
		Logger:       l,
		GlobalConfig: cfg,
	}
}

func first[T any](res *gorm.DB, out *T) (*T, error) {
	if res.Error != nil {
		if errors.Is(res.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, res.Error
	}
	return out, nil
}

func (s *PostgresLedgerStore) GetCampaign(ctx context.Context, id string) (*storage.Campaign, error) {
	c := &storage.Campaign{}
	return first(s.Db.WithContext(ctx).Where("id = ?", id).First(c), c)
}

// ListServingCampaigns returns campaigns that are active, unpaused and inside their date range.
// Budget is left to the caller since spent and budget are compared as decimals.
func (s *PostgresLedgerStore) ListServingCampaigns(ctx context.Context, now time.Time) ([]*storage.Campaign, error) {
	campaigns := make([]*storage.Campaign, 0)
	res := s.Db.WithContext(ctx).
		Where("active = ? and paused = ?", true, false).
		Order("created_at asc, id asc").
		Find(&campaigns)
	if res.Error != nil {
		return nil, fmt.Errorf("failed to list campaigns: %w", res.Error)
	}

	serving := make([]*storage.Campaign, 0, len(campaigns))
	for _, c := range campaigns {
		if c.Serving(now) {
			serving = append(serving, c)
		}
	}
	return serving, nil
}

// UpsertCampaign creates a campaign or updates its configuration. Spend and
// version are never overwritten here; they belong to the spend tracker.
func (s *PostgresLedgerStore) UpsertCampaign(ctx context.Context, c *storage.Campaign) (*storage.Campaign, error) {
	if c.Id == "" {
		c.Id = uuid.NewString()
	}
	if c.Budget.IsNegative() || c.Cpc.IsNegative() {
		return nil, fmt.Errorf("campaign budget and cpc must not be negative")
	}

	res := s.Db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"on_chain_id", "name", "advertiser_wallet", "banner_url", "target_url", "budget", "cpc",
			"active", "paused", "token_address", "placement", "size", "location", "start_date", "end_date", "updated_at",
		}),
	}).Create(c)
	if res.Error != nil {
		return nil, fmt.Errorf("failed to upsert campaign '%s': %w", c.Id, res.Error)
	}
	return s.GetCampaign(ctx, c.Id)
}

func (s *PostgresLedgerStore) GetSiteByApiKey(ctx context.Context, apiKey string) (*storage.PublisherSite, error) {
	site := &storage.PublisherSite{}
	return first(s.Db.WithContext(ctx).Where("api_key = ?", apiKey).First(site), site)
}

func (s *PostgresLedgerStore) GetSiteBySiteId(ctx context.Context, siteId string) (*storage.PublisherSite, error) {
	site := &storage.PublisherSite{}
	return first(s.Db.WithContext(ctx).Where("site_id = ?", siteId).First(site), site)
}

func (s *PostgresLedgerStore) CreateSite(ctx context.Context, site *storage.PublisherSite) (*storage.PublisherSite, error) {
	if site.Id == "" {
		site.Id = uuid.NewString()
	}
	if site.SiteId == "" || site.PublisherId == "" || site.ApiKey == "" || site.ApiSecret == "" {
		return nil, fmt.Errorf("site requires siteId, publisherId, apiKey and apiSecret")
	}
	if res := s.Db.WithContext(ctx).Create(site); res.Error != nil {
		return nil, fmt.Errorf("failed to create site '%s': %w", site.SiteId, res.Error)
	}
	return site, nil
}

func (s *PostgresLedgerStore) GetPublisher(ctx context.Context, id string) (*storage.Publisher, error) {
	p := &storage.Publisher{}
	return first(s.Db.WithContext(ctx).Where("id = ?", id).First(p), p)
}

func (s *PostgresLedgerStore) GetPublisherByWallet(ctx context.Context, wallet string) (*storage.Publisher, error) {
	p := &storage.Publisher{}
	return first(s.Db.WithContext(ctx).Where("wallet = ?", strings.ToLower(wallet)).First(p), p)
}

func (s *PostgresLedgerStore) CreatePublisher(ctx context.Context, p *storage.Publisher) (*storage.Publisher, error) {
	if p.Id == "" {
		p.Id = uuid.NewString()
	}
	p.Wallet = strings.ToLower(p.Wallet)
	if res := s.Db.WithContext(ctx).Create(p); res.Error != nil {
		return nil, fmt.Errorf("failed to create publisher '%s': %w", p.Wallet, res.Error)
	}
	return p, nil
}
