package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sovads/ledger/internal/config"
	"github.com/sovads/ledger/internal/tests"
	"github.com/sovads/ledger/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func setup() (*gorm.DB, *zap.Logger, *config.Config, error) {
	cfg := tests.GetConfig()
	l := tests.GetLogger(cfg)

	_, grm, err := tests.GetSqliteDatabaseConnection(cfg, l)
	if err != nil {
		return nil, nil, nil, err
	}
	return grm, l, cfg, nil
}

func teardown(grm *gorm.DB) {
	rawDb, _ := grm.DB()
	_ = rawDb.Close()
}

func Test_PostgresLedgerStore(t *testing.T) {
	grm, l, cfg, err := setup()
	if err != nil {
		t.Fatalf("Failed to setup: %v", err)
	}
	defer teardown(grm)

	store := NewPostgresLedgerStore(grm, l, cfg)
	ctx := context.Background()
	now := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)

	t.Run("Campaigns", func(t *testing.T) {
		t.Run("Should create and read back a campaign", func(t *testing.T) {
			c, err := store.UpsertCampaign(ctx, &storage.Campaign{
				Id:     "camp-1",
				Name:   "first",
				Budget: decimal.NewFromInt(1000),
				Cpc:    decimal.RequireFromString("2.5"),
				Active: true,
			})
			require.Nil(t, err)
			assert.Equal(t, "camp-1", c.Id)
			assert.True(t, decimal.NewFromInt(1000).Equal(c.Budget))
			assert.True(t, decimal.RequireFromString("2.5").Equal(c.Cpc))
			assert.True(t, c.Spent.IsZero())
		})
		t.Run("Should update configuration without touching spend", func(t *testing.T) {
			res := grm.Exec(`update campaigns set spent = ?, version = 3 where id = ?`, "40", "camp-1")
			require.Nil(t, res.Error)

			c, err := store.UpsertCampaign(ctx, &storage.Campaign{
				Id:     "camp-1",
				Name:   "renamed",
				Budget: decimal.NewFromInt(2000),
				Cpc:    decimal.NewFromInt(3),
				Active: true,
			})
			require.Nil(t, err)
			assert.Equal(t, "renamed", c.Name)
			assert.True(t, decimal.NewFromInt(40).Equal(c.Spent))
			assert.Equal(t, int64(3), c.Version)
		})
		t.Run("Should return nil for a missing campaign", func(t *testing.T) {
			c, err := store.GetCampaign(ctx, "missing")
			assert.Nil(t, err)
			assert.Nil(t, c)
		})
		t.Run("Should only list serving campaigns", func(t *testing.T) {
			later := now.Add(24 * time.Hour)
			_, err := store.UpsertCampaign(ctx, &storage.Campaign{Id: "camp-paused", Budget: decimal.NewFromInt(1), Cpc: decimal.NewFromInt(1), Active: true, Paused: true})
			require.Nil(t, err)
			_, err = store.UpsertCampaign(ctx, &storage.Campaign{Id: "camp-future", Budget: decimal.NewFromInt(1), Cpc: decimal.NewFromInt(1), Active: true, StartDate: &later})
			require.Nil(t, err)
			_, err = store.UpsertCampaign(ctx, &storage.Campaign{Id: "camp-inactive", Budget: decimal.NewFromInt(1), Cpc: decimal.NewFromInt(1)})
			require.Nil(t, err)

			serving, err := store.ListServingCampaigns(ctx, now)
			require.Nil(t, err)
			require.Len(t, serving, 1)
			assert.Equal(t, "camp-1", serving[0].Id)
		})
	})

	t.Run("Publishers and sites", func(t *testing.T) {
		p, err := store.CreatePublisher(ctx, &storage.Publisher{Wallet: "0xABCDEF"})
		require.Nil(t, err)

		t.Run("Should find a publisher by wallet regardless of case", func(t *testing.T) {
			found, err := store.GetPublisherByWallet(ctx, "0xabcdef")
			require.Nil(t, err)
			require.NotNil(t, found)
			assert.Equal(t, p.Id, found.Id)
		})
		t.Run("Should reject a second publisher with the same wallet", func(t *testing.T) {
			_, err := store.CreatePublisher(ctx, &storage.Publisher{Wallet: "0xabcdef"})
			assert.NotNil(t, err)
		})
		t.Run("Should look up sites by api key and site id", func(t *testing.T) {
			_, err := store.CreateSite(ctx, &storage.PublisherSite{SiteId: "site_1", PublisherId: p.Id, ApiKey: "k1", ApiSecret: "s1"})
			require.Nil(t, err)

			byKey, err := store.GetSiteByApiKey(ctx, "k1")
			require.Nil(t, err)
			assert.Equal(t, "site_1", byKey.SiteId)

			bySite, err := store.GetSiteBySiteId(ctx, "site_1")
			require.Nil(t, err)
			assert.Equal(t, "s1", bySite.ApiSecret)

			missing, err := store.GetSiteByApiKey(ctx, "k2")
			assert.Nil(t, err)
			assert.Nil(t, missing)
		})
	})
}
