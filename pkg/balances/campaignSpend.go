package balances

import (
	"errors"
	"fmt"
	"time"

	"github.com/sovads/ledger/pkg/errs"
	"github.com/sovads/ledger/pkg/storage"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func loadCampaign(tx *gorm.DB, campaignId string) (*storage.Campaign, error) {
	c := &storage.Campaign{}
	res := tx.Where("id = ?", campaignId).First(c)
	if res.Error != nil {
		if errors.Is(res.Error, gorm.ErrRecordNotFound) {
			return nil, errs.New(errs.Kind_CampaignInactive, "campaign not found or inactive")
		}
		return nil, fmt.Errorf("failed to load campaign '%s': %w", campaignId, res.Error)
	}
	return c, nil
}

// CheckServing verifies inside tx that the campaign exists and may take traffic at now.
func (a *Aggregator) CheckServing(tx *gorm.DB, campaignId string, now time.Time) (*storage.Campaign, error) {
	c, err := loadCampaign(tx, campaignId)
	if err != nil {
		return nil, err
	}
	if !c.Serving(now) {
		return nil, errs.New(errs.Kind_CampaignInactive, "campaign not found or inactive")
	}
	return c, nil
}

// ChargeClick adds the campaign's cpc to its spend inside tx using the row's
// version stamp. A charge that would take spent past budget is refused with
// CampaignInactive and leaves the row untouched.
func (a *Aggregator) ChargeClick(tx *gorm.DB, campaignId string, now time.Time) (*storage.Campaign, error) {
	for attempt := 1; attempt <= maxCasAttempts; attempt++ {
		c, err := a.CheckServing(tx, campaignId, now)
		if err != nil {
			return nil, err
		}

		spent := c.Spent.Add(c.Cpc)
		if spent.GreaterThan(c.Budget) {
			return nil, errs.New(errs.Kind_CampaignInactive, "campaign budget exhausted")
		}

		res := tx.Model(&storage.Campaign{}).
			Where("id = ? and version = ?", c.Id, c.Version).
			Updates(map[string]any{
				"spent":      spent,
				"version":    c.Version + 1,
				"updated_at": now,
			})
		if res.Error != nil {
			return nil, fmt.Errorf("failed to charge campaign '%s': %w", c.Id, res.Error)
		}
		if res.RowsAffected == 1 {
			c.Spent = spent
			c.Version++
			return c, nil
		}
		a.logger.Sugar().Debugw("Campaign spend version moved, retrying",
			zap.String("campaignId", c.Id),
			zap.Int("attempt", attempt),
		)
	}
	return nil, fmt.Errorf("failed to charge campaign '%s' after %d attempts", campaignId, maxCasAttempts)
}
