// Package eventLedger is the append-only store of admitted interaction events.
// Nothing in this package updates or deletes an event once written.
package eventLedger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sovads/ledger/internal/config"
	"github.com/sovads/ledger/pkg/storage"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const defaultQueryLimit = 1000

// EventLedger is the append-only store of admitted events.
type EventLedger struct {
	db           *gorm.DB
	logger       *zap.Logger
	globalConfig *config.Config
}

func NewEventLedger(db *gorm.DB, l *zap.Logger, cfg *config.Config) *EventLedger {
	return &EventLedger{
		db:           db,
		logger:       l,
		globalConfig: cfg,
	}
}

// Append writes the event inside tx and returns its id. The millisecond
// timestamp column is derived from Timestamp so window queries stay integer comparisons.
func (el *EventLedger) Append(tx *gorm.DB, event *storage.InteractionEvent) (string, error) {
	if event.Id == "" {
		event.Id = uuid.NewString()
	}
	if !event.Type.Valid() {
		return "", fmt.Errorf("invalid event type '%s'", event.Type)
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	event.Timestamp = event.Timestamp.UTC()
	event.TimestampMs = event.Timestamp.UnixMilli()

	if res := tx.Create(event); res.Error != nil {
		return "", fmt.Errorf("failed to append event '%s': %w", event.Id, res.Error)
	}
	return event.Id, nil
}

// QueryFilters narrows a ledger query. Zero values match everything.
type QueryFilters struct {
	Type        storage.EventType
	CampaignId  string
	SiteId      string
	PublisherId string
	Fingerprint string
	Since       *time.Time
	Until       *time.Time
	// AfterTimestampMs and AfterId page through results in ledger order.
	AfterTimestampMs int64
	AfterId          string
	Limit            int
}

// Query returns events ordered by (timestamp_ms, id). Since is inclusive, Until exclusive.
func (el *EventLedger) Query(ctx context.Context, filters *QueryFilters) ([]*storage.InteractionEvent, error) {
	q := el.db.WithContext(ctx).Model(&storage.InteractionEvent{})
	if filters.Type != "" {
		q = q.Where("type = ?", filters.Type)
	}
	if filters.CampaignId != "" {
		q = q.Where("campaign_id = ?", filters.CampaignId)
	}
	if filters.SiteId != "" {
		q = q.Where("site_id = ?", filters.SiteId)
	}
	if filters.PublisherId != "" {
		q = q.Where("publisher_id = ?", filters.PublisherId)
	}
	if filters.Fingerprint != "" {
		q = q.Where("fingerprint = ?", filters.Fingerprint)
	}
	if filters.Since != nil {
		q = q.Where("timestamp_ms >= ?", filters.Since.UnixMilli())
	}
	if filters.Until != nil {
		q = q.Where("timestamp_ms < ?", filters.Until.UnixMilli())
	}
	if filters.AfterId != "" {
		q = q.Where("(timestamp_ms > ?) or (timestamp_ms = ? and id > ?)", filters.AfterTimestampMs, filters.AfterTimestampMs, filters.AfterId)
	}

	limit := filters.Limit
	if limit <= 0 {
		limit = defaultQueryLimit
	}

	events := make([]*storage.InteractionEvent, 0)
	res := q.Order("timestamp_ms asc, id asc").Limit(limit).Find(&events)
	if res.Error != nil {
		return nil, fmt.Errorf("failed to query events: %w", res.Error)
	}
	return events, nil
}

// Iterate walks every event matching filters in ledger order, one page at a time.
func (el *EventLedger) Iterate(ctx context.Context, filters QueryFilters, fn func(*storage.InteractionEvent) error) error {
	for {
		page, err := el.Query(ctx, &filters)
		if err != nil {
			return err
		}
		for _, e := range page {
			if err := fn(e); err != nil {
				return err
			}
		}
		limit := filters.Limit
		if limit <= 0 {
			limit = defaultQueryLimit
		}
		if len(page) < limit {
			return nil
		}
		last := page[len(page)-1]
		filters.AfterTimestampMs = last.TimestampMs
		filters.AfterId = last.Id
	}
}

func (el *EventLedger) GetEvent(ctx context.Context, id string) (*storage.InteractionEvent, error) {
	events := make([]*storage.InteractionEvent, 0, 1)
	res := el.db.WithContext(ctx).Where("id = ?", id).Limit(1).Find(&events)
	if res.Error != nil {
		return nil, res.Error
	}
	if len(events) == 0 {
		return nil, nil
	}
	return events[0], nil
}

// CountSince counts events for a rate key strictly after since, inside tx.
func (el *EventLedger) CountSince(tx *gorm.DB, eventType storage.EventType, campaignId string, siteId string, since time.Time) (int64, error) {
	var count int64
	res := tx.Model(&storage.InteractionEvent{}).
		Where("type = ? and campaign_id = ? and site_id = ? and timestamp_ms > ?", eventType, campaignId, siteId, since.UnixMilli()).
		Count(&count)
	if res.Error != nil {
		return 0, fmt.Errorf("failed to count events: %w", res.Error)
	}
	return count, nil
}

type campaignClicks struct {
	CampaignId string
	Clicks     int64
}

// SumClickEarnings prices a publisher's CLICK events since the given time at each campaign's cpc.
func (el *EventLedger) SumClickEarnings(ctx context.Context, publisherId string, since time.Time) (decimal.Decimal, error) {
	return el.SumClickEarningsTx(el.db.WithContext(ctx), publisherId, since)
}

func (el *EventLedger) SumClickEarningsTx(tx *gorm.DB, publisherId string, since time.Time) (decimal.Decimal, error) {
	rows := make([]*campaignClicks, 0)
	res := tx.Raw(`
		select campaign_id, count(*) as clicks
		from interaction_events
		where publisher_id = ? and type = ? and timestamp_ms >= ?
		group by campaign_id
	`, publisherId, storage.EventType_Click, since.UnixMilli()).Scan(&rows)
	if res.Error != nil {
		return decimal.Zero, fmt.Errorf("failed to count publisher clicks: %w", res.Error)
	}
	if len(rows) == 0 {
		return decimal.Zero, nil
	}

	ids := make([]string, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, r.CampaignId)
	}
	campaigns := make([]*storage.Campaign, 0, len(ids))
	if res := tx.Where("id in ?", ids).Find(&campaigns); res.Error != nil {
		return decimal.Zero, fmt.Errorf("failed to load campaigns: %w", res.Error)
	}
	cpcs := make(map[string]decimal.Decimal, len(campaigns))
	for _, c := range campaigns {
		cpcs[c.Id] = c.Cpc
	}

	total := decimal.Zero
	for _, r := range rows {
		cpc, ok := cpcs[r.CampaignId]
		if !ok {
			el.logger.Sugar().Warnw("Clicks reference an unknown campaign", zap.String("campaignId", r.CampaignId))
			continue
		}
		total = total.Add(cpc.Mul(decimal.NewFromInt(r.Clicks)))
	}
	return total, nil
}
