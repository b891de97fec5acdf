package auditHash

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/sovads/ledger/pkg/eventLedger"
	"github.com/sovads/ledger/pkg/metrics"
	"github.com/sovads/ledger/pkg/metrics/metricsTypes"
	"github.com/sovads/ledger/pkg/storage"
	"github.com/wealdtech/go-merkletree/v2"
	"github.com/wealdtech/go-merkletree/v2/keccak256"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const dateLayout = "2006-01-02"

// emptyRoot is recorded for days without events.
var emptyRoot = hexutil.Encode(make([]byte, 32))

type AuditHasher struct {
	db      *gorm.DB
	ledger  *eventLedger.EventLedger
	metrics *metrics.MetricsSink
	logger  *zap.Logger
}

func NewAuditHasher(db *gorm.DB, ledger *eventLedger.EventLedger, ms *metrics.MetricsSink, l *zap.Logger) *AuditHasher {
	return &AuditHasher{
		db:      db,
		ledger:  ledger,
		metrics: ms,
		logger:  l,
	}
}

// encodeLeaf serializes the fields of an event that the audit commits to.
func encodeLeaf(e *storage.InteractionEvent) []byte {
	fingerprint := ""
	if e.Fingerprint != nil {
		fingerprint = *e.Fingerprint
	}
	ts := make([]byte, 8)
	binary.BigEndian.PutUint64(ts, uint64(e.TimestampMs))

	leaf := make([]byte, 0, 128)
	for _, field := range []string{e.Id, string(e.Type), e.CampaignId, e.AdId, e.SiteId, e.PublisherId, fingerprint} {
		leaf = append(leaf, []byte(field)...)
		leaf = append(leaf, 0)
	}
	return append(leaf, ts...)
}

// DayBounds returns the UTC day containing t as [start, end).
func DayBounds(t time.Time) (time.Time, time.Time) {
	start := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 0, 1)
}

// ComputeRoot builds the keccak merkle root over every event admitted on day, in ledger order.
func (ah *AuditHasher) ComputeRoot(ctx context.Context, day time.Time) (string, int64, error) {
	start, end := DayBounds(day.UTC())

	leaves := make([][]byte, 0)
	err := ah.ledger.Iterate(ctx, eventLedger.QueryFilters{Since: &start, Until: &end}, func(e *storage.InteractionEvent) error {
		leaves = append(leaves, encodeLeaf(e))
		return nil
	})
	if err != nil {
		return "", 0, err
	}
	if len(leaves) == 0 {
		return emptyRoot, 0, nil
	}

	tree, err := merkletree.NewTree(
		merkletree.WithData(leaves),
		merkletree.WithHashType(keccak256.New()),
	)
	if err != nil {
		ah.logger.Sugar().Errorw("Failed to create merkle tree",
			zap.String("date", start.Format(dateLayout)),
			zap.Error(err),
		)
		return "", 0, err
	}
	return hexutil.Encode(tree.Root()), int64(len(leaves)), nil
}

// HashDay computes and stores the root for day. Recomputing a day replaces its row.
func (ah *AuditHasher) HashDay(ctx context.Context, day time.Time) (*storage.AnalyticsHash, error) {
	root, count, err := ah.ComputeRoot(ctx, day)
	if err != nil {
		return nil, err
	}
	start, _ := DayBounds(day.UTC())
	date := start.Format(dateLayout)

	previous, err := ah.GetHash(ctx, date)
	if err != nil {
		return nil, err
	}

	record := &storage.AnalyticsHash{
		Date:       date,
		Root:       root,
		EventCount: count,
		CreatedAt:  time.Now().UTC(),
	}
	res := ah.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "date"}},
		DoUpdates: clause.AssignmentColumns([]string{"root", "event_count", "created_at"}),
	}).Create(record)
	if res.Error != nil {
		return nil, fmt.Errorf("failed to store audit hash for %s: %w", date, res.Error)
	}

	replaced := previous != nil && previous.Root != root
	if replaced {
		ah.logger.Sugar().Warnw("Audit root changed for an already hashed day",
			zap.String("date", date),
			zap.String("previous", previous.Root),
			zap.String("root", root),
		)
	}
	ah.metrics.Incr(metricsTypes.Metric_Incr_AuditHashComputed, []metricsTypes.MetricsLabel{
		{Name: "replaced", Value: fmt.Sprintf("%v", replaced)},
	}, 1)
	ah.logger.Sugar().Infow("Stored audit hash",
		zap.String("date", date),
		zap.String("root", root),
		zap.Int64("events", count),
	)
	return record, nil
}

// GetHash returns the stored hash for a YYYY-MM-DD date, or nil.
func (ah *AuditHasher) GetHash(ctx context.Context, date string) (*storage.AnalyticsHash, error) {
	record := &storage.AnalyticsHash{}
	res := ah.db.WithContext(ctx).Where("date = ?", date).Limit(1).Find(record)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, nil
	}
	return record, nil
}

// Verify recomputes the root for a stored day and reports whether it still matches.
func (ah *AuditHasher) Verify(ctx context.Context, date string) (bool, error) {
	day, err := time.Parse(dateLayout, date)
	if err != nil {
		return false, fmt.Errorf("invalid date '%s': %w", date, err)
	}
	stored, err := ah.GetHash(ctx, date)
	if err != nil {
		return false, err
	}
	if stored == nil {
		return false, fmt.Errorf("no audit hash stored for %s", date)
	}
	root, _, err := ah.ComputeRoot(ctx, day)
	if err != nil {
		return false, err
	}
	return root == stored.Root, nil
}
