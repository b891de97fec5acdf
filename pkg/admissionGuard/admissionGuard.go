// Package admissionGuard decides whether a candidate interaction may enter the ledger.
//
// All checks run inside the caller's transaction, and the caller appends the
// event to the ledger in that same transaction. Two concurrent candidates with
// the same dedup key therefore can never both be admitted: the dedup claim is a
// single atomic upsert on a unique key, and the rate key row is locked for the
// remainder of the transaction.
package admissionGuard

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sovads/ledger/internal/config"
	"github.com/sovads/ledger/pkg/errs"
	"github.com/sovads/ledger/pkg/eventLedger"
	"github.com/sovads/ledger/pkg/storage"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Outcome string

const (
	Outcome_Admitted    Outcome = "admitted"
	Outcome_Duplicate   Outcome = "duplicate"
	Outcome_RateLimited Outcome = "rate_limited"
)

// Decision is the admission outcome for one candidate event.
type Decision struct {
	Outcome Outcome
	// EventId is the candidate's id when admitted, or the original event's id for a duplicate.
	EventId string
}

// Err converts a rejection into its typed error. It returns nil when admitted.
func (d *Decision) Err() error {
	switch d.Outcome {
	case Outcome_Duplicate:
		return errs.DuplicateOf(d.EventId)
	case Outcome_RateLimited:
		return errs.New(errs.Kind_RateLimited, "rate limit exceeded")
	}
	return nil
}

const anonymousFingerprint = "*"

// AdmissionGuard rejects duplicate and rate limited events.
type AdmissionGuard struct {
	ledger       *eventLedger.EventLedger
	logger       *zap.Logger
	globalConfig *config.Config
}

func NewAdmissionGuard(ledger *eventLedger.EventLedger, l *zap.Logger, cfg *config.Config) *AdmissionGuard {
	return &AdmissionGuard{
		ledger:       ledger,
		logger:       l,
		globalConfig: cfg,
	}
}

func (g *AdmissionGuard) DedupWindow(t storage.EventType) time.Duration {
	if t == storage.EventType_Click {
		return g.globalConfig.IngestionConfig.ClickDedupWindow
	}
	return g.globalConfig.IngestionConfig.ImpressionDedupWindow
}

// DedupKey identifies "the same interaction". Events without a fingerprint share the "*" slot.
func DedupKey(e *storage.InteractionEvent) string {
	fingerprint := anonymousFingerprint
	if e.Fingerprint != nil && *e.Fingerprint != "" {
		fingerprint = *e.Fingerprint
	}
	return strings.Join([]string{string(e.Type), e.CampaignId, e.AdId, e.SiteId, fingerprint}, "|")
}

func RateKey(e *storage.InteractionEvent) string {
	return strings.Join([]string{string(e.Type), e.CampaignId, e.SiteId}, "|")
}

// Admit claims the dedup key and checks the rate cap for candidate within tx.
// The candidate must already carry its id and timestamp. On any rejection the
// caller must roll tx back so the dedup claim does not outlive the decision.
func (g *AdmissionGuard) Admit(tx *gorm.DB, candidate *storage.InteractionEvent) (*Decision, error) {
	if candidate.Id == "" || candidate.Timestamp.IsZero() {
		return nil, fmt.Errorf("candidate requires an id and a timestamp")
	}
	nowMs := candidate.Timestamp.UnixMilli()

	// locks the rate key row until tx ends
	res := tx.Exec(`
		insert into rate_keys (rate_key, touched_at_ms) values (?, ?)
		on conflict (rate_key) do update set touched_at_ms = excluded.touched_at_ms
	`, RateKey(candidate), nowMs)
	if res.Error != nil {
		return nil, fmt.Errorf("failed to lock rate key: %w", res.Error)
	}

	dedupKey := DedupKey(candidate)
	expiresAtMs := nowMs + g.DedupWindow(candidate.Type).Milliseconds()
	res = tx.Exec(`
		insert into dedup_claims (dedup_key, event_id, expires_at_ms) values (?, ?, ?)
		on conflict (dedup_key) do update
			set event_id = excluded.event_id, expires_at_ms = excluded.expires_at_ms
			where dedup_claims.expires_at_ms <= ?
	`, dedupKey, candidate.Id, expiresAtMs, nowMs)
	if res.Error != nil {
		return nil, fmt.Errorf("failed to claim dedup key: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		var originalId string
		if res := tx.Raw(`select event_id from dedup_claims where dedup_key = ?`, dedupKey).Scan(&originalId); res.Error != nil {
			return nil, fmt.Errorf("failed to read dedup claim: %w", res.Error)
		}
		g.logger.Sugar().Debugw("Rejected duplicate event",
			zap.String("dedupKey", dedupKey),
			zap.String("originalEventId", originalId),
		)
		return &Decision{Outcome: Outcome_Duplicate, EventId: originalId}, nil
	}

	window := g.globalConfig.IngestionConfig.RateLimitWindow
	count, err := g.ledger.CountSince(tx, candidate.Type, candidate.CampaignId, candidate.SiteId, candidate.Timestamp.Add(-window))
	if err != nil {
		return nil, err
	}
	if count >= int64(g.globalConfig.IngestionConfig.RateLimitPerWindow) {
		g.logger.Sugar().Debugw("Rejected rate limited event",
			zap.String("rateKey", RateKey(candidate)),
			zap.Int64("count", count),
		)
		return &Decision{Outcome: Outcome_RateLimited}, nil
	}

	return &Decision{Outcome: Outcome_Admitted, EventId: candidate.Id}, nil
}

// PurgeExpired removes dedup claims that can no longer reject anything and
// rate keys untouched for longer than the rate window.
func (g *AdmissionGuard) PurgeExpired(ctx context.Context, db *gorm.DB, now time.Time) (int64, error) {
	res := db.WithContext(ctx).Exec(`delete from dedup_claims where expires_at_ms <= ?`, now.UnixMilli())
	if res.Error != nil {
		return 0, fmt.Errorf("failed to purge dedup claims: %w", res.Error)
	}
	purged := res.RowsAffected

	staleBefore := now.Add(-g.globalConfig.IngestionConfig.RateLimitWindow).UnixMilli()
	res = db.WithContext(ctx).Exec(`delete from rate_keys where touched_at_ms < ?`, staleBefore)
	if res.Error != nil {
		return purged, fmt.Errorf("failed to purge rate keys: %w", res.Error)
	}
	return purged, nil
}
