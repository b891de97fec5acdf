package balances

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/sovads/ledger/pkg/errs"
	"github.com/sovads/ledger/pkg/postgres/helpers"
	"github.com/sovads/ledger/pkg/storage"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type ViewerBalance struct {
	ViewerId        string     `json:"id,omitempty"`
	Wallet          *string    `json:"wallet"`
	Fingerprint     *string    `json:"fingerprint"`
	TotalPoints     int64      `json:"totalPoints"`
	ClaimedPoints   int64      `json:"claimedPoints"`
	PendingPoints   int64      `json:"pendingPoints"`
	ReservedPoints  int64      `json:"reservedPoints"`
	ClaimablePoints int64      `json:"claimablePoints"`
	LastInteraction *time.Time `json:"lastInteraction"`
}

func balanceFromRow(v *storage.ViewerPoints) *ViewerBalance {
	return &ViewerBalance{
		ViewerId:        v.Id,
		Wallet:          v.Wallet,
		Fingerprint:     v.Fingerprint,
		TotalPoints:     v.TotalPoints,
		ClaimedPoints:   v.ClaimedPoints,
		PendingPoints:   v.PendingPoints,
		ReservedPoints:  v.ReservedPoints,
		ClaimablePoints: v.Claimable(),
		LastInteraction: v.LastInteraction,
	}
}

func (a *Aggregator) PointsFor(t storage.EventType) int64 {
	if t == storage.EventType_Click {
		return a.globalConfig.IngestionConfig.ClickPoints
	}
	return a.globalConfig.IngestionConfig.ImpressionPoints
}

func NormalizeWallet(wallet string) (string, error) {
	if !common.IsHexAddress(wallet) {
		return "", errs.Newf(errs.Kind_Malformed, "invalid wallet address '%s'", wallet)
	}
	return strings.ToLower(common.HexToAddress(wallet).Hex()), nil
}

func findViewer(tx *gorm.DB, query string, args ...any) (*storage.ViewerPoints, error) {
	rows := make([]*storage.ViewerPoints, 0, 1)
	res := tx.Where(query, args...).Order("updated_at desc").Limit(1).Find(&rows)
	if res.Error != nil {
		return nil, res.Error
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

func liveFingerprintViewer(tx *gorm.DB, fingerprint string) (*storage.ViewerPoints, error) {
	return findViewer(tx, "fingerprint = ? and merged_into is null", fingerprint)
}

func walletViewer(tx *gorm.DB, wallet string) (*storage.ViewerPoints, error) {
	return findViewer(tx, "wallet = ?", wallet)
}

// fingerprintTarget returns the row that currently owns a fingerprint's points,
// following a merge tombstone when the fingerprint was folded into a wallet row.
func fingerprintTarget(tx *gorm.DB, fingerprint string) (*storage.ViewerPoints, error) {
	live, err := liveFingerprintViewer(tx, fingerprint)
	if err != nil || live != nil {
		return live, err
	}
	tombstone, err := findViewer(tx, "fingerprint = ? and merged_into is not null", fingerprint)
	if err != nil || tombstone == nil {
		return nil, err
	}
	return findViewer(tx, "id = ?", *tombstone.MergedInto)
}

func (a *Aggregator) resolveGrantTarget(tx *gorm.DB, fingerprint string, now time.Time) (*storage.ViewerPoints, error) {
	target, err := fingerprintTarget(tx, fingerprint)
	if err != nil || target != nil {
		return target, err
	}

	res := tx.Exec(`
		insert into viewer_points (id, fingerprint, total_points, claimed_points, pending_points, reserved_points, created_at, updated_at)
		values (?, ?, 0, 0, 0, 0, ?, ?)
		on conflict (fingerprint) where fingerprint is not null and merged_into is null do nothing
	`, uuid.NewString(), fingerprint, now, now)
	if res.Error != nil {
		return nil, fmt.Errorf("failed to create viewer for fingerprint: %w", res.Error)
	}
	return liveFingerprintViewer(tx, fingerprint)
}

// lockGrantTarget resolves the row a fingerprint's grant lands on and takes its
// row lock. A link that merged the row while we waited sends us on to the row
// it was merged into.
func (a *Aggregator) lockGrantTarget(tx *gorm.DB, fingerprint string, now time.Time) (*storage.ViewerPoints, error) {
	for attempt := 0; attempt < 3; attempt++ {
		target, err := a.resolveGrantTarget(tx, fingerprint, now)
		if err != nil || target == nil {
			return target, err
		}
		res := tx.Exec(`update viewer_points set updated_at = updated_at where id = ? and merged_into is null`, target.Id)
		if res.Error != nil {
			return nil, fmt.Errorf("failed to lock viewer '%s': %w", target.Id, res.Error)
		}
		if res.RowsAffected == 1 {
			return findViewer(tx, "id = ?", target.Id)
		}
	}
	return nil, fmt.Errorf("viewer for fingerprint '%s' kept moving", fingerprint)
}

// lockViewers takes the row locks of the given viewers in id order and
// returns the rows as they are once locked.
func lockViewers(tx *gorm.DB, ids ...string) (map[string]*storage.ViewerPoints, error) {
	sorted := slices.Clone(ids)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)

	locked := make(map[string]*storage.ViewerPoints, len(sorted))
	for _, id := range sorted {
		if res := tx.Exec(`update viewer_points set updated_at = updated_at where id = ?`, id); res.Error != nil {
			return nil, fmt.Errorf("failed to lock viewer '%s': %w", id, res.Error)
		}
		row, err := findViewer(tx, "id = ?", id)
		if err != nil {
			return nil, err
		}
		if row == nil {
			return nil, fmt.Errorf("viewer '%s' disappeared while locking", id)
		}
		locked[id] = row
	}
	return locked, nil
}

func (a *Aggregator) rewardForEvent(db *gorm.DB, eventId string) (*storage.ViewerReward, error) {
	rewards := make([]*storage.ViewerReward, 0, 1)
	if res := db.Where("event_id = ?", eventId).Limit(1).Find(&rewards); res.Error != nil {
		return nil, res.Error
	}
	if len(rewards) == 0 {
		return nil, nil
	}
	return rewards[0], nil
}

// GrantPoints credits the viewer behind an admitted event. The event id is the
// idempotency key: a second call for the same event returns the existing reward
// with granted=false and changes nothing.
func (a *Aggregator) GrantPoints(ctx context.Context, event *storage.InteractionEvent, now time.Time) (reward *storage.ViewerReward, granted bool, err error) {
	if event.Fingerprint == nil || *event.Fingerprint == "" {
		return nil, false, nil
	}
	db := a.db.WithContext(ctx)

	existing, err := a.rewardForEvent(db, event.Id)
	if err != nil || existing != nil {
		return existing, false, err
	}

	points := a.PointsFor(event.Type)
	reward, err = helpers.WrapTxAndCommit(func(tx *gorm.DB) (*storage.ViewerReward, error) {
		viewer, err := a.lockGrantTarget(tx, *event.Fingerprint, now)
		if err != nil {
			return nil, err
		}
		if viewer == nil {
			return nil, fmt.Errorf("no viewer row for fingerprint after upsert")
		}

		r := &storage.ViewerReward{
			Id:         uuid.NewString(),
			EventId:    event.Id,
			ViewerId:   viewer.Id,
			Type:       event.Type,
			CampaignId: event.CampaignId,
			AdId:       event.AdId,
			SiteId:     event.SiteId,
			Points:     points,
			CreatedAt:  now,
		}
		if res := tx.Create(r); res.Error != nil {
			return nil, res.Error
		}

		res := tx.Exec(`
			update viewer_points
			set total_points = total_points + ?, pending_points = pending_points + ?, last_interaction = ?, updated_at = ?
			where id = ?
		`, points, points, now, now, viewer.Id)
		if res.Error != nil {
			return nil, fmt.Errorf("failed to credit viewer '%s': %w", viewer.Id, res.Error)
		}
		return r, nil
	}, db, nil)

	if err != nil {
		if helpers.IsDuplicateKeyError(err) {
			existing, lookupErr := a.rewardForEvent(db, event.Id)
			if lookupErr == nil && existing != nil {
				return existing, false, nil
			}
		}
		return nil, false, fmt.Errorf("failed to grant points for event '%s': %w", event.Id, err)
	}
	a.logger.Sugar().Debugw("Granted viewer points",
		zap.String("eventId", event.Id),
		zap.String("viewerId", reward.ViewerId),
		zap.Int64("points", points),
	)
	return reward, true, nil
}

// GetViewerBalance looks a viewer up by wallet when given, otherwise by fingerprint.
// Unknown viewers get a zero balance rather than an error.
func (a *Aggregator) GetViewerBalance(ctx context.Context, wallet string, fingerprint string) (*ViewerBalance, error) {
	db := a.db.WithContext(ctx)
	var (
		row *storage.ViewerPoints
		err error
	)
	switch {
	case wallet != "":
		normalized, nErr := NormalizeWallet(wallet)
		if nErr != nil {
			return nil, nErr
		}
		wallet = normalized
		row, err = walletViewer(db, wallet)
	case fingerprint != "":
		row, err = fingerprintTarget(db, fingerprint)
	default:
		return nil, errs.New(errs.Kind_Malformed, "wallet or fingerprint required")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load viewer: %w", err)
	}
	if row == nil {
		b := &ViewerBalance{}
		if wallet != "" {
			b.Wallet = &wallet
		}
		if fingerprint != "" {
			b.Fingerprint = &fingerprint
		}
		return b, nil
	}
	return balanceFromRow(row), nil
}

func (a *Aggregator) GetViewerByWallet(ctx context.Context, wallet string) (*storage.ViewerPoints, error) {
	return walletViewer(a.db.WithContext(ctx), wallet)
}

func (a *Aggregator) ListRewards(ctx context.Context, viewerId string, limit int) ([]*storage.ViewerReward, error) {
	if limit <= 0 {
		limit = 50
	}
	rewards := make([]*storage.ViewerReward, 0)
	res := a.db.WithContext(ctx).Where("viewer_id = ?", viewerId).Order("created_at desc, id desc").Limit(limit).Find(&rewards)
	if res.Error != nil {
		return nil, res.Error
	}
	return rewards, nil
}

const (
	LinkMode_Noop     = "noop"
	LinkMode_Created  = "created"
	LinkMode_Rekeyed  = "rekeyed"
	LinkMode_Merged   = "merged"
	LinkMode_Attached = "attached"
)

// LinkWallet attaches a wallet to a device fingerprint.
//
// A fingerprint row with no wallet row yet is re-keyed in place. When the
// wallet already has a row, the fingerprint row's counters and rewards move
// into it and the fingerprint row is zeroed and kept with merged_into set.
// Later grants for the fingerprint follow merged_into. Every link that changes
// something is recorded in viewer_identity_migrations.
func (a *Aggregator) LinkWallet(ctx context.Context, fingerprint string, wallet string, now time.Time) (*storage.ViewerIdentityMigration, error) {
	if fingerprint == "" {
		return nil, errs.New(errs.Kind_Malformed, "fingerprint required")
	}
	wallet, err := NormalizeWallet(wallet)
	if err != nil {
		return nil, err
	}

	return helpers.WrapTxAndCommit(func(tx *gorm.DB) (*storage.ViewerIdentityMigration, error) {
		fpRow, err := liveFingerprintViewer(tx, fingerprint)
		if err != nil {
			return nil, err
		}
		walletRow, err := walletViewer(tx, wallet)
		if err != nil {
			return nil, err
		}

		// counters are read again under the row locks so a grant that
		// committed in between is part of what gets moved
		ids := make([]string, 0, 2)
		for _, row := range []*storage.ViewerPoints{fpRow, walletRow} {
			if row != nil {
				ids = append(ids, row.Id)
			}
		}
		locked, err := lockViewers(tx, ids...)
		if err != nil {
			return nil, err
		}
		if fpRow != nil {
			fpRow = locked[fpRow.Id]
			if fpRow.MergedInto != nil {
				return nil, errs.New(errs.Kind_Duplicate, "fingerprint was linked concurrently")
			}
		}
		if walletRow != nil {
			walletRow = locked[walletRow.Id]
		}

		migration := &storage.ViewerIdentityMigration{
			Id:          uuid.NewString(),
			Fingerprint: fingerprint,
			Wallet:      wallet,
			CreatedAt:   now,
		}

		switch {
		case fpRow != nil && fpRow.Wallet != nil:
			if *fpRow.Wallet != wallet {
				return nil, errs.New(errs.Kind_Unauthorized, "fingerprint is already linked to another wallet")
			}
			return &storage.ViewerIdentityMigration{Fingerprint: fingerprint, Wallet: wallet, Mode: LinkMode_Noop, FromViewerId: fpRow.Id, ToViewerId: fpRow.Id}, nil

		case fpRow != nil && walletRow == nil:
			res := tx.Model(&storage.ViewerPoints{}).Where("id = ?", fpRow.Id).Updates(map[string]any{"wallet": wallet, "updated_at": now})
			if res.Error != nil {
				return nil, fmt.Errorf("failed to re-key viewer: %w", res.Error)
			}
			migration.Mode = LinkMode_Rekeyed
			migration.FromViewerId = fpRow.Id
			migration.ToViewerId = fpRow.Id
			migration.MovedPoints = fpRow.TotalPoints

		case fpRow != nil && walletRow != nil:
			if err := mergeViewer(tx, fpRow, walletRow, now); err != nil {
				return nil, err
			}
			migration.Mode = LinkMode_Merged
			migration.FromViewerId = fpRow.Id
			migration.ToViewerId = walletRow.Id
			migration.MovedPoints = fpRow.TotalPoints

		default:
			tombstone, err := findViewer(tx, "fingerprint = ? and merged_into is not null", fingerprint)
			if err != nil {
				return nil, err
			}
			if tombstone != nil {
				if walletRow != nil && *tombstone.MergedInto == walletRow.Id {
					return &storage.ViewerIdentityMigration{Fingerprint: fingerprint, Wallet: wallet, Mode: LinkMode_Noop, FromViewerId: tombstone.Id, ToViewerId: walletRow.Id}, nil
				}
				return nil, errs.New(errs.Kind_Unauthorized, "fingerprint is already linked to another wallet")
			}
			if walletRow == nil {
				row := &storage.ViewerPoints{Id: uuid.NewString(), Wallet: &wallet, Fingerprint: &fingerprint, CreatedAt: now, UpdatedAt: now}
				if res := tx.Create(row); res.Error != nil {
					return nil, fmt.Errorf("failed to create viewer: %w", res.Error)
				}
				migration.Mode = LinkMode_Created
				migration.FromViewerId = row.Id
				migration.ToViewerId = row.Id
			} else {
				// leave a zero tombstone so grants for this fingerprint reach the wallet row
				row := &storage.ViewerPoints{Id: uuid.NewString(), Fingerprint: &fingerprint, MergedInto: &walletRow.Id, CreatedAt: now, UpdatedAt: now}
				if res := tx.Create(row); res.Error != nil {
					return nil, fmt.Errorf("failed to attach fingerprint: %w", res.Error)
				}
				migration.Mode = LinkMode_Attached
				migration.FromViewerId = row.Id
				migration.ToViewerId = walletRow.Id
			}
		}

		if res := tx.Create(migration); res.Error != nil {
			return nil, fmt.Errorf("failed to record identity migration: %w", res.Error)
		}
		a.logger.Sugar().Infow("Linked wallet to fingerprint",
			zap.String("mode", migration.Mode),
			zap.String("fromViewerId", migration.FromViewerId),
			zap.String("toViewerId", migration.ToViewerId),
			zap.Int64("movedPoints", migration.MovedPoints),
		)
		return migration, nil
	}, a.db.WithContext(ctx), nil)
}

func mergeViewer(tx *gorm.DB, from *storage.ViewerPoints, into *storage.ViewerPoints, now time.Time) error {
	if from.ReservedPoints > 0 {
		return errs.New(errs.Kind_ReconciliationPending, "fingerprint has points reserved for an in-flight payout")
	}
	lastInteraction := into.LastInteraction
	if from.LastInteraction != nil && (lastInteraction == nil || from.LastInteraction.After(*lastInteraction)) {
		lastInteraction = from.LastInteraction
	}

	res := tx.Exec(`
		update viewer_points
		set total_points = total_points + ?, claimed_points = claimed_points + ?, pending_points = pending_points + ?,
			last_interaction = ?, updated_at = ?
		where id = ?
	`, from.TotalPoints, from.ClaimedPoints, from.PendingPoints, lastInteraction, now, into.Id)
	if res.Error != nil {
		return fmt.Errorf("failed to merge counters: %w", res.Error)
	}

	if res := tx.Exec(`update viewer_rewards set viewer_id = ? where viewer_id = ?`, into.Id, from.Id); res.Error != nil {
		return fmt.Errorf("failed to move rewards: %w", res.Error)
	}

	res = tx.Exec(`
		update viewer_points
		set total_points = 0, claimed_points = 0, pending_points = 0, reserved_points = 0, merged_into = ?, updated_at = ?
		where id = ?
	`, into.Id, now, from.Id)
	if res.Error != nil {
		return fmt.Errorf("failed to retire merged viewer: %w", res.Error)
	}
	return nil
}

// ListUngrantedEvents returns fingerprinted events since the given time that have no reward row yet.
func (a *Aggregator) ListUngrantedEvents(ctx context.Context, since time.Time, limit int) ([]*storage.InteractionEvent, error) {
	events := make([]*storage.InteractionEvent, 0)
	res := a.db.WithContext(ctx).Raw(`
		select e.*
		from interaction_events as e
		left join viewer_rewards as r on r.event_id = e.id
		where e.fingerprint is not null and e.fingerprint <> '' and e.timestamp_ms >= ? and r.id is null
		order by e.timestamp_ms asc, e.id asc
		limit ?
	`, since.UnixMilli(), limit).Scan(&events)
	if res.Error != nil {
		return nil, fmt.Errorf("failed to list ungranted events: %w", res.Error)
	}
	return events, nil
}

type viewerPointSum struct {
	ViewerId string
	Points   int64
}

// ReserveRewards earmarks whole unclaimed rewards, oldest first, for payoutId
// inside tx. At most maxPoints are reserved; maxPoints <= 0 reserves everything claimable.
func (a *Aggregator) ReserveRewards(tx *gorm.DB, viewer *storage.ViewerPoints, payoutId string, maxPoints int64) (int64, error) {
	rewards := make([]*storage.ViewerReward, 0)
	res := tx.Where("viewer_id = ? and claimed = ? and payout_id is null", viewer.Id, false).
		Order("created_at asc, id asc").
		Find(&rewards)
	if res.Error != nil {
		return 0, fmt.Errorf("failed to load rewards: %w", res.Error)
	}

	ids := make([]string, 0, len(rewards))
	var total int64
	for _, r := range rewards {
		if maxPoints > 0 && total+r.Points > maxPoints {
			continue
		}
		ids = append(ids, r.Id)
		total += r.Points
	}
	if total == 0 {
		return 0, errs.New(errs.Kind_InsufficientAccrual, "no points to claim")
	}

	res = tx.Model(&storage.ViewerReward{}).Where("id in ? and payout_id is null", ids).Update("payout_id", payoutId)
	if res.Error != nil {
		return 0, fmt.Errorf("failed to reserve rewards: %w", res.Error)
	}
	if res.RowsAffected != int64(len(ids)) {
		return 0, fmt.Errorf("reserved %d of %d rewards", res.RowsAffected, len(ids))
	}

	res = tx.Exec(`
		update viewer_points set reserved_points = reserved_points + ?
		where id = ? and pending_points - reserved_points >= ?
	`, total, viewer.Id, total)
	if res.Error != nil {
		return 0, fmt.Errorf("failed to reserve points: %w", res.Error)
	}
	if res.RowsAffected != 1 {
		return 0, errs.New(errs.Kind_InsufficientAccrual, "insufficient pending points")
	}
	return total, nil
}

func reservedByViewer(tx *gorm.DB, payoutId string) ([]*viewerPointSum, error) {
	sums := make([]*viewerPointSum, 0)
	res := tx.Raw(`
		select viewer_id, sum(points) as points
		from viewer_rewards
		where payout_id = ? and claimed = ?
		group by viewer_id
	`, payoutId, false).Scan(&sums)
	if res.Error != nil {
		return nil, fmt.Errorf("failed to sum reserved rewards: %w", res.Error)
	}
	return sums, nil
}

// ConfirmRewards marks a payout's reserved rewards claimed and moves their
// points from pending to claimed. It is a no-op for an already confirmed payout.
func (a *Aggregator) ConfirmRewards(tx *gorm.DB, payoutId string, txHash string, now time.Time) (int64, error) {
	sums, err := reservedByViewer(tx, payoutId)
	if err != nil {
		return 0, err
	}

	res := tx.Model(&storage.ViewerReward{}).
		Where("payout_id = ? and claimed = ?", payoutId, false).
		Updates(map[string]any{"claimed": true, "claimed_at": now, "tx_hash": txHash})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to mark rewards claimed: %w", res.Error)
	}

	var total int64
	for _, s := range sums {
		res := tx.Exec(`
			update viewer_points
			set pending_points = pending_points - ?, claimed_points = claimed_points + ?, reserved_points = reserved_points - ?, updated_at = ?
			where id = ?
		`, s.Points, s.Points, s.Points, now, s.ViewerId)
		if res.Error != nil {
			return 0, fmt.Errorf("failed to settle viewer '%s': %w", s.ViewerId, res.Error)
		}
		total += s.Points
	}
	return total, nil
}

// ReleaseRewards returns a payout's reserved rewards to the claimable pool.
func (a *Aggregator) ReleaseRewards(tx *gorm.DB, payoutId string, now time.Time) (int64, error) {
	sums, err := reservedByViewer(tx, payoutId)
	if err != nil {
		return 0, err
	}

	res := tx.Model(&storage.ViewerReward{}).
		Where("payout_id = ? and claimed = ?", payoutId, false).
		Update("payout_id", nil)
	if res.Error != nil {
		return 0, fmt.Errorf("failed to release rewards: %w", res.Error)
	}

	var total int64
	for _, s := range sums {
		res := tx.Exec(`update viewer_points set reserved_points = reserved_points - ?, updated_at = ? where id = ?`, s.Points, now, s.ViewerId)
		if res.Error != nil {
			return 0, fmt.Errorf("failed to release viewer '%s': %w", s.ViewerId, res.Error)
		}
		total += s.Points
	}
	return total, nil
}

var errNoViewer = errors.New("viewer not found")

// ViewerForClaim loads the wallet's viewer row inside tx, or NotFound.
func (a *Aggregator) ViewerForClaim(tx *gorm.DB, wallet string) (*storage.ViewerPoints, error) {
	row, err := walletViewer(tx, wallet)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, errs.Wrap(errs.Kind_NotFound, errNoViewer, "no points to claim for wallet")
	}
	return row, nil
}
