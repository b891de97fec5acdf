package export

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/gocarina/gocsv"
	"github.com/schollz/progressbar/v3"
	"github.com/sovads/ledger/pkg/eventLedger"
	"github.com/sovads/ledger/pkg/storage"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const batchSize = 1000

type Kind string

const (
	Kind_Events  Kind = "events"
	Kind_Payouts Kind = "payouts"
)

type EventRow struct {
	Id          string `csv:"id"`
	Type        string `csv:"type"`
	CampaignId  string `csv:"campaign_id"`
	AdId        string `csv:"ad_id"`
	SiteId      string `csv:"site_id"`
	PublisherId string `csv:"publisher_id"`
	Fingerprint string `csv:"fingerprint"`
	Verified    bool   `csv:"verified"`
	Timestamp   string `csv:"timestamp"`
	TimestampMs int64  `csv:"timestamp_ms"`
}

type PayoutRow struct {
	Id          string `csv:"id"`
	Kind        string `csv:"kind"`
	SubjectId   string `csv:"subject_id"`
	Recipient   string `csv:"recipient"`
	Amount      string `csv:"amount"`
	RawAmount   string `csv:"raw_amount"`
	Status      string `csv:"status"`
	TxHash      string `csv:"tx_hash"`
	Error       string `csv:"error"`
	CreatedAt   string `csv:"created_at"`
	CompletedAt string `csv:"completed_at"`
}

func eventRow(e *storage.InteractionEvent) *EventRow {
	row := &EventRow{
		Id:          e.Id,
		Type:        string(e.Type),
		CampaignId:  e.CampaignId,
		AdId:        e.AdId,
		SiteId:      e.SiteId,
		PublisherId: e.PublisherId,
		Verified:    e.Verified,
		Timestamp:   e.Timestamp.UTC().Format(time.RFC3339Nano),
		TimestampMs: e.TimestampMs,
	}
	if e.Fingerprint != nil {
		row.Fingerprint = *e.Fingerprint
	}
	return row
}

func payoutRow(p *storage.Payout) *PayoutRow {
	row := &PayoutRow{
		Id:        p.Id,
		Kind:      string(p.Kind),
		SubjectId: p.SubjectId,
		Recipient: p.Recipient,
		Amount:    p.Amount.String(),
		RawAmount: p.RawAmount.String(),
		Status:    string(p.Status),
		Error:     p.Error,
		CreatedAt: p.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if p.TxHash != nil {
		row.TxHash = *p.TxHash
	}
	if p.CompletedAt != nil {
		row.CompletedAt = p.CompletedAt.UTC().Format(time.RFC3339Nano)
	}
	return row
}

type Exporter struct {
	db     *gorm.DB
	ledger *eventLedger.EventLedger
	logger *zap.Logger
}

func NewExporter(db *gorm.DB, ledger *eventLedger.EventLedger, l *zap.Logger) *Exporter {
	return &Exporter{db: db, ledger: ledger, logger: l}
}

// csvSink writes the header with the first batch only.
type csvSink struct {
	out     io.Writer
	written bool
}

func writeBatch[T any](s *csvSink, rows []*T) error {
	if !s.written {
		s.written = true
		return gocsv.Marshal(&rows, s.out)
	}
	if len(rows) == 0 {
		return nil
	}
	return gocsv.MarshalWithoutHeaders(&rows, s.out)
}

func newBar(total int64, progress io.Writer, description string) *progressbar.ProgressBar {
	if progress == nil {
		progress = io.Discard
	}
	// unknown length renders as a spinner
	if total <= 0 {
		total = -1
	}
	return progressbar.NewOptions64(total,
		progressbar.OptionSetWriter(progress),
		progressbar.OptionSetDescription(description),
		progressbar.OptionShowCount(),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionOnCompletion(func() {
			fmt.Fprintln(progress)
		}),
	)
}

// Export writes every record of kind in [since, until) to out as CSV and returns the row count.
// Progress is drawn on progress when it is not nil.
func (ex *Exporter) Export(ctx context.Context, kind Kind, since time.Time, until time.Time, out io.Writer, progress io.Writer) (int64, error) {
	if !until.After(since) {
		return 0, fmt.Errorf("export range is empty: %s to %s", since.Format(time.RFC3339), until.Format(time.RFC3339))
	}
	switch kind {
	case Kind_Events:
		return ex.exportEvents(ctx, since, until, out, progress)
	case Kind_Payouts:
		return ex.exportPayouts(ctx, since, until, out, progress)
	}
	return 0, fmt.Errorf("unknown export kind '%s'", kind)
}

func (ex *Exporter) exportEvents(ctx context.Context, since time.Time, until time.Time, out io.Writer, progress io.Writer) (int64, error) {
	var total int64
	res := ex.db.WithContext(ctx).Model(&storage.InteractionEvent{}).
		Where("timestamp_ms >= ? and timestamp_ms < ?", since.UnixMilli(), until.UnixMilli()).
		Count(&total)
	if res.Error != nil {
		return 0, fmt.Errorf("failed to count events: %w", res.Error)
	}
	bar := newBar(total, progress, "exporting events")

	sink := &csvSink{out: out}
	batch := make([]*EventRow, 0, batchSize)
	var written int64
	flush := func() error {
		if err := writeBatch(sink, batch); err != nil {
			return err
		}
		written += int64(len(batch))
		_ = bar.Add(len(batch))
		batch = batch[:0]
		return nil
	}

	err := ex.ledger.Iterate(ctx, eventLedger.QueryFilters{Since: &since, Until: &until, Limit: batchSize}, func(e *storage.InteractionEvent) error {
		batch = append(batch, eventRow(e))
		if len(batch) == batchSize {
			return flush()
		}
		return nil
	})
	if err != nil {
		return written, err
	}
	if err := flush(); err != nil {
		return written, err
	}
	_ = bar.Finish()

	ex.logger.Sugar().Infow("Exported events",
		zap.Int64("rows", written),
		zap.Time("since", since),
		zap.Time("until", until),
	)
	return written, nil
}

func (ex *Exporter) exportPayouts(ctx context.Context, since time.Time, until time.Time, out io.Writer, progress io.Writer) (int64, error) {
	q := ex.db.WithContext(ctx).Model(&storage.Payout{}).Where("created_at >= ? and created_at < ?", since, until)

	var total int64
	if res := q.Session(&gorm.Session{}).Count(&total); res.Error != nil {
		return 0, fmt.Errorf("failed to count payouts: %w", res.Error)
	}
	bar := newBar(total, progress, "exporting payouts")

	sink := &csvSink{out: out}
	var written int64
	payouts := make([]*storage.Payout, 0, batchSize)
	res := q.Session(&gorm.Session{}).FindInBatches(&payouts, batchSize, func(tx *gorm.DB, _ int) error {
		rows := make([]*PayoutRow, 0, len(payouts))
		for _, p := range payouts {
			rows = append(rows, payoutRow(p))
		}
		if err := writeBatch(sink, rows); err != nil {
			return err
		}
		written += int64(len(rows))
		_ = bar.Add(len(rows))
		return nil
	})
	if res.Error != nil {
		return written, fmt.Errorf("failed to export payouts: %w", res.Error)
	}
	if !sink.written {
		if err := writeBatch(sink, []*PayoutRow{}); err != nil {
			return written, err
		}
	}
	_ = bar.Finish()

	ex.logger.Sugar().Infow("Exported payouts",
		zap.Int64("rows", written),
		zap.Time("since", since),
		zap.Time("until", until),
	)
	return written, nil
}
