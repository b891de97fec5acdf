package _202610031400_treasuryTables

import (
	"database/sql"

	"github.com/pkg/errors"
	"github.com/sovads/ledger/internal/config"
	"github.com/sovads/ledger/pkg/postgres/helpers"
	"gorm.io/gorm"
)

type Migration struct {
}

func (m *Migration) Up(db *sql.DB, grm *gorm.DB, cfg *config.Config) error {
	types := helpers.ColumnTypesFor(grm)

	queries := []string{
		`create table if not exists payouts (
			id           text primary key,
			kind         text not null,
			subject_id   text not null,
			recipient    text not null,
			amount       {{amount}} not null,
			raw_amount   {{amount}} not null,
			status       text not null,
			tx_hash      text,
			error        text not null default '',
			created_at   {{timestamp}} default current_timestamp,
			updated_at   {{timestamp}} default current_timestamp,
			completed_at {{timestamp}}
		)`,
		`create index if not exists idx_payouts_subject on payouts (kind, subject_id, status)`,
		`create index if not exists idx_payouts_status on payouts (status, updated_at)`,
		`create unique index if not exists uniq_payouts_tx_hash on payouts (tx_hash) where tx_hash is not null`,

		`create table if not exists chain_transactions (
			reference  text primary key,
			tx_hash    text not null,
			nonce      bigint not null,
			raw_tx     text not null,
			status     text not null,
			created_at {{timestamp}} default current_timestamp,
			updated_at {{timestamp}} default current_timestamp,
			unique(tx_hash)
		)`,

		`create table if not exists analytics_hashes (
			date        text primary key,
			root        text not null,
			event_count bigint not null,
			created_at  {{timestamp}} default current_timestamp
		)`,
	}

	for _, query := range queries {
		res := grm.Exec(helpers.RenderQuery(query, types))
		if res.Error != nil {
			return errors.Wrapf(res.Error, "failed to run query: %s", query)
		}
	}
	return nil
}

func (m *Migration) GetName() string {
	return "202610031400_treasuryTables"
}
