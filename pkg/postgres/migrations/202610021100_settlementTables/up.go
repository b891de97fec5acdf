package _202610021100_settlementTables

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
		`create table if not exists campaign_vaults (
			campaign_id  text primary key,
			token        text not null,
			total_funded {{amount}} not null,
			locked       {{amount}} not null,
			claimed      {{amount}} not null,
			version      bigint not null default 0,
			created_at   {{timestamp}} default current_timestamp,
			updated_at   {{timestamp}} default current_timestamp
		)`,
		`create table if not exists vault_accruals (
			campaign_id text not null,
			claimant    text not null,
			accrued     {{amount}} not null,
			updated_at  {{timestamp}} default current_timestamp,
			primary key (campaign_id, claimant)
		)`,
		`create table if not exists vault_claims (
			id             text primary key,
			campaign_id    text not null,
			claimant       text not null,
			amount         {{amount}} not null,
			fee            {{amount}} not null,
			status         text not null,
			processed      boolean not null default false,
			rejected       boolean not null default false,
			settlement_ref text,
			tx_hash        text,
			failure        text not null default '',
			created_at     {{timestamp}} default current_timestamp,
			processed_at   {{timestamp}}
		)`,
		`create index if not exists idx_vault_claims_campaign_claimant on vault_claims (campaign_id, claimant)`,
		`create index if not exists idx_vault_claims_status on vault_claims (status)`,
		`create unique index if not exists uniq_vault_claims_settlement_ref on vault_claims (settlement_ref) where settlement_ref is not null`,

		`create table if not exists vault_disbursements (
			reference   text primary key,
			campaign_id text not null,
			recipient   text not null,
			amount      {{amount}} not null,
			tx_hash     text not null,
			created_at  {{timestamp}} default current_timestamp
		)`,
		`create unique index if not exists uniq_vault_disbursements_tx_hash on vault_disbursements (tx_hash)`,

		`create table if not exists token_balances (
			token   text not null,
			account text not null,
			balance {{amount}} not null,
			primary key (token, account)
		)`,
		`create table if not exists token_transfers (
			id           text primary key,
			reference    text not null,
			leg          text not null,
			token        text not null,
			from_account text not null,
			to_account   text not null,
			amount       {{amount}} not null,
			created_at   {{timestamp}} default current_timestamp,
			unique(reference, leg)
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
	return "202610021100_settlementTables"
}
