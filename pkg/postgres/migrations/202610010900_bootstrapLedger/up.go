package _202610010900_bootstrapLedger

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
		`create table if not exists campaigns (
			id                text primary key,
			on_chain_id       text,
			name              text not null default '',
			advertiser_wallet text not null default '',
			banner_url        text not null default '',
			target_url        text not null default '',
			budget            {{amount}} not null,
			spent             {{amount}} not null,
			cpc               {{amount}} not null,
			active            boolean not null default true,
			paused            boolean not null default false,
			token_address     text not null default '',
			placement         text not null default '',
			size              text not null default '',
			location          text not null default '',
			start_date        {{timestamp}},
			end_date          {{timestamp}},
			version           bigint not null default 0,
			created_at        {{timestamp}} default current_timestamp,
			updated_at        {{timestamp}} default current_timestamp
		)`,
		`create table if not exists publishers (
			id              text primary key,
			wallet          text not null,
			verified        boolean not null default false,
			total_topup     {{amount}} not null,
			total_withdrawn {{amount}} not null,
			version         bigint not null default 0,
			created_at      {{timestamp}} default current_timestamp,
			updated_at      {{timestamp}} default current_timestamp,
			unique(wallet)
		)`,
		`create table if not exists publisher_sites (
			id           text primary key,
			site_id      text not null,
			publisher_id text not null,
			domain       text not null default '',
			api_key      text not null,
			api_secret   text not null,
			verified     boolean not null default false,
			created_at   {{timestamp}} default current_timestamp,
			unique(site_id),
			unique(api_key)
		)`,
		`create table if not exists interaction_events (
			id           text primary key,
			type         text not null,
			campaign_id  text not null,
			ad_id        text not null,
			site_id      text not null,
			publisher_id text not null default '',
			fingerprint  text,
			ip_address   text not null default '',
			user_agent   text not null default '',
			verified     boolean not null default false,
			timestamp    {{timestamp}} not null,
			timestamp_ms bigint not null
		)`,
		`create index if not exists idx_interaction_events_rate_key on interaction_events (type, campaign_id, site_id, timestamp_ms)`,
		`create index if not exists idx_interaction_events_publisher on interaction_events (publisher_id, type, timestamp_ms)`,
		`create index if not exists idx_interaction_events_fingerprint on interaction_events (fingerprint, timestamp_ms)`,
		`create index if not exists idx_interaction_events_timestamp on interaction_events (timestamp_ms, id)`,

		// one row per live dedup key; an expired row is taken over in place
		`create table if not exists dedup_claims (
			dedup_key     text primary key,
			event_id      text not null,
			expires_at_ms bigint not null
		)`,
		`create table if not exists rate_keys (
			rate_key      text primary key,
			touched_at_ms bigint not null
		)`,

		`create table if not exists viewer_points (
			id               text primary key,
			wallet           text,
			fingerprint      text,
			total_points     bigint not null default 0,
			claimed_points   bigint not null default 0,
			pending_points   bigint not null default 0,
			reserved_points  bigint not null default 0,
			merged_into      text,
			last_interaction {{timestamp}},
			created_at       {{timestamp}} default current_timestamp,
			updated_at       {{timestamp}} default current_timestamp,
			check (total_points = claimed_points + pending_points),
			check (reserved_points >= 0 and reserved_points <= pending_points)
		)`,
		`create unique index if not exists uniq_viewer_points_wallet on viewer_points (wallet) where wallet is not null`,
		`create unique index if not exists uniq_viewer_points_fingerprint on viewer_points (fingerprint) where fingerprint is not null and merged_into is null`,

		`create table if not exists viewer_rewards (
			id          text primary key,
			event_id    text not null,
			viewer_id   text not null,
			type        text not null,
			campaign_id text not null,
			ad_id       text not null,
			site_id     text not null,
			points      bigint not null,
			claimed     boolean not null default false,
			claimed_at  {{timestamp}},
			tx_hash     text,
			payout_id   text,
			created_at  {{timestamp}} default current_timestamp,
			unique(event_id)
		)`,
		`create index if not exists idx_viewer_rewards_viewer on viewer_rewards (viewer_id, claimed, created_at)`,
		`create index if not exists idx_viewer_rewards_payout on viewer_rewards (payout_id)`,

		`create table if not exists viewer_identity_migrations (
			id             text primary key,
			fingerprint    text not null,
			wallet         text not null,
			from_viewer_id text not null,
			to_viewer_id   text not null,
			mode           text not null,
			moved_points   bigint not null default 0,
			created_at     {{timestamp}} default current_timestamp
		)`,

		`create table if not exists publisher_topups (
			id              text primary key,
			publisher_id    text not null,
			wallet          text not null,
			token           text not null,
			token_amount    {{amount}} not null,
			credited_amount {{amount}} not null,
			tx_hash         text not null,
			created_at      {{timestamp}} default current_timestamp,
			unique(tx_hash)
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
	return "202610010900_bootstrapLedger"
}
