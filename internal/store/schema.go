package store

import (
	"context"
	"fmt"
)

// migrations 账本表结构
//
// 每张表独立可查询，金额列带非负约束，余额约束使“负余额”在
// 数据库层面就不可能出现，而不仅仅依赖应用逻辑。
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS balances (
		address    TEXT        NOT NULL,
		asset      TEXT        NOT NULL,
		amount     BIGINT      NOT NULL DEFAULT 0 CHECK (amount >= 0),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (address, asset)
	)`,

	`CREATE TABLE IF NOT EXISTS accounts (
		address    TEXT        PRIMARY KEY,
		nonce      BIGINT      NOT NULL DEFAULT 0,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	`CREATE TABLE IF NOT EXISTS transactions (
		hash         TEXT        PRIMARY KEY,
		sender       TEXT        NOT NULL,
		recipient    TEXT        NOT NULL,
		asset        TEXT        NOT NULL,
		amount       BIGINT      NOT NULL CHECK (amount >= 0),
		kind         TEXT        NOT NULL,
		payload      BYTEA,
		nonce        BIGINT      NOT NULL,
		fee_paid     BIGINT      NOT NULL DEFAULT 0,
		fee_usd      DOUBLE PRECISION NOT NULL DEFAULT 0,
		auto_swapped BOOLEAN     NOT NULL DEFAULT FALSE,
		status       TEXT        NOT NULL,
		block_height BIGINT,
		created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_transactions_pending
		ON transactions (created_at) WHERE block_height IS NULL`,
	`CREATE INDEX IF NOT EXISTS idx_transactions_sender ON transactions (sender)`,

	`CREATE TABLE IF NOT EXISTS blocks (
		height        BIGINT      PRIMARY KEY,
		previous_hash TEXT        NOT NULL,
		hash          TEXT        NOT NULL UNIQUE,
		producer      TEXT        NOT NULL,
		constituency  TEXT        NOT NULL,
		tx_count      INT         NOT NULL DEFAULT 0,
		created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	`CREATE TABLE IF NOT EXISTS validators (
		address           TEXT        PRIMARY KEY,
		constituency      TEXT        NOT NULL,
		stake             BIGINT      NOT NULL DEFAULT 0 CHECK (stake >= 0),
		reputation        DOUBLE PRECISION NOT NULL DEFAULT 100,
		state             TEXT        NOT NULL,
		slash_count       INT         NOT NULL DEFAULT 0,
		creative_assets   JSONB       NOT NULL DEFAULT '[]',
		community_score   DOUBLE PRECISION NOT NULL DEFAULT 0,
		identity_verified BOOLEAN     NOT NULL DEFAULT FALSE,
		blocks_proposed   BIGINT      NOT NULL DEFAULT 0,
		blocks_missed     BIGINT      NOT NULL DEFAULT 0,
		last_selected     TIMESTAMPTZ NOT NULL DEFAULT 'epoch',
		registered_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	`CREATE TABLE IF NOT EXISTS stake_positions (
		owner      TEXT        PRIMARY KEY,
		amount     BIGINT      NOT NULL CHECK (amount >= 0),
		start_time TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		accrued    BIGINT      NOT NULL DEFAULT 0 CHECK (accrued >= 0),
		last_claim TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	`CREATE TABLE IF NOT EXISTS liquidity_pools (
		pair_id      TEXT        PRIMARY KEY,
		asset_a      TEXT        NOT NULL,
		asset_b      TEXT        NOT NULL,
		reserve_a    BIGINT      NOT NULL CHECK (reserve_a >= 0),
		reserve_b    BIGINT      NOT NULL CHECK (reserve_b >= 0),
		total_shares BIGINT      NOT NULL CHECK (total_shares >= 0),
		updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	`CREATE TABLE IF NOT EXISTS pool_shares (
		pair_id TEXT   NOT NULL,
		owner   TEXT   NOT NULL,
		shares  BIGINT NOT NULL CHECK (shares >= 0),
		PRIMARY KEY (pair_id, owner)
	)`,

	`CREATE TABLE IF NOT EXISTS audit_log (
		id           BIGSERIAL   PRIMARY KEY,
		operation_id TEXT        NOT NULL,
		actor        TEXT        NOT NULL,
		kind         TEXT        NOT NULL,
		amount       BIGINT      NOT NULL DEFAULT 0,
		fee_paid     BIGINT      NOT NULL DEFAULT 0,
		outcome      TEXT        NOT NULL,
		detail       TEXT,
		created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	`CREATE TABLE IF NOT EXISTS reward_pool (
		id         SMALLINT    PRIMARY KEY CHECK (id = 1),
		balance    BIGINT      NOT NULL CHECK (balance >= 0),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	`CREATE TABLE IF NOT EXISTS chain_config (
		config_key   TEXT        PRIMARY KEY,
		config_value TEXT        NOT NULL,
		is_active    BOOLEAN     NOT NULL DEFAULT TRUE,
		updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
}

// Migrate 应用表结构
func (s *Store) Migrate(ctx context.Context) error {
	for i, stmt := range migrations {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("应用表结构失败 (第%d条): %w", i+1, err)
		}
	}
	s.logger.Info("账本表结构已就绪")
	return nil
}

// InitRewardPool 初始化奖励池余额（仅首次生效）
func (s *Store) InitRewardPool(ctx context.Context, initial uint64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reward_pool (id, balance) VALUES (1, $1)
		ON CONFLICT (id) DO NOTHING`, int64(initial))
	if err != nil {
		return fmt.Errorf("初始化奖励池失败: %w", err)
	}
	return nil
}
