package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"dujyochain/pkg/models"

	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

// Store 账本存储
//
// 余额、交易、区块、验证者、质押仓位、流动性池和审计日志全部持久化，
// 任何金融状态都不允许只存在于进程内存中。
// 写操作必须通过 WithinTx 的原子单元执行。
type Store struct {
	db     *sql.DB
	logger *logrus.Logger
}

// Open 打开账本数据库
func Open(dsn string, maxOpen, maxIdle int, connLifetime time.Duration, logger *logrus.Logger) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("连接账本数据库失败: %w", err)
	}

	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(connLifetime)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("账本数据库连接测试失败: %w", err)
	}

	logger.Info("账本数据库已连接")
	return &Store{db: db, logger: logger}, nil
}

// WithinTx 在单个数据库事务内执行fn
//
// fn 返回错误时整个事务回滚，部分应用（只扣不加）在结构上不可能发生。
func (s *Store) WithinTx(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("开启事务失败: %w", err)
	}

	tx := &Tx{tx: sqlTx}
	if err := fn(tx); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
			s.logger.Errorf("事务回滚失败: %v", rbErr)
		}
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("提交事务失败: %w", err)
	}
	return nil
}

// GetBalance 查询账户余额，账户不存在时返回0
func (s *Store) GetBalance(ctx context.Context, address, asset string) (uint64, error) {
	var amount int64
	err := s.db.QueryRowContext(ctx,
		`SELECT amount FROM balances WHERE address = $1 AND asset = $2`,
		address, asset,
	).Scan(&amount)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("查询余额失败: %w", err)
	}
	return uint64(amount), nil
}

// GetTransaction 查询交易
func (s *Store) GetTransaction(ctx context.Context, hash string) (*models.Transaction, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT hash, sender, recipient, asset, amount, kind, payload, nonce,
		       fee_paid, fee_usd, auto_swapped, status, block_height, created_at
		FROM transactions WHERE hash = $1`, hash)
	return scanTransaction(row)
}

// Head 查询链头区块，链为空时返回nil
func (s *Store) Head(ctx context.Context) (*models.Block, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT height, previous_hash, hash, producer, constituency, tx_count, created_at
		FROM blocks ORDER BY height DESC LIMIT 1`)

	b, err := scanBlock(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("查询链头失败: %w", err)
	}
	return b, nil
}

// GetBlock 按高度查询区块
func (s *Store) GetBlock(ctx context.Context, height uint64) (*models.Block, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT height, previous_hash, hash, producer, constituency, tx_count, created_at
		FROM blocks WHERE height = $1`, height)

	b, err := scanBlock(row)
	if err != nil {
		return nil, fmt.Errorf("查询区块失败: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT hash FROM transactions WHERE block_height = $1 ORDER BY created_at`, height)
	if err != nil {
		return nil, fmt.Errorf("查询区块交易失败: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, err
		}
		b.TxHashes = append(b.TxHashes, h)
	}
	return b, rows.Err()
}

// ListValidators 列出全部验证者记录
func (s *Store) ListValidators(ctx context.Context) ([]*models.ValidatorRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT address, constituency, stake, reputation, state, slash_count,
		       creative_assets, community_score, identity_verified,
		       blocks_proposed, blocks_missed, last_selected, registered_at
		FROM validators ORDER BY registered_at`)
	if err != nil {
		return nil, fmt.Errorf("查询验证者失败: %w", err)
	}
	defer rows.Close()

	var validators []*models.ValidatorRecord
	for rows.Next() {
		v, err := scanValidatorRows(rows)
		if err != nil {
			return nil, err
		}
		validators = append(validators, v)
	}
	return validators, rows.Err()
}

// GetPool 查询流动性池，池不存在时返回nil
func (s *Store) GetPool(ctx context.Context, pairID string) (*models.LiquidityPool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT pair_id, asset_a, asset_b, reserve_a, reserve_b, total_shares, updated_at
		FROM liquidity_pools WHERE pair_id = $1`, pairID)

	p, err := scanPool(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("查询流动性池失败: %w", err)
	}
	return p, nil
}

// RewardPoolBalance 查询奖励池余额
func (s *Store) RewardPoolBalance(ctx context.Context) (uint64, error) {
	var balance int64
	err := s.db.QueryRowContext(ctx, `SELECT balance FROM reward_pool WHERE id = 1`).Scan(&balance)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("查询奖励池失败: %w", err)
	}
	return uint64(balance), nil
}

// PendingTransactions 查询已提交但尚未打包的交易哈希
func (s *Store) PendingTransactions(ctx context.Context, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT hash FROM transactions
		WHERE status = $1 AND block_height IS NULL
		ORDER BY created_at LIMIT $2`, models.TxStatusCommitted, limit)
	if err != nil {
		return nil, fmt.Errorf("查询待打包交易失败: %w", err)
	}
	defer rows.Close()

	var hashes []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, err
		}
		hashes = append(hashes, h)
	}
	return hashes, rows.Err()
}

// DB 返回底层数据库句柄（供配置源等同库组件复用）
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close 关闭数据库连接
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
