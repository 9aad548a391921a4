package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"dujyochain/pkg/models"
)

// Tx 账本原子单元内的写句柄
//
// 所有读取行都加 FOR UPDATE 行锁，保证同一账户/池/仓位在并发
// 原子单元之间串行化。只能通过 Store.WithinTx 获得。
type Tx struct {
	tx *sql.Tx
}

// BalanceForUpdate 锁定并读取余额，账户不存在时返回0
func (t *Tx) BalanceForUpdate(address, asset string) (uint64, error) {
	var amount int64
	err := t.tx.QueryRow(
		`SELECT amount FROM balances WHERE address = $1 AND asset = $2 FOR UPDATE`,
		address, asset,
	).Scan(&amount)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("锁定余额失败: %w", err)
	}
	return uint64(amount), nil
}

// SetBalance 写入余额（不存在时创建）
func (t *Tx) SetBalance(address, asset string, amount uint64) error {
	_, err := t.tx.Exec(`
		INSERT INTO balances (address, asset, amount, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (address, asset)
		DO UPDATE SET amount = EXCLUDED.amount, updated_at = NOW()`,
		address, asset, int64(amount))
	if err != nil {
		return fmt.Errorf("写入余额失败: %w", err)
	}
	return nil
}

// NonceForUpdate 锁定并读取账户nonce，账户不存在时返回0
func (t *Tx) NonceForUpdate(address string) (uint64, error) {
	var nonce int64
	err := t.tx.QueryRow(
		`SELECT nonce FROM accounts WHERE address = $1 FOR UPDATE`, address,
	).Scan(&nonce)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("锁定nonce失败: %w", err)
	}
	return uint64(nonce), nil
}

// SetNonce 写入账户nonce
func (t *Tx) SetNonce(address string, nonce uint64) error {
	_, err := t.tx.Exec(`
		INSERT INTO accounts (address, nonce, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (address)
		DO UPDATE SET nonce = EXCLUDED.nonce, updated_at = NOW()`,
		address, int64(nonce))
	if err != nil {
		return fmt.Errorf("写入nonce失败: %w", err)
	}
	return nil
}

// PoolForUpdate 锁定并读取流动性池，池不存在时返回nil
func (t *Tx) PoolForUpdate(pairID string) (*models.LiquidityPool, error) {
	row := t.tx.QueryRow(`
		SELECT pair_id, asset_a, asset_b, reserve_a, reserve_b, total_shares, updated_at
		FROM liquidity_pools WHERE pair_id = $1 FOR UPDATE`, pairID)

	p, err := scanPool(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("锁定流动性池失败: %w", err)
	}
	return p, nil
}

// SavePool 写入流动性池
func (t *Tx) SavePool(pool *models.LiquidityPool) error {
	_, err := t.tx.Exec(`
		INSERT INTO liquidity_pools (pair_id, asset_a, asset_b, reserve_a, reserve_b, total_shares, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (pair_id)
		DO UPDATE SET reserve_a = EXCLUDED.reserve_a,
		              reserve_b = EXCLUDED.reserve_b,
		              total_shares = EXCLUDED.total_shares,
		              updated_at = NOW()`,
		pool.PairID, pool.AssetA, pool.AssetB,
		int64(pool.ReserveA), int64(pool.ReserveB), int64(pool.TotalShares))
	if err != nil {
		return fmt.Errorf("写入流动性池失败: %w", err)
	}
	return nil
}

// SharesForUpdate 锁定并读取流动性份额，不存在时返回0
func (t *Tx) SharesForUpdate(pairID, owner string) (uint64, error) {
	var shares int64
	err := t.tx.QueryRow(
		`SELECT shares FROM pool_shares WHERE pair_id = $1 AND owner = $2 FOR UPDATE`,
		pairID, owner,
	).Scan(&shares)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("锁定流动性份额失败: %w", err)
	}
	return uint64(shares), nil
}

// SetShares 写入流动性份额，归零时删除行
func (t *Tx) SetShares(pairID, owner string, shares uint64) error {
	if shares == 0 {
		_, err := t.tx.Exec(
			`DELETE FROM pool_shares WHERE pair_id = $1 AND owner = $2`, pairID, owner)
		if err != nil {
			return fmt.Errorf("删除流动性份额失败: %w", err)
		}
		return nil
	}
	_, err := t.tx.Exec(`
		INSERT INTO pool_shares (pair_id, owner, shares)
		VALUES ($1, $2, $3)
		ON CONFLICT (pair_id, owner)
		DO UPDATE SET shares = EXCLUDED.shares`,
		pairID, owner, int64(shares))
	if err != nil {
		return fmt.Errorf("写入流动性份额失败: %w", err)
	}
	return nil
}

// StakeForUpdate 锁定并读取质押仓位，不存在时返回nil
func (t *Tx) StakeForUpdate(owner string) (*models.StakePosition, error) {
	pos := &models.StakePosition{Owner: owner}
	var amount, accrued int64
	err := t.tx.QueryRow(`
		SELECT amount, start_time, accrued, last_claim
		FROM stake_positions WHERE owner = $1 FOR UPDATE`, owner,
	).Scan(&amount, &pos.StartTime, &accrued, &pos.LastClaim)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("锁定质押仓位失败: %w", err)
	}
	pos.Amount = uint64(amount)
	pos.Accrued = uint64(accrued)
	return pos, nil
}

// SaveStake 写入质押仓位
func (t *Tx) SaveStake(pos *models.StakePosition) error {
	_, err := t.tx.Exec(`
		INSERT INTO stake_positions (owner, amount, start_time, accrued, last_claim)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (owner)
		DO UPDATE SET amount = EXCLUDED.amount,
		              accrued = EXCLUDED.accrued,
		              last_claim = EXCLUDED.last_claim`,
		pos.Owner, int64(pos.Amount), pos.StartTime, int64(pos.Accrued), pos.LastClaim)
	if err != nil {
		return fmt.Errorf("写入质押仓位失败: %w", err)
	}
	return nil
}

// DeleteStake 销毁质押仓位
func (t *Tx) DeleteStake(owner string) error {
	_, err := t.tx.Exec(`DELETE FROM stake_positions WHERE owner = $1`, owner)
	if err != nil {
		return fmt.Errorf("销毁质押仓位失败: %w", err)
	}
	return nil
}

// ValidatorForUpdate 锁定并读取验证者记录，不存在时返回nil
func (t *Tx) ValidatorForUpdate(address string) (*models.ValidatorRecord, error) {
	row := t.tx.QueryRow(`
		SELECT address, constituency, stake, reputation, state, slash_count,
		       creative_assets, community_score, identity_verified,
		       blocks_proposed, blocks_missed, last_selected, registered_at
		FROM validators WHERE address = $1 FOR UPDATE`, address)

	v, err := scanValidator(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("锁定验证者失败: %w", err)
	}
	return v, nil
}

// SaveValidator 写入验证者记录
func (t *Tx) SaveValidator(v *models.ValidatorRecord) error {
	assets, err := json.Marshal(v.CreativeAssets)
	if err != nil {
		return fmt.Errorf("序列化创作资产失败: %w", err)
	}
	if v.CreativeAssets == nil {
		assets = []byte("[]")
	}

	_, err = t.tx.Exec(`
		INSERT INTO validators (address, constituency, stake, reputation, state, slash_count,
		                        creative_assets, community_score, identity_verified,
		                        blocks_proposed, blocks_missed, last_selected, registered_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (address)
		DO UPDATE SET constituency = EXCLUDED.constituency,
		              stake = EXCLUDED.stake,
		              reputation = EXCLUDED.reputation,
		              state = EXCLUDED.state,
		              slash_count = EXCLUDED.slash_count,
		              creative_assets = EXCLUDED.creative_assets,
		              community_score = EXCLUDED.community_score,
		              identity_verified = EXCLUDED.identity_verified,
		              blocks_proposed = EXCLUDED.blocks_proposed,
		              blocks_missed = EXCLUDED.blocks_missed,
		              last_selected = EXCLUDED.last_selected`,
		v.Address, v.Constituency, int64(v.Stake), v.Reputation, v.State, v.SlashCount,
		assets, v.CommunityScore, v.IdentityOK,
		int64(v.BlocksProposed), int64(v.BlocksMissed), v.LastSelected, v.RegisteredAt)
	if err != nil {
		return fmt.Errorf("写入验证者失败: %w", err)
	}
	return nil
}

// CountValidators 统计某阵营当前未注销的验证者数量
func (t *Tx) CountValidators(c models.Constituency) (int, error) {
	var n int
	err := t.tx.QueryRow(`
		SELECT COUNT(*) FROM validators
		WHERE constituency = $1 AND state != $2`,
		c, models.ValidatorDeactivated,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("统计验证者失败: %w", err)
	}
	return n, nil
}

// RewardPoolForUpdate 锁定并读取奖励池余额
func (t *Tx) RewardPoolForUpdate() (uint64, error) {
	var balance int64
	err := t.tx.QueryRow(`SELECT balance FROM reward_pool WHERE id = 1 FOR UPDATE`).Scan(&balance)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("锁定奖励池失败: %w", err)
	}
	return uint64(balance), nil
}

// SetRewardPool 写入奖励池余额
func (t *Tx) SetRewardPool(balance uint64) error {
	_, err := t.tx.Exec(`
		INSERT INTO reward_pool (id, balance, updated_at) VALUES (1, $1, NOW())
		ON CONFLICT (id) DO UPDATE SET balance = EXCLUDED.balance, updated_at = NOW()`,
		int64(balance))
	if err != nil {
		return fmt.Errorf("写入奖励池失败: %w", err)
	}
	return nil
}

// InsertTransaction 持久化已提交的交易
func (t *Tx) InsertTransaction(tx *models.Transaction) error {
	_, err := t.tx.Exec(`
		INSERT INTO transactions (hash, sender, recipient, asset, amount, kind, payload,
		                          nonce, fee_paid, fee_usd, auto_swapped, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		tx.Hash, tx.Sender, tx.Recipient, tx.Asset, int64(tx.Amount), tx.Kind, tx.Payload,
		int64(tx.Nonce), int64(tx.FeePaid), tx.FeeUSD, tx.AutoSwapped, tx.Status, tx.Timestamp)
	if err != nil {
		return fmt.Errorf("写入交易失败: %w", err)
	}
	return nil
}

// MarkIncluded 把交易标记为已包含在指定高度的区块中
func (t *Tx) MarkIncluded(hash string, height uint64) error {
	res, err := t.tx.Exec(`
		UPDATE transactions SET status = $1, block_height = $2
		WHERE hash = $3 AND block_height IS NULL`,
		models.TxStatusIncluded, int64(height), hash)
	if err != nil {
		return fmt.Errorf("标记交易入块失败: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return fmt.Errorf("交易 %s 不存在或已入块", hash)
	}
	return nil
}

// AppendBlock 追加区块
//
// 高度主键保证同一高度不可能写入两个区块。
func (t *Tx) AppendBlock(b *models.Block) error {
	_, err := t.tx.Exec(`
		INSERT INTO blocks (height, previous_hash, hash, producer, constituency, tx_count, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		int64(b.Height), b.PreviousHash, b.Hash, b.Producer, b.Constituency, b.TxCount, b.Timestamp)
	if err != nil {
		return fmt.Errorf("追加区块失败: %w", err)
	}
	return nil
}

// HeadForUpdate 锁定并读取链头区块，链为空时返回nil
func (t *Tx) HeadForUpdate() (*models.Block, error) {
	row := t.tx.QueryRow(`
		SELECT height, previous_hash, hash, producer, constituency, tx_count, created_at
		FROM blocks ORDER BY height DESC LIMIT 1 FOR UPDATE`)

	b, err := scanBlock(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("锁定链头失败: %w", err)
	}
	return b, nil
}

// AppendAudit 追加审计日志条目
func (t *Tx) AppendAudit(entry *models.AuditEntry) error {
	_, err := t.tx.Exec(`
		INSERT INTO audit_log (operation_id, actor, kind, amount, fee_paid, outcome, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		entry.OperationID, entry.Actor, entry.Kind,
		int64(entry.Amount), int64(entry.FeePaid), entry.Outcome, entry.Detail, entry.Timestamp)
	if err != nil {
		return fmt.Errorf("写入审计日志失败: %w", err)
	}
	return nil
}

// scanner 兼容 *sql.Row 和 *sql.Rows 的扫描接口
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTransaction(row scanner) (*models.Transaction, error) {
	tx := &models.Transaction{}
	var amount, nonce, feePaid int64
	var blockHeight sql.NullInt64
	err := row.Scan(&tx.Hash, &tx.Sender, &tx.Recipient, &tx.Asset, &amount, &tx.Kind,
		&tx.Payload, &nonce, &feePaid, &tx.FeeUSD, &tx.AutoSwapped, &tx.Status,
		&blockHeight, &tx.Timestamp)
	if err != nil {
		return nil, err
	}
	tx.Amount = uint64(amount)
	tx.Nonce = uint64(nonce)
	tx.FeePaid = uint64(feePaid)
	if blockHeight.Valid {
		h := uint64(blockHeight.Int64)
		tx.BlockHeight = &h
	}
	return tx, nil
}

func scanBlock(row scanner) (*models.Block, error) {
	b := &models.Block{}
	var height int64
	err := row.Scan(&height, &b.PreviousHash, &b.Hash, &b.Producer, &b.Constituency,
		&b.TxCount, &b.Timestamp)
	if err != nil {
		return nil, err
	}
	b.Height = uint64(height)
	return b, nil
}

func scanValidator(row scanner) (*models.ValidatorRecord, error) {
	v := &models.ValidatorRecord{}
	var stake, proposed, missed int64
	var assets []byte
	err := row.Scan(&v.Address, &v.Constituency, &stake, &v.Reputation, &v.State,
		&v.SlashCount, &assets, &v.CommunityScore, &v.IdentityOK,
		&proposed, &missed, &v.LastSelected, &v.RegisteredAt)
	if err != nil {
		return nil, err
	}
	v.Stake = uint64(stake)
	v.BlocksProposed = uint64(proposed)
	v.BlocksMissed = uint64(missed)
	if len(assets) > 0 {
		if err := json.Unmarshal(assets, &v.CreativeAssets); err != nil {
			return nil, fmt.Errorf("解析创作资产失败: %w", err)
		}
	}
	return v, nil
}

func scanValidatorRows(rows *sql.Rows) (*models.ValidatorRecord, error) {
	return scanValidator(rows)
}

func scanPool(row scanner) (*models.LiquidityPool, error) {
	p := &models.LiquidityPool{}
	var reserveA, reserveB, totalShares int64
	err := row.Scan(&p.PairID, &p.AssetA, &p.AssetB, &reserveA, &reserveB,
		&totalShares, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.ReserveA = uint64(reserveA)
	p.ReserveB = uint64(reserveB)
	p.TotalShares = uint64(totalShares)
	return p, nil
}
