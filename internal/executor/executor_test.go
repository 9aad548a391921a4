package executor

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"dujyochain/internal/audit"
	"dujyochain/internal/consensus"
	chainerrors "dujyochain/internal/errors"
	"dujyochain/internal/exchange"
	"dujyochain/internal/gas"
	"dujyochain/internal/oracle"
	"dujyochain/internal/staking"
	"dujyochain/pkg/models"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeLedger 内存账本，实现执行器的完整Ledger接口
type fakeLedger struct {
	balances     map[string]uint64
	nonces       map[string]uint64
	pools        map[string]*models.LiquidityPool
	shares       map[string]uint64
	stakes       map[string]*models.StakePosition
	validators   map[string]*models.ValidatorRecord
	rewardPool   uint64
	transactions []*models.Transaction
	audits       []*models.AuditEntry
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		balances:   make(map[string]uint64),
		nonces:     make(map[string]uint64),
		pools:      make(map[string]*models.LiquidityPool),
		shares:     make(map[string]uint64),
		stakes:     make(map[string]*models.StakePosition),
		validators: make(map[string]*models.ValidatorRecord),
	}
}

func (f *fakeLedger) snapshot() *fakeLedger {
	clone := newFakeLedger()
	for k, v := range f.balances {
		clone.balances[k] = v
	}
	for k, v := range f.nonces {
		clone.nonces[k] = v
	}
	for k, v := range f.pools {
		p := *v
		clone.pools[k] = &p
	}
	for k, v := range f.shares {
		clone.shares[k] = v
	}
	for k, v := range f.stakes {
		s := *v
		clone.stakes[k] = &s
	}
	for k, v := range f.validators {
		val := *v
		clone.validators[k] = &val
	}
	clone.rewardPool = f.rewardPool
	clone.transactions = append(clone.transactions, f.transactions...)
	clone.audits = append(clone.audits, f.audits...)
	return clone
}

func (f *fakeLedger) restore(snap *fakeLedger) {
	f.balances = snap.balances
	f.nonces = snap.nonces
	f.pools = snap.pools
	f.shares = snap.shares
	f.stakes = snap.stakes
	f.validators = snap.validators
	f.rewardPool = snap.rewardPool
	f.transactions = snap.transactions
	f.audits = snap.audits
}

func (f *fakeLedger) BalanceForUpdate(address, asset string) (uint64, error) {
	return f.balances[address+"|"+asset], nil
}

func (f *fakeLedger) SetBalance(address, asset string, amount uint64) error {
	f.balances[address+"|"+asset] = amount
	return nil
}

func (f *fakeLedger) NonceForUpdate(address string) (uint64, error) {
	return f.nonces[address], nil
}

func (f *fakeLedger) SetNonce(address string, nonce uint64) error {
	f.nonces[address] = nonce
	return nil
}

func (f *fakeLedger) PoolForUpdate(pairID string) (*models.LiquidityPool, error) {
	pool, ok := f.pools[pairID]
	if !ok {
		return nil, nil
	}
	clone := *pool
	return &clone, nil
}

func (f *fakeLedger) SavePool(pool *models.LiquidityPool) error {
	clone := *pool
	f.pools[pool.PairID] = &clone
	return nil
}

func (f *fakeLedger) SharesForUpdate(pairID, owner string) (uint64, error) {
	return f.shares[pairID+"|"+owner], nil
}

func (f *fakeLedger) SetShares(pairID, owner string, shares uint64) error {
	f.shares[pairID+"|"+owner] = shares
	return nil
}

func (f *fakeLedger) StakeForUpdate(owner string) (*models.StakePosition, error) {
	pos, ok := f.stakes[owner]
	if !ok {
		return nil, nil
	}
	clone := *pos
	return &clone, nil
}

func (f *fakeLedger) SaveStake(pos *models.StakePosition) error {
	clone := *pos
	f.stakes[pos.Owner] = &clone
	return nil
}

func (f *fakeLedger) DeleteStake(owner string) error {
	delete(f.stakes, owner)
	return nil
}

func (f *fakeLedger) ValidatorForUpdate(address string) (*models.ValidatorRecord, error) {
	v, ok := f.validators[address]
	if !ok {
		return nil, nil
	}
	clone := *v
	return &clone, nil
}

func (f *fakeLedger) SaveValidator(v *models.ValidatorRecord) error {
	clone := *v
	f.validators[v.Address] = &clone
	return nil
}

func (f *fakeLedger) CountValidators(c models.Constituency) (int, error) {
	n := 0
	for _, v := range f.validators {
		if v.Constituency == c && v.State != models.ValidatorDeactivated {
			n++
		}
	}
	return n, nil
}

func (f *fakeLedger) RewardPoolForUpdate() (uint64, error) {
	return f.rewardPool, nil
}

func (f *fakeLedger) SetRewardPool(balance uint64) error {
	f.rewardPool = balance
	return nil
}

func (f *fakeLedger) InsertTransaction(tx *models.Transaction) error {
	clone := *tx
	f.transactions = append(f.transactions, &clone)
	return nil
}

func (f *fakeLedger) AppendAudit(entry *models.AuditEntry) error {
	clone := *entry
	f.audits = append(f.audits, &clone)
	return nil
}

// fakeRunner 模拟事务回滚：fn报错时整个账本恢复到执行前的快照
type fakeRunner struct {
	ledger *fakeLedger
}

func (r *fakeRunner) WithinTx(ctx context.Context, fn func(led Ledger) error) error {
	snap := r.ledger.snapshot()
	if err := fn(r.ledger); err != nil {
		r.ledger.restore(snap)
		return err
	}
	return nil
}

func newTestExecutor(led *fakeLedger) *Executor {
	logger := logrus.New()
	prices := oracle.NewStaticSource(0.001)
	gasEngine := gas.NewEngine(prices, 0.5, 0.5, 0.25, 1.0/3.0, logger)
	ex := exchange.New(30, 500, logger)
	st := staking.New(1000, 30*24*time.Hour, 500, 3, 50.0, logger)
	cs := consensus.NewEngine(consensus.Params{
		MaxEconomic: 100, MaxCreative: 50, MaxCommunity: 50,
		LambdaEconomic: 0.4, LambdaCreative: 0.35, LambdaCommunity: 0.25,
		MinimumStake: 1000, MinCreativeScore: 50, MinCommunityScore: 30,
		SelectionCooldown: 5 * time.Second, MinReputation: 50,
	}, logger)
	return New(&fakeRunner{ledger: led}, gasEngine, ex, st, cs, 500, 100,
		audit.NopPublisher{}, logger)
}

func TestTransferDebitsAmountPlusFee(t *testing.T) {
	led := newFakeLedger()
	led.SetBalance("alice", models.AssetDYO, 50)
	exec := newTestExecutor(led)

	tx, err := exec.Execute(context.Background(), &SubmitRequest{
		Sender:    "alice",
		Recipient: "bob",
		Asset:     models.AssetDYO,
		Amount:    10,
		Kind:      models.OpTransfer,
		Nonce:     1,
	})
	require.NoError(t, err)
	require.NotNil(t, tx)

	// 余额50，转10，费1 → 剩39，收款方10，手续费池1
	alice, _ := led.BalanceForUpdate("alice", models.AssetDYO)
	bob, _ := led.BalanceForUpdate("bob", models.AssetDYO)
	pool, _ := led.BalanceForUpdate(models.FeePoolAddress, models.AssetDYO)
	assert.Equal(t, uint64(39), alice)
	assert.Equal(t, uint64(10), bob)
	assert.Equal(t, uint64(1), pool)

	assert.Equal(t, uint64(1), tx.FeePaid)
	assert.False(t, tx.AutoSwapped)
	assert.NotEmpty(t, tx.Hash)
	assert.Len(t, led.transactions, 1)
	assert.Len(t, led.audits, 1)
	assert.Equal(t, models.AuditOutcomeCommitted, led.audits[0].Outcome)
}

func TestRejectedTransferHasNoSideEffects(t *testing.T) {
	led := newFakeLedger()
	led.SetBalance("alice", models.AssetDYO, 5)
	exec := newTestExecutor(led)

	_, err := exec.Execute(context.Background(), &SubmitRequest{
		Sender:    "alice",
		Recipient: "bob",
		Asset:     models.AssetDYO,
		Amount:    10,
		Kind:      models.OpTransfer,
		Nonce:     1,
	})
	require.Error(t, err)

	// 拒绝的交易没有任何可观察的副作用
	alice, _ := led.BalanceForUpdate("alice", models.AssetDYO)
	bob, _ := led.BalanceForUpdate("bob", models.AssetDYO)
	nonce, _ := led.NonceForUpdate("alice")
	assert.Equal(t, uint64(5), alice)
	assert.Equal(t, uint64(0), bob)
	assert.Equal(t, uint64(0), nonce)
	assert.Empty(t, led.transactions)
	assert.Empty(t, led.audits)
}

func TestConflictingTransfersOnlyOneCommits(t *testing.T) {
	led := newFakeLedger()
	led.SetBalance("alice", models.AssetDYO, 100)
	exec := newTestExecutor(led)

	// 两笔转账各60，余额只够一笔（外加手续费各1）
	_, err := exec.Execute(context.Background(), &SubmitRequest{
		Sender: "alice", Recipient: "bob", Asset: models.AssetDYO,
		Amount: 60, Kind: models.OpTransfer, Nonce: 1,
	})
	require.NoError(t, err)

	_, err = exec.Execute(context.Background(), &SubmitRequest{
		Sender: "alice", Recipient: "carol", Asset: models.AssetDYO,
		Amount: 60, Kind: models.OpTransfer, Nonce: 2,
	})
	require.Error(t, err)
	ce := chainerrors.AsChainError(err)
	require.NotNil(t, ce)
	assert.Equal(t, "INSUFFICIENT_BALANCE", ce.Code)

	// 恰好一笔成交：第二笔连同其手续费扣款一并回滚
	alice, _ := led.BalanceForUpdate("alice", models.AssetDYO)
	bob, _ := led.BalanceForUpdate("bob", models.AssetDYO)
	carol, _ := led.BalanceForUpdate("carol", models.AssetDYO)
	feePool, _ := led.BalanceForUpdate(models.FeePoolAddress, models.AssetDYO)
	assert.Equal(t, uint64(39), alice)
	assert.Equal(t, uint64(60), bob)
	assert.Equal(t, uint64(0), carol)
	assert.Equal(t, uint64(1), feePool)

	nonce, _ := led.NonceForUpdate("alice")
	assert.Equal(t, uint64(1), nonce)
	assert.Len(t, led.transactions, 1)
	assert.Len(t, led.audits, 1)
}

func TestSelfTransferRejected(t *testing.T) {
	led := newFakeLedger()
	led.SetBalance("alice", models.AssetDYO, 100)
	exec := newTestExecutor(led)

	_, err := exec.Execute(context.Background(), &SubmitRequest{
		Sender:    "alice",
		Recipient: "alice",
		Amount:    10,
		Kind:      models.OpTransfer,
		Nonce:     1,
	})
	assert.Error(t, err)
}

func TestNonceReplayRejected(t *testing.T) {
	led := newFakeLedger()
	led.SetBalance("alice", models.AssetDYO, 1_000)
	exec := newTestExecutor(led)

	req := &SubmitRequest{
		Sender: "alice", Recipient: "bob", Asset: models.AssetDYO,
		Amount: 10, Kind: models.OpTransfer, Nonce: 1,
	}
	_, err := exec.Execute(context.Background(), req)
	require.NoError(t, err)

	// 同一nonce重放被拒绝
	_, err = exec.Execute(context.Background(), req)
	require.Error(t, err)

	// 跳跃nonce同样被拒绝
	req.Nonce = 5
	_, err = exec.Execute(context.Background(), req)
	require.Error(t, err)

	req.Nonce = 2
	_, err = exec.Execute(context.Background(), req)
	assert.NoError(t, err)
}

func seedDYODYSPool(led *fakeLedger) {
	pairID := models.PairID(models.AssetDYO, models.AssetDYS)
	led.pools[pairID] = &models.LiquidityPool{
		PairID:      pairID,
		AssetA:      models.AssetDYO,
		AssetB:      models.AssetDYS,
		ReserveA:    100_000_000,
		ReserveB:    100_000,
		TotalShares: 3_162_277,
	}
}

func TestAutoSwapFundsFee(t *testing.T) {
	led := newFakeLedger()
	seedDYODYSPool(led)
	led.SetBalance("alice", models.AssetDYS, 50)
	exec := newTestExecutor(led)

	// DYO余额为0，手续费通过DYS自动兑换补足
	tx, err := exec.Execute(context.Background(), &SubmitRequest{
		Sender:    "alice",
		Recipient: "bob",
		Asset:     models.AssetDYS,
		Amount:    10,
		Kind:      models.OpTransfer,
		Nonce:     1,
	})
	require.NoError(t, err)
	assert.True(t, tx.AutoSwapped)
	assert.Equal(t, uint64(1), tx.FeePaid)

	// 兑换1 DYS，转账10 DYS
	aliceDYS, _ := led.BalanceForUpdate("alice", models.AssetDYS)
	assert.Equal(t, uint64(39), aliceDYS)

	// 兑换所得扣除手续费后留在DYO余额里
	aliceDYO, _ := led.BalanceForUpdate("alice", models.AssetDYO)
	assert.Greater(t, aliceDYO, uint64(0))

	feePool, _ := led.BalanceForUpdate(models.FeePoolAddress, models.AssetDYO)
	assert.Equal(t, uint64(1), feePool)

	bobDYS, _ := led.BalanceForUpdate("bob", models.AssetDYS)
	assert.Equal(t, uint64(10), bobDYS)
}

func TestAutoSwapInsufficientBothAssets(t *testing.T) {
	led := newFakeLedger()
	seedDYODYSPool(led)
	exec := newTestExecutor(led)

	_, err := exec.Execute(context.Background(), &SubmitRequest{
		Sender:    "alice",
		Recipient: "bob",
		Asset:     models.AssetDYS,
		Amount:    10,
		Kind:      models.OpTransfer,
		Nonce:     1,
	})
	require.Error(t, err)

	// 拒绝消息同时报出两侧所需数量
	assert.Contains(t, err.Error(), "DYO")
	assert.Contains(t, err.Error(), "DYS")

	// 无任何状态变更
	assert.Empty(t, led.transactions)
	pool := led.pools["DYO/DYS"]
	assert.Equal(t, uint64(100_000_000), pool.ReserveA)
}

func TestStakeAndEarlyUnstakePenalty(t *testing.T) {
	led := newFakeLedger()
	led.SetBalance("alice", models.AssetDYO, 10_000)
	exec := newTestExecutor(led)

	_, err := exec.Execute(context.Background(), &SubmitRequest{
		Sender: "alice", Amount: 5_000, Kind: models.OpStake, Nonce: 1,
	})
	require.NoError(t, err)

	// 质押费 $0.02 → 20 DYO
	balance, _ := led.BalanceForUpdate("alice", models.AssetDYO)
	assert.Equal(t, uint64(10_000-20-5_000), balance)
	assert.Equal(t, uint64(5_000), led.stakes["alice"].Amount)

	// 未到成熟期解押：费 $0.03 → 30 DYO，外加1%惩罚 50 DYO
	tx, err := exec.Execute(context.Background(), &SubmitRequest{
		Sender: "alice", Amount: 5_000, Kind: models.OpUnstake, Nonce: 2,
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(80), tx.FeePaid)

	balance, _ = led.BalanceForUpdate("alice", models.AssetDYO)
	assert.Equal(t, uint64(10_000-20-80), balance)

	feePool, _ := led.BalanceForUpdate(models.FeePoolAddress, models.AssetDYO)
	assert.Equal(t, uint64(20+80), feePool)
}

func TestRegisterValidatorFlow(t *testing.T) {
	led := newFakeLedger()
	led.SetBalance("val1", models.AssetDYO, 10_000)
	exec := newTestExecutor(led)

	_, err := exec.Execute(context.Background(), &SubmitRequest{
		Sender: "val1", Amount: 5_000, Kind: models.OpStake, Nonce: 1,
	})
	require.NoError(t, err)

	payload, _ := json.Marshal(consensus.RegistrationInput{
		Constituency: models.ConstituencyEconomic,
	})
	tx, err := exec.Execute(context.Background(), &SubmitRequest{
		Sender: "val1", Kind: models.OpRegisterValidator, Payload: payload, Nonce: 2,
	})
	require.NoError(t, err)

	// 注册费 $0.10 → 100 DYO
	assert.Equal(t, uint64(100), tx.FeePaid)

	v := led.validators["val1"]
	require.NotNil(t, v)
	assert.Equal(t, models.ValidatorActive, v.State)
	assert.Equal(t, uint64(5_000), v.Stake)
}

func TestValidatorTierDiscount(t *testing.T) {
	led := newFakeLedger()
	led.SetBalance("member", models.AssetDYO, 10_000)
	led.validators["member"] = &models.ValidatorRecord{
		Address: "member", Constituency: models.ConstituencyCommunity,
		State: models.ValidatorActive, Reputation: 100,
	}
	exec := newTestExecutor(led)

	tx, err := exec.Execute(context.Background(), &SubmitRequest{
		Sender: "member", Recipient: "bob", Asset: models.AssetDYO,
		Amount: 100, Kind: models.OpTransfer, Nonce: 1,
	})
	require.NoError(t, err)

	// 转账费 $0.001×0.75 = $0.00075 → 向上取整 1 DYO
	assert.Equal(t, uint64(1), tx.FeePaid)
}

func TestContentEarnRequiresInternal(t *testing.T) {
	led := newFakeLedger()
	led.rewardPool = 1_000_000
	exec := newTestExecutor(led)

	// 外部提交被拒绝
	_, err := exec.Execute(context.Background(), &SubmitRequest{
		Sender: models.RewardPoolAddress, Recipient: "creator",
		Amount: 500, Kind: models.OpContentEarn,
	})
	require.Error(t, err)

	// 内部提交免费发放
	tx, err := exec.Execute(context.Background(), &SubmitRequest{
		Sender: models.RewardPoolAddress, Recipient: "creator",
		Amount: 500, Kind: models.OpContentEarn, Internal: true,
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(0), tx.FeePaid)

	creator, _ := led.BalanceForUpdate("creator", models.AssetDYO)
	assert.Equal(t, uint64(500), creator)
	assert.Equal(t, uint64(1_000_000-500), led.rewardPool)

	// 仍然产生审计记录
	assert.Len(t, led.audits, 1)
}

func TestContentEarnCappedByRewardPool(t *testing.T) {
	led := newFakeLedger()
	led.rewardPool = 100
	exec := newTestExecutor(led)

	_, err := exec.Execute(context.Background(), &SubmitRequest{
		Sender: models.RewardPoolAddress, Recipient: "creator",
		Amount: 500, Kind: models.OpContentEarn, Internal: true,
	})
	assert.Error(t, err)
	assert.Equal(t, uint64(100), led.rewardPool)
}

func TestMalformedPayloadRejected(t *testing.T) {
	led := newFakeLedger()
	seedDYODYSPool(led)
	led.SetBalance("alice", models.AssetDYO, 100_000)
	exec := newTestExecutor(led)

	_, err := exec.Execute(context.Background(), &SubmitRequest{
		Sender:  "alice",
		Amount:  100,
		Kind:    models.OpExchangeSwap,
		Payload: json.RawMessage(`{not json`),
		Nonce:   1,
	})
	require.Error(t, err)
	assert.Empty(t, led.transactions)
}

func TestProposeBlockNotExternallySubmittable(t *testing.T) {
	led := newFakeLedger()
	exec := newTestExecutor(led)

	_, err := exec.Execute(context.Background(), &SubmitRequest{
		Sender: "val1", Kind: models.OpProposeBlock, Nonce: 1,
	})
	assert.Error(t, err)
}

func TestExchangeSwapViaExecutor(t *testing.T) {
	led := newFakeLedger()
	seedDYODYSPool(led)
	led.SetBalance("alice", models.AssetDYO, 200_000)
	exec := newTestExecutor(led)

	payload, _ := json.Marshal(SwapPayload{
		AssetIn:  models.AssetDYO,
		AssetOut: models.AssetDYS,
	})
	tx, err := exec.Execute(context.Background(), &SubmitRequest{
		Sender:  "alice",
		Amount:  100_000,
		Kind:    models.OpExchangeSwap,
		Payload: payload,
		Nonce:   1,
	})
	require.NoError(t, err)

	// 兑换到账
	dys, _ := led.BalanceForUpdate("alice", models.AssetDYS)
	assert.Greater(t, dys, uint64(0))

	// 百分比计费：$100 的 10bps = $0.10 → 100 DYO
	assert.Equal(t, uint64(100), tx.FeePaid)
}
