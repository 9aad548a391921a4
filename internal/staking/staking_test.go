package staking

import (
	"testing"
	"time"

	"dujyochain/pkg/models"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeLedger 内存账本
type fakeLedger struct {
	balances   map[string]uint64
	stakes     map[string]*models.StakePosition
	validators map[string]*models.ValidatorRecord
	rewardPool uint64
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		balances:   make(map[string]uint64),
		stakes:     make(map[string]*models.StakePosition),
		validators: make(map[string]*models.ValidatorRecord),
	}
}

func (f *fakeLedger) BalanceForUpdate(address, asset string) (uint64, error) {
	return f.balances[address+"|"+asset], nil
}

func (f *fakeLedger) SetBalance(address, asset string, amount uint64) error {
	f.balances[address+"|"+asset] = amount
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

func (f *fakeLedger) RewardPoolForUpdate() (uint64, error) {
	return f.rewardPool, nil
}

func (f *fakeLedger) SetRewardPool(balance uint64) error {
	f.rewardPool = balance
	return nil
}

func newTestModule() *Module {
	return New(1000, 30*24*time.Hour, 500, 3, 50.0, logrus.New())
}

func TestStakeBelowMinimumRejected(t *testing.T) {
	m := newTestModule()
	led := newFakeLedger()
	led.SetBalance("alice", models.AssetDYO, 10_000)

	err := m.Stake(led, "alice", 999, time.Now())
	assert.Error(t, err)

	// 余额未动
	balance, _ := led.BalanceForUpdate("alice", models.AssetDYO)
	assert.Equal(t, uint64(10_000), balance)
}

func TestStakeDebitsBalance(t *testing.T) {
	m := newTestModule()
	led := newFakeLedger()
	led.SetBalance("alice", models.AssetDYO, 10_000)

	require.NoError(t, m.Stake(led, "alice", 5_000, time.Now()))

	balance, _ := led.BalanceForUpdate("alice", models.AssetDYO)
	assert.Equal(t, uint64(5_000), balance)
	assert.Equal(t, uint64(5_000), led.stakes["alice"].Amount)
}

func TestStakeInsufficientBalance(t *testing.T) {
	m := newTestModule()
	led := newFakeLedger()
	led.SetBalance("alice", models.AssetDYO, 1_000)

	err := m.Stake(led, "alice", 5_000, time.Now())
	assert.Error(t, err)
}

func TestUnstakeNoDustPositions(t *testing.T) {
	m := newTestModule()
	led := newFakeLedger()
	led.SetBalance("alice", models.AssetDYO, 10_000)
	now := time.Now()
	require.NoError(t, m.Stake(led, "alice", 5_000, now))

	// 剩余 500 < 最小质押量 1000，拒绝
	_, err := m.Unstake(led, "alice", 4_500, now)
	assert.Error(t, err)

	// 全额解押允许
	_, err = m.Unstake(led, "alice", 5_000, now)
	assert.NoError(t, err)
	_, exists := led.stakes["alice"]
	assert.False(t, exists)
}

func TestUnstakeEarlyFlag(t *testing.T) {
	m := newTestModule()
	led := newFakeLedger()
	led.SetBalance("alice", models.AssetDYO, 10_000)
	now := time.Now()
	require.NoError(t, m.Stake(led, "alice", 5_000, now))

	early, err := m.Unstake(led, "alice", 5_000, now.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, early)

	require.NoError(t, m.Stake(led, "alice", 5_000, now))
	early, err = m.Unstake(led, "alice", 5_000, now.Add(31*24*time.Hour))
	require.NoError(t, err)
	assert.False(t, early)
}

func TestClaimRewardBackedByPool(t *testing.T) {
	m := newTestModule()
	led := newFakeLedger()
	led.rewardPool = 1_000_000
	led.SetBalance("alice", models.AssetDYO, 100_000)
	start := time.Now().Add(-365 * 24 * time.Hour)
	led.stakes["alice"] = &models.StakePosition{
		Owner: "alice", Amount: 100_000, StartTime: start, LastClaim: start,
	}

	payout, err := m.ClaimReward(led, "alice", time.Now())
	require.NoError(t, err)

	// 年化5%，整年 → 约5000（按经过时间计算，允许微小偏差）
	assert.InDelta(t, 5_000, float64(payout), 5)

	// 奖励池相应减少
	assert.Equal(t, uint64(1_000_000)-payout, led.rewardPool)
}

func TestClaimRewardCappedByPoolBalance(t *testing.T) {
	m := newTestModule()
	led := newFakeLedger()
	led.rewardPool = 100 // 池里只剩100
	start := time.Now().Add(-365 * 24 * time.Hour)
	led.stakes["alice"] = &models.StakePosition{
		Owner: "alice", Amount: 100_000, StartTime: start, LastClaim: start,
	}

	payout, err := m.ClaimReward(led, "alice", time.Now())
	require.NoError(t, err)

	// 绝不超发：按池余额封顶
	assert.Equal(t, uint64(100), payout)
	assert.Equal(t, uint64(0), led.rewardPool)
}

func TestClaimWithoutPosition(t *testing.T) {
	m := newTestModule()
	led := newFakeLedger()

	_, err := m.ClaimReward(led, "alice", time.Now())
	assert.Error(t, err)
}

func TestSlashHalvesStake(t *testing.T) {
	m := newTestModule()
	led := newFakeLedger()
	led.validators["val1"] = &models.ValidatorRecord{
		Address: "val1", Constituency: models.ConstituencyEconomic,
		Stake: 10_000, Reputation: 100, State: models.ValidatorActive,
	}
	led.stakes["val1"] = &models.StakePosition{Owner: "val1", Amount: 10_000}

	require.NoError(t, m.Slash(led, "val1", models.SlashDowntime, time.Now()))

	v := led.validators["val1"]
	assert.Equal(t, uint64(5_000), v.Stake)
	assert.Equal(t, 1, v.SlashCount)
	assert.Equal(t, 90.0, v.Reputation)
	assert.Equal(t, models.ValidatorSlashed, v.State)

	// 削减部分进奖励池
	assert.Equal(t, uint64(5_000), led.rewardPool)
	// 质押仓位同步削减
	assert.Equal(t, uint64(5_000), led.stakes["val1"].Amount)
}

func TestSlashThresholdDeactivates(t *testing.T) {
	m := newTestModule()
	led := newFakeLedger()
	led.validators["val1"] = &models.ValidatorRecord{
		Address: "val1", Constituency: models.ConstituencyEconomic,
		Stake: 1_000_000, Reputation: 100, State: models.ValidatorActive,
	}

	require.NoError(t, m.Slash(led, "val1", models.SlashDowntime, time.Now()))
	require.NoError(t, m.Slash(led, "val1", models.SlashDowntime, time.Now()))
	assert.Equal(t, models.ValidatorSlashed, led.validators["val1"].State)

	// 第三次触达阈值，自动停用
	require.NoError(t, m.Slash(led, "val1", models.SlashDowntime, time.Now()))
	assert.Equal(t, models.ValidatorDeactivated, led.validators["val1"].State)

	// 停用后不可再惩罚
	err := m.Slash(led, "val1", models.SlashDowntime, time.Now())
	assert.Error(t, err)
}

func TestSlashBelowMinimumStakeDeactivates(t *testing.T) {
	m := newTestModule()
	led := newFakeLedger()
	led.validators["val1"] = &models.ValidatorRecord{
		Address: "val1", Constituency: models.ConstituencyEconomic,
		Stake: 1_500, Reputation: 100, State: models.ValidatorActive,
	}

	// 1500 → 750 < 1000，立即停用
	require.NoError(t, m.Slash(led, "val1", models.SlashInsufficientStake, time.Now()))
	assert.Equal(t, models.ValidatorDeactivated, led.validators["val1"].State)
}

func TestSlashRejectsUnknownReason(t *testing.T) {
	m := newTestModule()
	led := newFakeLedger()
	led.validators["val1"] = &models.ValidatorRecord{
		Address: "val1", Stake: 10_000, Reputation: 100, State: models.ValidatorActive,
	}

	err := m.Slash(led, "val1", models.SlashReason("bribery"), time.Now())
	assert.Error(t, err)
}
