package staking

import (
	"time"

	chainerrors "dujyochain/internal/errors"
	"dujyochain/pkg/models"

	"github.com/sirupsen/logrus"
)

// Ledger 质押模块所需的账本写句柄
type Ledger interface {
	BalanceForUpdate(address, asset string) (uint64, error)
	SetBalance(address, asset string, amount uint64) error
	StakeForUpdate(owner string) (*models.StakePosition, error)
	SaveStake(pos *models.StakePosition) error
	DeleteStake(owner string) error
	ValidatorForUpdate(address string) (*models.ValidatorRecord, error)
	SaveValidator(v *models.ValidatorRecord) error
	RewardPoolForUpdate() (uint64, error)
	SetRewardPool(balance uint64) error
}

// Module 质押模块
//
// 质押仓位与验证者记录保持同步：仓位变更时若持有人是验证者，
// 其记录中的质押量同步更新。
type Module struct {
	minimumStake   uint64
	maturityPeriod time.Duration
	rewardRateBps  uint64
	slashThreshold int
	minReputation  float64
	logger         *logrus.Logger
}

// New 创建质押模块
func New(minimumStake uint64, maturityPeriod time.Duration, rewardRateBps uint64,
	slashThreshold int, minReputation float64, logger *logrus.Logger) *Module {
	return &Module{
		minimumStake:   minimumStake,
		maturityPeriod: maturityPeriod,
		rewardRateBps:  rewardRateBps,
		slashThreshold: slashThreshold,
		minReputation:  minReputation,
		logger:         logger,
	}
}

// MinimumStake 最小质押量
func (m *Module) MinimumStake() uint64 {
	return m.minimumStake
}

// IsEarly 判断此刻解押是否属于提前退出
func (m *Module) IsEarly(pos *models.StakePosition, now time.Time) bool {
	return now.Before(pos.StartTime.Add(m.maturityPeriod))
}

// Stake 质押DYO
//
// 金额必须不低于最小质押量。已有仓位时追加，成熟期从最近一次
// 质押重新起算。
func (m *Module) Stake(led Ledger, owner string, amount uint64, now time.Time) error {
	if amount < m.minimumStake {
		return chainerrors.Newf(chainerrors.ErrorTypeValidation, chainerrors.SeverityMedium,
			"STAKE_BELOW_MINIMUM", "质押量 %d 低于最小值 %d", amount, m.minimumStake)
	}

	balance, err := led.BalanceForUpdate(owner, models.AssetDYO)
	if err != nil {
		return err
	}
	if balance < amount {
		return chainerrors.ErrInsufficientBalance.
			WithContext("required", amount).
			WithContext("available", balance)
	}
	if err := led.SetBalance(owner, models.AssetDYO, balance-amount); err != nil {
		return err
	}

	pos, err := led.StakeForUpdate(owner)
	if err != nil {
		return err
	}
	if pos == nil {
		pos = &models.StakePosition{
			Owner:     owner,
			Amount:    amount,
			StartTime: now,
			LastClaim: now,
		}
	} else {
		if err := m.accrue(led, pos, now); err != nil {
			return err
		}
		pos.Amount += amount
		pos.StartTime = now
	}
	if err := led.SaveStake(pos); err != nil {
		return err
	}

	if err := m.syncValidatorStake(led, owner, pos.Amount); err != nil {
		return err
	}

	m.logger.WithFields(logrus.Fields{
		"owner":  owner,
		"amount": amount,
		"total":  pos.Amount,
	}).Info("质押完成")
	return nil
}

// Unstake 解押DYO
//
// 剩余仓位必须为零或不低于最小质押量，禁止碎仓。提前退出的
// 惩罚由手续费引擎另行计收，不在本方法内扣除。
func (m *Module) Unstake(led Ledger, owner string, amount uint64, now time.Time) (bool, error) {
	if amount == 0 {
		return false, chainerrors.NewChainError(chainerrors.ErrorTypeValidation,
			chainerrors.SeverityLow, "ZERO_UNSTAKE", "解押数量必须大于0")
	}

	pos, err := led.StakeForUpdate(owner)
	if err != nil {
		return false, err
	}
	if pos == nil || pos.Amount < amount {
		var staked uint64
		if pos != nil {
			staked = pos.Amount
		}
		return false, chainerrors.ErrInsufficientBalance.
			WithContext("required", amount).
			WithContext("staked", staked)
	}

	remaining := pos.Amount - amount
	if remaining != 0 && remaining < m.minimumStake {
		return false, chainerrors.Newf(chainerrors.ErrorTypeValidation, chainerrors.SeverityMedium,
			"DUST_POSITION", "剩余质押 %d 低于最小值 %d，必须全额解押或减少数量", remaining, m.minimumStake)
	}

	early := m.IsEarly(pos, now)

	if err := m.accrue(led, pos, now); err != nil {
		return false, err
	}

	balance, err := led.BalanceForUpdate(owner, models.AssetDYO)
	if err != nil {
		return false, err
	}
	if err := led.SetBalance(owner, models.AssetDYO, balance+amount); err != nil {
		return false, err
	}

	if remaining == 0 && pos.Accrued == 0 {
		if err := led.DeleteStake(owner); err != nil {
			return false, err
		}
	} else {
		pos.Amount = remaining
		if err := led.SaveStake(pos); err != nil {
			return false, err
		}
	}

	if err := m.syncValidatorStake(led, owner, remaining); err != nil {
		return false, err
	}

	m.logger.WithFields(logrus.Fields{
		"owner":     owner,
		"amount":    amount,
		"remaining": remaining,
		"early":     early,
	}).Info("解押完成")
	return early, nil
}

// ClaimReward 领取已计提的质押奖励
//
// 奖励只能从奖励池实际余额中支付，池不足时按余额封顶，
// 绝不凭空铸造。
func (m *Module) ClaimReward(led Ledger, owner string, now time.Time) (uint64, error) {
	pos, err := led.StakeForUpdate(owner)
	if err != nil {
		return 0, err
	}
	if pos == nil {
		return 0, chainerrors.NewChainError(chainerrors.ErrorTypeValidation,
			chainerrors.SeverityLow, "NO_STAKE_POSITION", "没有质押仓位")
	}

	if err := m.accrue(led, pos, now); err != nil {
		return 0, err
	}
	if pos.Accrued == 0 {
		pos.LastClaim = now
		return 0, led.SaveStake(pos)
	}

	payout := pos.Accrued
	pos.Accrued = 0
	pos.LastClaim = now
	if err := led.SaveStake(pos); err != nil {
		return 0, err
	}

	balance, err := led.BalanceForUpdate(owner, models.AssetDYO)
	if err != nil {
		return 0, err
	}
	if err := led.SetBalance(owner, models.AssetDYO, balance+payout); err != nil {
		return 0, err
	}

	m.logger.WithFields(logrus.Fields{
		"owner":  owner,
		"payout": payout,
	}).Info("奖励已领取")
	return payout, nil
}

// accrue 计提自上次领取以来的奖励，并立即从奖励池划出
//
// reward = 质押量 × 年化率 × 经过时间 / 一年，受奖励池余额封顶。
// 划出的部分记入仓位的 Accrued，领取时再入账户余额。
func (m *Module) accrue(led Ledger, pos *models.StakePosition, now time.Time) error {
	elapsed := now.Sub(pos.LastClaim)
	if elapsed <= 0 || pos.Amount == 0 {
		return nil
	}

	const year = 365 * 24 * time.Hour
	reward := uint64(float64(pos.Amount) * float64(m.rewardRateBps) / 10_000 *
		(float64(elapsed) / float64(year)))
	if reward == 0 {
		return nil
	}

	poolBalance, err := led.RewardPoolForUpdate()
	if err != nil {
		return err
	}
	if reward > poolBalance {
		reward = poolBalance
	}
	if reward == 0 {
		return nil
	}

	if err := led.SetRewardPool(poolBalance - reward); err != nil {
		return err
	}
	pos.Accrued += reward
	pos.LastClaim = now
	return nil
}

// Slash 惩罚验证者
//
// 质押削减50%并计入奖励池，声誉-10。惩罚次数越限、剩余质押
// 低于最小值或声誉低于下限时自动停用。
func (m *Module) Slash(led Ledger, address string, reason models.SlashReason, now time.Time) error {
	if !reason.IsValid() {
		return chainerrors.Newf(chainerrors.ErrorTypeValidation, chainerrors.SeverityMedium,
			"INVALID_SLASH_REASON", "未知惩罚原因: %s", reason)
	}

	v, err := led.ValidatorForUpdate(address)
	if err != nil {
		return err
	}
	if v == nil {
		return chainerrors.Newf(chainerrors.ErrorTypeValidation, chainerrors.SeverityMedium,
			"VALIDATOR_NOT_FOUND", "验证者 %s 不存在", address)
	}
	if v.State == models.ValidatorDeactivated {
		return chainerrors.NewChainError(chainerrors.ErrorTypeValidation,
			chainerrors.SeverityLow, "VALIDATOR_DEACTIVATED", "验证者已停用")
	}

	slashed := v.Stake / 2
	v.Stake -= slashed
	v.SlashCount++
	v.Reputation -= 10
	v.State = models.ValidatorSlashed

	// 同步削减质押仓位
	pos, err := led.StakeForUpdate(address)
	if err != nil {
		return err
	}
	if pos != nil {
		if pos.Amount < slashed {
			pos.Amount = 0
		} else {
			pos.Amount -= slashed
		}
		if err := led.SaveStake(pos); err != nil {
			return err
		}
	}

	// 削减的质押注入奖励池
	if slashed > 0 {
		poolBalance, err := led.RewardPoolForUpdate()
		if err != nil {
			return err
		}
		if err := led.SetRewardPool(poolBalance + slashed); err != nil {
			return err
		}
	}

	if v.SlashCount >= m.slashThreshold ||
		v.Stake < m.minimumStake ||
		v.Reputation < m.minReputation {
		v.State = models.ValidatorDeactivated
	}

	if err := led.SaveValidator(v); err != nil {
		return err
	}

	m.logger.WithFields(logrus.Fields{
		"validator":   address,
		"reason":      reason,
		"slashed":     slashed,
		"slash_count": v.SlashCount,
		"state":       v.State,
	}).Warn("验证者已受惩罚")
	return nil
}

// syncValidatorStake 仓位变更后同步验证者记录
func (m *Module) syncValidatorStake(led Ledger, owner string, staked uint64) error {
	v, err := led.ValidatorForUpdate(owner)
	if err != nil {
		return err
	}
	if v == nil {
		return nil
	}

	v.Stake = staked
	if v.Constituency == models.ConstituencyEconomic &&
		staked < m.minimumStake && v.State != models.ValidatorDeactivated {
		v.State = models.ValidatorDeactivated
	}
	return led.SaveValidator(v)
}
