package consensus

import (
	"encoding/binary"
	"time"

	chainerrors "dujyochain/internal/errors"
	"dujyochain/pkg/models"

	"github.com/sirupsen/logrus"
)

// Ledger 共识引擎所需的账本写句柄
type Ledger interface {
	ValidatorForUpdate(address string) (*models.ValidatorRecord, error)
	SaveValidator(v *models.ValidatorRecord) error
	CountValidators(c models.Constituency) (int, error)
	StakeForUpdate(owner string) (*models.StakePosition, error)
}

// Params 共识参数
type Params struct {
	MaxEconomic       int
	MaxCreative       int
	MaxCommunity      int
	LambdaEconomic    float64
	LambdaCreative    float64
	LambdaCommunity   float64
	MinimumStake      uint64
	MinCreativeScore  float64
	MinCommunityScore float64
	SelectionCooldown time.Duration
	MinReputation     float64
}

// Engine 三阵营权益证明（CPV）引擎
//
// 经济、创作、社区三个阵营以固定权重竞争出块权，选举熵来自
// 承诺-揭示轮次的有效揭示值。
type Engine struct {
	params Params
	logger *logrus.Logger
}

// NewEngine 创建共识引擎
func NewEngine(params Params, logger *logrus.Logger) *Engine {
	return &Engine{params: params, logger: logger}
}

// RegistrationInput 验证者注册请求
type RegistrationInput struct {
	Constituency   models.Constituency `json:"constituency"`
	CreativeAssets []string            `json:"creative_assets,omitempty"`
	Score          float64             `json:"score"` // 创作/社区评分
	IdentityOK     bool                `json:"identity_verified"`
}

// Register 注册验证者
//
// 按阵营校验独立的人数上限和准入条件：经济阵营看质押量，
// 创作阵营看已验证的创作资产与评分，社区阵营看身份与社区评分。
// 已停用的验证者可以重新注册。
func (e *Engine) Register(led Ledger, address string, input RegistrationInput, now time.Time) (*models.ValidatorRecord, error) {
	if !input.Constituency.IsValid() {
		return nil, chainerrors.Newf(chainerrors.ErrorTypeValidation, chainerrors.SeverityMedium,
			"INVALID_CONSTITUENCY", "未知阵营: %s", input.Constituency)
	}

	existing, err := led.ValidatorForUpdate(address)
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.State != models.ValidatorDeactivated {
		return nil, chainerrors.Newf(chainerrors.ErrorTypeValidation, chainerrors.SeverityMedium,
			"ALREADY_REGISTERED", "验证者 %s 已注册", address)
	}

	count, err := led.CountValidators(input.Constituency)
	if err != nil {
		return nil, err
	}
	if count >= e.capFor(input.Constituency) {
		return nil, chainerrors.Newf(chainerrors.ErrorTypeValidation, chainerrors.SeverityMedium,
			"CONSTITUENCY_FULL", "%s 阵营已达上限 %d", input.Constituency, e.capFor(input.Constituency))
	}

	pos, err := led.StakeForUpdate(address)
	if err != nil {
		return nil, err
	}
	var staked uint64
	if pos != nil {
		staked = pos.Amount
	}

	if err := e.checkEligibility(input, staked); err != nil {
		return nil, err
	}

	record := &models.ValidatorRecord{
		Address:        address,
		Constituency:   input.Constituency,
		Stake:          staked,
		Reputation:     100,
		State:          models.ValidatorActive,
		CreativeAssets: input.CreativeAssets,
		CommunityScore: input.Score,
		IdentityOK:     input.IdentityOK,
		RegisteredAt:   now,
	}
	if err := led.SaveValidator(record); err != nil {
		return nil, err
	}

	e.logger.WithFields(logrus.Fields{
		"validator":    address,
		"constituency": input.Constituency,
		"stake":        staked,
	}).Info("验证者注册成功")
	return record, nil
}

// checkEligibility 阵营准入条件
func (e *Engine) checkEligibility(input RegistrationInput, staked uint64) error {
	switch input.Constituency {
	case models.ConstituencyEconomic:
		if staked < e.params.MinimumStake {
			return chainerrors.Newf(chainerrors.ErrorTypeValidation, chainerrors.SeverityMedium,
				"INSUFFICIENT_STAKE", "经济阵营要求质押不低于 %d，当前 %d", e.params.MinimumStake, staked)
		}
	case models.ConstituencyCreative:
		if len(input.CreativeAssets) == 0 {
			return chainerrors.NewChainError(chainerrors.ErrorTypeValidation, chainerrors.SeverityMedium,
				"NO_CREATIVE_ASSETS", "创作阵营要求至少一项已验证的创作资产")
		}
		if input.Score < e.params.MinCreativeScore {
			return chainerrors.Newf(chainerrors.ErrorTypeValidation, chainerrors.SeverityMedium,
				"CREATIVE_SCORE_TOO_LOW", "创作评分 %.1f 低于门槛 %.1f", input.Score, e.params.MinCreativeScore)
		}
	case models.ConstituencyCommunity:
		if !input.IdentityOK {
			return chainerrors.NewChainError(chainerrors.ErrorTypeValidation, chainerrors.SeverityMedium,
				"IDENTITY_NOT_VERIFIED", "社区阵营要求通过身份验证")
		}
		if input.Score < e.params.MinCommunityScore {
			return chainerrors.Newf(chainerrors.ErrorTypeValidation, chainerrors.SeverityMedium,
				"COMMUNITY_SCORE_TOO_LOW", "社区评分 %.1f 低于门槛 %.1f", input.Score, e.params.MinCommunityScore)
		}
	}
	return nil
}

func (e *Engine) capFor(c models.Constituency) int {
	switch c {
	case models.ConstituencyEconomic:
		return e.params.MaxEconomic
	case models.ConstituencyCreative:
		return e.params.MaxCreative
	case models.ConstituencyCommunity:
		return e.params.MaxCommunity
	}
	return 0
}

func (e *Engine) lambdaFor(c models.Constituency) float64 {
	switch c {
	case models.ConstituencyEconomic:
		return e.params.LambdaEconomic
	case models.ConstituencyCreative:
		return e.params.LambdaCreative
	case models.ConstituencyCommunity:
		return e.params.LambdaCommunity
	}
	return 0
}

// score 阵营内的个体得分
//
// 经济阵营按质押量，创作阵营按资产数乘评分，社区阵营按社区评分。
func (e *Engine) score(v *models.ValidatorRecord) float64 {
	switch v.Constituency {
	case models.ConstituencyEconomic:
		return float64(v.Stake)
	case models.ConstituencyCreative:
		return float64(len(v.CreativeAssets)) * v.CommunityScore
	case models.ConstituencyCommunity:
		return v.CommunityScore
	}
	return 0
}

// Eligible 判断验证者此刻是否可参与选举
func (e *Engine) Eligible(v *models.ValidatorRecord, now time.Time) bool {
	if !v.Active() {
		return false
	}
	if v.Reputation < e.params.MinReputation {
		return false
	}
	// 冷却期内不可连续当选
	if now.Sub(v.LastSelected) < e.params.SelectionCooldown {
		return false
	}
	return true
}

// SelectProducer 选出本轮出块者
//
// 每个候选人的权重 = 阵营权重λ × 阵营内归一化得分 × 声誉系数，
// 用轮次熵做加权随机抽取。熵相同则结果确定，可被其他节点复验。
func (e *Engine) SelectProducer(validators []*models.ValidatorRecord, entropy []byte, now time.Time) (*models.ValidatorRecord, error) {
	if len(entropy) < 8 {
		return nil, chainerrors.NewChainError(chainerrors.ErrorTypeConsensus,
			chainerrors.SeverityHigh, "INSUFFICIENT_ENTROPY", "选举熵不足")
	}

	// 先按阵营汇总得分用于归一化
	totals := make(map[models.Constituency]float64)
	var eligible []*models.ValidatorRecord
	for _, v := range validators {
		if !e.Eligible(v, now) {
			continue
		}
		s := e.score(v)
		if s <= 0 {
			continue
		}
		totals[v.Constituency] += s
		eligible = append(eligible, v)
	}
	if len(eligible) == 0 {
		return nil, chainerrors.NewChainError(chainerrors.ErrorTypeConsensus,
			chainerrors.SeverityMedium, "NO_ELIGIBLE_VALIDATORS", "没有符合条件的验证者")
	}

	weights := make([]float64, len(eligible))
	var totalWeight float64
	for i, v := range eligible {
		normalized := e.score(v) / totals[v.Constituency]
		w := e.lambdaFor(v.Constituency) * normalized * (v.Reputation / 100)
		weights[i] = w
		totalWeight += w
	}

	// 熵映射到 [0, totalWeight)
	raw := binary.BigEndian.Uint64(entropy[:8])
	target := float64(raw) / float64(^uint64(0)) * totalWeight

	var cumulative float64
	for i, v := range eligible {
		cumulative += weights[i]
		if target < cumulative {
			return v, nil
		}
	}
	return eligible[len(eligible)-1], nil
}

// MarkSelected 记录当选并启动冷却
func (e *Engine) MarkSelected(led Ledger, address string, now time.Time) error {
	v, err := led.ValidatorForUpdate(address)
	if err != nil {
		return err
	}
	if v == nil {
		return chainerrors.Newf(chainerrors.ErrorTypeConsensus, chainerrors.SeverityHigh,
			"VALIDATOR_NOT_FOUND", "当选验证者 %s 不存在", address)
	}
	v.LastSelected = now
	return led.SaveValidator(v)
}

// RecordProposed 出块成功，小幅回升声誉
func (e *Engine) RecordProposed(led Ledger, address string) error {
	v, err := led.ValidatorForUpdate(address)
	if err != nil || v == nil {
		return err
	}
	v.BlocksProposed++
	v.Reputation += 0.1
	if v.Reputation > 100 {
		v.Reputation = 100
	}
	return led.SaveValidator(v)
}

// RecordMissed 缺席本轮，扣减声誉
func (e *Engine) RecordMissed(led Ledger, address string) error {
	v, err := led.ValidatorForUpdate(address)
	if err != nil || v == nil {
		return err
	}
	v.BlocksMissed++
	v.Reputation -= 0.5
	if v.Reputation < e.params.MinReputation && v.State != models.ValidatorDeactivated {
		v.State = models.ValidatorDeactivated
	}
	return led.SaveValidator(v)
}
