package gas

import (
	"math"
	"sync"

	chainerrors "dujyochain/internal/errors"
	"dujyochain/internal/oracle"
	"dujyochain/pkg/models"

	"github.com/sirupsen/logrus"
)

// FeeModelKind 手续费模型
type FeeModelKind int

const (
	FeeModelFree FeeModelKind = iota
	FeeModelFixed
	FeeModelPercentage
	FeeModelHybrid
)

// FeeModel 单个操作类型的计费规则
//
// Fixed: BaseUSD 固定金额。
// Percentage: 交易金额按 RateBps 计费，受 MinUSD/MaxUSD 钳制。
// Hybrid: BaseUSD + 按比例部分，受 MaxUSD 钳制。
type FeeModel struct {
	Kind    FeeModelKind
	BaseUSD float64
	RateBps uint64
	MinUSD  float64
	MaxUSD  float64
}

// feeTable 操作类型到计费规则的映射
//
// 出块和内容奖励发放完全免费，其余按操作的资源开销定价。
var feeTable = map[models.OperationKind]FeeModel{
	models.OpTransfer:          {Kind: FeeModelFixed, BaseUSD: 0.001},
	models.OpExchangeSwap:      {Kind: FeeModelPercentage, RateBps: 10, MinUSD: 0.01, MaxUSD: 0.50},
	models.OpAddLiquidity:      {Kind: FeeModelFixed, BaseUSD: 0.02},
	models.OpRemoveLiquidity:   {Kind: FeeModelFixed, BaseUSD: 0.02},
	models.OpStake:             {Kind: FeeModelFixed, BaseUSD: 0.02},
	models.OpUnstake:           {Kind: FeeModelHybrid, BaseUSD: 0.02, RateBps: 20, MaxUSD: 0.50},
	models.OpClaimReward:       {Kind: FeeModelFixed, BaseUSD: 0.01},
	models.OpRegisterValidator: {Kind: FeeModelFixed, BaseUSD: 0.10},
	models.OpProposeBlock:      {Kind: FeeModelFree},
	models.OpContentEarn:       {Kind: FeeModelFree},
}

// DiscountFor 按行为人等级返回折扣比例（0表示无折扣）
//
// 高级用户与创作阵营验证者五折，社区阵营验证者七五折，
// 经济阵营验证者和普通用户原价。
func (e *Engine) DiscountFor(tier models.ActorTier) float64 {
	switch tier {
	case models.TierPremium:
		return e.premiumDiscount
	case models.TierCreativeValidator:
		return e.creativeDiscount
	case models.TierCommunityValidator:
		return e.communityDiscount
	default:
		return 0
	}
}

// Engine 手续费引擎
//
// 所有费用先以美元定价，再按预言机价格换算成DYO最小单位。
type Engine struct {
	prices oracle.PriceSource
	logger *logrus.Logger

	premiumDiscount   float64
	creativeDiscount  float64
	communityDiscount float64

	mu         sync.RWMutex
	congestion float64 // 拥堵信号 [0,1]
}

// NewEngine 创建手续费引擎
func NewEngine(prices oracle.PriceSource, premiumDiscount, creativeDiscount, communityDiscount, congestion float64, logger *logrus.Logger) *Engine {
	return &Engine{
		prices:            prices,
		logger:            logger,
		premiumDiscount:   premiumDiscount,
		creativeDiscount:  creativeDiscount,
		communityDiscount: communityDiscount,
		congestion:        clampSignal(congestion),
	}
}

// SetCongestion 更新拥堵信号，越界值钳制到 [0,1]
func (e *Engine) SetCongestion(signal float64) {
	e.mu.Lock()
	e.congestion = clampSignal(signal)
	e.mu.Unlock()
}

// CongestionMultiplier 当前拥堵系数
//
// 空闲网络0.5倍，饱和网络2.0倍，折扣之后再乘。
func (e *Engine) CongestionMultiplier() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return 0.5 + 1.5*e.congestion
}

func clampSignal(signal float64) float64 {
	if signal < 0 {
		return 0
	}
	if signal > 1 {
		return 1
	}
	return signal
}

// Quote 为一笔交易报价
//
// amount 是交易金额（DYO最小单位），用于按比例计费的模型。
// 报价是短暂的，不落库，只通过审计日志留痕。
func (e *Engine) Quote(kind models.OperationKind, amount uint64, tier models.ActorTier) (*models.GasQuote, error) {
	model, ok := feeTable[kind]
	if !ok {
		return nil, chainerrors.Newf(chainerrors.ErrorTypeValidation, chainerrors.SeverityMedium,
			"UNKNOWN_OPERATION", "未知操作类型: %s", kind)
	}

	if model.Kind == FeeModelFree {
		return &models.GasQuote{
			Kind: kind,
			Free: true,
		}, nil
	}

	price, err := e.prices.PriceUSD(models.AssetDYO)
	if err != nil {
		return nil, err
	}

	baseUSD, err := e.baseFeeUSD(model, amount, price)
	if err != nil {
		return nil, err
	}

	discount := e.DiscountFor(tier)
	congestion := e.CongestionMultiplier()
	feeUSD := baseUSD * (1 - discount) * congestion

	feeNative, err := usdToNative(feeUSD, price)
	if err != nil {
		return nil, err
	}

	quote := &models.GasQuote{
		Kind:        kind,
		BaseUSD:     baseUSD,
		DiscountPct: discount,
		Congestion:  congestion,
		FeeUSD:      feeUSD,
		PriceUSD:    price,
		FeeNative:   feeNative,
	}

	e.logger.WithFields(logrus.Fields{
		"kind":       kind,
		"fee_usd":    feeUSD,
		"fee_native": feeNative,
		"discount":   discount,
		"congestion": congestion,
	}).Debug("手续费报价完成")
	return quote, nil
}

// QuoteUnstake 为解押报价，提前退出时附加惩罚
//
// 惩罚按解押金额的固定比例收取，不参与折扣和拥堵系数。
func (e *Engine) QuoteUnstake(amount uint64, tier models.ActorTier, early bool, penaltyBps uint64) (*models.GasQuote, error) {
	quote, err := e.Quote(models.OpUnstake, amount, tier)
	if err != nil {
		return nil, err
	}
	if early {
		quote.PenaltyNative = amount * penaltyBps / 10_000
	}
	return quote, nil
}

// baseFeeUSD 计算折扣前的美元费用
func (e *Engine) baseFeeUSD(model FeeModel, amount uint64, priceUSD float64) (float64, error) {
	switch model.Kind {
	case FeeModelFixed:
		return model.BaseUSD, nil

	case FeeModelPercentage:
		amountUSD := float64(amount) * priceUSD
		fee := amountUSD * float64(model.RateBps) / 10_000
		return clampUSD(fee, model.MinUSD, model.MaxUSD), nil

	case FeeModelHybrid:
		amountUSD := float64(amount) * priceUSD
		fee := model.BaseUSD + amountUSD*float64(model.RateBps)/10_000
		return clampUSD(fee, model.MinUSD, model.MaxUSD), nil

	default:
		return 0, chainerrors.NewChainError(chainerrors.ErrorTypeComputation,
			chainerrors.SeverityHigh, "UNKNOWN_FEE_MODEL", "未知手续费模型")
	}
}

func clampUSD(fee, min, max float64) float64 {
	if min > 0 && fee < min {
		fee = min
	}
	if max > 0 && fee > max {
		fee = max
	}
	return fee
}

// usdToNative 美元金额换算成DYO最小单位
//
// $0 严格换算为0。正费用向上取整，保证非零费用永远不会
// 因取整变成免费。
func usdToNative(feeUSD, priceUSD float64) (uint64, error) {
	if priceUSD <= 0 {
		return 0, chainerrors.ErrOraclePriceInvalid
	}
	if feeUSD == 0 {
		return 0, nil
	}
	if feeUSD < 0 {
		return 0, chainerrors.NewChainError(chainerrors.ErrorTypeComputation,
			chainerrors.SeverityHigh, "NEGATIVE_FEE", "费用不能为负")
	}

	units := math.Ceil(feeUSD / priceUSD)
	if units > float64(math.MaxUint64) {
		return 0, chainerrors.ErrAmountOverflow
	}
	if units < 1 {
		units = 1
	}
	return uint64(units), nil
}
