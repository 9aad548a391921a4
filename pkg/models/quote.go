package models

// ActorTier 计费主体等级，决定手续费折扣
type ActorTier string

const (
	TierRegular            ActorTier = "regular"
	TierPremium            ActorTier = "premium"
	TierCreativeValidator  ActorTier = "creative_validator"
	TierCommunityValidator ActorTier = "community_validator"
	TierEconomicValidator  ActorTier = "economic_validator"
)

// GasQuote 手续费报价
//
// 临时对象，仅随审计记录留痕，不单独持久化。
type GasQuote struct {
	Kind           OperationKind `json:"kind"`
	BaseUSD        float64       `json:"base_usd"`        // 折扣前的USD基础价
	DiscountPct    float64       `json:"discount_pct"`    // 已应用的折扣（百分比）
	Congestion     float64       `json:"congestion"`      // 拥堵乘数（0.5 ~ 2.0）
	FeeUSD         float64       `json:"fee_usd"`         // 折扣和拥堵后的USD价
	PriceUSD       float64       `json:"price_usd"`       // 报价时的DYO美元价格
	FeeNative      uint64        `json:"fee_native"`      // 换算后的DYO最小单位，向上取整
	PenaltyNative  uint64        `json:"penalty_native"`  // 提前解押惩罚（DYO最小单位）
	Free           bool          `json:"free"`            // Free计费模型
}

// TotalNative 手续费与惩罚合计
func (q *GasQuote) TotalNative() uint64 {
	return q.FeeNative + q.PenaltyNative
}
