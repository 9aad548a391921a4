package models

import (
	"sort"
	"time"
)

// LiquidityPool 恒定乘积流动性池
//
// 不变量：任意一次兑换后 ReserveA × ReserveB 不减（手续费沉淀进储备）。
// 储备只能在执行器的锁定单元内变更。
type LiquidityPool struct {
	PairID      string    `json:"pair_id"` // 规范化的 "A/B"，按字典序
	AssetA      string    `json:"asset_a"`
	AssetB      string    `json:"asset_b"`
	ReserveA    uint64    `json:"reserve_a"`
	ReserveB    uint64    `json:"reserve_b"`
	TotalShares uint64    `json:"total_shares"` // 流动性份额总供给
	UpdatedAt   time.Time `json:"updated_at"`
}

// PairID 规范化资产对标识，两侧顺序无关
func PairID(assetX, assetY string) string {
	pair := []string{assetX, assetY}
	sort.Strings(pair)
	return pair[0] + "/" + pair[1]
}

// SpotPrice 交易前现价（B per A）
func (p *LiquidityPool) SpotPrice() float64 {
	if p.ReserveA == 0 {
		return 0
	}
	return float64(p.ReserveB) / float64(p.ReserveA)
}
