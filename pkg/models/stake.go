package models

import "time"

// StakePosition 质押仓位
//
// 由 Stake 交易创建，Unstake 扣减（可能触发提前退出惩罚），
// 全部取回后销毁。
type StakePosition struct {
	Owner     string    `json:"owner"`
	Amount    uint64    `json:"amount"`
	StartTime time.Time `json:"start_time"`
	Accrued   uint64    `json:"accrued"` // 已计提未领取的奖励（DYO最小单位）
	LastClaim time.Time `json:"last_claim"`
}
