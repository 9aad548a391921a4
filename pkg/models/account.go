package models

import "time"

// 资产符号常量
const (
	AssetDYO = "DYO" // 原生代币，价格浮动
	AssetDYS = "DYS" // 稳定资产，锚定1美元
)

// AccountBalance 账户余额
//
// 以 (address, asset) 为键，金额为资产最小单位的无符号整数。
// 余额永不为负，所有变更必须经过交易执行器的锁定流程。
type AccountBalance struct {
	Address   string    `json:"address"`
	Asset     string    `json:"asset"`
	Amount    uint64    `json:"amount"`
	UpdatedAt time.Time `json:"updated_at"`
}

// FeePoolAddress 手续费归集地址
const FeePoolAddress = "dujyo_fee_pool"

// RewardPoolAddress 流媒体奖励与质押奖励的资金池地址
const RewardPoolAddress = "dujyo_reward_pool"
