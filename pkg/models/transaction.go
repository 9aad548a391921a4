package models

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
)

// OperationKind 交易操作类型
type OperationKind string

const (
	OpTransfer          OperationKind = "transfer"
	OpExchangeSwap      OperationKind = "exchange_swap"
	OpAddLiquidity      OperationKind = "add_liquidity"
	OpRemoveLiquidity   OperationKind = "remove_liquidity"
	OpStake             OperationKind = "stake"
	OpUnstake           OperationKind = "unstake"
	OpClaimReward       OperationKind = "claim_reward"
	OpRegisterValidator OperationKind = "register_validator"
	OpProposeBlock      OperationKind = "propose_block"
	OpContentEarn       OperationKind = "content_earn"
)

// IsValid 判断操作类型是否在封闭集合内
func (k OperationKind) IsValid() bool {
	switch k {
	case OpTransfer, OpExchangeSwap, OpAddLiquidity, OpRemoveLiquidity,
		OpStake, OpUnstake, OpClaimReward, OpRegisterValidator,
		OpProposeBlock, OpContentEarn:
		return true
	}
	return false
}

// TxStatus 交易状态
type TxStatus string

const (
	TxStatusCommitted TxStatus = "committed" // 已提交，等待打包
	TxStatusIncluded  TxStatus = "included"  // 已包含在区块中
)

// Transaction 交易数据模型
//
// 交易一旦提交即不可变。被拒绝的交易不会持久化。
type Transaction struct {
	Hash        string        `json:"hash"`
	Sender      string        `json:"sender"`
	Recipient   string        `json:"recipient"`
	Asset       string        `json:"asset"`
	Amount      uint64        `json:"amount"`
	Kind        OperationKind `json:"kind"`
	Payload     []byte        `json:"payload,omitempty"`
	Nonce       uint64        `json:"nonce"`
	FeePaid     uint64        `json:"fee_paid"`     // 实际支付的手续费（DYO最小单位）
	FeeUSD      float64       `json:"fee_usd"`      // 报价时的USD金额
	AutoSwapped bool          `json:"auto_swapped"` // 是否触发了自动兑换
	Status      TxStatus      `json:"status"`
	BlockHeight *uint64       `json:"block_height,omitempty"`
	Timestamp   time.Time     `json:"timestamp"`
}

// ComputeHash 计算交易哈希
//
// 哈希覆盖所有创建时即确定的字段，手续费由执行器回填，不参与哈希。
func (t *Transaction) ComputeHash() string {
	data := fmt.Sprintf("%s|%s|%s|%d|%s|%x|%d|%d",
		t.Sender, t.Recipient, t.Asset, t.Amount, t.Kind, t.Payload, t.Nonce, t.Timestamp.UnixNano())
	return crypto.Keccak256Hash([]byte(data)).Hex()
}
