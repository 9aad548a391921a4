package models

import "time"

// Constituency 验证者阵营（封闭变体，新增阵营需要评审）
type Constituency string

const (
	ConstituencyEconomic  Constituency = "economic"
	ConstituencyCreative  Constituency = "creative"
	ConstituencyCommunity Constituency = "community"
)

// IsValid 判断阵营是否合法
func (c Constituency) IsValid() bool {
	switch c {
	case ConstituencyEconomic, ConstituencyCreative, ConstituencyCommunity:
		return true
	}
	return false
}

// ValidatorState 验证者状态机
//
// Unregistered → Active → (Slashed) → Deactivated。
// Deactivated 为终态，需重新注册才能恢复。
type ValidatorState string

const (
	ValidatorActive      ValidatorState = "active"
	ValidatorSlashed     ValidatorState = "slashed"
	ValidatorDeactivated ValidatorState = "deactivated"
)

// SlashReason 惩罚原因（封闭集合）
type SlashReason string

const (
	SlashDoubleSigning     SlashReason = "double_signing"
	SlashDowntime          SlashReason = "downtime"
	SlashMaliciousBehavior SlashReason = "malicious_behavior"
	SlashInsufficientStake SlashReason = "insufficient_stake"
	SlashIdentityFraud     SlashReason = "identity_fraud"
)

// IsValid 判断惩罚原因是否合法
func (r SlashReason) IsValid() bool {
	switch r {
	case SlashDoubleSigning, SlashDowntime, SlashMaliciousBehavior,
		SlashInsufficientStake, SlashIdentityFraud:
		return true
	}
	return false
}

// ValidatorRecord 验证者记录
type ValidatorRecord struct {
	Address        string         `json:"address"`
	Constituency   Constituency   `json:"constituency"`
	Stake          uint64         `json:"stake"`
	Reputation     float64        `json:"reputation"`
	State          ValidatorState `json:"state"`
	SlashCount     int            `json:"slash_count"`
	CreativeAssets []string       `json:"creative_assets,omitempty"` // 已验证的创作资产ID
	CommunityScore float64        `json:"community_score"`
	IdentityOK     bool           `json:"identity_verified"`
	BlocksProposed uint64         `json:"blocks_proposed"`
	BlocksMissed   uint64         `json:"blocks_missed"`
	LastSelected   time.Time      `json:"last_selected"`
	RegisteredAt   time.Time      `json:"registered_at"`
}

// Active 是否可参与选举
func (v *ValidatorRecord) Active() bool {
	return v.State == ValidatorActive || v.State == ValidatorSlashed
}
