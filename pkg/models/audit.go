package models

import "time"

// AuditOutcome 审计结果
type AuditOutcome string

const (
	AuditOutcomeCommitted AuditOutcome = "committed"
	AuditOutcomeSlashed   AuditOutcome = "slashed"
	AuditOutcomeBlock     AuditOutcome = "block_appended"
)

// AuditEntry 审计日志条目
//
// 只追加，与所记录的账本变更处于同一原子单元；永不更新或删除。
type AuditEntry struct {
	ID          int64        `json:"id,omitempty"`
	OperationID string       `json:"operation_id"` // 交易哈希或事件标识
	Actor       string       `json:"actor"`
	Kind        string       `json:"kind"`
	Amount      uint64       `json:"amount"`
	FeePaid     uint64       `json:"fee_paid"`
	Outcome     AuditOutcome `json:"outcome"`
	Detail      string       `json:"detail,omitempty"`
	Timestamp   time.Time    `json:"timestamp"`
}
