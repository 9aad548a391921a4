package consensus

import (
	chainerrors "dujyochain/internal/errors"
	"dujyochain/pkg/models"
)

// VerifyProposal 校验区块提案的高度与前驱哈希链接
//
// head 为当前链头，链为空时传nil（此时只接受创世高度0）。
// 校验失败的提案被拒绝而不追加，恶意格式的提案由调用方决定
// 是否触发惩罚。
func VerifyProposal(head, proposal *models.Block) error {
	if proposal == nil {
		return chainerrors.ErrInvalidBlockProposal
	}
	if proposal.Producer == "" {
		return chainerrors.ErrInvalidBlockProposal.WithContext("reason", "缺少出块者")
	}
	if proposal.TxCount != len(proposal.TxHashes) {
		return chainerrors.ErrInvalidBlockProposal.
			WithContext("reason", "交易数与哈希列表不一致")
	}

	if head == nil {
		if proposal.Height != 0 {
			return chainerrors.ErrInvalidBlockProposal.
				WithBlockHeight(proposal.Height).
				WithContext("reason", "空链只接受高度0")
		}
		if proposal.PreviousHash != models.GenesisPreviousHash {
			return chainerrors.ErrInvalidBlockProposal.
				WithContext("reason", "创世区块前驱哈希错误")
		}
	} else {
		if proposal.Height != head.Height+1 {
			return chainerrors.ErrInvalidBlockProposal.
				WithBlockHeight(proposal.Height).
				WithContext("reason", "高度不连续").
				WithContext("head_height", head.Height)
		}
		if proposal.PreviousHash != head.Hash {
			return chainerrors.ErrInvalidBlockProposal.
				WithBlockHeight(proposal.Height).
				WithContext("reason", "前驱哈希不匹配")
		}
	}

	if proposal.Hash != proposal.ComputeHash() {
		return chainerrors.ErrInvalidBlockProposal.
			WithBlockHeight(proposal.Height).
			WithContext("reason", "区块哈希与内容不符")
	}
	return nil
}
