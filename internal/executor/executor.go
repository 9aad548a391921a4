package executor

import (
	"context"
	"encoding/json"
	"math"
	"time"

	"dujyochain/internal/audit"
	"dujyochain/internal/consensus"
	chainerrors "dujyochain/internal/errors"
	"dujyochain/internal/exchange"
	"dujyochain/internal/gas"
	"dujyochain/internal/staking"
	"dujyochain/pkg/models"

	"github.com/sirupsen/logrus"
)

// Ledger 执行器所需的完整账本写句柄
//
// 存储层的原子单元句柄实现了此接口的全部方法。
type Ledger interface {
	exchange.Ledger
	staking.Ledger
	consensus.Ledger
	NonceForUpdate(address string) (uint64, error)
	SetNonce(address string, nonce uint64) error
	InsertTransaction(tx *models.Transaction) error
	AppendAudit(entry *models.AuditEntry) error
}

// Runner 提供原子单元
type Runner interface {
	WithinTx(ctx context.Context, fn func(led Ledger) error) error
}

// SubmitRequest 交易提交请求
type SubmitRequest struct {
	Sender    string               `json:"sender" binding:"required"`
	Recipient string               `json:"recipient"`
	Asset     string               `json:"asset"`
	Amount    uint64               `json:"amount"`
	Kind      models.OperationKind `json:"kind" binding:"required"`
	Payload   json.RawMessage      `json:"payload,omitempty"`
	Nonce     uint64               `json:"nonce"`
	Premium   bool                 `json:"premium"`

	// Internal 标记由内部子系统（内容分发奖励）发起的请求，
	// 外部API不得设置
	Internal bool `json:"-"`
}

// SwapPayload 兑换操作载荷
type SwapPayload struct {
	AssetIn  string `json:"asset_in"`
	AssetOut string `json:"asset_out"`
}

// AddLiquidityPayload 注入流动性载荷
type AddLiquidityPayload struct {
	AssetA  string `json:"asset_a"`
	AssetB  string `json:"asset_b"`
	AmountA uint64 `json:"amount_a"`
	AmountB uint64 `json:"amount_b"`
}

// RemoveLiquidityPayload 赎回流动性载荷
type RemoveLiquidityPayload struct {
	PairID string `json:"pair_id"`
	Shares uint64 `json:"shares"`
}

// Executor 交易执行器
//
// 校验 → 报价 → 自动兑换 → 执行 → 审计，全部在一个原子单元内：
// 任何一步失败整体回滚，被拒绝的交易没有任何可观察的副作用。
type Executor struct {
	runner        Runner
	gasEngine     *gas.Engine
	exchange      *exchange.Exchange
	staking       *staking.Module
	consensus     *consensus.Engine
	swapBufferBps uint64
	penaltyBps    uint64
	publisher     audit.Publisher
	logger        *logrus.Logger
}

// New 创建交易执行器
func New(runner Runner, gasEngine *gas.Engine, ex *exchange.Exchange, st *staking.Module,
	cs *consensus.Engine, swapBufferBps, penaltyBps uint64,
	publisher audit.Publisher, logger *logrus.Logger) *Executor {
	return &Executor{
		runner:        runner,
		gasEngine:     gasEngine,
		exchange:      ex,
		staking:       st,
		consensus:     cs,
		swapBufferBps: swapBufferBps,
		penaltyBps:    penaltyBps,
		publisher:     publisher,
		logger:        logger,
	}
}

// Execute 执行一笔交易
//
// 返回已提交的交易记录，或类型化的拒绝错误。被拒绝的交易
// 不持久化。
func (e *Executor) Execute(ctx context.Context, req *SubmitRequest) (*models.Transaction, error) {
	if err := e.validateStatic(req); err != nil {
		return nil, err
	}

	now := time.Now()
	tx := &models.Transaction{
		Sender:    req.Sender,
		Recipient: req.Recipient,
		Asset:     req.Asset,
		Amount:    req.Amount,
		Kind:      req.Kind,
		Payload:   req.Payload,
		Status:    models.TxStatusCommitted,
		Timestamp: now,
	}
	var entry *models.AuditEntry

	err := e.runner.WithinTx(ctx, func(led Ledger) error {
		nonce, err := e.checkNonce(led, req)
		if err != nil {
			return err
		}
		tx.Nonce = nonce

		quote, err := e.quoteFor(led, req, now)
		if err != nil {
			return err
		}

		autoSwapped, err := e.fundFee(led, req.Sender, quote)
		if err != nil {
			return err
		}
		tx.FeePaid = quote.TotalNative()
		tx.FeeUSD = quote.FeeUSD
		tx.AutoSwapped = autoSwapped

		if err := e.apply(led, req, now); err != nil {
			return err
		}

		tx.Hash = tx.ComputeHash()
		if err := led.InsertTransaction(tx); err != nil {
			return err
		}
		if err := led.SetNonce(req.Sender, nonce); err != nil {
			return err
		}

		entry = &models.AuditEntry{
			OperationID: tx.Hash,
			Actor:       req.Sender,
			Kind:        string(req.Kind),
			Amount:      req.Amount,
			FeePaid:     tx.FeePaid,
			Outcome:     models.AuditOutcomeCommitted,
			Timestamp:   now,
		}
		return led.AppendAudit(entry)
	})
	if err != nil {
		e.logger.WithFields(logrus.Fields{
			"sender": req.Sender,
			"kind":   req.Kind,
			"error":  err.Error(),
		}).Warn("交易被拒绝")
		return nil, err
	}

	// 提交后尽力分发，失败只记日志，不影响已提交的交易
	if pubErr := e.publisher.PublishAudit(entry); pubErr != nil {
		e.logger.WithField("error", pubErr.Error()).Warn("审计事件分发失败")
	}

	e.logger.WithFields(logrus.Fields{
		"hash":   tx.Hash,
		"sender": req.Sender,
		"kind":   req.Kind,
		"fee":    tx.FeePaid,
	}).Info("交易已提交")
	return tx, nil
}

// validateStatic 无状态校验
func (e *Executor) validateStatic(req *SubmitRequest) error {
	if !req.Kind.IsValid() {
		return chainerrors.Newf(chainerrors.ErrorTypeValidation, chainerrors.SeverityMedium,
			"UNKNOWN_OPERATION", "未知操作类型: %s", req.Kind)
	}
	if req.Sender == "" {
		return chainerrors.NewChainError(chainerrors.ErrorTypeValidation,
			chainerrors.SeverityMedium, "MISSING_SENDER", "缺少发送方地址")
	}
	if req.Asset == "" {
		req.Asset = models.AssetDYO
	}
	if req.Asset != models.AssetDYO && req.Asset != models.AssetDYS {
		return chainerrors.Newf(chainerrors.ErrorTypeValidation, chainerrors.SeverityMedium,
			"UNKNOWN_ASSET", "未知资产: %s", req.Asset)
	}

	switch req.Kind {
	case models.OpProposeBlock:
		// 出块记录由共识引擎在出块单元内生成
		return chainerrors.NewChainError(chainerrors.ErrorTypeValidation,
			chainerrors.SeverityMedium, "INTERNAL_OPERATION", "出块操作不接受外部提交")
	case models.OpContentEarn:
		if !req.Internal {
			return chainerrors.NewChainError(chainerrors.ErrorTypeValidation,
				chainerrors.SeverityMedium, "INTERNAL_OPERATION", "内容奖励发放不接受外部提交")
		}
		if req.Recipient == "" || req.Amount == 0 {
			return chainerrors.ErrMalformedPayload
		}
	case models.OpTransfer:
		if req.Amount == 0 {
			return chainerrors.NewChainError(chainerrors.ErrorTypeValidation,
				chainerrors.SeverityLow, "ZERO_AMOUNT", "转账金额必须大于0")
		}
		if req.Recipient == "" {
			return chainerrors.NewChainError(chainerrors.ErrorTypeValidation,
				chainerrors.SeverityMedium, "MISSING_RECIPIENT", "缺少接收方地址")
		}
		if req.Sender == req.Recipient {
			return chainerrors.ErrSelfTransfer
		}
	case models.OpExchangeSwap, models.OpStake, models.OpUnstake:
		if req.Amount == 0 {
			return chainerrors.NewChainError(chainerrors.ErrorTypeValidation,
				chainerrors.SeverityLow, "ZERO_AMOUNT", "金额必须大于0")
		}
	}
	return nil
}

// checkNonce 防重放校验，返回本次应写入的nonce
//
// 外部交易必须携带 stored+1 的nonce；内部请求（nonce=0）自动分配。
func (e *Executor) checkNonce(led Ledger, req *SubmitRequest) (uint64, error) {
	stored, err := led.NonceForUpdate(req.Sender)
	if err != nil {
		return 0, err
	}
	expected := stored + 1

	if req.Internal && req.Nonce == 0 {
		return expected, nil
	}
	if req.Nonce != expected {
		return 0, chainerrors.ErrInvalidNonce.
			WithContext("expected", expected).
			WithContext("got", req.Nonce)
	}
	return expected, nil
}

// quoteFor 计算本笔交易的手续费报价
func (e *Executor) quoteFor(led Ledger, req *SubmitRequest, now time.Time) (*models.GasQuote, error) {
	tier, err := e.actorTier(led, req)
	if err != nil {
		return nil, err
	}

	if req.Kind == models.OpUnstake {
		pos, err := led.StakeForUpdate(req.Sender)
		if err != nil {
			return nil, err
		}
		early := pos != nil && e.staking.IsEarly(pos, now)
		return e.gasEngine.QuoteUnstake(req.Amount, tier, early, e.penaltyBps)
	}
	return e.gasEngine.Quote(req.Kind, req.Amount, tier)
}

// actorTier 判定计费主体等级
//
// 活跃验证者按所属阵营享受折扣，否则看高级用户标记。
func (e *Executor) actorTier(led Ledger, req *SubmitRequest) (models.ActorTier, error) {
	v, err := led.ValidatorForUpdate(req.Sender)
	if err != nil {
		return models.TierRegular, err
	}
	if v != nil && v.Active() {
		switch v.Constituency {
		case models.ConstituencyCreative:
			return models.TierCreativeValidator, nil
		case models.ConstituencyCommunity:
			return models.TierCommunityValidator, nil
		case models.ConstituencyEconomic:
			return models.TierEconomicValidator, nil
		}
	}
	if req.Premium {
		return models.TierPremium, nil
	}
	return models.TierRegular, nil
}

// fundFee 筹措并扣除手续费
//
// DYO余额不足以付费时自动用DYS兑换补足（带5%滑点缓冲），
// 两种资产都不够时拒绝并同时报出两侧所需数量。
func (e *Executor) fundFee(led Ledger, sender string, quote *models.GasQuote) (bool, error) {
	total := quote.TotalNative()
	if quote.Free || total == 0 {
		return false, nil
	}

	balance, err := led.BalanceForUpdate(sender, models.AssetDYO)
	if err != nil {
		return false, err
	}

	autoSwapped := false
	if balance < total {
		shortfall := total - balance
		neededDYS := e.secondaryRequired(shortfall, quote.PriceUSD)

		dysBalance, err := led.BalanceForUpdate(sender, models.AssetDYS)
		if err != nil {
			return false, err
		}
		if dysBalance < neededDYS {
			return false, chainerrors.Newf(chainerrors.ErrorTypeInsufficientBalance,
				chainerrors.SeverityMedium, "INSUFFICIENT_BALANCE",
				"余额不足: 需要 %d DYO 或 %d DYS", total, neededDYS).
				WithContext("required_dyo", total).
				WithContext("required_dys", neededDYS)
		}

		proceeds, err := e.exchange.Swap(led, sender, models.AssetDYS, models.AssetDYO, neededDYS)
		if err != nil {
			return false, err
		}
		if proceeds < shortfall {
			return false, chainerrors.Newf(chainerrors.ErrorTypeInsufficientBalance,
				chainerrors.SeverityMedium, "AUTO_SWAP_SHORT",
				"自动兑换所得 %d 不足以补足 %d", proceeds, shortfall)
		}
		autoSwapped = true

		balance, err = led.BalanceForUpdate(sender, models.AssetDYO)
		if err != nil {
			return false, err
		}
		if balance < total {
			return false, chainerrors.ErrInsufficientBalance.
				WithContext("required", total).
				WithContext("available", balance)
		}
	}

	if err := led.SetBalance(sender, models.AssetDYO, balance-total); err != nil {
		return false, err
	}

	poolBalance, err := led.BalanceForUpdate(models.FeePoolAddress, models.AssetDYO)
	if err != nil {
		return false, err
	}
	if err := led.SetBalance(models.FeePoolAddress, models.AssetDYO, poolBalance+total); err != nil {
		return false, err
	}
	return autoSwapped, nil
}

// secondaryRequired 补足缺口所需的DYS数量
//
// needed = shortfall × price × (1 + buffer)，向上取整。
// DYS锚定$1，缺口的美元价值即DYS数量。
func (e *Executor) secondaryRequired(shortfall uint64, priceUSD float64) uint64 {
	needed := float64(shortfall) * priceUSD * (1 + float64(e.swapBufferBps)/10_000)
	return uint64(math.Ceil(needed))
}

// apply 执行操作语义
func (e *Executor) apply(led Ledger, req *SubmitRequest, now time.Time) error {
	switch req.Kind {
	case models.OpTransfer:
		return e.applyTransfer(led, req)

	case models.OpExchangeSwap:
		var payload SwapPayload
		if err := json.Unmarshal(req.Payload, &payload); err != nil {
			return chainerrors.ErrMalformedPayload
		}
		_, err := e.exchange.Swap(led, req.Sender, payload.AssetIn, payload.AssetOut, req.Amount)
		return err

	case models.OpAddLiquidity:
		var payload AddLiquidityPayload
		if err := json.Unmarshal(req.Payload, &payload); err != nil {
			return chainerrors.ErrMalformedPayload
		}
		_, err := e.exchange.AddLiquidity(led, req.Sender,
			payload.AssetA, payload.AssetB, payload.AmountA, payload.AmountB)
		return err

	case models.OpRemoveLiquidity:
		var payload RemoveLiquidityPayload
		if err := json.Unmarshal(req.Payload, &payload); err != nil {
			return chainerrors.ErrMalformedPayload
		}
		_, _, err := e.exchange.RemoveLiquidity(led, req.Sender, payload.PairID, payload.Shares)
		return err

	case models.OpStake:
		return e.staking.Stake(led, req.Sender, req.Amount, now)

	case models.OpUnstake:
		_, err := e.staking.Unstake(led, req.Sender, req.Amount, now)
		return err

	case models.OpClaimReward:
		_, err := e.staking.ClaimReward(led, req.Sender, now)
		return err

	case models.OpRegisterValidator:
		var input consensus.RegistrationInput
		if err := json.Unmarshal(req.Payload, &input); err != nil {
			return chainerrors.ErrMalformedPayload
		}
		_, err := e.consensus.Register(led, req.Sender, input, now)
		return err

	case models.OpContentEarn:
		return e.applyContentEarn(led, req)
	}
	return chainerrors.Newf(chainerrors.ErrorTypeValidation, chainerrors.SeverityMedium,
		"UNKNOWN_OPERATION", "未知操作类型: %s", req.Kind)
}

// applyTransfer 余额转移
//
// 借贷双方在同一单元内完成，总量守恒。
func (e *Executor) applyTransfer(led Ledger, req *SubmitRequest) error {
	senderBalance, err := led.BalanceForUpdate(req.Sender, req.Asset)
	if err != nil {
		return err
	}
	if senderBalance < req.Amount {
		return chainerrors.ErrInsufficientBalance.
			WithContext("asset", req.Asset).
			WithContext("required", req.Amount).
			WithContext("available", senderBalance)
	}
	if err := led.SetBalance(req.Sender, req.Asset, senderBalance-req.Amount); err != nil {
		return err
	}

	recipientBalance, err := led.BalanceForUpdate(req.Recipient, req.Asset)
	if err != nil {
		return err
	}
	return led.SetBalance(req.Recipient, req.Asset, recipientBalance+req.Amount)
}

// applyContentEarn 内容奖励发放
//
// 从奖励池划拨，完全免费，但仍走执行器与审计，不绕过账本纪律。
func (e *Executor) applyContentEarn(led Ledger, req *SubmitRequest) error {
	poolBalance, err := led.RewardPoolForUpdate()
	if err != nil {
		return err
	}
	if poolBalance < req.Amount {
		return chainerrors.ErrInsufficientBalance.
			WithContext("reward_pool", poolBalance).
			WithContext("required", req.Amount)
	}
	if err := led.SetRewardPool(poolBalance - req.Amount); err != nil {
		return err
	}

	balance, err := led.BalanceForUpdate(req.Recipient, models.AssetDYO)
	if err != nil {
		return err
	}
	return led.SetBalance(req.Recipient, models.AssetDYO, balance+req.Amount)
}
