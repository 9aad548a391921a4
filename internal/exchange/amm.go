package exchange

import (
	"math"
	"math/big"
	"time"

	chainerrors "dujyochain/internal/errors"
	"dujyochain/pkg/models"

	"github.com/sirupsen/logrus"
)

// Ledger 交易所所需的账本写句柄
//
// 由存储层的原子单元实现，保证储备读写与余额借贷在同一把锁内。
type Ledger interface {
	BalanceForUpdate(address, asset string) (uint64, error)
	SetBalance(address, asset string, amount uint64) error
	PoolForUpdate(pairID string) (*models.LiquidityPool, error)
	SavePool(pool *models.LiquidityPool) error
	SharesForUpdate(pairID, owner string) (uint64, error)
	SetShares(pairID, owner string, shares uint64) error
}

// Exchange 恒定乘积AMM
//
// 不变量：任何一次兑换后 reserveA × reserveB 不减少。
// 检查-生效-交互顺序：先锁池并验证，再改余额，最后写回储备，
// 嵌套调用不可能观察到半更新的池。
type Exchange struct {
	feeRateBps     uint64
	maxSlippageBps uint64
	logger         *logrus.Logger
}

// New 创建交易所
func New(feeRateBps, maxSlippageBps uint64, logger *logrus.Logger) *Exchange {
	return &Exchange{
		feeRateBps:     feeRateBps,
		maxSlippageBps: maxSlippageBps,
		logger:         logger,
	}
}

// SwapOut 计算兑换输出（纯函数，不触碰状态）
//
// amount_out = reserveOut × amountInAfterFee / (reserveIn + amountInAfterFee)，
// 手续费从输入侧扣除并沉淀进储备。手续费向下取整，小额兑换
// 不会因取整被整笔吞掉。全程 big.Int，中间积不会溢出。
func (e *Exchange) SwapOut(reserveIn, reserveOut, amountIn uint64) uint64 {
	if reserveIn == 0 || reserveOut == 0 || amountIn == 0 {
		return 0
	}

	fee := new(big.Int).Mul(new(big.Int).SetUint64(amountIn), new(big.Int).SetUint64(e.feeRateBps))
	fee.Div(fee, big.NewInt(10_000))
	afterFee := new(big.Int).Sub(new(big.Int).SetUint64(amountIn), fee)

	numerator := new(big.Int).Mul(new(big.Int).SetUint64(reserveOut), afterFee)
	denominator := new(big.Int).Add(new(big.Int).SetUint64(reserveIn), afterFee)
	out := numerator.Div(numerator, denominator)

	if !out.IsUint64() {
		return 0
	}
	return out.Uint64()
}

// Swap 执行兑换
//
// trader 用 amountIn 的 assetIn 换取 assetOut，返回实际到账数量。
// 价格冲击超过最大滑点时整笔拒绝。
func (e *Exchange) Swap(led Ledger, trader, assetIn, assetOut string, amountIn uint64) (uint64, error) {
	if amountIn == 0 {
		return 0, chainerrors.NewChainError(chainerrors.ErrorTypeValidation,
			chainerrors.SeverityLow, "ZERO_SWAP", "兑换数量必须大于0")
	}
	if assetIn == assetOut {
		return 0, chainerrors.NewChainError(chainerrors.ErrorTypeValidation,
			chainerrors.SeverityLow, "SAME_ASSET_SWAP", "兑换两侧资产不能相同")
	}

	pairID := models.PairID(assetIn, assetOut)
	pool, err := led.PoolForUpdate(pairID)
	if err != nil {
		return 0, err
	}
	if pool == nil {
		return 0, chainerrors.ErrPoolNotFound.WithContext("pair", pairID)
	}

	reserveIn, reserveOut := pool.ReserveA, pool.ReserveB
	if assetIn == pool.AssetB {
		reserveIn, reserveOut = pool.ReserveB, pool.ReserveA
	}
	if reserveIn == 0 || reserveOut == 0 {
		return 0, chainerrors.ErrPoolNotFound.WithContext("pair", pairID)
	}

	amountOut := e.SwapOut(reserveIn, reserveOut, amountIn)
	if amountOut == 0 {
		return 0, chainerrors.NewChainError(chainerrors.ErrorTypeExchange,
			chainerrors.SeverityMedium, "SWAP_OUTPUT_ZERO", "兑换输出为0，输入过小或储备不足")
	}
	if amountOut >= reserveOut {
		return 0, chainerrors.NewChainError(chainerrors.ErrorTypeExchange,
			chainerrors.SeverityHigh, "RESERVE_DRAINED", "兑换会抽干储备")
	}

	if err := e.checkSlippage(reserveIn, reserveOut, amountIn, amountOut); err != nil {
		return 0, err
	}

	// 生效：先动余额，再写储备
	balanceIn, err := led.BalanceForUpdate(trader, assetIn)
	if err != nil {
		return 0, err
	}
	if balanceIn < amountIn {
		return 0, chainerrors.ErrInsufficientBalance.
			WithContext("asset", assetIn).
			WithContext("required", amountIn).
			WithContext("available", balanceIn)
	}
	if err := led.SetBalance(trader, assetIn, balanceIn-amountIn); err != nil {
		return 0, err
	}

	balanceOut, err := led.BalanceForUpdate(trader, assetOut)
	if err != nil {
		return 0, err
	}
	if err := led.SetBalance(trader, assetOut, balanceOut+amountOut); err != nil {
		return 0, err
	}

	if assetIn == pool.AssetA {
		pool.ReserveA += amountIn
		pool.ReserveB -= amountOut
	} else {
		pool.ReserveB += amountIn
		pool.ReserveA -= amountOut
	}
	pool.UpdatedAt = time.Now()
	if err := led.SavePool(pool); err != nil {
		return 0, err
	}

	e.logger.WithFields(logrus.Fields{
		"pair":       pairID,
		"trader":     trader,
		"amount_in":  amountIn,
		"amount_out": amountOut,
	}).Debug("兑换完成")
	return amountOut, nil
}

// checkSlippage 校验价格冲击
//
// 以交易前现价为基准比较成交均价，偏离超过 maxSlippageBps 则拒绝。
func (e *Exchange) checkSlippage(reserveIn, reserveOut, amountIn, amountOut uint64) error {
	spot := float64(reserveIn) / float64(reserveOut)
	exec := float64(amountIn) / float64(amountOut)
	impact := (exec - spot) / spot
	if impact < 0 {
		impact = -impact
	}

	maxImpact := float64(e.maxSlippageBps) / 10_000
	if impact > maxImpact {
		return chainerrors.ErrSlippageExceeded.
			WithContext("impact", impact).
			WithContext("max", maxImpact)
	}
	return nil
}

// AddLiquidity 注入流动性
//
// 首次注入创建池并按几何平均铸造份额；后续注入按两侧贡献
// 相对储备的较小比例铸造，多余部分不退还（由调用方按比例投入）。
func (e *Exchange) AddLiquidity(led Ledger, owner, assetX, assetY string, amountX, amountY uint64) (uint64, error) {
	if amountX == 0 || amountY == 0 {
		return 0, chainerrors.NewChainError(chainerrors.ErrorTypeValidation,
			chainerrors.SeverityLow, "ZERO_LIQUIDITY", "注入数量必须大于0")
	}
	if assetX == assetY {
		return 0, chainerrors.NewChainError(chainerrors.ErrorTypeValidation,
			chainerrors.SeverityLow, "SAME_ASSET_PAIR", "资产对两侧不能相同")
	}

	pairID := models.PairID(assetX, assetY)
	pool, err := led.PoolForUpdate(pairID)
	if err != nil {
		return 0, err
	}

	// 规范化：amountA 对应池的 AssetA
	assetA, assetB := assetX, assetY
	amountA, amountB := amountX, amountY
	if assetA > assetB {
		assetA, assetB = assetB, assetA
		amountA, amountB = amountB, amountA
	}

	var minted uint64
	if pool == nil {
		// 懒创建：首次注入即建池
		minted = geometricMean(amountA, amountB)
		if minted == 0 {
			return 0, chainerrors.NewChainError(chainerrors.ErrorTypeExchange,
				chainerrors.SeverityMedium, "LIQUIDITY_TOO_SMALL", "首次注入数量过小")
		}
		pool = &models.LiquidityPool{
			PairID:      pairID,
			AssetA:      assetA,
			AssetB:      assetB,
			ReserveA:    amountA,
			ReserveB:    amountB,
			TotalShares: minted,
		}
	} else {
		sharesFromA := mulDiv(amountA, pool.TotalShares, pool.ReserveA)
		sharesFromB := mulDiv(amountB, pool.TotalShares, pool.ReserveB)
		minted = sharesFromA
		if sharesFromB < minted {
			minted = sharesFromB
		}
		if minted == 0 {
			return 0, chainerrors.NewChainError(chainerrors.ErrorTypeExchange,
				chainerrors.SeverityMedium, "LIQUIDITY_TOO_SMALL", "注入数量相对储备过小")
		}
		pool.ReserveA += amountA
		pool.ReserveB += amountB
		pool.TotalShares += minted
	}

	// 扣除注入方两侧余额
	for _, leg := range []struct {
		asset  string
		amount uint64
	}{{assetA, amountA}, {assetB, amountB}} {
		balance, err := led.BalanceForUpdate(owner, leg.asset)
		if err != nil {
			return 0, err
		}
		if balance < leg.amount {
			return 0, chainerrors.ErrInsufficientBalance.
				WithContext("asset", leg.asset).
				WithContext("required", leg.amount).
				WithContext("available", balance)
		}
		if err := led.SetBalance(owner, leg.asset, balance-leg.amount); err != nil {
			return 0, err
		}
	}

	pool.UpdatedAt = time.Now()
	if err := led.SavePool(pool); err != nil {
		return 0, err
	}

	owned, err := led.SharesForUpdate(pairID, owner)
	if err != nil {
		return 0, err
	}
	if err := led.SetShares(pairID, owner, owned+minted); err != nil {
		return 0, err
	}

	e.logger.WithFields(logrus.Fields{
		"pair":   pairID,
		"owner":  owner,
		"minted": minted,
	}).Debug("流动性已注入")
	return minted, nil
}

// RemoveLiquidity 赎回流动性份额，按比例取回两侧储备
func (e *Exchange) RemoveLiquidity(led Ledger, owner, pairID string, shares uint64) (uint64, uint64, error) {
	if shares == 0 {
		return 0, 0, chainerrors.NewChainError(chainerrors.ErrorTypeValidation,
			chainerrors.SeverityLow, "ZERO_SHARES", "赎回份额必须大于0")
	}

	pool, err := led.PoolForUpdate(pairID)
	if err != nil {
		return 0, 0, err
	}
	if pool == nil {
		return 0, 0, chainerrors.ErrPoolNotFound.WithContext("pair", pairID)
	}

	owned, err := led.SharesForUpdate(pairID, owner)
	if err != nil {
		return 0, 0, err
	}
	if owned < shares {
		return 0, 0, chainerrors.ErrInsufficientBalance.
			WithContext("pair", pairID).
			WithContext("required_shares", shares).
			WithContext("owned_shares", owned)
	}

	outA := mulDiv(shares, pool.ReserveA, pool.TotalShares)
	outB := mulDiv(shares, pool.ReserveB, pool.TotalShares)

	pool.ReserveA -= outA
	pool.ReserveB -= outB
	pool.TotalShares -= shares
	pool.UpdatedAt = time.Now()
	if err := led.SavePool(pool); err != nil {
		return 0, 0, err
	}

	if err := led.SetShares(pairID, owner, owned-shares); err != nil {
		return 0, 0, err
	}

	for _, leg := range []struct {
		asset  string
		amount uint64
	}{{pool.AssetA, outA}, {pool.AssetB, outB}} {
		balance, err := led.BalanceForUpdate(owner, leg.asset)
		if err != nil {
			return 0, 0, err
		}
		if err := led.SetBalance(owner, leg.asset, balance+leg.amount); err != nil {
			return 0, 0, err
		}
	}

	return outA, outB, nil
}

// geometricMean floor(sqrt(a × b))，首次铸造的份额数
func geometricMean(a, b uint64) uint64 {
	product := new(big.Int).Mul(new(big.Int).SetUint64(a), new(big.Int).SetUint64(b))
	root := new(big.Int).Sqrt(product)
	if !root.IsUint64() {
		return math.MaxUint64
	}
	return root.Uint64()
}

// mulDiv floor(a × b / c)，big.Int 中转避免溢出
func mulDiv(a, b, c uint64) uint64 {
	if c == 0 {
		return 0
	}
	result := new(big.Int).Mul(new(big.Int).SetUint64(a), new(big.Int).SetUint64(b))
	result.Div(result, new(big.Int).SetUint64(c))
	if !result.IsUint64() {
		return math.MaxUint64
	}
	return result.Uint64()
}
