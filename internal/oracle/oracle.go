package oracle

import (
	"sync"
	"time"

	chainerrors "dujyochain/internal/errors"
	"dujyochain/pkg/models"

	"github.com/sirupsen/logrus"
)

// PriceSource 资产美元价格源
//
// 契约：返回的价格必须严格为正；非正价格视为计算错误，调用方
// 必须中止当前原子单元，绝不允许用0价格继续计费。
type PriceSource interface {
	PriceUSD(asset string) (float64, error)
}

// StaticSource 固定价格源
//
// DYS 恒定 $1，DYO 使用配置价格。外部喂价接入前的默认实现。
type StaticSource struct {
	dyoPriceUSD float64
}

// NewStaticSource 创建固定价格源
func NewStaticSource(dyoPriceUSD float64) *StaticSource {
	return &StaticSource{dyoPriceUSD: dyoPriceUSD}
}

// PriceUSD 返回资产美元价格
func (s *StaticSource) PriceUSD(asset string) (float64, error) {
	var price float64
	switch asset {
	case models.AssetDYS:
		price = 1.0
	case models.AssetDYO:
		price = s.dyoPriceUSD
	default:
		return 0, chainerrors.Newf(chainerrors.ErrorTypeOraclePrice, chainerrors.SeverityHigh,
			"UNKNOWN_ASSET", "未知资产: %s", asset)
	}
	if price <= 0 {
		return 0, chainerrors.ErrOraclePriceInvalid.WithContext("asset", asset)
	}
	return price, nil
}

// CachedSource 带TTL缓存的价格源
//
// 同一报价窗口内多次取价返回同一数值，保证一笔交易的报价与
// 结算使用一致的价格。
type CachedSource struct {
	source PriceSource
	ttl    time.Duration
	logger *logrus.Logger

	mu    sync.Mutex
	cache map[string]cachedPrice
}

type cachedPrice struct {
	price     float64
	fetchedAt time.Time
}

// NewCachedSource 包装价格源并缓存
func NewCachedSource(source PriceSource, ttl time.Duration, logger *logrus.Logger) *CachedSource {
	return &CachedSource{
		source: source,
		ttl:    ttl,
		logger: logger,
		cache:  make(map[string]cachedPrice),
	}
}

// PriceUSD 返回缓存价格，过期时穿透到底层价格源
func (c *CachedSource) PriceUSD(asset string) (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cached, ok := c.cache[asset]; ok && time.Since(cached.fetchedAt) < c.ttl {
		return cached.price, nil
	}

	price, err := c.source.PriceUSD(asset)
	if err != nil {
		// 价格源失败时不回退到过期缓存，宁可拒绝交易
		return 0, err
	}
	if price <= 0 {
		return 0, chainerrors.ErrOraclePriceInvalid.WithContext("asset", asset)
	}

	c.cache[asset] = cachedPrice{price: price, fetchedAt: time.Now()}
	c.logger.WithFields(logrus.Fields{
		"asset": asset,
		"price": price,
	}).Debug("价格缓存已刷新")
	return price, nil
}
