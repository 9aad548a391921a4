package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"dujyochain/internal/consensus"
	chainerrors "dujyochain/internal/errors"
	"dujyochain/internal/executor"
	"dujyochain/internal/gas"
	"dujyochain/internal/progress"
	"dujyochain/internal/staking"
	"dujyochain/internal/store"
	"dujyochain/pkg/models"
)

// Server API服务器
//
// 对外提供交易提交和链状态查询。所有写操作走执行器的原子单元，
// 服务器本身不持有任何账本状态。
type Server struct {
	store     *store.Store
	exec      *executor.Executor
	gasEngine *gas.Engine
	engine    *consensus.Engine
	staking   *staking.Module
	tracker   *progress.Manager
	logger    *logrus.Logger
	server    *http.Server
	port      int
}

// NewServer 创建API服务器
func NewServer(st *store.Store, exec *executor.Executor, gasEngine *gas.Engine,
	engine *consensus.Engine, stakingModule *staking.Module, tracker *progress.Manager,
	logger *logrus.Logger, port int) *Server {
	return &Server{
		store:     st,
		exec:      exec,
		gasEngine: gasEngine,
		engine:    engine,
		staking:   stakingModule,
		tracker:   tracker,
		logger:    logger,
		port:      port,
	}
}

// Start 启动API服务器
func (s *Server) Start() error {
	gin.SetMode(gin.ReleaseMode)
	router := gin.Default()

	// 添加CORS中间件
	router.Use(func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	})

	router.Use(gin.Logger())
	router.Use(gin.Recovery())

	s.setupRoutes(router)

	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: router,
	}

	s.logger.Infof("API服务器启动在端口 %d", s.port)
	return s.server.ListenAndServe()
}

// Stop 停止API服务器
func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// setupRoutes 设置路由
func (s *Server) setupRoutes(router *gin.Engine) {
	// 健康检查
	router.GET("/health", s.healthCheck)

	api := router.Group("/api/v1")
	{
		// 节点状态
		api.GET("/status", s.getStatus)

		// 交易
		api.POST("/transactions", s.submitTransaction)
		api.GET("/transactions/:hash", s.getTransaction)

		// 账户
		api.GET("/balances/:address/:asset", s.getBalance)

		// 区块
		api.GET("/blocks/head", s.getHead)
		api.GET("/blocks/:height", s.getBlock)

		// 流动性池
		api.GET("/pools/:asset_a/:asset_b", s.getPool)

		// 验证者与共识
		api.GET("/validators", s.getValidators)
		api.GET("/consensus/status", s.getConsensusStatus)
		api.POST("/validators/:address/slash", s.slashValidator)

		// 手续费
		api.GET("/fees/quote", s.getFeeQuote)
		api.PUT("/fees/congestion", s.setCongestion)

		// 内容分发奖励（内部子系统专用）
		api.POST("/earnings", s.submitEarning)
	}
}

// healthCheck 健康检查
func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
		"service":   "dujyochain-api",
	})
}

// getStatus 获取节点状态
func (s *Server) getStatus(c *gin.Context) {
	head, err := s.store.Head(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	status := gin.H{
		"congestion_multiplier": s.gasEngine.CongestionMultiplier(),
		"production":            s.tracker.Stats(),
	}
	if head != nil {
		status["head_height"] = head.Height
		status["head_hash"] = head.Hash
	} else {
		status["head_height"] = nil
		status["message"] = "链为空，尚未出块"
	}
	c.JSON(http.StatusOK, status)
}

// submitTransaction 提交交易
func (s *Server) submitTransaction(c *gin.Context) {
	var req executor.SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	// 外部提交一律视为非内部请求
	req.Internal = false

	tx, err := s.exec.Execute(c.Request.Context(), &req)
	if err != nil {
		s.rejectWith(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message":     "交易已提交",
		"transaction": tx,
	})
}

// getTransaction 查询交易
func (s *Server) getTransaction(c *gin.Context) {
	hash := c.Param("hash")
	tx, err := s.store.GetTransaction(c.Request.Context(), hash)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("交易 %s 不存在", hash)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": tx})
}

// getBalance 查询余额
func (s *Server) getBalance(c *gin.Context) {
	address := c.Param("address")
	asset := c.Param("asset")

	if asset != models.AssetDYO && asset != models.AssetDYS {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("不支持的资产: %s", asset)})
		return
	}

	amount, err := s.store.GetBalance(c.Request.Context(), address, asset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"address": address,
		"asset":   asset,
		"amount":  amount,
	})
}

// getHead 查询链头区块
func (s *Server) getHead(c *gin.Context) {
	head, err := s.store.Head(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if head == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "链为空，尚未出块"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"block": head})
}

// getBlock 按高度查询区块
func (s *Server) getBlock(c *gin.Context) {
	height, err := strconv.ParseUint(c.Param("height"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "无效的区块高度"})
		return
	}

	block, err := s.store.GetBlock(c.Request.Context(), height)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("区块 %d 不存在", height)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"block": block})
}

// getPool 查询流动性池
func (s *Server) getPool(c *gin.Context) {
	pairID := models.PairID(c.Param("asset_a"), c.Param("asset_b"))

	pool, err := s.store.GetPool(c.Request.Context(), pairID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if pool == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("流动性池 %s 不存在", pairID)})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"pool":       pool,
		"spot_price": pool.SpotPrice(),
	})
}

// getValidators 列出验证者
func (s *Server) getValidators(c *gin.Context) {
	validators, err := s.store.ListValidators(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"validators": validators,
		"total":      len(validators),
	})
}

// getConsensusStatus 获取共识状态
func (s *Server) getConsensusStatus(c *gin.Context) {
	validators, err := s.store.ListValidators(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	now := time.Now()
	counts := map[string]int{}
	eligible := 0
	var lastProducer string
	var lastSelected time.Time
	for _, v := range validators {
		if v.State == models.ValidatorDeactivated {
			continue
		}
		counts[string(v.Constituency)]++
		if s.engine.Eligible(v, now) {
			eligible++
		}
		if v.LastSelected.After(lastSelected) {
			lastSelected = v.LastSelected
			lastProducer = v.Address
		}
	}

	status := gin.H{
		"constituencies": counts,
		"eligible":       eligible,
		"total":          len(validators),
	}
	if lastProducer != "" {
		status["last_producer"] = lastProducer
		status["last_selected"] = lastSelected.Format(time.RFC3339)
	}
	c.JSON(http.StatusOK, status)
}

// slashValidator 惩罚验证者
//
// 治理动作：裁决通过后由治理后端调用。惩罚与对应的审计条目
// 写入同一个原子单元。
func (s *Server) slashValidator(c *gin.Context) {
	address := c.Param("address")

	var req struct {
		Reason string `json:"reason" binding:"required"`
		Detail string `json:"detail"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	now := time.Now().UTC()
	err := s.store.WithinTx(c.Request.Context(), func(tx *store.Tx) error {
		if err := s.staking.Slash(tx, address, models.SlashReason(req.Reason), now); err != nil {
			return err
		}
		return tx.AppendAudit(&models.AuditEntry{
			OperationID: fmt.Sprintf("slash:%s:%d", address, now.UnixNano()),
			Actor:       address,
			Kind:        "slash",
			Outcome:     models.AuditOutcomeSlashed,
			Detail:      fmt.Sprintf("reason=%s %s", req.Reason, req.Detail),
			Timestamp:   now,
		})
	})
	if err != nil {
		s.rejectWith(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message":   "验证者已惩罚",
		"validator": address,
		"reason":    req.Reason,
	})
}

// getFeeQuote 预览手续费报价
func (s *Server) getFeeQuote(c *gin.Context) {
	kind := models.OperationKind(c.Query("kind"))
	if !kind.IsValid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("未知操作类型: %s", kind)})
		return
	}

	var amount uint64
	if raw := c.Query("amount"); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "无效的金额"})
			return
		}
		amount = parsed
	}

	tier := models.ActorTier(c.DefaultQuery("tier", string(models.TierRegular)))

	quote, err := s.gasEngine.Quote(kind, amount, tier)
	if err != nil {
		s.rejectWith(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"quote": quote})
}

// setCongestion 设置网络拥堵信号
func (s *Server) setCongestion(c *gin.Context) {
	var req struct {
		Signal float64 `json:"signal"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	s.gasEngine.SetCongestion(req.Signal)
	c.JSON(http.StatusOK, gin.H{
		"message":               "拥堵信号已更新",
		"congestion_multiplier": s.gasEngine.CongestionMultiplier(),
	})
}

// submitEarning 记录内容分发收益
//
// 由流媒体结算子系统调用，从奖励池向创作者发放DYO。
func (s *Server) submitEarning(c *gin.Context) {
	var req struct {
		Recipient string `json:"recipient" binding:"required"`
		Amount    uint64 `json:"amount" binding:"required"`
		ContentID string `json:"content_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	tx, err := s.exec.Execute(c.Request.Context(), &executor.SubmitRequest{
		Sender:    models.RewardPoolAddress,
		Recipient: req.Recipient,
		Asset:     models.AssetDYO,
		Amount:    req.Amount,
		Kind:      models.OpContentEarn,
		Internal:  true,
	})
	if err != nil {
		s.rejectWith(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message":     "内容收益已发放",
		"content_id":  req.ContentID,
		"transaction": tx,
	})
}

// rejectWith 把类型化拒绝映射为HTTP状态码
func (s *Server) rejectWith(c *gin.Context, err error) {
	ce := chainerrors.AsChainError(err)
	if ce == nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	status := http.StatusInternalServerError
	switch {
	case ce.IsValidation():
		status = http.StatusBadRequest
	case ce.Type == chainerrors.ErrorTypeConsensus:
		status = http.StatusConflict
	}

	c.JSON(status, gin.H{
		"error": ce.Message,
		"code":  ce.Code,
		"type":  ce.Type.String(),
	})
}
