package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"dujyochain/internal/api"
	"dujyochain/internal/audit"
	"dujyochain/internal/config"
	"dujyochain/internal/consensus"
	"dujyochain/internal/exchange"
	"dujyochain/internal/executor"
	"dujyochain/internal/gas"
	"dujyochain/internal/logging"
	"dujyochain/internal/oracle"
	"dujyochain/internal/producer"
	"dujyochain/internal/progress"
	"dujyochain/internal/retry"
	"dujyochain/internal/shutdown"
	"dujyochain/internal/staking"
	"dujyochain/internal/store"
)

var (
	// 基础参数
	configFile string
	verbose    bool

	// 出块参数
	validatorAddress string
	noProducer       bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "node",
		Short: "Dujyo链执行层节点",
		Long:  `流媒体内容平台的区块链执行层：账本、手续费引擎、内置交易所、质押与CPV共识`,
		RunE:  run,
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "configs/config.yaml", "配置文件路径")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "详细输出")

	rootCmd.Flags().StringVar(&validatorAddress, "validator", "", "本节点的验证者地址（覆盖配置文件）")
	rootCmd.Flags().BoolVar(&noProducer, "no-producer", false, "只提供API服务，不参与出块")

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "初始化账本数据库结构",
		RunE:  runMigrate,
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "查看节点出块进度",
		RunE:  showStatus,
	}

	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(statusCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "执行失败: %v\n", err)
		os.Exit(1)
	}
}

func newLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	if verbose {
		logger.SetLevel(logrus.DebugLevel)
	} else {
		logger.SetLevel(logrus.InfoLevel)
	}
	return logger
}

func run(cmd *cobra.Command, args []string) error {
	logger := newLogger()

	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return fmt.Errorf("加载配置失败: %w", err)
	}

	// 结构化日志输出（JSON/文件），运行日志仍走logrus
	slogger, err := logging.NewStructuredLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("初始化结构化日志失败: %w", err)
	}
	slogger.InfoWithFields("节点启动", map[string]any{
		"api_port":         cfg.API.Port,
		"producer_enabled": producerEnabled(cfg),
		"audit_enabled":    cfg.Audit.Enabled,
	})

	ctx := context.Background()

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("初始化数据库结构失败: %w", err)
	}
	if err := st.InitRewardPool(ctx, cfg.Chain.RewardPoolInitial); err != nil {
		return fmt.Errorf("初始化奖励池失败: %w", err)
	}

	// 价格预言机：静态价格源加报价窗口缓存，同一窗口内价格一致
	cacheTTL, err := time.ParseDuration(cfg.Chain.OracleCacheTTL)
	if err != nil {
		return fmt.Errorf("无效的价格缓存时长: %w", err)
	}
	prices := oracle.NewCachedSource(oracle.NewStaticSource(cfg.Chain.OraclePriceUSD), cacheTTL, logger)

	gasEngine := gas.NewEngine(prices,
		cfg.Fees.PremiumDiscount, cfg.Fees.CreativeDiscount, cfg.Fees.CommunityDiscount,
		cfg.Fees.CongestionSignal, logger)

	ex := exchange.New(cfg.Exchange.FeeRateBps, cfg.Exchange.MaxSlippageBps, logger)

	maturity, err := time.ParseDuration(cfg.Staking.MaturityPeriod)
	if err != nil {
		return fmt.Errorf("无效的质押成熟期: %w", err)
	}
	stakingModule := staking.New(cfg.Staking.MinimumStake, maturity, cfg.Staking.RewardRateBps,
		cfg.Consensus.SlashThreshold, cfg.Consensus.MinReputation, logger)

	consensusParams, err := buildConsensusParams(cfg)
	if err != nil {
		return err
	}
	engine := consensus.NewEngine(consensusParams, logger)

	commitWindow, err := time.ParseDuration(cfg.Consensus.CommitWindow)
	if err != nil {
		return fmt.Errorf("无效的承诺窗口: %w", err)
	}
	revealWindow, err := time.ParseDuration(cfg.Consensus.RevealWindow)
	if err != nil {
		return fmt.Errorf("无效的揭示窗口: %w", err)
	}
	commits, err := consensus.NewCommitStore(cfg.Chain.StateDBPath, commitWindow, revealWindow, logger)
	if err != nil {
		return err
	}

	publisher, err := newPublisher(ctx, cfg, logger)
	if err != nil {
		return err
	}

	exec := executor.New(&executor.StoreRunner{Store: st}, gasEngine, ex, stakingModule, engine,
		cfg.Exchange.SwapBufferBps, cfg.Staking.EarlyPenaltyBps, publisher, logger)

	tracker, err := progress.NewManager(cfg.Producer.ProgressDBPath, logger)
	if err != nil {
		return err
	}

	server := api.NewServer(st, exec, gasEngine, engine, stakingModule, tracker, logger, cfg.API.Port)

	// 优雅停机：先停API入口，再停出块循环，最后关存储
	gs := shutdown.NewGracefulShutdown(30*time.Second, logger)
	gs.RegisterShutdownFunc("api_server", server.Stop, shutdown.OrderStopAPI)
	gs.RegisterShutdownFunc("audit_publisher", func(ctx context.Context) error {
		return publisher.Close()
	}, shutdown.OrderFlushAudit)
	gs.RegisterShutdownFunc("commit_store", func(ctx context.Context) error {
		if err := commits.Close(); err != nil {
			return err
		}
		return tracker.Close()
	}, shutdown.OrderCloseCommitStore)
	gs.RegisterShutdownFunc("ledger", func(ctx context.Context) error {
		return st.Close()
	}, shutdown.OrderCloseLedger)

	if producerEnabled(cfg) {
		blockInterval, err := time.ParseDuration(cfg.Producer.BlockInterval)
		if err != nil {
			return fmt.Errorf("无效的出块间隔: %w", err)
		}
		addr := cfg.Producer.ValidatorAddress
		if validatorAddress != "" {
			addr = validatorAddress
		}

		prod, err := producer.NewProducer(producer.Config{
			ValidatorAddress: addr,
			BatchSize:        cfg.Producer.BatchSize,
			BlockInterval:    blockInterval,
		}, st, engine, commits, tracker, publisher, logger)
		if err != nil {
			return err
		}

		prod.Start(gs.Context())
		gs.RegisterShutdownFunc("block_producer", prod.Stop, shutdown.OrderStopProducer)
	} else {
		logger.Info("出块已禁用，仅提供API服务")
	}

	go func() {
		if err := server.Start(); err != nil {
			logger.Errorf("API服务器退出: %v", err)
			gs.Shutdown()
		}
	}()

	gs.WaitForShutdown()
	return nil
}

func producerEnabled(cfg *config.Config) bool {
	if noProducer {
		return false
	}
	return cfg.Producer.Enabled
}

// openStore 带重试的账本数据库连接
func openStore(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*store.Store, error) {
	lifetime, err := time.ParseDuration(cfg.Database.ConnMaxLifetime)
	if err != nil {
		return nil, fmt.Errorf("无效的连接生命周期: %w", err)
	}

	var st *store.Store
	err = retry.RetryCriticalOperation(ctx, "open_ledger", func() error {
		opened, err := store.Open(cfg.Database.DSN,
			cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns, lifetime, logger)
		if err != nil {
			return retry.NewRetryableError(err, true)
		}
		st = opened
		return nil
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("连接账本数据库失败: %w", err)
	}
	return st, nil
}

func newPublisher(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (audit.Publisher, error) {
	if !cfg.Audit.Enabled {
		logger.Info("审计分发未启用，使用空实现")
		return audit.NopPublisher{}, nil
	}

	var pub audit.Publisher
	err := retry.RetryNetworkOperation(ctx, "connect_kafka", func() error {
		created, err := audit.NewKafkaPublisher(cfg.Audit.Kafka.Brokers,
			cfg.Audit.Kafka.Topics["audit"], cfg.Audit.Kafka.Topics["blocks"], logger)
		if err != nil {
			return retry.NewRetryableError(err, true)
		}
		pub = created
		return nil
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("连接Kafka失败: %w", err)
	}
	return pub, nil
}

func buildConsensusParams(cfg *config.Config) (consensus.Params, error) {
	cooldown, err := time.ParseDuration(cfg.Consensus.SelectionCooldown)
	if err != nil {
		return consensus.Params{}, fmt.Errorf("无效的选举冷却期: %w", err)
	}
	return consensus.Params{
		MaxEconomic:       cfg.Consensus.MaxEconomic,
		MaxCreative:       cfg.Consensus.MaxCreative,
		MaxCommunity:      cfg.Consensus.MaxCommunity,
		LambdaEconomic:    cfg.Consensus.LambdaEconomic,
		LambdaCreative:    cfg.Consensus.LambdaCreative,
		LambdaCommunity:   cfg.Consensus.LambdaCommunity,
		MinimumStake:      cfg.Staking.MinimumStake,
		MinCreativeScore:  cfg.Consensus.MinCreativeScore,
		MinCommunityScore: cfg.Consensus.MinCommunityScore,
		SelectionCooldown: cooldown,
		MinReputation:     cfg.Consensus.MinReputation,
	}, nil
}

// runMigrate 初始化账本数据库结构
func runMigrate(cmd *cobra.Command, args []string) error {
	logger := newLogger()

	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return fmt.Errorf("加载配置失败: %w", err)
	}

	ctx := context.Background()
	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("初始化数据库结构失败: %w", err)
	}
	if err := st.InitRewardPool(ctx, cfg.Chain.RewardPoolInitial); err != nil {
		return fmt.Errorf("初始化奖励池失败: %w", err)
	}

	logger.Info("账本数据库结构已初始化")
	return nil
}

// showStatus 显示节点出块进度
func showStatus(cmd *cobra.Command, args []string) error {
	logger := newLogger()

	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return fmt.Errorf("加载配置失败: %w", err)
	}

	tracker, err := progress.NewManager(cfg.Producer.ProgressDBPath, logger)
	if err != nil {
		return err
	}
	defer tracker.Close()

	fmt.Println("📊 节点出块进度")
	fmt.Println(strings.Repeat("=", 50))
	for key, value := range tracker.Stats() {
		fmt.Printf("%-20s: %v\n", key, value)
	}
	return nil
}
