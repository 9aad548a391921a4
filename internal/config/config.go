package config

import (
	"fmt"
	"os"

	"dujyochain/internal/logging"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Config 主配置
type Config struct {
	Database  *DatabaseConfig    `mapstructure:"database"`
	Chain     *ChainConfig       `mapstructure:"chain"`
	Fees      *FeeConfig         `mapstructure:"fees"`
	Exchange  *ExchangeConfig    `mapstructure:"exchange"`
	Staking   *StakingConfig     `mapstructure:"staking"`
	Consensus *ConsensusConfig   `mapstructure:"consensus"`
	Producer  *ProducerConfig    `mapstructure:"producer"`
	API       *APIConfig         `mapstructure:"api"`
	Audit     *AuditConfig       `mapstructure:"audit"`
	Logging   *logging.LogConfig `mapstructure:"logging"`
}

// DatabaseConfig 账本数据库配置
type DatabaseConfig struct {
	DSN             string `mapstructure:"dsn"`
	MaxOpenConns    int    `mapstructure:"max_open_conns"`
	MaxIdleConns    int    `mapstructure:"max_idle_conns"`
	ConnMaxLifetime string `mapstructure:"conn_max_lifetime"`
}

// ChainConfig 链核心参数
type ChainConfig struct {
	OraclePriceUSD    float64 `mapstructure:"oracle_price_usd"`    // DYO初始美元价格
	OracleCacheTTL    string  `mapstructure:"oracle_cache_ttl"`    // 价格缓存时长
	RewardPoolInitial uint64  `mapstructure:"reward_pool_initial"` // 奖励池初始余额（DYO最小单位）
	StateDBPath       string  `mapstructure:"state_db_path"`       // 本地状态缓存（bbolt）路径
}

// FeeConfig 手续费引擎参数
type FeeConfig struct {
	CongestionSignal  float64 `mapstructure:"congestion_signal"`  // 初始拥堵信号 [0,1]
	PremiumDiscount   float64 `mapstructure:"premium_discount"`   // 高级用户折扣
	CreativeDiscount  float64 `mapstructure:"creative_discount"`  // 创作者验证者折扣
	CommunityDiscount float64 `mapstructure:"community_discount"` // 社区验证者折扣
}

// ExchangeConfig 交易所参数
type ExchangeConfig struct {
	FeeRateBps     uint64 `mapstructure:"fee_rate_bps"`     // 兑换手续费，基点
	MaxSlippageBps uint64 `mapstructure:"max_slippage_bps"` // 最大滑点，基点
	SwapBufferBps  uint64 `mapstructure:"swap_buffer_bps"`  // 自动兑换缓冲，基点
}

// StakingConfig 质押参数
type StakingConfig struct {
	MinimumStake    uint64 `mapstructure:"minimum_stake"`     // 最小质押量
	MaturityPeriod  string `mapstructure:"maturity_period"`   // 成熟期，早于此解押收取惩罚
	EarlyPenaltyBps uint64 `mapstructure:"early_penalty_bps"` // 提前解押惩罚，基点
	RewardRateBps   uint64 `mapstructure:"reward_rate_bps"`   // 年化奖励率，基点
}

// ConsensusConfig 共识参数
type ConsensusConfig struct {
	MaxEconomic       int     `mapstructure:"max_economic"`
	MaxCreative       int     `mapstructure:"max_creative"`
	MaxCommunity      int     `mapstructure:"max_community"`
	LambdaEconomic    float64 `mapstructure:"lambda_economic"`
	LambdaCreative    float64 `mapstructure:"lambda_creative"`
	LambdaCommunity   float64 `mapstructure:"lambda_community"`
	MinCreativeScore  float64 `mapstructure:"min_creative_score"`
	MinCommunityScore float64 `mapstructure:"min_community_score"`
	SelectionCooldown string  `mapstructure:"selection_cooldown"`
	CommitWindow      string  `mapstructure:"commit_window"`
	RevealWindow      string  `mapstructure:"reveal_window"`
	SlashThreshold    int     `mapstructure:"slash_threshold"` // 惩罚次数上限，超过则停用
	MinReputation     float64 `mapstructure:"min_reputation"`
}

// ProducerConfig 出块参数
type ProducerConfig struct {
	Enabled          bool   `mapstructure:"enabled"`           // 是否参与出块
	ValidatorAddress string `mapstructure:"validator_address"` // 本节点的验证者地址
	BatchSize        int    `mapstructure:"batch_size"`        // 每块最大交易数
	BlockInterval    string `mapstructure:"block_interval"`    // 出块超时，与批量触发先到先得
	ProgressDBPath   string `mapstructure:"progress_db_path"`  // 出块进度缓存（bbolt）路径
}

// APIConfig API服务配置
type APIConfig struct {
	Port int `mapstructure:"port"`
}

// KafkaConfig Kafka配置
type KafkaConfig struct {
	Brokers []string          `mapstructure:"brokers"`
	Topics  map[string]string `mapstructure:"topics"`
}

// AuditConfig 审计下游配置
type AuditConfig struct {
	Enabled bool         `mapstructure:"enabled"`
	Kafka   *KafkaConfig `mapstructure:"kafka"`
}

// LoadConfig 加载配置（自动检测配置源）
func LoadConfig(configPath string) (*Config, error) {
	// 首先尝试从环境变量获取数据库DSN，链参数可存在数据库中
	dbDSN := os.Getenv("DUJYO_DB_DSN")
	if dbDSN != "" {
		logger := logrus.New()
		dbConfig, err := NewDatabaseSource(dbDSN, logger)
		if err != nil {
			return nil, fmt.Errorf("连接配置数据库失败: %w", err)
		}
		defer dbConfig.Close()

		config, err := dbConfig.LoadConfig()
		if err != nil {
			return nil, fmt.Errorf("从数据库加载配置失败: %w", err)
		}

		config.Database.DSN = dbDSN
		logger.Info("已从数据库加载链参数配置")
		return config, nil
	}

	return LoadConfigFromFile(configPath)
}

// LoadConfigFromFile 从文件加载配置
func LoadConfigFromFile(configPath string) (*Config, error) {
	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	config := GetDefaultConfig()
	if err := viper.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	return config, nil
}

// GetDefaultConfig 获取默认配置
func GetDefaultConfig() *Config {
	return &Config{
		Database: &DatabaseConfig{
			DSN:             "", // 需要在YAML配置或环境变量中指定
			MaxOpenConns:    20,
			MaxIdleConns:    5,
			ConnMaxLifetime: "30m",
		},
		Chain: &ChainConfig{
			OraclePriceUSD:    0.001, // 默认 1 DYO = $0.001
			OracleCacheTTL:    "5s",
			RewardPoolInitial: 1_000_000_000,
			StateDBPath:       "./data/state.db",
		},
		Fees: &FeeConfig{
			CongestionSignal:  0.0,
			PremiumDiscount:   0.5,
			CreativeDiscount:  0.5,
			CommunityDiscount: 0.25,
		},
		Exchange: &ExchangeConfig{
			FeeRateBps:     30,  // 0.3%
			MaxSlippageBps: 500, // 5%
			SwapBufferBps:  500, // 自动兑换5%缓冲
		},
		Staking: &StakingConfig{
			MinimumStake:    1000,
			MaturityPeriod:  "720h", // 30天
			EarlyPenaltyBps: 100,    // 1%
			RewardRateBps:   500,    // 年化5%
		},
		Consensus: &ConsensusConfig{
			MaxEconomic:       100,
			MaxCreative:       50,
			MaxCommunity:      50,
			LambdaEconomic:    0.4,
			LambdaCreative:    0.35,
			LambdaCommunity:   0.25,
			MinCreativeScore:  50.0,
			MinCommunityScore: 30.0,
			SelectionCooldown: "5s",
			CommitWindow:      "10s",
			RevealWindow:      "10s",
			SlashThreshold:    3,
			MinReputation:     50.0,
		},
		Producer: &ProducerConfig{
			Enabled:          true,
			ValidatorAddress: "",
			BatchSize:        100,
			BlockInterval:    "10s",
			ProgressDBPath:   "./data/progress.db",
		},
		API: &APIConfig{
			Port: 8545,
		},
		Audit: &AuditConfig{
			Enabled: false,
			Kafka: &KafkaConfig{
				Brokers: []string{"localhost:9092"},
				Topics: map[string]string{
					"audit":  "dujyo_audit_entries",
					"blocks": "dujyo_blocks",
				},
			},
		},
		Logging: &logging.LogConfig{
			Level:      "info",
			Format:     "json",
			Output:     "stdout",
			Rotation:   false,
			MaxSize:    100,
			MaxAge:     30,
			MaxBackups: 3,
			Compress:   true,
		},
	}
}
