package config

import (
	"database/sql"
	"fmt"
	"strconv"

	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

// DatabaseSource 数据库配置源
//
// 链参数存放在 chain_config 表（key/value），与账本同库，
// 便于治理流程直接调整参数而无需重新发布配置文件。
type DatabaseSource struct {
	DB     *sql.DB
	logger *logrus.Logger
}

// NewDatabaseSource 创建数据库配置源
func NewDatabaseSource(dsn string, logger *logrus.Logger) (*DatabaseSource, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("连接数据库失败: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("数据库连接测试失败: %w", err)
	}

	return &DatabaseSource{
		DB:     db,
		logger: logger,
	}, nil
}

// LoadConfig 从数据库加载配置，未配置的键落回默认值
func (ds *DatabaseSource) LoadConfig() (*Config, error) {
	config := GetDefaultConfig()

	rows, err := ds.DB.Query(`SELECT config_key, config_value FROM chain_config WHERE is_active = true`)
	if err != nil {
		// chain_config 表可能尚未创建，此时全部使用默认值
		ds.logger.Warnf("读取 chain_config 失败，使用默认链参数: %v", err)
		return config, nil
	}
	defer rows.Close()

	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		ds.applyKey(config, key, value)
	}

	return config, rows.Err()
}

// applyKey 应用单个配置键
func (ds *DatabaseSource) applyKey(config *Config, key, value string) {
	switch key {
	case "oracle_price_usd":
		if v, err := strconv.ParseFloat(value, 64); err == nil {
			config.Chain.OraclePriceUSD = v
		}
	case "reward_pool_initial":
		if v, err := strconv.ParseUint(value, 10, 64); err == nil {
			config.Chain.RewardPoolInitial = v
		}
	case "congestion_signal":
		if v, err := strconv.ParseFloat(value, 64); err == nil {
			config.Fees.CongestionSignal = v
		}
	case "minimum_stake":
		if v, err := strconv.ParseUint(value, 10, 64); err == nil {
			config.Staking.MinimumStake = v
		}
	case "maturity_period":
		config.Staking.MaturityPeriod = value
	case "reward_rate_bps":
		if v, err := strconv.ParseUint(value, 10, 64); err == nil {
			config.Staking.RewardRateBps = v
		}
	case "fee_rate_bps":
		if v, err := strconv.ParseUint(value, 10, 64); err == nil {
			config.Exchange.FeeRateBps = v
		}
	case "max_slippage_bps":
		if v, err := strconv.ParseUint(value, 10, 64); err == nil {
			config.Exchange.MaxSlippageBps = v
		}
	case "selection_cooldown":
		config.Consensus.SelectionCooldown = value
	case "commit_window":
		config.Consensus.CommitWindow = value
	case "reveal_window":
		config.Consensus.RevealWindow = value
	case "batch_size":
		if v, err := strconv.Atoi(value); err == nil {
			config.Producer.BatchSize = v
		}
	case "block_interval":
		config.Producer.BlockInterval = value
	default:
		ds.logger.Debugf("忽略未知配置键: %s", key)
	}
}

// UpdateConfig 更新链参数
func (ds *DatabaseSource) UpdateConfig(key, value string) error {
	query := `
		INSERT INTO chain_config (config_key, config_value, is_active, updated_at)
		VALUES ($1, $2, true, CURRENT_TIMESTAMP)
		ON CONFLICT (config_key)
		DO UPDATE SET config_value = $2, updated_at = CURRENT_TIMESTAMP
	`
	_, err := ds.DB.Exec(query, key, value)
	return err
}

// GetConfig 获取链参数值
func (ds *DatabaseSource) GetConfig(key string) (string, error) {
	var value string
	err := ds.DB.QueryRow(
		`SELECT config_value FROM chain_config WHERE config_key = $1 AND is_active = true`, key,
	).Scan(&value)
	return value, err
}

// Close 关闭数据库连接
func (ds *DatabaseSource) Close() error {
	if ds.DB != nil {
		return ds.DB.Close()
	}
	return nil
}
