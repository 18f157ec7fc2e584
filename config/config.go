package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

const (
	DefaultProgramID      = "Port7uDYB3wk6GJAw4KT1WpTeMtSu9bTcChBHkX2LfR"
	DefaultLendingMarket  = "6T4XxKerq744sSuj3jaoV6QiZ8acirf4TrPwQzHAoSy5"
	DefaultStakingProgram = "stkarvwmSzv2BygN5e2LeTwimTczLWHCKPKGC2zVLiq"
	DefaultJupiterAPI     = "https://quote-api.jup.ag/v6"
	// USDC
	DefaultStableMint = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"
)

// TokenConfig 存储代币配置，用于显示名称
type TokenConfig struct {
	Address string `yaml:"address"`
	Symbol  string `yaml:"symbol"`
	Name    string `yaml:"name"`
	Decimal int    `yaml:"decimal"`
}

// LiquidationConfig 扫描和清算参数
type LiquidationConfig struct {
	ReduceFactor           float64            `yaml:"reduce_factor"`
	NativeReserveLamports  uint64             `yaml:"native_reserve_lamports"`
	MinLoanValue           float64            `yaml:"min_loan_value"`
	RiskThreshold          float64            `yaml:"risk_threshold"`
	ThresholdOverrides     map[string]float64 `yaml:"threshold_overrides"`
	DisplayFirst           int                `yaml:"display_first"`
	RedeemAfterLiquidation *bool              `yaml:"redeem_after_liquidation"`
}

// RebalanceConfig 持仓再平衡参数
type RebalanceConfig struct {
	Enabled         bool               `yaml:"enabled"`
	StableMint      string             `yaml:"stable_mint"`
	DefaultRatio    float64            `yaml:"default_ratio"`
	RatioOverrides  map[string]float64 `yaml:"ratio_overrides"`
	SlippageBps     int                `yaml:"slippage_bps"`
	HysteresisRatio float64            `yaml:"hysteresis_ratio"`
	MinSwapValue    float64            `yaml:"min_swap_value"`
	JupiterEndpoint string             `yaml:"jupiter_endpoint"`
}

// AlertConfig webhook 告警
type AlertConfig struct {
	WebhookURL      string `yaml:"webhook_url"`
	TraceWebhookURL string `yaml:"trace_webhook_url"`
}

// MetricsConfig 指标接口
type MetricsConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// Config 存储所有配置
type Config struct {
	RPCEndpoint      string            `yaml:"rpc_endpoint"`
	RPCRateLimit     float64           `yaml:"rpc_rate_limit"`
	ProgramID        string            `yaml:"program_id"`
	LendingMarket    string            `yaml:"lending_market"`
	StakingProgramID string            `yaml:"staking_program_id"`
	KeypairPath      string            `yaml:"keypair_path"`
	CheckInterval    time.Duration     `yaml:"check_interval"`
	LogLevel         string            `yaml:"log_level"`
	Liquidation      LiquidationConfig `yaml:"liquidation"`
	Rebalance        RebalanceConfig   `yaml:"rebalance"`
	Alerts           AlertConfig       `yaml:"alerts"`
	Metrics          MetricsConfig     `yaml:"metrics"`
	Tokens           []TokenConfig     `yaml:"tokens"`
}

// envOverlay 环境变量覆盖项，前缀 LIQUIDATOR_，未设置的字段保持文件中的值
type envOverlay struct {
	RPCEndpoint      string        `envconfig:"RPC_ENDPOINT"`
	RPCRateLimit     float64       `envconfig:"RPC_RATE_LIMIT"`
	ProgramID        string        `envconfig:"PROGRAM_ID"`
	LendingMarket    string        `envconfig:"LENDING_MARKET"`
	Keypair          string        `envconfig:"KEYPAIR"`
	CheckInterval    time.Duration `envconfig:"CHECK_INTERVAL"`
	LogLevel         string        `envconfig:"LOG_LEVEL"`
	AlertWebhook     string        `envconfig:"ALERT_WEBHOOK"`
	TraceWebhook     string        `envconfig:"TRACE_WEBHOOK"`
	MetricsAddr      string        `envconfig:"METRICS_ADDR"`
	JupiterEndpoint  string        `envconfig:"JUPITER_ENDPOINT"`
	RebalanceEnabled string        `envconfig:"REBALANCE_ENABLED"`
}

// Default 默认配置
func Default() *Config {
	redeem := true
	return &Config{
		RPCEndpoint:      "https://api.mainnet-beta.solana.com",
		RPCRateLimit:     10,
		ProgramID:        DefaultProgramID,
		LendingMarket:    DefaultLendingMarket,
		StakingProgramID: DefaultStakingProgram,
		KeypairPath:      "id.json",
		CheckInterval:    1000 * time.Millisecond,
		LogLevel:         "INFO",
		Liquidation: LiquidationConfig{
			ReduceFactor:           0.8,
			NativeReserveLamports:  1_000_000_000,
			MinLoanValue:           0.08,
			RiskThreshold:          1.0,
			DisplayFirst:           20,
			RedeemAfterLiquidation: &redeem,
		},
		Rebalance: RebalanceConfig{
			StableMint:      DefaultStableMint,
			DefaultRatio:    0,
			SlippageBps:     100,
			HysteresisRatio: 0.2,
			MinSwapValue:    5,
			JupiterEndpoint: DefaultJupiterAPI,
		},
	}
}

// LoadConfig 从 YAML 文件加载配置，再用环境变量覆盖并校验
func LoadConfig(filename string) (*Config, error) {
	config := Default()

	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	if err := config.applyEnv(); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("配置校验失败: %w", err)
	}
	return config, nil
}

func (c *Config) applyEnv() error {
	var env envOverlay
	if err := envconfig.Process("LIQUIDATOR", &env); err != nil {
		return fmt.Errorf("处理环境变量失败: %w", err)
	}
	setString := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	setString(&c.RPCEndpoint, env.RPCEndpoint)
	setString(&c.ProgramID, env.ProgramID)
	setString(&c.LendingMarket, env.LendingMarket)
	setString(&c.KeypairPath, env.Keypair)
	setString(&c.LogLevel, env.LogLevel)
	setString(&c.Alerts.WebhookURL, env.AlertWebhook)
	setString(&c.Alerts.TraceWebhookURL, env.TraceWebhook)
	setString(&c.Metrics.ListenAddr, env.MetricsAddr)
	setString(&c.Rebalance.JupiterEndpoint, env.JupiterEndpoint)
	if env.RPCRateLimit > 0 {
		c.RPCRateLimit = env.RPCRateLimit
	}
	if env.CheckInterval > 0 {
		c.CheckInterval = env.CheckInterval
	}
	switch strings.ToLower(env.RebalanceEnabled) {
	case "true", "1", "yes":
		c.Rebalance.Enabled = true
	case "false", "0", "no":
		c.Rebalance.Enabled = false
	}
	return nil
}

// Validate 检查必填项和取值范围
func (c *Config) Validate() error {
	var errs []error
	if c.RPCEndpoint == "" {
		errs = append(errs, errors.New("rpc_endpoint 不能为空"))
	}
	if c.ProgramID == "" {
		errs = append(errs, errors.New("program_id 不能为空"))
	}
	if c.LendingMarket == "" {
		errs = append(errs, errors.New("lending_market 不能为空"))
	}
	if c.KeypairPath == "" {
		errs = append(errs, errors.New("keypair_path 不能为空"))
	}
	if c.CheckInterval <= 0 {
		errs = append(errs, errors.New("check_interval 必须大于 0"))
	}
	if c.Liquidation.ReduceFactor <= 0 || c.Liquidation.ReduceFactor > 1 {
		errs = append(errs, fmt.Errorf("reduce_factor 必须在 (0, 1] 之间: %v", c.Liquidation.ReduceFactor))
	}
	if c.Liquidation.MinLoanValue < 0 {
		errs = append(errs, errors.New("min_loan_value 不能为负"))
	}
	if c.Rebalance.DefaultRatio < 0 {
		errs = append(errs, errors.New("default_ratio 不能为负"))
	}
	for mint, ratio := range c.Rebalance.RatioOverrides {
		if ratio < 0 {
			errs = append(errs, fmt.Errorf("ratio_overrides[%s] 不能为负", mint))
		}
	}
	if c.Rebalance.HysteresisRatio < 0 || c.Rebalance.MinSwapValue < 0 {
		errs = append(errs, errors.New("hysteresis_ratio 和 min_swap_value 不能为负"))
	}
	if c.Rebalance.Enabled && c.Rebalance.StableMint == "" {
		errs = append(errs, errors.New("启用再平衡时 stable_mint 不能为空"))
	}
	return errors.Join(errs...)
}

// RedeemAfterLiquidation 清算成功后是否立即赎回，默认是
func (c *Config) RedeemAfterLiquidation() bool {
	if c.Liquidation.RedeemAfterLiquidation == nil {
		return true
	}
	return *c.Liquidation.RedeemAfterLiquidation
}

// TokenNames mint -> 显示名称
func (c *Config) TokenNames() map[string]string {
	names := make(map[string]string, len(c.Tokens))
	for _, token := range c.Tokens {
		name := token.Symbol
		if name == "" {
			name = token.Name
		}
		if name != "" {
			names[token.Address] = name
		}
	}
	return names
}
