package config

import (
	"errors"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Log      LoggingConfig  `yaml:"log"`
	Postgres PostgresConfig `yaml:"postgres"`
	Redis    RedisConfig    `yaml:"redis"`
	State    StateConfig    `yaml:"state"`
	Ledger   LedgerConfig   `yaml:"ledger"`
	Swap     SwapConfig     `yaml:"swap"`
	Perp     PerpConfig     `yaml:"perp"`
	Keeper   KeeperConfig   `yaml:"keeper"`
	Staking  StakingConfig  `yaml:"staking"`
	Jobs     JobsConfig     `yaml:"jobs"`
	Monitor  MonitorConfig  `yaml:"monitor"`
	Risk     RiskConfig     `yaml:"risk"`
	Fees     FeesConfig     `yaml:"fees"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Telegram TelegramConfig `yaml:"telegram"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	// Format is "json" for production or "console" for local runs.
	Format string `yaml:"format"`
}

type PostgresConfig struct {
	DSN      string `yaml:"dsn"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type StateConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

type LedgerConfig struct {
	BaseURL    string        `yaml:"base_url"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`
	RetryBase  time.Duration `yaml:"retry_base"`
	RetryCap   time.Duration `yaml:"retry_cap"`
	TxLookback int           `yaml:"tx_lookback"`
}

type SwapConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

type PerpConfig struct {
	BaseURL        string        `yaml:"base_url"`
	WSURL          string        `yaml:"ws_url"`
	Timeout        time.Duration `yaml:"timeout"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	PingInterval   time.Duration `yaml:"ping_interval"`
	Leverage       float64       `yaml:"leverage"`
}

type KeeperConfig struct {
	// PrivateKeyEnv names the environment variable holding the hex-encoded
	// signing key. The key itself never lives in the config file.
	PrivateKeyEnv string `yaml:"private_key_env"`
}

type StakingConfig struct {
	PoolAddress string `yaml:"pool_address"`
}

type JobsConfig struct {
	Workers      int           `yaml:"workers"`
	PollInterval time.Duration `yaml:"poll_interval"`
	WakeChannel  string        `yaml:"wake_channel"`
}

type MonitorConfig struct {
	ValuationPattern string        `yaml:"valuation_pattern"`
	RiskPattern      string        `yaml:"risk_pattern"`
	StrategyPattern  string        `yaml:"strategy_pattern"`
	KeeperPattern    string        `yaml:"keeper_pattern"`
	PriceSmoothing   float64       `yaml:"price_smoothing"`
	TriggerMinimum   float64       `yaml:"trigger_minimum"`
	DelegationMargin time.Duration `yaml:"delegation_margin"`
	EntryFunding     float64       `yaml:"entry_funding"`
}

type RiskConfig struct {
	DriftThreshold float64 `yaml:"drift_threshold"`
	MinRebalance   float64 `yaml:"min_rebalance"`
	MaxPriceImpact float64 `yaml:"max_price_impact"`
	UnwindChunk    float64 `yaml:"unwind_chunk"`
	MinOutputRatio float64 `yaml:"min_output_ratio"`
}

type FeesConfig struct {
	PerformanceRate float64 `yaml:"performance_rate"`
	DustThreshold   float64 `yaml:"dust_threshold"`
	// Collector receives performance fees. Defaults to the keeper account
	// when empty.
	Collector string `yaml:"collector"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

type TelegramConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
	ChatID  string `yaml:"chat_id"`
}

func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	return &cfg, validate(&cfg)
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if cfg.State.SQLitePath == "" {
		cfg.State.SQLitePath = "data/dn-keeper-bot.db"
	}
	if cfg.Ledger.Timeout == 0 {
		cfg.Ledger.Timeout = 10 * time.Second
	}
	if cfg.Ledger.MaxRetries == 0 {
		cfg.Ledger.MaxRetries = 5
	}
	if cfg.Ledger.RetryBase == 0 {
		cfg.Ledger.RetryBase = 500 * time.Millisecond
	}
	if cfg.Ledger.RetryCap == 0 {
		cfg.Ledger.RetryCap = 8 * time.Second
	}
	if cfg.Ledger.TxLookback == 0 {
		cfg.Ledger.TxLookback = 20
	}
	if cfg.Swap.Timeout == 0 {
		cfg.Swap.Timeout = 10 * time.Second
	}
	if cfg.Perp.Timeout == 0 {
		cfg.Perp.Timeout = 10 * time.Second
	}
	if cfg.Perp.ReconnectDelay == 0 {
		cfg.Perp.ReconnectDelay = 3 * time.Second
	}
	if cfg.Perp.PingInterval == 0 {
		cfg.Perp.PingInterval = 30 * time.Second
	}
	if cfg.Perp.Leverage == 0 {
		cfg.Perp.Leverage = 1
	}
	if cfg.Keeper.PrivateKeyEnv == "" {
		cfg.Keeper.PrivateKeyEnv = "KEEPER_PRIVATE_KEY"
	}
	if cfg.Jobs.Workers == 0 {
		cfg.Jobs.Workers = 4
	}
	if cfg.Jobs.PollInterval == 0 {
		cfg.Jobs.PollInterval = 5 * time.Second
	}
	if cfg.Jobs.WakeChannel == "" {
		cfg.Jobs.WakeChannel = "jobs:wake"
	}
	if cfg.Monitor.ValuationPattern == "" {
		cfg.Monitor.ValuationPattern = "@every 30s"
	}
	if cfg.Monitor.RiskPattern == "" {
		cfg.Monitor.RiskPattern = "@every 30s"
	}
	if cfg.Monitor.StrategyPattern == "" {
		cfg.Monitor.StrategyPattern = "@every 5m"
	}
	if cfg.Monitor.KeeperPattern == "" {
		cfg.Monitor.KeeperPattern = "@every 1m"
	}
	if cfg.Monitor.PriceSmoothing == 0 {
		cfg.Monitor.PriceSmoothing = 0.2
	}
	if cfg.Monitor.TriggerMinimum == 0 {
		cfg.Monitor.TriggerMinimum = 0.01
	}
	if cfg.Monitor.DelegationMargin == 0 {
		cfg.Monitor.DelegationMargin = 24 * time.Hour
	}
	if cfg.Monitor.EntryFunding == 0 {
		cfg.Monitor.EntryFunding = 0.00001
	}
	if cfg.Risk.DriftThreshold == 0 {
		cfg.Risk.DriftThreshold = 0.015
	}
	if cfg.Risk.MinRebalance == 0 {
		cfg.Risk.MinRebalance = 10
	}
	if cfg.Risk.MaxPriceImpact == 0 {
		cfg.Risk.MaxPriceImpact = 0.05
	}
	if cfg.Risk.UnwindChunk == 0 {
		cfg.Risk.UnwindChunk = 0.1
	}
	if cfg.Risk.MinOutputRatio == 0 {
		cfg.Risk.MinOutputRatio = 0.99
	}
	if cfg.Fees.PerformanceRate == 0 {
		cfg.Fees.PerformanceRate = 0.20
	}
	if cfg.Fees.DustThreshold == 0 {
		cfg.Fees.DustThreshold = 0.01
	}
	if cfg.Metrics.Listen == "" {
		cfg.Metrics.Listen = ":9090"
	}
}

func validate(cfg *Config) error {
	if cfg.Postgres.DSN == "" {
		return errors.New("postgres.dsn is required")
	}
	if cfg.Ledger.BaseURL == "" {
		return errors.New("ledger.base_url is required")
	}
	if cfg.Swap.BaseURL == "" {
		return errors.New("swap.base_url is required")
	}
	if cfg.Perp.BaseURL == "" {
		return errors.New("perp.base_url is required")
	}
	if cfg.Risk.DriftThreshold < 0 || cfg.Risk.DriftThreshold >= 1 {
		return errors.New("risk.drift_threshold must be in [0, 1)")
	}
	if cfg.Risk.UnwindChunk <= 0 || cfg.Risk.UnwindChunk > 1 {
		return errors.New("risk.unwind_chunk must be in (0, 1]")
	}
	if cfg.Fees.PerformanceRate < 0 || cfg.Fees.PerformanceRate >= 1 {
		return errors.New("fees.performance_rate must be in [0, 1)")
	}
	return nil
}
