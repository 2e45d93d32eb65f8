package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Log       LoggingConfig   `yaml:"log"`
	REST      RESTConfig      `yaml:"rest"`
	WS        WSConfig        `yaml:"ws"`
	State     StateConfig     `yaml:"state"`
	Strategy  StrategyConfig  `yaml:"strategy"`
	Backtest  BacktestConfig  `yaml:"backtest"`
	Timescale TimescaleConfig `yaml:"timescale"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Telegram  TelegramConfig  `yaml:"telegram"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type RESTConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

type WSConfig struct {
	Enabled        bool          `yaml:"enabled"`
	URL            string        `yaml:"url"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	PingInterval   time.Duration `yaml:"ping_interval"`
}

type StateConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

// StrategyConfig carries the carry-basket parameters shared by the live loop
// and the backtester. Annualized rates are plain fractions: min_funding_ann
// 0.20 means 20% per year.
type StrategyConfig struct {
	QuoteCoin         string        `yaml:"quote_coin"`
	CapitalUSD        float64       `yaml:"capital_usd"`
	TopK              int           `yaml:"top_k"`
	Leverage          float64       `yaml:"leverage"`
	DeltaThresholdBP  float64       `yaml:"delta_threshold_bp"`
	MinFundingAnn     float64       `yaml:"min_funding_ann"`
	MaxFundingAnn     float64       `yaml:"max_funding_ann"`
	MinOpenInterest   float64       `yaml:"min_oi_usd"`
	MaxBasis          float64       `yaml:"max_basis"`
	FeeBPS            float64       `yaml:"fee_bps"`
	SlippageBPS       float64       `yaml:"slippage_bps"`
	RequireSpot       *bool         `yaml:"require_spot"`
	SettlementsPerDay int           `yaml:"settlements_per_day"`
	FundingWindow     time.Duration `yaml:"funding_window"`
	RebalanceInterval time.Duration `yaml:"rebalance_interval"`
	FetchConcurrency  int           `yaml:"fetch_concurrency"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

type BacktestConfig struct {
	Start string `yaml:"start"`
	End   string `yaml:"end"`
}

type TimescaleConfig struct {
	Enabled         bool          `yaml:"enabled"`
	DSN             string        `yaml:"dsn"`
	Schema          string        `yaml:"schema"`
	QueueSize       int           `yaml:"queue_size"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
	Path    string `yaml:"path"`
}

type TelegramConfig struct {
	Enabled                bool          `yaml:"enabled"`
	Token                  string        `yaml:"token"`
	ChatID                 string        `yaml:"chat_id"`
	OperatorEnabled        bool          `yaml:"operator_enabled"`
	OperatorPollInterval   time.Duration `yaml:"operator_poll_interval"`
	OperatorAllowedUserIDs []int64       `yaml:"operator_allowed_user_ids"`
}

func (s StrategyConfig) RequireSpotValue() bool {
	return s.RequireSpot == nil || *s.RequireSpot
}

// DeltaThresholdUSD converts the configured basis-point threshold into the
// dollar band the hedge check compares against.
func (s StrategyConfig) DeltaThresholdUSD() float64 {
	return s.CapitalUSD * s.DeltaThresholdBP / 10000
}

// RoundTripCostRate is the two-sided fee plus slippage as a fraction of the
// traded notional, applied once at entry and once at exit.
func (s StrategyConfig) RoundTripCostRate() float64 {
	return (s.FeeBPS + s.SlippageBPS) / 10000
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
	if cfg.REST.BaseURL == "" {
		cfg.REST.BaseURL = "https://api.bybit.com"
	}
	if cfg.REST.Timeout == 0 {
		cfg.REST.Timeout = 10 * time.Second
	}
	if cfg.WS.URL == "" {
		cfg.WS.URL = "wss://stream.bybit.com/v5/public/linear"
	}
	if cfg.WS.ReconnectDelay == 0 {
		cfg.WS.ReconnectDelay = 3 * time.Second
	}
	if cfg.WS.PingInterval == 0 {
		cfg.WS.PingInterval = 20 * time.Second
	}
	if cfg.State.SQLitePath == "" {
		cfg.State.SQLitePath = "data/bybit-carry-bot.db"
	}
	if cfg.Strategy.QuoteCoin == "" {
		cfg.Strategy.QuoteCoin = "USDT"
	}
	if cfg.Strategy.CapitalUSD == 0 {
		cfg.Strategy.CapitalUSD = 5000
	}
	if cfg.Strategy.TopK == 0 {
		cfg.Strategy.TopK = 6
	}
	if cfg.Strategy.Leverage == 0 {
		cfg.Strategy.Leverage = 3.0
	}
	if cfg.Strategy.DeltaThresholdBP == 0 {
		cfg.Strategy.DeltaThresholdBP = 25
	}
	if cfg.Strategy.MinFundingAnn == 0 {
		cfg.Strategy.MinFundingAnn = 0.20
	}
	if cfg.Strategy.MaxFundingAnn == 0 {
		cfg.Strategy.MaxFundingAnn = 0.40
	}
	if cfg.Strategy.MinOpenInterest == 0 {
		cfg.Strategy.MinOpenInterest = 5_000_000
	}
	if cfg.Strategy.MaxBasis == 0 {
		cfg.Strategy.MaxBasis = 0.003
	}
	if cfg.Strategy.FeeBPS == 0 {
		cfg.Strategy.FeeBPS = 6
	}
	if cfg.Strategy.SlippageBPS == 0 {
		cfg.Strategy.SlippageBPS = 3
	}
	if cfg.Strategy.SettlementsPerDay == 0 {
		cfg.Strategy.SettlementsPerDay = 3
	}
	if cfg.Strategy.FundingWindow == 0 {
		cfg.Strategy.FundingWindow = 24 * time.Hour
	}
	if cfg.Strategy.RebalanceInterval == 0 {
		cfg.Strategy.RebalanceInterval = 5 * time.Minute
	}
	if cfg.Strategy.FetchConcurrency == 0 {
		cfg.Strategy.FetchConcurrency = 8
	}
	if cfg.Strategy.ShutdownTimeout == 0 {
		cfg.Strategy.ShutdownTimeout = 2 * time.Minute
	}
	if cfg.Timescale.Schema == "" {
		cfg.Timescale.Schema = "public"
	}
	if cfg.Timescale.QueueSize == 0 {
		cfg.Timescale.QueueSize = 256
	}
	if cfg.Metrics.Address == "" {
		cfg.Metrics.Address = "127.0.0.1:9001"
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.Telegram.OperatorPollInterval == 0 {
		cfg.Telegram.OperatorPollInterval = 3 * time.Second
	}
}

func validate(cfg *Config) error {
	s := cfg.Strategy
	if s.CapitalUSD <= 0 {
		return errors.New("strategy.capital_usd must be > 0")
	}
	if s.TopK <= 0 {
		return errors.New("strategy.top_k must be > 0")
	}
	if s.Leverage <= 0 {
		return errors.New("strategy.leverage must be > 0")
	}
	if s.DeltaThresholdBP < 0 {
		return errors.New("strategy.delta_threshold_bp must be >= 0")
	}
	if s.MinFundingAnn > s.MaxFundingAnn {
		return fmt.Errorf("strategy funding band is inverted: [%.4f, %.4f]", s.MinFundingAnn, s.MaxFundingAnn)
	}
	if s.MinOpenInterest < 0 {
		return errors.New("strategy.min_oi_usd must be >= 0")
	}
	if s.MaxBasis <= 0 {
		return errors.New("strategy.max_basis must be > 0")
	}
	if s.FeeBPS < 0 || s.SlippageBPS < 0 {
		return errors.New("strategy fee and slippage must be >= 0")
	}
	if s.SettlementsPerDay <= 0 {
		return errors.New("strategy.settlements_per_day must be > 0")
	}
	if s.FundingWindow <= 0 {
		return errors.New("strategy.funding_window must be > 0")
	}
	if s.RebalanceInterval <= 0 {
		return errors.New("strategy.rebalance_interval must be > 0")
	}
	if cfg.Backtest.Start != "" || cfg.Backtest.End != "" {
		start, end, err := cfg.Backtest.Range()
		if err != nil {
			return err
		}
		if end.Before(start) {
			return fmt.Errorf("backtest range is inverted: %s after %s", cfg.Backtest.Start, cfg.Backtest.End)
		}
	}
	return nil
}

// Range parses the inclusive backtest date bounds as UTC calendar days.
func (b BacktestConfig) Range() (time.Time, time.Time, error) {
	start, err := time.ParseInLocation("2006-01-02", b.Start, time.UTC)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("backtest.start: %w", err)
	}
	end, err := time.ParseInLocation("2006-01-02", b.End, time.UTC)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("backtest.end: %w", err)
	}
	return start, end, nil
}
