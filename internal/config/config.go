// Package config defines all configuration for the arbitrage engine.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via KIMCHI_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	DryRun    bool            `mapstructure:"dry_run"`
	Testnet   bool            `mapstructure:"testnet"`
	Upbit     VenueCreds      `mapstructure:"upbit"`
	Binance   VenueCreds      `mapstructure:"binance"`
	Trading   TradingConfig   `mapstructure:"trading"`
	Risk      RiskConfig      `mapstructure:"risk"`
	FiatRate  FiatRateConfig  `mapstructure:"fiat_rate"`
	Store     StoreConfig     `mapstructure:"store"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Dashboard DashboardConfig `mapstructure:"dashboard"`
}

// VenueCreds holds one exchange's credential pair.
type VenueCreds struct {
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	BaseURL   string `mapstructure:"base_url"`
}

// TradingConfig tunes opportunity detection and the trade cycle.
//
//   - SafetyMarginPct: extra buffer above estimated fees; opportunities
//     below fees + margin are not pursued.
//   - MinTradeAmountKrw / MaxTradeAmountKrw: clamp for depth-based sizing.
//   - MonitorCoins: restrict the universe; empty = full venue intersection.
//   - PriceUpdateIntervalSec: monitor loop cadence.
//   - TransferTimeoutMinutes: wall-clock ceiling for on-chain transfer waits.
type TradingConfig struct {
	SafetyMarginPct        decimal.Decimal `mapstructure:"safety_margin_pct"`
	MinTradeAmountKrw      decimal.Decimal `mapstructure:"min_trade_amount_krw"`
	MaxTradeAmountKrw      decimal.Decimal `mapstructure:"max_trade_amount_krw"`
	MonitorCoins           []string        `mapstructure:"monitor_coins"`
	PriceUpdateIntervalSec int             `mapstructure:"price_update_interval_sec"`
	TransferTimeoutMinutes int             `mapstructure:"transfer_timeout_minutes"`
}

// RiskConfig sets hard limits enforced by the risk manager.
//
//   - MaxSingleTradeKrw: per-trade notional ceiling.
//   - MaxDailyVolumeKrw: total completed volume per local day.
//   - MaxConcurrent: simultaneous in-flight trade cycles.
//   - MaxSlippagePct: execution price tolerance per order.
//   - EmergencyLossPct: daily loss / daily volume ratio that trips the stop.
//   - MinVenueBalanceKrw: health-loop floor for either venue's balance.
//   - MaxExposurePct: open exposure ceiling as % of MaxDailyVolumeKrw.
type RiskConfig struct {
	MaxSingleTradeKrw  decimal.Decimal `mapstructure:"max_single_trade_krw"`
	MaxDailyVolumeKrw  decimal.Decimal `mapstructure:"max_daily_volume_krw"`
	MaxConcurrent      int             `mapstructure:"max_concurrent"`
	MaxSlippagePct     decimal.Decimal `mapstructure:"max_slippage_pct"`
	EmergencyLossPct   decimal.Decimal `mapstructure:"emergency_loss_pct"`
	MinVenueBalanceKrw decimal.Decimal `mapstructure:"min_venue_balance_krw"`
	MaxExposurePct     decimal.Decimal `mapstructure:"max_exposure_pct"`
}

// FiatRateConfig controls the USD→KRW rate cache.
type FiatRateConfig struct {
	CacheDurationSec int `mapstructure:"cache_duration_sec"`
}

// StoreConfig sets where paper-mode state and trade history are persisted.
type StoreConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// DashboardConfig controls the optional web dashboard server.
type DashboardConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: KIMCHI_UPBIT_ACCESS_KEY, KIMCHI_UPBIT_SECRET_KEY,
// KIMCHI_BINANCE_API_KEY, KIMCHI_BINANCE_SECRET_KEY.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("KIMCHI")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(decimalDecodeHook())); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if key := os.Getenv("KIMCHI_UPBIT_ACCESS_KEY"); key != "" {
		cfg.Upbit.AccessKey = key
	}
	if key := os.Getenv("KIMCHI_UPBIT_SECRET_KEY"); key != "" {
		cfg.Upbit.SecretKey = key
	}
	if key := os.Getenv("KIMCHI_BINANCE_API_KEY"); key != "" {
		cfg.Binance.AccessKey = key
	}
	if key := os.Getenv("KIMCHI_BINANCE_SECRET_KEY"); key != "" {
		cfg.Binance.SecretKey = key
	}
	if os.Getenv("KIMCHI_DRY_RUN") == "true" || os.Getenv("KIMCHI_DRY_RUN") == "1" {
		cfg.DryRun = true
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("trading.price_update_interval_sec", 1)
	v.SetDefault("trading.transfer_timeout_minutes", 30)
	v.SetDefault("fiat_rate.cache_duration_sec", 300)
	v.SetDefault("store.data_dir", "data")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("dashboard.port", 8080)
}

// Validate checks all required fields and value ranges.
// Credential pairs are only required outside dry-run mode.
func (c *Config) Validate() error {
	if !c.DryRun {
		if c.Upbit.AccessKey == "" || c.Upbit.SecretKey == "" {
			return fmt.Errorf("upbit credentials are required (set KIMCHI_UPBIT_ACCESS_KEY / KIMCHI_UPBIT_SECRET_KEY)")
		}
		if c.Binance.AccessKey == "" || c.Binance.SecretKey == "" {
			return fmt.Errorf("binance credentials are required (set KIMCHI_BINANCE_API_KEY / KIMCHI_BINANCE_SECRET_KEY)")
		}
	}
	if !c.Trading.MinTradeAmountKrw.IsPositive() {
		return fmt.Errorf("trading.min_trade_amount_krw must be > 0")
	}
	if c.Trading.MaxTradeAmountKrw.LessThan(c.Trading.MinTradeAmountKrw) {
		return fmt.Errorf("trading.max_trade_amount_krw must be >= trading.min_trade_amount_krw")
	}
	if c.Trading.SafetyMarginPct.IsNegative() {
		return fmt.Errorf("trading.safety_margin_pct must be >= 0")
	}
	if c.Trading.PriceUpdateIntervalSec <= 0 {
		return fmt.Errorf("trading.price_update_interval_sec must be > 0")
	}
	if c.Trading.TransferTimeoutMinutes <= 0 {
		return fmt.Errorf("trading.transfer_timeout_minutes must be > 0")
	}
	if !c.Risk.MaxSingleTradeKrw.IsPositive() {
		return fmt.Errorf("risk.max_single_trade_krw must be > 0")
	}
	if !c.Risk.MaxDailyVolumeKrw.IsPositive() {
		return fmt.Errorf("risk.max_daily_volume_krw must be > 0")
	}
	if c.Risk.MaxSingleTradeKrw.GreaterThan(c.Risk.MaxDailyVolumeKrw) {
		return fmt.Errorf("risk.max_single_trade_krw must not exceed risk.max_daily_volume_krw")
	}
	if c.Risk.MaxConcurrent <= 0 {
		return fmt.Errorf("risk.max_concurrent must be > 0")
	}
	if !c.Risk.MaxSlippagePct.IsPositive() {
		return fmt.Errorf("risk.max_slippage_pct must be > 0")
	}
	if !c.Risk.EmergencyLossPct.IsPositive() {
		return fmt.Errorf("risk.emergency_loss_pct must be > 0")
	}
	if !c.Risk.MaxExposurePct.IsPositive() || c.Risk.MaxExposurePct.GreaterThan(decimal.NewFromInt(100)) {
		return fmt.Errorf("risk.max_exposure_pct must be in (0, 100]")
	}
	if c.FiatRate.CacheDurationSec <= 0 {
		return fmt.Errorf("fiat_rate.cache_duration_sec must be > 0")
	}
	return nil
}
