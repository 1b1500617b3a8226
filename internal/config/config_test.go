package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
)

func validConfig() *Config {
	return &Config{
		DryRun: true,
		Trading: TradingConfig{
			SafetyMarginPct:        decimal.RequireFromString("0.1"),
			MinTradeAmountKrw:      decimal.NewFromInt(100_000),
			MaxTradeAmountKrw:      decimal.NewFromInt(1_000_000),
			PriceUpdateIntervalSec: 1,
			TransferTimeoutMinutes: 30,
		},
		Risk: RiskConfig{
			MaxSingleTradeKrw:  decimal.NewFromInt(500_000),
			MaxDailyVolumeKrw:  decimal.NewFromInt(10_000_000),
			MaxConcurrent:      3,
			MaxSlippagePct:     decimal.RequireFromString("0.5"),
			EmergencyLossPct:   decimal.RequireFromString("3.0"),
			MinVenueBalanceKrw: decimal.NewFromInt(100_000),
			MaxExposurePct:     decimal.NewFromInt(30),
		},
		FiatRate: FiatRateConfig{CacheDurationSec: 300},
	}
}

func TestValidateOK(t *testing.T) {
	t.Parallel()
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
}

func TestValidateRequiresCredentialsOutsideDryRun(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.DryRun = false
	if err := cfg.Validate(); err == nil {
		t.Fatal("live mode without credentials should fail validation")
	}
}

func TestValidateContradictoryLimits(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.Trading.MaxTradeAmountKrw = decimal.NewFromInt(50_000) // below min
	if err := cfg.Validate(); err == nil {
		t.Error("max_trade_amount_krw < min_trade_amount_krw should fail")
	}

	cfg = validConfig()
	cfg.Risk.MaxSingleTradeKrw = decimal.NewFromInt(20_000_000) // above daily volume
	if err := cfg.Validate(); err == nil {
		t.Error("max_single_trade_krw > max_daily_volume_krw should fail")
	}

	cfg = validConfig()
	cfg.Risk.MaxExposurePct = decimal.NewFromInt(150)
	if err := cfg.Validate(); err == nil {
		t.Error("max_exposure_pct > 100 should fail")
	}
}

func TestLoadParsesDecimalsAndDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
dry_run: true
trading:
  safety_margin_pct: "0.1"
  min_trade_amount_krw: 100000
  max_trade_amount_krw: 1000000
risk:
  max_single_trade_krw: 500000
  max_daily_volume_krw: 10000000
  max_concurrent: 3
  max_slippage_pct: 0.5
  emergency_loss_pct: 3.0
  min_venue_balance_krw: 100000
  max_exposure_pct: 30
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	if !cfg.Trading.SafetyMarginPct.Equal(decimal.RequireFromString("0.1")) {
		t.Errorf("safety_margin_pct = %s, want 0.1", cfg.Trading.SafetyMarginPct)
	}
	if !cfg.Risk.MaxSlippagePct.Equal(decimal.RequireFromString("0.5")) {
		t.Errorf("max_slippage_pct = %s, want 0.5", cfg.Risk.MaxSlippagePct)
	}
	if cfg.Trading.PriceUpdateIntervalSec != 1 {
		t.Errorf("price_update_interval_sec default = %d, want 1", cfg.Trading.PriceUpdateIntervalSec)
	}
	if cfg.Trading.TransferTimeoutMinutes != 30 {
		t.Errorf("transfer_timeout_minutes default = %d, want 30", cfg.Trading.TransferTimeoutMinutes)
	}
	if cfg.FiatRate.CacheDurationSec != 300 {
		t.Errorf("cache_duration_sec default = %d, want 300", cfg.FiatRate.CacheDurationSec)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("dry_run: false\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("KIMCHI_UPBIT_ACCESS_KEY", "ak")
	t.Setenv("KIMCHI_UPBIT_SECRET_KEY", "sk")
	t.Setenv("KIMCHI_DRY_RUN", "1")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Upbit.AccessKey != "ak" || cfg.Upbit.SecretKey != "sk" {
		t.Error("credential env overrides not applied")
	}
	if !cfg.DryRun {
		t.Error("KIMCHI_DRY_RUN=1 should force dry-run")
	}
}
