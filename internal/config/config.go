// Package config loads venue configuration from file and environment.
package config

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Config is the process-wide configuration, set once at startup.
type Config struct {
	LogLevel string `mapstructure:"log_level"`

	Risk    RiskConfig    `mapstructure:"risk"`
	Oracle  OracleConfig  `mapstructure:"oracle"`
	Pricing PricingConfig `mapstructure:"pricing"`
	Sweep   SweepConfig   `mapstructure:"sweep"`
}

// RiskConfig holds the liquidation-engine parameters.
type RiskConfig struct {
	// MaintenanceMarginRatio is the equity/margin ratio below which a
	// position becomes liquidation-eligible. Must be in (0, 1).
	MaintenanceMarginRatio decimal.Decimal `mapstructure:"maintenance_margin_ratio"`
	// LiquidationPenalty is the fraction of the position's posted margin
	// debited from the owner and credited to the insurance fund on forced
	// close.
	LiquidationPenalty decimal.Decimal `mapstructure:"liquidation_penalty"`
	// InsuranceFund is the fund's opening balance.
	InsuranceFund decimal.Decimal `mapstructure:"insurance_fund"`
	// MinShortMargin is the floor for short-position margin requirements.
	MinShortMargin decimal.Decimal `mapstructure:"min_short_margin"`
}

// OracleConfig bounds the external spot-price fetch.
type OracleConfig struct {
	Symbol   string        `mapstructure:"symbol"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
	Timeout  time.Duration `mapstructure:"timeout"`
	// MaxStaleness is how old a cached quote may be before reads fail with
	// OracleUnavailable instead of serving the fallback.
	MaxStaleness time.Duration `mapstructure:"max_staleness"`
}

// PricingConfig holds the defaults used when re-marking positions.
type PricingConfig struct {
	RiskFreeRate      decimal.Decimal `mapstructure:"risk_free_rate"`
	DefaultVolatility decimal.Decimal `mapstructure:"default_volatility"`
}

// SweepConfig schedules the background expiry sweep and risk scan.
type SweepConfig struct {
	ExpirySpec   string `mapstructure:"expiry_spec"`
	RiskScanSpec string `mapstructure:"risk_scan_spec"`
}

// Load reads config.yaml (optional) plus QUANTA_* environment overrides.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetEnvPrefix("QUANTA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("log_level", "info")
	v.SetDefault("risk.maintenance_margin_ratio", "0.5")
	v.SetDefault("risk.liquidation_penalty", "0.05")
	v.SetDefault("risk.insurance_fund", "100000")
	v.SetDefault("risk.min_short_margin", "50")
	v.SetDefault("oracle.symbol", "ETH-USD")
	v.SetDefault("oracle.cache_ttl", "5s")
	v.SetDefault("oracle.timeout", "3s")
	v.SetDefault("oracle.max_staleness", "30s")
	v.SetDefault("pricing.risk_free_rate", "0.05")
	v.SetDefault("pricing.default_volatility", "0.8")
	v.SetDefault("sweep.expiry_spec", "@every 30s")
	v.SetDefault("sweep.risk_scan_spec", "@every 10s")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg, viper.DecodeHook(decimalDecodeHook())); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// decimalDecodeHook lets viper unmarshal "0.5"-style values straight into
// decimal.Decimal fields.
func decimalDecodeHook() mapstructure.DecodeHookFuncType {
	decimalType := reflect.TypeOf(decimal.Decimal{})
	return func(_ reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != decimalType {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return decimal.NewFromString(v)
		case float64:
			return decimal.NewFromFloat(v), nil
		case int:
			return decimal.NewFromInt(int64(v)), nil
		default:
			return data, nil
		}
	}
}

// Validate enforces parameter ranges that the engines assume.
func (c *Config) Validate() error {
	one := decimal.NewFromInt(1)
	if !c.Risk.MaintenanceMarginRatio.IsPositive() || c.Risk.MaintenanceMarginRatio.GreaterThanOrEqual(one) {
		return fmt.Errorf("risk.maintenance_margin_ratio must be in (0,1), got %s", c.Risk.MaintenanceMarginRatio)
	}
	if c.Risk.LiquidationPenalty.IsNegative() || c.Risk.LiquidationPenalty.GreaterThanOrEqual(one) {
		return fmt.Errorf("risk.liquidation_penalty must be in [0,1), got %s", c.Risk.LiquidationPenalty)
	}
	if c.Risk.InsuranceFund.IsNegative() {
		return fmt.Errorf("risk.insurance_fund must be non-negative, got %s", c.Risk.InsuranceFund)
	}
	if c.Oracle.CacheTTL <= 0 || c.Oracle.Timeout <= 0 {
		return fmt.Errorf("oracle cache_ttl and timeout must be positive")
	}
	return nil
}
