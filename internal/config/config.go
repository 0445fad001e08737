// Package config provides configuration management for the trading engine,
// watchdog, and sentinel processes. All three load the same file so risk
// thresholds can never drift between them.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"

	"github.com/rvgupta/volsentry/internal/models"
)

// Defaults applied when optional fields are unset
const (
	// defaultFreezeQuantity is the exchange per-order quantity cap
	defaultFreezeQuantity = 1800
	// defaultSmartLimitBufferPct shifts limit prices toward the touch
	defaultSmartLimitBufferPct = 3.0
	// defaultMaxSlippagePct bounds accepted fill deviation from intent
	defaultMaxSlippagePct = 5.0
	// defaultGreekConfidenceFloor blocks entries on low-quality greeks
	defaultGreekConfidenceFloor = 0.6
	// defaultHeartbeatStaleAfter is the sentinel's watchdog-dead threshold
	defaultHeartbeatStaleAfter = "120s"
	// defaultTimezone is the exchange timezone
	defaultTimezone = "Asia/Kolkata"
)

// Config represents the complete application configuration.
type Config struct {
	Environment EnvironmentConfig `yaml:"environment"`
	Broker      BrokerConfig      `yaml:"broker"`
	Session     SessionConfig     `yaml:"session"`
	Capital     CapitalConfig     `yaml:"capital"`
	Safety      SafetyConfig      `yaml:"safety"`
	Lifecycle   LifecycleConfig   `yaml:"lifecycle"`
	Execution   ExecutionConfig   `yaml:"execution"`
	Watchdog    WatchdogConfig    `yaml:"watchdog"`
	Advisory    AdvisoryConfig    `yaml:"advisory"`
	Oracle      OracleConfig      `yaml:"oracle"`
	Feed        FeedConfig        `yaml:"feed"`
	Alerts      AlertsConfig      `yaml:"alerts"`
	Ops         OpsConfig         `yaml:"ops"`
	Storage     StorageConfig     `yaml:"storage"`
	Strategy    StrategyConfig    `yaml:"strategy"`
}

// EnvironmentConfig defines the environment settings.
type EnvironmentConfig struct {
	Mode     string `yaml:"mode"`      // paper | live
	LogLevel string `yaml:"log_level"` // debug | info | warn | error
}

// BrokerConfig defines broker API settings.
type BrokerConfig struct {
	APIKey      string `yaml:"api_key"`
	APISecret   string `yaml:"api_secret"`
	AccessToken string `yaml:"access_token"`
	APIEndpoint string `yaml:"api_endpoint"`
	// RateLimitPerSec caps outbound order API calls
	RateLimitPerSec float64 `yaml:"rate_limit_per_sec"`
}

// SessionConfig defines the market session and engine cycle cadence.
type SessionConfig struct {
	Timezone      string `yaml:"timezone"`
	MarketOpen    string `yaml:"market_open"`  // "HH:MM"
	MarketClose   string `yaml:"market_close"` // "HH:MM"
	CycleInterval string `yaml:"cycle_interval"`
}

// CapitalConfig defines the account size and bucket split. Fractions are
// of total account size and must sum to at most 1.0.
type CapitalConfig struct {
	AccountSize      float64 `yaml:"account_size"`
	WeeklyFraction   float64 `yaml:"weekly_fraction"`
	MonthlyFraction  float64 `yaml:"monthly_fraction"`
	IntradayFraction float64 `yaml:"intraday_fraction"`
}

// SafetyConfig defines the pre-trade gate thresholds.
type SafetyConfig struct {
	MaxTradesPerDay      int     `yaml:"max_trades_per_day"`
	TradeCooldown        string  `yaml:"trade_cooldown"`
	MaxDrawdownPct       float64 `yaml:"max_drawdown_pct"` // engine halt threshold
	GreekConfidenceFloor float64 `yaml:"greek_confidence_floor"`
	// MarginUtilizationCap rejects entries that would push estimated
	// margin past this fraction of available funds
	MarginUtilizationCap float64 `yaml:"margin_utilization_cap"`
}

// LifecycleConfig defines expiry and holding-time rules.
type LifecycleConfig struct {
	// ForceCloseTime is the T-1 cutoff; anything expiring tomorrow is
	// flattened at this wall-clock time
	ForceCloseTime string `yaml:"force_close_time"` // "HH:MM"
	// Holding ceilings per expiry type
	WeeklyMaxHolding   string `yaml:"weekly_max_holding"`
	MonthlyMaxHolding  string `yaml:"monthly_max_holding"`
	IntradayMaxHolding string `yaml:"intraday_max_holding"`
	// Entry cutoffs
	EntryCutoff          string `yaml:"entry_cutoff"`            // "HH:MM", normal days
	ExpiryDayEntryCutoff string `yaml:"expiry_day_entry_cutoff"` // "HH:MM"
}

// ExecutionConfig defines order slicing and pricing parameters.
type ExecutionConfig struct {
	FreezeQuantity      int     `yaml:"freeze_quantity"`
	SmartLimitBufferPct float64 `yaml:"smart_limit_buffer_pct"`
	MaxSlippagePct      float64 `yaml:"max_slippage_pct"`
	// HedgeSettleDelay is the pause between hedge fills and risk placement
	HedgeSettleDelay string `yaml:"hedge_settle_delay"`
	FillTimeout      string `yaml:"fill_timeout"`
}

// WatchdogConfig defines the independent risk watchdog parameters.
type WatchdogConfig struct {
	CheckInterval string `yaml:"check_interval"`
	// MaxDrawdownPct triggers engine kill plus flatten. Tighter than the
	// engine's own halt threshold so the watchdog only fires when the
	// engine failed to protect itself.
	MaxDrawdownPct float64 `yaml:"max_drawdown_pct"`
	// RecoveryDisarmPct re-enables trading once drawdown recovers above
	// this level, unless the kill was manual
	RecoveryDisarmPct float64 `yaml:"recovery_disarm_pct"`
	// KillGracePeriod is how long SIGTERM gets before SIGKILL
	KillGracePeriod string `yaml:"kill_grace_period"`
	// HeartbeatStaleAfter is the sentinel's threshold for declaring the
	// watchdog itself dead
	HeartbeatStaleAfter   string `yaml:"heartbeat_stale_after"`
	SentinelCheckInterval string `yaml:"sentinel_check_interval"`
}

// AdvisoryConfig defines the external advisory feed settings.
type AdvisoryConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Timeout string `yaml:"timeout"`
}

// OracleConfig defines the greeks oracle service. An empty URL means no
// oracle is available and entries carry full confidence.
type OracleConfig struct {
	URL     string `yaml:"url"`
	Timeout string `yaml:"timeout"`
}

// FeedConfig defines the market data websocket settings.
type FeedConfig struct {
	URL string `yaml:"url"`
	// ReconnectBackoff is the initial delay before a reconnect attempt
	ReconnectBackoff string `yaml:"reconnect_backoff"`
	// Instruments to subscribe on connect
	Instruments []string `yaml:"instruments"`
	// SpotInstrument is the underlying index quote id
	SpotInstrument string `yaml:"spot_instrument"`
	// VIXInstrument is the volatility index quote id
	VIXInstrument string `yaml:"vix_instrument"`
}

// AlertsConfig defines webhook alerting.
type AlertsConfig struct {
	WebhookURL string `yaml:"webhook_url"`
	// Cooldown suppresses duplicate alerts within the window
	Cooldown string `yaml:"cooldown"`
}

// OpsConfig defines the local control HTTP server.
type OpsConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	AuthToken  string `yaml:"auth_token"`
}

// StrategyConfig defines the spread selector parameters. All fields have
// working defaults so the section may be omitted entirely.
type StrategyConfig struct {
	Underlying string `yaml:"underlying"` // e.g. NIFTY
	// StrikeStep is the exchange strike grid spacing
	StrikeStep float64 `yaml:"strike_step"`
	// OTMOffsetPct places short strikes this far from spot
	OTMOffsetPct float64 `yaml:"otm_offset_pct"`
	// WingWidth is how far beyond the shorts the protective longs sit
	WingWidth float64 `yaml:"wing_width"`
	LotSize   int     `yaml:"lot_size"`
	Lots      int     `yaml:"lots"`
	// ExpiryWeekday is the weekly expiry day of the underlying
	ExpiryWeekday string `yaml:"expiry_weekday"`
	// VIXFloor/VIXCeiling bound the volatility regime for new entries
	VIXFloor   float64 `yaml:"vix_floor"`
	VIXCeiling float64 `yaml:"vix_ceiling"`
}

// StorageConfig defines the shared state database and pid file paths.
type StorageConfig struct {
	DBPath  string `yaml:"db_path"`
	PIDFile string `yaml:"pid_file"`
}

// Load reads and parses the configuration file from the specified path.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var config Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

// applyDefaults fills optional fields before validation.
func (c *Config) applyDefaults() {
	if c.Session.Timezone == "" {
		c.Session.Timezone = defaultTimezone
	}
	if c.Execution.FreezeQuantity == 0 {
		c.Execution.FreezeQuantity = defaultFreezeQuantity
	}
	if c.Execution.SmartLimitBufferPct == 0 {
		c.Execution.SmartLimitBufferPct = defaultSmartLimitBufferPct
	}
	if c.Execution.MaxSlippagePct == 0 {
		c.Execution.MaxSlippagePct = defaultMaxSlippagePct
	}
	if c.Safety.GreekConfidenceFloor == 0 {
		c.Safety.GreekConfidenceFloor = defaultGreekConfidenceFloor
	}
	if c.Watchdog.HeartbeatStaleAfter == "" {
		c.Watchdog.HeartbeatStaleAfter = defaultHeartbeatStaleAfter
	}
	if c.Broker.RateLimitPerSec == 0 {
		c.Broker.RateLimitPerSec = 3
	}
	if c.Strategy.Underlying == "" {
		c.Strategy.Underlying = "NIFTY"
	}
	if c.Strategy.StrikeStep == 0 {
		c.Strategy.StrikeStep = 50
	}
	if c.Strategy.OTMOffsetPct == 0 {
		c.Strategy.OTMOffsetPct = 2.0
	}
	if c.Strategy.WingWidth == 0 {
		c.Strategy.WingWidth = 500
	}
	if c.Strategy.LotSize == 0 {
		c.Strategy.LotSize = 75
	}
	if c.Strategy.Lots == 0 {
		c.Strategy.Lots = 1
	}
	if c.Strategy.ExpiryWeekday == "" {
		c.Strategy.ExpiryWeekday = "Thursday"
	}
	if c.Strategy.VIXCeiling == 0 {
		c.Strategy.VIXCeiling = 35
	}
	if c.Oracle.Timeout == "" {
		c.Oracle.Timeout = "5s"
	}
	if c.Feed.SpotInstrument == "" {
		c.Feed.SpotInstrument = "NSE:NIFTY 50"
	}
	if c.Feed.VIXInstrument == "" {
		c.Feed.VIXInstrument = "NSE:INDIA VIX"
	}
}

// Validate checks that all configuration values are valid and consistent.
func (c *Config) Validate() error {
	// Environment validation
	if c.Environment.Mode != "paper" && c.Environment.Mode != "live" {
		return fmt.Errorf("environment.mode must be 'paper' or 'live'")
	}

	// Broker validation; paper mode runs without credentials
	if c.Environment.Mode == "live" {
		if c.Broker.APIKey == "" {
			return fmt.Errorf("broker.api_key is required in live mode")
		}
		if c.Broker.AccessToken == "" {
			return fmt.Errorf("broker.access_token is required in live mode")
		}
	}

	// Capital validation
	if c.Capital.AccountSize <= 0 {
		return fmt.Errorf("capital.account_size must be > 0")
	}
	for name, f := range map[string]float64{
		"capital.weekly_fraction":   c.Capital.WeeklyFraction,
		"capital.monthly_fraction":  c.Capital.MonthlyFraction,
		"capital.intraday_fraction": c.Capital.IntradayFraction,
	} {
		if f <= 0 || f > 1.0 {
			return fmt.Errorf("%s must be in (0,1]", name)
		}
	}
	if sum := c.Capital.WeeklyFraction + c.Capital.MonthlyFraction + c.Capital.IntradayFraction; sum > 1.0 {
		return fmt.Errorf("capital bucket fractions sum to %.2f, must be <= 1.0", sum)
	}

	// Safety validation
	if c.Safety.MaxTradesPerDay <= 0 {
		return fmt.Errorf("safety.max_trades_per_day must be > 0")
	}
	if _, err := time.ParseDuration(c.Safety.TradeCooldown); err != nil {
		return fmt.Errorf("safety.trade_cooldown invalid: %w", err)
	}
	if c.Safety.MaxDrawdownPct <= 0 || c.Safety.MaxDrawdownPct >= 100 {
		return fmt.Errorf("safety.max_drawdown_pct must be in (0,100)")
	}
	if c.Safety.GreekConfidenceFloor < 0 || c.Safety.GreekConfidenceFloor > 1 {
		return fmt.Errorf("safety.greek_confidence_floor must be in [0,1]")
	}
	if c.Safety.MarginUtilizationCap <= 0 || c.Safety.MarginUtilizationCap > 1 {
		return fmt.Errorf("safety.margin_utilization_cap must be in (0,1]")
	}

	// Lifecycle validation
	for name, v := range map[string]string{
		"lifecycle.force_close_time":        c.Lifecycle.ForceCloseTime,
		"lifecycle.entry_cutoff":            c.Lifecycle.EntryCutoff,
		"lifecycle.expiry_day_entry_cutoff": c.Lifecycle.ExpiryDayEntryCutoff,
		"session.market_open":               c.Session.MarketOpen,
		"session.market_close":              c.Session.MarketClose,
	} {
		if _, err := parseClock(v); err != nil {
			return fmt.Errorf("%s invalid: %w", name, err)
		}
	}
	for name, v := range map[string]string{
		"lifecycle.weekly_max_holding":   c.Lifecycle.WeeklyMaxHolding,
		"lifecycle.monthly_max_holding":  c.Lifecycle.MonthlyMaxHolding,
		"lifecycle.intraday_max_holding": c.Lifecycle.IntradayMaxHolding,
		"session.cycle_interval":         c.Session.CycleInterval,
	} {
		if _, err := time.ParseDuration(v); err != nil {
			return fmt.Errorf("%s invalid: %w", name, err)
		}
	}

	// Execution validation
	if c.Execution.FreezeQuantity <= 0 {
		return fmt.Errorf("execution.freeze_quantity must be > 0")
	}
	if c.Execution.SmartLimitBufferPct <= 0 || c.Execution.SmartLimitBufferPct >= 100 {
		return fmt.Errorf("execution.smart_limit_buffer_pct must be in (0,100)")
	}
	if c.Execution.MaxSlippagePct <= 0 || c.Execution.MaxSlippagePct >= 100 {
		return fmt.Errorf("execution.max_slippage_pct must be in (0,100)")
	}

	// Watchdog validation
	if _, err := time.ParseDuration(c.Watchdog.CheckInterval); err != nil {
		return fmt.Errorf("watchdog.check_interval invalid: %w", err)
	}
	if c.Watchdog.MaxDrawdownPct <= 0 || c.Watchdog.MaxDrawdownPct >= 100 {
		return fmt.Errorf("watchdog.max_drawdown_pct must be in (0,100)")
	}
	if c.Watchdog.RecoveryDisarmPct < 0 || c.Watchdog.RecoveryDisarmPct >= c.Watchdog.MaxDrawdownPct {
		return fmt.Errorf("watchdog.recovery_disarm_pct must be in [0, max_drawdown_pct)")
	}

	// Strategy validation
	if c.Strategy.StrikeStep <= 0 || c.Strategy.WingWidth <= 0 {
		return fmt.Errorf("strategy.strike_step and strategy.wing_width must be > 0")
	}
	if c.Strategy.LotSize <= 0 || c.Strategy.Lots <= 0 {
		return fmt.Errorf("strategy.lot_size and strategy.lots must be > 0")
	}
	if c.Strategy.OTMOffsetPct <= 0 || c.Strategy.OTMOffsetPct >= 50 {
		return fmt.Errorf("strategy.otm_offset_pct must be in (0,50)")
	}
	if c.Strategy.VIXFloor < 0 || c.Strategy.VIXCeiling <= c.Strategy.VIXFloor {
		return fmt.Errorf("strategy.vix bounds invalid: floor %.1f, ceiling %.1f",
			c.Strategy.VIXFloor, c.Strategy.VIXCeiling)
	}

	// Storage validation
	if c.Storage.DBPath == "" {
		return fmt.Errorf("storage.db_path is required")
	}
	if c.Storage.PIDFile == "" {
		return fmt.Errorf("storage.pid_file is required")
	}

	return nil
}

// IsPaperTrading returns true if the engine is configured for paper trading.
func (c *Config) IsPaperTrading() bool {
	return c.Environment.Mode == "paper"
}

// Location returns the exchange timezone, falling back to a fixed IST
// offset for minimal containers without tzdata.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Session.Timezone)
	if err != nil {
		loc = time.FixedZone("IST", 5*60*60+30*60)
	}
	return loc
}

// CycleInterval returns the engine loop interval.
func (c *Config) CycleInterval() time.Duration {
	d, err := time.ParseDuration(c.Session.CycleInterval)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// BucketLimit returns the rupee capital limit for the given bucket.
func (c *Config) BucketLimit(bucket models.CapitalBucket) float64 {
	switch bucket {
	case models.BucketWeekly:
		return c.Capital.AccountSize * c.Capital.WeeklyFraction
	case models.BucketMonthly:
		return c.Capital.AccountSize * c.Capital.MonthlyFraction
	case models.BucketIntraday:
		return c.Capital.AccountSize * c.Capital.IntradayFraction
	default:
		return 0
	}
}

// MaxHolding returns the holding-time ceiling for the given expiry type.
func (c *Config) MaxHolding(expiry models.ExpiryType) time.Duration {
	var raw string
	switch expiry {
	case models.ExpiryWeekly:
		raw = c.Lifecycle.WeeklyMaxHolding
	case models.ExpiryMonthly:
		raw = c.Lifecycle.MonthlyMaxHolding
	case models.ExpiryIntraday:
		raw = c.Lifecycle.IntradayMaxHolding
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		// Tightest ceiling when misconfigured
		return 6 * time.Hour
	}
	return d
}

// IsWithinSession checks if the given time falls within market hours,
// Monday through Friday, inclusive start and exclusive end.
func (c *Config) IsWithinSession(now time.Time) bool {
	loc := c.Location()
	today := now.In(loc)

	if today.Weekday() == time.Saturday || today.Weekday() == time.Sunday {
		return false
	}

	open, err1 := parseClock(c.Session.MarketOpen)
	closeAt, err2 := parseClock(c.Session.MarketClose)
	if err1 != nil || err2 != nil {
		return false
	}

	start := open.onDate(today, loc)
	end := closeAt.onDate(today, loc)
	return !today.Before(start) && today.Before(end)
}

// clockTime is a parsed "HH:MM" wall-clock value.
type clockTime struct {
	hour, minute int
}

func (ct clockTime) onDate(day time.Time, loc *time.Location) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), ct.hour, ct.minute, 0, 0, loc)
}

func parseClock(raw string) (clockTime, error) {
	t, err := time.Parse("15:04", raw)
	if err != nil {
		return clockTime{}, fmt.Errorf("expected HH:MM, got %q", raw)
	}
	return clockTime{hour: t.Hour(), minute: t.Minute()}, nil
}

// ClockOn resolves an "HH:MM" string onto the given day in the exchange
// timezone. Used for force-close and entry-cutoff comparisons.
func (c *Config) ClockOn(raw string, day time.Time) (time.Time, error) {
	ct, err := parseClock(raw)
	if err != nil {
		return time.Time{}, err
	}
	loc := c.Location()
	return ct.onDate(day.In(loc), loc), nil
}
