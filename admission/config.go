/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package admission

import (
	"fmt"
	"time"

	"github.com/mitchellh/mapstructure"

	"github.com/acronis/go-admission/config"
	"github.com/acronis/go-admission/internal/ratelimit"
)

// Rate limiting strategies.
const (
	StrategyTokenBucket   = "token_bucket"
	StrategySlidingWindow = "sliding_window"
)

// Default configuration values.
const (
	DefaultRate               = 10.0
	DefaultBurst              = 10.0
	DefaultMaxIdentities      = 25000
	DefaultIdleTTL            = time.Hour
	DefaultWindow             = time.Second
	DefaultMinRPS             = 4.0
	DefaultMaxRPS             = 80.0
	DefaultInitialBurstFactor = 2.0
	DefaultMinBurstFactor     = 1.5
	DefaultMaxBurstFactor     = 3.0
)

const cfgDefaultKeyPrefix = "admission"

const (
	cfgKeyStrategy           = "strategy"
	cfgKeyDefaultRate        = "defaultRate"
	cfgKeyDefaultBurst       = "defaultBurst"
	cfgKeyTiers              = "tiers"
	cfgKeyWindow             = "window"
	cfgKeyMaxIdentities      = "maxIdentities"
	cfgKeyIdleTTL            = "idleTTL"
	cfgKeyDryRun             = "dryRun"
	cfgKeyIncludedIdentities = "includedIdentities"
	cfgKeyExcludedIdentities = "excludedIdentities"
	cfgKeyBacklogLimit       = "backlog.limit"
	cfgKeyBacklogTimeout     = "backlog.timeout"
	cfgKeyTuning             = "tuning"
)

// TierConfig overrides the rate and burst capacity for one event category.
type TierConfig struct {
	Rate     float64 `mapstructure:"rate" yaml:"rate" json:"rate"`
	Capacity float64 `mapstructure:"capacity" yaml:"capacity" json:"capacity"`
}

// BacklogConfig configures backlog queuing of rejected events.
// Zero Limit (the default) disables queuing: a rejected event
// is reported back to the caller immediately.
type BacklogConfig struct {
	Limit   int                 `mapstructure:"limit" yaml:"limit" json:"limit"`
	Timeout config.TimeDuration `mapstructure:"timeout" yaml:"timeout" json:"timeout"`
}

// TuningConfig configures the feedback controller.
type TuningConfig struct {
	Enabled            bool                `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	Cooldown           config.TimeDuration `mapstructure:"cooldown" yaml:"cooldown" json:"cooldown"`
	TargetPressure     float64             `mapstructure:"targetPressure" yaml:"targetPressure" json:"targetPressure"`
	TargetBlockRate    float64             `mapstructure:"targetBlockRate" yaml:"targetBlockRate" json:"targetBlockRate"`
	MinRPS             float64             `mapstructure:"minRps" yaml:"minRps" json:"minRps"`
	MaxRPS             float64             `mapstructure:"maxRps" yaml:"maxRps" json:"maxRps"`
	InitialBurstFactor float64             `mapstructure:"initialBurstFactor" yaml:"initialBurstFactor" json:"initialBurstFactor"`
	MinBurstFactor     float64             `mapstructure:"minBurstFactor" yaml:"minBurstFactor" json:"minBurstFactor"`
	MaxBurstFactor     float64             `mapstructure:"maxBurstFactor" yaml:"maxBurstFactor" json:"maxBurstFactor"`
	MaxRateStep        float64             `mapstructure:"maxRateStep" yaml:"maxRateStep" json:"maxRateStep"`
	LatencyWindowSize  int                 `mapstructure:"latencyWindowSize" yaml:"latencyWindowSize" json:"latencyWindowSize"`
}

// Config represents a set of configuration parameters for admission control.
type Config struct {
	// Strategy selects the rate limiting algorithm,
	// "token_bucket" (default) or "sliding_window".
	Strategy string `mapstructure:"strategy" yaml:"strategy" json:"strategy"`

	// DefaultRate is the baseline sustained rate in events per second.
	DefaultRate float64 `mapstructure:"defaultRate" yaml:"defaultRate" json:"defaultRate"`

	// DefaultBurst is the baseline burst capacity in events.
	DefaultBurst float64 `mapstructure:"defaultBurst" yaml:"defaultBurst" json:"defaultBurst"`

	// Tiers overrides rate and capacity per event category.
	// Keys are category names ("command", "message", "callback", "other").
	Tiers map[string]TierConfig `mapstructure:"tiers" yaml:"tiers" json:"tiers"`

	// Window is the trailing window duration for the sliding window strategy.
	Window config.TimeDuration `mapstructure:"window" yaml:"window" json:"window"`

	// MaxIdentities bounds the number of tracked identities.
	MaxIdentities int `mapstructure:"maxIdentities" yaml:"maxIdentities" json:"maxIdentities"`

	// IdleTTL is the inactivity period after which an identity's state
	// may be evicted.
	IdleTTL config.TimeDuration `mapstructure:"idleTTL" yaml:"idleTTL" json:"idleTTL"`

	// DryRun computes and records decisions without enforcing them.
	DryRun bool `mapstructure:"dryRun" yaml:"dryRun" json:"dryRun"`

	// IncludedIdentities restricts admission control to identities matching
	// one of the glob patterns; all others bypass.
	IncludedIdentities []string `mapstructure:"includedIdentities" yaml:"includedIdentities" json:"includedIdentities"`

	// ExcludedIdentities exempts identities matching one of the glob
	// patterns from admission control.
	ExcludedIdentities []string `mapstructure:"excludedIdentities" yaml:"excludedIdentities" json:"excludedIdentities"`

	// Backlog configures backlog queuing of rejected events.
	Backlog BacklogConfig `mapstructure:"backlog" yaml:"backlog" json:"backlog"`

	// Tuning configures the feedback controller.
	Tuning TuningConfig `mapstructure:"tuning" yaml:"tuning" json:"tuning"`

	keyPrefix string
}

var _ config.Config = (*Config)(nil)
var _ config.KeyPrefixProvider = (*Config)(nil)

// ConfigOption is a type for functional options for the NewConfig.
type ConfigOption func(*configOptions)

type configOptions struct {
	keyPrefix string
}

// WithKeyPrefix returns a ConfigOption that sets a key prefix for parsing configuration parameters.
// This prefix will be used by config.Loader.
func WithKeyPrefix(keyPrefix string) ConfigOption {
	return func(o *configOptions) {
		o.keyPrefix = keyPrefix
	}
}

// NewConfig creates a new instance of the Config.
func NewConfig(options ...ConfigOption) *Config {
	opts := configOptions{keyPrefix: cfgDefaultKeyPrefix}
	for _, opt := range options {
		opt(&opts)
	}
	return &Config{keyPrefix: opts.keyPrefix}
}

// NewDefaultConfig creates a new instance of the Config with default values.
func NewDefaultConfig(options ...ConfigOption) *Config {
	cfg := NewConfig(options...)
	cfg.Strategy = StrategyTokenBucket
	cfg.DefaultRate = DefaultRate
	cfg.DefaultBurst = DefaultBurst
	cfg.Window = config.TimeDuration(DefaultWindow)
	cfg.MaxIdentities = DefaultMaxIdentities
	cfg.IdleTTL = config.TimeDuration(DefaultIdleTTL)
	cfg.Tuning = defaultTuningConfig()
	return cfg
}

func defaultTuningConfig() TuningConfig {
	return TuningConfig{
		Enabled:            true,
		Cooldown:           config.TimeDuration(ratelimit.DefaultTuningCooldown),
		TargetPressure:     ratelimit.DefaultTargetPressure,
		TargetBlockRate:    ratelimit.DefaultTargetBlockRate,
		MinRPS:             DefaultMinRPS,
		MaxRPS:             DefaultMaxRPS,
		InitialBurstFactor: DefaultInitialBurstFactor,
		MinBurstFactor:     DefaultMinBurstFactor,
		MaxBurstFactor:     DefaultMaxBurstFactor,
		MaxRateStep:        ratelimit.DefaultMaxRateStep,
		LatencyWindowSize:  ratelimit.DefaultLatencyWindowSize,
	}
}

// KeyPrefix returns a key prefix with which all configuration parameters should be presented.
// Implements config.KeyPrefixProvider interface.
func (c *Config) KeyPrefix() string {
	if c.keyPrefix == "" {
		return cfgDefaultKeyPrefix
	}
	return c.keyPrefix
}

// SetProviderDefaults sets default configuration values for admission control in config.DataProvider.
// Implements config.Config interface.
func (c *Config) SetProviderDefaults(dp config.DataProvider) {
	dp.SetDefault(cfgKeyStrategy, StrategyTokenBucket)
	dp.SetDefault(cfgKeyDefaultRate, DefaultRate)
	dp.SetDefault(cfgKeyDefaultBurst, DefaultBurst)
	dp.SetDefault(cfgKeyWindow, DefaultWindow.String())
	dp.SetDefault(cfgKeyMaxIdentities, DefaultMaxIdentities)
	dp.SetDefault(cfgKeyIdleTTL, DefaultIdleTTL.String())
	dp.SetDefault(cfgKeyTuning+".enabled", true)
	dp.SetDefault(cfgKeyTuning+".cooldown", ratelimit.DefaultTuningCooldown.String())
	dp.SetDefault(cfgKeyTuning+".targetPressure", ratelimit.DefaultTargetPressure)
	dp.SetDefault(cfgKeyTuning+".targetBlockRate", ratelimit.DefaultTargetBlockRate)
	dp.SetDefault(cfgKeyTuning+".minRps", DefaultMinRPS)
	dp.SetDefault(cfgKeyTuning+".maxRps", DefaultMaxRPS)
	dp.SetDefault(cfgKeyTuning+".initialBurstFactor", DefaultInitialBurstFactor)
	dp.SetDefault(cfgKeyTuning+".minBurstFactor", DefaultMinBurstFactor)
	dp.SetDefault(cfgKeyTuning+".maxBurstFactor", DefaultMaxBurstFactor)
	dp.SetDefault(cfgKeyTuning+".maxRateStep", ratelimit.DefaultMaxRateStep)
	dp.SetDefault(cfgKeyTuning+".latencyWindowSize", ratelimit.DefaultLatencyWindowSize)
}

// Set sets admission control configuration values from config.DataProvider.
// Implements config.Config interface.
func (c *Config) Set(dp config.DataProvider) error {
	var err error

	if c.Strategy, err = dp.GetStringFromSet(
		cfgKeyStrategy, []string{StrategyTokenBucket, StrategySlidingWindow}, false,
	); err != nil {
		return err
	}
	if c.DefaultRate, err = dp.GetFloat64(cfgKeyDefaultRate); err != nil {
		return err
	}
	if c.DefaultBurst, err = dp.GetFloat64(cfgKeyDefaultBurst); err != nil {
		return err
	}
	if err = dp.UnmarshalKey(cfgKeyTiers, &c.Tiers); err != nil {
		return err
	}
	var window time.Duration
	if window, err = dp.GetDuration(cfgKeyWindow); err != nil {
		return err
	}
	c.Window = config.TimeDuration(window)
	if c.MaxIdentities, err = dp.GetInt(cfgKeyMaxIdentities); err != nil {
		return err
	}
	var idleTTL time.Duration
	if idleTTL, err = dp.GetDuration(cfgKeyIdleTTL); err != nil {
		return err
	}
	c.IdleTTL = config.TimeDuration(idleTTL)
	if c.DryRun, err = dp.GetBool(cfgKeyDryRun); err != nil {
		return err
	}
	if c.IncludedIdentities, err = dp.GetStringSlice(cfgKeyIncludedIdentities); err != nil {
		return err
	}
	if c.ExcludedIdentities, err = dp.GetStringSlice(cfgKeyExcludedIdentities); err != nil {
		return err
	}
	if c.Backlog.Limit, err = dp.GetInt(cfgKeyBacklogLimit); err != nil {
		return err
	}
	var backlogTimeout time.Duration
	if backlogTimeout, err = dp.GetDuration(cfgKeyBacklogTimeout); err != nil {
		return err
	}
	c.Backlog.Timeout = config.TimeDuration(backlogTimeout)

	// Viper does not merge defaults into a partially set section on UnmarshalKey,
	// so the tuning struct is pre-filled with defaults and only the keys present
	// in the source are overridden.
	c.Tuning = defaultTuningConfig()
	if err = dp.UnmarshalKey(cfgKeyTuning, &c.Tuning, mapstructureDecodeHookOption); err != nil {
		return err
	}

	return c.Validate()
}

func mapstructureDecodeHookOption(decoderConfig *mapstructure.DecoderConfig) {
	decoderConfig.DecodeHook = mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.TextUnmarshallerHookFunc(),
	)
}

// Validate checks that the configuration is complete and consistent.
// Inconsistent parameters (e.g. minRps greater than maxRps) are reported
// here, before any limiter is constructed.
func (c *Config) Validate() error {
	if c.Strategy != StrategyTokenBucket && c.Strategy != StrategySlidingWindow {
		return fmt.Errorf("unknown strategy %q", c.Strategy)
	}
	if c.DefaultRate <= 0 {
		return fmt.Errorf("default rate should be positive, got %v", c.DefaultRate)
	}
	if c.DefaultBurst < 1 {
		return fmt.Errorf("default burst should be at least 1, got %v", c.DefaultBurst)
	}
	if c.Strategy == StrategySlidingWindow && c.Window <= 0 {
		return fmt.Errorf("window should be positive for the sliding window strategy, got %v", time.Duration(c.Window))
	}
	if c.MaxIdentities <= 0 {
		return fmt.Errorf("max identities should be positive, got %d", c.MaxIdentities)
	}
	if c.IdleTTL <= 0 {
		return fmt.Errorf("idle TTL should be positive, got %v", time.Duration(c.IdleTTL))
	}
	for name, tier := range c.Tiers {
		if _, err := ratelimit.ParseCategory(name); err != nil {
			return fmt.Errorf("tiers: %w", err)
		}
		if tier.Rate <= 0 {
			return fmt.Errorf("tiers.%s: rate should be positive, got %v", name, tier.Rate)
		}
		if tier.Capacity < 1 {
			return fmt.Errorf("tiers.%s: capacity should be at least 1, got %v", name, tier.Capacity)
		}
	}
	if len(c.IncludedIdentities) != 0 && len(c.ExcludedIdentities) != 0 {
		return fmt.Errorf("included and excluded identities cannot be used together")
	}
	if c.Backlog.Limit < 0 {
		return fmt.Errorf("backlog limit should not be negative, got %d", c.Backlog.Limit)
	}
	if c.Backlog.Timeout < 0 {
		return fmt.Errorf("backlog timeout should not be negative, got %v", time.Duration(c.Backlog.Timeout))
	}
	if !c.Tuning.Enabled {
		return nil
	}
	t := c.Tuning
	if t.MinRPS <= 0 || t.MinRPS > t.MaxRPS {
		return fmt.Errorf("invalid tuning rps bounds [%v, %v]", t.MinRPS, t.MaxRPS)
	}
	if c.DefaultRate < t.MinRPS || c.DefaultRate > t.MaxRPS {
		return fmt.Errorf("default rate %v is out of tuning bounds [%v, %v]", c.DefaultRate, t.MinRPS, t.MaxRPS)
	}
	if t.MinBurstFactor <= 0 || t.MinBurstFactor > t.MaxBurstFactor {
		return fmt.Errorf("invalid burst factor bounds [%v, %v]", t.MinBurstFactor, t.MaxBurstFactor)
	}
	if t.InitialBurstFactor < t.MinBurstFactor || t.InitialBurstFactor > t.MaxBurstFactor {
		return fmt.Errorf("initial burst factor %v is out of bounds [%v, %v]",
			t.InitialBurstFactor, t.MinBurstFactor, t.MaxBurstFactor)
	}
	if t.TargetPressure < 0 || t.TargetPressure > 1 {
		return fmt.Errorf("target pressure should be in [0, 1], got %v", t.TargetPressure)
	}
	if t.TargetBlockRate < 0 || t.TargetBlockRate > 1 {
		return fmt.Errorf("target block rate should be in [0, 1], got %v", t.TargetBlockRate)
	}
	if t.MaxRateStep <= 0 || t.MaxRateStep >= 1 {
		return fmt.Errorf("max rate step should be in (0, 1), got %v", t.MaxRateStep)
	}
	if t.Cooldown <= 0 {
		return fmt.Errorf("tuning cooldown should be positive, got %v", time.Duration(t.Cooldown))
	}
	if t.LatencyWindowSize <= 0 {
		return fmt.Errorf("latency window size should be positive, got %d", t.LatencyWindowSize)
	}
	return nil
}

// tiers converts the configured category overrides to the engine representation.
// Validate is expected to have been called.
func (c *Config) tiers() ratelimit.Tiers {
	tiers := ratelimit.Tiers{
		Default: ratelimit.Tier{Rate: c.DefaultRate, Capacity: c.DefaultBurst},
	}
	if len(c.Tiers) == 0 {
		return tiers
	}
	tiers.Overrides = make(map[ratelimit.Category]ratelimit.Tier, len(c.Tiers))
	for name, tier := range c.Tiers {
		cat, err := ratelimit.ParseCategory(name)
		if err != nil {
			continue
		}
		tiers.Overrides[cat] = ratelimit.Tier{Rate: tier.Rate, Capacity: tier.Capacity}
	}
	return tiers
}

// initialLimits builds the initial tunable parameters snapshot.
// With tuning disabled the snapshot is pinned: the rate bounds collapse to
// the default rate and the burst factor is fixed at 1, so the configured
// burst capacity is used as is.
func (c *Config) initialLimits() ratelimit.Limits {
	if !c.Tuning.Enabled {
		return ratelimit.Limits{
			RPS:            c.DefaultRate,
			BurstFactor:    1,
			MinRPS:         c.DefaultRate,
			MaxRPS:         c.DefaultRate,
			MinBurstFactor: 1,
			MaxBurstFactor: 1,
		}
	}
	return ratelimit.Limits{
		RPS:            c.DefaultRate,
		BurstFactor:    c.Tuning.InitialBurstFactor,
		MinRPS:         c.Tuning.MinRPS,
		MaxRPS:         c.Tuning.MaxRPS,
		MinBurstFactor: c.Tuning.MinBurstFactor,
		MaxBurstFactor: c.Tuning.MaxBurstFactor,
	}
}
