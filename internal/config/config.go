// Package config loads the simulation configuration: the symbol universe,
// price-process constants, event templates, risk limits and service
// settings. Defaults are compiled in; a YAML file and environment
// variables override them.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/atmx/equities-sim/internal/model"
)

var (
	ErrEmptyUniverse   = errors.New("config: symbol universe is empty")
	ErrDuplicateSymbol = errors.New("config: duplicate symbol")
	ErrPriceBounds     = errors.New("config: min price must be positive and below max price")
	ErrProbabilities   = errors.New("config: event probabilities must be in [0,1] and sum to at most 1")
	ErrImpactRange     = errors.New("config: event impact range must satisfy 0 <= min <= max <= 1")
	ErrDurationRange   = errors.New("config: event duration range must be positive")
	ErrRiskLimits      = errors.New("config: risk limits must be positive")
)

// Symbol is static configuration for one instrument.
type Symbol struct {
	Ticker         string  `yaml:"ticker"`
	Company        string  `yaml:"company"`
	Sector         string  `yaml:"sector"`
	BasePrice      float64 `yaml:"base_price"`
	BaseVolatility float64 `yaml:"base_volatility"`
	BaseVolume     int64   `yaml:"base_volume"`
}

// Simulation holds price-process constants.
type Simulation struct {
	MinPrice                   float64                            `yaml:"min_price"`
	MaxPrice                   float64                            `yaml:"max_price"`
	MaxChange                  float64                            `yaml:"max_change"`
	RiskFreeRate               float64                            `yaml:"risk_free_rate"`
	BaseSpreadBps              float64                            `yaml:"base_spread_bps"`
	SpreadVolatilityMultiplier float64                            `yaml:"spread_volatility_multiplier"`
	VolumeScale                float64                            `yaml:"volume_scale"`
	SectorWeight               float64                            `yaml:"sector_weight"`
	MaxVolatility              float64                            `yaml:"max_volatility"`
	MaxEventImpact             float64                            `yaml:"max_event_impact"`
	MinStep                    time.Duration                      `yaml:"min_step"`
	RegimeMultipliers          map[model.VolatilityRegime]float64 `yaml:"regime_multipliers"`
}

// EventTemplate configures how one event type is generated.
type EventTemplate struct {
	Probability  float64  `yaml:"probability"`
	MinImpact    float64  `yaml:"min_impact"`
	MaxImpact    float64  `yaml:"max_impact"`
	MinDuration  int      `yaml:"min_duration_minutes"`
	MaxDuration  int      `yaml:"max_duration_minutes"`
	Titles       []string `yaml:"titles"`
	Descriptions []string `yaml:"descriptions"`
}

// Events configures the event generator.
type Events struct {
	Cooldown  time.Duration                     `yaml:"cooldown"`
	Flavors   []string                          `yaml:"flavors"`
	Templates map[model.EventType]EventTemplate `yaml:"templates"`
}

// Risk holds pre-trade limits. Money values are decimals.
type Risk struct {
	StartingCash        decimal.Decimal `yaml:"starting_cash"`
	MaxOrderValue       decimal.Decimal `yaml:"max_order_value"`
	MinCashReserve      decimal.Decimal `yaml:"min_cash_reserve"`
	MaxPositionFraction decimal.Decimal `yaml:"max_position_fraction"`
	MaxSectorFraction   decimal.Decimal `yaml:"max_sector_fraction"`
}

// Hours configures when the market is open. AlwaysOpen short-circuits.
type Hours struct {
	AlwaysOpen bool     `yaml:"always_open"`
	Timezone   string   `yaml:"timezone"`
	Open       string   `yaml:"open"`  // "09:30"
	Close      string   `yaml:"close"` // "16:00"
	Weekdays   []string `yaml:"weekdays"`
}

// Service holds process-level settings.
type Service struct {
	Port         string        `yaml:"port"`
	DatabaseURL  string        `yaml:"database_url"`
	RedisURL     string        `yaml:"redis_url"`
	CacheTTL     time.Duration `yaml:"cache_ttl"`
	KafkaBrokers []string      `yaml:"kafka_brokers"`
	KafkaTopic   string        `yaml:"kafka_topic"`
	TickInterval time.Duration `yaml:"tick_interval"`
	StoreTimeout time.Duration `yaml:"store_timeout"`
	AuditBuffer  int           `yaml:"audit_buffer"`
	Seed         uint64        `yaml:"seed"`
}

// Config is the root configuration.
type Config struct {
	Symbols    []Symbol   `yaml:"symbols"`
	Simulation Simulation `yaml:"simulation"`
	Events     Events     `yaml:"events"`
	Risk       Risk       `yaml:"risk"`
	Hours      Hours      `yaml:"hours"`
	Service    Service    `yaml:"service"`
}

// Load reads defaults, then the YAML file at path (if non-empty), then the
// environment. The result is validated.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.Getenv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadEnv loads a .env file into the process environment when one exists.
// Variables already set take precedence.
func LoadEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	var existing []string
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			existing = append(existing, f)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	if err := godotenv.Load(existing...); err != nil {
		return fmt.Errorf("load env files %v: %w", existing, err)
	}
	return nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	if v := getenv("PORT"); v != "" {
		c.Service.Port = v
	}
	if v := getenv("DATABASE_URL"); v != "" {
		c.Service.DatabaseURL = v
	}
	if v := getenv("REDIS_URL"); v != "" {
		c.Service.RedisURL = v
	}
	if v := getenv("KAFKA_BROKERS"); v != "" {
		c.Service.KafkaBrokers = strings.Split(v, ",")
	}
	if v := getenv("KAFKA_TOPIC"); v != "" {
		c.Service.KafkaTopic = v
	}
	if v := getenv("TICK_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid TICK_INTERVAL %q: %w", v, err)
		}
		c.Service.TickInterval = d
	}
	if v := getenv("SIM_SEED"); v != "" {
		seed, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid SIM_SEED %q: %w", v, err)
		}
		c.Service.Seed = seed
	}
	if v := getenv("STARTING_CASH"); v != "" {
		cash, err := decimal.NewFromString(v)
		if err != nil {
			return fmt.Errorf("invalid STARTING_CASH %q: %w", v, err)
		}
		c.Risk.StartingCash = cash
	}
	return nil
}

// Validate rejects inconsistent configuration.
func (c *Config) Validate() error {
	if len(c.Symbols) == 0 {
		return ErrEmptyUniverse
	}
	seen := make(map[string]bool, len(c.Symbols))
	for _, s := range c.Symbols {
		if seen[s.Ticker] {
			return fmt.Errorf("%w: %s", ErrDuplicateSymbol, s.Ticker)
		}
		seen[s.Ticker] = true
		if s.BasePrice <= 0 || s.BaseVolatility < 0 || s.BaseVolume <= 0 {
			return fmt.Errorf("config: symbol %s needs positive price/volume and non-negative volatility", s.Ticker)
		}
	}

	sim := c.Simulation
	if sim.MinPrice <= 0 || sim.MinPrice >= sim.MaxPrice {
		return ErrPriceBounds
	}
	if sim.MaxChange <= 0 || sim.MaxChange >= 1 {
		return fmt.Errorf("config: max_change must be in (0,1), got %v", sim.MaxChange)
	}

	var total float64
	for t, tpl := range c.Events.Templates {
		if !t.Valid() {
			return fmt.Errorf("config: unknown event type %q", t)
		}
		if tpl.Probability < 0 || tpl.Probability > 1 {
			return fmt.Errorf("%w: %s=%v", ErrProbabilities, t, tpl.Probability)
		}
		total += tpl.Probability
		if tpl.MinImpact < 0 || tpl.MinImpact > tpl.MaxImpact || tpl.MaxImpact > 1 {
			return fmt.Errorf("%w: %s", ErrImpactRange, t)
		}
		if tpl.MinDuration <= 0 || tpl.MinDuration > tpl.MaxDuration {
			return fmt.Errorf("%w: %s", ErrDurationRange, t)
		}
	}
	if total > 1 {
		return fmt.Errorf("%w: sum=%v", ErrProbabilities, total)
	}

	r := c.Risk
	if !r.StartingCash.IsPositive() || !r.MaxOrderValue.IsPositive() ||
		r.MinCashReserve.IsNegative() || !r.MaxPositionFraction.IsPositive() ||
		!r.MaxSectorFraction.IsPositive() {
		return ErrRiskLimits
	}
	return nil
}

// Tickers returns the configured symbols in order.
func (c *Config) Tickers() []string {
	out := make([]string, len(c.Symbols))
	for i, s := range c.Symbols {
		out[i] = s.Ticker
	}
	return out
}

// SectorOf maps each ticker onto its sector tag.
func (c *Config) SectorOf() map[string]string {
	out := make(map[string]string, len(c.Symbols))
	for _, s := range c.Symbols {
		out[s.Ticker] = s.Sector
	}
	return out
}
