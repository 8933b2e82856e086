// Package config loads and validates the process configuration. Invalid
// configuration is a startup failure: Load returns an error and the process
// must not start trading with a partially valid Root.
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig marks configuration errors so callers can distinguish
// them from I/O failures. All of them are fatal at startup.
var ErrInvalidConfig = errors.New("invalid config")

type Log struct {
	Level string `yaml:"level" default:"info" validate:"oneof=debug info warn error"`
}

type Engine struct {
	CycleInterval time.Duration `yaml:"cycle_interval" default:"4m"`
	CycleBudget   time.Duration `yaml:"cycle_budget" default:"2m"`
}

// Universe is the tiered asset list the scheduler polls. Tiers shed from the
// bottom as quota usage grows: low first, then normal, always-tier last.
type Universe struct {
	Always []string `yaml:"always" validate:"required,min=1"`
	Normal []string `yaml:"normal"`
	Low    []string `yaml:"low"`
}

// Weights for the four signal kinds. Must sum to 1.
type Weights struct {
	Technical     float64 `yaml:"technical" default:"0.3" validate:"gte=0,lte=1"`
	Sentiment     float64 `yaml:"sentiment" default:"0.4" validate:"gte=0,lte=1"`
	Social        float64 `yaml:"social" default:"0.2" validate:"gte=0,lte=1"`
	MarketContext float64 `yaml:"market_context" default:"0.1" validate:"gte=0,lte=1"`
}

func (w Weights) Sum() float64 {
	return w.Technical + w.Sentiment + w.Social + w.MarketContext
}

type Signals struct {
	StalenessWindow time.Duration `yaml:"staleness_window" default:"30m"`
	HighConfidence  float64       `yaml:"high_confidence" default:"0.7" validate:"gte=0,lte=1"`
}

type Thresholds struct {
	StrongBuy   float64 `yaml:"strong_buy" default:"0.7" validate:"gt=0,lte=1"`
	ModerateBuy float64 `yaml:"moderate_buy" default:"0.4" validate:"gt=0,lte=1"`
}

type Watchlist struct {
	RollingWindow     time.Duration `yaml:"rolling_window" default:"24h"`
	MinReadings       int           `yaml:"min_readings" default:"5" validate:"gte=1"`
	MinAvgScore       float64       `yaml:"min_avg_score" default:"0.4"`
	EventScore        float64       `yaml:"event_score" default:"0.8"`
	BlacklistScore    float64       `yaml:"blacklist_score" default:"-0.7"`
	BlacklistAvg      float64       `yaml:"blacklist_avg" default:"-0.6"`
	BlacklistReadings int           `yaml:"blacklist_readings" default:"3" validate:"gte=1"`
	Expiry            time.Duration `yaml:"expiry" default:"72h"`
}

type Trailing struct {
	Enabled     bool    `yaml:"enabled" default:"true"`
	ActivatePct float64 `yaml:"activate_pct" default:"0.015" validate:"gte=0"`
	TrailPct    float64 `yaml:"trail_pct" default:"0.01" validate:"gte=0"`
}

type Risk struct {
	CapitalUSD          float64       `yaml:"capital_usd" default:"100000" validate:"gt=0"`
	MaxOpenFraction     float64       `yaml:"max_open_fraction" default:"0.15" validate:"gt=0,lte=1"`
	MaxPositionFraction float64       `yaml:"max_position_fraction" default:"0.05" validate:"gt=0,lte=1"`
	FlipFraction        float64       `yaml:"flip_fraction" default:"0.05" validate:"gt=0,lte=1"`
	HoldFraction        float64       `yaml:"hold_fraction" default:"0.03" validate:"gt=0,lte=1"`
	DailyLossLimit      float64       `yaml:"daily_loss_limit" default:"0.05" validate:"gt=0,lte=1"`
	MaxDrawdown         float64       `yaml:"max_drawdown" default:"0.15" validate:"gt=0,lte=1"`
	StopLossPct         float64       `yaml:"stop_loss_pct" default:"0.02" validate:"gt=0"`
	FlipRewardRisk      float64       `yaml:"flip_reward_risk" default:"2.0" validate:"gt=0"`
	HoldRewardRisk      float64       `yaml:"hold_reward_risk" default:"2.5" validate:"gt=0"`
	FlipMaxHold         time.Duration `yaml:"flip_max_hold" default:"4h"`
	HoldMaxHold         time.Duration `yaml:"hold_max_hold" default:"72h"`
	CooldownAfterExit   time.Duration `yaml:"cooldown_after_exit" default:"30m"`
	Trailing            Trailing      `yaml:"trailing"`
}

// SourceLimits overrides scheduler quotas for a single source.
type SourceLimits struct {
	WindowLimit  int           `yaml:"window_limit"`
	MonthlyLimit int           `yaml:"monthly_limit"`
	BaseInterval time.Duration `yaml:"base_interval"`
	CacheTTL     time.Duration `yaml:"cache_ttl"`
	PerMinute    int           `yaml:"per_minute"`
}

type SchedulerCache struct {
	Backend       string `yaml:"backend" default:"memory" validate:"oneof=memory redis"`
	RedisAddr     string `yaml:"redis_addr" default:"localhost:6379"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db" default:"0"`
}

type Scheduler struct {
	WindowLimit  int                     `yaml:"window_limit" default:"100" validate:"gte=1"`
	Window       time.Duration           `yaml:"window" default:"15m"`
	MonthlyLimit int                     `yaml:"monthly_limit" default:"500000" validate:"gte=1"`
	BaseInterval time.Duration           `yaml:"base_interval" default:"60s"`
	CacheTTL     time.Duration           `yaml:"cache_ttl" default:"5m"`
	PerMinute    int                     `yaml:"per_minute" default:"30" validate:"gte=1"`
	Timeout      time.Duration           `yaml:"timeout" default:"10s"`
	MaxRetries   int                     `yaml:"max_retries" default:"2" validate:"gte=0"`
	BackoffBase  time.Duration           `yaml:"backoff_base" default:"500ms"`
	Cache        SchedulerCache          `yaml:"cache"`
	Sources      map[string]SourceLimits `yaml:"sources"`
}

type Store struct {
	Path string `yaml:"path" default:"data/tradecore.db"`
}

type Stream struct {
	Enabled        bool     `yaml:"enabled"`
	Brokers        []string `yaml:"brokers"`
	DecisionsTopic string   `yaml:"decisions_topic" default:"trading_signals"`
	FillsTopic     string   `yaml:"fills_topic" default:"executed_trades"`
	ClientID       string   `yaml:"client_id" default:"tradecore"`
}

type Ops struct {
	Enabled bool   `yaml:"enabled" default:"true"`
	Addr    string `yaml:"addr" default:":8080"`
}

type Paper struct {
	OutboxPath       string `yaml:"outbox_path" default:"data/outbox.jsonl"`
	SlippageBps      int    `yaml:"slippage_bps" default:"10" validate:"gte=0"`
	FeeBps           int    `yaml:"fee_bps" default:"10" validate:"gte=0"`
	DedupeWindowSecs int    `yaml:"dedupe_window_seconds" default:"90" validate:"gte=0"`
}

type Root struct {
	Log        Log        `yaml:"log"`
	Engine     Engine     `yaml:"engine"`
	Universe   Universe   `yaml:"universe"`
	Weights    Weights    `yaml:"weights"`
	Signals    Signals    `yaml:"signals"`
	Thresholds Thresholds `yaml:"thresholds"`
	Watchlist  Watchlist  `yaml:"watchlist"`
	Risk       Risk       `yaml:"risk"`
	Scheduler  Scheduler  `yaml:"scheduler"`
	Store      Store      `yaml:"store"`
	Stream     Stream     `yaml:"stream"`
	Ops        Ops        `yaml:"ops"`
	Paper      Paper      `yaml:"paper"`
}

// Load reads the YAML file at path, fills defaults, applies TRADECORE_*
// environment overrides, and validates. Any validation failure means the
// process must not start.
func Load(path string) (Root, error) {
	var c Root
	b, err := os.ReadFile(path)
	if err != nil {
		return c, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return c, fmt.Errorf("parse config: %w", err)
	}
	if err := defaults.Set(&c); err != nil {
		return c, fmt.Errorf("apply defaults: %w", err)
	}
	applyEnv(&c)
	if err := c.Validate(); err != nil {
		return c, err
	}
	return c, nil
}

func applyEnv(c *Root) {
	if v := os.Getenv("TRADECORE_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("TRADECORE_DB_PATH"); v != "" {
		c.Store.Path = v
	}
	if v := os.Getenv("TRADECORE_OPS_ADDR"); v != "" {
		c.Ops.Addr = v
	}
	if v := os.Getenv("TRADECORE_KAFKA_BROKERS"); v != "" {
		c.Stream.Brokers = strings.Split(v, ",")
		c.Stream.Enabled = true
	}
	if v := os.Getenv("TRADECORE_REDIS_ADDR"); v != "" {
		c.Scheduler.Cache.RedisAddr = v
	}
	if v := os.Getenv("TRADECORE_REDIS_PASSWORD"); v != "" {
		c.Scheduler.Cache.RedisPassword = v
	}
}

// Validate enforces field-level tags plus the cross-field invariants the
// tags cannot express.
func (c *Root) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			e := verrs[0]
			return fmt.Errorf("%w: %s failed %q", ErrInvalidConfig, e.Namespace(), e.Tag())
		}
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	if sum := c.Weights.Sum(); math.Abs(sum-1.0) > 1e-9 {
		return fmt.Errorf("%w: signal weights sum to %.6f, want 1.0", ErrInvalidConfig, sum)
	}
	if c.Thresholds.StrongBuy <= c.Thresholds.ModerateBuy {
		return fmt.Errorf("%w: strong_buy (%.2f) must exceed moderate_buy (%.2f)",
			ErrInvalidConfig, c.Thresholds.StrongBuy, c.Thresholds.ModerateBuy)
	}
	if c.Engine.CycleInterval < time.Minute {
		return fmt.Errorf("%w: cycle_interval %s below 1m floor", ErrInvalidConfig, c.Engine.CycleInterval)
	}
	if c.Engine.CycleBudget <= 0 || c.Engine.CycleBudget >= c.Engine.CycleInterval {
		return fmt.Errorf("%w: cycle_budget %s must be positive and below cycle_interval %s",
			ErrInvalidConfig, c.Engine.CycleBudget, c.Engine.CycleInterval)
	}
	if c.Risk.MaxPositionFraction > c.Risk.MaxOpenFraction {
		return fmt.Errorf("%w: max_position_fraction (%.2f) exceeds max_open_fraction (%.2f)",
			ErrInvalidConfig, c.Risk.MaxPositionFraction, c.Risk.MaxOpenFraction)
	}
	if c.Scheduler.Window <= 0 || c.Scheduler.BaseInterval <= 0 || c.Scheduler.CacheTTL <= 0 {
		return fmt.Errorf("%w: scheduler window, base_interval and cache_ttl must be positive", ErrInvalidConfig)
	}
	if c.Signals.StalenessWindow <= 0 {
		return fmt.Errorf("%w: signals staleness_window must be positive", ErrInvalidConfig)
	}
	if c.Stream.Enabled && len(c.Stream.Brokers) == 0 {
		return fmt.Errorf("%w: stream enabled but no brokers configured", ErrInvalidConfig)
	}
	return nil
}

// Limits resolves the effective quota limits for one source, applying any
// per-source override on top of the scheduler-wide defaults.
func (s Scheduler) Limits(source string) SourceLimits {
	eff := SourceLimits{
		WindowLimit:  s.WindowLimit,
		MonthlyLimit: s.MonthlyLimit,
		BaseInterval: s.BaseInterval,
		CacheTTL:     s.CacheTTL,
		PerMinute:    s.PerMinute,
	}
	o, ok := s.Sources[source]
	if !ok {
		return eff
	}
	if o.WindowLimit > 0 {
		eff.WindowLimit = o.WindowLimit
	}
	if o.MonthlyLimit > 0 {
		eff.MonthlyLimit = o.MonthlyLimit
	}
	if o.BaseInterval > 0 {
		eff.BaseInterval = o.BaseInterval
	}
	if o.CacheTTL > 0 {
		eff.CacheTTL = o.CacheTTL
	}
	if o.PerMinute > 0 {
		eff.PerMinute = o.PerMinute
	}
	return eff
}
