package config

import (
	"copybot/internal/engine"
	"copybot/internal/levels"
	"copybot/internal/lifecycle"
	"copybot/internal/logger"
	"copybot/internal/models"
	"copybot/internal/replication"
	"copybot/internal/risk"
	"copybot/internal/sizing"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Log         logger.Config
	Engine      engine.Config
	Replication replication.Settings
	Accounts    []AccountConfig
	Store       StoreConfig
}

type AccountConfig struct {
	ID      string
	Type    string
	Managed bool

	// bridge
	URL     string
	APIKey  string
	Secret  string
	Timeout time.Duration

	// paper
	Balance float64
}

type StoreConfig struct {
	Type string
	Path string
}

const (
	AccountPaper  = "paper"
	AccountBridge = "bridge"

	StoreFile   = "file"
	StoreSQLite = "sqlite"
)

// Loader reads the configuration file and keeps the viper instance around
// for hot reload.
type Loader struct {
	v *viper.Viper
}

// NewLoader prepares a loader for path. An empty path looks for
// configs/config.(yaml|json|toml) in the working directory.
func NewLoader(path string) *Loader {
	_ = godotenv.Load()

	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath("configs")
		v.SetConfigName("config")
	}
	setDefaults(v)
	return &Loader{v: v}
}

func Load(path string) (*Config, error) {
	return NewLoader(path).Load()
}

func (l *Loader) Load() (*Config, error) {
	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return decode(l.v)
}

func (l *Loader) File() string {
	return l.v.ConfigFileUsed()
}

func setDefaults(v *viper.Viper) {
	e := engine.DefaultConfig()
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.file", "stdout")
	v.SetDefault("log.max_size", 50)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age", 14)
	v.SetDefault("log.compress", true)

	v.SetDefault("engine.cycle_interval", e.CycleInterval)
	v.SetDefault("engine.history_days", e.HistoryDays)

	v.SetDefault("risk.max_daily_loss_percent", e.Limits.MaxDailyLossPercent)
	v.SetDefault("risk.max_weekly_loss_percent", e.Limits.MaxWeeklyLossPercent)
	v.SetDefault("risk.max_monthly_loss_percent", e.Limits.MaxMonthlyLossPercent)
	v.SetDefault("risk.max_drawdown_percent", e.Limits.MaxDrawdownPercent)
	v.SetDefault("risk.max_open_positions", e.Limits.MaxOpenPositions)
	v.SetDefault("risk.max_positions_per_symbol", e.Limits.MaxPositionsPerSymbol)
	v.SetDefault("risk.max_daily_trades", e.Limits.MaxDailyTrades)
	v.SetDefault("risk.max_consecutive_losses", e.Limits.MaxConsecutiveLosses)
	v.SetDefault("risk.correlation.enabled", e.Correlation.Enabled)
	v.SetDefault("risk.correlation.lookback", e.Correlation.Lookback)
	v.SetDefault("risk.correlation.threshold", e.Correlation.Threshold)
	v.SetDefault("risk.correlation.cache_ttl", e.Correlation.CacheTTL)
	v.SetDefault("risk.recovery.enabled", e.Recovery.Enabled)
	v.SetDefault("risk.recovery.trigger_losses", e.Recovery.TriggerLosses)
	v.SetDefault("risk.recovery.reduction_percent", e.Recovery.ReductionPercent)
	v.SetDefault("risk.recovery.wins_to_reset", e.Recovery.WinsToReset)
	v.SetDefault("risk.recovery.max_days", e.Recovery.MaxDays)
	v.SetDefault("risk.time_filter.enabled", e.TimeFilter.Enabled)
	v.SetDefault("risk.time_filter.start_hour", e.TimeFilter.StartHour)
	v.SetDefault("risk.time_filter.end_hour", e.TimeFilter.EndHour)
	v.SetDefault("risk.time_filter.days", []string{"mon", "tue", "wed", "thu", "fri"})
	v.SetDefault("risk.volatility_filter.enabled", e.Volatility.Enabled)
	v.SetDefault("risk.volatility_filter.atr_period", e.Volatility.ATRPeriod)
	v.SetDefault("risk.volatility_filter.min_atr_pips", e.Volatility.MinATRPips)
	v.SetDefault("risk.volatility_filter.max_atr_pips", e.Volatility.MaxATRPips)

	v.SetDefault("sizing.method", string(e.Sizing.Method))
	v.SetDefault("sizing.fixed_lot", e.Sizing.FixedLot)
	v.SetDefault("sizing.risk_percent", e.Sizing.RiskPercent)
	v.SetDefault("sizing.equity_percent", e.Sizing.EquityPercent)
	v.SetDefault("sizing.kelly_fraction", e.Sizing.KellyFraction)
	v.SetDefault("sizing.martingale_factor", e.Sizing.MartingaleFactor)
	v.SetDefault("sizing.anti_martingale_factor", e.Sizing.AntiMartingaleFactor)
	v.SetDefault("sizing.volatility_factor", e.Sizing.VolatilityFactor)
	v.SetDefault("sizing.atr_period", e.Sizing.ATRPeriod)
	v.SetDefault("sizing.rounding", string(e.Sizing.Rounding))

	v.SetDefault("stop_loss.method", string(e.StopLoss.Method))
	v.SetDefault("stop_loss.fixed_pips", e.StopLoss.FixedPips)
	v.SetDefault("stop_loss.atr_multiple", e.StopLoss.ATRMultiple)
	v.SetDefault("stop_loss.atr_period", e.StopLoss.ATRPeriod)
	v.SetDefault("stop_loss.percent", e.StopLoss.Percent)
	v.SetDefault("stop_loss.min_pips", e.StopLoss.MinPips)
	v.SetDefault("stop_loss.max_pips", e.StopLoss.MaxPips)
	v.SetDefault("take_profit.method", string(e.TakeProfit.Method))
	v.SetDefault("take_profit.fixed_pips", e.TakeProfit.FixedPips)
	v.SetDefault("take_profit.atr_multiple", e.TakeProfit.ATRMultiple)
	v.SetDefault("take_profit.atr_period", e.TakeProfit.ATRPeriod)
	v.SetDefault("take_profit.risk_reward", e.TakeProfit.RiskReward)
	v.SetDefault("take_profit.min_pips", e.TakeProfit.MinPips)
	v.SetDefault("take_profit.max_pips", e.TakeProfit.MaxPips)

	v.SetDefault("lifecycle.break_even.enabled", e.Lifecycle.BreakEven.Enabled)
	v.SetDefault("lifecycle.break_even.activation_pips", e.Lifecycle.BreakEven.ActivationPips)
	v.SetDefault("lifecycle.break_even.offset_pips", e.Lifecycle.BreakEven.OffsetPips)
	v.SetDefault("lifecycle.trailing.enabled", e.Lifecycle.Trailing.Enabled)
	v.SetDefault("lifecycle.trailing.activation_pips", e.Lifecycle.Trailing.ActivationPips)
	v.SetDefault("lifecycle.trailing.distance_pips", e.Lifecycle.Trailing.DistancePips)
	v.SetDefault("lifecycle.trailing.step_pips", e.Lifecycle.Trailing.StepPips)
	v.SetDefault("lifecycle.partial_close.enabled", e.Lifecycle.Partial.Enabled)

	s := replication.DefaultSettings()
	v.SetDefault("replication.poll_interval", s.PollInterval)
	v.SetDefault("replication.lookback", s.Lookback)
	v.SetDefault("replication.overlap", s.Overlap)
	v.SetDefault("replication.max_queue", s.MaxQueue)
	v.SetDefault("replication.retry_attempts", s.RetryAttempts)
	v.SetDefault("replication.retry_delay", s.RetryDelay)
	v.SetDefault("replication.processed_cap", s.ProcessedCap)
	v.SetDefault("replication.stop_timeout", s.StopTimeout)
	v.SetDefault("replication.breaker_failures", s.BreakerFailures)
	v.SetDefault("replication.breaker_timeout", s.BreakerTimeout)

	v.SetDefault("store.type", StoreFile)
	v.SetDefault("store.path", "data/groups.json")
}

func decode(v *viper.Viper) (*Config, error) {
	cfg := &Config{}

	cfg.Log = logger.Config{
		Level:      v.GetString("log.level"),
		Format:     v.GetString("log.format"),
		Output:     envSub(v, "log.file"),
		MaxSize:    v.GetInt("log.max_size"),
		MaxBackups: v.GetInt("log.max_backups"),
		MaxAge:     v.GetInt("log.max_age"),
		Compress:   v.GetBool("log.compress"),
	}

	eng, err := decodeEngine(v)
	if err != nil {
		return nil, err
	}
	cfg.Engine = eng

	cfg.Replication = replication.Settings{
		PollInterval:    v.GetDuration("replication.poll_interval"),
		Lookback:        v.GetDuration("replication.lookback"),
		Overlap:         v.GetDuration("replication.overlap"),
		MaxQueue:        v.GetInt("replication.max_queue"),
		RetryAttempts:   v.GetInt("replication.retry_attempts"),
		RetryDelay:      v.GetDuration("replication.retry_delay"),
		ProcessedCap:    v.GetInt("replication.processed_cap"),
		StopTimeout:     v.GetDuration("replication.stop_timeout"),
		BreakerFailures: v.GetUint32("replication.breaker_failures"),
		BreakerTimeout:  v.GetDuration("replication.breaker_timeout"),
	}

	accounts, err := decodeAccounts(v)
	if err != nil {
		return nil, err
	}
	cfg.Accounts = accounts

	cfg.Store = StoreConfig{
		Type: strings.ToLower(v.GetString("store.type")),
		Path: envSub(v, "store.path"),
	}
	switch cfg.Store.Type {
	case StoreFile, StoreSQLite:
	default:
		return nil, models.ConfigErrorf("store.type", "unknown store %q", cfg.Store.Type)
	}

	return cfg, nil
}

// decodeEngine reads the risk, sizing, level and lifecycle sections.
func decodeEngine(v *viper.Viper) (engine.Config, error) {
	e := engine.DefaultConfig()
	e.CycleInterval = v.GetDuration("engine.cycle_interval")
	e.HistoryDays = v.GetInt("engine.history_days")

	e.Limits = risk.Limits{
		MaxDailyLossPercent:   v.GetFloat64("risk.max_daily_loss_percent"),
		MaxWeeklyLossPercent:  v.GetFloat64("risk.max_weekly_loss_percent"),
		MaxMonthlyLossPercent: v.GetFloat64("risk.max_monthly_loss_percent"),
		MaxDrawdownPercent:    v.GetFloat64("risk.max_drawdown_percent"),
		MaxOpenPositions:      v.GetInt("risk.max_open_positions"),
		MaxPositionsPerSymbol: v.GetInt("risk.max_positions_per_symbol"),
		MaxDailyTrades:        v.GetInt("risk.max_daily_trades"),
		MaxConsecutiveLosses:  v.GetInt("risk.max_consecutive_losses"),
	}
	e.Correlation = risk.CorrelationConfig{
		Enabled:   v.GetBool("risk.correlation.enabled"),
		Lookback:  v.GetInt("risk.correlation.lookback"),
		Threshold: v.GetFloat64("risk.correlation.threshold"),
		CacheTTL:  v.GetDuration("risk.correlation.cache_ttl"),
	}
	e.Recovery = risk.RecoveryConfig{
		Enabled:          v.GetBool("risk.recovery.enabled"),
		TriggerLosses:    v.GetInt("risk.recovery.trigger_losses"),
		ReductionPercent: v.GetFloat64("risk.recovery.reduction_percent"),
		WinsToReset:      v.GetInt("risk.recovery.wins_to_reset"),
		MaxDays:          v.GetInt("risk.recovery.max_days"),
	}
	if p := e.Recovery.ReductionPercent; p < 0 || p >= 100 {
		return e, models.ConfigErrorf("risk.recovery.reduction_percent", "%g outside [0, 100)", p)
	}

	days, err := parseDays(v.GetStringSlice("risk.time_filter.days"))
	if err != nil {
		return e, err
	}
	e.TimeFilter = risk.TimeFilterConfig{
		Enabled:   v.GetBool("risk.time_filter.enabled"),
		StartHour: v.GetInt("risk.time_filter.start_hour"),
		EndHour:   v.GetInt("risk.time_filter.end_hour"),
		Days:      days,
	}
	if h := e.TimeFilter.StartHour; h < 0 || h > 23 {
		return e, models.ConfigErrorf("risk.time_filter.start_hour", "hour %d out of range", h)
	}
	if h := e.TimeFilter.EndHour; h < 0 || h > 24 {
		return e, models.ConfigErrorf("risk.time_filter.end_hour", "hour %d out of range", h)
	}
	e.Volatility = risk.VolatilityFilterConfig{
		Enabled:    v.GetBool("risk.volatility_filter.enabled"),
		ATRPeriod:  v.GetInt("risk.volatility_filter.atr_period"),
		MinATRPips: v.GetFloat64("risk.volatility_filter.min_atr_pips"),
		MaxATRPips: v.GetFloat64("risk.volatility_filter.max_atr_pips"),
	}

	method, err := sizing.ParseMethod(v.GetString("sizing.method"))
	if err != nil {
		return e, err
	}
	rounding, err := sizing.ParseRounding(v.GetString("sizing.rounding"))
	if err != nil {
		return e, models.NewConfigError("sizing.rounding", err)
	}
	e.Sizing = sizing.Config{
		Method:               method,
		FixedLot:             v.GetFloat64("sizing.fixed_lot"),
		RiskPercent:          v.GetFloat64("sizing.risk_percent"),
		EquityPercent:        v.GetFloat64("sizing.equity_percent"),
		KellyFraction:        v.GetFloat64("sizing.kelly_fraction"),
		MartingaleFactor:     v.GetFloat64("sizing.martingale_factor"),
		AntiMartingaleFactor: v.GetFloat64("sizing.anti_martingale_factor"),
		VolatilityFactor:     v.GetFloat64("sizing.volatility_factor"),
		ATRPeriod:            v.GetInt("sizing.atr_period"),
		Rounding:             rounding,
	}

	slMethod, err := levels.ParseStopLossMethod(v.GetString("stop_loss.method"))
	if err != nil {
		return e, err
	}
	e.StopLoss = levels.StopLossConfig{
		Method:      slMethod,
		FixedPips:   v.GetFloat64("stop_loss.fixed_pips"),
		ATRMultiple: v.GetFloat64("stop_loss.atr_multiple"),
		ATRPeriod:   v.GetInt("stop_loss.atr_period"),
		Percent:     v.GetFloat64("stop_loss.percent"),
		MinPips:     v.GetFloat64("stop_loss.min_pips"),
		MaxPips:     v.GetFloat64("stop_loss.max_pips"),
	}
	tpMethod, err := levels.ParseTakeProfitMethod(v.GetString("take_profit.method"))
	if err != nil {
		return e, err
	}
	e.TakeProfit = levels.TakeProfitConfig{
		Method:      tpMethod,
		FixedPips:   v.GetFloat64("take_profit.fixed_pips"),
		ATRMultiple: v.GetFloat64("take_profit.atr_multiple"),
		ATRPeriod:   v.GetInt("take_profit.atr_period"),
		RiskReward:  v.GetFloat64("take_profit.risk_reward"),
		MinPips:     v.GetFloat64("take_profit.min_pips"),
		MaxPips:     v.GetFloat64("take_profit.max_pips"),
	}

	e.Lifecycle.BreakEven = lifecycle.BreakEvenConfig{
		Enabled:        v.GetBool("lifecycle.break_even.enabled"),
		ActivationPips: v.GetFloat64("lifecycle.break_even.activation_pips"),
		OffsetPips:     v.GetFloat64("lifecycle.break_even.offset_pips"),
	}
	e.Lifecycle.Trailing = lifecycle.TrailingConfig{
		Enabled:        v.GetBool("lifecycle.trailing.enabled"),
		ActivationPips: v.GetFloat64("lifecycle.trailing.activation_pips"),
		DistancePips:   v.GetFloat64("lifecycle.trailing.distance_pips"),
		StepPips:       v.GetFloat64("lifecycle.trailing.step_pips"),
	}
	e.Lifecycle.Partial.Enabled = v.GetBool("lifecycle.partial_close.enabled")
	if v.IsSet("lifecycle.partial_close.levels") {
		var partial []lifecycle.PartialLevel
		if err := v.UnmarshalKey("lifecycle.partial_close.levels", &partial); err != nil {
			return e, models.NewConfigError("lifecycle.partial_close.levels", err)
		}
		e.Lifecycle.Partial.Levels = partial
	}
	for _, l := range e.Lifecycle.Partial.Levels {
		if l.ProfitPips <= 0 || l.ClosePercent <= 0 || l.ClosePercent > 100 {
			return e, models.ConfigErrorf("lifecycle.partial_close.levels", "invalid level %+v", l)
		}
	}

	return e, nil
}

type accountEntry struct {
	ID      string        `mapstructure:"id"`
	Type    string        `mapstructure:"type"`
	Managed bool          `mapstructure:"managed"`
	URL     string        `mapstructure:"url"`
	APIKey  string        `mapstructure:"api_key"`
	Secret  string        `mapstructure:"secret"`
	Timeout time.Duration `mapstructure:"timeout"`
	Balance float64       `mapstructure:"balance"`
}

func decodeAccounts(v *viper.Viper) ([]AccountConfig, error) {
	var entries []accountEntry
	if err := v.UnmarshalKey("accounts", &entries); err != nil {
		return nil, models.NewConfigError("accounts", err)
	}

	seen := make(map[string]bool, len(entries))
	out := make([]AccountConfig, 0, len(entries))
	for i, a := range entries {
		field := fmt.Sprintf("accounts[%d]", i)
		if a.ID == "" {
			return nil, models.ConfigErrorf(field+".id", "empty account id")
		}
		if seen[a.ID] {
			return nil, models.NewConfigError(field+".id "+a.ID, models.ErrAccountExists)
		}
		seen[a.ID] = true

		acc := AccountConfig{
			ID:      a.ID,
			Type:    strings.ToLower(a.Type),
			Managed: a.Managed,
			URL:     substitute(a.URL),
			APIKey:  substitute(a.APIKey),
			Secret:  substitute(a.Secret),
			Timeout: a.Timeout,
			Balance: a.Balance,
		}
		switch acc.Type {
		case "", AccountPaper:
			acc.Type = AccountPaper
			if acc.Balance <= 0 {
				acc.Balance = 10000
			}
		case AccountBridge:
			if acc.URL == "" {
				return nil, models.ConfigErrorf(field+".url", "bridge account %s needs a url", a.ID)
			}
		default:
			return nil, models.ConfigErrorf(field+".type", "unknown account type %q", a.Type)
		}
		out = append(out, acc)
	}
	return out, nil
}

var weekdays = map[string]time.Weekday{
	"sun": time.Sunday, "mon": time.Monday, "tue": time.Tuesday, "wed": time.Wednesday,
	"thu": time.Thursday, "fri": time.Friday, "sat": time.Saturday,
}

func parseDays(names []string) ([]time.Weekday, error) {
	out := make([]time.Weekday, 0, len(names))
	for _, n := range names {
		key := strings.ToLower(strings.TrimSpace(n))
		if len(key) > 3 {
			key = key[:3]
		}
		d, ok := weekdays[key]
		if !ok {
			return nil, models.ConfigErrorf("risk.time_filter.days", "unknown weekday %q", n)
		}
		out = append(out, d)
	}
	return out, nil
}

var envPattern = regexp.MustCompile(`\$\{(\w+)\}`)

func envSub(v *viper.Viper, key string) string {
	return substitute(v.GetString(key))
}

// substitute replaces ${NAME} with the environment variable NAME.
func substitute(val string) string {
	if val == "" {
		return ""
	}
	return envPattern.ReplaceAllStringFunc(val, func(match string) string {
		envKey := strings.TrimSuffix(strings.TrimPrefix(match, "${"), "}")
		return os.Getenv(envKey)
	})
}
