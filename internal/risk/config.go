package risk

import "time"

type Limits struct {
	MaxDailyLossPercent   float64 `json:"max_daily_loss_percent" yaml:"max_daily_loss_percent"`
	MaxWeeklyLossPercent  float64 `json:"max_weekly_loss_percent" yaml:"max_weekly_loss_percent"`
	MaxMonthlyLossPercent float64 `json:"max_monthly_loss_percent" yaml:"max_monthly_loss_percent"`
	MaxDrawdownPercent    float64 `json:"max_drawdown_percent" yaml:"max_drawdown_percent"`
	MaxOpenPositions      int     `json:"max_open_positions" yaml:"max_open_positions"`
	MaxPositionsPerSymbol int     `json:"max_positions_per_symbol" yaml:"max_positions_per_symbol"`
	// Zero disables the two checks below.
	MaxDailyTrades       int `json:"max_daily_trades" yaml:"max_daily_trades"`
	MaxConsecutiveLosses int `json:"max_consecutive_losses" yaml:"max_consecutive_losses"`
}

type CorrelationConfig struct {
	Enabled   bool
	Lookback  int
	Threshold float64
	CacheTTL  time.Duration
}

type RecoveryConfig struct {
	Enabled          bool
	TriggerLosses    int
	ReductionPercent float64
	WinsToReset      int
	MaxDays          int
}

type TimeFilterConfig struct {
	Enabled   bool
	StartHour int
	EndHour   int
	Days      []time.Weekday
}

type VolatilityFilterConfig struct {
	Enabled    bool
	ATRPeriod  int
	MinATRPips float64
	MaxATRPips float64
}

func DefaultLimits() Limits {
	return Limits{
		MaxDailyLossPercent:   3,
		MaxWeeklyLossPercent:  7,
		MaxMonthlyLossPercent: 15,
		MaxDrawdownPercent:    20,
		MaxOpenPositions:      5,
		MaxPositionsPerSymbol: 2,
	}
}

func DefaultCorrelation() CorrelationConfig {
	return CorrelationConfig{Enabled: true, Lookback: 20, Threshold: 0.7, CacheTTL: time.Hour}
}

func DefaultRecovery() RecoveryConfig {
	return RecoveryConfig{Enabled: true, TriggerLosses: 3, ReductionPercent: 50, WinsToReset: 2, MaxDays: 5}
}

func DefaultTimeFilter() TimeFilterConfig {
	return TimeFilterConfig{
		Enabled:   true,
		StartHour: 8,
		EndHour:   20,
		Days:      []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday},
	}
}

func DefaultVolatilityFilter() VolatilityFilterConfig {
	// The band is in pips of daily ATR; off unless configured per symbol set.
	return VolatilityFilterConfig{Enabled: false, ATRPeriod: 14, MinATRPips: 0.5, MaxATRPips: 3.0}
}
