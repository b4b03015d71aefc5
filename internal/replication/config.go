package replication

import (
	"copybot/internal/models"
	"time"
)

// Config is the per-group replication setup. It is persisted with the group.
type Config struct {
	Enabled            bool     `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	VolumeMultiplier   float64  `json:"volume_multiplier" yaml:"volume_multiplier" mapstructure:"volume_multiplier"`
	Reverse            bool     `json:"reverse_direction" yaml:"reverse_direction" mapstructure:"reverse_direction"`
	Symbols            []string `json:"symbols_filter" yaml:"symbols_filter" mapstructure:"symbols_filter"`
	MinVolume          float64  `json:"min_volume" yaml:"min_volume" mapstructure:"min_volume"`
	MaxVolume          float64  `json:"max_volume" yaml:"max_volume" mapstructure:"max_volume"`
	DelaySeconds       float64  `json:"delay_seconds" yaml:"delay_seconds" mapstructure:"delay_seconds"`
	IncludeLevels      bool     `json:"include_sl_tp" yaml:"include_sl_tp" mapstructure:"include_sl_tp"`
	LevelAdjustPercent float64  `json:"adjust_sl_tp_percent" yaml:"adjust_sl_tp_percent" mapstructure:"adjust_sl_tp_percent"`
}

func DefaultConfig() Config {
	return Config{VolumeMultiplier: 1, IncludeLevels: true}
}

func (c Config) Delay() time.Duration {
	return time.Duration(c.DelaySeconds * float64(time.Second))
}

func (c Config) Validate() error {
	switch {
	case c.VolumeMultiplier <= 0:
		return models.ConfigErrorf("volume_multiplier", "must be positive, got %v", c.VolumeMultiplier)
	case c.MinVolume < 0:
		return models.ConfigErrorf("min_volume", "must not be negative")
	case c.MaxVolume < 0:
		return models.ConfigErrorf("max_volume", "must not be negative")
	case c.MaxVolume > 0 && c.MinVolume > c.MaxVolume:
		return models.ConfigErrorf("min_volume", "%v exceeds max_volume %v", c.MinVolume, c.MaxVolume)
	case c.DelaySeconds < 0:
		return models.ConfigErrorf("delay_seconds", "must not be negative")
	case c.LevelAdjustPercent <= -100 || c.LevelAdjustPercent >= 100:
		return models.ConfigErrorf("adjust_sl_tp_percent", "must be within (-100, 100)")
	}
	return nil
}

func (c Config) clone() Config {
	c.Symbols = append([]string(nil), c.Symbols...)
	return c
}

// Settings tune the pipeline loops. They are shared by all groups of a source.
type Settings struct {
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	Lookback        time.Duration `mapstructure:"lookback"`
	Overlap         time.Duration `mapstructure:"overlap"`
	MaxQueue        int           `mapstructure:"max_queue"`
	RetryAttempts   int           `mapstructure:"retry_attempts"`
	RetryDelay      time.Duration `mapstructure:"retry_delay"`
	ProcessedCap    int           `mapstructure:"processed_cap"`
	StopTimeout     time.Duration `mapstructure:"stop_timeout"`
	BreakerFailures uint32        `mapstructure:"breaker_failures"`
	BreakerTimeout  time.Duration `mapstructure:"breaker_timeout"`
}

func DefaultSettings() Settings {
	return Settings{
		PollInterval:    time.Second,
		Lookback:        time.Hour,
		Overlap:         5 * time.Minute,
		MaxQueue:        100,
		RetryAttempts:   3,
		RetryDelay:      time.Second,
		ProcessedCap:    10000,
		StopTimeout:     5 * time.Second,
		BreakerFailures: 5,
		BreakerTimeout:  30 * time.Second,
	}
}

// withDefaults fills zero fields so a partially specified Settings works.
func (s Settings) withDefaults() Settings {
	d := DefaultSettings()
	if s.PollInterval <= 0 {
		s.PollInterval = d.PollInterval
	}
	if s.Lookback <= 0 {
		s.Lookback = d.Lookback
	}
	if s.Overlap < 0 {
		s.Overlap = 0
	}
	if s.MaxQueue <= 0 {
		s.MaxQueue = d.MaxQueue
	}
	if s.RetryAttempts <= 0 {
		s.RetryAttempts = 1
	}
	if s.RetryDelay < 0 {
		s.RetryDelay = 0
	}
	if s.ProcessedCap <= 0 {
		s.ProcessedCap = d.ProcessedCap
	}
	if s.StopTimeout <= 0 {
		s.StopTimeout = d.StopTimeout
	}
	if s.BreakerFailures == 0 {
		s.BreakerFailures = d.BreakerFailures
	}
	if s.BreakerTimeout <= 0 {
		s.BreakerTimeout = d.BreakerTimeout
	}
	return s
}
