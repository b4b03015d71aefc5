package risk

import (
	"copybot/internal/models"
	"time"
)

type Period int

const (
	PeriodDay Period = iota
	PeriodWeek
	PeriodMonth
)

func (p Period) String() string {
	switch p {
	case PeriodDay:
		return "day"
	case PeriodWeek:
		return "week"
	case PeriodMonth:
		return "month"
	default:
		return "unknown"
	}
}

type Stats struct {
	TradeCount     int     `json:"trade_count"`
	Wins           int     `json:"wins"`
	Losses         int     `json:"losses"`
	WinRatePercent float64 `json:"win_rate_percent"`
	NetProfit      float64 `json:"net_profit"`
}

// LossPercent is the net loss as a percentage of balance, zero when the
// period is flat or profitable.
func (s Stats) LossPercent(balance float64) float64 {
	if s.NetProfit >= 0 || balance <= 0 {
		return 0
	}
	return -s.NetProfit / balance * 100
}

// SamePeriod reports whether a and b fall in the same UTC day, ISO week or month.
func SamePeriod(p Period, a, b time.Time) bool {
	a, b = a.UTC(), b.UTC()
	switch p {
	case PeriodDay:
		return a.Year() == b.Year() && a.YearDay() == b.YearDay()
	case PeriodWeek:
		ay, aw := a.ISOWeek()
		by, bw := b.ISOWeek()
		return ay == by && aw == bw
	case PeriodMonth:
		return a.Year() == b.Year() && a.Month() == b.Month()
	default:
		return false
	}
}

func ComputeStats(trades []models.TradeRecord, p Period, at time.Time) Stats {
	var s Stats
	for _, t := range trades {
		if !t.Closed() || !SamePeriod(p, t.CloseTime, at) {
			continue
		}
		net := t.NetProfit()
		s.TradeCount++
		s.NetProfit += net
		switch {
		case net > 0:
			s.Wins++
		case net < 0:
			s.Losses++
		}
	}
	if s.TradeCount > 0 {
		s.WinRatePercent = float64(s.Wins) / float64(s.TradeCount) * 100
	}
	return s
}
