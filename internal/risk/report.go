package risk

import (
	"copybot/internal/models"
	"time"
)

type Report struct {
	Account      models.AccountState `json:"account"`
	Positions    int                 `json:"positions"`
	Limits       LimitsState         `json:"risk_limits"`
	Allowed      bool                `json:"allowed"`
	Today        Stats               `json:"daily_stats"`
	Week         Stats               `json:"weekly_stats"`
	Month        Stats               `json:"monthly_stats"`
	RecoveryMode bool                `json:"recovery_mode"`
	Timestamp    time.Time           `json:"timestamp"`
}

func NewReport(snap Snapshot, limits LimitsState, allowed, recovery bool) Report {
	return Report{
		Account:      snap.Account,
		Positions:    len(snap.Positions),
		Limits:       limits,
		Allowed:      allowed,
		Today:        snap.Day,
		Week:         snap.Week,
		Month:        snap.Month,
		RecoveryMode: recovery,
		Timestamp:    snap.At,
	}
}
