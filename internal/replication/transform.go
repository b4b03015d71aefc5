package replication

import (
	"copybot/internal/models"
	"fmt"
	"slices"
	"strings"

	"github.com/google/uuid"
)

const commentPrefix = "REP"

// Transform maps a source fill onto the order a target should receive.
// The second result is false with a reason when the order is filtered out.
//
// Steps run in a fixed order: symbol allow-list, volume clamp, multiplier,
// side, protective levels.
func Transform(src models.TradeRecord, cfg Config) (models.OrderRequest, string, bool) {
	if len(cfg.Symbols) > 0 && !slices.Contains(cfg.Symbols, src.Symbol) {
		return models.OrderRequest{}, "symbol not in allow-list", false
	}

	volume := src.Volume
	if cfg.MinVolume > 0 && volume < cfg.MinVolume {
		volume = cfg.MinVolume
	}
	if cfg.MaxVolume > 0 && volume > cfg.MaxVolume {
		volume = cfg.MaxVolume
	}
	if cfg.VolumeMultiplier > 0 {
		volume *= cfg.VolumeMultiplier
	}
	if volume <= 0 {
		return models.OrderRequest{}, "zero volume", false
	}

	side := src.Side
	sl, tp := src.StopLoss, src.TakeProfit
	if cfg.Reverse {
		side = side.Opposite()
	}

	if !cfg.IncludeLevels {
		sl, tp = 0, 0
	} else if p := cfg.LevelAdjustPercent; p != 0 {
		if sl != 0 {
			sl *= 1 - side.Sign()*p/100
		}
		if tp != 0 {
			tp *= 1 + side.Sign()*p/100
		}
	}

	return models.OrderRequest{
		Symbol:     src.Symbol,
		Side:       side,
		Volume:     volume,
		StopLoss:   sl,
		TakeProfit: tp,
		Comment:    Comment(src.Ticket, src.Comment),
	}, "", true
}

// Comment tags a replicated order with its source ticket.
func Comment(ticket int64, comment string) string {
	return fmt.Sprintf("%s:%d:%s", commentPrefix, ticket, comment)
}

// SourceTicket extracts the source ticket from a replicated order comment.
func SourceTicket(comment string) (int64, bool) {
	parts := strings.SplitN(comment, ":", 3)
	if len(parts) < 2 || parts[0] != commentPrefix {
		return 0, false
	}
	var ticket int64
	if _, err := fmt.Sscan(parts[1], &ticket); err != nil {
		return 0, false
	}
	return ticket, true
}

func newLinkID() string {
	raw := strings.ReplaceAll(uuid.New().String(), "-", "")
	if len(raw) > 12 {
		return raw[:12]
	}
	return raw
}
