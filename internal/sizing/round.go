package sizing

import (
	"copybot/internal/models"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

type Rounding string

const (
	RoundDown    Rounding = "down"
	RoundUp      Rounding = "up"
	RoundNearest Rounding = "nearest"
)

func ParseRounding(s string) (Rounding, error) {
	switch Rounding(strings.ToLower(strings.TrimSpace(s))) {
	case RoundDown, "":
		return RoundDown, nil
	case RoundUp:
		return RoundUp, nil
	case RoundNearest:
		return RoundNearest, nil
	default:
		return "", fmt.Errorf("unknown rounding %q", s)
	}
}

// RoundToStep rounds v to a multiple of step.
func RoundToStep(v, step float64, mode Rounding) float64 {
	if step <= 0 {
		return v
	}
	st := decimal.NewFromFloat(step)
	// drop float noise such as 9.999999999999998 before taking floor/ceil
	q := decimal.NewFromFloat(v).Div(st).Round(8)
	switch mode {
	case RoundUp:
		q = q.Ceil()
	case RoundNearest:
		q = q.Round(0)
	default:
		q = q.Floor()
	}
	return q.Mul(st).InexactFloat64()
}

// Normalize clamps v to the symbol volume range, applies scale and rounds to
// the volume step. The result always lies inside [MinVolume, MaxVolume].
func Normalize(v float64, info models.SymbolInfo, scale float64, mode Rounding) float64 {
	v = clamp(v, info.MinVolume, info.MaxVolume)
	if scale >= 0 && scale != 1 {
		v *= scale
	}
	v = RoundToStep(v, info.VolumeStep, mode)

	if v < info.MinVolume {
		v = RoundToStep(info.MinVolume, info.VolumeStep, RoundUp)
	}
	if info.MaxVolume > 0 && v > info.MaxVolume {
		v = RoundToStep(info.MaxVolume, info.VolumeStep, RoundDown)
	}
	return v
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		v = lo
	}
	if hi > 0 && v > hi {
		v = hi
	}
	return v
}
