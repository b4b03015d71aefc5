package models

import (
	"fmt"
	"math"
	"strings"
	"time"
)

type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

func ParseSide(side string) (OrderSide, error) {
	switch strings.ToUpper(strings.TrimSpace(side)) {
	case "BUY", "LONG":
		return OrderSideBuy, nil
	case "SELL", "SHORT":
		return OrderSideSell, nil
	default:
		return "", fmt.Errorf("invalid side: %q", side)
	}
}

func (s OrderSide) Opposite() OrderSide {
	if s == OrderSideBuy {
		return OrderSideSell
	}
	return OrderSideBuy
}

// Sign is +1 for buys and -1 for sells; price offsets in the trade's favour
// are entry + Sign()*distance.
func (s OrderSide) Sign() float64 {
	if s == OrderSideSell {
		return -1
	}
	return 1
}

// AccountState is a point-in-time snapshot; it is replaced wholesale on refresh.
type AccountState struct {
	Login       string  `json:"login"`
	Server      string  `json:"server"`
	Currency    string  `json:"currency"`
	Leverage    int     `json:"leverage"`
	Balance     float64 `json:"balance"`
	Equity      float64 `json:"equity"`
	Margin      float64 `json:"margin"`
	FreeMargin  float64 `json:"free_margin"`
	MarginLevel float64 `json:"margin_level"`
	Profit      float64 `json:"profit"`
}

func (a AccountState) DrawdownPercent() float64 {
	if a.Balance <= 0 {
		return 0
	}
	return math.Max(0, 1-a.Equity/a.Balance) * 100
}

type Position struct {
	Ticket       int64     `json:"ticket"`
	Symbol       string    `json:"symbol"`
	Side         OrderSide `json:"side"`
	Volume       float64   `json:"volume"`
	OpenPrice    float64   `json:"open_price"`
	CurrentPrice float64   `json:"current_price"`
	StopLoss     float64   `json:"sl"`
	TakeProfit   float64   `json:"tp"`
	Profit       float64   `json:"profit"`
	Swap         float64   `json:"swap"`
	OpenTime     time.Time `json:"open_time"`
	Comment      string    `json:"comment"`
}

// TradeRecord is a filled order or a closed deal from account history.
// CloseTime is zero for fills that have not closed a position.
type TradeRecord struct {
	Ticket     int64     `json:"ticket"`
	Symbol     string    `json:"symbol"`
	Side       OrderSide `json:"side"`
	Volume     float64   `json:"volume"`
	OpenPrice  float64   `json:"open_price"`
	ClosePrice float64   `json:"close_price"`
	OpenTime   time.Time `json:"open_time"`
	CloseTime  time.Time `json:"close_time"`
	StopLoss   float64   `json:"sl"`
	TakeProfit float64   `json:"tp"`
	Profit     float64   `json:"profit"`
	Commission float64   `json:"commission"`
	Swap       float64   `json:"swap"`
	Comment    string    `json:"comment"`
}

func (t TradeRecord) Closed() bool {
	return !t.CloseTime.IsZero()
}

func (t TradeRecord) NetProfit() float64 {
	return t.Profit + t.Commission + t.Swap
}

type SymbolInfo struct {
	Name         string  `json:"name"`
	MinVolume    float64 `json:"min_volume"`
	MaxVolume    float64 `json:"max_volume"`
	VolumeStep   float64 `json:"volume_step"`
	Digits       int     `json:"digits"`
	Point        float64 `json:"point"`
	TickValue    float64 `json:"tick_value"`
	PipValue     float64 `json:"pip_value"`
	ContractSize float64 `json:"contract_size"`
	Bid          float64 `json:"bid"`
	Ask          float64 `json:"ask"`
}

// PipSize is the price distance of one pip (ten points).
func (s SymbolInfo) PipSize() float64 {
	return 10 * s.Point
}

// PipWorth returns the account-currency value of one pip for one lot.
func (s SymbolInfo) PipWorth() float64 {
	if s.PipValue > 0 {
		return s.PipValue
	}
	return s.TickValue * math.Pow(10, float64(s.Digits-4))
}

// EntryPrice is the price a market order on side would fill at.
func (s SymbolInfo) EntryPrice(side OrderSide) float64 {
	if side == OrderSideSell {
		return s.Bid
	}
	return s.Ask
}

func (s SymbolInfo) ToPips(distance float64) float64 {
	if s.Point <= 0 {
		return 0
	}
	return distance / s.PipSize()
}

type Bar struct {
	Time  time.Time `json:"time"`
	Open  float64   `json:"open"`
	High  float64   `json:"high"`
	Low   float64   `json:"low"`
	Close float64   `json:"close"`
}

type OrderRequest struct {
	Symbol     string    `json:"symbol"`
	Side       OrderSide `json:"side"`
	Volume     float64   `json:"volume"`
	StopLoss   float64   `json:"sl"`
	TakeProfit float64   `json:"tp"`
	Comment    string    `json:"comment"`
	LinkID     string    `json:"link_id,omitempty"`
}

type ExecResult struct {
	Success     bool    `json:"success"`
	OrderID     int64   `json:"order_id"`
	FilledPrice float64 `json:"filled_price"`
}
