package bridge

import (
	"context"
	"copybot/internal/models"
	"fmt"
	"time"
)

func (c *Client) AccountInfo(ctx context.Context) (models.AccountState, error) {
	var out models.AccountState
	err := c.call(ctx, methodAccountInfo, nil, &out)
	return out, err
}

func (c *Client) OpenPositions(ctx context.Context) ([]models.Position, error) {
	var out []models.Position
	err := c.call(ctx, methodPositions, nil, &out)
	return out, err
}

func (c *Client) SymbolInfo(ctx context.Context, symbol string) (models.SymbolInfo, error) {
	var out models.SymbolInfo
	if err := c.call(ctx, methodSymbolInfo, symbolParams{Symbol: symbol}, &out); err != nil {
		return out, err
	}
	if out.Point == 0 {
		return out, models.NewConfigError("symbol "+symbol, models.ErrUnknownSymbol)
	}
	if out.Name == "" {
		out.Name = symbol
	}
	return out, nil
}

func (c *Client) HistoricalOrders(ctx context.Context, from, to time.Time) ([]models.TradeRecord, error) {
	var out []models.TradeRecord
	err := c.call(ctx, methodHistoryOrders, historyParams{From: from.Unix(), To: to.Unix()}, &out)
	return out, err
}

func (c *Client) DailyBars(ctx context.Context, symbol string, count int) ([]models.Bar, error) {
	var out []models.Bar
	err := c.call(ctx, methodRates, ratesParams{Symbol: symbol, Count: count}, &out)
	return out, err
}

func (c *Client) ExecuteOrder(ctx context.Context, req models.OrderRequest) (models.ExecResult, error) {
	var out models.ExecResult
	if err := c.call(ctx, methodOrderSend, req, &out); err != nil {
		return out, err
	}
	if !out.Success {
		return out, fmt.Errorf("order %s %s %.2f rejected by bridge", req.Side, req.Symbol, req.Volume)
	}
	return out, nil
}

func (c *Client) ModifyPosition(ctx context.Context, ticket int64, stopLoss, takeProfit float64) error {
	return c.call(ctx, methodPositionModify, modifyParams{Ticket: ticket, SL: stopLoss, TP: takeProfit}, nil)
}

func (c *Client) ClosePosition(ctx context.Context, ticket int64, volume float64) error {
	return c.call(ctx, methodPositionClose, closeParams{Ticket: ticket, Volume: volume}, nil)
}
