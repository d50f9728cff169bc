// Package pnl computes side-aware profit and loss for option positions and
// aggregates it per user with best-effort live prices.
package pnl

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/autobotela-sys/saas-copy-trading/internal/gateway"
	"github.com/autobotela-sys/saas-copy-trading/internal/instrument"
	"github.com/autobotela-sys/saas-copy-trading/internal/model"
)

var hundred = decimal.NewFromInt(100)

// PercentScale is the number of decimal places kept for percentages.
const PercentScale int32 = 2

// Compute returns the P&L of quantity units held on side, entered at entry
// and valued at current, and that P&L as a percentage of the entry cost.
//
//	BUY:  (current - entry) × quantity
//	SELL: (entry - current) × quantity
//
// The percentage is 0 when entry × quantity is 0.
func Compute(side model.Side, entry, current decimal.Decimal, quantity int64) (pnl, pct decimal.Decimal) {
	qty := decimal.NewFromInt(quantity)
	if side == model.SideSell {
		pnl = entry.Sub(current).Mul(qty)
	} else {
		pnl = current.Sub(entry).Mul(qty)
	}
	cost := entry.Mul(qty)
	if cost.IsZero() {
		return pnl, decimal.Zero
	}
	return pnl, pnl.Div(cost).Mul(hundred).Round(PercentScale)
}

// ForPosition is Compute over a position's side, entry price and quantity.
func ForPosition(p *model.Position, current decimal.Decimal) (pnl, pct decimal.Decimal) {
	return Compute(p.Side, p.EntryPrice, current, p.Quantity)
}

// PositionBook is the subset of the position ledger the aggregator needs.
// Prices only reach a position through MarkToMarket.
type PositionBook interface {
	ListPositions(ctx context.Context, userID string, status model.PositionStatus) ([]model.Position, error)
	MarkToMarket(ctx context.Context, positionID string, price decimal.Decimal) (*model.Position, error)
}

// AccountSource resolves the broker account used for quotes.
type AccountSource interface {
	GetAccount(ctx context.Context, id string) (*model.BrokerAccount, error)
}

// GatewaySource resolves a broker variant to its gateway.
type GatewaySource interface {
	Get(variant model.BrokerVariant) (gateway.Gateway, error)
}

// Summary is a user's aggregate P&L.
type Summary struct {
	UserID        string           `json:"user_id"`
	TotalPnL      decimal.Decimal  `json:"total_pnl"`
	TodayPnL      decimal.Decimal  `json:"today_pnl"`
	OpenPositions int              `json:"open_positions"`
	Positions     []model.Position `json:"positions"`
	AsOf          time.Time        `json:"as_of"`
}

// Aggregator sums open-position P&L per user.
type Aggregator struct {
	book     PositionBook
	accounts AccountSource
	gateways GatewaySource
	now      func() time.Time
}

// NewAggregator creates an aggregator.
func NewAggregator(book PositionBook, accounts AccountSource, gateways GatewaySource) *Aggregator {
	return &Aggregator{
		book:     book,
		accounts: accounts,
		gateways: gateways,
		now:      time.Now,
	}
}

// AggregateUser refreshes every open position of userID with a best-effort
// quote and sums the P&L. When no quote is available the position's stored
// P&L is used as is.
//
// TodayPnL only counts positions last updated since local midnight. It is an
// approximation and not a realised/unrealised split for the day.
func (a *Aggregator) AggregateUser(ctx context.Context, userID string) (*Summary, error) {
	positions, err := a.book.ListPositions(ctx, userID, model.PositionOpen)
	if err != nil {
		return nil, err
	}

	now := a.now()
	y, m, d := now.Date()
	midnight := time.Date(y, m, d, 0, 0, 0, 0, now.Location())

	sum := &Summary{
		UserID:        userID,
		TotalPnL:      decimal.Zero,
		TodayPnL:      decimal.Zero,
		OpenPositions: len(positions),
		Positions:     make([]model.Position, 0, len(positions)),
		AsOf:          now,
	}

	for i := range positions {
		p := &positions[i]
		if price, ok := a.quote(ctx, p); ok {
			updated, err := a.book.MarkToMarket(ctx, p.ID, price)
			if err != nil {
				slog.Warn("mark to market failed", "position", p.ID, "user", userID, "err", err)
			} else {
				p = updated
			}
		}

		value := decimal.Zero
		if p.PnL.Valid {
			value = p.PnL.Decimal
		}
		sum.TotalPnL = sum.TotalPnL.Add(value)
		if !p.UpdatedAt.Before(midnight) {
			sum.TodayPnL = sum.TodayPnL.Add(value)
		}
		sum.Positions = append(sum.Positions, *p)
	}
	return sum, nil
}

// quote fetches a last traded price through the position's own account.
func (a *Aggregator) quote(ctx context.Context, p *model.Position) (decimal.Decimal, bool) {
	acct, err := a.accounts.GetAccount(ctx, p.AccountID)
	if err != nil {
		return decimal.Zero, false
	}
	gw, err := a.gateways.Get(acct.Variant)
	if err != nil {
		return decimal.Zero, false
	}
	sym := instrument.TradingSymbol(p.Contract.Symbol, p.Contract.Expiry, p.Contract.Strike, p.Contract.Right)
	return gw.LastTradedPrice(ctx, gateway.CredentialFor(acct), sym, instrument.Venue(p.Contract.Symbol))
}
