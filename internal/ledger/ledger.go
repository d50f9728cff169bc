// Package ledger owns the lifecycle of per-user positions: opening,
// averaging, netting, flipping and closing them, and the P&L stored on them.
// No other component mutates a position.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/autobotela-sys/saas-copy-trading/internal/model"
	"github.com/autobotela-sys/saas-copy-trading/internal/pnl"
	"github.com/autobotela-sys/saas-copy-trading/internal/store"
)

var (
	// ErrNotFound is returned when a position id does not exist.
	ErrNotFound = errors.New("ledger: position not found")

	// ErrAlreadyClosed is returned when closing or marking a closed position.
	ErrAlreadyClosed = errors.New("ledger: position already closed")

	// ErrInvalidFill is returned for non-positive quantities, negative
	// prices or an unknown side.
	ErrInvalidFill = errors.New("ledger: invalid fill")
)

// PriceScale is the number of decimal places kept for averaged entry prices.
const PriceScale int32 = 8

// KeyScope selects which contract fields identify "the same position".
type KeyScope string

const (
	// ScopeSymbol matches open positions on (user, account, symbol) only.
	// Distinct strikes and expiries of one underlying share a position.
	ScopeSymbol KeyScope = "symbol"

	// ScopeContract also matches expiry, strike and right.
	ScopeContract KeyScope = "contract"
)

// Ledger applies fills to positions. Writes for one (user, account,
// contract key) are serialised in-process.
type Ledger struct {
	store store.Store
	scope KeyScope
	locks *keyLocks
	now   func() time.Time
}

// New creates a ledger over st. An unknown scope falls back to ScopeSymbol.
func New(st store.Store, scope KeyScope) *Ledger {
	if scope != ScopeContract {
		scope = ScopeSymbol
	}
	return &Ledger{
		store: st,
		scope: scope,
		locks: newKeyLocks(),
		now:   time.Now,
	}
}

// Scope returns the configured key scope.
func (l *Ledger) Scope() KeyScope { return l.scope }

// ApplyEntryFill folds an entry fill into the open position for
// (user, account, key). With no open position one is created. A same-side
// fill averages in. An opposite-side fill nets against the position: a
// smaller fill reduces it, an equal one closes it, a larger one flips the
// side and leaves the excess open at the fill price.
func (l *Ledger) ApplyEntryFill(ctx context.Context, userID, accountID string, key model.ContractKey, side model.Side, quantity int64, price decimal.Decimal) (*model.Position, error) {
	if quantity <= 0 || price.IsNegative() || !side.Valid() {
		return nil, fmt.Errorf("%w: side=%s qty=%d price=%s", ErrInvalidFill, side, quantity, price)
	}
	key = normalizeKey(key)

	unlock := l.locks.lock(l.lockKey(userID, accountID, key))
	defer unlock()

	now := l.now()
	pos, err := l.store.FindOpenPosition(ctx, userID, accountID, key, l.scope == ScopeContract)
	if errors.Is(err, store.ErrNotFound) {
		pos = &model.Position{
			ID:            uuid.NewString(),
			UserID:        userID,
			AccountID:     accountID,
			Contract:      key,
			Side:          side,
			Quantity:      quantity,
			EntryPrice:    price,
			CurrentPrice:  decimal.NewNullDecimal(price),
			PnL:           decimal.NewNullDecimal(decimal.Zero),
			PnLPercentage: decimal.NewNullDecimal(decimal.Zero),
			Status:        model.PositionOpen,
			UpdatedAt:     now,
		}
		if err := l.store.CreatePosition(ctx, pos); err != nil {
			return nil, fmt.Errorf("create position: %w", err)
		}
		return pos, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find open position: %w", err)
	}

	switch {
	case pos.Side == side:
		oldQty := decimal.NewFromInt(pos.Quantity)
		fillQty := decimal.NewFromInt(quantity)
		total := pos.Quantity + quantity
		pos.EntryPrice = pos.EntryPrice.Mul(oldQty).Add(price.Mul(fillQty)).
			DivRound(decimal.NewFromInt(total), PriceScale)
		pos.Quantity = total
		mark(pos, price, total)

	case quantity < pos.Quantity:
		// Netted units are realised at the fill price; the average of the
		// remainder is unchanged.
		mark(pos, price, quantity)
		pos.Quantity -= quantity

	case quantity == pos.Quantity:
		mark(pos, price, quantity)
		pos.Quantity = 0
		pos.Status = model.PositionClosed

	default:
		pos.Side = side
		pos.Quantity = quantity - pos.Quantity
		pos.EntryPrice = price
		pos.Contract = key
		mark(pos, price, pos.Quantity)
	}
	pos.UpdatedAt = now

	if err := l.store.UpdatePosition(ctx, pos); err != nil {
		return nil, fmt.Errorf("update position: %w", err)
	}
	return pos, nil
}

// ClosePosition exits exitQuantity units at exitPrice. A non-positive
// exitQuantity, or one at least the remaining quantity, closes the position
// fully. The P&L of the units exited in this call overwrites the stored P&L.
func (l *Ledger) ClosePosition(ctx context.Context, positionID string, exitPrice decimal.Decimal, exitQuantity int64) (*model.Position, error) {
	if exitPrice.IsNegative() {
		return nil, fmt.Errorf("%w: price=%s", ErrInvalidFill, exitPrice)
	}
	pos, err := l.get(ctx, positionID)
	if err != nil {
		return nil, err
	}

	unlock := l.locks.lock(l.lockKey(pos.UserID, pos.AccountID, pos.Contract))
	defer unlock()

	// Re-read under the lock.
	pos, err = l.get(ctx, positionID)
	if err != nil {
		return nil, err
	}
	if pos.Status == model.PositionClosed {
		return nil, fmt.Errorf("position %s: %w", positionID, ErrAlreadyClosed)
	}

	qty := exitQuantity
	if qty <= 0 || qty >= pos.Quantity {
		qty = pos.Quantity
	}
	mark(pos, exitPrice, qty)
	pos.Quantity -= qty
	if pos.Quantity == 0 {
		pos.Status = model.PositionClosed
	}
	pos.UpdatedAt = l.now()

	if err := l.store.UpdatePosition(ctx, pos); err != nil {
		return nil, fmt.Errorf("update position: %w", err)
	}
	return pos, nil
}

// MarkToMarket revalues an open position at price.
func (l *Ledger) MarkToMarket(ctx context.Context, positionID string, price decimal.Decimal) (*model.Position, error) {
	pos, err := l.get(ctx, positionID)
	if err != nil {
		return nil, err
	}

	unlock := l.locks.lock(l.lockKey(pos.UserID, pos.AccountID, pos.Contract))
	defer unlock()

	pos, err = l.get(ctx, positionID)
	if err != nil {
		return nil, err
	}
	if pos.Status == model.PositionClosed {
		return nil, fmt.Errorf("position %s: %w", positionID, ErrAlreadyClosed)
	}
	mark(pos, price, pos.Quantity)
	pos.UpdatedAt = l.now()

	if err := l.store.UpdatePosition(ctx, pos); err != nil {
		return nil, fmt.Errorf("update position: %w", err)
	}
	return pos, nil
}

// FindOpen returns the open position an exit for key would close. Exits
// always match the full contract (symbol, expiry, strike and right) whatever
// the ledger scope, so one leg never closes another.
func (l *Ledger) FindOpen(ctx context.Context, userID, accountID string, key model.ContractKey) (*model.Position, error) {
	pos, err := l.store.FindOpenPosition(ctx, userID, accountID, normalizeKey(key), true)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("open %s position for %s: %w", key.Symbol, userID, ErrNotFound)
	}
	return pos, err
}

// GetPosition returns a position by id.
func (l *Ledger) GetPosition(ctx context.Context, positionID string) (*model.Position, error) {
	return l.get(ctx, positionID)
}

// ListPositions returns a user's positions. An empty status lists all.
func (l *Ledger) ListPositions(ctx context.Context, userID string, status model.PositionStatus) ([]model.Position, error) {
	return l.store.ListPositions(ctx, userID, status)
}

func (l *Ledger) get(ctx context.Context, positionID string) (*model.Position, error) {
	pos, err := l.store.GetPosition(ctx, positionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("position %s: %w", positionID, ErrNotFound)
	}
	return pos, err
}

// lockKey is the serialisation key for a position under the ledger scope.
func (l *Ledger) lockKey(userID, accountID string, key model.ContractKey) string {
	k := userID + "|" + accountID + "|" + key.Symbol
	if l.scope == ScopeContract {
		k += "|" + key.Expiry + "|" + key.Strike.String() + "|" + string(key.Right)
	}
	return k
}

// mark sets the current price and the P&L of qty units at price.
func mark(pos *model.Position, price decimal.Decimal, qty int64) {
	value, pct := pnl.Compute(pos.Side, pos.EntryPrice, price, qty)
	pos.CurrentPrice = decimal.NewNullDecimal(price)
	pos.PnL = decimal.NewNullDecimal(value)
	pos.PnLPercentage = decimal.NewNullDecimal(pct)
}

func normalizeKey(k model.ContractKey) model.ContractKey {
	k.Symbol = strings.ToUpper(strings.TrimSpace(k.Symbol))
	k.Expiry = strings.ToUpper(strings.TrimSpace(k.Expiry))
	return k
}
