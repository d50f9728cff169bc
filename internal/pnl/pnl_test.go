package pnl

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/autobotela-sys/saas-copy-trading/internal/gateway"
	"github.com/autobotela-sys/saas-copy-trading/internal/model"
	"github.com/autobotela-sys/saas-copy-trading/internal/store"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// --- Compute ---

func TestCompute_Buy(t *testing.T) {
	pnl, pct := Compute(model.SideBuy, d("100"), d("110"), 65)
	if !pnl.Equal(d("650")) || !pct.Equal(d("10")) {
		t.Errorf("got %s (%s%%)", pnl, pct)
	}
}

func TestCompute_Sell(t *testing.T) {
	pnl, pct := Compute(model.SideSell, d("100"), d("110"), 65)
	if !pnl.Equal(d("-650")) || !pct.Equal(d("-10")) {
		t.Errorf("got %s (%s%%)", pnl, pct)
	}
}

func TestCompute_ZeroCost(t *testing.T) {
	pnl, pct := Compute(model.SideBuy, d("0"), d("5"), 10)
	if !pnl.Equal(d("50")) {
		t.Errorf("pnl = %s", pnl)
	}
	if !pct.IsZero() {
		t.Errorf("pct = %s, want 0", pct)
	}
	if _, pct := Compute(model.SideBuy, d("5"), d("5"), 0); !pct.IsZero() {
		t.Errorf("zero quantity pct = %s", pct)
	}
}

func TestCompute_PercentRounding(t *testing.T) {
	_, pct := Compute(model.SideBuy, d("3"), d("4"), 1)
	if !pct.Equal(d("33.33")) {
		t.Errorf("pct = %s, want 33.33", pct)
	}
}

// --- AggregateUser ---

// memBook is a PositionBook over the memory store.
type memBook struct {
	st  *store.MemoryStore
	now time.Time
}

func (b *memBook) ListPositions(ctx context.Context, userID string, status model.PositionStatus) ([]model.Position, error) {
	return b.st.ListPositions(ctx, userID, status)
}

func (b *memBook) MarkToMarket(ctx context.Context, id string, price decimal.Decimal) (*model.Position, error) {
	p, err := b.st.GetPosition(ctx, id)
	if err != nil {
		return nil, err
	}
	value, pct := ForPosition(p, price)
	p.CurrentPrice = decimal.NewNullDecimal(price)
	p.PnL = decimal.NewNullDecimal(value)
	p.PnLPercentage = decimal.NewNullDecimal(pct)
	p.UpdatedAt = b.now
	return p, b.st.UpdatePosition(ctx, p)
}

type fakeQuotes struct {
	prices map[string]decimal.Decimal
}

func (f *fakeQuotes) Variant() model.BrokerVariant { return model.VariantDhan }

func (f *fakeQuotes) PlaceOrder(context.Context, gateway.Credential, gateway.OrderRequest) (string, error) {
	return "", nil
}

func (f *fakeQuotes) LastTradedPrice(_ context.Context, _ gateway.Credential, sym, _ string) (decimal.Decimal, bool) {
	p, ok := f.prices[sym]
	return p, ok
}

func (f *fakeQuotes) OpenPositions(context.Context, gateway.Credential) ([]gateway.BrokerPosition, error) {
	return nil, nil
}

func (f *fakeQuotes) RenewCredential(context.Context, gateway.Credential) (gateway.Renewal, error) {
	return gateway.Renewal{}, gateway.ErrNotSupported
}

func TestAggregateUser(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 21, 11, 0, 0, 0, time.Local)
	st := store.NewMemoryStore()
	st.UpsertAccount(ctx, &model.BrokerAccount{ID: "a1", UserID: "u1", Variant: model.VariantDhan, Status: model.AccountActive})

	st.CreatePosition(ctx, &model.Position{
		ID: "nifty", UserID: "u1", AccountID: "a1",
		Contract: model.ContractKey{Symbol: "NIFTY", Expiry: "24JAN26", Strike: d("22000"), Right: model.RightCall},
		Side: model.SideBuy, Quantity: 65, EntryPrice: d("100"), Status: model.PositionOpen,
		PnL: decimal.NewNullDecimal(decimal.Zero), UpdatedAt: now.Add(-48 * time.Hour),
	})
	// No quote for SENSEX: the stored P&L of 100 is used.
	st.CreatePosition(ctx, &model.Position{
		ID: "sensex", UserID: "u1", AccountID: "a1",
		Contract: model.ContractKey{Symbol: "SENSEX", Expiry: "30JAN26", Strike: d("72000"), Right: model.RightPut},
		Side: model.SideSell, Quantity: 20, EntryPrice: d("50"), Status: model.PositionOpen,
		PnL: decimal.NewNullDecimal(d("100")), UpdatedAt: now.Add(-48 * time.Hour),
	})

	quotes := &fakeQuotes{prices: map[string]decimal.Decimal{"NIFTY24JAN2622000CE": d("110")}}
	agg := NewAggregator(&memBook{st: st, now: now}, st, gateway.NewRegistry(quotes))
	agg.now = func() time.Time { return now }

	sum, err := agg.AggregateUser(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if sum.OpenPositions != 2 {
		t.Errorf("open positions = %d", sum.OpenPositions)
	}
	if !sum.TotalPnL.Equal(d("750")) {
		t.Errorf("total = %s, want 750", sum.TotalPnL)
	}
	// Only the re-marked NIFTY position was updated today.
	if !sum.TodayPnL.Equal(d("650")) {
		t.Errorf("today = %s, want 650", sum.TodayPnL)
	}

	stored, _ := st.GetPosition(ctx, "nifty")
	if !stored.CurrentPrice.Decimal.Equal(d("110")) {
		t.Errorf("quote not persisted: %+v", stored.CurrentPrice)
	}
}

func TestAggregateUser_TodayExcludesOlderPositions(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	now := time.Date(2026, 1, 21, 11, 0, 0, 0, time.Local)

	st.CreatePosition(ctx, &model.Position{
		ID: "old", UserID: "u1", AccountID: "missing", Contract: model.ContractKey{Symbol: "NIFTY"},
		Side: model.SideBuy, Quantity: 65, EntryPrice: d("100"), Status: model.PositionOpen,
		PnL: decimal.NewNullDecimal(d("300")), UpdatedAt: now.Add(-24 * time.Hour),
	})
	st.CreatePosition(ctx, &model.Position{
		ID: "new", UserID: "u1", AccountID: "missing", Contract: model.ContractKey{Symbol: "BANKNIFTY"},
		Side: model.SideBuy, Quantity: 30, EntryPrice: d("100"), Status: model.PositionOpen,
		PnL: decimal.NewNullDecimal(d("-50")), UpdatedAt: now.Add(-time.Hour),
	})
	st.CreatePosition(ctx, &model.Position{
		ID: "closed", UserID: "u1", AccountID: "missing", Contract: model.ContractKey{Symbol: "SENSEX"},
		Side: model.SideBuy, Status: model.PositionClosed,
		PnL: decimal.NewNullDecimal(d("1000")), UpdatedAt: now,
	})

	agg := NewAggregator(&memBook{st: st, now: now}, st, gateway.NewRegistry())
	agg.now = func() time.Time { return now }

	sum, err := agg.AggregateUser(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if !sum.TotalPnL.Equal(d("250")) {
		t.Errorf("total = %s, want 250", sum.TotalPnL)
	}
	if !sum.TodayPnL.Equal(d("-50")) {
		t.Errorf("today = %s, want -50", sum.TodayPnL)
	}
}

func TestAggregateUser_NoPositions(t *testing.T) {
	st := store.NewMemoryStore()
	agg := NewAggregator(&memBook{st: st}, st, gateway.NewRegistry())
	sum, err := agg.AggregateUser(context.Background(), "nobody")
	if err != nil {
		t.Fatal(err)
	}
	if !sum.TotalPnL.IsZero() || sum.OpenPositions != 0 {
		t.Errorf("unexpected summary %+v", sum)
	}
}
