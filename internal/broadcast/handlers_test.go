package broadcast_test

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/autobotela-sys/saas-copy-trading/internal/broadcast"
	"github.com/autobotela-sys/saas-copy-trading/internal/model"
	"github.com/autobotela-sys/saas-copy-trading/internal/pnl"
)

func niftyKey() model.ContractKey {
	return model.ContractKey{Symbol: "NIFTY", Expiry: "24JAN26", Strike: d("22000"), Right: model.RightCall}
}

// seedPosition opens a position for userID through the ledger.
func seedPosition(t *testing.T, env *testEnv, userID string, side model.Side, qty int64, price string) *model.Position {
	t.Helper()
	pos, err := env.ledger.ApplyEntryFill(context.Background(), userID, "acct-"+userID, niftyKey(), side, qty, d(price))
	if err != nil {
		t.Fatalf("seed position: %v", err)
	}
	return pos
}

func TestClosePosition_Partial(t *testing.T) {
	env := newTestEnv(t)
	seedUser(t, env.ms, "u1", 1, model.VariantKite, tomorrow())
	pos := seedPosition(t, env, "u1", model.SideBuy, 100, "50")
	userTok := token(t, "u1", model.RoleUser)

	w := do(t, env.router, "POST", "/api/v1/positions/"+pos.ID+"/close", userTok,
		broadcast.ClosePositionRequest{ExitPrice: d("60"), ExitQuantity: 40})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp broadcast.ClosePositionResponse
	json.NewDecoder(w.Body).Decode(&resp)
	if resp.Status != "PARTIAL" || resp.RemainingQuantity != 60 {
		t.Errorf("resp = %+v, want PARTIAL with 60 remaining", resp)
	}
	if !resp.PnL.Equal(d("400")) {
		t.Errorf("pnl = %s, want 400", resp.PnL)
	}

	// Closing the rest.
	w = do(t, env.router, "POST", "/api/v1/positions/"+pos.ID+"/close", userTok,
		broadcast.ClosePositionRequest{ExitPrice: d("55")})
	json.NewDecoder(w.Body).Decode(&resp)
	if resp.Status != "CLOSED" || resp.RemainingQuantity != 0 {
		t.Errorf("resp = %+v, want CLOSED", resp)
	}

	w = do(t, env.router, "POST", "/api/v1/positions/"+pos.ID+"/close", userTok,
		broadcast.ClosePositionRequest{ExitPrice: d("55")})
	if w.Code != http.StatusConflict {
		t.Errorf("closing twice: expected 409, got %d", w.Code)
	}
}

func TestClosePosition_OtherUsersPositionNotFound(t *testing.T) {
	env := newTestEnv(t)
	seedUser(t, env.ms, "u1", 1, model.VariantKite, tomorrow())
	pos := seedPosition(t, env, "u1", model.SideBuy, 65, "100")

	w := do(t, env.router, "POST", "/api/v1/positions/"+pos.ID+"/close", token(t, "u2", model.RoleUser),
		broadcast.ClosePositionRequest{ExitPrice: d("110")})
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}

	// Admins may close any position.
	w = do(t, env.router, "POST", "/api/v1/positions/"+pos.ID+"/close", env.admin,
		broadcast.ClosePositionRequest{ExitPrice: d("110")})
	if w.Code != http.StatusOK {
		t.Errorf("admin: expected 200, got %d", w.Code)
	}
}

func TestClosePosition_Validation(t *testing.T) {
	env := newTestEnv(t)
	seedUser(t, env.ms, "u1", 1, model.VariantKite, tomorrow())
	pos := seedPosition(t, env, "u1", model.SideBuy, 65, "100")

	tests := []broadcast.ClosePositionRequest{
		{ExitPrice: decimal.Zero},
		{ExitPrice: d("100"), ExitQuantity: -1},
	}
	for _, req := range tests {
		w := do(t, env.router, "POST", "/api/v1/positions/"+pos.ID+"/close", env.admin, req)
		if w.Code != http.StatusBadRequest {
			t.Errorf("%+v: expected 400, got %d", req, w.Code)
		}
	}
}

func TestListPositions(t *testing.T) {
	env := newTestEnv(t)
	seedUser(t, env.ms, "u1", 1, model.VariantKite, tomorrow())
	pos := seedPosition(t, env, "u1", model.SideBuy, 65, "100")
	env.ledger.ClosePosition(context.Background(), pos.ID, d("110"), 0)
	seedPosition(t, env, "u1", model.SideSell, 65, "90")

	userTok := token(t, "u1", model.RoleUser)
	cases := map[string]int{"": 2, "open": 1, "CLOSED": 1}
	for status, want := range cases {
		w := do(t, env.router, "GET", "/api/v1/users/u1/positions?status="+status, userTok, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("status=%q: expected 200, got %d", status, w.Code)
		}
		var resp struct {
			Positions []model.Position `json:"positions"`
		}
		json.NewDecoder(w.Body).Decode(&resp)
		if len(resp.Positions) != want {
			t.Errorf("status=%q: %d positions, want %d", status, len(resp.Positions), want)
		}
	}

	if w := do(t, env.router, "GET", "/api/v1/users/u1/positions?status=pending", userTok, nil); w.Code != http.StatusBadRequest {
		t.Errorf("bad status: expected 400, got %d", w.Code)
	}
	if w := do(t, env.router, "GET", "/api/v1/users/u1/positions", token(t, "u2", model.RoleUser), nil); w.Code != http.StatusForbidden {
		t.Errorf("other user: expected 403, got %d", w.Code)
	}
}

func TestGetPnL_MarksOpenPositions(t *testing.T) {
	env := newTestEnv(t)
	seedUser(t, env.ms, "u1", 1, model.VariantKite, tomorrow())
	seedPosition(t, env, "u1", model.SideBuy, 65, "90")
	env.kite.ltp = d("100")

	w := do(t, env.router, "GET", "/api/v1/users/u1/pnl", token(t, "u1", model.RoleUser), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var sum pnl.Summary
	json.NewDecoder(w.Body).Decode(&sum)
	if sum.OpenPositions != 1 {
		t.Errorf("open positions = %d, want 1", sum.OpenPositions)
	}
	if !sum.TotalPnL.Equal(d("650")) {
		t.Errorf("total pnl = %s, want 650", sum.TotalPnL)
	}
	if !sum.TodayPnL.Equal(d("650")) {
		t.Errorf("today pnl = %s, want 650", sum.TodayPnL)
	}
}

func TestGetBrokerPositions(t *testing.T) {
	env := newTestEnv(t)
	seedUser(t, env.ms, "u1", 1, model.VariantKite, tomorrow())
	seedUser(t, env.ms, "u2", 1, model.VariantKite, time.Now().Add(-time.Minute))

	w := do(t, env.router, "GET", "/api/v1/users/u1/broker-positions", token(t, "u1", model.RoleUser), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Positions []broadcast.BrokerPositionView `json:"positions"`
	}
	json.NewDecoder(w.Body).Decode(&resp)
	if len(resp.Positions) != 2 {
		t.Fatalf("positions = %d, want 2", len(resp.Positions))
	}
	c := resp.Positions[0].Contract
	if c == nil || c.Symbol != "NIFTY" || c.Expiry != "24JAN26" || !c.Strike.Equal(d("22000")) {
		t.Errorf("parsed contract = %+v", c)
	}
	if resp.Positions[1].Contract != nil {
		t.Errorf("equity symbol parsed as option: %+v", resp.Positions[1].Contract)
	}

	if w := do(t, env.router, "GET", "/api/v1/users/u2/broker-positions", env.admin, nil); w.Code != http.StatusConflict {
		t.Errorf("expired token: expected 409, got %d", w.Code)
	}
	if w := do(t, env.router, "GET", "/api/v1/users/nobody/broker-positions", env.admin, nil); w.Code != http.StatusNotFound {
		t.Errorf("no account: expected 404, got %d", w.Code)
	}
}
