package account_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"

	"github.com/autobotela-sys/saas-copy-trading/internal/account"
	"github.com/autobotela-sys/saas-copy-trading/internal/auth"
	"github.com/autobotela-sys/saas-copy-trading/internal/gateway"
	"github.com/autobotela-sys/saas-copy-trading/internal/instrument"
	"github.com/autobotela-sys/saas-copy-trading/internal/model"
	"github.com/autobotela-sys/saas-copy-trading/internal/store"
)

var testJWT = auth.JWT{Secret: []byte("account-test-secret"), TokenTTL: time.Hour}

func token(t *testing.T, userID string, role model.Role) string {
	t.Helper()
	tok, _, err := testJWT.Sign(auth.Claims{
		Role:             role,
		Email:            userID + "@example.com",
		RegisteredClaims: jwt.RegisteredClaims{Subject: userID},
	})
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return tok
}

type testEnv struct {
	ms     *store.MemoryStore
	sealer *gateway.Sealer
	router chi.Router
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	sealer, err := gateway.NewSealer("account-test-key-account-test-key")
	if err != nil {
		t.Fatalf("NewSealer: %v", err)
	}
	ms := store.NewMemoryStore()
	svc := account.NewService(ms, sealer)

	r := chi.NewRouter()
	r.Use(auth.Middleware(testJWT, nil))
	r.Get("/api/v1/users/me/trading-profile", svc.GetProfile)
	r.Post("/api/v1/users/me/trading-profile", svc.SaveProfile)
	r.Put("/api/v1/users/me/trading-profile", svc.UpdateProfile)
	r.Post("/api/v1/broker-accounts", svc.LinkAccount)
	r.Get("/api/v1/broker-accounts", svc.GetAccount)
	r.Get("/api/v1/broker-accounts/{accountID}/token-status", svc.GetTokenStatus)

	return &testEnv{ms: ms, sealer: sealer, router: r}
}

func do(t *testing.T, router http.Handler, method, path, tok string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+tok)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

// --- Trading profile ---

func TestGetProfile_CreatesDefault(t *testing.T) {
	env := newTestEnv(t)

	w := do(t, env.router, "GET", "/api/v1/users/me/trading-profile", token(t, "u1", model.RoleUser), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var p model.TradingProfile
	json.NewDecoder(w.Body).Decode(&p)
	if p.UserID != "u1" || p.Multiplier != 1 || p.RiskProfile != account.RiskModerate {
		t.Errorf("profile = %+v, want u1 1x MODERATE", p)
	}

	ctx := context.Background()
	if _, err := env.ms.GetProfile(ctx, "u1"); err != nil {
		t.Errorf("default profile not stored: %v", err)
	}
	u, err := env.ms.GetUser(ctx, "u1")
	if err != nil {
		t.Fatalf("user not provisioned: %v", err)
	}
	if u.Email != "u1@example.com" || u.Role != model.RoleUser {
		t.Errorf("user = %+v", u)
	}
}

func TestSaveProfile_SetsMultiplier(t *testing.T) {
	env := newTestEnv(t)
	tok := token(t, "u1", model.RoleUser)

	w := do(t, env.router, "POST", "/api/v1/users/me/trading-profile", tok,
		map[string]any{"lot_size_multiplier": 3, "risk_profile": "aggressive", "max_loss_per_day": "5000"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	p, err := env.ms.GetProfile(context.Background(), "u1")
	if err != nil {
		t.Fatal(err)
	}
	if p.Multiplier != 3 || p.RiskProfile != account.RiskAggressive {
		t.Errorf("profile = %+v, want 3x AGGRESSIVE", p)
	}
	if !p.MaxLossPerDay.Valid || !p.MaxLossPerDay.Decimal.Equal(decimal.NewFromInt(5000)) {
		t.Errorf("max loss = %v, want 5000", p.MaxLossPerDay)
	}
	if got := instrument.Quantity("NIFTY", p.Multiplier); got != 195 {
		t.Errorf("NIFTY quantity at 3x = %d, want 195", got)
	}

	// POST replaces: omitted fields return to their defaults.
	do(t, env.router, "POST", "/api/v1/users/me/trading-profile", tok, map[string]any{"lot_size_multiplier": 2})
	p, _ = env.ms.GetProfile(context.Background(), "u1")
	if p.Multiplier != 2 || p.RiskProfile != account.RiskModerate {
		t.Errorf("profile = %+v, want 2x MODERATE", p)
	}
}

func TestSaveProfile_Validation(t *testing.T) {
	env := newTestEnv(t)
	tok := token(t, "u1", model.RoleUser)

	tests := []struct {
		name string
		body map[string]any
	}{
		{"multiplier zero", map[string]any{"lot_size_multiplier": 0}},
		{"multiplier four", map[string]any{"lot_size_multiplier": 4}},
		{"unknown risk", map[string]any{"risk_profile": "YOLO"}},
		{"negative max loss", map[string]any{"max_loss_per_day": "-1"}},
	}
	for _, tt := range tests {
		w := do(t, env.router, "POST", "/api/v1/users/me/trading-profile", tok, tt.body)
		if w.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", tt.name, w.Code)
		}
	}
	if _, err := env.ms.GetProfile(context.Background(), "u1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("invalid requests must not store a profile, got %v", err)
	}
}

func TestUpdateProfile_Partial(t *testing.T) {
	env := newTestEnv(t)
	tok := token(t, "u1", model.RoleUser)

	w := do(t, env.router, "PUT", "/api/v1/users/me/trading-profile", tok, map[string]any{"risk_profile": "CONSERVATIVE"})
	if w.Code != http.StatusNotFound {
		t.Fatalf("no profile: expected 404, got %d", w.Code)
	}

	do(t, env.router, "POST", "/api/v1/users/me/trading-profile", tok, map[string]any{"lot_size_multiplier": 3})
	w = do(t, env.router, "PUT", "/api/v1/users/me/trading-profile", tok, map[string]any{"risk_profile": "CONSERVATIVE"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	p, _ := env.ms.GetProfile(context.Background(), "u1")
	if p.Multiplier != 3 || p.RiskProfile != account.RiskConservative {
		t.Errorf("profile = %+v, want 3x CONSERVATIVE", p)
	}
}

// --- Broker accounts ---

func linkBody(clientID, tok string, expires time.Time) map[string]any {
	return map[string]any{
		"broker_type":       "dhan",
		"broker_account_id": clientID,
		"access_token":      tok,
		"token_expires_at":  expires,
	}
}

func TestLinkAccount_SealsToken(t *testing.T) {
	env := newTestEnv(t)
	tok := token(t, "u1", model.RoleUser)

	w := do(t, env.router, "POST", "/api/v1/broker-accounts", tok, linkBody("C1", "plain-token", time.Now().Add(8*time.Hour)))
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	if strings.Contains(w.Body.String(), "plain-token") {
		t.Error("response leaks the access token")
	}
	var resp model.BrokerAccount
	json.NewDecoder(w.Body).Decode(&resp)

	acct, err := env.ms.GetActiveAccount(context.Background(), "u1")
	if err != nil {
		t.Fatalf("account not active: %v", err)
	}
	if acct.ID != resp.ID || acct.Variant != model.VariantDhan || acct.ClientID != "C1" {
		t.Errorf("account = %+v", acct)
	}
	if acct.AccessToken == "plain-token" {
		t.Fatal("token stored in the clear")
	}
	plain, err := env.sealer.Open(acct.AccessToken)
	if err != nil || plain != "plain-token" {
		t.Errorf("Open = %q, %v", plain, err)
	}
}

func TestLinkAccount_OneAccountPerUser(t *testing.T) {
	env := newTestEnv(t)
	tok := token(t, "u1", model.RoleUser)
	ctx := context.Background()

	do(t, env.router, "POST", "/api/v1/broker-accounts", tok, linkBody("C1", "first", time.Now().Add(time.Hour)))
	first, _ := env.ms.GetUserAccount(ctx, "u1")

	// Same broker and client id: the credential is replaced in place.
	w := do(t, env.router, "POST", "/api/v1/broker-accounts", tok, linkBody("C1", "second", time.Now().Add(8*time.Hour)))
	if w.Code != http.StatusOK {
		t.Fatalf("relink: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	again, _ := env.ms.GetUserAccount(ctx, "u1")
	if again.ID != first.ID {
		t.Errorf("relink created a new account %s, want %s", again.ID, first.ID)
	}
	if plain, _ := env.sealer.Open(again.AccessToken); plain != "second" {
		t.Errorf("token = %q, want second", plain)
	}

	w = do(t, env.router, "POST", "/api/v1/broker-accounts", tok, linkBody("C2", "other", time.Now().Add(time.Hour)))
	if w.Code != http.StatusConflict {
		t.Errorf("different account: expected 409, got %d", w.Code)
	}
}

func TestLinkAccount_PendingToken(t *testing.T) {
	env := newTestEnv(t)

	w := do(t, env.router, "POST", "/api/v1/broker-accounts", token(t, "u1", model.RoleUser),
		map[string]any{"broker_type": "ZERODHA", "broker_account_id": "ZX1"})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	ctx := context.Background()
	acct, err := env.ms.GetUserAccount(ctx, "u1")
	if err != nil || acct.Status != model.AccountPendingToken {
		t.Fatalf("account = %+v, %v; want PENDING_TOKEN", acct, err)
	}
	if _, err := env.ms.GetActiveAccount(ctx, "u1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("pending account must not be active, got %v", err)
	}
}

func TestLinkAccount_Validation(t *testing.T) {
	env := newTestEnv(t)
	tok := token(t, "u1", model.RoleUser)

	tests := []struct {
		name string
		body map[string]any
	}{
		{"unknown broker", map[string]any{"broker_type": "ICICI", "broker_account_id": "C1"}},
		{"missing client id", map[string]any{"broker_type": "DHAN"}},
		{"expired token", linkBody("C1", "tok", time.Now().Add(-time.Minute))},
		{"token without expiry", map[string]any{"broker_type": "DHAN", "broker_account_id": "C1", "access_token": "tok"}},
	}
	for _, tt := range tests {
		if w := do(t, env.router, "POST", "/api/v1/broker-accounts", tok, tt.body); w.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", tt.name, w.Code)
		}
	}
	if w := do(t, env.router, "GET", "/api/v1/broker-accounts", tok, nil); w.Code != http.StatusNotFound {
		t.Errorf("nothing linked: expected 404, got %d", w.Code)
	}
}

func TestGetTokenStatus(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.ms.UpsertAccount(ctx, &model.BrokerAccount{
		ID: "live", UserID: "u1", Variant: model.VariantDhan, ClientID: "C1",
		TokenExpiresAt: time.Now().Add(3*time.Hour + 30*time.Minute + 30*time.Second), Status: model.AccountActive,
	})
	env.ms.UpsertAccount(ctx, &model.BrokerAccount{
		ID: "stale", UserID: "u2", Variant: model.VariantKite, ClientID: "C2",
		TokenExpiresAt: time.Now().Add(-time.Hour), Status: model.AccountActive,
	})

	w := do(t, env.router, "GET", "/api/v1/broker-accounts/live/token-status", token(t, "u1", model.RoleUser), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var st account.TokenStatus
	json.NewDecoder(w.Body).Decode(&st)
	if st.TimeRemaining != "3h 30m" || st.Status != model.AccountActive {
		t.Errorf("status = %+v, want ACTIVE with 3h 30m", st)
	}

	w = do(t, env.router, "GET", "/api/v1/broker-accounts/stale/token-status", token(t, "admin", model.RoleAdmin), nil)
	json.NewDecoder(w.Body).Decode(&st)
	if w.Code != http.StatusOK || st.TimeRemaining != "EXPIRED" {
		t.Errorf("admin on stale account: %d %+v, want EXPIRED", w.Code, st)
	}

	if w := do(t, env.router, "GET", "/api/v1/broker-accounts/stale/token-status", token(t, "u1", model.RoleUser), nil); w.Code != http.StatusNotFound {
		t.Errorf("other user's account: expected 404, got %d", w.Code)
	}
}
