package tokenrefresh

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"

	"github.com/autobotela-sys/saas-copy-trading/internal/auth"
	"github.com/autobotela-sys/saas-copy-trading/internal/gateway"
	"github.com/autobotela-sys/saas-copy-trading/internal/model"
	"github.com/autobotela-sys/saas-copy-trading/internal/store"
)

var now = time.Date(2025, 3, 30, 9, 0, 0, 0, time.UTC)

// renewer is a gateway whose renewal result is fixed per test.
type renewer struct {
	variant model.BrokerVariant
	renewal gateway.Renewal
	err     error
	calls   int
}

func (g *renewer) Variant() model.BrokerVariant { return g.variant }

func (g *renewer) PlaceOrder(context.Context, gateway.Credential, gateway.OrderRequest) (string, error) {
	return "", gateway.ErrNotSupported
}

func (g *renewer) LastTradedPrice(context.Context, gateway.Credential, string, string) (decimal.Decimal, bool) {
	return decimal.Zero, false
}

func (g *renewer) OpenPositions(context.Context, gateway.Credential) ([]gateway.BrokerPosition, error) {
	return nil, gateway.ErrNotSupported
}

func (g *renewer) RenewCredential(_ context.Context, _ gateway.Credential) (gateway.Renewal, error) {
	g.calls++
	return g.renewal, g.err
}

func newRefresher(gws ...gateway.Gateway) (*Refresher, *store.MemoryStore) {
	ms := store.NewMemoryStore()
	r := NewRefresher(ms, gateway.NewRegistry(gws...), 2*time.Hour)
	r.now = func() time.Time { return now }
	return r, ms
}

func seedAccount(t *testing.T, ms *store.MemoryStore, id string, variant model.BrokerVariant, expires time.Time) {
	t.Helper()
	err := ms.UpsertAccount(context.Background(), &model.BrokerAccount{
		ID:             id,
		UserID:         "user-" + id,
		Variant:        variant,
		ClientID:       "client-" + id,
		AccessToken:    "sealed-old",
		TokenExpiresAt: expires,
		Status:         model.AccountActive,
	})
	if err != nil {
		t.Fatalf("seed account: %v", err)
	}
}

func TestRefreshDue(t *testing.T) {
	newExpiry := now.Add(24 * time.Hour)
	dhan := &renewer{variant: model.VariantDhan, renewal: gateway.Renewal{Sealed: "sealed-new", ExpiresAt: newExpiry}}
	kite := &renewer{variant: model.VariantKite, err: gateway.ErrNotSupported}
	r, ms := newRefresher(dhan, kite)

	seedAccount(t, ms, "due", model.VariantDhan, now.Add(time.Hour))
	seedAccount(t, ms, "fresh", model.VariantDhan, now.Add(5*time.Hour))
	seedAccount(t, ms, "expired", model.VariantDhan, now.Add(-time.Minute))
	seedAccount(t, ms, "kite", model.VariantKite, now.Add(30*time.Minute))

	sum, err := r.RefreshDue(context.Background())
	if err != nil {
		t.Fatalf("RefreshDue: %v", err)
	}
	want := Summary{Checked: 4, Refreshed: 1, Failed: 1, Skipped: 1}
	if sum != want {
		t.Errorf("summary = %+v, want %+v", sum, want)
	}
	if dhan.calls != 1 {
		t.Errorf("dhan renewals = %d, want 1 (expired and fresh tokens are not renewed)", dhan.calls)
	}

	ctx := context.Background()
	due, _ := ms.GetAccount(ctx, "due")
	if due.AccessToken != "sealed-new" || !due.TokenExpiresAt.Equal(newExpiry) {
		t.Errorf("due account not updated: %+v", due)
	}
	if due.LastRefreshedAt == nil || !due.LastRefreshedAt.Equal(now) {
		t.Errorf("last refreshed = %v, want %v", due.LastRefreshedAt, now)
	}

	expired, _ := ms.GetAccount(ctx, "expired")
	if expired.Status != model.AccountError {
		t.Errorf("expired account status = %s, want ERROR", expired.Status)
	}
	k, _ := ms.GetAccount(ctx, "kite")
	if k.Status != model.AccountActive {
		t.Errorf("kite account status = %s, want ACTIVE", k.Status)
	}

	logs, _ := ms.ListRefreshLogs(ctx, "due")
	if len(logs) != 1 || logs[0].Status != model.RefreshSuccess || logs[0].NewExpiry == nil {
		t.Errorf("due logs = %+v", logs)
	}
	logs, _ = ms.ListRefreshLogs(ctx, "kite")
	if len(logs) != 1 || logs[0].Status != model.RefreshSkipped {
		t.Errorf("kite logs = %+v", logs)
	}
	if logs, _ := ms.ListRefreshLogs(ctx, "fresh"); len(logs) != 0 {
		t.Errorf("fresh account logged %d attempts, want 0", len(logs))
	}
}

func TestRefreshDue_RenewalFailureMarksError(t *testing.T) {
	dhan := &renewer{variant: model.VariantDhan, err: &gateway.Error{Variant: model.VariantDhan, Op: gateway.OpRenew, Status: 401, Reason: "invalid token"}}
	r, ms := newRefresher(dhan)
	seedAccount(t, ms, "a1", model.VariantDhan, now.Add(time.Hour))

	sum, _ := r.RefreshDue(context.Background())
	if sum.Failed != 1 {
		t.Errorf("failed = %d, want 1", sum.Failed)
	}

	acct, _ := ms.GetAccount(context.Background(), "a1")
	if acct.Status != model.AccountError {
		t.Errorf("status = %s, want ERROR", acct.Status)
	}
	if acct.AccessToken != "sealed-old" {
		t.Error("token must be unchanged after a failed renewal")
	}
	logs, _ := ms.ListRefreshLogs(context.Background(), "a1")
	if len(logs) != 1 || logs[0].ErrorMessage == "" {
		t.Errorf("logs = %+v, want one failure with a reason", logs)
	}
}

func TestRefreshAccount_NotFound(t *testing.T) {
	r, _ := newRefresher()
	if _, err := r.RefreshAccount(context.Background(), "nope"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestNewScheduler_InvalidSpec(t *testing.T) {
	r, _ := newRefresher()
	if _, err := NewScheduler(context.Background(), r, "every hour"); err == nil {
		t.Error("expected error for invalid cron spec")
	}
	s, err := NewScheduler(context.Background(), r, "0 0 * * * *")
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	s.Start()
	s.Stop()
}

func TestHandlers(t *testing.T) {
	dhan := &renewer{variant: model.VariantDhan, renewal: gateway.Renewal{Sealed: "sealed-new", ExpiresAt: now.Add(24 * time.Hour)}}
	r, ms := newRefresher(dhan)
	seedAccount(t, ms, "a1", model.VariantDhan, now.Add(time.Hour))

	j := auth.JWT{Secret: []byte("refresh-test-secret"), TokenTTL: time.Hour}
	sign := func(sub string, role model.Role) string {
		tok, _, err := j.Sign(auth.Claims{Role: role, RegisteredClaims: jwt.RegisteredClaims{Subject: sub}})
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		return tok
	}

	router := chi.NewRouter()
	router.Use(auth.Middleware(j, nil))
	router.Post("/broker-accounts/{accountID}/refresh", r.RefreshNow)
	router.Get("/broker-accounts/{accountID}/refresh-logs", r.ListLogs)

	call := func(method, path, tok string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, nil)
		req.Header.Set("Authorization", "Bearer "+tok)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w
	}

	if w := call("POST", "/broker-accounts/a1/refresh", sign("someone-else", model.RoleUser)); w.Code != http.StatusNotFound {
		t.Errorf("other user: expected 404, got %d", w.Code)
	}

	w := call("POST", "/broker-accounts/a1/refresh", sign("user-a1", model.RoleUser))
	if w.Code != http.StatusOK {
		t.Fatalf("owner: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var entry model.TokenRefreshLog
	json.NewDecoder(w.Body).Decode(&entry)
	if entry.Status != model.RefreshSuccess {
		t.Errorf("status = %s, want SUCCESS", entry.Status)
	}

	w = call("GET", "/broker-accounts/a1/refresh-logs", sign("admin", model.RoleAdmin))
	if w.Code != http.StatusOK {
		t.Fatalf("admin logs: expected 200, got %d", w.Code)
	}
	var resp struct {
		Logs []model.TokenRefreshLog `json:"logs"`
	}
	json.NewDecoder(w.Body).Decode(&resp)
	if len(resp.Logs) != 1 {
		t.Errorf("logs = %d, want 1", len(resp.Logs))
	}
}
