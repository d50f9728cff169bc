// Package account serves the caller's own trading profile and broker account
// link. The profile multiplier sizes every broadcast the user receives and
// the linked account carries the sealed credential the gateways open.
package account

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/autobotela-sys/saas-copy-trading/internal/auth"
	"github.com/autobotela-sys/saas-copy-trading/internal/gateway"
	"github.com/autobotela-sys/saas-copy-trading/internal/model"
	"github.com/autobotela-sys/saas-copy-trading/internal/store"
)

// Risk profiles accepted on a trading profile.
const (
	RiskConservative = "CONSERVATIVE"
	RiskModerate     = "MODERATE"
	RiskAggressive   = "AGGRESSIVE"
)

// Service handles profile and broker account endpoints.
type Service struct {
	store  store.Store
	sealer *gateway.Sealer
	now    func() time.Time
}

// NewService creates an account service. sealer encrypts broker tokens
// before they are stored.
func NewService(st store.Store, sealer *gateway.Sealer) *Service {
	return &Service{store: st, sealer: sealer, now: time.Now}
}

// --- Request/Response types ---

// ProfileRequest is the JSON body for POST and PUT /users/me/trading-profile.
// Omitted fields keep their current (PUT) or default (POST) value.
type ProfileRequest struct {
	Multiplier    *int64              `json:"lot_size_multiplier"`
	RiskProfile   *string             `json:"risk_profile"`
	MaxLossPerDay decimal.NullDecimal `json:"max_loss_per_day"`
}

// LinkRequest is the JSON body for POST /broker-accounts. Without an access
// token the account is stored as PENDING_TOKEN and never receives orders.
type LinkRequest struct {
	BrokerType     string     `json:"broker_type"`
	ClientID       string     `json:"broker_account_id"`
	AccessToken    string     `json:"access_token"`
	TokenExpiresAt *time.Time `json:"token_expires_at"`
}

// TokenStatus reports how long a linked credential remains usable.
type TokenStatus struct {
	AccountID          string              `json:"account_id"`
	Status             model.AccountStatus `json:"status"`
	TokenExpiresAt     time.Time           `json:"token_expires_at"`
	TimeRemaining      string              `json:"time_remaining"` // "3h 20m" or EXPIRED
	LastTokenRefreshAt *time.Time          `json:"last_token_refresh_at,omitempty"`
}

// --- Trading profile ---

// GetProfile handles GET /api/v1/users/me/trading-profile
// A caller without a profile gets the default one (1x, MODERATE), which is
// stored.
func (s *Service) GetProfile(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, "unauthenticated", http.StatusUnauthorized)
		return
	}
	ctx := r.Context()

	p, err := s.store.GetProfile(ctx, claims.UserID())
	if errors.Is(err, store.ErrNotFound) {
		p = defaultProfile(claims.UserID())
		p.UpdatedAt = s.now().UTC()
		if err = s.ensureUser(ctx, claims); err == nil {
			err = s.store.UpsertProfile(ctx, p)
		}
	}
	if err != nil {
		slog.Error("load trading profile failed", "user", claims.UserID(), "err", err)
		writeError(w, "failed to load trading profile", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(p)
}

// SaveProfile handles POST /api/v1/users/me/trading-profile
// Creates or replaces the profile; omitted fields take their defaults.
func (s *Service) SaveProfile(w http.ResponseWriter, r *http.Request) {
	s.writeProfile(w, r, false)
}

// UpdateProfile handles PUT /api/v1/users/me/trading-profile
// Changes only the supplied fields of an existing profile.
func (s *Service) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	s.writeProfile(w, r, true)
}

func (s *Service) writeProfile(w http.ResponseWriter, r *http.Request, partial bool) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, "unauthenticated", http.StatusUnauthorized)
		return
	}
	ctx := r.Context()

	var req ProfileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	var p *model.TradingProfile
	if partial {
		var err error
		p, err = s.store.GetProfile(ctx, claims.UserID())
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, "trading profile not found", http.StatusNotFound)
			return
		}
		if err != nil {
			writeError(w, "failed to load trading profile", http.StatusInternalServerError)
			return
		}
	} else {
		p = defaultProfile(claims.UserID())
	}

	if err := applyProfile(p, req); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	p.UpdatedAt = s.now().UTC()

	if err := s.ensureUser(ctx, claims); err != nil {
		slog.Error("provision user failed", "user", claims.UserID(), "err", err)
		writeError(w, "failed to save trading profile", http.StatusInternalServerError)
		return
	}
	if err := s.store.UpsertProfile(ctx, p); err != nil {
		slog.Error("save trading profile failed", "user", claims.UserID(), "err", err)
		writeError(w, "failed to save trading profile", http.StatusInternalServerError)
		return
	}

	slog.Info("trading profile saved",
		"user", p.UserID,
		"multiplier", p.Multiplier,
		"risk_profile", p.RiskProfile,
	)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(p)
}

func defaultProfile(userID string) *model.TradingProfile {
	return &model.TradingProfile{UserID: userID, Multiplier: 1, RiskProfile: RiskModerate}
}

// applyProfile copies the supplied fields of req onto p after checking them.
func applyProfile(p *model.TradingProfile, req ProfileRequest) error {
	if req.Multiplier != nil {
		if m := *req.Multiplier; m < 1 || m > 3 {
			return errors.New("lot_size_multiplier must be 1, 2 or 3")
		}
		p.Multiplier = *req.Multiplier
	}
	if req.RiskProfile != nil {
		risk := strings.ToUpper(strings.TrimSpace(*req.RiskProfile))
		switch risk {
		case RiskConservative, RiskModerate, RiskAggressive:
		default:
			return errors.New("risk_profile must be CONSERVATIVE, MODERATE or AGGRESSIVE")
		}
		p.RiskProfile = risk
	}
	if req.MaxLossPerDay.Valid {
		if !req.MaxLossPerDay.Decimal.IsPositive() {
			return errors.New("max_loss_per_day must be positive")
		}
		p.MaxLossPerDay = req.MaxLossPerDay
	}
	return nil
}

// --- Broker accounts ---

// LinkAccount handles POST /api/v1/broker-accounts
// A user has at most one account. Posting the same broker and client id
// again replaces the stored credential (200); a different one is refused
// (409). A new link answers 201.
func (s *Service) LinkAccount(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, "unauthenticated", http.StatusUnauthorized)
		return
	}
	ctx := r.Context()

	var req LinkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	variant := model.BrokerVariant(strings.ToUpper(strings.TrimSpace(req.BrokerType)))
	if variant != model.VariantKite && variant != model.VariantDhan {
		writeError(w, "broker_type must be ZERODHA or DHAN", http.StatusBadRequest)
		return
	}
	clientID := strings.TrimSpace(req.ClientID)
	if clientID == "" {
		writeError(w, "broker_account_id is required", http.StatusBadRequest)
		return
	}

	now := s.now().UTC()
	status := model.AccountPendingToken
	expiresAt := now
	if req.AccessToken != "" {
		if req.TokenExpiresAt == nil || !req.TokenExpiresAt.After(now) {
			writeError(w, "token_expires_at must be in the future", http.StatusBadRequest)
			return
		}
		status = model.AccountActive
		expiresAt = req.TokenExpiresAt.UTC()
	}

	sealed, err := s.sealer.Seal(req.AccessToken)
	if err != nil {
		slog.Error("seal broker token failed", "user", claims.UserID(), "err", err)
		writeError(w, "failed to link broker account", http.StatusInternalServerError)
		return
	}

	if err := s.ensureUser(ctx, claims); err != nil {
		slog.Error("provision user failed", "user", claims.UserID(), "err", err)
		writeError(w, "failed to link broker account", http.StatusInternalServerError)
		return
	}

	code := http.StatusCreated
	acct, err := s.store.GetUserAccount(ctx, claims.UserID())
	switch {
	case errors.Is(err, store.ErrNotFound):
		acct = &model.BrokerAccount{
			ID:       uuid.New().String(),
			UserID:   claims.UserID(),
			Variant:  variant,
			ClientID: clientID,
		}
	case err != nil:
		writeError(w, "failed to load broker account", http.StatusInternalServerError)
		return
	case acct.Variant != variant || acct.ClientID != clientID:
		writeError(w, "user can only have one broker account", http.StatusConflict)
		return
	default:
		code = http.StatusOK
	}
	acct.AccessToken = sealed
	acct.TokenExpiresAt = expiresAt
	acct.Status = status

	if err := s.store.UpsertAccount(ctx, acct); err != nil {
		slog.Error("save broker account failed", "user", claims.UserID(), "err", err)
		writeError(w, "failed to link broker account", http.StatusInternalServerError)
		return
	}

	slog.Info("broker account linked",
		"user", acct.UserID,
		"account", acct.ID,
		"variant", acct.Variant,
		"status", acct.Status,
		"expires_at", acct.TokenExpiresAt,
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(acct)
}

// GetAccount handles GET /api/v1/broker-accounts
func (s *Service) GetAccount(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, "unauthenticated", http.StatusUnauthorized)
		return
	}

	acct, err := s.store.GetUserAccount(r.Context(), claims.UserID())
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, "no broker account linked", http.StatusNotFound)
		return
	}
	if err != nil {
		writeError(w, "failed to load broker account", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(acct)
}

// GetTokenStatus handles GET /api/v1/broker-accounts/{accountID}/token-status
func (s *Service) GetTokenStatus(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, "unauthenticated", http.StatusUnauthorized)
		return
	}
	accountID := chi.URLParam(r, "accountID")

	acct, err := s.store.GetAccount(r.Context(), accountID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && !claims.IsAdmin() && acct.UserID != claims.UserID()) {
		writeError(w, "broker account not found", http.StatusNotFound)
		return
	}
	if err != nil {
		writeError(w, "failed to load broker account", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(TokenStatus{
		AccountID:          acct.ID,
		Status:             acct.Status,
		TokenExpiresAt:     acct.TokenExpiresAt,
		TimeRemaining:      timeRemaining(acct.TokenExpiresAt.Sub(s.now())),
		LastTokenRefreshAt: acct.LastRefreshedAt,
	})
}

func timeRemaining(left time.Duration) string {
	if left <= 0 {
		return "EXPIRED"
	}
	return fmt.Sprintf("%dh %dm", int(left.Hours()), int(left.Minutes())%60)
}

// ensureUser provisions the caller's user row from the token claims the
// first time they write something that references it.
func (s *Service) ensureUser(ctx context.Context, claims auth.Claims) error {
	_, err := s.store.GetUser(ctx, claims.UserID())
	if !errors.Is(err, store.ErrNotFound) {
		return err
	}
	u := &model.User{
		ID:        claims.UserID(),
		Email:     claims.Email,
		Role:      claims.Role,
		CreatedAt: s.now().UTC(),
	}
	if err := s.store.CreateUser(ctx, u); err != nil {
		// Lost a race with a concurrent request from the same user.
		if _, gerr := s.store.GetUser(ctx, u.ID); gerr == nil {
			return nil
		}
		return fmt.Errorf("create user %s: %w", u.ID, err)
	}
	return nil
}

func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
