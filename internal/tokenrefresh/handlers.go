package tokenrefresh

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/autobotela-sys/saas-copy-trading/internal/auth"
	"github.com/autobotela-sys/saas-copy-trading/internal/model"
	"github.com/autobotela-sys/saas-copy-trading/internal/store"
)

// RefreshNow handles POST /api/v1/broker-accounts/{accountID}/refresh
// The account owner or an admin may trigger a renewal outside the schedule.
func (r *Refresher) RefreshNow(w http.ResponseWriter, req *http.Request) {
	accountID := chi.URLParam(req, "accountID")
	ctx := req.Context()

	if _, ok := r.authorize(w, req, accountID); !ok {
		return
	}

	entry, err := r.RefreshAccount(ctx, accountID)
	if err != nil {
		writeError(w, "refresh failed", http.StatusInternalServerError)
		return
	}

	status := http.StatusOK
	if entry.Status == model.RefreshFailed {
		status = http.StatusBadGateway
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(entry)
}

// ListLogs handles GET /api/v1/broker-accounts/{accountID}/refresh-logs
func (r *Refresher) ListLogs(w http.ResponseWriter, req *http.Request) {
	accountID := chi.URLParam(req, "accountID")

	acct, ok := r.authorize(w, req, accountID)
	if !ok {
		return
	}

	logs, err := r.store.ListRefreshLogs(req.Context(), accountID)
	if err != nil {
		writeError(w, "failed to list refresh logs", http.StatusInternalServerError)
		return
	}
	if logs == nil {
		logs = []model.TokenRefreshLog{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"account_id":       acct.ID,
		"status":           acct.Status,
		"token_expires_at": acct.TokenExpiresAt,
		"logs":             logs,
	})
}

// authorize loads the account and checks the caller owns it or is an admin.
// On failure the response has been written.
func (r *Refresher) authorize(w http.ResponseWriter, req *http.Request, accountID string) (*model.BrokerAccount, bool) {
	claims, ok := auth.ClaimsFromContext(req.Context())
	if !ok {
		writeError(w, "unauthenticated", http.StatusUnauthorized)
		return nil, false
	}
	acct, err := r.store.GetAccount(req.Context(), accountID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && !claims.IsAdmin() && acct.UserID != claims.UserID()) {
		writeError(w, "broker account not found", http.StatusNotFound)
		return nil, false
	}
	if err != nil {
		writeError(w, "failed to load broker account", http.StatusInternalServerError)
		return nil, false
	}
	return acct, true
}

func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
