package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/autobotela-sys/saas-copy-trading/internal/auth"
	"github.com/autobotela-sys/saas-copy-trading/internal/gateway"
	"github.com/autobotela-sys/saas-copy-trading/internal/instrument"
	"github.com/autobotela-sys/saas-copy-trading/internal/ledger"
	"github.com/autobotela-sys/saas-copy-trading/internal/model"
	"github.com/autobotela-sys/saas-copy-trading/internal/store"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

// --- Request/Response types ---

// ClosePositionRequest is the JSON body for POST /positions/{positionID}/close.
type ClosePositionRequest struct {
	ExitPrice    decimal.Decimal `json:"exit_price"`
	ExitQuantity int64           `json:"exit_quantity"` // 0 closes the whole position
}

// ClosePositionResponse reports the position after a manual close.
type ClosePositionResponse struct {
	PositionID        string          `json:"position_id"`
	Status            string          `json:"status"` // CLOSED or PARTIAL
	RemainingQuantity int64           `json:"remaining_quantity"`
	PnL               decimal.Decimal `json:"pnl"`
}

// BrokerPositionView is a broker-side position with its parsed contract,
// when the trading symbol is an index option.
type BrokerPositionView struct {
	gateway.BrokerPosition
	Contract *model.ContractKey `json:"contract,omitempty"`
}

// --- Broadcast handlers (admin) ---

// BroadcastOrder handles POST /api/v1/broadcast/order
func (s *Service) BroadcastOrder(w http.ResponseWriter, r *http.Request) {
	s.handleBroadcast(w, r, "")
}

// BroadcastExit handles POST /api/v1/broadcast/exit
// Same body as BroadcastOrder; the purpose is always EXIT.
func (s *Service) BroadcastExit(w http.ResponseWriter, r *http.Request) {
	s.handleBroadcast(w, r, model.PurposeExit)
}

func (s *Service) handleBroadcast(w http.ResponseWriter, r *http.Request, purpose model.Purpose) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, "unauthenticated", http.StatusUnauthorized)
		return
	}

	intent := model.BroadcastIntent{
		Style:        model.StyleMarket,
		Product:      model.ProductMIS,
		Purpose:      model.PurposeEntry,
		IncludeAdmin: true,
	}
	if err := json.NewDecoder(r.Body).Decode(&intent); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if purpose != "" {
		intent.Purpose = purpose
	}

	// Orders already sent to brokers must be recorded even if the caller
	// goes away.
	ctx := context.WithoutCancel(r.Context())
	report, err := s.Execute(ctx, claims.UserID(), intent)
	if err != nil {
		var verr *ValidationError
		if errors.As(err, &verr) {
			writeError(w, verr.Error(), http.StatusBadRequest)
			return
		}
		slog.Error("broadcast failed", "admin", claims.UserID(), "err", err)
		writeError(w, "failed to record broadcast", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(report)
}

// ListHistory handles GET /api/v1/broadcast/history?limit=N
// Returns the caller's finalized broadcasts, newest first.
func (s *Service) ListHistory(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, "unauthenticated", http.StatusUnauthorized)
		return
	}

	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	broadcasts, err := s.store.ListBroadcasts(r.Context(), claims.UserID(), limit)
	if err != nil {
		writeError(w, "failed to list broadcasts", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"broadcasts": broadcasts})
}

// GetBroadcast handles GET /api/v1/broadcast/{broadcastID}
// Returns the broadcast record and every execution record under it.
func (s *Service) GetBroadcast(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, "unauthenticated", http.StatusUnauthorized)
		return
	}
	broadcastID := chi.URLParam(r, "broadcastID")
	ctx := r.Context()

	b, err := s.store.GetBroadcast(ctx, broadcastID)
	if err != nil || b.AdminID != claims.UserID() {
		writeError(w, "broadcast not found", http.StatusNotFound)
		return
	}

	executions, err := s.store.ListExecutions(ctx, broadcastID)
	if err != nil {
		writeError(w, "failed to load executions", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"broadcast":  b,
		"executions": executions,
	})
}

// --- Portfolio handlers (owner or admin) ---

// ListPositions handles GET /api/v1/users/{userID}/positions?status=open|closed
func (s *Service) ListPositions(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if !canView(r, userID) {
		writeError(w, "forbidden", http.StatusForbidden)
		return
	}

	var status model.PositionStatus
	switch strings.ToUpper(r.URL.Query().Get("status")) {
	case "":
	case string(model.PositionOpen):
		status = model.PositionOpen
	case string(model.PositionClosed):
		status = model.PositionClosed
	default:
		writeError(w, "status must be open or closed", http.StatusBadRequest)
		return
	}

	positions, err := s.ledger.ListPositions(r.Context(), userID, status)
	if err != nil {
		writeError(w, "failed to list positions", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"positions": positions})
}

// GetPnL handles GET /api/v1/users/{userID}/pnl
// Open positions are revalued at the latest available quote.
func (s *Service) GetPnL(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if !canView(r, userID) {
		writeError(w, "forbidden", http.StatusForbidden)
		return
	}

	summary, err := s.pnl.AggregateUser(r.Context(), userID)
	if err != nil {
		writeError(w, "failed to compute pnl", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(summary)
}

// GetBrokerPositions handles GET /api/v1/users/{userID}/broker-positions
// Returns the broker's own view of the user's active account.
func (s *Service) GetBrokerPositions(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if !canView(r, userID) {
		writeError(w, "forbidden", http.StatusForbidden)
		return
	}
	ctx := r.Context()

	acct, err := s.store.GetActiveAccount(ctx, userID)
	if err != nil {
		writeError(w, "no active broker account", http.StatusNotFound)
		return
	}
	if acct.Expired(s.now()) {
		writeError(w, "broker token expired", http.StatusConflict)
		return
	}
	gw, err := s.gateways.Get(acct.Variant)
	if err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	positions, err := gw.OpenPositions(ctx, gateway.CredentialFor(acct))
	if err != nil {
		slog.Warn("broker positions failed", "user", userID, "variant", acct.Variant, "err", err)
		writeError(w, "broker positions unavailable", http.StatusBadGateway)
		return
	}

	views := make([]BrokerPositionView, 0, len(positions))
	for _, p := range positions {
		v := BrokerPositionView{BrokerPosition: p}
		if key, err := instrument.ParseTradingSymbol(p.TradingSymbol); err == nil {
			v.Contract = &key
		}
		views = append(views, v)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"broker_type": acct.Variant,
		"positions":   views,
	})
}

// ClosePosition handles POST /api/v1/positions/{positionID}/close
// Closes a position in the ledger only; no broker order is sent.
func (s *Service) ClosePosition(w http.ResponseWriter, r *http.Request) {
	positionID := chi.URLParam(r, "positionID")

	var req ClosePositionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if !req.ExitPrice.IsPositive() {
		writeError(w, "exit_price must be positive", http.StatusBadRequest)
		return
	}
	if req.ExitQuantity < 0 {
		writeError(w, "exit_quantity must not be negative", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	pos, err := s.ledger.GetPosition(ctx, positionID)
	if err != nil || !canView(r, pos.UserID) {
		writeError(w, "position not found", http.StatusNotFound)
		return
	}

	closed, err := s.ledger.ClosePosition(ctx, positionID, req.ExitPrice, req.ExitQuantity)
	switch {
	case errors.Is(err, ledger.ErrAlreadyClosed):
		writeError(w, "position already closed", http.StatusConflict)
		return
	case errors.Is(err, ledger.ErrNotFound), errors.Is(err, store.ErrNotFound):
		writeError(w, "position not found", http.StatusNotFound)
		return
	case err != nil:
		writeError(w, "failed to close position", http.StatusInternalServerError)
		return
	}

	resp := ClosePositionResponse{
		PositionID:        closed.ID,
		Status:            "PARTIAL",
		RemainingQuantity: closed.Quantity,
		PnL:               closed.PnL.Decimal,
	}
	if closed.Status == model.PositionClosed {
		resp.Status = string(model.PositionClosed)
	}

	slog.Info("position closed",
		"position", closed.ID,
		"user", closed.UserID,
		"exit_price", req.ExitPrice.String(),
		"remaining", closed.Quantity,
		"pnl", resp.PnL.String(),
	)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// canView reports whether the caller may read or act on userID's portfolio.
func canView(r *http.Request, userID string) bool {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		return false
	}
	return claims.IsAdmin() || claims.UserID() == userID
}

func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
