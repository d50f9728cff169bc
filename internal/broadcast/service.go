// Package broadcast fans one admin-issued option order out to many users'
// broker accounts, records every per-user attempt, folds the fills into the
// position ledger and serves the HTTP surface for broadcasts and portfolios.
//
// All monetary values use shopspring/decimal.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/autobotela-sys/saas-copy-trading/internal/gateway"
	"github.com/autobotela-sys/saas-copy-trading/internal/instrument"
	"github.com/autobotela-sys/saas-copy-trading/internal/ledger"
	"github.com/autobotela-sys/saas-copy-trading/internal/metrics"
	"github.com/autobotela-sys/saas-copy-trading/internal/model"
	"github.com/autobotela-sys/saas-copy-trading/internal/pnl"
	"github.com/autobotela-sys/saas-copy-trading/internal/store"
)

// ErrPersistence is returned when the broadcast record cannot be created.
// Nothing has been dispatched at that point. Per-user failures never
// produce it.
var ErrPersistence = errors.New("broadcast: persistence failure")

// Failure reasons reported for targets that never reach a gateway.
const (
	ReasonNoAccount     = "No active broker account"
	ReasonTokenExpired  = "Token expired"
	ReasonAccountLookup = "Broker account lookup failed"
	ReasonNotRecorded   = "Execution could not be recorded"
)

// DefaultConcurrency bounds in-flight gateway calls per broadcast.
const DefaultConcurrency = 32

// ValidationError describes a malformed intent. It is returned before any
// record is written.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Outcome is one user's line in a broadcast report.
type Outcome struct {
	UserID         string                `json:"user_id"`
	UserName       string                `json:"user_name"`
	Status         model.ExecutionStatus `json:"status"`
	Quantity       int64                 `json:"quantity,omitempty"`
	BrokerOrderID  string                `json:"broker_order_id,omitempty"`
	ExecutionPrice *decimal.Decimal      `json:"execution_price,omitempty"`
	ErrorMessage   string                `json:"error_message,omitempty"`
}

// Report is the result of one broadcast.
type Report struct {
	BroadcastID          string                `json:"broadcast_id"`
	Status               model.BroadcastStatus `json:"status"`
	TotalUsers           int                   `json:"total_users"`
	Executed             int                   `json:"executed"`
	Failed               int                   `json:"failed"`
	ExecutionTimeSeconds float64               `json:"execution_time_seconds"`
	SuccessList          []Outcome             `json:"success_list"`
	FailureList          []Outcome             `json:"failure_list"`

	// Finalized is false when the final status and counts could not be
	// stored. The outcome lists are still complete.
	Finalized bool `json:"finalized"`
}

// Service runs broadcasts and serves the broadcast and portfolio endpoints.
type Service struct {
	store       store.Store
	gateways    *gateway.Registry
	ledger      *ledger.Ledger
	pnl         *pnl.Aggregator
	wsHub       *WSHub // optional
	concurrency int
	now         func() time.Time
}

// NewService creates a broadcast service.
// Pass nil for hub if WebSocket progress events are not needed.
func NewService(st store.Store, gateways *gateway.Registry, led *ledger.Ledger, agg *pnl.Aggregator, hub *WSHub) *Service {
	return &Service{
		store:       st,
		gateways:    gateways,
		ledger:      led,
		pnl:         agg,
		wsHub:       hub,
		concurrency: DefaultConcurrency,
		now:         time.Now,
	}
}

// target is a resolved recipient with its quantity snapshotted at dispatch.
type target struct {
	user     model.User
	quantity int64
}

// result is an Outcome plus what the ledger needs to apply it.
type result struct {
	Outcome
	variant   model.BrokerVariant
	accountID string
	fill      decimal.NullDecimal
}

// Validate normalises intent in place and checks it.
func Validate(intent *model.BroadcastIntent) error {
	intent.Symbol = strings.ToUpper(strings.TrimSpace(intent.Symbol))
	intent.Expiry = strings.ToUpper(strings.TrimSpace(intent.Expiry))

	switch {
	case intent.Symbol == "":
		return &ValidationError{Field: "symbol", Reason: "is required"}
	case intent.Expiry == "":
		return &ValidationError{Field: "expiry", Reason: "is required"}
	case !intent.Strike.IsPositive():
		return &ValidationError{Field: "strike", Reason: "must be positive"}
	case intent.Right != model.RightCall && intent.Right != model.RightPut:
		return &ValidationError{Field: "option_type", Reason: "must be CE or PE"}
	case !intent.Side.Valid():
		return &ValidationError{Field: "side", Reason: "must be BUY or SELL"}
	}

	switch intent.Style {
	case model.StyleLimit:
		if !intent.LimitPrice.Valid {
			return &ValidationError{Field: "limit_price", Reason: "is required for LIMIT orders"}
		}
		if !intent.LimitPrice.Decimal.IsPositive() {
			return &ValidationError{Field: "limit_price", Reason: "must be positive"}
		}
	case model.StyleMarket:
		if intent.LimitPrice.Valid {
			return &ValidationError{Field: "limit_price", Reason: "must be empty for MARKET orders"}
		}
	default:
		return &ValidationError{Field: "execution_type", Reason: "must be MARKET or LIMIT"}
	}

	switch intent.Product {
	case model.ProductMIS, model.ProductNRML, model.ProductCNC:
	default:
		return &ValidationError{Field: "product_type", Reason: "must be MIS, NRML or CNC"}
	}

	switch intent.Purpose {
	case model.PurposeEntry, model.PurposeExit:
	default:
		return &ValidationError{Field: "broadcast_type", Reason: "must be ENTRY or EXIT"}
	}
	return nil
}

// Execute validates intent and runs it as one broadcast issued by adminID.
// It blocks until every target has a final outcome. Only a failure to create
// the broadcast record is returned as an error; per-user problems end up in
// the report's failure list. Once orders have been sent the report is always
// returned.
func (s *Service) Execute(ctx context.Context, adminID string, intent model.BroadcastIntent) (*Report, error) {
	if err := Validate(&intent); err != nil {
		return nil, err
	}

	start := s.now()
	purpose := string(intent.Purpose)
	b := &model.Broadcast{
		ID:          uuid.New().String(),
		AdminID:     adminID,
		Symbol:      intent.Symbol,
		Expiry:      intent.Expiry,
		Strike:      intent.Strike,
		Right:       intent.Right,
		Side:        intent.Side,
		Style:       intent.Style,
		LimitPrice:  intent.LimitPrice,
		Product:     intent.Product,
		Purpose:     intent.Purpose,
		Notes:       intent.Notes,
		Status:      model.BroadcastCreated,
		BroadcastAt: start.UTC(),
	}
	if err := s.store.CreateBroadcast(ctx, b); err != nil {
		metrics.BroadcastWriteFailures.WithLabelValues("create").Inc()
		return nil, fmt.Errorf("%w: create broadcast: %v", ErrPersistence, err)
	}

	targets := s.resolveTargets(ctx, adminID, intent)

	s.setStatus(ctx, b.ID, model.BroadcastDispatching)
	results := s.dispatch(ctx, b, targets)

	s.setStatus(ctx, b.ID, model.BroadcastAggregating)
	report := &Report{
		BroadcastID: b.ID,
		TotalUsers:  len(targets),
		SuccessList: make([]Outcome, 0, len(results)),
		FailureList: make([]Outcome, 0),
	}
	for _, res := range results {
		if res.Status != model.ExecutionSuccess {
			report.FailureList = append(report.FailureList, res.Outcome)
			continue
		}
		report.SuccessList = append(report.SuccessList, res.Outcome)
		if res.fill.Valid {
			s.applyFill(ctx, b, res)
		}
	}
	report.Executed = len(report.SuccessList)
	report.Failed = len(report.FailureList)
	report.Status = model.BroadcastCompleted
	if report.Failed > 0 {
		report.Status = model.BroadcastPartialSuccess
	}

	report.Finalized = true
	if err := s.store.FinalizeBroadcast(ctx, b.ID, report.Status, report.TotalUsers, report.Executed, report.Failed); err != nil {
		report.Finalized = false
		metrics.BroadcastWriteFailures.WithLabelValues("finalize").Inc()
		slog.Error("finalize broadcast failed",
			"broadcast_id", b.ID,
			"status", report.Status,
			"executed", report.Executed,
			"failed", report.Failed,
			"err", err,
		)
	}

	elapsed := s.now().Sub(start)
	report.ExecutionTimeSeconds = math.Round(elapsed.Seconds()*100) / 100
	metrics.BroadcastsTotal.WithLabelValues(purpose, string(report.Status)).Inc()
	metrics.BroadcastDuration.WithLabelValues(purpose).Observe(elapsed.Seconds())

	s.wsHub.Broadcast(WSMessage{
		Type:        EventBroadcastFinalized,
		BroadcastID: b.ID,
		Status:      string(report.Status),
		Targeted:    report.TotalUsers,
		Executed:    report.Executed,
		Failed:      report.Failed,
	})

	slog.Info("broadcast finalized",
		"broadcast_id", b.ID,
		"admin", adminID,
		"purpose", purpose,
		"symbol", b.Symbol,
		"side", b.Side,
		"status", report.Status,
		"targeted", report.TotalUsers,
		"executed", report.Executed,
		"failed", report.Failed,
		"finalized", report.Finalized,
		"elapsed", elapsed.String(),
	)
	return report, nil
}

// resolveTargets builds the recipient list. Unknown users and users without
// a trading profile are dropped without a report entry.
func (s *Service) resolveTargets(ctx context.Context, adminID string, intent model.BroadcastIntent) []target {
	ids := make([]string, 0, len(intent.TargetUserIDs)+1)
	if intent.IncludeAdmin && adminID != "" {
		ids = append(ids, adminID)
	}
	ids = append(ids, intent.TargetUserIDs...)

	seen := make(map[string]bool, len(ids))
	targets := make([]target, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true

		user, err := s.store.GetUser(ctx, id)
		if err != nil {
			slog.Debug("broadcast target skipped", "user", id, "reason", "no user", "err", err)
			continue
		}
		profile, err := s.store.GetProfile(ctx, id)
		if err != nil {
			slog.Debug("broadcast target skipped", "user", id, "reason", "no trading profile", "err", err)
			continue
		}
		targets = append(targets, target{
			user:     *user,
			quantity: instrument.Quantity(intent.Symbol, profile.Multiplier),
		})
	}
	return targets
}

// dispatch runs one task per target and waits for all of them. Results are
// returned in completion order.
func (s *Service) dispatch(ctx context.Context, b *model.Broadcast, targets []target) []result {
	out := make(chan result, len(targets))

	g := new(errgroup.Group)
	g.SetLimit(s.concurrency)
	for _, t := range targets {
		t := t
		g.Go(func() error {
			out <- s.executeTarget(ctx, b, t)
			return nil
		})
	}
	g.Wait()
	close(out)

	results := make([]result, 0, len(targets))
	for res := range out {
		results = append(results, res)
	}
	return results
}

// executeTarget places the order for one user and finalizes its execution
// record. It never returns an error: every problem becomes a failed result.
func (s *Service) executeTarget(ctx context.Context, b *model.Broadcast, t target) result {
	res := result{Outcome: Outcome{
		UserID:   t.user.ID,
		UserName: t.user.Email,
		Quantity: t.quantity,
	}}

	acct, acctErr := s.store.GetActiveAccount(ctx, t.user.ID)
	exec := &model.OrderExecution{
		ID:          uuid.New().String(),
		BroadcastID: b.ID,
		UserID:      t.user.ID,
		Quantity:    t.quantity,
		Status:      model.ExecutionPending,
		CreatedAt:   s.now().UTC(),
	}
	if acctErr == nil {
		exec.Variant = acct.Variant
		res.variant = acct.Variant
		res.accountID = acct.ID
	}
	if err := s.store.CreateExecution(ctx, exec); err != nil {
		slog.Error("create execution failed", "broadcast_id", b.ID, "user", t.user.ID, "err", err)
		res.Status = model.ExecutionFailed
		res.ErrorMessage = ReasonNotRecorded
		metrics.ExecutionsTotal.WithLabelValues(string(res.variant), string(res.Status)).Inc()
		return res
	}

	switch {
	case errors.Is(acctErr, store.ErrNotFound):
		return s.finish(ctx, exec, res, model.ExecutionFailed, ReasonNoAccount)
	case acctErr != nil:
		slog.Error("account lookup failed", "broadcast_id", b.ID, "user", t.user.ID, "err", acctErr)
		return s.finish(ctx, exec, res, model.ExecutionFailed, ReasonAccountLookup)
	case acct.Expired(s.now()):
		return s.finish(ctx, exec, res, model.ExecutionFailed, ReasonTokenExpired)
	}

	gw, err := s.gateways.Get(acct.Variant)
	if err != nil {
		return s.finish(ctx, exec, res, model.ExecutionFailed, err.Error())
	}

	cred := gateway.CredentialFor(acct)
	tradingSymbol := instrument.TradingSymbol(b.Symbol, b.Expiry, b.Strike, b.Right)
	venue := instrument.Venue(b.Symbol)
	orderID, err := gw.PlaceOrder(ctx, cred, gateway.OrderRequest{
		TradingSymbol: tradingSymbol,
		Venue:         venue,
		Side:          b.Side,
		Quantity:      t.quantity,
		Product:       b.Product,
		Style:         b.Style,
		LimitPrice:    b.LimitPrice,
	})
	if err != nil {
		status := model.ExecutionFailed
		if errors.Is(err, gateway.ErrRejected) {
			status = model.ExecutionRejected
		}
		slog.Warn("order failed",
			"broadcast_id", b.ID,
			"user", t.user.ID,
			"variant", acct.Variant,
			"symbol", tradingSymbol,
			"err", err,
		)
		return s.finish(ctx, exec, res, status, err.Error())
	}

	fill := b.LimitPrice
	if !fill.Valid {
		if ltp, ok := gw.LastTradedPrice(ctx, cred, tradingSymbol, venue); ok {
			fill = decimal.NewNullDecimal(ltp)
		}
	}
	executedAt := s.now().UTC()
	exec.BrokerOrderID = orderID
	exec.FillPrice = fill
	exec.ExecutedAt = &executedAt

	res.BrokerOrderID = orderID
	res.fill = fill
	if fill.Valid {
		price := fill.Decimal
		res.ExecutionPrice = &price
	}
	return s.finish(ctx, exec, res, model.ExecutionSuccess, "")
}

// finish commits the terminal state of an execution record. A failed commit
// is logged; the outcome stands since the broker call has already happened.
func (s *Service) finish(ctx context.Context, exec *model.OrderExecution, res result, status model.ExecutionStatus, reason string) result {
	exec.Status = status
	exec.ErrorMessage = reason
	if err := s.store.FinalizeExecution(ctx, exec); err != nil {
		slog.Error("finalize execution failed",
			"broadcast_id", exec.BroadcastID,
			"execution", exec.ID,
			"user", exec.UserID,
			"status", status,
			"err", err,
		)
	}

	res.Status = status
	res.ErrorMessage = reason
	metrics.ExecutionsTotal.WithLabelValues(string(res.variant), string(status)).Inc()

	s.wsHub.Broadcast(WSMessage{
		Type:          EventExecutionCompleted,
		BroadcastID:   exec.BroadcastID,
		UserID:        exec.UserID,
		Status:        string(status),
		Quantity:      exec.Quantity,
		BrokerOrderID: exec.BrokerOrderID,
		ErrorMessage:  reason,
		Variant:       exec.Variant,
	})
	return res
}

// applyFill folds a successful execution into the position ledger. Ledger
// errors are warnings: the order has filled regardless.
func (s *Service) applyFill(ctx context.Context, b *model.Broadcast, res result) {
	key := model.ContractKey{
		Symbol: b.Symbol,
		Expiry: b.Expiry,
		Strike: b.Strike,
		Right:  b.Right,
	}

	var err error
	switch b.Purpose {
	case model.PurposeEntry:
		_, err = s.ledger.ApplyEntryFill(ctx, res.UserID, res.accountID, key, b.Side, res.Quantity, res.fill.Decimal)
	case model.PurposeExit:
		var pos *model.Position
		pos, err = s.ledger.FindOpen(ctx, res.UserID, res.accountID, key)
		if err == nil {
			_, err = s.ledger.ClosePosition(ctx, pos.ID, res.fill.Decimal, res.Quantity)
		}
	}
	if err != nil {
		metrics.LedgerWarnings.Inc()
		slog.Warn("ledger update failed",
			"broadcast_id", b.ID,
			"user", res.UserID,
			"purpose", b.Purpose,
			"symbol", b.Symbol,
			"err", err,
		)
	}
}

func (s *Service) setStatus(ctx context.Context, id string, status model.BroadcastStatus) {
	if err := s.store.SetBroadcastStatus(ctx, id, status); err != nil {
		slog.Warn("broadcast status update failed", "broadcast_id", id, "status", status, "err", err)
	}
}
