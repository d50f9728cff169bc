// Package model defines the core domain types shared across the copy-trading
// engine. All monetary values use shopspring/decimal; money is never a float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order or a position.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Valid reports whether s is BUY or SELL.
func (s Side) Valid() bool { return s == SideBuy || s == SideSell }

// OptionRight is the call/put flag of an option contract.
type OptionRight string

const (
	RightCall OptionRight = "CE"
	RightPut  OptionRight = "PE"
)

// ExecutionStyle is MARKET or LIMIT.
type ExecutionStyle string

const (
	StyleMarket ExecutionStyle = "MARKET"
	StyleLimit  ExecutionStyle = "LIMIT"
)

// ProductType is the broker margin product.
type ProductType string

const (
	ProductMIS  ProductType = "MIS"
	ProductNRML ProductType = "NRML"
	ProductCNC  ProductType = "CNC"
)

// Purpose distinguishes opening broadcasts from closing ones.
type Purpose string

const (
	PurposeEntry Purpose = "ENTRY"
	PurposeExit  Purpose = "EXIT"
)

// BrokerVariant identifies which brokerage gateway serves an account.
type BrokerVariant string

const (
	VariantKite BrokerVariant = "ZERODHA"
	VariantDhan BrokerVariant = "DHAN"
)

// BroadcastStatus tracks a broadcast through its lifecycle.
// COMPLETED and PARTIAL_SUCCESS are the two finalized states.
type BroadcastStatus string

const (
	BroadcastCreated        BroadcastStatus = "CREATED"
	BroadcastDispatching    BroadcastStatus = "DISPATCHING"
	BroadcastAggregating    BroadcastStatus = "AGGREGATING"
	BroadcastCompleted      BroadcastStatus = "COMPLETED"
	BroadcastPartialSuccess BroadcastStatus = "PARTIAL_SUCCESS"
)

// Finalized reports whether the broadcast has reached a terminal state.
func (s BroadcastStatus) Finalized() bool {
	return s == BroadcastCompleted || s == BroadcastPartialSuccess
}

// ExecutionStatus is the per-user order attempt state.
type ExecutionStatus string

const (
	ExecutionPending  ExecutionStatus = "PENDING"
	ExecutionSuccess  ExecutionStatus = "SUCCESS"
	ExecutionFailed   ExecutionStatus = "FAILED"
	ExecutionRejected ExecutionStatus = "REJECTED"
)

// PositionStatus is OPEN or CLOSED. Positions are never deleted.
type PositionStatus string

const (
	PositionOpen   PositionStatus = "OPEN"
	PositionClosed PositionStatus = "CLOSED"
)

// AccountStatus is the lifecycle state of a linked broker account.
type AccountStatus string

const (
	AccountActive       AccountStatus = "ACTIVE"
	AccountError        AccountStatus = "ERROR"
	AccountExpired      AccountStatus = "EXPIRED"
	AccountPendingToken AccountStatus = "PENDING_TOKEN"
)

// Role of a platform user.
type Role string

const (
	RoleAdmin Role = "ADMIN"
	RoleUser  Role = "USER"
)

// User is a platform end-user or admin.
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Role      Role      `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

// TradingProfile holds the per-user sizing preferences.
type TradingProfile struct {
	UserID        string              `json:"user_id"`
	Multiplier    int64               `json:"multiplier"`   // 1, 2 or 3
	RiskProfile   string              `json:"risk_profile"` // CONSERVATIVE, MODERATE, AGGRESSIVE
	MaxLossPerDay decimal.NullDecimal `json:"max_loss_per_day"`
	UpdatedAt     time.Time           `json:"updated_at"`
}

// BrokerAccount is a user's linked brokerage account. AccessToken is always
// the sealed (encrypted) form.
type BrokerAccount struct {
	ID              string        `json:"id"`
	UserID          string        `json:"user_id"`
	Variant         BrokerVariant `json:"broker_type"`
	ClientID        string        `json:"broker_account_id"`
	AccessToken     string        `json:"-"`
	TokenExpiresAt  time.Time     `json:"token_expires_at"`
	LastRefreshedAt *time.Time    `json:"last_token_refresh_at,omitempty"`
	Status          AccountStatus `json:"status"`
}

// Expired reports whether the account token is expired at now.
func (a *BrokerAccount) Expired(now time.Time) bool {
	return !a.TokenExpiresAt.After(now)
}

// BroadcastIntent is one admin-issued instruction. Immutable once submitted.
type BroadcastIntent struct {
	Symbol        string              `json:"symbol"`
	Expiry        string              `json:"expiry"`
	Strike        decimal.Decimal     `json:"strike"`
	Right         OptionRight         `json:"option_type"`
	Side          Side                `json:"side"`
	Style         ExecutionStyle      `json:"execution_type"`
	LimitPrice    decimal.NullDecimal `json:"limit_price"`
	Product       ProductType         `json:"product_type"`
	Purpose       Purpose             `json:"broadcast_type"`
	TargetUserIDs []string            `json:"selected_user_ids"`
	IncludeAdmin  bool                `json:"include_admin"`
	Notes         string              `json:"notes,omitempty"`
}

// Broadcast is the persisted outcome header of one BroadcastIntent.
type Broadcast struct {
	ID          string              `json:"id"`
	AdminID     string              `json:"admin_id"`
	Symbol      string              `json:"symbol"`
	Expiry      string              `json:"expiry"`
	Strike      decimal.Decimal     `json:"strike"`
	Right       OptionRight         `json:"option_type"`
	Side        Side                `json:"side"`
	Style       ExecutionStyle      `json:"execution_type"`
	LimitPrice  decimal.NullDecimal `json:"limit_price"`
	Product     ProductType         `json:"product_type"`
	Purpose     Purpose             `json:"broadcast_type"`
	Notes       string              `json:"notes,omitempty"`
	Status      BroadcastStatus     `json:"status"`
	Targeted    int                 `json:"total_users_targeted"`
	Executed    int                 `json:"total_orders_executed"`
	Failed      int                 `json:"total_orders_failed"`
	BroadcastAt time.Time           `json:"broadcast_at"`
}

// OrderExecution is one row per (broadcast, target user).
type OrderExecution struct {
	ID            string              `json:"id"`
	BroadcastID   string              `json:"broadcast_order_id"`
	UserID        string              `json:"user_id"`
	Variant       BrokerVariant       `json:"broker_type"`
	Quantity      int64               `json:"quantity"`
	Status        ExecutionStatus     `json:"execution_status"`
	BrokerOrderID string              `json:"broker_order_id,omitempty"`
	ErrorMessage  string              `json:"error_message,omitempty"`
	FillPrice     decimal.NullDecimal `json:"entry_price"`
	ExecutedAt    *time.Time          `json:"executed_at,omitempty"`
	CreatedAt     time.Time           `json:"created_at"`
}

// ContractKey identifies the option contract a position is held in.
type ContractKey struct {
	Symbol string          `json:"symbol"`
	Expiry string          `json:"expiry"`
	Strike decimal.Decimal `json:"strike"`
	Right  OptionRight     `json:"option_type"`
}

// Position is a user's open or closed exposure in one contract.
type Position struct {
	ID            string              `json:"id"`
	UserID        string              `json:"user_id"`
	AccountID     string              `json:"broker_account_id"`
	Contract      ContractKey         `json:"contract"`
	Side          Side                `json:"side"`
	Quantity      int64               `json:"quantity"`
	EntryPrice    decimal.Decimal     `json:"entry_price"`
	CurrentPrice  decimal.NullDecimal `json:"current_price"`
	PnL           decimal.NullDecimal `json:"pnl"`
	PnLPercentage decimal.NullDecimal `json:"pnl_percentage"`
	Status        PositionStatus      `json:"position_status"`
	UpdatedAt     time.Time           `json:"last_updated_at"`
}

// RefreshStatus is the outcome of one token renewal attempt.
type RefreshStatus string

const (
	RefreshSuccess RefreshStatus = "SUCCESS"
	RefreshFailed  RefreshStatus = "FAILED"
	RefreshSkipped RefreshStatus = "SKIPPED"
)

// TokenRefreshLog records one scheduled renewal attempt.
type TokenRefreshLog struct {
	ID           string        `json:"id"`
	AccountID    string        `json:"broker_account_id"`
	AttemptedAt  time.Time     `json:"refresh_attempt_at"`
	Status       RefreshStatus `json:"status"`
	ErrorMessage string        `json:"error_message,omitempty"`
	OldExpiry    *time.Time    `json:"old_expiry,omitempty"`
	NewExpiry    *time.Time    `json:"new_expiry,omitempty"`
}
