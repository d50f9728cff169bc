// Package gateway adapts external brokerage APIs to the one capability set
// the broadcast engine needs: place an order, read a last traded price, list
// broker-side positions and renew a credential.
//
// Credentials travel through the rest of the system sealed. A gateway opens
// a credential immediately before the network call that needs it and never
// stores the plaintext.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/autobotela-sys/saas-copy-trading/internal/model"
)

var (
	// ErrNotSupported is returned by variants that cannot perform an
	// operation programmatically (e.g. renewal that needs an interactive login).
	ErrNotSupported = errors.New("gateway: operation not supported by broker")

	// ErrRejected marks a broker-side order rejection.
	ErrRejected = errors.New("gateway: order rejected by broker")

	// ErrUnknownVariant is returned by the registry for unregistered brokers.
	ErrUnknownVariant = errors.New("gateway: unknown broker variant")
)

// Gateway operation names, used in errors and metrics.
const (
	OpPlaceOrder = "place_order"
	OpLTP        = "ltp"
	OpPositions  = "positions"
	OpRenew      = "renew_credential"
)

// Error describes a failed gateway call. No partial effect may be assumed:
// an order is either accepted with an id or not placed.
type Error struct {
	Variant model.BrokerVariant
	Op      string
	Status  int // HTTP status, 0 for transport failures
	Reason  string
	Err     error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("gateway: %s %s: %s", e.Variant, e.Op, e.Reason)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Credential is the sealed broker credential of one account.
type Credential struct {
	ClientID  string
	Sealed    string
	ExpiresAt time.Time
}

// CredentialFor extracts the credential of a broker account.
func CredentialFor(a *model.BrokerAccount) Credential {
	return Credential{
		ClientID:  a.ClientID,
		Sealed:    a.AccessToken,
		ExpiresAt: a.TokenExpiresAt,
	}
}

// OrderRequest is a single-shot order in broker-neutral form.
type OrderRequest struct {
	TradingSymbol string
	Venue         string
	Side          model.Side
	Quantity      int64
	Product       model.ProductType
	Style         model.ExecutionStyle
	LimitPrice    decimal.NullDecimal
}

// BrokerPosition is a broker-native net position, normalised.
type BrokerPosition struct {
	TradingSymbol string          `json:"trading_symbol"`
	Venue         string          `json:"venue"`
	Product       string          `json:"product"`
	Quantity      int64           `json:"quantity"` // signed: +long, -short
	AveragePrice  decimal.Decimal `json:"average_price"`
	LastPrice     decimal.Decimal `json:"last_price"`
	PnL           decimal.Decimal `json:"pnl"`
}

// Renewal is a freshly issued credential.
type Renewal struct {
	Sealed    string
	ExpiresAt time.Time
}

// Gateway is implemented once per brokerage.
type Gateway interface {
	// Variant identifies the brokerage.
	Variant() model.BrokerVariant

	// PlaceOrder submits an order and returns the broker order id.
	PlaceOrder(ctx context.Context, cred Credential, req OrderRequest) (string, error)

	// LastTradedPrice returns the latest price, or false when no quote is
	// available right now. A missing quote is never an error.
	LastTradedPrice(ctx context.Context, cred Credential, tradingSymbol, venue string) (decimal.Decimal, bool)

	// OpenPositions lists the broker's view of the account's net positions.
	OpenPositions(ctx context.Context, cred Credential) ([]BrokerPosition, error)

	// RenewCredential exchanges a still-valid credential for a new one.
	RenewCredential(ctx context.Context, cred Credential) (Renewal, error)
}

// Registry resolves a broker variant to its gateway.
type Registry struct {
	gateways map[model.BrokerVariant]Gateway
}

// NewRegistry registers the given gateways by variant.
func NewRegistry(gws ...Gateway) *Registry {
	r := &Registry{gateways: make(map[model.BrokerVariant]Gateway, len(gws))}
	for _, g := range gws {
		r.gateways[g.Variant()] = g
	}
	return r
}

// Get returns the gateway for variant.
func (r *Registry) Get(variant model.BrokerVariant) (Gateway, error) {
	g, ok := r.gateways[variant]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownVariant, variant)
	}
	return g, nil
}
