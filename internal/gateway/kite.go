package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/autobotela-sys/saas-copy-trading/internal/model"
)

// DefaultKiteURL is the Kite Connect v3 REST root.
const DefaultKiteURL = "https://api.kite.trade"

// Kite is the Zerodha Kite Connect gateway. Kite access tokens expire daily
// and can only be re-issued through an interactive login, so RenewCredential
// reports ErrNotSupported.
type Kite struct {
	t      *transport
	apiKey string
	sealer *Sealer
}

// NewKite creates a Kite gateway. client may be nil.
func NewKite(baseURL, apiKey string, sealer *Sealer, client *http.Client, timeout time.Duration) *Kite {
	if baseURL == "" {
		baseURL = DefaultKiteURL
	}
	return &Kite{
		t:      newTransport(model.VariantKite, baseURL, client, timeout),
		apiKey: apiKey,
		sealer: sealer,
	}
}

func (k *Kite) Variant() model.BrokerVariant { return model.VariantKite }

// kiteEnvelope wraps every Kite response.
type kiteEnvelope struct {
	Status    string          `json:"status"`
	Data      json.RawMessage `json:"data"`
	Message   string          `json:"message"`
	ErrorType string          `json:"error_type"`
}

// Kite error types that mean the order itself was refused.
var kiteRejections = map[string]bool{
	"InputException":  true,
	"OrderException":  true,
	"MarginException": true,
}

func (k *Kite) PlaceOrder(ctx context.Context, cred Credential, req OrderRequest) (string, error) {
	form := url.Values{}
	form.Set("exchange", req.Venue)
	form.Set("tradingsymbol", req.TradingSymbol)
	form.Set("transaction_type", string(req.Side))
	form.Set("quantity", strconv.FormatInt(req.Quantity, 10))
	form.Set("product", string(req.Product))
	form.Set("order_type", string(req.Style))
	form.Set("validity", "DAY")
	if req.Style == model.StyleLimit && req.LimitPrice.Valid {
		form.Set("price", req.LimitPrice.Decimal.String())
	}

	header, err := k.header(OpPlaceOrder, cred)
	if err != nil {
		return "", err
	}
	header.Set("Content-Type", "application/x-www-form-urlencoded")

	data, status, err := k.t.do(ctx, OpPlaceOrder, http.MethodPost, "/orders/regular", strings.NewReader(form.Encode()), header)
	if err != nil {
		return "", err
	}

	var out struct {
		OrderID string `json:"order_id"`
	}
	if err := k.decode(OpPlaceOrder, data, status, &out); err != nil {
		return "", err
	}
	if out.OrderID == "" {
		return "", k.t.fail(OpPlaceOrder, status, "response carried no order id", nil)
	}
	return out.OrderID, nil
}

func (k *Kite) LastTradedPrice(ctx context.Context, cred Credential, tradingSymbol, venue string) (decimal.Decimal, bool) {
	instrument := venue + ":" + tradingSymbol

	header, err := k.header(OpLTP, cred)
	if err != nil {
		slog.Warn("ltp unavailable", "variant", k.Variant(), "instrument", instrument, "err", err)
		return decimal.Zero, false
	}
	q := url.Values{}
	q.Set("i", instrument)

	data, status, err := k.t.do(ctx, OpLTP, http.MethodGet, "/quote/ltp?"+q.Encode(), nil, header)
	if err != nil {
		slog.Warn("ltp unavailable", "variant", k.Variant(), "instrument", instrument, "err", err)
		return decimal.Zero, false
	}

	var quotes map[string]struct {
		LastPrice decimal.Decimal `json:"last_price"`
	}
	if err := k.decode(OpLTP, data, status, &quotes); err != nil {
		slog.Warn("ltp unavailable", "variant", k.Variant(), "instrument", instrument, "err", err)
		return decimal.Zero, false
	}
	quote, ok := quotes[instrument]
	if !ok || !quote.LastPrice.IsPositive() {
		return decimal.Zero, false
	}
	return quote.LastPrice, true
}

func (k *Kite) OpenPositions(ctx context.Context, cred Credential) ([]BrokerPosition, error) {
	header, err := k.header(OpPositions, cred)
	if err != nil {
		return nil, err
	}
	data, status, err := k.t.do(ctx, OpPositions, http.MethodGet, "/portfolio/positions", nil, header)
	if err != nil {
		return nil, err
	}

	var out struct {
		Net []struct {
			TradingSymbol string          `json:"tradingsymbol"`
			Exchange      string          `json:"exchange"`
			Product       string          `json:"product"`
			Quantity      int64           `json:"quantity"`
			AveragePrice  decimal.Decimal `json:"average_price"`
			LastPrice     decimal.Decimal `json:"last_price"`
			PnL           decimal.Decimal `json:"pnl"`
		} `json:"net"`
	}
	if err := k.decode(OpPositions, data, status, &out); err != nil {
		return nil, err
	}

	positions := make([]BrokerPosition, 0, len(out.Net))
	for _, p := range out.Net {
		positions = append(positions, BrokerPosition{
			TradingSymbol: p.TradingSymbol,
			Venue:         p.Exchange,
			Product:       p.Product,
			Quantity:      p.Quantity,
			AveragePrice:  p.AveragePrice,
			LastPrice:     p.LastPrice,
			PnL:           p.PnL,
		})
	}
	return positions, nil
}

// RenewCredential always fails: Kite only issues tokens via interactive login.
func (k *Kite) RenewCredential(_ context.Context, _ Credential) (Renewal, error) {
	return Renewal{}, &Error{
		Variant: model.VariantKite,
		Op:      OpRenew,
		Reason:  "kite tokens require an interactive login",
		Err:     ErrNotSupported,
	}
}

// header opens the credential and builds the auth headers.
func (k *Kite) header(op string, cred Credential) (http.Header, error) {
	token, err := k.sealer.Open(cred.Sealed)
	if err != nil {
		return nil, k.t.fail(op, 0, "credential unreadable", err)
	}
	h := http.Header{}
	h.Set("X-Kite-Version", "3")
	h.Set("Authorization", "token "+k.apiKey+":"+token)
	return h, nil
}

// decode unwraps the Kite envelope into out.
func (k *Kite) decode(op string, data []byte, status int, out any) error {
	var env kiteEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return k.t.fail(op, status, "malformed response", err)
	}
	if status != http.StatusOK || env.Status != "success" {
		reason := env.Message
		if reason == "" {
			reason = strings.TrimSpace(string(data))
		}
		var cause error
		if kiteRejections[env.ErrorType] {
			cause = ErrRejected
		}
		return k.t.fail(op, status, reason, cause)
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return k.t.fail(op, status, "malformed data", err)
	}
	return nil
}

var _ Gateway = (*Kite)(nil)
