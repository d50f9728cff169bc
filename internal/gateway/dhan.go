package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/autobotela-sys/saas-copy-trading/internal/model"
)

// DefaultDhanURL is the DhanHQ v2 REST root.
const DefaultDhanURL = "https://api.dhan.co/v2"

// dhanValidityLayout is the format of tokenValidity, in IST.
const dhanValidityLayout = "02/01/2006 15:04"

var ist = time.FixedZone("IST", 5*3600+30*60)

// Dhan is the DhanHQ gateway. Dhan tokens can be renewed while still valid.
type Dhan struct {
	t      *transport
	sealer *Sealer
}

// NewDhan creates a Dhan gateway. client may be nil.
func NewDhan(baseURL string, sealer *Sealer, client *http.Client, timeout time.Duration) *Dhan {
	if baseURL == "" {
		baseURL = DefaultDhanURL
	}
	return &Dhan{
		t:      newTransport(model.VariantDhan, baseURL, client, timeout),
		sealer: sealer,
	}
}

func (d *Dhan) Variant() model.BrokerVariant { return model.VariantDhan }

// dhanSegment maps a venue to Dhan's exchange segment.
func dhanSegment(venue string) string {
	switch strings.ToUpper(venue) {
	case "NFO":
		return "NSE_FNO"
	case "BFO":
		return "BSE_FNO"
	default:
		return venue
	}
}

// dhanProduct maps a product type to Dhan's naming.
func dhanProduct(p model.ProductType) string {
	switch p {
	case model.ProductMIS:
		return "INTRADAY"
	case model.ProductNRML:
		return "MARGIN"
	default:
		return string(p)
	}
}

type dhanOrder struct {
	ClientID        string          `json:"dhanClientId"`
	TransactionType string          `json:"transactionType"`
	ExchangeSegment string          `json:"exchangeSegment"`
	ProductType     string          `json:"productType"`
	OrderType       string          `json:"orderType"`
	Validity        string          `json:"validity"`
	TradingSymbol   string          `json:"tradingSymbol"`
	Quantity        int64           `json:"quantity"`
	Price           decimal.Decimal `json:"price"`
}

type dhanError struct {
	ErrorType    string `json:"errorType"`
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

func (d *Dhan) PlaceOrder(ctx context.Context, cred Credential, req OrderRequest) (string, error) {
	order := dhanOrder{
		ClientID:        cred.ClientID,
		TransactionType: string(req.Side),
		ExchangeSegment: dhanSegment(req.Venue),
		ProductType:     dhanProduct(req.Product),
		OrderType:       string(req.Style),
		Validity:        "DAY",
		TradingSymbol:   req.TradingSymbol,
		Quantity:        req.Quantity,
	}
	if req.Style == model.StyleLimit && req.LimitPrice.Valid {
		order.Price = req.LimitPrice.Decimal
	}
	body, err := json.Marshal(order)
	if err != nil {
		return "", d.t.fail(OpPlaceOrder, 0, "encode order", err)
	}

	header, err := d.header(OpPlaceOrder, cred)
	if err != nil {
		return "", err
	}
	data, status, err := d.t.do(ctx, OpPlaceOrder, http.MethodPost, "/orders", bytes.NewReader(body), header)
	if err != nil {
		return "", err
	}
	if err := d.checkStatus(OpPlaceOrder, data, status); err != nil {
		return "", err
	}

	var out struct {
		OrderID     string `json:"orderId"`
		OrderStatus string `json:"orderStatus"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return "", d.t.fail(OpPlaceOrder, status, "malformed response", err)
	}
	if strings.EqualFold(out.OrderStatus, "REJECTED") {
		return "", d.t.fail(OpPlaceOrder, status, "order "+out.OrderID+" rejected", ErrRejected)
	}
	if out.OrderID == "" {
		return "", d.t.fail(OpPlaceOrder, status, "response carried no order id", nil)
	}
	return out.OrderID, nil
}

func (d *Dhan) LastTradedPrice(ctx context.Context, cred Credential, tradingSymbol, venue string) (decimal.Decimal, bool) {
	segment := dhanSegment(venue)
	body, _ := json.Marshal(map[string][]string{segment: {tradingSymbol}})

	header, err := d.header(OpLTP, cred)
	if err != nil {
		slog.Warn("ltp unavailable", "variant", d.Variant(), "symbol", tradingSymbol, "err", err)
		return decimal.Zero, false
	}
	data, status, err := d.t.do(ctx, OpLTP, http.MethodPost, "/marketfeed/ltp", bytes.NewReader(body), header)
	if err == nil {
		err = d.checkStatus(OpLTP, data, status)
	}
	if err != nil {
		slog.Warn("ltp unavailable", "variant", d.Variant(), "symbol", tradingSymbol, "err", err)
		return decimal.Zero, false
	}

	var out struct {
		Data map[string]map[string]struct {
			LastPrice decimal.Decimal `json:"last_price"`
		} `json:"data"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		slog.Warn("ltp unavailable", "variant", d.Variant(), "symbol", tradingSymbol, "err", err)
		return decimal.Zero, false
	}
	quote, ok := out.Data[segment][tradingSymbol]
	if !ok || !quote.LastPrice.IsPositive() {
		return decimal.Zero, false
	}
	return quote.LastPrice, true
}

func (d *Dhan) OpenPositions(ctx context.Context, cred Credential) ([]BrokerPosition, error) {
	header, err := d.header(OpPositions, cred)
	if err != nil {
		return nil, err
	}
	data, status, err := d.t.do(ctx, OpPositions, http.MethodGet, "/positions", nil, header)
	if err != nil {
		return nil, err
	}
	if err := d.checkStatus(OpPositions, data, status); err != nil {
		return nil, err
	}

	var rows []struct {
		TradingSymbol    string          `json:"tradingSymbol"`
		ExchangeSegment  string          `json:"exchangeSegment"`
		ProductType      string          `json:"productType"`
		NetQty           int64           `json:"netQty"`
		CostPrice        decimal.Decimal `json:"costPrice"`
		LastTradedPrice  decimal.Decimal `json:"lastTradedPrice"`
		RealizedProfit   decimal.Decimal `json:"realizedProfit"`
		UnrealizedProfit decimal.Decimal `json:"unrealizedProfit"`
	}
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, d.t.fail(OpPositions, status, "malformed response", err)
	}

	positions := make([]BrokerPosition, 0, len(rows))
	for _, r := range rows {
		positions = append(positions, BrokerPosition{
			TradingSymbol: r.TradingSymbol,
			Venue:         r.ExchangeSegment,
			Product:       r.ProductType,
			Quantity:      r.NetQty,
			AveragePrice:  r.CostPrice,
			LastPrice:     r.LastTradedPrice,
			PnL:           r.RealizedProfit.Add(r.UnrealizedProfit),
		})
	}
	return positions, nil
}

// RenewCredential exchanges a valid Dhan token for a new one.
func (d *Dhan) RenewCredential(ctx context.Context, cred Credential) (Renewal, error) {
	token, err := d.sealer.Open(cred.Sealed)
	if err != nil {
		return Renewal{}, d.t.fail(OpRenew, 0, "credential unreadable", err)
	}
	header := http.Header{}
	header.Set("access-token", token)
	header.Set("dhanClientId", cred.ClientID)

	data, status, err := d.t.do(ctx, OpRenew, http.MethodPost, "/RenewToken", nil, header)
	if err != nil {
		return Renewal{}, err
	}
	if err := d.checkStatus(OpRenew, data, status); err != nil {
		return Renewal{}, err
	}

	var out struct {
		AccessToken   string `json:"accessToken"`
		Token         string `json:"token"`
		TokenValidity string `json:"tokenValidity"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return Renewal{}, d.t.fail(OpRenew, status, "malformed response", err)
	}
	fresh := out.AccessToken
	if fresh == "" {
		fresh = out.Token
	}
	if fresh == "" {
		return Renewal{}, d.t.fail(OpRenew, status, "response carried no token", nil)
	}
	expiry, err := time.ParseInLocation(dhanValidityLayout, out.TokenValidity, ist)
	if err != nil {
		return Renewal{}, d.t.fail(OpRenew, status, "unparseable tokenValidity "+out.TokenValidity, err)
	}

	sealed, err := d.sealer.Seal(fresh)
	if err != nil {
		return Renewal{}, d.t.fail(OpRenew, status, "seal renewed token", err)
	}
	return Renewal{Sealed: sealed, ExpiresAt: expiry.UTC()}, nil
}

func (d *Dhan) header(op string, cred Credential) (http.Header, error) {
	token, err := d.sealer.Open(cred.Sealed)
	if err != nil {
		return nil, d.t.fail(op, 0, "credential unreadable", err)
	}
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set("access-token", token)
	h.Set("client-id", cred.ClientID)
	return h, nil
}

// checkStatus converts a non-2xx reply into a gateway error.
func (d *Dhan) checkStatus(op string, data []byte, status int) error {
	if status >= 200 && status < 300 {
		return nil
	}
	var de dhanError
	reason := strings.TrimSpace(string(data))
	if json.Unmarshal(data, &de) == nil && de.ErrorMessage != "" {
		reason = de.ErrorCode + " " + de.ErrorMessage
	}
	var cause error
	if op == OpPlaceOrder && status >= 400 && status < 500 && status != http.StatusUnauthorized {
		cause = ErrRejected
	}
	return d.t.fail(op, status, strings.TrimSpace(reason), cause)
}

var _ Gateway = (*Dhan)(nil)
