// Package instrument holds the static exchange facts the engine needs to
// size and route an index-option order: lot sizes, listing venue and the
// broker trading-symbol format.
package instrument

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/autobotela-sys/saas-copy-trading/internal/model"
)

// ErrInvalidSymbol is returned for trading symbols that do not follow the
// SYMBOL+EXPIRY+STRIKE+RIGHT layout.
var ErrInvalidSymbol = errors.New("instrument: invalid trading symbol")

// symbolRegex matches: {underlying}{DDMMMYY}{strike}{CE|PE}
// Example: NIFTY24JAN2622000CE
var symbolRegex = regexp.MustCompile(`^([A-Z]+?)(\d{2}[A-Z]{3}\d{2})(\d+)(CE|PE)$`)

// Exchange-mandated lot sizes per underlying.
var lotSizes = map[string]int64{
	"BANKNIFTY": 30,
	"NIFTY":     65,
	"SENSEX":    20,
}

// Listing venues.
const (
	VenueNFO = "NFO" // NSE futures & options
	VenueBFO = "BFO" // BSE futures & options
)

// LotSize returns the lot size for symbol. Unknown symbols trade in lots of 1.
func LotSize(symbol string) int64 {
	if n, ok := lotSizes[normalize(symbol)]; ok {
		return n
	}
	return 1
}

// Quantity is multiplier × LotSize(symbol).
func Quantity(symbol string, multiplier int64) int64 {
	return multiplier * LotSize(symbol)
}

// Venue returns the derivatives segment an underlying is listed on.
func Venue(symbol string) string {
	switch normalize(symbol) {
	case "NIFTY", "BANKNIFTY":
		return VenueNFO
	default:
		return VenueBFO
	}
}

// TradingSymbol builds the broker symbol, e.g. NIFTY24JAN2622000CE.
// The strike is truncated to its integer part.
func TradingSymbol(symbol, expiry string, strike decimal.Decimal, right model.OptionRight) string {
	return normalize(symbol) + strings.ToUpper(strings.TrimSpace(expiry)) +
		strike.Truncate(0).String() + string(right)
}

func normalize(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// ParseTradingSymbol splits a broker trading symbol back into its contract
// key. Only the two-digit-year expiry form can be parsed unambiguously.
func ParseTradingSymbol(tradingSymbol string) (model.ContractKey, error) {
	m := symbolRegex.FindStringSubmatch(normalize(tradingSymbol))
	if m == nil {
		return model.ContractKey{}, fmt.Errorf("%w: %s (expected SYMBOL+DDMMMYY+STRIKE+CE|PE)",
			ErrInvalidSymbol, tradingSymbol)
	}
	strike, err := decimal.NewFromString(m[3])
	if err != nil {
		return model.ContractKey{}, fmt.Errorf("%w: strike %s", ErrInvalidSymbol, m[3])
	}
	return model.ContractKey{
		Symbol: m[1],
		Expiry: m[2],
		Strike: strike,
		Right:  model.OptionRight(m[4]),
	}, nil
}
