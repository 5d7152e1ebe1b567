package core

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Range selects how far back a series reaches.
type Range string

const (
	Range1M  Range = "1m"
	Range3M  Range = "3m"
	Range6M  Range = "6m"
	Range1Y  Range = "1y"
	Range2Y  Range = "2y"
	Range5Y  Range = "5y"
	RangeMax Range = "max"
)

var validRanges = map[Range]bool{
	Range1M: true, Range3M: true, Range6M: true, Range1Y: true,
	Range2Y: true, Range5Y: true, RangeMax: true,
}

// ParseRange validates a range selector. An empty string yields def.
func ParseRange(s string, def Range) (Range, error) {
	if s == "" {
		return def, nil
	}
	r := Range(strings.ToLower(strings.TrimSpace(s)))
	if !validRanges[r] {
		return "", WrapError(ErrRangeInvalid, fmt.Errorf("unknown range %q", s))
	}
	return r, nil
}

// Start returns the first instant covered by r, relative to now.
// RangeMax returns the zero time.
func (r Range) Start(now time.Time) time.Time {
	switch r {
	case Range1M:
		return now.AddDate(0, -1, 0)
	case Range3M:
		return now.AddDate(0, -3, 0)
	case Range6M:
		return now.AddDate(0, -6, 0)
	case Range2Y:
		return now.AddDate(-2, 0, 0)
	case Range5Y:
		return now.AddDate(-5, 0, 0)
	case RangeMax:
		return time.Time{}
	default:
		return now.AddDate(-1, 0, 0)
	}
}

// validSymbol matches tickers like AAPL, BRK.B, BRK-B, 0700.HK and ^GSPC
var validSymbol = regexp.MustCompile(`^\^?[A-Z0-9]{1,10}([.\-][A-Z0-9]{1,4})?$`)

// NormalizeSymbol upper-cases and validates a ticker symbol.
func NormalizeSymbol(symbol string) (string, error) {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	if s == "" {
		return "", WrapError(ErrSymbolInvalid, fmt.Errorf("symbol cannot be empty"))
	}
	if len(s) > 20 || !validSymbol.MatchString(s) {
		return "", WrapError(ErrSymbolInvalid, fmt.Errorf("invalid symbol format: %s", symbol))
	}
	return s, nil
}

// ResourceKey identifies one cacheable resource: a symbol plus a query variant.
type ResourceKey struct {
	Kind   Kind
	Symbol string
	Range  Range
}

// NewResourceKey validates its inputs and applies kind-specific range defaults.
func NewResourceKey(kind Kind, symbol, rng string) (ResourceKey, error) {
	if !kind.Valid() {
		return ResourceKey{}, fmt.Errorf("unknown kind %q", kind)
	}
	sym, err := NormalizeSymbol(symbol)
	if err != nil {
		return ResourceKey{}, err
	}
	key := ResourceKey{Kind: kind, Symbol: sym}
	switch kind {
	case KindHistory:
		key.Range, err = ParseRange(rng, Range1Y)
	case KindDividends:
		key.Range, err = ParseRange(rng, Range5Y)
	}
	if err != nil {
		return ResourceKey{}, err
	}
	return key, nil
}

// String renders the cache key, e.g. "history:AAPL:1y".
func (k ResourceKey) String() string {
	if k.Range == "" {
		return string(k.Kind) + ":" + k.Symbol
	}
	return string(k.Kind) + ":" + k.Symbol + ":" + string(k.Range)
}
