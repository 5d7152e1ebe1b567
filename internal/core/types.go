package core

import "time"

// DateLayout is the canonical ISO date form used in records.
const DateLayout = "2006-01-02"

// Kind identifies the type of market data being requested
type Kind string

const (
	KindQuote     Kind = "quote"
	KindDividends Kind = "dividends"
	KindHistory   Kind = "history"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindQuote, KindDividends, KindHistory:
		return true
	}
	return false
}

// Dividend is a single cash distribution.
type Dividend struct {
	ExDate string  `json:"ex_date"`
	Amount float64 `json:"amount"`
}

// Bar is one daily OHLCV row.
type Bar struct {
	Date   string  `json:"date"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume int64   `json:"volume"`
}

// Record is the provider-agnostic shape returned to callers. Scalar fields
// are nil when the upstream did not report them. DividendYield is always a
// percentage (0.52 means 0.52%).
type Record struct {
	Symbol         string     `json:"symbol"`
	Kind           Kind       `json:"kind"`
	Name           *string    `json:"name"`
	Currency       *string    `json:"currency"`
	Price          *float64   `json:"price"`
	PreviousClose  *float64   `json:"previous_close"`
	Change         *float64   `json:"change"`
	ChangePercent  *float64   `json:"change_percent"`
	DividendYield  *float64   `json:"dividend_yield"`
	AnnualDividend *float64   `json:"annual_dividend"`
	ExDividendDate *string    `json:"ex_dividend_date"`
	Dividends      []Dividend `json:"dividends"`
	Bars           []Bar      `json:"bars"`
	Range          Range      `json:"range,omitempty"`
	AsOf           *string    `json:"as_of"`
}

// EmptyRecord returns the "no data currently available" shape for key.
func EmptyRecord(key ResourceKey) Record {
	return Record{Symbol: key.Symbol, Kind: key.Kind, Range: key.Range}
}

// IsEmpty reports whether the record carries no data at all.
func (r Record) IsEmpty() bool {
	return r.Name == nil && r.Currency == nil && r.Price == nil &&
		r.PreviousClose == nil && r.Change == nil && r.ChangePercent == nil &&
		r.DividendYield == nil && r.AnnualDividend == nil && r.ExDividendDate == nil &&
		len(r.Dividends) == 0 && len(r.Bars) == 0 && r.AsOf == nil
}

// Float returns a pointer to v.
func Float(v float64) *float64 { return &v }

// String returns a pointer to s, or nil for an empty string.
func String(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Date formats t as a canonical ISO date pointer; zero times yield nil.
func Date(t time.Time) *string {
	if t.IsZero() {
		return nil
	}
	s := t.UTC().Format(DateLayout)
	return &s
}

// TrailingDividends sums the distributions whose ex-date falls within the
// year before asOf.
func TrailingDividends(divs []Dividend, asOf time.Time) (float64, bool) {
	cutoff := asOf.AddDate(-1, 0, 0)
	var sum float64
	found := false
	for _, d := range divs {
		t, err := time.Parse(DateLayout, d.ExDate)
		if err != nil || t.Before(cutoff) || t.After(asOf) {
			continue
		}
		sum += d.Amount
		found = true
	}
	return sum, found
}
