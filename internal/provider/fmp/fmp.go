// Package fmp adapts Financial Modeling Prep. Accounts created after the
// /stable rollout cannot use /api/v3 and older plans sometimes lack /stable,
// so both path conventions are tried.
package fmp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/newthinker/quotegate/internal/core"
	"github.com/newthinker/quotegate/internal/provider"
)

// Name is the provider name used in config and resolution sources.
const Name = "fmp"

const defaultBaseURL = "https://financialmodelingprep.com"

// FMP implements provider.Provider
type FMP struct {
	apiKey    string
	baseURL   string
	transport *provider.Transport
	now       func() time.Time
}

// New creates a Financial Modeling Prep provider.
func New(cfg provider.Config) *FMP {
	base := defaultBaseURL
	if cfg.BaseURL != "" {
		base = strings.TrimSuffix(cfg.BaseURL, "/")
	}
	return &FMP{
		apiKey:    cfg.APIKey,
		baseURL:   base,
		transport: provider.NewTransport(Name, cfg.Transport...),
		now:       time.Now,
	}
}

func (f *FMP) Name() string { return Name }

func (f *FMP) Supports(kind core.Kind) bool { return kind.Valid() }

func (f *FMP) endpoint(path string, params url.Values) string {
	if params == nil {
		params = url.Values{}
	}
	params.Set("apikey", f.apiKey)
	return f.baseURL + path + "?" + params.Encode()
}

func (f *FMP) urls(key core.ResourceKey, now time.Time) []string {
	sym := key.Symbol
	switch key.Kind {
	case core.KindQuote:
		return []string{
			f.endpoint("/stable/quote", url.Values{"symbol": {sym}}),
			f.endpoint("/api/v3/quote/"+url.PathEscape(sym), nil),
		}
	case core.KindDividends:
		return []string{
			f.endpoint("/stable/dividends", url.Values{"symbol": {sym}}),
			f.endpoint("/api/v3/historical-price-full/stock_dividend/"+url.PathEscape(sym), nil),
		}
	case core.KindHistory:
		window := func() url.Values {
			v := url.Values{"to": {now.Format(core.DateLayout)}}
			if start := key.Range.Start(now); !start.IsZero() {
				v.Set("from", start.Format(core.DateLayout))
			}
			return v
		}
		stable := window()
		stable.Set("symbol", sym)
		return []string{
			f.endpoint("/stable/historical-price-eod/full", stable),
			f.endpoint("/api/v3/historical-price-full/"+url.PathEscape(sym), window()),
		}
	}
	return nil
}

func (f *FMP) Fetch(ctx context.Context, key core.ResourceKey) (*core.Record, error) {
	if f.apiKey == "" {
		return nil, provider.Errorf(Name, provider.Forbidden, "api key not configured")
	}
	now := f.now()
	return f.transport.TryEndpoints(ctx, f.urls(key, now), func(body []byte) (*core.Record, error) {
		return parse(body, key, now)
	})
}

func parse(body []byte, key core.ResourceKey, now time.Time) (*core.Record, error) {
	body = bytes.TrimSpace(body)
	if len(body) > 0 && body[0] == '{' {
		var env struct {
			ErrorMessage string `json:"Error Message"`
		}
		if err := json.Unmarshal(body, &env); err != nil {
			return nil, fmt.Errorf("decoding response: %w", err)
		}
		if env.ErrorMessage != "" {
			return nil, classify(env.ErrorMessage)
		}
	}

	switch key.Kind {
	case core.KindQuote:
		return parseQuote(body, key)
	case core.KindDividends:
		return parseDividends(body, key, now)
	default:
		return parseHistory(body, key, now)
	}
}

// classify maps an "Error Message" body, which FMP sometimes sends with a
// 200, onto the provider error kinds.
func classify(msg string) *provider.Error {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "limit reach"):
		return provider.Errorf(Name, provider.RateLimited, "%s", msg)
	case strings.Contains(lower, "api key"), strings.Contains(lower, "legacy endpoint"),
		strings.Contains(lower, "exclusive endpoint"), strings.Contains(lower, "subscription"):
		return provider.Errorf(Name, provider.Forbidden, "%s", msg)
	default:
		return provider.Errorf(Name, provider.NotFound, "%s", msg)
	}
}

type quote struct {
	Symbol            string   `json:"symbol"`
	Name              string   `json:"name"`
	Price             *float64 `json:"price"`
	Change            *float64 `json:"change"`
	ChangePercentage  *float64 `json:"changePercentage"`
	ChangesPercentage *float64 `json:"changesPercentage"`
	PreviousClose     *float64 `json:"previousClose"`
	Timestamp         int64    `json:"timestamp"`
}

func parseQuote(body []byte, key core.ResourceKey) (*core.Record, error) {
	var quotes []quote
	if err := json.Unmarshal(body, &quotes); err != nil {
		return nil, fmt.Errorf("decoding quote: %w", err)
	}
	if len(quotes) == 0 {
		return nil, provider.Errorf(Name, provider.NotFound, "unknown symbol %s", key.Symbol)
	}
	q := quotes[0]
	if q.Price == nil {
		return nil, provider.Errorf(Name, provider.NoData, "no price for %s", key.Symbol)
	}

	rec := core.EmptyRecord(key)
	rec.Name = core.String(q.Name)
	rec.Price = q.Price
	rec.Change = q.Change
	rec.PreviousClose = q.PreviousClose
	// the legacy field name has a stray "s"
	rec.ChangePercent = q.ChangePercentage
	if rec.ChangePercent == nil {
		rec.ChangePercent = q.ChangesPercentage
	}
	if q.Timestamp > 0 {
		rec.AsOf = core.Date(time.Unix(q.Timestamp, 0))
	}
	return &rec, nil
}

type dividend struct {
	Date     string   `json:"date"`
	Dividend *float64 `json:"dividend"`
	Adjusted *float64 `json:"adjDividend"`
	Yield    *float64 `json:"yield"`
}

// historical is the legacy wrapper around dividend and price series.
type historical[T any] struct {
	Symbol     string `json:"symbol"`
	Historical []T    `json:"historical"`
}

// decodeSeries accepts the bare array used by /stable and the wrapped
// object used by /api/v3.
func decodeSeries[T any](body []byte) ([]T, error) {
	if len(body) > 0 && body[0] == '[' {
		var rows []T
		err := json.Unmarshal(body, &rows)
		return rows, err
	}
	var wrapped historical[T]
	if err := json.Unmarshal(body, &wrapped); err != nil {
		return nil, err
	}
	return wrapped.Historical, nil
}

func parseDividends(body []byte, key core.ResourceKey, now time.Time) (*core.Record, error) {
	rows, err := decodeSeries[dividend](body)
	if err != nil {
		return nil, fmt.Errorf("decoding dividends: %w", err)
	}

	start := key.Range.Start(now).Format(core.DateLayout)
	var (
		divs   []core.Dividend
		yield  *float64
		latest string
	)
	for _, row := range rows {
		amount := row.Adjusted
		if amount == nil || *amount <= 0 {
			amount = row.Dividend
		}
		if amount == nil || *amount <= 0 || row.Date < start {
			continue
		}
		if _, err := time.Parse(core.DateLayout, row.Date); err != nil {
			continue
		}
		divs = append(divs, core.Dividend{ExDate: row.Date, Amount: *amount})
		// yield is already a percentage
		if row.Date > latest {
			latest, yield = row.Date, row.Yield
		}
	}
	if len(divs) == 0 {
		return nil, provider.Errorf(Name, provider.NoData, "no dividend history for %s", key.Symbol)
	}
	sort.Slice(divs, func(i, j int) bool { return divs[i].ExDate < divs[j].ExDate })

	rec := core.EmptyRecord(key)
	rec.Dividends = divs
	rec.ExDividendDate = core.String(latest)
	if yield != nil && *yield > 0 {
		rec.DividendYield = yield
	}
	if annual, ok := core.TrailingDividends(divs, now); ok {
		rec.AnnualDividend = core.Float(annual)
	}
	rec.AsOf = core.Date(now)
	return &rec, nil
}

type bar struct {
	Date   string   `json:"date"`
	Open   *float64 `json:"open"`
	High   *float64 `json:"high"`
	Low    *float64 `json:"low"`
	Close  *float64 `json:"close"`
	Volume float64  `json:"volume"`
}

func parseHistory(body []byte, key core.ResourceKey, now time.Time) (*core.Record, error) {
	rows, err := decodeSeries[bar](body)
	if err != nil {
		return nil, fmt.Errorf("decoding history: %w", err)
	}
	if len(rows) == 0 && len(body) > 0 && body[0] == '{' && !bytes.Contains(body, []byte(`"historical"`)) {
		return nil, provider.Errorf(Name, provider.NotFound, "unknown symbol %s", key.Symbol)
	}

	start := key.Range.Start(now).Format(core.DateLayout)
	bars := make([]core.Bar, 0, len(rows))
	for _, row := range rows {
		if row.Date < start || row.Open == nil || row.High == nil || row.Low == nil || row.Close == nil {
			continue
		}
		bars = append(bars, core.Bar{
			Date:   row.Date,
			Open:   *row.Open,
			High:   *row.High,
			Low:    *row.Low,
			Close:  *row.Close,
			Volume: int64(row.Volume),
		})
	}
	if len(bars) == 0 {
		return nil, provider.Errorf(Name, provider.NoData, "no bars for %s", key.Symbol)
	}
	sort.Slice(bars, func(i, j int) bool { return bars[i].Date < bars[j].Date })

	rec := core.EmptyRecord(key)
	last := bars[len(bars)-1]
	rec.Bars = bars
	rec.Price = core.Float(last.Close)
	rec.AsOf = core.String(last.Date)
	return &rec, nil
}
