// Package alphavantage adapts the Alpha Vantage query API. The free tier
// bills every request, errors included, and reports throttling in the body
// of a 200 response.
package alphavantage

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/newthinker/quotegate/internal/core"
	"github.com/newthinker/quotegate/internal/provider"
)

// Name is the provider name used in config and resolution sources.
const Name = "alphavantage"

const defaultBaseURL = "https://www.alphavantage.co"

// AlphaVantage implements provider.Provider
type AlphaVantage struct {
	apiKey    string
	baseURL   string
	transport *provider.Transport
	now       func() time.Time
}

// New creates an Alpha Vantage provider.
func New(cfg provider.Config) *AlphaVantage {
	base := defaultBaseURL
	if cfg.BaseURL != "" {
		base = strings.TrimSuffix(cfg.BaseURL, "/")
	}
	return &AlphaVantage{
		apiKey:    cfg.APIKey,
		baseURL:   base,
		transport: provider.NewTransport(Name, cfg.Transport...),
		now:       time.Now,
	}
}

func (a *AlphaVantage) Name() string { return Name }

func (a *AlphaVantage) Supports(kind core.Kind) bool { return kind.Valid() }

func (a *AlphaVantage) query(function string, params url.Values) string {
	if params == nil {
		params = url.Values{}
	}
	params.Set("function", function)
	params.Set("apikey", a.apiKey)
	return a.baseURL + "/query?" + params.Encode()
}

// urls lists endpoint variants per kind. Dividends prefer OVERVIEW, which
// carries the yield; the DIVIDENDS feed also covers funds that have no
// company overview.
func (a *AlphaVantage) urls(key core.ResourceKey) []string {
	sym := url.Values{"symbol": {key.Symbol}}
	switch key.Kind {
	case core.KindQuote:
		return []string{a.query("GLOBAL_QUOTE", sym)}
	case core.KindDividends:
		return []string{
			a.query("OVERVIEW", url.Values{"symbol": {key.Symbol}}),
			a.query("DIVIDENDS", url.Values{"symbol": {key.Symbol}}),
		}
	case core.KindHistory:
		size := "compact"
		switch key.Range {
		case core.Range1M, core.Range3M:
		default:
			size = "full"
		}
		sym.Set("outputsize", size)
		return []string{a.query("TIME_SERIES_DAILY", sym)}
	}
	return nil
}

func (a *AlphaVantage) Fetch(ctx context.Context, key core.ResourceKey) (*core.Record, error) {
	if a.apiKey == "" {
		return nil, provider.Errorf(Name, provider.Forbidden, "api key not configured")
	}
	now := a.now()
	return a.transport.TryEndpoints(ctx, a.urls(key), func(body []byte) (*core.Record, error) {
		return parse(body, key, now)
	})
}

// envelope holds the fields Alpha Vantage uses to report failures.
type envelope struct {
	Note         string `json:"Note"`
	Information  string `json:"Information"`
	ErrorMessage string `json:"Error Message"`
}

func parse(body []byte, key core.ResourceKey, now time.Time) (*core.Record, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	switch {
	case env.Note != "":
		return nil, provider.Errorf(Name, provider.RateLimited, "%s", env.Note)
	case env.Information != "":
		// also used for premium-only endpoints, which are just as terminal
		return nil, provider.Errorf(Name, provider.RateLimited, "%s", env.Information)
	case env.ErrorMessage != "":
		return nil, provider.Errorf(Name, provider.NotFound, "%s", env.ErrorMessage)
	}

	if strings.TrimSpace(string(body)) == "{}" {
		return nil, provider.Errorf(Name, provider.NotFound, "unknown symbol %s", key.Symbol)
	}

	switch key.Kind {
	case core.KindQuote:
		return parseGlobalQuote(body, key)
	case core.KindDividends:
		if strings.Contains(string(body), `"data"`) {
			return parseDividends(body, key, now)
		}
		return parseOverview(body, key)
	default:
		return parseDaily(body, key, now)
	}
}

type globalQuote struct {
	Quote map[string]string `json:"Global Quote"`
}

func parseGlobalQuote(body []byte, key core.ResourceKey) (*core.Record, error) {
	var gq globalQuote
	if err := json.Unmarshal(body, &gq); err != nil {
		return nil, fmt.Errorf("decoding global quote: %w", err)
	}
	if len(gq.Quote) == 0 {
		return nil, provider.Errorf(Name, provider.NotFound, "empty quote for %s", key.Symbol)
	}

	rec := core.EmptyRecord(key)
	rec.Price = number(gq.Quote["05. price"])
	if rec.Price == nil {
		return nil, provider.Errorf(Name, provider.NoData, "no price for %s", key.Symbol)
	}
	rec.PreviousClose = number(gq.Quote["08. previous close"])
	rec.Change = number(gq.Quote["09. change"])
	rec.ChangePercent = number(strings.TrimSuffix(gq.Quote["10. change percent"], "%"))
	rec.AsOf = date(gq.Quote["07. latest trading day"])
	return &rec, nil
}

type overview struct {
	Symbol           string `json:"Symbol"`
	Name             string `json:"Name"`
	Currency         string `json:"Currency"`
	DividendPerShare string `json:"DividendPerShare"`
	DividendYield    string `json:"DividendYield"`
	ExDividendDate   string `json:"ExDividendDate"`
	LatestQuarter    string `json:"LatestQuarter"`
}

func parseOverview(body []byte, key core.ResourceKey) (*core.Record, error) {
	var ov overview
	if err := json.Unmarshal(body, &ov); err != nil {
		return nil, fmt.Errorf("decoding overview: %w", err)
	}
	if ov.Symbol == "" {
		return nil, provider.Errorf(Name, provider.NotFound, "no overview for %s", key.Symbol)
	}

	rec := core.EmptyRecord(key)
	rec.Name = core.String(ov.Name)
	rec.Currency = core.String(ov.Currency)
	rec.AnnualDividend = number(ov.DividendPerShare)
	// OVERVIEW reports yield as a fraction (0.0307 for 3.07%)
	if y := number(ov.DividendYield); y != nil {
		rec.DividendYield = core.Float(*y * 100)
	}
	rec.ExDividendDate = date(ov.ExDividendDate)
	rec.AsOf = date(ov.LatestQuarter)

	if rec.DividendYield == nil && rec.AnnualDividend == nil {
		return nil, provider.Errorf(Name, provider.NoData, "%s pays no dividend", key.Symbol)
	}
	if rec.AnnualDividend != nil && *rec.AnnualDividend == 0 {
		return nil, provider.Errorf(Name, provider.NoData, "%s pays no dividend", key.Symbol)
	}
	return &rec, nil
}

type dividendFeed struct {
	Symbol string `json:"symbol"`
	Data   []struct {
		ExDividendDate string `json:"ex_dividend_date"`
		Amount         string `json:"amount"`
	} `json:"data"`
}

func parseDividends(body []byte, key core.ResourceKey, now time.Time) (*core.Record, error) {
	var feed dividendFeed
	if err := json.Unmarshal(body, &feed); err != nil {
		return nil, fmt.Errorf("decoding dividends: %w", err)
	}

	start := key.Range.Start(now).Format(core.DateLayout)
	var divs []core.Dividend
	for _, d := range feed.Data {
		amount := number(d.Amount)
		if amount == nil || *amount <= 0 || date(d.ExDividendDate) == nil || d.ExDividendDate < start {
			continue
		}
		divs = append(divs, core.Dividend{ExDate: d.ExDividendDate, Amount: *amount})
	}
	if len(divs) == 0 {
		return nil, provider.Errorf(Name, provider.NoData, "no dividend history for %s", key.Symbol)
	}
	sort.Slice(divs, func(i, j int) bool { return divs[i].ExDate < divs[j].ExDate })

	rec := core.EmptyRecord(key)
	rec.Dividends = divs
	rec.ExDividendDate = core.String(divs[len(divs)-1].ExDate)
	if annual, ok := core.TrailingDividends(divs, now); ok {
		rec.AnnualDividend = core.Float(annual)
	}
	rec.AsOf = core.Date(now)
	return &rec, nil
}

type dailySeries struct {
	Series map[string]map[string]string `json:"Time Series (Daily)"`
}

func parseDaily(body []byte, key core.ResourceKey, now time.Time) (*core.Record, error) {
	var ds dailySeries
	if err := json.Unmarshal(body, &ds); err != nil {
		return nil, fmt.Errorf("decoding daily series: %w", err)
	}

	start := key.Range.Start(now).Format(core.DateLayout)
	bars := make([]core.Bar, 0, len(ds.Series))
	for day, row := range ds.Series {
		if day < start {
			continue
		}
		open, high, low, closing := number(row["1. open"]), number(row["2. high"]), number(row["3. low"]), number(row["4. close"])
		if open == nil || high == nil || low == nil || closing == nil {
			continue
		}
		vol, _ := strconv.ParseInt(row["5. volume"], 10, 64)
		bars = append(bars, core.Bar{Date: day, Open: *open, High: *high, Low: *low, Close: *closing, Volume: vol})
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

// number parses Alpha Vantage's string-encoded numbers; "None", "-" and
// empty strings are nil.
func number(s string) *float64 {
	s = strings.TrimSpace(s)
	if s == "" || s == "None" || s == "-" {
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

func date(s string) *string {
	if _, err := time.Parse(core.DateLayout, s); err != nil {
		return nil
	}
	return &s
}
