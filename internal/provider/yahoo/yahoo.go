// Package yahoo adapts the Yahoo Finance chart API. It needs no key but
// rejects non-browser clients and throttles aggressively, so both public
// query hosts are tried.
package yahoo

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/newthinker/quotegate/internal/core"
	"github.com/newthinker/quotegate/internal/provider"
	"github.com/tidwall/gjson"
)

// Name is the provider name used in config and resolution sources.
const Name = "yahoo"

var defaultHosts = []string{
	"https://query1.finance.yahoo.com",
	"https://query2.finance.yahoo.com",
}

// Yahoo implements provider.Provider for Yahoo Finance
type Yahoo struct {
	hosts     []string
	transport *provider.Transport
}

// New creates a new Yahoo provider
func New(cfg provider.Config) *Yahoo {
	hosts := defaultHosts
	if cfg.BaseURL != "" {
		hosts = []string{strings.TrimSuffix(cfg.BaseURL, "/")}
	}
	opts := append([]provider.TransportOption{provider.WithUserAgent(provider.BrowserUserAgent)}, cfg.Transport...)
	return &Yahoo{
		hosts:     hosts,
		transport: provider.NewTransport(Name, opts...),
	}
}

func (y *Yahoo) Name() string {
	return Name
}

func (y *Yahoo) Supports(kind core.Kind) bool {
	return kind.Valid()
}

// toYahooSymbol converts internal symbol format to Yahoo format
func toYahooSymbol(symbol string) string {
	// Shanghai stocks: 600519.SH -> 600519.SS
	if strings.HasSuffix(symbol, ".SH") {
		return strings.TrimSuffix(symbol, ".SH") + ".SS"
	}
	return symbol
}

func toYahooRange(r core.Range) string {
	switch r {
	case core.Range1M:
		return "1mo"
	case core.Range3M:
		return "3mo"
	case core.Range6M:
		return "6mo"
	case "":
		return "1y"
	default:
		return string(r)
	}
}

func (y *Yahoo) urls(key core.ResourceKey) []string {
	q := url.Values{}
	switch key.Kind {
	case core.KindQuote:
		// a year of daily bars yields the previous close and trailing dividends
		q.Set("range", "1y")
		q.Set("interval", "1d")
		q.Set("events", "div")
	case core.KindDividends:
		q.Set("range", toYahooRange(key.Range))
		q.Set("interval", "1mo")
		q.Set("events", "div")
	case core.KindHistory:
		q.Set("range", toYahooRange(key.Range))
		q.Set("interval", "1d")
	}

	path := "/v8/finance/chart/" + url.PathEscape(toYahooSymbol(key.Symbol)) + "?" + q.Encode()
	urls := make([]string, len(y.hosts))
	for i, h := range y.hosts {
		urls[i] = h + path
	}
	return urls
}

func (y *Yahoo) Fetch(ctx context.Context, key core.ResourceKey) (*core.Record, error) {
	return y.transport.TryEndpoints(ctx, y.urls(key), func(body []byte) (*core.Record, error) {
		return parseChart(body, key)
	})
}

// parseChart normalizes a v8 chart payload into a record of key.Kind.
func parseChart(body []byte, key core.ResourceKey) (*core.Record, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("invalid chart payload")
	}
	root := gjson.ParseBytes(body)

	if e := root.Get("chart.error"); e.Exists() && e.Type != gjson.Null {
		kind := provider.Transient
		if code := e.Get("code").String(); code == "Not Found" || code == "Bad Request" {
			kind = provider.NotFound
		}
		return nil, provider.Errorf(Name, kind, "%s", e.Get("description").String())
	}

	res := root.Get("chart.result.0")
	if !res.Exists() {
		return nil, provider.Errorf(Name, provider.NoData, "empty chart result for %s", key.Symbol)
	}

	meta := res.Get("meta")
	offset := meta.Get("gmtoffset").Int()
	bars := parseBars(res, offset)
	divs := parseDividends(res, offset)

	rec := core.EmptyRecord(key)
	rec.Currency = core.String(meta.Get("currency").String())
	rec.Name = core.String(firstNonEmpty(meta.Get("longName").String(), meta.Get("shortName").String()))
	if p := meta.Get("regularMarketPrice"); p.Exists() {
		rec.Price = core.Float(p.Float())
	}

	asOf := time.Time{}
	if ts := meta.Get("regularMarketTime").Int(); ts > 0 {
		asOf = localDay(ts, offset)
	} else if len(bars) > 0 {
		asOf, _ = time.Parse(core.DateLayout, bars[len(bars)-1].Date)
	}
	rec.AsOf = core.Date(asOf)

	switch key.Kind {
	case core.KindQuote:
		if rec.Price == nil {
			return nil, provider.Errorf(Name, provider.NoData, "no price for %s", key.Symbol)
		}
		if prev, ok := previousClose(bars, asOf, meta); ok {
			rec.PreviousClose = core.Float(prev)
			rec.Change = core.Float(*rec.Price - prev)
			if prev != 0 {
				rec.ChangePercent = core.Float((*rec.Price - prev) / prev * 100)
			}
		}
		applyTrailingYield(&rec, divs, asOf)

	case core.KindDividends:
		if len(divs) == 0 {
			return nil, provider.Errorf(Name, provider.NoData, "no dividend history for %s", key.Symbol)
		}
		rec.Dividends = divs
		applyTrailingYield(&rec, divs, asOf)

	case core.KindHistory:
		if len(bars) == 0 {
			return nil, provider.Errorf(Name, provider.NoData, "no bars for %s", key.Symbol)
		}
		rec.Bars = bars
	}

	return &rec, nil
}

func parseBars(res gjson.Result, offset int64) []core.Bar {
	timestamps := res.Get("timestamp").Array()
	q := res.Get("indicators.quote.0")
	open, high, low := q.Get("open").Array(), q.Get("high").Array(), q.Get("low").Array()
	closes, volume := q.Get("close").Array(), q.Get("volume").Array()

	bars := make([]core.Bar, 0, len(timestamps))
	for i, ts := range timestamps {
		if i >= len(closes) || i >= len(open) || i >= len(high) || i >= len(low) {
			break
		}
		if closes[i].Type == gjson.Null || open[i].Type == gjson.Null {
			continue // Skip missing data
		}
		b := core.Bar{
			Date:  localDay(ts.Int(), offset).Format(core.DateLayout),
			Open:  open[i].Float(),
			High:  high[i].Float(),
			Low:   low[i].Float(),
			Close: closes[i].Float(),
		}
		if i < len(volume) {
			b.Volume = volume[i].Int()
		}
		bars = append(bars, b)
	}
	return bars
}

// parseDividends reads events.dividends, an object keyed by timestamp.
func parseDividends(res gjson.Result, offset int64) []core.Dividend {
	var divs []core.Dividend
	res.Get("events.dividends").ForEach(func(_, v gjson.Result) bool {
		amount := v.Get("amount").Float()
		if amount > 0 {
			divs = append(divs, core.Dividend{
				ExDate: localDay(v.Get("date").Int(), offset).Format(core.DateLayout),
				Amount: amount,
			})
		}
		return true
	})
	sort.Slice(divs, func(i, j int) bool { return divs[i].ExDate < divs[j].ExDate })
	return divs
}

// previousClose is the last daily close before the as-of session.
func previousClose(bars []core.Bar, asOf time.Time, meta gjson.Result) (float64, bool) {
	day := asOf.Format(core.DateLayout)
	for i := len(bars) - 1; i >= 0; i-- {
		if bars[i].Date < day {
			return bars[i].Close, true
		}
	}
	if p := meta.Get("previousClose"); p.Exists() {
		return p.Float(), true
	}
	return 0, false
}

// applyTrailingYield sets annual dividend and yield in percent from the
// last twelve months of distributions.
func applyTrailingYield(rec *core.Record, divs []core.Dividend, asOf time.Time) {
	if len(divs) == 0 {
		return
	}
	rec.ExDividendDate = core.String(divs[len(divs)-1].ExDate)
	if asOf.IsZero() {
		return
	}
	annual, ok := core.TrailingDividends(divs, asOf)
	if !ok {
		return
	}
	rec.AnnualDividend = core.Float(annual)
	if rec.Price != nil && *rec.Price > 0 {
		rec.DividendYield = core.Float(annual / *rec.Price * 100)
	}
}

// localDay converts a unix timestamp to the exchange's calendar day.
func localDay(ts, offset int64) time.Time {
	t := time.Unix(ts+offset, 0).UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
