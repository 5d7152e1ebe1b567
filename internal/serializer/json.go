package serializer

import (
	"encoding/json"
	"math"
	"strconv"
	"time"

	"github.com/newthinker/quotegate/internal/core"
)

// Meta describes how a record was obtained.
type Meta struct {
	Timestamp   time.Time  `json:"timestamp"`
	Source      string     `json:"source"`
	CacheStatus string     `json:"cache_status"`
	FetchedAt   *time.Time `json:"fetched_at"`
}

// Envelope is the JSON response body.
type Envelope struct {
	Data any  `json:"data"`
	Meta Meta `json:"meta"`
}

// Item is one record with its metadata, used for batch responses.
type Item struct {
	Record core.Record
	Meta   Meta
}

// fixed encodes a float as a JSON number with a fixed number of decimals.
type fixed struct {
	v    float64
	prec int
}

func (f fixed) MarshalJSON() ([]byte, error) {
	if math.IsNaN(f.v) || math.IsInf(f.v, 0) {
		return []byte("null"), nil
	}
	return []byte(strconv.FormatFloat(f.v, 'f', f.prec, 64)), nil
}

func fix(v *float64, prec int) *fixed {
	if v == nil {
		return nil
	}
	return &fixed{v: *v, prec: prec}
}

type jsonDividend struct {
	ExDate string `json:"ex_date"`
	Amount fixed  `json:"amount"`
}

type jsonBar struct {
	Date   string `json:"date"`
	Open   fixed  `json:"open"`
	High   fixed  `json:"high"`
	Low    fixed  `json:"low"`
	Close  fixed  `json:"close"`
	Volume int64  `json:"volume"`
}

// jsonRecord keeps every field of core.Record, nulls included, so an empty
// result has the same shape as a full one.
type jsonRecord struct {
	Symbol         string         `json:"symbol"`
	Kind           core.Kind      `json:"kind"`
	Range          core.Range     `json:"range,omitempty"`
	Name           *string        `json:"name"`
	Currency       *string        `json:"currency"`
	Price          *fixed         `json:"price"`
	PreviousClose  *fixed         `json:"previous_close"`
	Change         *fixed         `json:"change"`
	ChangePercent  *fixed         `json:"change_percent"`
	DividendYield  *fixed         `json:"dividend_yield"`
	AnnualDividend *fixed         `json:"annual_dividend"`
	ExDividendDate *string        `json:"ex_dividend_date"`
	Dividends      []jsonDividend `json:"dividends,omitempty"`
	Bars           []jsonBar      `json:"bars,omitempty"`
	AsOf           *string        `json:"as_of"`
}

func toJSONRecord(r core.Record) jsonRecord {
	out := jsonRecord{
		Symbol:         r.Symbol,
		Kind:           r.Kind,
		Range:          r.Range,
		Name:           r.Name,
		Currency:       r.Currency,
		Price:          fix(r.Price, pricePrecision),
		PreviousClose:  fix(r.PreviousClose, pricePrecision),
		Change:         fix(r.Change, pricePrecision),
		ChangePercent:  fix(r.ChangePercent, percentPrecision),
		DividendYield:  fix(r.DividendYield, percentPrecision),
		AnnualDividend: fix(r.AnnualDividend, dividendPrecision),
		ExDividendDate: r.ExDividendDate,
		AsOf:           r.AsOf,
	}
	for _, d := range r.Dividends {
		out.Dividends = append(out.Dividends, jsonDividend{ExDate: d.ExDate, Amount: fixed{d.Amount, dividendPrecision}})
	}
	for _, b := range r.Bars {
		out.Bars = append(out.Bars, jsonBar{
			Date:   b.Date,
			Open:   fixed{b.Open, pricePrecision},
			High:   fixed{b.High, pricePrecision},
			Low:    fixed{b.Low, pricePrecision},
			Close:  fixed{b.Close, pricePrecision},
			Volume: b.Volume,
		})
	}
	return out
}

// ToJSON renders one record in the response envelope. Dates stay ISO.
func ToJSON(rec core.Record, meta Meta) ([]byte, error) {
	if meta.Timestamp.IsZero() {
		meta.Timestamp = time.Now().UTC()
	}
	return json.Marshal(Envelope{Data: toJSONRecord(rec), Meta: meta})
}

type batchItem struct {
	Record jsonRecord `json:"record"`
	Meta   Meta       `json:"meta"`
}

// ToJSONBatch renders several records, each with its own metadata.
func ToJSONBatch(items []Item, now time.Time) ([]byte, error) {
	data := make([]batchItem, 0, len(items))
	for _, it := range items {
		if it.Meta.Timestamp.IsZero() {
			it.Meta.Timestamp = now.UTC()
		}
		data = append(data, batchItem{Record: toJSONRecord(it.Record), Meta: it.Meta})
	}
	return json.Marshal(Envelope{
		Data: data,
		Meta: Meta{Timestamp: now.UTC(), Source: "batch"},
	})
}
