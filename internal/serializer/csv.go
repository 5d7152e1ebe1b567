package serializer

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/newthinker/quotegate/internal/core"
)

// spreadsheetDate is the locale-friendly date form used in CSV output.
const spreadsheetDate = "01/02/2006"

var (
	quoteHeader = []string{
		"symbol", "name", "currency", "price", "previous_close", "change", "change_percent",
		"dividend_yield", "annual_dividend", "ex_dividend_date", "as_of",
	}
	dividendHeader = []string{"symbol", "ex_date", "amount", "annual_dividend", "dividend_yield"}
	historyHeader  = []string{"symbol", "date", "open", "high", "low", "close", "volume"}
)

// ToCSV renders records as one table. The layout follows the first record's
// kind: one row per quote, per dividend event, or per daily bar. A record
// with nothing to list still gets a row so missing data stays visible.
// Quoting follows RFC 4180.
func ToCSV(records []core.Record) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	kind := core.KindQuote
	if len(records) > 0 {
		kind = records[0].Kind
	}

	var rows [][]string
	switch kind {
	case core.KindDividends:
		rows = append(rows, dividendHeader)
		for _, r := range records {
			rows = append(rows, dividendRows(r)...)
		}
	case core.KindHistory:
		rows = append(rows, historyHeader)
		for _, r := range records {
			rows = append(rows, historyRows(r)...)
		}
	default:
		rows = append(rows, quoteHeader)
		for _, r := range records {
			rows = append(rows, quoteRow(r))
		}
	}

	if err := w.WriteAll(rows); err != nil {
		return nil, fmt.Errorf("writing csv: %w", err)
	}
	return buf.Bytes(), nil
}

func quoteRow(r core.Record) []string {
	return []string{
		r.Symbol,
		str(r.Name),
		str(r.Currency),
		num(r.Price, pricePrecision),
		num(r.PreviousClose, pricePrecision),
		num(r.Change, pricePrecision),
		num(r.ChangePercent, percentPrecision),
		num(r.DividendYield, percentPrecision),
		num(r.AnnualDividend, dividendPrecision),
		date(r.ExDividendDate),
		date(r.AsOf),
	}
}

func dividendRows(r core.Record) [][]string {
	annual := num(r.AnnualDividend, dividendPrecision)
	yield := num(r.DividendYield, percentPrecision)
	if len(r.Dividends) == 0 {
		return [][]string{{r.Symbol, date(r.ExDividendDate), "", annual, yield}}
	}
	rows := make([][]string, 0, len(r.Dividends))
	for _, d := range r.Dividends {
		amount := d.Amount
		rows = append(rows, []string{r.Symbol, date(&d.ExDate), num(&amount, dividendPrecision), annual, yield})
	}
	return rows
}

func historyRows(r core.Record) [][]string {
	if len(r.Bars) == 0 {
		return [][]string{{r.Symbol, "", "", "", "", "", ""}}
	}
	rows := make([][]string, 0, len(r.Bars))
	for _, b := range r.Bars {
		rows = append(rows, []string{
			r.Symbol,
			date(&b.Date),
			strconv.FormatFloat(b.Open, 'f', pricePrecision, 64),
			strconv.FormatFloat(b.High, 'f', pricePrecision, 64),
			strconv.FormatFloat(b.Low, 'f', pricePrecision, 64),
			strconv.FormatFloat(b.Close, 'f', pricePrecision, 64),
			strconv.FormatInt(b.Volume, 10),
		})
	}
	return rows
}

func str(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func num(v *float64, prec int) string {
	if v == nil || math.IsNaN(*v) || math.IsInf(*v, 0) {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', prec, 64)
}

// date converts an ISO date to MM/DD/YYYY; unparsable values pass through.
func date(s *string) string {
	if s == nil || *s == "" {
		return ""
	}
	t, err := time.Parse(core.DateLayout, *s)
	if err != nil {
		return *s
	}
	return t.Format(spreadsheetDate)
}
