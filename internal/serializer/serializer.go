// Package serializer renders resolved records for clients as JSON or CSV.
package serializer

import (
	"fmt"
	"strings"

	"github.com/newthinker/quotegate/internal/core"
)

// Format selects an output encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
)

// ParseFormat validates a format selector. An empty string selects JSON.
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(s))) {
	case "", FormatJSON:
		return FormatJSON, nil
	case FormatCSV:
		return FormatCSV, nil
	}
	return "", core.WrapError(core.ErrFormatInvalid, fmt.Errorf("unknown format %q", s))
}

// ContentType returns the media type for f.
func (f Format) ContentType() string {
	if f == FormatCSV {
		return "text/csv; charset=utf-8"
	}
	return "application/json"
}

// Decimal places by field family. Per-share distributions are quoted to
// four places.
const (
	pricePrecision    = 2
	percentPrecision  = 2
	dividendPrecision = 4
)
