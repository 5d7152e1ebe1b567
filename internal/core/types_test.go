package core

import (
	"errors"
	"testing"
	"time"
)

func TestKind_Valid(t *testing.T) {
	for _, k := range []Kind{KindQuote, KindDividends, KindHistory} {
		if !k.Valid() {
			t.Errorf("expected %s to be valid", k)
		}
	}
	if Kind("options").Valid() {
		t.Error("expected unknown kind to be invalid")
	}
}

func TestNormalizeSymbol(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"aapl", "AAPL", false},
		{" msft ", "MSFT", false},
		{"brk.b", "BRK.B", false},
		{"BRK-B", "BRK-B", false},
		{"0700.HK", "0700.HK", false},
		{"^GSPC", "^GSPC", false},
		{"", "", true},
		{"AAPL;DROP", "", true},
		{"ABCDEFGHIJKL", "", true},
		{"A..B", "", true},
	}
	for _, tt := range tests {
		got, err := NormalizeSymbol(tt.in)
		if tt.wantErr {
			if !errors.Is(err, ErrSymbolInvalid) {
				t.Errorf("NormalizeSymbol(%q) error = %v, want ErrSymbolInvalid", tt.in, err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("NormalizeSymbol(%q) = %q, %v; want %q", tt.in, got, err, tt.want)
		}
	}
}

func TestNewResourceKey_Defaults(t *testing.T) {
	q, err := NewResourceKey(KindQuote, "aapl", "")
	if err != nil {
		t.Fatal(err)
	}
	if q.String() != "quote:AAPL" {
		t.Errorf("quote key = %s", q)
	}

	h, err := NewResourceKey(KindHistory, "aapl", "")
	if err != nil {
		t.Fatal(err)
	}
	if h.String() != "history:AAPL:1y" {
		t.Errorf("history key = %s", h)
	}

	d, err := NewResourceKey(KindDividends, "ko", "MAX")
	if err != nil {
		t.Fatal(err)
	}
	if d.String() != "dividends:KO:max" {
		t.Errorf("dividends key = %s", d)
	}

	if _, err := NewResourceKey(KindHistory, "aapl", "7d"); !errors.Is(err, ErrRangeInvalid) {
		t.Errorf("expected ErrRangeInvalid, got %v", err)
	}
}

func TestRange_Start(t *testing.T) {
	now := time.Date(2024, 6, 15, 0, 0, 0, 0, time.UTC)
	if got := Range3M.Start(now); !got.Equal(time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("3m start = %v", got)
	}
	if !RangeMax.Start(now).IsZero() {
		t.Error("max range should start at zero time")
	}
}

func TestEmptyRecord(t *testing.T) {
	key, _ := NewResourceKey(KindQuote, "ZZZZ", "")
	rec := EmptyRecord(key)
	if rec.Symbol != "ZZZZ" || rec.Kind != KindQuote {
		t.Errorf("unexpected identity: %+v", rec)
	}
	if !rec.IsEmpty() {
		t.Error("expected empty record")
	}
	rec.Price = Float(1)
	if rec.IsEmpty() {
		t.Error("record with price should not be empty")
	}
}

func TestTrailingDividends(t *testing.T) {
	asOf := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	divs := []Dividend{
		{ExDate: "2023-05-01", Amount: 1},
		{ExDate: "2023-08-10", Amount: 0.24},
		{ExDate: "2023-11-10", Amount: 0.24},
		{ExDate: "2024-02-09", Amount: 0.24},
		{ExDate: "2024-05-10", Amount: 0.25},
	}
	sum, ok := TrailingDividends(divs, asOf)
	if !ok {
		t.Fatal("expected dividends in window")
	}
	if sum < 0.969 || sum > 0.971 {
		t.Errorf("trailing sum = %v, want 0.97", sum)
	}
	if _, ok := TrailingDividends(nil, asOf); ok {
		t.Error("expected no dividends")
	}
}
