package ingest

import (
	"encoding/json"
	"testing"
	"time"
)

func TestParseAmount(t *testing.T) {
	tests := []struct {
		in     any
		want   float64
		wantOK bool
	}{
		{50000.0, 50000, true},
		{json.Number("1250.5"), 1250.5, true},
		{"$50,000", 50000, true},
		{"USD 1,000.50", 1000.50, true},
		{"EUR 1.000.000", 1000000, true},
		{"1.000,50 €", 1000.50, true},
		{"up to 75000", 75000, true},
		{"between $10,000 and $25,000", 25000, true},
		{"50k", 50000, true},
		{"$1.2 million", 1200000, true},
		{"not disclosed", 0, false},
		{nil, 0, false},
	}

	for _, tt := range tests {
		got, ok := parseAmount(tt.in)
		if ok != tt.wantOK || (ok && got != tt.want) {
			t.Fatalf("parseAmount(%v) = (%v, %v), want (%v, %v)", tt.in, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestParseDate(t *testing.T) {
	want := time.Date(2025, 3, 31, 0, 0, 0, 0, time.UTC)
	inputs := []any{
		"2025-03-31",
		"2025-03-31T17:00:00Z",
		"March 31, 2025",
		"31 March 2025",
		"Deadline: Mar 31, 2025",
		"03/31/2025",
		time.Date(2025, 3, 31, 23, 59, 0, 0, time.UTC),
	}
	for _, in := range inputs {
		got, ok := parseDate(in)
		if !ok || !got.Equal(want) {
			t.Fatalf("parseDate(%v) = (%v, %v), want %v", in, got, ok, want)
		}
	}

	if _, ok := parseDate("rolling"); ok {
		t.Fatalf("expected rolling to be unparseable")
	}
}
