package money

import (
	"math/big"
	"testing"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in   string
		want int64
		ok   bool
	}{
		{"1000.25", 100025, true},
		{"0.01", 1, true},
		{"10", 1000, true},
		{"10.5", 1050, true},
		{"10.559", 1055, true}, // extra digits truncated
		{"", 0, true},
		{"-5.00", 0, false},
		{"1.2.3", 0, false},
		{"abc", 0, false},
	}
	for _, tt := range tests {
		got, ok := Parse(tt.in)
		if ok != tt.ok {
			t.Errorf("Parse(%q) ok = %v, want %v", tt.in, ok, tt.ok)
			continue
		}
		if ok && got.Int64() != tt.want {
			t.Errorf("Parse(%q) = %d, want %d", tt.in, got.Int64(), tt.want)
		}
	}
}

func TestFormat(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{100025, "1000.25"},
		{1, "0.01"},
		{0, "0.00"},
		{-150, "-1.50"},
	}
	for _, tt := range tests {
		if got := Format(big.NewInt(tt.in)); got != tt.want {
			t.Errorf("Format(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
	if got := Format(nil); got != "0.00" {
		t.Errorf("Format(nil) = %q, want 0.00", got)
	}
}

func TestParseFormatRoundTrip(t *testing.T) {
	for _, s := range []string{"0.00", "1.00", "999999.99", "0.01"} {
		v, ok := Parse(s)
		if !ok {
			t.Fatalf("Parse(%q) failed", s)
		}
		if got := Format(v); got != s {
			t.Errorf("Format(Parse(%q)) = %q", s, got)
		}
	}
}

func TestAdd(t *testing.T) {
	if got := Add("10.50", "0.75"); got != "11.25" {
		t.Errorf("Add = %q, want 11.25", got)
	}
	if got := Add("", "5.00"); got != "5.00" {
		t.Errorf("Add with empty = %q, want 5.00", got)
	}
}

func TestCmp(t *testing.T) {
	if Cmp("100.00", "99.99") != 1 {
		t.Error("expected 100.00 > 99.99")
	}
	if Cmp("10.00", "10.00") != 0 {
		t.Error("expected equality")
	}
	if Cmp("0.01", "0.02") != -1 {
		t.Error("expected 0.01 < 0.02")
	}
}

func TestApplyRate(t *testing.T) {
	amt, _ := Parse("1000.00")     // 100000 units
	rate, _ := ParseRate("0.0025") // 0.25%
	if got := Format(ApplyRate(amt, rate)); got != "2.50" {
		t.Errorf("0.25%% of 1000.00 = %q, want 2.50", got)
	}

	// Rounding half-up: 0.1% of 10.05 = 0.01005 -> 0.01
	amt2, _ := Parse("10.05")
	rate2, _ := ParseRate("0.001")
	if got := Format(ApplyRate(amt2, rate2)); got != "0.01" {
		t.Errorf("0.1%% of 10.05 = %q, want 0.01", got)
	}
}

func TestClamp(t *testing.T) {
	v := big.NewInt(50)
	if got := Clamp(v, big.NewInt(100), big.NewInt(500)); got.Int64() != 100 {
		t.Errorf("Clamp below min = %d, want 100", got.Int64())
	}
	if got := Clamp(big.NewInt(900), big.NewInt(100), big.NewInt(500)); got.Int64() != 500 {
		t.Errorf("Clamp above max = %d, want 500", got.Int64())
	}
	// Zero max means uncapped
	if got := Clamp(big.NewInt(900), big.NewInt(100), big.NewInt(0)); got.Int64() != 900 {
		t.Errorf("Clamp with zero max = %d, want 900", got.Int64())
	}
}

func TestValidCurrency(t *testing.T) {
	if !ValidCurrency("USD") || !ValidCurrency("usd") {
		t.Error("expected USD valid in any case")
	}
	if ValidCurrency("BTC") {
		t.Error("expected BTC invalid")
	}
}
