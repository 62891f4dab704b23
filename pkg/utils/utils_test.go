package utils

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"neo-trader/internal/models"
)

func ist(y int, m time.Month, d, h, min, s int) time.Time {
	return time.Date(y, m, d, h, min, s, 0, IndiaLocation)
}

func TestMarketSession(t *testing.T) {
	// 2025-01-06 is a Monday.
	tests := []struct {
		name    string
		segment string
		at      time.Time
		open    bool
	}{
		{"cash before open", "nse_cm", ist(2025, 1, 6, 9, 14, 59), false},
		{"cash at open", "nse_cm", ist(2025, 1, 6, 9, 15, 0), true},
		{"cash at close", "bse_cm", ist(2025, 1, 6, 15, 30, 0), true},
		{"cash after close", "nse_cm", ist(2025, 1, 6, 15, 30, 1), false},
		{"fo midday", "nse_fo", ist(2025, 1, 6, 12, 0, 0), true},
		{"currency early", "cde_fo", ist(2025, 1, 6, 9, 5, 0), true},
		{"currency evening", "cde_fo", ist(2025, 1, 6, 16, 30, 0), true},
		{"bse currency evening", "bcs_fo", ist(2025, 1, 6, 16, 30, 0), true},
		{"bse currency after close", "bcs_fo", ist(2025, 1, 6, 17, 0, 1), false},
		{"bse fo evening", "bse_fo", ist(2025, 1, 6, 16, 30, 0), false},
		{"commodity night", "mcx_fo", ist(2025, 1, 6, 22, 0, 0), true},
		{"commodity late", "mcx_fo", ist(2025, 1, 6, 23, 31, 0), false},
		{"saturday", "nse_cm", ist(2025, 1, 4, 11, 0, 0), false},
		{"sunday commodity", "mcx_fo", ist(2025, 1, 5, 11, 0, 0), false},
		{"unknown segment uses cash hours", "xyz", ist(2025, 1, 6, 16, 0, 0), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info := MarketSession(tt.segment, tt.at)
			if got := info.Status == models.SessionOpen; got != tt.open {
				t.Errorf("open = %v, want %v", got, tt.open)
			}
			if info.IsAMO == tt.open {
				t.Errorf("IsAMO = %v with open = %v", info.IsAMO, tt.open)
			}
		})
	}
}

func TestClassifySegment(t *testing.T) {
	tests := map[string]SegmentClass{
		"nse_cm": ClassCash,
		"bse_cm": ClassCash,
		"nse_fo": ClassDerivative,
		"bse_fo": ClassDerivative,
		"cde_fo": ClassCurrency,
		"bcs_fo": ClassCurrency,
		"BCS_FO": ClassCurrency,
		"mcx_fo": ClassCommodity,
		"":       ClassCash,
	}
	for seg, want := range tests {
		if got := ClassifySegment(seg); got != want {
			t.Errorf("ClassifySegment(%q) = %v, want %v", seg, got, want)
		}
	}
}

func TestMarketSessionConvertsToIST(t *testing.T) {
	// 04:00 UTC is 09:30 IST.
	at := time.Date(2025, 1, 6, 4, 0, 0, 0, time.UTC)
	if !IsMarketOpen("nse_cm", at) {
		t.Error("expected cash market open at 09:30 IST")
	}
}

func TestGetNextMarketOpen(t *testing.T) {
	// Friday evening rolls to Monday.
	next := GetNextMarketOpen("nse_cm", ist(2025, 1, 10, 16, 0, 0))
	want := ist(2025, 1, 13, 9, 15, 0)
	if !next.Equal(want) {
		t.Errorf("next open = %v, want %v", next, want)
	}

	next = GetNextMarketOpen("mcx_fo", ist(2025, 1, 6, 8, 0, 0))
	want = ist(2025, 1, 6, 9, 0, 0)
	if !next.Equal(want) {
		t.Errorf("next open = %v, want %v", next, want)
	}
}

func TestProperty_SessionAMOIsNegationOfOpen(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	segments := []string{"nse_cm", "bse_cm", "nse_fo", "bse_fo", "cde_fo", "mcx_fo"}

	properties.Property("isAmo == !open and weekends are closed", prop.ForAll(
		func(offset int64, idx int) bool {
			at := time.Unix(1_700_000_000+offset, 0)
			info := MarketSession(segments[idx], at)
			if info.IsAMO != (info.Status == models.SessionClosed) {
				return false
			}
			wd := at.In(IndiaLocation).Weekday()
			if wd == time.Saturday || wd == time.Sunday {
				return info.Status == models.SessionClosed
			}
			return true
		},
		gen.Int64Range(0, 60*60*24*60),
		gen.IntRange(0, len(segments)-1),
	))

	properties.TestingRun(t)
}

func f64(v float64) *float64 { return &v }

func TestDisplayName(t *testing.T) {
	tests := []struct {
		name string
		inst models.Instrument
		want string
	}{
		{
			name: "equity",
			inst: models.Instrument{TradingSymbol: "YESBANK-EQ", InstrumentType: "EQ", ExchangeSegment: "nse_cm"},
			want: "YESBANK NSE",
		},
		{
			name: "bse equity without suffix",
			inst: models.Instrument{TradingSymbol: "RELIANCE", InstrumentType: "EQ", ExchangeSegment: "bse_cm"},
			want: "RELIANCE BSE",
		},
		{
			name: "future",
			inst: models.Instrument{TradingSymbol: "NIFTY25JANFUT", InstrumentType: "FUTIDX", ExchangeSegment: "nse_fo", ExpiryDate: "2025-01-27"},
			want: "NIFTY FUT (27 JAN NSE)",
		},
		{
			name: "call option",
			inst: models.Instrument{TradingSymbol: "NIFTY25FEB26000CE", InstrumentType: "OPTIDX", ExchangeSegment: "nse_fo", ExpiryDate: "2025-02-24", OptionType: "CE", StrikePrice: f64(26000)},
			want: "NIFTY 26000 CALL (24 FEB NSE)",
		},
		{
			name: "put option with fractional strike",
			inst: models.Instrument{TradingSymbol: "USDINR25FEB83.25PE", InstrumentType: "OPTCUR", ExchangeSegment: "cde_fo", ExpiryDate: "2025-02-26", OptionType: "PE", StrikePrice: f64(83.25)},
			want: "USDINR 83.25 PUT (26 FEB BSE)",
		},
		{
			name: "other",
			inst: models.Instrument{TradingSymbol: "NIFTY 50", InstrumentType: "INDEX", ExchangeSegment: "nse_cm"},
			want: "NIFTY 50",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DisplayName(tt.inst); got != tt.want {
				t.Errorf("DisplayName() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFormatIndianCurrency(t *testing.T) {
	tests := []struct {
		in   float64
		want string
	}{
		{0, "₹0.00"},
		{999.5, "₹999.50"},
		{1234567.891, "₹12,34,567.89"},
		{-100000, "-₹1,00,000.00"},
	}
	for _, tt := range tests {
		if got := FormatIndianCurrency(tt.in); got != tt.want {
			t.Errorf("FormatIndianCurrency(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestRetryStopsOnNonRetryable(t *testing.T) {
	fatal := errors.New("fatal")
	cfg := RetryConfig{
		MaxAttempts:   5,
		InitialDelay:  time.Millisecond,
		MaxDelay:      time.Millisecond,
		BackoffFactor: 2,
		Retryable:     func(err error) bool { return !errors.Is(err, fatal) },
	}

	calls := 0
	err := Retry(context.Background(), cfg, func() error {
		calls++
		return fatal
	})
	if !errors.Is(err, fatal) || calls != 1 {
		t.Errorf("err = %v, calls = %d", err, calls)
	}

	calls = 0
	got, err := RetryWithResult(context.Background(), cfg, func() (int, error) {
		calls++
		if calls < 3 {
			return 0, errors.New("flaky")
		}
		return 7, nil
	})
	if err != nil || got != 7 || calls != 3 {
		t.Errorf("got %d, err %v, calls %d", got, err, calls)
	}
}

func TestRetryHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	cfg := RetryConfig{MaxAttempts: 3, InitialDelay: time.Hour, MaxDelay: time.Hour, BackoffFactor: 1}

	err := Retry(ctx, cfg, func() error { return errors.New("boom") })
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
