// Package utils provides shared utility functions.
package utils

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"

	"neo-trader/internal/models"
)

// FormatIndianCurrency formats a number in Indian currency format (lakhs, crores).
func FormatIndianCurrency(amount float64) string {
	negative := amount < 0
	if negative {
		amount = -amount
	}

	str := fmt.Sprintf("%.2f", amount)
	parts := strings.Split(str, ".")

	result := "₹" + formatIndianNumber(parts[0]) + "." + parts[1]
	if negative {
		result = "-" + result
	}
	return result
}

// formatIndianNumber groups an integer string as 12,34,567.
func formatIndianNumber(s string) string {
	n := len(s)
	if n <= 3 {
		return s
	}

	result := s[n-3:]
	s = s[:n-3]

	for len(s) > 0 {
		if len(s) >= 2 {
			result = s[len(s)-2:] + "," + result
			s = s[:len(s)-2]
		} else {
			result = s + "," + result
			s = ""
		}
	}

	return result
}

// FormatQuantity formats a quantity with Indian digit grouping.
func FormatQuantity(qty int64) string {
	if qty < 0 {
		return "-" + formatIndianNumber(strconv.FormatInt(-qty, 10))
	}
	return formatIndianNumber(strconv.FormatInt(qty, 10))
}

// ExchangeLabel is "NSE" for any NSE segment and "BSE" otherwise.
func ExchangeLabel(segment string) string {
	if strings.Contains(strings.ToUpper(segment), "NSE") {
		return "NSE"
	}
	return "BSE"
}

// FormatExpiry renders a YYYY-MM-DD expiry as "27 JAN". Unparseable input
// is returned unchanged.
func FormatExpiry(iso string) string {
	if iso == "" {
		return ""
	}
	t, err := time.Parse("2006-01-02", iso)
	if err != nil {
		return iso
	}
	return strings.ToUpper(t.Format("02 Jan"))
}

// FormatStrike drops the fractional part of integral strikes.
func FormatStrike(strike *float64) string {
	if strike == nil {
		return ""
	}
	return strconv.FormatFloat(*strike, 'f', -1, 64)
}

// derivativeBase is the trading symbol up to its first digit (NIFTY25JANFUT -> NIFTY).
func derivativeBase(symbol string) string {
	if i := strings.IndexFunc(symbol, unicode.IsDigit); i >= 0 {
		return symbol[:i]
	}
	return symbol
}

// DisplayName builds the human label shown next to a tick:
//
//	YESBANK NSE
//	NIFTY FUT (27 JAN NSE)
//	NIFTY 26000 CALL (24 FEB NSE)
func DisplayName(inst models.Instrument) string {
	symbol := inst.TradingSymbol
	exchange := ExchangeLabel(inst.ExchangeSegment)

	if inst.InstrumentType == "EQ" {
		base, _, _ := strings.Cut(symbol, "-")
		return base + " " + exchange
	}

	base := derivativeBase(symbol)
	expiry := FormatExpiry(inst.ExpiryDate)

	switch {
	case inst.IsFuture():
		return fmt.Sprintf("%s FUT (%s %s)", base, expiry, exchange)
	case inst.IsOption():
		side := "PUT"
		if inst.OptionType == "CE" {
			side = "CALL"
		}
		return fmt.Sprintf("%s %s %s (%s %s)", base, FormatStrike(inst.StrikePrice), side, expiry, exchange)
	}
	return symbol
}
