package utils

import (
	"strings"
	"time"

	"neo-trader/internal/models"
)

// IndiaLocation is the timezone for Indian markets.
var IndiaLocation *time.Location

func init() {
	var err error
	IndiaLocation, err = time.LoadLocation("Asia/Kolkata")
	if err != nil {
		// Fallback to UTC+5:30
		IndiaLocation = time.FixedZone("IST", 5*60*60+30*60)
	}
}

// SegmentClass groups exchange segments that share trading hours.
type SegmentClass string

const (
	ClassCash       SegmentClass = "CM"
	ClassDerivative SegmentClass = "FO"
	ClassCurrency   SegmentClass = "CD"
	ClassCommodity  SegmentClass = "MCX"
)

// SessionWindow is a trading window in seconds since local midnight.
// Both ends are inclusive.
type SessionWindow struct {
	Open  int
	Close int
}

func hms(h, m int) int { return h*3600 + m*60 }

// SessionWindows are the published IST trading hours per segment class.
var SessionWindows = map[SegmentClass]SessionWindow{
	ClassCash:       {Open: hms(9, 15), Close: hms(15, 30)},
	ClassDerivative: {Open: hms(9, 15), Close: hms(15, 30)},
	ClassCurrency:   {Open: hms(9, 0), Close: hms(17, 0)},
	ClassCommodity:  {Open: hms(9, 0), Close: hms(23, 30)},
}

// ClassifySegment maps an exchange segment such as "mcx_fo", "cde_fo" or
// the BSE currency segment "bcs_fo" to its hours class. Commodity and currency are matched before the generic
// CM/FO suffixes; anything unrecognized is treated as cash.
func ClassifySegment(segment string) SegmentClass {
	seg := strings.ToUpper(segment)
	switch {
	case strings.Contains(seg, "MCX"):
		return ClassCommodity
	case strings.Contains(seg, "CD"), strings.HasPrefix(seg, "BCS"):
		return ClassCurrency
	case strings.Contains(seg, "CM"):
		return ClassCash
	case strings.Contains(seg, "FO"):
		return ClassDerivative
	default:
		return ClassCash
	}
}

// SessionInfo is the session state of one segment at one instant.
type SessionInfo struct {
	Status  models.SessionStatus `json:"status"`
	IsAMO   bool                 `json:"is_amo"`
	Segment string               `json:"segment"`
}

// MarketSession reports whether segment is trading at now. Outside the
// window, and all day Saturday and Sunday, orders are after-market.
func MarketSession(segment string, now time.Time) SessionInfo {
	local := now.In(IndiaLocation)
	info := SessionInfo{Status: models.SessionClosed, IsAMO: true, Segment: segment}

	if local.Weekday() == time.Saturday || local.Weekday() == time.Sunday {
		return info
	}

	w := SessionWindows[ClassifySegment(segment)]
	sec := local.Hour()*3600 + local.Minute()*60 + local.Second()
	if sec >= w.Open && sec <= w.Close {
		info.Status = models.SessionOpen
		info.IsAMO = false
	}
	return info
}

// IsMarketOpen returns true if segment is inside its trading window at now.
func IsMarketOpen(segment string, now time.Time) bool {
	return MarketSession(segment, now).Status == models.SessionOpen
}

// GetNextMarketOpen returns the next opening time for segment after now.
func GetNextMarketOpen(segment string, now time.Time) time.Time {
	local := now.In(IndiaLocation)
	w := SessionWindows[ClassifySegment(segment)]

	next := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, IndiaLocation).
		Add(time.Duration(w.Open) * time.Second)

	if !local.Before(next) {
		next = next.AddDate(0, 0, 1)
	}

	for next.Weekday() == time.Saturday || next.Weekday() == time.Sunday {
		next = next.AddDate(0, 0, 1)
	}

	return next
}
