// Package models provides domain models for the broker integration.
package models

import (
	"strconv"
	"strings"
)

// Exchange represents a stock exchange.
type Exchange string

const (
	NSE Exchange = "NSE"
	BSE Exchange = "BSE"
	NFO Exchange = "NFO" // NSE F&O
	BFO Exchange = "BFO" // BSE F&O
	MCX Exchange = "MCX" // Commodity
)

// SessionStatus is the trading-session state of a segment.
type SessionStatus string

const (
	SessionOpen   SessionStatus = "OPEN"
	SessionClosed SessionStatus = "CLOSED"
)

// Instrument is one row of the broker's instrument catalog.
type Instrument struct {
	TradingSymbol   string   `json:"tradingSymbol"`
	InstrumentToken string   `json:"instrumentToken"`
	ExchangeSegment string   `json:"exchangeSegment"`
	Segment         string   `json:"segment"` // catalog file label, e.g. NSE_CM
	InstrumentType  string   `json:"instrumentType,omitempty"`
	LotSize         int      `json:"lotSize"`
	OptionType      string   `json:"optionType,omitempty"`
	StrikePrice     *float64 `json:"strikePrice,omitempty"`
	ExpiryDate      string   `json:"expiryDate,omitempty"` // YYYY-MM-DD
	CompanyName     string   `json:"companyName,omitempty"`
	Description     string   `json:"description,omitempty"`
	Multiplier      *float64 `json:"multiplier,omitempty"`
	Precision       *int     `json:"precision,omitempty"`
}

// IsDerivative reports whether the instrument is a future or an option.
func (i *Instrument) IsDerivative() bool {
	return i.IsFuture() || i.IsOption()
}

// IsOption reports whether the instrument type names an option.
func (i *Instrument) IsOption() bool {
	return strings.Contains(strings.ToUpper(i.InstrumentType), "OPT")
}

// IsFuture reports whether the instrument type names a future.
func (i *Instrument) IsFuture() bool {
	return strings.Contains(strings.ToUpper(i.InstrumentType), "FUT")
}

// Clone returns a copy that shares no pointers with i.
func (i *Instrument) Clone() Instrument {
	c := *i
	if i.StrikePrice != nil {
		v := *i.StrikePrice
		c.StrikePrice = &v
	}
	if i.Multiplier != nil {
		v := *i.Multiplier
		c.Multiplier = &v
	}
	if i.Precision != nil {
		v := *i.Precision
		c.Precision = &v
	}
	return c
}

// ScripKey returns the "segment|token" form used by the streaming protocol.
func (i *Instrument) ScripKey() string {
	return i.ExchangeSegment + "|" + i.InstrumentToken
}

// RawTick carries the broker wire fields of one streaming update. Price
// fields keep their undecoded JSON values; nil means absent.
type RawTick struct {
	Token      string
	Segment    string
	LTP        interface{}
	Open       interface{}
	High       interface{}
	Low        interface{}
	Close      interface{}
	Volume     interface{}
	Multiplier interface{}
	Precision  interface{}
}

// RawTickFromMap extracts the wire fields from one decoded frame element.
func RawTickFromMap(m map[string]interface{}) RawTick {
	return RawTick{
		Token:      stringField(m["tk"]),
		Segment:    stringField(m["e"]),
		LTP:        m["ltp"],
		Open:       firstPresent(m, "o", "op"),
		High:       m["h"],
		Low:        firstPresent(m, "lo", "l"),
		Close:      m["c"],
		Volume:     m["v"],
		Multiplier: m["mul"],
		Precision:  m["prec"],
	}
}

func firstPresent(m map[string]interface{}, keys ...string) interface{} {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			return v
		}
	}
	return nil
}

func stringField(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	default:
		return ""
	}
}

// Tick is a normalized, display-ready quote relayed to downstream clients.
type Tick struct {
	Symbol         string        `json:"symbol"`
	DisplayName    string        `json:"displayName"`
	LTP            float64       `json:"ltp"`
	Open           float64       `json:"open"`
	High           float64       `json:"high"`
	Low            float64       `json:"low"`
	Close          float64       `json:"close"`
	Volume         int64         `json:"volume"`
	Timestamp      int64         `json:"timestamp"`
	InstrumentType string        `json:"instrumentType"`
	Exchange       Exchange      `json:"exchange"`
	Session        SessionStatus `json:"session"`
	IsAMO          bool          `json:"isAmo"`
}
