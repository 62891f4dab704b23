package models

import (
	"fmt"
	"strconv"
	"time"
)

// OrderSide represents the side of an order.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// OrderType represents the type of an order.
type OrderType string

const (
	OrderTypeMarket    OrderType = "MARKET"
	OrderTypeLimit     OrderType = "LIMIT"
	OrderTypeStopLoss  OrderType = "SL"
	OrderTypeStopLossM OrderType = "SL-M"
)

// ProductType represents the product type of an order.
type ProductType string

const (
	ProductMIS     ProductType = "MIS"  // Intraday
	ProductCNC     ProductType = "CNC"  // Delivery
	ProductNRML    ProductType = "NRML" // F&O Normal
	ProductCash    ProductType = "CASH"
	ProductBracket ProductType = "BO"
)

// IsBracket reports whether the product denotes a bracket order.
func (p ProductType) IsBracket() bool {
	return p == ProductBracket || p == "B"
}

// ValidityGFD is the good-for-day validity that maps to the broker's DAY retention.
const ValidityGFD = "GFD"

// OrderRequest is the user-supplied intent to place an order.
type OrderRequest struct {
	Symbol            string      `json:"trading_symbol"`
	Side              OrderSide   `json:"transaction_type"`
	Type              OrderType   `json:"order_type"`
	Product           ProductType `json:"product_type"`
	Quantity          int         `json:"quantity"`
	Price             float64     `json:"price"`
	TriggerPrice      float64     `json:"trigger_price"`
	Validity          string      `json:"validity"`
	AMO               bool        `json:"amo"`
	DisclosedQuantity int         `json:"disclosed_quantity"`

	// Bracket-order spreads, used only when Product.IsBracket().
	StopLossSpread   *float64 `json:"sl_spread,omitempty"`
	TargetSpread     *float64 `json:"tg_spread,omitempty"`
	TrailingStopLoss *float64 `json:"trailing_sl,omitempty"`
}

// DefaultOrderRequest returns a one-share market delivery buy of BEL-EQ.
func DefaultOrderRequest() OrderRequest {
	return OrderRequest{
		Symbol:   "BEL-EQ",
		Side:     OrderSideBuy,
		Type:     OrderTypeMarket,
		Product:  ProductCNC,
		Quantity: 1,
		Validity: ValidityGFD,
	}
}

// ModifyRequest carries only the deltas a caller wants applied to an open order.
type ModifyRequest struct {
	OrderID   string    `json:"order_id"`
	Quantity  *int      `json:"quantity,omitempty"`
	Price     *float64  `json:"price,omitempty"`
	OrderType OrderType `json:"order_type,omitempty"`
}

// OrderOutcome is the caller-facing verdict of a placement.
type OrderOutcome string

const (
	OutcomeSuccess OrderOutcome = "SUCCESS"
	OutcomeFailure OrderOutcome = "FAILURE"
	OutcomeUnknown OrderOutcome = "UNKNOWN"
)

// ReasonNotPersisted marks an accepted order that never appeared in the order book.
const ReasonNotPersisted = "NOT_PERSISTED"

// OrderResult is returned by a placement once verification has finished.
type OrderResult struct {
	OrderID      string       `json:"order_number"`
	BrokerStatus string       `json:"oms_status"`
	Result       OrderOutcome `json:"final_result"`
	Reason       string       `json:"reason,omitempty"`
	Message      string       `json:"message"`
}

// OrderRecord is a ledger row.
type OrderRecord struct {
	OrderID        string    `json:"order_id"`
	TradingSymbol  string    `json:"trading_symbol"`
	Quantity       int       `json:"quantity"`
	Price          float64   `json:"price"`
	OrderType      string    `json:"order_type"`
	Side           string    `json:"transaction_type"`
	Product        string    `json:"product"`
	Status         string    `json:"status"`
	Exchange       string    `json:"exchange"`
	OrderDatetime  string    `json:"order_datetime"`
	BrokerResponse string    `json:"kotak_response"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// OrderDatetimeLayout is the broker's order-book timestamp layout.
const OrderDatetimeLayout = "02-Jan-2006 15:04:05"

// BookEntry is one order-book or trade-book row as returned by the broker.
// Field names follow the broker's wire format.
type BookEntry map[string]interface{}

// String returns a field rendered as a string, or "" when absent.
func (e BookEntry) String(key string) string {
	switch v := e[key].(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}

// OrderID returns the broker order number.
func (e BookEntry) OrderID() string { return e.String("nOrdNo") }

// Status returns the broker order status.
func (e BookEntry) Status() string { return e.String("ordSt") }

// ToBookEntry renders a ledger record with broker field names so it can be
// merged into an order-book response.
func (r *OrderRecord) ToBookEntry() BookEntry {
	status := r.Status
	if status == "" {
		status = "UNKNOWN"
	}
	return BookEntry{
		"nOrdNo":  r.OrderID,
		"trdSym":  r.TradingSymbol,
		"qty":     r.Quantity,
		"prc":     strconv.FormatFloat(r.Price, 'f', -1, 64),
		"ordSt":   status,
		"trnsTp":  r.Side,
		"prcTp":   r.OrderType,
		"prod":    r.Product,
		"ordDtTm": r.OrderDatetime,
		"exSeg":   r.Exchange,
		"_source": "database",
	}
}
