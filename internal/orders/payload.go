package orders

import (
	"fmt"
	"strconv"
	"strings"

	"neo-trader/internal/errors"
	"neo-trader/internal/models"
)

// SegmentExchange maps catalog exchange segments to exchange names.
var SegmentExchange = map[string]string{
	"nse_cm": "NSE",
	"bse_cm": "BSE",
	"nse_fo": "NFO",
	"bse_fo": "BFO",
	"mcx_fo": "MCX",
}

// OrderTypeCode maps order types to broker price-type codes.
var OrderTypeCode = map[models.OrderType]string{
	models.OrderTypeLimit:     "L",
	models.OrderTypeMarket:    "MKT",
	models.OrderTypeStopLoss:  "SL",
	"SL-LMT":                  "SL",
	models.OrderTypeStopLossM: "SL-M",
	"SL-MKT":                  "SL-M",
}

// SideCode maps order sides to broker transaction codes.
var SideCode = map[models.OrderSide]string{
	models.OrderSideBuy:  "B",
	models.OrderSideSell: "S",
}

// Validate checks a request before translation.
func Validate(req models.OrderRequest) error {
	if strings.TrimSpace(req.Symbol) == "" {
		return errors.NewValidationError("trading_symbol", req.Symbol, "symbol is required")
	}
	if req.Quantity <= 0 {
		return errors.NewValidationError("quantity", req.Quantity, "quantity must be greater than 0")
	}
	if _, ok := SideCode[req.Side]; !ok {
		return errors.NewValidationError("transaction_type", req.Side, "must be BUY or SELL")
	}
	if _, ok := OrderTypeCode[req.Type]; !ok {
		return errors.NewValidationError("order_type", req.Type, "must be LIMIT, MARKET, SL or SL-M")
	}
	if req.Price < 0 || req.TriggerPrice < 0 {
		return errors.NewValidationError("price", req.Price, "prices must not be negative")
	}
	return nil
}

// ExchangeFor returns the exchange name of a segment, or the segment itself
// when unmapped.
func ExchangeFor(segment string) string {
	if ex, ok := SegmentExchange[segment]; ok {
		return ex
	}
	return segment
}

// ProductCode normalizes a product for the segment: CASH is delivery, a
// generic NRML on a cash segment is delivery too, and bracket orders use B.
func ProductCode(product models.ProductType, segment string) string {
	if product.IsBracket() {
		return "B"
	}
	switch {
	case product == models.ProductCash:
		return string(models.ProductCNC)
	case product == models.ProductNRML && strings.HasSuffix(segment, "_cm"):
		return string(models.ProductCNC)
	}
	return string(product)
}

func yesNo(b bool) string {
	if b {
		return "YES"
	}
	return "NO"
}

func price(v float64) string {
	if v == 0 {
		return "0"
	}
	return fmt.Sprintf("%.2f", v)
}

func spread(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// PlacePayload builds the placement jData for req against inst.
func PlacePayload(req models.OrderRequest, inst models.Instrument) map[string]string {
	p := map[string]string{
		"am": yesNo(req.AMO),
		"dq": strconv.Itoa(req.DisclosedQuantity),
		"es": inst.ExchangeSegment,
		"mp": "0",
		"pc": ProductCode(req.Product, inst.ExchangeSegment),
		"pf": "N",
		"pr": price(req.Price),
		"pt": OrderTypeCode[req.Type],
		"qt": strconv.Itoa(req.Quantity),
		"rt": "DAY",
		"tp": "0",
		"ts": req.Symbol,
		"tt": SideCode[req.Side],
	}

	if req.Validity != "" && req.Validity != models.ValidityGFD {
		p["rt"] = req.Validity
	}
	if req.TriggerPrice > 0 {
		p["tp"] = price(req.TriggerPrice)
	}

	if req.Product.IsBracket() {
		if req.StopLossSpread != nil && *req.StopLossSpread != 0 {
			p["sl"] = spread(*req.StopLossSpread)
		}
		if req.TargetSpread != nil && *req.TargetSpread != 0 {
			p["tg"] = spread(*req.TargetSpread)
		}
		if req.TrailingStopLoss != nil && *req.TrailingStopLoss != 0 {
			p["tsl"] = spread(*req.TrailingStopLoss)
		}
	}
	return p
}

// modifyOrderType maps a requested new order type; anything unknown is
// sent as a limit order.
func modifyOrderType(t models.OrderType) string {
	switch t {
	case models.OrderTypeMarket:
		return "MKT"
	case models.OrderTypeStopLoss:
		return "SL"
	case models.OrderTypeStopLossM:
		return "SL-M"
	default:
		return "L"
	}
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// ModifyPayload combines the order-book copy of an order with the caller's
// deltas. The broker needs the immutable fields on every modification.
func ModifyPayload(req models.ModifyRequest, orig models.BookEntry) map[string]string {
	p := map[string]string{
		"no": req.OrderID,
		"am": yesNo(orig.String("ordGenTp") == "AMO"),
		"es": orDefault(orig.String("exSeg"), "nse_cm"),
		"ts": orig.String("trdSym"),
		"tt": orDefault(orig.String("trnsTp"), "B"),
		"pc": orDefault(orig.String("prod"), "CNC"),
		"pt": orDefault(orig.String("prcTp"), "L"),
		"qt": orDefault(orig.String("qty"), "1"),
		"pr": orDefault(orig.String("prc"), "0"),
		"tp": "0",
		"mp": "0",
		"dq": "0",
		"vd": orDefault(orig.String("vldt"), "DAY"),
	}
	if req.Quantity != nil && *req.Quantity > 0 {
		p["qt"] = strconv.Itoa(*req.Quantity)
	}
	if req.Price != nil && *req.Price != 0 {
		p["pr"] = fmt.Sprintf("%.2f", *req.Price)
	}
	if req.OrderType != "" {
		p["pt"] = modifyOrderType(req.OrderType)
	}
	return p
}

// CancelPayload builds the cancel jData. After-market orders must also
// name their trading symbol.
func CancelPayload(orderID string, orig models.BookEntry) map[string]string {
	amo := orig != nil && orig.String("ordGenTp") == "AMO"
	p := map[string]string{
		"on": orderID,
		"am": yesNo(amo),
	}
	if sym := orig.String("trdSym"); amo && sym != "" {
		p["ts"] = sym
	}
	return p
}
