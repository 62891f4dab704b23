// Package orders places, verifies and tracks broker orders.
package orders

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"neo-trader/internal/broker"
	"neo-trader/internal/errors"
	"neo-trader/internal/logging"
	"neo-trader/internal/models"
	"neo-trader/internal/notify"
	"neo-trader/internal/store"
	"neo-trader/pkg/utils"
)

// Verification defaults.
const (
	DefaultVerifyAttempts = 3
	DefaultVerifyDelay    = 2 * time.Second
	DefaultHistoryDays    = 3
)

// StatusNotFound is reported when an accepted order never shows up in the
// order book.
const StatusNotFound = "NOT_FOUND"

// Order-book statuses grouped by verdict.
var (
	successStatuses = map[string]bool{"OPEN": true, "AMO": true, "PENDING": true, "TRIGGER PENDING": true}
	failureStatuses = map[string]bool{"REJECTED": true, "CANCELLED": true}
)

// SymbolResolver resolves trading symbols to instruments.
type SymbolResolver interface {
	Get(symbol string) (models.Instrument, bool)
}

// Config tunes verification and history.
type Config struct {
	VerifyAttempts     int
	VerifyDelay        time.Duration
	DefaultHistoryDays int
}

// Manager runs the order lifecycle: validate, translate, submit, verify
// against the order book and record in the ledger.
type Manager struct {
	gateway  broker.OrderGateway
	resolver SymbolResolver
	ledger   store.Ledger
	cfg      Config
	notifier notify.Notifier
	logger   zerolog.Logger
	sleep    func(time.Duration)
	now      func() time.Time
}

// NewManager creates an order manager. ledger may be nil.
func NewManager(gateway broker.OrderGateway, resolver SymbolResolver, ledger store.Ledger, cfg Config, logger zerolog.Logger) *Manager {
	if cfg.VerifyAttempts <= 0 {
		cfg.VerifyAttempts = DefaultVerifyAttempts
	}
	if cfg.VerifyDelay < 0 {
		cfg.VerifyDelay = DefaultVerifyDelay
	}
	if cfg.DefaultHistoryDays < 0 {
		cfg.DefaultHistoryDays = DefaultHistoryDays
	}
	return &Manager{
		gateway:  gateway,
		resolver: resolver,
		ledger:   ledger,
		notifier: notify.NoOpNotifier{},
		cfg:      cfg,
		logger:   logging.WithComponent(logger, "orders"),
		sleep:    time.Sleep,
		now:      time.Now,
	}
}

// SetNotifier sets where placement outcomes are announced.
func (m *Manager) SetNotifier(n notify.Notifier) {
	if n == nil {
		n = notify.NoOpNotifier{}
	}
	m.notifier = n
}

// SetSleeper replaces the delay between verification attempts.
func (m *Manager) SetSleeper(sleep func(time.Duration)) {
	m.sleep = sleep
}

// SetClock replaces the wall clock used for ledger timestamps and history
// windows.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// Place validates, submits and verifies an order. Once the broker has
// accepted it the call always returns a result, never an error: the order
// exists and the caller must learn its number.
func (m *Manager) Place(ctx context.Context, req models.OrderRequest) (*models.OrderResult, error) {
	if err := Validate(req); err != nil {
		return nil, err
	}

	inst, ok := m.resolver.Get(req.Symbol)
	if !ok {
		return nil, errors.UnknownSymbol(req.Symbol)
	}

	log := logging.WithSymbol(m.logger, req.Symbol)
	payload := PlacePayload(req, inst)
	log.Info().
		Str("token", inst.InstrumentToken).
		Str("segment", inst.ExchangeSegment).
		Interface("jData", payload).
		Msg("Placing order")

	resp, err := m.gateway.PlaceOrder(ctx, payload)
	if err != nil {
		log.Error().Err(err).Msg("Order placement failed")
		return nil, errors.NewOrderError("", req.Symbol, "place", "submission failed", err)
	}

	entry := models.BookEntry(resp)
	orderID := entry.OrderID()
	if entry.String("stat") != "Ok" || orderID == "" {
		raw, _ := json.Marshal(resp)
		log.Warn().RawJSON("response", raw).Msg("Order rejected by OMS")
		return nil, errors.NewOrderError("", req.Symbol, "place", string(raw), errors.ErrOrderRejected)
	}
	log = logging.WithOrderID(log, orderID)
	log.Info().Msg("Order accepted by OMS")

	// Verification and recording always run to completion, even if the
	// caller goes away.
	ctx = context.WithoutCancel(ctx)
	v := m.verify(ctx, orderID)
	result := classify(orderID, v)

	status := v.status
	if !v.found {
		status = store.DefaultStatus
	}
	raw, _ := json.Marshal(resp)
	m.record(ctx, models.OrderRecord{
		OrderID:        orderID,
		TradingSymbol:  req.Symbol,
		Quantity:       req.Quantity,
		Price:          req.Price,
		OrderType:      string(req.Type),
		Side:           string(req.Side),
		Product:        string(req.Product),
		Status:         status,
		Exchange:       ExchangeFor(inst.ExchangeSegment),
		OrderDatetime:  m.now().In(utils.IndiaLocation).Format(models.OrderDatetimeLayout),
		BrokerResponse: string(raw),
	})

	logging.LogOrder(log, orderID, req.Symbol, string(req.Side), result.BrokerStatus)
	m.announce(ctx, req, result)
	return result, nil
}

// announce sends the placement outcome without holding up the caller.
func (m *Manager) announce(ctx context.Context, req models.OrderRequest, res *models.OrderResult) {
	n := notify.OrderPlaced(req, res)
	n.Timestamp = m.now()
	go func() {
		if err := m.notifier.Send(ctx, n); err != nil {
			m.logger.Warn().Err(err).Str("order_id", res.OrderID).Msg("Order notification failed")
		}
	}()
}

// verification is what the order-book poll observed.
type verification struct {
	found   bool
	status  string
	message string
}

// verify polls the order book for orderID up to VerifyAttempts times.
// A failed poll counts as an attempt.
func (m *Manager) verify(ctx context.Context, orderID string) verification {
	log := logging.WithOrderID(m.logger, orderID)
	for attempt := 1; attempt <= m.cfg.VerifyAttempts; attempt++ {
		log.Info().Int("attempt", attempt).Int("max", m.cfg.VerifyAttempts).Msg("Checking order book")

		book, err := m.gateway.OrderBook(ctx)
		if err != nil {
			log.Warn().Err(err).Int("attempt", attempt).Msg("Order book check failed")
		} else if e := findOrder(book, orderID); e != nil {
			status := e.Status()
			if status == "" {
				status = "UNKNOWN"
			}
			return verification{found: true, status: status, message: e.String("rejRsn")}
		}

		if attempt < m.cfg.VerifyAttempts {
			m.sleep(m.cfg.VerifyDelay)
		}
	}
	return verification{message: "Order not found in order book"}
}

func findOrder(book []models.BookEntry, orderID string) models.BookEntry {
	for _, e := range book {
		if e.OrderID() == orderID {
			return e
		}
	}
	return nil
}

// classify turns a verification into the caller-facing result.
func classify(orderID string, v verification) *models.OrderResult {
	if !v.found {
		return &models.OrderResult{
			OrderID:      orderID,
			BrokerStatus: StatusNotFound,
			Result:       models.OutcomeFailure,
			Reason:       models.ReasonNotPersisted,
			Message:      "OMS did not persist order (not found in order book)",
		}
	}

	res := &models.OrderResult{OrderID: orderID, BrokerStatus: v.status}
	switch {
	case successStatuses[v.status]:
		res.Result = models.OutcomeSuccess
		res.Message = "Order placed successfully with status: " + v.status
	case failureStatuses[v.status]:
		res.Result = models.OutcomeFailure
		res.Message = v.message
		if res.Message == "" {
			res.Message = "Order " + strings.ToLower(v.status)
		}
	default:
		res.Result = models.OutcomeUnknown
		res.Message = "Order in unexpected status: " + v.status
	}
	return res
}

// record writes to the ledger. Failures are logged only.
func (m *Manager) record(ctx context.Context, rec models.OrderRecord) {
	if m.ledger == nil {
		return
	}
	if err := m.ledger.Save(ctx, rec); err != nil {
		m.logger.Error().Err(err).Str("order_id", rec.OrderID).Msg("Failed to save order to ledger")
	}
}

// Modify changes an open order. Only the deltas in req are caller
// supplied; everything else is taken from the order book.
func (m *Manager) Modify(ctx context.Context, req models.ModifyRequest) (json.RawMessage, error) {
	if req.OrderID == "" {
		return nil, errors.NewValidationError("order_id", req.OrderID, "order id is required")
	}
	log := logging.WithOrderID(m.logger, req.OrderID)

	book, err := m.gateway.OrderBook(ctx)
	if err != nil {
		return nil, errors.NewOrderError(req.OrderID, "", "modify", "failed to fetch order details", err)
	}
	orig := findOrder(book, req.OrderID)
	if orig == nil {
		return nil, errors.NewOrderError(req.OrderID, "", "modify", "order not found in order book", errors.ErrNotFound)
	}
	log.Info().Str("status", orig.Status()).Msg("Modifying order")

	payload := ModifyPayload(req, orig)
	log.Debug().Interface("jData", payload).Msg("Modify payload")

	resp, err := m.gateway.ModifyOrder(ctx, payload)
	if err != nil {
		log.Error().Err(err).Msg("Order modification failed")
		return nil, errors.NewOrderError(req.OrderID, orig.String("trdSym"), "modify", "modification failed", err)
	}
	return resp, nil
}

// Cancel cancels an order. If the order book cannot be read the cancel is
// still attempted as a regular-session order.
func (m *Manager) Cancel(ctx context.Context, orderID string) (json.RawMessage, error) {
	if orderID == "" {
		return nil, errors.NewValidationError("order_id", orderID, "order id is required")
	}
	log := logging.WithOrderID(m.logger, orderID)

	var orig models.BookEntry
	book, err := m.gateway.OrderBook(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Could not fetch order details; cancelling anyway")
	} else {
		orig = findOrder(book, orderID)
	}

	payload := CancelPayload(orderID, orig)
	log.Info().Str("amo", payload["am"]).Msg("Cancelling order")

	resp, err := m.gateway.CancelOrder(ctx, payload)
	if err != nil {
		log.Error().Err(err).Msg("Order cancellation failed")
		return nil, errors.NewOrderError(orderID, orig.String("trdSym"), "cancel", "cancellation failed", err)
	}
	return resp, nil
}

// ListOrders returns today's broker orders followed by ledger orders from
// the last days days that the broker no longer reports. Broker copies win
// for any order present in both. Ledger statuses that the broker reports
// differently are brought up to date.
func (m *Manager) ListOrders(ctx context.Context, days int) ([]models.BookEntry, error) {
	today, err := m.gateway.OrderBook(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch order book: %w", err)
	}
	m.logger.Info().Int("broker", len(today)).Int("days", days).Msg("Order book fetched")

	if days <= 0 || m.ledger == nil {
		return today, nil
	}

	now := m.now()
	history, err := m.ledger.GetByDateRange(ctx, now.AddDate(0, 0, -days), now)
	if err != nil {
		m.logger.Warn().Err(err).Msg("Failed to fetch historical orders from ledger")
		return today, nil
	}

	m.reconcile(ctx, today, history)
	merged := MergeOrderBooks(today, history)
	m.logger.Info().
		Int("broker", len(today)).
		Int("ledger", len(merged)-len(today)).
		Int("total", len(merged)).
		Msg("Order book merged")
	return merged, nil
}

// reconcile updates ledger statuses that differ from the broker's.
func (m *Manager) reconcile(ctx context.Context, today []models.BookEntry, history []models.OrderRecord) {
	known := make(map[string]string, len(history))
	for _, rec := range history {
		known[rec.OrderID] = rec.Status
	}
	for _, e := range today {
		id, status := e.OrderID(), e.Status()
		prev, ok := known[id]
		if !ok || status == "" || status == prev {
			continue
		}
		if err := m.ledger.UpdateStatus(ctx, id, status); err != nil {
			m.logger.Warn().Err(err).Str("order_id", id).Msg("Failed to update ledger status")
		}
	}
}

// MergeOrderBooks appends ledger records whose ids are absent from the
// broker list. The broker list is returned first, unchanged.
func MergeOrderBooks(today []models.BookEntry, history []models.OrderRecord) []models.BookEntry {
	seen := make(map[string]bool, len(today))
	for _, e := range today {
		if id := e.OrderID(); id != "" {
			seen[id] = true
		}
	}

	merged := make([]models.BookEntry, 0, len(today)+len(history))
	merged = append(merged, today...)
	for i := range history {
		id := history[i].OrderID
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		merged = append(merged, history[i].ToBookEntry())
	}
	return merged
}

// TradeBook returns the broker's trade book unchanged.
func (m *Manager) TradeBook(ctx context.Context) (json.RawMessage, error) {
	raw, err := m.gateway.TradeBook(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch trade book: %w", err)
	}
	return raw, nil
}

// DefaultHistory is the configured number of history days for ListOrders.
func (m *Manager) DefaultHistory() int {
	return m.cfg.DefaultHistoryDays
}
