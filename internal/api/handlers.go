package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"neo-trader/internal/broker"
	"neo-trader/internal/errors"
	"neo-trader/internal/logging"
	"neo-trader/internal/models"
	"neo-trader/internal/performance"
	"neo-trader/internal/resilience"
	"neo-trader/internal/security"
)

// TOTPLoginRequest is the body of /auth/totp-login. An empty TOTP is
// generated from the configured secret.
type TOTPLoginRequest struct {
	TOTP string `json:"totp"`
}

// ValidateMPINRequest is the body of /auth/validate-mpin. An empty MPIN
// falls back to the configured one.
type ValidateMPINRequest struct {
	MPIN string `json:"mpin"`
}

// opLogger returns the request-scoped logger tagged with op.
func opLogger(r *http.Request, op string) zerolog.Logger {
	return logging.WithOperation(logging.FromContext(r.Context()), op)
}

// decodeBody parses an optional JSON body into v. An empty body is allowed.
func decodeBody(r *http.Request, v interface{}) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && err != io.EOF {
		return errors.NewValidationError("body", nil, "invalid JSON: "+err.Error())
	}
	return nil
}

func (s *Server) handleTOTPLogin(w http.ResponseWriter, r *http.Request) {
	var req TOTPLoginRequest
	if err := decodeBody(r, &req); err != nil {
		sendErr(w, err, "Invalid request")
		return
	}

	code := strings.TrimSpace(req.TOTP)
	if code == "" {
		secret := s.deps.Credentials.TOTPSecret
		if secret == "" {
			sendErr(w, errors.NewValidationError("totp", "", "totp is required when no totp secret is configured"), "Login failed")
			return
		}
		generated, err := broker.GenerateTOTP(secret, s.now())
		if err != nil {
			sendErr(w, errors.Wrap(errors.ErrConfigInvalid, err.Error()), "Login failed")
			return
		}
		code = generated
	}

	st1, err := s.deps.Sessions.BeginLogin(r.Context(), code)
	if err != nil {
		lg := opLogger(r, "totp_login")
		lg.Warn().Err(err).Msg("TOTP login failed")
		sendErr(w, err, "Login failed")
		return
	}
	sendSuccess(w, map[string]interface{}{
		"stage":      1,
		"view_token": security.MaskCredential(st1.Token),
	}, "Login initiated")
}

func (s *Server) handleValidateMPIN(w http.ResponseWriter, r *http.Request) {
	var req ValidateMPINRequest
	if err := decodeBody(r, &req); err != nil {
		sendErr(w, err, "Invalid request")
		return
	}
	mpin := strings.TrimSpace(req.MPIN)
	if mpin == "" {
		mpin = s.deps.Credentials.MPIN
	}
	if mpin == "" {
		sendErr(w, errors.NewValidationError("mpin", "", "mpin is required"), "Validation failed")
		return
	}

	st2, err := s.deps.Sessions.CompleteLogin(r.Context(), mpin)
	if err != nil {
		lg := opLogger(r, "validate_mpin")
		lg.Warn().Err(err).Msg("MPIN validation failed")
		sendErr(w, err, "Validation failed")
		return
	}

	// The catalog lives behind the stage-2 base URL, so it is loaded now.
	// Authentication stands even when the load fails.
	records, err := s.deps.Catalog.Reload(r.Context())
	if err != nil {
		lg := opLogger(r, "validate_mpin")
		lg.Error().Err(err).Msg("Failed to load scrip master after login")
	}

	sendSuccess(w, map[string]interface{}{
		"stage":       2,
		"base_url":    st2.BaseURL,
		"data_center": st2.DataCenter,
		"records":     records,
	}, "Authenticated successfully")
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Sessions.Clear(r.Context()); err != nil {
		sendErr(w, err, "Logout failed")
		return
	}
	sendSuccess(w, nil, "Logged out")
}

func (s *Server) handleAuthStatus(w http.ResponseWriter, r *http.Request) {
	sendSuccess(w, s.deps.Sessions.Status(), "")
}

func (s *Server) handleReloadScripMaster(w http.ResponseWriter, r *http.Request) {
	records, err := s.deps.Catalog.Reload(r.Context())
	if err != nil {
		sendErr(w, err, "Scrip master reload failed")
		return
	}
	sendSuccess(w, map[string]int{"records": records}, "Scrip master reloaded successfully")
}

func (s *Server) handleSearchScrips(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		sendErr(w, errors.NewValidationError("q", q, "query is required"), "Validation failed")
		return
	}
	if s.deps.Catalog.Count() == 0 {
		sendErr(w, errors.ErrCatalogUnavailable, "Scrip master not loaded. Please login again.")
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	results := s.deps.Catalog.Search(q, limit)
	if results == nil {
		results = []models.Instrument{}
	}
	sendSuccess(w, results, "")
}

func (s *Server) handleGetScrip(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	inst, ok := s.deps.Catalog.Get(symbol)
	if !ok {
		sendError(w, http.StatusNotFound, errors.UnknownSymbol(symbol).Error(),
			"Symbol "+symbol+" not found in scrip master")
		return
	}
	sendSuccess(w, inst, "")
}

func (s *Server) handlePlaceOrder(w http.ResponseWriter, r *http.Request) {
	req := models.DefaultOrderRequest()
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendErr(w, errors.NewValidationError("body", nil, "invalid JSON: "+err.Error()), "Invalid request")
		return
	}

	res, err := s.deps.Orders.Place(r.Context(), req)
	if err != nil {
		lg := opLogger(r, "place_order")
		lg.Warn().Err(err).Str("symbol", req.Symbol).Msg("Order placement failed")
		sendErr(w, err, "Order placement failed")
		return
	}
	sendSuccess(w, res, res.Message)
}

func (s *Server) handleOrderBook(w http.ResponseWriter, r *http.Request) {
	days := s.deps.Orders.DefaultHistory()
	if raw := r.URL.Query().Get("days"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			sendErr(w, errors.NewValidationError("days", raw, "must be an integer"), "Validation failed")
			return
		}
		days = n
	}

	entries, err := s.deps.Orders.ListOrders(r.Context(), days)
	if err != nil {
		sendErr(w, err, "Failed to fetch order book")
		return
	}
	if entries == nil {
		entries = []models.BookEntry{}
	}
	sendSuccess(w, entries, "")
}

func (s *Server) handleTradeBook(w http.ResponseWriter, r *http.Request) {
	raw, err := s.deps.Orders.TradeBook(r.Context())
	if err != nil {
		sendErr(w, err, "Failed to fetch trade book")
		return
	}
	sendSuccess(w, raw, "")
}

func (s *Server) handleModifyOrder(w http.ResponseWriter, r *http.Request) {
	var req models.ModifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendErr(w, errors.NewValidationError("body", nil, "invalid JSON: "+err.Error()), "Invalid request")
		return
	}
	raw, err := s.deps.Orders.Modify(r.Context(), req)
	if err != nil {
		lg := opLogger(r, "modify_order")
		lg.Warn().Err(err).Str("order_id", req.OrderID).Msg("Order modification failed")
		sendErr(w, err, "Order modification failed")
		return
	}
	sendSuccess(w, raw, "Order modified")
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	orderID := mux.Vars(r)["orderId"]
	raw, err := s.deps.Orders.Cancel(r.Context(), orderID)
	if err != nil {
		lg := opLogger(r, "cancel_order")
		lg.Warn().Err(err).Str("order_id", orderID).Msg("Order cancellation failed")
		sendErr(w, err, "Order cancellation failed")
		return
	}
	sendSuccess(w, raw, "Order cancelled")
}

func (s *Server) passthrough(w http.ResponseWriter, raw json.RawMessage, err error, what string) {
	if err != nil {
		sendErr(w, err, "Failed to fetch "+what)
		return
	}
	sendSuccess(w, raw, "")
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	raw, err := s.deps.Portfolio.Positions(r.Context())
	s.passthrough(w, raw, err, "positions")
}

func (s *Server) handleHoldings(w http.ResponseWriter, r *http.Request) {
	raw, err := s.deps.Portfolio.Holdings(r.Context())
	s.passthrough(w, raw, err, "holdings")
}

func (s *Server) handleLimits(w http.ResponseWriter, r *http.Request) {
	raw, err := s.deps.Portfolio.Limits(r.Context())
	s.passthrough(w, raw, err, "limits")
}

func (s *Server) handleQuotes(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		sendErr(w, errors.NewValidationError("q", q, "query is required"), "Validation failed")
		return
	}
	raw, err := s.deps.Portfolio.Quote(r.Context(), q)
	s.passthrough(w, raw, err, "quotes")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	data := map[string]interface{}{
		"status":  "ok",
		"time":    s.now().Format(time.RFC3339),
		"session": s.deps.Sessions.Status(),
		"catalog": map[string]interface{}{
			"records":   s.deps.Catalog.Count(),
			"loaded_at": s.deps.Catalog.LoadedAt(),
		},
	}
	if s.deps.Feed != nil {
		data["feed"] = s.deps.Feed.State().String()
	}
	if s.deps.Hub != nil {
		data["hub"] = s.deps.Hub.Metrics()
	}
	if s.deps.Normalizer != nil {
		data["normalizer"] = s.deps.Normalizer.Stats()
	}
	data["memory"] = performance.MemoryStats()
	if s.deps.Breaker != nil {
		stats := s.deps.Breaker.BreakerStats()
		data["broker"] = stats
		if stats.State == resilience.CircuitOpen {
			data["status"] = "degraded"
		}
	}
	sendSuccess(w, data, "API server is running")
}
