package api

import (
	"encoding/json"
	"net/http"

	"neo-trader/internal/errors"
)

// Response is the envelope for every JSON response.
type Response struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// sendSuccess writes a 200 envelope.
func sendSuccess(w http.ResponseWriter, data interface{}, message string) {
	respond(w, http.StatusOK, Response{
		Success: true,
		Message: message,
		Data:    data,
	})
}

func sendError(w http.ResponseWriter, status int, errorMsg, message string) {
	respond(w, status, Response{
		Success: false,
		Message: message,
		Error:   errorMsg,
	})
}

// sendErr maps err onto a status code and writes it.
func sendErr(w http.ResponseWriter, err error, message string) {
	sendError(w, errorStatus(err), err.Error(), message)
}

// errorStatus maps the error taxonomy onto HTTP status codes.
func errorStatus(err error) int {
	var brokerErr *errors.BrokerError
	switch {
	case errors.Is(err, errors.ErrInvalidOrder), errors.Is(err, errors.ErrConfigInvalid):
		return http.StatusUnprocessableEntity
	case errors.Is(err, errors.ErrAuthentication), errors.Is(err, errors.ErrNoActiveStage1):
		return http.StatusUnauthorized
	case errors.Is(err, errors.ErrUnknownSymbol), errors.Is(err, errors.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, errors.ErrCatalogUnavailable), errors.Is(err, errors.ErrNotConnected):
		return http.StatusServiceUnavailable
	case errors.Is(err, errors.ErrCapacityExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, errors.ErrOrderRejected):
		return http.StatusBadRequest
	case errors.As(err, &brokerErr), errors.Is(err, errors.ErrTransport):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func respond(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}
