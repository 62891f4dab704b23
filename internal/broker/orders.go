package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"neo-trader/internal/errors"
	"neo-trader/internal/models"
)

const (
	placePath     = "/quick/order/rule/ms/place"
	modifyPath    = "/quick/order/vr/modify"
	cancelPath    = "/quick/order/cancel"
	orderBookPath = "/quick/user/orders"
	tradeBookPath = "/quick/user/trades"
)

// postJData sends a jData form to a session-bound trading endpoint.
func (c *Client) postJData(ctx context.Context, endpoint, path string, jData interface{}) (*response, error) {
	sess, err := c.activeSession()
	if err != nil {
		return nil, err
	}
	body, err := jDataBody(jData)
	if err != nil {
		return nil, err
	}
	headers := tradeHeaders(sess, c.cfg.FinKey)
	headers.Set("Content-Type", "application/x-www-form-urlencoded")

	return c.do(ctx, call{
		method:   http.MethodPost,
		endpoint: endpoint,
		url:      c.gateway(sess) + path,
		headers:  headers,
		body:     body,
		session:  true,
	})
}

// getTrading issues a session-bound GET.
func (c *Client) getTrading(ctx context.Context, endpoint, path string) (*response, error) {
	sess, err := c.activeSession()
	if err != nil {
		return nil, err
	}
	return c.do(ctx, call{
		method:   http.MethodGet,
		endpoint: endpoint,
		url:      c.gateway(sess) + path,
		headers:  tradeHeaders(sess, c.cfg.FinKey),
		session:  true,
	})
}

// PlaceOrder submits a placement payload and returns the decoded response.
// A non-2xx answer other than an auth rejection wraps ErrOrderRejected with
// the broker's body verbatim.
func (c *Client) PlaceOrder(ctx context.Context, jData map[string]string) (map[string]interface{}, error) {
	resp, err := c.postJData(ctx, "place", placePath, jData)
	if err != nil {
		return nil, rejectedOrder(err)
	}
	return decodeObject("place", resp.body)
}

// ModifyOrder submits a modification payload.
func (c *Client) ModifyOrder(ctx context.Context, jData map[string]string) (json.RawMessage, error) {
	resp, err := c.postJData(ctx, "modify", modifyPath, jData)
	if err != nil {
		return nil, rejectedOrder(err)
	}
	return json.RawMessage(resp.body), nil
}

// CancelOrder submits a cancellation payload.
func (c *Client) CancelOrder(ctx context.Context, jData map[string]string) (json.RawMessage, error) {
	resp, err := c.postJData(ctx, "cancel", cancelPath, jData)
	if err != nil {
		return nil, rejectedOrder(err)
	}
	return json.RawMessage(resp.body), nil
}

// orderBookResponse is the envelope of the order-book endpoint.
type orderBookResponse struct {
	Stat string             `json:"stat"`
	Data []models.BookEntry `json:"data"`
}

// OrderBook fetches today's orders.
func (c *Client) OrderBook(ctx context.Context) ([]models.BookEntry, error) {
	resp, err := c.getTrading(ctx, "orders", orderBookPath)
	if err != nil {
		return nil, err
	}
	var book orderBookResponse
	if err := json.Unmarshal(resp.body, &book); err != nil {
		return nil, errors.NewBrokerError("orders", resp.status, string(resp.body), fmt.Errorf("failed to parse order book: %w", err))
	}
	// The broker answers {"stat":"Not_Ok","emsg":"No Data"} on an empty day.
	if book.Data == nil {
		return []models.BookEntry{}, nil
	}
	return book.Data, nil
}

// TradeBook fetches today's fills unchanged.
func (c *Client) TradeBook(ctx context.Context) (json.RawMessage, error) {
	resp, err := c.getTrading(ctx, "trades", tradeBookPath)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(resp.body), nil
}

func rejectedOrder(err error) error {
	var berr *errors.BrokerError
	if errors.As(err, &berr) && berr.Status != 0 && berr.Err == nil {
		return errors.NewBrokerError(berr.Endpoint, berr.Status, berr.Body, errors.ErrOrderRejected)
	}
	return err
}
