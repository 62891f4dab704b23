package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"neo-trader/internal/errors"
	"neo-trader/internal/session"
	"neo-trader/pkg/utils"
)

const (
	positionsPath = "/quick/user/positions"
	holdingsPath  = "/portfolio/v1/holdings"
	limitsPath    = "/quick/user/limits"
	quotesPath    = "/script-details/1.0/quotes/neosymbol/"
	filePathsPath = "/script-details/1.0/masterscrip/file-paths"
)

// emptyHoldings is returned when the broker reports an account with no holdings.
var emptyHoldings = json.RawMessage(`{"stat":"Ok","data":[]}`)

// Positions returns open positions unchanged.
func (c *Client) Positions(ctx context.Context) (json.RawMessage, error) {
	resp, err := c.getTrading(ctx, "positions", positionsPath)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(resp.body), nil
}

// Holdings returns demat holdings unchanged. The broker answers 424 with
// "No holdings" for an empty account; that is reported as an empty list.
func (c *Client) Holdings(ctx context.Context) (json.RawMessage, error) {
	resp, err := c.getTrading(ctx, "holdings", holdingsPath)
	if err != nil {
		var berr *errors.BrokerError
		if errors.As(err, &berr) && berr.Status == http.StatusFailedDependency && strings.Contains(berr.Body, "No holdings") {
			c.logger.Info().Msg("No holdings found")
			return emptyHoldings, nil
		}
		return nil, err
	}
	return json.RawMessage(resp.body), nil
}

// Limits returns funds and margin across all segments.
func (c *Client) Limits(ctx context.Context) (json.RawMessage, error) {
	sess, err := c.activeSession()
	if err != nil {
		return nil, err
	}
	body, err := jDataBody(map[string]string{"seg": "ALL", "exch": "ALL", "prod": "ALL"})
	if err != nil {
		return nil, err
	}
	headers := http.Header{}
	headers.Set("Auth", sess.TradeToken)
	headers.Set("Sid", sess.TradeSID)
	headers.Set("neo-fin-key", c.cfg.FinKey)
	headers.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.do(ctx, call{
		method:   http.MethodPost,
		endpoint: "limits",
		url:      c.gateway(sess) + limitsPath,
		headers:  headers,
		body:     body,
		session:  true,
	})
	if err != nil {
		return nil, err
	}
	return json.RawMessage(resp.body), nil
}

// Quote fetches quotes for a comma-separated list of "segment|token" or
// "segment|Index Name" entries. It only needs the access token, so it works
// before login against the default gateway.
func (c *Client) Quote(ctx context.Context, query string) (json.RawMessage, error) {
	if strings.TrimSpace(query) == "" {
		return nil, errors.NewValidationError("query", query, "at least one instrument is required")
	}
	fullURL := c.gatewayOrDefault() + quotesPath + url.PathEscape(query) + "/all"
	headers := http.Header{}
	headers.Set("Authorization", c.cfg.AccessToken)
	headers.Set("Content-Type", "application/json")

	resp, err := c.do(ctx, call{
		method:   http.MethodGet,
		endpoint: "quotes",
		url:      fullURL,
		headers:  headers,
	})
	if err != nil {
		return nil, err
	}
	return json.RawMessage(resp.body), nil
}

type filePathsResponse struct {
	Data struct {
		FilesPaths []interface{} `json:"filesPaths"`
	} `json:"data"`
}

// CatalogFiles lists the catalog CSV URLs the broker currently publishes.
func (c *Client) CatalogFiles(ctx context.Context) ([]string, error) {
	headers := http.Header{}
	headers.Set("Authorization", c.cfg.AccessToken)

	resp, err := c.do(ctx, call{
		method:   http.MethodGet,
		endpoint: "file-paths",
		url:      c.gatewayOrDefault() + filePathsPath,
		headers:  headers,
	})
	if err != nil {
		return nil, err
	}

	var paths filePathsResponse
	if err := json.Unmarshal(resp.body, &paths); err != nil {
		return nil, errors.NewBrokerError("file-paths", resp.status, string(resp.body), fmt.Errorf("failed to parse file paths: %w", err))
	}
	var urls []string
	for _, p := range paths.Data.FilesPaths {
		if s, ok := p.(string); ok && strings.HasSuffix(s, ".csv") {
			urls = append(urls, s)
		}
	}
	if len(urls) == 0 {
		return nil, errors.NewBrokerError("file-paths", resp.status, string(resp.body), errors.ErrCatalogUnavailable)
	}
	return urls, nil
}

// FetchCatalog downloads one catalog file. The file URLs are pre-signed, so
// no broker headers are sent. Transport failures are retried with backoff.
func (c *Client) FetchCatalog(ctx context.Context, fileURL string) ([]byte, error) {
	return utils.RetryWithResult(ctx, c.retry, func() ([]byte, error) {
		resp, err := c.do(ctx, call{
			method:   http.MethodGet,
			endpoint: "catalog",
			url:      fileURL,
		})
		if err != nil {
			return nil, err
		}
		return resp.body, nil
	})
}

// gatewayOrDefault is the session base URL when logged in, else the configured gateway.
func (c *Client) gatewayOrDefault() string {
	var sess session.Session
	if c.creds != nil {
		sess = c.creds.Current()
	}
	return c.gateway(sess)
}
