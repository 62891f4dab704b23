package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cast"
	"golang.org/x/time/rate"

	"neo-trader/internal/errors"
	"neo-trader/internal/logging"
	"neo-trader/internal/resilience"
	"neo-trader/internal/session"
	"neo-trader/pkg/utils"
)

// ClientConfig holds settings for the REST client.
type ClientConfig struct {
	LoginURL     string
	GatewayURL   string
	FinKey       string
	AccessToken  string
	MobileNumber string
	UCC          string

	Timeout        time.Duration
	RateLimitRPS   float64
	RateLimitBurst int
	Breaker        resilience.CircuitBreakerConfig
}

// CredentialSource yields the current session for authorized calls.
type CredentialSource interface {
	Current() session.Session
}

// Client is the Kotak Neo REST client. It implements session.Authenticator
// for the login flow and serves order, portfolio and catalog calls using
// whatever session its CredentialSource currently holds.
type Client struct {
	cfg     ClientConfig
	http    *http.Client
	limiter *rate.Limiter
	retry   utils.RetryConfig
	breaker *resilience.CircuitBreaker
	logger  zerolog.Logger

	creds          CredentialSource
	onAuthRejected func(ctx context.Context, reason string)
}

// NewClient creates a REST client.
func NewClient(cfg ClientConfig, logger zerolog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RateLimitRPS <= 0 {
		cfg.RateLimitRPS = 5
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 10
	}
	retry := utils.DefaultRetryConfig()
	retry.Retryable = func(err error) bool {
		return errors.Is(err, errors.ErrTransport) && !errors.Is(err, resilience.ErrCircuitOpen)
	}

	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst),
		retry:   retry,
		breaker: resilience.NewCircuitBreaker("broker-gateway", cfg.Breaker),
		logger:  logging.WithComponent(logger, "broker"),
	}
}

// SetCredentialSource attaches the session holder used for authorized calls.
func (c *Client) SetCredentialSource(src CredentialSource) {
	c.creds = src
}

// BreakerStats reports the gateway circuit breaker.
func (c *Client) BreakerStats() resilience.CircuitBreakerStats {
	return c.breaker.Stats()
}

// OnAuthRejected registers a callback run whenever the broker answers 401/403.
func (c *Client) OnAuthRejected(fn func(ctx context.Context, reason string)) {
	c.onAuthRejected = fn
}

// activeSession returns the current session or ErrAuthentication if stage 2 is missing.
func (c *Client) activeSession() (session.Session, error) {
	if c.creds == nil {
		return session.Session{}, errors.ErrAuthentication
	}
	sess := c.creds.Current()
	if !sess.HasStage2() {
		return session.Session{}, errors.ErrAuthentication
	}
	return sess, nil
}

func (c *Client) baseHeaders() http.Header {
	h := http.Header{}
	h.Set("Authorization", c.cfg.AccessToken)
	h.Set("neo-fin-key", c.cfg.FinKey)
	h.Set("Content-Type", "application/json")
	return h
}

func tradeHeaders(sess session.Session, finKey string) http.Header {
	h := http.Header{}
	h.Set("Auth", sess.TradeToken)
	h.Set("sid", sess.TradeSID)
	h.Set("neo-fin-key", finKey)
	h.Set("accept", "application/json")
	return h
}

// jDataBody encodes payload as the form field jData the order endpoints expect.
func jDataBody(payload interface{}) (io.Reader, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal jData: %w", err)
	}
	form := url.Values{}
	form.Set("jData", string(raw))
	return strings.NewReader(form.Encode()), nil
}

func jsonBody(payload interface{}) (io.Reader, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	return bytes.NewReader(raw), nil
}

// call describes one broker request. Session-bound calls fire the
// rejection callback on 401/403 and pass through the gateway circuit
// breaker; login calls do neither.
type call struct {
	method   string
	endpoint string
	url      string
	headers  http.Header
	body     io.Reader
	session  bool
}

// response is a completed broker call.
type response struct {
	status int
	body   []byte
}

// do executes one rate-limited request. Transport failures wrap
// ErrTransport. A 401/403, or a 2xx body saying the session is invalid,
// wraps ErrAuthentication and fires the rejection callback. Any other
// non-2xx status is returned as a BrokerError holding the raw body.
func (c *Client) do(ctx context.Context, rc call) (*response, error) {
	method, endpoint := rc.method, rc.endpoint
	if rc.session {
		if err := c.breaker.Allow(); err != nil {
			return nil, errors.NewBrokerError(endpoint, 0, "", fmt.Errorf("%w: %w", errors.ErrTransport, err))
		}
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, errors.NewBrokerError(endpoint, 0, "", fmt.Errorf("%w: %v", errors.ErrTransport, err))
	}

	req, err := http.NewRequestWithContext(ctx, method, rc.url, rc.body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request for %s: %w", endpoint, err)
	}
	for k, vals := range rc.headers {
		for _, v := range vals {
			req.Header.Add(k, v)
		}
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.record(rc, false)
		logging.LogAPICall(c.logger, method, endpoint, time.Since(start), err)
		return nil, errors.NewBrokerError(endpoint, 0, "", fmt.Errorf("%w: %v", errors.ErrTransport, err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		c.record(rc, false)
		logging.LogAPICall(c.logger, method, endpoint, time.Since(start), err)
		return nil, errors.NewBrokerError(endpoint, resp.StatusCode, "", fmt.Errorf("%w: %v", errors.ErrTransport, err))
	}
	out := &response{status: resp.StatusCode, body: raw}
	c.record(rc, resp.StatusCode < http.StatusInternalServerError)

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return out, c.rejectAuth(ctx, rc, out, start, fmt.Sprintf("%s returned %d", endpoint, resp.StatusCode))
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		berr := errors.NewBrokerError(endpoint, resp.StatusCode, string(raw), nil)
		logging.LogAPICall(c.logger, method, endpoint, time.Since(start), berr)
		return out, berr
	}

	if msg, rejected := sessionRejected(raw); rejected {
		return out, c.rejectAuth(ctx, rc, out, start, fmt.Sprintf("%s: %s", endpoint, msg))
	}

	logging.LogAPICall(c.logger, method, endpoint, time.Since(start), nil)
	return out, nil
}

func (c *Client) rejectAuth(ctx context.Context, rc call, out *response, start time.Time, reason string) error {
	berr := errors.NewBrokerError(rc.endpoint, out.status, string(out.body), errors.ErrAuthentication)
	logging.LogAPICall(c.logger, rc.method, rc.endpoint, time.Since(start), berr)
	if rc.session && c.onAuthRejected != nil {
		c.onAuthRejected(ctx, reason)
	}
	return berr
}

// errorEnvelope is the error shape the gateway returns, sometimes with a
// 2xx status.
type errorEnvelope struct {
	Stat        string      `json:"stat"`
	Emsg        string      `json:"emsg"`
	ErrMsg      string      `json:"errMsg"`
	Message     string      `json:"message"`
	Description string      `json:"description"`
	Code        interface{} `json:"code"`
}

// Gateway codes for a missing, invalid or expired access token.
var rejectedCodes = map[string]bool{"900901": true, "900902": true, "900903": true}

var rejectedPhrases = []string{
	"invalid session",
	"session expired",
	"session has expired",
	"session is expired",
	"invalid jwt",
	"jwt expired",
	"token expired",
	"token has expired",
	"invalid token",
}

// sessionRejected reports whether a 2xx body says the session or token
// was refused, and returns the broker's message.
func sessionRejected(body []byte) (string, bool) {
	var env errorEnvelope
	if json.Unmarshal(body, &env) != nil {
		return "", false
	}
	if env.Stat != "" && !strings.EqualFold(env.Stat, "Not_Ok") {
		return "", false
	}
	msgs := []string{env.Emsg, env.ErrMsg, env.Message, env.Description}
	if rejectedCodes[cast.ToString(env.Code)] {
		return strings.TrimSpace(strings.Join(msgs, " ")), true
	}
	for _, m := range msgs {
		lower := strings.ToLower(m)
		for _, phrase := range rejectedPhrases {
			if strings.Contains(lower, phrase) {
				return m, true
			}
		}
	}
	return "", false
}

// record feeds a session call's outcome to the breaker. 4xx answers count
// as success since the gateway itself is up.
func (c *Client) record(rc call, ok bool) {
	if !rc.session {
		return
	}
	if ok {
		c.breaker.Success()
	} else {
		c.breaker.Failure()
	}
}

// decodeObject parses a JSON object response body.
func decodeObject(endpoint string, body []byte) (map[string]interface{}, error) {
	var obj map[string]interface{}
	if err := json.Unmarshal(body, &obj); err != nil {
		return nil, errors.NewBrokerError(endpoint, 0, string(body), fmt.Errorf("failed to parse response: %w", err))
	}
	return obj, nil
}

// gateway returns the session's base URL, falling back to the configured gateway.
func (c *Client) gateway(sess session.Session) string {
	if sess.BaseURL != "" {
		return strings.TrimRight(sess.BaseURL, "/")
	}
	return strings.TrimRight(c.cfg.GatewayURL, "/")
}
