package broker

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/pquerna/otp/totp"

	"neo-trader/internal/errors"
	"neo-trader/internal/security"
	"neo-trader/internal/session"
)

const (
	loginPath    = "/login/1.0/tradeApiLogin"
	validatePath = "/login/1.0/tradeApiValidate"
)

var _ session.Authenticator = (*Client)(nil)

// NormalizeMobile adds the +91 country prefix when missing.
func NormalizeMobile(mobile string) string {
	mobile = strings.TrimSpace(mobile)
	if mobile == "" || strings.HasPrefix(mobile, "+91") {
		return mobile
	}
	return "+91" + mobile
}

// GenerateTOTP returns the current 6-digit code for a base32 secret.
func GenerateTOTP(secret string, at time.Time) (string, error) {
	code, err := totp.GenerateCode(strings.ToUpper(strings.ReplaceAll(secret, " ", "")), at)
	if err != nil {
		return "", fmt.Errorf("failed to generate totp: %w", err)
	}
	return code, nil
}

// TradeAPILogin performs the first credential step (mobile, UCC, TOTP).
func (c *Client) TradeAPILogin(ctx context.Context, code string) (session.Stage1, error) {
	body, err := jsonBody(map[string]string{
		"mobileNumber": NormalizeMobile(c.cfg.MobileNumber),
		"ucc":          c.cfg.UCC,
		"totp":         code,
	})
	if err != nil {
		return session.Stage1{}, err
	}

	resp, err := c.do(ctx, call{
		method:   http.MethodPost,
		endpoint: "tradeApiLogin",
		url:      c.loginURL(loginPath),
		headers:  c.baseHeaders(),
		body:     body,
	})
	if err != nil {
		return session.Stage1{}, asAuthFailure(err)
	}

	obj, err := decodeObject("tradeApiLogin", resp.body)
	if err != nil {
		return session.Stage1{}, err
	}
	data := tokenData(obj)
	st1 := session.Stage1{
		Token: FirstString(data, ViewTokenKeys...),
		SID:   FirstString(data, ViewSIDKeys...),
	}
	if st1.Token == "" || st1.SID == "" {
		c.logger.Warn().
			Strs("keys", keysOf(data)).
			Interface("data", security.MaskFields(data)).
			Msg("Login response carried no view session")
		return session.Stage1{}, errors.NewBrokerError("tradeApiLogin", resp.status, security.MaskString(string(resp.body)), errors.ErrAuthentication)
	}
	return st1, nil
}

// TradeAPIValidate performs the PIN step using the stage-1 token and sid.
func (c *Client) TradeAPIValidate(ctx context.Context, st1 session.Stage1, mpin string) (session.Stage2, error) {
	body, err := jsonBody(map[string]string{"mpin": mpin})
	if err != nil {
		return session.Stage2{}, err
	}

	headers := c.baseHeaders()
	headers.Set("Auth", st1.Token)
	headers.Set("sid", st1.SID)

	resp, err := c.do(ctx, call{
		method:   http.MethodPost,
		endpoint: "tradeApiValidate",
		url:      c.loginURL(validatePath),
		headers:  headers,
		body:     body,
	})
	if err != nil {
		return session.Stage2{}, asAuthFailure(err)
	}

	obj, err := decodeObject("tradeApiValidate", resp.body)
	if err != nil {
		return session.Stage2{}, err
	}
	data := tokenData(obj)
	st2 := session.Stage2{
		Token:      FirstString(data, TradeTokenKeys...),
		SID:        FirstString(data, TradeSIDKeys...),
		BaseURL:    FirstString(data, BaseURLKeys...),
		DataCenter: FirstString(data, DataCenterKeys...),
	}
	if st2.Token == "" || st2.SID == "" {
		c.logger.Error().
			Strs("keys", keysOf(data)).
			Interface("data", security.MaskFields(data)).
			Msg("Validate response missing trade token/sid")
		return session.Stage2{}, errors.NewBrokerError("tradeApiValidate", resp.status, "missing trade token/sid", errors.ErrAuthentication)
	}
	return st2, nil
}

func (c *Client) loginURL(path string) string {
	return strings.TrimRight(c.cfg.LoginURL, "/") + path
}

// asAuthFailure maps a rejected login call onto ErrAuthentication while
// keeping the broker's body ("Invalid MPIN" and similar) intact.
func asAuthFailure(err error) error {
	var berr *errors.BrokerError
	if errors.As(err, &berr) && berr.Status != 0 && berr.Err == nil {
		return errors.NewBrokerError(berr.Endpoint, berr.Status, berr.Body, errors.ErrAuthentication)
	}
	return err
}
