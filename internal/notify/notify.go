// Package notify pushes order outcomes and session events to outside
// channels such as a webhook or a Telegram chat.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"neo-trader/internal/models"
)

// Notifier sends notifications.
type Notifier interface {
	Send(ctx context.Context, n Notification) error
}

// NotificationChannel is one delivery target.
type NotificationChannel interface {
	Name() string
	Send(ctx context.Context, n Notification) error
	IsEnabled() bool
}

// Notification represents a notification message.
type Notification struct {
	Type      NotificationType
	Title     string
	Message   string
	Data      map[string]interface{}
	Timestamp time.Time
}

// NotificationType represents the type of notification.
type NotificationType string

const (
	NotificationOrder   NotificationType = "order"
	NotificationSession NotificationType = "session"
	NotificationError   NotificationType = "error"
)

// NotificationLevel filters what a MultiNotifier forwards.
type NotificationLevel string

const (
	LevelAll        NotificationLevel = "all"
	LevelOrdersOnly NotificationLevel = "orders_only"
	LevelErrorsOnly NotificationLevel = "errors_only"
)

// Config selects the enabled channels.
type Config struct {
	Level            string
	WebhookURL       string
	TelegramBotToken string
	TelegramChatID   string
	Timeout          time.Duration
}

// Enabled reports whether any channel is configured.
func (c Config) Enabled() bool {
	return c.WebhookURL != "" || (c.TelegramBotToken != "" && c.TelegramChatID != "")
}

// MultiNotifier fans a notification out to every enabled channel.
type MultiNotifier struct {
	mu       sync.RWMutex
	channels []NotificationChannel
	level    NotificationLevel
}

// NewMultiNotifier creates a MultiNotifier with the configured channels.
func NewMultiNotifier(cfg Config) *MultiNotifier {
	mn := &MultiNotifier{level: NotificationLevel(cfg.Level)}
	if mn.level == "" {
		mn.level = LevelAll
	}
	if cfg.WebhookURL != "" {
		mn.channels = append(mn.channels, NewWebhookNotifier(cfg.WebhookURL, cfg.Timeout))
	}
	if cfg.TelegramBotToken != "" && cfg.TelegramChatID != "" {
		mn.channels = append(mn.channels, NewTelegramNotifier(cfg.TelegramBotToken, cfg.TelegramChatID, cfg.Timeout))
	}
	return mn
}

// AddChannel adds a notification channel.
func (mn *MultiNotifier) AddChannel(ch NotificationChannel) {
	mn.mu.Lock()
	defer mn.mu.Unlock()
	mn.channels = append(mn.channels, ch)
}

func (mn *MultiNotifier) shouldSend(t NotificationType) bool {
	switch mn.level {
	case LevelOrdersOnly:
		return t == NotificationOrder
	case LevelErrorsOnly:
		return t == NotificationError
	default:
		return true
	}
}

// Send delivers n to every enabled channel and joins their errors.
func (mn *MultiNotifier) Send(ctx context.Context, n Notification) error {
	if !mn.shouldSend(n.Type) {
		return nil
	}
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now()
	}

	mn.mu.RLock()
	channels := mn.channels
	mn.mu.RUnlock()

	var errs []string
	for _, ch := range channels {
		if !ch.IsEnabled() {
			continue
		}
		if err := ch.Send(ctx, n); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", ch.Name(), err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("notification errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// OrderPlaced describes a verified placement.
func OrderPlaced(req models.OrderRequest, res *models.OrderResult) Notification {
	title := fmt.Sprintf("%s %d %s: %s", req.Side, req.Quantity, req.Symbol, res.Result)
	msg := fmt.Sprintf("Order %s is %s", res.OrderID, res.BrokerStatus)
	if res.Reason != "" {
		msg += " (" + res.Reason + ")"
	}
	return Notification{
		Type:    NotificationOrder,
		Title:   title,
		Message: msg,
		Data: map[string]interface{}{
			"order_number": res.OrderID,
			"symbol":       req.Symbol,
			"side":         req.Side,
			"quantity":     req.Quantity,
			"price":        req.Price,
			"product":      req.Product,
			"oms_status":   res.BrokerStatus,
			"final_result": res.Result,
		},
	}
}

// SessionRejected describes the broker refusing the trade session.
func SessionRejected(reason string) Notification {
	return Notification{
		Type:    NotificationSession,
		Title:   "Broker session rejected",
		Message: reason + ". Log in again to resume trading.",
	}
}

// WebhookNotifier posts notifications as JSON.
type WebhookNotifier struct {
	url    string
	client *http.Client
}

// NewWebhookNotifier creates a new WebhookNotifier.
func NewWebhookNotifier(url string, timeout time.Duration) *WebhookNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookNotifier{url: url, client: &http.Client{Timeout: timeout}}
}

// Name returns the name of the notifier.
func (w *WebhookNotifier) Name() string { return "webhook" }

// IsEnabled returns whether the notifier is enabled.
func (w *WebhookNotifier) IsEnabled() bool { return w.url != "" }

// Send sends a notification via webhook.
func (w *WebhookNotifier) Send(ctx context.Context, n Notification) error {
	payload := map[string]interface{}{
		"type":      n.Type,
		"title":     n.Title,
		"message":   n.Message,
		"data":      n.Data,
		"timestamp": n.Timestamp.Format(time.RFC3339),
	}
	return postJSON(ctx, w.client, w.url, payload, "neo-trader/1.0")
}

// TelegramNotifier sends notifications through a Telegram bot.
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
}

// NewTelegramNotifier creates a new TelegramNotifier.
func NewTelegramNotifier(botToken, chatID string, timeout time.Duration) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  "https://api.telegram.org",
		client:   &http.Client{Timeout: timeout},
	}
}

// Name returns the name of the notifier.
func (t *TelegramNotifier) Name() string { return "telegram" }

// IsEnabled returns whether the notifier is enabled.
func (t *TelegramNotifier) IsEnabled() bool { return t.botToken != "" && t.chatID != "" }

// Send sends a notification via Telegram using HTML parse mode.
func (t *TelegramNotifier) Send(ctx context.Context, n Notification) error {
	payload := map[string]interface{}{
		"chat_id":    t.chatID,
		"text":       fmt.Sprintf("<b>%s</b>\n\n%s", escapeHTML(n.Title), escapeHTML(n.Message)),
		"parse_mode": "HTML",
	}
	url := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.botToken)
	return postJSON(ctx, t.client, url, payload, "")
}

func postJSON(ctx context.Context, client *http.Client, url string, payload interface{}, userAgent string) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if userAgent != "" {
		req.Header.Set("User-Agent", userAgent)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("sending: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("returned status %d", resp.StatusCode)
	}
	return nil
}

// escapeHTML escapes HTML special characters for Telegram.
func escapeHTML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	return s
}

// NoOpNotifier drops every notification.
type NoOpNotifier struct{}

// Send does nothing.
func (NoOpNotifier) Send(ctx context.Context, n Notification) error { return nil }
