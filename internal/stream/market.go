package stream

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"neo-trader/internal/broker"
	"neo-trader/internal/errors"
	"neo-trader/internal/logging"
	"neo-trader/internal/models"
	"neo-trader/internal/session"
	"neo-trader/pkg/utils"
)

// DefaultReconnect is the backoff used when the feed is reconnected in the
// background.
var DefaultReconnect = utils.RetryConfig{
	MaxAttempts:   6,
	InitialDelay:  time.Second,
	MaxDelay:      30 * time.Second,
	BackoffFactor: 2.0,
}

// CredentialSource supplies the session the feed connects with.
type CredentialSource interface {
	Current() session.Session
}

// MarketData wires the upstream feed through the normalizer into the hub.
// Every frame element is normalized and dispatched on the feed's receive
// goroutine, which keeps per-connection tick order intact.
type MarketData struct {
	feed       broker.Feed
	creds      CredentialSource
	normalizer *Normalizer
	hub        *Hub
	logger     zerolog.Logger

	connectMu    sync.Mutex
	retry        utils.RetryConfig
	reconnecting atomic.Bool
	ctx          context.Context
	cancel       context.CancelFunc
}

// NewMarketData attaches normalizer and hub to feed and makes the feed
// the hub's upstream. A lost feed or a failed upstream subscribe starts a
// background reconnect while a trade session exists.
func NewMarketData(feed broker.Feed, creds CredentialSource, normalizer *Normalizer, hub *Hub, logger zerolog.Logger) *MarketData {
	ctx, cancel := context.WithCancel(context.Background())
	m := &MarketData{
		feed:       feed,
		creds:      creds,
		normalizer: normalizer,
		hub:        hub,
		logger:     logging.WithComponent(logger, "marketdata"),
		retry:      DefaultReconnect,
		ctx:        ctx,
		cancel:     cancel,
	}
	feed.OnTick(m.handleRaw)
	feed.OnDisconnect(func(err error) {
		m.logger.Warn().Err(err).Msg("Upstream feed lost")
		m.Reconnect()
	})
	hub.SetUpstream(feed)
	hub.OnUpstreamFailure(func(error) { m.Reconnect() })
	return m
}

// SetRetry replaces the background reconnect backoff.
func (m *MarketData) SetRetry(cfg utils.RetryConfig) {
	m.retry = cfg
}

func (m *MarketData) handleRaw(raw models.RawTick) {
	tick, ok := m.normalizer.Normalize(raw)
	if !ok {
		return
	}
	m.hub.Dispatch(tick)
}

// EnsureConnected connects the feed with the current trade session unless
// it is already streaming, then replays active subscriptions.
func (m *MarketData) EnsureConnected(ctx context.Context) error {
	m.connectMu.Lock()
	defer m.connectMu.Unlock()

	if m.feed.State() == broker.FeedStreaming {
		return nil
	}

	sess := m.creds.Current()
	if !sess.HasStage2() {
		m.logger.Warn().Msg("No trade session; feed connection pending login")
		return errors.ErrAuthentication
	}

	if err := m.feed.Connect(ctx, sess.TradeToken, sess.TradeSID); err != nil {
		m.logger.Error().Err(err).Msg("Failed to connect upstream feed")
		return errors.Wrap(err, "failed to connect feed")
	}
	m.logger.Info().Msg("Upstream feed connected")
	m.hub.Replay()
	return nil
}

// Reconnect connects the feed in the background, with backoff, when a
// trade session exists and the feed is not streaming. At most one attempt
// loop runs at a time. Call it once the session reaches stage 2.
func (m *MarketData) Reconnect() {
	if m.ctx.Err() != nil || !m.creds.Current().HasStage2() {
		return
	}
	if !m.reconnecting.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer m.reconnecting.Store(false)
		cfg := m.retry
		cfg.Retryable = func(err error) bool { return !errors.Is(err, errors.ErrAuthentication) }
		err := utils.Retry(m.ctx, cfg, func() error { return m.EnsureConnected(m.ctx) })
		if err != nil && m.ctx.Err() == nil {
			m.logger.Error().Err(err).Msg("Upstream feed reconnect gave up")
		}
	}()
}

// State returns the upstream feed state.
func (m *MarketData) State() broker.FeedState {
	return m.feed.State()
}

// Close stops background reconnects and disconnects the upstream feed.
func (m *MarketData) Close() error {
	m.cancel()
	return m.feed.Disconnect()
}
