package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"neo-trader/internal/errors"
	"neo-trader/internal/logging"
	"neo-trader/internal/models"
)

// HSMFeedConfig holds settings for the streaming client.
type HSMFeedConfig struct {
	URL               string
	HeartbeatInterval time.Duration
	HandshakeTimeout  time.Duration
}

// HSMFeed is the broker's market-data websocket client. A connection moves
// Disconnected -> Connecting -> Handshaking -> Streaming and drops back to
// Disconnected on any transport error; it never reconnects on its own.
type HSMFeed struct {
	cfg    HSMFeedConfig
	dialer *websocket.Dialer
	logger zerolog.Logger

	state atomic.Int32

	mu      sync.Mutex
	cur     *hsmConn
	writeMu sync.Mutex // Serializes frames on the active connection

	onTick       func(models.RawTick)
	onDisconnect func(err error)

	frames  atomic.Int64
	dropped atomic.Int64
}

// hsmConn is one live websocket. Its loops exit when done is closed.
type hsmConn struct {
	ws   *websocket.Conn
	done chan struct{}
	once sync.Once
}

// NewHSMFeed creates a disconnected feed client.
func NewHSMFeed(cfg HSMFeedConfig, logger zerolog.Logger) *HSMFeed {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 25 * time.Second
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 15 * time.Second
	}
	return &HSMFeed{
		cfg:    cfg,
		dialer: &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		logger: logging.WithComponent(logger, "hsm"),
	}
}

// OnTick registers the handler that receives every decoded tick element.
// It must be set before Connect.
func (f *HSMFeed) OnTick(handler func(models.RawTick)) {
	f.onTick = handler
}

// OnDisconnect registers a handler run once per connection when it ends.
// err is nil for an explicit Disconnect.
func (f *HSMFeed) OnDisconnect(handler func(err error)) {
	f.onDisconnect = handler
}

// State returns the current connection state.
func (f *HSMFeed) State() FeedState {
	return FeedState(f.state.Load())
}

// Connect dials the feed, sends the handshake and starts the heartbeat and
// receive loops. Connecting while already streaming is a no-op.
func (f *HSMFeed) Connect(ctx context.Context, token, sid string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.cur != nil {
		return nil
	}
	if token == "" || sid == "" {
		return errors.ErrAuthentication
	}

	f.state.Store(int32(FeedConnecting))
	f.logger.Info().Str("url", f.cfg.URL).Msg("Connecting to HSM")

	ws, _, err := f.dialer.DialContext(ctx, f.cfg.URL, nil)
	if err != nil {
		f.state.Store(int32(FeedDisconnected))
		return fmt.Errorf("%w: failed to dial hsm: %v", errors.ErrTransport, err)
	}

	f.state.Store(int32(FeedHandshaking))
	handshake := map[string]string{
		"Authorization": token,
		"Sid":           sid,
		"type":          "cn",
	}
	ws.SetWriteDeadline(time.Now().Add(f.cfg.HandshakeTimeout))
	if err := ws.WriteJSON(handshake); err != nil {
		ws.Close()
		f.state.Store(int32(FeedDisconnected))
		return fmt.Errorf("%w: failed to send hsm handshake: %v", errors.ErrTransport, err)
	}
	ws.SetWriteDeadline(time.Time{})

	c := &hsmConn{ws: ws, done: make(chan struct{})}
	f.cur = c
	f.state.Store(int32(FeedStreaming))

	go f.heartbeatLoop(c)
	go f.readLoop(c)

	f.logger.Info().Msg("HSM handshake sent, streaming")
	return nil
}

// Disconnect closes the active connection, if any.
func (f *HSMFeed) Disconnect() error {
	f.mu.Lock()
	c := f.cur
	f.mu.Unlock()
	if c == nil {
		return nil
	}
	f.teardown(c, nil)
	return nil
}

// Subscribe adds one instrument to the stream. The upstream protocol has
// no unsubscribe.
func (f *HSMFeed) Subscribe(segment, token string) error {
	f.mu.Lock()
	c := f.cur
	f.mu.Unlock()
	if c == nil || f.State() != FeedStreaming {
		return errors.ErrNotConnected
	}

	frame := map[string]interface{}{
		"type":       "mws",
		"scrips":     segment + "|" + token + "&",
		"channelnum": 1,
	}
	if err := f.write(c, frame); err != nil {
		f.teardown(c, err)
		return fmt.Errorf("%w: failed to send subscription: %v", errors.ErrTransport, err)
	}
	f.logger.Info().Str("segment", segment).Str("token", token).Msg("HSM subscribed")
	return nil
}

// Stats returns frames received and frames dropped as undecodable.
func (f *HSMFeed) Stats() (frames, dropped int64) {
	return f.frames.Load(), f.dropped.Load()
}

func (f *HSMFeed) write(c *hsmConn, v interface{}) error {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(f.cfg.HandshakeTimeout))
	return c.ws.WriteJSON(v)
}

func (f *HSMFeed) heartbeatLoop(c *hsmConn) {
	ticker := time.NewTicker(f.cfg.HeartbeatInterval)
	defer ticker.Stop()

	beat := map[string]string{"type": "ti", "scrips": ""}
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := f.write(c, beat); err != nil {
				f.logger.Error().Err(err).Msg("HSM heartbeat failed")
				f.teardown(c, err)
				return
			}
			f.logger.Debug().Msg("HSM heartbeat sent")
		}
	}
}

func (f *HSMFeed) readLoop(c *hsmConn) {
	for {
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				f.logger.Warn().Err(err).Msg("HSM connection closed")
			}
			f.teardown(c, err)
			return
		}
		f.frames.Add(1)

		ticks, ok := DecodeFrame(message)
		if !ok {
			f.dropped.Add(1)
			f.logger.Debug().Int("bytes", len(message)).Msg("Dropping undecodable HSM frame")
			continue
		}
		if f.onTick == nil {
			continue
		}
		for _, t := range ticks {
			f.onTick(t)
		}
	}
}

// teardown ends a connection exactly once and notifies the disconnect handler.
func (f *HSMFeed) teardown(c *hsmConn, cause error) {
	c.once.Do(func() {
		close(c.done)
		c.ws.Close()

		f.mu.Lock()
		if f.cur == c {
			f.cur = nil
			f.state.Store(int32(FeedDisconnected))
		}
		f.mu.Unlock()

		f.logger.Info().Err(cause).Msg("HSM disconnected")
		if f.onDisconnect != nil {
			f.onDisconnect(cause)
		}
	})
}

// DecodeFrame parses one inbound frame, which is either a JSON object or an
// array of objects. Non-object array elements are skipped.
func DecodeFrame(message []byte) ([]models.RawTick, bool) {
	var payload interface{}
	if err := json.Unmarshal(message, &payload); err != nil {
		return nil, false
	}
	switch v := payload.(type) {
	case map[string]interface{}:
		return []models.RawTick{models.RawTickFromMap(v)}, true
	case []interface{}:
		out := make([]models.RawTick, 0, len(v))
		for _, item := range v {
			if m, ok := item.(map[string]interface{}); ok {
				out = append(out, models.RawTickFromMap(m))
			}
		}
		return out, true
	default:
		return nil, false
	}
}
