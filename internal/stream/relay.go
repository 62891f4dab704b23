package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"neo-trader/internal/errors"
	"neo-trader/internal/logging"
)

// Downstream client actions.
const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
)

var errConnClosed = errors.New("connection closed")

// ClientMessage is a request from a downstream client. Symbols may be sent
// as a list or as a single string.
type ClientMessage struct {
	Action  string          `json:"action"`
	Symbols json.RawMessage `json:"symbols"`
}

// SymbolList decodes Symbols into a list.
func (m ClientMessage) SymbolList() []string {
	if len(m.Symbols) == 0 {
		return nil
	}
	var list []interface{}
	if err := json.Unmarshal(m.Symbols, &list); err != nil {
		var one interface{}
		if err := json.Unmarshal(m.Symbols, &one); err != nil || one == nil {
			return nil
		}
		list = []interface{}{one}
	}
	out := make([]string, 0, len(list))
	for _, v := range list {
		switch s := v.(type) {
		case string:
			if s != "" {
				out = append(out, s)
			}
		case float64:
			out = append(out, strconv.FormatFloat(s, 'f', -1, 64))
		}
	}
	return out
}

// RelayConfig tunes downstream connections.
type RelayConfig struct {
	SendBuffer   int
	WriteTimeout time.Duration
	PingInterval time.Duration
	ReadLimit    int64
}

// DefaultRelayConfig returns the default relay configuration.
func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		SendBuffer:   256,
		WriteTimeout: 10 * time.Second,
		PingInterval: 30 * time.Second,
		ReadLimit:    64 * 1024,
	}
}

// Relay is the downstream websocket endpoint. Each client gets its own
// writer goroutine, so a slow client never blocks dispatch to the others.
type Relay struct {
	hub      *Hub
	cfg      RelayConfig
	upgrader websocket.Upgrader
	logger   zerolog.Logger
	onJoin   func(ctx context.Context)
}

// NewRelay creates a relay that registers clients with hub.
func NewRelay(hub *Hub, cfg RelayConfig, logger zerolog.Logger) *Relay {
	def := DefaultRelayConfig()
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = def.SendBuffer
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = def.ReadLimit
	}
	return &Relay{
		hub: hub,
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: logging.WithComponent(logger, "relay"),
	}
}

// OnJoin registers a hook run before each new client is registered. The
// server uses it to bring the upstream feed up lazily.
func (r *Relay) OnJoin(fn func(ctx context.Context)) {
	r.onJoin = fn
}

// ServeHTTP upgrades the request and serves one client until it leaves.
func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	ws, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn().Err(err).Msg("Websocket upgrade failed")
		return
	}

	c := newClientConn(uuid.NewString(), ws, r.cfg)
	log := logging.WithConnID(r.logger, c.id)

	if r.onJoin != nil {
		r.onJoin(req.Context())
	}
	r.hub.Join(c)
	go c.writeLoop(log)

	defer func() {
		r.hub.Leave(c)
		c.close()
	}()

	ws.SetReadLimit(r.cfg.ReadLimit)
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn().Err(err).Msg("Client read failed")
			}
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Debug().Err(err).Msg("Ignoring non-JSON client message")
			continue
		}

		switch msg.Action {
		case ActionSubscribe:
			for _, sym := range msg.SymbolList() {
				// Rejections are logged by the hub and never close the client.
				_ = r.hub.Subscribe(c, sym)
			}
		case ActionUnsubscribe:
			for _, sym := range msg.SymbolList() {
				r.hub.Unsubscribe(c, sym)
			}
		default:
			log.Debug().Str("action", msg.Action).Msg("Ignoring unknown client action")
		}
	}
}

// clientConn is a downstream connection with a buffered outbound queue
// drained by a single writer.
type clientConn struct {
	id   string
	ws   *websocket.Conn
	cfg  RelayConfig
	out  chan []byte
	done chan struct{}
	once sync.Once
}

func newClientConn(id string, ws *websocket.Conn, cfg RelayConfig) *clientConn {
	return &clientConn{
		id:   id,
		ws:   ws,
		cfg:  cfg,
		out:  make(chan []byte, cfg.SendBuffer),
		done: make(chan struct{}),
	}
}

func (c *clientConn) ID() string { return c.id }

func (c *clientConn) Send(v interface{}) error {
	select {
	case <-c.done:
		return errConnClosed
	default:
	}

	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	select {
	case c.out <- data:
		return nil
	default:
		return ErrSlowConsumer
	}
}

func (c *clientConn) writeLoop(log zerolog.Logger) {
	ping := time.NewTicker(c.cfg.PingInterval)
	defer ping.Stop()

	for {
		select {
		case <-c.done:
			return
		case data := <-c.out:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Debug().Err(err).Msg("Client write failed")
				c.close()
				return
			}
		case <-ping.C:
			deadline := time.Now().Add(c.cfg.WriteTimeout)
			if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.close()
				return
			}
		}
	}
}

func (c *clientConn) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}
