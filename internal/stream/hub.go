// Package stream normalizes broker ticks and fans them out to downstream
// client connections.
package stream

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"neo-trader/internal/errors"
	"neo-trader/internal/logging"
	"neo-trader/internal/models"
)

// DefaultMaxInstruments is the ceiling on distinct upstream symbols.
const DefaultMaxInstruments = 200

// CapacityMessage is sent to a client whose subscription hit the ceiling.
const CapacityMessage = "Global HSM subscription limit reached"

// ErrSlowConsumer is returned by Conn.Send when the message was dropped
// because the connection is not keeping up. The connection stays joined.
var ErrSlowConsumer = errors.New("slow consumer: message dropped")

// ErrNotJoined is returned by Subscribe for a connection that is not
// registered with the hub, including one that has already left.
var ErrNotJoined = errors.New("connection not joined")

// Conn is one downstream client connection.
type Conn interface {
	ID() string
	// Send queues v for delivery as JSON. Any error other than
	// ErrSlowConsumer means the connection is gone.
	Send(v interface{}) error
}

// ErrorMessage is the downstream error frame.
type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Upstream issues additive subscriptions to the broker feed.
type Upstream interface {
	Subscribe(segment, token string) error
}

// SymbolResolver resolves trading symbols to instruments.
type SymbolResolver interface {
	Get(symbol string) (models.Instrument, bool)
}

// Consumer receives every dispatched tick, regardless of client
// subscriptions.
type Consumer interface {
	// OnTick is called when a new tick is dispatched.
	OnTick(tick models.Tick)
	// Symbols returns the symbols this consumer is interested in.
	// Return nil or empty slice to receive all ticks.
	Symbols() []string
}

// ConsumerFunc adapts a function to Consumer, receiving all ticks.
type ConsumerFunc func(models.Tick)

func (f ConsumerFunc) OnTick(tick models.Tick) { f(tick) }
func (f ConsumerFunc) Symbols() []string       { return nil }

// HubConfig holds configuration for the Hub.
type HubConfig struct {
	// MaxInstruments caps distinct actively-subscribed symbols.
	MaxInstruments int
}

// DefaultHubConfig returns the default hub configuration.
func DefaultHubConfig() HubConfig {
	return HubConfig{MaxInstruments: DefaultMaxInstruments}
}

// subscription is one symbol's entry: the instrument it resolves to and the
// connections that want it.
type subscription struct {
	inst  models.Instrument
	conns map[string]Conn
}

// Hub tracks which connections want which symbols and delivers ticks to
// them. A symbol entry exists only while some connection wants it; creating
// an entry issues one upstream subscribe, and removing it issues nothing
// because the broker has no unsubscribe.
type Hub struct {
	config   HubConfig
	resolver SymbolResolver
	logger   zerolog.Logger

	upstreamMu        sync.RWMutex
	upstream          Upstream
	onUpstreamFailure func(err error)

	mu    sync.RWMutex
	subs  map[string]*subscription
	conns map[string]Conn

	consumersMu sync.RWMutex
	consumers   []Consumer

	// Metrics
	dispatched       atomic.Uint64
	delivered        atomic.Uint64
	failed           atomic.Uint64
	dropped          atomic.Uint64
	capacityRejected atomic.Uint64
	upstreamCalls    atomic.Uint64
}

// NewHub creates a hub. upstream may be nil and set later with SetUpstream.
func NewHub(config HubConfig, resolver SymbolResolver, upstream Upstream, logger zerolog.Logger) *Hub {
	if config.MaxInstruments <= 0 {
		config.MaxInstruments = DefaultMaxInstruments
	}
	return &Hub{
		config:   config,
		resolver: resolver,
		upstream: upstream,
		logger:   logging.WithComponent(logger, "fanout"),
		subs:     make(map[string]*subscription),
		conns:    make(map[string]Conn),
	}
}

// SetUpstream sets the feed that new symbols are subscribed on.
func (h *Hub) SetUpstream(u Upstream) {
	h.upstreamMu.Lock()
	h.upstream = u
	h.upstreamMu.Unlock()
}

// OnUpstreamFailure registers a hook run after an upstream subscribe fails.
func (h *Hub) OnUpstreamFailure(fn func(err error)) {
	h.upstreamMu.Lock()
	h.onUpstreamFailure = fn
	h.upstreamMu.Unlock()
}

// Join registers a connection.
func (h *Hub) Join(c Conn) {
	h.mu.Lock()
	h.conns[c.ID()] = c
	total := len(h.conns)
	h.mu.Unlock()

	h.logger.Info().Str("conn_id", c.ID()).Int("connections", total).Msg("Client connected")
}

// Leave removes a connection from every symbol it was subscribed to.
func (h *Hub) Leave(c Conn) {
	h.mu.Lock()
	removed := h.removeLocked(c.ID())
	total := len(h.conns)
	h.mu.Unlock()

	if removed {
		h.logger.Info().Str("conn_id", c.ID()).Int("connections", total).Msg("Client disconnected")
	}
}

func (h *Hub) removeLocked(id string) bool {
	_, known := h.conns[id]
	delete(h.conns, id)
	for symbol, sub := range h.subs {
		delete(sub.conns, id)
		if len(sub.conns) == 0 {
			delete(h.subs, symbol)
		}
	}
	return known
}

// Subscribe adds c to symbol's subscribers. c must have joined; otherwise
// it fails with ErrNotJoined. Unknown symbols fail with
// ErrUnknownSymbol. A new symbol beyond the ceiling fails with
// ErrCapacityExceeded after an error frame is sent to c.
func (h *Hub) Subscribe(c Conn, symbol string) error {
	log := logging.WithConnID(h.logger, c.ID())

	inst, ok := h.resolver.Get(symbol)
	if !ok {
		log.Warn().Str("symbol", symbol).Str("reason", "UNKNOWN_SYMBOL").Msg("Rejected subscription")
		return errors.UnknownSymbol(symbol)
	}

	h.mu.Lock()
	if _, joined := h.conns[c.ID()]; !joined {
		h.mu.Unlock()
		log.Debug().Str("symbol", symbol).Msg("Subscription from unregistered connection ignored")
		return ErrNotJoined
	}
	sub, exists := h.subs[symbol]
	if !exists {
		if len(h.subs) >= h.config.MaxInstruments {
			h.mu.Unlock()
			h.capacityRejected.Add(1)
			log.Warn().
				Str("symbol", symbol).
				Str("reason", "MAX_INSTRUMENTS_REACHED").
				Int("limit", h.config.MaxInstruments).
				Msg("Rejected subscription")
			if err := c.Send(ErrorMessage{Type: "error", Message: CapacityMessage}); err != nil && err != ErrSlowConsumer {
				log.Debug().Err(err).Msg("Failed to send capacity error")
			}
			return errors.ErrCapacityExceeded
		}
		sub = &subscription{inst: inst, conns: make(map[string]Conn)}
		h.subs[symbol] = sub
	}
	sub.conns[c.ID()] = c
	active := len(h.subs)
	h.mu.Unlock()

	if !exists {
		h.subscribeUpstream(inst)
	}
	log.Info().Str("symbol", symbol).Int("active_instruments", active).Msg("Client subscribed")
	return nil
}

func (h *Hub) subscribeUpstream(inst models.Instrument) {
	h.upstreamMu.RLock()
	u, onFailure := h.upstream, h.onUpstreamFailure
	h.upstreamMu.RUnlock()
	if u == nil {
		h.logger.Warn().Str("symbol", inst.TradingSymbol).Msg("No upstream feed; subscription deferred")
		return
	}

	h.upstreamCalls.Add(1)
	if err := u.Subscribe(inst.ExchangeSegment, inst.InstrumentToken); err != nil {
		h.logger.Warn().Err(err).Str("symbol", inst.TradingSymbol).Msg("Upstream subscribe failed; will replay on reconnect")
		if onFailure != nil {
			onFailure(err)
		}
	}
}

// Unsubscribe removes c from symbol's subscribers. The upstream
// subscription is left in place.
func (h *Hub) Unsubscribe(c Conn, symbol string) {
	h.mu.Lock()
	if sub, ok := h.subs[symbol]; ok {
		delete(sub.conns, c.ID())
		if len(sub.conns) == 0 {
			delete(h.subs, symbol)
		}
	}
	h.mu.Unlock()
}

// Replay re-issues upstream subscriptions for every active symbol. Call it
// after the feed (re)connects.
func (h *Hub) Replay() int {
	h.mu.RLock()
	insts := make([]models.Instrument, 0, len(h.subs))
	for _, sub := range h.subs {
		insts = append(insts, sub.inst)
	}
	h.mu.RUnlock()

	for _, inst := range insts {
		h.subscribeUpstream(inst)
	}
	if len(insts) > 0 {
		h.logger.Info().Int("symbols", len(insts)).Msg("Upstream subscriptions replayed")
	}
	return len(insts)
}

// Dispatch delivers tick to every connection subscribed to its symbol and
// to registered consumers. Connections that fail are removed once the
// delivery pass is over.
func (h *Hub) Dispatch(tick models.Tick) {
	h.dispatched.Add(1)

	h.mu.RLock()
	var targets []Conn
	if sub, ok := h.subs[tick.Symbol]; ok {
		targets = make([]Conn, 0, len(sub.conns))
		for _, c := range sub.conns {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	var dead []Conn
	for _, c := range targets {
		switch err := c.Send(tick); {
		case err == nil:
			h.delivered.Add(1)
		case err == ErrSlowConsumer:
			h.dropped.Add(1)
		default:
			h.failed.Add(1)
			dead = append(dead, c)
		}
	}

	if len(dead) > 0 {
		h.mu.Lock()
		for _, c := range dead {
			h.removeLocked(c.ID())
		}
		h.mu.Unlock()
		h.logger.Info().Int("removed", len(dead)).Str("symbol", tick.Symbol).Msg("Removed dead connections")
	}

	h.notifyConsumers(tick)
}

// RegisterConsumer adds a consumer to receive ticks.
func (h *Hub) RegisterConsumer(consumer Consumer) {
	h.consumersMu.Lock()
	h.consumers = append(h.consumers, consumer)
	h.consumersMu.Unlock()
}

func (h *Hub) notifyConsumers(tick models.Tick) {
	h.consumersMu.RLock()
	defer h.consumersMu.RUnlock()

	for _, consumer := range h.consumers {
		symbols := consumer.Symbols()
		if len(symbols) == 0 {
			consumer.OnTick(tick)
			continue
		}
		for _, s := range symbols {
			if s == tick.Symbol {
				consumer.OnTick(tick)
				break
			}
		}
	}
}

// SubscriberCount returns the number of connections subscribed to symbol.
func (h *Hub) SubscriberCount(symbol string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if sub, ok := h.subs[symbol]; ok {
		return len(sub.conns)
	}
	return 0
}

// Symbols returns the actively subscribed symbols, sorted.
func (h *Hub) Symbols() []string {
	h.mu.RLock()
	out := make([]string, 0, len(h.subs))
	for s := range h.subs {
		out = append(out, s)
	}
	h.mu.RUnlock()
	sort.Strings(out)
	return out
}

// HubMetrics contains hub counters.
type HubMetrics struct {
	Symbols          int    `json:"symbols"`
	Connections      int    `json:"connections"`
	Dispatched       uint64 `json:"dispatched"`
	Delivered        uint64 `json:"delivered"`
	Failed           uint64 `json:"failed"`
	Dropped          uint64 `json:"dropped"`
	CapacityRejected uint64 `json:"capacity_rejected"`
	UpstreamCalls    uint64 `json:"upstream_calls"`
}

// Metrics returns hub metrics.
func (h *Hub) Metrics() HubMetrics {
	h.mu.RLock()
	symbols, conns := len(h.subs), len(h.conns)
	h.mu.RUnlock()

	return HubMetrics{
		Symbols:          symbols,
		Connections:      conns,
		Dispatched:       h.dispatched.Load(),
		Delivered:        h.delivered.Load(),
		Failed:           h.failed.Load(),
		Dropped:          h.dropped.Load(),
		CapacityRejected: h.capacityRejected.Load(),
		UpstreamCalls:    h.upstreamCalls.Load(),
	}
}
