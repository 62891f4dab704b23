package stream

import (
	"encoding/json"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"neo-trader/internal/errors"
	"neo-trader/internal/logging"
	"neo-trader/internal/models"
)

const (
	natsReconnectWait = 2 * time.Second
	natsMaxReconnects = -1
	natsPingInterval  = 20 * time.Second
)

// DefaultSubjectPrefix prefixes tick subjects when none is configured.
const DefaultSubjectPrefix = "ticks"

// publisher is the part of *nats.Conn the mirror needs.
type publisher interface {
	Publish(subject string, data []byte) error
}

// NATSPublisher mirrors every dispatched tick to <prefix>.<symbol>. It is
// registered as a hub Consumer.
type NATSPublisher struct {
	conn   *nats.Conn
	pub    publisher
	prefix string
	logger zerolog.Logger

	published atomic.Uint64
	failed    atomic.Uint64
}

// NewNATSPublisher connects to url and returns a tick mirror.
func NewNATSPublisher(url, prefix string, logger zerolog.Logger) (*NATSPublisher, error) {
	log := logging.WithComponent(logger, "nats")
	log.Info().Str("url", url).Msg("Connecting to NATS server")

	nc, err := nats.Connect(url,
		nats.Name("neo-trader"),
		nats.ReconnectWait(natsReconnectWait),
		nats.MaxReconnects(natsMaxReconnects),
		nats.PingInterval(natsPingInterval),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to NATS")
	}

	p := newNATSPublisher(nc, prefix, log)
	p.conn = nc
	log.Info().Str("url", nc.ConnectedUrl()).Str("prefix", p.prefix).Msg("Tick mirror connected")
	return p, nil
}

func newNATSPublisher(pub publisher, prefix string, logger zerolog.Logger) *NATSPublisher {
	prefix = strings.Trim(prefix, ".")
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSPublisher{pub: pub, prefix: prefix, logger: logger}
}

// Subject returns the subject a symbol's ticks are published on.
func (p *NATSPublisher) Subject(symbol string) string {
	return p.prefix + "." + subjectToken(symbol)
}

// subjectToken makes a symbol safe as one NATS subject token.
func subjectToken(symbol string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, symbol)
}

// OnTick publishes tick as JSON. Failures are counted and logged, never
// propagated into dispatch.
func (p *NATSPublisher) OnTick(tick models.Tick) {
	data, err := json.Marshal(tick)
	if err != nil {
		p.failed.Add(1)
		return
	}
	if err := p.pub.Publish(p.Subject(tick.Symbol), data); err != nil {
		p.failed.Add(1)
		p.logger.Debug().Err(err).Str("symbol", tick.Symbol).Msg("Failed to mirror tick")
		return
	}
	p.published.Add(1)
}

// Symbols returns nil: the mirror receives every tick.
func (p *NATSPublisher) Symbols() []string { return nil }

// Stats returns published and failed counts.
func (p *NATSPublisher) Stats() (published, failed uint64) {
	return p.published.Load(), p.failed.Load()
}

// Close drains and closes the connection.
func (p *NATSPublisher) Close() error {
	if p.conn == nil {
		return nil
	}
	return p.conn.Drain()
}
