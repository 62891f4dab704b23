// Package broker provides the Kotak Neo REST client and HSM streaming feed.
package broker

import (
	"context"
	"encoding/json"

	"neo-trader/internal/models"
)

// OrderGateway is the order-management REST surface.
type OrderGateway interface {
	PlaceOrder(ctx context.Context, jData map[string]string) (map[string]interface{}, error)
	ModifyOrder(ctx context.Context, jData map[string]string) (json.RawMessage, error)
	CancelOrder(ctx context.Context, jData map[string]string) (json.RawMessage, error)
	OrderBook(ctx context.Context) ([]models.BookEntry, error)
	TradeBook(ctx context.Context) (json.RawMessage, error)
}

// PortfolioGateway forwards account queries unchanged.
type PortfolioGateway interface {
	Positions(ctx context.Context) (json.RawMessage, error)
	Holdings(ctx context.Context) (json.RawMessage, error)
	Limits(ctx context.Context) (json.RawMessage, error)
	Quote(ctx context.Context, query string) (json.RawMessage, error)
}

// Feed is the upstream real-time quote stream.
type Feed interface {
	Connect(ctx context.Context, token, sid string) error
	Disconnect() error
	Subscribe(segment, token string) error
	State() FeedState
	OnTick(handler func(models.RawTick))
	OnDisconnect(handler func(err error))
}

// FeedState is the connection state of a Feed.
type FeedState int32

const (
	FeedDisconnected FeedState = iota
	FeedConnecting
	FeedHandshaking
	FeedStreaming
)

func (s FeedState) String() string {
	switch s {
	case FeedDisconnected:
		return "DISCONNECTED"
	case FeedConnecting:
		return "CONNECTING"
	case FeedHandshaking:
		return "HANDSHAKING"
	case FeedStreaming:
		return "STREAMING"
	default:
		return "UNKNOWN"
	}
}

var (
	_ OrderGateway     = (*Client)(nil)
	_ PortfolioGateway = (*Client)(nil)
	_ Feed             = (*HSMFeed)(nil)
)
