package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"neo-trader/internal/api"
	"neo-trader/internal/broker"
	"neo-trader/internal/session"
	"neo-trader/internal/stream"
)

func newServeCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP/WebSocket API server",
		Long: `Serve the REST API and the /ws/market-data relay.

The upstream quote feed connects once a trade session exists: at startup
from a restored session, after PIN validation, or when a WebSocket client
joins. A lost feed is reconnected with backoff. Set feed.nats_url to mirror every tick to NATS.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := app.bootstrap(ctx); err != nil {
				return err
			}
			cfg := app.Config
			log := app.Logger

			if cfg.Scrip.LoadOnStart && app.Sessions.Current().HasStage2() {
				if _, err := app.Catalog.Reload(ctx); err != nil {
					log.Warn().Err(err).Msg("Scrip master not loaded at startup")
				}
			}

			feed := broker.NewHSMFeed(broker.HSMFeedConfig{
				URL:               cfg.Broker.FeedURL,
				HeartbeatInterval: cfg.Feed.HeartbeatInterval,
				HandshakeTimeout:  cfg.Feed.HandshakeTimeout,
			}, log)
			normalizer := stream.NewNormalizer(app.Catalog, log)
			hub := stream.NewHub(stream.HubConfig{MaxInstruments: cfg.Feed.MaxInstruments}, app.Catalog, nil, log)
			market := stream.NewMarketData(feed, app.Sessions, normalizer, hub, log)
			defer market.Close()
			app.Sessions.OnStage2(func(session.Session) { market.Reconnect() })
			market.Reconnect()

			if cfg.Feed.NATSURL != "" {
				pub, err := stream.NewNATSPublisher(cfg.Feed.NATSURL, cfg.Feed.NATSSubjectPrefix, log)
				if err != nil {
					log.Warn().Err(err).Msg("NATS mirror disabled")
				} else {
					hub.RegisterConsumer(pub)
					defer pub.Close()
				}
			}

			relay := stream.NewRelay(hub, stream.DefaultRelayConfig(), log)
			relay.OnJoin(func(ctx context.Context) {
				if err := market.EnsureConnected(context.WithoutCancel(ctx)); err != nil {
					log.Debug().Err(err).Msg("Feed not connected on client join")
				}
			})

			server := api.NewServer(cfg.Server, api.Deps{
				Sessions:    app.Sessions,
				Catalog:     app.Catalog,
				Orders:      app.Orders,
				Portfolio:   app.Client,
				MarketData:  relay,
				Credentials: cfg.Credentials,
				Hub:         hub,
				Normalizer:  normalizer,
				Feed:        market,
				Breaker:     app.Client,
			}, log)
			if err := server.Start(ctx); err != nil {
				return err
			}

			output := NewOutput(cmd)
			if !output.IsJSON() {
				output.Success("✓ Listening on %s", cfg.Server.ListenAddr)
				output.Dim("Press Ctrl+C to stop")
			}

			<-ctx.Done()
			return server.Shutdown()
		},
	}
	return cmd
}
