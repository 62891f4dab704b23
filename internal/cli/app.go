package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"neo-trader/internal/broker"
	"neo-trader/internal/config"
	"neo-trader/internal/notify"
	"neo-trader/internal/orders"
	"neo-trader/internal/resilience"
	"neo-trader/internal/scrip"
	"neo-trader/internal/session"
	"neo-trader/internal/store"
)

// App holds the application dependencies. They are built on first use so
// that commands like version never touch the network or disk.
type App struct {
	Config *config.Config
	Logger zerolog.Logger

	Client   *broker.Client
	Sessions *session.Store
	Catalog  *scrip.Resolver
	Ledger   store.Ledger
	Orders   *orders.Manager

	closers []func() error
}

// newSnapshotter picks the session snapshot backend.
func newSnapshotter(ctx context.Context, cfg config.SessionConfig) (session.Snapshotter, func() error, error) {
	switch cfg.SnapshotBackend {
	case "redis":
		snap, err := session.NewRedisSnapshot(ctx, session.RedisOptions{
			Addr:       cfg.RedisAddr,
			Password:   cfg.RedisPassword,
			DB:         cfg.RedisDB,
			Key:        cfg.RedisKey,
			Passphrase: cfg.Passphrase,
		})
		if err != nil {
			return nil, nil, err
		}
		return snap, snap.Close, nil
	case "none":
		return session.NopSnapshot{}, nil, nil
	default:
		return session.NewFileSnapshot(cfg.SnapshotPath, cfg.Passphrase), nil, nil
	}
}

// bootstrap wires broker client, session store, resolver, ledger and
// order manager, and restores any persisted session.
func (a *App) bootstrap(ctx context.Context) error {
	if a.Client != nil {
		return nil
	}
	if a.Config == nil {
		return fmt.Errorf("configuration not loaded")
	}
	cfg := a.Config

	client := broker.NewClient(broker.ClientConfig{
		LoginURL:       cfg.Broker.LoginURL,
		GatewayURL:     cfg.Broker.GatewayURL,
		FinKey:         cfg.Broker.FinKey,
		AccessToken:    cfg.Credentials.AccessToken,
		MobileNumber:   cfg.Credentials.MobileNumber,
		UCC:            cfg.Credentials.UCC,
		Timeout:        cfg.Broker.Timeout,
		RateLimitRPS:   cfg.Broker.RateLimitRPS,
		RateLimitBurst: cfg.Broker.RateLimitBurst,
		Breaker: resilience.CircuitBreakerConfig{
			FailureThreshold: cfg.Broker.BreakerFailures,
			Cooldown:         cfg.Broker.BreakerCooldown,
		},
	}, a.Logger)

	snap, closeSnap, err := newSnapshotter(ctx, cfg.Session)
	if err != nil {
		return fmt.Errorf("failed to open session snapshot: %w", err)
	}
	if closeSnap != nil {
		a.closers = append(a.closers, closeSnap)
	}

	var notifier notify.Notifier = notify.NoOpNotifier{}
	if nc := notifyConfig(cfg.Notify); nc.Enabled() {
		notifier = notify.NewMultiNotifier(nc)
	}

	sessions := session.NewStore(client, snap, a.Logger)
	client.SetCredentialSource(sessions)
	client.OnAuthRejected(onSessionRejected(sessions, notifier, a.Logger))
	if err := sessions.Restore(ctx); err != nil {
		a.Logger.Warn().Err(err).Msg("Could not restore session; login required")
	}

	a.Client = client
	a.Sessions = sessions
	a.Catalog = scrip.NewResolver(client, scrip.Config{
		StrikeThreshold: cfg.Scrip.StrikeScaleThreshold,
		SearchLimit:     cfg.Scrip.SearchLimit,
		Workers:         cfg.Scrip.DownloadWorkers,
	}, a.Logger)

	// Orders still work without a ledger; only history is lost.
	ledger, err := store.NewSQLiteLedger(cfg.Ledger.Path, a.Logger)
	if err != nil {
		a.Logger.Warn().Err(err).Msg("Failed to open order ledger, history will be unavailable")
	} else {
		a.Ledger = ledger
		a.closers = append(a.closers, ledger.Close)
	}

	a.Orders = orders.NewManager(client, a.Catalog, a.Ledger, orders.Config{
		VerifyAttempts:     cfg.Orders.VerifyAttempts,
		VerifyDelay:        cfg.Orders.VerifyDelay,
		DefaultHistoryDays: cfg.Orders.DefaultHistoryDays,
	}, a.Logger)
	a.Orders.SetNotifier(notifier)
	return nil
}

func notifyConfig(c config.NotifyConfig) notify.Config {
	return notify.Config{
		Level:            c.Level,
		WebhookURL:       c.WebhookURL,
		TelegramBotToken: c.TelegramBotToken,
		TelegramChatID:   c.TelegramChatID,
		Timeout:          c.Timeout,
	}
}

// loadCatalog loads the scrip master when a trade session exists. Order
// commands need it to resolve symbols.
func (a *App) loadCatalog(ctx context.Context) error {
	if a.Catalog.Count() > 0 {
		return nil
	}
	if !a.Sessions.Current().HasStage2() {
		return fmt.Errorf("not logged in: run 'neo-trader login' first")
	}
	n, err := a.Catalog.Reload(ctx)
	if err != nil {
		return err
	}
	a.Logger.Debug().Int("instruments", n).Msg("Scrip master loaded")
	return nil
}

// Close releases resources opened by bootstrap.
func (a *App) Close() error {
	var first error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	a.closers = nil
	return first
}

// notifyTimeout bounds a background session-rejected notification.
const notifyTimeout = 30 * time.Second

type invalidator interface {
	Invalidate(ctx context.Context, reason string)
}

// onSessionRejected clears the session in line and sends the notification
// in the background, so the rejected broker call returns without waiting
// on webhooks.
func onSessionRejected(sessions invalidator, notifier notify.Notifier, logger zerolog.Logger) func(context.Context, string) {
	return func(ctx context.Context, reason string) {
		sessions.Invalidate(ctx, reason)
		go func() {
			sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
			defer cancel()
			if err := notifier.Send(sendCtx, notify.SessionRejected(reason)); err != nil {
				logger.Warn().Err(err).Msg("Session notification failed")
			}
		}()
	}
}
