// Package app wires the market engine's components from configuration and
// runs the HTTP server and the background sweeper.
package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/manaforge/market-engine/internal/amm"
	"github.com/manaforge/market-engine/internal/config"
	"github.com/manaforge/market-engine/internal/events"
	"github.com/manaforge/market-engine/internal/keylock"
	"github.com/manaforge/market-engine/internal/ledger"
	"github.com/manaforge/market-engine/internal/limits"
	"github.com/manaforge/market-engine/internal/metrics"
	"github.com/manaforge/market-engine/internal/model"
	"github.com/manaforge/market-engine/internal/orderbook"
	"github.com/manaforge/market-engine/internal/position"
	"github.com/manaforge/market-engine/internal/resolution"
	"github.com/manaforge/market-engine/internal/store"
	"github.com/manaforge/market-engine/internal/trade"
)

// App is the assembled engine.
type App struct {
	cfg      *config.Config
	logger   *zap.Logger
	store    store.Store
	ledger   *ledger.Service
	orders   *orderbook.Service
	resolver *resolution.Engine
	trade    *trade.Service
	bus      *events.Bus
	hub      *trade.WSHub
	closers  []func() error
}

// New builds every component. The caller must Close the App.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	a := &App{cfg: cfg, logger: logger}

	st, err := a.setupStore(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	locks, c, err := a.setupCoordination(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	locks = keylock.WithTimeout(locks, cfg.Trading.LockTimeout)
	if _, ok := st.(*store.MemoryStore); !ok {
		st = store.NewCachedStore(st, c, cfg.Cache.MarketTTL)
	}
	a.store = st

	mm, err := amm.NewMarketMaker(decimal.NewFromFloat(cfg.Trading.MinPoolQty))
	if err != nil {
		a.Close()
		return nil, err
	}

	a.bus = events.NewBus(logger.Named("events"))
	a.hub = trade.NewWSHub(logger.Named("ws"))
	a.ledger = ledger.NewService(st, locks, logger.Named("ledger"))
	tracker := position.NewTracker(st, c, cfg.Cache.PositionTTL, logger.Named("positions"))
	a.orders = orderbook.NewService(st, a.ledger, locks, a.bus, logger.Named("orders"))
	a.resolver = resolution.NewEngine(st, a.ledger, tracker, locks, a.bus, logger.Named("resolution"))
	a.trade = trade.NewService(trade.Deps{
		Store:     st,
		Ledger:    a.ledger,
		Tracker:   tracker,
		Maker:     mm,
		Orders:    a.orders,
		Resolver:  a.resolver,
		Limiter:   limits.NewExposureLimiter(decimal.NewFromFloat(cfg.Limits.MaxPerTrade), decimal.NewFromFloat(cfg.Limits.MaxPerMarket)),
		Locks:     locks,
		Publisher: a.bus,
		Logger:    logger.Named("trade"),
	}, trade.Config{
		Fees:           cfg.Fees(),
		MinAnte:        decimal.NewFromFloat(cfg.Trading.MinAnte),
		LoanRatio:      decimal.NewFromFloat(cfg.Trading.LoanRatio),
		MaxRetries:     cfg.Trading.MaxRetries,
		RetryBaseDelay: cfg.Trading.RetryBaseDelay,
		LockTimeout:    cfg.Trading.LockTimeout,
		Admins:         cfg.Server.AdminUsers,
	})

	if err := a.countActiveMarkets(ctx); err != nil {
		logger.Warn("active-markets-count-failed", zap.Error(err))
	}
	return a, nil
}

// Ledger exposes the ledger for the audit command.
func (a *App) Ledger() *ledger.Service {
	return a.ledger
}

// Handler returns the HTTP API.
func (a *App) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"market-engine"}`))
	})
	r.Handle("/metrics", metrics.Handler())
	r.Get("/ws", a.hub.HandleWS)

	limiter := trade.NewUserRateLimiter(a.cfg.Server.RateLimit, a.cfg.Server.RateBurst)
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Timeout(a.cfg.Server.RequestTimeout))
		a.trade.Routes(r, limiter)
	})
	return r
}

// Sweep expires due limit orders and retries unfinished settlements once.
func (a *App) Sweep(ctx context.Context) (expired, settled int, err error) {
	expired, expErr := a.orders.ExpireOrders(ctx, time.Now().UTC())
	settled, setErr := a.resolver.RunPending(ctx)
	return expired, settled, errors.Join(expErr, setErr)
}

// Audit replays every account once. Corrupt accounts are halted in the
// store, so every process sharing it refuses their units until an operator
// unhalts them.
func (a *App) Audit(ctx context.Context) (ledger.Report, error) {
	report, err := a.ledger.Audit(ctx)
	switch {
	case errors.Is(err, model.ErrLedgerCorruption):
		a.logger.Error("ledger-corruption-found", zap.Strings("accounts", report.Corrupt))
	case err != nil:
		return report, err
	default:
		a.logger.Info("ledger-audit-complete", zap.Int("accounts", len(report.Accounts)))
	}
	return report, err
}

// Close releases stores and connections in reverse order of creation.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *App) countActiveMarkets(ctx context.Context) error {
	markets, err := a.store.ListMarkets(ctx)
	if err != nil {
		return err
	}
	open := 0
	for _, m := range markets {
		if !m.IsResolved {
			open++
		}
	}
	metrics.ActiveMarkets.Set(float64(open))
	return nil
}
