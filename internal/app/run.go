package app

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/manaforge/market-engine/internal/model"
)

// Run serves HTTP, relays events to websocket clients, sweeps expired
// orders and unfinished settlements, and audits the ledger until ctx is
// cancelled.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	feed, unsubscribe := a.bus.Subscribe(256)
	defer unsubscribe()

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		a.hub.Run(ctx, feed)
	}()
	go func() {
		defer wg.Done()
		a.sweepLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		a.auditLoop(ctx)
	}()

	srv := &http.Server{
		Addr:              a.cfg.Addr(),
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("server-starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-errCh:
		runErr = err
	}

	a.logger.Info("server-shutting-down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server-shutdown-failed", zap.Error(err))
	}
	cancel()
	wg.Wait()
	a.logger.Info("server-stopped")
	return runErr
}

func (a *App) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.Sweep.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			expired, settled, err := a.Sweep(ctx)
			if err != nil && ctx.Err() == nil {
				a.logger.Error("sweep-failed", zap.Error(err))
			}
			if expired > 0 || settled > 0 {
				a.logger.Info("sweep-complete", zap.Int("expired", expired), zap.Int("settled", settled))
			}
		}
	}
}

// auditLoop replays the ledger every Sweep.AuditInterval. A non-positive
// interval disables it.
func (a *App) auditLoop(ctx context.Context) {
	if a.cfg.Sweep.AuditInterval <= 0 {
		return
	}
	ticker := time.NewTicker(a.cfg.Sweep.AuditInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := a.Audit(ctx); err != nil && ctx.Err() == nil &&
				!errors.Is(err, model.ErrLedgerCorruption) {
				a.logger.Error("ledger-audit-failed", zap.Error(err))
			}
		}
	}
}
