package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/flowlayer/workflow/telemetry"
)

// Run starts an HTTP server bound to addr and blocks until ctx is
// cancelled, then shuts down gracefully with a 30s timeout — the same
// listen-in-a-goroutine, shutdown-on-ctx.Done lifecycle the host process
// uses for every other long-running component.
func Run(ctx context.Context, addr string, handler http.Handler, logger telemetry.Logger) error {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 60 * time.Second}

	errc := make(chan error, 1)
	go func() {
		logger.Info(ctx, "httpapi: listening", "addr", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		logger.Info(ctx, "httpapi: shutting down", "addr", addr)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}
