package httputil

import (
	"context"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ShutdownTimeout bounds how long in-flight requests may run after ctx is done.
const ShutdownTimeout = 10 * time.Second

// Serve runs srv until ctx is done, then shuts it down gracefully.
//
// Arguments:
//   - ctx: Cancelled on shutdown, typically by a signal.
//   - srv: The configured server.
//   - logger: Receives lifecycle logs.
//
// Returns:
//   - error: The listen error, or nil after a clean shutdown.
func Serve(ctx context.Context, srv *http.Server, logger *zap.Logger) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrapf(err, "serving %s", srv.Addr)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down", zap.String("addr", srv.Addr))

		shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
