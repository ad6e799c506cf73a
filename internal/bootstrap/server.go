package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jonesrussell/north-cloud/datafetch/internal/api"
	"github.com/jonesrussell/north-cloud/datafetch/internal/logger"
)

const shutdownTimeout = 15 * time.Second

// NewServer builds the HTTP server for app.
func NewServer(app *App) *http.Server {
	if app.Config.Logging.Development {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	return &http.Server{
		Addr:         app.Config.Server.Address,
		Handler:      api.NewRouter(app.Orchestrator, app.Catalog, app.Metrics, app.Log),
		ReadTimeout:  app.Config.Server.ReadTimeout,
		WriteTimeout: app.Config.Server.WriteTimeout,
	}
}

// Serve runs the HTTP server until ctx is done, then shuts it down
// gracefully.
func Serve(ctx context.Context, app *App) error {
	srv := NewServer(app)

	errCh := make(chan error, 1)
	go func() {
		app.Log.Info("Starting HTTP server",
			logger.String("address", srv.Addr),
			logger.Duration("read_timeout", srv.ReadTimeout),
			logger.Duration("write_timeout", srv.WriteTimeout),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("server error: %w", err)
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		app.Log.Info("Shutdown requested")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}
	app.Log.Info("HTTP server stopped gracefully")
	return nil
}
