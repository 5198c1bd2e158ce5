package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/MrEthical07/gateauth/internal/httpapi"
	promexport "github.com/MrEthical07/gateauth/metrics/export/prometheus"
)

func serveCmd(g *globalFlags) *cobra.Command {
	var (
		addr          string
		sweepInterval time.Duration
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			f, logger, err := loadFile(g)
			if err != nil {
				return err
			}
			if addr != "" {
				f.Server.Addr = addr
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, f, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			if sweepInterval > 0 {
				go runSweeps(ctx, a, sweepInterval)
			}
			return serve(ctx, a)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address override")
	cmd.Flags().DurationVar(&sweepInterval, "sweep-interval", 10*time.Minute, "expiry sweep interval; 0 disables")
	return cmd
}

func router(a *app) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)

	if path := a.file.Server.MetricsPath; path != "" {
		r.Method(http.MethodGet, path, promexport.Handler(a.engine))
	}
	r.Mount("/", httpapi.New(a.engine, a.logger).Routes())
	return r
}

func serve(ctx context.Context, a *app) error {
	srv := &http.Server{
		Addr:              a.file.Server.Addr,
		Handler:           router(a),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("gateauth listening", "addr", srv.Addr, "store", a.file.Store.Driver, "mail", a.file.Mail.Driver)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	a.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.file.Server.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
