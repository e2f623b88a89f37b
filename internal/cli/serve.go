package cli

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

func newServeCommand(opts *options) *cobra.Command {
	var migrate bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the listener, reconciler, and cleanup workers",
		Long: `Run the bus workers until interrupted.

The process delivers events to remote subscriptions and tracks completion
for every stored subscription. With metrics.driver set to prometheus,
metrics are served on metrics.addr at /metrics.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := opts.open(cmd, true)
			if err != nil {
				return err
			}
			defer rt.Close()

			ctx := cmd.Context()
			if migrate {
				if err := rt.store.Migrate(ctx); err != nil {
					return err
				}
			}

			var srv *http.Server
			if rt.registry != nil {
				mux := http.NewServeMux()
				mux.Handle("/metrics", promhttp.HandlerFor(rt.registry, promhttp.HandlerOpts{}))
				srv = &http.Server{
					Addr:              rt.settings.Metrics.Addr,
					Handler:           mux,
					ReadHeaderTimeout: 5 * time.Second,
				}
				go func() {
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						rt.logger.Error("metrics server failed", slog.String("error", err.Error()))
					}
				}()
			}

			if err := rt.bus.Start(ctx); err != nil {
				return err
			}
			rt.logger.Info("event bus started",
				slog.String("store", rt.settings.Store.Driver),
				slog.String("signal", rt.settings.Signal.Driver),
				slog.Bool("listener", rt.settings.Listener.Enabled),
			)

			<-ctx.Done()
			rt.logger.Info("shutting down")

			if srv != nil {
				shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
				defer cancel()
				if err := srv.Shutdown(shutdownCtx); err != nil {
					rt.logger.Warn("metrics server shutdown", slog.String("error", err.Error()))
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&migrate, "migrate", false, "Create missing tables before starting")
	return cmd
}
