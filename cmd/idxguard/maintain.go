package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/hupe1980/idxguard/metrics"
	"github.com/hupe1980/idxguard/metrics/promobserver"
)

func newMaintainCmd(g *globalOptions) *cobra.Command {
	var (
		once        bool
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:   "maintain",
		Short: "Run the commit and optimize schedule",
		Long: `Maintain runs the maintenance scheduler against the index until interrupted.
With --once it commits and optimizes immediately and exits.
With --metrics-addr it serves Prometheus metrics on /metrics.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			var observer metrics.Observer
			var srv *http.Server
			if metricsAddr != "" {
				reg := prometheus.NewRegistry()
				obs, err := promobserver.New(reg)
				if err != nil {
					return err
				}
				observer = obs

				mux := http.NewServeMux()
				mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
				srv = &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
			}

			s, err := g.open(ctx, cmd, observer)
			if err != nil {
				return err
			}

			if once {
				err := errors.Join(s.keeper.Commit(ctx), s.keeper.Optimize(ctx))
				return errors.Join(err, s.close())
			}

			if srv != nil {
				go func() {
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						s.logger.Error("Metrics server failed", "error", err)
					}
				}()
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = srv.Shutdown(shutdownCtx) // Intentionally ignore: exiting anyway
				}()
			}

			if err := s.keeper.Start(ctx); err != nil {
				return errors.Join(err, s.close())
			}
			fmt.Fprintln(cmd.ErrOrStderr(), "maintaining", g.dir, "- interrupt to stop")

			<-ctx.Done()
			return s.close()
		},
	}

	cmd.Flags().BoolVar(&once, "once", false, "commit and optimize once, then exit")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	return cmd
}
