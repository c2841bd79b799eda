package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lightforgemedia/go-phxgql/internal/config"
	"github.com/lightforgemedia/go-phxgql/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	cmd := &cobra.Command{
		Use:   "phxgql-server",
		Short: "Development GraphQL server speaking the Phoenix channels protocol",
		Long: `phxgql-server accepts Phoenix socket connections and answers documents
pushed on the Absinthe control channel. Queries may select time, echo, ticks
and clients; any subscription receives a ticks event every --tick-interval.`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			configFile, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(v, configFile)
			if err != nil {
				return err
			}
			logger := logging.New(cmd.ErrOrStderr(), cfg.Log.Level, cfg.Log.Format)

			reg := prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

			ln, err := net.Listen("tcp", cfg.Server.Addr)
			if err != nil {
				return err
			}
			separateMetrics := cfg.Metrics.Addr != ""
			s, err := newServer(cfg, logger, reg, !separateMetrics)
			if err != nil {
				ln.Close()
				return err
			}
			if separateMetrics {
				stopMetrics := serveMetrics(logger, cfg.Metrics.Addr, reg)
				defer stopMetrics()
			}

			return s.serve(cmd.Context(), ln)
		},
	}
	config.BindCommonFlags(cmd, v)
	config.BindServerFlags(cmd, v)
	return cmd
}

// serveMetrics serves /metrics on its own listener. The returned func stops it.
func serveMetrics(logger *slog.Logger, addr string, reg *prometheus.Registry) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info("metrics server starting", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", "error", err)
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}
