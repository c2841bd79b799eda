package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/lightforgemedia/go-phxgql/internal/config"
	"github.com/lightforgemedia/go-phxgql/internal/logging"
	"github.com/lightforgemedia/go-phxgql/pkg/client"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// app carries what every command needs once flags are parsed.
type app struct {
	v      *viper.Viper
	cfg    config.Config
	logger *slog.Logger

	registry   *prometheus.Registry
	metricsSrv *http.Server
}

func (a *app) bindCommon(cmd *cobra.Command) {
	config.BindCommonFlags(cmd, a.v)
	config.BindClientFlags(cmd, a.v)
}

func (a *app) setup(cmd *cobra.Command, _ []string) error {
	configFile, _ := cmd.Root().PersistentFlags().GetString("config")
	cfg, err := config.Load(a.v, configFile)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = logging.New(cmd.ErrOrStderr(), cfg.Log.Level, cfg.Log.Format)

	if cfg.Metrics.Addr != "" {
		a.registry = prometheus.NewRegistry()
		a.serveMetrics(cfg.Metrics.Addr)
	}
	return nil
}

func (a *app) teardown() {
	if a.metricsSrv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = a.metricsSrv.Shutdown(ctx)
}

func (a *app) serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))

	a.metricsSrv = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		a.logger.Info("metrics server starting", "addr", addr)
		if err := a.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server error", "error", err)
		}
	}()
}

func (a *app) newClient() (*client.Client, error) {
	cc, err := a.cfg.ClientConfig()
	if err != nil {
		return nil, err
	}
	opts := []client.Option{client.WithLogger(a.logger)}
	if a.registry != nil {
		opts = append(opts, client.WithMetrics(a.registry))
	}
	return client.New(cc, opts...)
}
