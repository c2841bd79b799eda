package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/lightforgemedia/go-phxgql/internal/config"
	"github.com/lightforgemedia/go-phxgql/pkg/broker"
	natsbus "github.com/lightforgemedia/go-phxgql/pkg/broker/nats"
	"github.com/lightforgemedia/go-phxgql/pkg/model"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/parser"
)

// server is an Absinthe-compatible endpoint for trying the client against.
// Queries are answered per top-level field; every subscription receives a
// ticks event each TickInterval.
type server struct {
	cfg      config.ServerConfig
	logger   *slog.Logger
	broker   *broker.Broker
	absinthe *broker.Absinthe
	handler  http.Handler

	tick      atomic.Int64
	published prometheus.Counter
}

func newServer(cfg config.Config, logger *slog.Logger, reg *prometheus.Registry, mountMetrics bool) (*server, error) {
	opts := []broker.Option{
		broker.WithLogger(logger),
		broker.WithAcceptOptions(&websocket.AcceptOptions{OriginPatterns: []string{"localhost:*", "127.0.0.1:*"}}),
		broker.WithPingInterval(cfg.Server.PingInterval),
	}
	if cfg.Server.NATSURL != "" {
		bus, err := natsbus.New(natsbus.Options{
			URL:               cfg.Server.NATSURL,
			ConnectionOptions: []nats.Option{nats.Name("phxgql-server")},
		})
		if err != nil {
			return nil, err
		}
		logger.Info("publishing through NATS", "url", cfg.Server.NATSURL)
		opts = append(opts, broker.WithBus(bus))
	}

	b, err := broker.New(opts...)
	if err != nil {
		return nil, err
	}
	s := &server{cfg: cfg.Server, logger: logger, broker: b}
	if s.absinthe, err = broker.NewAbsinthe(b, s.resolve); err != nil {
		return nil, err
	}

	s.published = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "phxgql_server",
		Name:      "events_published_total",
		Help:      "Subscription events published.",
	})
	subscriptions := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "phxgql_server",
		Name:      "subscriptions",
		Help:      "Active subscriptions.",
	}, func() float64 { return float64(len(s.absinthe.Subscriptions())) })
	if err := registerAll(reg, s.published, subscriptions); err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.Handle(cfg.Server.Path, b.UpgradeHandler())
	mux.HandleFunc("/health", s.health)
	if mountMetrics {
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}
	s.handler = mux
	return s, nil
}

func registerAll(reg prometheus.Registerer, cs ...prometheus.Collector) error {
	for _, c := range cs {
		if err := reg.Register(c); err != nil {
			return fmt.Errorf("registering metrics: %w", err)
		}
	}
	return nil
}

// serve runs until ctx is done, then shuts down HTTP and the broker.
func (s *server) serve(ctx context.Context, ln net.Listener) error {
	httpSrv := &http.Server{Handler: s.handler, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", ln.Addr().String(), "path", s.cfg.Path)
		errCh <- httpSrv.Serve(ln)
	}()
	go s.publishTicks(ctx)

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.broker.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("broker shutdown", "error", err)
	}
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("http shutdown", "error", err)
	}
	if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
		return serveErr
	}
	return nil
}

func (s *server) publishTicks(ctx context.Context) {
	if s.cfg.TickInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		subs := s.absinthe.Subscriptions()
		if len(subs) == 0 {
			continue
		}
		n := s.tick.Add(1)
		result, _ := json.Marshal(map[string]any{"data": map[string]any{"ticks": map[string]any{"n": n, "at": time.Now().Format(time.RFC3339Nano)}}})
		for id := range subs {
			if err := s.absinthe.Publish(ctx, id, result); err != nil {
				s.logger.Warn("publish tick", "subscription", id, "error", err)
				continue
			}
			s.published.Inc()
		}
	}
}

// resolve answers the top-level fields it knows: time, echo, ticks and
// clients. Unknown fields resolve to null with an error entry.
func (s *server) resolve(_ context.Context, client broker.ClientHandle, req model.Request) (json.RawMessage, error) {
	doc, gqlErr := parser.ParseQuery(&ast.Source{Input: req.Query})
	if gqlErr != nil {
		return nil, gqlErr
	}
	op := doc.Operations.ForName(req.OperationName)
	if op == nil {
		return nil, fmt.Errorf("operation %q not found", req.OperationName)
	}
	if op.Operation == ast.Mutation {
		return json.Marshal(map[string]any{"errors": []any{map[string]any{"message": "mutations are not supported"}}})
	}

	data := map[string]any{}
	var errs []any
	for _, sel := range op.SelectionSet {
		field, ok := sel.(*ast.Field)
		if !ok {
			continue
		}
		key := field.Alias
		if key == "" {
			key = field.Name
		}
		switch field.Name {
		case "time":
			data[key] = time.Now().UTC().Format(time.RFC3339)
		case "echo":
			data[key] = map[string]any{"query": req.Query, "variables": req.Variables, "client": client.ID()}
		case "ticks":
			data[key] = map[string]any{"n": s.tick.Load()}
		case "clients":
			n := 0
			s.broker.IterateClients(func(broker.ClientHandle) bool { n++; return true })
			data[key] = n
		default:
			data[key] = nil
			errs = append(errs, map[string]any{"message": fmt.Sprintf("unknown field %q", field.Name), "path": []string{key}})
		}
	}

	out := map[string]any{"data": data}
	if len(errs) > 0 {
		out["errors"] = errs
	}
	return json.Marshal(out)
}

func (s *server) health(w http.ResponseWriter, _ *http.Request) {
	clients := 0
	s.broker.IterateClients(func(broker.ClientHandle) bool { clients++; return true })
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":        "ok",
		"clients":       clients,
		"subscriptions": len(s.absinthe.Subscriptions()),
	})
}
