// Package testutil provides common test utilities for the go-phxgql library.
package testutil

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/lightforgemedia/go-phxgql/pkg/broker"
	"github.com/lightforgemedia/go-phxgql/pkg/model"
)

var (
	// Default logger for tests
	defaultSlogHandler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level:     slog.LevelDebug,
		AddSource: true,
	})
	DefaultLogger = slog.New(defaultSlogHandler)
)

// TestServer is a broker serving the Absinthe control topic on an httptest server.
type TestServer struct {
	T        *testing.T
	Broker   *broker.Broker
	Absinthe *broker.Absinthe
	Server   *httptest.Server
	WsURL    string
}

// EchoResolver answers every query with the request it received:
// {"data": {"query": ..., "variables": ..., "operationName": ...}}.
func EchoResolver(_ context.Context, _ broker.ClientHandle, req model.Request) (json.RawMessage, error) {
	return json.Marshal(map[string]any{"data": req})
}

// NewTestServer starts a broker with an Absinthe handler using resolve, or
// EchoResolver when resolve is nil. It is shut down when the test ends.
func NewTestServer(t *testing.T, resolve broker.Resolver, opts ...broker.Option) *TestServer {
	t.Helper()

	finalOpts := append([]broker.Option{broker.WithLogger(DefaultLogger)}, opts...)
	b, err := broker.New(finalOpts...)
	if err != nil {
		t.Fatalf("broker.New: %v", err)
	}
	if resolve == nil {
		resolve = EchoResolver
	}
	a, err := broker.NewAbsinthe(b, resolve)
	if err != nil {
		t.Fatalf("broker.NewAbsinthe: %v", err)
	}

	s := httptest.NewServer(b.UpgradeHandler())
	ts := &TestServer{
		T:        t,
		Broker:   b,
		Absinthe: a,
		Server:   s,
		WsURL:    "ws" + strings.TrimPrefix(s.URL, "http"),
	}
	t.Cleanup(ts.Close)
	return ts
}

// Close closes the test server.
func (s *TestServer) Close() {
	if s.Server != nil {
		s.Server.Close()
	}
	if s.Broker != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Broker.Shutdown(ctx)
	}
}

// SubscriptionIDs returns the ids of the subscriptions the server granted.
func (s *TestServer) SubscriptionIDs() []string {
	var ids []string
	for id := range s.Absinthe.Subscriptions() {
		ids = append(ids, id)
	}
	return ids
}
