// Package client multiplexes GraphQL queries and subscriptions over shared
// socket connections and channels.
//
// One connection is kept per endpoint and one channel per topic. Operations
// issued before a channel is joined are queued and pushed in order once the
// join succeeds; a failed join rejects everything queued. Requests and
// responses pass through caller-registered middleware and afterware stages.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lightforgemedia/go-phxgql/pkg/middleware"
	"github.com/lightforgemedia/go-phxgql/pkg/model"
	"github.com/mitchellh/copystructure"
)

// RequestContext is what middleware stages receive.
type RequestContext struct {
	Request *model.Request
	Options Options
}

// ResponseContext is what afterware stages receive.
type ResponseContext struct {
	Response *model.Response
	Options  Options
}

// Middleware transforms outgoing requests. Not calling next halts the
// request; it then stays pending until its context is done.
type Middleware interface {
	ApplyMiddleware(ctx *RequestContext, next func()) error
}

// MiddlewareFunc adapts a function to Middleware.
type MiddlewareFunc func(ctx *RequestContext, next func()) error

func (f MiddlewareFunc) ApplyMiddleware(ctx *RequestContext, next func()) error { return f(ctx, next) }

// Afterware transforms incoming responses, for query replies and
// subscription events alike.
type Afterware interface {
	ApplyAfterware(ctx *ResponseContext, next func()) error
}

// AfterwareFunc adapts a function to Afterware.
type AfterwareFunc func(ctx *ResponseContext, next func()) error

func (f AfterwareFunc) ApplyAfterware(ctx *ResponseContext, next func()) error { return f(ctx, next) }

// Client sends queries and subscriptions. It is safe for concurrent use.
type Client struct {
	config   clientConfig
	cfg      Config
	registry *registry
	metrics  *metrics

	waresMu     sync.RWMutex
	middlewares []middleware.Stage[*RequestContext]
	afterwares  []middleware.Stage[*ResponseContext]

	subsMu sync.Mutex
	subs   map[string]*Subscription

	closedMu sync.Mutex
	closed   bool
}

// New validates cfg and returns a Client. No connection is made until the
// first operation.
func New(cfg Config, opts ...Option) (*Client, error) {
	c := &Client{
		config: clientConfig{logger: slog.Default()},
		cfg:    cfg,
		subs:   make(map[string]*Subscription),
	}
	for _, opt := range opts {
		opt(c)
	}
	if err := c.cfg.resolve(c.config.logger); err != nil {
		return nil, err
	}
	c.metrics = newMetrics(c.config.registry)
	c.registry = newRegistry(&c.cfg, c.config.logger, c.metrics)

	c.config.logger.Info(fmt.Sprintf("Client: initialized for %s, channel %s, delivery %s",
		c.cfg.Endpoint, c.cfg.Channel.Topic, c.cfg.Delivery))
	return c, nil
}

// Use appends middleware stages, run in the order they were added.
func (c *Client) Use(mws ...Middleware) {
	c.waresMu.Lock()
	defer c.waresMu.Unlock()
	for _, mw := range mws {
		if mw != nil {
			c.middlewares = append(c.middlewares, middleware.StageFunc[*RequestContext](mw.ApplyMiddleware))
		}
	}
}

// UseAfter appends afterware stages, run in the order they were added.
func (c *Client) UseAfter(aws ...Afterware) {
	c.waresMu.Lock()
	defer c.waresMu.Unlock()
	for _, aw := range aws {
		if aw != nil {
			c.afterwares = append(c.afterwares, middleware.StageFunc[*ResponseContext](aw.ApplyAfterware))
		}
	}
}

func (c *Client) beforeSend(ctx context.Context, req *model.Request) (*RequestContext, error) {
	c.waresMu.RLock()
	stages := append([]middleware.Stage[*RequestContext](nil), c.middlewares...)
	c.waresMu.RUnlock()

	rc := &RequestContext{Request: copyRequest(req), Options: c.cfg.options().clone()}
	return middleware.Run(ctx, rc, stages)
}

func (c *Client) afterReceive(ctx context.Context, resp *model.Response) (*model.Response, error) {
	c.waresMu.RLock()
	stages := append([]middleware.Stage[*ResponseContext](nil), c.afterwares...)
	c.waresMu.RUnlock()

	rc := &ResponseContext{Response: resp, Options: c.cfg.options().clone()}
	rc, err := middleware.Run(ctx, rc, stages)
	if err != nil {
		return nil, err
	}
	return rc.Response, nil
}

// Query sends req and returns the response once it carries data. A reply
// without data is returned as a *ResponseError; an empty one as ErrNoResponse.
func (c *Client) Query(ctx context.Context, req *model.Request) (resp *model.Response, err error) {
	start := time.Now()
	defer func() { c.metrics.operation("query", start, err) }()

	if c.isClosed() {
		return nil, ErrClosed
	}
	if req == nil {
		return nil, &ConfigError{Field: "request", Msg: "nil request"}
	}

	rc, err := c.beforeSend(ctx, req)
	if err != nil {
		return nil, err
	}
	payload, err := model.Print(rc.Request)
	if err != nil {
		return nil, err
	}

	_, raw, err := c.dispatch(ctx, &rc.Options, payload)
	switch {
	case err == nil:
		resp = model.ParseResponse(raw)
	case rc.Options.AlwaysResolve && resolvable(err):
		c.config.logger.Debug(fmt.Sprintf("Client: query failed, resolving for afterware: %v", err))
		resp = model.NewErrorResponse(failurePayload(err))
	default:
		return nil, err
	}

	resp, err = c.afterReceive(ctx, resp)
	if err != nil {
		return nil, err
	}
	return normalize(resp)
}

// resolvable reports whether the always-resolve policy applies to err.
// Configuration mistakes and caller cancellation are never converted.
func resolvable(err error) bool {
	return !errors.Is(err, ErrConfig) &&
		!errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded)
}

// Close cancels every subscription and disconnects every socket.
func (c *Client) Close() error {
	c.closedMu.Lock()
	if c.closed {
		c.closedMu.Unlock()
		return nil
	}
	c.closed = true
	c.closedMu.Unlock()

	c.subsMu.Lock()
	subs := make([]*Subscription, 0, len(c.subs))
	for _, s := range c.subs {
		subs = append(subs, s)
	}
	c.subs = make(map[string]*Subscription)
	c.subsMu.Unlock()
	for _, s := range subs {
		s.cancel()
	}

	var errs []error
	for _, conn := range c.registry.connections() {
		if err := conn.close(); err != nil {
			errs = append(errs, fmt.Errorf("closing %s: %w", conn.endpoint, err))
		}
	}
	c.config.logger.Info("Client: closed")
	return errors.Join(errs...)
}

func (c *Client) isClosed() bool {
	c.closedMu.Lock()
	defer c.closedMu.Unlock()
	return c.closed
}

// copyRequest keeps middleware from mutating the caller's request.
func copyRequest(req *model.Request) *model.Request {
	cp, err := copystructure.Copy(req)
	if err != nil {
		dup := *req
		return &dup
	}
	return cp.(*model.Request)
}
