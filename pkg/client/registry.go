package client

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lightforgemedia/go-phxgql/pkg/transport"
	"golang.org/x/sync/singleflight"
)

type connState int

const (
	connIdle connState = iota
	connConnecting
	connOpen
	connClosed
)

func (s connState) String() string {
	switch s {
	case connIdle:
		return "idle"
	case connConnecting:
		return "connecting"
	case connOpen:
		return "open"
	case connClosed:
		return "closed"
	}
	return "unknown"
}

// registry owns one Connection per endpoint for a Client.
type registry struct {
	factory   transport.Factory
	sockOpts  transport.Options
	timeout   time.Duration
	logger    *slog.Logger
	metrics   *metrics
	connectSF singleflight.Group

	mu    sync.Mutex
	conns map[string]*Connection
}

func newRegistry(cfg *Config, logger *slog.Logger, m *metrics) *registry {
	return &registry{
		factory: cfg.Transport,
		sockOpts: transport.Options{
			Timeout:           cfg.Timeout,
			HeartbeatInterval: cfg.HeartbeatInterval,
			Log:               cfg.TransportLog,
		},
		timeout: cfg.Timeout,
		logger:  logger,
		metrics: m,
		conns:   make(map[string]*Connection),
	}
}

// getOrCreate returns the Connection for endpoint, building its socket on
// first use. Params only matter for the first call per endpoint.
func (r *registry) getOrCreate(endpoint string, params map[string]any) (*Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.conns[endpoint]; ok {
		return c, nil
	}

	opts := r.sockOpts
	opts.Params = params
	socket, err := r.factory(endpoint, opts)
	if err != nil {
		return nil, &ConnectionError{Endpoint: endpoint, Err: err}
	}
	c := &Connection{
		endpoint: endpoint,
		socket:   socket,
		registry: r,
		channels: make(map[string]*Channel),
	}
	socket.OnOpen(c.opened)
	socket.OnError(c.failed)
	r.conns[endpoint] = c
	r.logger.Debug(fmt.Sprintf("Client: created connection for %s", endpoint))
	return c, nil
}

func (r *registry) connections() []*Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}

// Connection is one socket to an endpoint and the channels joined on it.
type Connection struct {
	endpoint string
	socket   transport.Socket
	registry *registry

	mu       sync.Mutex
	state    connState
	attempt  chan error
	channels map[string]*Channel
}

// Endpoint returns the endpoint identity.
func (c *Connection) Endpoint() string { return c.endpoint }

// Socket returns the underlying transport handle.
func (c *Connection) Socket() transport.Socket { return c.socket }

func (c *Connection) currentState() connState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ensureOpen returns once the socket is open. Concurrent callers share a
// single connect attempt; ctx only bounds the caller's wait.
func (c *Connection) ensureOpen(ctx context.Context) error {
	c.mu.Lock()
	if c.state == connOpen && c.socket.IsConnected() {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	res := c.registry.connectSF.DoChan(c.endpoint, func() (any, error) {
		return nil, c.connect()
	})
	select {
	case r := <-res:
		return r.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Connection) connect() error {
	c.mu.Lock()
	if c.state == connOpen && c.socket.IsConnected() {
		c.mu.Unlock()
		return nil
	}
	attempt := make(chan error, 1)
	c.attempt = attempt
	c.state = connConnecting
	c.mu.Unlock()

	c.registry.logger.Info(fmt.Sprintf("Client: connecting to %s", c.endpoint))
	c.socket.Connect()

	timer := time.NewTimer(c.registry.timeout)
	defer timer.Stop()

	var err error
	select {
	case err = <-attempt:
	case <-timer.C:
		c.mu.Lock()
		if c.attempt == attempt {
			c.attempt = nil
			c.state = connClosed
		}
		c.mu.Unlock()
		err = &ConnectionError{Endpoint: c.endpoint, Err: ErrTimeout}
	}
	c.registry.metrics.connect(err)
	if err != nil {
		c.registry.logger.Info(fmt.Sprintf("Client: connection to %s failed: %v", c.endpoint, err))
		return err
	}
	c.registry.logger.Info(fmt.Sprintf("Client: connected to %s", c.endpoint))
	return nil
}

func (c *Connection) opened() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = connOpen
	if c.attempt != nil {
		c.attempt <- nil
		c.attempt = nil
	}
}

func (c *Connection) failed(err error) {
	c.mu.Lock()
	wasOpen := c.state == connOpen
	c.state = connClosed
	attempt := c.attempt
	c.attempt = nil
	c.mu.Unlock()

	if attempt != nil {
		attempt <- &ConnectionError{Endpoint: c.endpoint, Err: err}
		return
	}
	if wasOpen {
		// Channels see IsJoined() == false and join again on the next operation.
		c.registry.logger.Info(fmt.Sprintf("Client: connection to %s lost: %v", c.endpoint, err))
	}
}

// channel returns the Channel for topic, creating its handle on first use.
func (c *Connection) channel(topic string, params map[string]any) *Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ch, ok := c.channels[topic]; ok {
		return ch
	}
	ch := &Channel{
		conn:   c,
		topic:  topic,
		handle: c.socket.Channel(topic, params),
	}
	c.channels[topic] = ch
	return ch
}

func (c *Connection) close() error {
	c.mu.Lock()
	c.state = connClosed
	c.mu.Unlock()
	return c.socket.Disconnect()
}
