package broker

import (
	"errors"
	"log/slog"
	"time"

	"github.com/coder/websocket"
)

const (
	defaultClientSendBuffer    = 16
	defaultWriteTimeout        = 10 * time.Second
	defaultBusQueueLength      = 64
	libraryDefaultPingInterval = 30 * time.Second
)

type brokerConfig struct {
	logger           *slog.Logger
	acceptOptions    *websocket.AcceptOptions
	clientSendBuffer int
	writeTimeout     time.Duration
	pingInterval     time.Duration // 0 means use libraryDefaultPingInterval, <0 disables
	bus              Bus
}

// Option configures the Broker.
type Option func(*Broker)

// WithLogger sets a custom logging implementation.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Broker) {
		if logger != nil {
			b.config.logger = logger
		}
	}
}

// WithAcceptOptions provides custom websocket.AcceptOptions.
func WithAcceptOptions(opts *websocket.AcceptOptions) Option {
	return func(b *Broker) {
		b.config.acceptOptions = opts
	}
}

// WithClientSendBuffer sets the buffer size for outgoing messages per client.
// Large buffers only delay, not prevent, issues with slow clients.
func WithClientSendBuffer(size int) Option {
	return func(b *Broker) {
		if size > 0 {
			b.config.clientSendBuffer = size
		}
	}
}

// WithWriteTimeout sets the write timeout for sending messages to clients.
func WithWriteTimeout(timeout time.Duration) Option {
	return func(b *Broker) {
		if timeout > 0 {
			b.config.writeTimeout = timeout
		}
	}
}

// WithPingInterval sets the websocket-level ping interval.
// interval < 0: Disables server pings.
// interval == 0: Uses the library's default ping interval.
func WithPingInterval(interval time.Duration) Option {
	return func(b *Broker) {
		b.config.pingInterval = interval
	}
}

// WithBus sets the fan-out backend used by Publish. Defaults to an in-process bus.
func WithBus(bus Bus) Option {
	return func(b *Broker) {
		if bus != nil {
			b.config.bus = bus
		}
	}
}

// Options contains configuration values for NewWithOptions.
type Options struct {
	Logger           *slog.Logger
	AcceptOptions    *websocket.AcceptOptions
	ClientSendBuffer int
	WriteTimeout     time.Duration
	// PingInterval: 0 for the library default, negative to disable.
	PingInterval time.Duration
	Bus          Bus
}

// DefaultOptions returns an Options struct populated with library defaults.
func DefaultOptions() Options {
	return Options{
		Logger:           slog.Default(),
		AcceptOptions:    &websocket.AcceptOptions{},
		ClientSendBuffer: defaultClientSendBuffer,
		WriteTimeout:     defaultWriteTimeout,
		PingInterval:     libraryDefaultPingInterval,
	}
}

// NewWithOptions validates opts and creates a Broker. Extra functional options
// override values from the struct.
func NewWithOptions(opts Options, extraOpts ...Option) (*Broker, error) {
	if opts.ClientSendBuffer < 0 {
		return nil, errors.New("ClientSendBuffer must be non-negative")
	}
	if opts.WriteTimeout < 0 {
		return nil, errors.New("WriteTimeout must be non-negative")
	}

	optionFns := []Option{
		WithLogger(opts.Logger),
		WithAcceptOptions(opts.AcceptOptions),
		WithClientSendBuffer(opts.ClientSendBuffer),
		WithWriteTimeout(opts.WriteTimeout),
		WithBus(opts.Bus),
	}
	if opts.PingInterval != 0 {
		optionFns = append(optionFns, WithPingInterval(opts.PingInterval))
	}
	optionFns = append(optionFns, extraOpts...)
	return New(optionFns...)
}
