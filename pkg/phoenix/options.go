package phoenix

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/lightforgemedia/go-phxgql/pkg/transport"
)

const (
	defaultTimeout           = 10 * time.Second
	defaultHeartbeatInterval = 30 * time.Second
	defaultWriteTimeout      = 5 * time.Second
	defaultSendBuffer        = 64
	defaultReadLimit         = 1024 * 1024 // 1MB
)

type socketConfig struct {
	logger            *slog.Logger
	dialOptions       *websocket.DialOptions
	params            map[string]any
	timeout           time.Duration
	heartbeatInterval time.Duration // <= 0 disables heartbeats
	writeTimeout      time.Duration
	sendBuffer        int
	logf              transport.LogFunc
}

func defaultConfig() socketConfig {
	return socketConfig{
		logger:            slog.Default(),
		dialOptions:       &websocket.DialOptions{HTTPClient: http.DefaultClient},
		timeout:           defaultTimeout,
		heartbeatInterval: defaultHeartbeatInterval,
		writeTimeout:      defaultWriteTimeout,
		sendBuffer:        defaultSendBuffer,
	}
}

// Option configures a Socket.
type Option func(*Socket)

// WithLogger sets the slog logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Socket) {
		if logger != nil {
			s.config.logger = logger
		}
	}
}

// WithDialOptions provides custom websocket.DialOptions.
func WithDialOptions(opts *websocket.DialOptions) Option {
	return func(s *Socket) {
		if opts != nil {
			s.config.dialOptions = opts
		}
	}
}

// WithParams sets the query parameters sent when connecting.
func WithParams(params map[string]any) Option {
	return func(s *Socket) {
		s.config.params = params
	}
}

// WithTimeout sets the dial timeout and the default reply timeout for pushes.
func WithTimeout(timeout time.Duration) Option {
	return func(s *Socket) {
		if timeout > 0 {
			s.config.timeout = timeout
		}
	}
}

// WithHeartbeatInterval sets how often a heartbeat is sent.
// interval < 0 disables heartbeats, 0 keeps the default.
func WithHeartbeatInterval(interval time.Duration) Option {
	return func(s *Socket) {
		if interval != 0 {
			s.config.heartbeatInterval = interval
		}
	}
}

// WithWriteTimeout bounds how long a push waits for room in the send buffer
// and for the frame to be written.
func WithWriteTimeout(timeout time.Duration) Option {
	return func(s *Socket) {
		if timeout > 0 {
			s.config.writeTimeout = timeout
		}
	}
}

// WithSendBuffer sets the number of outgoing frames buffered per connection.
func WithSendBuffer(size int) Option {
	return func(s *Socket) {
		if size > 0 {
			s.config.sendBuffer = size
		}
	}
}

// WithLogFunc installs a wire-level log hook.
func WithLogFunc(fn transport.LogFunc) Option {
	return func(s *Socket) {
		s.config.logf = fn
	}
}

// NewFactory returns a transport.Factory building Sockets with base options
// applied before the per-endpoint transport.Options.
func NewFactory(base ...Option) transport.Factory {
	return func(endpoint string, o transport.Options) (transport.Socket, error) {
		opts := append([]Option{}, base...)
		opts = append(opts,
			WithParams(o.Params),
			WithTimeout(o.Timeout),
			WithHeartbeatInterval(o.HeartbeatInterval),
		)
		if o.Log != nil {
			opts = append(opts, WithLogFunc(o.Log))
		}
		return New(endpoint, opts...)
	}
}
