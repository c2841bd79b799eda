// phxgql.go
//
// Package phxgql runs GraphQL queries and subscriptions over Phoenix channels.
// It re-exports the client package so most programs need a single import.
package phxgql

import (
	"github.com/lightforgemedia/go-phxgql/pkg/client"
	"github.com/lightforgemedia/go-phxgql/pkg/model"
)

// Re-export core types
type (
	Client          = client.Client
	Config          = client.Config
	ChannelConfig   = client.ChannelConfig
	Option          = client.Option
	Delivery        = client.Delivery
	Grant           = client.Grant
	GrantFunc       = client.GrantFunc
	Middleware      = client.Middleware
	MiddlewareFunc  = client.MiddlewareFunc
	Afterware       = client.Afterware
	AfterwareFunc   = client.AfterwareFunc
	RequestContext  = client.RequestContext
	ResponseContext = client.ResponseContext
	Subscription    = client.Subscription
	EventHandler    = client.EventHandler
	Request         = model.Request
	Response        = model.Response
)

// Re-export error types
type (
	ConfigError     = client.ConfigError
	ConnectionError = client.ConnectionError
	JoinError       = client.JoinError
	ReplyError      = client.ReplyError
	ResponseError   = client.ResponseError
)

var (
	ErrConfig     = client.ErrConfig
	ErrConnection = client.ErrConnection
	ErrJoin       = client.ErrJoin
	ErrTimeout    = client.ErrTimeout
	ErrReply      = client.ErrReply
	ErrNoResponse = client.ErrNoResponse
	ErrClosed     = client.ErrClosed
)

const (
	DeliverySocket  = client.DeliverySocket
	DeliveryChannel = client.DeliveryChannel
)

// Re-export options
var (
	WithLogger           = client.WithLogger
	WithTransport        = client.WithTransport
	WithMetrics          = client.WithMetrics
	WithAlwaysResolve    = client.WithAlwaysResolve
	WithTransportLogging = client.WithTransportLogging
	AbsintheGrant        = client.AbsintheGrant
)

// DefaultConfig returns the Absinthe defaults for endpoint.
func DefaultConfig(endpoint string) Config {
	return client.DefaultConfig(endpoint)
}

// New creates a client. Nothing is dialed until the first operation.
func New(cfg Config, opts ...Option) (*Client, error) {
	return client.New(cfg, opts...)
}

// Dial is New with DefaultConfig(endpoint).
func Dial(endpoint string, opts ...Option) (*Client, error) {
	return client.New(client.DefaultConfig(endpoint), opts...)
}
