package client

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/lightforgemedia/go-phxgql/pkg/phoenix"
	"github.com/lightforgemedia/go-phxgql/pkg/shared_types"
	"github.com/lightforgemedia/go-phxgql/pkg/transport"
	"github.com/mitchellh/copystructure"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	defaultTimeout     = 10 * time.Second
	defaultEventBuffer = 64
)

// Delivery selects where subscription events are picked up.
type Delivery int

const (
	// DeliverySocket watches every inbound message on the socket and keeps
	// those matching the granted topic and event. The granted topic does not
	// need to be joined.
	DeliverySocket Delivery = iota
	// DeliveryChannel joins the granted topic and listens for the granted event on it.
	DeliveryChannel
)

func (d Delivery) String() string {
	switch d {
	case DeliverySocket:
		return "socket"
	case DeliveryChannel:
		return "channel"
	}
	return fmt.Sprintf("Delivery(%d)", int(d))
}

// ChannelConfig names the channel queries and subscription requests are sent on.
type ChannelConfig struct {
	Topic  string
	Event  string
	Params map[string]any
}

// Grant says where the events of a granted subscription arrive.
type Grant struct {
	Topic string
	Event string
	// Map transforms each event payload before it becomes a response. Optional.
	Map func(payload json.RawMessage) (json.RawMessage, error)
	// Off is called with the control channel when the subscription is cancelled. Optional.
	Off func(control transport.Channel)
}

// GrantFunc turns the reply to a subscription request into a Grant.
type GrantFunc func(response json.RawMessage) (Grant, error)

// AbsintheGrant reads an Absinthe {"subscriptionId": ...} reply. Results are
// pushed on the subscription id as "subscription:data" and cancelled with an
// "unsubscribe" push on the control channel.
func AbsintheGrant(response json.RawMessage) (Grant, error) {
	var g shared_types.SubscriptionGrant
	if err := json.Unmarshal(response, &g); err != nil {
		return Grant{}, fmt.Errorf("decoding subscription grant: %w", err)
	}
	if g.SubscriptionID == "" {
		return Grant{}, fmt.Errorf("subscription grant has no subscriptionId")
	}
	id := g.SubscriptionID
	return Grant{
		Topic: id,
		Event: shared_types.EventSubscriptionData,
		Map: func(payload json.RawMessage) (json.RawMessage, error) {
			var data shared_types.SubscriptionData
			if err := json.Unmarshal(payload, &data); err != nil {
				return nil, err
			}
			return data.Result, nil
		},
		Off: func(control transport.Channel) {
			control.Push(shared_types.EventUnsubscribe, shared_types.UnsubscribeRequest{SubscriptionID: id})
		},
	}, nil
}

// Config is resolved once by New and not changed afterwards.
type Config struct {
	// Endpoint is the socket URL. Required.
	Endpoint string
	// Channel defaults to the Absinthe control topic and the "doc" event.
	Channel ChannelConfig
	// Params are sent when the socket connects.
	Params map[string]any
	// Subscription defaults to AbsintheGrant.
	Subscription GrantFunc
	Delivery     Delivery
	// AlwaysResolve turns connect, join, error-reply and timeout failures of a
	// query into a response carrying the failure under "error", so afterware
	// sees it before the normalizer rejects it.
	AlwaysResolve bool
	// Transport builds sockets. Defaults to the Phoenix websocket transport.
	Transport transport.Factory
	// Timeout bounds connects, joins and replies.
	Timeout           time.Duration
	HeartbeatInterval time.Duration
	// EventBuffer is the number of undelivered events kept per subscription.
	EventBuffer int
	// LogTransport logs wire events at debug level; TransportLog replaces that sink.
	LogTransport bool
	TransportLog transport.LogFunc
}

// DefaultConfig returns a Config for an Absinthe server at endpoint.
func DefaultConfig(endpoint string) Config {
	return Config{
		Endpoint: endpoint,
		Channel: ChannelConfig{
			Topic: shared_types.TopicAbsintheControl,
			Event: shared_types.EventDoc,
		},
		Subscription: AbsintheGrant,
		Delivery:     DeliverySocket,
		Timeout:      defaultTimeout,
		EventBuffer:  defaultEventBuffer,
	}
}

// Options is the per-operation copy of the configuration that middleware may
// read and change. Changes affect only the operation they were made for.
type Options struct {
	Endpoint      string
	Channel       ChannelConfig
	Params        map[string]any
	AlwaysResolve bool
	// Values is free for middleware and afterware to share data.
	Values map[string]any
}

func (o *Options) validate() error {
	if o.Endpoint == "" {
		return &ConfigError{Field: "Endpoint", Msg: "missing endpoint"}
	}
	if o.Channel.Topic == "" {
		return &ConfigError{Field: "Channel.Topic", Msg: "missing topic"}
	}
	if o.Channel.Event == "" {
		return &ConfigError{Field: "Channel.Event", Msg: "missing event"}
	}
	return nil
}

func (o Options) clone() Options {
	c, err := copystructure.Copy(o)
	if err != nil {
		// Only unsupported value kinds put into Values can get here.
		return o
	}
	return c.(Options)
}

type clientConfig struct {
	logger   *slog.Logger
	registry prometheus.Registerer
}

// Option configures the Client.
type Option func(*Client)

// WithLogger sets a custom logging implementation.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.config.logger = logger
		}
	}
}

// WithTransport overrides Config.Transport.
func WithTransport(factory transport.Factory) Option {
	return func(c *Client) {
		if factory != nil {
			c.cfg.Transport = factory
		}
	}
}

// WithMetrics registers the client's collectors with reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(c *Client) {
		c.config.registry = reg
	}
}

// WithAlwaysResolve sets Config.AlwaysResolve.
func WithAlwaysResolve() Option {
	return func(c *Client) {
		c.cfg.AlwaysResolve = true
	}
}

// WithTransportLogging sets Config.LogTransport.
func WithTransportLogging() Option {
	return func(c *Client) {
		c.cfg.LogTransport = true
	}
}

// resolve fills defaults and checks what can be checked before any operation.
func (cfg *Config) resolve(logger *slog.Logger) error {
	if cfg.Endpoint == "" {
		return &ConfigError{Field: "Endpoint", Msg: "missing endpoint"}
	}
	if cfg.Channel.Topic == "" {
		cfg.Channel.Topic = shared_types.TopicAbsintheControl
	}
	if cfg.Channel.Event == "" {
		cfg.Channel.Event = shared_types.EventDoc
	}
	if cfg.Subscription == nil {
		cfg.Subscription = AbsintheGrant
	}
	switch cfg.Delivery {
	case DeliverySocket, DeliveryChannel:
	default:
		return &ConfigError{Field: "Delivery", Msg: fmt.Sprintf("unknown delivery %d", int(cfg.Delivery))}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = defaultEventBuffer
	}
	if cfg.Transport == nil {
		cfg.Transport = phoenix.NewFactory(phoenix.WithLogger(logger))
	}
	if cfg.LogTransport && cfg.TransportLog == nil {
		cfg.TransportLog = func(kind, msg string, data any) {
			logger.Debug(fmt.Sprintf("Transport %s: %s", kind, msg), "data", data)
		}
	}
	return nil
}

func (cfg *Config) options() Options {
	return Options{
		Endpoint:      cfg.Endpoint,
		Channel:       cfg.Channel,
		Params:        cfg.Params,
		AlwaysResolve: cfg.AlwaysResolve,
		Values:        map[string]any{},
	}
}
