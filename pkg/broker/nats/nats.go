// Package nats provides a broker.Bus backed by NATS, so several broker
// instances can share subscriptions.
package nats

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
)

// Options contains configuration options for the NATS bus.
type Options struct {
	// URL is the NATS server URL. Defaults to nats.DefaultURL.
	URL string

	// SubjectPrefix is prepended to every topic. Defaults to "phxgql".
	SubjectPrefix string

	// ConnectionOptions are additional options for the NATS connection.
	ConnectionOptions []nats.Option
}

// Bus publishes frames as NATS messages, one subject per topic.
type Bus struct {
	conn   *nats.Conn
	prefix string
}

// New connects to NATS.
func New(opts Options) (*Bus, error) {
	if opts.URL == "" {
		opts.URL = nats.DefaultURL
	}
	if opts.SubjectPrefix == "" {
		opts.SubjectPrefix = "phxgql"
	}

	conn, err := nats.Connect(opts.URL, opts.ConnectionOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return &Bus{conn: conn, prefix: opts.SubjectPrefix}, nil
}

// Subject maps a topic to its NATS subject. Dots and wildcard characters in
// topics would change subject semantics, so they are replaced.
func (b *Bus) Subject(topic string) string {
	r := strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_")
	return b.prefix + "." + r.Replace(topic)
}

func (b *Bus) Publish(ctx context.Context, topic string, data []byte) error {
	if topic == "" {
		return errors.New("topic cannot be empty")
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	return b.conn.Publish(b.Subject(topic), data)
}

func (b *Bus) Subscribe(ctx context.Context, topic string, fn func(data []byte)) (func(), error) {
	if topic == "" {
		return nil, errors.New("topic cannot be empty")
	}
	if fn == nil {
		return nil, errors.New("handler function cannot be nil")
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	sub, err := b.conn.Subscribe(b.Subject(topic), func(msg *nats.Msg) {
		fn(msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to topic: %w", err)
	}
	return func() { _ = sub.Unsubscribe() }, nil
}

// Close drains nothing; in-flight messages are dropped.
func (b *Bus) Close() error {
	b.conn.Close()
	return nil
}
