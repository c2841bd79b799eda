// Package transport declares the connection and channel primitives the client
// multiplexes over. Implementations live in pkg/phoenix (websocket) and
// pkg/testutil (in-memory).
package transport

import (
	"context"
	"encoding/json"
	"time"
)

// Status is the outcome reported for a pushed message.
type Status string

const (
	StatusOK      Status = "ok"
	StatusError   Status = "error"
	StatusTimeout Status = "timeout"
	StatusIgnore  Status = "ignore"
)

// Message is a single frame on the wire.
type Message struct {
	JoinRef string          `json:"join_ref,omitempty"`
	Ref     string          `json:"ref,omitempty"`
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Push is the pending result of a join or push. Exactly one status fires per
// push. Registering a callback after the outcome is known invokes it right
// away when the status matches.
type Push interface {
	Receive(status Status, fn func(response json.RawMessage)) Push
}

// Channel is one topic on a Socket.
type Channel interface {
	Topic() string
	Join() Push
	Leave() Push
	Push(event string, payload any) Push
	On(event string, fn func(payload json.RawMessage)) int
	Off(event string, ref int)
	IsJoined() bool
	IsJoining() bool
}

// Socket is one multiplexed connection to an endpoint.
type Socket interface {
	Connect()
	Disconnect() error
	OnOpen(fn func())
	OnError(fn func(error))
	// OnMessage registers a catch-all hook for every inbound message,
	// including those whose topic has no joined channel.
	OnMessage(fn func(Message)) int
	OffMessage(ref int)
	IsConnected() bool
	Channel(topic string, params map[string]any) Channel
}

// LogFunc receives wire-level events: kind is "push", "receive", "transport" or "channel".
type LogFunc func(kind, msg string, data any)

// Options are handed to a Factory when a socket is constructed.
type Options struct {
	Params            map[string]any
	Timeout           time.Duration
	HeartbeatInterval time.Duration
	Log               LogFunc
}

// Factory builds a Socket for an endpoint. Construction must not perform I/O.
type Factory func(endpoint string, opts Options) (Socket, error)

// Reply is the settled outcome of a Push.
type Reply struct {
	Status   Status
	Response json.RawMessage
}

// Await blocks until p settles or ctx is done. Only the first outcome reported
// by the push is returned.
func Await(ctx context.Context, p Push) (Reply, error) {
	ch := make(chan Reply, 1)
	settle := func(status Status) func(json.RawMessage) {
		return func(resp json.RawMessage) {
			select {
			case ch <- Reply{Status: status, Response: resp}:
			default:
			}
		}
	}
	p.Receive(StatusOK, settle(StatusOK)).
		Receive(StatusError, settle(StatusError)).
		Receive(StatusTimeout, settle(StatusTimeout)).
		Receive(StatusIgnore, settle(StatusIgnore))

	select {
	case r := <-ch:
		return r, nil
	case <-ctx.Done():
		return Reply{}, ctx.Err()
	}
}
