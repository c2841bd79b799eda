package broker

import (
	"context"
	"encoding/json"
)

// ClientHandle is a connected socket as seen by server-side handlers.
type ClientHandle interface {
	ID() string
	Context() context.Context // cancelled when the client disconnects
	RemoteAddr() string

	// Push sends event on topic to this client only.
	Push(topic, event string, payload any) error

	// Subscribe routes Publish calls for topic to this client. Joining a
	// channel subscribes the client to its topic implicitly.
	Subscribe(topic string) error
	Unsubscribe(topic string)
}

// JoinHandler authorizes a phx_join. The returned response is sent in the ok
// reply; an error turns into an error reply.
type JoinHandler func(client ClientHandle, topic string, params json.RawMessage) (json.RawMessage, error)

// EventHandler handles an event pushed by a client on a joined topic.
type EventHandler func(client ClientHandle, topic string, payload json.RawMessage) (json.RawMessage, error)

// ReplyError lets a handler choose the exact error reply body.
type ReplyError struct {
	Response json.RawMessage
}

func (e *ReplyError) Error() string { return "reply error: " + string(e.Response) }
