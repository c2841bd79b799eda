// shared_types/types.go
package shared_types

import "encoding/json"

// Phoenix protocol events and topics - used by both client and server.
const (
	EventJoin      = "phx_join"
	EventLeave     = "phx_leave"
	EventReply     = "phx_reply"
	EventError     = "phx_error"
	EventClose     = "phx_close"
	EventHeartbeat = "heartbeat"
	TopicPhoenix   = "phoenix"

	// ProtocolVersion is sent as the vsn query parameter; 1.0.0 selects the
	// JSON object serializer.
	ProtocolVersion = "1.0.0"
)

// Absinthe conventions for GraphQL over channels.
const (
	TopicAbsintheControl  = "__absinthe__:control"
	EventDoc              = "doc"
	EventUnsubscribe      = "unsubscribe"
	EventSubscriptionData = "subscription:data"
)

// --- Message Structs ---

// ReplyPayload is the payload of a phx_reply message.
type ReplyPayload struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response"`
}

// ErrorReason is the conventional body of an error reply.
type ErrorReason struct {
	Reason string `json:"reason"`
}

// SubscriptionGrant is the reply to a subscription document.
type SubscriptionGrant struct {
	SubscriptionID string `json:"subscriptionId"`
}

// SubscriptionData is pushed on the subscription topic for each result.
type SubscriptionData struct {
	SubscriptionID string          `json:"subscriptionId"`
	Result         json.RawMessage `json:"result"`
}

// UnsubscribeRequest asks the server to stop a subscription.
type UnsubscribeRequest struct {
	SubscriptionID string `json:"subscriptionId"`
}
