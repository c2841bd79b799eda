package phoenix

import (
	"encoding/json"
	"sync"

	"github.com/lightforgemedia/go-phxgql/pkg/shared_types"
	"github.com/lightforgemedia/go-phxgql/pkg/transport"
)

type channelState int

const (
	channelClosed channelState = iota
	channelJoining
	channelJoined
	channelErrored
	channelLeaving
)

type binding struct {
	ref int
	fn  func(json.RawMessage)
}

// Channel is a topic on a Socket. It does not rejoin on its own after an
// error; callers Join again.
type Channel struct {
	socket *Socket
	topic  string
	params map[string]any

	mu       sync.Mutex
	state    channelState
	joinRef  string
	joinPush *Push
	bindings map[string][]binding
	nextRef  int
}

var _ transport.Channel = (*Channel)(nil)

func newChannel(s *Socket, topic string, params map[string]any) *Channel {
	if params == nil {
		params = map[string]any{}
	}
	return &Channel{
		socket:   s,
		topic:    topic,
		params:   params,
		bindings: make(map[string][]binding),
	}
}

func (c *Channel) Topic() string { return c.topic }

func (c *Channel) IsJoined() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == channelJoined
}

func (c *Channel) IsJoining() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == channelJoining
}

// Join sends phx_join. While a join is in flight or done, the same push is
// returned.
func (c *Channel) Join() transport.Push {
	c.mu.Lock()
	if (c.state == channelJoining || c.state == channelJoined) && c.joinPush != nil {
		p := c.joinPush
		c.mu.Unlock()
		return p
	}

	payload, err := json.Marshal(c.params)
	if err != nil {
		c.state = channelErrored
		c.mu.Unlock()
		return c.socket.settled(c.topic, shared_types.EventJoin, transport.StatusError, reasonPayload(err.Error()))
	}
	p := c.socket.newPush(c.topic, shared_types.EventJoin, payload, "", 0)
	p.joinRef = p.ref
	c.joinRef = p.ref
	c.joinPush = p
	c.state = channelJoining
	c.mu.Unlock()

	// State hooks go first so callers observe IsJoined in their own callbacks.
	p.Receive(transport.StatusOK, func(json.RawMessage) { c.joinSettled(p, channelJoined) })
	p.Receive(transport.StatusError, func(json.RawMessage) { c.joinSettled(p, channelErrored) })
	p.Receive(transport.StatusTimeout, func(json.RawMessage) { c.joinSettled(p, channelErrored) })

	c.socket.config.logger.Debug("Phoenix: joining channel", "topic", c.topic)
	p.send()
	return p
}

func (c *Channel) joinSettled(p *Push, state channelState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.joinPush == p && c.state == channelJoining {
		c.state = state
	}
}

// Leave sends phx_leave. The channel is closed whatever the reply.
func (c *Channel) Leave() transport.Push {
	c.mu.Lock()
	if c.state != channelJoined && c.state != channelJoining {
		c.state = channelClosed
		c.mu.Unlock()
		return c.socket.settled(c.topic, shared_types.EventLeave, transport.StatusOK, json.RawMessage(`{}`))
	}
	c.state = channelLeaving
	joinRef := c.joinRef
	c.mu.Unlock()

	p := c.socket.newPush(c.topic, shared_types.EventLeave, json.RawMessage(`{}`), joinRef, 0)
	closeFn := func(json.RawMessage) {
		c.mu.Lock()
		c.state = channelClosed
		c.joinPush = nil
		c.mu.Unlock()
	}
	p.Receive(transport.StatusOK, closeFn)
	p.Receive(transport.StatusError, closeFn)
	p.Receive(transport.StatusTimeout, closeFn)
	p.send()
	return p
}

// Push sends event with payload on the channel.
func (c *Channel) Push(event string, payload any) transport.Push {
	c.mu.Lock()
	joinRef := c.joinRef
	c.mu.Unlock()

	raw, err := json.Marshal(payload)
	if err != nil {
		return c.socket.settled(c.topic, event, transport.StatusError, reasonPayload(err.Error()))
	}
	p := c.socket.newPush(c.topic, event, raw, joinRef, 0)
	p.send()
	return p
}

func (c *Channel) On(event string, fn func(json.RawMessage)) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextRef++
	c.bindings[event] = append(c.bindings[event], binding{ref: c.nextRef, fn: fn})
	return c.nextRef
}

func (c *Channel) Off(event string, ref int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	kept := c.bindings[event][:0]
	for _, b := range c.bindings[event] {
		if b.ref != ref {
			kept = append(kept, b)
		}
	}
	if len(kept) == 0 {
		delete(c.bindings, event)
		return
	}
	c.bindings[event] = kept
}

// isMember reports whether a message with joinRef belongs to the current join.
// Broadcasts carry no join ref and always match.
func (c *Channel) isMember(joinRef string) bool {
	if joinRef == "" {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return joinRef == c.joinRef
}

func (c *Channel) dispatch(msg transport.Message) {
	c.mu.Lock()
	switch msg.Event {
	case shared_types.EventReply:
		c.mu.Unlock()
		return
	case shared_types.EventError:
		if c.state == channelJoined || c.state == channelJoining {
			c.state = channelErrored
		}
	case shared_types.EventClose:
		c.state = channelClosed
		c.joinPush = nil
	}
	handlers := append([]binding{}, c.bindings[msg.Event]...)
	c.mu.Unlock()

	for _, b := range handlers {
		b.fn(msg.Payload)
	}
}

func (c *Channel) socketLost() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == channelJoined || c.state == channelJoining || c.state == channelLeaving {
		c.state = channelErrored
	}
}
