package phoenix

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/lightforgemedia/go-phxgql/pkg/transport"
)

type pushHook struct {
	status transport.Status
	fn     func(json.RawMessage)
}

// Push is a sent message awaiting its phx_reply.
type Push struct {
	socket  *Socket
	topic   string
	event   string
	payload json.RawMessage
	joinRef string
	ref     string
	timeout time.Duration

	mu       sync.Mutex
	hooks    []pushHook
	received bool
	status   transport.Status
	response json.RawMessage
	timer    *time.Timer
}

var _ transport.Push = (*Push)(nil)

func (s *Socket) newPush(topic, event string, payload json.RawMessage, joinRef string, timeout time.Duration) *Push {
	if timeout <= 0 {
		timeout = s.config.timeout
	}
	return &Push{
		socket:  s,
		topic:   topic,
		event:   event,
		payload: payload,
		joinRef: joinRef,
		ref:     s.makeRef(),
		timeout: timeout,
	}
}

// Ref returns the message reference used to match the reply.
func (p *Push) Ref() string { return p.ref }

func (p *Push) Receive(status transport.Status, fn func(json.RawMessage)) transport.Push {
	p.mu.Lock()
	if p.received {
		matched := p.status == status
		resp := p.response
		p.mu.Unlock()
		if matched {
			fn(resp)
		}
		return p
	}
	p.hooks = append(p.hooks, pushHook{status: status, fn: fn})
	p.mu.Unlock()
	return p
}

func (p *Push) send() {
	p.socket.track(p)
	p.mu.Lock()
	if !p.received {
		p.timer = time.AfterFunc(p.timeout, func() {
			p.trigger(transport.StatusTimeout, nil)
		})
	}
	p.mu.Unlock()

	msg := transport.Message{
		JoinRef: p.joinRef,
		Ref:     p.ref,
		Topic:   p.topic,
		Event:   p.event,
		Payload: p.payload,
	}
	if err := p.socket.write(msg); err != nil {
		p.trigger(transport.StatusError, reasonPayload(err.Error()))
	}
}

// trigger settles the push once; later outcomes are ignored.
func (p *Push) trigger(status transport.Status, resp json.RawMessage) {
	p.mu.Lock()
	if p.received {
		p.mu.Unlock()
		return
	}
	p.received = true
	p.status = status
	p.response = resp
	if p.timer != nil {
		p.timer.Stop()
	}
	hooks := p.hooks
	p.hooks = nil
	p.mu.Unlock()

	p.socket.forget(p.ref)
	for _, h := range hooks {
		if h.status == status {
			h.fn(resp)
		}
	}
}

// settled returns a push that already carries an outcome.
func (s *Socket) settled(topic, event string, status transport.Status, resp json.RawMessage) *Push {
	p := &Push{socket: s, topic: topic, event: event, ref: s.makeRef()}
	p.received = true
	p.status = status
	p.response = resp
	return p
}
