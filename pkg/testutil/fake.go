package testutil

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/lightforgemedia/go-phxgql/pkg/shared_types"
	"github.com/lightforgemedia/go-phxgql/pkg/transport"
)

// ReplyFunc answers one join or push. It receives the frame that was sent.
type ReplyFunc func(msg transport.Message) (transport.Status, any)

// Reply answers with a fixed status and response.
func Reply(status transport.Status, response any) ReplyFunc {
	return func(transport.Message) (transport.Status, any) { return status, response }
}

// OK answers "ok" with response.
func OK(response any) ReplyFunc { return Reply(transport.StatusOK, response) }

// Echo answers "ok" with {"data": <pushed payload>}.
func Echo() ReplyFunc {
	return func(msg transport.Message) (transport.Status, any) {
		return transport.StatusOK, map[string]json.RawMessage{"data": msg.Payload}
	}
}

// FakeTransport is an in-memory transport with scripted replies. Every join
// and push, in the order they are sent, takes the next queued reply; a send
// with no reply queued never settles.
type FakeTransport struct {
	mu          sync.Mutex
	replies     []ReplyFunc
	sent        []transport.Message
	sockets     map[string]*FakeSocket
	connectErrs []error
	connects    int
	channels    int
	holdJoins   bool
	held        []func()
}

// NewFakeTransport returns an empty FakeTransport.
func NewFakeTransport() *FakeTransport {
	return &FakeTransport{sockets: make(map[string]*FakeSocket)}
}

// AddReply queues replies.
func (f *FakeTransport) AddReply(fns ...ReplyFunc) *FakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies = append(f.replies, fns...)
	return f
}

// FailConnect makes the next connect attempt report err.
func (f *FakeTransport) FailConnect(err error) *FakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectErrs = append(f.connectErrs, err)
	return f
}

// HoldJoins keeps joins in flight until ReleaseJoins.
func (f *FakeTransport) HoldJoins() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.holdJoins = true
}

// ReleaseJoins answers the held joins and stops holding new ones.
func (f *FakeTransport) ReleaseJoins() {
	f.mu.Lock()
	held := f.held
	f.held = nil
	f.holdJoins = false
	f.mu.Unlock()
	for _, resolve := range held {
		resolve()
	}
}

// HeldJoins returns the number of joins waiting for ReleaseJoins.
func (f *FakeTransport) HeldJoins() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.held)
}

// Sent returns every frame sent so far.
func (f *FakeTransport) Sent() []transport.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]transport.Message(nil), f.sent...)
}

// SentEvents returns the frames sent with event.
func (f *FakeTransport) SentEvents(event string) []transport.Message {
	var out []transport.Message
	for _, m := range f.Sent() {
		if m.Event == event {
			out = append(out, m)
		}
	}
	return out
}

// Connects returns the number of connect attempts.
func (f *FakeTransport) Connects() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

// Sockets returns the number of sockets built by the factory.
func (f *FakeTransport) Sockets() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sockets)
}

// Channels returns the number of channel handles created.
func (f *FakeTransport) Channels() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.channels
}

// Socket returns the socket built for endpoint, or nil.
func (f *FakeTransport) Socket(endpoint string) *FakeSocket {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sockets[endpoint]
}

// Factory returns a transport.Factory building FakeSockets.
func (f *FakeTransport) Factory() transport.Factory {
	return func(endpoint string, opts transport.Options) (transport.Socket, error) {
		if endpoint == "" {
			return nil, errors.New("fake: empty endpoint")
		}
		s := &FakeSocket{
			transport: f,
			endpoint:  endpoint,
			Options:   opts,
			hooks:     make(map[int]func(transport.Message)),
		}
		f.mu.Lock()
		f.sockets[endpoint] = s
		f.mu.Unlock()
		return s, nil
	}
}

// Emit delivers a server message to every socket.
func (f *FakeTransport) Emit(topic, event string, payload any) {
	msg := transport.Message{Topic: topic, Event: event, Payload: encode(payload)}
	for _, s := range f.allSockets() {
		s.receive(msg)
	}
}

// Drop closes every open socket with err, as a lost connection would.
func (f *FakeTransport) Drop(err error) {
	for _, s := range f.allSockets() {
		s.drop(err)
	}
}

func (f *FakeTransport) allSockets() []*FakeSocket {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*FakeSocket, 0, len(f.sockets))
	for _, s := range f.sockets {
		out = append(out, s)
	}
	return out
}

// send records msg and takes its reply.
func (f *FakeTransport) send(msg transport.Message) ReplyFunc {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return f.takeLocked()
}

func (f *FakeTransport) takeLocked() ReplyFunc {
	if len(f.replies) == 0 {
		return nil
	}
	r := f.replies[0]
	f.replies = f.replies[1:]
	return r
}

func encode(v any) json.RawMessage {
	switch x := v.(type) {
	case nil:
		return json.RawMessage(`null`)
	case json.RawMessage:
		return x
	}
	b, err := json.Marshal(v)
	if err != nil {
		b, _ = json.Marshal(err.Error())
	}
	return b
}

// FakeSocket is a transport.Socket built by a FakeTransport.
type FakeSocket struct {
	transport *FakeTransport
	endpoint  string
	// Options are the options the factory was called with.
	Options transport.Options

	mu        sync.Mutex
	connected bool
	openCbs   []func()
	errorCbs  []func(error)
	hooks     map[int]func(transport.Message)
	nextRef   int
	channels  []*FakeChannel
}

var _ transport.Socket = (*FakeSocket)(nil)

func (s *FakeSocket) Connect() {
	s.mu.Lock()
	if s.connected {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	go func() {
		f := s.transport
		f.mu.Lock()
		f.connects++
		var err error
		if len(f.connectErrs) > 0 {
			err = f.connectErrs[0]
			f.connectErrs = f.connectErrs[1:]
		}
		f.mu.Unlock()

		if err != nil {
			s.fireError(err)
			return
		}
		s.mu.Lock()
		s.connected = true
		cbs := append([]func(){}, s.openCbs...)
		s.mu.Unlock()
		for _, cb := range cbs {
			cb()
		}
	}()
}

func (s *FakeSocket) Disconnect() error {
	s.mu.Lock()
	s.connected = false
	channels := append([]*FakeChannel{}, s.channels...)
	s.mu.Unlock()
	for _, ch := range channels {
		ch.reset()
	}
	return nil
}

func (s *FakeSocket) drop(err error) {
	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.Disconnect()
	s.fireError(err)
}

func (s *FakeSocket) fireError(err error) {
	s.mu.Lock()
	cbs := append([]func(error){}, s.errorCbs...)
	s.mu.Unlock()
	for _, cb := range cbs {
		cb(err)
	}
}

func (s *FakeSocket) OnOpen(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.openCbs = append(s.openCbs, fn)
}

func (s *FakeSocket) OnError(fn func(error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errorCbs = append(s.errorCbs, fn)
}

func (s *FakeSocket) OnMessage(fn func(transport.Message)) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextRef++
	s.hooks[s.nextRef] = fn
	return s.nextRef
}

func (s *FakeSocket) OffMessage(ref int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.hooks, ref)
}

// MessageHooks returns the number of registered OnMessage hooks.
func (s *FakeSocket) MessageHooks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.hooks)
}

func (s *FakeSocket) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *FakeSocket) Channel(topic string, params map[string]any) transport.Channel {
	ch := &FakeChannel{
		socket:   s,
		topic:    topic,
		params:   params,
		handlers: make(map[string]map[int]func(json.RawMessage)),
	}
	s.mu.Lock()
	s.channels = append(s.channels, ch)
	s.mu.Unlock()

	s.transport.mu.Lock()
	s.transport.channels++
	s.transport.mu.Unlock()
	return ch
}

func (s *FakeSocket) receive(msg transport.Message) {
	s.mu.Lock()
	channels := append([]*FakeChannel{}, s.channels...)
	hooks := make([]func(transport.Message), 0, len(s.hooks))
	for _, h := range s.hooks {
		hooks = append(hooks, h)
	}
	s.mu.Unlock()

	for _, ch := range channels {
		if ch.topic == msg.Topic {
			ch.dispatch(msg)
		}
	}
	for _, h := range hooks {
		h(msg)
	}
}

// FakeChannel is a transport.Channel on a FakeSocket.
type FakeChannel struct {
	socket *FakeSocket
	topic  string
	params map[string]any

	mu       sync.Mutex
	joined   bool
	joining  bool
	joinPush *fakePush
	handlers map[string]map[int]func(json.RawMessage)
	nextRef  int
}

var _ transport.Channel = (*FakeChannel)(nil)

func (c *FakeChannel) Topic() string { return c.topic }

func (c *FakeChannel) IsJoined() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.joined
}

func (c *FakeChannel) IsJoining() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.joining
}

func (c *FakeChannel) Join() transport.Push {
	c.mu.Lock()
	if (c.joining || c.joined) && c.joinPush != nil {
		p := c.joinPush
		c.mu.Unlock()
		return p
	}
	p := newFakePush()
	c.joinPush = p
	c.joining = true
	c.mu.Unlock()

	f := c.socket.transport
	msg := transport.Message{Topic: c.topic, Event: shared_types.EventJoin, Payload: encode(c.params)}

	f.mu.Lock()
	f.sent = append(f.sent, msg)
	if f.holdJoins {
		f.held = append(f.held, func() {
			f.mu.Lock()
			reply := f.takeLocked()
			f.mu.Unlock()
			c.joinReplied(p, msg, reply)
		})
		f.mu.Unlock()
		return p
	}
	reply := f.takeLocked()
	f.mu.Unlock()

	go c.joinReplied(p, msg, reply)
	return p
}

func (c *FakeChannel) joinReplied(p *fakePush, msg transport.Message, reply ReplyFunc) {
	if reply == nil {
		return
	}
	status, resp := reply(msg)
	c.mu.Lock()
	if c.joinPush == p {
		c.joining = false
		c.joined = status == transport.StatusOK
		if !c.joined {
			c.joinPush = nil
		}
	}
	c.mu.Unlock()
	p.settle(status, encode(resp))
}

func (c *FakeChannel) Leave() transport.Push {
	c.reset()
	p := newFakePush()
	p.settle(transport.StatusOK, json.RawMessage(`{}`))
	return p
}

func (c *FakeChannel) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.joined = false
	c.joining = false
	c.joinPush = nil
}

func (c *FakeChannel) Push(event string, payload any) transport.Push {
	msg := transport.Message{Topic: c.topic, Event: event, Payload: encode(payload)}
	p := newFakePush()
	reply := c.socket.transport.send(msg)
	if reply != nil {
		go func() {
			status, resp := reply(msg)
			p.settle(status, encode(resp))
		}()
	}
	return p
}

func (c *FakeChannel) On(event string, fn func(json.RawMessage)) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextRef++
	if c.handlers[event] == nil {
		c.handlers[event] = make(map[int]func(json.RawMessage))
	}
	c.handlers[event][c.nextRef] = fn
	return c.nextRef
}

func (c *FakeChannel) Off(event string, ref int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.handlers[event], ref)
}

func (c *FakeChannel) dispatch(msg transport.Message) {
	c.mu.Lock()
	fns := make([]func(json.RawMessage), 0, len(c.handlers[msg.Event]))
	for _, fn := range c.handlers[msg.Event] {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn(msg.Payload)
	}
}

type fakePush struct {
	mu     sync.Mutex
	done   bool
	status transport.Status
	resp   json.RawMessage
	hooks  map[transport.Status][]func(json.RawMessage)
}

func newFakePush() *fakePush {
	return &fakePush{hooks: make(map[transport.Status][]func(json.RawMessage))}
}

func (p *fakePush) Receive(status transport.Status, fn func(json.RawMessage)) transport.Push {
	p.mu.Lock()
	if p.done {
		matched := p.status == status
		resp := p.resp
		p.mu.Unlock()
		if matched {
			fn(resp)
		}
		return p
	}
	p.hooks[status] = append(p.hooks[status], fn)
	p.mu.Unlock()
	return p
}

func (p *fakePush) settle(status transport.Status, resp json.RawMessage) {
	p.mu.Lock()
	if p.done {
		p.mu.Unlock()
		return
	}
	p.done = true
	p.status = status
	p.resp = resp
	fns := p.hooks[status]
	p.hooks = nil
	p.mu.Unlock()
	for _, fn := range fns {
		fn(resp)
	}
}
