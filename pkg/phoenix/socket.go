// Package phoenix implements transport.Socket over the Phoenix channels
// protocol (JSON v1 serializer) on top of github.com/coder/websocket.
package phoenix

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/lightforgemedia/go-phxgql/pkg/shared_types"
	"github.com/lightforgemedia/go-phxgql/pkg/transport"
)

var (
	ErrNotConnected   = errors.New("phoenix: socket not connected")
	ErrSendBufferFull = errors.New("phoenix: send buffer full")
)

type connState int

const (
	stateClosed connState = iota
	stateConnecting
	stateOpen
)

// Socket is a Phoenix socket. It connects lazily on Connect and does not
// reconnect on its own; callers call Connect again after an error.
type Socket struct {
	config   socketConfig
	endpoint string

	mu         sync.Mutex
	state      connState
	conn       *websocket.Conn
	send       chan transport.Message
	pumpCtx    context.Context
	pumpCancel context.CancelFunc
	closing    bool

	callbacksMu    sync.RWMutex
	openCallbacks  []func()
	errorCallbacks []func(error)
	messageHooks   map[int]func(transport.Message)
	nextHookRef    int

	channelsMu sync.RWMutex
	channels   []*Channel

	pendingMu sync.Mutex
	pending   map[string]*Push

	ref              atomic.Uint64
	heartbeatPending atomic.Bool
}

var _ transport.Socket = (*Socket)(nil)

// New creates a socket for endpoint. No I/O happens until Connect.
// The endpoint gets the /websocket path suffix and the vsn parameter appended
// when they are missing.
func New(endpoint string, opts ...Option) (*Socket, error) {
	s := &Socket{
		config:       defaultConfig(),
		messageHooks: make(map[int]func(transport.Message)),
		pending:      make(map[string]*Push),
	}
	for _, opt := range opts {
		opt(s)
	}

	u, err := endpointURL(endpoint, s.config.params)
	if err != nil {
		return nil, err
	}
	s.endpoint = u
	return s, nil
}

func endpointURL(endpoint string, params map[string]any) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("phoenix: invalid endpoint %q: %w", endpoint, err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("phoenix: unsupported endpoint scheme %q", u.Scheme)
	}
	if !strings.HasSuffix(u.Path, "/websocket") {
		u.Path = strings.TrimSuffix(u.Path, "/") + "/websocket"
	}
	q := u.Query()
	for k, v := range params {
		q.Set(k, fmt.Sprint(v))
	}
	q.Set("vsn", shared_types.ProtocolVersion)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Endpoint returns the URL the socket dials.
func (s *Socket) Endpoint() string { return s.endpoint }

func (s *Socket) OnOpen(fn func()) {
	s.callbacksMu.Lock()
	defer s.callbacksMu.Unlock()
	s.openCallbacks = append(s.openCallbacks, fn)
}

func (s *Socket) OnError(fn func(error)) {
	s.callbacksMu.Lock()
	defer s.callbacksMu.Unlock()
	s.errorCallbacks = append(s.errorCallbacks, fn)
}

func (s *Socket) OnMessage(fn func(transport.Message)) int {
	s.callbacksMu.Lock()
	defer s.callbacksMu.Unlock()
	s.nextHookRef++
	s.messageHooks[s.nextHookRef] = fn
	return s.nextHookRef
}

func (s *Socket) OffMessage(ref int) {
	s.callbacksMu.Lock()
	defer s.callbacksMu.Unlock()
	delete(s.messageHooks, ref)
}

func (s *Socket) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == stateOpen
}

// Channel creates a channel handle for topic. Every call returns a new handle.
func (s *Socket) Channel(topic string, params map[string]any) transport.Channel {
	ch := newChannel(s, topic, params)
	s.channelsMu.Lock()
	s.channels = append(s.channels, ch)
	s.channelsMu.Unlock()
	return ch
}

// Connect starts dialing in the background. It is a no-op while connecting or open.
func (s *Socket) Connect() {
	s.mu.Lock()
	if s.state != stateClosed {
		s.mu.Unlock()
		return
	}
	s.state = stateConnecting
	s.closing = false
	s.mu.Unlock()

	go s.dial()
}

func (s *Socket) dial() {
	dialCtx, dialCancel := context.WithTimeout(context.Background(), s.config.timeout)
	conn, httpResp, err := websocket.Dial(dialCtx, s.endpoint, s.config.dialOptions)
	dialCancel()

	if err != nil {
		errMsg := fmt.Sprintf("dial to %s failed: %v", s.endpoint, err)
		if httpResp != nil {
			errMsg = fmt.Sprintf("%s (status: %s)", errMsg, httpResp.Status)
		}
		s.mu.Lock()
		s.state = stateClosed
		s.mu.Unlock()
		s.log("transport", "connect failed", errMsg)
		s.fireError(errors.New(errMsg))
		return
	}
	conn.SetReadLimit(defaultReadLimit)

	s.mu.Lock()
	if s.closing {
		s.state = stateClosed
		s.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "disconnected while dialing")
		return
	}
	pumpCtx, pumpCancel := context.WithCancel(context.Background())
	send := make(chan transport.Message, s.config.sendBuffer)
	s.conn = conn
	s.send = send
	s.pumpCtx = pumpCtx
	s.pumpCancel = pumpCancel
	s.state = stateOpen
	s.mu.Unlock()
	s.heartbeatPending.Store(false)

	go s.readPump(pumpCtx, conn)
	go s.writePump(pumpCtx, conn, send)
	if s.config.heartbeatInterval > 0 {
		go s.heartbeatLoop(pumpCtx, conn)
	}

	s.config.logger.Info("Phoenix: socket connected", "endpoint", s.endpoint)
	s.log("transport", "connected", s.endpoint)

	s.callbacksMu.RLock()
	callbacks := append([]func(){}, s.openCallbacks...)
	s.callbacksMu.RUnlock()
	for _, cb := range callbacks {
		cb()
	}
}

// Disconnect closes the connection without reporting an error to OnError
// callbacks. Pending pushes fail and channels need to join again.
func (s *Socket) Disconnect() error {
	s.mu.Lock()
	s.closing = true
	conn := s.conn
	cancel := s.pumpCancel
	s.conn = nil
	s.state = stateClosed
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.abandon("disconnected")
	if conn == nil {
		return nil
	}
	s.config.logger.Info("Phoenix: socket disconnected", "endpoint", s.endpoint)
	return conn.Close(websocket.StatusNormalClosure, "client disconnect")
}

func (s *Socket) readPump(ctx context.Context, conn *websocket.Conn) {
	var readErr error
	defer func() {
		s.connectionLost(conn, readErr)
	}()

	for {
		var msg transport.Message
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			readErr = err
			status := websocket.CloseStatus(err)
			if errors.Is(err, context.Canceled) || status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				s.config.logger.Debug("Phoenix: readPump closing", "endpoint", s.endpoint, "error", err)
			} else {
				s.config.logger.Info("Phoenix: read error", "endpoint", s.endpoint, "error", err, "status", int(status))
			}
			return
		}
		s.log("receive", msg.Topic+" "+msg.Event, msg.Payload)
		s.route(msg)
	}
}

func (s *Socket) writePump(ctx context.Context, conn *websocket.Conn, send <-chan transport.Message) {
	for {
		select {
		case msg := <-send:
			writeCtx, cancel := context.WithTimeout(ctx, s.config.writeTimeout)
			err := wsjson.Write(writeCtx, conn, msg)
			cancel()
			if err != nil {
				s.config.logger.Info("Phoenix: write error", "endpoint", s.endpoint, "error", err)
				conn.Close(websocket.StatusInternalError, "write error")
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *Socket) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(s.config.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if s.heartbeatPending.Load() {
				s.config.logger.Info("Phoenix: heartbeat timeout, closing connection", "endpoint", s.endpoint)
				conn.Close(websocket.StatusPolicyViolation, "heartbeat timeout")
				return
			}
			s.heartbeatPending.Store(true)
			hb := s.newPush(shared_types.TopicPhoenix, shared_types.EventHeartbeat, json.RawMessage(`{}`), "", s.config.heartbeatInterval)
			hb.Receive(transport.StatusOK, func(json.RawMessage) { s.heartbeatPending.Store(false) })
			hb.send()
		case <-ctx.Done():
			return
		}
	}
}

// connectionLost runs when the read pump of conn exits.
func (s *Socket) connectionLost(conn *websocket.Conn, err error) {
	s.mu.Lock()
	if s.conn != conn {
		// Disconnect already handled it.
		s.mu.Unlock()
		return
	}
	s.conn = nil
	s.state = stateClosed
	cancel := s.pumpCancel
	s.mu.Unlock()

	cancel()
	conn.Close(websocket.StatusAbnormalClosure, "read pump terminated")
	s.abandon("socket closed")

	if err == nil {
		err = errors.New("connection closed")
	}
	s.log("transport", "connection lost", err.Error())
	s.fireError(fmt.Errorf("phoenix: connection to %s lost: %w", s.endpoint, err))
}

// abandon fails every pending push and marks channels as needing a join.
func (s *Socket) abandon(reason string) {
	s.pendingMu.Lock()
	pushes := make([]*Push, 0, len(s.pending))
	for _, p := range s.pending {
		pushes = append(pushes, p)
	}
	s.pendingMu.Unlock()

	resp := reasonPayload(reason)
	for _, p := range pushes {
		p.trigger(transport.StatusError, resp)
	}

	s.channelsMu.RLock()
	channels := append([]*Channel{}, s.channels...)
	s.channelsMu.RUnlock()
	for _, ch := range channels {
		ch.socketLost()
	}
}

func (s *Socket) fireError(err error) {
	s.callbacksMu.RLock()
	callbacks := append([]func(error){}, s.errorCallbacks...)
	s.callbacksMu.RUnlock()
	for _, cb := range callbacks {
		cb(err)
	}
}

func (s *Socket) route(msg transport.Message) {
	if msg.Event == shared_types.EventReply && msg.Ref != "" {
		s.pendingMu.Lock()
		p, ok := s.pending[msg.Ref]
		s.pendingMu.Unlock()
		if ok {
			var reply shared_types.ReplyPayload
			if err := json.Unmarshal(msg.Payload, &reply); err != nil {
				p.trigger(transport.StatusError, reasonPayload("malformed reply"))
			} else {
				p.trigger(transport.Status(reply.Status), reply.Response)
			}
		}
	}

	s.channelsMu.RLock()
	channels := append([]*Channel{}, s.channels...)
	s.channelsMu.RUnlock()
	for _, ch := range channels {
		if ch.topic == msg.Topic && ch.isMember(msg.JoinRef) {
			ch.dispatch(msg)
		}
	}

	s.callbacksMu.RLock()
	hooks := make([]func(transport.Message), 0, len(s.messageHooks))
	for _, h := range s.messageHooks {
		hooks = append(hooks, h)
	}
	s.callbacksMu.RUnlock()
	for _, h := range hooks {
		h(msg)
	}
}

func (s *Socket) makeRef() string {
	return strconv.FormatUint(s.ref.Add(1), 10)
}

func (s *Socket) track(p *Push) {
	s.pendingMu.Lock()
	s.pending[p.ref] = p
	s.pendingMu.Unlock()
}

func (s *Socket) forget(ref string) {
	s.pendingMu.Lock()
	delete(s.pending, ref)
	s.pendingMu.Unlock()
}

func (s *Socket) write(msg transport.Message) error {
	s.mu.Lock()
	open := s.state == stateOpen
	send := s.send
	ctx := s.pumpCtx
	s.mu.Unlock()
	if !open {
		return ErrNotConnected
	}

	timer := time.NewTimer(s.config.writeTimeout)
	defer timer.Stop()
	select {
	case send <- msg:
		s.log("push", msg.Topic+" "+msg.Event+" ("+msg.Ref+")", msg.Payload)
		return nil
	case <-ctx.Done():
		return ErrNotConnected
	case <-timer.C:
		return ErrSendBufferFull
	}
}

func (s *Socket) log(kind, msg string, data any) {
	if s.config.logf != nil {
		s.config.logf(kind, msg, data)
	}
}

func reasonPayload(reason string) json.RawMessage {
	b, _ := json.Marshal(shared_types.ErrorReason{Reason: reason})
	return b
}
