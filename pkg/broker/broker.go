// Package broker is a Phoenix-channels server used for development and tests:
// it accepts websocket clients, answers joins and pushed events through
// registered handlers, and fans published frames out over a Bus.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"github.com/lightforgemedia/go-phxgql/pkg/broker/ps"
	"github.com/lightforgemedia/go-phxgql/pkg/shared_types"
	"github.com/lightforgemedia/go-phxgql/pkg/transport"
)

var ErrShuttingDown = errors.New("broker is shutting down")

// Broker manages client connections and message routing.
type Broker struct {
	config brokerConfig

	clientsMu      sync.RWMutex
	managedClients map[string]*managedClient

	handlersMu    sync.RWMutex
	joinHandlers  map[string]JoinHandler  // topic pattern -> handler
	eventHandlers map[string]EventHandler // topic pattern + "\x00" + event -> handler

	subscribersMu sync.Mutex
	subscribers   map[string]map[*managedClient]struct{}
	busUnsubs     map[string]func()

	shutdownOnce sync.Once
	shutdownChan chan struct{}
	mainCtx      context.Context
	mainCancel   context.CancelFunc
}

// New creates a new Broker.
func New(opts ...Option) (*Broker, error) {
	mainCtx, mainCancel := context.WithCancel(context.Background())
	b := &Broker{
		config: brokerConfig{
			logger:           slog.Default(),
			clientSendBuffer: defaultClientSendBuffer,
			writeTimeout:     defaultWriteTimeout,
		},
		managedClients: make(map[string]*managedClient),
		joinHandlers:   make(map[string]JoinHandler),
		eventHandlers:  make(map[string]EventHandler),
		subscribers:    make(map[string]map[*managedClient]struct{}),
		busUnsubs:      make(map[string]func()),
		shutdownChan:   make(chan struct{}),
		mainCtx:        mainCtx,
		mainCancel:     mainCancel,
	}
	for _, opt := range opts {
		opt(b)
	}

	if b.config.pingInterval == 0 {
		b.config.pingInterval = libraryDefaultPingInterval
	} else if b.config.pingInterval < 0 {
		b.config.pingInterval = 0
	}
	if b.config.acceptOptions == nil {
		b.config.acceptOptions = &websocket.AcceptOptions{}
	}
	if b.config.bus == nil {
		b.config.bus = ps.New(defaultBusQueueLength)
	}

	b.config.logger.Info(fmt.Sprintf("Broker: Initialized. Ping interval: %v, Client send buffer: %d", b.config.pingInterval, b.config.clientSendBuffer))
	return b, nil
}

// UpgradeHandler returns an http.HandlerFunc to handle WebSocket upgrade requests.
func (b *Broker) UpgradeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-b.shutdownChan:
			http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
			b.config.logger.Info("Broker: Rejected connection, server shutting down.")
			return
		default:
		}

		conn, err := websocket.Accept(w, r, b.config.acceptOptions)
		if err != nil {
			b.config.logger.Info(fmt.Sprintf("Broker: Failed to accept websocket connection: %v", err))
			return
		}
		conn.SetReadLimit(1024 * 1024)

		clientCtx, clientCancel := context.WithCancel(b.mainCtx)
		mc := &managedClient{
			id:         uuid.NewString(),
			remoteAddr: r.RemoteAddr,
			params:     r.URL.Query(),
			conn:       conn,
			broker:     b,
			send:       make(chan transport.Message, b.config.clientSendBuffer),
			ctx:        clientCtx,
			cancel:     clientCancel,
			joined:     make(map[string]string),
			topics:     make(map[string]struct{}),
			logger:     b.config.logger,
		}

		b.clientsMu.Lock()
		b.managedClients[mc.id] = mc
		b.clientsMu.Unlock()
		mc.logger.Info(fmt.Sprintf("Broker: Client %s connected", mc.id))

		go mc.writePump()
		go mc.readPump()
		if b.config.pingInterval > 0 {
			go mc.pingLoop()
		}
	}
}

// HandleJoin registers a join handler. pattern is an exact topic or a prefix
// ending in "*", e.g. "room:*".
func (b *Broker) HandleJoin(pattern string, h JoinHandler) error {
	if pattern == "" || h == nil {
		return errors.New("broker: join pattern and handler are required")
	}
	b.handlersMu.Lock()
	defer b.handlersMu.Unlock()
	if _, exists := b.joinHandlers[pattern]; exists {
		return fmt.Errorf("broker: join handler already registered for '%s'", pattern)
	}
	b.joinHandlers[pattern] = h
	b.config.logger.Info(fmt.Sprintf("Broker: Registered join handler for '%s'", pattern))
	return nil
}

// HandleEvent registers a handler for event pushed on topics matching pattern.
func (b *Broker) HandleEvent(pattern, event string, h EventHandler) error {
	if pattern == "" || event == "" || h == nil {
		return errors.New("broker: event pattern, name and handler are required")
	}
	key := pattern + "\x00" + event
	b.handlersMu.Lock()
	defer b.handlersMu.Unlock()
	if _, exists := b.eventHandlers[key]; exists {
		return fmt.Errorf("broker: handler already registered for '%s' on '%s'", event, pattern)
	}
	b.eventHandlers[key] = h
	b.config.logger.Info(fmt.Sprintf("Broker: Registered handler for event '%s' on '%s'", event, pattern))
	return nil
}

func (b *Broker) joinHandler(topic string) (JoinHandler, bool) {
	b.handlersMu.RLock()
	defer b.handlersMu.RUnlock()
	for pattern, h := range b.joinHandlers {
		if matchTopic(pattern, topic) {
			return h, true
		}
	}
	return nil, false
}

func (b *Broker) eventHandler(topic, event string) (EventHandler, bool) {
	b.handlersMu.RLock()
	defer b.handlersMu.RUnlock()
	for key, h := range b.eventHandlers {
		pattern, ev, _ := strings.Cut(key, "\x00")
		if ev == event && matchTopic(pattern, topic) {
			return h, true
		}
	}
	return nil, false
}

func matchTopic(pattern, topic string) bool {
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(topic, prefix)
	}
	return pattern == topic
}

// Publish sends event with payload to every client subscribed to topic,
// across all brokers sharing the Bus.
func (b *Broker) Publish(ctx context.Context, topic, event string, payload any) error {
	select {
	case <-b.mainCtx.Done():
		return ErrShuttingDown
	default:
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("broker: failed to encode payload for topic '%s': %w", topic, err)
	}
	frame, err := json.Marshal(transport.Message{Topic: topic, Event: event, Payload: raw})
	if err != nil {
		return err
	}
	return b.config.bus.Publish(ctx, topic, frame)
}

// deliver fans a frame received from the bus out to local subscribers.
func (b *Broker) deliver(topic string, frame []byte) {
	var msg transport.Message
	if err := json.Unmarshal(frame, &msg); err != nil {
		b.config.logger.Info(fmt.Sprintf("Broker: Dropping malformed frame on topic '%s': %v", topic, err))
		return
	}

	b.subscribersMu.Lock()
	targets := make([]*managedClient, 0, len(b.subscribers[topic]))
	for mc := range b.subscribers[topic] {
		targets = append(targets, mc)
	}
	b.subscribersMu.Unlock()

	for _, mc := range targets {
		mc.trySend(msg)
	}
}

func (b *Broker) subscribe(mc *managedClient, topic string) error {
	b.subscribersMu.Lock()
	defer b.subscribersMu.Unlock()

	if _, ok := b.subscribers[topic]; !ok {
		unsub, err := b.config.bus.Subscribe(b.mainCtx, topic, func(frame []byte) {
			b.deliver(topic, frame)
		})
		if err != nil {
			return fmt.Errorf("broker: subscribe to '%s': %w", topic, err)
		}
		b.subscribers[topic] = make(map[*managedClient]struct{})
		b.busUnsubs[topic] = unsub
	}
	b.subscribers[topic][mc] = struct{}{}
	return nil
}

func (b *Broker) unsubscribe(mc *managedClient, topic string) {
	b.subscribersMu.Lock()
	defer b.subscribersMu.Unlock()

	subs, ok := b.subscribers[topic]
	if !ok {
		return
	}
	delete(subs, mc)
	if len(subs) == 0 {
		delete(b.subscribers, topic)
		if unsub := b.busUnsubs[topic]; unsub != nil {
			unsub()
		}
		delete(b.busUnsubs, topic)
	}
}

func (b *Broker) removeClient(mc *managedClient) {
	mc.cancel()

	b.clientsMu.Lock()
	if _, exists := b.managedClients[mc.id]; !exists {
		b.clientsMu.Unlock()
		return
	}
	delete(b.managedClients, mc.id)
	b.clientsMu.Unlock()

	mc.topicsMu.Lock()
	topics := make([]string, 0, len(mc.topics))
	for t := range mc.topics {
		topics = append(topics, t)
	}
	mc.topicsMu.Unlock()
	for _, t := range topics {
		b.unsubscribe(mc, t)
	}

	mc.conn.CloseRead(context.Background())
	mc.logger.Info(fmt.Sprintf("Broker: Client %s disconnected and removed.", mc.id))
}

// GetClient retrieves a handle to a connected client by its ID.
func (b *Broker) GetClient(clientID string) (ClientHandle, error) {
	b.clientsMu.RLock()
	defer b.clientsMu.RUnlock()
	mc, ok := b.managedClients[clientID]
	if !ok {
		return nil, fmt.Errorf("client with ID '%s' not found", clientID)
	}
	return mc, nil
}

// IterateClients calls f for a snapshot of connected clients until f returns false.
func (b *Broker) IterateClients(f func(ClientHandle) bool) {
	b.clientsMu.RLock()
	snapshot := make([]ClientHandle, 0, len(b.managedClients))
	for _, client := range b.managedClients {
		snapshot = append(snapshot, client)
	}
	b.clientsMu.RUnlock()

	for _, client := range snapshot {
		if !f(client) {
			break
		}
	}
}

// Context returns the broker's main context, which is cancelled on Shutdown.
func (b *Broker) Context() context.Context {
	return b.mainCtx
}

// Shutdown disconnects every client and closes the bus.
func (b *Broker) Shutdown(ctx context.Context) error {
	b.shutdownOnce.Do(func() {
		b.config.logger.Info("Broker: Initiating shutdown...")
		close(b.shutdownChan)
		b.mainCancel()
	})

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		b.clientsMu.RLock()
		remaining := len(b.managedClients)
		b.clientsMu.RUnlock()
		if remaining == 0 {
			break
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			b.config.logger.Info(fmt.Sprintf("Broker: Shutdown context done (%d clients remaining): %v", remaining, ctx.Err()))
			return ctx.Err()
		}
	}

	if err := b.config.bus.Close(); err != nil {
		return fmt.Errorf("broker: closing bus: %w", err)
	}
	b.config.logger.Info("Broker: Shutdown complete.")
	return nil
}

// --- managedClient (internal representation of a connected client) ---
type managedClient struct {
	id         string
	remoteAddr string
	params     map[string][]string
	conn       *websocket.Conn
	broker     *Broker
	send       chan transport.Message
	logger     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	joinedMu sync.Mutex
	joined   map[string]string // topic -> join ref

	topicsMu sync.Mutex
	topics   map[string]struct{}

	droppedMu sync.Mutex
	dropped   int
}

func (mc *managedClient) ID() string               { return mc.id }
func (mc *managedClient) Context() context.Context { return mc.ctx }
func (mc *managedClient) RemoteAddr() string       { return mc.remoteAddr }

func (mc *managedClient) Push(topic, event string, payload any) error {
	select {
	case <-mc.ctx.Done():
		return fmt.Errorf("client %s disconnected: %w", mc.id, mc.ctx.Err())
	default:
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode push for client %s: %w", mc.id, err)
	}
	mc.trySend(transport.Message{Topic: topic, Event: event, Payload: raw})
	return nil
}

func (mc *managedClient) Subscribe(topic string) error {
	if topic == "" {
		return errors.New("subscription topic cannot be empty")
	}
	mc.topicsMu.Lock()
	if _, ok := mc.topics[topic]; ok {
		mc.topicsMu.Unlock()
		return nil
	}
	mc.topics[topic] = struct{}{}
	mc.topicsMu.Unlock()

	if err := mc.broker.subscribe(mc, topic); err != nil {
		mc.topicsMu.Lock()
		delete(mc.topics, topic)
		mc.topicsMu.Unlock()
		return err
	}
	mc.logger.Info(fmt.Sprintf("Broker: Client %s subscribed to topic '%s'", mc.id, topic))
	return nil
}

func (mc *managedClient) Unsubscribe(topic string) {
	mc.topicsMu.Lock()
	_, ok := mc.topics[topic]
	delete(mc.topics, topic)
	mc.topicsMu.Unlock()
	if ok {
		mc.broker.unsubscribe(mc, topic)
		mc.logger.Info(fmt.Sprintf("Broker: Client %s unsubscribed from topic '%s'", mc.id, topic))
	}
}

func (mc *managedClient) readPump() {
	defer mc.broker.removeClient(mc)

	for {
		var msg transport.Message
		err := wsjson.Read(mc.ctx, mc.conn, &msg)
		if err != nil {
			status := websocket.CloseStatus(err)
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) ||
				status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				mc.logger.Info(fmt.Sprintf("Broker: Client %s readPump closing gracefully: %v", mc.id, err))
			} else {
				mc.logger.Info(fmt.Sprintf("Broker: Client %s read error in readPump: %v (status: %d)", mc.id, err, status))
			}
			return
		}

		switch {
		case msg.Topic == shared_types.TopicPhoenix && msg.Event == shared_types.EventHeartbeat:
			mc.reply(msg, transport.StatusOK, json.RawMessage(`{}`))
		case msg.Event == shared_types.EventJoin:
			mc.handleJoin(msg)
		case msg.Event == shared_types.EventLeave:
			mc.handleLeave(msg)
		default:
			// Handlers may block; keep reading.
			go mc.handleEvent(msg)
		}
	}
}

func (mc *managedClient) handleJoin(msg transport.Message) {
	h, ok := mc.broker.joinHandler(msg.Topic)
	if !ok {
		mc.logger.Info(fmt.Sprintf("Broker: Client %s tried to join unmatched topic '%s'", mc.id, msg.Topic))
		mc.reply(msg, transport.StatusError, reason("unmatched topic"))
		return
	}
	resp, err := h(mc, msg.Topic, msg.Payload)
	if err != nil {
		mc.logger.Info(fmt.Sprintf("Broker: Client %s join '%s' refused: %v", mc.id, msg.Topic, err))
		mc.reply(msg, transport.StatusError, errorResponse(err))
		return
	}

	mc.joinedMu.Lock()
	mc.joined[msg.Topic] = msg.Ref
	mc.joinedMu.Unlock()
	if err := mc.Subscribe(msg.Topic); err != nil {
		mc.logger.Info(fmt.Sprintf("Broker: Client %s could not subscribe to '%s': %v", mc.id, msg.Topic, err))
	}
	mc.logger.Info(fmt.Sprintf("Broker: Client %s joined '%s'", mc.id, msg.Topic))
	mc.reply(msg, transport.StatusOK, resp)
}

func (mc *managedClient) handleLeave(msg transport.Message) {
	mc.joinedMu.Lock()
	delete(mc.joined, msg.Topic)
	mc.joinedMu.Unlock()
	mc.Unsubscribe(msg.Topic)

	mc.reply(msg, transport.StatusOK, json.RawMessage(`{}`))
	mc.trySend(transport.Message{Topic: msg.Topic, Event: shared_types.EventClose, JoinRef: msg.JoinRef, Ref: msg.Ref, Payload: json.RawMessage(`{}`)})
}

func (mc *managedClient) handleEvent(msg transport.Message) {
	mc.joinedMu.Lock()
	_, joined := mc.joined[msg.Topic]
	mc.joinedMu.Unlock()
	if !joined {
		mc.reply(msg, transport.StatusError, reason("unmatched topic"))
		return
	}

	h, ok := mc.broker.eventHandler(msg.Topic, msg.Event)
	if !ok {
		mc.logger.Info(fmt.Sprintf("Broker: No handler for event '%s' on '%s' from client %s", msg.Event, msg.Topic, mc.id))
		mc.reply(msg, transport.StatusError, reason("unhandled event"))
		return
	}
	resp, err := h(mc, msg.Topic, msg.Payload)
	if err != nil {
		mc.logger.Info(fmt.Sprintf("Broker: Handler for '%s' on '%s' (client %s) returned error: %v", msg.Event, msg.Topic, mc.id, err))
		mc.reply(msg, transport.StatusError, errorResponse(err))
		return
	}
	mc.reply(msg, transport.StatusOK, resp)
}

func (mc *managedClient) reply(msg transport.Message, status transport.Status, resp json.RawMessage) {
	if len(resp) == 0 {
		resp = json.RawMessage(`{}`)
	}
	payload, err := json.Marshal(shared_types.ReplyPayload{Status: string(status), Response: resp})
	if err != nil {
		mc.logger.Info(fmt.Sprintf("Broker: Failed to encode reply for client %s: %v", mc.id, err))
		return
	}
	mc.trySend(transport.Message{
		JoinRef: msg.JoinRef,
		Ref:     msg.Ref,
		Topic:   msg.Topic,
		Event:   shared_types.EventReply,
		Payload: payload,
	})
}

func reason(r string) json.RawMessage {
	b, _ := json.Marshal(shared_types.ErrorReason{Reason: r})
	return b
}

func errorResponse(err error) json.RawMessage {
	var re *ReplyError
	if errors.As(err, &re) && len(re.Response) > 0 {
		return re.Response
	}
	return reason(err.Error())
}

// trySend queues msg without blocking; slow clients are disconnected.
func (mc *managedClient) trySend(msg transport.Message) {
	select {
	case mc.send <- msg:
	case <-mc.ctx.Done():
		mc.logger.Info(fmt.Sprintf("Broker: Client %s context done, cannot send '%s' on '%s'", mc.id, msg.Event, msg.Topic))
	default:
		mc.logger.Info(fmt.Sprintf("Broker: Client %s send channel full, dropping '%s' on '%s'", mc.id, msg.Event, msg.Topic))

		mc.droppedMu.Lock()
		mc.dropped++
		dropped := mc.dropped
		mc.droppedMu.Unlock()

		if dropped >= 3 {
			mc.logger.Info(fmt.Sprintf("Broker: Client %s dropped %d messages, disconnecting slow client.", mc.id, dropped))
			mc.conn.Close(websocket.StatusPolicyViolation, "too many dropped messages")
			go mc.broker.removeClient(mc)
		}
	}
}

func (mc *managedClient) writePump() {
	defer mc.logger.Info(fmt.Sprintf("Broker: Client %s writePump stopping.", mc.id))

	for {
		select {
		case msg := <-mc.send:
			writeCtx, cancel := context.WithTimeout(mc.ctx, mc.broker.config.writeTimeout)
			err := wsjson.Write(writeCtx, mc.conn, msg)
			cancel()
			if err != nil {
				mc.logger.Info(fmt.Sprintf("Broker: Client %s write error in writePump: %v. Closing connection.", mc.id, err))
				mc.conn.Close(websocket.StatusInternalError, "write error")
				return
			}
		case <-mc.ctx.Done():
			mc.conn.Close(websocket.StatusGoingAway, "server shutting down")
			return
		}
	}
}

func (mc *managedClient) pingLoop() {
	ticker := time.NewTicker(mc.broker.config.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(mc.ctx, mc.broker.config.pingInterval/2)
			err := mc.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				mc.logger.Info(fmt.Sprintf("Broker: Client %s ping failed: %v. Closing connection.", mc.id, err))
				mc.conn.Close(websocket.StatusPolicyViolation, "ping failure")
				return
			}
		case <-mc.ctx.Done():
			return
		}
	}
}
