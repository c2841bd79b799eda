package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/lightforgemedia/go-phxgql/pkg/model"
	"github.com/lightforgemedia/go-phxgql/pkg/transport"
)

// SubscriptionState tracks a subscription from request to cancellation.
type SubscriptionState int32

const (
	SubscriptionRequested SubscriptionState = iota
	SubscriptionGranted
	SubscriptionActive
	SubscriptionCancelled
	SubscriptionFailed
)

func (s SubscriptionState) String() string {
	switch s {
	case SubscriptionRequested:
		return "requested"
	case SubscriptionGranted:
		return "granted"
	case SubscriptionActive:
		return "active"
	case SubscriptionCancelled:
		return "cancelled"
	case SubscriptionFailed:
		return "failed"
	}
	return "unknown"
}

// EventHandler receives every subscription event after afterware and
// normalization: a response with data, or the error the event turned into.
type EventHandler func(resp *model.Response, err error)

// Subscription is a granted server-push subscription.
type Subscription struct {
	ID    string
	Topic string
	Event string

	client  *Client
	control *Channel
	grant   Grant
	onEvent EventHandler
	state   atomic.Int32

	events chan json.RawMessage
	ctx    context.Context
	stop   context.CancelFunc
	detach func()
	once   sync.Once
}

// State returns the current state.
func (s *Subscription) State() SubscriptionState {
	return SubscriptionState(s.state.Load())
}

// Subscribe sends a subscription request and, once the server grants it,
// calls onEvent for every event pushed for it until Unsubscribe.
func (c *Client) Subscribe(ctx context.Context, req *model.Request, onEvent EventHandler) (sub *Subscription, err error) {
	start := time.Now()
	defer func() { c.metrics.operation("subscribe", start, err) }()

	if c.isClosed() {
		return nil, ErrClosed
	}
	if req == nil {
		return nil, &ConfigError{Field: "request", Msg: "nil request"}
	}
	if onEvent == nil {
		return nil, &ConfigError{Field: "onEvent", Msg: "nil event handler"}
	}

	sub = &Subscription{
		ID:      uuid.NewString(),
		client:  c,
		onEvent: onEvent,
		events:  make(chan json.RawMessage, c.cfg.EventBuffer),
	}
	sub.state.Store(int32(SubscriptionRequested))

	rc, err := c.beforeSend(ctx, req)
	if err != nil {
		sub.state.Store(int32(SubscriptionFailed))
		return nil, err
	}
	payload, err := model.Print(rc.Request)
	if err != nil {
		sub.state.Store(int32(SubscriptionFailed))
		return nil, err
	}

	control, raw, err := c.dispatch(ctx, &rc.Options, payload)
	if err != nil {
		sub.state.Store(int32(SubscriptionFailed))
		return nil, err
	}
	grant, err := c.cfg.Subscription(raw)
	if err == nil && (grant.Topic == "" || grant.Event == "") {
		err = fmt.Errorf("grant needs a topic and an event, got topic %q event %q", grant.Topic, grant.Event)
	}
	if err != nil {
		sub.state.Store(int32(SubscriptionFailed))
		return nil, &ConfigError{Field: "Subscription", Msg: err.Error()}
	}

	sub.control = control
	sub.grant = grant
	sub.Topic = grant.Topic
	sub.Event = grant.Event
	sub.ctx, sub.stop = context.WithCancel(context.Background())
	sub.state.Store(int32(SubscriptionGranted))

	if err := c.attach(ctx, sub, control.conn); err != nil {
		sub.state.Store(int32(SubscriptionFailed))
		sub.stop()
		if grant.Off != nil {
			grant.Off(control.handle)
		}
		return nil, err
	}

	c.subsMu.Lock()
	c.subs[sub.ID] = sub
	c.subsMu.Unlock()

	sub.state.Store(int32(SubscriptionActive))
	c.metrics.subscriptionsAdd(1)
	go sub.run()

	c.config.logger.Info(fmt.Sprintf("Client: subscription %s active on %s/%s", sub.ID, grant.Topic, grant.Event))
	return sub, nil
}

// attach registers the event handler where Config.Delivery says events arrive.
func (c *Client) attach(ctx context.Context, sub *Subscription, conn *Connection) error {
	switch c.cfg.Delivery {
	case DeliveryChannel:
		ch := conn.channel(sub.grant.Topic, nil)
		if err := ch.ensureJoined(ctx); err != nil {
			return err
		}
		ref := ch.handle.On(sub.grant.Event, sub.enqueue)
		sub.detach = func() { ch.handle.Off(sub.grant.Event, ref) }
	default:
		topic, event := sub.grant.Topic, sub.grant.Event
		ref := conn.socket.OnMessage(func(msg transport.Message) {
			if msg.Topic == topic && msg.Event == event {
				sub.enqueue(msg.Payload)
			}
		})
		sub.detach = func() { conn.socket.OffMessage(ref) }
	}
	return nil
}

// Unsubscribe detaches the subscription's handler and tells the server.
// Calling it again is a no-op. Events already handed to onEvent are not
// recalled; events buffered but not yet delivered are dropped.
func (c *Client) Unsubscribe(sub *Subscription) error {
	if sub == nil {
		return &ConfigError{Field: "subscription", Msg: "nil subscription"}
	}
	c.subsMu.Lock()
	delete(c.subs, sub.ID)
	c.subsMu.Unlock()
	sub.cancel()
	return nil
}

func (s *Subscription) cancel() {
	s.once.Do(func() {
		prev := SubscriptionState(s.state.Swap(int32(SubscriptionCancelled)))
		if prev != SubscriptionActive {
			return
		}
		s.detach()
		if s.grant.Off != nil {
			s.grant.Off(s.control.handle)
		}
		s.stop()
		s.client.metrics.subscriptionsAdd(-1)
		s.client.config.logger.Info(fmt.Sprintf("Client: subscription %s cancelled", s.ID))
	})
}

// enqueue runs on the transport's goroutine and must not block.
func (s *Subscription) enqueue(payload json.RawMessage) {
	switch s.State() {
	case SubscriptionGranted, SubscriptionActive:
	default:
		return
	}
	select {
	case s.events <- payload:
		s.client.metrics.event("received")
	default:
		s.client.metrics.event("dropped")
		s.client.config.logger.Warn(fmt.Sprintf("Client: subscription %s buffer full, dropping event", s.ID))
	}
}

func (s *Subscription) run() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case payload := <-s.events:
			s.deliver(payload)
		}
	}
}

func (s *Subscription) deliver(payload json.RawMessage) {
	var (
		resp *model.Response
		err  error
	)
	if s.grant.Map != nil {
		payload, err = s.grant.Map(payload)
	}
	if err == nil {
		resp, err = s.client.afterReceive(s.ctx, model.ParseResponse(payload))
	}
	if err == nil {
		resp, err = normalize(resp)
	}
	if s.State() != SubscriptionActive {
		return
	}
	s.onEvent(resp, err)
}
