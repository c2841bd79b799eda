package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/lightforgemedia/go-phxgql/pkg/model"
	"github.com/lightforgemedia/go-phxgql/pkg/shared_types"
)

const subscriptionTopicPrefix = "__absinthe__:doc:"

// Resolver executes a query or mutation and returns the GraphQL result
// ({"data": ..., "errors": ...}).
type Resolver func(ctx context.Context, client ClientHandle, req model.Request) (json.RawMessage, error)

// Absinthe serves GraphQL documents on the Absinthe control topic. Queries
// and mutations are answered by the Resolver; subscription documents are
// granted a subscription id whose results are pushed with Publish.
type Absinthe struct {
	broker  *Broker
	resolve Resolver

	mu   sync.RWMutex
	subs map[string]activeSubscription
}

type activeSubscription struct {
	client  ClientHandle
	request model.Request
}

// NewAbsinthe registers the control topic handlers on b.
func NewAbsinthe(b *Broker, resolve Resolver) (*Absinthe, error) {
	a := &Absinthe{broker: b, resolve: resolve, subs: make(map[string]activeSubscription)}

	err := b.HandleJoin(shared_types.TopicAbsintheControl, func(ClientHandle, string, json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	})
	if err != nil {
		return nil, err
	}
	// Clients that listen on the subscription topic as a channel join it.
	err = b.HandleJoin(subscriptionTopicPrefix+"*", func(_ ClientHandle, topic string, _ json.RawMessage) (json.RawMessage, error) {
		a.mu.RLock()
		_, ok := a.subs[topic]
		a.mu.RUnlock()
		if !ok {
			return nil, fmt.Errorf("unknown subscription")
		}
		return json.RawMessage(`{}`), nil
	})
	if err != nil {
		return nil, err
	}
	if err := b.HandleEvent(shared_types.TopicAbsintheControl, shared_types.EventDoc, a.handleDoc); err != nil {
		return nil, err
	}
	if err := b.HandleEvent(shared_types.TopicAbsintheControl, shared_types.EventUnsubscribe, a.handleUnsubscribe); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *Absinthe) handleDoc(client ClientHandle, _ string, payload json.RawMessage) (json.RawMessage, error) {
	var req model.Request
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("invalid document payload: %w", err)
	}
	kind, err := model.OperationType(req.Query, req.OperationName)
	if err != nil {
		return nil, err
	}
	if kind != "subscription" {
		if a.resolve == nil {
			return nil, fmt.Errorf("no resolver configured")
		}
		return a.resolve(client.Context(), client, req)
	}

	id := subscriptionTopicPrefix + uuid.NewString()
	if err := client.Subscribe(id); err != nil {
		return nil, err
	}
	a.mu.Lock()
	a.subs[id] = activeSubscription{client: client, request: req}
	a.mu.Unlock()

	go func() {
		<-client.Context().Done()
		a.drop(id)
	}()

	return json.Marshal(shared_types.SubscriptionGrant{SubscriptionID: id})
}

func (a *Absinthe) handleUnsubscribe(client ClientHandle, _ string, payload json.RawMessage) (json.RawMessage, error) {
	var req shared_types.UnsubscribeRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("invalid unsubscribe payload: %w", err)
	}
	client.Unsubscribe(req.SubscriptionID)
	a.drop(req.SubscriptionID)
	return json.Marshal(req)
}

func (a *Absinthe) drop(id string) {
	a.mu.Lock()
	delete(a.subs, id)
	a.mu.Unlock()
}

// Subscriptions returns the active subscription ids with their documents.
func (a *Absinthe) Subscriptions() map[string]model.Request {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make(map[string]model.Request, len(a.subs))
	for id, s := range a.subs {
		out[id] = s.request
	}
	return out
}

// Publish pushes one result to a subscription.
func (a *Absinthe) Publish(ctx context.Context, subscriptionID string, result json.RawMessage) error {
	return a.broker.Publish(ctx, subscriptionID, shared_types.EventSubscriptionData, shared_types.SubscriptionData{
		SubscriptionID: subscriptionID,
		Result:         result,
	})
}
