package client

import (
	"context"
	"fmt"
	"sync"

	"github.com/lightforgemedia/go-phxgql/pkg/transport"
)

type chanState int

const (
	chanUnjoined chanState = iota
	chanJoining
	chanJoined
	chanJoinFailed
)

func (s chanState) String() string {
	switch s {
	case chanUnjoined:
		return "unjoined"
	case chanJoining:
		return "joining"
	case chanJoined:
		return "joined"
	case chanJoinFailed:
		return "join-failed"
	}
	return "unknown"
}

// Channel is one topic on a Connection. Operations submitted before the join
// completes wait in a FIFO queue and are pushed in order once it succeeds.
type Channel struct {
	conn   *Connection
	topic  string
	handle transport.Channel

	mu       sync.Mutex
	state    chanState
	pending  []*operation
	draining bool
	joinDone chan struct{}
	joinErr  error
}

// Topic returns the channel topic.
func (ch *Channel) Topic() string { return ch.topic }

// Handle returns the underlying transport channel.
func (ch *Channel) Handle() transport.Channel { return ch.handle }

func (ch *Channel) currentState() chanState {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.state
}

func (ch *Channel) queued() int {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return len(ch.pending)
}

// refreshLocked notices a join lost together with the connection.
func (ch *Channel) refreshLocked() {
	if ch.state == chanJoined && !ch.handle.IsJoined() {
		ch.state = chanUnjoined
	}
}

// submit pushes op right away when the channel is joined with nothing queued
// ahead of it; otherwise op is queued and a join is started if none is in flight.
func (ch *Channel) submit(op *operation) {
	ch.mu.Lock()
	ch.refreshLocked()
	if ch.state == chanJoined && !ch.draining && len(ch.pending) == 0 {
		ch.mu.Unlock()
		op.execute(ch.handle)
		return
	}
	ch.pending = append(ch.pending, op)
	ch.conn.registry.metrics.queuedAdd(1)
	push := ch.startJoinLocked()
	ch.mu.Unlock()

	if push != nil {
		go ch.awaitJoin(push)
	}
}

// ensureJoined returns once the channel is joined, starting a join when
// none is in flight.
func (ch *Channel) ensureJoined(ctx context.Context) error {
	ch.mu.Lock()
	ch.refreshLocked()
	if ch.state == chanJoined {
		ch.mu.Unlock()
		return nil
	}
	push := ch.startJoinLocked()
	done := ch.joinDone
	ch.mu.Unlock()

	if push != nil {
		go ch.awaitJoin(push)
	}
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.joinErr
}

// startJoinLocked issues the join unless one is in flight. It returns the
// join push to await, or nil.
func (ch *Channel) startJoinLocked() transport.Push {
	if ch.state == chanJoining || ch.state == chanJoined {
		return nil
	}
	ch.state = chanJoining
	ch.joinDone = make(chan struct{})
	ch.joinErr = nil
	ch.conn.registry.logger.Debug(fmt.Sprintf("Client: joining %s on %s", ch.topic, ch.conn.endpoint))
	return ch.handle.Join()
}

func (ch *Channel) awaitJoin(push transport.Push) {
	// The transport's own timeout settles the join.
	reply, _ := transport.Await(context.Background(), push)

	var joinErr error
	switch reply.Status {
	case transport.StatusOK:
	case transport.StatusTimeout:
		joinErr = &JoinError{Topic: ch.topic, Err: ErrTimeout}
	default:
		joinErr = &JoinError{Topic: ch.topic, Reason: reply.Response}
	}
	ch.conn.registry.metrics.join(joinErr)

	ch.mu.Lock()
	queued := ch.pending
	ch.pending = nil
	ch.joinErr = joinErr
	if joinErr != nil {
		ch.state = chanJoinFailed
	} else {
		ch.state = chanJoined
		ch.draining = true
		ch.pending = queued
		queued = nil
	}
	close(ch.joinDone)
	ch.mu.Unlock()

	if joinErr != nil {
		ch.conn.registry.logger.Info(fmt.Sprintf("Client: join %s failed, rejecting %d queued operations: %v", ch.topic, len(queued), joinErr))
		ch.conn.registry.metrics.queuedAdd(-len(queued))
		for _, op := range queued {
			op.settle(transport.Reply{}, joinErr)
		}
		return
	}
	ch.conn.registry.logger.Debug(fmt.Sprintf("Client: joined %s", ch.topic))
	ch.drain()
}

// drain pushes queued operations one at a time in submission order.
// Operations submitted while draining join the back of the queue.
func (ch *Channel) drain() {
	for {
		ch.mu.Lock()
		if len(ch.pending) == 0 {
			ch.draining = false
			ch.mu.Unlock()
			return
		}
		op := ch.pending[0]
		ch.pending[0] = nil
		ch.pending = ch.pending[1:]
		ch.mu.Unlock()

		ch.conn.registry.metrics.queuedAdd(-1)
		op.execute(ch.handle)
	}
}

type opResult struct {
	reply transport.Reply
	err   error
}

// operation is one push awaiting exactly one reply.
type operation struct {
	ctx     context.Context
	event   string
	payload any

	once   sync.Once
	result chan opResult
}

func newOperation(ctx context.Context, event string, payload any) *operation {
	return &operation{
		ctx:     ctx,
		event:   event,
		payload: payload,
		result:  make(chan opResult, 1),
	}
}

// execute pushes the payload unless the caller already gave up.
func (op *operation) execute(h transport.Channel) {
	if err := op.ctx.Err(); err != nil {
		op.settle(transport.Reply{}, err)
		return
	}
	push := h.Push(op.event, op.payload)
	go func() {
		reply, err := transport.Await(op.ctx, push)
		op.settle(reply, err)
	}()
}

func (op *operation) settle(reply transport.Reply, err error) {
	op.once.Do(func() {
		op.result <- opResult{reply: reply, err: err}
	})
}
