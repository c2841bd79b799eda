package client

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/lightforgemedia/go-phxgql/pkg/transport"
)

// dispatch sends payload as event on the channel named by opts and returns
// the reply payload. Connect and join failures are returned as is; nothing is
// retried here.
func (c *Client) dispatch(ctx context.Context, opts *Options, payload any) (*Channel, json.RawMessage, error) {
	if err := opts.validate(); err != nil {
		return nil, nil, err
	}
	conn, err := c.registry.getOrCreate(opts.Endpoint, opts.Params)
	if err != nil {
		return nil, nil, err
	}
	if err := conn.ensureOpen(ctx); err != nil {
		return nil, nil, err
	}
	ch := conn.channel(opts.Channel.Topic, opts.Channel.Params)

	op := newOperation(ctx, opts.Channel.Event, payload)
	ch.submit(op)

	var res opResult
	select {
	case res = <-op.result:
	case <-ctx.Done():
		return ch, nil, ctx.Err()
	}
	if res.err != nil {
		return ch, nil, res.err
	}

	switch res.reply.Status {
	case transport.StatusOK, transport.StatusIgnore:
		return ch, res.reply.Response, nil
	case transport.StatusTimeout:
		return ch, nil, fmt.Errorf("%w: no reply to %s on %s", ErrTimeout, opts.Channel.Event, opts.Channel.Topic)
	default:
		return ch, nil, &ReplyError{Event: opts.Channel.Event, Response: res.reply.Response}
	}
}
