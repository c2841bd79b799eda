package client_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/lightforgemedia/go-phxgql/pkg/client"
	"github.com/lightforgemedia/go-phxgql/pkg/middleware"
	"github.com/lightforgemedia/go-phxgql/pkg/model"
	"github.com/lightforgemedia/go-phxgql/pkg/shared_types"
	"github.com/lightforgemedia/go-phxgql/pkg/testutil"
	"github.com/lightforgemedia/go-phxgql/pkg/transport"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const endpoint = "ws://example.com/socket"

var exampleQuery = &model.Request{Query: "{ example }"}

func newClient(t *testing.T, f *testutil.FakeTransport, opts ...client.Option) *client.Client {
	t.Helper()
	cfg := client.DefaultConfig(endpoint)
	cfg.Channel.Topic = "gql:query"
	cfg.Timeout = time.Second
	finalOpts := append([]client.Option{
		client.WithTransport(f.Factory()),
		client.WithLogger(testutil.DefaultLogger),
	}, opts...)
	c, err := client.New(cfg, finalOpts...)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestNew_Config(t *testing.T) {
	_, err := client.New(client.Config{})
	var cfgErr *client.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "Endpoint", cfgErr.Field)
	assert.ErrorIs(t, err, client.ErrConfig)

	_, err = client.New(client.Config{Endpoint: endpoint, Delivery: client.Delivery(7)})
	assert.ErrorIs(t, err, client.ErrConfig)

	c, err := client.New(client.Config{Endpoint: endpoint}, client.WithTransport(testutil.NewFakeTransport().Factory()))
	require.NoError(t, err)
	require.NoError(t, c.Close())
}

func TestQuery(t *testing.T) {
	t.Run("connects, joins and resolves with data", func(t *testing.T) {
		f := testutil.NewFakeTransport()
		f.AddReply(testutil.OK(map[string]any{}), testutil.OK(map[string]any{"data": 22}))
		c := newClient(t, f)

		resp, err := c.Query(testContext(t), exampleQuery)
		require.NoError(t, err)
		assert.JSONEq(t, `22`, string(resp.Data))

		sent := f.Sent()
		require.Len(t, sent, 2)
		assert.Equal(t, shared_types.EventJoin, sent[0].Event)
		assert.Equal(t, "gql:query", sent[0].Topic)
		assert.Equal(t, "doc", sent[1].Event)
		assert.Equal(t, 1, f.Connects())
	})

	t.Run("join error rejects and the next query joins again", func(t *testing.T) {
		f := testutil.NewFakeTransport()
		f.AddReply(testutil.Reply(transport.StatusError, "channel join error"))
		c := newClient(t, f)

		_, err := c.Query(testContext(t), exampleQuery)
		var joinErr *client.JoinError
		require.ErrorAs(t, err, &joinErr)
		assert.JSONEq(t, `"channel join error"`, string(joinErr.Reason))

		f.AddReply(testutil.OK(nil), testutil.OK(map[string]any{"data": 1}))
		_, err = c.Query(testContext(t), exampleQuery)
		require.NoError(t, err)
		assert.Len(t, f.SentEvents(shared_types.EventJoin), 2)
		assert.Len(t, f.SentEvents("doc"), 1)
	})

	t.Run("connect failure rejects", func(t *testing.T) {
		f := testutil.NewFakeTransport()
		f.FailConnect(errors.New("socket not connected"))
		c := newClient(t, f)

		_, err := c.Query(testContext(t), exampleQuery)
		assert.ErrorIs(t, err, client.ErrConnection)
		assert.Contains(t, err.Error(), "socket not connected")
		assert.Empty(t, f.Sent())
	})

	t.Run("empty reply is no response", func(t *testing.T) {
		f := testutil.NewFakeTransport()
		f.AddReply(testutil.OK(map[string]any{}), testutil.OK(map[string]any{}))
		c := newClient(t, f)

		_, err := c.Query(testContext(t), exampleQuery)
		assert.ErrorIs(t, err, client.ErrNoResponse)
	})

	t.Run("reply without data rejects with the response", func(t *testing.T) {
		f := testutil.NewFakeTransport()
		f.AddReply(testutil.OK(map[string]any{}), testutil.OK(map[string]any{"error": 22}))
		c := newClient(t, f)

		_, err := c.Query(testContext(t), exampleQuery)
		var respErr *client.ResponseError
		require.ErrorAs(t, err, &respErr)
		assert.JSONEq(t, `22`, string(respErr.Response.Error))
	})

	t.Run("error reply rejects by default", func(t *testing.T) {
		f := testutil.NewFakeTransport()
		f.AddReply(testutil.OK(nil), testutil.Reply(transport.StatusError, map[string]string{"reason": "boom"}))
		c := newClient(t, f)

		_, err := c.Query(testContext(t), exampleQuery)
		var replyErr *client.ReplyError
		require.ErrorAs(t, err, &replyErr)
		assert.ErrorIs(t, err, client.ErrReply)
		assert.JSONEq(t, `{"reason":"boom"}`, string(replyErr.Response))
	})

	t.Run("ignore reply goes to the normalizer", func(t *testing.T) {
		f := testutil.NewFakeTransport()
		f.AddReply(testutil.OK(nil), testutil.Reply(transport.StatusIgnore, map[string]any{"data": "ok"}))
		c := newClient(t, f)

		resp, err := c.Query(testContext(t), exampleQuery)
		require.NoError(t, err)
		assert.JSONEq(t, `"ok"`, string(resp.Data))
	})

	t.Run("timeout", func(t *testing.T) {
		f := testutil.NewFakeTransport()
		f.AddReply(testutil.OK(nil), testutil.Reply(transport.StatusTimeout, nil))
		c := newClient(t, f)

		_, err := c.Query(testContext(t), exampleQuery)
		assert.ErrorIs(t, err, client.ErrTimeout)
	})

	t.Run("invalid document is rejected before sending", func(t *testing.T) {
		f := testutil.NewFakeTransport()
		c := newClient(t, f)

		_, err := c.Query(testContext(t), &model.Request{Query: "{ unclosed"})
		assert.Error(t, err)
		_, err = c.Query(testContext(t), nil)
		assert.ErrorIs(t, err, client.ErrConfig)
		assert.Zero(t, f.Connects())
	})

	t.Run("closed client", func(t *testing.T) {
		f := testutil.NewFakeTransport()
		c := newClient(t, f)
		require.NoError(t, c.Close())
		_, err := c.Query(testContext(t), exampleQuery)
		assert.ErrorIs(t, err, client.ErrClosed)
	})
}

func TestQuery_AlwaysResolve(t *testing.T) {
	t.Run("join failure reaches afterware", func(t *testing.T) {
		f := testutil.NewFakeTransport()
		f.AddReply(testutil.Reply(transport.StatusError, "channel join error"))
		c := newClient(t, f, client.WithAlwaysResolve())

		var seen json.RawMessage
		c.UseAfter(client.AfterwareFunc(func(ctx *client.ResponseContext, next func()) error {
			seen = ctx.Response.Error
			next()
			return nil
		}))

		_, err := c.Query(testContext(t), exampleQuery)
		var respErr *client.ResponseError
		require.ErrorAs(t, err, &respErr)
		assert.JSONEq(t, `"channel join error"`, string(seen))
		assert.JSONEq(t, `{"error":"channel join error"}`, string(respErr.Response.Raw))
	})

	t.Run("afterware can recover an error reply", func(t *testing.T) {
		f := testutil.NewFakeTransport()
		f.AddReply(testutil.OK(nil), testutil.Reply(transport.StatusError, "boom"))
		c := newClient(t, f, client.WithAlwaysResolve())
		c.UseAfter(client.AfterwareFunc(func(ctx *client.ResponseContext, next func()) error {
			if ctx.Response.HasData() {
				return errors.New("expected an error response")
			}
			ctx.Response = &model.Response{Data: json.RawMessage(`{"fallback":true}`)}
			next()
			return nil
		}))

		resp, err := c.Query(testContext(t), exampleQuery)
		require.NoError(t, err)
		assert.JSONEq(t, `{"fallback":true}`, string(resp.Data))
	})

	t.Run("middleware can opt a single query in", func(t *testing.T) {
		f := testutil.NewFakeTransport()
		f.FailConnect(errors.New("refused"))
		c := newClient(t, f)
		c.Use(client.MiddlewareFunc(func(ctx *client.RequestContext, next func()) error {
			ctx.Options.AlwaysResolve = true
			next()
			return nil
		}))

		_, err := c.Query(testContext(t), exampleQuery)
		var respErr *client.ResponseError
		require.ErrorAs(t, err, &respErr)
		assert.Contains(t, string(respErr.Response.Error), "refused")
	})
}

func TestMiddleware(t *testing.T) {
	t.Run("request changes are what gets pushed", func(t *testing.T) {
		f := testutil.NewFakeTransport()
		f.AddReply(testutil.OK(nil), testutil.Echo())
		c := newClient(t, f)
		c.Use(client.MiddlewareFunc(func(ctx *client.RequestContext, next func()) error {
			if ctx.Request.Variables == nil {
				ctx.Request.Variables = map[string]any{}
			}
			ctx.Request.Variables["flag"] = true
			next()
			return nil
		}))

		req := &model.Request{Query: "{ example }"}
		resp, err := c.Query(testContext(t), req)
		require.NoError(t, err)

		var echoed model.Request
		require.NoError(t, json.Unmarshal(resp.Data, &echoed))
		assert.Equal(t, true, echoed.Variables["flag"])
		assert.Nil(t, req.Variables, "caller's request is left alone")
	})

	t.Run("stages run in registration order", func(t *testing.T) {
		f := testutil.NewFakeTransport()
		f.AddReply(testutil.OK(nil), testutil.OK(map[string]any{"data": 1}))
		c := newClient(t, f)

		var mu sync.Mutex
		var order []string
		record := func(id string) func() {
			return func() {
				mu.Lock()
				order = append(order, id)
				mu.Unlock()
			}
		}
		mw := func(id string) client.Middleware {
			return client.MiddlewareFunc(func(_ *client.RequestContext, next func()) error {
				record(id)()
				next()
				return nil
			})
		}
		aw := func(id string) client.Afterware {
			return client.AfterwareFunc(func(_ *client.ResponseContext, next func()) error {
				record(id)()
				go next()
				return nil
			})
		}
		c.Use(mw("m1"), mw("m2"))
		c.UseAfter(aw("a1"))
		c.Use(mw("m3"))
		c.UseAfter(aw("a2"), aw("a3"))

		_, err := c.Query(testContext(t), exampleQuery)
		require.NoError(t, err)
		assert.Equal(t, []string{"m1", "m2", "m3", "a1", "a2", "a3"}, order)
	})

	t.Run("stage error rejects and nothing is sent", func(t *testing.T) {
		f := testutil.NewFakeTransport()
		c := newClient(t, f)
		later := false
		c.Use(
			client.MiddlewareFunc(func(*client.RequestContext, func()) error { return errors.New("denied") }),
			client.MiddlewareFunc(func(_ *client.RequestContext, next func()) error { later = true; next(); return nil }),
		)

		_, err := c.Query(testContext(t), exampleQuery)
		var stageErr *middleware.StageError
		require.ErrorAs(t, err, &stageErr)
		assert.Equal(t, 0, stageErr.Index)
		assert.False(t, later)
		assert.Zero(t, f.Connects())
	})

	t.Run("halting stage leaves the query pending until the context ends", func(t *testing.T) {
		f := testutil.NewFakeTransport()
		c := newClient(t, f)
		c.Use(client.MiddlewareFunc(func(*client.RequestContext, func()) error { return nil }))

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		_, err := c.Query(ctx, exampleQuery)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("options are copied per operation", func(t *testing.T) {
		f := testutil.NewFakeTransport()
		f.AddReply(testutil.OK(nil), testutil.OK(map[string]any{"data": 1}), testutil.OK(map[string]any{"data": 2}))
		c := newClient(t, f)

		var seen []any
		c.Use(client.MiddlewareFunc(func(ctx *client.RequestContext, next func()) error {
			seen = append(seen, ctx.Options.Values["count"])
			ctx.Options.Values["count"] = 1
			ctx.Options.Channel.Params = map[string]any{"mutated": true}
			next()
			return nil
		}))

		for i := 0; i < 2; i++ {
			_, err := c.Query(testContext(t), exampleQuery)
			require.NoError(t, err)
		}
		assert.Equal(t, []any{nil, nil}, seen)
	})

	t.Run("middleware can route to another topic", func(t *testing.T) {
		f := testutil.NewFakeTransport()
		f.AddReply(testutil.OK(nil), testutil.OK(map[string]any{"data": 1}))
		c := newClient(t, f)
		c.Use(client.MiddlewareFunc(func(ctx *client.RequestContext, next func()) error {
			ctx.Options.Channel.Topic = "gql:other"
			next()
			return nil
		}))

		_, err := c.Query(testContext(t), exampleQuery)
		require.NoError(t, err)
		assert.Equal(t, "gql:other", f.SentEvents(shared_types.EventJoin)[0].Topic)
	})

	t.Run("middleware clearing the topic is a config error", func(t *testing.T) {
		f := testutil.NewFakeTransport()
		c := newClient(t, f)
		c.Use(client.MiddlewareFunc(func(ctx *client.RequestContext, next func()) error {
			ctx.Options.Channel.Topic = ""
			next()
			return nil
		}))

		_, err := c.Query(testContext(t), exampleQuery)
		var cfgErr *client.ConfigError
		require.ErrorAs(t, err, &cfgErr)
		assert.Equal(t, "Channel.Topic", cfgErr.Field)
	})
}

func TestQuery_ReconnectsAfterConnectionLoss(t *testing.T) {
	f := testutil.NewFakeTransport()
	f.AddReply(testutil.OK(nil), testutil.OK(map[string]any{"data": 1}))
	c := newClient(t, f)

	_, err := c.Query(testContext(t), exampleQuery)
	require.NoError(t, err)

	f.Drop(errors.New("connection reset"))

	f.AddReply(testutil.OK(nil), testutil.OK(map[string]any{"data": 2}))
	resp, err := c.Query(testContext(t), exampleQuery)
	require.NoError(t, err)
	assert.JSONEq(t, `2`, string(resp.Data))
	assert.Equal(t, 2, f.Connects())
	assert.Len(t, f.SentEvents(shared_types.EventJoin), 2)
}

func TestQuery_ConcurrentCallersShareConnection(t *testing.T) {
	f := testutil.NewFakeTransport()
	f.AddReply(testutil.OK(nil))
	const n = 10
	for i := 0; i < n; i++ {
		f.AddReply(testutil.Echo())
	}
	c := newClient(t, f)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Query(testContext(t), exampleQuery)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, f.Sockets())
	assert.Equal(t, 1, f.Connects())
	assert.Len(t, f.SentEvents(shared_types.EventJoin), 1)
	assert.Len(t, f.SentEvents("doc"), n)
}

func TestMetrics(t *testing.T) {
	f := testutil.NewFakeTransport()
	f.AddReply(testutil.OK(nil), testutil.OK(map[string]any{"data": 1}))
	reg := prometheus.NewRegistry()
	c := newClient(t, f, client.WithMetrics(reg))

	_, err := c.Query(testContext(t), exampleQuery)
	require.NoError(t, err)

	// A second client on the same registry reuses the collectors.
	newClient(t, testutil.NewFakeTransport(), client.WithMetrics(reg))

	families, err := reg.Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	assert.True(t, names["phxgql_operation_total"])
	assert.True(t, names["phxgql_connect_total"])
	assert.True(t, names["phxgql_join_total"])
}
