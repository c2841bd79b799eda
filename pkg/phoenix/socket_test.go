package phoenix_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lightforgemedia/go-phxgql/pkg/broker"
	"github.com/lightforgemedia/go-phxgql/pkg/phoenix"
	"github.com/lightforgemedia/go-phxgql/pkg/testutil"
	"github.com/lightforgemedia/go-phxgql/pkg/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestBroker serves "room:*" joins (refusing "room:locked"), echoes "echo"
// pushes and stalls "stall" pushes until the test ends.
func newTestBroker(t *testing.T) (*broker.Broker, *httptest.Server) {
	t.Helper()
	b, err := broker.New(broker.WithLogger(testutil.DefaultLogger))
	require.NoError(t, err)

	require.NoError(t, b.HandleJoin("room:*", func(_ broker.ClientHandle, topic string, _ json.RawMessage) (json.RawMessage, error) {
		if topic == "room:locked" {
			return nil, errors.New("locked")
		}
		return json.RawMessage(`{"welcome":true}`), nil
	}))
	require.NoError(t, b.HandleEvent("room:*", "echo", func(_ broker.ClientHandle, _ string, payload json.RawMessage) (json.RawMessage, error) {
		return payload, nil
	}))
	stall := make(chan struct{})
	require.NoError(t, b.HandleEvent("room:*", "stall", func(broker.ClientHandle, string, json.RawMessage) (json.RawMessage, error) {
		<-stall
		return nil, nil
	}))

	s := httptest.NewServer(b.UpgradeHandler())
	t.Cleanup(func() {
		close(stall)
		s.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		b.Shutdown(ctx)
	})
	return b, s
}

func wsURL(s *httptest.Server) string {
	return "ws" + strings.TrimPrefix(s.URL, "http") + "/socket"
}

func connect(t *testing.T, endpoint string, opts ...phoenix.Option) *phoenix.Socket {
	t.Helper()
	finalOpts := append([]phoenix.Option{phoenix.WithLogger(testutil.DefaultLogger)}, opts...)
	s, err := phoenix.New(endpoint, finalOpts...)
	require.NoError(t, err)

	opened := make(chan struct{}, 1)
	s.OnOpen(func() {
		select {
		case opened <- struct{}{}:
		default:
		}
	})
	s.Connect()
	select {
	case <-opened:
	case <-time.After(2 * time.Second):
		t.Fatal("socket did not open")
	}
	t.Cleanup(func() { s.Disconnect() })
	return s
}

func await(t *testing.T, p transport.Push) transport.Reply {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	r, err := transport.Await(ctx, p)
	require.NoError(t, err)
	return r
}

func TestNew_Endpoint(t *testing.T) {
	tests := []struct {
		name     string
		endpoint string
		opts     []phoenix.Option
		want     string
		wantErr  bool
	}{
		{name: "adds suffix and vsn", endpoint: "ws://example.com/socket", want: "ws://example.com/socket/websocket?vsn=1.0.0"},
		{name: "keeps suffix", endpoint: "wss://example.com/socket/websocket", want: "wss://example.com/socket/websocket?vsn=1.0.0"},
		{name: "http becomes ws", endpoint: "http://example.com/socket/", want: "ws://example.com/socket/websocket?vsn=1.0.0"},
		{name: "https becomes wss", endpoint: "https://example.com/socket", want: "wss://example.com/socket/websocket?vsn=1.0.0"},
		{name: "params", endpoint: "ws://example.com/socket", opts: []phoenix.Option{phoenix.WithParams(map[string]any{"token": "abc"})}, want: "ws://example.com/socket/websocket?token=abc&vsn=1.0.0"},
		{name: "unsupported scheme", endpoint: "ftp://example.com/socket", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := phoenix.New(tt.endpoint, tt.opts...)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, s.Endpoint())
			assert.False(t, s.IsConnected())
		})
	}
}

func TestSocket_JoinAndPush(t *testing.T) {
	_, srv := newTestBroker(t)
	s := connect(t, wsURL(srv))
	assert.True(t, s.IsConnected())

	ch := s.Channel("room:lobby", map[string]any{"user": "a"})
	join := ch.Join()
	assert.Same(t, join, ch.Join(), "join in flight is shared")

	r := await(t, join)
	assert.Equal(t, transport.StatusOK, r.Status)
	assert.JSONEq(t, `{"welcome":true}`, string(r.Response))
	assert.True(t, ch.IsJoined())

	r = await(t, ch.Push("echo", map[string]int{"n": 1}))
	assert.Equal(t, transport.StatusOK, r.Status)
	assert.JSONEq(t, `{"n":1}`, string(r.Response))

	t.Run("unhandled event", func(t *testing.T) {
		r := await(t, ch.Push("nope", nil))
		assert.Equal(t, transport.StatusError, r.Status)
		assert.JSONEq(t, `{"reason":"unhandled event"}`, string(r.Response))
	})

	t.Run("refused join", func(t *testing.T) {
		locked := s.Channel("room:locked", nil)
		r := await(t, locked.Join())
		assert.Equal(t, transport.StatusError, r.Status)
		assert.JSONEq(t, `{"reason":"locked"}`, string(r.Response))
		assert.False(t, locked.IsJoined())
	})

	t.Run("leave", func(t *testing.T) {
		r := await(t, ch.Leave())
		assert.Equal(t, transport.StatusOK, r.Status)
		require.NoError(t, testutil.WaitFor(t, "channel closed", time.Second, func() bool {
			return !ch.IsJoined() && !ch.IsJoining()
		}))
	})
}

func TestSocket_Broadcasts(t *testing.T) {
	b, srv := newTestBroker(t)
	s := connect(t, wsURL(srv))

	ch := s.Channel("room:news", nil)
	require.Equal(t, transport.StatusOK, await(t, ch.Join()).Status)

	onChannel := make(chan json.RawMessage, 1)
	ref := ch.On("headline", func(p json.RawMessage) { onChannel <- p })
	onSocket := make(chan transport.Message, 4)
	hook := s.OnMessage(func(m transport.Message) {
		if m.Event == "headline" {
			onSocket <- m
		}
	})

	require.NoError(t, b.Publish(context.Background(), "room:news", "headline", map[string]string{"title": "hi"}))

	select {
	case p := <-onChannel:
		assert.JSONEq(t, `{"title":"hi"}`, string(p))
	case <-time.After(2 * time.Second):
		t.Fatal("channel binding not called")
	}
	select {
	case m := <-onSocket:
		assert.Equal(t, "room:news", m.Topic)
	case <-time.After(2 * time.Second):
		t.Fatal("socket hook not called")
	}

	ch.Off("headline", ref)
	s.OffMessage(hook)
	require.NoError(t, b.Publish(context.Background(), "room:news", "headline", map[string]string{"title": "again"}))
	select {
	case <-onChannel:
		t.Fatal("binding called after Off")
	case <-onSocket:
		t.Fatal("hook called after OffMessage")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSocket_PushTimeout(t *testing.T) {
	_, srv := newTestBroker(t)
	s := connect(t, wsURL(srv), phoenix.WithTimeout(100*time.Millisecond))

	ch := s.Channel("room:slow", nil)
	require.Equal(t, transport.StatusOK, await(t, ch.Join()).Status)

	r := await(t, ch.Push("stall", nil))
	assert.Equal(t, transport.StatusTimeout, r.Status)
}

func TestSocket_NotConnected(t *testing.T) {
	s, err := phoenix.New("ws://127.0.0.1:1/socket", phoenix.WithLogger(testutil.DefaultLogger))
	require.NoError(t, err)

	r := await(t, s.Channel("room:a", nil).Push("echo", nil))
	assert.Equal(t, transport.StatusError, r.Status)
	assert.Contains(t, string(r.Response), "not connected")

	t.Run("dial failure reaches OnError", func(t *testing.T) {
		failed := make(chan error, 1)
		s.OnError(func(err error) { failed <- err })
		s.Connect()
		select {
		case err := <-failed:
			assert.Contains(t, err.Error(), "dial")
		case <-time.After(5 * time.Second):
			t.Fatal("no dial error")
		}
		assert.False(t, s.IsConnected())
	})
}

func TestSocket_ConnectionLost(t *testing.T) {
	b, srv := newTestBroker(t)
	s := connect(t, wsURL(srv))

	ch := s.Channel("room:a", nil)
	require.Equal(t, transport.StatusOK, await(t, ch.Join()).Status)

	lost := make(chan error, 1)
	s.OnError(func(err error) { lost <- err })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, b.Shutdown(ctx))

	select {
	case err := <-lost:
		assert.Contains(t, err.Error(), "lost")
	case <-time.After(2 * time.Second):
		t.Fatal("connection loss not reported")
	}
	assert.False(t, s.IsConnected())
	assert.False(t, ch.IsJoined())
}

func TestSocket_DisconnectFailsPending(t *testing.T) {
	_, srv := newTestBroker(t)
	s := connect(t, wsURL(srv))

	ch := s.Channel("room:a", nil)
	require.Equal(t, transport.StatusOK, await(t, ch.Join()).Status)

	errs := make(chan error, 1)
	s.OnError(func(err error) { errs <- err })

	p := ch.Push("stall", nil)
	require.NoError(t, s.Disconnect())

	r := await(t, p)
	assert.Equal(t, transport.StatusError, r.Status)
	assert.JSONEq(t, `{"reason":"disconnected"}`, string(r.Response))
	assert.False(t, ch.IsJoined())
	select {
	case err := <-errs:
		t.Fatalf("Disconnect reported an error: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	t.Run("connect again and rejoin", func(t *testing.T) {
		opened := make(chan struct{}, 1)
		s.OnOpen(func() { opened <- struct{}{} })
		s.Connect()
		select {
		case <-opened:
		case <-time.After(2 * time.Second):
			t.Fatal("socket did not reopen")
		}
		assert.Equal(t, transport.StatusOK, await(t, ch.Join()).Status)
	})
}

func TestSocket_Heartbeat(t *testing.T) {
	_, srv := newTestBroker(t)
	var beats atomic.Int32
	logf := func(kind, msg string, _ any) {
		if kind == "push" && strings.HasPrefix(msg, "phoenix heartbeat") {
			beats.Add(1)
		}
	}
	s := connect(t, wsURL(srv), phoenix.WithHeartbeatInterval(20*time.Millisecond), phoenix.WithLogFunc(logf))

	require.NoError(t, testutil.WaitFor(t, "heartbeats sent", time.Second, func() bool {
		return beats.Load() >= 3
	}))
	assert.True(t, s.IsConnected(), "answered heartbeats keep the socket open")
}

func TestNewFactory(t *testing.T) {
	_, srv := newTestBroker(t)
	factory := phoenix.NewFactory(phoenix.WithLogger(testutil.DefaultLogger))

	sock, err := factory(wsURL(srv), transport.Options{Params: map[string]any{"token": "x"}, Timeout: time.Second})
	require.NoError(t, err)
	assert.Contains(t, sock.(*phoenix.Socket).Endpoint(), "token=x")

	_, err = factory("://bad", transport.Options{})
	assert.Error(t, err)
}
