package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lightforgemedia/go-phxgql/pkg/broker"
	"github.com/lightforgemedia/go-phxgql/pkg/model"
	"github.com/lightforgemedia/go-phxgql/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, ctx context.Context, args ...string) (string, error) {
	t.Helper()
	var out, errOut syncBuffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	t.Log(errOut.String())
	return out.String(), err
}

// syncBuffer lets the test read output while a command is still writing.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func endpointOf(ts *testutil.TestServer) string {
	return ts.WsURL + "/socket"
}

func TestQueryCmd(t *testing.T) {
	t.Chdir(t.TempDir())
	ts := testutil.NewTestServer(t, nil)

	out, err := execute(t, context.Background(), "query", "--endpoint", endpointOf(ts),
		"--vars", `{"id": 7}`, "query User($id: Int) { user(id: $id) { name } }")
	require.NoError(t, err)

	var result struct{ Data model.Request }
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	assert.Contains(t, result.Data.Query, "user")
	assert.EqualValues(t, 7, result.Data.Variables["id"])

	t.Run("from file", func(t *testing.T) {
		doc := filepath.Join(t.TempDir(), "q.graphql")
		require.NoError(t, os.WriteFile(doc, []byte("{ fromFile }"), 0o644))
		out, err := execute(t, context.Background(), "query", "--endpoint", endpointOf(ts), "-f", doc)
		require.NoError(t, err)
		assert.Contains(t, out, "fromFile")
	})

	t.Run("bad input", func(t *testing.T) {
		_, err := execute(t, context.Background(), "query", "--endpoint", endpointOf(ts))
		assert.ErrorContains(t, err, "no document")
		_, err = execute(t, context.Background(), "query", "--endpoint", endpointOf(ts), "--vars", "{", "{ a }")
		assert.ErrorContains(t, err, "--vars")
		_, err = execute(t, context.Background(), "query", "--endpoint", endpointOf(ts), "--watch", "{ a }")
		assert.ErrorContains(t, err, "--watch needs --file")
	})
}

func TestQueryCmd_ResultWithoutData(t *testing.T) {
	t.Chdir(t.TempDir())
	ts := testutil.NewTestServer(t, func(context.Context, broker.ClientHandle, model.Request) (json.RawMessage, error) {
		return json.RawMessage(`{"errors":[{"message":"no such field"}]}`), nil
	})

	out, err := execute(t, context.Background(), "query", "--endpoint", endpointOf(ts), "{ missing }")
	assert.Error(t, err)
	assert.Contains(t, out, "no such field", "the result is printed before failing")
}

func TestQueryCmd_Watch(t *testing.T) {
	t.Chdir(t.TempDir())
	ts := testutil.NewTestServer(t, nil)
	doc := filepath.Join(t.TempDir(), "q.graphql")
	require.NoError(t, os.WriteFile(doc, []byte("{ first }"), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var out, errOut syncBuffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs([]string{"query", "--endpoint", endpointOf(ts), "-f", doc, "--watch"})

	done := make(chan error, 1)
	go func() { done <- cmd.ExecuteContext(ctx) }()

	require.NoError(t, testutil.WaitFor(t, "first run", 3*time.Second, func() bool {
		return strings.Contains(out.String(), "first")
	}))
	require.NoError(t, os.WriteFile(doc, []byte("{ second }"), 0o644))
	require.NoError(t, testutil.WaitFor(t, "run after change", 3*time.Second, func() bool {
		return strings.Contains(out.String(), "second")
	}))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("watch did not stop")
	}
}

func TestSubscribeCmd(t *testing.T) {
	t.Chdir(t.TempDir())
	ts := testutil.NewTestServer(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var out, errOut syncBuffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs([]string{"subscribe", "--endpoint", endpointOf(ts), "--count", "2", "subscription { ticks { n } }"})

	done := make(chan error, 1)
	go func() { done <- cmd.ExecuteContext(ctx) }()

	// Publish only once the handler is attached, which is logged after Subscribe returns.
	require.NoError(t, testutil.WaitFor(t, "subscribed", 3*time.Second, func() bool {
		return strings.Contains(errOut.String(), "subscribed, listening on")
	}))
	ids := ts.SubscriptionIDs()
	require.Len(t, ids, 1)
	for i := 1; i <= 3; i++ {
		require.NoError(t, ts.Absinthe.Publish(ctx, ids[0], json.RawMessage(fmt.Sprintf(`{"data":{"ticks":{"n":%d}}}`, i))))
	}

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-ctx.Done():
		t.Fatal("subscribe did not exit after --count events")
	}

	assert.Contains(t, out.String(), `"n": 1`)
	assert.Contains(t, out.String(), `"n": 2`)
	assert.NotContains(t, out.String(), `"n": 3`)
	require.NoError(t, testutil.WaitFor(t, "unsubscribed", 2*time.Second, func() bool {
		return len(ts.SubscriptionIDs()) == 0
	}))
}

func TestVersionCmd(t *testing.T) {
	t.Chdir(t.TempDir())
	out, err := execute(t, context.Background(), "version")
	require.NoError(t, err)
	assert.Contains(t, out, "phxgql dev")
}

func TestConfigFile(t *testing.T) {
	t.Chdir(t.TempDir())
	ts := testutil.NewTestServer(t, nil)
	file := filepath.Join(t.TempDir(), "phxgql.yaml")
	require.NoError(t, os.WriteFile(file, []byte("endpoint: "+endpointOf(ts)+"\nlog:\n  level: debug\n"), 0o644))

	out, err := execute(t, context.Background(), "--config", file, "query", "{ viaConfig }")
	require.NoError(t, err)
	assert.Contains(t, out, "viaConfig")

	_, err = execute(t, context.Background(), "--config", filepath.Join(t.TempDir(), "missing.yaml"), "version")
	assert.Error(t, err)
}
