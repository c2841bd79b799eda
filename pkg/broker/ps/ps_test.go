package ps_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/lightforgemedia/go-phxgql/pkg/broker"
	"github.com/lightforgemedia/go-phxgql/pkg/broker/ps"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ broker.Bus = (*ps.Bus)(nil)

type collector struct {
	mu     sync.Mutex
	frames []string
}

func (c *collector) add(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, string(data))
}

func (c *collector) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string{}, c.frames...)
}

func TestBus(t *testing.T) {
	ctx := context.Background()

	t.Run("delivers in publish order", func(t *testing.T) {
		bus := ps.New(10)
		defer bus.Close()

		var got collector
		unsub, err := bus.Subscribe(ctx, "room:1", got.add)
		require.NoError(t, err)
		defer unsub()

		for _, f := range []string{"a", "b", "c"} {
			require.NoError(t, bus.Publish(ctx, "room:1", []byte(f)))
		}
		require.NoError(t, bus.Publish(ctx, "room:2", []byte("other")))

		assert.Eventually(t, func() bool { return len(got.snapshot()) == 3 }, time.Second, 10*time.Millisecond)
		assert.Equal(t, []string{"a", "b", "c"}, got.snapshot())
	})

	t.Run("unsubscribe stops delivery", func(t *testing.T) {
		bus := ps.New(10)
		defer bus.Close()

		var got collector
		unsub, err := bus.Subscribe(ctx, "room:1", got.add)
		require.NoError(t, err)
		require.NoError(t, bus.Publish(ctx, "room:1", []byte("before")))
		assert.Eventually(t, func() bool { return len(got.snapshot()) == 1 }, time.Second, 10*time.Millisecond)

		unsub()
		unsub()
		time.Sleep(20 * time.Millisecond)
		require.NoError(t, bus.Publish(ctx, "room:1", []byte("after")))
		time.Sleep(50 * time.Millisecond)
		assert.Equal(t, []string{"before"}, got.snapshot())
	})

	t.Run("validation and close", func(t *testing.T) {
		bus := ps.New(-1)
		_, err := bus.Subscribe(ctx, "", func([]byte) {})
		assert.Error(t, err)
		_, err = bus.Subscribe(ctx, "t", nil)
		assert.Error(t, err)
		assert.Error(t, bus.Publish(ctx, "", nil))

		require.NoError(t, bus.Close())
		require.NoError(t, bus.Close())
		assert.ErrorIs(t, bus.Publish(ctx, "t", []byte("x")), ps.ErrClosed)
		_, err = bus.Subscribe(ctx, "t", func([]byte) {})
		assert.ErrorIs(t, err, ps.ErrClosed)
	})
}
