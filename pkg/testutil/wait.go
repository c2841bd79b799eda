package testutil

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/lightforgemedia/go-phxgql/pkg/broker"
)

// WaitForClients waits until the broker has n connected clients.
func WaitForClients(t *testing.T, b *broker.Broker, n int, timeout time.Duration) error {
	t.Helper()
	return WaitFor(t, fmt.Sprintf("%d connected clients", n), timeout, func() bool {
		count := 0
		b.IterateClients(func(broker.ClientHandle) bool {
			count++
			return true
		})
		return count == n
	})
}

// WaitFor is a generic utility to wait for a condition to be true.
// It returns nil if the condition becomes true within the timeout.
// It returns an error if the condition does not become true within the timeout.
func WaitFor(t *testing.T, description string, timeout time.Duration, condition func() bool) error {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return nil // Condition is true, success
		}
		time.Sleep(10 * time.Millisecond)
	}
	return fmt.Errorf("condition '%s' not met within %v", description, timeout)
}

// WaitForWithContext is a generic utility to wait for a condition to be true with context support.
// It returns nil if the condition becomes true before the context is canceled or times out.
// It returns an error if the condition does not become true before the context is canceled or times out.
func WaitForWithContext(ctx context.Context, t *testing.T, description string, condition func() bool) error {
	t.Helper()
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		if condition() {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("context canceled while waiting for condition '%s': %v", description, ctx.Err())
		case <-ticker.C:
		}
	}
}
