package testutil

import (
	"context"
	"fmt"
	"testing"
	"time"
)

const pollInterval = 20 * time.Millisecond

// WaitFor polls condition until it holds or timeout passes.
func WaitFor(t *testing.T, description string, timeout time.Duration, condition func() bool) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := WaitForWithContext(ctx, t, description, condition); err != nil {
		return fmt.Errorf("condition '%s' not met within %v", description, timeout)
	}
	return nil
}

// WaitForWithContext polls condition until it holds or ctx is done. The
// condition is checked once before the first tick.
func WaitForWithContext(ctx context.Context, t *testing.T, description string, condition func() bool) error {
	t.Helper()
	if condition() {
		return nil
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for '%s': %w", description, ctx.Err())
		case <-ticker.C:
			if condition() {
				return nil
			}
		}
	}
}

// SessionCount waits until the router behind rs has exactly n sessions.
func SessionCount(t *testing.T, rs *RouterServer, n int) error {
	t.Helper()
	return WaitFor(t, fmt.Sprintf("%d sessions", n), 2*time.Second, func() bool {
		return rs.Router.Sessions().Count() == n
	})
}
