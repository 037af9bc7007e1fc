// Package locking serialises browser logins across processes. The OAuth
// callback TCP port itself is the mutual-exclusion primitive: the OS grants
// a port to a single owner and releases it the instant that owner dies, so a
// crashed leader can never wedge its followers.
package locking

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"time"

	"github.com/DevLabFoundry/claude-code-auth/internal/debug"
)

const (
	pollInterval = 500 * time.Millisecond
	// DefaultWait bounds how long a follower waits for the leader's login.
	DefaultWait = 60 * time.Second
)

var ErrWaitTimeout = errors.New("timed out waiting for the authentication in another process")

// Probe reports whether this process can lead the login by test-binding the
// callback port and releasing it immediately. An in-use port means another
// invocation is mid-login; any other bind failure is a fatal local problem
// (firewall rules, permissions) and is returned as-is.
func Probe(port int) (bool, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf("localhost:%d", port))
	if err != nil {
		if errors.Is(err, syscall.EADDRINUSE) {
			return false, nil
		}
		return false, fmt.Errorf("cannot bind port %d: %w", port, err)
	}
	_ = ln.Close()
	return true, nil
}

// Wait polls until the leader releases the port, then returns so the caller
// can re-read the cache. The leader finishing does not imply it succeeded -
// the caller decides that from the cache contents.
func Wait(ctx context.Context, port int, timeout time.Duration) error {
	debug.Logf("another authentication is in progress on port %d, waiting", port)
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			free, err := Probe(port)
			if err != nil {
				return err
			}
			if free {
				return nil
			}
		case <-deadline.C:
			return ErrWaitTimeout
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
