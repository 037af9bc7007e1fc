package locking_test

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/DevLabFoundry/claude-code-auth/internal/locking"
)

func Test_Probe_free_port_leads(t *testing.T) {
	leader, err := locking.Probe(18430)
	if err != nil {
		t.Fatal(err)
	}
	if !leader {
		t.Error("got follower, wanted leader on a free port")
	}
	// the probe must release the port again
	ln, err := net.Listen("tcp", fmt.Sprintf("localhost:%d", 18430))
	if err != nil {
		t.Fatalf("probe left the port bound: %v", err)
	}
	ln.Close()
}

func Test_Probe_busy_port_follows(t *testing.T) {
	ln, err := net.Listen("tcp", "localhost:18431")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	leader, err := locking.Probe(18431)
	if err != nil {
		t.Fatal(err)
	}
	if leader {
		t.Error("got leader, wanted follower while the port is held")
	}
}

func Test_Wait_returns_once_leader_releases(t *testing.T) {
	ln, err := net.Listen("tcp", "localhost:18432")
	if err != nil {
		t.Fatal(err)
	}
	go func() {
		time.Sleep(700 * time.Millisecond)
		ln.Close()
	}()
	start := time.Now()
	if err := locking.Wait(context.Background(), 18432, 10*time.Second); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed < 500*time.Millisecond {
		t.Errorf("returned after %v, wanted to block until release", elapsed)
	}
}

func Test_Wait_times_out(t *testing.T) {
	ln, err := net.Listen("tcp", "localhost:18433")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	err = locking.Wait(context.Background(), 18433, 1200*time.Millisecond)
	if !errors.Is(err, locking.ErrWaitTimeout) {
		t.Errorf("got %v, wanted ErrWaitTimeout", err)
	}
}

func Test_Wait_honours_cancellation(t *testing.T) {
	ln, err := net.Listen("tcp", "localhost:18434")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()
	if err := locking.Wait(ctx, 18434, 10*time.Second); !errors.Is(err, context.Canceled) {
		t.Errorf("got %v, wanted context.Canceled", err)
	}
}
