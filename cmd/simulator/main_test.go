package main

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/signalsfoundry/aseba-hub/internal/logging"
	"github.com/signalsfoundry/aseba-hub/network"
	"github.com/signalsfoundry/aseba-hub/protocol"
)

func TestSimulatorServesNodeUntilWaitElapses(t *testing.T) {
	script := filepath.Join(t.TempDir(), "wheels.txt")
	if err := os.WriteFile(script, []byte("motor.left.target = 120"), 0o644); err != nil {
		t.Fatalf("write script: %v", err)
	}
	opts := options{IP: "127.0.0.1", Port: 0, Name: "thymio-II", Script: script, Wait: 2 * time.Second}

	ready := make(chan *network.Manager, 1)
	done := make(chan error, 1)
	go func() { done <- run(context.Background(), opts, logging.Noop(), ready) }()

	var mgr *network.Manager
	select {
	case mgr = <-ready:
	case err := <-done:
		t.Fatalf("run exited early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatalf("node never became ready")
	}

	var addr string
	var target []int16
	err := mgr.Do(context.Background(), func(m *network.Manager) error {
		addr = m.Hub(0).Addr().String()
		n := m.Hub(0).Nodes()[0]
		var err error
		target, err = n.GetVariable("motor.left.target")
		return err
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if target[0] != 120 {
		t.Fatalf("motor.left.target = %d, want 120", target[0])
	}

	c, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()
	if err := protocol.WriteFrame(c, protocol.Frame{Message: protocol.NewMessage(protocol.TypeListNodes)}); err != nil {
		t.Fatalf("write: %v", err)
	}
	// A Thymio also streams its periodic events; skip them.
	_ = c.SetReadDeadline(time.Now().Add(time.Second))
	for {
		f, err := protocol.ReadFrame(c, protocol.DefaultMaxPayload)
		if err != nil {
			t.Fatalf("waiting for NodePresent: %v", err)
		}
		if f.Type == protocol.TypeNodePresent {
			break
		}
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("run ignored -wait")
	}
}

func TestSimulatorStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	opts := options{IP: "127.0.0.1", Port: 0, Name: "node"}

	ready := make(chan *network.Manager, 1)
	done := make(chan error, 1)
	go func() { done <- run(ctx, opts, logging.Noop(), ready) }()
	<-ready
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("run did not stop after cancel")
	}
}

func TestSimulatorRejectsMissingScript(t *testing.T) {
	opts := options{IP: "127.0.0.1", Port: 0, Name: "node", Script: filepath.Join(t.TempDir(), "none.txt")}
	if err := run(context.Background(), opts, logging.Noop(), nil); err == nil {
		t.Fatalf("run accepted a missing script")
	}
}
