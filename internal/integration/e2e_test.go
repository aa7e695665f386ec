// Package integration exercises the daemon, the dialing client and the
// loopback network provider together, end to end.
package integration

import (
	"bytes"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/quietlane/quietlane/internal/config"
	"github.com/quietlane/quietlane/internal/onionv3"
	"github.com/quietlane/quietlane/internal/service"
	"github.com/quietlane/quietlane/internal/session"
)

func TestTwoServicesSeparateBackends(t *testing.T) {
	echoBackend := startEchoBackend(t)
	upperBackend := startUpperBackend(t)
	cfg := testConfig(t,
		config.ServiceConfig{Nickname: "echo", Backend: echoBackend},
		config.ServiceConfig{Nickname: "upper", Backend: upperBackend},
	)
	d := startDaemon(t, cfg)
	ctx := testContext(t)

	echoAddr := serviceAddress(t, d, "echo")
	upperAddr := serviceAddress(t, d, "upper")
	if echoAddr == upperAddr {
		t.Fatalf("both services published as %s", echoAddr)
	}
	for _, addr := range []string{echoAddr, upperAddr} {
		if !strings.HasSuffix(addr, onionv3.Suffix) {
			t.Errorf("address %q lacks the %s suffix", addr, onionv3.Suffix)
		}
	}
	for _, svc := range d.Services() {
		if svc.State != service.StateRunning {
			t.Errorf("service %s in state %s, want RUNNING", svc.Nickname, svc.State)
		}
	}

	c := newDialer(t, cfg, nil)

	echoStream, err := c.Connect(ctx, net.JoinHostPort(echoAddr, "80"))
	if err != nil {
		t.Fatalf("Connect echo: %v", err)
	}
	defer echoStream.Close()
	upperStream, err := c.Connect(ctx, net.JoinHostPort(upperAddr, "80"))
	if err != nil {
		t.Fatalf("Connect upper: %v", err)
	}
	defer upperStream.Close()

	msg := []byte("mixed Case payload")
	got, err := roundTrip(ctx, echoStream, msg)
	if err != nil {
		t.Fatalf("echo round trip: %v", err)
	}
	if !bytes.Equal(got, msg) {
		t.Errorf("echo replied %q, want %q", got, msg)
	}

	got, err = roundTrip(ctx, upperStream, msg)
	if err != nil {
		t.Fatalf("upper round trip: %v", err)
	}
	if want := bytes.ToUpper(msg); !bytes.Equal(got, want) {
		t.Errorf("upper replied %q, want %q", got, want)
	}

	if stats := d.Stats(); stats.ServiceCount != 2 {
		t.Errorf("ServiceCount = %d, want 2", stats.ServiceCount)
	}
}

func TestConcurrentStreams(t *testing.T) {
	backend := startEchoBackend(t)
	cfg := testConfig(t, config.ServiceConfig{Nickname: "echo", Backend: backend})
	d := startDaemon(t, cfg)
	ctx := testContext(t)
	addr := net.JoinHostPort(serviceAddress(t, d, "echo"), "80")

	c := newDialer(t, cfg, nil)

	const workers = 8
	streams := make([]*session.Stream, workers)
	for i := range streams {
		s, err := c.Connect(ctx, addr)
		if err != nil {
			t.Fatalf("Connect %d: %v", i, err)
		}
		defer s.Close()
		streams[i] = s
	}

	errs := make(chan error, workers)
	var wg sync.WaitGroup
	for i, s := range streams {
		wg.Add(1)
		go func(i int, s *session.Stream) {
			defer wg.Done()
			payload := []byte(fmt.Sprintf("worker %02d says %s", i, strings.Repeat("x", 128)))
			got, err := roundTrip(ctx, s, payload)
			if err != nil {
				errs <- fmt.Errorf("worker %d: %w", i, err)
				return
			}
			if !bytes.Equal(got, payload) {
				errs <- fmt.Errorf("worker %d got %q", i, got)
			}
		}(i, s)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}

	// Every stream is still open, so the daemon should count all of them.
	if stats := d.Stats(); stats.StreamCount != workers {
		t.Errorf("StreamCount = %d, want %d", stats.StreamCount, workers)
	}
}

func TestServiceAddressStableAcrossRestart(t *testing.T) {
	backend := startEchoBackend(t)
	cfg := testConfig(t, config.ServiceConfig{Nickname: "stable", Backend: backend})

	d1 := startDaemon(t, cfg)
	addr1 := serviceAddress(t, d1, "stable")
	if err := d1.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	keyFile := filepath.Join(cfg.Node.DataDir, "keys", "stable.key")
	if _, err := os.Stat(keyFile); err != nil {
		t.Fatalf("service key not persisted: %v", err)
	}

	d2 := startDaemon(t, cfg)
	addr2 := serviceAddress(t, d2, "stable")
	if addr2 != addr1 {
		t.Fatalf("address changed across restart: %s then %s", addr1, addr2)
	}

	ctx := testContext(t)
	c := newDialer(t, cfg, nil)
	stream, err := c.Connect(ctx, net.JoinHostPort(addr2, "80"))
	if err != nil {
		t.Fatalf("Connect after restart: %v", err)
	}
	defer stream.Close()

	msg := []byte("still reachable")
	got, err := roundTrip(ctx, stream, msg)
	if err != nil {
		t.Fatalf("round trip after restart: %v", err)
	}
	if !bytes.Equal(got, msg) {
		t.Errorf("echoed %q, want %q", got, msg)
	}
}
