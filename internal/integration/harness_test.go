// Package integration exercises the daemon, the dialing client and the
// loopback network provider together, end to end.
package integration

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/quietlane/quietlane/internal/client"
	"github.com/quietlane/quietlane/internal/config"
	"github.com/quietlane/quietlane/internal/daemon"
	"github.com/quietlane/quietlane/internal/localnet"
	"github.com/quietlane/quietlane/internal/session"
)

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// startEchoBackend runs a TCP server that echoes everything back unchanged.
func startEchoBackend(t *testing.T) string {
	t.Helper()
	return startBackend(t, func(c net.Conn) {
		io.Copy(c, c)
	})
}

// startUpperBackend runs a TCP server that echoes input upper-cased, so a
// reply is attributable to it rather than to the plain echo backend.
func startUpperBackend(t *testing.T) string {
	t.Helper()
	return startBackend(t, func(c net.Conn) {
		buf := make([]byte, 4096)
		for {
			n, err := c.Read(buf)
			if n > 0 {
				if _, werr := c.Write(bytes.ToUpper(buf[:n])); werr != nil {
					return
				}
			}
			if err != nil {
				return
			}
		}
	})
}

func startBackend(t *testing.T, serve func(net.Conn)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				serve(c)
			}(conn)
		}
	}()
	return ln.Addr().String()
}

func testConfig(t *testing.T, services ...config.ServiceConfig) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Node.DataDir = t.TempDir()
	cfg.Node.LogLevel = "error"
	cfg.Services = services
	if err := cfg.Validate(); err != nil {
		t.Fatalf("config invalid: %v", err)
	}
	return cfg
}

// startDaemon runs a daemon until test cleanup and waits for every
// configured service to come up.
func startDaemon(t *testing.T, cfg *config.Config) *daemon.Daemon {
	t.Helper()
	d, err := daemon.New(cfg)
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	if err := d.Start(testContext(t)); err != nil {
		t.Fatalf("daemon.Start: %v", err)
	}
	t.Cleanup(func() { d.Stop() })
	if err := d.WaitReady(testContext(t), 10*time.Second); err != nil {
		t.Fatalf("WaitReady: %v", err)
	}
	return d
}

// newDialer builds a client on its own provider over the daemon's network
// directory, the way a separate client process would reach it. A nil client
// config means defaults.
func newDialer(t *testing.T, cfg *config.Config, ccfg *client.Config) *client.Client {
	t.Helper()
	provider, err := localnet.New(localnet.Options{Dir: cfg.NetworkDir()})
	if err != nil {
		t.Fatalf("provider: %v", err)
	}
	c, err := client.NewBuilder().Provider(provider).Config(ccfg).Build(testContext(t))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

// serviceAddress looks up the published address for a nickname.
func serviceAddress(t *testing.T, d *daemon.Daemon, nickname string) string {
	t.Helper()
	for _, svc := range d.Services() {
		if svc.Nickname == nickname {
			if svc.Address == "" {
				t.Fatalf("service %s has no address", nickname)
			}
			return svc.Address
		}
	}
	t.Fatalf("service %s not published", nickname)
	return ""
}

// roundTrip writes payload and reads back an equal number of bytes. It is
// safe to call from helper goroutines.
func roundTrip(ctx context.Context, stream *session.Stream, payload []byte) ([]byte, error) {
	if err := stream.Write(ctx, payload); err != nil {
		return nil, fmt.Errorf("write: %w", err)
	}
	if err := stream.Flush(ctx); err != nil {
		return nil, fmt.Errorf("flush: %w", err)
	}
	var got []byte
	for len(got) < len(payload) {
		data, err := stream.Read(ctx, len(payload))
		if err != nil {
			return got, fmt.Errorf("read after %d of %d bytes: %w", len(got), len(payload), err)
		}
		got = append(got, data...)
	}
	return got, nil
}
