package localnet

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/quietlane/quietlane/internal/certutil"
	"github.com/quietlane/quietlane/internal/onionv3"
	"github.com/quietlane/quietlane/internal/transport"
)

func newTestProvider(t *testing.T) *Provider {
	t.Helper()
	p, err := New(Options{Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := p.Bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

func launchTestService(t *testing.T, p *Provider) (transport.ServiceHandle, transport.RendSource, string) {
	t.Helper()
	handle, source, err := p.LaunchService(context.Background(), transport.ServiceOptions{Nickname: "svc"})
	if err != nil {
		t.Fatalf("LaunchService failed: %v", err)
	}
	t.Cleanup(func() { handle.Close() })

	addr, ok := handle.OnionAddress()
	if !ok {
		t.Fatal("service has no address")
	}
	return handle, source, addr
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// acceptOneCircuit waits for the next rendezvous request and accepts it.
func acceptOneCircuit(t *testing.T, ctx context.Context, source transport.RendSource) transport.StreamSource {
	t.Helper()
	req, err := source.Next(ctx)
	if err != nil {
		t.Fatalf("RendSource.Next failed: %v", err)
	}
	streams, err := req.Accept(ctx)
	if err != nil {
		t.Fatalf("RendRequest.Accept failed: %v", err)
	}
	return streams
}

// ============================================================================
// Provider lifecycle
// ============================================================================

func TestProviderRequiresBootstrap(t *testing.T) {
	p, err := New(Options{Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer p.Close()

	if _, err := p.Connect(context.Background(), "example.com:80", transport.ConnectOptions{}); !errors.Is(err, ErrNotBootstrapped) {
		t.Errorf("expected ErrNotBootstrapped, got %v", err)
	}
	if _, _, err := p.LaunchService(context.Background(), transport.ServiceOptions{}); !errors.Is(err, ErrNotBootstrapped) {
		t.Errorf("expected ErrNotBootstrapped, got %v", err)
	}
}

func TestProviderClosed(t *testing.T) {
	p := newTestProvider(t)
	if err := p.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}

	if _, err := p.Connect(context.Background(), "example.com:80", transport.ConnectOptions{}); !errors.Is(err, ErrProviderClosed) {
		t.Errorf("expected ErrProviderClosed, got %v", err)
	}
	if err := p.Bootstrap(context.Background()); !errors.Is(err, ErrProviderClosed) {
		t.Errorf("expected ErrProviderClosed, got %v", err)
	}
}

func TestNewRequiresDir(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Error("expected error without a state directory")
	}
}

// ============================================================================
// Service round trip
// ============================================================================

func TestServiceRoundTrip(t *testing.T) {
	ctx := testContext(t)
	p := newTestProvider(t)
	handle, source, addr := launchTestService(t, p)

	if status := handle.Status(); status != transport.StatusRunning {
		t.Errorf("expected RUNNING, got %v", status)
	}

	type connectResult struct {
		ds  transport.DataStream
		err error
	}
	connected := make(chan connectResult, 1)
	go func() {
		ds, err := p.Connect(ctx, addr+":80", transport.ConnectOptions{})
		connected <- connectResult{ds, err}
	}()

	streams := acceptOneCircuit(t, ctx, source)
	req, err := streams.Next(ctx)
	if err != nil {
		t.Fatalf("StreamSource.Next failed: %v", err)
	}

	if !req.IsBegin() {
		t.Error("expected a begin request")
	}
	host, port, ok := req.Target()
	if !ok {
		t.Fatal("begin request has no target")
	}
	if host != addr || port != 80 {
		t.Errorf("target = %s:%d, want %s:80", host, port, addr)
	}

	server, err := req.Accept(ctx)
	if err != nil {
		t.Fatalf("StreamRequest.Accept failed: %v", err)
	}

	res := <-connected
	if res.err != nil {
		t.Fatalf("Connect failed: %v", res.err)
	}
	client := res.ds
	defer client.Close()

	if err := client.WaitConnected(ctx); err != nil {
		t.Fatalf("WaitConnected failed: %v", err)
	}

	if _, err := client.Write([]byte("hello")); err != nil {
		t.Fatalf("client write failed: %v", err)
	}
	buf := make([]byte, 5)
	if _, err := io.ReadFull(server, buf); err != nil {
		t.Fatalf("server read failed: %v", err)
	}
	if string(buf) != "hello" {
		t.Errorf("server read %q", buf)
	}

	if _, err := server.Write([]byte("world")); err != nil {
		t.Fatalf("server write failed: %v", err)
	}
	if _, err := io.ReadFull(client, buf); err != nil {
		t.Fatalf("client read failed: %v", err)
	}
	if string(buf) != "world" {
		t.Errorf("client read %q", buf)
	}

	server.Close()
}

func TestOptimisticConnect(t *testing.T) {
	ctx := testContext(t)
	p := newTestProvider(t)
	_, source, addr := launchTestService(t, p)

	// Optimistic connect returns before the service has answered.
	client, err := p.Connect(ctx, addr+":80", transport.ConnectOptions{Optimistic: true})
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer client.Close()

	// Data written before the accept must survive.
	if _, err := client.Write([]byte("early")); err != nil {
		t.Fatalf("early write failed: %v", err)
	}

	streams := acceptOneCircuit(t, ctx, source)
	req, err := streams.Next(ctx)
	if err != nil {
		t.Fatalf("StreamSource.Next failed: %v", err)
	}
	server, err := req.Accept(ctx)
	if err != nil {
		t.Fatalf("Accept failed: %v", err)
	}
	defer server.Close()

	if err := client.WaitConnected(ctx); err != nil {
		t.Fatalf("WaitConnected failed: %v", err)
	}

	buf := make([]byte, 5)
	if _, err := io.ReadFull(server, buf); err != nil {
		t.Fatalf("server read failed: %v", err)
	}
	if string(buf) != "early" {
		t.Errorf("server read %q", buf)
	}
}

// ============================================================================
// Rejection paths
// ============================================================================

func TestStreamReject(t *testing.T) {
	ctx := testContext(t)
	p := newTestProvider(t)
	_, source, addr := launchTestService(t, p)

	errCh := make(chan error, 1)
	go func() {
		_, err := p.Connect(ctx, addr+":80", transport.ConnectOptions{})
		errCh <- err
	}()

	streams := acceptOneCircuit(t, ctx, source)
	req, err := streams.Next(ctx)
	if err != nil {
		t.Fatalf("StreamSource.Next failed: %v", err)
	}
	if err := req.Reject(ctx); err != nil {
		t.Fatalf("Reject failed: %v", err)
	}

	if err := <-errCh; !errors.Is(err, ErrRefused) {
		t.Errorf("expected ErrRefused, got %v", err)
	}
}

func TestRendReject(t *testing.T) {
	ctx := testContext(t)
	p := newTestProvider(t)
	_, source, addr := launchTestService(t, p)

	errCh := make(chan error, 1)
	go func() {
		_, err := p.Connect(ctx, addr+":80", transport.ConnectOptions{})
		errCh <- err
	}()

	req, err := source.Next(ctx)
	if err != nil {
		t.Fatalf("RendSource.Next failed: %v", err)
	}
	if err := req.Reject(ctx); err != nil {
		t.Fatalf("Reject failed: %v", err)
	}

	if err := <-errCh; err == nil {
		t.Error("expected connect to fail after rendezvous rejection")
	}
}

// ============================================================================
// Circuit semantics
// ============================================================================

func TestIsolationGroupsSeparateCircuits(t *testing.T) {
	ctx := testContext(t)
	p := newTestProvider(t)
	_, source, addr := launchTestService(t, p)
	target := addr + ":80"

	// Two streams in group 5 share one circuit; group 9 gets its own.
	for _, group := range []uint64{5, 5, 9} {
		ds, err := p.Connect(ctx, target, transport.ConnectOptions{IsolationGroup: group, Optimistic: true})
		if err != nil {
			t.Fatalf("Connect (group %d) failed: %v", group, err)
		}
		defer ds.Close()
	}

	first := acceptOneCircuit(t, ctx, source)
	for i := 0; i < 2; i++ {
		if _, err := first.Next(ctx); err != nil {
			t.Fatalf("first circuit stream %d missing: %v", i, err)
		}
	}

	second := acceptOneCircuit(t, ctx, source)
	if _, err := second.Next(ctx); err != nil {
		t.Fatalf("second circuit stream missing: %v", err)
	}

	// No further rendezvous attempts should exist.
	shortCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	if _, err := source.Next(shortCtx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected no third circuit, got %v", err)
	}
}

func TestShutdownCircuitKillsSiblings(t *testing.T) {
	ctx := testContext(t)
	p := newTestProvider(t)
	_, source, addr := launchTestService(t, p)
	target := addr + ":80"

	s1, err := p.Connect(ctx, target, transport.ConnectOptions{Optimistic: true})
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer s1.Close()
	s2, err := p.Connect(ctx, target, transport.ConnectOptions{Optimistic: true})
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer s2.Close()

	streams := acceptOneCircuit(t, ctx, source)
	q1, err := streams.Next(ctx)
	if err != nil {
		t.Fatalf("first stream missing: %v", err)
	}
	q2, err := streams.Next(ctx)
	if err != nil {
		t.Fatalf("second stream missing: %v", err)
	}

	if _, err := q1.Accept(ctx); err != nil {
		t.Fatalf("Accept failed: %v", err)
	}
	if err := q2.ShutdownCircuit(); err != nil {
		t.Fatalf("ShutdownCircuit failed: %v", err)
	}

	// The whole circuit is gone: its stream source drains and both client
	// streams fail.
	if _, err := streams.Next(ctx); !errors.Is(err, io.EOF) {
		t.Errorf("expected io.EOF from stream source, got %v", err)
	}
	buf := make([]byte, 4)
	if _, err := s1.Read(buf); err == nil {
		t.Error("expected sibling stream read to fail")
	}
	if _, err := s2.Read(buf); err == nil {
		t.Error("expected sibling stream read to fail")
	}
}

// ============================================================================
// Service shutdown
// ============================================================================

func TestHandleCloseUnpublishes(t *testing.T) {
	ctx := testContext(t)
	p := newTestProvider(t)
	handle, source, addr := launchTestService(t, p)

	if err := handle.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := handle.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}

	if status := handle.Status(); status != transport.StatusShutdown {
		t.Errorf("expected SHUTDOWN, got %v", status)
	}
	if _, err := source.Next(ctx); !errors.Is(err, io.EOF) {
		t.Errorf("expected io.EOF after close, got %v", err)
	}
	if _, err := p.Connect(ctx, addr+":80", transport.ConnectOptions{}); !errors.Is(err, ErrUnknownAddress) {
		t.Errorf("expected ErrUnknownAddress after unpublish, got %v", err)
	}
}

func TestStatusHook(t *testing.T) {
	p := newTestProvider(t)
	handle, _, _ := launchTestService(t, p)

	h := handle.(*serviceHandle)
	h.setStatus(transport.StatusDegradedReachable)
	if status := handle.Status(); status != transport.StatusDegradedReachable {
		t.Errorf("expected DEGRADED_REACHABLE, got %v", status)
	}
}

// ============================================================================
// Address resolution
// ============================================================================

func TestConnectUnknownAddress(t *testing.T) {
	ctx := testContext(t)
	p := newTestProvider(t)

	ghost, err := onionv3.Generate()
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if _, err := p.Connect(ctx, ghost.String()+":80", transport.ConnectOptions{}); !errors.Is(err, ErrUnknownAddress) {
		t.Errorf("expected ErrUnknownAddress, got %v", err)
	}
}

func TestServiceKeyDeterminesAddress(t *testing.T) {
	p := newTestProvider(t)

	ident, err := onionv3.Generate()
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	handle, _, err := p.LaunchService(context.Background(), transport.ServiceOptions{
		Nickname:  "svc",
		SecretKey: ident.SecretKey(),
	})
	if err != nil {
		t.Fatalf("LaunchService failed: %v", err)
	}
	defer handle.Close()

	addr, ok := handle.OnionAddress()
	if !ok || addr != ident.String() {
		t.Errorf("address = %q, want %q", addr, ident.String())
	}
}

// ============================================================================
// Direct (exit) streams
// ============================================================================

func TestDirectConnect(t *testing.T) {
	ctx := testContext(t)
	p := newTestProvider(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		io.Copy(conn, conn)
	}()

	ds, err := p.Connect(ctx, ln.Addr().String(), transport.ConnectOptions{})
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer ds.Close()

	if err := ds.WaitConnected(ctx); err != nil {
		t.Fatalf("WaitConnected failed: %v", err)
	}
	if _, err := ds.Write([]byte("ping")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	buf := make([]byte, 4)
	if _, err := io.ReadFull(ds, buf); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if string(buf) != "ping" {
		t.Errorf("echo read %q", buf)
	}
}

// ============================================================================
// Raw wire behavior
// ============================================================================

// rawDial opens a plain QUIC connection to a published service, bypassing
// Connect, so tests can exercise the acceptor with raw frames.
func rawDial(t *testing.T, ctx context.Context, p *Provider, address string) quic.Connection {
	t.Helper()

	endpoint, certPEM, err := p.dir.resolve(address)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	pool, err := certutil.CertPool(certPEM)
	if err != nil {
		t.Fatalf("CertPool failed: %v", err)
	}
	conn, err := quic.DialAddr(ctx, endpoint, &tls.Config{
		RootCAs:    pool,
		ServerName: address,
		NextProtos: []string{alpnProtocol},
		MinVersion: tls.VersionTLS13,
	}, newQUICConfig())
	if err != nil {
		t.Fatalf("DialAddr failed: %v", err)
	}
	t.Cleanup(func() { conn.CloseWithError(codeClosed, "test done") })
	return conn
}

func TestAcceptorSkipsMalformedFrames(t *testing.T) {
	ctx := testContext(t)
	p := newTestProvider(t)
	_, source, addr := launchTestService(t, p)

	conn := rawDial(t, ctx, p, addr)

	// First stream carries a truncated frame: a header promising a host
	// that never arrives.
	bad, err := conn.OpenStreamSync(ctx)
	if err != nil {
		t.Fatalf("OpenStreamSync failed: %v", err)
	}
	if _, err := bad.Write([]byte{cmdBegin, 0x00, 0x50, 0x09}); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	bad.Close()

	good, err := conn.OpenStreamSync(ctx)
	if err != nil {
		t.Fatalf("OpenStreamSync failed: %v", err)
	}
	frame, err := encodeRequest(cmdBegin, "example.com", 80)
	if err != nil {
		t.Fatalf("encodeRequest failed: %v", err)
	}
	if _, err := good.Write(frame); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	streams := acceptOneCircuit(t, ctx, source)
	req, err := streams.Next(ctx)
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	host, port, ok := req.Target()
	if !ok || host != "example.com" || port != 80 {
		t.Errorf("target = %q:%d ok=%v, want example.com:80", host, port, ok)
	}
}

func TestNonBeginRequest(t *testing.T) {
	ctx := testContext(t)
	p := newTestProvider(t)
	_, source, addr := launchTestService(t, p)

	conn := rawDial(t, ctx, p, addr)
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		t.Fatalf("OpenStreamSync failed: %v", err)
	}
	frame, err := encodeRequest(cmdResolve, "example.com", 0)
	if err != nil {
		t.Fatalf("encodeRequest failed: %v", err)
	}
	if _, err := stream.Write(frame); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	streams := acceptOneCircuit(t, ctx, source)
	req, err := streams.Next(ctx)
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if req.IsBegin() {
		t.Error("resolve request reported as begin")
	}
	if _, _, ok := req.Target(); ok {
		t.Error("non-begin request has a target")
	}
	if err := req.Reject(ctx); err != nil {
		t.Fatalf("Reject failed: %v", err)
	}

	// The initiator sees the end signal.
	reply := make([]byte, 1)
	if _, err := io.ReadFull(stream, reply); err != nil {
		t.Fatalf("reply read failed: %v", err)
	}
	if reply[0] != replyEnd {
		t.Errorf("reply = 0x%02x, want end", reply[0])
	}
}
