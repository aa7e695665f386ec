// Package localnet is a loopback implementation of the transport provider
// for development and integration testing. Services listen on QUIC over
// 127.0.0.1 and publish their endpoint in a file-backed address directory;
// dialers resolve the directory and connect with the service certificate
// pinned. A QUIC connection stands in for a rendezvous circuit and each
// QUIC stream for one stream on it.
//
// localnet provides no anonymity. It exists so the session and service
// layers can be exercised against a real network path.
package localnet

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/quietlane/quietlane/internal/certutil"
	"github.com/quietlane/quietlane/internal/logging"
	"github.com/quietlane/quietlane/internal/onionv3"
	"github.com/quietlane/quietlane/internal/transport"
)

const (
	alpnProtocol = "quietlane/1"

	maxIdleTimeout     = 60 * time.Second
	keepAlivePeriod    = 30 * time.Second
	maxIncomingStreams = 10000

	// beginTimeout bounds how long an accepted stream may take to deliver
	// its open frame.
	beginTimeout = 10 * time.Second
)

// Application error codes carried on connection teardown.
const (
	codeClosed   quic.ApplicationErrorCode = 0x00
	codeRejected quic.ApplicationErrorCode = 0x01
	codeShutdown quic.ApplicationErrorCode = 0x02
)

var (
	// ErrNotBootstrapped is returned when the provider is used before
	// Bootstrap.
	ErrNotBootstrapped = errors.New("provider is not bootstrapped")

	// ErrProviderClosed is returned after Close.
	ErrProviderClosed = errors.New("provider is closed")

	// ErrRefused is returned when the remote service answers a stream
	// request with an end signal.
	ErrRefused = errors.New("stream refused by service")
)

// Options configures a loopback provider.
type Options struct {
	// Dir is the state directory holding the address registry. Required.
	Dir string

	// Logger defaults to a no-op logger.
	Logger *slog.Logger
}

// circuitKey identifies one pooled connection. Streams in different
// isolation groups never share a connection.
type circuitKey struct {
	endpoint string
	group    uint64
}

// Provider implements transport.Provider over loopback QUIC.
type Provider struct {
	stateDir string
	logger   *slog.Logger
	ctx      context.Context
	cancel   context.CancelFunc

	closeOnce sync.Once

	mu           sync.Mutex
	bootstrapped bool
	closed       bool
	dir          *directory
	services     []*serviceHandle
	circuits     map[circuitKey]quic.Connection
}

// New creates an unbootstrapped loopback provider.
func New(opts Options) (*Provider, error) {
	if opts.Dir == "" {
		return nil, errors.New("a state directory is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Provider{
		stateDir: opts.Dir,
		logger:   logging.ForComponent(opts.Logger, "localnet"),
		ctx:      ctx,
		cancel:   cancel,
		circuits: make(map[circuitKey]quic.Connection),
	}, nil
}

// Bootstrap prepares the address directory. Idempotent.
func (p *Provider) Bootstrap(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrProviderClosed
	}
	if p.bootstrapped {
		return nil
	}

	dir, err := openDirectory(p.stateDir)
	if err != nil {
		return err
	}
	p.dir = dir
	p.bootstrapped = true
	p.logger.Info("Loopback network ready", "dir", p.stateDir)
	return nil
}

func (p *Provider) ready() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrProviderClosed
	}
	if !p.bootstrapped {
		return ErrNotBootstrapped
	}
	return nil
}

// Connect opens a stream to addr. Onion targets are resolved through the
// address directory and carried over a pooled QUIC connection; all other
// targets are dialed directly, standing in for an exit.
func (p *Provider) Connect(ctx context.Context, addr string, opts transport.ConnectOptions) (transport.DataStream, error) {
	if err := p.ready(); err != nil {
		return nil, err
	}

	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid address %q: %w", addr, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, fmt.Errorf("invalid port in address %q: %w", addr, err)
	}

	if strings.HasSuffix(strings.ToLower(host), onionv3.Suffix) {
		return p.connectOnion(ctx, strings.ToLower(host), uint16(port), opts)
	}
	return p.connectDirect(ctx, addr, opts)
}

func (p *Provider) connectDirect(ctx context.Context, addr string, opts transport.ConnectOptions) (transport.DataStream, error) {
	network := "tcp"
	switch opts.IPFamily {
	case transport.IPFamilyV4Only:
		network = "tcp4"
	case transport.IPFamilyV6Only:
		network = "tcp6"
	}

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, network, addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}

	p.logger.Debug("Direct stream opened", logging.KeyTarget, addr)
	return &directStream{conn: conn}, nil
}

func (p *Provider) connectOnion(ctx context.Context, host string, port uint16, opts transport.ConnectOptions) (transport.DataStream, error) {
	p.mu.Lock()
	dir := p.dir
	p.mu.Unlock()

	endpoint, certPEM, err := dir.resolve(host)
	if err != nil {
		return nil, err
	}
	key := circuitKey{endpoint: endpoint, group: opts.IsolationGroup}

	frame, err := encodeRequest(cmdBegin, host, port)
	if err != nil {
		return nil, err
	}

	// A pooled connection may have died since it was cached; retry once
	// with a fresh one before giving up.
	for attempt := 0; ; attempt++ {
		circuit, fresh, err := p.circuit(ctx, key, host, certPEM)
		if err != nil {
			return nil, err
		}

		stream, err := circuit.OpenStreamSync(ctx)
		if err != nil {
			p.dropCircuit(key, circuit)
			if fresh || attempt > 0 || ctx.Err() != nil {
				return nil, fmt.Errorf("failed to open circuit stream: %w", err)
			}
			continue
		}

		if _, err := stream.Write(frame); err != nil {
			stream.CancelRead(0)
			stream.Close()
			return nil, fmt.Errorf("failed to send stream request: %w", err)
		}

		cs := &circuitStream{stream: stream}
		if !opts.Optimistic {
			if err := cs.WaitConnected(ctx); err != nil {
				cs.Close()
				return nil, err
			}
		}

		p.logger.Debug("Circuit stream opened",
			logging.KeyTarget, net.JoinHostPort(host, strconv.Itoa(int(port))),
			"isolation_group", opts.IsolationGroup)
		return cs, nil
	}
}

// circuit returns a live pooled connection for key, dialing one if needed.
// fresh reports whether the connection was dialed by this call.
func (p *Provider) circuit(ctx context.Context, key circuitKey, serverName string, certPEM []byte) (quic.Connection, bool, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, false, ErrProviderClosed
	}
	if conn, ok := p.circuits[key]; ok && conn.Context().Err() == nil {
		p.mu.Unlock()
		return conn, false, nil
	}
	p.mu.Unlock()

	pool, err := certutil.CertPool(certPEM)
	if err != nil {
		return nil, false, fmt.Errorf("bad service certificate for %s: %w", serverName, err)
	}
	tlsConf := &tls.Config{
		RootCAs:    pool,
		ServerName: serverName,
		NextProtos: []string{alpnProtocol},
		MinVersion: tls.VersionTLS13,
	}

	conn, err := quic.DialAddr(ctx, key.endpoint, tlsConf, newQUICConfig())
	if err != nil {
		return nil, false, fmt.Errorf("failed to dial %s: %w", key.endpoint, err)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		conn.CloseWithError(codeClosed, "provider closed")
		return nil, false, ErrProviderClosed
	}
	p.circuits[key] = conn
	p.mu.Unlock()

	p.logger.Debug("Circuit established",
		logging.KeyRemoteAddr, key.endpoint,
		"isolation_group", key.group)
	return conn, true, nil
}

func (p *Provider) dropCircuit(key circuitKey, conn quic.Connection) {
	p.mu.Lock()
	if p.circuits[key] == conn {
		delete(p.circuits, key)
	}
	p.mu.Unlock()
	conn.CloseWithError(codeClosed, "circuit replaced")
}

func (p *Provider) removeService(h *serviceHandle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, s := range p.services {
		if s == h {
			p.services = append(p.services[:i], p.services[i+1:]...)
			return
		}
	}
}

// Close shuts down all services and pooled connections.
func (p *Provider) Close() error {
	var lastErr error
	p.closeOnce.Do(func() {
		p.cancel()

		p.mu.Lock()
		p.closed = true
		services := append([]*serviceHandle(nil), p.services...)
		circuits := p.circuits
		p.circuits = nil
		p.mu.Unlock()

		for _, h := range services {
			if err := h.Close(); err != nil {
				lastErr = err
			}
		}
		for _, conn := range circuits {
			conn.CloseWithError(codeClosed, "provider closed")
		}
		p.logger.Info("Loopback network closed")
	})
	return lastErr
}

func newQUICConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:        maxIdleTimeout,
		KeepAlivePeriod:       keepAlivePeriod,
		MaxIncomingStreams:    maxIncomingStreams,
		MaxIncomingUniStreams: 0,
	}
}

// circuitStream is the dial side of one circuit stream. The first byte from
// the service is the connect reply; WaitConnected consumes it.
type circuitStream struct {
	stream quic.Stream

	waitOnce sync.Once
	waitErr  error
}

// WaitConnected blocks until the service confirms or refuses the stream.
func (s *circuitStream) WaitConnected(ctx context.Context) error {
	s.waitOnce.Do(func() {
		s.waitErr = s.readReply(ctx)
	})
	return s.waitErr
}

func (s *circuitStream) readReply(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		s.stream.SetReadDeadline(time.Now())
	})
	defer func() {
		stop()
		s.stream.SetReadDeadline(time.Time{})
	}()

	var reply [1]byte
	if _, err := io.ReadFull(s.stream, reply[:]); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("connection not confirmed: %w", err)
	}

	switch reply[0] {
	case replyConnected:
		return nil
	case replyEnd:
		return ErrRefused
	default:
		return fmt.Errorf("%w: unexpected reply 0x%02x", ErrInvalidFrame, reply[0])
	}
}

func (s *circuitStream) Read(p []byte) (int, error) {
	if err := s.WaitConnected(context.Background()); err != nil {
		return 0, err
	}
	return s.stream.Read(p)
}

func (s *circuitStream) Write(p []byte) (int, error) {
	return s.stream.Write(p)
}

// Flush is a no-op; stream data is pushed as it is written.
func (s *circuitStream) Flush(ctx context.Context) error {
	return nil
}

func (s *circuitStream) Close() error {
	s.stream.CancelRead(0)
	return s.stream.Close()
}

// directStream adapts a direct TCP connection, standing in for an exit
// stream to a non-onion target.
type directStream struct {
	conn net.Conn
}

func (s *directStream) Read(p []byte) (int, error)  { return s.conn.Read(p) }
func (s *directStream) Write(p []byte) (int, error) { return s.conn.Write(p) }

// WaitConnected reports success immediately; the TCP connect already
// completed when the stream was handed out.
func (s *directStream) WaitConnected(ctx context.Context) error { return nil }

func (s *directStream) Flush(ctx context.Context) error { return nil }

func (s *directStream) Close() error { return s.conn.Close() }
