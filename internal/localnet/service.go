package localnet

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/quietlane/quietlane/internal/certutil"
	"github.com/quietlane/quietlane/internal/logging"
	"github.com/quietlane/quietlane/internal/onionv3"
	"github.com/quietlane/quietlane/internal/transport"
)

// rendQueueSize bounds rendezvous attempts waiting to be polled.
const rendQueueSize = 16

// LaunchService starts a QUIC listener for the service, publishes its
// address in the directory and begins accepting rendezvous circuits.
func (p *Provider) LaunchService(ctx context.Context, opts transport.ServiceOptions) (transport.ServiceHandle, transport.RendSource, error) {
	if err := p.ready(); err != nil {
		return nil, nil, err
	}

	var ident *onionv3.Address
	var err error
	if opts.SecretKey != nil {
		ident, err = onionv3.FromSecret(opts.SecretKey)
	} else {
		ident, err = onionv3.Generate()
	}
	if err != nil {
		return nil, nil, err
	}
	address := ident.String()

	cert, err := certutil.Generate(certutil.ServerOptions(address))
	if err != nil {
		return nil, nil, err
	}
	tlsCert, err := cert.TLSCertificate()
	if err != nil {
		return nil, nil, err
	}
	tlsConf := &tls.Config{
		Certificates: []tls.Certificate{tlsCert},
		NextProtos:   []string{alpnProtocol},
		MinVersion:   tls.VersionTLS13,
	}

	listener, err := quic.ListenAddr("127.0.0.1:0", tlsConf, newQUICConfig())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to start service listener: %w", err)
	}

	hctx, hcancel := context.WithCancel(p.ctx)
	h := &serviceHandle{
		provider: p,
		logger:   logging.ForComponent(p.logger, "service"),
		address:  address,
		nickname: opts.Nickname,
		listener: listener,
		ctx:      hctx,
		cancel:   hcancel,
		requests: make(chan *rendRequest, rendQueueSize),
		status:   transport.StatusBootstrapping,
	}

	endpoint := listener.Addr().String()
	if err := p.dir.register(address, endpoint, cert.CertPEM); err != nil {
		hcancel()
		listener.Close()
		return nil, nil, err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		hcancel()
		listener.Close()
		p.dir.unregister(address)
		return nil, nil, ErrProviderClosed
	}
	p.services = append(p.services, h)
	p.mu.Unlock()

	h.setStatus(transport.StatusRunning)
	go h.acceptLoop()

	h.logger.Info("Service published",
		logging.KeyService, opts.Nickname,
		logging.KeyAddress, address,
		logging.KeyLocalAddr, endpoint)

	return h, &rendSource{handle: h}, nil
}

// serviceHandle is one published service backed by a QUIC listener.
type serviceHandle struct {
	provider *Provider
	logger   *slog.Logger
	address  string
	nickname string
	listener *quic.Listener
	ctx      context.Context
	cancel   context.CancelFunc
	requests chan *rendRequest

	closeOnce sync.Once
	closeErr  error

	mu     sync.Mutex
	status transport.Status
}

func (h *serviceHandle) Status() transport.Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

func (h *serviceHandle) setStatus(s transport.Status) {
	h.mu.Lock()
	h.status = s
	h.mu.Unlock()
}

func (h *serviceHandle) OnionAddress() (string, bool) {
	return h.address, h.address != ""
}

// acceptLoop turns inbound connections into rendezvous requests. It owns
// the requests channel.
func (h *serviceHandle) acceptLoop() {
	defer close(h.requests)
	for {
		conn, err := h.listener.Accept(h.ctx)
		if err != nil {
			if h.ctx.Err() != nil {
				return
			}
			h.setStatus(transport.StatusBroken)
			h.logger.Error("Service listener failed",
				logging.KeyAddress, h.address,
				logging.KeyError, err)
			return
		}

		req := &rendRequest{conn: conn}
		select {
		case h.requests <- req:
		case <-h.ctx.Done():
			conn.CloseWithError(codeShutdown, "service shutting down")
			return
		}
	}
}

// Close unpublishes the service and stops accepting circuits. Circuits
// already accepted stay alive until their owners close them.
func (h *serviceHandle) Close() error {
	h.closeOnce.Do(func() {
		h.cancel()
		h.setStatus(transport.StatusShutdown)

		if err := h.provider.dir.unregister(h.address); err != nil {
			h.logger.Warn("Failed to unpublish address",
				logging.KeyAddress, h.address,
				logging.KeyError, err)
		}
		h.closeErr = h.listener.Close()

		// Tear down attempts that were queued but never polled.
		go func() {
			for req := range h.requests {
				req.conn.CloseWithError(codeShutdown, "service shutting down")
			}
		}()

		h.provider.removeService(h)
		h.logger.Info("Service stopped",
			logging.KeyService, h.nickname,
			logging.KeyAddress, h.address)
	})
	return h.closeErr
}

// rendSource yields the service's inbound rendezvous requests.
type rendSource struct {
	handle *serviceHandle
}

func (s *rendSource) Next(ctx context.Context) (transport.RendRequest, error) {
	select {
	case req, ok := <-s.handle.requests:
		if !ok {
			return nil, io.EOF
		}
		return req, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// rendRequest is one inbound circuit before it is accepted.
type rendRequest struct {
	conn quic.Connection
}

func (r *rendRequest) Accept(ctx context.Context) (transport.StreamSource, error) {
	return &streamSource{conn: r.conn}, nil
}

func (r *rendRequest) Reject(ctx context.Context) error {
	return r.conn.CloseWithError(codeRejected, "")
}

// streamSource yields stream requests arriving on one accepted circuit.
type streamSource struct {
	conn quic.Connection
}

func (s *streamSource) Next(ctx context.Context) (transport.StreamRequest, error) {
	for {
		stream, err := s.conn.AcceptStream(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			// The circuit is gone.
			return nil, io.EOF
		}

		cmd, host, port, err := readRequest(stream)
		if err != nil {
			stream.CancelRead(0)
			stream.Close()
			continue
		}

		return &streamRequest{
			conn:   s.conn,
			stream: stream,
			cmd:    cmd,
			host:   host,
			port:   port,
		}, nil
	}
}

func readRequest(stream quic.Stream) (byte, string, uint16, error) {
	stream.SetReadDeadline(time.Now().Add(beginTimeout))
	defer stream.SetReadDeadline(time.Time{})
	return decodeRequest(stream)
}

// streamRequest is one inbound stream on an accepted circuit.
type streamRequest struct {
	conn   quic.Connection
	stream quic.Stream
	cmd    byte
	host   string
	port   uint16
}

func (r *streamRequest) IsBegin() bool {
	return r.cmd == cmdBegin
}

func (r *streamRequest) Target() (string, uint16, bool) {
	if !r.IsBegin() {
		return "", 0, false
	}
	return r.host, r.port, true
}

func (r *streamRequest) Accept(ctx context.Context) (transport.DataStream, error) {
	if _, err := r.stream.Write([]byte{replyConnected}); err != nil {
		return nil, fmt.Errorf("failed to confirm stream: %w", err)
	}
	return &serverStream{stream: r.stream}, nil
}

func (r *streamRequest) Reject(ctx context.Context) error {
	if _, err := r.stream.Write([]byte{replyEnd}); err != nil {
		return fmt.Errorf("failed to send end: %w", err)
	}
	r.stream.CancelRead(0)
	return r.stream.Close()
}

func (r *streamRequest) ShutdownCircuit() error {
	return r.conn.CloseWithError(codeShutdown, "circuit shutdown")
}

// serverStream is the accept side of one circuit stream.
type serverStream struct {
	stream quic.Stream
}

func (s *serverStream) Read(p []byte) (int, error)  { return s.stream.Read(p) }
func (s *serverStream) Write(p []byte) (int, error) { return s.stream.Write(p) }

// WaitConnected reports success immediately; accepting the request already
// confirmed the stream.
func (s *serverStream) WaitConnected(ctx context.Context) error { return nil }

func (s *serverStream) Flush(ctx context.Context) error { return nil }

func (s *serverStream) Close() error {
	s.stream.CancelRead(0)
	return s.stream.Close()
}
