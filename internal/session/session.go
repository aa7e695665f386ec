// Package session presents one established transport stream as a byte
// session with cancellable reads and an optional in-place transport
// security upgrade.
package session

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/quietlane/quietlane/internal/transport"
)

var (
	// ErrStreamClosed is returned for any operation on a closed stream.
	ErrStreamClosed = errors.New("stream is closed")

	// ErrAlreadySecured is returned when UpgradeTLS is called on a stream
	// that is already secured.
	ErrAlreadySecured = errors.New("transport security already enabled")
)

// readResult carries the outcome of one background transport read.
type readResult struct {
	data []byte
	err  error
}

// surface is the active I/O path of a stream, either the raw transport or
// its TLS wrapper.
type surface interface {
	io.Reader
	io.Writer
	Flush(ctx context.Context) error
}

// Stream owns exactly one established transport stream. It starts plain and
// can be secured once via UpgradeTLS; once closed, every operation fails
// with ErrStreamClosed. Streams are obtained from a client or from accepting
// an inbound stream request; the zero value is unusable and fails all calls.
//
// Concurrent Read/Write/UpgradeTLS calls on the same stream require external
// serialization by the caller. Close is the exception: it is safe to call at
// any time, including concurrently with a blocked Read, which it unblocks.
type Stream struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	base      transport.DataStream
	secured   *securedSurface
	tlsConfig *tls.Config

	closeOnce sync.Once

	// readMu serializes readers; pending retains the result of a read
	// abandoned by a canceled caller for the next reader.
	readMu   sync.Mutex
	pending  chan readResult
	leftover []byte
	readErr  error
}

// New wraps an established transport stream. tlsConfig overrides the client
// TLS configuration used by UpgradeTLS; nil selects system roots. Intended
// for transport adapters; applications obtain streams from a client.
func New(ds transport.DataStream, tlsConfig *tls.Config) *Stream {
	ctx, cancel := context.WithCancel(context.Background())
	return &Stream{
		ctx:       ctx,
		cancel:    cancel,
		base:      ds,
		tlsConfig: tlsConfig,
		pending:   make(chan readResult, 1),
	}
}

// WaitForConnection blocks until the transport confirms that the stream is
// established end to end. It returns nil immediately when establishment is
// already confirmed, which includes any secured stream.
func (s *Stream) WaitForConnection(ctx context.Context) error {
	if err := s.closedErr(); err != nil {
		return err
	}

	s.mu.Lock()
	base, secured := s.base, s.secured
	s.mu.Unlock()
	if secured != nil {
		return nil
	}

	wctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	if err := base.WaitConnected(wctx); err != nil {
		if s.ctx.Err() != nil {
			return ErrStreamClosed
		}
		return fmt.Errorf("connection wait failed: %w", err)
	}
	return nil
}

// Write writes all of p, retrying partial writes until the buffer is fully
// accepted or the transport fails.
func (s *Stream) Write(ctx context.Context, p []byte) error {
	if err := s.closedErr(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	out := s.surface()
	for len(p) > 0 {
		n, err := out.Write(p)
		p = p[n:]
		if err != nil {
			if s.ctx.Err() != nil {
				return ErrStreamClosed
			}
			return fmt.Errorf("write failed: %w", err)
		}
		if n == 0 && len(p) > 0 {
			return io.ErrShortWrite
		}
	}
	return nil
}

// Flush forces buffered output onto the network.
func (s *Stream) Flush(ctx context.Context) error {
	if err := s.closedErr(); err != nil {
		return err
	}

	fctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	if err := s.surface().Flush(fctx); err != nil {
		if s.ctx.Err() != nil {
			return ErrStreamClosed
		}
		return fmt.Errorf("flush failed: %w", err)
	}
	return nil
}

// Read returns up to maxLen bytes. It may return fewer, including none on
// transient conditions; a genuine end of stream is reported as io.EOF. When
// the stream is closed while a read is blocked, the read fails with
// ErrStreamClosed, and closure wins over data that becomes ready in the same
// instant.
func (s *Stream) Read(ctx context.Context, maxLen int) ([]byte, error) {
	if err := s.closedErr(); err != nil {
		return nil, err
	}
	if maxLen <= 0 {
		return nil, nil
	}

	s.readMu.Lock()
	defer s.readMu.Unlock()

	// Data trimmed from an earlier oversized delivery comes first.
	if len(s.leftover) > 0 {
		data := s.leftover
		if len(data) > maxLen {
			s.leftover = data[maxLen:]
			data = data[:maxLen]
		} else {
			s.leftover = nil
		}
		return data, nil
	}
	if s.readErr != nil {
		err := s.readErr
		s.readErr = nil
		return nil, s.mapReadErr(err)
	}

	// A read abandoned by an earlier canceled caller may have completed
	// in the meantime.
	select {
	case res := <-s.pending:
		return s.deliver(res, maxLen)
	default:
	}

	in := s.surface()
	go func() {
		buf := make([]byte, maxLen)
		n, err := in.Read(buf)
		s.pending <- readResult{data: buf[:n], err: err}
	}()

	select {
	case <-s.ctx.Done():
		return nil, ErrStreamClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-s.pending:
		// Closure wins a tie against a completed read.
		if s.ctx.Err() != nil {
			return nil, ErrStreamClosed
		}
		return s.deliver(res, maxLen)
	}
}

// deliver hands out one read result, trimming it to maxLen and holding back
// any trailing data or deferred error for the next call. Called with readMu
// held.
func (s *Stream) deliver(res readResult, maxLen int) ([]byte, error) {
	data := res.data
	if len(data) > maxLen {
		s.leftover = data[maxLen:]
		data = data[:maxLen]
	}
	if res.err != nil {
		if len(data) > 0 {
			s.readErr = res.err
			return data, nil
		}
		return nil, s.mapReadErr(res.err)
	}
	return data, nil
}

func (s *Stream) mapReadErr(err error) error {
	if errors.Is(err, io.EOF) {
		return io.EOF
	}
	if s.ctx.Err() != nil {
		return ErrStreamClosed
	}
	return fmt.Errorf("read failed: %w", err)
}

// UpgradeTLS performs a client-side TLS handshake over the stream in place,
// verifying the peer against serverName. Available only while the stream is
// plain and open; afterwards the stream behaves like any other secured
// stream. The caller must have completed WaitForConnection and must not have
// a read outstanding. Close aborts a hung handshake.
func (s *Stream) UpgradeTLS(ctx context.Context, serverName string) error {
	if err := s.closedErr(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.secured != nil {
		return ErrAlreadySecured
	}
	if s.ctx.Err() != nil {
		return ErrStreamClosed
	}

	cfg := s.tlsConfig.Clone()
	if cfg == nil {
		cfg = &tls.Config{}
	}
	if cfg.MinVersion == 0 {
		cfg.MinVersion = tls.VersionTLS12
	}
	cfg.ServerName = serverName

	conn := tls.Client(&streamConn{ds: s.base}, cfg)

	hctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	if err := conn.HandshakeContext(hctx); err != nil {
		if s.ctx.Err() != nil {
			return ErrStreamClosed
		}
		return fmt.Errorf("tls handshake failed: %w", err)
	}

	s.secured = &securedSurface{conn: conn, base: s.base}
	return nil
}

// Secured reports whether the stream has been upgraded.
func (s *Stream) Secured() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.secured != nil
}

// IsClosed reports whether the stream has been closed.
func (s *Stream) IsClosed() bool {
	return s.ctx == nil || s.ctx.Err() != nil
}

// Done returns a channel that is closed when the stream closes.
func (s *Stream) Done() <-chan struct{} {
	if s.ctx == nil {
		return nil
	}
	return s.ctx.Done()
}

// Close releases the transport and unblocks any pending read. Idempotent
// and safe to call from a finalizer.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.mu.Lock()
		base := s.base
		s.mu.Unlock()
		if base != nil {
			_ = base.Close()
		}
	})
	return nil
}

// closedErr reports ErrStreamClosed for closed streams and for the unusable
// zero value.
func (s *Stream) closedErr() error {
	if s.ctx == nil || s.ctx.Err() != nil {
		return ErrStreamClosed
	}
	return nil
}

// surface returns the current I/O path.
func (s *Stream) surface() surface {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.secured != nil {
		return s.secured
	}
	return s.base
}

// securedSurface routes reads and writes through the TLS session while
// flushing the underlying transport.
type securedSurface struct {
	conn *tls.Conn
	base transport.DataStream
}

func (t *securedSurface) Read(p []byte) (int, error)  { return t.conn.Read(p) }
func (t *securedSurface) Write(p []byte) (int, error) { return t.conn.Write(p) }

func (t *securedSurface) Flush(ctx context.Context) error {
	return t.base.Flush(ctx)
}

// streamConn adapts a transport stream to net.Conn for the TLS handshake.
// Deadlines are not supported and are silently ignored; the handshake is
// bounded by its context instead.
type streamConn struct {
	ds transport.DataStream
}

func (c *streamConn) Read(p []byte) (int, error)  { return c.ds.Read(p) }
func (c *streamConn) Write(p []byte) (int, error) { return c.ds.Write(p) }
func (c *streamConn) Close() error                { return c.ds.Close() }

func (c *streamConn) LocalAddr() net.Addr                { return sessionAddr{} }
func (c *streamConn) RemoteAddr() net.Addr               { return sessionAddr{} }
func (c *streamConn) SetDeadline(t time.Time) error      { return nil }
func (c *streamConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *streamConn) SetWriteDeadline(t time.Time) error { return nil }

// sessionAddr is the placeholder address reported by streamConn.
type sessionAddr struct{}

func (sessionAddr) Network() string { return "session" }
func (sessionAddr) String() string  { return "session" }
