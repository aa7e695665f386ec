// Package rendezvous implements the inbound side of a published service:
// consume-once envelopes around rendezvous and stream requests, and the
// serialized pipelines that yield them to one poller at a time.
package rendezvous

import (
	"context"
	"fmt"
	"sync"

	"github.com/quietlane/quietlane/internal/session"
	"github.com/quietlane/quietlane/internal/transport"
)

// RendRequest is one inbound rendezvous attempt, observed before the circuit
// is completed. Exactly one of Accept or Reject consumes it; calls on an
// already consumed envelope are no-ops returning an empty result, so double
// dispose is always safe. Envelopes are obtained from RendPipeline.Poll; the
// zero value is permanently consumed.
type RendRequest struct {
	mu  sync.Mutex
	raw transport.RendRequest
	ctx context.Context
}

// Accept completes the rendezvous and returns the pipeline of stream
// requests arriving on the new circuit. Returns (nil, nil) when the envelope
// was already consumed. The envelope counts as consumed even when the accept
// itself fails.
func (r *RendRequest) Accept(ctx context.Context) (*StreamPipeline, error) {
	raw := r.take()
	if raw == nil {
		return nil, nil
	}
	src, err := raw.Accept(ctx)
	if err != nil {
		return nil, fmt.Errorf("rendezvous accept failed: %w", err)
	}
	return newStreamPipeline(r.ctx, src), nil
}

// Reject declines the attempt without notifying the initiator. Returns nil
// when the envelope was already consumed.
func (r *RendRequest) Reject(ctx context.Context) error {
	raw := r.take()
	if raw == nil {
		return nil
	}
	if err := raw.Reject(ctx); err != nil {
		return fmt.Errorf("rendezvous reject failed: %w", err)
	}
	return nil
}

func (r *RendRequest) take() transport.RendRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	raw := r.raw
	r.raw = nil
	return raw
}

// StreamRequest is one inbound stream request on an accepted circuit.
// Exactly one of Accept, Reject or ShutdownCircuit consumes it, with the
// same double-dispose behavior as RendRequest. Envelopes are obtained from
// StreamPipeline.Poll; the zero value is permanently consumed.
type StreamRequest struct {
	mu  sync.Mutex
	raw transport.StreamRequest
}

// IsBegin reports whether this is a connection-open request. A consumed
// envelope reports false.
func (r *StreamRequest) IsBegin() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.raw != nil && r.raw.IsBegin()
}

// Target returns the requested host and port of a begin request. ok is
// false for non-begin requests and for consumed envelopes.
func (r *StreamRequest) Target() (host string, port uint16, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.raw == nil {
		return "", 0, false
	}
	return r.raw.Target()
}

// Accept acknowledges the request to the initiator and returns the session
// stream bound to it. Returns (nil, nil) when the envelope was already
// consumed. The envelope counts as consumed even when the accept fails.
func (r *StreamRequest) Accept(ctx context.Context) (*session.Stream, error) {
	raw := r.take()
	if raw == nil {
		return nil, nil
	}
	ds, err := raw.Accept(ctx)
	if err != nil {
		return nil, fmt.Errorf("stream accept failed: %w", err)
	}
	return session.New(ds, nil), nil
}

// Reject answers the request with an end signal. Returns nil when the
// envelope was already consumed.
func (r *StreamRequest) Reject(ctx context.Context) error {
	raw := r.take()
	if raw == nil {
		return nil
	}
	if err := raw.Reject(ctx); err != nil {
		return fmt.Errorf("stream reject failed: %w", err)
	}
	return nil
}

// ShutdownCircuit tears down the whole circuit carrying this request,
// including every sibling stream multiplexed on it. Returns nil when the
// envelope was already consumed.
func (r *StreamRequest) ShutdownCircuit() error {
	raw := r.take()
	if raw == nil {
		return nil
	}
	if err := raw.ShutdownCircuit(); err != nil {
		return fmt.Errorf("circuit shutdown failed: %w", err)
	}
	return nil
}

func (r *StreamRequest) take() transport.StreamRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	raw := r.raw
	r.raw = nil
	return raw
}
