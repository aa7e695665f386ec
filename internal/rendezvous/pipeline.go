package rendezvous

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/time/rate"

	"github.com/quietlane/quietlane/internal/transport"
)

// ErrServiceClosed is returned by pipeline polls once the owning service has
// been closed, its cancellation raised, or the underlying request sequence
// exhausted.
var ErrServiceClosed = errors.New("service is closed")

// pullResult carries the outcome of one background pull from a source.
type pullResult[T any] struct {
	item T
	err  error
}

// pipe serializes consumption of one asynchronous source of inbound items.
// A pull abandoned by a canceled caller keeps running against the pipeline
// context and its result is retained for the next poller, so at most one
// consumer ever observes the source.
type pipe[T any] struct {
	ctx     context.Context
	limiter *rate.Limiter

	mu      sync.Mutex
	src     func(context.Context) (T, error)
	pulling bool
	pending chan pullResult[T]
}

func newPipe[T any](ctx context.Context, src func(context.Context) (T, error), limiter *rate.Limiter) *pipe[T] {
	return &pipe[T]{
		ctx:     ctx,
		limiter: limiter,
		src:     src,
		pending: make(chan pullResult[T], 1),
	}
}

// poll returns the next item from the source. Cancellation of the pipeline
// context wins against an item that becomes ready at the same instant.
func (p *pipe[T]) poll(ctx context.Context) (T, error) {
	var zero T
	if p == nil || p.ctx == nil || p.ctx.Err() != nil {
		return zero, ErrServiceClosed
	}

	if p.limiter != nil {
		wctx, cancel := context.WithCancel(ctx)
		stop := context.AfterFunc(p.ctx, cancel)
		err := p.limiter.Wait(wctx)
		stop()
		cancel()
		if err != nil {
			if p.ctx.Err() != nil {
				return zero, ErrServiceClosed
			}
			return zero, err
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ctx.Err() != nil {
		return zero, ErrServiceClosed
	}
	if p.src == nil && !p.pulling {
		return zero, ErrServiceClosed
	}

	if !p.pulling {
		src := p.src
		p.pulling = true
		// The pull runs against the pipeline context, not the caller's,
		// so an abandoned wait leaves it for the next poll.
		go func() {
			item, err := src(p.ctx)
			p.pending <- pullResult[T]{item: item, err: err}
		}()
	}

	select {
	case <-p.ctx.Done():
		return zero, ErrServiceClosed
	case <-ctx.Done():
		return zero, ctx.Err()
	case res := <-p.pending:
		p.pulling = false
		// Cancellation wins a tie against a completed pull.
		if p.ctx.Err() != nil {
			return zero, ErrServiceClosed
		}
		if res.err != nil {
			if errors.Is(res.err, io.EOF) {
				p.src = nil
				return zero, ErrServiceClosed
			}
			return zero, fmt.Errorf("request source failed: %w", res.err)
		}
		return res.item, nil
	}
}

// discard drops the source reference. The owner must have canceled the
// pipeline context first so an in-flight poll releases the lock promptly.
func (p *pipe[T]) discard() {
	if p == nil {
		return
	}
	p.mu.Lock()
	p.src = nil
	p.mu.Unlock()
}

// RendPipeline yields inbound rendezvous requests for one running service,
// one poller at a time. Obtained from a launched service; the zero value is
// closed.
type RendPipeline struct {
	inner *pipe[transport.RendRequest]
}

// NewRendPipeline wraps a rendezvous request source. ctx is the owning
// service's cancellation context; once it is canceled every poll fails with
// ErrServiceClosed. limiter optionally bounds the intake rate; nil means
// unlimited. Intended for the service controller, not for applications.
func NewRendPipeline(ctx context.Context, src transport.RendSource, limiter *rate.Limiter) *RendPipeline {
	return &RendPipeline{
		inner: newPipe(ctx, src.Next, limiter),
	}
}

// Poll returns the next rendezvous request envelope. Concurrent callers are
// serialized; cancellation biases the wait as described on pipe.poll.
func (p *RendPipeline) Poll(ctx context.Context) (*RendRequest, error) {
	if p == nil || p.inner == nil {
		return nil, ErrServiceClosed
	}
	raw, err := p.inner.poll(ctx)
	if err != nil {
		return nil, err
	}
	return &RendRequest{raw: raw, ctx: p.inner.ctx}, nil
}

// Discard drops the underlying request source. Called by the owning
// controller during close, after cancellation has been raised.
func (p *RendPipeline) Discard() {
	if p == nil {
		return
	}
	p.inner.discard()
}

// StreamPipeline yields inbound stream requests for one accepted rendezvous
// circuit, one poller at a time. Obtained from RendRequest.Accept; the zero
// value is closed.
type StreamPipeline struct {
	inner *pipe[transport.StreamRequest]
}

func newStreamPipeline(ctx context.Context, src transport.StreamSource) *StreamPipeline {
	return &StreamPipeline{
		inner: newPipe(ctx, src.Next, nil),
	}
}

// Poll returns the next stream request envelope, with the same serialization
// and cancellation bias as RendPipeline.Poll.
func (p *StreamPipeline) Poll(ctx context.Context) (*StreamRequest, error) {
	if p == nil || p.inner == nil {
		return nil, ErrServiceClosed
	}
	raw, err := p.inner.poll(ctx)
	if err != nil {
		return nil, err
	}
	return &StreamRequest{raw: raw}, nil
}
