// Package service owns the lifecycle of one published hidden service: its
// operational state machine, the rendezvous request pipeline, and graceful
// shutdown.
package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/quietlane/quietlane/internal/logging"
	"github.com/quietlane/quietlane/internal/rendezvous"
	"github.com/quietlane/quietlane/internal/transport"
)

var (
	// ErrServiceBroken is returned by WaitRunning when the service reaches
	// a state it cannot recover from.
	ErrServiceBroken = errors.New("service is broken")

	// ErrServiceStartTimeout is returned by WaitRunning when the deadline
	// elapses before the service reaches Running.
	ErrServiceStartTimeout = errors.New("timed out waiting for service to start")
)

// waitInterval is the state polling interval of WaitRunning.
const waitInterval = 500 * time.Millisecond

// State is the operational state of a published service as seen through its
// controller.
type State int

const (
	// StateUnknown means the underlying handle reported something this
	// controller cannot classify.
	StateUnknown State = iota

	// StateBootstrapping means the service is establishing its initial
	// presence on the network.
	StateBootstrapping

	// StateDegradedReachable means the service is reachable but degraded.
	StateDegradedReachable

	// StateDegradedUnreachable means the service is probably unreachable.
	StateDegradedUnreachable

	// StateRunning means the service is fully established.
	StateRunning

	// StateRecovering means the service is re-establishing itself.
	StateRecovering

	// StateBroken means the service failed permanently. The controller
	// still has to be closed to release its resources.
	StateBroken

	// StateShutdown means the controller has been closed or the handle is
	// gone. Terminal.
	StateShutdown
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateBootstrapping:
		return "BOOTSTRAPPING"
	case StateDegradedReachable:
		return "DEGRADED_REACHABLE"
	case StateDegradedUnreachable:
		return "DEGRADED_UNREACHABLE"
	case StateRunning:
		return "RUNNING"
	case StateRecovering:
		return "RECOVERING"
	case StateBroken:
		return "BROKEN"
	case StateShutdown:
		return "SHUTDOWN"
	default:
		return "UNKNOWN"
	}
}

// AddressLookup resolves a service nickname to its onion address from local
// key storage.
type AddressLookup interface {
	Address(nickname string) (string, error)
}

// Config carries the collaborators of a Controller.
type Config struct {
	// Handle is the running service handle from the network layer.
	Handle transport.ServiceHandle

	// Source yields the service's inbound rendezvous requests.
	Source transport.RendSource

	// Nickname is the service's name in local key storage.
	Nickname string

	// Keys optionally resolves the published address when the handle
	// does not know it.
	Keys AddressLookup

	// RateLimit optionally bounds rendezvous intake. Nil means unlimited.
	RateLimit *rate.Limiter

	// Logger defaults to a no-op logger.
	Logger *slog.Logger
}

// Controller owns one published hidden service. It is handed out by the
// client's service launch path; the zero value reports StateShutdown and
// fails every poll.
type Controller struct {
	ctx    context.Context
	cancel context.CancelFunc

	nickname string
	keys     AddressLookup
	logger   *slog.Logger

	mu       sync.Mutex
	handle   transport.ServiceHandle
	pipeline *rendezvous.RendPipeline

	closeOnce sync.Once
}

// New assembles a controller around a launched service. Intended for the
// client launch path, not for applications.
func New(cfg Config) *Controller {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		ctx:      ctx,
		cancel:   cancel,
		nickname: cfg.Nickname,
		keys:     cfg.Keys,
		logger:   logger,
		handle:   cfg.Handle,
		pipeline: rendezvous.NewRendPipeline(ctx, cfg.Source, cfg.RateLimit),
	}
}

// State reports the service's current operational state. A closed controller
// reports StateShutdown regardless of what the handle last reported.
func (c *Controller) State() State {
	if c == nil || c.ctx == nil || c.ctx.Err() != nil {
		return StateShutdown
	}

	c.mu.Lock()
	handle := c.handle
	c.mu.Unlock()
	if handle == nil {
		return StateShutdown
	}
	return stateFromStatus(handle.Status())
}

func stateFromStatus(st transport.Status) State {
	switch st {
	case transport.StatusBootstrapping:
		return StateBootstrapping
	case transport.StatusDegradedReachable:
		return StateDegradedReachable
	case transport.StatusDegradedUnreachable:
		return StateDegradedUnreachable
	case transport.StatusRunning:
		return StateRunning
	case transport.StatusRecovering:
		return StateRecovering
	case transport.StatusBroken:
		return StateBroken
	case transport.StatusShutdown:
		return StateShutdown
	default:
		return StateUnknown
	}
}

// Address returns the service's published address. It prefers the handle's
// answer and falls back to local key storage; ok is false when neither knows
// the address, which is not an error.
func (c *Controller) Address() (string, bool) {
	if c == nil {
		return "", false
	}

	c.mu.Lock()
	handle := c.handle
	c.mu.Unlock()
	if handle != nil {
		if addr, ok := handle.OnionAddress(); ok {
			return addr, true
		}
	}

	if c.keys != nil && c.nickname != "" {
		if addr, err := c.keys.Address(c.nickname); err == nil {
			return addr, true
		}
	}
	return "", false
}

// WaitRunning polls the service state every 500ms until it observes Running.
// It fails with ErrServiceBroken on Broken, rendezvous.ErrServiceClosed on
// Shutdown, and ErrServiceStartTimeout once timeout elapses; a timeout of 0
// waits without deadline. Fast transient states between polls may be missed;
// that is inherent to polling and acceptable.
func (c *Controller) WaitRunning(ctx context.Context, timeout time.Duration) error {
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	ticker := time.NewTicker(waitInterval)
	defer ticker.Stop()

	for {
		switch c.State() {
		case StateRunning:
			return nil
		case StateBroken:
			return ErrServiceBroken
		case StateShutdown:
			return rendezvous.ErrServiceClosed
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			return ErrServiceStartTimeout
		case <-ticker.C:
		}
	}
}

// Poll returns the next inbound rendezvous request envelope, delegating to
// the service's pipeline with its cancellation bias.
func (c *Controller) Poll(ctx context.Context) (*rendezvous.RendRequest, error) {
	if c == nil || c.pipeline == nil {
		return nil, rendezvous.ErrServiceClosed
	}
	return c.pipeline.Poll(ctx)
}

// Close shuts the service down: it raises the shared cancellation, releases
// the handle and discards the rendezvous pipeline. Idempotent, bounded, and
// safe to call from a finalizer.
func (c *Controller) Close() error {
	if c == nil {
		return nil
	}
	c.closeOnce.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}

		c.mu.Lock()
		handle := c.handle
		c.handle = nil
		c.mu.Unlock()

		if handle != nil {
			if err := handle.Close(); err != nil {
				c.logger.Warn("service handle close failed",
					logging.KeyService, c.nickname,
					logging.KeyError, err)
			}
		}
		c.pipeline.Discard()

		c.logger.Info("hidden service closed", logging.KeyService, c.nickname)
	})
	return nil
}
