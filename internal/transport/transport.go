// Package transport defines the narrow surface the session layer consumes
// from the underlying anonymity network: established byte streams, inbound
// rendezvous and stream requests, and running service handles. The network
// itself (circuit construction, path selection, directory handling) lives
// behind these interfaces and is not implemented in this repository.
package transport

import (
	"context"
	"io"
)

// Status reports the operational state of a running service as observed by
// the network layer.
type Status int

const (
	// StatusUnknown means the network layer could not classify the state.
	StatusUnknown Status = iota

	// StatusBootstrapping means the service is still establishing its
	// introduction points and uploading its first descriptors.
	StatusBootstrapping

	// StatusDegradedReachable means the service is reachable but part of
	// its infrastructure is failing.
	StatusDegradedReachable

	// StatusDegradedUnreachable means enough of the service's
	// infrastructure failed that it is probably unreachable.
	StatusDegradedUnreachable

	// StatusRunning means the service is fully established.
	StatusRunning

	// StatusRecovering means the service lost its established state and
	// is rebuilding it.
	StatusRecovering

	// StatusBroken means the service failed permanently and will not
	// recover on its own.
	StatusBroken

	// StatusShutdown means the service has been shut down.
	StatusShutdown
)

// String returns a human-readable status name.
func (s Status) String() string {
	switch s {
	case StatusBootstrapping:
		return "BOOTSTRAPPING"
	case StatusDegradedReachable:
		return "DEGRADED_REACHABLE"
	case StatusDegradedUnreachable:
		return "DEGRADED_UNREACHABLE"
	case StatusRunning:
		return "RUNNING"
	case StatusRecovering:
		return "RECOVERING"
	case StatusBroken:
		return "BROKEN"
	case StatusShutdown:
		return "SHUTDOWN"
	default:
		return "UNKNOWN"
	}
}

// DataStream is one established bidirectional byte stream. Implementations
// must unblock a pending Read when Close is called.
type DataStream interface {
	io.Reader
	io.Writer

	// WaitConnected blocks until the stream's establishment is confirmed
	// end to end, or fails with the establishment error. Returns
	// immediately when already confirmed.
	WaitConnected(ctx context.Context) error

	// Flush forces locally buffered data onto the network.
	Flush(ctx context.Context) error

	// Close releases the stream in both directions.
	Close() error
}

// RendRequest is one inbound rendezvous attempt, observed before the
// circuit is completed.
type RendRequest interface {
	// Accept completes the rendezvous and returns the source of stream
	// requests arriving on the new circuit.
	Accept(ctx context.Context) (StreamSource, error)

	// Reject declines the attempt. No notification is sent to the
	// initiator.
	Reject(ctx context.Context) error
}

// StreamRequest is one inbound stream request on an accepted circuit.
type StreamRequest interface {
	// IsBegin reports whether this is a connection-open request rather
	// than a resolve or other control request.
	IsBegin() bool

	// Target returns the requested host and port. ok is false unless
	// this is a begin request.
	Target() (host string, port uint16, ok bool)

	// Accept acknowledges the request to the initiator and returns the
	// data stream bound to it.
	Accept(ctx context.Context) (DataStream, error)

	// Reject answers the request with an end signal.
	Reject(ctx context.Context) error

	// ShutdownCircuit tears down the whole circuit, including every
	// sibling stream multiplexed on it.
	ShutdownCircuit() error
}

// RendSource yields inbound rendezvous requests for one running service.
// Next returns io.EOF once the service has shut down upstream.
type RendSource interface {
	Next(ctx context.Context) (RendRequest, error)
}

// StreamSource yields inbound stream requests for one accepted circuit.
// Next returns io.EOF once the circuit is gone.
type StreamSource interface {
	Next(ctx context.Context) (StreamRequest, error)
}

// ServiceHandle is a running published service.
type ServiceHandle interface {
	// Status reports the current operational state.
	Status() Status

	// OnionAddress returns the published address when the network layer
	// knows it. ok is false while the address is not yet available.
	OnionAddress() (string, bool)

	// Close stops publishing and releases the service.
	Close() error
}

// IPFamily selects address family handling for outbound targets.
type IPFamily int

const (
	// IPFamilyAny lets the network layer pick freely.
	IPFamilyAny IPFamily = iota

	// IPFamilyV4Only restricts connections to IPv4 targets.
	IPFamilyV4Only

	// IPFamilyV6Only restricts connections to IPv6 targets.
	IPFamilyV6Only

	// IPFamilyV4Preferred tries IPv4 first and falls back to IPv6.
	IPFamilyV4Preferred

	// IPFamilyV6Preferred tries IPv6 first and falls back to IPv4.
	IPFamilyV6Preferred
)

// ConnectOptions carries per-stream preferences for outbound connections.
type ConnectOptions struct {
	// ExitCountry restricts exit selection to an ISO 3166-1 alpha-2
	// region code. Empty means any exit.
	ExitCountry string

	// IPFamily selects address family handling for the target.
	IPFamily IPFamily

	// IsolationGroup separates streams that must not share circuits.
	// Zero is the shared default group.
	IsolationGroup uint64

	// Optimistic allows sending data before the connect handshake has
	// been acknowledged by the exit.
	Optimistic bool

	// AllowOnionTargets permits connecting to onion service targets.
	AllowOnionTargets bool
}

// ServiceOptions carries parameters for launching a published service.
type ServiceOptions struct {
	// Nickname identifies the service in local key storage.
	Nickname string

	// SecretKey is the 32-byte key seed to publish under. Nil lets the
	// provider load or create one for the nickname.
	SecretKey []byte

	// NumIntroPoints is the requested number of introduction points.
	// Zero selects the provider default.
	NumIntroPoints int
}

// Provider is the entry point to one instance of the network layer.
type Provider interface {
	// Bootstrap brings the provider to the point where streams can be
	// opened and services launched.
	Bootstrap(ctx context.Context) error

	// Connect opens an anonymized stream to addr ("host:port").
	Connect(ctx context.Context, addr string, opts ConnectOptions) (DataStream, error)

	// LaunchService publishes a service and returns its handle together
	// with the source of inbound rendezvous requests.
	LaunchService(ctx context.Context, opts ServiceOptions) (ServiceHandle, RendSource, error)

	// Close releases the provider and everything launched through it.
	Close() error
}
