package client

import (
	"fmt"
	"sync/atomic"

	"golang.org/x/text/language"

	"github.com/quietlane/quietlane/internal/transport"
)

// isolationCounter hands out process-unique isolation group IDs. Group 0 is
// never handed out; it is the shared default.
var isolationCounter atomic.Uint64

func nextIsolationGroup() uint64 {
	return isolationCounter.Add(1)
}

// StreamPrefs carries per-stream connection preferences. A zero value is
// usable: any exit country, IPv4 preferred, onion targets allowed.
type StreamPrefs struct {
	exitCountry    string
	noOnion        bool
	family         transport.IPFamily
	isolateEvery   bool
	isolationGroup uint64
	optimistic     bool
}

// NewStreamPrefs returns preferences with default values.
func NewStreamPrefs() *StreamPrefs {
	return &StreamPrefs{}
}

// AnyExitCountry clears any exit country restriction.
func (p *StreamPrefs) AnyExitCountry() *StreamPrefs {
	p.exitCountry = ""
	return p
}

// ExitCountry restricts exit selection to the given ISO 3166-1 alpha-2
// country code, for example "IT" or "UY".
func (p *StreamPrefs) ExitCountry(countryCode string) error {
	region, err := language.ParseRegion(countryCode)
	if err != nil {
		return fmt.Errorf("invalid country code %q: %w", countryCode, err)
	}
	if !region.IsCountry() {
		return fmt.Errorf("invalid country code %q: not a country", countryCode)
	}
	p.exitCountry = region.String()
	return nil
}

// ConnectToOnionServices controls whether streams may target onion
// services. Allowed by default.
func (p *StreamPrefs) ConnectToOnionServices(allow bool) *StreamPrefs {
	p.noOnion = !allow
	return p
}

// IPv4Only restricts streams to IPv4 targets.
func (p *StreamPrefs) IPv4Only() *StreamPrefs {
	p.family = transport.IPFamilyV4Only
	return p
}

// IPv6Only restricts streams to IPv6 targets.
func (p *StreamPrefs) IPv6Only() *StreamPrefs {
	p.family = transport.IPFamilyV6Only
	return p
}

// IPv4Preferred allows both address families but prefers IPv4. This is the
// default.
func (p *StreamPrefs) IPv4Preferred() *StreamPrefs {
	p.family = transport.IPFamilyV4Preferred
	return p
}

// IPv6Preferred allows both address families but prefers IPv6.
func (p *StreamPrefs) IPv6Preferred() *StreamPrefs {
	p.family = transport.IPFamilyV6Preferred
	return p
}

// IsolateEveryStream gives every stream its own circuit. Expensive; use
// only for small numbers of connections that must not share circuits.
func (p *StreamPrefs) IsolateEveryStream() *StreamPrefs {
	p.isolateEvery = true
	return p
}

// NewIsolationGroup moves streams opened with these preferences into a
// fresh isolation group of their own.
func (p *StreamPrefs) NewIsolationGroup() *StreamPrefs {
	p.isolationGroup = nextIsolationGroup()
	return p
}

// Optimistic marks streams to be returned before the exit confirms the
// connection, letting the caller send early at the risk of losing that data
// when the connect fails.
func (p *StreamPrefs) Optimistic() *StreamPrefs {
	p.optimistic = true
	return p
}

// IsOptimistic reports whether streams are configured as optimistic.
func (p *StreamPrefs) IsOptimistic() bool {
	return p.optimistic
}

// connectOptions translates the preferences for the network layer. The
// isolation group falls back to base when the preferences have none, and a
// fresh group is allocated per call under IsolateEveryStream.
func (p *StreamPrefs) connectOptions(base uint64) transport.ConnectOptions {
	group := p.isolationGroup
	if group == 0 {
		group = base
	}
	if p.isolateEvery {
		group = nextIsolationGroup()
	}
	return transport.ConnectOptions{
		ExitCountry:       p.exitCountry,
		IPFamily:          p.family,
		IsolationGroup:    group,
		Optimistic:        p.optimistic,
		AllowOnionTargets: !p.noOnion,
	}
}
