package client

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"
)

// PaddingLevel selects how much link padding the network layer should use.
type PaddingLevel int

const (
	// PaddingNormal is the default level.
	PaddingNormal PaddingLevel = iota

	// PaddingReduced uses less padding to save bandwidth.
	PaddingReduced

	// PaddingNone disables padding entirely.
	PaddingNone
)

// String returns a human-readable padding level name.
func (p PaddingLevel) String() string {
	switch p {
	case PaddingReduced:
		return "REDUCED"
	case PaddingNone:
		return "NONE"
	default:
		return "NORMAL"
	}
}

// RetrySchedule describes how a download category is retried.
type RetrySchedule struct {
	// Attempts is the number of tries before giving up. Zero means the
	// provider default.
	Attempts int

	// InitialDelay is the delay before the first retry. Subsequent
	// retries back off from it.
	InitialDelay time.Duration
}

// Snapshot is an immutable copy of a Config, taken for handing to network
// providers.
type Snapshot struct {
	AllowLocalAddrs bool
	Padding         PaddingLevel

	CircuitMaxDirtiness      time.Duration
	CircuitRequestLoyalty    time.Duration
	CircuitRequestMaxRetries int
	CircuitRequestTimeout    time.Duration

	DirPreValidTolerance  time.Duration
	DirPostValidTolerance time.Duration

	RetryBootstrap  RetrySchedule
	RetryCerts      RetrySchedule
	RetryConsensus  RetrySchedule
	RetryMicrodescs RetrySchedule

	NetParams map[string]int

	IPv4SubnetFamilyPrefix int
	IPv6SubnetFamilyPrefix int
	LongLivedPorts         []uint16
	ReachableAddrs         []string

	PreemptiveDisableAtThreshold int
	PreemptiveMinExitCircsPort   int
	PreemptivePredictionLifetime time.Duration
	PreemptivePredictedPorts     []uint16

	CacheDir        string
	StateDir        string
	KeystoreEnabled bool

	TLSCAFile string

	ConnectTimeout    time.Duration
	ResolveTimeout    time.Duration
	ResolvePTRTimeout time.Duration
}

// Config is the mutable client configuration tree. Knobs are grouped into
// capability-scoped facades (CircuitTiming, Storage, ...) that all mutate
// the same underlying tree under one lock; Snapshot freezes the current
// values for a provider.
type Config struct {
	mu   sync.Mutex
	snap Snapshot
}

// NewConfig returns a configuration tree with defaults matching an
// unconfigured network client.
func NewConfig() *Config {
	return &Config{
		snap: Snapshot{
			Padding: PaddingNormal,

			CircuitMaxDirtiness:      10 * time.Minute,
			CircuitRequestLoyalty:    50 * time.Millisecond,
			CircuitRequestMaxRetries: 16,
			CircuitRequestTimeout:    60 * time.Second,

			DirPreValidTolerance:  24 * time.Hour,
			DirPostValidTolerance: 72 * time.Hour,

			IPv4SubnetFamilyPrefix: 16,
			IPv6SubnetFamilyPrefix: 32,
			LongLivedPorts:         []uint16{21, 22, 706, 1863, 5050, 5190, 5222, 5223, 6523, 6667, 6697, 8300},

			PreemptiveDisableAtThreshold: 12,
			PreemptiveMinExitCircsPort:   2,
			PreemptivePredictionLifetime: time.Hour,
			PreemptivePredictedPorts:     []uint16{80, 443},

			KeystoreEnabled: true,

			ConnectTimeout:    10 * time.Second,
			ResolveTimeout:    10 * time.Second,
			ResolvePTRTimeout: 10 * time.Second,
		},
	}
}

// AllowLocalAddrs controls whether streams may target loopback and private
// addresses. Off by default, since exits reject such targets.
func (c *Config) AllowLocalAddrs(allow bool) *Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snap.AllowLocalAddrs = allow
	return c
}

// Padding sets the link padding level.
func (c *Config) Padding(level PaddingLevel) *Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snap.Padding = level
	return c
}

// Snapshot returns an independent copy of the current configuration.
func (c *Config) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := c.snap
	if c.snap.NetParams != nil {
		snap.NetParams = make(map[string]int, len(c.snap.NetParams))
		for k, v := range c.snap.NetParams {
			snap.NetParams[k] = v
		}
	}
	snap.LongLivedPorts = append([]uint16(nil), c.snap.LongLivedPorts...)
	snap.ReachableAddrs = append([]string(nil), c.snap.ReachableAddrs...)
	snap.PreemptivePredictedPorts = append([]uint16(nil), c.snap.PreemptivePredictedPorts...)
	return snap
}

// CircuitTiming returns the circuit timing facade.
func (c *Config) CircuitTiming() *CircuitTiming {
	return &CircuitTiming{root: c}
}

// DirectoryTolerance returns the directory validity tolerance facade.
func (c *Config) DirectoryTolerance() *DirectoryTolerance {
	return &DirectoryTolerance{root: c}
}

// DownloadSchedule returns the download retry facade.
func (c *Config) DownloadSchedule() *DownloadSchedule {
	return &DownloadSchedule{root: c}
}

// NetParams returns the network parameter override facade.
func (c *Config) NetParams() *NetParams {
	return &NetParams{root: c}
}

// PathRules returns the path selection facade.
func (c *Config) PathRules() *PathRules {
	return &PathRules{root: c}
}

// PreemptiveCircuits returns the preemptive circuit facade.
func (c *Config) PreemptiveCircuits() *PreemptiveCircuits {
	return &PreemptiveCircuits{root: c}
}

// Storage returns the on-disk storage facade.
func (c *Config) Storage() *Storage {
	return &Storage{root: c}
}

// StreamTLS returns the facade for in-stream TLS upgrade trust.
func (c *Config) StreamTLS() *StreamTLS {
	return &StreamTLS{root: c}
}

// StreamTimeouts returns the stream timeout facade.
func (c *Config) StreamTimeouts() *StreamTimeouts {
	return &StreamTimeouts{root: c}
}

// CircuitTiming tunes how circuits are assigned to and retried for stream
// requests.
type CircuitTiming struct {
	root *Config
}

// MaxDirtiness sets how long after first use a circuit is still handed out
// for new requests.
func (t *CircuitTiming) MaxDirtiness(d time.Duration) *CircuitTiming {
	t.root.mu.Lock()
	defer t.root.mu.Unlock()
	t.root.snap.CircuitMaxDirtiness = d
	return t
}

// RequestLoyalty sets how long a pending request keeps waiting for its own
// circuit before adopting a suitable one launched for another request.
func (t *CircuitTiming) RequestLoyalty(d time.Duration) *CircuitTiming {
	t.root.mu.Lock()
	defer t.root.mu.Unlock()
	t.root.snap.CircuitRequestLoyalty = d
	return t
}

// RequestMaxRetries sets how many circuit attempts a request makes before
// failing.
func (t *CircuitTiming) RequestMaxRetries(retries int) *CircuitTiming {
	t.root.mu.Lock()
	defer t.root.mu.Unlock()
	t.root.snap.CircuitRequestMaxRetries = retries
	return t
}

// RequestTimeout sets how long a request keeps retrying circuits before
// failing.
func (t *CircuitTiming) RequestTimeout(d time.Duration) *CircuitTiming {
	t.root.mu.Lock()
	defer t.root.mu.Unlock()
	t.root.snap.CircuitRequestTimeout = d
	return t
}

// DirectoryTolerance tunes how much clock skew to tolerate around directory
// document validity windows.
type DirectoryTolerance struct {
	root *Config
}

// PreValidTolerance sets for how long before a directory document becomes
// valid it is already accepted.
func (t *DirectoryTolerance) PreValidTolerance(d time.Duration) *DirectoryTolerance {
	t.root.mu.Lock()
	defer t.root.mu.Unlock()
	t.root.snap.DirPreValidTolerance = d
	return t
}

// PostValidTolerance sets for how long after expiry a directory document is
// still considered usable.
func (t *DirectoryTolerance) PostValidTolerance(d time.Duration) *DirectoryTolerance {
	t.root.mu.Lock()
	defer t.root.mu.Unlock()
	t.root.snap.DirPostValidTolerance = d
	return t
}

// DownloadSchedule tunes retry behavior for directory downloads.
type DownloadSchedule struct {
	root *Config
}

// RetryBootstrap sets the retry schedule for the initial bootstrap attempt.
func (d *DownloadSchedule) RetryBootstrap(s RetrySchedule) *DownloadSchedule {
	d.root.mu.Lock()
	defer d.root.mu.Unlock()
	d.root.snap.RetryBootstrap = s
	return d
}

// RetryCerts sets the retry schedule for authority certificate downloads.
func (d *DownloadSchedule) RetryCerts(s RetrySchedule) *DownloadSchedule {
	d.root.mu.Lock()
	defer d.root.mu.Unlock()
	d.root.snap.RetryCerts = s
	return d
}

// RetryConsensus sets the retry schedule for consensus downloads.
func (d *DownloadSchedule) RetryConsensus(s RetrySchedule) *DownloadSchedule {
	d.root.mu.Lock()
	defer d.root.mu.Unlock()
	d.root.snap.RetryConsensus = s
	return d
}

// RetryMicrodescs sets the retry schedule for microdescriptor downloads.
func (d *DownloadSchedule) RetryMicrodescs(s RetrySchedule) *DownloadSchedule {
	d.root.mu.Lock()
	defer d.root.mu.Unlock()
	d.root.snap.RetryMicrodescs = s
	return d
}

// NetParams overrides network parameters a consensus would normally set.
type NetParams struct {
	root *Config
}

// Override sets one parameter override.
func (n *NetParams) Override(key string, value int) *NetParams {
	n.root.mu.Lock()
	defer n.root.mu.Unlock()
	if n.root.snap.NetParams == nil {
		n.root.snap.NetParams = make(map[string]int)
	}
	n.root.snap.NetParams[key] = value
	return n
}

// PathRules tunes relay selection for circuit paths.
type PathRules struct {
	root *Config
}

// IPv4SubnetFamilyPrefix sets the bit-prefix length under which two relays
// sharing an IPv4 prefix count as the same family.
func (p *PathRules) IPv4SubnetFamilyPrefix(bits int) *PathRules {
	p.root.mu.Lock()
	defer p.root.mu.Unlock()
	p.root.snap.IPv4SubnetFamilyPrefix = bits
	return p
}

// IPv6SubnetFamilyPrefix sets the bit-prefix length under which two relays
// sharing an IPv6 prefix count as the same family.
func (p *PathRules) IPv6SubnetFamilyPrefix(bits int) *PathRules {
	p.root.mu.Lock()
	defer p.root.mu.Unlock()
	p.root.snap.IPv6SubnetFamilyPrefix = bits
	return p
}

// SetLongLivedPorts replaces the list of ports treated as long-lived
// connections.
func (p *PathRules) SetLongLivedPorts(ports []uint16) *PathRules {
	p.root.mu.Lock()
	defer p.root.mu.Unlock()
	p.root.snap.LongLivedPorts = append([]uint16(nil), ports...)
	return p
}

// SetReachableAddrs replaces the list of address patterns the client may
// connect to directly. Patterns take the form "CIDR", "CIDR:port" or
// "CIDR:*", for example "127.0.0.0/8:*".
func (p *PathRules) SetReachableAddrs(patterns []string) error {
	for _, pattern := range patterns {
		if err := validateAddrPattern(pattern); err != nil {
			return err
		}
	}

	p.root.mu.Lock()
	defer p.root.mu.Unlock()
	p.root.snap.ReachableAddrs = append([]string(nil), patterns...)
	return nil
}

func validateAddrPattern(pattern string) error {
	if _, err := netip.ParsePrefix(pattern); err == nil {
		return nil
	}
	prefix := pattern
	if i := strings.LastIndex(pattern, ":"); i >= 0 && !strings.Contains(pattern[i:], "]") {
		port := pattern[i+1:]
		if port != "*" {
			if _, err := strconv.ParseUint(port, 10, 16); err != nil {
				return fmt.Errorf("invalid port in address pattern %q: %w", pattern, err)
			}
		}
		prefix = pattern[:i]
	}
	prefix = strings.TrimPrefix(strings.TrimSuffix(prefix, "]"), "[")
	if _, err := netip.ParsePrefix(prefix); err != nil {
		return fmt.Errorf("invalid address pattern %q: %w", pattern, err)
	}
	return nil
}

// PreemptiveCircuits tunes circuits built ahead of predicted demand.
type PreemptiveCircuits struct {
	root *Config
}

// DisableAtThreshold suspends preemptive construction once this many
// circuits are already available.
func (p *PreemptiveCircuits) DisableAtThreshold(n int) *PreemptiveCircuits {
	p.root.mu.Lock()
	defer p.root.mu.Unlock()
	p.root.snap.PreemptiveDisableAtThreshold = n
	return p
}

// MinExitCircsForPort sets how many available circuits to keep, at minimum,
// for each predicted exit port.
func (p *PreemptiveCircuits) MinExitCircsForPort(n int) *PreemptiveCircuits {
	p.root.mu.Lock()
	defer p.root.mu.Unlock()
	p.root.snap.PreemptiveMinExitCircsPort = n
	return p
}

// PredictionLifetime sets how long after a request to a port the client
// keeps predicting demand for that port.
func (p *PreemptiveCircuits) PredictionLifetime(d time.Duration) *PreemptiveCircuits {
	p.root.mu.Lock()
	defer p.root.mu.Unlock()
	p.root.snap.PreemptivePredictionLifetime = d
	return p
}

// SetInitialPredictedPorts replaces the ports predicted before any request
// has been seen.
func (p *PreemptiveCircuits) SetInitialPredictedPorts(ports []uint16) *PreemptiveCircuits {
	p.root.mu.Lock()
	defer p.root.mu.Unlock()
	p.root.snap.PreemptivePredictedPorts = append([]uint16(nil), ports...)
	return p
}

// Storage tunes where the client keeps on-disk state.
type Storage struct {
	root *Config
}

// CacheDir sets the directory for cached directory information. Its
// contents may be deleted at any time without breaking the client.
func (s *Storage) CacheDir(dir string) *Storage {
	s.root.mu.Lock()
	defer s.root.mu.Unlock()
	s.root.snap.CacheDir = dir
	return s
}

// StateDir sets the directory for persistent state, including service keys.
func (s *Storage) StateDir(dir string) *Storage {
	s.root.mu.Lock()
	defer s.root.mu.Unlock()
	s.root.snap.StateDir = dir
	return s
}

// Keystore controls whether on-disk key storage is used.
func (s *Storage) Keystore(enabled bool) *Storage {
	s.root.mu.Lock()
	defer s.root.mu.Unlock()
	s.root.snap.KeystoreEnabled = enabled
	return s
}

// StreamTLS configures the root of trust for streams upgraded to TLS in
// place. Upgrades verify against the system certificate pool unless a CA
// bundle is set here.
type StreamTLS struct {
	root *Config
}

// CAFile sets a PEM bundle whose certificates replace the system roots when
// verifying upgraded streams.
func (t *StreamTLS) CAFile(path string) *StreamTLS {
	t.root.mu.Lock()
	defer t.root.mu.Unlock()
	t.root.snap.TLSCAFile = path
	return t
}

// StreamTimeouts tunes per-stream deadlines.
type StreamTimeouts struct {
	root *Config
}

// ConnectTimeout sets how long to wait for a stream to connect to its
// target before failing. Zero disables the deadline.
func (t *StreamTimeouts) ConnectTimeout(d time.Duration) *StreamTimeouts {
	t.root.mu.Lock()
	defer t.root.mu.Unlock()
	t.root.snap.ConnectTimeout = d
	return t
}

// ResolveTimeout sets how long to wait for a DNS lookup.
func (t *StreamTimeouts) ResolveTimeout(d time.Duration) *StreamTimeouts {
	t.root.mu.Lock()
	defer t.root.mu.Unlock()
	t.root.snap.ResolveTimeout = d
	return t
}

// ResolvePTRTimeout sets how long to wait for a reverse DNS lookup.
func (t *StreamTimeouts) ResolvePTRTimeout(d time.Duration) *StreamTimeouts {
	t.root.mu.Lock()
	defer t.root.mu.Unlock()
	t.root.snap.ResolvePTRTimeout = d
	return t
}
