// Package client is the top-level entry point for applications: it opens
// anonymized streams with per-stream preferences and launches hidden
// services, delegating network mechanics to a transport.Provider.
package client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"github.com/quietlane/quietlane/internal/keystore"
	"github.com/quietlane/quietlane/internal/logging"
	"github.com/quietlane/quietlane/internal/onionv3"
	"github.com/quietlane/quietlane/internal/service"
	"github.com/quietlane/quietlane/internal/session"
	"github.com/quietlane/quietlane/internal/transport"
)

var (
	// ErrOnionDisabled is returned by Connect when the target is an onion
	// service but the stream preferences forbid onion targets.
	ErrOnionDisabled = errors.New("connections to onion services are not enabled")

	// ErrLocalAddress is returned by Connect for loopback and private
	// targets unless the configuration allows them.
	ErrLocalAddress = errors.New("connections to local addresses are not enabled")
)

// ServiceConfig describes one hidden service to launch.
type ServiceConfig struct {
	// Nickname identifies the service in key storage and logs.
	Nickname string

	// NumIntroPoints requests a number of introduction points. Zero
	// selects the provider default.
	NumIntroPoints int

	// RateLimitPerSecond bounds the rendezvous intake rate. Zero means
	// unlimited.
	RateLimitPerSecond float64

	// RateLimitBurst is the burst allowance when a rate limit is set.
	// Zero means a burst of one.
	RateLimitBurst int

	// Keys overrides the client's key store for this service.
	Keys *keystore.Store
}

// Client opens anonymized streams and launches hidden services. Build one
// with a Builder; the zero value is not usable.
type Client struct {
	provider  transport.Provider
	keys      *keystore.Store
	logger    *slog.Logger
	snapshot  Snapshot
	tlsCfg    *tls.Config
	group     uint64
	closeOnce *sync.Once

	mu    sync.Mutex
	prefs StreamPrefs
}

// Isolated returns a new client handle sharing this client's provider and
// configuration, whose streams will never share circuits with the original.
// Preferences are copied; later changes on either side do not propagate.
func (c *Client) Isolated() *Client {
	c.mu.Lock()
	prefs := c.prefs
	c.mu.Unlock()

	return &Client{
		provider:  c.provider,
		keys:      c.keys,
		logger:    c.logger,
		snapshot:  c.snapshot,
		tlsCfg:    c.tlsCfg,
		group:     nextIsolationGroup(),
		closeOnce: c.closeOnce,
		prefs:     prefs,
	}
}

// SetStreamPrefs replaces the default preferences for future connections.
// The preferences are copied; the caller may keep mutating its own copy
// without affecting the client. Nil resets to defaults.
func (c *Client) SetStreamPrefs(prefs *StreamPrefs) *Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	if prefs == nil {
		c.prefs = StreamPrefs{}
	} else {
		c.prefs = *prefs
	}
	return c
}

// Connect opens an anonymized stream to addr, which must be "host:port"
// with the hostname unresolved, for example "httpbin.org:80". The stream is
// returned before establishment is confirmed; call WaitForConnection on it
// before relying on the connection.
func (c *Client) Connect(ctx context.Context, addr string) (*session.Stream, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid address %q: %w", addr, err)
	}
	if _, err := strconv.ParseUint(portStr, 10, 16); err != nil {
		return nil, fmt.Errorf("invalid port in address %q: %w", addr, err)
	}

	c.mu.Lock()
	opts := c.prefs.connectOptions(c.group)
	c.mu.Unlock()

	if strings.HasSuffix(strings.ToLower(host), onionv3.Suffix) {
		if !opts.AllowOnionTargets {
			return nil, fmt.Errorf("%w: %s", ErrOnionDisabled, host)
		}
	} else if isLocalTarget(host) && !c.snapshot.AllowLocalAddrs {
		return nil, fmt.Errorf("%w: %s", ErrLocalAddress, host)
	}

	if c.snapshot.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.snapshot.ConnectTimeout)
		defer cancel()
	}

	ds, err := c.provider.Connect(ctx, addr, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}

	c.logger.Debug("Stream opened",
		logging.KeyTarget, addr,
		"isolation_group", opts.IsolationGroup)

	return session.New(ds, c.tlsCfg), nil
}

// LaunchService publishes a hidden service described by cfg and returns its
// controller. The service key is loaded from the key store, or created and
// persisted on first launch.
func (c *Client) LaunchService(ctx context.Context, cfg *ServiceConfig) (*service.Controller, error) {
	if cfg == nil {
		return nil, errors.New("service config is required")
	}
	nickname, err := keystore.NormalizeNickname(cfg.Nickname)
	if err != nil {
		return nil, err
	}

	store := cfg.Keys
	if store == nil {
		store = c.keys
	}

	var secret []byte
	if store != nil && c.snapshot.KeystoreEnabled {
		key, created, err := store.LoadOrCreate(nickname)
		if err != nil {
			return nil, err
		}
		if created {
			c.logger.Info("Generated new service key", logging.KeyService, nickname)
		}
		secret = key
	}

	return c.launch(ctx, cfg, nickname, store, secret)
}

// LaunchServiceWithKey publishes a hidden service using the provided key
// material instead of the key store. The secret seed must occupy the first
// 32 bytes of key; anything beyond is ignored.
func (c *Client) LaunchServiceWithKey(ctx context.Context, cfg *ServiceConfig, key []byte) (*service.Controller, error) {
	if cfg == nil {
		return nil, errors.New("service config is required")
	}
	nickname, err := keystore.NormalizeNickname(cfg.Nickname)
	if err != nil {
		return nil, err
	}
	if len(key) < onionv3.SecretKeySize {
		return nil, fmt.Errorf("%w: need at least 32 bytes, got %d",
			onionv3.ErrInvalidKeyLength, len(key))
	}

	secret := make([]byte, onionv3.SecretKeySize)
	copy(secret, key[:onionv3.SecretKeySize])

	return c.launch(ctx, cfg, nickname, nil, secret)
}

func (c *Client) launch(ctx context.Context, cfg *ServiceConfig, nickname string, store *keystore.Store, secret []byte) (*service.Controller, error) {
	handle, source, err := c.provider.LaunchService(ctx, transport.ServiceOptions{
		Nickname:       nickname,
		SecretKey:      secret,
		NumIntroPoints: cfg.NumIntroPoints,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to launch service %s: %w", nickname, err)
	}

	var limiter *rate.Limiter
	if cfg.RateLimitPerSecond > 0 {
		burst := cfg.RateLimitBurst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitPerSecond), burst)
	}

	var lookup service.AddressLookup
	if store != nil {
		lookup = store
	}

	ctrl := service.New(service.Config{
		Handle:    handle,
		Source:    source,
		Nickname:  nickname,
		Keys:      lookup,
		RateLimit: limiter,
		Logger:    c.logger,
	})

	c.logger.Info("Service launched", logging.KeyService, nickname)
	return ctrl, nil
}

// Close releases the underlying provider. Isolated handles share the
// provider, so closing any of them closes all.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.provider.Close()
	})
	return err
}

// isLocalTarget reports whether host names a loopback, private or otherwise
// non-routable target. Unresolved remote hostnames are not local; their
// resolution happens on the far side of the network.
func isLocalTarget(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified()
}
