package client

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/quietlane/quietlane/internal/keystore"
	"github.com/quietlane/quietlane/internal/logging"
	"github.com/quietlane/quietlane/internal/transport"
)

// Builder assembles a Client. Build bootstraps the provider, so the
// returned client is ready for streams and services immediately.
type Builder struct {
	cfg      *Config
	provider transport.Provider
	keys     *keystore.Store
	logger   *slog.Logger
}

// NewBuilder returns an empty builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// Config sets the configuration tree. If not called, defaults are used.
func (b *Builder) Config(cfg *Config) *Builder {
	b.cfg = cfg
	return b
}

// Provider sets the network layer. Required.
func (b *Builder) Provider(p transport.Provider) *Builder {
	b.provider = p
	return b
}

// Keystore sets the service key store. If not called, one is opened under
// the configured state directory when key storage is enabled.
func (b *Builder) Keystore(s *keystore.Store) *Builder {
	b.keys = s
	return b
}

// Logger sets the logger. If not called, logging is discarded.
func (b *Builder) Logger(l *slog.Logger) *Builder {
	b.logger = l
	return b
}

// Build bootstraps the provider and returns a ready client.
func (b *Builder) Build(ctx context.Context) (*Client, error) {
	if b.provider == nil {
		return nil, errors.New("a network provider is required")
	}

	cfg := b.cfg
	if cfg == nil {
		cfg = NewConfig()
	}
	snapshot := cfg.Snapshot()

	logger := b.logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	logger = logging.ForComponent(logger, "client")

	keys := b.keys
	if keys == nil && snapshot.KeystoreEnabled && snapshot.StateDir != "" {
		var err error
		keys, err = keystore.Open(filepath.Join(snapshot.StateDir, "keys"))
		if err != nil {
			return nil, err
		}
	}

	tlsCfg, err := upgradeTLSConfig(snapshot.TLSCAFile)
	if err != nil {
		return nil, err
	}

	if err := b.provider.Bootstrap(ctx); err != nil {
		return nil, fmt.Errorf("bootstrap failed: %w", err)
	}
	logger.Debug("Provider bootstrapped")

	return &Client{
		provider:  b.provider,
		keys:      keys,
		logger:    logger,
		snapshot:  snapshot,
		tlsCfg:    tlsCfg,
		closeOnce: &sync.Once{},
		prefs:     StreamPrefs{},
	}, nil
}

// upgradeTLSConfig builds the TLS client config applied to in-stream
// upgrades. A nil return means the system roots apply.
func upgradeTLSConfig(caFile string) (*tls.Config, error) {
	if caFile == "" {
		return nil, nil
	}

	pem, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates found in %s", caFile)
	}

	return &tls.Config{
		RootCAs:    pool,
		MinVersion: tls.VersionTLS12,
	}, nil
}
