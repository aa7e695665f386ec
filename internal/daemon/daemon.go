// Package daemon wires the quietlane components into one long-running
// process: the loopback network provider, the client, the published
// services with their backend proxy loops, and the optional health server.
package daemon

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quietlane/quietlane/internal/client"
	"github.com/quietlane/quietlane/internal/config"
	"github.com/quietlane/quietlane/internal/health"
	"github.com/quietlane/quietlane/internal/localnet"
	"github.com/quietlane/quietlane/internal/logging"
	"github.com/quietlane/quietlane/internal/metrics"
	"github.com/quietlane/quietlane/internal/recovery"
	"github.com/quietlane/quietlane/internal/rendezvous"
	"github.com/quietlane/quietlane/internal/service"
	"github.com/quietlane/quietlane/internal/session"
)

// backendDialTimeout is the timeout for TCP connections to a service
// backend. Long enough for a busy local server, short enough that a dead
// backend rejects requests quickly.
const backendDialTimeout = 10 * time.Second

// proxyChunkSize is the read size used when relaying between a session
// stream and a backend connection.
const proxyChunkSize = 32 * 1024

// statusPollInterval is how often a published service's state is sampled
// for logging and metrics.
const statusPollInterval = time.Second

// ServiceStatus is one published service's externally visible state.
type ServiceStatus struct {
	Nickname string
	Address  string
	State    service.State
}

// publishedService tracks one launched service and its port filter.
type publishedService struct {
	cfg        config.ServiceConfig
	controller *service.Controller
	ports      map[uint16]bool
	launched   time.Time
}

// allowsPort reports whether the service accepts streams to port. An empty
// port list allows every port.
func (ps *publishedService) allowsPort(port uint16) bool {
	if len(ps.ports) == 0 {
		return true
	}
	return ps.ports[port]
}

// Daemon runs the configured services until stopped.
type Daemon struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc

	provider  *localnet.Provider
	client    *client.Client
	healthSrv *health.Server
	services  []*publishedService

	streamCount atomic.Int64

	running  atomic.Bool
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a daemon from a validated configuration. Nothing touches the
// network until Start.
func New(cfg *config.Config) (*Daemon, error) {
	logger := logging.NewLogger(cfg.Node.LogLevel, cfg.Node.LogFormat)

	provider, err := localnet.New(localnet.Options{
		Dir:    cfg.NetworkDir(),
		Logger: logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create network provider: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Daemon{
		cfg:      cfg,
		logger:   logging.ForComponent(logger, "daemon"),
		metrics:  metrics.Default(),
		ctx:      ctx,
		cancel:   cancel,
		provider: provider,
	}

	if cfg.Health.Enabled {
		d.healthSrv = health.NewServer(health.ServerConfig{
			Address:      cfg.Health.Address,
			ReadTimeout:  cfg.Health.ReadTimeout,
			WriteTimeout: cfg.Health.WriteTimeout,
			MaxConns:     cfg.Health.MaxConns,
		}, d)
	}

	return d, nil
}

// Start bootstraps the network, publishes every configured service and
// starts the health server. On failure everything already started is torn
// down again.
func (d *Daemon) Start(ctx context.Context) error {
	if d.running.Load() {
		return fmt.Errorf("daemon already running")
	}
	d.running.Store(true)

	d.logger.Info("starting daemon",
		"data_dir", d.cfg.Node.DataDir,
		"services", len(d.cfg.Services))

	ccfg := client.NewConfig()
	ccfg.AllowLocalAddrs(d.cfg.Client.AllowLocalAddrs)
	ccfg.Padding(paddingLevel(d.cfg.Client.Padding))
	ccfg.StreamTimeouts().ConnectTimeout(d.cfg.Client.ConnectTimeout)
	ccfg.Storage().StateDir(d.cfg.Node.DataDir)

	c, err := client.NewBuilder().
		Config(ccfg).
		Provider(d.provider).
		Logger(d.logger).
		Build(ctx)
	if err != nil {
		d.running.Store(false)
		d.provider.Close()
		return fmt.Errorf("build client: %w", err)
	}
	d.client = c

	for _, svcCfg := range d.cfg.Services {
		ps, err := d.launchService(ctx, svcCfg)
		if err != nil {
			d.logger.Error("failed to publish service",
				logging.KeyService, svcCfg.Nickname,
				logging.KeyError, err)
			d.teardown()
			return fmt.Errorf("publish service %s: %w", svcCfg.Nickname, err)
		}
		d.services = append(d.services, ps)

		addr, _ := ps.controller.Address()
		d.logger.Info("service published",
			logging.KeyService, svcCfg.Nickname,
			logging.KeyAddress, addr,
			logging.KeyTarget, svcCfg.Backend)
		d.metrics.RecordServiceUp()

		d.wg.Add(2)
		go d.serveService(ps)
		go d.watchService(ps)
	}

	if d.healthSrv != nil {
		if err := d.healthSrv.Start(); err != nil {
			d.logger.Error("failed to start health server",
				logging.KeyAddress, d.cfg.Health.Address,
				logging.KeyError, err)
			d.teardown()
			return fmt.Errorf("start health server: %w", err)
		}
		d.logger.Info("health server started",
			logging.KeyAddress, d.healthSrv.Address())
	}

	d.logger.Info("daemon started", "services", len(d.services))
	return nil
}

// launchService publishes one configured service, using an explicit key
// file when configured and the shared key store otherwise.
func (d *Daemon) launchService(ctx context.Context, svcCfg config.ServiceConfig) (*publishedService, error) {
	scfg := &client.ServiceConfig{
		Nickname:           svcCfg.Nickname,
		NumIntroPoints:     svcCfg.NumIntroPoints,
		RateLimitPerSecond: svcCfg.RateLimit,
		RateLimitBurst:     svcCfg.RateBurst,
	}

	var ctrl *service.Controller
	var err error
	if svcCfg.KeyFile != "" {
		key, kerr := loadServiceKey(svcCfg.KeyFile)
		if kerr != nil {
			return nil, kerr
		}
		ctrl, err = d.client.LaunchServiceWithKey(ctx, scfg, key)
	} else {
		ctrl, err = d.client.LaunchService(ctx, scfg)
	}
	if err != nil {
		return nil, err
	}

	ports := make(map[uint16]bool, len(svcCfg.Ports))
	for _, p := range svcCfg.Ports {
		ports[p] = true
	}

	return &publishedService{
		cfg:        svcCfg,
		controller: ctrl,
		ports:      ports,
		launched:   time.Now(),
	}, nil
}

// loadServiceKey reads a hex-encoded secret seed from path. The format
// matches the key store's on-disk files, so a key_file may point straight
// at one.
func loadServiceKey(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read service key file: %w", err)
	}
	key, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("decode service key file %s: %w", path, err)
	}
	return key, nil
}

// serveService accepts rendezvous attempts for one service until the
// daemon stops or the service closes.
func (d *Daemon) serveService(ps *publishedService) {
	defer d.wg.Done()
	defer recovery.RecoverWithLog(d.logger, "serveService")

	for {
		req, err := ps.controller.Poll(d.ctx)
		if err != nil {
			if errors.Is(err, rendezvous.ErrServiceClosed) || d.ctx.Err() != nil {
				return
			}
			d.logger.Warn("rendezvous poll failed",
				logging.KeyService, ps.cfg.Nickname,
				logging.KeyError, err)
			continue
		}

		streams, err := req.Accept(d.ctx)
		if err != nil {
			d.metrics.RecordRendRequest("failed")
			d.logger.Debug("rendezvous accept failed",
				logging.KeyService, ps.cfg.Nickname,
				logging.KeyError, err)
			continue
		}
		d.metrics.RecordRendRequest("accepted")

		d.wg.Add(1)
		go d.serveCircuit(ps, streams)
	}
}

// serveCircuit dispatches the stream requests of one accepted circuit.
func (d *Daemon) serveCircuit(ps *publishedService, streams *rendezvous.StreamPipeline) {
	defer d.wg.Done()
	defer recovery.RecoverWithLog(d.logger, "serveCircuit")

	for {
		req, err := streams.Poll(d.ctx)
		if err != nil {
			return
		}

		d.wg.Add(1)
		go d.serveStream(ps, req)
	}
}

// serveStream answers one stream request: begin requests to an allowed
// port are bridged to the backend, everything else is rejected.
func (d *Daemon) serveStream(ps *publishedService, req *rendezvous.StreamRequest) {
	defer d.wg.Done()
	defer recovery.RecoverWithLog(d.logger, "serveStream")

	if !req.IsBegin() {
		d.metrics.RecordStreamRequest("rejected")
		req.Reject(d.ctx)
		return
	}
	_, port, ok := req.Target()
	if !ok || !ps.allowsPort(port) {
		d.metrics.RecordStreamRequest("rejected")
		d.logger.Debug("stream request rejected",
			logging.KeyService, ps.cfg.Nickname,
			"port", port)
		req.Reject(d.ctx)
		return
	}

	start := time.Now()
	dialer := net.Dialer{Timeout: backendDialTimeout}
	conn, err := dialer.DialContext(d.ctx, "tcp", ps.cfg.Backend)
	if err != nil {
		d.metrics.RecordStreamRequest("rejected")
		d.metrics.RecordProxyError("backend_dial")
		d.logger.Warn("backend dial failed",
			logging.KeyService, ps.cfg.Nickname,
			logging.KeyTarget, ps.cfg.Backend,
			logging.KeyError, err)
		req.Reject(d.ctx)
		return
	}

	stream, err := req.Accept(d.ctx)
	if err != nil || stream == nil {
		conn.Close()
		d.metrics.RecordStreamRequest("failed")
		return
	}
	d.metrics.RecordStreamRequest("accepted")
	d.metrics.RecordProxyConnect(time.Since(start).Seconds())

	d.streamCount.Add(1)
	defer d.streamCount.Add(-1)
	defer d.metrics.RecordProxyDisconnect()

	d.pipe(stream, conn)
}

// pipe relays bytes both ways between a session stream and a backend
// connection until either side fails or the daemon stops.
func (d *Daemon) pipe(stream *session.Stream, conn net.Conn) {
	ctx, cancel := context.WithCancel(d.ctx)
	defer cancel()

	// Unblock backend reads when the stream side, or the daemon, is done.
	stop := context.AfterFunc(ctx, func() {
		conn.SetReadDeadline(time.Now())
	})
	defer stop()

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		defer cancel()
		for {
			data, err := stream.Read(ctx, proxyChunkSize)
			if err != nil {
				return
			}
			if _, err := conn.Write(data); err != nil {
				return
			}
			d.metrics.RecordBytesReceived("proxy", len(data))
		}
	}()

	go func() {
		defer wg.Done()
		defer cancel()
		buf := make([]byte, proxyChunkSize)
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				if werr := stream.Write(ctx, buf[:n]); werr != nil {
					return
				}
				d.metrics.RecordBytesSent("proxy", n)
			}
			if err != nil {
				return
			}
		}
	}()

	wg.Wait()
	conn.Close()
	stream.Close()
}

// watchService samples one service's state, logging transitions and
// recording when it first becomes ready.
func (d *Daemon) watchService(ps *publishedService) {
	defer d.wg.Done()
	defer recovery.RecoverWithLog(d.logger, "watchService")

	ticker := time.NewTicker(statusPollInterval)
	defer ticker.Stop()

	last := ps.controller.State()
	d.metrics.RecordServiceStatus(ps.cfg.Nickname, last.String())
	ready := last == service.StateRunning

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
		}

		state := ps.controller.State()
		if state == last {
			continue
		}
		d.logger.Info("service state changed",
			logging.KeyService, ps.cfg.Nickname,
			logging.KeyState, state.String())
		d.metrics.RecordServiceStatus(ps.cfg.Nickname, state.String())

		if state == service.StateRunning && !ready {
			ready = true
			d.metrics.RecordServiceReady(time.Since(ps.launched).Seconds())
		}
		last = state
	}
}

// IsRunning implements health.StatsProvider.
func (d *Daemon) IsRunning() bool {
	return d.running.Load()
}

// Stats implements health.StatsProvider.
func (d *Daemon) Stats() health.Stats {
	services := make([]health.ServiceInfo, 0, len(d.services))
	for _, ps := range d.services {
		addr, _ := ps.controller.Address()
		services = append(services, health.ServiceInfo{
			Nickname: ps.cfg.Nickname,
			Address:  addr,
			Status:   ps.controller.State().String(),
		})
	}
	return health.Stats{
		ServiceCount: len(d.services),
		StreamCount:  int(d.streamCount.Load()),
		Services:     services,
	}
}

// HealthAddress returns the bound address of the health server, or nil
// when it is disabled or not started.
func (d *Daemon) HealthAddress() net.Addr {
	if d.healthSrv == nil {
		return nil
	}
	return d.healthSrv.Address()
}

// Services returns a snapshot of every published service.
func (d *Daemon) Services() []ServiceStatus {
	statuses := make([]ServiceStatus, 0, len(d.services))
	for _, ps := range d.services {
		addr, _ := ps.controller.Address()
		statuses = append(statuses, ServiceStatus{
			Nickname: ps.cfg.Nickname,
			Address:  addr,
			State:    ps.controller.State(),
		})
	}
	return statuses
}

// WaitReady blocks until every published service reports Running, or the
// timeout elapses.
func (d *Daemon) WaitReady(ctx context.Context, timeout time.Duration) error {
	for _, ps := range d.services {
		if err := ps.controller.WaitRunning(ctx, timeout); err != nil {
			return fmt.Errorf("service %s not ready: %w", ps.cfg.Nickname, err)
		}
	}
	return nil
}

// Stop shuts the daemon down: services are closed, the network provider
// released and the health server stopped. Idempotent.
func (d *Daemon) Stop() error {
	d.stopOnce.Do(func() {
		d.logger.Info("stopping daemon")
		d.running.Store(false)
		d.teardown()
		d.logger.Info("daemon stopped")
	})
	return nil
}

// teardown releases everything Start set up, in reverse order. Also used
// to unwind a partial Start.
func (d *Daemon) teardown() {
	d.cancel()

	if d.healthSrv != nil {
		d.healthSrv.Stop()
	}

	for _, ps := range d.services {
		ps.controller.Close()
		d.metrics.RecordServiceDown()
	}

	if d.client != nil {
		d.client.Close()
	} else {
		d.provider.Close()
	}

	d.wg.Wait()
}

// StopWithContext stops the daemon, giving up when ctx expires.
func (d *Daemon) StopWithContext(ctx context.Context) error {
	done := make(chan error, 1)
	go func() {
		done <- d.Stop()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func paddingLevel(name string) client.PaddingLevel {
	switch name {
	case "reduced":
		return client.PaddingReduced
	case "none":
		return client.PaddingNone
	default:
		return client.PaddingNormal
	}
}
