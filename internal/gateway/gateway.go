// ABOUTME: Gateway coordinates the HTTP webhook/API server, the optional gRPC health server and sync loops
// ABOUTME: Manages listeners (TCP or tailscale), background event processing and graceful shutdown

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/skillbot/internal/auth"
	"github.com/2389/skillbot/internal/config"
	"github.com/2389/skillbot/internal/conversation"
	"github.com/2389/skillbot/internal/messenger"
	"github.com/2389/skillbot/internal/messenger/matrix"
	"github.com/2389/skillbot/internal/metrics"
	"github.com/2389/skillbot/internal/session"
)

const (
	// backgroundTimeout bounds event processing detached from the webhook request.
	backgroundTimeout = 2 * time.Minute
	shutdownTimeout   = 10 * time.Second
	tailscaleGRPCPort = ":50051"
)

// EventProcessor runs messenger events through the conversation engine.
type EventProcessor interface {
	Process(ctx context.Context, m messenger.Messenger, events []*conversation.Event) ([]session.Result, error)
	ProcessEvent(ctx context.Context, m messenger.Messenger, event *conversation.Event) (session.Result, error)
}

// WebhookMessenger is a messenger whose events arrive as signed HTTP requests.
type WebhookMessenger interface {
	messenger.Messenger
	ParseRequest(r *http.Request) ([]*conversation.Event, error)
}

// SyncMessenger is a messenger that pulls events over a long-running sync loop.
type SyncMessenger interface {
	messenger.Messenger
	Run(ctx context.Context, handle matrix.Handler) error
}

// Options holds the collaborators of a Gateway. Verifier and Metrics may be nil;
// without a verifier the push API is not served.
type Options struct {
	Config     *config.Config
	Sessions   EventProcessor
	Messengers *messenger.Registry
	Verifier   auth.TokenVerifier
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
}

// Gateway serves webhooks, the push API and health endpoints.
type Gateway struct {
	config     *config.Config
	sessions   EventProcessor
	messengers *messenger.Registry
	webhooks   map[string]WebhookMessenger
	syncers    []SyncMessenger
	metrics    *metrics.Metrics
	logger     *slog.Logger

	httpServer  *http.Server
	grpcServer  *grpc.Server
	health      *health.Server
	tsnetServer *tsnet.Server

	ready      atomic.Bool
	background sync.WaitGroup
}

// New creates a Gateway and registers its routes.
func New(opts Options) (*Gateway, error) {
	if opts.Config == nil || opts.Sessions == nil || opts.Messengers == nil {
		return nil, errors.New("gateway requires config, sessions and messengers")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	g := &Gateway{
		config:     opts.Config,
		sessions:   opts.Sessions,
		messengers: opts.Messengers,
		webhooks:   make(map[string]WebhookMessenger),
		metrics:    opts.Metrics,
		logger:     logger.With("component", "gateway"),
	}

	for _, typ := range opts.Messengers.Types() {
		m, err := opts.Messengers.Get(typ)
		if err != nil {
			return nil, err
		}
		if wm, ok := m.(WebhookMessenger); ok {
			g.webhooks[typ] = wm
		}
		if sm, ok := m.(SyncMessenger); ok {
			g.syncers = append(g.syncers, sm)
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)
	mux.HandleFunc("POST /webhook/{platform}", g.handleWebhook)

	if opts.Verifier != nil {
		mux.Handle("POST /api/push", auth.RequireBearer(opts.Verifier)(http.HandlerFunc(g.handlePush)))
		g.logger.Info("push API enabled at /api/push")
	} else {
		g.logger.Warn("push API disabled - no jwt_secret configured")
	}

	if opts.Config.Metrics.Enabled && opts.Metrics != nil {
		mux.Handle("GET "+opts.Config.Metrics.Path, opts.Metrics.Handler())
		g.logger.Info("metrics enabled", "path", opts.Config.Metrics.Path)
	}

	g.httpServer = &http.Server{
		Addr:              opts.Config.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if opts.Config.Server.GRPCAddr != "" || opts.Config.Tailscale.Enabled {
		g.grpcServer, g.health = newHealthServer()
	}
	return g, nil
}

// newHealthServer creates a gRPC server exposing only the standard health service.
func newHealthServer() (*grpc.Server, *health.Server) {
	server := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(server, hs)
	return server, hs
}

// Handler returns the HTTP handler serving all routes.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// setupTCPListeners creates standard TCP listeners for HTTP and, when configured, gRPC.
func (g *Gateway) setupTCPListeners() (grpcLn, httpLn net.Listener, err error) {
	g.logger.Info("starting gateway",
		"grpc_addr", g.config.Server.GRPCAddr,
		"http_addr", g.config.Server.HTTPAddr,
	)

	httpLn, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}

	if g.grpcServer == nil {
		return nil, httpLn, nil
	}
	grpcLn, err = net.Listen("tcp", g.config.Server.GRPCAddr)
	if err != nil {
		_ = httpLn.Close()
		return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
	}
	return grpcLn, httpLn, nil
}

// warnIgnoredAddresses logs a warning if server addresses are configured but Tailscale is enabled.
func (g *Gateway) warnIgnoredAddresses() {
	if g.config.Server.GRPCAddr != "" || g.config.Server.HTTPAddr != "" {
		g.logger.Warn("server.grpc_addr and server.http_addr are ignored when tailscale is enabled",
			"grpc_addr", g.config.Server.GRPCAddr,
			"http_addr", g.config.Server.HTTPAddr,
		)
	}
}

// setupListeners creates listeners based on configuration (Tailscale or TCP).
func (g *Gateway) setupListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	if g.config.Tailscale.Enabled {
		g.warnIgnoredAddresses()
		return g.setupTailscaleListeners(ctx)
	}
	return g.setupTCPListeners()
}

// startServers starts the servers and sync loops in goroutines, returning the error channel.
func (g *Gateway) startServers(ctx context.Context, grpcLn, httpLn net.Listener) chan error {
	errCh := make(chan error, 2+len(g.syncers))

	if grpcLn != nil {
		go func() {
			g.logger.Info("gRPC health server listening", "addr", grpcLn.Addr().String())
			if err := g.grpcServer.Serve(grpcLn); err != nil {
				errCh <- fmt.Errorf("gRPC server: %w", err)
			}
		}()
		g.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	}

	go func() {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	for _, s := range g.syncers {
		go func() {
			if err := s.Run(ctx, g.syncHandler(s)); err != nil {
				errCh <- fmt.Errorf("%s sync: %w", s.Type(), err)
			}
		}()
	}

	g.ready.Store(true)
	return errCh
}

// waitForShutdownSignal waits for context cancellation or server error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		g.drainErrors(errCh)
		return err
	}
}

// drainErrors drains any remaining errors from the channel.
func (g *Gateway) drainErrors(errCh chan error) {
	select {
	case additionalErr := <-errCh:
		g.logger.Error("additional server error", "error", additionalErr)
	default:
	}
}

// Run starts the servers and blocks until ctx is canceled or a server fails.
// Returns nil on graceful shutdown.
func (g *Gateway) Run(ctx context.Context) error {
	grpcListener, httpListener, err := g.setupListeners(ctx)
	if err != nil {
		return err
	}

	syncCtx, cancelSync := context.WithCancel(ctx)
	defer cancelSync()

	errCh := g.startServers(syncCtx, grpcListener, httpListener)
	serverErr := g.waitForShutdownSignal(ctx, errCh)
	cancelSync()

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return g.Shutdown(ctx)
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "skillbot", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// setupTailscaleListeners creates a tsnet server and returns listeners for gRPC and HTTP.
func (g *Gateway) setupTailscaleListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	grpcLn, err = g.tsnetServer.Listen("tcp", tailscaleGRPCPort)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale gRPC port: %w", err)
	}

	if tsCfg.Funnel {
		// LINE only delivers webhooks to public HTTPS endpoints.
		g.logger.Info("enabling tailscale funnel (public HTTPS) on :443")
		httpLn, err = g.tsnetServer.ListenFunnel("tcp", ":443")
	} else {
		httpLn, err = g.tsnetServer.Listen("tcp", ":80")
	}
	if err != nil {
		_ = grpcLn.Close()
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
	}
	return grpcLn, httpLn, nil
}

// logTailscaleStatus logs info about the tailscale node status.
func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (g *Gateway) shutdownGRPCServer(ctx context.Context) {
	if g.grpcServer == nil {
		return
	}
	g.health.Shutdown()

	stopped := make(chan struct{})
	go func() {
		g.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		g.grpcServer.Stop()
	}
}

// waitBackground waits for detached event processing to finish or ctx to expire.
func (g *Gateway) waitBackground(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		g.background.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for background events: %w", ctx.Err())
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown gracefully stops all servers and waits for in-flight events.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")
	g.ready.Store(false)

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	g.shutdownGRPCServer(ctx)
	errs = appendCloseError(errs, "background events", g.waitBackground(ctx))

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}

	return errors.Join(errs...)
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK once the servers are listening and a messenger is registered.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	types := g.messengers.Types()
	if !g.ready.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("starting"))
		return
	}
	if len(types) == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("no messengers enabled"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d messengers)", len(types))
}
