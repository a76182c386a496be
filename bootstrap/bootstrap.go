// Package bootstrap wires a provider or consumer process from config.Options:
// it owns the registry, builds the server or client on top of it and tears
// both down together.
package bootstrap

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/bxd/mini-rpc/client"
	"github.com/bxd/mini-rpc/codec"
	"github.com/bxd/mini-rpc/config"
	"github.com/bxd/mini-rpc/loadbalance"
	"github.com/bxd/mini-rpc/log"
	"github.com/bxd/mini-rpc/middleware"
	"github.com/bxd/mini-rpc/registry"
	"github.com/bxd/mini-rpc/server"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const heartbeatInterval = 30 * time.Second

type settings struct {
	store       registry.Store
	middlewares []middleware.Middleware
	retries     int
	retryDelay  time.Duration
}

// Option adjusts how a Provider or Consumer is built.
type Option func(*settings)

// WithStore uses store instead of the one named by registry_kind. The
// registry built on it closes it on shutdown.
func WithStore(store registry.Store) Option {
	return func(s *settings) { s.store = store }
}

// WithMiddleware appends middlewares after the built-in ones.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(s *settings) { s.middlewares = append(s.middlewares, mws...) }
}

// WithRetry makes a Consumer retry transport failures. Only use it when
// every referenced method is idempotent.
func WithRetry(maxRetries int, baseDelay time.Duration) Option {
	return func(s *settings) { s.retries, s.retryDelay = maxRetries, baseDelay }
}

func newRegistry(opts config.Options, logger *zap.Logger, s *settings) (*registry.CachedRegistry, error) {
	balancer, err := loadbalance.New(opts.Balancer)
	if err != nil {
		return nil, err
	}
	regOpts := []registry.Option{registry.WithBalancer(balancer)}

	if s.store != nil {
		regOpts = append(regOpts, registry.WithLogger(logger.Named("registry")))
		return registry.NewCachedRegistry(s.store, regOpts...), nil
	}
	return registry.New(registry.Config{
		Kind:   registry.Kind(opts.RegistryKind),
		Addr:   opts.RegistryAddr,
		TTL:    opts.RegistryTTL,
		Logger: logger,
	}, regOpts...)
}

func apply(options []Option) *settings {
	s := &settings{}
	for _, o := range options {
		o(s)
	}
	return s
}

// Provider hosts services and keeps them published while running.
type Provider struct {
	opts     config.Options
	logger   *zap.Logger
	server   *server.Server
	registry *registry.CachedRegistry
}

// NewProvider validates opts and connects the registry. Services are added
// with Register before Start.
func NewProvider(opts config.Options, logger *zap.Logger, options ...Option) (*Provider, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	logger = log.OrNop(logger)
	s := apply(options)

	reg, err := newRegistry(opts, logger, s)
	if err != nil {
		return nil, err
	}

	svr := server.NewServer(server.Options{
		WorkerPoolSize: opts.WorkerPoolSize,
		QueueSize:      opts.QueueSize,
		Logger:         logger.Named("server"),
	})
	svr.Use(middleware.RecoveryMiddleware(logger))
	svr.Use(middleware.LoggingMiddleware(logger))
	if opts.RateLimit > 0 {
		svr.Use(middleware.RateLimitMiddleware(opts.RateLimit, opts.RateBurst))
	}
	if opts.HandlerTimeout > 0 {
		svr.Use(middleware.TimeOutMiddleware(opts.HandlerTimeout))
	}
	for _, mw := range s.middlewares {
		svr.Use(mw)
	}

	return &Provider{opts: opts, logger: logger, server: svr, registry: reg}, nil
}

// Register exposes impl under name and version.
func (p *Provider) Register(name, version string, impl any) error {
	return p.server.Register(name, version, impl)
}

// Start listens on service_port, publishes every registered service and
// serves in the background.
func (p *Provider) Start() error {
	if err := p.server.Listen("tcp", ":"+strconv.Itoa(p.opts.ServicePort)); err != nil {
		return errors.Wrap(err, "listen")
	}
	advertise := p.opts.AdvertiseAddr
	if advertise == "" {
		_, port, err := net.SplitHostPort(p.server.Addr().String())
		if err != nil {
			return err
		}
		advertise = net.JoinHostPort("127.0.0.1", port)
	}
	return p.server.Start(advertise, p.registry)
}

// Addr returns the listen address once started.
func (p *Provider) Addr() net.Addr {
	return p.server.Addr()
}

// Stop unregisters, drains in-flight requests for up to timeout and
// releases the registry.
func (p *Provider) Stop(timeout time.Duration) error {
	err := p.server.Shutdown(timeout)
	if derr := p.registry.Destroy(); err == nil {
		err = derr
	}
	return err
}

// Consumer calls remote services discovered through the registry.
type Consumer struct {
	client   *client.Client
	registry *registry.CachedRegistry
}

// NewConsumer validates opts, connects the registry and builds the client.
func NewConsumer(opts config.Options, logger *zap.Logger, options ...Option) (*Consumer, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	logger = log.OrNop(logger)
	s := apply(options)

	ct, err := codec.ParseType(opts.Serializer)
	if err != nil {
		return nil, err
	}
	reg, err := newRegistry(opts, logger, s)
	if err != nil {
		return nil, err
	}

	cli, err := client.NewClient(reg, client.Options{
		Codec:             ct,
		Timeout:           opts.Timeout,
		MaxConns:          opts.MaxConns,
		HeartbeatInterval: heartbeatInterval,
		ClientID:          opts.ClientID,
		Logger:            logger.Named("client"),
	})
	if err != nil {
		reg.Destroy()
		return nil, err
	}
	if s.retries > 0 {
		cli.Use(middleware.RetryMiddleware(s.retries, s.retryDelay, logger))
	}
	for _, mw := range s.middlewares {
		cli.Use(mw)
	}
	return &Consumer{client: cli, registry: reg}, nil
}

// Reference returns a stub for one versioned service. A zero timeout uses
// the configured default.
func (c *Consumer) Reference(service, version string, timeout time.Duration) *client.Stub {
	return c.client.Reference(client.Reference{Service: service, Version: version, Timeout: timeout})
}

// Client exposes the underlying client for untyped Invoke calls.
func (c *Consumer) Client() *client.Client {
	return c.client
}

// WaitFor blocks until a provider of name/version is discoverable or ctx ends.
func (c *Consumer) WaitFor(ctx context.Context, name, version string) error {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		_, err := c.registry.Discover(ctx, name, version, c.client.ID())
		if err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return errors.Wrapf(err, "waiting for %s", name)
		case <-ticker.C:
		}
	}
}

// Close closes connections and the registry.
func (c *Consumer) Close() error {
	c.client.Close()
	return c.registry.Destroy()
}
