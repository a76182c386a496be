// Package server implements the RPC provider: service table, middleware
// chain, bounded worker pool, registry publication and graceful shutdown.
//
// Request processing pipeline:
//
//	Accept conn → handleConn (one goroutine per connection reads frames)
//	  → worker pool (bounded queue, FAIL "server busy" when full)
//	    → Codec.Decode → Middleware Chain → businessHandler (reflect.Call) → Codec.Encode → write response
package server

import (
	"bufio"
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bxd/mini-rpc/codec"
	"github.com/bxd/mini-rpc/message"
	"github.com/bxd/mini-rpc/middleware"
	"github.com/bxd/mini-rpc/protocol"
	"github.com/bxd/mini-rpc/registry"
	"github.com/bxd/mini-rpc/rpcerr"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Options configures a Server.
type Options struct {
	WorkerPoolSize int           // Goroutines executing method bodies
	QueueSize      int           // Requests allowed to wait for a worker
	RegisterRetry  time.Duration // Initial backoff when the registry is unreachable
	Logger         *zap.Logger
}

// Server is the RPC server that registers services and handles incoming requests.
type Server struct {
	opts     Options
	logger   *zap.Logger
	services map[string]*service // ServiceKey → service, filled before Serve
	methods  methodCache
	workers  *workerPool

	listener      net.Listener
	wg            sync.WaitGroup // Tracks in-flight requests for graceful shutdown
	admitMu       sync.Mutex     // Orders wg.Add against setting shutdown
	shutdown      atomic.Bool    // Set during shutdown to suppress Accept errors
	stopRegister  context.CancelFunc
	connMu        sync.Mutex
	conns         map[net.Conn]struct{}
	middlewares   []middleware.Middleware
	handler       middleware.HandlerFunc // middleware(middleware(...(businessHandler)))
	registry      registry.Registry      // nil if not using discovery
	advertiseAddr string                 // Address published in the registry
}

// NewServer creates a new RPC server with an empty service table.
func NewServer(opts Options) *Server {
	if opts.WorkerPoolSize <= 0 {
		opts.WorkerPoolSize = 16
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	if opts.RegisterRetry <= 0 {
		opts.RegisterRetry = 200 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Server{
		opts:     opts,
		logger:   opts.Logger,
		services: make(map[string]*service),
		conns:    make(map[net.Conn]struct{}),
	}
}

// Register exposes rcvr under name and version. An empty name uses the
// receiver's type name. Registering the same ServiceKey twice is an error.
func (svr *Server) Register(name, version string, rcvr any) error {
	svc, err := newService(name, version, rcvr)
	if err != nil {
		return err
	}
	if _, dup := svr.services[svc.key()]; dup {
		return errors.Errorf("rpc: service already registered: %s", svc.key())
	}
	svr.services[svc.key()] = svc
	return nil
}

// Use registers a middleware. Middlewares are applied in the order they are added.
func (svr *Server) Use(mw middleware.Middleware) {
	svr.middlewares = append(svr.middlewares, mw)
}

// Listen binds the server's listener. Call Serve next.
func (svr *Server) Listen(network, address string) error {
	listener, err := net.Listen(network, address)
	if err != nil {
		return err
	}
	svr.listener = listener
	return nil
}

// Addr returns the listener's address, nil before Listen.
func (svr *Server) Addr() net.Addr {
	if svr.listener == nil {
		return nil
	}
	return svr.listener.Addr()
}

// ListenAndServe is Listen followed by Serve.
func (svr *Server) ListenAndServe(network, address, advertiseAddr string, reg registry.Registry) error {
	if err := svr.Listen(network, address); err != nil {
		return err
	}
	return svr.Serve(advertiseAddr, reg)
}

// Serve publishes every service in the registry and runs the Accept loop
// until Shutdown.
//
// Parameters:
//   - advertiseAddr: the address to publish (e.g., "127.0.0.1:8080"). This
//     differs from the listen address because ":8080" is not routable.
//     Empty means the listener's address.
//   - reg: the registry implementation. Pass nil to skip service discovery.
func (svr *Server) Serve(advertiseAddr string, reg registry.Registry) error {
	if err := svr.start(advertiseAddr, reg); err != nil {
		return err
	}
	return svr.acceptLoop()
}

// Start is Serve with the Accept loop moved to a background goroutine. It
// returns once the services are published.
func (svr *Server) Start(advertiseAddr string, reg registry.Registry) error {
	if err := svr.start(advertiseAddr, reg); err != nil {
		return err
	}
	go func() {
		if err := svr.acceptLoop(); err != nil {
			svr.logger.Error("accept loop stopped", zap.Error(err))
		}
	}()
	return nil
}

func (svr *Server) start(advertiseAddr string, reg registry.Registry) error {
	if svr.listener == nil {
		return errors.New("rpc: Serve called before Listen")
	}

	// Build the middleware chain once at startup (not per-request)
	svr.handler = middleware.Chain(svr.middlewares...)(svr.businessHandler)
	svr.workers = newWorkerPool(svr.opts.WorkerPoolSize, svr.opts.QueueSize)

	if advertiseAddr == "" {
		advertiseAddr = svr.listener.Addr().String()
	}
	svr.advertiseAddr = advertiseAddr

	if reg != nil {
		svr.registry = reg
		if err := svr.publish(); err != nil {
			svr.listener.Close()
			return err
		}
	}

	svr.logger.Info("rpc server started",
		zap.String("listen", svr.listener.Addr().String()),
		zap.String("advertise", advertiseAddr),
		zap.Int("services", len(svr.services)))
	return nil
}

func (svr *Server) acceptLoop() error {
	for {
		conn, err := svr.listener.Accept()
		if err != nil {
			// During shutdown, listener.Close() causes Accept to return an error.
			if svr.shutdown.Load() {
				return nil
			}
			return err
		}
		go svr.handleConn(conn)
	}
}

func (svr *Server) instances() []message.ServiceInstance {
	out := make([]message.ServiceInstance, 0, len(svr.services))
	for _, svc := range svr.services {
		out = append(out, message.ServiceInstance{Name: svc.name, Version: svc.version, Addr: svr.advertiseAddr})
	}
	return out
}

// publish registers every service once synchronously. If the registry is
// unreachable the remaining work continues in the background with
// exponential backoff; other errors are returned.
func (svr *Server) publish() error {
	ctx, cancel := context.WithCancel(context.Background())
	svr.stopRegister = cancel

	pending := svr.registerAll(ctx, svr.instances())
	if len(pending) == 0 {
		return nil
	}
	if err := pending[0].err; !errors.Is(err, rpcerr.ErrRegistryUnavailable) {
		return err
	}

	go func() {
		delay := svr.opts.RegisterRetry
		for len(pending) > 0 {
			svr.logger.Warn("registry unavailable, retrying registration",
				zap.Int("pending", len(pending)), zap.Duration("backoff", delay), zap.Error(pending[0].err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			if delay < 30*time.Second {
				delay *= 2
			}
			insts := make([]message.ServiceInstance, len(pending))
			for i, p := range pending {
				insts[i] = p.inst
			}
			pending = svr.registerAll(ctx, insts)
		}
	}()
	return nil
}

type failedRegistration struct {
	inst message.ServiceInstance
	err  error
}

func (svr *Server) registerAll(ctx context.Context, insts []message.ServiceInstance) []failedRegistration {
	var failed []failedRegistration
	for _, inst := range insts {
		if err := svr.registry.Register(ctx, inst); err != nil {
			failed = append(failed, failedRegistration{inst: inst, err: err})
		}
	}
	return failed
}

// handleConn processes a single TCP connection.
// It runs a read loop in a single goroutine (reads must be sequential to
// parse frame boundaries) and hands each request to the worker pool.
//
// A per-connection write mutex (writeMu) is shared among all requests on
// this connection to prevent frame interleaving.
func (svr *Server) handleConn(conn net.Conn) {
	svr.trackConn(conn, true)
	defer svr.trackConn(conn, false)
	defer conn.Close()

	logger := svr.logger.With(zap.String("remote", conn.RemoteAddr().String()))
	reader := bufio.NewReader(conn)
	writeMu := &sync.Mutex{}

	for {
		header, body, err := protocol.Decode(reader)
		if err != nil {
			switch {
			case errors.Is(err, rpcerr.ErrFraming):
				logger.Warn("closing connection on corrupt stream", zap.Error(err))
			case errors.Is(err, io.EOF), svr.shutdown.Load():
			default:
				logger.Debug("connection read failed", zap.Error(err))
			}
			return
		}

		switch header.Kind {
		case protocol.KindHeartbeat:
			continue
		case protocol.KindRequest:
		default:
			logger.Warn("unexpected frame from client", zap.Stringer("kind", header.Kind))
			continue
		}

		if !svr.admit() {
			svr.writeResult(conn, writeMu, header, message.Failf("server shutting down"))
			continue
		}
		accepted := svr.workers.TrySubmit(func() {
			defer svr.wg.Done()
			svr.handleRequest(header, body, conn, writeMu)
		})
		if !accepted {
			svr.wg.Done()
			logger.Warn("worker queue full, rejecting request", zap.Uint64("request_id", header.RequestID))
			svr.writeResult(conn, writeMu, header, message.Failf("server busy"))
		}
	}
}

// admit counts a request as in flight unless shutdown has begun, so
// Shutdown's Wait never races a late Add.
func (svr *Server) admit() bool {
	svr.admitMu.Lock()
	defer svr.admitMu.Unlock()
	if svr.shutdown.Load() {
		return false
	}
	svr.wg.Add(1)
	return true
}

func (svr *Server) trackConn(conn net.Conn, add bool) {
	svr.connMu.Lock()
	defer svr.connMu.Unlock()
	if add {
		svr.conns[conn] = struct{}{}
	} else {
		delete(svr.conns, conn)
	}
}

// handleRequest runs on a worker: decode → middleware → business logic →
// encode → write. Every failure ends up as a FAIL result; nothing escapes
// to the connection.
func (svr *Server) handleRequest(header *protocol.Header, body []byte, conn net.Conn, writeMu *sync.Mutex) {
	result := svr.process(header, body)
	svr.writeResult(conn, writeMu, header, result)
}

func (svr *Server) process(header *protocol.Header, body []byte) (result *message.Result) {
	defer func() {
		if r := recover(); r != nil {
			svr.logger.Error("panic while processing request", zap.Uint64("request_id", header.RequestID),
				zap.Any("panic", r), zap.Stack("stack"))
			result = message.Failf("panic: %v", r)
		}
	}()

	c, err := codec.GetCodec(codec.CodecType(header.Serializer))
	if err != nil {
		return message.Failf("bad request: %v", err)
	}

	var call message.Call
	if err := codec.Unmarshal(c, body, &call); err != nil {
		return message.Failf("bad request: %v", err)
	}

	ctx := withCodec(context.Background(), c)
	result, err = svr.handler(ctx, &call)
	if err != nil {
		return message.Failf("%v", err)
	}
	if result == nil {
		return &message.Result{}
	}
	return result
}

// writeResult encodes result with the request's codec and writes it back
// with the same request id and the kind flipped to RESPONSE.
func (svr *Server) writeResult(conn net.Conn, writeMu *sync.Mutex, req *protocol.Header, result *message.Result) {
	c, err := codec.GetCodec(codec.CodecType(req.Serializer))
	if err != nil {
		c = &codec.JSONCodec{}
	}

	status := protocol.StatusSuccess
	if result.Failed() {
		status = protocol.StatusFail
	}

	body, err := c.Encode(result)
	if err != nil {
		svr.logger.Error("failed to encode result", zap.Uint64("request_id", req.RequestID), zap.Error(err))
		body, _ = c.Encode(message.Failf("encode result: %v", err))
		status = protocol.StatusFail
	}

	reply := protocol.Header{
		Kind:       protocol.KindResponse,
		Status:     status,
		Serializer: byte(c.Type()),
		RequestID:  req.RequestID, // Echo the request id so the client can match the response
	}

	writeMu.Lock()
	err = protocol.Encode(conn, &reply, body)
	writeMu.Unlock()
	if err != nil {
		svr.logger.Debug("failed to write response", zap.Uint64("request_id", req.RequestID), zap.Error(err))
	}
}

type codecKey struct{}

func withCodec(ctx context.Context, c codec.Codec) context.Context {
	return context.WithValue(ctx, codecKey{}, c)
}

func codecFrom(ctx context.Context) codec.Codec {
	if c, ok := ctx.Value(codecKey{}).(codec.Codec); ok {
		return c
	}
	return &codec.JSONCodec{}
}

// businessHandler dispatches a call to the registered service. It is
// wrapped by the middleware chain and has the HandlerFunc signature.
//
// Flow: ServiceKey → service → cached method → decode params →
// reflect.Call → encode return value → Result
func (svr *Server) businessHandler(ctx context.Context, call *message.Call) (*message.Result, error) {
	svc, ok := svr.services[call.Key()]
	if !ok {
		return message.Failf("%s: %s", rpcerr.ServiceNotFoundPrefix, call.Key()), nil
	}

	if len(call.ParamTypes) != len(call.Params) {
		return message.Failf("bad request: %d param types for %d params", len(call.ParamTypes), len(call.Params)), nil
	}

	mt, err := svr.methods.resolve(svc.typ, call.Method, call.ParamTypes)
	if err != nil {
		return message.Failf("%v", err), nil
	}

	result, err := svc.call(ctx, codecFrom(ctx), mt, call.Params)
	if err != nil {
		return message.Failf("%v", err), nil
	}
	return result, nil
}

// Shutdown performs graceful shutdown:
//  1. Unregister all services (clients stop routing to this server)
//  2. Set shutdown flag (so Accept error is recognized as intentional)
//  3. Close the listener (stop accepting new connections)
//  4. Wait for in-flight requests to finish (with timeout)
//  5. Stop the workers and close remaining connections
func (svr *Server) Shutdown(timeout time.Duration) error {
	if svr.stopRegister != nil {
		svr.stopRegister()
	}
	if svr.registry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		for _, inst := range svr.instances() {
			if err := svr.registry.Unregister(ctx, inst); err != nil {
				svr.logger.Warn("unregister failed", zap.Stringer("instance", inst), zap.Error(err))
			}
		}
		cancel()
	}

	// Set shutdown flag BEFORE closing listener, otherwise Serve would
	// report the Accept error as a real failure.
	svr.admitMu.Lock()
	svr.shutdown.Store(true)
	svr.admitMu.Unlock()
	if svr.listener != nil {
		svr.listener.Close()
	}

	done := make(chan struct{})
	go func() {
		svr.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-time.After(timeout):
		err = errors.New("timeout waiting for ongoing requests to finish")
	}

	svr.connMu.Lock()
	for conn := range svr.conns {
		conn.Close()
	}
	svr.connMu.Unlock()

	if svr.workers != nil && err == nil {
		svr.workers.Stop()
	}
	svr.logger.Info("rpc server stopped", zap.String("advertise", svr.advertiseAddr))
	return err
}
