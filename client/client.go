// Package client implements the consumer side: it resolves a provider
// through the registry, sends the Call over a pooled multiplexed transport
// and maps the Result back into the caller's reply value.
//
//	Invoke → middleware chain → discover → pool.Get → transport.Invoke → decode Result
package client

import (
	"context"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bxd/mini-rpc/codec"
	"github.com/bxd/mini-rpc/message"
	"github.com/bxd/mini-rpc/middleware"
	"github.com/bxd/mini-rpc/protocol"
	"github.com/bxd/mini-rpc/registry"
	"github.com/bxd/mini-rpc/rpcerr"
	"github.com/bxd/mini-rpc/transport"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// ErrClientClosed is returned by calls made after Close.
var ErrClientClosed = errors.New("rpc: client closed")

// Options configures a Client.
type Options struct {
	Codec             codec.CodecType
	Timeout           time.Duration // Default per-call timeout
	MaxConns          int           // Connections per provider address
	DialTimeout       time.Duration
	HeartbeatInterval time.Duration
	ClientID          string // Routing hint for the balancer; random if empty
	Logger            *zap.Logger
}

// Client invokes remote methods on providers found in the registry.
// It is safe for concurrent use.
type Client struct {
	registry registry.Registry
	codec    codec.Codec
	timeout  time.Duration
	clientID string
	logger   *zap.Logger
	poolCfg  transport.PoolConfig

	mu          sync.Mutex
	pools       map[string]*transport.Pool // provider addr → pool
	middlewares []middleware.Middleware
	handler     atomic.Pointer[middleware.HandlerFunc]
	closed      atomic.Bool
}

func NewClient(reg registry.Registry, opts Options) (*Client, error) {
	if reg == nil {
		return nil, errors.New("rpc: client needs a registry")
	}
	c, err := codec.GetCodec(opts.Codec)
	if err != nil {
		return nil, err
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 3 * time.Second
	}
	if opts.ClientID == "" {
		opts.ClientID = uuid.NewString()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	cli := &Client{
		registry: reg,
		codec:    c,
		timeout:  opts.Timeout,
		clientID: opts.ClientID,
		logger:   opts.Logger,
		pools:    make(map[string]*transport.Pool),
		poolCfg: transport.PoolConfig{
			MaxConns:    opts.MaxConns,
			DialTimeout: opts.DialTimeout,
			Transport: transport.Options{
				Codec:             c,
				HeartbeatInterval: opts.HeartbeatInterval,
				Logger:            opts.Logger,
			},
		},
	}
	cli.rebuild()
	return cli, nil
}

// Use appends a middleware around every call. Middlewares run in the order
// they were added.
func (c *Client) Use(mw middleware.Middleware) {
	c.mu.Lock()
	c.middlewares = append(c.middlewares, mw)
	c.mu.Unlock()
	c.rebuild()
}

func (c *Client) rebuild() {
	c.mu.Lock()
	h := middleware.Chain(c.middlewares...)(c.roundTrip)
	c.mu.Unlock()
	c.handler.Store(&h)
}

// ID returns the routing hint this client passes to the balancer.
func (c *Client) ID() string {
	return c.clientID
}

// Reference identifies a versioned remote service.
type Reference struct {
	Service string
	Version string
	Timeout time.Duration // 0 uses the client default
}

// Invoke calls method on the service named by ref. args are sent in order
// and the return value is decoded into reply, which must be a pointer or
// nil. A method that failed on the provider yields *rpcerr.RemoteError.
func (c *Client) Invoke(ctx context.Context, ref Reference, method string, reply any, args ...any) error {
	if c.closed.Load() {
		return ErrClientClosed
	}

	call, err := c.newCall(ref, method, args)
	if err != nil {
		return err
	}

	timeout := ref.Timeout
	if timeout <= 0 {
		timeout = c.timeout
	}
	ctx = context.WithValue(ctx, timeoutKey{}, timeout)

	result, err := (*c.handler.Load())(ctx, call)
	if err != nil {
		return err
	}
	if result == nil {
		return nil
	}
	if result.Failed() {
		return &rpcerr.RemoteError{Service: call.Key(), Method: method, Message: result.Message}
	}
	return codec.Unmarshal(c.codec, result.Data, reply)
}

func (c *Client) newCall(ref Reference, method string, args []any) (*message.Call, error) {
	call := &message.Call{
		Service:    ref.Service,
		Version:    ref.Version,
		Method:     method,
		ParamTypes: make([]string, len(args)),
		Params:     make([][]byte, len(args)),
	}
	for i, arg := range args {
		data, err := codec.Marshal(c.codec, arg)
		if err != nil {
			return nil, errors.Wrapf(err, "%s param %d", call, i)
		}
		if arg != nil {
			call.ParamTypes[i] = reflect.TypeOf(arg).String()
		}
		call.Params[i] = data
	}
	return call, nil
}

type timeoutKey struct{}

// roundTrip is the innermost handler: one attempt against one provider.
func (c *Client) roundTrip(ctx context.Context, call *message.Call) (*message.Result, error) {
	timeout, _ := ctx.Value(timeoutKey{}).(time.Duration)
	if timeout <= 0 {
		timeout = c.timeout
	}

	// The timeout bounds discovery and dialing as well as the wire exchange.
	deadline := time.Now().Add(timeout)
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	inst, err := c.registry.Discover(ctx, call.Service, call.Version, c.clientID)
	if err != nil {
		return nil, deadlineErr(ctx, err, "%s: discover", call)
	}

	pool, err := c.pool(inst.Addr)
	if err != nil {
		return nil, err
	}
	t, err := pool.Get(ctx)
	if err != nil {
		return nil, deadlineErr(ctx, err, "%s: connect %s", call, inst.Addr)
	}

	remaining := time.Until(deadline)
	if remaining <= 0 {
		return nil, errors.Wrapf(rpcerr.ErrCallTimeout, "%s after %s", call, timeout)
	}
	resp, err := t.Invoke(ctx, call, remaining)
	if err != nil {
		c.logger.Debug("call failed", zap.String("service", call.Key()), zap.String("method", call.Method),
			zap.String("addr", inst.Addr), zap.Error(err))
		return nil, err
	}

	rc, err := codec.GetCodec(codec.CodecType(resp.Header.Serializer))
	if err != nil {
		return nil, err
	}
	var result message.Result
	if err := codec.Unmarshal(rc, resp.Body, &result); err != nil {
		return nil, err
	}
	if resp.Header.Status == protocol.StatusFail && result.Message == "" {
		result.Message = "remote error"
	}
	if rc.Type() != c.codec.Type() {
		result.Data, err = transcode(rc, c.codec, result.Data)
		if err != nil {
			return nil, err
		}
	}
	return &result, nil
}

// deadlineErr reports err as a call timeout when ctx ran out of time.
func deadlineErr(ctx context.Context, err error, format string, args ...any) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return errors.Wrapf(rpcerr.ErrCallTimeout, format, args...)
	}
	return err
}

// transcode re-encodes data produced by one codec with another so Invoke
// can always decode the reply with the client's codec.
func transcode(from, to codec.Codec, data []byte) ([]byte, error) {
	if len(data) == 0 {
		return data, nil
	}
	var v any
	if err := codec.Unmarshal(from, data, &v); err != nil {
		return nil, err
	}
	return codec.Marshal(to, v)
}

func (c *Client) pool(addr string) (*transport.Pool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Load() {
		return nil, ErrClientClosed
	}
	p, ok := c.pools[addr]
	if !ok {
		p = transport.NewPool(addr, c.poolCfg)
		c.pools[addr] = p
	}
	return p, nil
}

// Close closes every pooled connection. In-flight calls fail with
// ErrConnectionLost. The registry is left to its owner.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for addr, p := range c.pools {
		p.Close()
		delete(c.pools, addr)
	}
	return nil
}
