package transport

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bxd/mini-rpc/rpcerr"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Pool keeps up to MaxConns multiplexed transports to one provider address.
//
// Connections are created lazily: the pool starts empty and grows by one
// on each Get until it is full, then hands out live transports round-robin.
// Because every transport is multiplexed, callers never wait for a
// connection to be returned; a broken transport is evicted and replaced on
// a later Get. Dials run outside the lock.
type Pool struct {
	addr        string
	maxConns    int
	dialTimeout time.Duration
	dialFn      func(ctx context.Context, network, addr string) (net.Conn, error)
	opts        Options
	logger      *zap.Logger

	mu         sync.Mutex
	conns      []*ClientTransport
	dialing    int           // Dials in flight, counted against maxConns
	dialDone   chan struct{} // Closed when the most recent dial finishes
	retryAfter time.Time     // No growth dials before this while a live conn exists
	next       atomic.Uint64
	closed     bool
}

// PoolConfig configures NewPool.
type PoolConfig struct {
	MaxConns    int
	DialTimeout time.Duration
	Transport   Options
	// Dial opens the raw connection. Nil uses a net.Dialer with DialTimeout.
	Dial func(ctx context.Context, network, addr string) (net.Conn, error)
}

func NewPool(addr string, cfg PoolConfig) *Pool {
	if cfg.MaxConns <= 0 {
		cfg.MaxConns = 1
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 3 * time.Second
	}
	if cfg.Dial == nil {
		d := &net.Dialer{Timeout: cfg.DialTimeout}
		cfg.Dial = d.DialContext
	}
	logger := cfg.Transport.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		addr:        addr,
		maxConns:    cfg.MaxConns,
		dialTimeout: cfg.DialTimeout,
		dialFn:      cfg.Dial,
		opts:        cfg.Transport,
		logger:      logger,
	}
}

// Get returns a live transport to the pool's address.
// Strategy:
//  1. Drop transports whose connection has died
//  2. If the pool is under its limit, dial a new connection (outside the lock)
//  3. Otherwise (or if dialing fails) reuse a live one round-robin
//  4. With nothing live and every slot being dialed, wait for a dial to finish
//
// With nothing live and a failed dial, Get returns ErrConnectionUnavailable.
func (p *Pool) Get(ctx context.Context) (*ClientTransport, error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, errors.Wrapf(rpcerr.ErrConnectionUnavailable, "pool %s closed", p.addr)
		}
		p.evictLocked()

		canGrow := len(p.conns)+p.dialing < p.maxConns
		if canGrow && (len(p.conns) == 0 || time.Now().After(p.retryAfter)) {
			return p.grow(ctx)
		}
		if len(p.conns) > 0 {
			t := p.conns[p.next.Add(1)%uint64(len(p.conns))]
			p.mu.Unlock()
			return t, nil
		}

		wait := p.dialDone
		p.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return nil, errors.Wrapf(ctx.Err(), "waiting for connection to %s", p.addr)
		}
	}
}

func (p *Pool) evictLocked() {
	live := p.conns[:0]
	for _, t := range p.conns {
		if !t.Closed() {
			live = append(live, t)
		}
	}
	for i := len(live); i < len(p.conns); i++ {
		p.conns[i] = nil
	}
	p.conns = live
}

// grow is called with p.mu held and releases it.
func (p *Pool) grow(ctx context.Context) (*ClientTransport, error) {
	p.dialing++
	done := make(chan struct{})
	p.dialDone = done
	p.mu.Unlock()

	t, err := p.dial(ctx)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.dialing--
	close(done)

	if err != nil {
		p.retryAfter = time.Now().Add(p.dialTimeout)
		if len(p.conns) == 0 {
			return nil, err
		}
		p.logger.Warn("dial failed, reusing pooled connection", zap.String("addr", p.addr), zap.Error(err))
		return p.conns[p.next.Add(1)%uint64(len(p.conns))], nil
	}
	if p.closed {
		t.Close()
		return nil, errors.Wrapf(rpcerr.ErrConnectionUnavailable, "pool %s closed", p.addr)
	}
	p.conns = append(p.conns, t)
	p.retryAfter = time.Time{}
	return t, nil
}

func (p *Pool) dial(ctx context.Context) (*ClientTransport, error) {
	ctx, cancel := context.WithTimeout(ctx, p.dialTimeout)
	defer cancel()
	conn, err := p.dialFn(ctx, "tcp", p.addr)
	if err != nil {
		return nil, errors.Wrapf(rpcerr.ErrConnectionUnavailable, "dial %s: %v", p.addr, err)
	}
	p.logger.Debug("connection established", zap.String("addr", p.addr))
	return NewClientTransport(conn, p.opts), nil
}

// Size returns the number of pooled transports, live or not yet evicted.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

// Close shuts down the pool and closes all connections.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	for _, t := range p.conns {
		t.Close()
	}
	p.conns = nil
	return nil
}
