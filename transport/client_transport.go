// Package transport implements the client-side transport layer with
// multiplexing and heartbeat.
//
// ClientTransport runs many concurrent calls over a single TCP connection.
// Each request gets a unique request id, and a background goroutine
// (recvLoop) continuously reads responses and routes them to the correct
// caller through the PendingTable.
//
//	goroutine-1 ──Invoke(id=1)──┐
//	goroutine-2 ──Invoke(id=2)──┼──→ single TCP conn ──→ Server
//	goroutine-3 ──Invoke(id=3)──┘
//
//	recvLoop:  ←── response(id=2) → pending[2] ← response → goroutine-2 wakes up
package transport

import (
	"bufio"
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bxd/mini-rpc/codec"
	"github.com/bxd/mini-rpc/message"
	"github.com/bxd/mini-rpc/protocol"
	"github.com/bxd/mini-rpc/rpcerr"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Options configures a ClientTransport.
type Options struct {
	Codec             codec.Codec
	HeartbeatInterval time.Duration // 0 disables heartbeats
	Logger            *zap.Logger
}

// ClientTransport manages a single multiplexed TCP connection.
type ClientTransport struct {
	conn    net.Conn
	reader  *bufio.Reader
	codec   codec.Codec
	logger  *zap.Logger
	nextID  atomic.Uint64
	pending PendingTable
	sending sync.Mutex // Writes must be serialized to prevent frame interleaving

	closed    atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
}

// NewClientTransport wraps conn and starts two background goroutines:
//   - recvLoop: continuously reads responses and dispatches to pending callers
//   - heartbeatLoop: sends periodic heartbeat frames to keep the connection alive
func NewClientTransport(conn net.Conn, opts Options) *ClientTransport {
	if opts.Codec == nil {
		opts.Codec = &codec.JSONCodec{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	t := &ClientTransport{
		conn:   conn,
		reader: bufio.NewReader(conn),
		codec:  opts.Codec,
		logger: opts.Logger.With(zap.String("addr", conn.RemoteAddr().String())),
		done:   make(chan struct{}),
	}
	go t.recvLoop()
	if opts.HeartbeatInterval > 0 {
		go t.heartbeatLoop(opts.HeartbeatInterval)
	}
	return t
}

// Invoke sends call and waits for its response, the timeout, ctx, or
// connection loss, whichever comes first. It returns the raw response
// frame; decoding the Result is left to the caller.
func (t *ClientTransport) Invoke(ctx context.Context, call *message.Call, timeout time.Duration) (*Response, error) {
	pc, err := t.Send(call, time.Now().Add(timeout))
	if err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-pc.Done():
		return resp, resp.Err
	case <-timer.C:
		if t.pending.Remove(pc.ID) {
			return nil, errors.Wrapf(rpcerr.ErrCallTimeout, "%s after %s (request %d)", call, timeout, pc.ID)
		}
	case <-ctx.Done():
		if t.pending.Remove(pc.ID) {
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, errors.Wrapf(rpcerr.ErrCallTimeout, "%s: context deadline (request %d)", call, pc.ID)
			}
			return nil, errors.Wrapf(ctx.Err(), "%s (request %d)", call, pc.ID)
		}
	}

	// The resolver won the race: its Response is already in the slot.
	resp := <-pc.Done()
	return resp, resp.Err
}

// Send encodes call, registers a PendingCall and writes the frame.
//
// Thread safety: the sending mutex ensures that the entire frame is written
// atomically. Without this lock, concurrent writes would interleave bytes
// from different requests, corrupting the TCP stream.
func (t *ClientTransport) Send(call *message.Call, deadline time.Time) (*PendingCall, error) {
	if t.closed.Load() {
		return nil, errors.Wrap(rpcerr.ErrConnectionLost, "transport closed")
	}

	body, err := codec.Marshal(t.codec, call)
	if err != nil {
		return nil, err
	}

	id := t.nextID.Add(1)
	header := protocol.Header{
		Kind:       protocol.KindRequest,
		Serializer: byte(t.codec.Type()),
		RequestID:  id,
	}

	// Register the slot BEFORE sending (avoid race with recvLoop)
	pc := t.pending.Add(id, deadline)

	// close() flips closed before failing pending calls; re-checking here
	// catches a close that ran between the first check and Add.
	if t.closed.Load() {
		t.pending.Remove(id)
		return nil, errors.Wrap(rpcerr.ErrConnectionLost, "transport closed")
	}

	t.sending.Lock()
	err = protocol.Encode(t.conn, &header, body)
	t.sending.Unlock()
	if err != nil {
		t.pending.Remove(id)
		t.close(err)
		return nil, errors.Wrapf(rpcerr.ErrConnectionLost, "write request %d: %v", id, err)
	}

	return pc, nil
}

// recvLoop runs in a dedicated goroutine, continuously reading responses.
// Only the header is parsed here; the body is handed over untouched and
// deserialized by the waiting caller.
//
// TCP is a byte stream, so reads stay on one goroutine to keep frame
// boundaries intact.
func (t *ClientTransport) recvLoop() {
	for {
		header, err := protocol.DecodeHeader(t.reader)
		if err != nil {
			t.close(err)
			return
		}
		body, err := protocol.ReadBody(t.reader, header)
		if err != nil {
			t.close(err)
			return
		}

		switch header.Kind {
		case protocol.KindHeartbeat:
			continue
		case protocol.KindResponse:
			if !t.pending.Resolve(header.RequestID, &Response{Header: header, Body: body}) {
				t.logger.Debug("discard response without pending call", zap.Uint64("request_id", header.RequestID))
			}
		default:
			t.logger.Warn("unexpected frame from server", zap.Stringer("kind", header.Kind))
		}
	}
}

// heartbeatLoop sends periodic heartbeat frames so idle connections are not
// dropped by the server or middleboxes.
func (t *ClientTransport) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
		}

		header := &protocol.Header{Kind: protocol.KindHeartbeat}
		t.sending.Lock()
		err := protocol.Encode(t.conn, header, nil)
		t.sending.Unlock()
		if err != nil {
			t.close(err)
			return
		}
	}
}

// close tears the connection down once and fails every pending call with
// ErrConnectionLost so no caller waits for its timeout.
func (t *ClientTransport) close(cause error) {
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		close(t.done)
		t.conn.Close()

		err := errors.Wrapf(rpcerr.ErrConnectionLost, "%v", cause)
		if n := t.pending.FailAll(err); n > 0 {
			t.logger.Warn("connection lost with pending calls", zap.Int("pending", n), zap.Error(cause))
		}
		if errors.Is(cause, rpcerr.ErrFraming) {
			t.logger.Error("closing connection on corrupt stream", zap.Error(cause))
		}
	})
}

// Close closes the connection.
func (t *ClientTransport) Close() error {
	t.close(errors.New("transport closed by client"))
	return nil
}

// Closed reports whether the connection is gone.
func (t *ClientTransport) Closed() bool {
	return t.closed.Load()
}

// Pending returns the number of in-flight calls.
func (t *ClientTransport) Pending() int {
	return t.pending.Len()
}

// Conn returns the underlying TCP connection.
func (t *ClientTransport) Conn() net.Conn {
	return t.conn
}
