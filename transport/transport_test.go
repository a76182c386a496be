package transport

import (
	"bufio"
	"context"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bxd/mini-rpc/codec"
	"github.com/bxd/mini-rpc/message"
	"github.com/bxd/mini-rpc/protocol"
	"github.com/bxd/mini-rpc/rpcerr"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeServer answers every Call by echoing its first parameter. Method
// names steer its behavior:
//
//	"echo"   reply immediately
//	"silent" never reply
//	"hangup" close the connection
//	"garbage" write bytes with a bad magic number
//	"batch"  hold replies until batchSize requests arrived, then answer in reverse order
type fakeServer struct {
	listener  net.Listener
	batchSize int
}

func startFakeServer(t *testing.T, batchSize int) *fakeServer {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := &fakeServer{listener: l, batchSize: batchSize}
	go s.serve()
	t.Cleanup(func() { l.Close() })
	return s
}

func (s *fakeServer) Addr() string {
	return s.listener.Addr().String()
}

func (s *fakeServer) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		go s.handle(conn)
	}
}

type frame struct {
	header *protocol.Header
	result *message.Result
}

func (s *fakeServer) handle(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	var batch []frame
	var mu sync.Mutex

	write := func(f frame) {
		c, _ := codec.GetCodec(codec.CodecType(f.header.Serializer))
		body, _ := c.Encode(f.result)
		h := &protocol.Header{Kind: protocol.KindResponse, Serializer: f.header.Serializer, RequestID: f.header.RequestID}
		mu.Lock()
		protocol.Encode(conn, h, body)
		mu.Unlock()
	}

	for {
		h, body, err := protocol.Decode(r)
		if err != nil {
			return
		}
		if h.Kind == protocol.KindHeartbeat {
			continue
		}
		c, _ := codec.GetCodec(codec.CodecType(h.Serializer))
		var call message.Call
		if err := c.Decode(body, &call); err != nil {
			return
		}
		var param []byte
		if len(call.Params) > 0 {
			param = call.Params[0]
		}
		f := frame{header: h, result: &message.Result{Data: param}}

		switch call.Method {
		case "silent":
		case "hangup":
			return
		case "garbage":
			conn.Write([]byte("GET / HTTP/1.1\r\nHost: x\r\n\r\n"))
		case "batch":
			batch = append(batch, f)
			if len(batch) == s.batchSize {
				for i := len(batch) - 1; i >= 0; i-- {
					write(batch[i])
				}
				batch = nil
			}
		default:
			write(f)
		}
	}
}

func newCall(t *testing.T, c codec.Codec, method string, arg any) *message.Call {
	p, err := codec.Marshal(c, arg)
	require.NoError(t, err)
	return &message.Call{
		Service:    "Echo",
		Version:    "1.0",
		Method:     method,
		ParamTypes: []string{"int"},
		Params:     [][]byte{p},
	}
}

func dialTransport(t *testing.T, addr string, ct codec.CodecType) *ClientTransport {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	c, err := codec.GetCodec(ct)
	require.NoError(t, err)
	tr := NewClientTransport(conn, Options{Codec: c, HeartbeatInterval: 20 * time.Millisecond})
	t.Cleanup(func() { tr.Close() })
	return tr
}

func decodeInt(t *testing.T, c codec.Codec, resp *Response) int {
	t.Helper()
	var res message.Result
	require.NoError(t, c.Decode(resp.Body, &res))
	var n int
	require.NoError(t, codec.Unmarshal(c, res.Data, &n))
	return n
}

func TestPendingTableExactlyOnce(t *testing.T) {
	var table PendingTable
	pc := table.Add(1, time.Now().Add(time.Second))
	assert.Equal(t, 1, table.Len())

	assert.True(t, table.Resolve(1, &Response{Body: []byte("first")}))
	assert.False(t, table.Resolve(1, &Response{Body: []byte("second")}))
	assert.False(t, table.Remove(1))
	assert.Equal(t, 0, table.Len())

	resp := <-pc.Done()
	assert.Equal(t, "first", string(resp.Body))
	select {
	case <-pc.Done():
		t.Fatal("slot resolved twice")
	default:
	}
}

func TestPendingTableTimeoutWins(t *testing.T) {
	var table PendingTable
	table.Add(7, time.Now())

	assert.True(t, table.Remove(7))
	assert.False(t, table.Resolve(7, &Response{}))
	assert.Equal(t, 0, table.Len())
}

func TestPendingTableFailAll(t *testing.T) {
	var table PendingTable
	calls := make([]*PendingCall, 5)
	for i := range calls {
		calls[i] = table.Add(uint64(i), time.Now())
	}

	assert.Equal(t, 5, table.FailAll(rpcerr.ErrConnectionLost))
	for _, pc := range calls {
		resp := <-pc.Done()
		assert.True(t, errors.Is(resp.Err, rpcerr.ErrConnectionLost))
	}
	assert.Equal(t, 0, table.Len())
}

func TestPendingTableConcurrentRace(t *testing.T) {
	var table PendingTable
	const n = 1000

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < n; i++ {
		table.Add(uint64(i), time.Now())
		wg.Add(2)
		go func(id uint64) {
			defer wg.Done()
			if table.Resolve(id, &Response{}) {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(uint64(i))
		go func(id uint64) {
			defer wg.Done()
			if table.Remove(id) {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(uint64(i))
	}
	wg.Wait()

	assert.Equal(t, n, wins)
	assert.Equal(t, 0, table.Len())
}

func TestClientTransportSerial(t *testing.T) {
	srv := startFakeServer(t, 0)
	for _, ct := range []codec.CodecType{codec.CodecTypeJSON, codec.CodecTypeBinary, codec.CodecTypeMsgPack} {
		tr := dialTransport(t, srv.Addr(), ct)
		c, _ := codec.GetCodec(ct)
		for _, n := range []int{3, 30, 300} {
			resp, err := tr.Invoke(context.Background(), newCall(t, c, "echo", n), time.Second)
			require.NoError(t, err)
			assert.Equal(t, protocol.KindResponse, resp.Header.Kind)
			assert.Equal(t, n, decodeInt(t, c, resp))
		}
	}
}

func TestClientTransportConcurrent(t *testing.T) {
	srv := startFakeServer(t, 0)
	tr := dialTransport(t, srv.Addr(), codec.CodecTypeJSON)
	c := &codec.JSONCodec{}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			resp, err := tr.Invoke(context.Background(), newCall(t, c, "echo", n), time.Second)
			if !assert.NoError(t, err) {
				return
			}
			assert.Equal(t, n, decodeInt(t, c, resp))
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 0, tr.Pending())
}

// Responses arrive in reverse order; each must still reach its own caller.
func TestClientTransportOutOfOrder(t *testing.T) {
	const n = 10
	srv := startFakeServer(t, n)
	tr := dialTransport(t, srv.Addr(), codec.CodecTypeMsgPack)
	c := &codec.MsgPackCodec{}

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(v int) {
			defer wg.Done()
			resp, err := tr.Invoke(context.Background(), newCall(t, c, "batch", v), 2*time.Second)
			if !assert.NoError(t, err) {
				return
			}
			assert.Equal(t, v, decodeInt(t, c, resp))
		}(i * 11)
	}
	wg.Wait()
}

func TestClientTransportTimeout(t *testing.T) {
	srv := startFakeServer(t, 0)
	tr := dialTransport(t, srv.Addr(), codec.CodecTypeJSON)
	c := &codec.JSONCodec{}

	start := time.Now()
	_, err := tr.Invoke(context.Background(), newCall(t, c, "silent", 1), 100*time.Millisecond)
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.True(t, errors.Is(err, rpcerr.ErrCallTimeout))
	assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
	assert.Less(t, elapsed, 150*time.Millisecond)
	assert.Equal(t, 0, tr.Pending())

	// The connection is still usable.
	resp, err := tr.Invoke(context.Background(), newCall(t, c, "echo", 5), time.Second)
	require.NoError(t, err)
	assert.Equal(t, 5, decodeInt(t, c, resp))
}

func TestClientTransportContextCancel(t *testing.T) {
	srv := startFakeServer(t, 0)
	tr := dialTransport(t, srv.Addr(), codec.CodecTypeJSON)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()
	_, err := tr.Invoke(ctx, newCall(t, &codec.JSONCodec{}, "silent", 1), time.Second)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, 0, tr.Pending())
}

func TestClientTransportConnectionLost(t *testing.T) {
	srv := startFakeServer(t, 0)
	tr := dialTransport(t, srv.Addr(), codec.CodecTypeJSON)
	c := &codec.JSONCodec{}

	// Park a few calls, then make the server hang up.
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := tr.Invoke(context.Background(), newCall(t, c, "silent", 1), 5*time.Second)
			assert.True(t, errors.Is(err, rpcerr.ErrConnectionLost), "got %v", err)
		}()
	}
	assert.Eventually(t, func() bool { return tr.Pending() == 3 }, time.Second, 5*time.Millisecond)

	start := time.Now()
	tr.Invoke(context.Background(), newCall(t, c, "hangup", 1), 5*time.Second)
	wg.Wait()
	assert.Less(t, time.Since(start), time.Second)
	assert.True(t, tr.Closed())

	_, err := tr.Invoke(context.Background(), newCall(t, c, "echo", 1), time.Second)
	assert.True(t, errors.Is(err, rpcerr.ErrConnectionLost))
}

func TestClientTransportFramingError(t *testing.T) {
	srv := startFakeServer(t, 0)
	tr := dialTransport(t, srv.Addr(), codec.CodecTypeJSON)

	_, err := tr.Invoke(context.Background(), newCall(t, &codec.JSONCodec{}, "garbage", 1), time.Second)
	require.Error(t, err)
	assert.True(t, errors.Is(err, rpcerr.ErrConnectionLost))
	assert.True(t, tr.Closed())
}

func TestPoolReuseAndReconnect(t *testing.T) {
	srv := startFakeServer(t, 0)
	pool := NewPool(srv.Addr(), PoolConfig{MaxConns: 2, Transport: Options{Codec: &codec.JSONCodec{}}})
	defer pool.Close()

	ctx := context.Background()
	t1, err := pool.Get(ctx)
	require.NoError(t, err)
	t2, err := pool.Get(ctx)
	require.NoError(t, err)
	assert.NotSame(t, t1, t2)
	assert.Equal(t, 2, pool.Size())

	// Full pool hands out existing transports.
	t3, err := pool.Get(ctx)
	require.NoError(t, err)
	assert.True(t, t3 == t1 || t3 == t2)

	// A dead transport is evicted and replaced.
	t1.Close()
	t4, err := pool.Get(ctx)
	require.NoError(t, err)
	assert.False(t, t4.Closed())
	assert.Equal(t, 2, pool.Size())
}

func TestPoolDialFailure(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	l.Close()

	pool := NewPool(addr, PoolConfig{MaxConns: 1, DialTimeout: 200 * time.Millisecond})
	_, err = pool.Get(context.Background())
	assert.True(t, errors.Is(err, rpcerr.ErrConnectionUnavailable))

	pool.Close()
	_, err = pool.Get(context.Background())
	assert.True(t, errors.Is(err, rpcerr.ErrConnectionUnavailable))
}

func TestPoolSlowDialDoesNotBlockGet(t *testing.T) {
	srv := startFakeServer(t, 0)
	gate := make(chan struct{})
	var dials atomic.Int32
	dial := func(ctx context.Context, network, addr string) (net.Conn, error) {
		if dials.Add(1) == 2 {
			select {
			case <-gate:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		var d net.Dialer
		return d.DialContext(ctx, network, addr)
	}
	pool := NewPool(srv.Addr(), PoolConfig{MaxConns: 2, Dial: dial, Transport: Options{Codec: &codec.JSONCodec{}}})
	defer pool.Close()

	ctx := context.Background()
	first, err := pool.Get(ctx)
	require.NoError(t, err)

	slow := make(chan *ClientTransport, 1)
	go func() {
		tr, _ := pool.Get(ctx)
		slow <- tr
	}()
	require.Eventually(t, func() bool { return dials.Load() == 2 }, time.Second, time.Millisecond)

	// While the second dial hangs, other callers reuse the live transport.
	start := time.Now()
	tr, err := pool.Get(ctx)
	require.NoError(t, err)
	assert.Same(t, first, tr)
	assert.Less(t, time.Since(start), 50*time.Millisecond)

	close(gate)
	second := <-slow
	require.NotNil(t, second)
	assert.NotSame(t, first, second)
	assert.Equal(t, 2, pool.Size())
}

func TestPoolBacksOffAfterFailedGrowth(t *testing.T) {
	srv := startFakeServer(t, 0)
	var dials atomic.Int32
	dial := func(ctx context.Context, network, addr string) (net.Conn, error) {
		if dials.Add(1) > 1 {
			return nil, errors.New("unreachable")
		}
		var d net.Dialer
		return d.DialContext(ctx, network, addr)
	}
	pool := NewPool(srv.Addr(), PoolConfig{MaxConns: 2, DialTimeout: time.Second, Dial: dial,
		Transport: Options{Codec: &codec.JSONCodec{}}})
	defer pool.Close()

	ctx := context.Background()
	first, err := pool.Get(ctx)
	require.NoError(t, err)

	// The failed growth dial falls back to the live transport, and later
	// calls skip dialing until the backoff passes.
	for i := 0; i < 10; i++ {
		tr, err := pool.Get(ctx)
		require.NoError(t, err)
		assert.Same(t, first, tr)
	}
	assert.Equal(t, int32(2), dials.Load())
}
