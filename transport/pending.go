package transport

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/bxd/mini-rpc/protocol"
)

// Response is what a PendingCall resolves to: the raw response frame, or
// the error that ended the call before a response arrived.
type Response struct {
	Header *protocol.Header
	Body   []byte
	Err    error
}

// PendingCall is the single-resolution slot of one in-flight request.
type PendingCall struct {
	ID       uint64
	Deadline time.Time
	ch       chan *Response // Buffered so the resolver never blocks
}

// Done delivers exactly one Response.
func (c *PendingCall) Done() <-chan *Response {
	return c.ch
}

// PendingTable correlates request ids with their callers.
//
// Every resolution path (response, timeout, connection loss) goes through
// LoadAndDelete, so only the first one wins: a response that arrives after
// the caller timed out finds nothing and is dropped.
type PendingTable struct {
	calls sync.Map // map[uint64]*PendingCall
	count atomic.Int64
}

// Add registers a slot for id. Must be called BEFORE the request is
// written, otherwise a fast response could race past it.
func (t *PendingTable) Add(id uint64, deadline time.Time) *PendingCall {
	call := &PendingCall{ID: id, Deadline: deadline, ch: make(chan *Response, 1)}
	t.calls.Store(id, call)
	t.count.Add(1)
	return call
}

// Resolve hands resp to the caller waiting on id. It returns false when no
// such caller exists any more (already resolved, timed out, or unknown).
func (t *PendingTable) Resolve(id uint64, resp *Response) bool {
	v, ok := t.calls.LoadAndDelete(id)
	if !ok {
		return false
	}
	t.count.Add(-1)
	v.(*PendingCall).ch <- resp
	return true
}

// Remove drops id without resolving it. It returns false when a resolver
// got there first, in which case the slot already holds a Response.
func (t *PendingTable) Remove(id uint64) bool {
	if _, ok := t.calls.LoadAndDelete(id); ok {
		t.count.Add(-1)
		return true
	}
	return false
}

// FailAll resolves every pending call with err and returns how many there were.
func (t *PendingTable) FailAll(err error) int {
	n := 0
	t.calls.Range(func(key, _ any) bool {
		if t.Resolve(key.(uint64), &Response{Err: err}) {
			n++
		}
		return true
	})
	return n
}

// Len returns the number of unresolved calls.
func (t *PendingTable) Len() int {
	return int(t.count.Load())
}
