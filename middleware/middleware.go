// Package middleware wraps call handlers on both sides of the wire.
//
// On the server the innermost handler is the dispatcher's reflective
// invocation; failures travel as FAIL results and the error return is
// reserved for infrastructure faults. On the client the innermost handler
// sends the call over the network and returns typed transport errors.
package middleware

import (
	"context"

	"github.com/bxd/mini-rpc/message"
)

type HandlerFunc func(ctx context.Context, call *message.Call) (*message.Result, error)

type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares so that the first one is the outermost:
// Chain(A, B, C)(h) == A(B(C(h))).
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
