package middleware

import (
	"context"
	"time"

	"github.com/bxd/mini-rpc/message"
)

// TimeOutMiddleware bounds how long the caller waits for next. The handler
// keeps running in its goroutine after the deadline, but it sees a
// cancelled ctx and its result is dropped. A panic in next becomes a FAIL
// result.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *message.Call) (*message.Result, error) {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			type outcome struct {
				result *message.Result
				err    error
			}
			done := make(chan outcome, 1)
			go func() {
				// Panics here would escape every recover on the caller's stack.
				defer func() {
					if r := recover(); r != nil {
						done <- outcome{message.Failf("panic: %v", r), nil}
					}
				}()
				result, err := next(ctx, call)
				done <- outcome{result, err}
			}()

			select {
			case o := <-done:
				return o.result, o.err
			case <-ctx.Done():
				return message.Failf("request timed out"), nil
			}
		}
	}
}
