package middleware

import (
	"context"

	"github.com/bxd/mini-rpc/message"
	"golang.org/x/time/rate"
)

// RateLimitMiddleware sheds calls beyond a token-bucket rate of r per
// second with bursts up to burst. Rejected calls get a FAIL result right
// away instead of queueing.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *message.Call) (*message.Result, error) {
			if !limiter.Allow() {
				return message.Failf("rate limit exceeded"), nil
			}
			return next(ctx, call)
		}
	}
}
