package middleware

import (
	"context"
	"time"

	"github.com/bxd/mini-rpc/message"
	"github.com/bxd/mini-rpc/rpcerr"
	"go.uber.org/zap"
)

// RetryMiddleware retries calls that failed at the transport level
// (timeout, lost or unavailable connection, registry outage) with
// exponential backoff. Remote failures are returned as-is. Only install it
// for idempotent methods: a timed-out call may already have run.
func RetryMiddleware(maxRetries int, baseDelay time.Duration, logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *message.Call) (*message.Result, error) {
			result, err := next(ctx, call)
			for i := 0; i < maxRetries; i++ {
				if err == nil || !rpcerr.Retryable(err) {
					return result, err
				}
				logger.Info("retrying call", zap.String("service", call.Key()), zap.String("method", call.Method),
					zap.Int("attempt", i+1), zap.Error(err))

				select {
				case <-time.After(baseDelay * time.Duration(1<<i)): // Exponential backoff
				case <-ctx.Done():
					return nil, ctx.Err()
				}
				result, err = next(ctx, call)
			}
			return result, err
		}
	}
}
