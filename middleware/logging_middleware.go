package middleware

import (
	"context"
	"time"

	"github.com/bxd/mini-rpc/message"
	"go.uber.org/zap"
)

// LoggingMiddleware logs every call with its duration and outcome.
func LoggingMiddleware(logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *message.Call) (*message.Result, error) {
			start := time.Now()
			result, err := next(ctx, call)
			fields := []zap.Field{
				zap.String("service", call.Key()),
				zap.String("method", call.Method),
				zap.Duration("duration", time.Since(start)),
			}
			switch {
			case err != nil:
				logger.Warn("call error", append(fields, zap.Error(err))...)
			case result != nil && result.Failed():
				logger.Info("call failed", append(fields, zap.String("message", result.Message))...)
			default:
				logger.Debug("call ok", fields...)
			}
			return result, err
		}
	}
}
