package middleware

import (
	"context"

	"github.com/bxd/mini-rpc/message"
	"go.uber.org/zap"
)

// RecoveryMiddleware turns a panic in next into a FAIL result.
func RecoveryMiddleware(logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *message.Call) (result *message.Result, err error) {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("panic in handler", zap.String("service", call.Key()),
						zap.String("method", call.Method), zap.Any("panic", r), zap.Stack("stack"))
					result, err = message.Failf("panic: %v", r), nil
				}
			}()
			return next(ctx, call)
		}
	}
}
