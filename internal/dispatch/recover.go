package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
)

// Recover returns middleware that turns a panicking handler into an error.
// The panic is logged with a stack trace.
func Recover(logger *slog.Logger) Middleware {
	return func(ctx context.Context, rc *RequestContext, _ json.RawMessage, next Next) (data any, retErr error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("message handler panicked",
					slog.String("request_id", rc.RequestID),
					slog.String("type", rc.Type),
					slog.Any("panic", r),
					slog.String("stack", string(debug.Stack())),
				)
				data, retErr = nil, fmt.Errorf("panic in handler %s: %v", rc.Type, r)
			}
		}()
		return next(ctx)
	}
}
