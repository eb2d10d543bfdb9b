package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/seantiz/mercury/internal/model"
)

// Logging returns middleware that logs message receipt and outcome.
func Logging(logger *slog.Logger) Middleware {
	return func(ctx context.Context, rc *RequestContext, _ json.RawMessage, next Next) (any, error) {
		logger.Debug("message received",
			slog.String("request_id", rc.RequestID),
			slog.String("type", rc.Type),
			slog.String("sender_id", rc.Sender.ID),
		)

		start := time.Now()
		data, err := next(ctx)
		elapsed := time.Since(start)

		if err != nil {
			logger.Warn("message failed",
				slog.String("request_id", rc.RequestID),
				slog.String("type", rc.Type),
				slog.String("code", model.KindName(err)),
				slog.Duration("elapsed", elapsed),
				slog.String("error", err.Error()),
			)
		} else {
			logger.Info("message handled",
				slog.String("request_id", rc.RequestID),
				slog.String("type", rc.Type),
				slog.Duration("elapsed", elapsed),
			)
		}
		return data, err
	}
}
