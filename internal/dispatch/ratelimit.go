package dispatch

import (
	"context"
	"encoding/json"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/seantiz/mercury/internal/model"
)

// RateLimit returns middleware that admits at most perSecond messages per
// second with the given burst, rejecting the excess with ErrRateLimited.
// PING is always admitted so liveness checks keep working under load.
func RateLimit(perSecond float64, burst int) Middleware {
	if burst < 1 {
		burst = 1
	}
	limiter := rate.NewLimiter(rate.Limit(perSecond), burst)
	return func(ctx context.Context, rc *RequestContext, _ json.RawMessage, next Next) (any, error) {
		if rc.Type != "PING" && !limiter.Allow() {
			return nil, fmt.Errorf("%w: %s", model.ErrRateLimited, rc.Type)
		}
		return next(ctx)
	}
}
