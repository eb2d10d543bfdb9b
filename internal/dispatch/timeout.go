package dispatch

import (
	"context"
	"encoding/json"
	"time"
)

// Timeout returns middleware that bounds handler execution by d. Types in
// overrides use their own bound instead; a non-positive bound disables the
// deadline for that type.
func Timeout(d time.Duration, overrides map[string]time.Duration) Middleware {
	return func(ctx context.Context, rc *RequestContext, _ json.RawMessage, next Next) (any, error) {
		bound := d
		if o, ok := overrides[rc.Type]; ok {
			bound = o
		}
		if bound > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, bound)
			defer cancel()
		}
		return next(ctx)
	}
}
