package dispatch

import (
	"context"
	"encoding/json"
)

// Next continues the chain toward the handler.
type Next func(ctx context.Context) (any, error)

// Middleware wraps message handling with cross-cutting logic. It must call
// next to continue the chain unless it short-circuits with an error.
type Middleware func(ctx context.Context, rc *RequestContext, payload json.RawMessage, next Next) (any, error)

// Chain composes middleware into one. The first middleware in the list is
// the outermost wrapper:
//
//	Chain(recover, logging, validation) runs recover → logging → validation → handler
func Chain(mws ...Middleware) Middleware {
	return func(ctx context.Context, rc *RequestContext, payload json.RawMessage, next Next) (any, error) {
		h := next
		for i := len(mws) - 1; i >= 0; i-- {
			mw := mws[i]
			prev := h
			h = func(ctx context.Context) (any, error) {
				return mw(ctx, rc, payload, prev)
			}
		}
		return h(ctx)
	}
}
