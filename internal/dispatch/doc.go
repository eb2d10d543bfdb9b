// Package dispatch routes typed messages to registered handlers through a
// middleware chain and normalizes every outcome into a Response.
//
// A Dispatcher owns its routing table; nothing is registered globally.
// Middleware are composed with Chain, where the first middleware is the
// outermost wrapper:
//
//	d := dispatch.New(logger,
//		dispatch.Recover(logger),
//		dispatch.Logging(logger),
//		dispatch.Metrics(),
//		dispatch.Validation(),
//	)
//	d.Register("PING", ping)
//	resp := d.Dispatch(ctx, msg, sender)
package dispatch
