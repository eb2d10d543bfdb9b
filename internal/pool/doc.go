// Package pool manages the bounded set of worker contexts per provider.
//
// Acquire prefers an idle pooled context, then adopts a matching instance
// the user already has open, and only then creates a new background
// instance. Contexts that fail are marked ERROR and disposed after a grace
// period; a health monitor probes idle contexts on an interval. Contexts the
// pool adopted belong to the user and are never closed by it.
package pool
