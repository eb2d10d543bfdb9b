// Package flight tracks prompt flights through their retryable lifecycle.
//
// A Coordinator owns every live flight record. Each flight runs in its own
// goroutine: it acquires a worker context from the pool, hands it to the
// race engine, and settles as COMPLETED, FAILED or CANCELLED. Failed
// attempts are retried as a whole while retries remain. Terminal flights are
// persisted to the store and dropped from memory after a retention window.
package flight
