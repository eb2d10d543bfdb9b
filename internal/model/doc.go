// Package model defines the records shared across mercury: flights, worker
// contexts, completion signals, their state machines, and the error taxonomy.
package model
