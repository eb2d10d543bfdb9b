// Package race decides when a remote operation inside a worker context has
// finished and extracts its result. Detection and harvest are both
// first-wins races: every branch runs under its own cancellable context, the
// first settlement is final, and losing branches are torn down before the
// winner's continuation runs.
package race
