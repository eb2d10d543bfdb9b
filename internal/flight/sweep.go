package flight

import (
	"context"
	"errors"
	"time"
)

// SweepReport counts what one sweep pass removed.
type SweepReport struct {
	Expired int `json:"expired"`
	Stuck   int `json:"stuck"`
}

// RunSweep runs the safety sweep every SweepInterval until ctx is done.
func (c *Coordinator) RunSweep(ctx context.Context) {
	ticker := time.NewTicker(c.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			r := c.Sweep(now)
			if r.Expired > 0 || r.Stuck > 0 {
				c.logger.Info("flight sweep", "expired", r.Expired, "stuck", r.Stuck)
			}
		}
	}
}

// Sweep removes terminal flights that ended more than TerminalMaxAge ago
// and cancels and removes flights that have been live for longer than
// StuckMaxAge. It backs up the retention timers and guards against leaks.
func (c *Coordinator) Sweep(now time.Time) SweepReport {
	c.mu.Lock()
	var expired, stuck []*tracked
	for _, t := range c.flights {
		switch {
		case t.f.State.Terminal():
			if t.f.EndTime != nil && now.Sub(*t.f.EndTime) > c.opts.TerminalMaxAge {
				expired = append(expired, t)
			}
		case now.Sub(t.f.StartTime) > c.opts.StuckMaxAge:
			stuck = append(stuck, t)
		}
	}
	c.mu.Unlock()

	var r SweepReport
	for _, t := range expired {
		if c.remove(t.f.ID, t) {
			r.Expired++
		}
	}
	for _, t := range stuck {
		id := t.f.ID
		if _, err := c.Cancel(id, "stuck past max age"); err != nil && !errors.Is(err, ErrInvalidTransition) {
			c.logger.Warn("sweep cancel", "flight_id", id, "error", err)
		}
		if c.remove(id, t) {
			r.Stuck++
			c.logger.Warn("removed stuck flight", "flight_id", id)
		}
	}
	return r
}
