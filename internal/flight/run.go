package flight

import (
	"context"
	"time"

	"github.com/seantiz/mercury/internal/backoff"
	"github.com/seantiz/mercury/internal/model"
	"github.com/seantiz/mercury/internal/race"
)

// run drives a flight's attempts until one settles it for good.
func (c *Coordinator) run(ctx context.Context, t *tracked) {
	defer close(t.done)

	gen := 1
	for {
		c.attempt(ctx, t, gen)

		next, delay, ok := c.nextAttempt(t, gen)
		if !ok {
			return
		}
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return
		}
		gen = next
	}
}

// attempt runs one acquire, broadcast, detect and harvest cycle. It is a
// no-op if the flight moved on since generation gen was scheduled.
func (c *Coordinator) attempt(ctx context.Context, t *tracked, gen int) {
	c.mu.Lock()
	if t.gen != gen || t.f.State != model.FlightLaunching {
		c.mu.Unlock()
		return
	}
	actx, abort := context.WithCancel(ctx)
	done := make(chan struct{})
	t.attemptCancel = abort
	t.attemptDone = done
	id, prov, prompt := t.f.ID, t.provider, t.f.Prompt
	timeout := time.Duration(t.f.Metadata.TimeoutMS) * time.Millisecond
	c.mu.Unlock()

	defer close(done)
	defer abort()

	lease, err := c.pool.Acquire(actx, prov.Key, id)
	if err != nil {
		if s, ok := c.fail(t, gen, err); ok && !s.retried {
			c.finalize(t, s.snap)
		}
		return
	}

	h := &hold{pool: c.pool, id: lease.ID}
	if !c.toInFlight(t, gen, h) {
		h.release()
		return
	}

	res, err := c.engine.Run(actx, lease.Context, id, prov, timeout, race.BroadcastTrigger(lease.Context, prov, prompt))
	if err != nil {
		// A cancelled race means Cancel, Complete or Fail already settled
		// this attempt and owns its context.
		s, ok := c.fail(t, gen, err)
		if !ok {
			return
		}
		s.hold.markError(err.Error())
		if !s.retried {
			c.finalize(t, s.snap)
		}
		return
	}

	s, ok := c.complete(t, gen, res)
	if !ok {
		return
	}
	s.hold.release()
	c.finalize(t, s.snap)
}

// toInFlight records the leased context and moves the flight to IN_FLIGHT.
func (c *Coordinator) toInFlight(t *tracked, gen int, h *hold) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.gen != gen || t.f.State != model.FlightLaunching {
		return false
	}
	t.f.ContextID = h.id
	t.hold = h
	c.transitionLocked(t, model.FlightInFlight, time.Now().UTC())
	c.logger.Info("flight in flight", "flight_id", t.f.ID, "context_id", h.id, "attempt", gen)
	return true
}

// complete moves an IN_FLIGHT flight of generation gen to COMPLETED.
func (c *Coordinator) complete(t *tracked, gen int, res race.Result) (settlement, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.gen != gen || t.f.State != model.FlightInFlight {
		return settlement{}, false
	}

	now := time.Now().UTC()
	tr, _ := c.moveLocked(t, model.FlightCompleted, now)
	t.f.Result = res.Harvest.Text
	t.f.Strategy = res.Signal.Source
	t.f.Error, t.f.ErrorKind = "", ""
	c.endLocked(t, now)
	c.publishLocked(t, tr)

	c.logger.Info("flight completed",
		"flight_id", t.f.ID,
		"provider", t.f.ProviderKey,
		"detection", res.Signal.Source,
		"harvest", res.Harvest.Strategy,
		"duration_ms", *t.f.DurationMS,
	)
	return c.takeLocked(t), true
}

// fail settles the current attempt of generation gen with err. While
// retries remain and err is retryable the flight passes through FAILED back
// to LAUNCHING; otherwise FAILED is terminal.
func (c *Coordinator) fail(t *tracked, gen int, err error) (settlement, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.gen != gen || (t.f.State != model.FlightLaunching && t.f.State != model.FlightInFlight) {
		return settlement{}, false
	}

	now := time.Now().UTC()
	kind := model.KindName(err)
	strategy, _, _ := model.Diagnostics(err)
	tr, _ := c.moveLocked(t, model.FlightFailed, now)
	t.f.Error = err.Error()
	t.f.ErrorKind = kind
	t.f.Strategy = strategy

	m := &t.f.Metadata
	if model.Retryable(err) && m.RetryCount < m.MaxRetries {
		c.publishLocked(t, tr)
		m.RetryCount++
		t.retryDelay = backoff.Linear{Base: t.provider.Timing.RetryBase}.Delay(m.RetryCount)
		c.transitionLocked(t, model.FlightLaunching, now)
		s := c.takeLocked(t)
		s.retried = true
		t.gen++

		flightRetriesTotal.WithLabelValues(t.f.ProviderKey, kind).Inc()
		c.logger.Warn("flight attempt failed, retrying",
			"flight_id", t.f.ID,
			"error", err,
			"kind", kind,
			"retry", m.RetryCount,
			"max_retries", m.MaxRetries,
			"delay", t.retryDelay,
		)
		return s, true
	}

	c.endLocked(t, now)
	c.publishLocked(t, tr)
	c.logger.Warn("flight failed",
		"flight_id", t.f.ID,
		"provider", t.f.ProviderKey,
		"error", err,
		"kind", kind,
		"attempts", m.RetryCount+1,
	)
	return c.takeLocked(t), true
}

// nextAttempt reports the generation and delay of a retry scheduled by the
// settlement of generation gen.
func (c *Coordinator) nextAttempt(t *tracked, gen int) (int, time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.f.State != model.FlightLaunching || t.gen != gen+1 {
		return 0, 0, false
	}
	return t.gen, t.retryDelay, true
}

// transitionLocked applies a state change and publishes it straight away.
// It suits transitions that carry no fields beyond the state itself.
func (c *Coordinator) transitionLocked(t *tracked, to model.FlightState, at time.Time) bool {
	tr, ok := c.moveLocked(t, to, at)
	if ok {
		c.publishLocked(t, tr)
	}
	return ok
}

// moveLocked applies a state change allowed by the transition table and
// records it in the history without publishing. Callers set the fields that
// belong to the new state, then call publishLocked.
func (c *Coordinator) moveLocked(t *tracked, to model.FlightState, at time.Time) (model.Transition, bool) {
	from := t.f.State
	if !model.ValidFlightTransition(from, to) {
		c.logger.Error("rejected flight transition", "flight_id", t.f.ID, "from", from, "to", to)
		return model.Transition{}, false
	}
	tr := model.Transition{From: from, To: to, At: at}
	if from == model.FlightInFlight {
		tr.ContextID = t.f.ContextID
		t.f.ContextID = ""
	}
	t.f.State = to
	t.f.History = append(t.f.History, tr)
	return tr, true
}

// publishLocked announces tr with the flight as it stands now.
func (c *Coordinator) publishLocked(t *tracked, tr model.Transition) {
	if tr.To == "" {
		return
	}
	c.broker.Publish(Event{FlightID: t.f.ID, From: tr.From, To: tr.To, At: tr.At, Flight: t.f.Clone()})
}

// endLocked stamps the terminal time and duration.
func (c *Coordinator) endLocked(t *tracked, at time.Time) {
	t.f.EndTime = &at
	ms := int(at.Sub(t.f.StartTime).Milliseconds())
	t.f.DurationMS = &ms
}

// takeLocked hands the flight's context and running attempt to the caller.
func (c *Coordinator) takeLocked(t *tracked) settlement {
	s := settlement{
		snap:        t.f.Clone(),
		hold:        t.hold,
		abort:       t.attemptCancel,
		attemptDone: t.attemptDone,
	}
	t.hold = nil
	return s
}

// afterTeardown aborts the attempt captured in s and runs dispose once the
// attempt has exited. If the attempt is slow to exit, dispose runs in the
// background when it does, so a context is never handed back while a race
// is still using it.
func (c *Coordinator) afterTeardown(id string, s settlement, dispose func()) {
	if s.abort != nil {
		s.abort()
	}
	if s.attemptDone == nil {
		dispose()
		return
	}
	select {
	case <-s.attemptDone:
		dispose()
	case <-time.After(c.opts.CancelWait):
		c.logger.Warn("flight attempt slow to tear down", "flight_id", id, "waited", c.opts.CancelWait)
		go func() {
			<-s.attemptDone
			dispose()
		}()
	}
}

// finalize persists a terminal flight, closes its event stream and starts
// the retention timer.
func (c *Coordinator) finalize(t *tracked, snap *model.Flight) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.store.SaveFlight(ctx, snap); err != nil {
		c.logger.Error("failed to save terminal flight", "flight_id", snap.ID, "error", err)
	}

	flightsActive.Dec()
	flightsFinishedTotal.WithLabelValues(snap.ProviderKey, string(snap.State), snap.ErrorKind).Inc()
	flightDuration.WithLabelValues(snap.ProviderKey, string(snap.State)).Observe(snap.EndTime.Sub(snap.StartTime).Seconds())

	retention := c.opts.CompletedRetention
	if snap.State == model.FlightCancelled {
		retention = c.opts.CancelledRetention
	}

	c.mu.Lock()
	if c.flights[snap.ID] == t {
		t.retention = time.AfterFunc(retention, func() { c.remove(snap.ID, t) })
	}
	c.mu.Unlock()

	c.broker.Close(snap.ID)
	close(t.settled)
}
