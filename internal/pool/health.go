package pool

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/seantiz/mercury/internal/model"
)

// HealthReport summarizes one health check pass.
type HealthReport struct {
	Checked int `json:"checked"`
	Failed  int `json:"failed"`
}

// Run probes idle contexts every HealthInterval until ctx is done.
func (p *Pool) Run(ctx context.Context) {
	ticker := time.NewTicker(p.opts.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r := p.CheckHealth(ctx)
			if r.Failed > 0 {
				p.logger.Warn("health check found unresponsive contexts", "checked", r.Checked, "failed", r.Failed)
			}
		}
	}
}

// CheckHealth probes every IDLE context once. A context that fails its
// probe and is still IDLE afterwards is marked ERROR; contexts acquired
// while the probe was in flight are left to their holder.
func (p *Pool) CheckHealth(ctx context.Context) HealthReport {
	p.mu.Lock()
	var idle []*entry
	for _, e := range p.entries {
		if e.rec.State == model.ContextIdle {
			idle = append(idle, e)
		}
	}
	p.mu.Unlock()

	results := make([]error, len(idle))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.ProbeParallelism)
	for i, e := range idle {
		prov, _ := p.providers.Get(e.rec.ProviderKey)
		g.Go(func() error {
			results[i] = p.probe(gctx, e.hc, prov)
			return nil
		})
	}
	_ = g.Wait()

	report := HealthReport{Checked: len(idle)}
	now := time.Now().UTC()
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, e := range idle {
		if p.entries[e.rec.ID] != e || e.rec.State != model.ContextIdle {
			continue
		}
		if results[i] != nil {
			if ctx.Err() != nil {
				continue
			}
			report.Failed++
			p.markErrorLocked(e, fmt.Sprintf("health probe: %v", results[i]))
			continue
		}
		e.rec.LastLivenessCheck = now
	}
	return report
}
