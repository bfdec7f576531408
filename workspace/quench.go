// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package workspace

import (
	"time"
)

// quenchState rate-limits event dispatch across all sessions. Events
// are counted in batches of QuenchBatchSize; a batch that completes
// before QuenchBatchSize × QuenchEventBudget has elapsed pauses
// dispatch until it has.
type quenchState struct {
	count      int
	batchStart time.Time
	active     bool
}

// Quenched reports whether dispatch is currently paused.
func (o *Orchestrator) Quenched() bool { return o.quench.active }

func (o *Orchestrator) eventProcessed() {
	q := &o.quench
	if q.count == 0 {
		q.batchStart = o.clock.Now()
	}
	q.count++
	if q.count >= o.config.QuenchBatchSize {
		o.recomputeQuench()
	}
}

func (o *Orchestrator) recomputeQuench() {
	q := &o.quench
	if q.count < o.config.QuenchBatchSize {
		return
	}
	now := o.clock.Now()
	deadline := q.batchStart.Add(time.Duration(o.config.QuenchBatchSize) * o.config.QuenchEventBudget)
	if !now.Before(deadline) {
		q.count = 0
		q.batchStart = now
		if q.active {
			q.active = false
			o.sched.cancel(quenchKey)
			o.logger.Info("quench lifted")
			for _, s := range o.sessions {
				s.requestRun()
			}
		}
		return
	}
	if !q.active {
		q.active = true
		o.logger.Info("quench engaged", "events", q.count, "resume_at", deadline)
	}
	o.sched.schedule(quenchKey, deadline)
}
