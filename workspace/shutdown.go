// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package workspace

// RequestStop begins shutdown: every session is stopped (its requested
// task is kept for the next start) and the connection layer stops
// accepting new connections. Done is closed once everything has wound
// down and the final snapshot is written.
func (o *Orchestrator) RequestStop() {
	o.Post(o.beginShutdown)
}

func (o *Orchestrator) beginShutdown() {
	if o.stopping {
		return
	}
	o.stopping = true
	o.logger.Info("shutdown requested", "sessions", len(o.sessions))
	for _, id := range o.sessionIDs() {
		o.sessions[id].forceTask(TaskStop)
	}
	o.config.Link.Stop()
}

// Stopping reports whether shutdown has begun.
func (o *Orchestrator) Stopping() bool { return o.stopping }

func (o *Orchestrator) readyToStop() bool {
	for _, s := range o.sessions {
		if s.appStatus != AppStopped || !s.loggedOut() || s.attached {
			return false
		}
	}
	for _, conn := range o.conns {
		if conn.status != ConnDisconnected {
			return false
		}
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.observerQueue) == 0 && o.uiDepth == 0
}

// checkShutdown completes shutdown once it is safe.
func (o *Orchestrator) checkShutdown() bool {
	if !o.stopping || o.stopped || !o.readyToStop() {
		return false
	}
	o.serialize(true)
	o.stopped = true
	o.sched.cancel(serializeKey)
	o.cancel()
	close(o.done)
	o.logger.Info("shutdown complete")
	return true
}
