// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package workspace

import (
	"fmt"
)

// maxSessionPasses bounds one Run. A session that is still due after
// this many passes is oscillating.
const maxSessionPasses = 1000

// RequestTaskSwitch asks the session to move to task. It returns false,
// changing nothing, when a switch is already in progress or the task's
// guard fails. Asking for the current task is accepted and does
// nothing.
func (s *Session) RequestTaskSwitch(task Task) bool {
	if s.switching {
		s.logger.Warn("task switch rejected: switch in progress", "task", task.String())
		return false
	}
	if reason := s.guard(task); reason != "" {
		s.logger.Warn("task switch rejected", "task", task.String(), "reason", reason)
		return false
	}

	switch {
	case task.userTask():
		if s.requestedTask != task {
			s.requestedTask = task
			s.markDirty()
		}
	case task == TaskDelete:
		s.enqueueDeletion()
	case task == TaskRebuild:
		if s.rebuildFlags == 0 {
			s.rebuildFlags = RebuildDeleteCachedEvents | RebuildDeleteLocalData
			s.markDirty()
		}
	}

	if task == s.currentTask {
		return true
	}
	s.switchTask(task)
	return true
}

// guard returns why task is not acceptable now, or "".
func (s *Session) guard(task Task) string {
	if s.currentTask == TaskDelete && task != TaskDelete {
		return "session is being deleted"
	}
	if s.orch.stopping && task != TaskStop && task != TaskDelete {
		return "orchestrator is shutting down"
	}
	switch task {
	case TaskSpawn:
		if s.mainStatus != MainNotYetSpawned {
			return "session already spawned"
		}
	case TaskWorkOnline, TaskWorkOffline:
		if s.mainStatus != MainGood {
			return "session status is " + s.mainStatus.String()
		}
	case TaskRebuild:
		if s.mainStatus != MainGood && s.mainStatus != MainRebuildRequired {
			return "session status is " + s.mainStatus.String()
		}
	case TaskStop, TaskDelete:
	default:
		return "unknown task"
	}
	return ""
}

func (s *Session) enqueueDeletion() {
	s.orch.deletions[s.id] = struct{}{}
	s.mainStatus = MainOnTheWayOut
	s.markDirty()
}

// forceTask moves the session to task without consulting guards. It is
// how failures, shutdown and internal progress change tasks. Delete is
// final: nothing forces a session out of it.
func (s *Session) forceTask(task Task) {
	if s.currentTask == TaskDelete {
		return
	}
	if task == TaskDelete {
		s.enqueueDeletion()
	}
	if task == s.currentTask {
		return
	}
	s.switchTask(task)
}

// switchTask performs the transition to task: tear down what the new
// task no longer wants, then report. Bring-up happens in later passes.
func (s *Session) switchTask(task Task) {
	previous := s.currentTask
	s.switching = true
	s.currentTask = task

	s.spawnStep = spawnNone
	if task == TaskSpawn {
		if s.externalID == 0 {
			s.spawnStep = spawnConnect
		} else {
			s.spawnStep = spawnLogin
		}
	}
	if previous == TaskSpawn && s.coreOp != nil && s.coreOp.kind != opInvite {
		s.completeCoreOp(fmt.Errorf("workspace: spawn interrupted by %s", task))
	}
	if s.createRequest != nil {
		s.createRequest.Cancel()
		s.createRequest = nil
	}

	if !s.AppWant() && s.appStatus != AppStopped {
		if err := s.stopApps(); err != nil {
			s.orch.setFatal(fmt.Errorf("%w: session %d switching to %s: %v", ErrAppFailureDuringSwitch, s.id, task, err))
		}
	}
	if !s.ConnectionWant() && s.attached {
		s.detach()
	}
	if !s.LoginWant() {
		s.performLogout()
	}

	s.scheduleDeferred()
	s.requestRun()
	s.switching = false

	s.logger.Info("task switched", "from", previous.String(), "to", task.String())
	s.notify(Notification{Kind: NotifyTaskSwitched, Task: task})
}

// stopForFailure records err and stops the session. The requested task
// becomes Stop as well so that a restart does not walk back into the
// same failure.
func (s *Session) stopForFailure(err error) {
	s.lastError = err
	if s.requestedTask != TaskStop && s.currentTask != TaskSpawn {
		s.requestedTask = TaskStop
		s.markDirty()
	}
	s.scheduleDeferred()
	if s.currentTask == TaskSpawn {
		s.spawnFailed(err)
		return
	}
	s.forceTask(TaskStop)
}

// run drives the session to a fixed point: passes repeat while the
// session keeps scheduling itself for immediate execution. Only the
// orchestrator calls it; deferred notifications flush once the
// orchestrator has settled the session.
func (s *Session) run() {
	for i := 0; ; i++ {
		if i == maxSessionPasses {
			s.orch.setFatal(fmt.Errorf("workspace: session %d did not converge after %d passes", s.id, maxSessionPasses))
			return
		}
		s.pass()
		if s.removed || s.orch.fatal != nil {
			return
		}
		if !s.orch.sched.due(sessionKey(s.id), s.orch.clock.Now()) {
			return
		}
	}
}

func (s *Session) pass() {
	if err := s.validate(); err != nil {
		s.orch.setFatal(err)
		return
	}
	s.orch.sched.cancel(sessionKey(s.id))
	s.flushDeferred()

	if s.currentTask == TaskRebuild && s.appStatus == AppStopped && s.loggedOut() {
		s.rebuild()
	}
	if s.AppWant() && s.appStatus == AppStopped {
		s.startApps()
	}
	if s.ConnectionWant() && !s.attached {
		s.attach()
	}
	s.advanceSpawn()
	if s.LoginWant() && s.connected() && s.loggedOut() {
		s.performLogin()
	}
	if s.unprocessedCount > 0 {
		s.dispatchEvents()
	}
	s.updateCaughtUp()

	if err := s.validate(); err != nil {
		s.orch.setFatal(err)
	}
}

// rebuild discards what the rebuild flags name and returns the session
// to its requested task with a fresh event log.
func (s *Session) rebuild() {
	ctx := s.orch.ctx
	if s.rebuildFlags&RebuildDeleteCachedEvents != 0 {
		if err := s.orch.config.Store.DeleteEvents(ctx, uint64(s.id)); err != nil {
			s.logger.Error("deleting cached events for rebuild", "error", err)
			s.stopForFailure(fmt.Errorf("workspace: rebuilding session %d: %w", s.id, err))
			return
		}
		s.lastReceivedEventID = 0
		s.lastReceivedEventDate = 0
		s.lastProcessedEventID = 0
		s.latestEventIDAtLogin = 0
		s.unprocessedCount = 0
	}
	if s.rebuildFlags&RebuildDeleteLocalData != 0 {
		clear(s.members)
		clear(s.invitations)
	}
	s.logger.Info("session rebuilt", "flags", uint8(s.rebuildFlags))
	s.rebuildFlags = 0
	s.rebuilding = true
	s.caughtUp = false
	s.mainStatus = MainGood
	s.markDirty()
	s.forceTask(s.requestedTask)
}

// requireRebuild handles a server that lost our position in its event
// log: everything cached is thrown away and replayed.
func (s *Session) requireRebuild() {
	s.rebuildFlags |= RebuildDeleteCachedEvents | RebuildDeleteLocalData
	s.mainStatus = MainRebuildRequired
	s.markDirty()
	s.forceTask(TaskRebuild)
}

func (s *Session) updateCaughtUp() {
	if s.loginStatus != LoggedIn || s.unprocessedCount != 0 || s.caughtUp {
		return
	}
	if s.lastReceivedEventID < s.latestEventIDAtLogin {
		return
	}
	s.caughtUp = true
	if s.rebuilding {
		s.rebuilding = false
		s.markDirty()
	}
	s.logger.Debug("caught up", "event_id", s.lastReceivedEventID)
	s.scheduleDeferred()
}
