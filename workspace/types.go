// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package workspace

import "fmt"

// SessionID is the locally assigned identifier of a session.
type SessionID uint64

// Task is the mode a session is in or is asked to be in.
type Task uint8

const (
	TaskStop Task = iota
	TaskSpawn
	TaskRebuild
	TaskWorkOffline
	TaskWorkOnline
	TaskDelete
)

func (t Task) String() string {
	switch t {
	case TaskStop:
		return "stop"
	case TaskSpawn:
		return "spawn"
	case TaskRebuild:
		return "rebuild"
	case TaskWorkOffline:
		return "work-offline"
	case TaskWorkOnline:
		return "work-online"
	case TaskDelete:
		return "delete"
	default:
		return fmt.Sprintf("task(%d)", uint8(t))
	}
}

// userTask reports whether t can be a session's requested task.
func (t Task) userTask() bool {
	return t == TaskStop || t == TaskWorkOffline || t == TaskWorkOnline
}

// MainStatus is the health of a session, consulted by task guards.
type MainStatus uint8

const (
	MainNotYetSpawned MainStatus = iota
	MainGood
	MainRebuildRequired
	MainOnTheWayOut
)

func (s MainStatus) String() string {
	switch s {
	case MainNotYetSpawned:
		return "not-yet-spawned"
	case MainGood:
		return "good"
	case MainRebuildRequired:
		return "rebuild-required"
	case MainOnTheWayOut:
		return "on-the-way-out"
	default:
		return fmt.Sprintf("main(%d)", uint8(s))
	}
}

// LoginStatus tracks the session's login on its server.
type LoginStatus uint8

const (
	LoggedOut LoginStatus = iota
	LoggingIn
	LoggedIn
	LoggingOut
)

func (s LoginStatus) String() string {
	switch s {
	case LoggedOut:
		return "logged-out"
	case LoggingIn:
		return "logging-in"
	case LoggedIn:
		return "logged-in"
	case LoggingOut:
		return "logging-out"
	default:
		return fmt.Sprintf("login(%d)", uint8(s))
	}
}

// AppStatus tracks the session's applications as a group.
type AppStatus uint8

const (
	AppStopped AppStatus = iota
	AppStarting
	AppStarted
	AppStopping
)

func (s AppStatus) String() string {
	switch s {
	case AppStopped:
		return "stopped"
	case AppStarting:
		return "starting"
	case AppStarted:
		return "started"
	case AppStopping:
		return "stopping"
	default:
		return fmt.Sprintf("apps(%d)", uint8(s))
	}
}

// RunLevel summarizes what a session can currently do.
type RunLevel uint8

const (
	RunStopped RunLevel = iota
	RunOffline
	RunOnline
)

func (l RunLevel) String() string {
	switch l {
	case RunStopped:
		return "stopped"
	case RunOffline:
		return "offline"
	case RunOnline:
		return "online"
	default:
		return fmt.Sprintf("runlevel(%d)", uint8(l))
	}
}

// ConnStatus is the state of one server connection.
type ConnStatus uint8

const (
	ConnDisconnected ConnStatus = iota
	ConnConnecting
	ConnConnected
	ConnDisconnecting
)

func (s ConnStatus) String() string {
	switch s {
	case ConnDisconnected:
		return "disconnected"
	case ConnConnecting:
		return "connecting"
	case ConnConnected:
		return "connected"
	case ConnDisconnecting:
		return "disconnecting"
	default:
		return fmt.Sprintf("conn(%d)", uint8(s))
	}
}

// RebuildFlags say what a rebuild throws away.
type RebuildFlags uint8

const (
	RebuildDeleteCachedEvents RebuildFlags = 1 << iota
	RebuildDeleteLocalData
)

// LoginStep is the position of a login attempt on the escalation
// ladder. Steps only move forward within one attempt.
type LoginStep uint8

const (
	StepNone LoginStep = iota
	StepCached
	StepTicket
	StepPassword
)

func (s LoginStep) String() string {
	switch s {
	case StepNone:
		return "none"
	case StepCached:
		return "cached"
	case StepTicket:
		return "ticket"
	case StepPassword:
		return "password"
	default:
		return fmt.Sprintf("step(%d)", uint8(s))
	}
}

// LoginType limits which steps a login attempt may take.
type LoginType uint8

const (
	// LoginAll permits every step including prompting for a password.
	LoginAll LoginType = iota

	// LoginNoPasswordPrompt permits cached credentials and tickets.
	LoginNoPasswordPrompt

	// LoginCachedOnly permits only credentials already held.
	LoginCachedOnly
)

func (t LoginType) String() string {
	switch t {
	case LoginAll:
		return "all"
	case LoginNoPasswordPrompt:
		return "no-password-prompt"
	case LoginCachedOnly:
		return "cached-only"
	default:
		return fmt.Sprintf("logintype(%d)", uint8(t))
	}
}
