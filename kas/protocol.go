// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package kas

// Namespaces.
const (
	NamespaceSessionControl Namespace = 1
	NamespaceFileShare      Namespace = 2
	NamespaceScreenShare    Namespace = 3
	NamespaceChat           Namespace = 4
	NamespaceBoard          Namespace = 5
)

// Session-control commands.
//
// CmdCreate fields: [name string, user name string, email string].
//
// CmdLogin fields: [last event ID, last event date, user ID,
// email ID, user name, credential kind, credential bytes].
// The credential bytes are nil for [CredentialNone].
//
// CmdLogout fields: none.
//
// CmdInvite fields: [email string, message string].
var (
	CmdCreate = MakeType(NamespaceSessionControl, 1)
	CmdLogin  = MakeType(NamespaceSessionControl, 2)
	CmdLogout = MakeType(NamespaceSessionControl, 3)
	CmdInvite = MakeType(NamespaceSessionControl, 4)
)

// Replies.
//
// ReplyOK fields: none.
//
// ReplyFailure fields: [reason string].
//
// ReplyCreated fields: [external ID, user ID, email ID, secure bool].
//
// ReplyLoginOK fields: [user ID, email ID, secure bool, server routing
// string, latest event ID].
//
// ReplyLoginError fields: [login code, password assigned bool,
// reason string].
var (
	ReplyOK         = MakeType(NamespaceSessionControl, 100)
	ReplyFailure    = MakeType(NamespaceSessionControl, 101)
	ReplyCreated    = MakeType(NamespaceSessionControl, 102)
	ReplyLoginOK    = MakeType(NamespaceSessionControl, 103)
	ReplyLoginError = MakeType(NamespaceSessionControl, 104)
)

// Session-control events.
//
// EvtWorkspaceCreated fields: [creator user ID, name string].
//
// EvtUserInvited fields: [inviter user ID, email string].
//
// EvtUserRegistered fields: [user ID, user name string, email string].
//
// EvtWorkspaceDeleted fields: [user ID].
var (
	EvtWorkspaceCreated = MakeType(NamespaceSessionControl, 200)
	EvtUserInvited      = MakeType(NamespaceSessionControl, 201)
	EvtUserRegistered   = MakeType(NamespaceSessionControl, 202)
	EvtWorkspaceDeleted = MakeType(NamespaceSessionControl, 203)
)

// Application events. Each application owns its namespace; the
// operations below are the ones the bundled applications understand.
//
// EvtChatMessage fields: [user ID, text string].
//
// EvtFileUploaded fields: [user ID, path string, size].
//
// EvtFileDeleted fields: [user ID, path string].
//
// EvtScreenStarted fields: [user ID, title string].
//
// EvtScreenStopped fields: [user ID].
//
// EvtBoardPublished fields: [user ID, revision].
var (
	EvtChatMessage    = MakeType(NamespaceChat, 1)
	EvtFileUploaded   = MakeType(NamespaceFileShare, 1)
	EvtFileDeleted    = MakeType(NamespaceFileShare, 2)
	EvtScreenStarted  = MakeType(NamespaceScreenShare, 1)
	EvtScreenStopped  = MakeType(NamespaceScreenShare, 2)
	EvtBoardPublished = MakeType(NamespaceBoard, 1)
)

// LoginCode is the first field of a ReplyLoginError.
type LoginCode uint32

const (
	LoginBadCredentials LoginCode = 1
	LoginBadSessionID   LoginCode = 2
	LoginBadIdentityID  LoginCode = 3
	LoginSessionDeleted LoginCode = 4
	LoginAccountLocked  LoginCode = 5
	LoginOutOfSync      LoginCode = 6
	LoginMisc           LoginCode = 7
)

func (c LoginCode) String() string {
	switch c {
	case LoginBadCredentials:
		return "bad credentials"
	case LoginBadSessionID:
		return "bad session ID"
	case LoginBadIdentityID:
		return "bad identity ID"
	case LoginSessionDeleted:
		return "session deleted"
	case LoginAccountLocked:
		return "account locked"
	case LoginOutOfSync:
		return "out of sync"
	default:
		return "miscellaneous server error"
	}
}

// CredentialKind selects what the credential field of a CmdLogin
// carries.
type CredentialKind uint8

const (
	CredentialNone     CredentialKind = 0
	CredentialTicket   CredentialKind = 1
	CredentialPassword CredentialKind = 2
)
