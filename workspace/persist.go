// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package workspace

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/tmbx/kwm/kas"
	"github.com/tmbx/kwm/lib/codec"
)

const (
	snapshotPrefix   = "session/"
	orchestratorBlob = "orchestrator"
)

func snapshotName(id SessionID) string {
	return snapshotPrefix + strconv.FormatUint(uint64(id), 10)
}

type orchestratorSnapshot struct {
	NextSessionID uint64 `cbor:"1,keyasint"`
}

type memberSnapshot struct {
	UserID uint64 `cbor:"1,keyasint"`
	Name   string `cbor:"2,keyasint,omitempty"`
	Email  string `cbor:"3,keyasint,omitempty"`
}

// sessionSnapshot is what survives a restart. Event bookkeeping is not
// in it: the event store is authoritative for that.
type sessionSnapshot struct {
	ID              uint64           `cbor:"1,keyasint"`
	Name            string           `cbor:"2,keyasint,omitempty"`
	ExternalID      uint64           `cbor:"3,keyasint"`
	Server          string           `cbor:"4,keyasint"`
	RequestedTask   Task             `cbor:"5,keyasint"`
	MainStatus      MainStatus       `cbor:"6,keyasint"`
	RebuildFlags    RebuildFlags     `cbor:"7,keyasint,omitempty"`
	UserID          uint64           `cbor:"8,keyasint,omitempty"`
	EmailID         uint64           `cbor:"9,keyasint,omitempty"`
	Secure          bool             `cbor:"10,keyasint,omitempty"`
	ServerRouting   string           `cbor:"11,keyasint,omitempty"`
	UserName        string           `cbor:"12,keyasint,omitempty"`
	Email           string           `cbor:"13,keyasint,omitempty"`
	Credentials     []byte           `cbor:"14,keyasint,omitempty"`
	SealedPassword  []byte           `cbor:"15,keyasint,omitempty"`
	Members         []memberSnapshot `cbor:"16,keyasint,omitempty"`
	Invitations     []string         `cbor:"17,keyasint,omitempty"`
	DeletedOnServer bool             `cbor:"18,keyasint,omitempty"`
	Rebuilding      bool             `cbor:"19,keyasint,omitempty"`
}

func (s *Session) snapshot() sessionSnapshot {
	snap := sessionSnapshot{
		ID:              uint64(s.id),
		Name:            s.name,
		ExternalID:      s.externalID,
		Server:          string(s.server),
		RequestedTask:   s.requestedTask,
		MainStatus:      s.mainStatus,
		RebuildFlags:    s.rebuildFlags,
		UserID:          s.userID,
		EmailID:         s.emailID,
		Secure:          s.secure,
		ServerRouting:   s.serverRouting,
		UserName:        s.userName,
		Email:           s.email,
		Credentials:     s.credentials,
		SealedPassword:  s.login.sealedPassword,
		DeletedOnServer: s.deletedOnServer,
		Rebuilding:      s.rebuilding,
	}
	for _, member := range s.Members() {
		snap.Members = append(snap.Members, memberSnapshot{UserID: member.UserID, Name: member.Name, Email: member.Email})
	}
	for email := range s.invitations {
		snap.Invitations = append(snap.Invitations, email)
	}
	slices.Sort(snap.Invitations)
	return snap
}

// scheduleSerialize arranges for dirty state to be written no sooner
// than SerializationInterval after the previous write.
func (o *Orchestrator) scheduleSerialize() {
	if o.sched.scheduled(serializeKey) {
		return
	}
	at := o.lastSerialize.Add(o.config.SerializationInterval)
	if now := o.clock.Now(); at.Before(now) {
		at = now
	}
	o.sched.schedule(serializeKey, at)
}

// serialize writes every dirty session snapshot (every snapshot when
// all is set) and the orchestrator's own state. Failed writes stay
// dirty and are retried on the next interval.
func (o *Orchestrator) serialize(all bool) {
	o.lastSerialize = o.clock.Now()
	failed := false
	for _, id := range o.sessionIDs() {
		s := o.sessions[id]
		if !s.dirty && !all {
			continue
		}
		data, err := codec.Marshal(s.snapshot())
		if err == nil {
			err = o.config.Store.PutBlob(o.ctx, snapshotName(id), data)
		}
		if err != nil {
			s.logger.Error("writing session snapshot", "error", err)
			failed = true
			continue
		}
		s.dirty = false
	}
	if o.orchestratorDirty || all {
		data, err := codec.Marshal(orchestratorSnapshot{NextSessionID: uint64(o.nextSessionID)})
		if err == nil {
			err = o.config.Store.PutBlob(o.ctx, orchestratorBlob, data)
		}
		if err != nil {
			o.logger.Error("writing orchestrator snapshot", "error", err)
			failed = true
		} else {
			o.orchestratorDirty = false
		}
	}
	if failed {
		o.scheduleSerialize()
	}
}

// Restore loads the sessions saved by a previous run and puts each
// back into its requested task. Sessions that never finished spawning,
// or were on their way out, are deleted instead. Restored sessions
// never prompt for passwords on their own; see SetLoginType.
func (o *Orchestrator) Restore() error {
	if o.stopping {
		return ErrShuttingDown
	}
	if len(o.sessions) > 0 {
		return errors.New("workspace: restore after sessions were created")
	}
	store := o.config.Store

	data, ok, err := store.GetBlob(o.ctx, orchestratorBlob)
	if err != nil {
		return fmt.Errorf("workspace: loading orchestrator snapshot: %w", err)
	}
	if ok {
		var snap orchestratorSnapshot
		if err := codec.Unmarshal(data, &snap); err != nil {
			return fmt.Errorf("workspace: decoding orchestrator snapshot: %w", err)
		}
		o.nextSessionID = SessionID(snap.NextSessionID)
	}

	names, err := store.BlobNames(o.ctx, snapshotPrefix)
	if err != nil {
		return fmt.Errorf("workspace: listing session snapshots: %w", err)
	}
	var restored []*Session
	for _, name := range names {
		data, ok, err := store.GetBlob(o.ctx, name)
		if err != nil {
			return fmt.Errorf("workspace: loading %s: %w", name, err)
		}
		if !ok {
			continue
		}
		var snap sessionSnapshot
		if err := codec.Unmarshal(data, &snap); err != nil {
			o.logger.Error("skipping undecodable session snapshot", "blob", name, "error", err)
			continue
		}
		if strings.TrimPrefix(name, snapshotPrefix) != strconv.FormatUint(snap.ID, 10) {
			o.logger.Error("skipping session snapshot with mismatched ID", "blob", name, "session_id", snap.ID)
			continue
		}
		if snap.MainStatus == MainNotYetSpawned || snap.MainStatus == MainOnTheWayOut {
			o.logger.Info("discarding unfinished session", "session_id", snap.ID, "main_status", snap.MainStatus.String())
			if err := store.DeleteSession(o.ctx, snap.ID, name); err != nil {
				return fmt.Errorf("workspace: discarding session %d: %w", snap.ID, err)
			}
			continue
		}
		s, err := o.restoreSession(snap)
		if err != nil {
			return err
		}
		restored = append(restored, s)
		if s.id > o.nextSessionID {
			o.nextSessionID = s.id
			o.orchestratorDirty = true
		}
	}

	for _, s := range restored {
		switch {
		case s.mainStatus == MainRebuildRequired:
			s.RequestTaskSwitch(TaskRebuild)
		case s.requestedTask != TaskStop:
			s.RequestTaskSwitch(s.requestedTask)
		}
	}
	o.logger.Info("sessions restored", "count", len(restored))
	return nil
}

func (o *Orchestrator) restoreSession(snap sessionSnapshot) (*Session, error) {
	id := SessionID(snap.ID)
	s := o.newSession(id, kas.ServerID(snap.Server))
	s.name = snap.Name
	s.externalID = snap.ExternalID
	s.requestedTask = snap.RequestedTask
	s.mainStatus = snap.MainStatus
	s.rebuildFlags = snap.RebuildFlags
	s.userID = snap.UserID
	s.emailID = snap.EmailID
	s.secure = snap.Secure
	s.serverRouting = snap.ServerRouting
	s.userName = snap.UserName
	s.email = snap.Email
	s.credentials = snap.Credentials
	s.deletedOnServer = snap.DeletedOnServer
	s.rebuilding = snap.Rebuilding
	s.login.typ = LoginNoPasswordPrompt
	for _, member := range snap.Members {
		s.members[member.UserID] = Member{UserID: member.UserID, Name: member.Name, Email: member.Email}
	}
	for _, email := range snap.Invitations {
		s.invitations[email] = true
	}

	if len(snap.SealedPassword) > 0 {
		if o.config.Sealer == nil {
			s.logger.Warn("remembered password ignored: no sealer configured")
		} else if password, err := o.config.Sealer.Open(snap.SealedPassword); err != nil {
			s.logger.Warn("remembered password unreadable", "error", err)
		} else {
			s.login.setPassword(password, true)
			s.login.sealedPassword = snap.SealedPassword
		}
	}

	last, ok, err := o.config.Store.LastEvent(o.ctx, snap.ID)
	if err != nil {
		return nil, fmt.Errorf("workspace: restoring session %d: %w", id, err)
	}
	if ok {
		s.lastReceivedEventID = last.ID
		s.lastReceivedEventDate = last.Date.Unix()
	}
	unprocessed, err := o.config.Store.CountUnprocessed(o.ctx, snap.ID)
	if err != nil {
		return nil, fmt.Errorf("workspace: restoring session %d: %w", id, err)
	}
	s.unprocessedCount = unprocessed

	o.sessions[id] = s
	return s, nil
}

// SavedSessions summarizes the sessions saved in store without
// restoring them. Runtime fields such as RunLevel are zero.
func SavedSessions(ctx context.Context, store EventStore) ([]Status, error) {
	names, err := store.BlobNames(ctx, snapshotPrefix)
	if err != nil {
		return nil, fmt.Errorf("workspace: listing session snapshots: %w", err)
	}
	// The name index is written on every rename, snapshots only every
	// serialization interval.
	index, err := store.SessionNames(ctx)
	if err != nil {
		return nil, fmt.Errorf("workspace: reading session names: %w", err)
	}
	statuses := make([]Status, 0, len(names))
	for _, name := range names {
		data, ok, err := store.GetBlob(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("workspace: loading %s: %w", name, err)
		}
		if !ok {
			continue
		}
		var snap sessionSnapshot
		if err := codec.Unmarshal(data, &snap); err != nil {
			return nil, fmt.Errorf("workspace: decoding %s: %w", name, err)
		}
		status := Status{
			ID:              SessionID(snap.ID),
			Name:            snap.Name,
			ExternalID:      snap.ExternalID,
			Server:          kas.ServerID(snap.Server),
			RequestedTask:   snap.RequestedTask,
			MainStatus:      snap.MainStatus,
			Rebuilding:      snap.Rebuilding,
			DeletedOnServer: snap.DeletedOnServer,
			Members:         len(snap.Members),
		}
		if indexed, ok := index[snap.ID]; ok {
			status.Name = indexed
		}
		if last, ok, err := store.LastEvent(ctx, snap.ID); err != nil {
			return nil, fmt.Errorf("workspace: reading events of session %d: %w", snap.ID, err)
		} else if ok {
			status.LastReceivedEventID = last.ID
		}
		if status.UnprocessedCount, err = store.CountUnprocessed(ctx, snap.ID); err != nil {
			return nil, fmt.Errorf("workspace: reading events of session %d: %w", snap.ID, err)
		}
		statuses = append(statuses, status)
	}
	slices.SortFunc(statuses, func(a, b Status) int { return cmp.Compare(a.ID, b.ID) })
	return statuses, nil
}
