// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package workspace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/tmbx/kwm/kas"
	"github.com/tmbx/kwm/lib/clock"
	"github.com/tmbx/kwm/lib/secret"
)

// Config holds the collaborators and tuning of an [Orchestrator].
type Config struct {
	// Store is required.
	Store EventStore

	// Link is required.
	Link ConnectionLayer

	// Tickets issues login tickets. Nil means no ticket service is
	// reachable and logins never take the ticket step.
	Tickets TicketService

	// Prompter asks users for passwords. Nil means logins that need a
	// password fail with LoginPasswordRequired.
	Prompter PasswordPrompter

	// Sealer encrypts remembered passwords. Nil means passwords are
	// never remembered across restarts.
	Sealer PasswordSealer

	Listener Listener

	// Apps are instantiated for every session, once, when the session
	// is created.
	Apps []AppFactory

	// ReconnectBase and ReconnectMax bound the reconnect backoff.
	// Defaults 1s and 5m.
	ReconnectBase time.Duration
	ReconnectMax  time.Duration

	// QuenchBatchSize events must take at least QuenchEventBudget each
	// on average, or dispatch pauses until they have. Defaults 100
	// and 5ms.
	QuenchBatchSize   int
	QuenchEventBudget time.Duration

	// SerializationInterval is the minimum time between two snapshot
	// writes. Default 5s.
	SerializationInterval time.Duration

	// MaxPasses bounds one RunPasses call. Default 10000.
	MaxPasses int

	// Go runs blocking work off the control goroutine. Defaults to
	// starting a goroutine.
	Go func(func())

	// Clock and Logger are required.
	Clock  clock.Clock
	Logger *slog.Logger
}

// Orchestrator owns every session and server connection and runs them
// on a single control goroutine.
//
// Post, Notify, AnswerPasswordPrompt, RequestStop, PostObserverRequest,
// EnterUI, LeaveUI and Done are safe for concurrent use. Everything
// else, including all Session methods, must run on the control
// goroutine: inside a Post callback, inside a Listener or Application
// callback, or, when nothing is serving, between RunPasses calls.
type Orchestrator struct {
	config Config
	clock  clock.Clock
	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	sessions  map[SessionID]*Session
	conns     map[kas.ServerID]*serverConn
	deletions map[SessionID]struct{}
	sched     *scheduler
	quench    quenchState

	nextSessionID     SessionID
	nextRequestID     uint64
	orchestratorDirty bool
	lastSerialize     time.Time

	stopping bool
	stopped  bool
	done     chan struct{}
	fatal    error

	mu            sync.Mutex
	inbound       []func()
	observerQueue []func()
	uiDepth       int
	wake          chan struct{}
}

// New validates config and returns an orchestrator with no sessions.
func New(config Config) (*Orchestrator, error) {
	if config.Store == nil {
		return nil, errors.New("workspace: Config.Store is required")
	}
	if config.Link == nil {
		return nil, errors.New("workspace: Config.Link is required")
	}
	if config.Clock == nil {
		return nil, errors.New("workspace: Config.Clock is required")
	}
	if config.Logger == nil {
		return nil, errors.New("workspace: Config.Logger is required")
	}
	if config.ReconnectBase <= 0 {
		config.ReconnectBase = time.Second
	}
	if config.ReconnectMax <= 0 {
		config.ReconnectMax = 5 * time.Minute
	}
	if config.ReconnectMax < config.ReconnectBase {
		return nil, fmt.Errorf("workspace: ReconnectMax %v is below ReconnectBase %v", config.ReconnectMax, config.ReconnectBase)
	}
	if config.QuenchBatchSize <= 0 {
		config.QuenchBatchSize = 100
	}
	if config.QuenchEventBudget <= 0 {
		config.QuenchEventBudget = 5 * time.Millisecond
	}
	if config.SerializationInterval <= 0 {
		config.SerializationInterval = 5 * time.Second
	}
	if config.MaxPasses <= 0 {
		config.MaxPasses = 10000
	}
	if config.Go == nil {
		config.Go = func(f func()) { go f() }
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		config:    config,
		clock:     config.Clock,
		logger:    config.Logger,
		ctx:       ctx,
		cancel:    cancel,
		sessions:  make(map[SessionID]*Session),
		conns:     make(map[kas.ServerID]*serverConn),
		deletions: make(map[SessionID]struct{}),
		sched:     newScheduler(),
		done:      make(chan struct{}),
		wake:      make(chan struct{}, 1),
	}, nil
}

// Post queues fn to run on the control goroutine during the next
// pass.
func (o *Orchestrator) Post(fn func()) {
	o.mu.Lock()
	o.inbound = append(o.inbound, fn)
	o.mu.Unlock()
	o.signal()
}

// Notify accepts a notice from the connection layer. It is the Sink
// of a kas.Link.
func (o *Orchestrator) Notify(notice kas.Notice) {
	o.Post(func() { o.handleNotice(notice) })
}

// AnswerPasswordPrompt delivers the answer to a PasswordPrompt. A nil
// password declines the prompt. Answers to prompts that were cancelled
// or superseded are discarded and their buffer closed.
func (o *Orchestrator) AnswerPasswordPrompt(id SessionID, promptID string, password *secret.Buffer, remember bool) {
	o.Post(func() {
		s, ok := o.sessions[id]
		if !ok {
			if password != nil {
				password.Close()
			}
			return
		}
		s.passwordAnswered(promptID, password, remember)
	})
}

// PostObserverRequest queues fn for the observer layer. Queued requests
// run on the control goroutine, in order, whenever no UI reentrance is
// outstanding.
func (o *Orchestrator) PostObserverRequest(fn func()) {
	o.mu.Lock()
	o.observerQueue = append(o.observerQueue, fn)
	o.mu.Unlock()
	o.signal()
}

// EnterUI marks the start of a UI section that must not be reentered
// by observer requests.
func (o *Orchestrator) EnterUI() {
	o.mu.Lock()
	o.uiDepth++
	o.mu.Unlock()
}

// LeaveUI ends a section started by EnterUI.
func (o *Orchestrator) LeaveUI() {
	o.mu.Lock()
	if o.uiDepth > 0 {
		o.uiDepth--
	}
	o.mu.Unlock()
	o.signal()
}

func (o *Orchestrator) signal() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// Done is closed once shutdown has completed.
func (o *Orchestrator) Done() <-chan struct{} { return o.done }

// Fatal returns the error that stopped the orchestrator, if any.
func (o *Orchestrator) Fatal() error { return o.fatal }

func (o *Orchestrator) setFatal(err error) {
	if o.fatal != nil {
		return
	}
	o.fatal = err
	o.logger.Error("fatal orchestrator error", "error", err)
}

// Session returns the session with the given ID.
func (o *Orchestrator) Session(id SessionID) (*Session, bool) {
	s, ok := o.sessions[id]
	return s, ok
}

// Sessions summarizes every session, ordered by ID.
func (o *Orchestrator) Sessions() []Status {
	statuses := make([]Status, 0, len(o.sessions))
	for _, id := range o.sessionIDs() {
		statuses = append(statuses, o.sessions[id].Status())
	}
	return statuses
}

// RequestTaskSwitch forwards to the session's RequestTaskSwitch.
func (o *Orchestrator) RequestTaskSwitch(id SessionID, task Task) error {
	s, ok := o.sessions[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrNoSession, id)
	}
	if !s.RequestTaskSwitch(task) {
		return fmt.Errorf("workspace: session %d refused task %s", id, task)
	}
	return nil
}

func (o *Orchestrator) sessionIDs() []SessionID {
	ids := make([]SessionID, 0, len(o.sessions))
	for id := range o.sessions {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Serve runs passes until shutdown completes, a fatal error occurs or
// ctx is cancelled. Between passes it sleeps until the next scheduled
// wake-up or until work is posted.
func (o *Orchestrator) Serve(ctx context.Context) error {
	for {
		if err := o.RunPasses(); err != nil {
			return err
		}
		if o.stopped {
			return nil
		}
		var timer <-chan time.Time
		if at, ok := o.sched.next(); ok {
			timer = o.clock.After(at.Sub(o.clock.Now()))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-o.wake:
		case <-timer:
		}
	}
}

// RunPasses runs orchestrator passes until nothing is due now, then
// lets sessions with pending status changes flush them, and repeats
// until that too is quiet. It returns the fatal error if one occurred.
func (o *Orchestrator) RunPasses() error {
	for passes := 0; ; passes++ {
		if o.fatal != nil {
			return o.fatal
		}
		if passes >= o.config.MaxPasses {
			o.setFatal(fmt.Errorf("workspace: orchestrator did not converge after %d passes", passes))
			return o.fatal
		}
		if o.pass() {
			continue
		}
		if o.settleDeferred() {
			continue
		}
		return nil
	}
}

// pass runs one orchestrator pass and reports whether it did any
// work.
func (o *Orchestrator) pass() bool {
	now := o.clock.Now()
	due := o.sched.popDue(now)
	progress := len(due) > 0

	var sessionsDue []SessionID
	serialize, quench := false, false
	for _, key := range due {
		switch key.kind {
		case wakeSession:
			sessionsDue = append(sessionsDue, key.session)
		case wakeSerialize:
			serialize = true
		case wakeQuench:
			quench = true
		case wakeReconnect:
			// Reconciliation below looks at every connection.
		}
	}

	if serialize {
		o.serialize(false)
	}
	for _, id := range sessionsDue {
		if s, ok := o.sessions[id]; ok {
			s.run()
		}
		if o.fatal != nil {
			return false
		}
	}
	if o.processDeletions() {
		progress = true
	}
	if o.reconcileConnections() {
		progress = true
	}
	if o.flushObservers() {
		progress = true
	}
	if quench {
		o.recomputeQuench()
	}
	if o.processInbound() {
		progress = true
	}
	if o.checkShutdown() {
		progress = true
	}
	return progress
}

// settleDeferred is called at quiescence: every session holding a
// status change gets one more pass, at whose top it delivers it.
func (o *Orchestrator) settleDeferred() bool {
	settled := false
	for _, s := range o.sessions {
		if s.deferred && !s.settled {
			s.settled = true
			s.requestRun()
			settled = true
		}
	}
	return settled
}

func (o *Orchestrator) processInbound() bool {
	o.mu.Lock()
	batch := o.inbound
	o.inbound = nil
	o.mu.Unlock()
	for _, fn := range batch {
		fn()
		if o.fatal != nil {
			break
		}
	}
	return len(batch) > 0
}

func (o *Orchestrator) flushObservers() bool {
	var updated []SessionID
	for _, id := range o.sessionIDs() {
		s := o.sessions[id]
		if s.observerUpdate {
			s.observerUpdate = false
			updated = append(updated, id)
		}
	}
	if len(updated) > 0 {
		if listener, ok := o.config.Listener.(UpdateListener); ok {
			listener.SessionsUpdated(updated)
		}
	}

	o.mu.Lock()
	if o.uiDepth > 0 {
		o.mu.Unlock()
		return false
	}
	queue := o.observerQueue
	o.observerQueue = nil
	o.mu.Unlock()
	for _, fn := range queue {
		fn()
	}
	return len(queue) > 0
}

// processDeletions removes sessions whose deletion can complete:
// applications stopped, logged out, detached and unreferenced.
func (o *Orchestrator) processDeletions() bool {
	if len(o.deletions) == 0 {
		return false
	}
	ids := make([]SessionID, 0, len(o.deletions))
	for id := range o.deletions {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	progress := false
	for _, id := range ids {
		s, ok := o.sessions[id]
		if !ok {
			delete(o.deletions, id)
			continue
		}
		if s.appStatus != AppStopped || !s.loggedOut() || s.attached || s.refs > 0 {
			continue
		}
		if err := o.config.Store.DeleteSession(o.ctx, uint64(id), snapshotName(id)); err != nil {
			s.logger.Error("deleting session data", "error", err)
			continue
		}
		s.completeCoreOp(fmt.Errorf("workspace: session %d deleted", id))
		s.login.cancelPending(o.config.Prompter)
		s.login.clearPassword()
		if s.login.logoutRequest != nil {
			s.login.logoutRequest.Cancel()
			s.login.logoutRequest = nil
		}
		s.removed = true
		delete(o.sessions, id)
		delete(o.deletions, id)
		o.sched.cancel(sessionKey(id))
		s.logger.Info("session deleted")
		if o.config.Listener != nil {
			o.config.Listener.StatusChanged(s.Status())
		}
		progress = true
	}
	return progress
}

// Close releases resources held after Serve has returned: in-flight
// ticket fetches are cancelled and held passwords wiped.
func (o *Orchestrator) Close() {
	o.cancel()
	for _, s := range o.sessions {
		s.login.cancelPending(nil)
		s.login.clearPassword()
	}
}
