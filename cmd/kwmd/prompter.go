// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/tmbx/kwm/lib/secret"
	"github.com/tmbx/kwm/workspace"
)

// terminalPrompter asks for passwords on the controlling terminal, one
// prompt at a time, off the control goroutine.
type terminalPrompter struct {
	fd       int
	out      io.Writer
	remember bool
	logger   *slog.Logger

	// read defaults to secret.ReadFromTerminal.
	read func(fd int, out io.Writer, prompt string) (*secret.Buffer, error)

	// answer delivers the result; set to the orchestrator's
	// AnswerPasswordPrompt once it exists.
	answer func(id workspace.SessionID, promptID string, password *secret.Buffer, remember bool)

	mu        sync.Mutex
	queue     []workspace.PasswordPrompt
	cancelled map[string]bool
	running   bool
	idle      chan struct{}
}

var _ workspace.PasswordPrompter = (*terminalPrompter)(nil)

func (p *terminalPrompter) PromptPassword(prompt workspace.PasswordPrompt) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queue = append(p.queue, prompt)
	if !p.running {
		p.running = true
		p.idle = make(chan struct{})
		go p.drain()
	}
}

func (p *terminalPrompter) CancelPrompt(promptID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancelled == nil {
		p.cancelled = make(map[string]bool)
	}
	p.cancelled[promptID] = true
}

// wait blocks until no prompt is queued or being read.
func (p *terminalPrompter) wait() {
	p.mu.Lock()
	idle := p.idle
	running := p.running
	p.mu.Unlock()
	if running {
		<-idle
	}
}

func (p *terminalPrompter) next() (workspace.PasswordPrompt, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.queue) > 0 {
		prompt := p.queue[0]
		p.queue = p.queue[1:]
		if p.cancelled[prompt.PromptID] {
			delete(p.cancelled, prompt.PromptID)
			continue
		}
		return prompt, true
	}
	p.running = false
	close(p.idle)
	return workspace.PasswordPrompt{}, false
}

func (p *terminalPrompter) drain() {
	read := p.read
	if read == nil {
		read = secret.ReadFromTerminal
	}
	for {
		prompt, ok := p.next()
		if !ok {
			return
		}
		password, err := read(p.fd, p.out, promptText(prompt))
		if err != nil {
			p.logger.Warn("password prompt failed", "session_id", uint64(prompt.Session), "error", err)
			password = nil
		}

		p.mu.Lock()
		cancelled := p.cancelled[prompt.PromptID]
		delete(p.cancelled, prompt.PromptID)
		p.mu.Unlock()
		if cancelled {
			if password != nil {
				password.Close()
			}
			continue
		}
		p.answer(prompt.Session, prompt.PromptID, password, p.remember)
	}
}

func promptText(prompt workspace.PasswordPrompt) string {
	workspaceName := prompt.Workspace
	if workspaceName == "" {
		workspaceName = fmt.Sprintf("#%d", prompt.Session)
	}
	text := fmt.Sprintf("Password for %s in workspace %s on %s: ", prompt.UserName, workspaceName, prompt.Server)
	if prompt.Retry {
		text = "Wrong password. " + text
	}
	return text
}
