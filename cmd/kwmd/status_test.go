// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"strings"
	"testing"

	"github.com/tmbx/kwm/workspace"
)

func TestRenderStatus(t *testing.T) {
	output := renderStatus([]workspace.Status{
		{
			ID:                  1,
			Name:                "Design",
			ExternalID:          900,
			Server:              "kas.test:443",
			RequestedTask:       workspace.TaskWorkOnline,
			MainStatus:          workspace.MainGood,
			UnprocessedCount:    2,
			LastReceivedEventID: 41,
			Members:             3,
		},
		{
			ID:              2,
			ExternalID:      901,
			Server:          "kas.test:443",
			RequestedTask:   workspace.TaskStop,
			MainStatus:      workspace.MainGood,
			DeletedOnServer: true,
		},
	})

	lines := strings.Split(strings.TrimRight(output, "\n"), "\n")
	if len(lines) != 4 {
		t.Fatalf("got %d lines, want header, two rows and a total:\n%s", len(lines), output)
	}
	for _, column := range statusColumns {
		if !strings.Contains(lines[0], column) {
			t.Errorf("header missing %q: %q", column, lines[0])
		}
	}
	for _, want := range []string{"Design", "900", "kas.test:443", "41"} {
		if !strings.Contains(lines[1], want) {
			t.Errorf("first row missing %q: %q", want, lines[1])
		}
	}
	if !strings.Contains(lines[2], "deleted on server") {
		t.Errorf("second row does not flag the deletion: %q", lines[2])
	}
	if lines[3] != "2 workspace(s)" {
		t.Errorf("total = %q", lines[3])
	}
}

func TestRenderStatusEmpty(t *testing.T) {
	if output := renderStatus(nil); !strings.Contains(output, "no saved workspaces") {
		t.Errorf("renderStatus(nil) = %q", output)
	}
}
