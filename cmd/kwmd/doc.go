// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// kwmd is the workspace manager daemon. It restores the workspaces
// saved by its previous run, keeps each one in its requested task, and
// serves until SIGINT or SIGTERM, at which point every workspace is
// wound down and its state written back.
//
// Workspaces are added with --create or --join:
//
//	kwmd --config kwm.yaml --server kas.example.com --create "Design review" \
//	    --user-name alice --email alice@example.com
//	kwmd --config kwm.yaml --server kas.example.com --join 4711 --user-name alice
//
// "kwmd status" lists the saved workspaces without contacting any
// server.
package main
