// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides the time source used by the workspace core and
// the KAS link.
//
// Every component that reads the wall clock or waits on a deadline
// (reconnect backoff, quench batches, serialization intervals, link
// keepalives) takes a Clock instead of calling the time package. The
// daemon passes Real(); tests pass Fake() and move time explicitly with
// Advance, which makes backoff and quench behavior reproducible without
// sleeping.
//
// A FakeClock keeps a list of pending waiters. After and NewTicker
// register channel waiters, AfterFunc registers a callback waiter.
// Advance fires every waiter whose deadline is reached, in deadline
// order. WaitForTimers blocks until a goroutine has registered its
// waiter, which removes the race between "goroutine starts waiting"
// and "test advances time".
package clock
