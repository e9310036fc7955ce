// Copyright 2026 The Rescueclaw Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"testing"
	"time"
)

// RequireReceive returns the next value from channel, failing the test
// if none arrives within timeout or the channel is closed first.
func RequireReceive[T any](t testing.TB, channel <-chan T, timeout time.Duration, what string) T {
	t.Helper()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case value, ok := <-channel:
		if !ok {
			t.Fatalf("%s: channel closed before a value arrived", what)
		}
		return value
	case <-timer.C:
		t.Fatalf("%s: nothing received within %v", what, timeout)
	}
	panic("unreachable")
}

// RequireClosed waits for channel to close (or deliver a value), failing
// the test after timeout.
func RequireClosed(t testing.TB, channel <-chan struct{}, timeout time.Duration, what string) {
	t.Helper()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-channel:
	case <-timer.C:
		t.Fatalf("%s: not closed within %v", what, timeout)
	}
}

// Eventually polls condition every few milliseconds until it returns
// true, failing the test after timeout.
func Eventually(t testing.TB, timeout time.Duration, what string, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !condition() {
		if time.Now().After(deadline) {
			t.Fatalf("%s: condition not met within %v", what, timeout)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
