// Copyright 2026 The Rescueclaw Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time source. The supervisor,
// snapshot store and process controller take a Clock instead of calling
// the time package directly, so checkpoint windows, snapshot ids and
// termination grace periods can be driven deterministically in tests.
//
// Production code uses Real(). Tests use Fake() and move time with
// Advance or Set; WaitForTimers blocks until a goroutine under test has
// registered the timer it is about to wait on.
package clock
