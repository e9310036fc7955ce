// Copyright 2026 The Rescueclaw Authors
// SPDX-License-Identifier: Apache-2.0

package watchdog

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/harman314/rescueclaw/lib/fileutil"
)

// ActionCheckpoint is the only action the supervisor acts on.
const ActionCheckpoint = "checkpoint"

// ErrMalformed wraps every failure to decode a request file body.
var ErrMalformed = errors.New("malformed checkpoint request")

// Request is the body of the checkpoint request file.
type Request struct {
	Action string `json:"action"`
	Reason string `json:"reason"`

	// Timestamp is when the request was filed. The supervisor uses it to
	// recognise a request it has already expired or consumed.
	Timestamp time.Time `json:"timestamp"`

	// RollbackWindowSeconds is the requested window length. Zero means
	// the supervisor's configured default.
	RollbackWindowSeconds int64 `json:"rollbackWindowSeconds"`
}

// Window returns the requested window, or fallback when none was given.
func (r Request) Window(fallback time.Duration) time.Duration {
	if r.RollbackWindowSeconds <= 0 {
		return fallback
	}
	return time.Duration(r.RollbackWindowSeconds) * time.Second
}

// Write atomically replaces the request file. The parent directory is
// created if needed. A zero timestamp is replaced with the current time.
func Write(path string, request Request) error {
	if request.Action == "" {
		request.Action = ActionCheckpoint
	}
	if request.Timestamp.IsZero() {
		request.Timestamp = time.Now().UTC()
	}
	data, err := json.MarshalIndent(request, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling checkpoint request: %w", err)
	}
	data = append(data, '\n')
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating checkpoint request directory: %w", err)
	}
	if err := fileutil.WriteAtomic(path, data, 0o644); err != nil {
		return fmt.Errorf("writing checkpoint request: %w", err)
	}
	return nil
}

// Read parses the request file. A missing file returns an error wrapping
// os.ErrNotExist; a body that does not decode returns one wrapping
// ErrMalformed.
func Read(path string) (Request, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Request{}, err
	}
	var request Request
	if err := json.Unmarshal(data, &request); err != nil {
		return Request{}, fmt.Errorf("%w %s: %w", ErrMalformed, path, err)
	}
	return request, nil
}

// Check reports whether a checkpoint request is pending. Absent and
// unparseable files, and requests with another action, are "no request".
// Other read failures are returned so callers can log them.
func Check(path string) (Request, bool, error) {
	request, err := Read(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) || errors.Is(err, ErrMalformed) {
			return Request{}, false, nil
		}
		return Request{}, false, err
	}
	if request.Action != ActionCheckpoint {
		return Request{}, false, nil
	}
	return request, true, nil
}

// Clear removes the request file. Removing an absent file is not an error.
func Clear(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing checkpoint request: %w", err)
	}
	return nil
}
