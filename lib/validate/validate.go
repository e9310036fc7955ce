// Copyright 2026 The Rescueclaw Authors
// SPDX-License-Identifier: Apache-2.0

package validate

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Severity classifies an issue.
type Severity int

const (
	SeverityWarning Severity = iota
	SeverityError
)

func (s Severity) String() string {
	if s == SeverityError {
		return "error"
	}
	return "warning"
}

// MarshalText renders the severity as "error" or "warning".
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses "error" or "warning".
func (s *Severity) UnmarshalText(text []byte) error {
	switch string(text) {
	case "error":
		*s = SeverityError
	case "warning":
		*s = SeverityWarning
	default:
		return fmt.Errorf("unknown severity %q", string(text))
	}
	return nil
}

// Issue is one finding.
type Issue struct {
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
}

func (i Issue) String() string {
	return i.Severity.String() + ": " + i.Message
}

func errorf(format string, args ...any) Issue {
	return Issue{Severity: SeverityError, Message: fmt.Sprintf(format, args...)}
}

func warningf(format string, args ...any) Issue {
	return Issue{Severity: SeverityWarning, Message: fmt.Sprintf(format, args...)}
}

// Issues is a list of findings in check order.
type Issues []Issue

// Errors returns the blocking issues.
func (issues Issues) Errors() Issues {
	return issues.filter(SeverityError)
}

// Warnings returns the advisory issues.
func (issues Issues) Warnings() Issues {
	return issues.filter(SeverityWarning)
}

// HasErrors reports whether any issue blocks a restore.
func (issues Issues) HasErrors() bool {
	for _, issue := range issues {
		if issue.Severity == SeverityError {
			return true
		}
	}
	return false
}

func (issues Issues) filter(severity Severity) Issues {
	var result Issues
	for _, issue := range issues {
		if issue.Severity == severity {
			result = append(result, issue)
		}
	}
	return result
}

// ErrValidationFailed matches every [*FailedError] under errors.Is.
var ErrValidationFailed = errors.New("validation failed")

// FailedError carries the issues that blocked a restore.
type FailedError struct {
	Issues Issues
}

func (e *FailedError) Error() string {
	blocking := e.Issues.Errors()
	messages := make([]string, len(blocking))
	for index, issue := range blocking {
		messages[index] = issue.Message
	}
	return fmt.Sprintf("validation failed with %d error(s): %s", len(blocking), strings.Join(messages, "; "))
}

// Is reports whether target is ErrValidationFailed.
func (e *FailedError) Is(target error) bool {
	return target == ErrValidationFailed
}

// MarshalJSON renders the issues for CLI --json output.
func (issues Issues) MarshalJSON() ([]byte, error) {
	if issues == nil {
		return []byte("[]"), nil
	}
	return json.Marshal([]Issue(issues))
}
