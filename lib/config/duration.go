// Copyright 2026 The Rescueclaw Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	second = time.Second
	minute = time.Minute
	hour   = time.Hour
	day    = 24 * time.Hour
)

// Duration is a time.Duration written as a string such as "6h", "30m",
// "60s" or "1h30m". A "d" suffix counts days. A bare integer is seconds.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// ParseDuration parses the forms accepted by [Duration].
func ParseDuration(text string) (Duration, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return 0, fmt.Errorf("empty duration")
	}
	if seconds, err := strconv.ParseInt(text, 10, 64); err == nil {
		return Duration(time.Duration(seconds) * second), nil
	}
	if days, ok := strings.CutSuffix(text, "d"); ok {
		count, err := strconv.ParseInt(days, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q (use e.g. 6h, 30m, 60s, 1d)", text)
		}
		return Duration(time.Duration(count) * day), nil
	}
	parsed, err := time.ParseDuration(text)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q (use e.g. 6h, 30m, 60s, 1d)", text)
	}
	return Duration(parsed), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a scalar", node.Line)
	}
	parsed, err := ParseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = parsed
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}
