// Copyright 2026 The Rescueclaw Authors
// SPDX-License-Identifier: Apache-2.0

package incident

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileName is the log's name inside the backup directory.
const FileName = "incidents.jsonl"

// Recovery outcomes written to [Record.Recovery].
const (
	RecoveryPending   = "pending"
	RecoveryRestored  = "restored"
	RecoveryFailed    = "failed"
	RecoveryRecovered = "recovered"
)

// Record is one line of the log.
type Record struct {
	Timestamp time.Time `json:"timestamp"`
	Cause     string    `json:"cause"`
	Recovery  string    `json:"recovery"`
}

// Log appends to and reads an incident log file. Safe for concurrent use
// within one process; separate processes rely on O_APPEND line writes.
type Log struct {
	path string

	mu sync.Mutex
}

// Open returns a Log for the incidents file in directory. The file is
// created on first append.
func Open(directory string) *Log {
	return &Log{path: filepath.Join(directory, FileName)}
}

// Path returns the log file path.
func (l *Log) Path() string { return l.path }

// Append writes record as a single line. A zero timestamp is replaced with
// the current time.
func (l *Log) Append(record Record) error {
	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now()
	}
	record.Timestamp = record.Timestamp.UTC().Truncate(time.Second)

	line, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshaling incident: %w", err)
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("creating incident log directory: %w", err)
	}
	file, err := os.OpenFile(l.path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening incident log: %w", err)
	}
	if _, err := file.Write(line); err != nil {
		file.Close()
		return fmt.Errorf("appending incident: %w", err)
	}
	return file.Close()
}

// Recent returns up to limit records, newest first. Lines that do not
// parse are skipped. A missing log yields an empty slice. A limit of zero
// or less returns every record.
func (l *Log) Recent(limit int) ([]Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	file, err := os.Open(l.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []Record{}, nil
		}
		return nil, fmt.Errorf("opening incident log: %w", err)
	}
	defer file.Close()

	var records []Record
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var record Record
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			continue
		}
		records = append(records, record)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading incident log: %w", err)
	}

	// Newest first.
	for left, right := 0, len(records)-1; left < right; left, right = left+1, right-1 {
		records[left], records[right] = records[right], records[left]
	}
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	if records == nil {
		records = []Record{}
	}
	return records, nil
}
