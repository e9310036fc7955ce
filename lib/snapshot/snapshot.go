// Copyright 2026 The Rescueclaw Authors
// SPDX-License-Identifier: Apache-2.0

package snapshot

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/harman314/rescueclaw/lib/clock"
	"github.com/harman314/rescueclaw/lib/fileutil"
)

// ManifestFormat identifies the archive layout written by this package.
const ManifestFormat = "rescueclaw-snapshot/1"

// Archive prefixes.
const (
	PrefixWorkspace = "workspace"
	PrefixConfig    = "config"
	PrefixSessions  = "sessions"
	ManifestName    = "manifest.json"
)

const (
	idLayout      = "20060102-150405"
	lockFileName  = ".lock"
	maxCollisions = 99
)

var (
	// ErrNotFound is returned when a requested snapshot does not exist.
	ErrNotFound = errors.New("snapshot not found")

	// ErrNoSnapshots is returned by Latest when the backup directory
	// holds no archives. It wraps ErrNotFound.
	ErrNoSnapshots = fmt.Errorf("no snapshots available: %w", ErrNotFound)

	// ErrNoIdentity is returned when an encrypted archive is read
	// without an identity file configured.
	ErrNoIdentity = errors.New("encrypted snapshot requires an identity file")
)

// Snapshot describes one archive on disk.
type Snapshot struct {
	ID          string      `json:"id"`
	Filename    string      `json:"filename"`
	Path        string      `json:"path"`
	CreatedAt   time.Time   `json:"created_at"`
	SizeBytes   int64       `json:"size_bytes"`
	Size        string      `json:"size"`
	Compression Compression `json:"compression"`
	Encrypted   bool        `json:"encrypted"`

	// FileCount and Manifest are only populated by TakeSnapshot and
	// ReadManifest; List does not open archives.
	FileCount int       `json:"file_count,omitempty"`
	Manifest  *Manifest `json:"manifest,omitempty"`
}

// Manifest is the archive's embedded manifest.json.
type Manifest struct {
	ID          string       `json:"id"`
	Timestamp   time.Time    `json:"timestamp"`
	FileCount   int          `json:"fileCount"`
	Workspace   string       `json:"workspace"`
	Version     string       `json:"version"`
	Format      string       `json:"format,omitempty"`
	Compression Compression  `json:"compression,omitempty"`
	Files       []FileDigest `json:"files,omitempty"`
}

// FileDigest records one archived regular file.
type FileDigest struct {
	Path   string `json:"path"`
	Size   int64  `json:"size"`
	BLAKE3 string `json:"blake3"`
}

// Options configures a Store.
type Options struct {
	// BackupDir holds the archives and the lock file.
	BackupDir string

	// WorkspaceDir and ConfigDir are the roots the entry lists are
	// relative to.
	WorkspaceDir     string
	ConfigDir        string
	WorkspaceEntries []string
	ConfigEntries    []string

	// SessionsDir is archived under sessions/ when IncludeSessions is
	// set. It is always excluded from the config/ walk.
	SessionsDir     string
	IncludeSessions bool

	Compression Compression

	// Recipients are age X25519 public keys. When non-empty, archives
	// are encrypted.
	Recipients []string

	// IdentityFile holds age identities for reading encrypted archives.
	IdentityFile string

	// MaxSnapshots bounds retention after each TakeSnapshot. Zero or
	// negative keeps everything.
	MaxSnapshots int

	// Version is recorded in each manifest.
	Version string

	Clock  clock.Clock
	Logger *slog.Logger
}

// Store creates, lists and reads snapshot archives in one directory.
type Store struct {
	options Options
	clock   clock.Clock
	logger  *slog.Logger

	mu sync.Mutex
}

// New validates options and returns a Store. The backup directory is
// created lazily.
func New(options Options) (*Store, error) {
	if options.BackupDir == "" {
		return nil, errors.New("snapshot: backup directory is required")
	}
	if options.Compression == "" {
		options.Compression = Gzip
	}
	if _, err := options.Compression.extension(); err != nil {
		return nil, err
	}
	if _, err := parseRecipients(options.Recipients); err != nil {
		return nil, err
	}
	store := &Store{
		options: options,
		clock:   options.Clock,
		logger:  options.Logger,
	}
	if store.clock == nil {
		store.clock = clock.Real()
	}
	if store.logger == nil {
		store.logger = slog.New(slog.DiscardHandler)
	}
	return store, nil
}

// Dir returns the backup directory.
func (s *Store) Dir() string { return s.options.BackupDir }

// Exclusive runs fn holding the store's operation lock.
func (s *Store) Exclusive(fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.options.BackupDir, 0o755); err != nil {
		return fmt.Errorf("creating backup directory: %w", err)
	}
	lock, err := fileutil.AcquireLock(filepath.Join(s.options.BackupDir, lockFileName))
	if err != nil {
		return fmt.Errorf("acquiring snapshot lock: %w", err)
	}
	defer lock.Release()

	return fn()
}

// archiveNamePattern matches finished archives only. Partial files start
// with a dot and never match.
var archiveNamePattern = regexp.MustCompile(`^backup-(\d{8}-\d{6}(?:-\d{2})?)\.(tar\.gz|tar\.zst|tar\.lz4)(\.age)?$`)

// List returns every archive in the backup directory, newest first. A
// missing directory yields an empty slice.
func (s *Store) List() ([]Snapshot, error) {
	entries, err := os.ReadDir(s.options.BackupDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []Snapshot{}, nil
		}
		return nil, fmt.Errorf("reading backup directory: %w", err)
	}

	snapshots := make([]Snapshot, 0, len(entries))
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		match := archiveNamePattern.FindStringSubmatch(entry.Name())
		if match == nil {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			// Pruned between ReadDir and Info.
			continue
		}
		compression, _ := compressionForExtension(match[2])
		snapshots = append(snapshots, Snapshot{
			ID:          match[1],
			Filename:    entry.Name(),
			Path:        filepath.Join(s.options.BackupDir, entry.Name()),
			CreatedAt:   createdAt(match[1], info.ModTime()),
			SizeBytes:   info.Size(),
			Size:        humanize.Bytes(uint64(info.Size())),
			Compression: compression,
			Encrypted:   match[3] != "",
		})
	}

	sort.Slice(snapshots, func(i, j int) bool {
		return snapshots[i].ID > snapshots[j].ID
	})
	return snapshots, nil
}

// Get returns the snapshot with the given id.
func (s *Store) Get(id string) (Snapshot, error) {
	snapshots, err := s.List()
	if err != nil {
		return Snapshot{}, err
	}
	for _, snapshot := range snapshots {
		if snapshot.ID == id {
			return snapshot, nil
		}
	}
	return Snapshot{}, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// Latest returns the newest snapshot.
func (s *Store) Latest() (Snapshot, error) {
	snapshots, err := s.List()
	if err != nil {
		return Snapshot{}, err
	}
	if len(snapshots) == 0 {
		return Snapshot{}, ErrNoSnapshots
	}
	return snapshots[0], nil
}

// Resolve returns the snapshot named by id, or the newest when id is
// empty.
func (s *Store) Resolve(id string) (Snapshot, error) {
	if id == "" {
		return s.Latest()
	}
	return s.Get(id)
}

// Prune deletes everything beyond the newest maxCount archives and
// returns the deleted ids. Individual deletion failures are logged.
func (s *Store) Prune(maxCount int) ([]string, error) {
	var deleted []string
	err := s.Exclusive(func() error {
		var err error
		deleted, err = s.pruneUnlocked(maxCount)
		return err
	})
	return deleted, err
}

func (s *Store) pruneUnlocked(maxCount int) ([]string, error) {
	if maxCount <= 0 {
		return nil, nil
	}
	snapshots, err := s.List()
	if err != nil {
		return nil, err
	}
	if len(snapshots) <= maxCount {
		return nil, nil
	}

	var deleted []string
	for _, old := range snapshots[maxCount:] {
		if err := os.Remove(old.Path); err != nil {
			s.logger.Warn("pruning snapshot failed",
				"snapshot_id", old.ID,
				"error", err,
			)
			continue
		}
		s.logger.Info("pruned snapshot", "snapshot_id", old.ID, "filename", old.Filename)
		deleted = append(deleted, old.ID)
	}
	return deleted, nil
}

// Delete removes one archive.
func (s *Store) Delete(id string) error {
	return s.Exclusive(func() error {
		snapshot, err := s.Get(id)
		if err != nil {
			return err
		}
		if err := os.Remove(snapshot.Path); err != nil {
			return fmt.Errorf("deleting snapshot %s: %w", id, err)
		}
		return nil
	})
}

// nextID returns the id for a snapshot created at now, adding a
// collision suffix when the second is already taken.
func (s *Store) nextID(now time.Time) (string, error) {
	base := now.UTC().Format(idLayout)
	snapshots, err := s.List()
	if err != nil {
		return "", err
	}
	taken := make(map[string]bool, len(snapshots))
	for _, snapshot := range snapshots {
		taken[snapshot.ID] = true
	}
	if !taken[base] {
		return base, nil
	}
	for suffix := 2; suffix <= maxCollisions; suffix++ {
		candidate := fmt.Sprintf("%s-%02d", base, suffix)
		if !taken[candidate] {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("more than %d snapshots in second %s", maxCollisions, base)
}

func createdAt(id string, fallback time.Time) time.Time {
	if len(id) < len(idLayout) {
		return fallback
	}
	parsed, err := time.ParseInLocation(idLayout, id[:len(idLayout)], time.UTC)
	if err != nil {
		return fallback
	}
	return parsed
}
