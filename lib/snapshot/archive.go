// Copyright 2026 The Rescueclaw Authors
// SPDX-License-Identifier: Apache-2.0

package snapshot

import (
	"archive/tar"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/zeebo/blake3"

	"github.com/harman314/rescueclaw/lib/fileutil"
)

// TakeSnapshot archives the configured entries and returns the new
// snapshot, then prunes to the configured retention.
func (s *Store) TakeSnapshot(ctx context.Context) (Snapshot, error) {
	var snapshot Snapshot
	err := s.Exclusive(func() error {
		var err error
		snapshot, err = s.takeSnapshotUnlocked(ctx)
		return err
	})
	return snapshot, err
}

func (s *Store) takeSnapshotUnlocked(ctx context.Context) (Snapshot, error) {
	now := s.clock.Now().UTC()
	id, err := s.nextID(now)
	if err != nil {
		return Snapshot{}, err
	}
	encrypted := len(s.options.Recipients) > 0
	filename, err := archiveFilename(id, s.options.Compression, encrypted)
	if err != nil {
		return Snapshot{}, err
	}
	finalPath := filepath.Join(s.options.BackupDir, filename)
	temporaryPath := filepath.Join(s.options.BackupDir, "."+filename+".partial")

	manifest, err := s.writeArchive(ctx, id, now, temporaryPath, finalPath)
	if err != nil {
		return Snapshot{}, err
	}

	info, err := os.Stat(finalPath)
	if err != nil {
		return Snapshot{}, fmt.Errorf("measuring snapshot %s: %w", id, err)
	}
	snapshot := Snapshot{
		ID:          id,
		Filename:    filename,
		Path:        finalPath,
		CreatedAt:   now,
		SizeBytes:   info.Size(),
		Size:        humanize.Bytes(uint64(info.Size())),
		Compression: s.options.Compression,
		Encrypted:   encrypted,
		FileCount:   manifest.FileCount,
		Manifest:    manifest,
	}
	s.logger.Info("snapshot created",
		"snapshot_id", id,
		"size", snapshot.Size,
		"file_count", manifest.FileCount,
		"encrypted", encrypted,
	)

	if _, err := s.pruneUnlocked(s.options.MaxSnapshots); err != nil {
		s.logger.Warn("pruning after snapshot failed", "error", err)
	}
	return snapshot, nil
}

// writeArchive builds the archive at temporaryPath and commits it to
// finalPath. The temporary file is removed on any failure.
func (s *Store) writeArchive(ctx context.Context, id string, now time.Time, temporaryPath, finalPath string) (*Manifest, error) {
	recipients, err := parseRecipients(s.options.Recipients)
	if err != nil {
		return nil, err
	}

	file, err := os.OpenFile(temporaryPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("creating snapshot file: %w", err)
	}
	fail := func(err error) (*Manifest, error) {
		file.Close()
		os.Remove(temporaryPath)
		return nil, err
	}

	stream, err := newArchiveWriter(file, s.options.Compression, recipients)
	if err != nil {
		return fail(err)
	}
	builder := &archiveBuilder{
		ctx:     ctx,
		tar:     tar.NewWriter(stream),
		exclude: s.excludedFromConfig(),
	}

	sources := []struct {
		root    string
		entries []string
		prefix  string
	}{
		{s.options.WorkspaceDir, s.options.WorkspaceEntries, PrefixWorkspace},
		{s.options.ConfigDir, s.options.ConfigEntries, PrefixConfig},
	}
	for _, source := range sources {
		if source.root == "" {
			continue
		}
		for _, entry := range source.entries {
			if err := builder.add(filepath.Join(source.root, entry), path.Join(source.prefix, filepath.ToSlash(entry))); err != nil {
				return fail(err)
			}
		}
	}
	if s.options.IncludeSessions && s.options.SessionsDir != "" {
		builder.exclude = ""
		if err := builder.add(s.options.SessionsDir, PrefixSessions); err != nil {
			return fail(err)
		}
	}

	manifest := &Manifest{
		ID:          id,
		Timestamp:   now,
		FileCount:   len(builder.files),
		Workspace:   s.options.WorkspaceDir,
		Version:     s.options.Version,
		Format:      ManifestFormat,
		Compression: s.options.Compression,
		Files:       builder.files,
	}
	manifestBytes, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return fail(fmt.Errorf("marshaling manifest: %w", err))
	}
	header := &tar.Header{
		Typeflag: tar.TypeReg,
		Name:     ManifestName,
		Size:     int64(len(manifestBytes)),
		Mode:     0o644,
		ModTime:  now,
	}
	if err := builder.tar.WriteHeader(header); err != nil {
		return fail(fmt.Errorf("writing manifest header: %w", err))
	}
	if _, err := builder.tar.Write(manifestBytes); err != nil {
		return fail(fmt.Errorf("writing manifest: %w", err))
	}

	if err := builder.tar.Close(); err != nil {
		return fail(fmt.Errorf("finishing tar stream: %w", err))
	}
	if err := stream.Close(); err != nil {
		return fail(fmt.Errorf("finishing archive stream: %w", err))
	}
	if err := fileutil.CommitFile(file, temporaryPath, finalPath); err != nil {
		return nil, fmt.Errorf("committing snapshot %s: %w", id, err)
	}
	return manifest, nil
}

// excludedFromConfig returns the sessions directory when it lies inside
// the config directory, so the config/ walk skips it.
func (s *Store) excludedFromConfig() string {
	if s.options.SessionsDir == "" || s.options.ConfigDir == "" {
		return ""
	}
	relative, err := filepath.Rel(s.options.ConfigDir, s.options.SessionsDir)
	if err != nil || relative == ".." || strings.HasPrefix(relative, "../") {
		return ""
	}
	return filepath.Clean(s.options.SessionsDir)
}

type archiveBuilder struct {
	ctx     context.Context
	tar     *tar.Writer
	exclude string
	files   []FileDigest
}

// add archives source under name, recursing into directories. A missing
// source is skipped.
func (b *archiveBuilder) add(source, name string) error {
	if _, err := os.Lstat(source); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("reading %s: %w", source, err)
	}

	return filepath.WalkDir(source, func(current string, entry fs.DirEntry, err error) error {
		if err != nil {
			return fmt.Errorf("walking %s: %w", current, err)
		}
		if err := b.ctx.Err(); err != nil {
			return err
		}
		if b.exclude != "" && filepath.Clean(current) == b.exclude {
			if entry.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		relative, err := filepath.Rel(source, current)
		if err != nil {
			return err
		}
		archiveName := name
		if relative != "." {
			archiveName = path.Join(name, filepath.ToSlash(relative))
		}

		info, err := entry.Info()
		if err != nil {
			return fmt.Errorf("reading %s: %w", current, err)
		}
		switch {
		case info.Mode().IsRegular():
			return b.addFile(current, archiveName, info)
		case info.IsDir():
			return b.addHeader(info, archiveName+"/", "")
		case info.Mode()&fs.ModeSymlink != 0:
			target, err := os.Readlink(current)
			if err != nil {
				return fmt.Errorf("reading link %s: %w", current, err)
			}
			return b.addHeader(info, archiveName, target)
		default:
			// Sockets, devices and fifos have no meaningful content.
			return nil
		}
	})
}

func (b *archiveBuilder) addHeader(info fs.FileInfo, name, linkTarget string) error {
	header, err := tar.FileInfoHeader(info, linkTarget)
	if err != nil {
		return fmt.Errorf("building header for %s: %w", name, err)
	}
	header.Name = name
	header.Uname, header.Gname = "", ""
	if err := b.tar.WriteHeader(header); err != nil {
		return fmt.Errorf("writing header for %s: %w", name, err)
	}
	return nil
}

func (b *archiveBuilder) addFile(source, name string, info fs.FileInfo) error {
	file, err := os.Open(source)
	if err != nil {
		return fmt.Errorf("opening %s: %w", source, err)
	}
	defer file.Close()

	if err := b.addHeader(info, name, ""); err != nil {
		return err
	}
	hasher := blake3.New()
	written, err := io.CopyN(io.MultiWriter(b.tar, hasher), file, info.Size())
	if err != nil {
		return fmt.Errorf("archiving %s (%d of %d bytes): %w", source, written, info.Size(), err)
	}
	b.files = append(b.files, FileDigest{
		Path:   name,
		Size:   written,
		BLAKE3: hex.EncodeToString(hasher.Sum(nil)),
	})
	return nil
}
