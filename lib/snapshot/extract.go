// Copyright 2026 The Rescueclaw Authors
// SPDX-License-Identifier: Apache-2.0

package snapshot

import (
	"archive/tar"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/zeebo/blake3"
)

// ErrUnsafePath is returned when an archive entry would land outside
// its target root.
var ErrUnsafePath = errors.New("archive entry escapes target directory")

// Targets maps archive prefixes to destination roots. An empty root
// skips that prefix.
type Targets struct {
	Workspace string `json:"workspace"`
	Config    string `json:"config"`
	Sessions  string `json:"sessions,omitempty"`
}

func (t Targets) root(prefix string) string {
	switch prefix {
	case PrefixWorkspace:
		return t.Workspace
	case PrefixConfig:
		return t.Config
	case PrefixSessions:
		return t.Sessions
	default:
		return ""
	}
}

// ExtractResult reports what an extraction wrote.
type ExtractResult struct {
	// Files maps the archive path of each extracted regular file to the
	// path it was written to.
	Files map[string]string

	// Manifest is nil for archives without one.
	Manifest *Manifest

	targets Targets
}

// Extract unpacks snapshot onto targets under the store lock.
func (s *Store) Extract(snapshot Snapshot, targets Targets) (*ExtractResult, error) {
	var result *ExtractResult
	err := s.Exclusive(func() error {
		var err error
		result, err = s.ExtractUnlocked(snapshot, targets)
		return err
	})
	return result, err
}

// ExtractUnlocked is Extract for callers already inside Exclusive.
// Entries outside the workspace/, config/ and sessions/ prefixes are
// ignored; manifest.json is decoded into the result. File modes and
// modification times are restored.
func (s *Store) ExtractUnlocked(snapshot Snapshot, targets Targets) (*ExtractResult, error) {
	stream, err := s.openArchive(snapshot)
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	extractor := &extractor{
		result: &ExtractResult{Files: make(map[string]string), targets: targets},
		roots:  make(map[string]string),
	}
	reader := tar.NewReader(stream)
	for {
		header, err := reader.Next()
		if err == io.EOF {
			break
		}
		if errors.Is(err, tar.ErrInsecurePath) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("reading snapshot %s: %w", snapshot.ID, err)
		}
		if err := extractor.entry(header, reader, targets); err != nil {
			return nil, fmt.Errorf("extracting %s from snapshot %s: %w", header.Name, snapshot.ID, err)
		}
	}
	extractor.finishDirectories()
	return extractor.result, nil
}

type extractor struct {
	result *ExtractResult

	// roots caches each target root with symlinks resolved.
	roots map[string]string

	directories []pendingDirectory
}

type pendingDirectory struct {
	path   string
	header *tar.Header
}

func (e *extractor) entry(header *tar.Header, content io.Reader, targets Targets) error {
	name := path.Clean(strings.TrimPrefix(header.Name, "./"))
	if name == ManifestName {
		var manifest Manifest
		if err := json.NewDecoder(content).Decode(&manifest); err != nil {
			return fmt.Errorf("decoding manifest: %w", err)
		}
		e.result.Manifest = &manifest
		return nil
	}

	prefix, relative, _ := strings.Cut(name, "/")
	root := targets.root(prefix)
	if root == "" {
		return nil
	}
	destination, err := e.resolve(root, relative)
	if err != nil {
		return err
	}

	switch header.Typeflag {
	case tar.TypeDir:
		if relative != "" {
			if err := e.prepareParent(root, destination); err != nil {
				return err
			}
		}
		if err := os.MkdirAll(destination, 0o755); err != nil {
			return err
		}
		e.directories = append(e.directories, pendingDirectory{path: destination, header: header})
		return nil

	case tar.TypeReg:
		if err := e.prepareParent(root, destination); err != nil {
			return err
		}
		if err := writeFile(destination, header, content); err != nil {
			return err
		}
		e.result.Files[name] = destination
		return nil

	case tar.TypeSymlink:
		if err := e.prepareParent(root, destination); err != nil {
			return err
		}
		if err := removeNonDirectory(destination); err != nil {
			return err
		}
		return os.Symlink(header.Linkname, destination)

	default:
		return nil
	}
}

// resolve joins relative onto root and rejects results outside root.
func (e *extractor) resolve(root, relative string) (string, error) {
	if relative == "" {
		return filepath.Clean(root), nil
	}
	destination := filepath.Join(root, filepath.FromSlash(relative))
	within, err := filepath.Rel(root, destination)
	if err != nil || within == ".." || strings.HasPrefix(within, ".."+string(filepath.Separator)) {
		return "", ErrUnsafePath
	}
	return destination, nil
}

// prepareParent creates destination's parent and checks that no
// symlink extracted earlier redirects it outside root.
func (e *extractor) prepareParent(root, destination string) error {
	parent := filepath.Dir(destination)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return err
	}
	resolvedRoot, ok := e.roots[root]
	if !ok {
		var err error
		resolvedRoot, err = filepath.EvalSymlinks(root)
		if err != nil {
			return err
		}
		e.roots[root] = resolvedRoot
	}
	resolvedParent, err := filepath.EvalSymlinks(parent)
	if err != nil {
		return err
	}
	within, err := filepath.Rel(resolvedRoot, resolvedParent)
	if err != nil || within == ".." || strings.HasPrefix(within, ".."+string(filepath.Separator)) {
		return ErrUnsafePath
	}
	return nil
}

func writeFile(destination string, header *tar.Header, content io.Reader) error {
	if err := removeNonDirectory(destination); err != nil {
		return err
	}
	mode := fs.FileMode(header.Mode).Perm()
	file, err := os.OpenFile(destination, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(file, content); err != nil {
		file.Close()
		return err
	}
	if err := file.Close(); err != nil {
		return err
	}
	if err := os.Chmod(destination, mode); err != nil {
		return err
	}
	return os.Chtimes(destination, header.ModTime, header.ModTime)
}

// removeNonDirectory removes an existing symlink so a write cannot follow
// it. Existing regular files are truncated by the caller instead.
func removeNonDirectory(destination string) error {
	info, err := os.Lstat(destination)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	if info.Mode()&fs.ModeSymlink != 0 {
		return os.Remove(destination)
	}
	if info.IsDir() {
		return fmt.Errorf("%s exists and is a directory", destination)
	}
	return nil
}

// finishDirectories applies directory modes and times after their
// contents are written, deepest first.
func (e *extractor) finishDirectories() {
	sort.Slice(e.directories, func(i, j int) bool {
		return len(e.directories[i].path) > len(e.directories[j].path)
	})
	for _, directory := range e.directories {
		os.Chmod(directory.path, fs.FileMode(directory.header.Mode).Perm()|0o700)
		os.Chtimes(directory.path, directory.header.ModTime, directory.header.ModTime)
	}
}

// ReadManifest streams snapshot to its manifest.json.
func (s *Store) ReadManifest(snapshot Snapshot) (*Manifest, error) {
	stream, err := s.openArchive(snapshot)
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	reader := tar.NewReader(stream)
	for {
		header, err := reader.Next()
		if err == io.EOF {
			return nil, fmt.Errorf("snapshot %s has no %s", snapshot.ID, ManifestName)
		}
		if err != nil {
			return nil, fmt.Errorf("reading snapshot %s: %w", snapshot.ID, err)
		}
		if path.Clean(header.Name) != ManifestName {
			continue
		}
		var manifest Manifest
		if err := json.NewDecoder(reader).Decode(&manifest); err != nil {
			return nil, fmt.Errorf("decoding manifest of %s: %w", snapshot.ID, err)
		}
		return &manifest, nil
	}
}

// VerifyError lists files whose extracted content does not match the
// manifest.
type VerifyError struct {
	Mismatched []string
	Missing    []string
}

func (e *VerifyError) Error() string {
	var parts []string
	if len(e.Mismatched) > 0 {
		parts = append(parts, fmt.Sprintf("digest mismatch: %s", strings.Join(e.Mismatched, ", ")))
	}
	if len(e.Missing) > 0 {
		parts = append(parts, fmt.Sprintf("missing from extraction: %s", strings.Join(e.Missing, ", ")))
	}
	return "snapshot verification failed: " + strings.Join(parts, "; ")
}

// Verify recomputes the BLAKE3 digest of every extracted file listed in
// the manifest. Manifests without digests verify trivially. Files under
// a prefix that was not extracted are not checked.
func Verify(result *ExtractResult) error {
	if result == nil || result.Manifest == nil {
		return nil
	}
	verifyError := &VerifyError{}
	for _, digest := range result.Manifest.Files {
		prefix, _, _ := strings.Cut(digest.Path, "/")
		if result.targets.root(prefix) == "" {
			continue
		}
		extracted, ok := result.Files[digest.Path]
		if !ok {
			verifyError.Missing = append(verifyError.Missing, digest.Path)
			continue
		}
		actual, err := hashFile(extracted)
		if err != nil || actual != digest.BLAKE3 {
			verifyError.Mismatched = append(verifyError.Mismatched, digest.Path)
		}
	}
	if len(verifyError.Mismatched) > 0 || len(verifyError.Missing) > 0 {
		return verifyError
	}
	return nil
}

func hashFile(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()
	hasher := blake3.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return "", err
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}
