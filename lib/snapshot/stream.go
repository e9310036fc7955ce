// Copyright 2026 The Rescueclaw Authors
// SPDX-License-Identifier: Apache-2.0

package snapshot

import (
	"fmt"
	"io"
	"os"
	"strings"

	"filippo.io/age"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression names the archive stream compression.
type Compression string

const (
	Gzip Compression = "gzip"
	Zstd Compression = "zstd"
	LZ4  Compression = "lz4"
)

const encryptedSuffix = ".age"

func (c Compression) extension() (string, error) {
	switch c {
	case Gzip:
		return "tar.gz", nil
	case Zstd:
		return "tar.zst", nil
	case LZ4:
		return "tar.lz4", nil
	default:
		return "", fmt.Errorf("unsupported compression %q", string(c))
	}
}

func compressionForExtension(extension string) (Compression, error) {
	switch extension {
	case "tar.gz":
		return Gzip, nil
	case "tar.zst":
		return Zstd, nil
	case "tar.lz4":
		return LZ4, nil
	default:
		return "", fmt.Errorf("unrecognised archive extension %q", extension)
	}
}

// archiveFilename returns backup-<id>.<ext>[.age].
func archiveFilename(id string, compression Compression, encrypted bool) (string, error) {
	extension, err := compression.extension()
	if err != nil {
		return "", err
	}
	name := "backup-" + id + "." + extension
	if encrypted {
		name += encryptedSuffix
	}
	return name, nil
}

func parseRecipients(keys []string) ([]age.Recipient, error) {
	recipients := make([]age.Recipient, 0, len(keys))
	for _, key := range keys {
		recipient, err := age.ParseX25519Recipient(strings.TrimSpace(key))
		if err != nil {
			return nil, fmt.Errorf("parsing age recipient %q: %w", key, err)
		}
		recipients = append(recipients, recipient)
	}
	return recipients, nil
}

func loadIdentities(path string) ([]age.Identity, error) {
	if path == "" {
		return nil, ErrNoIdentity
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening identity file: %w", err)
	}
	defer file.Close()
	identities, err := age.ParseIdentities(file)
	if err != nil {
		return nil, fmt.Errorf("parsing identity file %s: %w", path, err)
	}
	return identities, nil
}

// writeStack is the chain of writers between the tar writer and the
// archive file. Close flushes from the innermost layer outwards.
type writeStack struct {
	io.Writer
	closers []io.Closer
}

func (w *writeStack) Close() error {
	for index := len(w.closers) - 1; index >= 0; index-- {
		if err := w.closers[index].Close(); err != nil {
			return err
		}
	}
	return nil
}

// newArchiveWriter layers optional age encryption and the compressor
// over destination. Closing the result does not close destination.
func newArchiveWriter(destination io.Writer, compression Compression, recipients []age.Recipient) (*writeStack, error) {
	stack := &writeStack{Writer: destination}

	if len(recipients) > 0 {
		encrypted, err := age.Encrypt(destination, recipients...)
		if err != nil {
			return nil, fmt.Errorf("starting age encryption: %w", err)
		}
		stack.Writer = encrypted
		stack.closers = append(stack.closers, encrypted)
	}

	var compressor io.WriteCloser
	switch compression {
	case Gzip:
		compressor = gzip.NewWriter(stack.Writer)
	case Zstd:
		encoder, err := zstd.NewWriter(stack.Writer, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, fmt.Errorf("starting zstd encoder: %w", err)
		}
		compressor = encoder
	case LZ4:
		compressor = lz4.NewWriter(stack.Writer)
	default:
		return nil, fmt.Errorf("unsupported compression %q", string(compression))
	}
	stack.Writer = compressor
	stack.closers = append(stack.closers, compressor)
	return stack, nil
}

// readStack mirrors writeStack for reading.
type readStack struct {
	io.Reader
	closers []func()
}

func (r *readStack) Close() error {
	for index := len(r.closers) - 1; index >= 0; index-- {
		r.closers[index]()
	}
	return nil
}

// openArchive opens a snapshot for reading the decompressed tar stream.
func (s *Store) openArchive(snapshot Snapshot) (*readStack, error) {
	file, err := os.Open(snapshot.Path)
	if err != nil {
		return nil, fmt.Errorf("opening snapshot %s: %w", snapshot.ID, err)
	}
	stack := &readStack{Reader: file, closers: []func(){func() { file.Close() }}}

	if snapshot.Encrypted {
		identities, err := loadIdentities(s.options.IdentityFile)
		if err != nil {
			stack.Close()
			return nil, err
		}
		decrypted, err := age.Decrypt(file, identities...)
		if err != nil {
			stack.Close()
			return nil, fmt.Errorf("decrypting snapshot %s: %w", snapshot.ID, err)
		}
		stack.Reader = decrypted
	}

	switch snapshot.Compression {
	case Gzip:
		decompressor, err := gzip.NewReader(stack.Reader)
		if err != nil {
			stack.Close()
			return nil, fmt.Errorf("opening gzip stream of %s: %w", snapshot.ID, err)
		}
		stack.Reader = decompressor
		stack.closers = append(stack.closers, func() { decompressor.Close() })
	case Zstd:
		decoder, err := zstd.NewReader(stack.Reader)
		if err != nil {
			stack.Close()
			return nil, fmt.Errorf("opening zstd stream of %s: %w", snapshot.ID, err)
		}
		stack.Reader = decoder
		stack.closers = append(stack.closers, decoder.Close)
	case LZ4:
		stack.Reader = lz4.NewReader(stack.Reader)
	default:
		stack.Close()
		return nil, fmt.Errorf("unsupported compression %q", string(snapshot.Compression))
	}
	return stack, nil
}
