// Copyright 2026 The Rescueclaw Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// ErrLocatorUnavailable means a strategy could not answer at all, as
// opposed to answering "nothing is listening".
var ErrLocatorUnavailable = errors.New("process locator unavailable")

// Locator finds the process listening on a TCP port.
type Locator interface {
	// FindListener returns the listening pid. found is false with a nil
	// error when the strategy is certain nothing listens on port.
	FindListener(ctx context.Context, port int) (pid int, found bool, err error)
}

// NewLocator returns the default chain: procfs first, then lsof and ss.
func NewLocator(runner Runner) Locator {
	return ChainLocator{
		&ProcNetLocator{},
		&CommandLocator{Runner: runner},
	}
}

// ChainLocator tries each strategy in order. The first one that answers
// ends the search.
type ChainLocator []Locator

func (c ChainLocator) FindListener(ctx context.Context, port int) (int, bool, error) {
	var errs []error
	for _, locator := range c {
		pid, found, err := locator.FindListener(ctx, port)
		if err == nil {
			return pid, found, nil
		}
		if ctx.Err() != nil {
			return 0, false, ctx.Err()
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return 0, false, fmt.Errorf("%w: no strategies configured", ErrLocatorUnavailable)
	}
	return 0, false, fmt.Errorf("%w: %w", ErrLocatorUnavailable, errors.Join(errs...))
}

// tcpListen is the LISTEN state in /proc/net/tcp.
const tcpListen = 0x0A

// ProcNetLocator reads /proc/net/tcp{,6} and maps socket inodes to pids
// through /proc/<pid>/fd.
type ProcNetLocator struct {
	// Root is the procfs mount point. Empty means /proc.
	Root string
}

func (l *ProcNetLocator) root() string {
	if l.Root == "" {
		return "/proc"
	}
	return l.Root
}

func (l *ProcNetLocator) FindListener(ctx context.Context, port int) (int, bool, error) {
	inodes, readable := l.listeningInodes(port)
	if !readable {
		return 0, false, fmt.Errorf("%w: cannot read %s/net/tcp", ErrLocatorUnavailable, l.root())
	}
	if len(inodes) == 0 {
		return 0, false, nil
	}

	processes, err := os.ReadDir(l.root())
	if err != nil {
		return 0, false, fmt.Errorf("%w: %v", ErrLocatorUnavailable, err)
	}
	deniedAny := false
	for _, process := range processes {
		if err := ctx.Err(); err != nil {
			return 0, false, err
		}
		pid, err := strconv.Atoi(process.Name())
		if err != nil || pid < 1 {
			continue
		}
		fdDirectory := filepath.Join(l.root(), process.Name(), "fd")
		descriptors, err := os.ReadDir(fdDirectory)
		if err != nil {
			if errors.Is(err, fs.ErrPermission) {
				deniedAny = true
			}
			continue
		}
		for _, descriptor := range descriptors {
			target, err := os.Readlink(filepath.Join(fdDirectory, descriptor.Name()))
			if err != nil {
				continue
			}
			if inodes[target] {
				return pid, true, nil
			}
		}
	}
	// The socket exists but its owner is hidden from us.
	if deniedAny {
		return 0, false, fmt.Errorf("%w: listener on port %d belongs to a process we cannot inspect", ErrLocatorUnavailable, port)
	}
	return 0, false, fmt.Errorf("%w: listener on port %d has no owning process", ErrLocatorUnavailable, port)
}

// listeningInodes returns the "socket:[inode]" link targets of LISTEN
// sockets bound to port. readable is false when neither table could be
// read.
func (l *ProcNetLocator) listeningInodes(port int) (map[string]bool, bool) {
	inodes := make(map[string]bool)
	readable := false
	for _, table := range []string{"tcp", "tcp6"} {
		data, err := os.ReadFile(filepath.Join(l.root(), "net", table))
		if err != nil {
			continue
		}
		readable = true
		scanner := bufio.NewScanner(bytes.NewReader(data))
		scanner.Scan() // header
		for scanner.Scan() {
			fields := strings.Fields(scanner.Text())
			if len(fields) < 10 {
				continue
			}
			state, err := strconv.ParseUint(fields[3], 16, 8)
			if err != nil || state != tcpListen {
				continue
			}
			if localPort(fields[1]) != port {
				continue
			}
			if fields[9] == "0" {
				continue
			}
			inodes["socket:["+fields[9]+"]"] = true
		}
	}
	return inodes, readable
}

// localPort decodes the port of a hex "ADDRESS:PORT" field.
func localPort(address string) int {
	_, portHex, ok := strings.Cut(address, ":")
	if !ok {
		return 0
	}
	decoded, err := hex.DecodeString(portHex)
	if err != nil || len(decoded) != 2 {
		return 0
	}
	return int(decoded[0])<<8 | int(decoded[1])
}

// CommandLocator asks lsof, then ss.
type CommandLocator struct {
	Runner Runner
}

var ssPIDPattern = regexp.MustCompile(`pid=(\d+)`)

func (l *CommandLocator) FindListener(ctx context.Context, port int) (int, bool, error) {
	runner := l.Runner
	if runner == nil {
		runner = ExecRunner{}
	}
	var errs []error

	output, err := runner.Run(ctx, "lsof", "-nP", "-t", fmt.Sprintf("-iTCP:%d", port), "-sTCP:LISTEN")
	switch {
	case err == nil:
		if pid, ok := firstPID(string(output)); ok {
			return pid, true, nil
		}
		return 0, false, nil
	case errors.Is(err, exec.ErrNotFound):
		errs = append(errs, fmt.Errorf("lsof: %w", err))
	case len(bytes.TrimSpace(output)) == 0:
		// lsof exits 1 without output when nothing matches.
		return 0, false, nil
	default:
		errs = append(errs, fmt.Errorf("lsof: %w: %s", err, bytes.TrimSpace(output)))
	}

	output, err = runner.Run(ctx, "ss", "-Hltnp", fmt.Sprintf("sport = :%d", port))
	if err != nil {
		errs = append(errs, fmt.Errorf("ss: %w", err))
		return 0, false, fmt.Errorf("%w: %w", ErrLocatorUnavailable, errors.Join(errs...))
	}
	lines := strings.TrimSpace(string(output))
	if lines == "" {
		return 0, false, nil
	}
	if match := ssPIDPattern.FindStringSubmatch(lines); match != nil {
		pid, _ := strconv.Atoi(match[1])
		return pid, true, nil
	}
	// Without privileges ss shows the socket but not its owner.
	return 0, false, fmt.Errorf("%w: ss shows a listener on port %d without an owner", ErrLocatorUnavailable, port)
}

func firstPID(output string) (int, bool) {
	for _, line := range strings.Fields(output) {
		if pid, err := strconv.Atoi(line); err == nil && pid > 0 {
			return pid, true
		}
	}
	return 0, false
}
