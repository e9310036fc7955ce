// Copyright 2026 The Rescueclaw Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/harman314/rescueclaw/lib/clock"
)

// ErrUnreachable wraps every probe transport failure.
var ErrUnreachable = errors.New("gateway unreachable")

// ProcessControlError reports a failed stop or start.
type ProcessControlError struct {
	// Op is "terminate" or "start".
	Op  string
	PID int
	Err error
}

func (e *ProcessControlError) Error() string {
	if e.PID > 0 {
		return fmt.Sprintf("%s gateway (pid %d): %v", e.Op, e.PID, e.Err)
	}
	return fmt.Sprintf("%s gateway: %v", e.Op, e.Err)
}

func (e *ProcessControlError) Unwrap() error { return e.Err }

// Runner runs an external command and returns its combined output.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	command := exec.CommandContext(ctx, name, args...)
	command.WaitDelay = 2 * time.Second
	return command.CombinedOutput()
}

// Options configures a Controller. Zero durations take the defaults in
// parentheses.
type Options struct {
	// ConfigDir holds the gateway's config file; ConfigFile and
	// LegacyConfigFile are names inside it.
	ConfigDir        string
	ConfigFile       string
	LegacyConfigFile string

	// Port overrides the port read from the gateway config when non-zero.
	Port int

	Command       string
	LegacyCommand string
	SystemdUnit   string

	// ProbePath is requested on 127.0.0.1:<port> (/api/status).
	ProbePath    string
	ProbeTimeout time.Duration // (5s)

	GracePeriod       time.Duration // (5s)
	KillPollInterval  time.Duration // (250ms)
	StartTimeout      time.Duration // per launch attempt (30s)
	RestartPoll       time.Duration // (2s)
	RestartProbeLimit time.Duration // per probe while waiting (3s)

	Runner     Runner
	Locator    Locator
	HTTPClient *http.Client
	Clock      clock.Clock
	Logger     *slog.Logger
}

// Controller stops, starts and probes the gateway.
type Controller struct {
	options Options
	runner  Runner
	locator Locator
	client  *http.Client
	clock   clock.Clock
	logger  *slog.Logger

	// signal is unix.Kill outside tests.
	signal func(pid int, signal unix.Signal) error
}

// NewController fills defaults and returns a Controller.
func NewController(options Options) *Controller {
	defaultDuration(&options.ProbeTimeout, 5*time.Second)
	defaultDuration(&options.GracePeriod, 5*time.Second)
	defaultDuration(&options.KillPollInterval, 250*time.Millisecond)
	defaultDuration(&options.StartTimeout, 30*time.Second)
	defaultDuration(&options.RestartPoll, 2*time.Second)
	defaultDuration(&options.RestartProbeLimit, 3*time.Second)
	if options.ProbePath == "" {
		options.ProbePath = "/api/status"
	}

	controller := &Controller{
		options: options,
		runner:  options.Runner,
		locator: options.Locator,
		client:  options.HTTPClient,
		clock:   options.Clock,
		logger:  options.Logger,
		signal:  unix.Kill,
	}
	if controller.runner == nil {
		controller.runner = ExecRunner{}
	}
	if controller.locator == nil {
		controller.locator = NewLocator(controller.runner)
	}
	if controller.client == nil {
		controller.client = &http.Client{}
	}
	if controller.clock == nil {
		controller.clock = clock.Real()
	}
	if controller.logger == nil {
		controller.logger = slog.New(slog.DiscardHandler)
	}
	return controller
}

func defaultDuration(value *time.Duration, fallback time.Duration) {
	if *value <= 0 {
		*value = fallback
	}
}

// Port returns the configured override or gateway.port from the gateway
// config, falling back to DefaultPort.
func (c *Controller) Port() int {
	if c.options.Port != 0 {
		return c.options.Port
	}
	return ReadPort(c.options.ConfigDir, []string{c.options.ConfigFile, c.options.LegacyConfigFile}, DefaultPort)
}

// Locate returns the pid listening on port.
func (c *Controller) Locate(ctx context.Context, port int) (int, bool, error) {
	return c.locator.FindListener(ctx, port)
}

// Terminate sends SIGTERM, waits the grace period for the process to
// exit, then sends SIGKILL. A process that is already gone is success.
func (c *Controller) Terminate(ctx context.Context, pid int) error {
	if pid <= 1 || pid == os.Getpid() {
		return &ProcessControlError{Op: "terminate", PID: pid, Err: errors.New("refusing to signal this pid")}
	}

	c.logger.Info("stopping gateway", "pid", pid)
	if err := c.signal(pid, unix.SIGTERM); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return nil
		}
		return &ProcessControlError{Op: "terminate", PID: pid, Err: fmt.Errorf("sending SIGTERM: %w", err)}
	}

	deadline := c.clock.Now().Add(c.options.GracePeriod)
	for c.clock.Now().Before(deadline) {
		if !c.alive(pid) {
			return nil
		}
		select {
		case <-ctx.Done():
			return &ProcessControlError{Op: "terminate", PID: pid, Err: ctx.Err()}
		case <-c.clock.After(c.options.KillPollInterval):
		}
	}
	if !c.alive(pid) {
		return nil
	}

	c.logger.Warn("gateway ignored SIGTERM, sending SIGKILL",
		"pid", pid,
		"grace_period", c.options.GracePeriod,
	)
	if err := c.signal(pid, unix.SIGKILL); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return nil
		}
		return &ProcessControlError{Op: "terminate", PID: pid, Err: fmt.Errorf("sending SIGKILL: %w", err)}
	}
	return nil
}

// alive reports whether pid exists and is not a zombie.
func (c *Controller) alive(pid int) bool {
	if err := c.signal(pid, 0); errors.Is(err, unix.ESRCH) {
		return false
	}
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return true
	}
	// The state follows the parenthesised command name.
	if index := strings.LastIndexByte(string(data), ')'); index >= 0 && index+2 < len(data) {
		return data[index+2] != 'Z'
	}
	return true
}

type launchStrategy struct {
	name string
	args []string
}

// launchStrategies returns the ordered start attempts.
func (c *Controller) launchStrategies() []launchStrategy {
	gatewayArgs := []string{"gateway", "start"}
	for _, name := range []string{c.options.ConfigFile, c.options.LegacyConfigFile} {
		if name == "" {
			continue
		}
		path := filepath.Join(c.options.ConfigDir, name)
		if _, err := os.Stat(path); err == nil {
			gatewayArgs = append(gatewayArgs, "--config", path)
			break
		}
	}

	var strategies []launchStrategy
	if c.options.Command != "" {
		strategies = append(strategies, launchStrategy{c.options.Command, gatewayArgs})
	}
	if c.options.LegacyCommand != "" && c.options.LegacyCommand != c.options.Command {
		strategies = append(strategies, launchStrategy{c.options.LegacyCommand, gatewayArgs})
	}
	if c.options.SystemdUnit != "" {
		strategies = append(strategies,
			launchStrategy{"systemctl", []string{"--user", "restart", c.options.SystemdUnit}},
			launchStrategy{"systemctl", []string{"restart", c.options.SystemdUnit}},
		)
	}
	return strategies
}

// Start launches the gateway. The first strategy that succeeds wins;
// when all fail their errors are joined into a *ProcessControlError.
func (c *Controller) Start(ctx context.Context) error {
	strategies := c.launchStrategies()
	if len(strategies) == 0 {
		return &ProcessControlError{Op: "start", Err: errors.New("no launch command or systemd unit configured")}
	}

	var errs []error
	for _, strategy := range strategies {
		attemptContext, cancel := context.WithTimeout(ctx, c.options.StartTimeout)
		output, err := c.runner.Run(attemptContext, strategy.name, strategy.args...)
		cancel()

		commandLine := strategy.name + " " + strings.Join(strategy.args, " ")
		if err == nil {
			c.logger.Info("gateway start command succeeded", "command", commandLine)
			return nil
		}
		trimmed := strings.TrimSpace(string(output))
		c.logger.Debug("gateway start attempt failed",
			"command", commandLine,
			"error", err,
			"output", trimmed,
		)
		if trimmed != "" {
			err = fmt.Errorf("%w: %s", err, trimmed)
		}
		errs = append(errs, fmt.Errorf("%s: %w", commandLine, err))
		if ctx.Err() != nil {
			break
		}
	}
	return &ProcessControlError{Op: "start", Err: errors.Join(errs...)}
}

// Probe sends one liveness request. Any HTTP response, whatever its
// status, means the gateway is alive.
func (c *Controller) Probe(ctx context.Context, port int) error {
	return c.probe(ctx, port, c.options.ProbeTimeout)
}

func (c *Controller) probe(ctx context.Context, port int, timeout time.Duration) error {
	probeContext, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	url := fmt.Sprintf("http://127.0.0.1:%d%s", port, c.options.ProbePath)
	request, err := http.NewRequestWithContext(probeContext, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("building probe request: %w", err)
	}
	response, err := c.client.Do(request)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	io.Copy(io.Discard, io.LimitReader(response.Body, 64*1024))
	response.Body.Close()
	return nil
}

// WaitUntilResponsive polls the gateway until it answers or timeout
// elapses.
func (c *Controller) WaitUntilResponsive(ctx context.Context, port int, timeout time.Duration) bool {
	deadline := c.clock.Now().Add(timeout)
	for {
		remaining := deadline.Sub(c.clock.Now())
		if remaining <= 0 {
			return false
		}
		if c.probe(ctx, port, min(c.options.RestartProbeLimit, remaining)) == nil {
			return true
		}
		if c.clock.Now().Add(c.options.RestartPoll).After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-c.clock.After(c.options.RestartPoll):
		}
	}
}
