// Copyright 2026 The Rescueclaw Authors
// SPDX-License-Identifier: Apache-2.0

package control

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"time"

	"github.com/harman314/rescueclaw/lib/codec"
)

const (
	dialTimeout     = 5 * time.Second
	maxResponseSize = 1024 * 1024
)

// DefaultResponseTimeout covers a restore that stops, restores and
// restarts the gateway.
const DefaultResponseTimeout = 3 * time.Minute

// ErrNoDaemon means nothing is listening on the socket.
var ErrNoDaemon = errors.New("no daemon listening on control socket")

// ServerError is a failure reported by the daemon.
type ServerError struct {
	Action  string
	Message string
	Code    string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("daemon %s: %s", e.Action, e.Message)
}

// Client sends one request per connection.
type Client struct {
	socketPath string

	// ResponseTimeout bounds the wait for a reply after the request is
	// written.
	ResponseTimeout time.Duration
}

// NewClient returns a client for socketPath.
func NewClient(socketPath string) *Client {
	return &Client{socketPath: socketPath, ResponseTimeout: DefaultResponseTimeout}
}

// Call sends action with fields and decodes the reply's data into
// result, which may be nil. A daemon-side failure is a *ServerError; an
// absent daemon wraps ErrNoDaemon.
func (c *Client) Call(ctx context.Context, action string, fields map[string]any, result any) error {
	request := make(map[string]any, len(fields)+1)
	for key, value := range fields {
		request[key] = value
	}
	request["action"] = action

	response, err := c.send(ctx, request)
	if err != nil {
		return fmt.Errorf("calling %q on %s: %w", action, c.socketPath, err)
	}
	if !response.OK {
		return &ServerError{Action: action, Message: response.Error, Code: response.Code}
	}
	if result != nil && len(response.Data) > 0 {
		if err := codec.Unmarshal(response.Data, result); err != nil {
			return fmt.Errorf("decoding %q response: %w", action, err)
		}
	}
	return nil
}

func (c *Client) send(ctx context.Context, request map[string]any) (*Response, error) {
	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		if errors.Is(err, syscall.ENOENT) || errors.Is(err, syscall.ECONNREFUSED) {
			return nil, fmt.Errorf("%w: %v", ErrNoDaemon, err)
		}
		return nil, fmt.Errorf("connecting: %w", err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	if err := codec.NewEncoder(conn).Encode(request); err != nil {
		return nil, fmt.Errorf("writing request: %w", err)
	}
	if unixConn, ok := conn.(*net.UnixConn); ok {
		unixConn.CloseWrite()
	}

	timeout := c.ResponseTimeout
	if timeout <= 0 {
		timeout = DefaultResponseTimeout
	}
	readDeadline := time.Now().Add(timeout)
	if deadline, ok := ctx.Deadline(); ok && deadline.Before(readDeadline) {
		readDeadline = deadline
	}
	conn.SetReadDeadline(readDeadline)

	var response Response
	if err := codec.NewDecoder(io.LimitReader(conn, maxResponseSize)).Decode(&response); err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	return &response, nil
}
