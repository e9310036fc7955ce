// Copyright 2026 The Rescueclaw Authors
// SPDX-License-Identifier: Apache-2.0

package control

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/harman314/rescueclaw/lib/codec"
)

// ActionFunc handles one action. raw is the complete request, action
// field included. A nil result yields {ok: true} with no data.
type ActionFunc func(ctx context.Context, raw []byte) (any, error)

// Response is the envelope of every reply.
type Response struct {
	OK    bool             `cbor:"ok"`
	Error string           `cbor:"error,omitempty"`
	Code  string           `cbor:"code,omitempty"`
	Data  codec.RawMessage `cbor:"data,omitempty"`
}

const (
	readTimeout    = 30 * time.Second
	writeTimeout   = 10 * time.Second
	maxRequestSize = 1024 * 1024
)

// Server serves registered actions on a Unix socket.
type Server struct {
	socketPath string
	handlers   map[string]ActionFunc
	logger     *slog.Logger

	// ErrorCode classifies handler errors into the response's code
	// field. Nil leaves the field empty.
	ErrorCode func(error) string

	active sync.WaitGroup
}

// NewServer returns a server for socketPath. Register actions with
// Handle before Serve.
func NewServer(socketPath string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Server{
		socketPath: socketPath,
		handlers:   make(map[string]ActionFunc),
		logger:     logger,
	}
}

// Handle registers handler for action. Registering an action twice
// panics.
func (s *Server) Handle(action string, handler ActionFunc) {
	if _, exists := s.handlers[action]; exists {
		panic(fmt.Sprintf("control: duplicate handler for action %q", action))
	}
	s.handlers[action] = handler
}

// Serve accepts connections until ctx is cancelled, then waits for
// in-flight requests. Handlers run with a context that is not cancelled
// by shutdown, so an operation that has started finishes.
//
// A stale socket file is replaced; the socket is removed on return.
func (s *Server) Serve(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0o755); err != nil {
		return fmt.Errorf("creating socket directory: %w", err)
	}
	if err := os.Remove(s.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing stale socket %s: %w", s.socketPath, err)
	}
	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.socketPath, err)
	}
	defer func() {
		listener.Close()
		os.Remove(s.socketPath)
	}()
	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		return fmt.Errorf("restricting socket permissions: %w", err)
	}

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	s.logger.Info("control socket listening", "path", s.socketPath)
	handlerContext := context.WithoutCancel(ctx)
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			s.logger.Error("accepting control connection", "error", err)
			continue
		}
		s.active.Add(1)
		go func() {
			defer s.active.Done()
			s.handleConnection(handlerContext, conn)
		}()
	}
	s.active.Wait()
	return nil
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(readTimeout))

	var raw codec.RawMessage
	if err := codec.NewDecoder(io.LimitReader(conn, maxRequestSize)).Decode(&raw); err != nil {
		if errors.Is(err, io.EOF) {
			return
		}
		s.writeResponse(conn, Response{Error: fmt.Sprintf("invalid request: %v", err)})
		return
	}

	var header struct {
		Action string `cbor:"action"`
	}
	if err := codec.Unmarshal(raw, &header); err != nil {
		s.writeResponse(conn, Response{Error: fmt.Sprintf("invalid request: %v", err)})
		return
	}
	if header.Action == "" {
		s.writeResponse(conn, Response{Error: "missing required field: action"})
		return
	}
	handler, exists := s.handlers[header.Action]
	if !exists {
		s.writeResponse(conn, Response{Error: fmt.Sprintf("unknown action %q", header.Action)})
		return
	}

	started := time.Now()
	result, err := handler(ctx, raw)
	s.logger.Debug("control request handled",
		"action", header.Action,
		"duration", time.Since(started),
		"error", err,
	)
	if err != nil {
		response := Response{Error: err.Error()}
		if s.ErrorCode != nil {
			response.Code = s.ErrorCode(err)
		}
		s.writeResponse(conn, response)
		return
	}

	response := Response{OK: true}
	if result != nil {
		data, err := codec.Marshal(result)
		if err != nil {
			s.writeResponse(conn, Response{Error: fmt.Sprintf("encoding response: %v", err)})
			return
		}
		response.Data = data
	}
	s.writeResponse(conn, response)
}

func (s *Server) writeResponse(conn net.Conn, response Response) {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := codec.NewEncoder(conn).Encode(response); err != nil {
		s.logger.Debug("writing control response", "error", err)
	}
}
