// Copyright 2026 The Rescueclaw Authors
// SPDX-License-Identifier: Apache-2.0

package control

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/harman314/rescueclaw/lib/codec"
	"github.com/harman314/rescueclaw/lib/testutil"
)

var errBlocked = errors.New("blocked by validation")

func startServer(t *testing.T, register func(*Server)) (string, context.CancelFunc, <-chan error) {
	t.Helper()
	socketPath := filepath.Join(testutil.SocketDir(t), "control.sock")
	server := NewServer(socketPath, nil)
	server.ErrorCode = func(err error) string {
		if errors.Is(err, errBlocked) {
			return "validation_failed"
		}
		return ""
	}
	register(server)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	finished := make(chan struct{})
	go func() {
		done <- server.Serve(ctx)
		close(finished)
	}()
	testutil.Eventually(t, 5*time.Second, "socket created", func() bool {
		_, err := os.Stat(socketPath)
		return err == nil
	})
	t.Cleanup(func() {
		cancel()
		<-finished
	})
	return socketPath, cancel, done
}

func TestCallRoundTrip(t *testing.T) {
	socketPath, _, _ := startServer(t, func(server *Server) {
		server.Handle("greet", func(_ context.Context, raw []byte) (any, error) {
			var request struct {
				Name string `cbor:"name"`
			}
			if err := codec.Unmarshal(raw, &request); err != nil {
				return nil, err
			}
			return map[string]string{"greeting": "hello " + request.Name}, nil
		})
		server.Handle("ping", func(context.Context, []byte) (any, error) { return nil, nil })
	})

	client := NewClient(socketPath)
	var reply struct {
		Greeting string `cbor:"greeting"`
	}
	if err := client.Call(context.Background(), "greet", map[string]any{"name": "claw"}, &reply); err != nil {
		t.Fatalf("Call(greet): %v", err)
	}
	if reply.Greeting != "hello claw" {
		t.Errorf("greeting = %q, want %q", reply.Greeting, "hello claw")
	}
	if err := client.Call(context.Background(), "ping", nil, nil); err != nil {
		t.Errorf("Call(ping): %v", err)
	}
}

func TestCallErrors(t *testing.T) {
	socketPath, _, _ := startServer(t, func(server *Server) {
		server.Handle("restore", func(context.Context, []byte) (any, error) {
			return nil, errBlocked
		})
	})
	client := NewClient(socketPath)

	var serverError *ServerError
	err := client.Call(context.Background(), "restore", nil, nil)
	if !errors.As(err, &serverError) {
		t.Fatalf("Call error = %v, want *ServerError", err)
	}
	if serverError.Code != "validation_failed" || serverError.Message != errBlocked.Error() {
		t.Errorf("ServerError = %+v", serverError)
	}

	err = client.Call(context.Background(), "nonsense", nil, nil)
	if !errors.As(err, &serverError) || serverError.Code != "" {
		t.Errorf("unknown action error = %v, want *ServerError without code", err)
	}
}

func TestCallWithoutDaemon(t *testing.T) {
	client := NewClient(filepath.Join(testutil.SocketDir(t), "absent.sock"))
	err := client.Call(context.Background(), "status", nil, nil)
	if !errors.Is(err, ErrNoDaemon) {
		t.Errorf("Call without daemon = %v, want ErrNoDaemon", err)
	}
}

func TestShutdownWaitsForInFlight(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	socketPath, cancel, done := startServer(t, func(server *Server) {
		server.Handle("slow", func(ctx context.Context, _ []byte) (any, error) {
			close(entered)
			<-release
			// Shutdown must not cancel a running operation.
			return map[string]bool{"cancelled": ctx.Err() != nil}, nil
		})
	})

	result := make(chan error, 1)
	var reply struct {
		Cancelled bool `cbor:"cancelled"`
	}
	go func() {
		result <- NewClient(socketPath).Call(context.Background(), "slow", nil, &reply)
	}()
	testutil.RequireClosed(t, entered, 5*time.Second, "handler entered")

	cancel()
	select {
	case <-done:
		t.Fatal("Serve returned while a request was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	if err := testutil.RequireReceive(t, result, 5*time.Second, "slow call"); err != nil {
		t.Fatalf("Call(slow): %v", err)
	}
	if reply.Cancelled {
		t.Error("handler context was cancelled by shutdown")
	}
	if err := testutil.RequireReceive(t, done, 5*time.Second, "Serve returning"); err != nil {
		t.Errorf("Serve = %v", err)
	}
	if _, err := os.Stat(socketPath); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("socket file left behind: %v", err)
	}
}

func TestDuplicateHandlerPanics(t *testing.T) {
	server := NewServer("/unused", nil)
	server.Handle("status", func(context.Context, []byte) (any, error) { return nil, nil })
	defer func() {
		if recover() == nil {
			t.Error("second Handle(status) did not panic")
		}
	}()
	server.Handle("status", func(context.Context, []byte) (any, error) { return nil, nil })
}
