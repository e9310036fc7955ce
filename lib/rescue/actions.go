// Copyright 2026 The Rescueclaw Authors
// SPDX-License-Identifier: Apache-2.0

package rescue

import (
	"context"
	"errors"
	"fmt"

	"github.com/harman314/rescueclaw/lib/codec"
	"github.com/harman314/rescueclaw/lib/control"
	"github.com/harman314/rescueclaw/lib/gateway"
	"github.com/harman314/rescueclaw/lib/restore"
	"github.com/harman314/rescueclaw/lib/snapshot"
	"github.com/harman314/rescueclaw/lib/validate"
)

// Control socket actions.
const (
	ActionStatus    = "status"
	ActionBackup    = "backup"
	ActionList      = "list"
	ActionRestore   = "restore"
	ActionIncidents = "incidents"
)

// Error codes carried in control responses.
const (
	CodeValidationFailed = "validation_failed"
	CodeNotFound         = "not_found"
	CodeProcessControl   = "process_control"
)

// ErrorCode classifies an error for the control response's code field.
func ErrorCode(err error) string {
	var processError *gateway.ProcessControlError
	switch {
	case errors.Is(err, validate.ErrValidationFailed):
		return CodeValidationFailed
	case errors.Is(err, snapshot.ErrNotFound):
		return CodeNotFound
	case errors.As(err, &processError):
		return CodeProcessControl
	}
	return ""
}

// RestoreReply is the restore action's data. Report is present even
// when the restore failed part way.
type RestoreReply struct {
	Report *restore.Report `cbor:"report,omitempty"`
}

type listRequest struct {
	Verify bool `cbor:"verify"`
}

type incidentsRequest struct {
	Limit int `cbor:"limit"`
}

// RegisterActions binds the service's operations to server.
func RegisterActions(server *control.Server, service *Service) {
	server.ErrorCode = ErrorCode

	server.Handle(ActionStatus, func(ctx context.Context, _ []byte) (any, error) {
		return service.Status(ctx)
	})

	server.Handle(ActionBackup, func(ctx context.Context, _ []byte) (any, error) {
		taken, err := service.TakeSnapshot(ctx)
		if err != nil {
			return nil, err
		}
		return taken, nil
	})

	server.Handle(ActionList, func(_ context.Context, raw []byte) (any, error) {
		var request listRequest
		if err := codec.Unmarshal(raw, &request); err != nil {
			return nil, fmt.Errorf("decoding list request: %w", err)
		}
		return service.ListSnapshots(request.Verify)
	})

	server.Handle(ActionRestore, func(ctx context.Context, raw []byte) (any, error) {
		var request restore.Request
		if err := codec.Unmarshal(raw, &request); err != nil {
			return nil, fmt.Errorf("decoding restore request: %w", err)
		}
		report, err := service.Restore(ctx, request)
		if err != nil {
			return nil, err
		}
		return RestoreReply{Report: report}, nil
	})

	server.Handle(ActionIncidents, func(_ context.Context, raw []byte) (any, error) {
		var request incidentsRequest
		if err := codec.Unmarshal(raw, &request); err != nil {
			return nil, fmt.Errorf("decoding incidents request: %w", err)
		}
		return service.RecentIncidents(request.Limit)
	})
}
