package control

import (
	"context"
	"errors"

	"hostbot/internal/broadcast"
	"hostbot/internal/deploy"
	"hostbot/internal/entrypoint"
	"hostbot/internal/procsup"
	"hostbot/internal/storage"
)

var ErrInvalidArgument = errors.New("invalid argument")

// Stable codes returned by Code.
const (
	CodeOK               = "ok"
	CodeNotFound         = "not_found"
	CodeAlreadyRunning   = "already_running"
	CodeNotRunning       = "not_running"
	CodeSpawnFailure     = "spawn_failure"
	CodeDiscoveryFailure = "discovery_failure"
	CodeInvalidArgument  = "invalid_argument"
	CodeUnavailable      = "unavailable"
	CodeTimeout          = "timeout"
	CodeInternal         = "internal"
)

// Code maps an error from this package (or anything it wraps) to a code.
func Code(err error) string {
	switch {
	case err == nil:
		return CodeOK
	case errors.Is(err, deploy.ErrNotFound), errors.Is(err, entrypoint.ErrNotFound):
		return CodeNotFound
	case errors.Is(err, procsup.ErrAlreadyRunning):
		return CodeAlreadyRunning
	case errors.Is(err, procsup.ErrNotRunning):
		return CodeNotRunning
	case errors.Is(err, procsup.ErrSpawn):
		return CodeSpawnFailure
	case errors.Is(err, broadcast.ErrDiscovery):
		return CodeDiscoveryFailure
	case errors.Is(err, ErrInvalidArgument), errors.Is(err, deploy.ErrInvalidName),
		errors.Is(err, deploy.ErrBadArtifact), errors.Is(err, broadcast.ErrEmptyText):
		return CodeInvalidArgument
	case errors.Is(err, storage.ErrDisabled):
		return CodeUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout
	default:
		return CodeInternal
	}
}
