package control

import (
	"errors"
	"fmt"
	"testing"

	"hostbot/internal/broadcast"
	"hostbot/internal/deploy"
	"hostbot/internal/entrypoint"
	"hostbot/internal/procsup"
	"hostbot/internal/storage"
)

func TestCode(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{nil, CodeOK},
		{fmt.Errorf("x: %w", deploy.ErrNotFound), CodeNotFound},
		{fmt.Errorf("admin/bot: %w", entrypoint.ErrNotFound), CodeNotFound},
		{fmt.Errorf("admin/bot: %w", procsup.ErrAlreadyRunning), CodeAlreadyRunning},
		{procsup.ErrNotRunning, CodeNotRunning},
		{&procsup.SpawnError{Err: errors.New("exec: not found")}, CodeSpawnFailure},
		{broadcast.ErrNoRecipients, CodeDiscoveryFailure},
		{broadcast.ErrNoCredential, CodeDiscoveryFailure},
		{deploy.ErrBadArtifact, CodeInvalidArgument},
		{ErrInvalidArgument, CodeInvalidArgument},
		{storage.ErrDisabled, CodeUnavailable},
		{errors.New("disk on fire"), CodeInternal},
	}
	for _, tc := range cases {
		if got := Code(tc.err); got != tc.want {
			t.Errorf("Code(%v) = %q, want %q", tc.err, got, tc.want)
		}
	}
}
