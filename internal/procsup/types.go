package procsup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"hostbot/internal/deploy"
)

var (
	ErrAlreadyRunning = errors.New("already running")
	ErrNotRunning     = errors.New("not running")
	// ErrSpawn matches every SpawnError through errors.Is.
	ErrSpawn = errors.New("spawn failed")
)

// SpawnError reports a child process that could not be launched.
type SpawnError struct {
	Key deploy.Key
	Err error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s: %v", e.Key, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

func (e *SpawnError) Is(target error) bool { return target == ErrSpawn }

type State int

const (
	Stopped State = iota
	Starting
	Running
	Stopping
	// Crashed is reported once for a process that exited without being asked to.
	Crashed
)

func (s State) String() string {
	switch s {
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Crashed:
		return "crashed"
	default:
		return "stopped"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Status is a point-in-time view of one deployment's process.
type Status struct {
	Key       deploy.Key `json:"key"`
	State     State      `json:"state"`
	PID       int        `json:"pid,omitempty"`
	StartedAt time.Time  `json:"started_at,omitempty"`
	ExitedAt  time.Time  `json:"exited_at,omitempty"`
	ExitCode  int        `json:"exit_code,omitempty"`
}

func (s Status) Running() bool { return s.State == Running || s.State == Stopping }

// Registry is the process control surface handed to the rest of the daemon.
type Registry interface {
	Start(ctx context.Context, k deploy.Key) error
	Stop(ctx context.Context, k deploy.Key) error
	Restart(ctx context.Context, k deploy.Key) error
	Delete(ctx context.Context, k deploy.Key) error
	Status(k deploy.Key) Status
	Snapshot() []Status
}

// Trees locates and removes deployment trees. *deploy.Store implements it.
type Trees interface {
	Root(k deploy.Key) string
	LogPath(k deploy.Key) string
	Remove(ctx context.Context, k deploy.Key) error
}

// Resolver picks the script a deployment runs. entrypoint.Resolver implements it.
type Resolver interface {
	Resolve(root string) (script, workDir string, err error)
}

// Runner owns background goroutines. The runtime supervisor implements it.
type Runner interface {
	Go(name string, fn func(ctx context.Context) error)
}

type goRunner struct{}

func (goRunner) Go(_ string, fn func(ctx context.Context) error) {
	go func() { _ = fn(context.Background()) }()
}

// Event types published on the bus.
const (
	EventStarted = "proc.started"
	EventExited  = "proc.exited"
	EventCrashed = "proc.crashed"
)

// ExitEvent is the payload of EventExited and EventCrashed.
type ExitEvent struct {
	Key      deploy.Key
	PID      int
	ExitCode int
	Err      string
	Uptime   time.Duration
}
