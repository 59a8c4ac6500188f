package storage

import (
	"context"
	"errors"
	"time"

	"hostbot/internal/deploy"
)

var ErrDisabled = errors.New("storage disabled")

type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means 5s
}

// Store is the persistence API used by the daemon.
type Store interface {
	AppendAudit(ctx context.Context, e AuditEntry) error

	AppendBroadcast(ctx context.Context, r BroadcastRecord) error
	RecentBroadcasts(ctx context.Context, limit int) ([]BroadcastRecord, error)
	// PruneBroadcasts deletes history recorded before cutoff.
	PruneBroadcasts(ctx context.Context, cutoff time.Time) (int64, error)

	UpsertDeployment(ctx context.Context, d deploy.Deployment) error
	DeleteDeployment(ctx context.Context, k deploy.Key) error
	GetDeployment(ctx context.Context, k deploy.Key) (deploy.Deployment, bool, error)

	Close() error
}

// AuditEntry records one operator action.
type AuditEntry struct {
	At            time.Time `json:"at"`
	ActorID       int64     `json:"actor_id,omitempty"`
	ActorUsername string    `json:"actor_username,omitempty"`
	ChatID        int64     `json:"chat_id,omitempty"`
	Action        string    `json:"action"`
	Tenant        string    `json:"tenant,omitempty"`
	App           string    `json:"app,omitempty"`
	OK            bool      `json:"ok"`
	Code          string    `json:"code,omitempty"`
	Error         string    `json:"error,omitempty"`
	TookMS        int64     `json:"took_ms"`
}

// BroadcastRecord is one finished broadcast. Only the excerpt of the message
// is kept.
type BroadcastRecord struct {
	ID       string    `json:"id"`
	At       time.Time `json:"at"`
	Excerpt  string    `json:"excerpt"`
	Scope    string    `json:"scope"`
	TokenApp string    `json:"token_app,omitempty"`
	Total    int       `json:"total"`
	Success  int       `json:"success"`
	Failed   int       `json:"failed"`
}
