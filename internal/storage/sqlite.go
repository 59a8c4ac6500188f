package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"hostbot/internal/deploy"
	logx "hostbot/pkg/logx"
)

//go:embed migrations.sql
var migrations string

type sqliteStore struct {
	db  *sqlx.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for sqlite driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// one connection: the pragmas below are per-connection and sqlite has one writer anyway
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	for _, p := range []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(p); err != nil {
			log.Debug("sqlite pragma failed", logx.String("pragma", p), logx.Err(err))
		}
	}
	if _, err := db.Exec(migrations); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	return &sqliteStore{db: db, log: log}, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at_ms, actor_id, actor_username, chat_id, action, tenant, app, ok, code, err, took_ms)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?)`,
		e.At.UnixMilli(), e.ActorID, nullStr(e.ActorUsername), e.ChatID, e.Action,
		nullStr(e.Tenant), nullStr(e.App), e.OK, nullStr(e.Code), nullStr(e.Error), e.TookMS,
	)
	return err
}

type broadcastRow struct {
	ID       string `db:"id"`
	AtMS     int64  `db:"at_ms"`
	Excerpt  string `db:"excerpt"`
	Scope    string `db:"scope"`
	TokenApp string `db:"token_app"`
	Total    int    `db:"total"`
	Success  int    `db:"success"`
	Failed   int    `db:"failed"`
}

func (s *sqliteStore) AppendBroadcast(ctx context.Context, r BroadcastRecord) error {
	if r.At.IsZero() {
		r.At = time.Now()
	}
	_, err := s.db.NamedExecContext(ctx,
		`INSERT INTO broadcasts(id, at_ms, excerpt, scope, token_app, total, success, failed)
		 VALUES(:id, :at_ms, :excerpt, :scope, :token_app, :total, :success, :failed)`,
		broadcastRow{
			ID: r.ID, AtMS: r.At.UnixMilli(), Excerpt: r.Excerpt, Scope: r.Scope, TokenApp: r.TokenApp,
			Total: r.Total, Success: r.Success, Failed: r.Failed,
		})
	return err
}

func (s *sqliteStore) RecentBroadcasts(ctx context.Context, limit int) ([]BroadcastRecord, error) {
	if limit <= 0 {
		limit = 10
	}
	var rows []broadcastRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT id, at_ms, excerpt, scope, token_app, total, success, failed
		 FROM broadcasts ORDER BY at_ms DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	out := make([]BroadcastRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, BroadcastRecord{
			ID: r.ID, At: time.UnixMilli(r.AtMS), Excerpt: r.Excerpt, Scope: r.Scope, TokenApp: r.TokenApp,
			Total: r.Total, Success: r.Success, Failed: r.Failed,
		})
	}
	return out, nil
}

func (s *sqliteStore) PruneBroadcasts(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM broadcasts WHERE at_ms < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *sqliteStore) UpsertDeployment(ctx context.Context, d deploy.Deployment) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO deployments(tenant, app, created_ms) VALUES(?,?,?)
		 ON CONFLICT(tenant, app) DO UPDATE SET created_ms = excluded.created_ms`,
		d.Key.Tenant, d.Key.App, d.CreatedAt.UnixMilli())
	return err
}

func (s *sqliteStore) DeleteDeployment(ctx context.Context, k deploy.Key) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM deployments WHERE tenant = ? AND app = ?`, k.Tenant, k.App)
	return err
}

func (s *sqliteStore) GetDeployment(ctx context.Context, k deploy.Key) (deploy.Deployment, bool, error) {
	var ms int64
	err := s.db.GetContext(ctx, &ms, `SELECT created_ms FROM deployments WHERE tenant = ? AND app = ?`, k.Tenant, k.App)
	if errors.Is(err, sql.ErrNoRows) {
		return deploy.Deployment{}, false, nil
	}
	if err != nil {
		return deploy.Deployment{}, false, err
	}
	return deploy.Deployment{Key: k, CreatedAt: time.UnixMilli(ms)}, true, nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
