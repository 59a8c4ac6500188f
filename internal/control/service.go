// Package control is the operator-facing surface of the daemon: deploy,
// list, start/stop/restart/delete, broadcast and history. Transports (the
// Telegram control bot, the CLI) call it and render Code(err) for failures.
package control

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"hostbot/internal/broadcast"
	"hostbot/internal/deploy"
	"hostbot/internal/eventbus"
	"hostbot/internal/logsink"
	"hostbot/internal/procsup"
	"hostbot/internal/storage"
	logx "hostbot/pkg/logx"
)

// Processes is the supervisor as control uses it.
type Processes interface {
	procsup.Registry
	Exclusive(ctx context.Context, k deploy.Key, restart bool, fn func() error) (bool, error)
}

// TokenScanner reports whether a deployment carries a bot token.
type TokenScanner interface {
	Token(root string) (string, bool)
}

// Event types published on the bus.
const (
	EventDeployed = "deploy.updated"
	EventDeleted  = "deploy.deleted"
)

// EmptyLog is shown for a deployment that has not written anything yet.
const EmptyLog = "System Ready."

type Options struct {
	// TailBytes is how much log List and Logs return.
	TailBytes int64
}

type Service struct {
	deploys *deploy.Store
	procs   Processes
	tokens  TokenScanner
	engine  *broadcast.Engine
	store   storage.Store // nil when storage is disabled
	bus     eventbus.Bus
	log     logx.Logger
	opts    Options
}

func New(opts Options, deploys *deploy.Store, procs Processes, tokens TokenScanner, engine *broadcast.Engine, store storage.Store, bus eventbus.Bus, log logx.Logger) *Service {
	if opts.TailBytes <= 0 {
		opts.TailBytes = logsink.DefaultTailBytes
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		deploys: deploys,
		procs:   procs,
		tokens:  tokens,
		engine:  engine,
		store:   store,
		bus:     bus,
		log:     log,
		opts:    opts,
	}
}

// Actor identifies who asked for an operation, for the audit trail.
type Actor struct {
	ID       int64
	Username string
	ChatID   int64
}

type actorKey struct{}

func WithActor(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, a)
}

func actorFrom(ctx context.Context) Actor {
	a, _ := ctx.Value(actorKey{}).(Actor)
	return a
}

type DeployResult struct {
	Deployment deploy.Deployment
	// Restarted is set when a running process was stopped for the upload
	// and started again on the new code.
	Restarted bool
}

// Deploy replaces (or creates) the deployment named after filename. A running
// process is stopped before its tree is replaced and started again after.
func (s *Service) Deploy(ctx context.Context, tenant, filename string, r io.Reader) (res DeployResult, err error) {
	defer s.audit(ctx, time.Now(), "deploy", deploy.Key{Tenant: tenant, App: filename}, &err)
	k, err := s.deploys.KeyFor(tenant, filename)
	if err != nil {
		return DeployResult{}, err
	}
	res.Restarted, err = s.procs.Exclusive(ctx, k, true, func() error {
		d, err := s.deploys.Deploy(ctx, tenant, filename, r)
		res.Deployment = d
		return err
	})
	if err != nil {
		return res, err
	}
	s.publish(EventDeployed, res.Deployment)
	return res, nil
}

// AppView is one row of List.
type AppView struct {
	Name      string        `json:"name"`
	Running   bool          `json:"running"`
	State     string        `json:"state"`
	PID       int           `json:"pid,omitempty"`
	LogTail   string        `json:"log_tail"`
	HasToken  bool          `json:"has_token"`
	CreatedAt time.Time     `json:"created_at"`
	Uptime    time.Duration `json:"uptime,omitempty"`
}

func (s *Service) List(ctx context.Context, tenant string) ([]AppView, error) {
	deps, err := s.deploys.List(ctx, tenant)
	if err != nil {
		return nil, err
	}
	out := make([]AppView, 0, len(deps))
	for _, d := range deps {
		st := s.procs.Status(d.Key)
		v := AppView{
			Name:      d.Key.App,
			Running:   st.Running(),
			State:     st.State.String(),
			PID:       st.PID,
			CreatedAt: d.CreatedAt,
		}
		if v.Running {
			v.Uptime = time.Since(st.StartedAt).Truncate(time.Second)
		}
		v.LogTail = s.tail(d.Key, s.opts.TailBytes)
		_, v.HasToken = s.tokens.Token(d.Root)
		out = append(out, v)
	}
	return out, nil
}

func (s *Service) tail(k deploy.Key, n int64) string {
	t, err := logsink.Tail(s.deploys.LogPath(k), n)
	if err != nil {
		s.log.Debug("log tail failed", logx.String("key", k.String()), logx.Err(err))
	}
	if strings.TrimSpace(t) == "" {
		return EmptyLog
	}
	return t
}

// Logs returns the last n bytes of a deployment's log (TailBytes when n <= 0).
func (s *Service) Logs(ctx context.Context, tenant, app string, n int64) (string, error) {
	k := deploy.Key{Tenant: tenant, App: app}
	if !s.deploys.Exists(k) {
		return "", fmt.Errorf("%w: %s", deploy.ErrNotFound, k)
	}
	if n <= 0 {
		n = s.opts.TailBytes
	}
	return s.tail(k, n), nil
}

// Actions accepted by Action.
const (
	ActionStart   = "start"
	ActionStop    = "stop"
	ActionRestart = "restart"
	ActionDelete  = "delete"
)

func (s *Service) Action(ctx context.Context, tenant, app, action string) (err error) {
	k := deploy.Key{Tenant: tenant, App: app}
	defer s.audit(ctx, time.Now(), action, k, &err)

	switch action {
	case ActionStart, ActionStop, ActionRestart:
		if !s.deploys.Exists(k) {
			return fmt.Errorf("%w: %s", deploy.ErrNotFound, k)
		}
	case ActionDelete:
	default:
		return fmt.Errorf("%w: unknown action %q", ErrInvalidArgument, action)
	}

	switch action {
	case ActionStart:
		return s.procs.Start(ctx, k)
	case ActionStop:
		return s.procs.Stop(ctx, k)
	case ActionRestart:
		return s.procs.Restart(ctx, k)
	default:
		if err := s.procs.Delete(ctx, k); err != nil {
			return err
		}
		s.publish(EventDeleted, k)
		return nil
	}
}

type BroadcastRequest struct {
	Text        string
	ImageURL    string
	ButtonLabel string
	ButtonURL   string
	// Apps limits the scope; empty means every deployment of the tenant.
	Apps []string
}

// Broadcast scans the scope and fans the message out. Scope order is app
// name order for "all" and the given order otherwise.
func (s *Service) Broadcast(ctx context.Context, tenant string, req BroadcastRequest) (res broadcast.Result, err error) {
	defer s.audit(ctx, time.Now(), "broadcast", deploy.Key{Tenant: tenant}, &err)
	if strings.TrimSpace(req.Text) == "" {
		return res, fmt.Errorf("%w: text is required", ErrInvalidArgument)
	}
	if (req.ButtonLabel == "") != (req.ButtonURL == "") {
		return res, fmt.Errorf("%w: button needs both label and url", ErrInvalidArgument)
	}

	var targets []broadcast.Target
	scope := "all"
	if len(req.Apps) == 0 {
		deps, err := s.deploys.List(ctx, tenant)
		if err != nil {
			return res, err
		}
		for _, d := range deps {
			targets = append(targets, broadcast.Target{Key: d.Key, Root: d.Root})
		}
	} else {
		for _, app := range req.Apps {
			d, err := s.deploys.Get(ctx, deploy.Key{Tenant: tenant, App: app})
			if err != nil {
				return res, err
			}
			targets = append(targets, broadcast.Target{Key: d.Key, Root: d.Root})
		}
		scope = strings.Join(req.Apps, ",")
	}

	return s.engine.Run(ctx, broadcast.Job{
		Message: broadcast.Message{
			Text:        req.Text,
			ImageURL:    req.ImageURL,
			ButtonLabel: req.ButtonLabel,
			ButtonURL:   req.ButtonURL,
		},
		Scope: scope,
	}, targets)
}

// History returns the most recent broadcasts, newest first.
func (s *Service) History(ctx context.Context, limit int) ([]storage.BroadcastRecord, error) {
	if s.store == nil {
		return nil, storage.ErrDisabled
	}
	return s.store.RecentBroadcasts(ctx, limit)
}

// Processes lists every process the supervisor currently tracks.
func (s *Service) Processes() []procsup.Status {
	return s.procs.Snapshot()
}

func (s *Service) audit(ctx context.Context, started time.Time, action string, k deploy.Key, errp *error) {
	err := *errp
	fields := []logx.Field{
		logx.String("action", action), logx.String("key", k.String()),
		logx.String("code", Code(err)), logx.Duration("took", time.Since(started)),
	}
	if err != nil {
		s.log.Warn("action failed", append(fields, logx.Err(err))...)
	} else {
		s.log.Info("action ok", fields...)
	}
	if s.store == nil {
		return
	}
	a := actorFrom(ctx)
	e := storage.AuditEntry{
		At:            started,
		ActorID:       a.ID,
		ActorUsername: a.Username,
		ChatID:        a.ChatID,
		Action:        action,
		Tenant:        k.Tenant,
		App:           k.App,
		OK:            err == nil,
		Code:          Code(err),
		TookMS:        time.Since(started).Milliseconds(),
	}
	if err != nil {
		e.Error = err.Error()
	}
	// the audit row must land even when the caller's context is gone
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if aerr := s.store.AppendAudit(actx, e); aerr != nil {
		s.log.Debug("audit write failed", logx.Err(aerr))
	}
}

func (s *Service) publish(typ string, data any) {
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: typ, Data: data})
	}
}
