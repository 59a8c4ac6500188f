// Package router turns control-bot updates into control.Service calls.
//
// Every command is owner-only and acts on one tenant. A document message is
// an upload: the file is downloaded to a temp path and deployed under its
// file name. Handlers run on a small worker pool owned by a runtime
// supervisor, wrapped in panic-recovery, request-log and timeout middleware.
package router

import (
	"context"
	"io"
	"os"
	"runtime"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"hostbot/internal/broadcast"
	"hostbot/internal/control"
	"hostbot/internal/procsup"
	rtsup "hostbot/internal/runtime/supervisor"
	"hostbot/internal/storage"
	kit "hostbot/internal/transport"
	logx "hostbot/pkg/logx"
)

// Control is the part of control.Service the bot drives.
type Control interface {
	Deploy(ctx context.Context, tenant, filename string, r io.Reader) (control.DeployResult, error)
	List(ctx context.Context, tenant string) ([]control.AppView, error)
	Logs(ctx context.Context, tenant, app string, n int64) (string, error)
	Action(ctx context.Context, tenant, app, action string) error
	Broadcast(ctx context.Context, tenant string, req control.BroadcastRequest) (broadcast.Result, error)
	History(ctx context.Context, limit int) ([]storage.BroadcastRecord, error)
	Processes() []procsup.Status
}

type HandlerFunc func(ctx context.Context, req *Request) error

type Command struct {
	Name        string
	Aliases     []string
	Description string
	Usage       string
	Timeout     time.Duration
	Handle      HandlerFunc
}

type Request struct {
	Update       kit.Update
	Chat         kit.ChatTarget
	FromID       int64
	FromUsername string
	Command      string
	Args         []string
	Flags        map[string]string
	// Raw is the message text after the command word, unparsed.
	Raw    string
	ReqID  string
	Logger logx.Logger
}

type Options struct {
	Tenant         string
	Owners         []int64
	MaxUploadBytes int64
	// TmpDir receives uploads while they are deployed; empty means os.TempDir().
	TmpDir         string
	CommandTimeout time.Duration
	DeployTimeout  time.Duration
	Workers        int
}

type Router struct {
	ctl     Control
	adapter kit.Adapter
	log     logx.Logger
	opts    Options

	mu     sync.RWMutex
	owners []int64

	cmds  []Command
	index map[string]*Command

	jobs chan func()
}

func New(opts Options, ctl Control, adapter kit.Adapter, log logx.Logger) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = 30 * time.Second
	}
	if opts.DeployTimeout <= 0 {
		opts.DeployTimeout = 10 * time.Minute
	}
	if opts.Workers <= 0 {
		opts.Workers = max(2, runtime.NumCPU())
	}
	r := &Router{
		ctl:     ctl,
		adapter: adapter,
		log:     log,
		opts:    opts,
		owners:  append([]int64(nil), opts.Owners...),
		jobs:    make(chan func(), 64),
	}
	r.register(r.commands())
	return r
}

func (r *Router) register(cmds []Command) {
	r.cmds = cmds
	r.index = map[string]*Command{}
	for i := range r.cmds {
		c := &r.cmds[i]
		r.index[c.Name] = c
		for _, a := range c.Aliases {
			if _, taken := r.index[a]; !taken {
				r.index[a] = c
			}
		}
	}
}

// SetOwners swaps the owner list (hot reload).
func (r *Router) SetOwners(owners []int64) {
	cp := append([]int64(nil), owners...)
	r.mu.Lock()
	r.owners = cp
	r.mu.Unlock()
}

func (r *Router) Owners() []int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]int64(nil), r.owners...)
}

func (r *Router) isOwner(id int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, o := range r.owners {
		if o == id {
			return true
		}
	}
	return false
}

// NotifyOwners sends text (HTML) to every owner's private chat.
func (r *Router) NotifyOwners(ctx context.Context, text string) {
	for _, id := range r.Owners() {
		if _, err := r.adapter.SendText(ctx, kit.ChatTarget{ChatID: id}, text, &kit.SendOptions{ParseMode: "HTML", DisablePreview: true}); err != nil {
			r.log.Warn("owner notify failed", logx.Int64("owner", id), logx.Err(err))
		}
	}
}

// Run dispatches updates until ctx ends or updates is closed.
func (r *Router) Run(ctx context.Context, updates <-chan kit.Update) error {
	sup := rtsup.New(ctx, rtsup.WithLogger(r.log))

	for i := 0; i < r.opts.Workers; i++ {
		idx := i
		sup.GoRestart("router.worker:"+strconv.Itoa(idx), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job := <-r.jobs:
					func() {
						defer func() {
							if p := recover(); p != nil {
								r.log.Error("panic in command job", logx.Int("worker", idx), logx.Any("panic", p), logx.String("stack", string(debug.Stack())))
							}
						}()
						job()
					}()
				}
			}
		}, rtsup.WithBackoff(200*time.Millisecond, 5*time.Second))
	}
	if up, ok := r.adapter.(kit.CommandMenuUpdater); ok {
		sup.Go("router.menu", func(c context.Context) error {
			mctx, cancel := context.WithTimeout(c, 5*time.Second)
			defer cancel()
			if err := up.UpdateMenuCommands(mctx, r.Menu()); err != nil {
				r.log.Warn("menu update failed", logx.Err(err))
			}
			return nil
		})
	}
	r.log.Info("command dispatcher started", logx.Int("workers", r.opts.Workers))

	defer func() {
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = sup.Stop(wctx)
		r.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			job := r.route(ctx, up)
			if job == nil {
				continue
			}
			select {
			case r.jobs <- job:
			default:
				r.reply(ctx, chatOf(up.Message), "busy, try again")
			}
		}
	}
}

func chatOf(m *kit.Message) kit.ChatTarget {
	return kit.ChatTarget{ChatID: m.ChatID, ThreadID: m.ThreadID}
}

// route resolves an update to a ready-to-run job. Unauthorized senders and
// unknown commands are answered inline and yield nil.
func (r *Router) route(ctx context.Context, up kit.Update) func() {
	msg := up.Message
	if msg == nil {
		return nil
	}
	var (
		cmd  Command
		word string
		rest string
	)
	switch up.Kind {
	case kit.UpdateDocument:
		if msg.Document == nil {
			return nil
		}
		cmd = Command{Name: "deploy", Timeout: r.opts.DeployTimeout, Handle: r.handleUpload}
	case kit.UpdateMessage:
		text := strings.TrimSpace(msg.Text)
		if !strings.HasPrefix(text, "/") {
			return nil
		}
		word, rest, _ = nextToken(text)
		word = strings.TrimPrefix(word, "/")
		if i := strings.IndexByte(word, '@'); i >= 0 {
			word = word[:i]
		}
		c, ok := r.index[strings.ToLower(word)]
		if !ok {
			if !r.isOwner(msg.FromID) {
				return nil
			}
			r.reply(ctx, chatOf(msg), "unknown command, try /help")
			return nil
		}
		cmd = *c
	default:
		return nil
	}

	if !r.isOwner(msg.FromID) {
		r.log.Warn("unauthorized request", logx.Int64("from_id", msg.FromID), logx.String("cmd", cmd.Name))
		r.reply(ctx, chatOf(msg), "unauthorized")
		return nil
	}

	rid := uuid.NewString()[:8]
	args, flags := parseFlags(tokenize(rest))
	req := &Request{
		Update:       up,
		Chat:         chatOf(msg),
		FromID:       msg.FromID,
		FromUsername: msg.FromUsername,
		Command:      cmd.Name,
		Args:         args,
		Flags:        flags,
		Raw:          rest,
		ReqID:        rid,
		Logger: r.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", msg.ChatID),
			logx.Int64("from_id", msg.FromID),
			logx.String("cmd", cmd.Name),
		),
	}
	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = r.opts.CommandTimeout
	}
	final := Chain(
		cmd.Handle,
		recoverPanics(),
		logOutcome(750*time.Millisecond),
		withDeadline(timeout),
		attachActor(),
	)
	return func() {
		if err := final(ctx, req); err != nil {
			r.replyErr(ctx, req, err)
		}
	}
}

func (r *Router) reply(ctx context.Context, to kit.ChatTarget, text string) {
	if _, err := r.adapter.SendText(ctx, to, text, &kit.SendOptions{ParseMode: "HTML", DisablePreview: true}); err != nil {
		r.log.Warn("reply failed", logx.Int64("chat_id", to.ChatID), logx.Err(err))
	}
}

// uploadPath is where an upload is staged before Deploy reads it.
func (r *Router) uploadPath() (string, error) {
	f, err := os.CreateTemp(r.opts.TmpDir, "hostbot-upload-*")
	if err != nil {
		return "", err
	}
	name := f.Name()
	return name, f.Close()
}
