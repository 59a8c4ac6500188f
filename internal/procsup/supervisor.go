// Package procsup runs deployments as supervised child processes.
//
// The registry maps a deployment key to at most one live process. Mutations
// (Start, Stop, Restart, Delete, Exclusive) for one key are serialized by a
// per-key slot; Status only takes the registry lock and never waits on a slot,
// so it stays non-blocking while a slow Stop is in flight.
//
// The registry lives in memory only. When the daemon restarts, children it
// spawned earlier keep running unsupervised; nothing reconciles them with the
// OS process table. StopAll at shutdown is the only defence.
package procsup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"hostbot/internal/deploy"
	"hostbot/internal/eventbus"
	"hostbot/internal/logsink"
	logx "hostbot/pkg/logx"
)

const (
	DefaultStopTimeout = 2500 * time.Millisecond
	DefaultKillTimeout = 2 * time.Second
)

type Options struct {
	// Interpreter runs the entry point with "-u" (unbuffered output).
	Interpreter string
	StopTimeout time.Duration
	KillTimeout time.Duration

	// Listener is an on-disk script launched in front of the entry point:
	// argv becomes [interpreter -u listener entry]. The listener is expected
	// to run the entry point itself.
	Listener string

	// Env is appended to the daemon's environment for every child.
	Env map[string]string
}

type Supervisor struct {
	opts     Options
	trees    Trees
	resolver Resolver
	bus      eventbus.Bus
	runner   Runner
	log      logx.Logger

	mu       sync.Mutex
	procs    map[deploy.Key]*handle
	starting map[deploy.Key]struct{}

	slotsMu sync.Mutex
	// one slot per key ever touched; bounded by the number of deployments
	slots map[deploy.Key]chan struct{}
}

type Option func(*Supervisor)

func WithBus(b eventbus.Bus) Option { return func(s *Supervisor) { s.bus = b } }

func WithRunner(r Runner) Option { return func(s *Supervisor) { s.runner = r } }

func WithLogger(log logx.Logger) Option { return func(s *Supervisor) { s.log = log } }

func New(opts Options, trees Trees, resolver Resolver, o ...Option) *Supervisor {
	if opts.Interpreter == "" {
		opts.Interpreter = "python3"
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = DefaultStopTimeout
	}
	if opts.KillTimeout <= 0 {
		opts.KillTimeout = DefaultKillTimeout
	}
	s := &Supervisor{
		opts:     opts,
		trees:    trees,
		resolver: resolver,
		runner:   goRunner{},
		log:      logx.Nop(),
		procs:    map[deploy.Key]*handle{},
		starting: map[deploy.Key]struct{}{},
		slots:    map[deploy.Key]chan struct{}{},
	}
	for _, fn := range o {
		fn(s)
	}
	if s.runner == nil {
		s.runner = goRunner{}
	}
	return s
}

var _ Registry = (*Supervisor)(nil)

type handle struct {
	key       deploy.Key
	cmd       *exec.Cmd
	pid       int
	startedAt time.Time
	sink      *logsink.Sink

	stopping atomic.Bool
	done     chan struct{}

	// set by the exit watcher before done is closed
	exitedAt time.Time
	exitCode int
	exitErr  error
}

// alive re-checks the process instead of trusting the registry entry.
func (h *handle) alive() bool {
	select {
	case <-h.done:
		return false
	default:
	}
	return osAlive(h.pid)
}

func (h *handle) waitDone(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-h.done:
		return true
	case <-t.C:
		return false
	}
}

func (s *Supervisor) slot(k deploy.Key) chan struct{} {
	s.slotsMu.Lock()
	defer s.slotsMu.Unlock()
	ch, ok := s.slots[k]
	if !ok {
		ch = make(chan struct{}, 1)
		s.slots[k] = ch
	}
	return ch
}

func (s *Supervisor) lock(ctx context.Context, k deploy.Key) (func(), error) {
	ch := s.slot(k)
	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Supervisor) Start(ctx context.Context, k deploy.Key) error {
	unlock, err := s.lock(ctx, k)
	if err != nil {
		return err
	}
	defer unlock()
	return s.startLocked(k)
}

func (s *Supervisor) startLocked(k deploy.Key) error {
	s.mu.Lock()
	if h := s.procs[k]; h != nil {
		if h.alive() {
			s.mu.Unlock()
			return fmt.Errorf("%s: %w", k, ErrAlreadyRunning)
		}
		delete(s.procs, k)
	}
	s.starting[k] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.starting, k)
		s.mu.Unlock()
	}()

	script, workDir, err := s.resolver.Resolve(s.trees.Root(k))
	if err != nil {
		return fmt.Errorf("%s: %w", k, err)
	}
	sink, err := logsink.Open(s.trees.LogPath(k))
	if err != nil {
		return &SpawnError{Key: k, Err: err}
	}

	cmd := exec.Command(s.opts.Interpreter, s.argv(script)...)
	cmd.Dir = workDir
	cmd.Env = s.environ(k)
	cmd.Stdout = sink.File()
	cmd.Stderr = sink.File()
	setProcAttr(cmd)

	if err := cmd.Start(); err != nil {
		sink.Mark("start failed: %v", err)
		_ = sink.Close()
		return &SpawnError{Key: k, Err: err}
	}
	h := &handle{
		key:       k,
		cmd:       cmd,
		pid:       cmd.Process.Pid,
		startedAt: time.Now(),
		sink:      sink,
		done:      make(chan struct{}),
	}
	sink.Mark("started pid=%d script=%s", h.pid, filepath.Base(script))

	s.mu.Lock()
	s.procs[k] = h
	s.mu.Unlock()

	s.runner.Go("proc.wait:"+k.String(), func(context.Context) error {
		s.watch(h)
		return nil
	})
	s.log.Info("process started", logx.String("key", k.String()), logx.Int("pid", h.pid), logx.String("script", script))
	s.publish(EventStarted, Status{Key: k, State: Running, PID: h.pid, StartedAt: h.startedAt})
	return nil
}

// argv runs the script by base name from its own directory.
func (s *Supervisor) argv(script string) []string {
	base := filepath.Base(script)
	if s.opts.Listener != "" {
		return []string{"-u", s.opts.Listener, base}
	}
	return []string{"-u", base}
}

func (s *Supervisor) environ(k deploy.Key) []string {
	env := append(os.Environ(),
		"PYTHONUNBUFFERED=1",
		"HOSTBOT_TENANT="+k.Tenant,
		"HOSTBOT_APP="+k.App,
		"HOSTBOT_ROOT="+s.trees.Root(k),
	)
	keys := make([]string, 0, len(s.opts.Env))
	for name := range s.opts.Env {
		keys = append(keys, name)
	}
	sort.Strings(keys)
	for _, name := range keys {
		env = append(env, name+"="+s.opts.Env[name])
	}
	return env
}

// watch reaps the child. It is the only caller of cmd.Wait.
func (s *Supervisor) watch(h *handle) {
	err := h.cmd.Wait()
	h.exitedAt = time.Now()
	h.exitErr = err
	h.exitCode = -1
	if ps := h.cmd.ProcessState; ps != nil {
		h.exitCode = ps.ExitCode()
	}
	h.sink.Mark("exited pid=%d code=%d", h.pid, h.exitCode)
	_ = h.sink.Close()
	close(h.done)

	ev := ExitEvent{Key: h.key, PID: h.pid, ExitCode: h.exitCode, Uptime: h.exitedAt.Sub(h.startedAt)}
	if err != nil {
		ev.Err = err.Error()
	}
	if h.stopping.Load() {
		s.log.Info("process exited", logx.String("key", h.key.String()), logx.Int("pid", h.pid), logx.Int("code", h.exitCode))
		s.publish(EventExited, ev)
		return
	}
	s.log.Warn("process crashed", logx.String("key", h.key.String()), logx.Int("pid", h.pid), logx.Int("code", h.exitCode), logx.Duration("uptime", ev.Uptime))
	s.publish(EventCrashed, ev)
}

func (s *Supervisor) Stop(ctx context.Context, k deploy.Key) error {
	unlock, err := s.lock(ctx, k)
	if err != nil {
		return err
	}
	defer unlock()
	return s.stopLocked(k)
}

func (s *Supervisor) stopLocked(k deploy.Key) error {
	s.mu.Lock()
	h := s.procs[k]
	if h == nil || !h.alive() {
		delete(s.procs, k)
		s.mu.Unlock()
		return fmt.Errorf("%s: %w", k, ErrNotRunning)
	}
	s.mu.Unlock()

	h.stopping.Store(true)
	var errs []error
	if err := terminate(h.cmd.Process); err != nil {
		errs = append(errs, fmt.Errorf("terminate: %w", err))
	}
	if !h.waitDone(s.opts.StopTimeout) {
		s.log.Warn("graceful stop timed out; killing", logx.String("key", k.String()), logx.Int("pid", h.pid), logx.Duration("waited", s.opts.StopTimeout))
		if err := kill(h.cmd.Process); err != nil {
			errs = append(errs, fmt.Errorf("kill: %w", err))
		}
		if !h.waitDone(s.opts.KillTimeout) {
			errs = append(errs, fmt.Errorf("pid %d still running after kill", h.pid))
		}
	}
	s.evict(k, h)
	if err := errors.Join(errs...); err != nil {
		s.log.Error("stop incomplete", logx.String("key", k.String()), logx.Err(err))
	}
	s.log.Info("process stopped", logx.String("key", k.String()), logx.Int("pid", h.pid))
	return nil
}

// Restart stops a live process (if any) and starts it again under one slot.
func (s *Supervisor) Restart(ctx context.Context, k deploy.Key) error {
	unlock, err := s.lock(ctx, k)
	if err != nil {
		return err
	}
	defer unlock()
	if err := s.stopLocked(k); err != nil && !errors.Is(err, ErrNotRunning) {
		return err
	}
	return s.startLocked(k)
}

// Delete kills the process and only then removes the deployment tree, so no
// child is left running in a vanished directory.
func (s *Supervisor) Delete(ctx context.Context, k deploy.Key) error {
	unlock, err := s.lock(ctx, k)
	if err != nil {
		return err
	}
	defer unlock()

	hadProc, err := s.killLocked(k)
	if err != nil {
		return err
	}
	err = s.trees.Remove(ctx, k)
	if hadProc && errors.Is(err, deploy.ErrNotFound) {
		return nil
	}
	return err
}

func (s *Supervisor) killLocked(k deploy.Key) (bool, error) {
	s.mu.Lock()
	h := s.procs[k]
	s.mu.Unlock()
	if h == nil {
		return false, nil
	}
	h.stopping.Store(true)
	_ = kill(h.cmd.Process)
	if !h.waitDone(s.opts.KillTimeout) {
		return true, fmt.Errorf("%s: pid %d did not exit after kill; tree kept", k, h.pid)
	}
	s.evict(k, h)
	s.log.Info("process killed", logx.String("key", k.String()), logx.Int("pid", h.pid))
	return true, nil
}

// Exclusive runs fn while holding k's slot. A live process is stopped first;
// when restart is set and one was running, it is started again after fn
// succeeds. wasRunning reports whether a process had to be stopped.
func (s *Supervisor) Exclusive(ctx context.Context, k deploy.Key, restart bool, fn func() error) (wasRunning bool, err error) {
	unlock, err := s.lock(ctx, k)
	if err != nil {
		return false, err
	}
	defer unlock()

	if err := s.stopLocked(k); err == nil {
		wasRunning = true
	} else if !errors.Is(err, ErrNotRunning) {
		return false, err
	}
	if err := fn(); err != nil {
		return wasRunning, err
	}
	if restart && wasRunning {
		return wasRunning, s.startLocked(k)
	}
	return wasRunning, nil
}

func (s *Supervisor) evict(k deploy.Key, h *handle) {
	s.mu.Lock()
	if s.procs[k] == h {
		delete(s.procs, k)
	}
	s.mu.Unlock()
}

// Status checks k without blocking. A handle whose process has exited is
// dropped here; an unrequested exit is reported as Crashed exactly once.
func (s *Supervisor) Status(k deploy.Key) Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked(k)
}

func (s *Supervisor) statusLocked(k deploy.Key) Status {
	h := s.procs[k]
	if h == nil {
		if _, ok := s.starting[k]; ok {
			return Status{Key: k, State: Starting}
		}
		return Status{Key: k, State: Stopped}
	}
	st := Status{Key: k, PID: h.pid, StartedAt: h.startedAt}
	if h.alive() {
		st.State = Running
		if h.stopping.Load() {
			st.State = Stopping
		}
		return st
	}
	st.State = Stopped
	// the pid can vanish a moment before the watcher records the exit; keep
	// the handle so a later call reports the exit code, and never wait here
	// since the registry lock is held
	select {
	case <-h.done:
	default:
		return st
	}
	delete(s.procs, k)
	st.ExitedAt = h.exitedAt
	st.ExitCode = h.exitCode
	if !h.stopping.Load() {
		st.State = Crashed
	}
	return st
}

// Snapshot returns the status of every registered process, evicting dead ones.
func (s *Supervisor) Snapshot() []Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]deploy.Key, 0, len(s.procs))
	for k := range s.procs {
		keys = append(keys, k)
	}
	for k := range s.starting {
		if _, ok := s.procs[k]; !ok {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	out := make([]Status, 0, len(keys))
	for _, k := range keys {
		out = append(out, s.statusLocked(k))
	}
	return out
}

// Reap evicts every handle whose process is gone and returns their statuses.
func (s *Supervisor) Reap() []Status {
	var dead []Status
	for _, st := range s.Snapshot() {
		if st.State == Crashed || st.State == Stopped {
			dead = append(dead, st)
		}
	}
	if len(dead) > 0 {
		s.log.Debug("reaped dead handles", logx.Int("count", len(dead)))
	}
	return dead
}

// StopAll stops every live process, in parallel, within ctx.
func (s *Supervisor) StopAll(ctx context.Context) {
	s.mu.Lock()
	keys := make([]deploy.Key, 0, len(s.procs))
	for k := range s.procs {
		keys = append(keys, k)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, k := range keys {
		wg.Add(1)
		go func(k deploy.Key) {
			defer wg.Done()
			if err := s.Stop(ctx, k); err != nil && !errors.Is(err, ErrNotRunning) {
				s.log.Warn("stop on shutdown failed", logx.String("key", k.String()), logx.Err(err))
			}
		}(k)
	}
	wg.Wait()
}

func (s *Supervisor) publish(typ string, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: data})
}
