// Package janitor runs the daemon's periodic housekeeping on a cron clock:
// reaping exited process handles and pruning old broadcast history.
package janitor

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"hostbot/internal/procsup"
	"hostbot/internal/storage"
	logx "hostbot/pkg/logx"
)

const (
	DefaultReapSchedule  = "@every 1m"
	DefaultPruneSchedule = "@daily"
	DefaultRetention     = 30 * 24 * time.Hour
	defaultJobTimeout    = time.Minute
)

type Config struct {
	ReapSchedule  string
	PruneSchedule string
	// Retention is how long broadcast history is kept.
	Retention time.Duration
	Timezone  string
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.ReapSchedule) == "" {
		c.ReapSchedule = DefaultReapSchedule
	}
	if strings.TrimSpace(c.PruneSchedule) == "" {
		c.PruneSchedule = DefaultPruneSchedule
	}
	if c.Retention <= 0 {
		c.Retention = DefaultRetention
	}
	return c
}

type Reaper interface {
	Reap() []procsup.Status
}

type Pruner interface {
	PruneBroadcasts(ctx context.Context, cutoff time.Time) (int64, error)
}

// Job names, as reported in Snapshot.
const (
	JobReap  = "reap"
	JobPrune = "prune"
)

type JobInfo struct {
	Name    string
	Spec    string
	Next    time.Time
	Prev    time.Time
	Runs    int
	LastErr string
}

type job struct {
	name    string
	spec    string
	run     func(ctx context.Context) error
	entryID cron.EntryID
	runs    int
	lastErr string
}

type Janitor struct {
	log    logx.Logger
	parser cron.Parser
	reaper Reaper
	pruner Pruner // nil when storage is disabled

	mu   sync.Mutex
	cfg  Config
	c    *cron.Cron
	loc  *time.Location
	jobs []*job
	ctx  context.Context
	now  func() time.Time

	stopped bool
}

func New(cfg Config, reaper Reaper, pruner Pruner, log logx.Logger) (*Janitor, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	j := &Janitor{
		log: log,
		// SecondOptional allows both 5-field and 6-field (with seconds) specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		reaper: reaper,
		pruner: pruner,
		cfg:    cfg.withDefaults(),
		now:    time.Now,
	}
	if err := j.validate(j.cfg); err != nil {
		return nil, err
	}
	return j, nil
}

func (j *Janitor) validate(cfg Config) error {
	if _, err := j.parser.Parse(cfg.ReapSchedule); err != nil {
		return errors.Join(errors.New("janitor: bad reap schedule"), err)
	}
	if _, err := j.parser.Parse(cfg.PruneSchedule); err != nil {
		return errors.Join(errors.New("janitor: bad prune schedule"), err)
	}
	if _, err := loadLocation(cfg.Timezone); err != nil {
		return err
	}
	return nil
}

func loadLocation(tz string) (*time.Location, error) {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local, nil
	}
	return time.LoadLocation(tz)
}

// Start registers the jobs and starts the clock. Jobs run with ctx as parent.
func (j *Janitor) Start(ctx context.Context) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.c != nil {
		return
	}
	j.ctx = ctx
	j.stopped = false
	j.startLocked()
}

func (j *Janitor) startLocked() {
	loc, err := loadLocation(j.cfg.Timezone)
	if err != nil {
		loc = time.Local
	}
	j.loc = loc
	j.c = cron.New(
		cron.WithParser(j.parser),
		cron.WithLocation(loc),
		cron.WithChain(cron.Recover(cronLogger{j.log}), cron.SkipIfStillRunning(cronLogger{j.log})),
	)
	j.jobs = []*job{{name: JobReap, spec: j.cfg.ReapSchedule, run: j.reap}}
	if j.pruner != nil {
		j.jobs = append(j.jobs, &job{name: JobPrune, spec: j.cfg.PruneSchedule, run: j.prune})
	}
	for _, jb := range j.jobs {
		id, err := j.c.AddFunc(jb.spec, func() { j.runJob(jb) })
		if err != nil {
			j.log.Warn("schedule rejected", logx.String("job", jb.name), logx.String("spec", jb.spec), logx.Err(err))
			continue
		}
		jb.entryID = id
	}
	j.c.Start()
	j.log.Info("janitor started", logx.String("tz", loc.String()), logx.Int("jobs", len(j.jobs)))
}

func (j *Janitor) runJob(jb *job) {
	j.mu.Lock()
	parent := j.ctx
	j.mu.Unlock()
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithTimeout(parent, defaultJobTimeout)
	defer cancel()
	err := jb.run(ctx)

	j.mu.Lock()
	jb.runs++
	jb.lastErr = ""
	if err != nil {
		jb.lastErr = err.Error()
	}
	j.mu.Unlock()
	if err != nil {
		j.log.Warn("janitor job failed", logx.String("job", jb.name), logx.Err(err))
	}
}

func (j *Janitor) reap(context.Context) error {
	for _, st := range j.reaper.Reap() {
		j.log.Debug("handle reaped", logx.String("key", st.Key.String()), logx.String("state", st.State.String()), logx.Int("exit_code", st.ExitCode))
	}
	return nil
}

func (j *Janitor) prune(ctx context.Context) error {
	j.mu.Lock()
	cutoff := j.now().Add(-j.cfg.Retention)
	j.mu.Unlock()
	n, err := j.pruner.PruneBroadcasts(ctx, cutoff)
	if errors.Is(err, storage.ErrDisabled) {
		return nil
	}
	if err != nil {
		return err
	}
	if n > 0 {
		j.log.Info("broadcast history pruned", logx.Int64("rows", n), logx.Time("cutoff", cutoff))
	}
	return nil
}

// RunNow runs a job synchronously, outside the schedule.
func (j *Janitor) RunNow(ctx context.Context, name string) error {
	j.mu.Lock()
	var found *job
	for _, jb := range j.jobs {
		if jb.name == name {
			found = jb
		}
	}
	j.mu.Unlock()
	if found == nil {
		switch name {
		case JobReap:
			return j.reap(ctx)
		case JobPrune:
			if j.pruner == nil {
				return storage.ErrDisabled
			}
			return j.prune(ctx)
		}
		return errors.New("janitor: unknown job " + name)
	}
	return found.run(ctx)
}

// Apply swaps schedules and retention. A running clock is rebuilt.
func (j *Janitor) Apply(cfg Config) error {
	cfg = cfg.withDefaults()
	if err := j.validate(cfg); err != nil {
		return err
	}
	j.mu.Lock()
	if cfg == j.cfg {
		j.mu.Unlock()
		return nil
	}
	j.cfg = cfg
	old := j.c
	j.c = nil
	j.mu.Unlock()
	if old == nil {
		return nil
	}

	// running jobs take j.mu, so wait for them unlocked
	<-old.Stop().Done()
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.c == nil && !j.stopped {
		j.startLocked()
	}
	return nil
}

// Stop halts the clock and waits for running jobs, bounded by ctx.
func (j *Janitor) Stop(ctx context.Context) {
	j.mu.Lock()
	c := j.c
	j.c = nil
	j.stopped = true
	j.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	j.log.Info("janitor stopped")
}

func (j *Janitor) Snapshot() []JobInfo {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]JobInfo, 0, len(j.jobs))
	for _, jb := range j.jobs {
		it := JobInfo{Name: jb.name, Spec: jb.spec, Runs: jb.runs, LastErr: jb.lastErr}
		if j.c != nil && jb.entryID != 0 {
			e := j.c.Entry(jb.entryID)
			it.Next, it.Prev = e.Next, e.Prev
		}
		out = append(out, it)
	}
	return out
}

// cronLogger routes cron's own messages into logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug("cron: "+msg, logx.Any("kv", kv))
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, logx.Err(err), logx.Any("kv", kv))
}
