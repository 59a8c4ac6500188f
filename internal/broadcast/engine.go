// Package broadcast fans one message out to every recipient discovered in a
// set of deployments.
//
// A run has three phases. Discovery scans each target and keeps the first
// token seen plus the union of recipient ids; a missing token or an empty
// union fails the run before anything is sent. Dispatch sends to recipients
// in fixed-size batches, all requests of a batch in parallel, with a fixed
// pause between batches. Aggregation tallies the outcome and records it.
//
// The first token found is used for every recipient, including ids that came
// from other deployments. When the scope holds more than one distinct token
// this is logged as a warning and otherwise left alone.
package broadcast

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"

	"hostbot/internal/deploy"
	"hostbot/internal/eventbus"
	"hostbot/internal/storage"
	logx "hostbot/pkg/logx"
)

const (
	DefaultBatchSize      = 30
	DefaultBatchPause     = time.Second
	DefaultRequestTimeout = 10 * time.Second
	DefaultExcerptLen     = 50
)

type Options struct {
	BatchSize      int
	BatchPause     time.Duration
	RequestTimeout time.Duration
	ExcerptLen     int
	ParseMode      string
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.BatchPause <= 0 {
		o.BatchPause = DefaultBatchPause
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = DefaultRequestTimeout
	}
	if o.ExcerptLen <= 0 {
		o.ExcerptLen = DefaultExcerptLen
	}
	return o
}

type Engine struct {
	scanner Scanner
	sender  Sender
	history History
	bus     eventbus.Bus
	log     logx.Logger

	mu   sync.RWMutex
	opts Options

	// test hook, called with the size of each batch before it is sent
	onBatch func(size int)
}

func New(opts Options, scanner Scanner, sender Sender, history History, bus eventbus.Bus, log logx.Logger) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Engine{
		scanner: scanner,
		sender:  sender,
		history: history,
		bus:     bus,
		log:     log,
		opts:    opts.withDefaults(),
	}
}

// SetOptions swaps the tunables; runs already dispatching keep the old ones.
func (e *Engine) SetOptions(opts Options) {
	e.mu.Lock()
	e.opts = opts.withDefaults()
	e.mu.Unlock()
}

func (e *Engine) Options() Options {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.opts
}

type discovery struct {
	token      string
	tokenFrom  deploy.Key
	tokens     int
	recipients []string
}

// discover scans targets in order without sending anything.
func (e *Engine) discover(targets []Target) discovery {
	var d discovery
	seenTok := map[string]struct{}{}
	seenID := map[string]struct{}{}
	for _, t := range targets {
		c := e.scanner.Scan(t.Root)
		if c.Token != "" {
			if _, ok := seenTok[c.Token]; !ok {
				seenTok[c.Token] = struct{}{}
				d.tokens++
			}
			if d.token == "" {
				d.token = c.Token
				d.tokenFrom = t.Key
			}
		}
		for _, id := range c.Recipients {
			if _, ok := seenID[id]; ok {
				continue
			}
			seenID[id] = struct{}{}
			d.recipients = append(d.recipients, id)
		}
	}
	return d
}

// Run discovers credentials across targets and dispatches job. The only
// errors are ErrEmptyText and discovery failures; once dispatch starts the
// run ignores ctx cancellation and always returns a Result.
func (e *Engine) Run(ctx context.Context, job Job, targets []Target) (Result, error) {
	if strings.TrimSpace(job.Text) == "" {
		return Result{}, ErrEmptyText
	}
	opts := e.Options()
	if job.ParseMode == "" {
		job.ParseMode = opts.ParseMode
	}

	d := e.discover(targets)
	log := e.log.With(logx.String("scope", job.Scope), logx.Int("targets", len(targets)))
	if d.token == "" {
		log.Warn("broadcast aborted", logx.Err(ErrNoCredential))
		return Result{}, ErrNoCredential
	}
	if len(d.recipients) == 0 {
		log.Warn("broadcast aborted", logx.Err(ErrNoRecipients))
		return Result{}, ErrNoRecipients
	}
	if d.tokens > 1 {
		log.Warn("several bot tokens in scope; sending every message with the first",
			logx.Int("tokens", d.tokens), logx.String("token_from", d.tokenFrom.String()))
	}

	ctx = context.WithoutCancel(ctx)
	started := time.Now()
	res := Result{
		ID:              uuid.NewString(),
		TotalRecipients: len(d.recipients),
		TokenFrom:       d.tokenFrom,
		Tokens:          d.tokens,
	}
	for i := 0; i < len(d.recipients); i += opts.BatchSize {
		if i > 0 {
			time.Sleep(opts.BatchPause)
		}
		batch := d.recipients[i:min(i+opts.BatchSize, len(d.recipients))]
		ok := e.dispatch(ctx, opts, d.token, job.Message, batch)
		res.Success += ok
		res.Failed += len(batch) - ok
		res.Batches++
		log.Debug("batch sent", logx.Int("batch", res.Batches), logx.Int("size", len(batch)), logx.Int("ok", ok))
	}
	res.At = time.Now()
	res.Took = res.At.Sub(started)

	log.Info("broadcast finished",
		logx.String("id", res.ID), logx.Int("total", res.TotalRecipients),
		logx.Int("success", res.Success), logx.Int("failed", res.Failed), logx.Duration("took", res.Took))
	e.record(ctx, job, res, opts.ExcerptLen)
	if e.bus != nil {
		e.bus.Publish(eventbus.Event{Type: EventFinished, Data: res})
	}
	return res, nil
}

// dispatch sends one batch concurrently and returns the number delivered.
func (e *Engine) dispatch(ctx context.Context, opts Options, token string, msg Message, batch []string) int {
	if e.onBatch != nil {
		e.onBatch(len(batch))
	}
	p := pool.NewWithResults[bool]().WithMaxGoroutines(len(batch))
	for _, chatID := range batch {
		p.Go(func() bool {
			rctx, cancel := context.WithTimeout(ctx, opts.RequestTimeout)
			defer cancel()
			if err := e.sender.Send(rctx, token, chatID, msg); err != nil {
				e.log.Debug("send failed", logx.String("chat", chatID), logx.Err(err))
				return false
			}
			return true
		})
	}
	ok := 0
	for _, delivered := range p.Wait() {
		if delivered {
			ok++
		}
	}
	return ok
}

func (e *Engine) record(ctx context.Context, job Job, res Result, excerptLen int) {
	if e.history == nil {
		return
	}
	rec := storage.BroadcastRecord{
		ID:       res.ID,
		At:       res.At,
		Excerpt:  Excerpt(job.Text, excerptLen),
		Scope:    job.Scope,
		TokenApp: res.TokenFrom.String(),
		Total:    res.TotalRecipients,
		Success:  res.Success,
		Failed:   res.Failed,
	}
	if err := e.history.AppendBroadcast(ctx, rec); err != nil && !errors.Is(err, storage.ErrDisabled) {
		e.log.Warn("broadcast history write failed", logx.String("id", res.ID), logx.Err(err))
	}
}

// Excerpt returns the first n runes of s.
func Excerpt(s string, n int) string {
	if n <= 0 {
		return ""
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
