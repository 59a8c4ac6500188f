// Package adapter connects the operator control bot to Telegram: long
// polling for commands and uploaded artifacts, replies, and file downloads.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	rtsup "hostbot/internal/runtime/supervisor"
	kit "hostbot/internal/transport"
	logx "hostbot/pkg/logx"
	"hostbot/pkg/tgui"
)

// ErrTooLarge is returned by Download when the file exceeds MaxDownloadBytes.
var ErrTooLarge = errors.New("file too large")

type Config struct {
	Token       string
	PollTimeout time.Duration
	// APIURL overrides the Bot API base URL; empty means api.telegram.org.
	APIURL string
	// MaxDownloadBytes caps Download; 0 means no cap.
	MaxDownloadBytes int64
}

type Adapter struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot

	out     atomic.Pointer[chan<- kit.Update]
	dropped atomic.Uint64
	dropLog rate.Sometimes

	runMu sync.Mutex
	sup   *rtsup.Supervisor

	menuMu sync.Mutex
	menu   []kit.BotCommand
}

var (
	_ kit.Adapter            = (*Adapter)(nil)
	_ kit.CommandMenuUpdater = (*Adapter)(nil)
)

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 10 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	bot, err := tele.NewBot(tele.Settings{
		URL:    cfg.APIURL,
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: cfg.PollTimeout},
		OnError: func(err error, c tele.Context) {
			log.Warn("telegram handler error", logx.Err(err))
		},
	})
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	a := &Adapter{
		cfg:     cfg,
		log:     log,
		bot:     bot,
		dropLog: rate.Sometimes{First: 1, Interval: 10 * time.Second},
	}
	bot.Handle(tele.OnText, a.onText)
	bot.Handle(tele.OnDocument, a.onDocument)
	return a, nil
}

func (a *Adapter) onText(c tele.Context) error {
	if m := c.Message(); m != nil && m.Chat != nil {
		a.forward(kit.Update{Kind: kit.UpdateMessage, Message: convert(m)})
	}
	return nil
}

// onDocument forwards an upload; the caption travels as the message text.
func (a *Adapter) onDocument(c tele.Context) error {
	m := c.Message()
	if m == nil || m.Chat == nil || m.Document == nil {
		return nil
	}
	msg := convert(m)
	msg.Text = m.Caption
	msg.Document = &kit.Document{
		FileID:   m.Document.FileID,
		FileName: m.Document.FileName,
		Size:     int64(m.Document.FileSize),
	}
	a.forward(kit.Update{Kind: kit.UpdateDocument, Message: msg})
	return nil
}

func convert(m *tele.Message) *kit.Message {
	msg := &kit.Message{ID: m.ID, ChatID: m.Chat.ID, ThreadID: m.ThreadID, Text: m.Text}
	if m.Sender != nil {
		msg.FromID, msg.FromUsername = m.Sender.ID, m.Sender.Username
	}
	return msg
}

// forward never blocks the poller: with a full channel the update is dropped
// and counted.
func (a *Adapter) forward(up kit.Update) {
	out := a.out.Load()
	if out == nil {
		return
	}
	select {
	case *out <- up:
	default:
		a.dropped.Add(1)
		a.dropLog.Do(func() {
			a.log.Warn("incoming updates dropped (dispatcher busy)", logx.Uint64("total", a.dropped.Load()), logx.Int("chan_cap", cap(*out)))
		})
	}
}

// Dropped counts updates lost to a full channel since start.
func (a *Adapter) Dropped() uint64 { return a.dropped.Load() }

// Start begins long polling and delivers updates to out until Stop or ctx ends.
func (a *Adapter) Start(ctx context.Context, out chan<- kit.Update) error {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	if a.sup != nil {
		return nil
	}
	a.out.Store(&out)
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log))
	// bot.Start blocks until bot.Stop; returning on its own means the poller died
	a.sup.GoRestart("telegram.poll", func(c context.Context) error {
		unhook := context.AfterFunc(c, a.bot.Stop)
		defer unhook()
		a.log.Info("polling started", logx.Duration("timeout", a.cfg.PollTimeout))
		a.bot.Start()
		if c.Err() != nil {
			a.log.Info("polling stopped")
			return nil
		}
		return errors.New("poller exited")
	}, rtsup.WithBackoff(500*time.Millisecond, 10*time.Second))
	return nil
}

// Stop waits at most two seconds for a pending long poll to return.
func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	a.out.Store(nil)
	a.runMu.Unlock()
	if sup == nil {
		return nil
	}
	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := sup.Stop(wctx); err != nil && !errors.Is(err, context.Canceled) {
		a.log.Warn("telegram stop incomplete", logx.Err(err))
	}
	return nil
}

func (a *Adapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	if opt == nil {
		opt = &kit.SendOptions{}
	}
	chat := &tele.Chat{ID: to.ChatID}
	send := &tele.SendOptions{
		ParseMode:             tele.ParseMode(opt.ParseMode),
		DisableWebPagePreview: opt.DisablePreview,
		ThreadID:              to.ThreadID,
	}
	ref := kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID}
	for i, chunk := range splitText(text, textLimit, opt.ParseMode) {
		if err := ctx.Err(); err != nil {
			return ref, err
		}
		msg, err := a.bot.Send(chat, chunk, send)
		if err != nil {
			return ref, fmt.Errorf("send to %d: %w", to.ChatID, err)
		}
		if i == 0 {
			ref.MessageID = msg.ID
		}
	}
	return ref, nil
}

// Download streams an uploaded document into dst, honoring ctx and
// MaxDownloadBytes.
func (a *Adapter) Download(ctx context.Context, doc kit.Document, dst string) error {
	if doc.FileID == "" {
		return errors.New("document has no file id")
	}
	if capBytes := a.cfg.MaxDownloadBytes; capBytes > 0 && doc.Size > capBytes {
		return fmt.Errorf("%w: %s is %d bytes", ErrTooLarge, doc.FileName, doc.Size)
	}
	rc, err := a.open(ctx, doc.FileID)
	if err != nil {
		return fmt.Errorf("download %s: %w", doc.FileName, err)
	}
	defer rc.Close()
	// unblocks the copy below when ctx ends mid-transfer
	unhook := context.AfterFunc(ctx, func() { _ = rc.Close() })
	defer unhook()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	f, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer f.Close()

	var src io.Reader = rc
	if a.cfg.MaxDownloadBytes > 0 {
		src = io.LimitReader(rc, a.cfg.MaxDownloadBytes+1)
	}
	n, err := io.Copy(f, src)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("download %s: %w", doc.FileName, err)
	}
	if a.cfg.MaxDownloadBytes > 0 && n > a.cfg.MaxDownloadBytes {
		return fmt.Errorf("%w: %s exceeds %d bytes", ErrTooLarge, doc.FileName, a.cfg.MaxDownloadBytes)
	}
	return f.Sync()
}

// open resolves and opens a file; the Bot API call itself takes no context.
func (a *Adapter) open(ctx context.Context, fileID string) (io.ReadCloser, error) {
	type opened struct {
		rc  io.ReadCloser
		err error
	}
	ch := make(chan opened, 1)
	go func() {
		rc, err := a.bot.File(&tele.File{FileID: fileID})
		ch <- opened{rc, err}
	}()
	select {
	case o := <-ch:
		return o.rc, o.err
	case <-ctx.Done():
		go func() {
			if o := <-ch; o.rc != nil {
				_ = o.rc.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

// menuDescLimit is Telegram's cap on a command description.
const menuDescLimit = 256

// UpdateMenuCommands publishes the command menu. An unchanged list is not sent
// again.
func (a *Adapter) UpdateMenuCommands(ctx context.Context, cmds []kit.BotCommand) error {
	norm := make([]kit.BotCommand, 0, len(cmds))
	for _, c := range cmds {
		if c.Command == "" {
			continue
		}
		d := c.Description
		if d == "" {
			d = c.Command
		}
		norm = append(norm, kit.BotCommand{Command: c.Command, Description: tgui.TruncRunes(d, menuDescLimit-1)})
	}

	a.menuMu.Lock()
	defer a.menuMu.Unlock()
	if sameMenu(a.menu, norm) {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	list := make([]tele.Command, len(norm))
	for i, c := range norm {
		list[i] = tele.Command{Text: c.Command, Description: c.Description}
	}
	if err := a.bot.SetCommands(list); err != nil {
		return fmt.Errorf("setMyCommands: %w", err)
	}
	a.menu = norm
	a.log.Info("menu commands updated", logx.Int("count", len(norm)))
	return nil
}

func sameMenu(a, b []kit.BotCommand) bool {
	if a == nil || len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
