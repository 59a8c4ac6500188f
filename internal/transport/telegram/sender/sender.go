// Package sender delivers broadcast messages through the Telegram Bot API
// with whichever bot token a broadcast discovered.
package sender

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"hostbot/internal/broadcast"
)

const DefaultAPIURL = "https://api.telegram.org"

type Config struct {
	// APIURL overrides the Bot API base URL (tests, local bot API servers).
	APIURL string
	// Timeout bounds one HTTP request.
	Timeout time.Duration
}

// Sender keeps one offline telebot client per token.
type Sender struct {
	cfg    Config
	client *http.Client

	mu   sync.Mutex
	bots map[string]*tele.Bot
}

func New(cfg Config) *Sender {
	if cfg.APIURL == "" {
		cfg.APIURL = DefaultAPIURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = broadcast.DefaultRequestTimeout
	}
	return &Sender{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		bots:   map[string]*tele.Bot{},
	}
}

var _ broadcast.Sender = (*Sender)(nil)

// SetTimeout swaps in a client with a new per-request timeout. Cached bots are
// dropped so later sends pick it up; sends already in flight keep the old one.
func (s *Sender) SetTimeout(d time.Duration) {
	if d <= 0 {
		d = broadcast.DefaultRequestTimeout
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if d == s.cfg.Timeout {
		return
	}
	s.cfg.Timeout = d
	s.client = &http.Client{Timeout: d}
	s.bots = map[string]*tele.Bot{}
}

// Timeout is the per-request timeout new sends use.
func (s *Sender) Timeout() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Timeout
}

func (s *Sender) bot(token string) (*tele.Bot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.bots[token]; ok {
		return b, nil
	}
	// Offline skips getMe: a bad token shows up as failed sends, not a failed run.
	b, err := tele.NewBot(tele.Settings{
		URL:     strings.TrimRight(s.cfg.APIURL, "/"),
		Token:   token,
		Client:  s.client,
		Offline: true,
	})
	if err != nil {
		return nil, err
	}
	s.bots[token] = b
	return b, nil
}

// Send posts msg to chatID: sendPhoto with a caption when an image is set,
// sendMessage otherwise. Any non-ok API answer is an error.
func (s *Sender) Send(ctx context.Context, token, chatID string, msg broadcast.Message) error {
	id, err := strconv.ParseInt(strings.TrimSpace(chatID), 10, 64)
	if err != nil {
		return fmt.Errorf("chat id %q: %w", chatID, err)
	}
	b, err := s.bot(token)
	if err != nil {
		return err
	}

	var what any = msg.Text
	if msg.ImageURL != "" {
		what = &tele.Photo{File: tele.FromURL(msg.ImageURL), Caption: msg.Text}
	}
	opts := &tele.SendOptions{ParseMode: parseMode(msg.ParseMode)}
	if msg.HasButton() {
		opts.ReplyMarkup = &tele.ReplyMarkup{
			InlineKeyboard: [][]tele.InlineButton{{{Text: msg.ButtonLabel, URL: msg.ButtonURL}}},
		}
	}

	// telebot has no context support; the client timeout bounds the goroutine
	done := make(chan error, 1)
	go func() {
		_, err := b.Send(tele.ChatID(id), what, opts)
		done <- err
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func parseMode(s string) tele.ParseMode {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "html":
		return tele.ModeHTML
	case "markdown":
		return tele.ModeMarkdown
	case "markdownv2":
		return tele.ModeMarkdownV2
	case "none":
		return tele.ModeDefault
	default:
		return tele.ParseMode(s)
	}
}
