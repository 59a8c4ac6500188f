package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	kit "hostbot/internal/transport"
)

type captureAdapter struct {
	mu   sync.Mutex
	sent []string
}

func (c *captureAdapter) Start(context.Context, chan<- kit.Update) error { return nil }
func (c *captureAdapter) Stop(context.Context) error                      { return nil }
func (c *captureAdapter) Download(context.Context, kit.Document, string) error {
	return nil
}

func (c *captureAdapter) SendText(_ context.Context, _ kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	c.mu.Lock()
	c.sent = append(c.sent, text)
	c.mu.Unlock()
	return kit.MessageRef{}, nil
}

func (c *captureAdapter) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

func TestWithKeepsParentFields(t *testing.T) {
	var buf bytes.Buffer
	base := NewWriter(&buf, "debug").With(String("comp", "procsup"))
	child := base.With(String("key", "admin/bot"))
	base.Info("parent")
	child.Warn("child", Int("pid", 7), Err(nil))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("lines = %q", lines)
	}
	var parent, kid map[string]any
	_ = json.Unmarshal([]byte(lines[0]), &parent)
	_ = json.Unmarshal([]byte(lines[1]), &kid)
	if _, leaked := parent["key"]; leaked {
		t.Fatalf("child field leaked into parent: %v", parent)
	}
	if kid["comp"] != "procsup" || kid["key"] != "admin/bot" || kid["pid"] != float64(7) {
		t.Fatalf("child = %v", kid)
	}
	if _, ok := kid["err"]; ok {
		t.Fatalf("nil error logged: %v", kid)
	}
	if c, _ := kid["caller"].(string); !strings.HasPrefix(c, "logx_test.go:") {
		t.Fatalf("caller = %q", c)
	}
}

func TestLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriter(&buf, "warn")
	l.Info("hidden")
	l.Error("shown")
	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), "shown") {
		t.Fatalf("output = %q", buf.String())
	}
}

func TestZeroLoggerDiscards(t *testing.T) {
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero logger not zero")
	}
	l.Error("nothing happens")
	if Nop().IsZero() {
		t.Fatal("Nop reported zero")
	}
}

func TestRenderOwnerLineEscapes(t *testing.T) {
	got := renderOwnerLine([]byte(`{"level":"warn","time":"x","comp":"router","message":"a<b","rid":"r1"}`))
	for _, want := range []string{"⚠️", "<b>WARN</b>", "<code>router</code>", "a&lt;b", "<code>rid</code>: r1"} {
		if !strings.Contains(got, want) {
			t.Fatalf("render %q lacks %q", got, want)
		}
	}
	if strings.Contains(got, "time") {
		t.Fatalf("timestamp rendered: %q", got)
	}
	if got := renderOwnerLine([]byte("not json <x>")); got != "<pre>not json &lt;x&gt;</pre>" {
		t.Fatalf("fallback = %q", got)
	}
}

func TestOwnerSinkForwardsWarnings(t *testing.T) {
	ad := &captureAdapter{}
	svc, log := New(Config{Level: "debug", Telegram: TelegramConfig{Enabled: true, RatePerSec: 1}}, ad)
	defer svc.Close()
	svc.SetTelegramTarget(-100, 0)

	log.Info("not forwarded")
	log.Warn("forwarded")
	log.Error("over the rate")

	deadline := time.Now().Add(2 * time.Second)
	for ad.count() < 1 {
		if time.Now().After(deadline) {
			t.Fatal("nothing forwarded")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if svc.Dropped() != 1 {
		t.Fatalf("dropped = %d", svc.Dropped())
	}
	ad.mu.Lock()
	first := ad.sent[0]
	ad.mu.Unlock()
	if !strings.Contains(first, "forwarded") || strings.Contains(first, "not forwarded") {
		t.Fatalf("sent = %q", first)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"":        zerolog.InfoLevel,
		"DEBUG":   zerolog.DebugLevel,
		" warn ":  zerolog.WarnLevel,
		"Warning": zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"loud":    zerolog.InfoLevel,
	}
	for in, want := range cases {
		if got := parseLevel(in, zerolog.InfoLevel); got != want {
			t.Errorf("parseLevel(%q) = %v", in, got)
		}
	}
}
