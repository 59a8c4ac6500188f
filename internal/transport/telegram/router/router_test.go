package router

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"hostbot/internal/broadcast"
	"hostbot/internal/control"
	"hostbot/internal/deploy"
	"hostbot/internal/procsup"
	"hostbot/internal/storage"
	kit "hostbot/internal/transport"
	logx "hostbot/pkg/logx"
)

const owner = 42

type fakeAdapter struct {
	mu      sync.Mutex
	sent    []string
	payload string
	menu    []kit.BotCommand
}

func (a *fakeAdapter) Start(context.Context, chan<- kit.Update) error { return nil }
func (a *fakeAdapter) Stop(context.Context) error                      { return nil }

func (a *fakeAdapter) SendText(_ context.Context, _ kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	a.mu.Lock()
	a.sent = append(a.sent, text)
	a.mu.Unlock()
	return kit.MessageRef{}, nil
}

func (a *fakeAdapter) Download(_ context.Context, _ kit.Document, dst string) error {
	return os.WriteFile(dst, []byte(a.payload), 0o644)
}

func (a *fakeAdapter) UpdateMenuCommands(_ context.Context, cmds []kit.BotCommand) error {
	a.mu.Lock()
	a.menu = cmds
	a.mu.Unlock()
	return nil
}

func (a *fakeAdapter) last() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.sent) == 0 {
		return ""
	}
	return a.sent[len(a.sent)-1]
}

type fakeControl struct {
	calls    []string
	deployed string
	bc       control.BroadcastRequest
	err      error
}

func (c *fakeControl) Deploy(_ context.Context, tenant, filename string, r io.Reader) (control.DeployResult, error) {
	b, _ := io.ReadAll(r)
	c.deployed = string(b)
	c.calls = append(c.calls, "deploy "+tenant+" "+filename)
	return control.DeployResult{Deployment: deploy.Deployment{Key: deploy.Key{Tenant: tenant, App: "bot"}}}, c.err
}

func (c *fakeControl) List(context.Context, string) ([]control.AppView, error) {
	return []control.AppView{
		{Name: "bot", Running: true, State: "running", PID: 7, HasToken: true},
		{Name: "idle", State: "stopped"},
	}, nil
}

func (c *fakeControl) Logs(_ context.Context, _, app string, n int64) (string, error) {
	c.calls = append(c.calls, fmt.Sprintf("logs %s %d", app, n))
	return "line <1>", c.err
}

func (c *fakeControl) Action(_ context.Context, tenant, app, action string) error {
	c.calls = append(c.calls, action+" "+tenant+" "+app)
	return c.err
}

func (c *fakeControl) Broadcast(_ context.Context, _ string, req control.BroadcastRequest) (broadcast.Result, error) {
	c.bc = req
	return broadcast.Result{TotalRecipients: 3, Success: 2, Failed: 1, Batches: 1}, c.err
}

func (c *fakeControl) History(context.Context, int) ([]storage.BroadcastRecord, error) {
	return nil, storage.ErrDisabled
}

func (c *fakeControl) Processes() []procsup.Status { return nil }

func newTestRouter(t *testing.T) (*Router, *fakeControl, *fakeAdapter) {
	t.Helper()
	ctl := &fakeControl{}
	ad := &fakeAdapter{}
	r := New(Options{Tenant: "admin", Owners: []int64{owner}, MaxUploadBytes: 1 << 20, TmpDir: t.TempDir()}, ctl, ad, logx.Nop())
	return r, ctl, ad
}

func text(from int64, s string) kit.Update {
	return kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{ChatID: from, FromID: from, Text: s}}
}

// serve runs one update synchronously.
func serve(t *testing.T, r *Router, up kit.Update) {
	t.Helper()
	if job := r.route(context.Background(), up); job != nil {
		job()
	}
}

func TestNonOwnerIsRefused(t *testing.T) {
	r, ctl, ad := newTestRouter(t)
	serve(t, r, text(7, "/stop bot"))
	if len(ctl.calls) != 0 {
		t.Fatalf("calls = %v", ctl.calls)
	}
	if ad.last() != "unauthorized" {
		t.Fatalf("reply = %q", ad.last())
	}

	r.SetOwners([]int64{7})
	serve(t, r, text(7, "/stop bot"))
	if len(ctl.calls) != 1 || ctl.calls[0] != "stop admin bot" {
		t.Fatalf("calls = %v", ctl.calls)
	}
}

func TestActionsAndErrors(t *testing.T) {
	r, ctl, ad := newTestRouter(t)
	serve(t, r, text(owner, "/restart@hostbot_bot bot"))
	if ctl.calls[0] != "restart admin bot" || !strings.Contains(ad.last(), "restarted") {
		t.Fatalf("calls = %v reply = %q", ctl.calls, ad.last())
	}

	serve(t, r, text(owner, "/start"))
	if !strings.Contains(ad.last(), control.CodeInvalidArgument) {
		t.Fatalf("reply = %q", ad.last())
	}

	ctl.err = fmt.Errorf("%w: admin/x", procsup.ErrNotRunning)
	serve(t, r, text(owner, "/stop x"))
	if !strings.Contains(ad.last(), control.CodeNotRunning) {
		t.Fatalf("reply = %q", ad.last())
	}
}

func TestUnknownCommand(t *testing.T) {
	r, _, ad := newTestRouter(t)
	serve(t, r, text(owner, "/nope"))
	if !strings.Contains(ad.last(), "/help") {
		t.Fatalf("reply = %q", ad.last())
	}
	serve(t, r, text(owner, "plain chatter"))
	if n := len(ad.sent); n != 1 {
		t.Fatalf("sent %d replies", n)
	}
}

func TestAppsRendersEscaped(t *testing.T) {
	r, _, ad := newTestRouter(t)
	serve(t, r, text(owner, "/apps"))
	got := ad.last()
	for _, want := range []string{"<code>bot</code>", "pid 7", "🔑", "<code>idle</code>", "🔴"} {
		if !strings.Contains(got, want) {
			t.Fatalf("reply %q lacks %q", got, want)
		}
	}
}

func TestLogsFlag(t *testing.T) {
	r, ctl, ad := newTestRouter(t)
	serve(t, r, text(owner, "/logs bot --bytes 500"))
	if ctl.calls[0] != "logs bot 500" {
		t.Fatalf("calls = %v", ctl.calls)
	}
	if !strings.Contains(ad.last(), "<pre>line &lt;1&gt;</pre>") {
		t.Fatalf("reply = %q", ad.last())
	}
}

func TestBroadcastParsesFlagsAndKeepsText(t *testing.T) {
	r, ctl, ad := newTestRouter(t)
	serve(t, r, text(owner, "/broadcast --apps bot,shop --image https://x/y.png --button \"Open now|https://t.me/x\" Hello\n<b>world</b>"))
	want := control.BroadcastRequest{
		Text:        "Hello\n<b>world</b>",
		ImageURL:    "https://x/y.png",
		ButtonLabel: "Open now",
		ButtonURL:   "https://t.me/x",
		Apps:        []string{"bot", "shop"},
	}
	got := ctl.bc
	if got.Text != want.Text || got.ImageURL != want.ImageURL || got.ButtonLabel != want.ButtonLabel ||
		got.ButtonURL != want.ButtonURL || strings.Join(got.Apps, ",") != "bot,shop" {
		t.Fatalf("request = %+v", got)
	}
	if !strings.Contains(ad.last(), "delivered: 2, failed: 1") {
		t.Fatalf("reply = %q", ad.last())
	}

	serve(t, r, text(owner, "/bc plain text --apps is not a flag here"))
	if ctl.bc.Text != "plain text --apps is not a flag here" || len(ctl.bc.Apps) != 0 {
		t.Fatalf("request = %+v", ctl.bc)
	}
}

func TestHistoryUnavailable(t *testing.T) {
	r, _, ad := newTestRouter(t)
	serve(t, r, text(owner, "/history"))
	if !strings.Contains(ad.last(), control.CodeUnavailable) {
		t.Fatalf("reply = %q", ad.last())
	}
}

func TestUploadDeploys(t *testing.T) {
	r, ctl, ad := newTestRouter(t)
	ad.payload = "print('hi')"
	up := kit.Update{Kind: kit.UpdateDocument, Message: &kit.Message{
		ChatID: owner, FromID: owner,
		Document: &kit.Document{FileID: "f1", FileName: "bot.py", Size: 11},
	}}
	serve(t, r, up)
	if len(ctl.calls) != 1 || ctl.calls[0] != "deploy admin bot.py" || ctl.deployed != "print('hi')" {
		t.Fatalf("calls = %v deployed = %q", ctl.calls, ctl.deployed)
	}
	if !strings.Contains(ad.last(), "/start bot") {
		t.Fatalf("reply = %q", ad.last())
	}
	left, _ := os.ReadDir(r.opts.TmpDir)
	if len(left) != 0 {
		t.Fatalf("upload not cleaned up: %d files", len(left))
	}
}

func TestUploadTooLarge(t *testing.T) {
	r, ctl, ad := newTestRouter(t)
	up := kit.Update{Kind: kit.UpdateDocument, Message: &kit.Message{
		ChatID: owner, FromID: owner,
		Document: &kit.Document{FileID: "f1", FileName: "big.zip", Size: 2 << 20},
	}}
	serve(t, r, up)
	if len(ctl.calls) != 0 || !strings.Contains(ad.last(), control.CodeInvalidArgument) {
		t.Fatalf("calls = %v reply = %q", ctl.calls, ad.last())
	}
}

func TestRunPublishesMenuAndDispatches(t *testing.T) {
	r, ctl, ad := newTestRouter(t)
	ctx, cancel := context.WithCancel(context.Background())
	updates := make(chan kit.Update, 1)
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx, updates) }()

	updates <- text(owner, "/start bot")
	deadline := time.Now().Add(2 * time.Second)
	for {
		ad.mu.Lock()
		n, menu := len(ad.sent), len(ad.menu)
		ad.mu.Unlock()
		if n > 0 && menu > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("sent=%d menu=%d", n, menu)
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run = %v", err)
	}
	if ctl.calls[0] != "start admin bot" {
		t.Fatalf("calls = %v", ctl.calls)
	}
}

func TestCutFlags(t *testing.T) {
	flags, rest := cutFlags(` --image=u --apps "a, b"  body  text`, broadcastFlags)
	if flags["image"] != "u" || flags["apps"] != "a, b" || rest != "body  text" {
		t.Fatalf("flags = %v rest = %q", flags, rest)
	}
	flags, rest = cutFlags("--apps", broadcastFlags)
	if len(flags) != 0 || rest != "" {
		t.Fatalf("flags = %v rest = %q", flags, rest)
	}
}

func TestPanicBecomesInternalError(t *testing.T) {
	r, _, ad := newTestRouter(t)
	r.register(append(r.commands(), Command{Name: "boom", Handle: func(context.Context, *Request) error {
		panic("kaboom")
	}}))
	serve(t, r, text(owner, "/boom"))
	if got := ad.last(); !strings.Contains(got, control.CodeInternal) || strings.Contains(got, "kaboom") {
		t.Fatalf("reply = %q", got)
	}
}
