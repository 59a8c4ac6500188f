package adapter

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	kit "hostbot/internal/transport"
	logx "hostbot/pkg/logx"
)

const testToken = "123456:test"

// fakeBotAPI answers the handful of Bot API calls the adapter makes.
func fakeBotAPI(t *testing.T, payload string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/getMe"):
			_, _ = io.WriteString(w, `{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"host","username":"hostbot_bot"}}`)
		case strings.HasSuffix(r.URL.Path, "/getFile"):
			_, _ = io.WriteString(w, `{"ok":true,"result":{"file_id":"f1","file_unique_id":"u1","file_size":11,"file_path":"documents/bot.py"}}`)
		case r.URL.Path == "/file/bot"+testToken+"/documents/bot.py":
			_, _ = io.WriteString(w, payload)
		case strings.HasSuffix(r.URL.Path, "/sendMessage"):
			_, _ = io.WriteString(w, `{"ok":true,"result":{"message_id":9,"date":0,"chat":{"id":42,"type":"private"}}}`)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestDownloadWritesFile(t *testing.T) {
	srv := fakeBotAPI(t, "print('hi')")
	a, err := New(Config{Token: testToken, APIURL: srv.URL, MaxDownloadBytes: 1 << 10}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	dst := filepath.Join(t.TempDir(), "up", "bot.py")
	if err := a.Download(context.Background(), kit.Document{FileID: "f1", FileName: "bot.py", Size: 11}, dst); err != nil {
		t.Fatalf("Download: %v", err)
	}
	got, _ := os.ReadFile(dst)
	if string(got) != "print('hi')" {
		t.Fatalf("content = %q", got)
	}
}

func TestDownloadEnforcesCap(t *testing.T) {
	srv := fakeBotAPI(t, strings.Repeat("x", 64))
	a, err := New(Config{Token: testToken, APIURL: srv.URL, MaxDownloadBytes: 16}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	dst := filepath.Join(t.TempDir(), "big.zip")

	// declared size already over the cap: no request needed
	err = a.Download(context.Background(), kit.Document{FileID: "f1", FileName: "big.zip", Size: 64}, dst)
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("declared size: err = %v", err)
	}
	// declared size lies; the stream is cut
	err = a.Download(context.Background(), kit.Document{FileID: "f1", FileName: "big.zip", Size: 1}, dst)
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("streamed size: err = %v", err)
	}
}

func TestSendTextReturnsFirstMessage(t *testing.T) {
	srv := fakeBotAPI(t, "")
	a, err := New(Config{Token: testToken, APIURL: srv.URL}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	ref, err := a.SendText(context.Background(), kit.ChatTarget{ChatID: 42}, "hello", nil)
	if err != nil {
		t.Fatal(err)
	}
	if ref.ChatID != 42 || ref.MessageID != 9 {
		t.Fatalf("ref = %+v", ref)
	}
}

func TestSameMenu(t *testing.T) {
	m := []kit.BotCommand{{Command: "apps", Description: "list"}}
	if sameMenu(nil, nil) {
		t.Fatal("nil menu treated as published")
	}
	if !sameMenu(m, []kit.BotCommand{{Command: "apps", Description: "list"}}) {
		t.Fatal("equal menus differ")
	}
	if sameMenu(m, []kit.BotCommand{{Command: "apps", Description: "all"}}) {
		t.Fatal("changed description not detected")
	}
}
