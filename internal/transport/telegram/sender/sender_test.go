package sender

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"hostbot/internal/broadcast"
)

type call struct {
	path string
	body map[string]any
}

func fakeAPI(t *testing.T, status int, ok bool) (*httptest.Server, func() []call) {
	t.Helper()
	var mu sync.Mutex
	var calls []call
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		body := map[string]any{}
		_ = json.Unmarshal(raw, &body)
		mu.Lock()
		calls = append(calls, call{path: r.URL.Path, body: body})
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if ok {
			_, _ = io.WriteString(w, `{"ok":true,"result":{"message_id":7,"date":0,"chat":{"id":1,"type":"private"}}}`)
			return
		}
		_, _ = io.WriteString(w, `{"ok":false,"error_code":403,"description":"Forbidden: bot was blocked by the user"}`)
	}))
	t.Cleanup(srv.Close)
	return srv, func() []call {
		mu.Lock()
		defer mu.Unlock()
		return append([]call(nil), calls...)
	}
}

func TestSendText(t *testing.T) {
	srv, calls := fakeAPI(t, http.StatusOK, true)
	s := New(Config{APIURL: srv.URL, Timeout: 2 * time.Second})

	err := s.Send(context.Background(), "123:abc", "-1001234567890", broadcast.Message{Text: "<b>hi</b>"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	got := calls()
	if len(got) != 1 || got[0].path != "/bot123:abc/sendMessage" {
		t.Fatalf("calls = %+v", got)
	}
	if got[0].body["parse_mode"] != "HTML" || got[0].body["text"] != "<b>hi</b>" {
		t.Fatalf("body = %v", got[0].body)
	}
	if _, has := got[0].body["reply_markup"]; has {
		t.Fatal("reply_markup sent without a button")
	}
}

func TestSendPhotoWithButton(t *testing.T) {
	srv, calls := fakeAPI(t, http.StatusOK, true)
	s := New(Config{APIURL: srv.URL, Timeout: 2 * time.Second})

	msg := broadcast.Message{
		Text:        "caption",
		ImageURL:    "https://example.com/a.png",
		ButtonLabel: "Open",
		ButtonURL:   "https://example.com",
	}
	if err := s.Send(context.Background(), "123:abc", "987654321", msg); err != nil {
		t.Fatalf("Send: %v", err)
	}
	got := calls()
	if len(got) != 1 || got[0].path != "/bot123:abc/sendPhoto" {
		t.Fatalf("calls = %+v", got)
	}
	b := got[0].body
	if b["photo"] != msg.ImageURL || b["caption"] != "caption" {
		t.Fatalf("body = %v", b)
	}
	rm, _ := b["reply_markup"].(string)
	if !strings.Contains(rm, "inline_keyboard") || !strings.Contains(rm, "https://example.com") {
		t.Fatalf("reply_markup = %q", rm)
	}
}

func TestSendFailure(t *testing.T) {
	srv, _ := fakeAPI(t, http.StatusForbidden, false)
	s := New(Config{APIURL: srv.URL, Timeout: 2 * time.Second})
	if err := s.Send(context.Background(), "123:abc", "987654321", broadcast.Message{Text: "x"}); err == nil {
		t.Fatal("blocked chat reported as success")
	}
}

func TestSendBadChatID(t *testing.T) {
	s := New(Config{APIURL: "http://127.0.0.1:1"})
	if err := s.Send(context.Background(), "t", "not-a-number", broadcast.Message{Text: "x"}); err == nil {
		t.Fatal("bad chat id accepted")
	}
}

func TestBotsAreCachedPerToken(t *testing.T) {
	s := New(Config{APIURL: "http://127.0.0.1:1"})
	a, _ := s.bot("1:a")
	b, _ := s.bot("1:a")
	c, _ := s.bot("2:b")
	if a != b || a == c {
		t.Fatal("bot cache keyed incorrectly")
	}
}

func TestSetTimeoutAppliesToNextSend(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"ok":true,"result":{"message_id":7,"date":0,"chat":{"id":1,"type":"private"}}}`)
	}))
	t.Cleanup(srv.Close)
	s := New(Config{APIURL: srv.URL, Timeout: 50 * time.Millisecond})
	ctx := context.Background()

	if err := s.Send(ctx, "123:abc", "987654321", broadcast.Message{Text: "x"}); err == nil {
		t.Fatal("slow API answered within a 50ms timeout")
	}
	s.SetTimeout(5 * time.Second)
	if got := s.Timeout(); got != 5*time.Second {
		t.Fatalf("Timeout = %v", got)
	}
	if err := s.Send(ctx, "123:abc", "987654321", broadcast.Message{Text: "x"}); err != nil {
		t.Fatalf("Send after raising the timeout: %v", err)
	}
}
