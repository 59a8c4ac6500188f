package broadcast

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"hostbot/internal/deploy"
	"hostbot/internal/scan"
	"hostbot/internal/storage"
	logx "hostbot/pkg/logx"
)

type fakeScanner map[string]scan.Credentials

func (f fakeScanner) Scan(root string) scan.Credentials { return f[root] }

type fakeSender struct {
	mu     sync.Mutex
	tokens map[string]int
	fail   func(chatID string) bool
	block  bool
}

func (f *fakeSender) Send(ctx context.Context, token, chatID string, _ Message) error {
	f.mu.Lock()
	if f.tokens == nil {
		f.tokens = map[string]int{}
	}
	f.tokens[token]++
	f.mu.Unlock()
	if f.block {
		<-ctx.Done()
		return ctx.Err()
	}
	if f.fail != nil && f.fail(chatID) {
		return errors.New("403 blocked by user")
	}
	return nil
}

type fakeHistory struct {
	recs []storage.BroadcastRecord
}

func (h *fakeHistory) AppendBroadcast(_ context.Context, r storage.BroadcastRecord) error {
	h.recs = append(h.recs, r)
	return nil
}

func ids(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("%d", 100000+i)
	}
	return out
}

func TestRunBatchesAndTallies(t *testing.T) {
	sc := fakeScanner{"/a": {Token: "tok-a", Recipients: ids(65)}}
	snd := &fakeSender{fail: func(id string) bool { return id[len(id)-1] == '7' }}
	hist := &fakeHistory{}
	e := New(Options{BatchPause: time.Millisecond}, sc, snd, hist, nil, logx.Nop())
	var sizes []int
	e.onBatch = func(n int) { sizes = append(sizes, n) }

	res, err := e.Run(context.Background(), Job{Message: Message{Text: "hello"}, Scope: "all"},
		[]Target{{Key: deploy.Key{Tenant: "admin", App: "a"}, Root: "/a"}})
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(sizes, []int{30, 30, 5}) {
		t.Fatalf("batches = %v, want [30 30 5]", sizes)
	}
	if res.TotalRecipients != 65 || res.Success+res.Failed != 65 || res.Failed != 6 || res.Batches != 3 {
		t.Fatalf("result = %+v", res)
	}
	if len(hist.recs) != 1 || hist.recs[0].Total != 65 || hist.recs[0].TokenApp != "admin/a" {
		t.Fatalf("history = %+v", hist.recs)
	}
}

func TestRunPausesBetweenBatchesOnly(t *testing.T) {
	sc := fakeScanner{"/a": {Token: "t", Recipients: ids(3)}}
	e := New(Options{BatchSize: 1, BatchPause: 40 * time.Millisecond}, sc, &fakeSender{}, nil, nil, logx.Nop())
	start := time.Now()
	if _, err := e.Run(context.Background(), Job{Message: Message{Text: "x"}}, []Target{{Root: "/a"}}); err != nil {
		t.Fatal(err)
	}
	if took := time.Since(start); took < 80*time.Millisecond {
		t.Fatalf("took %v, want two pauses", took)
	}
}

func TestRunUsesFirstTokenForUnion(t *testing.T) {
	sc := fakeScanner{
		"/a": {Recipients: []string{"11111"}},
		"/b": {Token: "tok-b", Recipients: []string{"22222", "11111"}},
		"/c": {Token: "tok-c", Recipients: []string{"33333"}},
	}
	snd := &fakeSender{}
	e := New(Options{BatchPause: time.Millisecond}, sc, snd, nil, nil, logx.Nop())
	res, err := e.Run(context.Background(), Job{Message: Message{Text: "x"}}, []Target{
		{Key: deploy.Key{Tenant: "t", App: "a"}, Root: "/a"},
		{Key: deploy.Key{Tenant: "t", App: "b"}, Root: "/b"},
		{Key: deploy.Key{Tenant: "t", App: "c"}, Root: "/c"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.TotalRecipients != 3 || res.TokenFrom.App != "b" || res.Tokens != 2 {
		t.Fatalf("result = %+v", res)
	}
	if !reflect.DeepEqual(snd.tokens, map[string]int{"tok-b": 3}) {
		t.Fatalf("tokens used = %v", snd.tokens)
	}
}

func TestRunDiscoveryFailures(t *testing.T) {
	cases := []struct {
		name string
		cred scan.Credentials
		want error
	}{
		{"no token", scan.Credentials{Recipients: []string{"12345"}}, ErrNoCredential},
		{"no recipients", scan.Credentials{Token: "t"}, ErrNoRecipients},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			snd := &fakeSender{}
			e := New(Options{}, fakeScanner{"/a": tc.cred}, snd, nil, nil, logx.Nop())
			_, err := e.Run(context.Background(), Job{Message: Message{Text: "x"}}, []Target{{Root: "/a"}})
			if !errors.Is(err, tc.want) || !errors.Is(err, ErrDiscovery) {
				t.Fatalf("err = %v, want %v", err, tc.want)
			}
			if len(snd.tokens) != 0 {
				t.Fatal("dispatched despite discovery failure")
			}
		})
	}
	e := New(Options{}, fakeScanner{}, &fakeSender{}, nil, nil, logx.Nop())
	if _, err := e.Run(context.Background(), Job{}, nil); !errors.Is(err, ErrEmptyText) {
		t.Fatalf("empty text err = %v", err)
	}
}

func TestRunIgnoresCancellationOnceDispatching(t *testing.T) {
	sc := fakeScanner{"/a": {Token: "t", Recipients: ids(4)}}
	snd := &fakeSender{block: true}
	e := New(Options{RequestTimeout: 20 * time.Millisecond, BatchPause: time.Millisecond, BatchSize: 2}, sc, snd, nil, nil, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	e.onBatch = func(int) { cancel() }

	res, err := e.Run(ctx, Job{Message: Message{Text: "x"}}, []Target{{Root: "/a"}})
	if err != nil {
		t.Fatal(err)
	}
	if res.Batches != 2 || res.Failed != 4 {
		t.Fatalf("result = %+v", res)
	}
}

func TestExcerpt(t *testing.T) {
	if got := Excerpt("héllo wörld", 5); got != "héllo" {
		t.Fatalf("Excerpt = %q", got)
	}
	if got := Excerpt("short", 50); got != "short" {
		t.Fatalf("Excerpt = %q", got)
	}
}
