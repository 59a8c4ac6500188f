package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"hostbot/internal/config"
	"hostbot/internal/deploy"
	rtsup "hostbot/internal/runtime/supervisor"
)

func TestMapStorageConfig(t *testing.T) {
	cases := []struct {
		name    string
		in      *config.StorageConfig
		enabled bool
		wantErr bool
	}{
		{"absent", nil, false, false},
		{"none", &config.StorageConfig{Driver: "none"}, false, false},
		{"file", &config.StorageConfig{Driver: "file", Path: "./data/hostbot"}, true, false},
		{"sqlite", &config.StorageConfig{Driver: "SQLite", Path: "x.db", BusyTimeout: "2s"}, true, false},
		{"sqlite without path", &config.StorageConfig{Driver: "sqlite"}, false, true},
		{"bad busy timeout", &config.StorageConfig{Driver: "sqlite", Path: "x.db", BusyTimeout: "soon"}, false, true},
		{"unknown", &config.StorageConfig{Driver: "redis"}, false, true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			sc, enabled, err := mapStorageConfig(&config.Config{Storage: c.in})
			if (err != nil) != c.wantErr || enabled != c.enabled {
				t.Fatalf("enabled=%v err=%v", enabled, err)
			}
			if c.name == "sqlite" && (sc.Driver != "sqlite" || sc.BusyTimeout != 2*time.Second) {
				t.Fatalf("config = %+v", sc)
			}
		})
	}
}

func TestValidateRejectsBadSchedules(t *testing.T) {
	cfg := &config.Config{Janitor: config.JanitorConfig{Enabled: true, ReapSchedule: "sometimes"}}
	if err := validate(cfg); err == nil {
		t.Fatal("bad reap schedule accepted")
	}
	cfg = &config.Config{Broadcast: config.BroadcastConfig{BatchPause: "-1s"}}
	if err := validate(cfg); err == nil {
		t.Fatal("negative pause accepted")
	}
	if err := validate(&config.Config{}); err != nil {
		t.Fatalf("empty config: %v", err)
	}
}

func TestBroadcastDefaults(t *testing.T) {
	bo, err := mapBroadcastOptions(&config.Config{})
	if err != nil {
		t.Fatal(err)
	}
	if bo.ParseMode != "HTML" || bo.BatchPause != time.Second || bo.RequestTimeout != 10*time.Second {
		t.Fatalf("options = %+v", bo)
	}
}

func TestDebugConfigMapping(t *testing.T) {
	dc, err := mapDebugConfig(&config.Config{Debug: config.DebugConfig{Enabled: true, Prefix: "dbg"}})
	if err != nil {
		t.Fatal(err)
	}
	if !dc.Enabled || dc.Prefix != "dbg" || dc.ReadTimeout != 10*time.Second || dc.WriteTimeout != time.Minute {
		t.Fatalf("config = %+v", dc)
	}
	bad := &config.Config{Debug: config.DebugConfig{Addr: "no-port"}}
	if err := validate(bad); err == nil {
		t.Fatal("addr without port accepted")
	}
}

func TestCrashNotifierThrottles(t *testing.T) {
	n := newNotifier()
	k := deploy.Key{Tenant: "admin", App: "bot"}
	now := time.Now()
	allowed := 0
	for i := 0; i < 10; i++ {
		if n.allow(k, now) {
			allowed++
		}
	}
	if allowed != 3 {
		t.Fatalf("allowed = %d, want 3", allowed)
	}
	if !n.allow(deploy.Key{Tenant: "admin", App: "other"}, now) {
		t.Fatal("other key throttled")
	}
	if !n.allow(k, now.Add(time.Minute)) {
		t.Fatal("still throttled after a minute")
	}
}

func newHeadlessApp(t *testing.T, extra string) (*App, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "hostbot.yaml")
	body := "deploy:\n  root: " + filepath.Join(dir, "apps") + "\n" +
		"storage:\n  driver: file\n  path: " + filepath.Join(dir, "data", "hostbot") + "\n" +
		"janitor:\n  enabled: true\n" + extra
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	a, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = a.store.Close() })
	return a, path
}

func TestNewHeadless(t *testing.T) {
	a, _ := newHeadlessApp(t, "")
	if a.adapter != nil || a.router != nil {
		t.Fatal("control bot built without a token")
	}
	if a.jan == nil || a.Control() == nil {
		t.Fatal("janitor or control missing")
	}
}

func TestReloadRaisesSenderTimeout(t *testing.T) {
	a, _ := newHeadlessApp(t, "broadcast:\n  request_timeout: 2s\n")
	a.sup = rtsup.New(context.Background())
	t.Cleanup(a.sup.Cancel)
	if got := a.sender.Timeout(); got != 2*time.Second {
		t.Fatalf("startup timeout = %v", got)
	}

	prev := a.cfgm.Get()
	next := *prev
	next.Broadcast.RequestTimeout = "30s"
	a.applyConfig(prev, &next)

	if got := a.sender.Timeout(); got != 30*time.Second {
		t.Fatalf("sender timeout after reload = %v, want 30s", got)
	}
	if got := a.engine.Options().RequestTimeout; got != 30*time.Second {
		t.Fatalf("engine timeout after reload = %v, want 30s", got)
	}
}
