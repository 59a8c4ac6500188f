package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

// Validate checks the fields that would otherwise fail late, at first use.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	durations := []struct{ path, raw string }{
		{"telegram.poll_timeout", cfg.Telegram.PollTimeout},
		{"deploy.install_timeout", cfg.Deploy.InstallTimeout},
		{"supervisor.stop_timeout", cfg.Supervisor.StopTimeout},
		{"supervisor.kill_timeout", cfg.Supervisor.KillTimeout},
		{"broadcast.batch_pause", cfg.Broadcast.BatchPause},
		{"broadcast.request_timeout", cfg.Broadcast.RequestTimeout},
		{"janitor.history_retention", cfg.Janitor.HistoryRetention},
		{"debug.read_timeout", cfg.Debug.ReadTimeout},
		{"debug.write_timeout", cfg.Debug.WriteTimeout},
	}
	if cfg.Storage != nil {
		durations = append(durations, struct{ path, raw string }{"storage.busy_timeout", cfg.Storage.BusyTimeout})
	}
	for _, d := range durations {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			errs = append(errs, err)
		}
	}
	if cfg.Broadcast.BatchSize < 0 {
		errs = append(errs, fmt.Errorf("broadcast.batch_size must be >= 0"))
	}
	if cfg.Broadcast.ExcerptLen < 0 {
		errs = append(errs, fmt.Errorf("broadcast.excerpt_len must be >= 0"))
	}
	if ext := strings.TrimSpace(cfg.Deploy.ScriptExt); ext != "" && !strings.HasPrefix(ext, ".") {
		errs = append(errs, fmt.Errorf("deploy.script_ext must start with '.' (got %q)", ext))
	}
	if addr := strings.TrimSpace(cfg.Debug.Addr); addr != "" {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			errs = append(errs, fmt.Errorf("debug.addr: %w", err))
		}
	}
	if cfg.Storage != nil {
		switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
		case "", "none", "file", "sqlite", "sqlite3":
		default:
			errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
		}
	}
	return errors.Join(errs...)
}
