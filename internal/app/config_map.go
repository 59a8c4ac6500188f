package app

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"hostbot/internal/broadcast"
	"hostbot/internal/config"
	"hostbot/internal/deploy"
	"hostbot/internal/janitor"
	"hostbot/internal/observability/debug"
	"hostbot/internal/procsup"
	"hostbot/internal/storage"
	logx "hostbot/pkg/logx"
)

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "file":
		return storage.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			ThreadID:   cfg.Logging.Telegram.ThreadID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

// groupLogChat parses telegram.group_log; 0 means no target.
func groupLogChat(cfg *config.Config) int64 {
	id, err := strconv.ParseInt(strings.TrimSpace(cfg.Telegram.GroupLog), 10, 64)
	if err != nil {
		return 0
	}
	return id
}

func interpreter(cfg *config.Config) string {
	if s := strings.TrimSpace(cfg.Supervisor.Interpreter); s != "" {
		return s
	}
	return "python3"
}

func tenant(cfg *config.Config) string {
	if s := strings.TrimSpace(cfg.Deploy.Tenant); s != "" {
		return s
	}
	return "admin"
}

func mapDeployOptions(cfg *config.Config) (deploy.Options, error) {
	timeout, err := config.ParseDurationOrDefault("deploy.install_timeout", cfg.Deploy.InstallTimeout, 5*time.Minute)
	if err != nil {
		return deploy.Options{}, err
	}
	return deploy.Options{
		Root:                cfg.Deploy.Root,
		ScriptExt:           cfg.Deploy.ScriptExt,
		Interpreter:         interpreter(cfg),
		InstallRequirements: cfg.Deploy.InstallRequirements,
		InstallTimeout:      timeout,
		MaxUploadBytes:      cfg.Deploy.MaxUploadBytes,
	}, nil
}

func mapProcOptions(cfg *config.Config) (procsup.Options, error) {
	stop, err := config.ParseDurationOrDefault("supervisor.stop_timeout", cfg.Supervisor.StopTimeout, 0)
	if err != nil {
		return procsup.Options{}, err
	}
	kill, err := config.ParseDurationOrDefault("supervisor.kill_timeout", cfg.Supervisor.KillTimeout, 0)
	if err != nil {
		return procsup.Options{}, err
	}
	return procsup.Options{
		Interpreter: interpreter(cfg),
		StopTimeout: stop,
		KillTimeout: kill,
		Listener:    cfg.Supervisor.Listener,
		Env:         cfg.Supervisor.Env,
	}, nil
}

func mapBroadcastOptions(cfg *config.Config) (broadcast.Options, error) {
	pause, err := config.ParseDurationOrDefault("broadcast.batch_pause", cfg.Broadcast.BatchPause, broadcast.DefaultBatchPause)
	if err != nil {
		return broadcast.Options{}, err
	}
	timeout, err := config.ParseDurationOrDefault("broadcast.request_timeout", cfg.Broadcast.RequestTimeout, broadcast.DefaultRequestTimeout)
	if err != nil {
		return broadcast.Options{}, err
	}
	mode := cfg.Broadcast.ParseMode
	if mode == "" {
		mode = "HTML"
	}
	return broadcast.Options{
		BatchSize:      cfg.Broadcast.BatchSize,
		BatchPause:     pause,
		RequestTimeout: timeout,
		ExcerptLen:     cfg.Broadcast.ExcerptLen,
		ParseMode:      mode,
	}, nil
}

func mapJanitorConfig(cfg *config.Config) (janitor.Config, error) {
	keep, err := config.ParseDurationOrDefault("janitor.history_retention", cfg.Janitor.HistoryRetention, janitor.DefaultRetention)
	if err != nil {
		return janitor.Config{}, err
	}
	return janitor.Config{
		ReapSchedule:  cfg.Janitor.ReapSchedule,
		PruneSchedule: cfg.Janitor.PruneSchedule,
		Retention:     keep,
		Timezone:      cfg.Janitor.Timezone,
	}, nil
}

func mapDebugConfig(cfg *config.Config) (debug.Config, error) {
	rt, err := config.ParseDurationOrDefault("debug.read_timeout", cfg.Debug.ReadTimeout, 10*time.Second)
	if err != nil {
		return debug.Config{}, err
	}
	// profiles stream for up to 30s by default
	wt, err := config.ParseDurationOrDefault("debug.write_timeout", cfg.Debug.WriteTimeout, 60*time.Second)
	if err != nil {
		return debug.Config{}, err
	}
	return debug.Config{
		Enabled:              cfg.Debug.Enabled,
		Addr:                 cfg.Debug.Addr,
		Prefix:               cfg.Debug.Prefix,
		Token:                cfg.Debug.Token,
		AllowInsecure:        cfg.Debug.AllowInsecure,
		ReadTimeout:          rt,
		WriteTimeout:         wt,
		MutexProfileFraction: cfg.Debug.MutexProfileFraction,
		BlockProfileRate:     cfg.Debug.BlockProfileRate,
	}, nil
}

// LoadConfig reads and validates a config file without building anything.
func LoadConfig(path string) (*config.Config, error) {
	cfg, err := config.NewManager(path).Parse()
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// OpenStorage opens the configured store for offline inspection. It returns
// storage.ErrDisabled when no driver is configured.
func OpenStorage(cfg *config.Config) (storage.Store, error) {
	sc, enabled, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	if !enabled {
		return nil, storage.ErrDisabled
	}
	return storage.Open(sc, logx.Nop())
}

// ScriptExt is the configured entry point extension.
func ScriptExt(cfg *config.Config) string {
	if ext := strings.TrimSpace(cfg.Deploy.ScriptExt); ext != "" {
		return ext
	}
	return ".py"
}
