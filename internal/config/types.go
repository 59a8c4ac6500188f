package config

// Config is the on-disk daemon configuration (JSON or YAML).
//
// All durations are Go duration strings ("500ms", "10s", "2m").
type Config struct {
	Telegram   TelegramConfig   `json:"telegram"`
	Logging    LoggingConfig    `json:"logging"`
	Storage    *StorageConfig   `json:"storage,omitempty"`
	Deploy     DeployConfig     `json:"deploy"`
	Supervisor SupervisorConfig `json:"supervisor"`
	Broadcast  BroadcastConfig  `json:"broadcast"`
	Janitor    JanitorConfig    `json:"janitor"`
	Debug      DebugConfig      `json:"debug"`
}

// TelegramConfig configures the operator control bot. An empty token runs the
// daemon headless (no control bot, no Telegram log sink).
type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	GroupLog     string  `json:"group_log"`
	PollTimeout  string  `json:"poll_timeout"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig controls broadcast history and the deployment catalog.
//
//	"storage": { "driver": "sqlite", "path": "./data/hostbot.db" }
//
// Driver is "sqlite", "file" or "none".
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// DeployConfig controls the on-disk deployment tree.
//
// Defaults:
//   - root: "./deployments"
//   - tenant: "admin"
//   - script_ext: ".py"
//   - interpreter: supervisor.interpreter
//   - install_timeout: "5m"
type DeployConfig struct {
	Root                string `json:"root"`
	Tenant              string `json:"tenant"`
	ScriptExt           string `json:"script_ext"`
	InstallRequirements bool   `json:"install_requirements"`
	InstallTimeout      string `json:"install_timeout,omitempty"`
	MaxUploadBytes      int64  `json:"max_upload_bytes,omitempty"`
}

// SupervisorConfig controls child processes.
//
// Listener, when set, is an already-on-disk script launched in front of the
// deployment entry point: argv becomes [interpreter -u listener entry].
type SupervisorConfig struct {
	Interpreter string            `json:"interpreter"`
	StopTimeout string            `json:"stop_timeout,omitempty"`
	KillTimeout string            `json:"kill_timeout,omitempty"`
	Listener    string            `json:"listener,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
}

// BroadcastConfig tunes the fan-out engine.
//
// Defaults: batch_size 30, batch_pause "1s", request_timeout "10s",
// parse_mode "HTML", excerpt_len 50.
type BroadcastConfig struct {
	APIURL         string `json:"api_url,omitempty"`
	BatchSize      int    `json:"batch_size,omitempty"`
	BatchPause     string `json:"batch_pause,omitempty"`
	RequestTimeout string `json:"request_timeout,omitempty"`
	ParseMode      string `json:"parse_mode,omitempty"`
	ExcerptLen     int    `json:"excerpt_len,omitempty"`
}

// JanitorConfig schedules maintenance jobs (robfig/cron specs, seconds optional).
type JanitorConfig struct {
	Enabled          bool   `json:"enabled"`
	ReapSchedule     string `json:"reap_schedule,omitempty"`
	PruneSchedule    string `json:"prune_schedule,omitempty"`
	HistoryRetention string `json:"history_retention,omitempty"`
	Timezone         string `json:"timezone,omitempty"`
}

// DebugConfig controls the local profiling and status endpoint.
//
//	"debug": { "enabled": true, "addr": "127.0.0.1:6060", "token": "..." }
//
// A non-loopback addr needs a token unless allow_insecure is set.
type DebugConfig struct {
	Enabled              bool   `json:"enabled"`
	Addr                 string `json:"addr,omitempty"`
	Prefix               string `json:"prefix,omitempty"`
	Token                string `json:"token,omitempty"`
	AllowInsecure        bool   `json:"allow_insecure,omitempty"`
	ReadTimeout          string `json:"read_timeout,omitempty"`
	WriteTimeout         string `json:"write_timeout,omitempty"`
	MutexProfileFraction int    `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int    `json:"block_profile_rate,omitempty"`
}
