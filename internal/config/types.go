package config

// Config is the on-disk configuration. All durations are Go duration strings
// (e.g. "500ms", "10s", "1m"); empty means the default.
type Config struct {
	User    UserConfig    `json:"user"`
	Client  ClientConfig  `json:"client"`
	Portal  PortalConfig  `json:"portal"`
	Captcha CaptchaConfig `json:"captcha"`

	Courses    []CourseConfig `json:"courses"`
	Mutexes    []MutexConfig  `json:"mutexes,omitempty"`
	Delays     []DelayConfig  `json:"delays,omitempty"`
	Partitions [][]string     `json:"partitions,omitempty"`

	Telegram TelegramConfig  `json:"telegram"`
	Logging  LoggingConfig   `json:"logging"`
	Notifier *NotifierConfig `json:"notifier,omitempty"`
	Storage  *StorageConfig  `json:"storage,omitempty"`
	Monitor  MonitorConfig   `json:"monitor"`
	Tracing  TracingConfig   `json:"tracing"`
}

// UserConfig identifies the student. Identity is "bzx" (main degree) or "bfx" (dual degree)
// and is required when dual_degree is set.
type UserConfig struct {
	StudentID  string `json:"student_id"`
	Password   string `json:"password,omitempty"` // prefer AUTOELECT_PASSWORD
	DualDegree bool   `json:"dual_degree"`
	Identity   string `json:"identity,omitempty"`
}

// ClientConfig mirrors rules.ClientParams.
//
// Defaults (when fields are omitted/zero):
//   - poll_interval: 1s, jitter: 0s
//   - login_timeout / attempt_timeout: 10s, acquire_timeout: 5s, captcha_timeout: 20s
//   - pool_size: 2, max_life_uses: 100, max_life_age: 0s (no age limit)
//   - login_interval: 1s, login_backoff_base: 1s, login_backoff_max: 1m
//   - observe_delayed: true
type ClientConfig struct {
	PollInterval     string `json:"poll_interval,omitempty"`
	Jitter           string `json:"jitter,omitempty"`
	LoginTimeout     string `json:"login_timeout,omitempty"`
	AttemptTimeout   string `json:"attempt_timeout,omitempty"`
	AcquireTimeout   string `json:"acquire_timeout,omitempty"`
	CaptchaTimeout   string `json:"captcha_timeout,omitempty"`
	PoolSize         int    `json:"pool_size,omitempty"`
	MaxLifeUses      *int   `json:"max_life_uses,omitempty"`
	MaxLifeAge       string `json:"max_life_age,omitempty"`
	LoginInterval    string `json:"login_interval,omitempty"`
	LoginBackoffBase string `json:"login_backoff_base,omitempty"`
	LoginBackoffMax  string `json:"login_backoff_max,omitempty"`
	ObserveDelayed   *bool  `json:"observe_delayed,omitempty"`
	PrintMutexRules  bool   `json:"print_mutex_rules,omitempty"`
}

type PortalConfig struct {
	BaseURL   string `json:"base_url"`
	UserAgent string `json:"user_agent,omitempty"`
	Timeout   string `json:"timeout,omitempty"`
}

// CaptchaConfig configures the recognition backend. Leaving username empty disables
// solving; challenges then count as missed attempts.
type CaptchaConfig struct {
	Endpoint string `json:"endpoint,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"` // prefer AUTOELECT_CAPTCHA_PASSWORD
	TypeID   int    `json:"type_id,omitempty"`
}

type CourseConfig struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Class  string `json:"class"`
	School string `json:"school"`
}

type MutexConfig struct {
	ID      string   `json:"id"`
	Courses []string `json:"courses"`
}

type DelayConfig struct {
	ID        string `json:"id"`
	Course    string `json:"course"`
	Threshold int    `json:"threshold"`
}

// TelegramConfig is the IM channel used for notifications and forwarded logs.
type TelegramConfig struct {
	Token    string `json:"token,omitempty"` // prefer AUTOELECT_TELEGRAM_TOKEN
	ChatID   int64  `json:"chat_id,omitempty"`
	ThreadID int    `json:"thread_id,omitempty"`
	Timeout  string `json:"timeout,omitempty"`
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
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// NotifierConfig controls the async notification pipeline.
// If the whole section is omitted, the notifier is enabled with defaults.
//
// Digest is an optional cron spec (robfig/cron, 5 fields) for a periodic status summary.
type NotifierConfig struct {
	Enabled         bool   `json:"enabled"`
	Workers         int    `json:"workers"`
	QueueSize       int    `json:"queue_size"`
	RatePerSec      int    `json:"rate_per_sec"`
	RetryMax        int    `json:"retry_max"`
	RetryBase       string `json:"retry_base"`
	RetryMaxDelay   string `json:"retry_max_delay"`
	DedupWindow     string `json:"dedup_window"`
	DedupMaxEntries int    `json:"dedup_max_entries"`
	PersistDedup    bool   `json:"persist_dedup,omitempty"`
	Digest          string `json:"digest,omitempty"`
	Timezone        string `json:"timezone,omitempty"`
}

// StorageConfig controls attempt history and notifier dedup persistence.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./autoelect.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
}

// MonitorConfig controls the status HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:7070").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type MonitorConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:7070"
	Token         string `json:"token,omitempty"` // prefer AUTOELECT_MONITOR_TOKEN
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// TracingConfig enables OTLP/HTTP trace export.
type TracingConfig struct {
	Enabled     bool    `json:"enabled"`
	Endpoint    string  `json:"endpoint,omitempty"` // e.g. "http://localhost:4318"
	ServiceName string  `json:"service_name,omitempty"`
	SampleRatio float64 `json:"sample_ratio,omitempty"`
}
