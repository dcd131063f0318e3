package config

import (
	"reflect"
	"sort"
	"strings"

	logx "autoelect/pkg/logx"
)

// DefaultNotifier is the effective notifier section when it is omitted.
func DefaultNotifier() NotifierConfig {
	return NotifierConfig{
		Enabled:         true,
		Workers:         2,
		QueueSize:       512,
		RatePerSec:      3,
		RetryMax:        3,
		RetryBase:       "500ms",
		RetryMaxDelay:   "10s",
		DedupWindow:     "1m",
		DedupMaxEntries: 2000,
	}
}

// SummarizeConfigChange returns (1) a compact list of changed sections and
// (2) safe structured attrs for logging (never includes passwords or tokens).
//
// Sections in RestartSections cannot be applied to a running process.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	// Rule-bearing sections
	if !reflect.DeepEqual(oldCfg.Courses, newCfg.Courses) {
		changed = append(changed, "courses")
		attrs = append(attrs, logx.Int("courses.count", len(newCfg.Courses)))
	}
	if !reflect.DeepEqual(oldCfg.Mutexes, newCfg.Mutexes) {
		changed = append(changed, "mutexes")
		attrs = append(attrs, logx.Int("mutexes.count", len(newCfg.Mutexes)))
	}
	if !reflect.DeepEqual(oldCfg.Delays, newCfg.Delays) {
		changed = append(changed, "delays")
		attrs = append(attrs, logx.Int("delays.count", len(newCfg.Delays)))
	}
	if !reflect.DeepEqual(oldCfg.Partitions, newCfg.Partitions) {
		changed = append(changed, "partitions")
		attrs = append(attrs, logx.Int("partitions.count", len(newCfg.Partitions)))
	}
	if !reflect.DeepEqual(oldCfg.Client, newCfg.Client) {
		changed = append(changed, "client")
		attrs = append(attrs,
			logx.String("client.poll_interval", strings.TrimSpace(newCfg.Client.PollInterval)),
			logx.Int("client.pool_size", newCfg.Client.PoolSize),
		)
	}

	// User (never log password)
	if oldCfg.User.StudentID != newCfg.User.StudentID ||
		oldCfg.User.DualDegree != newCfg.User.DualDegree ||
		oldCfg.User.Identity != newCfg.User.Identity ||
		oldCfg.User.Password != newCfg.User.Password {
		changed = append(changed, "user")
		attrs = append(attrs, logx.Bool("user.dual_degree", newCfg.User.DualDegree))
	}

	if oldCfg.Portal != newCfg.Portal {
		changed = append(changed, "portal")
		attrs = append(attrs, logx.String("portal.base_url", strings.TrimSpace(newCfg.Portal.BaseURL)))
	}

	// Captcha (never log password)
	if oldCfg.Captcha != newCfg.Captcha {
		changed = append(changed, "captcha")
		attrs = append(attrs,
			logx.String("captcha.endpoint", strings.TrimSpace(newCfg.Captcha.Endpoint)),
			logx.Bool("captcha.enabled", strings.TrimSpace(newCfg.Captcha.Username) != ""),
		)
	}

	// Telegram (never log token)
	if oldCfg.Telegram != newCfg.Telegram {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.token_set", strings.TrimSpace(newCfg.Telegram.Token) != ""),
			logx.Int64("telegram.chat_id", newCfg.Telegram.ChatID),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	// Notifier: a nil section means runtime defaults.
	defN := DefaultNotifier()
	oldN, newN := &defN, &defN
	if oldCfg.Notifier != nil {
		oldN = oldCfg.Notifier
	}
	if newCfg.Notifier != nil {
		newN = newCfg.Notifier
	}
	if *oldN != *newN {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Bool("notifier.enabled", newN.Enabled),
			logx.Int("notifier.workers", newN.Workers),
			logx.Int("notifier.rate_per_sec", newN.RatePerSec),
			logx.String("notifier.digest", newN.Digest),
		)
	}

	// Storage: nil means disabled.
	var oS, nS StorageConfig
	if oldCfg.Storage != nil {
		oS = *oldCfg.Storage
	}
	if newCfg.Storage != nil {
		nS = *newCfg.Storage
	}
	if oS != nS {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
		)
	}

	// Monitor (never log token)
	if oldCfg.Monitor != newCfg.Monitor {
		changed = append(changed, "monitor")
		attrs = append(attrs,
			logx.Bool("monitor.enabled", newCfg.Monitor.Enabled),
			logx.String("monitor.addr", strings.TrimSpace(newCfg.Monitor.Addr)),
			logx.Bool("monitor.token_set", strings.TrimSpace(newCfg.Monitor.Token) != ""),
		)
	}

	if oldCfg.Tracing != newCfg.Tracing {
		changed = append(changed, "tracing")
		attrs = append(attrs, logx.Bool("tracing.enabled", newCfg.Tracing.Enabled))
	}

	sort.Strings(changed)
	return changed, attrs
}

// RestartSections lists sections that only take effect after a restart.
var RestartSections = []string{"captcha", "partitions", "portal", "storage", "telegram", "tracing"}

// NeedsRestart returns the changed sections that a hot reload cannot apply.
func NeedsRestart(changed []string) []string {
	var out []string
	for _, s := range changed {
		for _, r := range RestartSections {
			if s == r {
				out = append(out, s)
			}
		}
	}
	return out
}
