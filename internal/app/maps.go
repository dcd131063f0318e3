package app

import (
	"fmt"
	"strings"
	"time"

	"autoelect/internal/config"
	"autoelect/internal/monitor"
	"autoelect/internal/notifier"
	"autoelect/internal/portal/gateway"
	"autoelect/internal/storage"
	"autoelect/internal/tracing"
	kit "autoelect/internal/transport"
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
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

// mapNotifierConfig converts the notifier section. An omitted section means enabled with defaults.
func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	n := config.DefaultNotifier()
	if cfg != nil && cfg.Notifier != nil {
		n = *cfg.Notifier
	}
	def := config.DefaultNotifier()
	out := notifier.Config{
		Enabled:         n.Enabled,
		Workers:         n.Workers,
		QueueSize:       n.QueueSize,
		RatePerSec:      n.RatePerSec,
		RetryMax:        n.RetryMax,
		DedupMaxEntries: n.DedupMaxEntries,
		PersistDedup:    n.PersistDedup,
	}

	var err error
	if out.RetryBase, err = config.ParseDurationOrDefault("notifier.retry_base", orDefault(n.RetryBase, def.RetryBase), 0); err != nil {
		return notifier.Config{}, err
	}
	if out.RetryMaxDelay, err = config.ParseDurationOrDefault("notifier.retry_max_delay", orDefault(n.RetryMaxDelay, def.RetryMaxDelay), 0); err != nil {
		return notifier.Config{}, err
	}
	if out.DedupWindow, err = config.ParseDurationOrDefault("notifier.dedup_window", orDefault(n.DedupWindow, def.DedupWindow), 0); err != nil {
		return notifier.Config{}, err
	}

	switch {
	case out.Workers < 0:
		return notifier.Config{}, fmt.Errorf("notifier.workers must be >= 0")
	case out.QueueSize < 0:
		return notifier.Config{}, fmt.Errorf("notifier.queue_size must be >= 0")
	case out.RatePerSec < 0:
		return notifier.Config{}, fmt.Errorf("notifier.rate_per_sec must be >= 0")
	case out.RetryMax < 0:
		return notifier.Config{}, fmt.Errorf("notifier.retry_max must be >= 0")
	case out.DedupMaxEntries < 0:
		return notifier.Config{}, fmt.Errorf("notifier.dedup_max_entries must be >= 0")
	}
	return out, nil
}

func digestSchedule(cfg *config.Config) (spec, tz string) {
	if cfg == nil || cfg.Notifier == nil {
		return "", ""
	}
	return strings.TrimSpace(cfg.Notifier.Digest), strings.TrimSpace(cfg.Notifier.Timezone)
}

// mapMonitorConfig validates and converts the monitor section. force turns the server on
// regardless of monitor.enabled (--with-monitor).
func mapMonitorConfig(cfg *config.Config, force bool) (monitor.Config, error) {
	var out monitor.Config
	if cfg == nil {
		return out, nil
	}
	mc := cfg.Monitor
	out.Enabled = mc.Enabled || force
	out.Addr = strings.TrimSpace(mc.Addr)
	out.Token = strings.TrimSpace(mc.Token)
	out.AllowInsecure = mc.AllowInsecure
	out.Pprof = mc.Pprof
	if out.Addr == "" {
		out.Addr = "127.0.0.1:7070"
	}

	var err error
	if out.ReadTimeout, err = config.ParseDurationOrDefault("monitor.read_timeout", mc.ReadTimeout, 5*time.Second); err != nil {
		return monitor.Config{}, err
	}
	// 0 keeps websocket streams and pprof profiles from being cut off.
	if out.WriteTimeout, err = config.ParseDurationOrDefault("monitor.write_timeout", mc.WriteTimeout, 0); err != nil {
		return monitor.Config{}, err
	}
	if out.IdleTimeout, err = config.ParseDurationOrDefault("monitor.idle_timeout", mc.IdleTimeout, 60*time.Second); err != nil {
		return monitor.Config{}, err
	}
	return out, nil
}

func mapTracingConfig(cfg *config.Config) tracing.Config {
	tc := cfg.Tracing
	name := strings.TrimSpace(tc.ServiceName)
	if name == "" {
		name = "autoelect"
	}
	return tracing.Config{
		Enabled:     tc.Enabled,
		Endpoint:    strings.TrimSpace(tc.Endpoint),
		ServiceName: name,
		SampleRatio: tc.SampleRatio,
		Version:     Version,
	}
}

func mapPortalConfig(cfg *config.Config) (gateway.Config, error) {
	timeout, err := config.ParseDurationOrDefault("portal.timeout", cfg.Portal.Timeout, 30*time.Second)
	if err != nil {
		return gateway.Config{}, err
	}
	return gateway.Config{
		BaseURL:   cfg.Portal.BaseURL,
		UserAgent: cfg.Portal.UserAgent,
		Timeout:   timeout,
	}, nil
}

// chatTarget is where notifications and forwarded logs go. ok is false when no chat is set.
func chatTarget(cfg *config.Config) (kit.ChatTarget, bool) {
	if cfg == nil || cfg.Telegram.ChatID == 0 {
		return kit.ChatTarget{}, false
	}
	return kit.ChatTarget{ChatID: cfg.Telegram.ChatID, ThreadID: cfg.Telegram.ThreadID}, true
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}
