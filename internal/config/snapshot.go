package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"autoelect/internal/portal"
	"autoelect/internal/rules"
	logx "autoelect/pkg/logx"
)

// ClientParams converts the client section. Omitted fields take rules.DefaultClientParams.
func (c ClientConfig) ClientParams() (rules.ClientParams, error) {
	def := rules.DefaultClientParams()
	p := rules.ClientParams{
		PoolSize:        c.PoolSize,
		MaxLifeUses:     def.MaxLifeUses,
		ObserveDelayed:  def.ObserveDelayed,
		PrintMutexRules: c.PrintMutexRules,
	}
	if c.MaxLifeUses != nil {
		p.MaxLifeUses = *c.MaxLifeUses
	}
	if c.ObserveDelayed != nil {
		p.ObserveDelayed = *c.ObserveDelayed
	}

	var errs []error
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"poll_interval", c.PollInterval, &p.PollInterval},
		{"jitter", c.Jitter, &p.Jitter},
		{"login_timeout", c.LoginTimeout, &p.LoginTimeout},
		{"attempt_timeout", c.AttemptTimeout, &p.AttemptTimeout},
		{"acquire_timeout", c.AcquireTimeout, &p.AcquireTimeout},
		{"captcha_timeout", c.CaptchaTimeout, &p.CaptchaTimeout},
		{"max_life_age", c.MaxLifeAge, &p.MaxLifeAge},
		{"login_interval", c.LoginInterval, &p.LoginInterval},
		{"login_backoff_base", c.LoginBackoffBase, &p.LoginBackoffBase},
		{"login_backoff_max", c.LoginBackoffMax, &p.LoginBackoffMax},
	}
	for _, f := range fields {
		d, err := ParseDurationField("client."+f.name, f.raw)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		*f.dst = d
	}
	if len(errs) > 0 {
		return rules.ClientParams{}, errors.Join(errs...)
	}
	return p, nil
}

// BuildSnapshot validates the rule-bearing sections of cfg and returns the snapshot the
// engine runs on. The snapshot version is the config content hash.
func BuildSnapshot(cfg *Config) (*rules.Snapshot, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	client, err := cfg.Client.ClientParams()
	if err != nil {
		return nil, err
	}
	in := rules.Input{
		Courses:    make([]rules.Course, 0, len(cfg.Courses)),
		Mutexes:    make([]rules.MutexGroup, 0, len(cfg.Mutexes)),
		Delays:     make([]rules.DelayRule, 0, len(cfg.Delays)),
		Partitions: cfg.Partitions,
		Client:     client,
		Version:    Version(cfg),
	}
	for _, c := range cfg.Courses {
		in.Courses = append(in.Courses, rules.Course{
			ID:      strings.TrimSpace(c.ID),
			Name:    c.Name,
			ClassNo: c.Class,
			School:  c.School,
		})
	}
	for _, m := range cfg.Mutexes {
		in.Mutexes = append(in.Mutexes, rules.MutexGroup{ID: strings.TrimSpace(m.ID), CourseIDs: m.Courses})
	}
	for _, d := range cfg.Delays {
		in.Delays = append(in.Delays, rules.DelayRule{ID: strings.TrimSpace(d.ID), CourseID: d.Course, Threshold: d.Threshold})
	}
	return rules.Build(in)
}

// Validate checks everything BuildSnapshot does plus the non-rule sections.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	if _, err := BuildSnapshot(cfg); err != nil {
		errs = append(errs, err)
	}
	if strings.TrimSpace(cfg.User.StudentID) == "" {
		errs = append(errs, errors.New("user.student_id is required"))
	}
	if cfg.User.DualDegree {
		switch cfg.User.Identity {
		case "bzx", "bfx":
		default:
			errs = append(errs, fmt.Errorf("user.identity must be \"bzx\" or \"bfx\" for dual degree, got %q", cfg.User.Identity))
		}
	}
	if strings.TrimSpace(cfg.Portal.BaseURL) == "" {
		errs = append(errs, errors.New("portal.base_url is required"))
	}
	checks := []struct{ path, raw string }{
		{"portal.timeout", cfg.Portal.Timeout},
		{"telegram.timeout", cfg.Telegram.Timeout},
		{"monitor.read_timeout", cfg.Monitor.ReadTimeout},
		{"monitor.write_timeout", cfg.Monitor.WriteTimeout},
		{"monitor.idle_timeout", cfg.Monitor.IdleTimeout},
	}
	if n := cfg.Notifier; n != nil {
		checks = append(checks,
			struct{ path, raw string }{"notifier.retry_base", n.RetryBase},
			struct{ path, raw string }{"notifier.retry_max_delay", n.RetryMaxDelay},
			struct{ path, raw string }{"notifier.dedup_window", n.DedupWindow},
		)
	}
	if s := cfg.Storage; s != nil {
		checks = append(checks, struct{ path, raw string }{"storage.busy_timeout", s.BusyTimeout})
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "", "none", "file", "sqlite":
		default:
			errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", s.Driver))
		}
	}
	for _, c := range checks {
		if _, err := ParseDurationField(c.path, c.raw); err != nil {
			errs = append(errs, err)
		}
	}
	if r := cfg.Tracing.SampleRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("tracing.sample_ratio must be within [0,1], got %v", r))
	}
	return errors.Join(errs...)
}

// Credentials returns the login material for the session pool.
func (c *Config) Credentials() portal.Credentials {
	return portal.Credentials{
		StudentID:  strings.TrimSpace(c.User.StudentID),
		Password:   c.User.Password,
		DualDegree: c.User.DualDegree,
		Identity:   c.User.Identity,
	}
}

// LogConfig maps the logging section onto the logging service config.
func (c *Config) LogConfig() logx.Config {
	return logx.Config{
		Level:   c.Logging.Level,
		Console: c.Logging.Console,
		File: logx.FileConfig{
			Enabled: c.Logging.File.Enabled,
			Path:    c.Logging.File.Path,
		},
		Remote: logx.RemoteConfig{
			Enabled:    c.Logging.Telegram.Enabled,
			MinLevel:   c.Logging.Telegram.MinLevel,
			RatePerSec: c.Logging.Telegram.RatePerSec,
		},
	}
}
