package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// secrets are read from the environment and override file values when set.
type secrets struct {
	Password        string `env:"AUTOELECT_PASSWORD"`
	CaptchaUsername string `env:"AUTOELECT_CAPTCHA_USERNAME"`
	CaptchaPassword string `env:"AUTOELECT_CAPTCHA_PASSWORD"`
	TelegramToken   string `env:"AUTOELECT_TELEGRAM_TOKEN"`
	MonitorToken    string `env:"AUTOELECT_MONITOR_TOKEN"`
}

func applyEnv(cfg *Config) error {
	var s secrets
	if err := env.Parse(&s); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&cfg.User.Password, s.Password)
	set(&cfg.Captcha.Username, s.CaptchaUsername)
	set(&cfg.Captcha.Password, s.CaptchaPassword)
	set(&cfg.Telegram.Token, s.TelegramToken)
	set(&cfg.Monitor.Token, s.MonitorToken)
	return nil
}
