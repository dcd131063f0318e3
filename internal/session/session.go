package session

import (
	"time"

	"autoelect/internal/portal"
	"autoelect/internal/rules"
)

type State int

const (
	Fresh State = iota
	Active
	Expired
	Discarded
)

func (s State) String() string {
	switch s {
	case Fresh:
		return "fresh"
	case Active:
		return "active"
	case Expired:
		return "expired"
	case Discarded:
		return "discarded"
	default:
		return "unknown"
	}
}

// Session is one authenticated portal identity. Only the pool mutates it; borrowers read
// ID and Identity, which never change.
type Session struct {
	id       string
	identity portal.Identity
	created  time.Time

	uses  int
	state State
}

func (s *Session) ID() string                { return s.id }
func (s *Session) Identity() portal.Identity { return s.identity }
func (s *Session) Created() time.Time        { return s.created }

// Config sizes the pool and paces logins.
type Config struct {
	Credentials portal.Credentials

	Size    int
	MaxUses int           // 0: unlimited
	MaxAge  time.Duration // 0: unlimited

	LoginTimeout  time.Duration
	LoginInterval time.Duration
	BackoffBase   time.Duration
	BackoffMax    time.Duration
}

// ConfigFrom maps the scheduler's client parameters onto a pool config.
func ConfigFrom(p rules.ClientParams, cred portal.Credentials) Config {
	return Config{
		Credentials:   cred,
		Size:          p.PoolSize,
		MaxUses:       p.MaxLifeUses,
		MaxAge:        p.MaxLifeAge,
		LoginTimeout:  p.LoginTimeout,
		LoginInterval: p.LoginInterval,
		BackoffBase:   p.LoginBackoffBase,
		BackoffMax:    p.LoginBackoffMax,
	}
}

func (c Config) withDefaults() Config {
	if c.Size <= 0 {
		c.Size = 1
	}
	if c.LoginTimeout <= 0 {
		c.LoginTimeout = 10 * time.Second
	}
	if c.LoginInterval <= 0 {
		c.LoginInterval = time.Second
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffMax < c.BackoffBase {
		c.BackoffMax = c.BackoffBase
	}
	return c
}

// LoginFailed is published on the event bus after every failed login.
type LoginFailed struct {
	Attempt int           `json:"attempt"`
	Backoff time.Duration `json:"backoff"`
	Err     string        `json:"error"`
	At      time.Time     `json:"at"`
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Target        int       `json:"target"`
	Idle          int       `json:"idle"`
	Borrowed      int       `json:"borrowed"`
	Logins        uint64    `json:"logins"`
	LoginFailures uint64    `json:"login_failures"`
	FailureStreak int       `json:"failure_streak"`
	Expired       uint64    `json:"expired"`
	Discarded     uint64    `json:"discarded"`
	LastLogin     time.Time `json:"last_login,omitzero"`
	LastError     string    `json:"last_error,omitempty"`
}
