package notifier

import "time"

// Config tunes delivery. Zero values fall back to withDefaults.
type Config struct {
	Enabled         bool
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
	PersistDedup    bool
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 3
	}
	c.RetryMax = max(c.RetryMax, 0)
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 10 * time.Second
	}
	c.DedupWindow = max(c.DedupWindow, 0)
	if c.DedupMaxEntries <= 0 {
		c.DedupMaxEntries = 1000
	}
	return c
}

// HistoryItem is one delivered message as shown on /status.
type HistoryItem struct {
	At       time.Time `json:"at"`
	Priority int       `json:"priority"`
	Text     string    `json:"text"`
}

// NotificationEvent is the Data of every notifier.* bus event.
type NotificationEvent struct {
	Channel  string    `json:"channel"`
	ChatID   int64     `json:"chat_id"`
	ThreadID int       `json:"thread_id,omitempty"`
	Priority int       `json:"priority"`
	Key      string    `json:"key,omitempty"`
	At       time.Time `json:"at"`
	Error    string    `json:"error,omitempty"`
}

const (
	TypeQueued  = "notifier.queued"
	TypeDeduped = "notifier.deduped"
	TypeDropped = "notifier.dropped"
	TypeSent    = "notifier.sent"
	TypeFailed  = "notifier.failed"
)
