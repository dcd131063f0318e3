package storage

import "time"

// Config configures storage.
//
// Driver values:
//   - "file": JSON Lines history plus a JSON file of dedup marks
//   - "sqlite": SQLite database file (pure Go driver)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	// Keep bounds the in-memory tail the file driver serves Recent from. 0 means 512.
	Keep int
}

// AttemptEntry records one election attempt.
// Keep it compact and schema-stable.
type AttemptEntry struct {
	At        time.Time `json:"at"`
	Partition string    `json:"partition"`
	CourseID  string    `json:"course_id"`
	Course    string    `json:"course"`
	Outcome   string    `json:"outcome"`
	Enrolled  *int      `json:"enrolled,omitempty"`
	Captcha   bool      `json:"captcha,omitempty"`
	Message   string    `json:"message,omitempty"`
	Error     string    `json:"error,omitempty"`
	TookMS    int64     `json:"took_ms"`
}
