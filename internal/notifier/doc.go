// Package notifier delivers operator notifications about the registration run.
//
// Notifications are small, high-signal messages: a course was elected, logins keep
// failing, the run stopped. A notification carries a priority, a target chat
// (optionally with a thread/topic), and send options.
//
// # Pipeline
//
// Service is an async queue drained by a small worker pool with a shared rate limit,
// retry with jittered backoff, and a dedup window that can be persisted through
// storage.Store to survive restarts. Delivery goes through a transport.Sender (the
// Telegram adapter in production).
//
// # Sources
//
// Observer turns event bus traffic into notifications. Digest posts a periodic status
// summary on a cron schedule.
package notifier
