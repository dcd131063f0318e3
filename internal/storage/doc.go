// Package storage persists what the scheduler did.
//
// It currently supports:
//   - Attempt history appends (one record per election attempt)
//   - Optional notifier dedup state (to survive restarts)
package storage
