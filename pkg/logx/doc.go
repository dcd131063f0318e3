// Package logx configures autoelect's structured logging.
//
// A small wrapper (logx.Logger) on top of zerolog keeps:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - An optional IM sink (min-level + rate limiting) for operators who are
//     not watching the terminal while a registration run is in progress
package logx
