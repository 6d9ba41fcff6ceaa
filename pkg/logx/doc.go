// Package logx configures livenudge's structured logging.
//
// A small wrapper (logx.Logger) on top of zerolog keeps:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured and size-rotated
//   - An optional ops alert sink (min-level + rate limiting)
package logx
