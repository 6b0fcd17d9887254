// Package logx configures remindbot's structured logging.
//
// logx.Logger is a small value type on top of zerolog:
//   - console output is human readable (short timestamp + file:line caller)
//   - file output is JSON, one event per line
//   - an optional chat sink mirrors warnings to an operator chat, rate limited
//
// Loggers derived from a Service follow Service.Apply, so level and sink
// changes from a config reload reach every component without re-plumbing.
package logx
