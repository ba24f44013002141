// Package logx configures tumblerd's structured logging.
//
// A small wrapper (logx.Logger) on top of zerolog keeps:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - Sinks and level swappable at runtime on config reload
package logx
