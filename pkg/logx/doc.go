// Package logx configures postplanner's structured logging.
//
// It is a small wrapper (logx.Logger) on top of zerolog that keeps:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - Optional chat sink (min-level + rate limiting) so operators can
//     follow the bot from the log channel itself
package logx
