// Package logx configures hostbot's structured logging.
//
// Logger is a small value type on top of zerolog:
//   - console output stays readable (short timestamp, file:line caller)
//   - file output is JSON, one event per line
//   - an optional Telegram sink forwards WARN+ events to the owner chat,
//     rate limited so a crash loop cannot flood the chat
package logx
