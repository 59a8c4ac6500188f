// Package storage persists broadcast history, the deployment catalog and the
// operator audit trail.
//
// Drivers: "sqlite" (modernc.org/sqlite through sqlx) and "file" (JSON lines
// plus a snapshot). An empty driver or "none" disables storage; Open then
// returns a nil Store and callers skip persistence.
package storage
