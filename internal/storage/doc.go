// Package storage provides the durable per-user key-value layer.
//
// The notification core keeps one value per user in it: the unread
// watermark under "chat:lastSeenAt:<userId>". Drivers:
//   - memory: process-local map (default, nothing survives a restart)
//   - file:   JSON Lines journal + periodic snapshot
//   - sqlite: single table in a SQLite database file
//   - redis:  plain string keys with an optional prefix
package storage
