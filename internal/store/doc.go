// Package store provides persistent storage for the relay using SQLite.
//
// # Architecture
//
// A single Store interface covers the two records the relay keeps:
//
//   - Conversation: one visitor's support thread, carrying the automation
//     flag and the New/Engaged lifecycle status
//   - Message: an append-only log entry with a store-assigned sequence number
//
// SQLiteStore is the production backend. MockStore is an in-memory backend
// with the same semantics, used by tests across the module.
//
// # Sequence Numbers
//
// AppendMessage assigns seq = last_seq + 1 inside a transaction guarded by a
// process-wide write lock, so each conversation's log is gapless from 1
// regardless of how many connections append at once.
//
// # Conditional Appends
//
// NewMessage.RequireAutomation makes the append check the automation flag in
// the same transaction as the insert. Automated replies use it so that a
// reply computed before an agent took over is rejected with ErrHandedOff
// instead of landing after the agent's message.
//
// # Idempotency
//
// A non-empty ClientMsgID is unique per conversation. Re-sending it returns
// the originally stored message together with ErrDuplicateMessage.
//
// # SQLite Configuration
//
// The store uses SQLite with WAL mode for concurrent reads:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//	PRAGMA busy_timeout=5000;
//
// Database file locations:
//
//   - Production: /var/lib/coven-relay/relay.db
//   - Development: ~/.local/share/coven/relay.db
//   - Testing: :memory: (in-memory database)
//
// # Error Handling
//
//   - ErrUnknownConversation: conversation id was never created
//   - ErrHandedOff: conditional append rejected after a human took over
//   - ErrDuplicateMessage: client message id already appended
//   - ErrUnavailable: the database itself failed
//   - ErrNotFound: requested message does not exist
//
// All methods accept context.Context for cancellation support.
package store
