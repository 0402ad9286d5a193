// Package store provides persistent storage for the relay using SQLite.
//
// # Architecture
//
// The store package exposes a single Store interface implemented by
// SQLiteStore. Callers depend on the narrow slices of the interface they
// need (the router declares its own ConversationStore, the translation
// pipeline its own TranslationStore).
//
// # Data Models
//
//   - Conversation: one of three mutually exclusive kinds (room, private,
//     group) with a single target reference. A conversation is created on
//     first message to a (kind, target) pair and is never physically
//     deleted; archiving is a soft flag.
//   - Message: append-only log entry owned by exactly one conversation,
//     ordered by (created_at, seq) where seq is a per-conversation
//     monotonic sequence assigned inside the append transaction.
//   - TranslationRecord: per (message, language) translation state with a
//     uniqueness constraint guaranteeing at most one DONE record per pair.
//
// # SQLite Configuration
//
// The store uses SQLite with WAL mode for concurrent reads:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//
// The conversations table carries CHECK constraints enforcing the
// exactly-one-target rule at the schema layer, and a UNIQUE expression
// index on (kind, target) that backs create-if-absent under concurrent
// first senders.
//
// # Error Handling
//
// Common errors:
//
//   - ErrNotFound: requested entity does not exist
//   - ErrConversationNotFound: message container does not resolve
//   - ErrDuplicateConversation: (kind, target) already exists
//   - ErrConversationArchived: append attempted on an archived conversation
//
// All methods accept context.Context for cancellation support.
//
// # Testing
//
// Use NewSQLiteStore with a t.TempDir() path for tests with real SQLite.
package store
