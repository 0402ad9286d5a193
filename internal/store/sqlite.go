// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides conversation/message persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// SQLite allows one writer at a time; a second pooled connection racing
	// on a write surfaces as SQLITE_BUSY instead of queueing. A single
	// connection serializes writers in Go, and the busy timeout covers any
	// other process holding the file
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS conversations (
			id               TEXT PRIMARY KEY,
			kind             TEXT NOT NULL,
			room_ref         TEXT,
			peer_ref         TEXT,
			group_ref        TEXT,
			created_at       TEXT NOT NULL,
			last_activity_at TEXT NOT NULL,
			archived_at      TEXT,

			CHECK (kind IN ('room', 'private', 'group')),
			CHECK (
				(CASE WHEN room_ref  IS NULL THEN 0 ELSE 1 END) +
				(CASE WHEN peer_ref  IS NULL THEN 0 ELSE 1 END) +
				(CASE WHEN group_ref IS NULL THEN 0 ELSE 1 END) = 1
			),
			CHECK (
				(kind = 'room'    AND room_ref  IS NOT NULL) OR
				(kind = 'private' AND peer_ref  IS NOT NULL) OR
				(kind = 'group'   AND group_ref IS NOT NULL)
			)
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_conversations_kind_target
			ON conversations(kind, coalesce(room_ref, peer_ref, group_ref));

		CREATE TABLE IF NOT EXISTS messages (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			author_id       TEXT NOT NULL,
			content         TEXT NOT NULL,
			seq             INTEGER NOT NULL,
			status          TEXT NOT NULL DEFAULT 'delivered',
			created_at      TEXT NOT NULL,

			FOREIGN KEY (conversation_id) REFERENCES conversations(id),
			CHECK (status IN ('delivered', 'failed')),
			UNIQUE (conversation_id, seq)
		);

		CREATE INDEX IF NOT EXISTS idx_messages_conversation_created
			ON messages(conversation_id, created_at, seq);

		CREATE TABLE IF NOT EXISTS translation_records (
			message_id      TEXT NOT NULL,
			language        TEXT NOT NULL,
			status          TEXT NOT NULL DEFAULT 'pending',
			text            TEXT,
			attempt_count   INTEGER NOT NULL DEFAULT 0,
			last_attempt_at TEXT,
			created_at      TEXT NOT NULL,

			PRIMARY KEY (message_id, language),
			FOREIGN KEY (message_id) REFERENCES messages(id) ON DELETE CASCADE,
			CHECK (status IN ('pending', 'done', 'failed'))
		);

		CREATE INDEX IF NOT EXISTS idx_translations_language
			ON translation_records(language);

		CREATE INDEX IF NOT EXISTS idx_translations_created
			ON translation_records(created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// targetColumn maps a conversation kind to the column its target lives in.
func targetColumn(kind string) (string, error) {
	switch kind {
	case KindRoom:
		return "room_ref", nil
	case KindPrivate:
		return "peer_ref", nil
	case KindGroup:
		return "group_ref", nil
	default:
		return "", fmt.Errorf("unknown conversation kind %q", kind)
	}
}

// CreateConversation inserts a new conversation. If a conversation already
// exists for the same (kind, target) pair it returns ErrDuplicateConversation
// so the caller can resolve the create-if-absent race by re-lookup.
func (s *SQLiteStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	col, err := targetColumn(conv.Kind)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`
		INSERT INTO conversations (id, kind, %s, created_at, last_activity_at)
		VALUES (?, ?, ?, ?, ?)
	`, col)

	_, err = s.db.ExecContext(ctx, query,
		conv.ID,
		conv.Kind,
		conv.TargetRef,
		conv.CreatedAt.UTC().Format(time.RFC3339),
		conv.LastActivityAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateConversation
		}
		return fmt.Errorf("inserting conversation: %w", err)
	}

	s.logger.Debug("created conversation", "id", conv.ID, "kind", conv.Kind, "target", conv.TargetRef)
	return nil
}

// GetConversation retrieves a conversation by ID.
// Returns ErrNotFound if the conversation doesn't exist.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, kind, coalesce(room_ref, peer_ref, group_ref),
		       created_at, last_activity_at, archived_at
		FROM conversations
		WHERE id = ?
	`, id)
	return scanConversation(row)
}

// GetConversationByTarget retrieves a conversation by (kind, target).
// This uses the idx_conversations_kind_target index for efficient lookups.
// Returns ErrNotFound if no conversation exists for the pair.
func (s *SQLiteStore) GetConversationByTarget(ctx context.Context, kind, targetRef string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, kind, coalesce(room_ref, peer_ref, group_ref),
		       created_at, last_activity_at, archived_at
		FROM conversations
		WHERE kind = ? AND coalesce(room_ref, peer_ref, group_ref) = ?
	`, kind, targetRef)
	return scanConversation(row)
}

func scanConversation(row *sql.Row) (*Conversation, error) {
	var conv Conversation
	var createdAt, lastActivity string
	var archivedAt sql.NullString

	err := row.Scan(&conv.ID, &conv.Kind, &conv.TargetRef, &createdAt, &lastActivity, &archivedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning conversation: %w", err)
	}

	conv.CreatedAt, err = time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	conv.LastActivityAt, err = time.Parse(time.RFC3339, lastActivity)
	if err != nil {
		return nil, fmt.Errorf("parsing last_activity_at: %w", err)
	}
	if archivedAt.Valid {
		t, err := time.Parse(time.RFC3339, archivedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parsing archived_at: %w", err)
		}
		conv.ArchivedAt = &t
	}

	return &conv, nil
}

// ArchiveConversation soft-deactivates a conversation. Messages referencing
// it survive; only new appends are rejected.
// Returns ErrNotFound if the conversation doesn't exist.
func (s *SQLiteStore) ArchiveConversation(ctx context.Context, id string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	result, err := s.db.ExecContext(ctx, `
		UPDATE conversations SET archived_at = ? WHERE id = ? AND archived_at IS NULL
	`, now, id)
	if err != nil {
		return fmt.Errorf("archiving conversation: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rows == 0 {
		// Distinguish missing from already archived
		if _, getErr := s.GetConversation(ctx, id); getErr != nil {
			return getErr
		}
		return nil
	}

	s.logger.Info("archived conversation", "id", id)
	return nil
}

// AppendMessage persists a message transactionally: the message row and the
// conversation's last-activity bookkeeping are committed together or not at
// all. The per-conversation sequence number is assigned here, and the
// creation timestamp is clamped so it never moves backwards within a
// conversation.
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *Message) (*Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var archivedAt sql.NullString
	err = tx.QueryRowContext(ctx, `
		SELECT archived_at FROM conversations WHERE id = ?
	`, msg.ConversationID).Scan(&archivedAt)
	if err == sql.ErrNoRows {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("checking conversation: %w", err)
	}
	if archivedAt.Valid {
		return nil, ErrConversationArchived
	}

	var lastSeq int64
	var lastCreated sql.NullString
	err = tx.QueryRowContext(ctx, `
		SELECT coalesce(MAX(seq), 0), MAX(created_at)
		FROM messages WHERE conversation_id = ?
	`, msg.ConversationID).Scan(&lastSeq, &lastCreated)
	if err != nil {
		return nil, fmt.Errorf("reading last sequence: %w", err)
	}

	createdAt := msg.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	createdAt = createdAt.UTC().Truncate(time.Second)
	if lastCreated.Valid {
		if prev, perr := time.Parse(time.RFC3339, lastCreated.String); perr == nil && createdAt.Before(prev) {
			createdAt = prev
		}
	}

	status := msg.Status
	if status == "" {
		status = MessageStatusDelivered
	}

	stored := &Message{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		AuthorID:       msg.AuthorID,
		Content:        msg.Content,
		Seq:            lastSeq + 1,
		Status:         status,
		CreatedAt:      createdAt,
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, author_id, content, seq, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, stored.ID, stored.ConversationID, stored.AuthorID, stored.Content,
		stored.Seq, stored.Status, stored.CreatedAt.Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("inserting message: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE conversations SET last_activity_at = ? WHERE id = ?
	`, stored.CreatedAt.Format(time.RFC3339), stored.ConversationID)
	if err != nil {
		return nil, fmt.Errorf("updating conversation activity: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing message: %w", err)
	}

	s.logger.Debug("appended message",
		"id", stored.ID,
		"conversation_id", stored.ConversationID,
		"seq", stored.Seq)
	return stored, nil
}

// GetMessage retrieves a message by ID.
// Returns ErrNotFound if the message doesn't exist.
func (s *SQLiteStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	var msg Message
	var createdAt string

	err := s.db.QueryRowContext(ctx, `
		SELECT id, conversation_id, author_id, content, seq, status, created_at
		FROM messages WHERE id = ?
	`, id).Scan(&msg.ID, &msg.ConversationID, &msg.AuthorID, &msg.Content,
		&msg.Seq, &msg.Status, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying message: %w", err)
	}

	msg.CreatedAt, err = time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing message created_at: %w", err)
	}

	return &msg, nil
}

// ListMessagesSince returns messages in a conversation strictly after the
// cursor position, ordered ascending by (created_at, seq). The returned
// cursor points at the last row and can be used to resume the read; a
// message appended after the read began may or may not appear, but never
// out of order relative to already-returned rows.
// Returns ErrConversationNotFound if the conversation doesn't resolve.
func (s *SQLiteStore) ListMessagesSince(ctx context.Context, conversationID string, cursor Cursor, limit int) ([]*Message, Cursor, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}

	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM conversations WHERE id = ?`, conversationID).Scan(&exists)
	if err == sql.ErrNoRows {
		return nil, cursor, ErrConversationNotFound
	}
	if err != nil {
		return nil, cursor, fmt.Errorf("checking conversation: %w", err)
	}

	query := `
		SELECT id, conversation_id, author_id, content, seq, status, created_at
		FROM messages
		WHERE conversation_id = ?
	`
	args := []any{conversationID}
	if !cursor.IsZero() {
		cursorTime := cursor.CreatedAt.UTC().Format(time.RFC3339)
		query += ` AND (created_at > ? OR (created_at = ? AND seq > ?))`
		args = append(args, cursorTime, cursorTime, cursor.Seq)
	}
	query += `
		ORDER BY created_at ASC, seq ASC
		LIMIT ?
	`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, cursor, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	next := cursor
	for rows.Next() {
		var msg Message
		var createdAt string

		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.AuthorID, &msg.Content,
			&msg.Seq, &msg.Status, &createdAt); err != nil {
			return nil, cursor, fmt.Errorf("scanning message row: %w", err)
		}

		msg.CreatedAt, err = time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, cursor, fmt.Errorf("parsing message created_at: %w", err)
		}

		messages = append(messages, &msg)
		next = Cursor{CreatedAt: msg.CreatedAt, Seq: msg.Seq}
	}

	if err := rows.Err(); err != nil {
		return nil, cursor, fmt.Errorf("iterating message rows: %w", err)
	}

	return messages, next, nil
}

// SetMessageStatus updates a message's delivery status flag.
// Returns ErrNotFound if the message doesn't exist.
func (s *SQLiteStore) SetMessageStatus(ctx context.Context, id, status string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE messages SET status = ? WHERE id = ?
	`, status, id)
	if err != nil {
		return fmt.Errorf("updating message status: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}

	return nil
}

// Ensure SQLiteStore implements Store interface
var _ Store = (*SQLiteStore)(nil)
