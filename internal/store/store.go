// ABOUTME: Store interface and data types for relay persistence
// ABOUTME: Defines Conversation, Message, TranslationRecord and the Store interface

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateConversation is returned when a conversation already exists
// for the same (kind, target) pair
var ErrDuplicateConversation = errors.New("conversation already exists")

// ErrConversationNotFound is returned when a message's container reference
// does not resolve to a conversation
var ErrConversationNotFound = errors.New("conversation not found")

// ErrConversationArchived is returned when appending to an archived conversation
var ErrConversationArchived = errors.New("conversation is archived")

// Conversation kinds. A conversation carries exactly one target reference
// and the kind determines which one.
const (
	KindRoom    = "room"    // Room-wide broadcast
	KindPrivate = "private" // One-to-one chat, target is the canonical peer pair
	KindGroup   = "group"   // Small-group chat
)

// Message delivery status constants
const (
	MessageStatusDelivered = "delivered"
	MessageStatusFailed    = "failed"
)

// Translation record status constants
const (
	TranslationPending = "pending"
	TranslationDone    = "done"
	TranslationFailed  = "failed"
)

// Conversation represents one chat container. Kind selects which target the
// single TargetRef identifies: a room ID, a canonical private peer pair, or
// a group ID. The shape is immutable after creation except for the archive
// flag and the last-activity timestamp.
type Conversation struct {
	ID             string
	Kind           string
	TargetRef      string
	CreatedAt      time.Time
	LastActivityAt time.Time
	ArchivedAt     *time.Time
}

// Archived reports whether the conversation has been soft-deactivated.
func (c *Conversation) Archived() bool {
	return c.ArchivedAt != nil
}

// Message is a single append-only chat message. Seq is assigned inside the
// append transaction and is monotonically increasing per conversation; it
// breaks created_at ties in the ordering contract.
type Message struct {
	ID             string
	ConversationID string
	AuthorID       string
	Content        string
	Seq            int64
	Status         string
	CreatedAt      time.Time
}

// TranslationRecord holds the translation state for one (message, language)
// pair. At most one DONE record can exist per pair; the primary key on
// (message_id, language) enforces it.
type TranslationRecord struct {
	MessageID     string
	Language      string
	Status        string
	Text          string
	AttemptCount  int
	LastAttemptAt *time.Time
	CreatedAt     time.Time
}

// Cursor is a keyset position in a conversation's message log. The zero
// value reads from the beginning.
type Cursor struct {
	CreatedAt time.Time
	Seq       int64
}

// IsZero reports whether the cursor points at the start of the log.
func (c Cursor) IsZero() bool {
	return c.CreatedAt.IsZero() && c.Seq == 0
}

// Store defines the interface for conversation, message, and translation
// persistence.
type Store interface {
	// Conversations
	CreateConversation(ctx context.Context, conv *Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	GetConversationByTarget(ctx context.Context, kind, targetRef string) (*Conversation, error)
	ArchiveConversation(ctx context.Context, id string) error

	// Messages
	AppendMessage(ctx context.Context, msg *Message) (*Message, error)
	GetMessage(ctx context.Context, id string) (*Message, error)
	ListMessagesSince(ctx context.Context, conversationID string, cursor Cursor, limit int) ([]*Message, Cursor, error)
	SetMessageStatus(ctx context.Context, id, status string) error

	// Translation records
	CreateTranslationPending(ctx context.Context, messageID, language string) (bool, error)
	GetTranslation(ctx context.Context, messageID, language string) (*TranslationRecord, error)
	ListTranslations(ctx context.Context, messageID string) ([]*TranslationRecord, error)
	RecordTranslationAttempt(ctx context.Context, messageID, language string, at time.Time) error
	MarkTranslationDone(ctx context.Context, messageID, language, text string) (bool, error)
	MarkTranslationFailed(ctx context.Context, messageID, language string) (bool, error)
	PurgeTranslationsBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// Close releases any resources held by the store
	Close() error
}
