// ABOUTME: Service is the central layer for message delivery
// ABOUTME: All messages flow through here - history is the source of truth, not a side effect

package chat

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/gatherhall/relay/internal/router"
	"github.com/gatherhall/relay/internal/store"
	"github.com/gatherhall/relay/internal/taskd"
	"github.com/gatherhall/relay/internal/translate"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// Classifier resolves routing targets into conversations.
type Classifier interface {
	Classify(ctx context.Context, author string, spec router.TargetSpec) (*store.Conversation, error)
	Attach(ctx context.Context, conv *store.Conversation, msg *store.Message) (*store.Message, error)
}

// MessageStore defines what the service needs from storage.
type MessageStore interface {
	AppendMessage(ctx context.Context, msg *store.Message) (*store.Message, error)
	GetMessage(ctx context.Context, id string) (*store.Message, error)
	ListMessagesSince(ctx context.Context, conversationID string, cursor store.Cursor, limit int) ([]*store.Message, store.Cursor, error)
	ListTranslations(ctx context.Context, messageID string) ([]*store.TranslationRecord, error)
	ArchiveConversation(ctx context.Context, id string) error
}

// Enqueuer fans a delivered message out to the translation pipeline.
type Enqueuer interface {
	EnqueueMessage(ctx context.Context, msg *store.Message) error
}

// Scheduler submits auxiliary background jobs.
type Scheduler interface {
	Schedule(ctx context.Context, job taskd.Job) (*taskd.Handle, error)
}

// Service is the central chat layer that ensures all messages are persisted
// before any background work is scheduled for them.
type Service struct {
	router   Classifier
	store    MessageStore
	pipeline Enqueuer
	tasks    Scheduler
	logger   *slog.Logger
}

// New creates a chat Service. pipeline and tasks may be nil, which disables
// the corresponding background fan-out.
func New(r Classifier, st MessageStore, pipeline Enqueuer, tasks Scheduler, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		router:   r,
		store:    st,
		pipeline: pipeline,
		tasks:    tasks,
		logger:   logger.With("component", "chat"),
	}
}

// SendRequest contains everything needed to deliver a message.
type SendRequest struct {
	Author  string
	Content string
	Target  router.TargetSpec
}

// SendResponse contains the result of a delivered message.
type SendResponse struct {
	Conversation *store.Conversation
	Message      *store.Message
}

// Send routes a message to its conversation and persists it.
//
// Key principle: record first, then act. The message is appended to the
// store BEFORE any background job is scheduled, so a delivered message has
// a durable record even when the task queue or translation vendor is down.
func (s *Service) Send(ctx context.Context, req *SendRequest) (*SendResponse, error) {
	conv, err := s.router.Classify(ctx, req.Author, req.Target)
	if err != nil {
		return nil, fmt.Errorf("classifying target: %w", err)
	}

	msg, err := s.router.Attach(ctx, conv, &store.Message{
		AuthorID: req.Author,
		Content:  req.Content,
	})
	if err != nil {
		return nil, fmt.Errorf("attaching message: %w", err)
	}

	msg, err = s.store.AppendMessage(ctx, msg)
	if err != nil {
		return nil, fmt.Errorf("recording message: %w", err)
	}

	s.logger.Debug("message delivered",
		"conversation_id", conv.ID,
		"message_id", msg.ID,
		"seq", msg.Seq,
		"author", req.Author)

	s.fanOut(ctx, conv, msg)

	return &SendResponse{Conversation: conv, Message: msg}, nil
}

// fanOut schedules background work for a delivered message. Failures here
// never surface to the sender; the message is already recorded.
func (s *Service) fanOut(ctx context.Context, conv *store.Conversation, msg *store.Message) {
	if s.pipeline != nil {
		if err := s.pipeline.EnqueueMessage(ctx, msg); err != nil {
			s.logger.Error("translation fan-out failed",
				"error", err,
				"message_id", msg.ID)
		}
	}

	if s.tasks == nil {
		return
	}

	if _, err := s.tasks.Schedule(ctx, taskd.Job{
		Kind: translate.JobLogActivity,
		Payload: translate.ActivityPayload{
			UserID:   msg.AuthorID,
			Activity: "message_sent",
			Details: map[string]string{
				"conversation_id": conv.ID,
				"message_id":      msg.ID,
			},
		},
	}); err != nil {
		s.logger.Error("activity job scheduling failed",
			"error", err,
			"message_id", msg.ID)
	}

	if conv.Kind == store.KindRoom {
		if _, err := s.tasks.Schedule(ctx, taskd.Job{
			Kind: translate.JobNotifyRoom,
			Payload: translate.NotifyPayload{
				RoomID:       conv.TargetRef,
				Message:      fmt.Sprintf("new message from %s", msg.AuthorID),
				ExcludeUsers: []string{msg.AuthorID},
			},
		}); err != nil {
			s.logger.Error("room notification scheduling failed",
				"error", err,
				"room", conv.TargetRef,
				"message_id", msg.ID)
		}
	}
}

// History returns messages for a conversation after the given cursor, in
// delivery order, together with the cursor for the next page. A zero cursor
// starts from the beginning.
func (s *Service) History(ctx context.Context, conversationID string, cursor store.Cursor, limit int) ([]*store.Message, store.Cursor, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	return s.store.ListMessagesSince(ctx, conversationID, cursor, limit)
}

// GetMessage returns a single message by ID.
func (s *Service) GetMessage(ctx context.Context, id string) (*store.Message, error) {
	return s.store.GetMessage(ctx, id)
}

// Translations returns the translation records for a message, one per
// configured language, ordered by language code.
func (s *Service) Translations(ctx context.Context, messageID string) ([]*store.TranslationRecord, error) {
	return s.store.ListTranslations(ctx, messageID)
}

// Archive marks a conversation archived. Messages sent against a stale
// handle afterwards fail with router.ErrStaleConversation.
func (s *Service) Archive(ctx context.Context, conversationID string) error {
	if err := s.store.ArchiveConversation(ctx, conversationID); err != nil {
		return fmt.Errorf("archiving conversation: %w", err)
	}
	s.logger.Info("conversation archived", "conversation_id", conversationID)
	return nil
}
