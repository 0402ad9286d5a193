// ABOUTME: Conversation router enforcing the exactly-one-target invariant
// ABOUTME: Classify resolves targets to conversations, Attach validates before persistence

package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/gatherhall/relay/internal/store"
)

// ErrInvalidTarget is returned when a target spec sets zero or more than one
// reference, or the set reference doesn't match the declared kind
var ErrInvalidTarget = errors.New("invalid routing target")

// ErrSelfConversation is returned when a private target names the author
var ErrSelfConversation = errors.New("private conversation with self not allowed")

// ErrStaleConversation is returned when a conversation was archived between
// classification and attach; the caller must re-classify
var ErrStaleConversation = errors.New("conversation is stale, re-classify required")

// TargetSpec carries a declared conversation kind and the corresponding
// reference. Exactly one of the three reference fields must be set.
type TargetSpec struct {
	Kind    string
	RoomID  string
	PeerID  string
	GroupID string
}

// ConversationStore defines what the router needs from storage
type ConversationStore interface {
	CreateConversation(ctx context.Context, conv *store.Conversation) error
	GetConversation(ctx context.Context, id string) (*store.Conversation, error)
	GetConversationByTarget(ctx context.Context, kind, targetRef string) (*store.Conversation, error)
}

// Router validates and classifies message targets against the conversation
// model before any persistence happens.
type Router struct {
	store  ConversationStore
	logger *slog.Logger
}

// New creates a Router backed by the given conversation store.
func New(store ConversationStore, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		store:  store,
		logger: logger.With("component", "router"),
	}
}

// PairKey returns the canonical target reference for a private conversation
// between two users. Both directions of the pair map to the same key, so
// concurrent first senders from either side resolve to one conversation.
func PairKey(a, b string) string {
	if strings.Compare(a, b) > 0 {
		a, b = b, a
	}
	return a + ":" + b
}

// resolveTarget validates the spec against the exactly-one-target rule and
// returns the canonical target reference for its kind.
func resolveTarget(author string, spec TargetSpec) (string, error) {
	set := 0
	for _, ref := range []string{spec.RoomID, spec.PeerID, spec.GroupID} {
		if ref != "" {
			set++
		}
	}
	if set != 1 {
		return "", fmt.Errorf("%w: %d references set, want exactly 1", ErrInvalidTarget, set)
	}

	switch spec.Kind {
	case store.KindRoom:
		if spec.RoomID == "" {
			return "", fmt.Errorf("%w: kind %q without room reference", ErrInvalidTarget, spec.Kind)
		}
		return spec.RoomID, nil
	case store.KindPrivate:
		if spec.PeerID == "" {
			return "", fmt.Errorf("%w: kind %q without peer reference", ErrInvalidTarget, spec.Kind)
		}
		if spec.PeerID == author {
			return "", ErrSelfConversation
		}
		return PairKey(author, spec.PeerID), nil
	case store.KindGroup:
		if spec.GroupID == "" {
			return "", fmt.Errorf("%w: kind %q without group reference", ErrInvalidTarget, spec.Kind)
		}
		return spec.GroupID, nil
	default:
		return "", fmt.Errorf("%w: unknown kind %q", ErrInvalidTarget, spec.Kind)
	}
}

// Classify resolves a target spec to its conversation, creating one on
// first contact with a (kind, target) pair. Classification never mutates an
// existing conversation.
func (r *Router) Classify(ctx context.Context, author string, spec TargetSpec) (*store.Conversation, error) {
	if author == "" {
		return nil, fmt.Errorf("%w: author is required", ErrInvalidTarget)
	}

	target, err := resolveTarget(author, spec)
	if err != nil {
		return nil, err
	}

	conv, err := r.store.GetConversationByTarget(ctx, spec.Kind, target)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("looking up conversation: %w", err)
	}

	now := time.Now()
	conv = &store.Conversation{
		ID:             uuid.New().String(),
		Kind:           spec.Kind,
		TargetRef:      target,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	if err := r.store.CreateConversation(ctx, conv); err != nil {
		// Another sender may have created the conversation between our
		// lookup and insert. The UNIQUE index decided the race; resolve to
		// the winner's record.
		if errors.Is(err, store.ErrDuplicateConversation) {
			existing, lookupErr := r.store.GetConversationByTarget(ctx, spec.Kind, target)
			if lookupErr == nil {
				r.logger.Debug("found existing conversation after race",
					"conversation_id", existing.ID,
					"kind", spec.Kind)
				return existing, nil
			}
			r.logger.Error("retry lookup failed after duplicate error", "lookup_error", lookupErr)
			return nil, lookupErr
		}
		return nil, err
	}

	r.logger.Debug("conversation created",
		"conversation_id", conv.ID,
		"kind", conv.Kind,
		"target", conv.TargetRef)
	return conv, nil
}

// Attach validates a message against the conversation it is being attached
// to, immediately before persistence. It defends against callers bypassing
// Classify (the conversation shape must still satisfy the one-target rule)
// and fails with ErrStaleConversation if the conversation was archived after
// classification. The per-conversation ordering key is assigned by the
// store's append transaction, not here.
func (r *Router) Attach(ctx context.Context, conv *store.Conversation, msg *store.Message) (*store.Message, error) {
	if conv == nil {
		return nil, fmt.Errorf("%w: nil conversation", ErrInvalidTarget)
	}
	if err := validateShape(conv); err != nil {
		return nil, err
	}
	if msg.ConversationID != "" && msg.ConversationID != conv.ID {
		return nil, fmt.Errorf("%w: message targets conversation %s, attaching to %s",
			ErrInvalidTarget, msg.ConversationID, conv.ID)
	}

	// Re-read the conversation: archive may have happened after Classify
	current, err := r.store.GetConversation(ctx, conv.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, store.ErrConversationNotFound
		}
		return nil, fmt.Errorf("re-checking conversation: %w", err)
	}
	if current.Archived() {
		return nil, ErrStaleConversation
	}

	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	msg.ConversationID = conv.ID
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	return msg, nil
}

// validateShape checks the conversation itself satisfies the one-target rule.
func validateShape(conv *store.Conversation) error {
	switch conv.Kind {
	case store.KindRoom, store.KindPrivate, store.KindGroup:
	default:
		return fmt.Errorf("%w: conversation %s has unknown kind %q", ErrInvalidTarget, conv.ID, conv.Kind)
	}
	if conv.TargetRef == "" {
		return fmt.Errorf("%w: conversation %s has no target reference", ErrInvalidTarget, conv.ID)
	}
	return nil
}
