// ABOUTME: Translation pipeline wiring message appends to background jobs
// ABOUTME: Translate, log-activity, and notify-room actions plus the abandonment hook

package translate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/gatherhall/relay/internal/store"
	"github.com/gatherhall/relay/internal/taskd"
)

// Job kinds owned by the pipeline. The closed set of background work this
// system performs.
const (
	JobTranslate   = "translate"
	JobLogActivity = "log-activity"
	JobNotifyRoom  = "notify-room"
)

// TranslationStore defines what the pipeline needs from storage
type TranslationStore interface {
	GetMessage(ctx context.Context, id string) (*store.Message, error)
	CreateTranslationPending(ctx context.Context, messageID, language string) (bool, error)
	GetTranslation(ctx context.Context, messageID, language string) (*store.TranslationRecord, error)
	RecordTranslationAttempt(ctx context.Context, messageID, language string, at time.Time) error
	MarkTranslationDone(ctx context.Context, messageID, language, text string) (bool, error)
	MarkTranslationFailed(ctx context.Context, messageID, language string) (bool, error)
}

// Scheduler defines what the pipeline needs from the task manager
type Scheduler interface {
	Schedule(ctx context.Context, job taskd.Job) (*taskd.Handle, error)
}

// ActivityLogger is the capability behind log-activity jobs.
type ActivityLogger interface {
	LogActivity(ctx context.Context, userID, activity string, details map[string]string) error
}

// RoomNotifier is the capability behind notify-room jobs.
type RoomNotifier interface {
	NotifyRoom(ctx context.Context, roomID, message string, excludeUsers []string) error
}

// TranslatePayload identifies the (message, language) pair a translate job
// works on.
type TranslatePayload struct {
	MessageID string
	Language  string
}

// ActivityPayload carries a log-activity job's data.
type ActivityPayload struct {
	UserID   string
	Activity string
	Details  map[string]string
}

// NotifyPayload carries a notify-room job's data.
type NotifyPayload struct {
	RoomID       string
	Message      string
	ExcludeUsers []string
}

// Pipeline owns the background side of message delivery: translation
// records, their jobs, and the auxiliary log/notify jobs.
type Pipeline struct {
	store      TranslationStore
	tasks      Scheduler
	translator Translator
	activity   ActivityLogger
	notifier   RoomNotifier
	languages  []string
	logger     *slog.Logger
}

// New creates a Pipeline. languages are the per-message target languages;
// activity and notifier may be nil when those job kinds are not wired.
func New(st TranslationStore, tasks Scheduler, translator Translator, activity ActivityLogger, notifier RoomNotifier, languages []string, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		store:      st,
		tasks:      tasks,
		translator: translator,
		activity:   activity,
		notifier:   notifier,
		languages:  languages,
		logger:     logger.With("component", "translate"),
	}
}

// TranslationKey is the dedup/lock key for a (message, language) pair. Two
// jobs with the same key never run concurrently.
func TranslationKey(messageID, language string) string {
	return messageID + ":" + strings.ToUpper(language)
}

// Register binds the pipeline's job actions into the manager's registry.
// Must be called before the manager starts.
func (p *Pipeline) Register(m *taskd.Manager) {
	m.Register(JobTranslate, p.translateAction)
	m.Register(JobLogActivity, p.logActivityAction)
	m.Register(JobNotifyRoom, p.notifyRoomAction)
}

// EnqueueMessage creates a PENDING translation record and schedules a
// translate job for every configured target language. Called synchronously
// after a successful append; the sender never waits on the jobs themselves.
func (p *Pipeline) EnqueueMessage(ctx context.Context, msg *store.Message) error {
	for _, lang := range p.languages {
		lang = strings.ToUpper(lang)
		if _, err := p.store.CreateTranslationPending(ctx, msg.ID, lang); err != nil {
			return fmt.Errorf("creating pending translation for %s: %w", lang, err)
		}

		_, err := p.tasks.Schedule(ctx, taskd.Job{
			Kind:    JobTranslate,
			Key:     TranslationKey(msg.ID, lang),
			Payload: TranslatePayload{MessageID: msg.ID, Language: lang},
		})
		if err != nil {
			return fmt.Errorf("scheduling translation for %s: %w", lang, err)
		}
	}

	if len(p.languages) > 0 {
		p.logger.Debug("translations enqueued",
			"message_id", msg.ID,
			"languages", len(p.languages))
	}
	return nil
}

// translateAction is one attempt at translating a (message, language) pair.
func (p *Pipeline) translateAction(ctx context.Context, job taskd.Job) error {
	payload, ok := job.Payload.(TranslatePayload)
	if !ok {
		return taskd.Permanent(fmt.Errorf("malformed translate payload %T", job.Payload))
	}

	// Idempotence guard: a DONE record means a duplicate scheduling or a
	// lost race; skip the external call entirely
	rec, err := p.store.GetTranslation(ctx, payload.MessageID, payload.Language)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("checking existing translation: %w", err)
	}
	if rec != nil && rec.Status == store.TranslationDone {
		p.logger.Debug("translation already done, skipping",
			"message_id", payload.MessageID,
			"language", payload.Language)
		return nil
	}

	if err := p.store.RecordTranslationAttempt(ctx, payload.MessageID, payload.Language, time.Now()); err != nil {
		return fmt.Errorf("recording attempt: %w", err)
	}

	msg, err := p.store.GetMessage(ctx, payload.MessageID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return taskd.Permanent(fmt.Errorf("message %s no longer exists", payload.MessageID))
		}
		return fmt.Errorf("loading message: %w", err)
	}

	text, err := p.translator.Translate(ctx, msg.Content, payload.Language)
	if err != nil {
		var perm *PermanentError
		if errors.As(err, &perm) {
			return taskd.Permanent(err)
		}
		return err
	}
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("vendor returned empty translation for %s", payload.Language)
	}

	if _, err := p.store.MarkTranslationDone(ctx, payload.MessageID, payload.Language, text); err != nil {
		return fmt.Errorf("storing translation: %w", err)
	}
	return nil
}

// logActivityAction executes a log-activity job through its capability.
func (p *Pipeline) logActivityAction(ctx context.Context, job taskd.Job) error {
	payload, ok := job.Payload.(ActivityPayload)
	if !ok {
		return taskd.Permanent(fmt.Errorf("malformed activity payload %T", job.Payload))
	}
	if p.activity == nil {
		return nil
	}
	return p.activity.LogActivity(ctx, payload.UserID, payload.Activity, payload.Details)
}

// notifyRoomAction executes a notify-room job through its capability.
func (p *Pipeline) notifyRoomAction(ctx context.Context, job taskd.Job) error {
	payload, ok := job.Payload.(NotifyPayload)
	if !ok {
		return taskd.Permanent(fmt.Errorf("malformed notify payload %T", job.Payload))
	}
	if p.notifier == nil {
		return nil
	}
	return p.notifier.NotifyRoom(ctx, payload.RoomID, payload.Message, payload.ExcludeUsers)
}

// HandleAbandoned is the manager's abandonment hook. For translate jobs it
// freezes the record as FAILED (exactly once); for every kind it raises the
// operator-facing failure signal. Abandonment never reaches the original
// message sender.
func (p *Pipeline) HandleAbandoned(job taskd.Job, jobErr error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if job.Kind == JobTranslate {
		if payload, ok := job.Payload.(TranslatePayload); ok {
			if _, err := p.store.MarkTranslationFailed(ctx, payload.MessageID, payload.Language); err != nil {
				p.logger.Error("failed to mark translation failed",
					"message_id", payload.MessageID,
					"language", payload.Language,
					"error", err)
			}
		}
	}

	p.logger.Error("background job abandoned",
		"job_id", job.ID,
		"kind", job.Kind,
		"error", jobErr)
}
