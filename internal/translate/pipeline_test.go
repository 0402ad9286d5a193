// ABOUTME: Tests for the translation pipeline
// ABOUTME: Covers pending-record creation, idempotence, retries, and failure freezing

package translate

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatherhall/relay/internal/store"
	"github.com/gatherhall/relay/internal/taskd"
)

// mockTranslator counts invocations and delegates to fn.
type mockTranslator struct {
	calls atomic.Int32
	fn    func(text, lang string) (string, error)
}

func (m *mockTranslator) Translate(ctx context.Context, text, lang string) (string, error) {
	m.calls.Add(1)
	return m.fn(text, lang)
}

type pipelineFixture struct {
	store      *store.SQLiteStore
	manager    *taskd.Manager
	pipeline   *Pipeline
	translator *mockTranslator
}

func setupPipeline(t *testing.T, languages []string, maxAttempts int, fn func(text, lang string) (string, error)) *pipelineFixture {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := store.NewSQLiteStore(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	tr := &mockTranslator{fn: fn}

	var p *Pipeline
	m := taskd.New(taskd.Config{
		Workers:     2,
		MaxAttempts: maxAttempts,
		BaseDelay:   5 * time.Millisecond,
		MaxDelay:    50 * time.Millisecond,
		OnAbandoned: func(job taskd.Job, err error) {
			p.HandleAbandoned(job, err)
		},
	}, nil)
	p = New(s, m, tr, nil, nil, languages, nil)
	p.Register(m)
	m.Start()
	t.Cleanup(m.Stop)

	return &pipelineFixture{store: s, manager: m, pipeline: p, translator: tr}
}

func appendTestMessage(t *testing.T, s *store.SQLiteStore, content string) *store.Message {
	t.Helper()
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	conv := &store.Conversation{
		ID:             uuid.New().String(),
		Kind:           store.KindRoom,
		TargetRef:      "room-" + uuid.New().String(),
		CreatedAt:      now,
		LastActivityAt: now,
	}
	require.NoError(t, s.CreateConversation(ctx, conv))

	msg, err := s.AppendMessage(ctx, &store.Message{
		ID:             uuid.New().String(),
		ConversationID: conv.ID,
		AuthorID:       "alice",
		Content:        content,
	})
	require.NoError(t, err)
	return msg
}

func waitForStatus(t *testing.T, s *store.SQLiteStore, messageID, lang, want string) *store.TranslationRecord {
	t.Helper()
	var rec *store.TranslationRecord
	require.Eventually(t, func() bool {
		r, err := s.GetTranslation(context.Background(), messageID, lang)
		if err != nil {
			return false
		}
		rec = r
		return r.Status == want
	}, 10*time.Second, 10*time.Millisecond, "translation record never reached %s", want)
	return rec
}

func TestPipeline_EnqueueMessage_CreatesPendingSynchronously(t *testing.T) {
	// Translator that never completes keeps records pending
	block := make(chan struct{})
	fx := setupPipeline(t, []string{"FR", "DE"}, 3, func(text, lang string) (string, error) {
		<-block
		return "", &TransientError{Err: errors.New("blocked")}
	})
	// Registered after setupPipeline so the translator unblocks before the
	// manager's Stop cleanup runs
	t.Cleanup(func() { close(block) })
	msg := appendTestMessage(t, fx.store, "hello")

	require.NoError(t, fx.pipeline.EnqueueMessage(context.Background(), msg))

	// Both records exist immediately, before any job ran
	records, err := fx.store.ListTranslations(context.Background(), msg.ID)
	require.NoError(t, err)
	require.Len(t, records, 2)
	for _, rec := range records {
		assert.Equal(t, store.TranslationPending, rec.Status)
	}
}

func TestPipeline_TranslatesAllLanguages(t *testing.T) {
	fx := setupPipeline(t, []string{"FR", "DE"}, 3, func(text, lang string) (string, error) {
		return lang + ": " + text, nil
	})
	msg := appendTestMessage(t, fx.store, "hello")

	require.NoError(t, fx.pipeline.EnqueueMessage(context.Background(), msg))

	fr := waitForStatus(t, fx.store, msg.ID, "FR", store.TranslationDone)
	de := waitForStatus(t, fx.store, msg.ID, "DE", store.TranslationDone)
	assert.Equal(t, "FR: hello", fr.Text)
	assert.Equal(t, "DE: hello", de.Text)
}

func TestPipeline_DuplicateScheduling_OneInvocation(t *testing.T) {
	fx := setupPipeline(t, []string{"FR"}, 3, func(text, lang string) (string, error) {
		time.Sleep(20 * time.Millisecond)
		return "bonjour", nil
	})
	msg := appendTestMessage(t, fx.store, "hello")
	ctx := context.Background()

	// Enqueue the same message twice before either job completes
	require.NoError(t, fx.pipeline.EnqueueMessage(ctx, msg))
	require.NoError(t, fx.pipeline.EnqueueMessage(ctx, msg))

	rec := waitForStatus(t, fx.store, msg.ID, "FR", store.TranslationDone)
	assert.Equal(t, "bonjour", rec.Text)

	// The duplicate job short-circuits on the DONE record: the external
	// capability is invoked at most once
	assert.Eventually(t, func() bool {
		return fx.translator.calls.Load() >= 1
	}, time.Second, 10*time.Millisecond)
	time.Sleep(200 * time.Millisecond)
	assert.LessOrEqual(t, fx.translator.calls.Load(), int32(1))
}

func TestPipeline_TransientFailureRetriesToDone(t *testing.T) {
	var attempts atomic.Int32
	fx := setupPipeline(t, []string{"FR"}, 5, func(text, lang string) (string, error) {
		if attempts.Add(1) < 3 {
			return "", &TransientError{Err: errors.New("vendor timeout")}
		}
		return "bonjour", nil
	})
	msg := appendTestMessage(t, fx.store, "hello")

	require.NoError(t, fx.pipeline.EnqueueMessage(context.Background(), msg))

	rec := waitForStatus(t, fx.store, msg.ID, "FR", store.TranslationDone)
	assert.Equal(t, "bonjour", rec.Text)
	assert.Equal(t, 3, rec.AttemptCount)
}

func TestPipeline_PermanentFailureFailsImmediately(t *testing.T) {
	fx := setupPipeline(t, []string{"FR"}, 5, func(text, lang string) (string, error) {
		return "", &PermanentError{Err: errors.New("unsupported language")}
	})
	msg := appendTestMessage(t, fx.store, "hello")

	require.NoError(t, fx.pipeline.EnqueueMessage(context.Background(), msg))

	rec := waitForStatus(t, fx.store, msg.ID, "FR", store.TranslationFailed)
	assert.Equal(t, 1, rec.AttemptCount, "no retry after a permanent failure")
	assert.Equal(t, int32(1), fx.translator.calls.Load())
}

func TestPipeline_RetryExhaustionFreezesFailed(t *testing.T) {
	fx := setupPipeline(t, []string{"FR"}, 3, func(text, lang string) (string, error) {
		return "", &TransientError{Err: errors.New("vendor down")}
	})
	msg := appendTestMessage(t, fx.store, "hello")

	require.NoError(t, fx.pipeline.EnqueueMessage(context.Background(), msg))

	// A failed translation is a FAILED record, not an absent one
	rec := waitForStatus(t, fx.store, msg.ID, "FR", store.TranslationFailed)
	assert.Equal(t, 3, rec.AttemptCount)
	assert.Empty(t, rec.Text)
}

func TestPipeline_EmptyVendorResultIsRetried(t *testing.T) {
	var attempts atomic.Int32
	fx := setupPipeline(t, []string{"FR"}, 3, func(text, lang string) (string, error) {
		if attempts.Add(1) == 1 {
			return "   ", nil
		}
		return "bonjour", nil
	})
	msg := appendTestMessage(t, fx.store, "hello")

	require.NoError(t, fx.pipeline.EnqueueMessage(context.Background(), msg))

	rec := waitForStatus(t, fx.store, msg.ID, "FR", store.TranslationDone)
	assert.Equal(t, "bonjour", rec.Text)
	assert.Equal(t, 2, rec.AttemptCount)
}

func TestPipeline_AuxiliaryActions(t *testing.T) {
	fx := setupPipeline(t, nil, 3, func(text, lang string) (string, error) {
		return text, nil
	})

	activityDone := make(chan ActivityPayload, 1)
	notifyDone := make(chan NotifyPayload, 1)
	fx.pipeline.activity = activityLoggerFunc(func(ctx context.Context, userID, activity string, details map[string]string) error {
		activityDone <- ActivityPayload{UserID: userID, Activity: activity, Details: details}
		return nil
	})
	fx.pipeline.notifier = roomNotifierFunc(func(ctx context.Context, roomID, message string, exclude []string) error {
		notifyDone <- NotifyPayload{RoomID: roomID, Message: message, ExcludeUsers: exclude}
		return nil
	})

	ctx := context.Background()
	_, err := fx.manager.Schedule(ctx, taskd.Job{
		Kind:    JobLogActivity,
		Payload: ActivityPayload{UserID: "alice", Activity: "message_sent"},
	})
	require.NoError(t, err)
	_, err = fx.manager.Schedule(ctx, taskd.Job{
		Kind:    JobNotifyRoom,
		Payload: NotifyPayload{RoomID: "lobby", Message: "alice joined", ExcludeUsers: []string{"alice"}},
	})
	require.NoError(t, err)

	select {
	case got := <-activityDone:
		assert.Equal(t, "alice", got.UserID)
		assert.Equal(t, "message_sent", got.Activity)
	case <-time.After(5 * time.Second):
		t.Fatal("activity job never ran")
	}
	select {
	case got := <-notifyDone:
		assert.Equal(t, "lobby", got.RoomID)
		assert.Equal(t, []string{"alice"}, got.ExcludeUsers)
	case <-time.After(5 * time.Second):
		t.Fatal("notify job never ran")
	}
}

// activityLoggerFunc adapts a func to ActivityLogger.
type activityLoggerFunc func(ctx context.Context, userID, activity string, details map[string]string) error

func (f activityLoggerFunc) LogActivity(ctx context.Context, userID, activity string, details map[string]string) error {
	return f(ctx, userID, activity, details)
}

// roomNotifierFunc adapts a func to RoomNotifier.
type roomNotifierFunc func(ctx context.Context, roomID, message string, exclude []string) error

func (f roomNotifierFunc) NotifyRoom(ctx context.Context, roomID, message string, exclude []string) error {
	return f(ctx, roomID, message, exclude)
}
