// ABOUTME: Tests for the translation retention janitor
// ABOUTME: Verifies terminal records age out while pending work survives

package translate

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatherhall/relay/internal/store"
)

func TestJanitor_RunOnce(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := store.NewSQLiteStore(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	ctx := context.Background()
	msg := appendTestMessage(t, s, "hello")

	// One terminal record and one still pending, both notionally old
	_, err = s.CreateTranslationPending(ctx, msg.ID, "FR")
	require.NoError(t, err)
	_, err = s.CreateTranslationPending(ctx, msg.ID, "DE")
	require.NoError(t, err)
	_, err = s.MarkTranslationDone(ctx, msg.ID, "FR", "bonjour")
	require.NoError(t, err)

	// Zero retention makes every terminal record older than the cutoff
	j := NewJanitor(s, 0, nil)
	// Give the DONE record's timestamp a moment to fall behind time.Now()
	time.Sleep(1100 * time.Millisecond)
	j.RunOnce()

	_, err = s.GetTranslation(ctx, msg.ID, "FR")
	assert.ErrorIs(t, err, store.ErrNotFound, "terminal record purged")

	pending, err := s.GetTranslation(ctx, msg.ID, "DE")
	require.NoError(t, err)
	assert.Equal(t, store.TranslationPending, pending.Status, "pending work survives the purge")
}

func TestJanitor_KeepsRecentRecords(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := store.NewSQLiteStore(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	ctx := context.Background()
	msg := appendTestMessage(t, s, "hello")

	_, err = s.CreateTranslationPending(ctx, msg.ID, "FR")
	require.NoError(t, err)
	_, err = s.MarkTranslationDone(ctx, msg.ID, "FR", "bonjour")
	require.NoError(t, err)

	j := NewJanitor(s, 30*24*time.Hour, nil)
	j.RunOnce()

	rec, err := s.GetTranslation(ctx, msg.ID, "FR")
	require.NoError(t, err)
	assert.Equal(t, store.TranslationDone, rec.Status)
}
