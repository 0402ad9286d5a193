// ABOUTME: Tests for target classification and message attachment
// ABOUTME: Covers the one-target invariant matrix and concurrent first senders

package router

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatherhall/relay/internal/store"
)

func setupRouter(t *testing.T) (*Router, *store.SQLiteStore) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := store.NewSQLiteStore(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return New(s, nil), s
}

func TestRouter_Classify_Room(t *testing.T) {
	r, _ := setupRouter(t)
	ctx := context.Background()

	conv, err := r.Classify(ctx, "alice", TargetSpec{Kind: store.KindRoom, RoomID: "lobby"})
	require.NoError(t, err)
	assert.Equal(t, store.KindRoom, conv.Kind)
	assert.Equal(t, "lobby", conv.TargetRef)

	// Second classify returns the same conversation, no new one is created
	again, err := r.Classify(ctx, "bob", TargetSpec{Kind: store.KindRoom, RoomID: "lobby"})
	require.NoError(t, err)
	assert.Equal(t, conv.ID, again.ID)
}

func TestRouter_Classify_PrivateCanonicalPair(t *testing.T) {
	r, _ := setupRouter(t)
	ctx := context.Background()

	fromAlice, err := r.Classify(ctx, "alice", TargetSpec{Kind: store.KindPrivate, PeerID: "bob"})
	require.NoError(t, err)

	// The reverse direction resolves to the same conversation
	fromBob, err := r.Classify(ctx, "bob", TargetSpec{Kind: store.KindPrivate, PeerID: "alice"})
	require.NoError(t, err)
	assert.Equal(t, fromAlice.ID, fromBob.ID)
	assert.Equal(t, "alice:bob", fromAlice.TargetRef)
}

func TestRouter_Classify_SelfConversation(t *testing.T) {
	r, _ := setupRouter(t)
	ctx := context.Background()

	_, err := r.Classify(ctx, "alice", TargetSpec{Kind: store.KindPrivate, PeerID: "alice"})
	assert.ErrorIs(t, err, ErrSelfConversation)
}

func TestRouter_Classify_InvalidTargets(t *testing.T) {
	r, s := setupRouter(t)
	ctx := context.Background()

	cases := []struct {
		name string
		spec TargetSpec
	}{
		{"no references", TargetSpec{Kind: store.KindRoom}},
		{"two references", TargetSpec{Kind: store.KindRoom, RoomID: "lobby", PeerID: "bob"}},
		{"three references", TargetSpec{Kind: store.KindGroup, RoomID: "r", PeerID: "p", GroupID: "g"}},
		{"kind mismatch room", TargetSpec{Kind: store.KindRoom, PeerID: "bob"}},
		{"kind mismatch private", TargetSpec{Kind: store.KindPrivate, GroupID: "g1"}},
		{"kind mismatch group", TargetSpec{Kind: store.KindGroup, RoomID: "lobby"}},
		{"unknown kind", TargetSpec{Kind: "broadcast", RoomID: "lobby"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := r.Classify(ctx, "alice", tc.spec)
			assert.ErrorIs(t, err, ErrInvalidTarget)
		})
	}

	// No conversation leaked from any rejected spec
	_, err := s.GetConversationByTarget(ctx, store.KindRoom, "lobby")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRouter_Classify_ConcurrentFirstSenders(t *testing.T) {
	r, _ := setupRouter(t)
	ctx := context.Background()

	const senders = 8
	ids := make([]string, senders)
	var wg sync.WaitGroup
	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			author, peer := "alice", "bob"
			if i%2 == 1 {
				author, peer = "bob", "alice"
			}
			conv, err := r.Classify(ctx, author, TargetSpec{Kind: store.KindPrivate, PeerID: peer})
			if assert.NoError(t, err) {
				ids[i] = conv.ID
			}
		}(i)
	}
	wg.Wait()

	for i := 1; i < senders; i++ {
		assert.Equal(t, ids[0], ids[i], "concurrent classify produced divergent conversations")
	}
}

func TestRouter_Attach_Valid(t *testing.T) {
	r, s := setupRouter(t)
	ctx := context.Background()

	conv, err := r.Classify(ctx, "alice", TargetSpec{Kind: store.KindGroup, GroupID: "g1"})
	require.NoError(t, err)

	msg, err := r.Attach(ctx, conv, &store.Message{AuthorID: "alice", Content: "hello"})
	require.NoError(t, err)
	assert.Equal(t, conv.ID, msg.ConversationID)
	assert.NotEmpty(t, msg.ID)
	assert.False(t, msg.CreatedAt.IsZero())

	// Classify then attach always yields a structurally valid container
	stored, err := s.AppendMessage(ctx, msg)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.Seq)
}

func TestRouter_Attach_StaleAfterArchive(t *testing.T) {
	r, s := setupRouter(t)
	ctx := context.Background()

	conv, err := r.Classify(ctx, "alice", TargetSpec{Kind: store.KindRoom, RoomID: "lobby"})
	require.NoError(t, err)

	// Archive between classify and attach
	require.NoError(t, s.ArchiveConversation(ctx, conv.ID))

	_, err = r.Attach(ctx, conv, &store.Message{AuthorID: "alice", Content: "late"})
	assert.ErrorIs(t, err, ErrStaleConversation)
}

func TestRouter_Attach_RejectsMismatchedContainer(t *testing.T) {
	r, _ := setupRouter(t)
	ctx := context.Background()

	conv, err := r.Classify(ctx, "alice", TargetSpec{Kind: store.KindRoom, RoomID: "lobby"})
	require.NoError(t, err)

	_, err = r.Attach(ctx, conv, &store.Message{
		ConversationID: "other-conversation",
		AuthorID:       "alice",
		Content:        "hello",
	})
	assert.ErrorIs(t, err, ErrInvalidTarget)
}

func TestRouter_Attach_RejectsMalformedConversation(t *testing.T) {
	r, _ := setupRouter(t)
	ctx := context.Background()

	// A caller bypassing Classify with a hand-built container
	bad := &store.Conversation{ID: "c1", Kind: "room"}
	_, err := r.Attach(ctx, bad, &store.Message{AuthorID: "alice", Content: "x"})
	assert.ErrorIs(t, err, ErrInvalidTarget)
}

func TestPairKey_Canonical(t *testing.T) {
	assert.Equal(t, PairKey("alice", "bob"), PairKey("bob", "alice"))
	assert.Equal(t, "alice:bob", PairKey("bob", "alice"))
}
