package session

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"campus-chat/internal/kv"
	"campus-chat/internal/models"
)

func chat(room, sender string) models.Envelope {
	return models.Envelope{Kind: models.KindChat, Type: models.FrameMessage, RoomID: room, SenderID: sender}
}

func newSession(t *testing.T) (*Session, kv.Store) {
	t.Helper()
	store := kv.NewMemory()
	s := New(store, "me", zerolog.Nop())
	require.NoError(t, s.SwitchRoom(context.Background(), "general"))
	return s, store
}

func TestUnreadCountsMessagesForInactiveRoom(t *testing.T) {
	ctx := context.Background()
	s, _ := newSession(t)

	for i := 0; i < 3; i++ {
		eff := s.OnIncoming(chat("study", "bo"))
		require.True(t, eff.Notify)
		require.False(t, eff.AutoScroll)
	}
	require.Equal(t, 3, s.Unread("study"))

	require.NoError(t, s.SwitchRoom(ctx, "study"))
	require.Equal(t, 0, s.Unread("study"))
	require.Equal(t, "study", s.ActiveRoom())
}

func TestMutedRoomSuppressesCounterAndToast(t *testing.T) {
	ctx := context.Background()
	s, _ := newSession(t)
	require.NoError(t, s.SetMuted(ctx, "study", true))

	for i := 0; i < 3; i++ {
		eff := s.OnIncoming(chat("study", "bo"))
		require.False(t, eff.Notify)
	}
	require.Equal(t, 0, s.Unread("study"))
}

func TestActivePinnedRoomAutoScrolls(t *testing.T) {
	s, _ := newSession(t)

	eff := s.OnIncoming(chat("general", "bo"))
	require.Equal(t, Effect{AutoScroll: true}, eff)
	require.Equal(t, 0, s.Unread("general"))

	s.SetPinned(false)
	eff = s.OnIncoming(chat("general", "bo"))
	require.True(t, eff.Notify)
	require.Equal(t, 1, s.Unread("general"))

	require.NoError(t, s.MarkRead(context.Background(), "general"))
	require.Equal(t, 0, s.Unread("general"))
}

func TestOwnMessagesNeverCount(t *testing.T) {
	s, _ := newSession(t)
	s.OnIncoming(chat("study", "me"))
	require.Equal(t, 0, s.Unread("study"))
}

func TestNonChatAndDeletionsAreIgnored(t *testing.T) {
	s, _ := newSession(t)
	s.OnIncoming(models.Envelope{Kind: models.KindPresence, Type: models.FrameSeen, RoomID: "study"})
	s.OnIncoming(models.Envelope{Kind: models.KindChat, Type: models.FrameMessageDeleted, RoomID: "study"})
	require.Equal(t, 0, s.Unread("study"))
}

func TestToggleMuteIsPersistedAndIdempotent(t *testing.T) {
	ctx := context.Background()
	s, store := newSession(t)

	muted, err := s.ToggleMute(ctx, "study")
	require.NoError(t, err)
	require.True(t, muted)
	require.NoError(t, s.SetMuted(ctx, "study", true))

	var list []string
	_, err = kv.GetJSON(ctx, store, keyMuted, &list)
	require.NoError(t, err)
	require.Equal(t, []string{"study"}, list)

	muted, err = s.ToggleMute(ctx, "study")
	require.NoError(t, err)
	require.False(t, muted)
}

func TestLoadRestoresSavedState(t *testing.T) {
	ctx := context.Background()
	s, store := newSession(t)
	require.NoError(t, s.SetMuted(ctx, "lounge", true))
	s.OnIncoming(chat("study", "bo"))
	s.OnIncoming(chat("study", "bo"))
	require.NoError(t, s.Save(ctx))

	restored := New(store, "me", zerolog.Nop())
	require.NoError(t, restored.Load(ctx))
	require.Equal(t, "general", restored.ActiveRoom())
	require.Equal(t, 2, restored.Unread("study"))
	require.True(t, restored.Room("lounge").Muted)
}

func TestSeenMarkerOnlyMovesForward(t *testing.T) {
	s, _ := newSession(t)
	t1 := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	seen := func(ts time.Time) models.Envelope {
		return models.Envelope{Kind: models.KindPresence, Type: models.FrameSeen, RoomID: "general", SenderID: "bo", Timestamp: ts}
	}

	require.False(t, s.SeenBy("general", t1))
	require.True(t, s.OnSeen(seen(t1)))
	require.True(t, s.SeenBy("general", t1.Add(-time.Minute)))
	require.False(t, s.SeenBy("general", t1.Add(time.Minute)))

	require.False(t, s.OnSeen(seen(t1.Add(-time.Hour))))
	require.Equal(t, t1, s.Room("general").OtherLastRead)
}

func TestScrollAnchorShiftsOnPrepend(t *testing.T) {
	s, _ := newSession(t)
	s.SetScrollAnchor("general", 4)
	s.ShiftScrollAnchor("general", 30)
	require.Equal(t, 34, s.Room("general").ScrollAnchor)
}

func TestNotesStickiesAndFlags(t *testing.T) {
	ctx := context.Background()
	s, store := newSession(t)

	require.NoError(t, s.SetRoomNote(ctx, "general", "bring the slides"))
	note, err := s.RoomNote(ctx, "general")
	require.NoError(t, err)
	require.Equal(t, "bring the slides", note)
	_, ok, err := store.Get(ctx, "notes.me")
	require.NoError(t, err)
	require.True(t, ok)

	a, err := s.AddSticky(ctx, "exam friday", "")
	require.NoError(t, err)
	require.Equal(t, "yellow", a.Color)
	b, err := s.AddSticky(ctx, "library 3pm", "blue")
	require.NoError(t, err)
	require.NotEqual(t, a.ID, b.ID)

	require.NoError(t, s.RemoveSticky(ctx, a.ID))
	list, err := s.Stickies(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, b.ID, list[0].ID)

	seen, err := s.Flag(ctx, "welcome_seen")
	require.NoError(t, err)
	require.False(t, seen)
	require.NoError(t, s.SetFlag(ctx, "welcome_seen"))
	seen, err = s.Flag(ctx, "welcome_seen")
	require.NoError(t, err)
	require.True(t, seen)
}
