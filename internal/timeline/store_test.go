package timeline_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"campus-chat/internal/mocks"
	"campus-chat/internal/models"
	"campus-chat/internal/timeline"
)

type roomPointer struct {
	mu   sync.Mutex
	room string
}

func (r *roomPointer) ActiveRoom() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.room
}

var base = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func at(sec int) string {
	return base.Add(time.Duration(sec) * time.Second).Format(time.RFC3339)
}

func chatFrame(id int, room string, sec int) []byte {
	return []byte(fmt.Sprintf(`{"type":"message","id":%d,"room_id":%q,"sender_id":2,"sender_name":"Bo","content":"m%d","timestamp":%q}`, id, room, id, at(sec)))
}

func newStore(t *testing.T, sender timeline.Sender, history timeline.HistoryFetcher, opts timeline.Options) (*timeline.Store, *roomPointer) {
	t.Helper()
	active := &roomPointer{room: "r1"}
	if opts.Now == nil {
		opts.Now = func() time.Time { return base.Add(time.Hour) }
	}
	if opts.Self.ID == "" {
		opts.Self = timeline.Identity{ID: "1", Name: "Me"}
	}
	return timeline.NewStore(sender, history, active, opts, zerolog.Nop()), active
}

func ids(msgs []timeline.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Key())
	}
	return out
}

func TestIngestSameServerIDTwiceYieldsOneMessage(t *testing.T) {
	store, _ := newStore(t, new(mocks.SenderMock), nil, timeline.Options{})

	first, err := store.Ingest(chatFrame(5, "r1", 1))
	require.NoError(t, err)
	require.Equal(t, timeline.OutcomeAppended, first.Outcome)

	second, err := store.Ingest([]byte(`{"type":"message","messageId":"5","roomId":"r1","senderId":"2","content":"m5","createdAt":"` + at(1) + `"}`))
	require.NoError(t, err)
	require.Equal(t, timeline.OutcomeDuplicate, second.Outcome)

	require.Len(t, store.Messages("r1"), 1)
}

func TestOutOfOrderDeliveryIsSorted(t *testing.T) {
	store, _ := newStore(t, new(mocks.SenderMock), nil, timeline.Options{})

	_, err := store.Ingest(chatFrame(3, "r1", 3))
	require.NoError(t, err)
	res, err := store.Ingest(chatFrame(1, "r1", 1))
	require.NoError(t, err)

	require.Equal(t, timeline.OutcomeMerged, res.Outcome)
	require.Equal(t, 0, res.Index)
	require.Equal(t, []string{"1", "3"}, ids(store.Messages("r1")))
}

func TestOptimisticSendIsReplacedInPlaceByAck(t *testing.T) {
	sender := new(mocks.SenderMock)
	sender.On("Send", mock.AnythingOfType("models.ChatSendFrame")).Return(nil).Once()
	store, _ := newStore(t, sender, nil, timeline.Options{NewID: func() string { return "c-1" }})

	_, err := store.Ingest(chatFrame(1, "r1", 1))
	require.NoError(t, err)

	pending, err := store.SendOptimistic("hi", nil)
	require.NoError(t, err)
	require.Equal(t, timeline.StatusPending, pending.Status)
	require.Equal(t, "c-1", pending.CorrelationID)
	require.Empty(t, pending.ID)

	msgs := store.Messages("r1")
	require.Len(t, msgs, 2)
	require.Equal(t, "c-1", msgs[1].Key())
	require.Len(t, store.Pending(), 1)

	frame := sender.Calls[0].Arguments.Get(0).(models.ChatSendFrame)
	require.Equal(t, models.ChatSendFrame{Type: "chat-send", RoomID: "r1", Content: "hi", ClientID: "c-1"}, frame)

	// The server clock is behind ours; the echo must still stay where the pending row was.
	ack := []byte(`{"type":"message","id":77,"client_id":"c-1","room_id":"r1","sender_id":1,"sender_name":"Me","content":"hi","timestamp":"` + at(0) + `"}`)
	res, err := store.Ingest(ack)
	require.NoError(t, err)
	require.Equal(t, timeline.OutcomeReplaced, res.Outcome)
	require.Equal(t, 1, res.Index)

	msgs = store.Messages("r1")
	require.Len(t, msgs, 2)
	require.Equal(t, "77", msgs[1].ID)
	require.Equal(t, timeline.StatusConfirmed, msgs[1].Status)
	require.Empty(t, store.Pending())
	sender.AssertExpectations(t)
}

func TestEchoWithoutCorrelationThenAckDoesNotDuplicate(t *testing.T) {
	sender := new(mocks.SenderMock)
	sender.On("Send", mock.Anything).Return(nil)
	store, _ := newStore(t, sender, nil, timeline.Options{NewID: func() string { return "c-9" }})

	_, err := store.SendOptimistic("yo", nil)
	require.NoError(t, err)
	_, err = store.Ingest(chatFrame(9, "r1", 3600))
	require.NoError(t, err)
	require.Len(t, store.Messages("r1"), 2)

	_, err = store.Ingest([]byte(`{"type":"message","id":9,"clientId":"c-9","roomId":"r1","timestamp":"` + at(3600) + `"}`))
	require.NoError(t, err)

	msgs := store.Messages("r1")
	require.Len(t, msgs, 1)
	require.Equal(t, "9", msgs[0].ID)
	require.Empty(t, store.Pending())
}

func TestPendingEntryFailsAfterTimeoutAndCanBeRetried(t *testing.T) {
	sender := new(mocks.SenderMock)
	sender.On("Send", mock.Anything).Return(nil).Twice()
	store, _ := newStore(t, sender, nil, timeline.Options{SendTimeout: 20 * time.Millisecond, NewID: func() string { return "c-2" }})

	_, err := store.SendOptimistic("are you there", nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		msgs := store.Messages("r1")
		return len(msgs) == 1 && msgs[0].Status == timeline.StatusFailed
	}, time.Second, 5*time.Millisecond)
	require.ErrorIs(t, store.Messages("r1")[0].Err, timeline.ErrSendTimeout)

	retried, err := store.Retry("c-2")
	require.NoError(t, err)
	require.Equal(t, timeline.StatusPending, retried.Status)
	require.Len(t, store.Messages("r1"), 1)

	_, err = store.Retry("unknown")
	require.ErrorIs(t, err, timeline.ErrNotRetryable)

	first := sender.Calls[0].Arguments.Get(0).(models.ChatSendFrame)
	second := sender.Calls[1].Arguments.Get(0).(models.ChatSendFrame)
	require.Equal(t, first.ClientID, second.ClientID)
	sender.AssertExpectations(t)
}

func TestSendFailureMarksEntryFailedImmediately(t *testing.T) {
	sender := new(mocks.SenderMock)
	boom := errors.New("socket closed")
	sender.On("Send", mock.Anything).Return(boom).Once()
	store, _ := newStore(t, sender, nil, timeline.Options{})

	msg, err := store.SendOptimistic("hello", &models.MediaRef{URL: "/u/x.jpg", Type: "image/jpeg"})
	require.ErrorIs(t, err, boom)
	require.Equal(t, timeline.StatusFailed, msg.Status)

	msgs := store.Messages("r1")
	require.Len(t, msgs, 1)
	require.Equal(t, timeline.StatusFailed, msgs[0].Status)
	require.Empty(t, store.Pending())
}

func TestSendRequiresRoomAndContent(t *testing.T) {
	store, active := newStore(t, new(mocks.SenderMock), nil, timeline.Options{})

	_, err := store.SendOptimistic("   ", nil)
	require.ErrorIs(t, err, timeline.ErrEmptyMessage)

	active.mu.Lock()
	active.room = ""
	active.mu.Unlock()
	_, err = store.SendOptimistic("hi", nil)
	require.ErrorIs(t, err, timeline.ErrNoActiveRoom)
}

func TestLoadOlderPagePrependsWithoutReordering(t *testing.T) {
	history := new(mocks.HistoryFetcherMock)
	store, _ := newStore(t, new(mocks.SenderMock), history, timeline.Options{PageSize: 3})

	for _, f := range [][]byte{chatFrame(10, "r1", 100), chatFrame(11, "r1", 101)} {
		_, err := store.Ingest(f)
		require.NoError(t, err)
	}
	cursor := store.Cursor("r1")
	require.Equal(t, base.Add(100*time.Second), cursor)

	noMore := false
	history.On("FetchBefore", mock.Anything, "r1", cursor, 3).Return(timeline.HistoryPage{
		Frames:  []json.RawMessage{chatFrame(5, "r1", 50), chatFrame(3, "r1", 30), chatFrame(4, "r1", 40)},
		HasMore: &noMore,
	}, nil).Once()

	page, err := store.LoadOlderPage(context.Background(), "r1", time.Time{})
	require.NoError(t, err)
	require.Equal(t, 3, page.Added)
	require.False(t, page.HasMore)
	require.Equal(t, base.Add(30*time.Second), page.Cursor)
	require.Equal(t, []string{"3", "4", "5", "10", "11"}, ids(store.Messages("r1")))
	history.AssertExpectations(t)
}

func TestLoadOlderPageInfersHasMoreAndSkipsOverlap(t *testing.T) {
	history := new(mocks.HistoryFetcherMock)
	store, _ := newStore(t, new(mocks.SenderMock), history, timeline.Options{PageSize: 2})

	_, err := store.Ingest(chatFrame(8, "r1", 80))
	require.NoError(t, err)

	before := base.Add(80 * time.Second)
	history.On("FetchBefore", mock.Anything, "r1", before, 2).Return(timeline.HistoryPage{
		Frames: []json.RawMessage{chatFrame(7, "r1", 70), chatFrame(8, "r1", 80)},
	}, nil).Once()

	page, err := store.LoadOlderPage(context.Background(), "r1", before)
	require.NoError(t, err)
	require.Equal(t, 1, page.Added)
	require.True(t, page.HasMore)
	require.True(t, store.HasMore("r1"))
	require.Equal(t, []string{"7", "8"}, ids(store.Messages("r1")))
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestLoadOlderPageConfirmationStopsAckTimer(t *testing.T) {
	sender := new(mocks.SenderMock)
	sender.On("Send", mock.Anything).Return(nil).Once()
	history := new(mocks.HistoryFetcherMock)
	logs := &lockedBuffer{}
	active := &roomPointer{room: "r1"}
	store := timeline.NewStore(sender, history, active, timeline.Options{
		Self:        timeline.Identity{ID: "1", Name: "Me"},
		SendTimeout: 30 * time.Millisecond,
		NewID:       func() string { return "c-3" },
		Now:         func() time.Time { return base.Add(time.Hour) },
	}, zerolog.New(logs))

	_, err := store.SendOptimistic("hi", nil)
	require.NoError(t, err)

	history.On("FetchBefore", mock.Anything, "r1", mock.Anything, mock.Anything).Return(timeline.HistoryPage{
		Frames: []json.RawMessage{[]byte(`{"type":"message","id":12,"client_id":"c-3","room_id":"r1","sender_id":1,"sender_name":"Me","content":"hi","timestamp":"` + at(10) + `"}`)},
	}, nil).Once()

	page, err := store.LoadOlderPage(context.Background(), "r1", time.Time{})
	require.NoError(t, err)
	require.Zero(t, page.Added)
	require.Empty(t, store.Pending())

	time.Sleep(90 * time.Millisecond)
	msgs := store.Messages("r1")
	require.Len(t, msgs, 1)
	require.Equal(t, "12", msgs[0].ID)
	require.Equal(t, timeline.StatusConfirmed, msgs[0].Status)
	require.NotContains(t, logs.String(), "message marked failed")
}

func TestLoadOlderPageWrapsFetchErrors(t *testing.T) {
	history := new(mocks.HistoryFetcherMock)
	store, _ := newStore(t, new(mocks.SenderMock), history, timeline.Options{})
	boom := errors.New("502")
	history.On("FetchBefore", mock.Anything, "r1", mock.Anything, 30).Return(nil, boom).Once()

	_, err := store.LoadOlderPage(context.Background(), "r1", base)
	require.ErrorIs(t, err, boom)
}

func TestInactiveRoomIsIngestedWithoutViewportEffects(t *testing.T) {
	store, _ := newStore(t, new(mocks.SenderMock), nil, timeline.Options{})

	res, err := store.Ingest(chatFrame(1, "other", 1))
	require.NoError(t, err)
	require.False(t, res.Active)
	require.Len(t, store.Messages("other"), 1)

	res, err = store.Ingest(chatFrame(2, "r1", 1))
	require.NoError(t, err)
	require.True(t, res.Active)
}

func TestDeletionFrameFlagsMessage(t *testing.T) {
	store, _ := newStore(t, new(mocks.SenderMock), nil, timeline.Options{})
	_, err := store.Ingest(chatFrame(4, "r1", 1))
	require.NoError(t, err)

	_, err = store.Ingest([]byte(`{"type":"message-deleted","id":4,"room_id":"r1"}`))
	require.NoError(t, err)

	msgs := store.Messages("r1")
	require.Len(t, msgs, 1)
	require.True(t, msgs[0].Deleted)
}

func TestNonChatEnvelopesAreIgnored(t *testing.T) {
	store, _ := newStore(t, new(mocks.SenderMock), nil, timeline.Options{})
	res, err := store.IngestEnvelope(models.Envelope{Kind: models.KindVoiceSignal})
	require.NoError(t, err)
	require.Equal(t, timeline.OutcomeIgnored, res.Outcome)
}
