package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"campus-chat/internal/kv"
	"campus-chat/internal/mocks"
	"campus-chat/internal/models"
	"campus-chat/internal/realtime"
	"campus-chat/internal/session"
	"campus-chat/internal/signaling"
	"campus-chat/internal/timeline"
	"campus-chat/internal/voice"
)

type loopTransport struct {
	mu         sync.Mutex
	sent       []any
	onEnvelope func(models.Envelope)
}

func (l *loopTransport) Send(v any) error {
	l.mu.Lock()
	l.sent = append(l.sent, v)
	l.mu.Unlock()
	return nil
}

func (l *loopTransport) OnEnvelope(fn func(models.Envelope)) { l.onEnvelope = fn }
func (l *loopTransport) OnReconnect(func())                  {}

type shellHarness struct {
	shell     *Shell
	out       *bytes.Buffer
	transport *loopTransport
	history   *mocks.HistoryFetcherMock
	mesh      *mocks.MeshMock
}

func newShellHarness(t *testing.T) *shellHarness {
	t.Helper()
	h := &shellHarness{
		out:       &bytes.Buffer{},
		transport: &loopTransport{},
		history:   new(mocks.HistoryFetcherMock),
		mesh:      new(mocks.MeshMock),
	}
	sess := session.New(kv.NewMemory(), "1", zerolog.Nop())
	store := timeline.NewStore(h.transport, h.history, sess, timeline.Options{
		Self:  timeline.Identity{ID: "1", Name: "Ana"},
		NewID: func() string { return "c-1" },
	}, zerolog.Nop())
	core := realtime.NewCore(h.transport, store, sess, h.mesh, zerolog.Nop())
	h.shell = NewShell(core, store, sess, h.mesh, h.out, zerolog.Nop())
	return h
}

func (h *shellHarness) exec(t *testing.T, line string) {
	t.Helper()
	quit, err := h.shell.Exec(context.Background(), line)
	require.NoError(t, err, line)
	require.False(t, quit)
}

func (h *shellHarness) openRoom(t *testing.T) {
	t.Helper()
	page := timeline.HistoryPage{Frames: []json.RawMessage{
		json.RawMessage(`{"id":"7","room_id":"physics","sender_id":"2","sender_name":"Bo","content":"hey","timestamp":"2025-03-01T10:00:00Z"}`),
	}}
	h.history.On("FetchBefore", mock.Anything, "physics", mock.Anything, mock.Anything).Return(page, nil).Once()
	h.exec(t, "/room physics")
}

func TestShellOpensRoomAndPrintsHistory(t *testing.T) {
	h := newShellHarness(t)
	h.openRoom(t)

	require.Contains(t, h.out.String(), "Bo: hey")
	h.history.AssertExpectations(t)
}

func TestShellSendsPlainTextAndListsPending(t *testing.T) {
	h := newShellHarness(t)
	h.openRoom(t)

	h.exec(t, "hello there")
	h.exec(t, "/pending")

	require.Contains(t, h.out.String(), "c-1 hello there")
	var found bool
	for _, v := range h.transport.sent {
		if f, ok := v.(models.ChatSendFrame); ok {
			found = true
			require.Equal(t, "physics", f.RoomID)
			require.Equal(t, "hello there", f.Content)
		}
	}
	require.True(t, found)
}

func TestShellPrintsLiveMessagesAndUnreadElsewhere(t *testing.T) {
	h := newShellHarness(t)
	h.openRoom(t)
	h.exec(t, "/sticky list")

	deliver := func(raw string) {
		env, err := signaling.Normalize([]byte(raw))
		require.NoError(t, err)
		h.transport.onEnvelope(env)
	}
	deliver(`{"type":"message","id":"8","room_id":"physics","sender_id":"2","sender_name":"Bo","content":"live","timestamp":"2025-03-01T10:01:00Z"}`)
	deliver(`{"type":"message","id":"9","room_id":"chemistry","sender_id":"2","sender_name":"Bo","content":"elsewhere","timestamp":"2025-03-01T10:02:00Z"}`)

	out := h.out.String()
	require.Contains(t, out, "Bo: live")
	require.NotContains(t, out, "elsewhere")
	require.Contains(t, out, "* 1 unread in chemistry")
}

func TestShellMuteNotesAndStickies(t *testing.T) {
	h := newShellHarness(t)
	h.openRoom(t)

	h.exec(t, "/mute")
	h.exec(t, "/note bring the lab report")
	h.exec(t, "/note")
	h.exec(t, "/sticky add exam on friday")
	h.exec(t, "/sticky")
	h.exec(t, "/unread")

	out := h.out.String()
	require.Contains(t, out, "physics muted: true")
	require.Contains(t, out, "note: bring the lab report")
	require.Contains(t, out, "[yellow] exam on friday")
	require.Contains(t, out, "physics: 0 (muted)")
}

func TestShellVoiceCommands(t *testing.T) {
	h := newShellHarness(t)
	h.openRoom(t)
	h.mesh.On("JoinChannel", mock.Anything, "physics").Return(nil).Once()
	h.mesh.On("ToggleMic").Return(false).Once()
	h.mesh.On("ToggleCamera", mock.Anything).Return(true, nil).Once()
	h.mesh.On("Snapshot").Return(voice.ChannelState{
		RoomID: "physics", Joined: true, MicOn: false, CameraOn: true, Members: []string{"2"},
		Peers: []voice.PeerSnapshot{{PeerID: "2", State: voice.PeerConnected}},
	}).Once()

	h.exec(t, "/voice join")
	h.exec(t, "/mic")
	h.exec(t, "/cam")
	h.exec(t, "/voice status")

	out := h.out.String()
	require.Contains(t, out, "mic: off")
	require.Contains(t, out, "camera: on")
	require.Contains(t, out, "voice physics: mic off, camera on, members 2")
	h.mesh.AssertExpectations(t)
}

func TestShellErrors(t *testing.T) {
	h := newShellHarness(t)

	_, err := h.shell.Exec(context.Background(), "/bogus")
	require.Error(t, err)
	_, err = h.shell.Exec(context.Background(), "/room")
	require.ErrorIs(t, err, errUsage)
	_, err = h.shell.Exec(context.Background(), "hello")
	require.ErrorIs(t, err, timeline.ErrNoActiveRoom)
	_, err = h.shell.Exec(context.Background(), "/note")
	require.ErrorIs(t, err, timeline.ErrNoActiveRoom)

	quit, err := h.shell.Exec(context.Background(), "/quit")
	require.NoError(t, err)
	require.True(t, quit)
}

func TestShellRunStopsAtQuit(t *testing.T) {
	h := newShellHarness(t)
	in := strings.NewReader("/help\n/bogus\n/quit\n/help\n")

	require.NoError(t, h.shell.Run(context.Background(), in))

	out := h.out.String()
	require.Equal(t, 1, strings.Count(out, "commands:"))
	require.Contains(t, out, "! unknown command /bogus")
}
