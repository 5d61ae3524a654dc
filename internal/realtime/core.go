// Package realtime routes normalized envelopes to the timeline, the session
// and the voice mesh, and turns user actions into outbound frames.
package realtime

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"campus-chat/internal/models"
	"campus-chat/internal/session"
	"campus-chat/internal/timeline"
	"campus-chat/internal/voice"
)

// Transport is the duplex channel.
type Transport interface {
	Send(v any) error
	OnEnvelope(fn func(models.Envelope))
	OnReconnect(fn func())
}

// Mesh is the voice controller as seen by the core.
type Mesh interface {
	HandleEnvelope(env models.Envelope) error
	Reannounce() error
	JoinChannel(ctx context.Context, roomID string) error
	LeaveChannel() error
	ToggleCamera(ctx context.Context) (bool, error)
	ToggleMic() bool
	Snapshot() voice.ChannelState
}

// EventKind says what changed.
type EventKind string

const (
	EventMessage EventKind = "message"
	EventSeen    EventKind = "seen"
	EventVoice   EventKind = "voice"
	EventError   EventKind = "error"
)

// Event is what a UI observes.
type Event struct {
	Kind    EventKind
	RoomID  string
	Message timeline.Message
	Outcome timeline.Outcome
	Effect  session.Effect
	Err     error
}

// Core is the client-side hub between the signaling channel and the state holders.
type Core struct {
	transport Transport
	store     *timeline.Store
	session   *session.Session
	mesh      Mesh
	now       func() time.Time
	log       zerolog.Logger

	mu       sync.Mutex
	followed map[string]struct{}
	onEvent  func(Event)
}

func NewCore(transport Transport, store *timeline.Store, sess *session.Session, mesh Mesh, log zerolog.Logger) *Core {
	c := &Core{
		transport: transport,
		store:     store,
		session:   sess,
		mesh:      mesh,
		now:       time.Now,
		log:       log.With().Str("component", "core").Logger(),
		followed:  make(map[string]struct{}),
	}
	transport.OnEnvelope(c.HandleEnvelope)
	transport.OnReconnect(c.resubscribe)
	return c
}

// OnEvent registers the UI callback.
func (c *Core) OnEvent(fn func(Event)) {
	c.mu.Lock()
	c.onEvent = fn
	c.mu.Unlock()
}

func (c *Core) emit(ev Event) {
	c.mu.Lock()
	fn := c.onEvent
	c.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}

// HandleEnvelope routes one inbound envelope. It runs on the signaling read
// goroutine, so envelopes are handled in arrival order.
func (c *Core) HandleEnvelope(env models.Envelope) {
	switch env.Kind {
	case models.KindChat:
		c.handleChat(env)
	case models.KindVoiceSignal:
		c.handleVoice(env)
	case models.KindPresence:
		switch env.Type {
		case models.FrameVoiceMembers, models.FrameVoiceJoined, models.FrameVoiceLeft,
			models.FrameJoinVoice, models.FrameLeaveVoice:
			c.handleVoice(env)
		case models.FrameSeen:
			if c.session.OnSeen(env) {
				c.emit(Event{Kind: EventSeen, RoomID: env.RoomID})
			}
		case models.FrameError:
			c.log.Warn().Str("message", env.Content).Msg("relay rejected a frame")
			c.emit(Event{Kind: EventError, Err: fmt.Errorf("relay: %s", env.Content)})
		}
	}
}

func (c *Core) handleChat(env models.Envelope) {
	res, err := c.store.IngestEnvelope(env)
	if err != nil {
		c.log.Warn().Err(err).Str("room", env.RoomID).Msg("dropping chat frame")
		return
	}
	ev := Event{Kind: EventMessage, RoomID: res.RoomID, Message: res.Message, Outcome: res.Outcome}
	switch res.Outcome {
	case timeline.OutcomeAppended, timeline.OutcomeMerged:
		ev.Effect = c.session.OnIncoming(env)
	case timeline.OutcomeDuplicate:
		if !env.Deleted {
			return
		}
	}
	c.emit(ev)
}

func (c *Core) handleVoice(env models.Envelope) {
	if c.mesh == nil {
		return
	}
	if err := c.mesh.HandleEnvelope(env); err != nil {
		c.log.Warn().Err(err).Str("peer", env.SenderID).Msg("voice signal failed")
		c.emit(Event{Kind: EventError, RoomID: env.RoomID, Err: err})
	}
	c.emit(Event{Kind: EventVoice, RoomID: env.RoomID})
}

// Follow subscribes to a room's live frames.
func (c *Core) Follow(roomID string) error {
	c.mu.Lock()
	c.followed[roomID] = struct{}{}
	c.mu.Unlock()
	return c.transport.Send(models.RoomFrame{Type: models.FrameJoinRoom, RoomID: roomID})
}

// Unfollow drops a room subscription.
func (c *Core) Unfollow(roomID string) error {
	c.mu.Lock()
	delete(c.followed, roomID)
	c.mu.Unlock()
	return c.transport.Send(models.RoomFrame{Type: models.FrameLeaveRoom, RoomID: roomID})
}

// Followed lists the subscribed rooms.
func (c *Core) Followed() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.followed))
	for id := range c.followed {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// resubscribe re-announces room and voice membership after a reconnect.
// Frames sent while offline were discarded, not queued.
func (c *Core) resubscribe() {
	for _, id := range c.Followed() {
		if err := c.transport.Send(models.RoomFrame{Type: models.FrameJoinRoom, RoomID: id}); err != nil {
			c.log.Warn().Err(err).Str("room", id).Msg("re-join room")
		}
	}
	if c.mesh != nil {
		if err := c.mesh.Reannounce(); err != nil {
			c.log.Warn().Err(err).Msg("re-join voice")
		}
	}
}

// SwitchRoom opens a room: follows it, loads the first page when nothing is
// loaded yet and sends a read receipt.
func (c *Core) SwitchRoom(ctx context.Context, roomID string) error {
	if err := c.session.SwitchRoom(ctx, roomID); err != nil {
		return err
	}
	if err := c.Follow(roomID); err != nil {
		c.log.Warn().Err(err).Str("room", roomID).Msg("follow room")
	}
	if len(c.store.Messages(roomID)) == 0 {
		if _, err := c.store.LoadOlderPage(ctx, roomID, time.Time{}); err != nil {
			return err
		}
	}
	return c.MarkSeen(roomID)
}

// LoadOlder prepends the next older page of the active room and keeps the
// viewport anchored on the same row.
func (c *Core) LoadOlder(ctx context.Context) (timeline.Page, error) {
	roomID := c.session.ActiveRoom()
	if roomID == "" {
		return timeline.Page{}, timeline.ErrNoActiveRoom
	}
	page, err := c.store.LoadOlderPage(ctx, roomID, time.Time{})
	if err != nil {
		return page, err
	}
	c.session.ShiftScrollAnchor(roomID, page.Added)
	return page, nil
}

// Send posts to the active room optimistically.
func (c *Core) Send(text string, media *models.MediaRef) (timeline.Message, error) {
	return c.store.SendOptimistic(text, media)
}

func (c *Core) Retry(correlationID string) (timeline.Message, error) {
	return c.store.Retry(correlationID)
}

// MarkSeen sends a read receipt for the newest point of the room.
func (c *Core) MarkSeen(roomID string) error {
	return c.transport.Send(models.SeenFrame{Type: models.FrameSeen, RoomID: roomID, Timestamp: c.now().UTC()})
}

// JoinVoice joins the voice channel of the active room.
func (c *Core) JoinVoice(ctx context.Context) error {
	roomID := c.session.ActiveRoom()
	if roomID == "" {
		return timeline.ErrNoActiveRoom
	}
	if c.mesh == nil {
		return voice.ErrNotJoined
	}
	return c.mesh.JoinChannel(ctx, roomID)
}

func (c *Core) LeaveVoice() error {
	if c.mesh == nil {
		return nil
	}
	return c.mesh.LeaveChannel()
}

func (c *Core) ToggleCamera(ctx context.Context) (bool, error) {
	if c.mesh == nil {
		return false, voice.ErrNotJoined
	}
	return c.mesh.ToggleCamera(ctx)
}

func (c *Core) ToggleMic() bool {
	if c.mesh == nil {
		return false
	}
	return c.mesh.ToggleMic()
}

// Close leaves voice and persists the session.
func (c *Core) Close(ctx context.Context) error {
	if err := c.LeaveVoice(); err != nil {
		c.log.Debug().Err(err).Msg("leave voice on close")
	}
	return c.session.Save(ctx)
}
