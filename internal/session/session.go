// Package session tracks which room is open, unread counters, mute state and
// read markers, and persists them across restarts.
package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"campus-chat/internal/kv"
	"campus-chat/internal/models"
)

const (
	keyRoom   = "session.room"
	keyMuted  = "session.muted"
	keyUnread = "session.unread"
)

// RoomState is the per-room view of a session.
type RoomState struct {
	RoomID        string
	Unread        int
	Muted         bool
	OtherLastRead time.Time
	ScrollAnchor  int
}

// Effect tells the caller what to do with the viewport after an incoming message.
type Effect struct {
	AutoScroll bool
	Notify     bool
	Unread     int
}

// Session is the explicit home of state that would otherwise be global:
// active room, unread counts, mutes and read markers.
type Session struct {
	selfID string
	store  kv.Store
	log    zerolog.Logger

	mu     sync.Mutex
	active string
	pinned bool
	rooms  map[string]*RoomState
}

func New(store kv.Store, selfID string, log zerolog.Logger) *Session {
	if store == nil {
		store = kv.NewMemory()
	}
	return &Session{
		selfID: selfID,
		store:  store,
		log:    log.With().Str("component", "session").Logger(),
		pinned: true,
		rooms:  make(map[string]*RoomState),
	}
}

// Load restores the last room, mutes and unread counters.
func (s *Session) Load(ctx context.Context) error {
	room, _, err := s.store.Get(ctx, keyRoom)
	if err != nil {
		return fmt.Errorf("load active room: %w", err)
	}
	var muted []string
	if _, err := kv.GetJSON(ctx, s.store, keyMuted, &muted); err != nil {
		return fmt.Errorf("load muted rooms: %w", err)
	}
	unread := map[string]int{}
	if _, err := kv.GetJSON(ctx, s.store, keyUnread, &unread); err != nil {
		return fmt.Errorf("load unread counts: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = room
	for _, id := range muted {
		s.room(id).Muted = true
	}
	for id, n := range unread {
		if n < 0 {
			n = 0
		}
		s.room(id).Unread = n
	}
	if s.active != "" {
		s.room(s.active).Unread = 0
	}
	return nil
}

// Save writes the active room, mutes and unread counters.
func (s *Session) Save(ctx context.Context) error {
	s.mu.Lock()
	active := s.active
	muted := s.mutedLocked()
	unread := s.unreadLocked()
	s.mu.Unlock()

	if err := s.store.Set(ctx, keyRoom, active); err != nil {
		return fmt.Errorf("save active room: %w", err)
	}
	if err := kv.SetJSON(ctx, s.store, keyMuted, muted); err != nil {
		return fmt.Errorf("save muted rooms: %w", err)
	}
	if err := kv.SetJSON(ctx, s.store, keyUnread, unread); err != nil {
		return fmt.Errorf("save unread counts: %w", err)
	}
	return nil
}

// ActiveRoom returns the open room, or "" when none is open.
func (s *Session) ActiveRoom() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// SwitchRoom opens roomID, clears its unread counter and persists the choice.
func (s *Session) SwitchRoom(ctx context.Context, roomID string) error {
	s.mu.Lock()
	s.active = roomID
	s.pinned = true
	s.room(roomID).Unread = 0
	unread := s.unreadLocked()
	s.mu.Unlock()

	if err := s.store.Set(ctx, keyRoom, roomID); err != nil {
		return fmt.Errorf("save active room: %w", err)
	}
	if err := kv.SetJSON(ctx, s.store, keyUnread, unread); err != nil {
		return fmt.Errorf("save unread counts: %w", err)
	}
	s.log.Debug().Str("room", roomID).Msg("switched room")
	return nil
}

// OnIncoming accounts for a newly placed chat message.
func (s *Session) OnIncoming(env models.Envelope) Effect {
	if env.Kind != models.KindChat || env.RoomID == "" || env.Type == models.FrameMessageDeleted {
		return Effect{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	rs := s.room(env.RoomID)

	if env.RoomID == s.active && s.pinned {
		return Effect{AutoScroll: true, Unread: rs.Unread}
	}
	if s.selfID != "" && env.SenderID == s.selfID {
		return Effect{Unread: rs.Unread}
	}
	if rs.Muted {
		return Effect{Unread: rs.Unread}
	}
	rs.Unread++
	return Effect{Notify: true, Unread: rs.Unread}
}

// MarkRead resets a room's unread counter.
func (s *Session) MarkRead(ctx context.Context, roomID string) error {
	s.mu.Lock()
	s.room(roomID).Unread = 0
	unread := s.unreadLocked()
	s.mu.Unlock()
	return kv.SetJSON(ctx, s.store, keyUnread, unread)
}

// SetMuted sets a room's mute flag and persists the mute list. Muting a
// room also clears its counter.
func (s *Session) SetMuted(ctx context.Context, roomID string, muted bool) error {
	s.mu.Lock()
	rs := s.room(roomID)
	rs.Muted = muted
	if muted {
		rs.Unread = 0
	}
	list := s.mutedLocked()
	s.mu.Unlock()

	if err := kv.SetJSON(ctx, s.store, keyMuted, list); err != nil {
		return fmt.Errorf("save muted rooms: %w", err)
	}
	return nil
}

// ToggleMute flips the mute flag and returns the new value.
func (s *Session) ToggleMute(ctx context.Context, roomID string) (bool, error) {
	s.mu.Lock()
	muted := !s.room(roomID).Muted
	s.mu.Unlock()
	return muted, s.SetMuted(ctx, roomID, muted)
}

// SetPinned records whether the viewport sits at the bottom of the timeline.
func (s *Session) SetPinned(pinned bool) {
	s.mu.Lock()
	s.pinned = pinned
	s.mu.Unlock()
}

func (s *Session) Pinned() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pinned
}

// SetScrollAnchor remembers the index the viewport is anchored to.
func (s *Session) SetScrollAnchor(roomID string, index int) {
	if index < 0 {
		index = 0
	}
	s.mu.Lock()
	s.room(roomID).ScrollAnchor = index
	s.mu.Unlock()
}

// ShiftScrollAnchor moves the anchor after n rows were prepended so the same
// row stays in view.
func (s *Session) ShiftScrollAnchor(roomID string, n int) {
	s.mu.Lock()
	s.room(roomID).ScrollAnchor += n
	s.mu.Unlock()
}

// OnSeen records a read receipt from another participant. A receipt older
// than the current marker is ignored. It reports whether the marker moved.
func (s *Session) OnSeen(env models.Envelope) bool {
	if env.Type != models.FrameSeen || env.RoomID == "" {
		return false
	}
	if s.selfID != "" && env.SenderID == s.selfID {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rs := s.room(env.RoomID)
	if !env.Timestamp.After(rs.OtherLastRead) {
		return false
	}
	rs.OtherLastRead = env.Timestamp
	return true
}

// SeenBy reports whether a message sent at ts has been read by the other party.
func (s *Session) SeenBy(roomID string, ts time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	last := s.room(roomID).OtherLastRead
	return !last.IsZero() && !ts.After(last)
}

// Room returns a copy of a room's state.
func (s *Session) Room(roomID string) RoomState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.room(roomID)
}

func (s *Session) Unread(roomID string) int {
	return s.Room(roomID).Unread
}

// room returns the state for roomID, creating it. Caller holds s.mu.
func (s *Session) room(roomID string) *RoomState {
	rs, ok := s.rooms[roomID]
	if !ok {
		rs = &RoomState{RoomID: roomID}
		s.rooms[roomID] = rs
	}
	return rs
}

func (s *Session) mutedLocked() []string {
	out := []string{}
	for id, rs := range s.rooms {
		if rs.Muted {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func (s *Session) unreadLocked() map[string]int {
	out := make(map[string]int, len(s.rooms))
	for id, rs := range s.rooms {
		if rs.Unread > 0 {
			out[id] = rs.Unread
		}
	}
	return out
}
