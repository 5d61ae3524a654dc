package session

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"campus-chat/internal/kv"
)

// Sticky is a free-floating note pinned by the user.
type Sticky struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	Color     string    `json:"color"`
	CreatedAt time.Time `json:"createdAt"`
}

func (s *Session) owner() string {
	if s.selfID == "" {
		return "guest"
	}
	return s.selfID
}

func (s *Session) notesKey() string    { return "notes." + s.owner() }
func (s *Session) stickiesKey() string { return "stickies." + s.owner() }

// RoomNote returns the user's private note for a room.
func (s *Session) RoomNote(ctx context.Context, roomID string) (string, error) {
	notes := map[string]string{}
	if _, err := kv.GetJSON(ctx, s.store, s.notesKey(), &notes); err != nil {
		return "", err
	}
	return notes[roomID], nil
}

// SetRoomNote stores a private note for a room. An empty note deletes it.
func (s *Session) SetRoomNote(ctx context.Context, roomID, text string) error {
	notes := map[string]string{}
	if _, err := kv.GetJSON(ctx, s.store, s.notesKey(), &notes); err != nil {
		return err
	}
	if strings.TrimSpace(text) == "" {
		delete(notes, roomID)
	} else {
		notes[roomID] = text
	}
	return kv.SetJSON(ctx, s.store, s.notesKey(), notes)
}

// Stickies lists sticky notes, oldest first.
func (s *Session) Stickies(ctx context.Context) ([]Sticky, error) {
	var list []Sticky
	if _, err := kv.GetJSON(ctx, s.store, s.stickiesKey(), &list); err != nil {
		return nil, err
	}
	return list, nil
}

// AddSticky appends a sticky note.
func (s *Session) AddSticky(ctx context.Context, content, color string) (Sticky, error) {
	if strings.TrimSpace(content) == "" {
		return Sticky{}, fmt.Errorf("sticky note is empty")
	}
	if color == "" {
		color = "yellow"
	}
	list, err := s.Stickies(ctx)
	if err != nil {
		return Sticky{}, err
	}
	st := Sticky{ID: ulid.Make().String(), Content: content, Color: color, CreatedAt: time.Now().UTC()}
	list = append(list, st)
	if err := kv.SetJSON(ctx, s.store, s.stickiesKey(), list); err != nil {
		return Sticky{}, err
	}
	return st, nil
}

// RemoveSticky deletes a sticky note by id. Unknown ids are ignored.
func (s *Session) RemoveSticky(ctx context.Context, id string) error {
	list, err := s.Stickies(ctx)
	if err != nil {
		return err
	}
	kept := list[:0]
	for _, st := range list {
		if st.ID != id {
			kept = append(kept, st)
		}
	}
	return kv.SetJSON(ctx, s.store, s.stickiesKey(), kept)
}

// Flag reports whether a one-shot flag such as "welcome_seen" is set.
func (s *Session) Flag(ctx context.Context, name string) (bool, error) {
	v, _, err := s.store.Get(ctx, "flags."+name)
	if err != nil {
		return false, err
	}
	return v == "true", nil
}

func (s *Session) SetFlag(ctx context.Context, name string) error {
	return s.store.Set(ctx, "flags."+name, "true")
}
