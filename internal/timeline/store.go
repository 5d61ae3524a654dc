package timeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"campus-chat/internal/models"
	"campus-chat/internal/observability"
	"campus-chat/internal/signaling"
)

// Sender dispatches outbound frames.
type Sender interface {
	Send(v any) error
}

// ActiveRoom reports the room the user is looking at.
type ActiveRoom interface {
	ActiveRoom() string
}

// HistoryPage is one page of raw history frames.
type HistoryPage struct {
	Frames []json.RawMessage
	// HasMore is the server's continuation flag, nil when it sent none.
	HasMore *bool
}

// HistoryFetcher loads messages older than before.
type HistoryFetcher interface {
	FetchBefore(ctx context.Context, roomID string, before time.Time, limit int) (HistoryPage, error)
}

// Identity is the local user.
type Identity struct {
	ID   string
	Name string
}

// Options tunes a Store.
type Options struct {
	Self        Identity
	SendTimeout time.Duration
	PageSize    int
	Now         func() time.Time
	NewID       func() string
}

// IngestResult reports where an inbound chat envelope landed.
type IngestResult struct {
	RoomID  string
	Message Message
	Index   int
	Outcome Outcome
	// Active is false for rooms that are not open; callers skip viewport effects.
	Active bool
}

// Page is the result of LoadOlderPage.
type Page struct {
	Added   int
	HasMore bool
	Cursor  time.Time
}

type pendingEntry struct {
	roomID string
	timer  *time.Timer
}

// Store merges history pages, live pushes and optimistic sends into one
// timeline per room.
type Store struct {
	opts       Options
	sender     Sender
	history    HistoryFetcher
	active     ActiveRoom
	normalizer *signaling.Normalizer
	log        zerolog.Logger

	mu       sync.Mutex
	rooms    map[string]*Timeline
	pending  map[string]*pendingEntry
	onChange func(roomID string)
}

// NewStore builds a Store.
func NewStore(sender Sender, history HistoryFetcher, active ActiveRoom, opts Options, log zerolog.Logger) *Store {
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 10 * time.Second
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 30
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	return &Store{
		opts:       opts,
		sender:     sender,
		history:    history,
		active:     active,
		normalizer: signaling.NewNormalizer(opts.Now),
		log:        log.With().Str("component", "timeline").Logger(),
		rooms:      make(map[string]*Timeline),
		pending:    make(map[string]*pendingEntry),
	}
}

// OnChange registers a callback fired after any timeline mutation.
func (s *Store) OnChange(fn func(roomID string)) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

// Ingest normalizes a raw frame and routes it.
func (s *Store) Ingest(raw []byte) (IngestResult, error) {
	env, err := s.normalizer.Normalize(raw)
	if err != nil {
		return IngestResult{}, err
	}
	return s.IngestEnvelope(env)
}

// IngestEnvelope places a chat envelope in its room's timeline. Envelopes of
// other kinds are ignored.
func (s *Store) IngestEnvelope(env models.Envelope) (IngestResult, error) {
	if env.Kind != models.KindChat {
		return IngestResult{Outcome: OutcomeIgnored}, nil
	}
	if env.RoomID == "" {
		return IngestResult{}, fmt.Errorf("%w: chat frame without room", signaling.ErrMalformedFrame)
	}
	if env.Type == models.FrameMessageDeleted {
		s.ApplyDeletion(env.RoomID, env.ID)
		return IngestResult{RoomID: env.RoomID, Outcome: OutcomeDuplicate, Active: s.isActive(env.RoomID)}, nil
	}

	msg := FromEnvelope(env)
	s.mu.Lock()
	tl := s.timeline(env.RoomID)
	idx, outcome := tl.upsert(msg)
	if outcome == OutcomeReplaced {
		s.settle(msg.CorrelationID, "confirmed")
	}
	stored := tl.msgs[idx]
	fn := s.onChange
	s.mu.Unlock()

	if fn != nil && outcome != OutcomeDuplicate {
		fn(env.RoomID)
	}
	return IngestResult{
		RoomID:  env.RoomID,
		Message: stored,
		Index:   idx,
		Outcome: outcome,
		Active:  s.isActive(env.RoomID),
	}, nil
}

// SendOptimistic shows the message in the active room at once and dispatches
// it. The returned message is keyed by its correlation id until confirmed.
func (s *Store) SendOptimistic(text string, media *models.MediaRef) (Message, error) {
	roomID := s.active.ActiveRoom()
	if roomID == "" {
		return Message{}, ErrNoActiveRoom
	}
	if strings.TrimSpace(text) == "" && media == nil {
		return Message{}, ErrEmptyMessage
	}

	msg := Message{
		CorrelationID: s.opts.NewID(),
		RoomID:        roomID,
		SenderID:      s.opts.Self.ID,
		SenderName:    s.opts.Self.Name,
		Content:       text,
		Media:         media,
		Timestamp:     s.opts.Now().UTC(),
		Status:        StatusPending,
	}

	s.mu.Lock()
	s.timeline(roomID).appendPending(msg)
	s.track(msg.CorrelationID, roomID)
	fn := s.onChange
	s.mu.Unlock()
	if fn != nil {
		fn(roomID)
	}

	return s.dispatch(msg)
}

// Retry re-dispatches a failed entry under its original correlation id so
// the relay can deduplicate. Nothing is ever resent automatically.
func (s *Store) Retry(correlationID string) (Message, error) {
	s.mu.Lock()
	var msg Message
	found := false
	for roomID, tl := range s.rooms {
		i := tl.indexOfCorrelation(correlationID)
		if i < 0 || tl.msgs[i].Status != StatusFailed {
			continue
		}
		tl.msgs[i].Status = StatusPending
		tl.msgs[i].Err = nil
		msg = tl.msgs[i]
		s.track(correlationID, roomID)
		found = true
		break
	}
	fn := s.onChange
	s.mu.Unlock()
	if !found {
		return Message{}, ErrNotRetryable
	}
	if fn != nil {
		fn(msg.RoomID)
	}
	return s.dispatch(msg)
}

func (s *Store) dispatch(msg Message) (Message, error) {
	frame := models.ChatSendFrame{
		Type:     models.FrameChatSend,
		RoomID:   msg.RoomID,
		Content:  msg.Content,
		ClientID: msg.CorrelationID,
	}
	if msg.Media != nil {
		frame.MediaURL = msg.Media.URL
		frame.MediaType = msg.Media.Type
	}
	if err := s.sender.Send(frame); err != nil {
		failed := s.fail(msg.CorrelationID, err)
		return failed, fmt.Errorf("send message: %w", err)
	}
	return msg, nil
}

// track arms the acknowledgement window. Caller holds s.mu.
func (s *Store) track(correlationID, roomID string) {
	entry := &pendingEntry{roomID: roomID}
	entry.timer = time.AfterFunc(s.opts.SendTimeout, func() {
		s.fail(correlationID, ErrSendTimeout)
	})
	s.pending[correlationID] = entry
}

// settle drops the pending bookkeeping for an acknowledged entry. Caller holds s.mu.
func (s *Store) settle(correlationID, outcome string) {
	entry, ok := s.pending[correlationID]
	if !ok {
		return
	}
	entry.timer.Stop()
	delete(s.pending, correlationID)
	observability.IncPendingOutcome(outcome)
}

// fail marks a still-pending entry as failed. It never removes the row.
func (s *Store) fail(correlationID string, cause error) Message {
	s.mu.Lock()
	entry, ok := s.pending[correlationID]
	if !ok {
		s.mu.Unlock()
		return Message{}
	}
	entry.timer.Stop()
	delete(s.pending, correlationID)

	var msg Message
	tl := s.timeline(entry.roomID)
	if i := tl.indexOfCorrelation(correlationID); i >= 0 {
		tl.msgs[i].Status = StatusFailed
		tl.msgs[i].Err = cause
		msg = tl.msgs[i]
	}
	fn := s.onChange
	s.mu.Unlock()

	observability.IncPendingOutcome("failed")
	s.log.Warn().Err(cause).Str("client_id", correlationID).Str("room", entry.roomID).Msg("message marked failed")
	if fn != nil {
		fn(entry.roomID)
	}
	return msg
}

// LoadOlderPage fetches the page before the given timestamp (or before the
// oldest loaded message when zero) and prepends it.
func (s *Store) LoadOlderPage(ctx context.Context, roomID string, before time.Time) (Page, error) {
	if before.IsZero() {
		s.mu.Lock()
		before = s.timeline(roomID).cursor
		s.mu.Unlock()
		if before.IsZero() {
			before = s.opts.Now().UTC()
		}
	}

	hp, err := s.history.FetchBefore(ctx, roomID, before, s.opts.PageSize)
	if err != nil {
		return Page{}, fmt.Errorf("load history for %s: %w", roomID, err)
	}

	msgs := make([]Message, 0, len(hp.Frames))
	for _, raw := range hp.Frames {
		env, err := s.normalizer.Normalize(raw)
		if err != nil {
			s.log.Warn().Err(err).Str("room", roomID).Msg("dropping history frame")
			continue
		}
		if env.Kind != models.KindChat {
			continue
		}
		if env.RoomID == "" {
			env.RoomID = roomID
		}
		if env.RoomID != roomID {
			continue
		}
		msgs = append(msgs, FromEnvelope(env))
	}

	hasMore := len(hp.Frames) >= s.opts.PageSize
	if hp.HasMore != nil {
		hasMore = *hp.HasMore
	}

	s.mu.Lock()
	tl := s.timeline(roomID)
	added, confirmed := tl.prepend(msgs)
	for _, cid := range confirmed {
		s.settle(cid, "confirmed")
	}
	tl.hasMore = hasMore
	page := Page{Added: added, HasMore: hasMore, Cursor: tl.cursor}
	fn := s.onChange
	s.mu.Unlock()

	if fn != nil && (added > 0 || len(confirmed) > 0) {
		fn(roomID)
	}
	return page, nil
}

// ApplyDeletion flags a message as deleted. It reports whether it was found.
func (s *Store) ApplyDeletion(roomID, id string) bool {
	s.mu.Lock()
	tl := s.timeline(roomID)
	i := tl.indexOfID(id)
	if i >= 0 {
		tl.msgs[i].Deleted = true
	}
	fn := s.onChange
	s.mu.Unlock()
	if i >= 0 && fn != nil {
		fn(roomID)
	}
	return i >= 0
}

// Messages returns a copy of a room's timeline.
func (s *Store) Messages(roomID string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tl, ok := s.rooms[roomID]; ok {
		return tl.Snapshot()
	}
	return nil
}

// Pending returns the entries still awaiting acknowledgement.
func (s *Store) Pending() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Message
	for cid, entry := range s.pending {
		tl := s.rooms[entry.roomID]
		if i := tl.indexOfCorrelation(cid); i >= 0 {
			out = append(out, tl.msgs[i])
		}
	}
	return out
}

// HasMore reports whether older history may remain for a room.
func (s *Store) HasMore(roomID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timeline(roomID).hasMore
}

// Cursor is the oldest loaded timestamp for a room.
func (s *Store) Cursor(roomID string) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timeline(roomID).cursor
}

// timeline returns the room's timeline, creating it. Caller holds s.mu.
func (s *Store) timeline(roomID string) *Timeline {
	tl, ok := s.rooms[roomID]
	if !ok {
		tl = newTimeline(roomID)
		s.rooms[roomID] = tl
	}
	return tl
}

func (s *Store) isActive(roomID string) bool {
	return s.active != nil && s.active.ActiveRoom() == roomID
}
