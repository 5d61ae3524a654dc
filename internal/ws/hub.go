package ws

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"campus-chat/internal/models"
	"campus-chat/internal/observability"
)

const (
	sendBuffer = 256
	routingKey = "ws_events.rooms"
)

// Client is one websocket connection registered with the hub. Outbound
// frames are queued on send and written by the connection's write pump.
type Client struct {
	info ConnInfo
	send chan []byte

	// guarded by Hub.mu
	rooms map[string]struct{}
	voice string
}

// NewClient creates a client with a buffered outbound queue.
func NewClient(info ConnInfo) *Client {
	return &Client{
		info:  info,
		send:  make(chan []byte, sendBuffer),
		rooms: make(map[string]struct{}),
	}
}

// Info returns the connection metadata.
func (c *Client) Info() ConnInfo {
	return c.info
}

// Outbound yields queued frames. It is closed when the hub drops the client.
func (c *Client) Outbound() <-chan []byte {
	return c.send
}

// Hub maintains room subscriptions and voice channel membership.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}
	rooms   map[string]map[*Client]struct{}
	voice   map[string]map[*Client]struct{}
	users   map[string]map[*Client]struct{}
	log     zerolog.Logger
}

// NewHub creates an empty hub.
func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[*Client]struct{}),
		rooms:   make(map[string]map[*Client]struct{}),
		voice:   make(map[string]map[*Client]struct{}),
		users:   make(map[string]map[*Client]struct{}),
		log:     log,
	}
}

// Register adds a connection to the hub.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
	addTo(h.users, c.info.UserID, c)
}

// Unregister removes a connection from every room and voice channel and
// closes its outbound queue. It is safe to call more than once.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	h.leaveVoiceLocked(c)
	for room := range c.rooms {
		removeFrom(h.rooms, room, c)
	}
	c.rooms = make(map[string]struct{})
	removeFrom(h.users, c.info.UserID, c)
	delete(h.clients, c)
	close(c.send)
}

// JoinRoom subscribes a connection to a room's chat and receipts.
func (h *Hub) JoinRoom(c *Client, roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	addTo(h.rooms, roomID, c)
	c.rooms[roomID] = struct{}{}
}

// LeaveRoom unsubscribes a connection from a room.
func (h *Hub) LeaveRoom(c *Client, roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	removeFrom(h.rooms, roomID, c)
	delete(c.rooms, roomID)
}

// RoomSize reports how many connections follow a room.
func (h *Hub) RoomSize(roomID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[roomID])
}

// BroadcastRoom sends v to every connection following roomID.
func (h *Hub) BroadcastRoom(roomID string, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		h.log.Error().Err(err).Str("room", roomID).Msg("encode room frame")
		return
	}

	h.mu.RLock()
	slow := h.deliverLocked(h.rooms[roomID], nil, payload)
	h.mu.RUnlock()
	h.drop(slow)
}

// BroadcastMessage sends a stored message to the room.
func (h *Hub) BroadcastMessage(msg models.Message) {
	h.BroadcastRoom(msg.RoomID, models.MessageEvent{Type: models.FrameMessage, Message: msg})
}

// BroadcastDeletion notifies clients of a delete-for-all event.
func (h *Hub) BroadcastDeletion(roomID string, messageID int64) {
	h.BroadcastRoom(roomID, models.MessageEvent{
		Type:    models.FrameMessageDeleted,
		Message: models.Message{ID: messageID, RoomID: roomID, Deleted: true},
	})
}

// BroadcastSeen shares a read receipt with the room.
func (h *Hub) BroadcastSeen(receipt models.Receipt) {
	h.BroadcastRoom(receipt.RoomID, models.SeenFrame{
		Type:      models.FrameSeen,
		RoomID:    receipt.RoomID,
		SenderID:  receipt.UserID,
		Timestamp: receipt.LastRead,
	})
}

// SendTo queues v on one connection.
func (h *Hub) SendTo(c *Client, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		h.log.Error().Err(err).Str("conn_id", c.info.ConnID).Msg("encode frame")
		return
	}
	h.mu.RLock()
	var slow []*Client
	if _, ok := h.clients[c]; ok {
		slow = h.deliverLocked(map[*Client]struct{}{c: {}}, nil, payload)
	}
	h.mu.RUnlock()
	h.drop(slow)
}

// SendToVoicePeer queues v on userID's connection in roomID's voice channel.
// It reports whether that user is in the channel.
func (h *Hub) SendToVoicePeer(roomID, userID string, v any) bool {
	payload, err := json.Marshal(v)
	if err != nil {
		h.log.Error().Err(err).Str("peer", userID).Msg("encode frame")
		return false
	}
	h.mu.RLock()
	var target *Client
	for c := range h.voice[roomID] {
		if c.info.UserID == userID {
			target = c
			break
		}
	}
	var slow []*Client
	if target != nil {
		slow = h.deliverLocked(map[*Client]struct{}{target: {}}, nil, payload)
	}
	h.mu.RUnlock()
	h.drop(slow)
	return target != nil
}

// JoinVoice puts a connection into roomID's voice channel. The joiner gets
// the current members and everyone else gets voice-joined. A connection
// already in another channel leaves it first.
//
// A user holds at most one connection per channel. When the user joins again,
// from a reconnect or another tab, the previous connection is evicted and the
// others get voice-left then voice-joined so they rebuild their session.
func (h *Hub) JoinVoice(c *Client, roomID string) []string {
	h.mu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mu.Unlock()
		return nil
	}
	if c.voice != "" && c.voice != roomID {
		h.leaveVoiceLocked(c)
	}
	rejoin := c.voice == roomID
	var slow []*Client
	for other := range h.voice[roomID] {
		if other == c || other.info.UserID != c.info.UserID {
			continue
		}
		removeFrom(h.voice, roomID, other)
		other.voice = ""
		rejoin = true
		// the replaced connection learns it is out of the channel
		if frame, err := json.Marshal(models.VoiceMembersFrame{Type: models.FrameVoiceLeft, RoomID: roomID, UserID: other.info.UserID}); err == nil {
			slow = append(slow, h.deliverLocked(map[*Client]struct{}{other: {}}, nil, frame)...)
		}
		h.log.Info().Str("conn_id", other.info.ConnID).Str("user_id", other.info.UserID).Str("room", roomID).Msg("voice connection replaced")
	}

	members := memberIDs(h.voice[roomID], c.info.UserID)
	addTo(h.voice, roomID, c)
	c.voice = roomID

	if frame, err := json.Marshal(models.VoiceMembersFrame{Type: models.FrameVoiceMembers, RoomID: roomID, Members: members}); err == nil {
		slow = append(slow, h.deliverLocked(map[*Client]struct{}{c: {}}, nil, frame)...)
	}
	if rejoin {
		if frame, err := json.Marshal(models.VoiceMembersFrame{Type: models.FrameVoiceLeft, RoomID: roomID, UserID: c.info.UserID}); err == nil {
			slow = append(slow, h.deliverLocked(h.voice[roomID], c, frame)...)
		}
	}
	if frame, err := json.Marshal(models.VoiceMembersFrame{Type: models.FrameVoiceJoined, RoomID: roomID, UserID: c.info.UserID}); err == nil {
		slow = append(slow, h.deliverLocked(h.voice[roomID], c, frame)...)
	}
	observability.SetVoiceMembers(roomID, len(h.voice[roomID]))
	h.mu.Unlock()

	h.drop(slow)
	return members
}

// LeaveVoice removes a connection from its voice channel, if any.
func (h *Hub) LeaveVoice(c *Client) {
	h.mu.Lock()
	h.leaveVoiceLocked(c)
	h.mu.Unlock()
}

// VoiceMembers lists the user ids in roomID's voice channel.
func (h *Hub) VoiceMembers(roomID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return memberIDs(h.voice[roomID], "")
}

// VoiceRoom reports which voice channel a connection is in.
func (h *Hub) VoiceRoom(c *Client) string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return c.voice
}

func (h *Hub) leaveVoiceLocked(c *Client) {
	roomID := c.voice
	if roomID == "" {
		return
	}
	removeFrom(h.voice, roomID, c)
	c.voice = ""
	observability.SetVoiceMembers(roomID, len(h.voice[roomID]))

	frame, err := json.Marshal(models.VoiceMembersFrame{Type: models.FrameVoiceLeft, RoomID: roomID, UserID: c.info.UserID})
	if err != nil {
		return
	}
	// slow clients here are dropped on their next broadcast
	h.deliverLocked(h.voice[roomID], nil, frame)
}

// deliverLocked queues payload on every target except skip without
// blocking and returns the clients whose queue was full.
func (h *Hub) deliverLocked(targets map[*Client]struct{}, skip *Client, payload []byte) []*Client {
	var slow []*Client
	for c := range targets {
		if c == skip {
			continue
		}
		select {
		case c.send <- payload:
		default:
			slow = append(slow, c)
		}
	}
	return slow
}

func (h *Hub) drop(slow []*Client) {
	for _, c := range slow {
		h.log.Warn().Str("conn_id", c.info.ConnID).Str("user_id", c.info.UserID).Msg("dropping slow websocket client")
		publishWSEvent(context.Background(), "ws_error", c.info, "send queue full")
		h.Unregister(c)
	}
}

func publishWSEvent(ctx context.Context, event string, info ConnInfo, reason string) {
	payload := map[string]interface{}{
		"ws": map[string]interface{}{
			"event":       event,
			"conn_id":     info.ConnID,
			"duration_ms": time.Since(info.ConnectedAt).Milliseconds(),
			"reason":      reason,
		},
		"identity": map[string]interface{}{
			"user_id":   info.UserID,
			"device_id": info.DeviceID,
			"ip":        info.IP,
		},
	}

	_ = observability.PublishEvent(ctx, routingKey, observability.EventEnvelope{
		EventType: "ws_events",
		EventName: event,
		Headers:   observability.BuildHeaders(info.RequestID, info.TraceID),
		Payload:   payload,
	})
	observability.IncWSEvent(event)
}

func addTo(index map[string]map[*Client]struct{}, key string, c *Client) {
	if _, ok := index[key]; !ok {
		index[key] = make(map[*Client]struct{})
	}
	index[key][c] = struct{}{}
}

func removeFrom(index map[string]map[*Client]struct{}, key string, c *Client) {
	if set, ok := index[key]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(index, key)
		}
	}
}

func memberIDs(set map[*Client]struct{}, exclude string) []string {
	seen := make(map[string]struct{}, len(set))
	ids := make([]string, 0, len(set))
	for c := range set {
		id := c.info.UserID
		if id == exclude {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
