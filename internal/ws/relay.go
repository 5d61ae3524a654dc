package ws

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"

	"campus-chat/internal/middleware"
	"campus-chat/internal/models"
	"campus-chat/internal/observability"
	"campus-chat/internal/repositories"
	"campus-chat/internal/signaling"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxFrameSize   = 64 << 10
	maxContentSize = 4000
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// RelayHandler serves the duplex channel: chat, receipts and voice
// signaling for authenticated users.
type RelayHandler struct {
	hub      *Hub
	messages repositories.MessageRepository
	receipts repositories.ReceiptRepository
	secret   []byte
	log      zerolog.Logger
	now      func() time.Time
}

// NewRelayHandler constructs a RelayHandler.
func NewRelayHandler(hub *Hub, messages repositories.MessageRepository, receipts repositories.ReceiptRepository, secret []byte, log zerolog.Logger) *RelayHandler {
	return &RelayHandler{
		hub:      hub,
		messages: messages,
		receipts: receipts,
		secret:   secret,
		log:      log,
		now:      time.Now,
	}
}

// Handle authenticates, upgrades the connection and starts its pumps.
func (h *RelayHandler) Handle(c *gin.Context) {
	ctx, span := otel.Tracer("campus-chat/ws").Start(c.Request.Context(), "ws.handshake")
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	identity, err := middleware.ParseToken(h.secret, observability.BearerFromRequest(c.Request))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	info := ConnInfo{
		ConnID:      newConnID(),
		UserID:      identity.UserID,
		UserName:    identity.Name,
		DeviceID:    observability.DeviceIDFromRequest(c.Request),
		IP:          observability.IPFromRequest(c.Request),
		RequestID:   observability.RequestIDFromRequest(c.Request),
		TraceID:     span.SpanContext().TraceID().String(),
		ConnectedAt: time.Now(),
	}
	client := NewClient(info)
	h.hub.Register(client)

	observability.IncWSActive()
	publishWSEvent(ctx, "ws_connect", info, "")
	h.log.Info().Str("conn_id", info.ConnID).Str("user_id", info.UserID).Msg("websocket connected")

	go h.writePump(conn, client)
	go h.readPump(context.WithoutCancel(ctx), conn, client)
}

func (h *RelayHandler) readPump(ctx context.Context, conn *websocket.Conn, client *Client) {
	var closeReason string
	defer func() {
		h.hub.Unregister(client)
		observability.DecWSActive()
		publishWSEvent(ctx, "ws_disconnect", client.info, closeReason)
		h.log.Info().Str("conn_id", client.info.ConnID).Str("reason", closeReason).Msg("websocket disconnected")
		conn.Close()
	}()

	conn.SetReadLimit(maxFrameSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			closeReason = err.Error()
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				publishWSEvent(ctx, "ws_error", client.info, closeReason)
			}
			return
		}
		h.HandleFrame(ctx, client, raw)
	}
}

func (h *RelayHandler) writePump(conn *websocket.Conn, client *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case payload, ok := <-client.Outbound():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				h.log.Debug().Err(err).Str("conn_id", client.info.ConnID).Msg("websocket write failed")
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// HandleFrame applies one inbound frame from client.
func (h *RelayHandler) HandleFrame(ctx context.Context, client *Client, raw []byte) {
	env, err := signaling.Normalize(raw)
	if err != nil {
		observability.IncWSEvent("malformed")
		h.reject(client, "malformed frame")
		return
	}
	observability.IncWSEvent(env.Type)

	switch env.Type {
	case models.FrameJoinRoom:
		if env.RoomID == "" {
			h.reject(client, "room id required")
			return
		}
		h.hub.JoinRoom(client, env.RoomID)
	case models.FrameLeaveRoom:
		h.hub.LeaveRoom(client, env.RoomID)
	case models.FrameChatSend, "chat", "":
		h.handleChat(ctx, client, env)
	case models.FrameJoinVoice:
		if env.RoomID == "" {
			h.reject(client, "room id required")
			return
		}
		h.hub.JoinVoice(client, env.RoomID)
	case models.FrameLeaveVoice:
		h.hub.LeaveVoice(client)
	case models.FrameVoiceSignal:
		h.handleSignal(client, env)
	case models.FrameSeen:
		h.handleSeen(ctx, client, env)
	default:
		h.reject(client, "unsupported frame type")
	}
}

func (h *RelayHandler) handleChat(ctx context.Context, client *Client, env models.Envelope) {
	if env.RoomID == "" {
		h.reject(client, "room id required")
		return
	}
	if env.Content == "" && env.Media == nil {
		h.reject(client, "message content required")
		return
	}
	if len(env.Content) > maxContentSize {
		h.reject(client, "message too long")
		return
	}

	// the sender always sees its own echo
	h.hub.JoinRoom(client, env.RoomID)

	msg := models.Message{
		ClientID:   env.CorrelationID,
		RoomID:     env.RoomID,
		SenderID:   client.info.UserID,
		SenderName: client.info.UserName,
		Content:    env.Content,
		CreatedAt:  h.now().UTC(),
	}
	if env.Media != nil {
		msg.MediaURL = env.Media.URL
		msg.MediaType = env.Media.Type
	}

	stored, created, err := h.messages.CreateMessage(ctx, msg)
	if err != nil {
		h.log.Error().Err(err).Str("room", env.RoomID).Str("client_id", env.CorrelationID).Msg("store message")
		h.reject(client, "failed to store message")
		return
	}
	if !created {
		// resend of a stored message: only the sender needs the ack
		h.hub.SendTo(client, models.MessageEvent{Type: models.FrameMessage, Message: stored})
		return
	}
	h.hub.BroadcastMessage(stored)
}

func (h *RelayHandler) handleSignal(client *Client, env models.Envelope) {
	if env.TargetID == "" || len(env.Payload) == 0 {
		h.reject(client, "target and payload required")
		return
	}
	room := h.hub.VoiceRoom(client)
	if room == "" {
		h.reject(client, "not in a voice channel")
		return
	}
	frame := models.VoiceSignalFrame{
		Type:     models.FrameVoiceSignal,
		RoomID:   room,
		TargetID: env.TargetID,
		SenderID: client.info.UserID,
		Payload:  env.Payload,
	}
	if !h.hub.SendToVoicePeer(room, env.TargetID, frame) {
		h.reject(client, "peer unavailable")
	}
}

func (h *RelayHandler) handleSeen(ctx context.Context, client *Client, env models.Envelope) {
	if env.RoomID == "" {
		h.reject(client, "room id required")
		return
	}
	receipt, err := h.receipts.UpsertReceipt(ctx, models.Receipt{
		RoomID:   env.RoomID,
		UserID:   client.info.UserID,
		LastRead: env.Timestamp.UTC(),
	})
	if err != nil {
		h.log.Error().Err(err).Str("room", env.RoomID).Msg("store receipt")
		h.reject(client, "failed to store receipt")
		return
	}
	h.hub.BroadcastSeen(receipt)
}

func (h *RelayHandler) reject(client *Client, message string) {
	h.hub.SendTo(client, models.ErrorFrame{Type: models.FrameError, Message: message})
}
