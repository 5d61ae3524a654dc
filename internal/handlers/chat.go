package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"campus-chat/internal/middleware"
	"campus-chat/internal/models"
	"campus-chat/internal/repositories"
	"campus-chat/internal/telemetry"
)

const (
	defaultPageSize = 30
	maxPageSize     = 100
)

// Broadcaster pushes relay updates to connected clients.
type Broadcaster interface {
	BroadcastDeletion(roomID string, messageID int64)
	BroadcastSeen(receipt models.Receipt)
	VoiceMembers(roomID string) []string
}

// RoomHandler manages room history, deletion and receipt endpoints.
type RoomHandler struct {
	messageRepo repositories.MessageRepository
	receiptRepo repositories.ReceiptRepository
	hub         Broadcaster
	audit       *telemetry.AuditEmitter
}

// NewRoomHandler builds a RoomHandler.
func NewRoomHandler(messageRepo repositories.MessageRepository, receiptRepo repositories.ReceiptRepository, hub Broadcaster, audit *telemetry.AuditEmitter) *RoomHandler {
	return &RoomHandler{
		messageRepo: messageRepo,
		receiptRepo: receiptRepo,
		hub:         hub,
		audit:       audit,
	}
}

// Register mounts the room routes on group.
func (h *RoomHandler) Register(group gin.IRoutes) {
	group.GET("/rooms/:room_id/messages", h.GetMessages)
	group.DELETE("/rooms/:room_id/messages/:message_id", h.DeleteMessage)
	group.POST("/rooms/:room_id/read", h.MarkRead)
	group.GET("/rooms/:room_id/receipts", h.GetReceipts)
	group.GET("/rooms/:room_id/voice", h.GetVoiceMembers)
}

// GetMessages returns one page of history older than the before cursor.
func (h *RoomHandler) GetMessages(c *gin.Context) {
	roomID := c.Param("room_id")

	limit := defaultPageSize
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = min(parsed, maxPageSize)
	}

	var before time.Time
	if raw := c.Query("before"); raw != "" {
		parsed, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid before cursor"})
			return
		}
		before = parsed
	}

	msgs, hasMore, err := h.messageRepo.ListBefore(c.Request.Context(), roomID, before, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load messages"})
		return
	}
	if msgs == nil {
		msgs = []models.Message{}
	}

	c.JSON(http.StatusOK, models.MessagePage{Messages: msgs, HasMore: hasMore})
}

// DeleteMessage deletes a message for everyone and notifies the room.
func (h *RoomHandler) DeleteMessage(c *gin.Context) {
	roomID := c.Param("room_id")
	messageID, err := strconv.ParseInt(c.Param("message_id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid message id"})
		return
	}
	userID := c.GetString(middleware.UserIDKey)

	msg, err := h.messageRepo.GetMessage(c.Request.Context(), messageID)
	if err != nil {
		if errors.Is(err, repositories.ErrMessageNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "message not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load message"})
		return
	}
	if msg.RoomID != roomID {
		c.JSON(http.StatusNotFound, gin.H{"error": "message not found"})
		return
	}
	if msg.SenderID != userID {
		c.JSON(http.StatusForbidden, gin.H{"error": "only the sender can delete a message"})
		return
	}

	if err := h.messageRepo.DeleteMessage(c.Request.Context(), messageID, userID); err != nil {
		if errors.Is(err, repositories.ErrMessageNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "message not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete message"})
		return
	}

	if h.hub != nil {
		h.hub.BroadcastDeletion(roomID, messageID)
	}
	h.audit.Emit(c.Request.Context(), "INFO", "message "+strconv.FormatInt(messageID, 10)+" deleted in room "+roomID, requestIDFromContext(c), userIDFromContext(c))
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

type markReadRequest struct {
	LastRead time.Time `json:"last_read" binding:"required"`
}

// MarkRead stores a read receipt and shares it with the room.
func (h *RoomHandler) MarkRead(c *gin.Context) {
	var req markReadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	receipt, err := h.receiptRepo.UpsertReceipt(c.Request.Context(), models.Receipt{
		RoomID:   c.Param("room_id"),
		UserID:   c.GetString(middleware.UserIDKey),
		LastRead: req.LastRead.UTC(),
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store receipt"})
		return
	}

	if h.hub != nil {
		h.hub.BroadcastSeen(receipt)
	}
	c.JSON(http.StatusOK, receipt)
}

// GetReceipts lists the read receipts of a room.
func (h *RoomHandler) GetReceipts(c *gin.Context) {
	receipts, err := h.receiptRepo.ListReceipts(c.Request.Context(), c.Param("room_id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load receipts"})
		return
	}
	if receipts == nil {
		receipts = []models.Receipt{}
	}
	c.JSON(http.StatusOK, gin.H{"receipts": receipts})
}

// GetVoiceMembers lists who is in the room's voice channel.
func (h *RoomHandler) GetVoiceMembers(c *gin.Context) {
	members := []string{}
	if h.hub != nil {
		if ids := h.hub.VoiceMembers(c.Param("room_id")); ids != nil {
			members = ids
		}
	}
	c.JSON(http.StatusOK, gin.H{"members": members})
}
