package repositories

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"campus-chat/internal/models"
)

var ErrMessageNotFound = errors.New("message not found")

const messageColumns = `id, COALESCE(client_id, '') AS client_id, room_id, sender_id, sender_name, content,
        COALESCE(media_url, '') AS media_url, COALESCE(media_type, '') AS media_type, deleted, created_at`

// MessageRepository defines interactions for room messages.
type MessageRepository interface {
	CreateMessage(ctx context.Context, msg models.Message) (models.Message, bool, error)
	ListBefore(ctx context.Context, roomID string, before time.Time, limit int) ([]models.Message, bool, error)
	GetMessage(ctx context.Context, messageID int64) (models.Message, error)
	DeleteMessage(ctx context.Context, messageID int64, senderID string) error
}

// MessageRepo is a sqlx-backed repository.
type MessageRepo struct {
	db *sqlx.DB
}

// NewMessageRepo constructs MessageRepo.
func NewMessageRepo(db *sqlx.DB) *MessageRepo {
	return &MessageRepo{db: db}
}

// CreateMessage stores a message. A resend carrying a client id that is
// already stored returns the existing row and false.
func (r *MessageRepo) CreateMessage(ctx context.Context, msg models.Message) (models.Message, bool, error) {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	var stored models.Message
	err := r.db.GetContext(ctx, &stored, `INSERT INTO messages (client_id, room_id, sender_id, sender_name, content, media_url, media_type, created_at)
        VALUES (NULLIF($1, ''), $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''), $8)
        ON CONFLICT (client_id) DO NOTHING
        RETURNING `+messageColumns,
		msg.ClientID, msg.RoomID, msg.SenderID, msg.SenderName, msg.Content, msg.MediaURL, msg.MediaType, msg.CreatedAt)
	if err == nil {
		return stored, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) || msg.ClientID == "" {
		return models.Message{}, false, err
	}

	err = r.db.GetContext(ctx, &stored, `SELECT `+messageColumns+` FROM messages WHERE client_id=$1`, msg.ClientID)
	return stored, false, err
}

// ListBefore returns up to limit live messages older than before, oldest
// first, and whether older ones remain. A zero before starts at the newest.
func (r *MessageRepo) ListBefore(ctx context.Context, roomID string, before time.Time, limit int) ([]models.Message, bool, error) {
	if before.IsZero() {
		before = time.Now().Add(time.Minute)
	}
	query := `SELECT ` + messageColumns + `
        FROM messages
        WHERE room_id=$1
        AND deleted = FALSE
        AND created_at < $2
        ORDER BY created_at DESC, id DESC
        LIMIT $3`

	var msgs []models.Message
	if err := r.db.SelectContext(ctx, &msgs, query, roomID, before, limit+1); err != nil {
		return nil, false, err
	}

	hasMore := len(msgs) > limit
	if hasMore {
		msgs = msgs[:limit]
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, hasMore, nil
}

// GetMessage retrieves a single message.
func (r *MessageRepo) GetMessage(ctx context.Context, messageID int64) (models.Message, error) {
	var msg models.Message
	err := r.db.GetContext(ctx, &msg, `SELECT `+messageColumns+` FROM messages WHERE id=$1`, messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, ErrMessageNotFound
	}
	return msg, err
}

// DeleteMessage marks a message as deleted for everyone. Only the sender may
// delete.
func (r *MessageRepo) DeleteMessage(ctx context.Context, messageID int64, senderID string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE messages SET deleted = TRUE WHERE id=$1 AND sender_id=$2`, messageID, senderID)
	if err != nil {
		return err
	}
	count, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if count == 0 {
		return ErrMessageNotFound
	}
	return nil
}
