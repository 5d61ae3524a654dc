package repositories

import (
	"context"

	"github.com/jmoiron/sqlx"

	"campus-chat/internal/models"
)

// ReceiptRepository abstracts read receipt persistence.
type ReceiptRepository interface {
	UpsertReceipt(ctx context.Context, receipt models.Receipt) (models.Receipt, error)
	ListReceipts(ctx context.Context, roomID string) ([]models.Receipt, error)
}

// ReceiptRepo is a sqlx implementation of ReceiptRepository.
type ReceiptRepo struct {
	db *sqlx.DB
}

// NewReceiptRepo constructs a ReceiptRepo.
func NewReceiptRepo(db *sqlx.DB) *ReceiptRepo {
	return &ReceiptRepo{db: db}
}

// UpsertReceipt records the newest timestamp a user has seen. The stored
// marker never moves backwards.
func (r *ReceiptRepo) UpsertReceipt(ctx context.Context, receipt models.Receipt) (models.Receipt, error) {
	var stored models.Receipt
	err := r.db.GetContext(ctx, &stored, `INSERT INTO receipts (room_id, user_id, last_read) VALUES ($1, $2, $3)
        ON CONFLICT (room_id, user_id) DO UPDATE SET last_read = GREATEST(receipts.last_read, EXCLUDED.last_read)
        RETURNING room_id, user_id, last_read`, receipt.RoomID, receipt.UserID, receipt.LastRead)
	return stored, err
}

// ListReceipts returns every receipt in a room ordered by user.
func (r *ReceiptRepo) ListReceipts(ctx context.Context, roomID string) ([]models.Receipt, error) {
	receipts := []models.Receipt{}
	err := r.db.SelectContext(ctx, &receipts, `SELECT room_id, user_id, last_read FROM receipts WHERE room_id=$1 ORDER BY user_id`, roomID)
	return receipts, err
}
