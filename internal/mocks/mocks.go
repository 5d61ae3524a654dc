package mocks

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"campus-chat/internal/models"
)

type MessageRepositoryMock struct {
	mock.Mock
}

func (m *MessageRepositoryMock) CreateMessage(ctx context.Context, msg models.Message) (models.Message, bool, error) {
	args := m.Called(ctx, msg)
	var stored models.Message
	if val := args.Get(0); val != nil {
		stored = val.(models.Message)
	}
	return stored, args.Bool(1), args.Error(2)
}

func (m *MessageRepositoryMock) ListBefore(ctx context.Context, roomID string, before time.Time, limit int) ([]models.Message, bool, error) {
	args := m.Called(ctx, roomID, before, limit)
	var msgs []models.Message
	if val := args.Get(0); val != nil {
		msgs = val.([]models.Message)
	}
	return msgs, args.Bool(1), args.Error(2)
}

func (m *MessageRepositoryMock) GetMessage(ctx context.Context, messageID int64) (models.Message, error) {
	args := m.Called(ctx, messageID)
	var msg models.Message
	if val := args.Get(0); val != nil {
		msg = val.(models.Message)
	}
	return msg, args.Error(1)
}

func (m *MessageRepositoryMock) DeleteMessage(ctx context.Context, messageID int64, senderID string) error {
	args := m.Called(ctx, messageID, senderID)
	return args.Error(0)
}

type ReceiptRepositoryMock struct {
	mock.Mock
}

func (m *ReceiptRepositoryMock) UpsertReceipt(ctx context.Context, receipt models.Receipt) (models.Receipt, error) {
	args := m.Called(ctx, receipt)
	var stored models.Receipt
	if val := args.Get(0); val != nil {
		stored = val.(models.Receipt)
	}
	return stored, args.Error(1)
}

func (m *ReceiptRepositoryMock) ListReceipts(ctx context.Context, roomID string) ([]models.Receipt, error) {
	args := m.Called(ctx, roomID)
	var list []models.Receipt
	if val := args.Get(0); val != nil {
		list = val.([]models.Receipt)
	}
	return list, args.Error(1)
}

type BroadcasterMock struct {
	mock.Mock
}

func (m *BroadcasterMock) BroadcastDeletion(roomID string, messageID int64) {
	m.Called(roomID, messageID)
}

func (m *BroadcasterMock) BroadcastSeen(receipt models.Receipt) {
	m.Called(receipt)
}

func (m *BroadcasterMock) VoiceMembers(roomID string) []string {
	args := m.Called(roomID)
	if val := args.Get(0); val != nil {
		return val.([]string)
	}
	return nil
}
