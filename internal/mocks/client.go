package mocks

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"campus-chat/internal/models"
	"campus-chat/internal/timeline"
	"campus-chat/internal/voice"
)

type SenderMock struct {
	mock.Mock
}

func (m *SenderMock) Send(v any) error {
	args := m.Called(v)
	return args.Error(0)
}

type HistoryFetcherMock struct {
	mock.Mock
}

func (m *HistoryFetcherMock) FetchBefore(ctx context.Context, roomID string, before time.Time, limit int) (timeline.HistoryPage, error) {
	args := m.Called(ctx, roomID, before, limit)
	var page timeline.HistoryPage
	if val := args.Get(0); val != nil {
		page = val.(timeline.HistoryPage)
	}
	return page, args.Error(1)
}

var _ timeline.Sender = (*SenderMock)(nil)
var _ timeline.HistoryFetcher = (*HistoryFetcherMock)(nil)

type MeshMock struct {
	mock.Mock
}

func (m *MeshMock) HandleEnvelope(env models.Envelope) error {
	args := m.Called(env)
	return args.Error(0)
}

func (m *MeshMock) Reannounce() error {
	args := m.Called()
	return args.Error(0)
}

func (m *MeshMock) JoinChannel(ctx context.Context, roomID string) error {
	args := m.Called(ctx, roomID)
	return args.Error(0)
}

func (m *MeshMock) LeaveChannel() error {
	args := m.Called()
	return args.Error(0)
}

func (m *MeshMock) ToggleCamera(ctx context.Context) (bool, error) {
	args := m.Called(ctx)
	return args.Bool(0), args.Error(1)
}

func (m *MeshMock) ToggleMic() bool {
	args := m.Called()
	return args.Bool(0)
}

func (m *MeshMock) Snapshot() voice.ChannelState {
	args := m.Called()
	var st voice.ChannelState
	if val := args.Get(0); val != nil {
		st = val.(voice.ChannelState)
	}
	return st
}
