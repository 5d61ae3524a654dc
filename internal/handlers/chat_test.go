package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"campus-chat/internal/middleware"
	"campus-chat/internal/mocks"
	"campus-chat/internal/models"
	"campus-chat/internal/repositories"
	"campus-chat/internal/telemetry"
)

type roomFixture struct {
	messages  *mocks.MessageRepositoryMock
	receipts  *mocks.ReceiptRepositoryMock
	hub       *mocks.BroadcasterMock
	publisher *mocks.PublisherMock
	router    *gin.Engine
}

func setupRoomRouter(t *testing.T) *roomFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	f := &roomFixture{
		messages:  new(mocks.MessageRepositoryMock),
		receipts:  new(mocks.ReceiptRepositoryMock),
		hub:       new(mocks.BroadcasterMock),
		publisher: new(mocks.PublisherMock),
	}
	audit := telemetry.NewAuditEmitter(f.publisher, "audit.chat", "campus-chat", "test", zerolog.Nop())
	handler := NewRoomHandler(f.messages, f.receipts, f.hub, audit)

	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Set(middleware.UserIDKey, "1")
		c.Next()
	})
	handler.Register(r)
	f.router = r
	return f
}

func (f *roomFixture) do(method, target string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func TestGetMessagesPage(t *testing.T) {
	f := setupRoomRouter(t)
	before := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	page := []models.Message{
		{ID: 3, RoomID: "physics", SenderID: "2", Content: "a", CreatedAt: before.Add(-2 * time.Minute)},
		{ID: 4, RoomID: "physics", SenderID: "1", Content: "b", CreatedAt: before.Add(-time.Minute)},
	}
	f.messages.On("ListBefore", mock.Anything, "physics", before, 2).Return(page, true, nil).Once()

	rec := f.do(http.MethodGet, "/rooms/physics/messages?before="+before.Format(time.RFC3339Nano)+"&limit=2", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp models.MessagePage
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.True(t, resp.HasMore)
	require.Len(t, resp.Messages, 2)
	require.Equal(t, int64(3), resp.Messages[0].ID)
	f.messages.AssertExpectations(t)
}

func TestGetMessagesDefaultsAndCaps(t *testing.T) {
	f := setupRoomRouter(t)
	f.messages.On("ListBefore", mock.Anything, "physics", time.Time{}, defaultPageSize).Return(nil, false, nil).Once()
	f.messages.On("ListBefore", mock.Anything, "physics", time.Time{}, maxPageSize).Return(nil, false, nil).Once()

	rec := f.do(http.MethodGet, "/rooms/physics/messages", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"messages":[],"has_more":false}`, rec.Body.String())

	rec = f.do(http.MethodGet, "/rooms/physics/messages?limit=5000", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	f.messages.AssertExpectations(t)
}

func TestGetMessagesBadInput(t *testing.T) {
	f := setupRoomRouter(t)

	require.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/rooms/physics/messages?limit=zero", nil).Code)
	require.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/rooms/physics/messages?limit=-1", nil).Code)
	require.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/rooms/physics/messages?before=yesterday", nil).Code)
	f.messages.AssertNotCalled(t, "ListBefore", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestGetMessagesRepoError(t *testing.T) {
	f := setupRoomRouter(t)
	f.messages.On("ListBefore", mock.Anything, "physics", mock.Anything, mock.Anything).Return(nil, false, assert.AnError).Once()

	rec := f.do(http.MethodGet, "/rooms/physics/messages", nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestDeleteMessageBroadcastsAndAudits(t *testing.T) {
	f := setupRoomRouter(t)
	f.messages.On("GetMessage", mock.Anything, int64(9)).Return(models.Message{ID: 9, RoomID: "physics", SenderID: "1"}, nil).Once()
	f.messages.On("DeleteMessage", mock.Anything, int64(9), "1").Return(nil).Once()
	f.hub.On("BroadcastDeletion", "physics", int64(9)).Once()
	f.publisher.On("Publish", mock.Anything, "audit.chat", mock.AnythingOfType("telemetry.AuditEnvelope")).Return(nil).Once()

	rec := f.do(http.MethodDelete, "/rooms/physics/messages/9", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	f.messages.AssertExpectations(t)
	f.hub.AssertExpectations(t)
	f.publisher.AssertExpectations(t)
}

func TestDeleteMessageRejections(t *testing.T) {
	f := setupRoomRouter(t)
	f.messages.On("GetMessage", mock.Anything, int64(1)).Return(nil, repositories.ErrMessageNotFound).Once()
	f.messages.On("GetMessage", mock.Anything, int64(2)).Return(models.Message{ID: 2, RoomID: "chemistry", SenderID: "1"}, nil).Once()
	f.messages.On("GetMessage", mock.Anything, int64(3)).Return(models.Message{ID: 3, RoomID: "physics", SenderID: "2"}, nil).Once()

	require.Equal(t, http.StatusBadRequest, f.do(http.MethodDelete, "/rooms/physics/messages/abc", nil).Code)
	require.Equal(t, http.StatusNotFound, f.do(http.MethodDelete, "/rooms/physics/messages/1", nil).Code)
	require.Equal(t, http.StatusNotFound, f.do(http.MethodDelete, "/rooms/physics/messages/2", nil).Code)
	require.Equal(t, http.StatusForbidden, f.do(http.MethodDelete, "/rooms/physics/messages/3", nil).Code)

	f.messages.AssertNotCalled(t, "DeleteMessage", mock.Anything, mock.Anything, mock.Anything)
	f.hub.AssertNotCalled(t, "BroadcastDeletion", mock.Anything, mock.Anything)
}

func TestMarkReadStoresAndBroadcasts(t *testing.T) {
	f := setupRoomRouter(t)
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	receipt := models.Receipt{RoomID: "physics", UserID: "1", LastRead: at}
	f.receipts.On("UpsertReceipt", mock.Anything, receipt).Return(receipt, nil).Once()
	f.hub.On("BroadcastSeen", receipt).Once()

	rec := f.do(http.MethodPost, "/rooms/physics/read", []byte(`{"last_read":"2024-05-01T12:00:00Z"}`))

	require.Equal(t, http.StatusOK, rec.Code)
	f.receipts.AssertExpectations(t)
	f.hub.AssertExpectations(t)
}

func TestMarkReadInvalidPayload(t *testing.T) {
	f := setupRoomRouter(t)
	rec := f.do(http.MethodPost, "/rooms/physics/read", []byte(`{}`))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetReceiptsAndVoiceMembers(t *testing.T) {
	f := setupRoomRouter(t)
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	f.receipts.On("ListReceipts", mock.Anything, "physics").Return([]models.Receipt{{RoomID: "physics", UserID: "2", LastRead: at}}, nil).Once()
	f.hub.On("VoiceMembers", "physics").Return([]string{"1", "2"}).Once()

	rec := f.do(http.MethodGet, "/rooms/physics/receipts", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"receipts":[{"room_id":"physics","user_id":"2","last_read":"2024-05-01T12:00:00Z"}]}`, rec.Body.String())

	rec = f.do(http.MethodGet, "/rooms/physics/voice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"members":["1","2"]}`, rec.Body.String())
}

func TestDebugRoutes(t *testing.T) {
	gin.SetMode(gin.TestMode)
	secret := []byte("s")

	disabled := gin.New()
	RegisterDebugRoutes(disabled, nil, secret, false)
	rec := httptest.NewRecorder()
	disabled.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/debug/token", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)

	enabled := gin.New()
	RegisterDebugRoutes(enabled, nil, secret, true)
	req := httptest.NewRequest(http.MethodPost, "/debug/token", bytes.NewBufferString(`{"user_id":"5","name":"Grace"}`))
	req.Header.Set("Content-Type", "application/json")
	rec = httptest.NewRecorder()
	enabled.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	identity, err := middleware.ParseToken(secret, resp.Token)
	require.NoError(t, err)
	require.Equal(t, middleware.Identity{UserID: "5", Name: "Grace"}, identity)

	rec = httptest.NewRecorder()
	enabled.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/audit-test", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
