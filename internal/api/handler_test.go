package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/tripmate/realtime/internal/api"
	"github.com/tripmate/realtime/internal/store"
)

// mockStore implements api.Store with overridable funcs.
type mockStore struct {
	ConversationByPairFunc     func(ctx context.Context, a, b int64) (*store.Conversation, error)
	MessagesByConversationFunc func(ctx context.Context, id int64) ([]store.MessageView, error)
	ConversationsByUserFunc    func(ctx context.Context, userID int64) ([]store.ConversationSummary, error)
	TripMessagesFunc           func(ctx context.Context, tripID int64) ([]store.TripMessage, error)
	CreateTripMessageFunc      func(ctx context.Context, tripID, senderID int64, text string) (*store.TripMessage, error)
	SetTripMessagePinnedFunc   func(ctx context.Context, tripID, messageID int64, pinned bool) (bool, error)
}

func (m *mockStore) ConversationByPair(ctx context.Context, a, b int64) (*store.Conversation, error) {
	if m.ConversationByPairFunc != nil {
		return m.ConversationByPairFunc(ctx, a, b)
	}
	return nil, nil
}

func (m *mockStore) MessagesByConversation(ctx context.Context, id int64) ([]store.MessageView, error) {
	if m.MessagesByConversationFunc != nil {
		return m.MessagesByConversationFunc(ctx, id)
	}
	return []store.MessageView{}, nil
}

func (m *mockStore) ConversationsByUser(ctx context.Context, userID int64) ([]store.ConversationSummary, error) {
	if m.ConversationsByUserFunc != nil {
		return m.ConversationsByUserFunc(ctx, userID)
	}
	return []store.ConversationSummary{}, nil
}

func (m *mockStore) TripMessages(ctx context.Context, tripID int64) ([]store.TripMessage, error) {
	if m.TripMessagesFunc != nil {
		return m.TripMessagesFunc(ctx, tripID)
	}
	return []store.TripMessage{}, nil
}

func (m *mockStore) CreateTripMessage(ctx context.Context, tripID, senderID int64, text string) (*store.TripMessage, error) {
	if m.CreateTripMessageFunc != nil {
		return m.CreateTripMessageFunc(ctx, tripID, senderID, text)
	}
	return nil, errors.New("not implemented")
}

func (m *mockStore) SetTripMessagePinned(ctx context.Context, tripID, messageID int64, pinned bool) (bool, error) {
	if m.SetTripMessagePinnedFunc != nil {
		return m.SetTripMessagePinnedFunc(ctx, tripID, messageID, pinned)
	}
	return false, nil
}

func setupRouter(st api.Store) *gin.Engine {
	gin.SetMode(gin.TestMode)
	return api.NewRouter(api.NewHandler(st, zerolog.Nop()))
}

func do(t *testing.T, r http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
	Error   string          `json:"error"`
}

func decode(t *testing.T, w *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("unmarshal %s: %v", w.Body.String(), err)
	}
	return env
}

func strPtr(s string) *string { return &s }

func TestConversationByPair(t *testing.T) {
	var gotA, gotB int64
	st := &mockStore{
		ConversationByPairFunc: func(_ context.Context, a, b int64) (*store.Conversation, error) {
			gotA, gotB = a, b
			return &store.Conversation{ID: 4, User1ID: 3, User2ID: 7, LastMessage: strPtr("Hi")}, nil
		},
	}
	w := do(t, setupRouter(st), http.MethodGet, "/api/messages/conversation/7/3", nil)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if gotA != 7 || gotB != 3 {
		t.Fatalf("store called with (%d, %d)", gotA, gotB)
	}
	env := decode(t, w)
	var conv store.Conversation
	if err := json.Unmarshal(env.Data, &conv); err != nil {
		t.Fatal(err)
	}
	if !env.Success || conv.ID != 4 || conv.LastMessage == nil || *conv.LastMessage != "Hi" {
		t.Fatalf("response = %s", w.Body.String())
	}
}

func TestConversationByPair_NotFoundIsNull(t *testing.T) {
	w := do(t, setupRouter(&mockStore{}), http.MethodGet, "/api/messages/conversation/3/7", nil)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if env := decode(t, w); !env.Success || string(env.Data) != "null" {
		t.Fatalf("response = %s", w.Body.String())
	}
}

func TestConversationByPair_BadID(t *testing.T) {
	for _, path := range []string{
		"/api/messages/conversation/abc/7",
		"/api/messages/conversation/3/0",
		"/api/messages/conversation/-1/7",
	} {
		w := do(t, setupRouter(&mockStore{}), http.MethodGet, path, nil)
		if w.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", path, w.Code)
		}
	}
}

func TestConversationMessages(t *testing.T) {
	st := &mockStore{
		MessagesByConversationFunc: func(_ context.Context, id int64) ([]store.MessageView, error) {
			if id != 4 {
				t.Errorf("conversation id = %d", id)
			}
			return []store.MessageView{
				{Message: store.Message{ID: 1, ConversationID: 4, SenderID: 3, ReceiverID: 7, Body: "Hi"}, SenderName: strPtr("Ana")},
			}, nil
		},
	}
	w := do(t, setupRouter(st), http.MethodGet, "/api/messages/messages/4", nil)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var rows []map[string]interface{}
	if err := json.Unmarshal(decode(t, w).Data, &rows); err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0]["message"] != "Hi" || rows[0]["sender_name"] != "Ana" || rows[0]["sender_avatar"] != nil {
		t.Fatalf("rows = %v", rows)
	}
}

func TestUserConversations(t *testing.T) {
	st := &mockStore{
		ConversationsByUserFunc: func(_ context.Context, userID int64) ([]store.ConversationSummary, error) {
			return []store.ConversationSummary{
				{Conversation: store.Conversation{ID: 4, User1ID: 3, User2ID: userID}, UnreadCount: 2},
			}, nil
		},
	}
	w := do(t, setupRouter(st), http.MethodGet, "/api/messages/user/7", nil)

	var rows []map[string]interface{}
	if err := json.Unmarshal(decode(t, w).Data, &rows); err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0]["unread_count"] != float64(2) || rows[0]["user2_id"] != float64(7) {
		t.Fatalf("rows = %v", rows)
	}
}

func TestUserConversations_StoreError(t *testing.T) {
	st := &mockStore{
		ConversationsByUserFunc: func(context.Context, int64) ([]store.ConversationSummary, error) {
			return nil, errors.New("db down")
		},
	}
	w := do(t, setupRouter(st), http.MethodGet, "/api/messages/user/7", nil)

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", w.Code)
	}
	if env := decode(t, w); env.Error == "" || env.Success {
		t.Fatalf("response = %s", w.Body.String())
	}
}

func TestCreateTripMessage(t *testing.T) {
	created := time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)
	st := &mockStore{
		CreateTripMessageFunc: func(_ context.Context, tripID, senderID int64, text string) (*store.TripMessage, error) {
			return &store.TripMessage{ID: 55, TripID: tripID, SenderID: senderID, Message: text, CreatedAt: created}, nil
		},
	}
	w := do(t, setupRouter(st), http.MethodPost, "/api/trips/12/messages",
		map[string]interface{}{"sender_id": 3, "message": "Meet at 8"})

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var msg store.TripMessage
	if err := json.Unmarshal(decode(t, w).Data, &msg); err != nil {
		t.Fatal(err)
	}
	if msg.ID != 55 || msg.TripID != 12 || msg.SenderID != 3 || msg.Message != "Meet at 8" {
		t.Fatalf("message = %+v", msg)
	}
}

func TestCreateTripMessage_MissingFields(t *testing.T) {
	called := false
	st := &mockStore{
		CreateTripMessageFunc: func(context.Context, int64, int64, string) (*store.TripMessage, error) {
			called = true
			return nil, nil
		},
	}
	for _, body := range []map[string]interface{}{
		{"message": "hi"},
		{"sender_id": 3},
		{"sender_id": 3, "message": ""},
	} {
		w := do(t, setupRouter(st), http.MethodPost, "/api/trips/12/messages", body)
		if w.Code != http.StatusBadRequest {
			t.Errorf("body %v: status = %d, want 400", body, w.Code)
		}
	}
	if called {
		t.Fatal("store called for an invalid request")
	}
}

func TestPinTripMessage(t *testing.T) {
	var gotPinned bool
	st := &mockStore{
		SetTripMessagePinnedFunc: func(_ context.Context, tripID, messageID int64, pinned bool) (bool, error) {
			gotPinned = pinned
			return tripID == 12 && messageID == 55, nil
		},
	}
	r := setupRouter(st)

	w := do(t, r, http.MethodPut, "/api/trips/12/messages/55/pin", map[string]interface{}{"is_pinned": true})
	if w.Code != http.StatusOK || !gotPinned {
		t.Fatalf("status = %d pinned = %v", w.Code, gotPinned)
	}
	if env := decode(t, w); !env.Success || env.Message != "Message pin status updated" {
		t.Fatalf("response = %s", w.Body.String())
	}

	// false is a valid value, not a missing one.
	w = do(t, r, http.MethodPut, "/api/trips/12/messages/55/pin", map[string]interface{}{"is_pinned": false})
	if w.Code != http.StatusOK || gotPinned {
		t.Fatalf("unpin: status = %d pinned = %v", w.Code, gotPinned)
	}

	w = do(t, r, http.MethodPut, "/api/trips/12/messages/99/pin", map[string]interface{}{"is_pinned": true})
	if w.Code != http.StatusNotFound {
		t.Fatalf("unknown message: status = %d, want 404", w.Code)
	}

	w = do(t, r, http.MethodPut, "/api/trips/12/messages/55/pin", map[string]interface{}{})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("missing is_pinned: status = %d, want 400", w.Code)
	}
}
