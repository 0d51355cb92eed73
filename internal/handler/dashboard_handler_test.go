package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/notifylink/internal/broadcast"
	"github.com/hitoshi/notifylink/internal/model"
)

type mockDashboardStore struct {
	bindings []*model.Binding
	messages []*model.Message
	statuses map[int64][]*model.DeliveryStatusView
	err      error
}

func (m *mockDashboardStore) ListBindings(ctx context.Context) ([]*model.Binding, error) {
	return m.bindings, m.err
}

func (m *mockDashboardStore) ListMessages(ctx context.Context) ([]*model.Message, error) {
	return m.messages, m.err
}

func (m *mockDashboardStore) GetMessage(ctx context.Context, id int64) (*model.Message, error) {
	if m.err != nil {
		return nil, m.err
	}
	for _, msg := range m.messages {
		if msg.ID == id {
			return msg, nil
		}
	}
	return nil, nil
}

func (m *mockDashboardStore) ListDeliveryStatuses(ctx context.Context, messageID int64) ([]*model.DeliveryStatusView, error) {
	return m.statuses[messageID], m.err
}

type mockBroadcaster struct {
	broadcastFn func(ctx context.Context, req broadcast.Request) (*broadcast.Result, error)
	requests    []broadcast.Request
}

func (m *mockBroadcaster) Broadcast(ctx context.Context, req broadcast.Request) (*broadcast.Result, error) {
	m.requests = append(m.requests, req)
	if m.broadcastFn != nil {
		return m.broadcastFn(ctx, req)
	}
	return &broadcast.Result{MessageID: 1}, nil
}

func withChiURLParam(r *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

func parseAPIErrorResponse(t *testing.T, w *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	var body map[string]string
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode error response: %v", err)
	}
	return body
}

func TestDashboardHandler_ListSubscribers_OmitsTokens(t *testing.T) {
	store := &mockDashboardStore{
		bindings: []*model.Binding{
			{Subject: "U1", Name: "Alice", LoginAccessToken: "secret-login", NotifyAccessToken: "secret-notify"},
			{Subject: "U2", Name: "Bob", LoginAccessToken: "secret-login-2"},
		},
	}
	h := NewDashboardHandler(store, &mockBroadcaster{}, discardLogger())

	w := httptest.NewRecorder()
	h.ListSubscribers(w, httptest.NewRequest(http.MethodGet, "/dashboard/subscribers", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if strings.Contains(w.Body.String(), "secret") {
		t.Fatalf("tokens must not be serialised: %s", w.Body.String())
	}
	var body []subscriberResponse
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if len(body) != 2 || !body[0].NotifyBound || body[1].NotifyBound {
		t.Errorf("body = %+v", body)
	}
}

func TestDashboardHandler_ListMessages(t *testing.T) {
	pkg, sticker := int64(446), int64(1988)
	store := &mockDashboardStore{
		messages: []*model.Message{
			{ID: 2, Text: "second", StickerPackageID: &pkg, StickerID: &sticker, CreatedAt: time.Unix(200, 0)},
			{ID: 1, Text: "first", CreatedAt: time.Unix(100, 0)},
		},
	}
	h := NewDashboardHandler(store, &mockBroadcaster{}, discardLogger())

	w := httptest.NewRecorder()
	h.ListMessages(w, httptest.NewRequest(http.MethodGet, "/dashboard/messages", nil))

	var body []messageResponse
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if len(body) != 2 || body[0].ID != 2 || *body[0].StickerID != 1988 || body[1].StickerID != nil {
		t.Errorf("body = %+v", body)
	}
}

func TestDashboardHandler_GetMessage(t *testing.T) {
	detail := "boom"
	store := &mockDashboardStore{
		messages: []*model.Message{{ID: 7, Text: "hello"}},
		statuses: map[int64][]*model.DeliveryStatusView{
			7: {
				{DeliveryStatus: model.DeliveryStatus{MessageID: 7, Subject: "U1", Outcome: model.DeliverySuccess}, Name: "Alice"},
				{DeliveryStatus: model.DeliveryStatus{MessageID: 7, Subject: "U2", Outcome: model.DeliveryFailure, ErrorDetail: &detail}, Name: "Bob"},
			},
		},
	}
	h := NewDashboardHandler(store, &mockBroadcaster{}, discardLogger())

	w := httptest.NewRecorder()
	h.GetMessage(w, withChiURLParam(httptest.NewRequest(http.MethodGet, "/dashboard/messages/7", nil), "id", "7"))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var body messageDetailResponse
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if body.Message.Text != "hello" || len(body.Statuses) != 2 {
		t.Fatalf("body = %+v", body)
	}
	if body.Statuses[1].Status != "failure" || body.Statuses[1].ErrorMessage == nil || *body.Statuses[1].ErrorMessage != "boom" {
		t.Errorf("failed status = %+v", body.Statuses[1])
	}
}

func TestDashboardHandler_GetMessage_NotFoundAndInvalidID(t *testing.T) {
	h := NewDashboardHandler(&mockDashboardStore{}, &mockBroadcaster{}, discardLogger())

	w := httptest.NewRecorder()
	h.GetMessage(w, withChiURLParam(httptest.NewRequest(http.MethodGet, "/dashboard/messages/99", nil), "id", "99"))
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
	if body := parseAPIErrorResponse(t, w); body["code"] != model.ErrCodeMessageNotFound {
		t.Errorf("code = %q", body["code"])
	}

	w = httptest.NewRecorder()
	h.GetMessage(w, withChiURLParam(httptest.NewRequest(http.MethodGet, "/dashboard/messages/abc", nil), "id", "abc"))
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
	if body := parseAPIErrorResponse(t, w); body["code"] != model.ErrCodeInvalidMessageID {
		t.Errorf("code = %q", body["code"])
	}
}

func TestDashboardHandler_CreateMessage(t *testing.T) {
	b := &mockBroadcaster{
		broadcastFn: func(ctx context.Context, req broadcast.Request) (*broadcast.Result, error) {
			return &broadcast.Result{MessageID: 3, Targets: 2, Succeeded: 1, Failed: 1}, nil
		},
	}
	h := NewDashboardHandler(&mockDashboardStore{}, b, discardLogger())

	body := `{"message":"hello","sticker_package_id":446,"sticker_id":1988}`
	w := httptest.NewRecorder()
	h.CreateMessage(w, httptest.NewRequest(http.MethodPost, "/dashboard/messages", strings.NewReader(body)))

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusCreated)
	}
	if len(b.requests) != 1 || b.requests[0].Text != "hello" || *b.requests[0].StickerID != 1988 {
		t.Errorf("requests = %+v", b.requests)
	}
	var result broadcast.Result
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if result != (broadcast.Result{MessageID: 3, Targets: 2, Succeeded: 1, Failed: 1}) {
		t.Errorf("result = %+v", result)
	}
}

func TestDashboardHandler_CreateMessage_Errors(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		err        error
		wantStatus int
	}{
		{"invalid json", `{`, nil, http.StatusBadRequest},
		{"empty body", `{"message":""}`, fmt.Errorf("empty: %w", model.ErrInvalidMessage), http.StatusBadRequest},
		{"store down", `{"message":"hi"}`, fmt.Errorf("create: %w", model.ErrStoreUnavailable), http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := &mockBroadcaster{
				broadcastFn: func(ctx context.Context, req broadcast.Request) (*broadcast.Result, error) {
					return nil, tt.err
				},
			}
			h := NewDashboardHandler(&mockDashboardStore{}, b, discardLogger())

			w := httptest.NewRecorder()
			h.CreateMessage(w, httptest.NewRequest(http.MethodPost, "/dashboard/messages", strings.NewReader(tt.body)))
			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
		})
	}
}
