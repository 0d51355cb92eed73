package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/notifylink/internal/broadcast"
	"github.com/hitoshi/notifylink/internal/middleware"
	"github.com/hitoshi/notifylink/internal/model"
)

// DashboardStore は運用画面が参照する永続化操作。repository.SQLStoreが実装する。
type DashboardStore interface {
	ListBindings(ctx context.Context) ([]*model.Binding, error)
	ListMessages(ctx context.Context) ([]*model.Message, error)
	GetMessage(ctx context.Context, id int64) (*model.Message, error)
	ListDeliveryStatuses(ctx context.Context, messageID int64) ([]*model.DeliveryStatusView, error)
}

// Broadcaster はブロードキャストの実行。broadcast.Dispatcherが実装する。
type Broadcaster interface {
	Broadcast(ctx context.Context, req broadcast.Request) (*broadcast.Result, error)
}

// DashboardHandler は運用者向けのHTTPハンドラー。
type DashboardHandler struct {
	store       DashboardStore
	broadcaster Broadcaster
	logger      *slog.Logger
}

// NewDashboardHandler はDashboardHandlerを生成する。
func NewDashboardHandler(store DashboardStore, broadcaster Broadcaster, logger *slog.Logger) *DashboardHandler {
	return &DashboardHandler{store: store, broadcaster: broadcaster, logger: logger}
}

// subscriberResponse は購読者の表示情報。トークンは含めない。
type subscriberResponse struct {
	Subject     string    `json:"subject"`
	Name        string    `json:"name"`
	Picture     string    `json:"picture"`
	NotifyBound bool      `json:"notify_bound"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type messageResponse struct {
	ID               int64     `json:"id"`
	Text             string    `json:"text"`
	StickerPackageID *int64    `json:"sticker_package_id,omitempty"`
	StickerID        *int64    `json:"sticker_id,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

type deliveryStatusResponse struct {
	Subject      string    `json:"subject"`
	Name         string    `json:"name"`
	Picture      string    `json:"picture"`
	Status       string    `json:"status"`
	ErrorMessage *string   `json:"error_message,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type messageDetailResponse struct {
	Message  messageResponse          `json:"message"`
	Statuses []deliveryStatusResponse `json:"statuses"`
}

// broadcastRequest はブロードキャストリクエストのボディ。
type broadcastRequest struct {
	Message          string `json:"message"`
	StickerPackageID *int64 `json:"sticker_package_id"`
	StickerID        *int64 `json:"sticker_id"`
}

func toMessageResponse(m *model.Message) messageResponse {
	return messageResponse{
		ID:               m.ID,
		Text:             m.Text,
		StickerPackageID: m.StickerPackageID,
		StickerID:        m.StickerID,
		CreatedAt:        m.CreatedAt,
	}
}

// ListSubscribers は購読者一覧を返す。
// GET /dashboard/subscribers
func (h *DashboardHandler) ListSubscribers(w http.ResponseWriter, r *http.Request) {
	bindings, err := h.store.ListBindings(r.Context())
	if err != nil {
		h.logger.Error("failed to list bindings", slog.String("error", err.Error()))
		middleware.WriteDomainError(w, err)
		return
	}

	resp := make([]subscriberResponse, 0, len(bindings))
	for _, b := range bindings {
		resp = append(resp, subscriberResponse{
			Subject:     b.Subject,
			Name:        b.Name,
			Picture:     b.Picture,
			NotifyBound: b.NotifyBound(),
			CreatedAt:   b.CreatedAt,
			UpdatedAt:   b.UpdatedAt,
		})
	}
	middleware.WriteJSON(w, http.StatusOK, resp)
}

// ListMessages は送信済みメッセージを新しい順に返す。
// GET /dashboard/messages
func (h *DashboardHandler) ListMessages(w http.ResponseWriter, r *http.Request) {
	messages, err := h.store.ListMessages(r.Context())
	if err != nil {
		h.logger.Error("failed to list messages", slog.String("error", err.Error()))
		middleware.WriteDomainError(w, err)
		return
	}

	resp := make([]messageResponse, 0, len(messages))
	for _, m := range messages {
		resp = append(resp, toMessageResponse(m))
	}
	middleware.WriteJSON(w, http.StatusOK, resp)
}

// GetMessage はメッセージと対象ごとの配信記録を返す。
// GET /dashboard/messages/{id}
func (h *DashboardHandler) GetMessage(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidMessageIDError(raw))
		return
	}

	msg, err := h.store.GetMessage(r.Context(), id)
	if err != nil {
		h.logger.Error("failed to get message", slog.Int64("message_id", id), slog.String("error", err.Error()))
		middleware.WriteDomainError(w, err)
		return
	}
	if msg == nil {
		middleware.WriteErrorResponse(w, http.StatusNotFound, model.NewMessageNotFoundError(id))
		return
	}

	statuses, err := h.store.ListDeliveryStatuses(r.Context(), id)
	if err != nil {
		h.logger.Error("failed to list delivery statuses", slog.Int64("message_id", id), slog.String("error", err.Error()))
		middleware.WriteDomainError(w, err)
		return
	}

	resp := messageDetailResponse{
		Message:  toMessageResponse(msg),
		Statuses: make([]deliveryStatusResponse, 0, len(statuses)),
	}
	for _, s := range statuses {
		resp.Statuses = append(resp.Statuses, deliveryStatusResponse{
			Subject:      s.Subject,
			Name:         s.Name,
			Picture:      s.Picture,
			Status:       string(s.Outcome),
			ErrorMessage: s.ErrorDetail,
			UpdatedAt:    s.UpdatedAt,
		})
	}
	middleware.WriteJSON(w, http.StatusOK, resp)
}

// CreateMessage はメッセージを全連携済みユーザーへブロードキャストする。
// 個別の送信失敗はレスポンスのfailedと配信記録で確認する。
// 所要時間は対象数に比例するため、このリクエストに限りサーバーの書き込みタイムアウトを解除する。
// POST /dashboard/messages
func (h *DashboardHandler) CreateMessage(w http.ResponseWriter, r *http.Request) {
	if err := http.NewResponseController(w).SetWriteDeadline(time.Time{}); err != nil {
		h.logger.Debug("write deadline not adjustable", slog.String("error", err.Error()))
	}

	var req broadcastRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, &model.APIError{
			Code:     "INVALID_REQUEST",
			Message:  "リクエストボディの解析に失敗しました。",
			Category: "validation",
			Action:   "正しいJSON形式でリクエストしてください。",
		})
		return
	}

	result, err := h.broadcaster.Broadcast(r.Context(), broadcast.Request{
		Text:             req.Message,
		StickerPackageID: req.StickerPackageID,
		StickerID:        req.StickerID,
	})
	if err != nil {
		h.logger.Warn("broadcast rejected", slog.String("error", err.Error()))
		middleware.WriteDomainError(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusCreated, result)
}
