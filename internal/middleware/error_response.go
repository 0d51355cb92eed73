package middleware

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/hitoshi/notifylink/internal/model"
)

// ErrorResponseBody はAPIエラーレスポンスの統一フォーマット。
// 原因カテゴリと対処方法を含む。
type ErrorResponseBody struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Category string `json:"category"`
	Action   string `json:"action"`
}

// WriteJSON はJSONレスポンスを書き込む。
func WriteJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(v)
}

// WriteErrorResponse は統一エラーフォーマットでHTTPエラーレスポンスを書き込む。
func WriteErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	WriteJSON(w, statusCode, ErrorResponseBody{
		Code:     apiErr.Code,
		Message:  apiErr.Message,
		Category: apiErr.Category,
		Action:   apiErr.Action,
	})
}

// WriteInternalServerError は内部サーバーエラーの統一レスポンスを書き込む。
// 詳細はログのみに記録し、ユーザーには一般的なメッセージを返す。
func WriteInternalServerError(w http.ResponseWriter) {
	WriteErrorResponse(w, http.StatusInternalServerError, &model.APIError{
		Code:     "INTERNAL_ERROR",
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	})
}

// WriteDomainError はドメインエラーを分類し、対応するステータスで書き込む。
// 分類できないエラーは500として扱う。
func WriteDomainError(w http.ResponseWriter, err error) {
	status, apiErr := ClassifyError(err)
	if apiErr == nil {
		WriteInternalServerError(w)
		return
	}
	WriteErrorResponse(w, status, apiErr)
}

// ClassifyError はドメインエラーをHTTPステータスとAPIErrorに対応付ける。
func ClassifyError(err error) (int, *model.APIError) {
	var providerErr *model.ProviderError
	switch {
	case errors.Is(err, model.ErrInvalidMessage):
		return http.StatusBadRequest, model.NewInvalidMessageError(err.Error())
	case errors.Is(err, model.ErrBindingNotFound):
		return http.StatusNotFound, model.NewBindingNotFoundError()
	case model.IsRejection(err):
		return http.StatusUnauthorized, model.NewUnauthenticatedError()
	case errors.Is(err, model.ErrTransport), errors.As(err, &providerErr):
		return http.StatusBadGateway, model.NewProviderFailedError()
	case errors.Is(err, model.ErrStoreUnavailable):
		return http.StatusServiceUnavailable, model.NewStoreUnavailableError()
	default:
		return http.StatusInternalServerError, nil
	}
}
