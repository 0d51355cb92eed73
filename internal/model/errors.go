// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// 認可フロー・保存・配信で共通に使うエラー分類。
// 呼び出し側はerrors.Isで判定する。
var (
	ErrTransport        = errors.New("transport error")
	ErrTokenInvalid     = errors.New("token invalid")
	ErrInvalidSignature = errors.New("invalid signature")
	ErrExpired          = errors.New("token expired")
	ErrMalformed        = errors.New("malformed token")
	ErrBindingNotFound  = errors.New("binding not found")
	ErrStoreUnavailable = errors.New("store unavailable")
	ErrFlowRejected     = errors.New("authorization flow rejected")
	ErrInvalidMessage   = errors.New("invalid message")
)

// ProviderError はプロバイダが成功以外のステータスを返したことを表す。
// Bodyはプロバイダの応答をそのまま保持する。
type ProviderError struct {
	Operation  string
	StatusCode int
	Body       string
}

// Error はerrorインターフェースを実装する。
func (e *ProviderError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: provider returned status %d", e.Operation, e.StatusCode)
	}
	return fmt.Sprintf("%s: provider returned status %d: %s", e.Operation, e.StatusCode, e.Body)
}

// IsRejection は状態トークンまたはプロバイダトークンの検証失敗かを返す。
func IsRejection(err error) bool {
	return errors.Is(err, ErrTokenInvalid) ||
		errors.Is(err, ErrInvalidSignature) ||
		errors.Is(err, ErrExpired) ||
		errors.Is(err, ErrMalformed) ||
		errors.Is(err, ErrFlowRejected)
}

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, notify, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeLoginRejected    = "LOGIN_REJECTED"
	ErrCodeNotifyRejected   = "NOTIFY_REJECTED"
	ErrCodeProviderFailed   = "PROVIDER_FAILED"
	ErrCodeBindingNotFound  = "BINDING_NOT_FOUND"
	ErrCodeMessageNotFound  = "MESSAGE_NOT_FOUND"
	ErrCodeInvalidMessage   = "INVALID_MESSAGE"
	ErrCodeInvalidMessageID = "INVALID_MESSAGE_ID"
	ErrCodeUnauthenticated  = "UNAUTHORIZED"
	ErrCodeStoreUnavailable = "STORE_UNAVAILABLE"
)

// NewBindingNotFoundError はログイン情報が保存されていない場合のエラーを生成する。
func NewBindingNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeBindingNotFound,
		Message:  "ログイン情報が見つかりません。",
		Category: "auth",
		Action:   "ログインし直してください。",
	}
}

// NewMessageNotFoundError はメッセージ未検出エラーを生成する。
func NewMessageNotFoundError(id int64) *APIError {
	return &APIError{
		Code:     ErrCodeMessageNotFound,
		Message:  fmt.Sprintf("指定されたメッセージが見つかりません: %d", id),
		Category: "notify",
		Action:   "メッセージIDを確認してください。",
	}
}

// NewInvalidMessageIDError は不正なメッセージIDのエラーを生成する。
func NewInvalidMessageIDError(raw string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidMessageID,
		Message:  fmt.Sprintf("無効なメッセージIDです: %s", raw),
		Category: "validation",
		Action:   "数値のメッセージIDを指定してください。",
	}
}

// NewInvalidMessageError は送信できないメッセージ本文のエラーを生成する。
func NewInvalidMessageError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidMessage,
		Message:  fmt.Sprintf("メッセージを送信できません: %s", reason),
		Category: "validation",
		Action:   "本文を入力してください。スタンプはパッケージIDとスタンプIDを両方指定してください。",
	}
}

// NewProviderFailedError はプロバイダ呼び出し失敗エラーを生成する。
func NewProviderFailedError() *APIError {
	return &APIError{
		Code:     ErrCodeProviderFailed,
		Message:  "外部サービスとの通信に失敗しました。",
		Category: "notify",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewStoreUnavailableError は永続化層の障害エラーを生成する。
func NewStoreUnavailableError() *APIError {
	return &APIError{
		Code:     ErrCodeStoreUnavailable,
		Message:  "データの保存に失敗しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewUnauthenticatedError は本人確認できない場合のエラーを生成する。
func NewUnauthenticatedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthenticated,
		Message:  "ログインが必要です。",
		Category: "auth",
		Action:   "LINEでログインしてください。",
	}
}
