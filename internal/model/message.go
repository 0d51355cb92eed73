package model

import "time"

// Message はブロードキャスト1回分のメッセージを表す。作成後は変更しない。
type Message struct {
	ID               int64
	Text             string
	StickerPackageID *int64
	StickerID        *int64
	CreatedAt        time.Time
}

// DeliveryOutcome は配信結果の状態。
type DeliveryOutcome string

const (
	DeliveryPending DeliveryOutcome = "pending"
	DeliverySuccess DeliveryOutcome = "success"
	DeliveryFailure DeliveryOutcome = "failure"
)

// Succeeded は配信成功が確定しているかを返す。
func (o DeliveryOutcome) Succeeded() bool {
	return o == DeliverySuccess
}

// DeliveryStatus は(メッセージ, subject)ごとの配信記録を表す。
type DeliveryStatus struct {
	MessageID   int64
	Subject     string
	Outcome     DeliveryOutcome
	ErrorDetail *string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// DeliveryStatusView は配信記録にBindingの表示情報を結合したもの。
type DeliveryStatusView struct {
	DeliveryStatus
	Name    string
	Picture string
}
