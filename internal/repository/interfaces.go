// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/notifylink/internal/model"
)

// BindingStore はBinding・Message・DeliveryStatusの永続化インターフェース。
// すべての操作は永続化層の障害時にmodel.ErrStoreUnavailableをラップしたエラーを返す。
type BindingStore interface {
	// UpsertLogin はBindingが無ければ作成し、あればログイン関連の項目のみ更新する。
	// 通知トークンは変更しない。
	UpsertLogin(ctx context.Context, creds model.LoginCredentials) error

	// GetBinding は指定subjectのBindingを取得する。見つからない場合はnilを返す。
	GetBinding(ctx context.Context, subject string) (*model.Binding, error)

	// IsNotifyBound はBindingが存在し通知トークンが空でない場合にtrueを返す。
	IsNotifyBound(ctx context.Context, subject string) (bool, error)

	// SetNotifyToken は通知トークンを保存する。
	// Bindingが存在しない場合はmodel.ErrBindingNotFoundを返し、行は作成しない。
	SetNotifyToken(ctx context.Context, subject, token string) error

	// ClearNotifyToken は通知トークンを削除する。Bindingが存在しない場合は何もしない。
	ClearNotifyToken(ctx context.Context, subject string) error

	// GetNotifyToken は通知トークンを返す。Bindingが存在しない場合はmodel.ErrBindingNotFoundを返す。
	// 未連携のBindingでは空文字を返す。
	GetNotifyToken(ctx context.Context, subject string) (string, error)

	// ListBindings はすべてのBindingを返す。
	ListBindings(ctx context.Context) ([]*model.Binding, error)
}

// MessageLedger はブロードキャストのメッセージと配信記録の永続化インターフェース。
type MessageLedger interface {
	// CreateMessage はメッセージを作成し、単調増加するIDを返す。
	CreateMessage(ctx context.Context, msg *model.Message) (int64, error)

	// GetMessage は指定IDのメッセージを取得する。見つからない場合はnilを返す。
	GetMessage(ctx context.Context, id int64) (*model.Message, error)

	// ListMessages はメッセージを新しい順に返す。
	ListMessages(ctx context.Context) ([]*model.Message, error)

	// UpsertDeliveryStatus は(messageID, subject)をキーに配信記録を作成または上書きする。
	UpsertDeliveryStatus(ctx context.Context, messageID int64, subject string, outcome model.DeliveryOutcome, errorDetail *string) error

	// ListDeliveryStatuses は配信記録をBindingの表示情報と結合して返す。
	ListDeliveryStatuses(ctx context.Context, messageID int64) ([]*model.DeliveryStatusView, error)

	// DeleteMessagesBefore はcutoffより前に作成されたメッセージを削除し、削除件数を返す。
	// 配信記録はCASCADEで削除される。
	DeleteMessagesBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
