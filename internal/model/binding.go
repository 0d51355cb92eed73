// Package model はドメインモデルを定義する。
package model

import "time"

// Binding はsubject（IdPの不変ユーザーID）ごとのログイン資格情報と通知資格情報の組を表す。
// NotifyAccessTokenが空でない場合のみ通知連携済みとみなす。
type Binding struct {
	Subject           string
	Name              string
	Picture           string
	LoginAccessToken  string
	LoginRefreshToken string
	LoginIDToken      string
	NotifyAccessToken string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// NotifyBound は通知連携済みかどうかを返す。
func (b *Binding) NotifyBound() bool {
	return b != nil && b.NotifyAccessToken != ""
}

// LoginCredentials はログインコールバック成功時に保存する値をまとめる。
type LoginCredentials struct {
	Subject      string
	Name         string
	Picture      string
	AccessToken  string
	RefreshToken string
	IDToken      string
}
