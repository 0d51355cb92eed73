// Package oauth はログイン用・通知用プロバイダとの認可コードフローの通信を提供する。
// プロバイダごとの差分はProviderの設定値だけで表し、処理は共通にする。
package oauth

import "golang.org/x/oauth2"

// RevokeStyle はトークン失効APIへの資格情報の渡し方。
type RevokeStyle int

const (
	// RevokeWithForm はaccess_token・client_id・client_secretをフォームで送る。
	RevokeWithForm RevokeStyle = iota
	// RevokeWithBearer はAuthorizationヘッダでトークンを送る。
	RevokeWithBearer
)

// LINEのエンドポイント
const (
	LineAuthURL    = "https://access.line.me/oauth2/v2.1/authorize"
	LineTokenURL   = "https://api.line.me/oauth2/v2.1/token"
	LineVerifyURL  = "https://api.line.me/oauth2/v2.1/verify"
	LineRevokeURL  = "https://api.line.me/oauth2/v2.1/revoke"
	LineProfileURL = "https://api.line.me/v2/profile"

	LineNotifyAuthURL   = "https://notify-bot.line.me/oauth/authorize"
	LineNotifyTokenURL  = "https://notify-bot.line.me/oauth/token"
	LineNotifyRevokeURL = "https://notify-api.line.me/api/revoke"
)

// Provider は1つのOAuthプロバイダの設定。
type Provider struct {
	Name         string
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string

	AuthURL    string
	TokenURL   string
	VerifyURL  string
	ProfileURL string
	RevokeURL  string

	RevokeStyle RevokeStyle
}

// LoginProvider はLINE Loginの設定を返す。
func LoginProvider(clientID, clientSecret, redirectURL string) Provider {
	return Provider{
		Name:         "login",
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Scopes:       []string{"openid", "profile"},
		AuthURL:      LineAuthURL,
		TokenURL:     LineTokenURL,
		VerifyURL:    LineVerifyURL,
		ProfileURL:   LineProfileURL,
		RevokeURL:    LineRevokeURL,
		RevokeStyle:  RevokeWithForm,
	}
}

// NotifyProvider はLINE Notifyの設定を返す。
func NotifyProvider(clientID, clientSecret, redirectURL string) Provider {
	return Provider{
		Name:         "notify",
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Scopes:       []string{"notify"},
		AuthURL:      LineNotifyAuthURL,
		TokenURL:     LineNotifyTokenURL,
		RevokeURL:    LineNotifyRevokeURL,
		RevokeStyle:  RevokeWithBearer,
	}
}

func (p Provider) oauth2Config(redirectURI string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     p.ClientID,
		ClientSecret: p.ClientSecret,
		RedirectURL:  redirectURI,
		Scopes:       p.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:   p.AuthURL,
			TokenURL:  p.TokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}
