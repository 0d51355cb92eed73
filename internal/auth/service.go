// Package auth はログインと通知連携の2つの認可コードフローを駆動する。
//
// どちらのフローも「stateを署名してリダイレクト → コールバックでstate検証 → コード交換」
// という同じ形をとり、違いはoauth.Providerの設定値とstateに載せるclaimsだけである。
// 通知連携ではsubjectをstateに埋め込むため、コールバックはセッションが無くても完結する。
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/notifylink/internal/metrics"
	"github.com/hitoshi/notifylink/internal/model"
	"github.com/hitoshi/notifylink/internal/notify"
	"github.com/hitoshi/notifylink/internal/oauth"
	"github.com/hitoshi/notifylink/internal/repository"
	"github.com/hitoshi/notifylink/internal/statetoken"
)

// ProviderClient はプロバイダとの通信のインターフェース。oauth.Clientが実装する。
type ProviderClient interface {
	AuthorizationURL(p oauth.Provider, redirectURI, state string) string
	ExchangeCode(ctx context.Context, p oauth.Provider, code, redirectURI string) (*oauth.TokenSet, error)
	VerifyAccessToken(ctx context.Context, p oauth.Provider, accessToken string) (*oauth.AccessTokenInfo, error)
	VerifyIdentityAssertion(ctx context.Context, p oauth.Provider, idToken, expectedAudience string) (*oauth.IdentityClaims, error)
	FetchIdentityProfile(ctx context.Context, p oauth.Provider, accessToken string) (*oauth.Profile, error)
	RevokeAccessToken(ctx context.Context, p oauth.Provider, token string) error
}

// MessageSender は通知メッセージ送信のインターフェース。notify.Senderが実装する。
type MessageSender interface {
	Send(ctx context.Context, token string, msg notify.Message) error
}

// URLValidator はプロバイダから受け取ったURLを検証する。
type URLValidator interface {
	ValidateURL(rawURL string) error
}

// ServiceConfig は認可フローの設定。
type ServiceConfig struct {
	Login    oauth.Provider
	Notify   oauth.Provider
	StateTTL time.Duration
	// BindConfirmationMessage は通知連携直後に送る確認メッセージ。空なら送らない。
	BindConfirmationMessage string
}

// LoginResult はログインコールバック成功時の結果。
// トークンの保持（Cookieなど）は呼び出し側の責務。
type LoginResult struct {
	Subject     string
	Name        string
	AccessToken string
	IDToken     string
}

// Viewer は現在のログインユーザーの表示情報。
type Viewer struct {
	Subject       string `json:"subject"`
	Name          string `json:"name"`
	Picture       string `json:"picture"`
	StatusMessage string `json:"status_message"`
	NotifyBound   bool   `json:"notify_bound"`
}

// Service は認可フローのビジネスロジックを提供する。
type Service struct {
	client    ProviderClient
	store     repository.BindingStore
	codec     *statetoken.Codec
	sender    MessageSender
	validator URLValidator
	metrics   metrics.MetricsCollector
	logger    *slog.Logger
	config    ServiceConfig
}

// NewService はServiceを生成する。
func NewService(
	client ProviderClient,
	store repository.BindingStore,
	codec *statetoken.Codec,
	sender MessageSender,
	validator URLValidator,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
	config ServiceConfig,
) *Service {
	if collector == nil {
		collector = metrics.NopCollector{}
	}
	if config.StateTTL <= 0 {
		config.StateTTL = 10 * time.Minute
	}
	return &Service{
		client:    client,
		store:     store,
		codec:     codec,
		sender:    sender,
		validator: validator,
		metrics:   collector,
		logger:    logger,
		config:    config,
	}
}

// StartLogin はログイン用stateを発行し、認可画面のURLを返す。
func (s *Service) StartLogin() (string, error) {
	state, err := s.codec.SignFor(statetoken.Claims{Purpose: statetoken.PurposeLogin}, s.config.StateTTL)
	if err != nil {
		return "", fmt.Errorf("failed to sign login state: %w", err)
	}
	return s.client.AuthorizationURL(s.config.Login, s.config.Login.RedirectURL, state), nil
}

// CompleteLogin はログインコールバックを処理する。
// IDトークンの検証とプロフィール取得の両方が成功した場合のみBindingを保存する。
func (s *Service) CompleteLogin(ctx context.Context, code, state string) (*LoginResult, error) {
	result, err := s.completeLogin(ctx, code, state)
	s.finishFlow(ctx, "login", err)
	return result, err
}

func (s *Service) completeLogin(ctx context.Context, code, state string) (*LoginResult, error) {
	if _, err := s.verifyState(state, statetoken.PurposeLogin); err != nil {
		return nil, err
	}
	if code == "" {
		return nil, fmt.Errorf("login callback without code: %w", model.ErrFlowRejected)
	}

	p := s.config.Login
	tokens, err := s.client.ExchangeCode(ctx, p, code, p.RedirectURL)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange login code: %w", err)
	}
	if tokens.IDToken == "" {
		return nil, fmt.Errorf("login token response has no id_token: %w", model.ErrTokenInvalid)
	}

	payload, err := oauth.DecodeIdentityPayload(tokens.IDToken)
	if err != nil {
		return nil, fmt.Errorf("failed to decode id token: %w", err)
	}
	verified, err := s.client.VerifyIdentityAssertion(ctx, p, tokens.IDToken, p.ClientID)
	if err != nil {
		return nil, fmt.Errorf("failed to verify id token: %w", err)
	}
	if verified.Subject != payload.Subject {
		return nil, fmt.Errorf("id token subject mismatch: %w", model.ErrTokenInvalid)
	}

	profile, err := s.client.FetchIdentityProfile(ctx, p, tokens.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch profile: %w", err)
	}
	if profile.UserID != verified.Subject {
		return nil, fmt.Errorf("profile user %q does not match id token subject: %w", profile.UserID, model.ErrTokenInvalid)
	}

	creds := model.LoginCredentials{
		Subject:      verified.Subject,
		Name:         profile.DisplayName,
		Picture:      s.safePicture(profile.PictureURL),
		AccessToken:  tokens.AccessToken,
		RefreshToken: tokens.RefreshToken,
		IDToken:      tokens.IDToken,
	}
	if err := s.store.UpsertLogin(ctx, creds); err != nil {
		return nil, fmt.Errorf("failed to save binding: %w", err)
	}

	s.logger.Info("user logged in", slog.String("subject", creds.Subject))
	return &LoginResult{
		Subject:     creds.Subject,
		Name:        creds.Name,
		AccessToken: tokens.AccessToken,
		IDToken:     tokens.IDToken,
	}, nil
}

// safePicture は検証に通らない画像URLを空にする。
func (s *Service) safePicture(raw string) string {
	if raw == "" || s.validator == nil {
		return raw
	}
	if err := s.validator.ValidateURL(raw); err != nil {
		s.logger.Warn("discarding profile picture url", slog.String("error", err.Error()))
		return ""
	}
	return raw
}

// VerifyIdentity はIDトークンをプロバイダに検証させ、subjectを返す。
// Cookieに保持したIDトークンからリクエストの本人を特定するのに使う。
func (s *Service) VerifyIdentity(ctx context.Context, idToken string) (string, error) {
	claims, err := s.client.VerifyIdentityAssertion(ctx, s.config.Login, idToken, s.config.Login.ClientID)
	if err != nil {
		return "", err
	}
	return claims.Subject, nil
}

// CurrentViewer はアクセストークンとIDトークンを検証し、表示用のユーザー情報を返す。
func (s *Service) CurrentViewer(ctx context.Context, accessToken, idToken string) (*Viewer, error) {
	p := s.config.Login
	if _, err := s.client.VerifyAccessToken(ctx, p, accessToken); err != nil {
		return nil, fmt.Errorf("failed to verify access token: %w", err)
	}
	claims, err := s.client.VerifyIdentityAssertion(ctx, p, idToken, p.ClientID)
	if err != nil {
		return nil, fmt.Errorf("failed to verify id token: %w", err)
	}
	profile, err := s.client.FetchIdentityProfile(ctx, p, accessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch profile: %w", err)
	}
	if profile.UserID != claims.Subject {
		return nil, fmt.Errorf("profile user does not match id token subject: %w", model.ErrTokenInvalid)
	}

	bound, err := s.store.IsNotifyBound(ctx, claims.Subject)
	if err != nil {
		return nil, err
	}

	return &Viewer{
		Subject:       claims.Subject,
		Name:          profile.DisplayName,
		Picture:       s.safePicture(profile.PictureURL),
		StatusMessage: profile.StatusMessage,
		NotifyBound:   bound,
	}, nil
}

// Logout はログイン用アクセストークンを失効させる。失敗してもログに残すだけで続行する。
func (s *Service) Logout(ctx context.Context, accessToken string) {
	if accessToken == "" {
		return
	}
	if err := s.client.RevokeAccessToken(ctx, s.config.Login, accessToken); err != nil {
		s.logger.Warn("failed to revoke login token", slog.String("error", err.Error()))
	}
}

// StartNotifyBinding はsubjectを埋め込んだ通知連携用stateを発行し、認可画面のURLを返す。
// ログイン済み（Bindingが存在する）subjectのみ受け付ける。
func (s *Service) StartNotifyBinding(ctx context.Context, subject string) (string, error) {
	if subject == "" {
		return "", fmt.Errorf("subject is required: %w", model.ErrFlowRejected)
	}
	binding, err := s.store.GetBinding(ctx, subject)
	if err != nil {
		return "", err
	}
	if binding == nil {
		return "", fmt.Errorf("start notify binding for %s: %w", subject, model.ErrBindingNotFound)
	}

	state, err := s.codec.SignFor(statetoken.Claims{Subject: subject, Purpose: statetoken.PurposeNotify}, s.config.StateTTL)
	if err != nil {
		return "", fmt.Errorf("failed to sign notify state: %w", err)
	}
	return s.client.AuthorizationURL(s.config.Notify, s.config.Notify.RedirectURL, state), nil
}

// CompleteNotifyBinding は通知連携コールバックを処理し、連携したsubjectを返す。
// subjectはセッションではなくstateから復元する。
func (s *Service) CompleteNotifyBinding(ctx context.Context, code, state string) (string, error) {
	subject, err := s.completeNotifyBinding(ctx, code, state)
	s.finishFlow(ctx, "notify", err)
	return subject, err
}

func (s *Service) completeNotifyBinding(ctx context.Context, code, state string) (string, error) {
	claims, err := s.verifyState(state, statetoken.PurposeNotify)
	if err != nil {
		return "", err
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("notify state has no subject: %w", model.ErrMalformed)
	}
	if code == "" {
		return "", fmt.Errorf("notify callback without code: %w", model.ErrFlowRejected)
	}

	p := s.config.Notify
	tokens, err := s.client.ExchangeCode(ctx, p, code, p.RedirectURL)
	if err != nil {
		return "", fmt.Errorf("failed to exchange notify code: %w", err)
	}

	if err := s.store.SetNotifyToken(ctx, claims.Subject, tokens.AccessToken); err != nil {
		if errors.Is(err, model.ErrBindingNotFound) {
			// 保存先の無いトークンは失効させておく
			s.revokeNotifyToken(ctx, claims.Subject, tokens.AccessToken)
		}
		return "", fmt.Errorf("failed to save notify token: %w", err)
	}

	s.logger.Info("notify bound", slog.String("subject", claims.Subject))
	s.sendConfirmation(ctx, claims.Subject, tokens.AccessToken)
	return claims.Subject, nil
}

func (s *Service) sendConfirmation(ctx context.Context, subject, token string) {
	if s.config.BindConfirmationMessage == "" || s.sender == nil {
		return
	}
	if err := s.sender.Send(ctx, token, notify.Message{Text: s.config.BindConfirmationMessage}); err != nil {
		s.logger.Warn("failed to send bind confirmation",
			slog.String("subject", subject),
			slog.String("error", err.Error()),
		)
	}
}

// RevokeNotify は通知連携を解除する。
// ローカルの通知トークンを先に削除し、プロバイダ側の失効は失敗してもログに残すだけとする。
func (s *Service) RevokeNotify(ctx context.Context, subject string) error {
	token, err := s.store.GetNotifyToken(ctx, subject)
	if err != nil {
		return err
	}
	if err := s.store.ClearNotifyToken(ctx, subject); err != nil {
		return err
	}
	if token != "" {
		s.revokeNotifyToken(ctx, subject, token)
	}
	s.logger.Info("notify unbound", slog.String("subject", subject))
	return nil
}

func (s *Service) revokeNotifyToken(ctx context.Context, subject, token string) {
	if err := s.client.RevokeAccessToken(ctx, s.config.Notify, token); err != nil {
		s.logger.Warn("failed to revoke notify token",
			slog.String("subject", subject),
			slog.String("error", err.Error()),
		)
	}
}

// verifyState はstateを検証し、拒否理由をメトリクスに記録する。
func (s *Service) verifyState(state, purpose string) (statetoken.Claims, error) {
	claims, err := s.codec.VerifyPurpose(state, purpose)
	if err != nil {
		s.metrics.RecordStateRejection(rejectionReason(err))
		return statetoken.Claims{}, fmt.Errorf("%s state rejected: %w", purpose, err)
	}
	return claims, nil
}

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, model.ErrExpired):
		return "expired"
	case errors.Is(err, model.ErrInvalidSignature):
		return "invalid_signature"
	default:
		return "malformed"
	}
}

// finishFlow はフローの結果をメトリクスとログに残す。検証失敗は握りつぶさずWARNで記録する。
func (s *Service) finishFlow(ctx context.Context, flow string, err error) {
	switch {
	case err == nil:
		s.metrics.RecordFlowCompleted(flow, "done")
	case model.IsRejection(err):
		s.metrics.RecordFlowCompleted(flow, "rejected")
		s.logger.WarnContext(ctx, "authorization flow rejected",
			slog.String("flow", flow),
			slog.String("error", err.Error()),
		)
	default:
		s.metrics.RecordFlowCompleted(flow, "failed")
		s.logger.ErrorContext(ctx, "authorization flow failed",
			slog.String("flow", flow),
			slog.String("error", err.Error()),
		)
	}
}
