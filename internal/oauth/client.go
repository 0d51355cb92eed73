package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"

	"github.com/hitoshi/notifylink/internal/metrics"
	"github.com/hitoshi/notifylink/internal/model"
)

// maxResponseSize はプロバイダ応答の読み取り上限（1MB）。
const maxResponseSize = 1 << 20

// TokenSet は認可コード交換の結果。通知用プロバイダではAccessTokenのみ設定される。
type TokenSet struct {
	AccessToken  string
	RefreshToken string
	IDToken      string
	ExpiresIn    int64
	Scope        string
	TokenType    string
}

// AccessTokenInfo はアクセストークン検証APIの応答。
type AccessTokenInfo struct {
	Scope     string `json:"scope"`
	ClientID  string `json:"client_id"`
	ExpiresIn int64  `json:"expires_in"`
}

// IdentityClaims はIDトークンのペイロード。
type IdentityClaims struct {
	Issuer   string           `json:"iss"`
	Subject  string           `json:"sub"`
	Audience jwt.ClaimStrings `json:"aud"`
	Expiry   *jwt.NumericDate `json:"exp,omitempty"`
	IssuedAt *jwt.NumericDate `json:"iat,omitempty"`
	AuthTime *jwt.NumericDate `json:"auth_time,omitempty"`
	Nonce    string           `json:"nonce,omitempty"`
	AMR      []string         `json:"amr,omitempty"`
	Name     string           `json:"name,omitempty"`
	Picture  string           `json:"picture,omitempty"`
	Email    string           `json:"email,omitempty"`
}

// Profile はプロフィール取得APIの応答。
type Profile struct {
	UserID        string `json:"userId"`
	DisplayName   string `json:"displayName"`
	PictureURL    string `json:"pictureUrl"`
	StatusMessage string `json:"statusMessage"`
}

// Client はプロバイダとのHTTP通信を行う。
// タイムアウトや宛先制限は渡されたhttp.Clientの設定に従い、再試行は行わない。
type Client struct {
	httpClient *http.Client
	metrics    metrics.MetricsCollector
	logger     *slog.Logger
}

// NewClient はClientを生成する。httpClientがnilの場合はhttp.DefaultClientを使用する。
func NewClient(httpClient *http.Client, collector metrics.MetricsCollector, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if collector == nil {
		collector = metrics.NopCollector{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{httpClient: httpClient, metrics: collector, logger: logger}
}

// AuthorizationURL は認可画面へのリダイレクトURLを組み立てる。副作用はなく、stateも検証しない。
func (c *Client) AuthorizationURL(p Provider, redirectURI, state string) string {
	return p.oauth2Config(redirectURI).AuthCodeURL(state)
}

// ExchangeCode は認可コードをトークンに交換する。再試行はしない。
func (c *Client) ExchangeCode(ctx context.Context, p Provider, code, redirectURI string) (*TokenSet, error) {
	start := time.Now()
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)

	tok, err := p.oauth2Config(redirectURI).Exchange(ctx, code)
	if err != nil {
		err = classifyExchangeError(p.Name+" exchange", err)
		c.record(p.Name+"_exchange", err, start)
		return nil, err
	}
	c.record(p.Name+"_exchange", nil, start)

	set := &TokenSet{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		ExpiresIn:    tok.ExpiresIn,
	}
	if v, ok := tok.Extra("id_token").(string); ok {
		set.IDToken = v
	}
	if v, ok := tok.Extra("scope").(string); ok {
		set.Scope = v
	}
	return set, nil
}

func classifyExchangeError(op string, err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		status := 0
		if retrieveErr.Response != nil {
			status = retrieveErr.Response.StatusCode
		}
		return &model.ProviderError{Operation: op, StatusCode: status, Body: string(retrieveErr.Body)}
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return fmt.Errorf("%s: %w: %w", op, model.ErrTransport, err)
	}
	// 200応答でもaccess_tokenが無い場合などはプロバイダ応答の不備として扱う
	return &model.ProviderError{Operation: op, StatusCode: http.StatusOK, Body: err.Error()}
}

// VerifyAccessToken はアクセストークンをプロバイダに照会する。
// 拒否された場合や別クライアント向けのトークンだった場合はmodel.ErrTokenInvalidを返す。
func (c *Client) VerifyAccessToken(ctx context.Context, p Provider, accessToken string) (*AccessTokenInfo, error) {
	start := time.Now()
	info, err := c.verifyAccessToken(ctx, p, accessToken)
	c.record(p.Name+"_verify_access_token", err, start)
	return info, err
}

func (c *Client) verifyAccessToken(ctx context.Context, p Provider, accessToken string) (*AccessTokenInfo, error) {
	const op = "verify access token"
	if accessToken == "" {
		return nil, fmt.Errorf("%s: empty token: %w", op, model.ErrTokenInvalid)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		p.VerifyURL+"?"+url.Values{"access_token": {accessToken}}.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s request: %w", op, err)
	}

	status, body, err := c.do(op, req)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("%s: status %d: %s: %w", op, status, body, model.ErrTokenInvalid)
	}

	var info AccessTokenInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, &model.ProviderError{Operation: op, StatusCode: status, Body: string(body)}
	}
	if info.ClientID != p.ClientID {
		return nil, fmt.Errorf("%s: issued for client %q: %w", op, info.ClientID, model.ErrTokenInvalid)
	}
	if info.ExpiresIn <= 0 {
		return nil, fmt.Errorf("%s: token has no remaining lifetime: %w", op, model.ErrTokenInvalid)
	}
	return &info, nil
}

// VerifyIdentityAssertion はIDトークンをプロバイダに検証させ、検証済みのclaimsを返す。
func (c *Client) VerifyIdentityAssertion(ctx context.Context, p Provider, idToken, expectedAudience string) (*IdentityClaims, error) {
	start := time.Now()
	claims, err := c.verifyIdentityAssertion(ctx, p, idToken, expectedAudience)
	c.record(p.Name+"_verify_id_token", err, start)
	return claims, err
}

func (c *Client) verifyIdentityAssertion(ctx context.Context, p Provider, idToken, expectedAudience string) (*IdentityClaims, error) {
	const op = "verify id token"
	if idToken == "" {
		return nil, fmt.Errorf("%s: empty token: %w", op, model.ErrTokenInvalid)
	}

	form := url.Values{
		"id_token":  {idToken},
		"client_id": {expectedAudience},
	}
	req, err := newFormRequest(ctx, p.VerifyURL, form)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s request: %w", op, err)
	}

	status, body, err := c.do(op, req)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("%s: status %d: %s: %w", op, status, body, model.ErrTokenInvalid)
	}

	var claims IdentityClaims
	if err := json.Unmarshal(body, &claims); err != nil {
		return nil, &model.ProviderError{Operation: op, StatusCode: status, Body: string(body)}
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%s: sub is empty: %w", op, model.ErrTokenInvalid)
	}
	if !containsAudience(claims.Audience, expectedAudience) {
		return nil, fmt.Errorf("%s: audience %v does not include %q: %w", op, claims.Audience, expectedAudience, model.ErrTokenInvalid)
	}
	return &claims, nil
}

func containsAudience(aud jwt.ClaimStrings, want string) bool {
	for _, a := range aud {
		if a == want {
			return true
		}
	}
	return false
}

// FetchIdentityProfile はアクセストークンでプロフィールを取得する。
func (c *Client) FetchIdentityProfile(ctx context.Context, p Provider, accessToken string) (*Profile, error) {
	start := time.Now()
	profile, err := c.fetchIdentityProfile(ctx, p, accessToken)
	c.record(p.Name+"_profile", err, start)
	return profile, err
}

func (c *Client) fetchIdentityProfile(ctx context.Context, p Provider, accessToken string) (*Profile, error) {
	const op = "fetch profile"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.ProfileURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s request: %w", op, err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	status, body, err := c.do(op, req)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, &model.ProviderError{Operation: op, StatusCode: status, Body: string(body)}
	}

	var profile Profile
	if err := json.Unmarshal(body, &profile); err != nil {
		return nil, &model.ProviderError{Operation: op, StatusCode: status, Body: string(body)}
	}
	if profile.UserID == "" {
		return nil, &model.ProviderError{Operation: op, StatusCode: status, Body: "empty userId in profile response"}
	}
	return &profile, nil
}

// RevokeAccessToken はトークンを失効させる。失敗を致命的とみなすかは呼び出し側が決める。
func (c *Client) RevokeAccessToken(ctx context.Context, p Provider, token string) error {
	start := time.Now()
	err := c.revokeAccessToken(ctx, p, token)
	c.record(p.Name+"_revoke", err, start)
	return err
}

func (c *Client) revokeAccessToken(ctx context.Context, p Provider, token string) error {
	const op = "revoke"

	var req *http.Request
	var err error
	switch p.RevokeStyle {
	case RevokeWithBearer:
		req, err = newFormRequest(ctx, p.RevokeURL, url.Values{})
		if err == nil {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	default:
		req, err = newFormRequest(ctx, p.RevokeURL, url.Values{
			"access_token":  {token},
			"client_id":     {p.ClientID},
			"client_secret": {p.ClientSecret},
		})
	}
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", op, err)
	}

	status, body, err := c.do(op, req)
	if err != nil {
		return err
	}
	if status < 200 || status >= 300 {
		return &model.ProviderError{Operation: op, StatusCode: status, Body: string(body)}
	}
	return nil
}

func newFormRequest(ctx context.Context, endpoint string, form url.Values) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req, nil
}

// do はリクエストを送信し、ステータスと本文を返す。通信自体の失敗はmodel.ErrTransportで包む。
func (c *Client) do(op string, req *http.Request) (int, []byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("%s: %w: %w", op, model.ErrTransport, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return 0, nil, fmt.Errorf("%s: read response: %w: %w", op, model.ErrTransport, err)
	}
	return resp.StatusCode, body, nil
}

func (c *Client) record(operation string, err error, start time.Time) {
	outcome := Outcome(err)
	c.metrics.RecordProviderCall(operation, outcome, time.Since(start))
	if err != nil {
		c.logger.Warn("provider call failed",
			slog.String("operation", operation),
			slog.String("outcome", outcome),
			slog.String("error", err.Error()),
		)
	}
}

// Outcome はエラーをメトリクス用の分類名に変換する。
func Outcome(err error) string {
	var providerErr *model.ProviderError
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, model.ErrTransport):
		return "transport_error"
	case errors.Is(err, model.ErrTokenInvalid):
		return "token_invalid"
	case errors.As(err, &providerErr):
		return "provider_error"
	default:
		return "error"
	}
}
