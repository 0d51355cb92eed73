// Package statetoken はOAuthリダイレクトの往復で運ぶ署名付きstate値を扱う。
// サーバー側に状態を持たず、期限切れのstateは検証時に失敗するだけで掃除は不要。
package statetoken

import (
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/hitoshi/notifylink/internal/model"
)

// フローの種類。ログイン用のstateを通知連携コールバックに流用させないために使う。
const (
	PurposeLogin  = "login"
	PurposeNotify = "notify"
)

const signingMethod = "HS256"

// Claims はstateに埋め込む呼び出し側の値。
type Claims struct {
	Subject string
	Purpose string
}

// stateClaims のexpは秒単位のため、期限の判定には端数を含むExpiresAtNanoを使う。
type stateClaims struct {
	jwt.RegisteredClaims
	Purpose       string `json:"purpose,omitempty"`
	ExpiresAtNano int64  `json:"exp_ns,omitempty"`
}

// Codec はstateトークンの署名と検証を行う。
type Codec struct {
	key    []byte
	issuer string
	now    func() time.Time
}

// NewCodec はCodecを生成する。nowがnilの場合はtime.Nowを使用する。
func NewCodec(key []byte, issuer string, now func() time.Time) (*Codec, error) {
	if len(key) == 0 {
		return nil, errors.New("state signing key is required")
	}
	if strings.TrimSpace(issuer) == "" {
		return nil, errors.New("state issuer is required")
	}
	if now == nil {
		now = time.Now
	}
	k := make([]byte, len(key))
	copy(k, key)
	return &Codec{key: k, issuer: issuer, now: now}, nil
}

// Sign はclaimsとexpiryを束縛した署名済みトークンを返す。
func (c *Codec) Sign(claims Claims, expiry time.Time) (string, error) {
	issuedAt := c.now().UTC()
	expiry = expiry.UTC()
	// 秒に丸めたexpは切り上げ、他の検証器が期限より前に失効させないようにする
	expSeconds := expiry.Truncate(time.Second)
	if expSeconds.Before(expiry) {
		expSeconds = expSeconds.Add(time.Second)
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, stateClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    c.issuer,
			Subject:   claims.Subject,
			ExpiresAt: jwt.NewNumericDate(expSeconds),
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ID:        uuid.NewString(),
		},
		Purpose:       claims.Purpose,
		ExpiresAtNano: expiry.UnixNano(),
	})
	signed, err := token.SignedString(c.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign state: %w", err)
	}
	return signed, nil
}

// SignFor は現在時刻からttl後を期限とするトークンを返す。
func (c *Codec) SignFor(claims Claims, ttl time.Duration) (string, error) {
	return c.Sign(claims, c.now().Add(ttl))
}

// Verify はトークンの署名・発行者・期限を検証し、埋め込まれたclaimsを返す。
// 期限は猶予なしで判定し、現在時刻が期限と同じかそれ以降なら期限切れとする。
func (c *Codec) Verify(token string) (Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Claims{}, fmt.Errorf("state is empty: %w", model.ErrMalformed)
	}
	if err := c.verifySignature(token); err != nil {
		return Claims{}, err
	}

	var parsed stateClaims
	_, err := jwt.ParseWithClaims(token, &parsed, func(*jwt.Token) (any, error) {
		return c.key, nil
	},
		jwt.WithValidMethods([]string{signingMethod}),
		jwt.WithStrictDecoding(),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		return Claims{}, mapJWTError(err)
	}

	// 同じ鍵で別の発行者が署名したものは受け付けない
	if parsed.Issuer != c.issuer {
		return Claims{}, fmt.Errorf("state issuer mismatch: %w", model.ErrInvalidSignature)
	}
	if parsed.ExpiresAt == nil {
		return Claims{}, fmt.Errorf("state exp is required: %w", model.ErrMalformed)
	}
	expiresAt := parsed.ExpiresAt.Time
	if parsed.ExpiresAtNano != 0 {
		expiresAt = time.Unix(0, parsed.ExpiresAtNano)
	}
	if !expiresAt.After(c.now()) {
		return Claims{}, fmt.Errorf("state expired at %s: %w", expiresAt.UTC().Format(time.RFC3339Nano), model.ErrExpired)
	}

	return Claims{Subject: parsed.Subject, Purpose: parsed.Purpose}, nil
}

// VerifyPurpose はVerifyに加えてフロー種別が一致することを確認する。
func (c *Codec) VerifyPurpose(token, purpose string) (Claims, error) {
	claims, err := c.Verify(token)
	if err != nil {
		return Claims{}, err
	}
	if claims.Purpose != purpose {
		return Claims{}, fmt.Errorf("state purpose %q does not match %q: %w", claims.Purpose, purpose, model.ErrInvalidSignature)
	}
	return claims, nil
}

// verifySignature は署名部が「ヘッダー.ペイロード」に対する正規のエンコードと完全に一致するかを確認する。
// 同じバイト列にデコードされる別表記も改ざんとして扱う。
func (c *Codec) verifySignature(token string) error {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return fmt.Errorf("state must have 3 segments, got %d: %w", len(parts), model.ErrMalformed)
	}
	if _, err := base64.RawURLEncoding.DecodeString(parts[2]); err != nil {
		return fmt.Errorf("state signature is not base64url: %w", model.ErrMalformed)
	}

	expected, err := jwt.SigningMethodHS256.Sign(parts[0]+"."+parts[1], c.key)
	if err != nil {
		return fmt.Errorf("failed to compute state signature: %w", err)
	}
	if subtle.ConstantTimeCompare([]byte(base64.RawURLEncoding.EncodeToString(expected)), []byte(parts[2])) != 1 {
		return fmt.Errorf("state signature is invalid: %w", model.ErrInvalidSignature)
	}
	return nil
}

func mapJWTError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrSignatureInvalid):
		return fmt.Errorf("state signature is invalid: %w", model.ErrInvalidSignature)
	case errors.Is(err, jwt.ErrTokenUnverifiable):
		return fmt.Errorf("state alg is invalid: %w", model.ErrInvalidSignature)
	case errors.Is(err, jwt.ErrTokenMalformed):
		return fmt.Errorf("state is malformed: %w", model.ErrMalformed)
	default:
		return fmt.Errorf("state is invalid: %v: %w", err, model.ErrMalformed)
	}
}
