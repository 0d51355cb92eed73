package oauth

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hitoshi/notifylink/internal/model"
)

// DecodeIdentityPayload はIDトークンの2番目のセグメントをデコードする。
// 署名は検証しないため、信頼する前にVerifyIdentityAssertionで確認すること。
func DecodeIdentityPayload(idToken string) (*IdentityClaims, error) {
	parts := strings.Split(idToken, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("id token has %d segments: %w", len(parts), model.ErrMalformed)
	}

	raw, err := decodeSegment(parts[1])
	if err != nil {
		return nil, fmt.Errorf("decode id token payload: %v: %w", err, model.ErrMalformed)
	}

	var claims IdentityClaims
	if err := json.Unmarshal(raw, &claims); err != nil {
		return nil, fmt.Errorf("parse id token payload: %v: %w", err, model.ErrMalformed)
	}
	return &claims, nil
}

// decodeSegment は不足しているパディングを補ってからbase64urlとしてデコードする。
func decodeSegment(seg string) ([]byte, error) {
	if m := len(seg) % 4; m != 0 {
		seg += strings.Repeat("=", 4-m)
	}
	return base64.URLEncoding.DecodeString(seg)
}
