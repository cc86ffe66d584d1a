package credentials

import (
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenFromResponse builds a Token from an authorization exchange response.
// JWT access tokens contribute their iat/exp/sub claims; the signature is not
// checked because the hub, not this client, is the verifier.
func TokenFromResponse(access, refresh string, expiresIn int64, now time.Time) Token {
	now = now.UTC()
	tok := Token{
		AccessToken:  strings.TrimSpace(access),
		RefreshToken: strings.TrimSpace(refresh),
		IssuedAt:     now,
	}
	if expiresIn > 0 {
		tok.ExpiresAt = now.Add(time.Duration(expiresIn) * time.Second)
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tok.AccessToken, claims); err != nil {
		return tok
	}
	tok.Metadata = map[string]string{"format": "jwt"}
	if iat, err := claims.GetIssuedAt(); err == nil && iat != nil {
		tok.IssuedAt = iat.UTC()
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		tok.ExpiresAt = exp.UTC()
	}
	if sub, err := claims.GetSubject(); err == nil && sub != "" {
		tok.Metadata["subject"] = sub
	}
	if iss, err := claims.GetIssuer(); err == nil && iss != "" {
		tok.Metadata["issuer"] = iss
	}
	return tok
}
