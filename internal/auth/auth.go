// Package auth acquires a session id from the hub's authorization exchange.
//
// It owns the exchange protocol only; token persistence is delegated to a
// credentials.Store.
package auth

import (
	"encoding/base64"
	"errors"
	"strings"
)

var (
	ErrAuth             = errors.New("auth: rejected")
	ErrTransport        = errors.New("auth: transport failure")
	ErrInvalidResponse  = errors.New("auth: invalid exchange response")
	ErrIdentityRequired = errors.New("auth: identity and secret required")
)

// Credentials are the per-run inputs of the authorization exchange.
type Credentials struct {
	Identity          string
	Secret            string
	AuthorizationCode string
	ClientName        string
}

func (c Credentials) Validate() error {
	if strings.TrimSpace(c.Identity) == "" || c.Secret == "" {
		return ErrIdentityRequired
	}
	return nil
}

// BasicAuthHeader renders the Authorization header value for identity:secret.
func BasicAuthHeader(identity, secret string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(identity+":"+secret))
}

// Session is the result of one successful acquisition.
type Session struct {
	SID string
}
