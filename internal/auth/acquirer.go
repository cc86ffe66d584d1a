package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/danmuck/iolitectl/internal/credentials"
	"github.com/rs/zerolog/log"
)

const (
	TokenPath = "/ui/token"
	SIDPath   = "/ui/sid"

	maxResponseBytes = 64 * 1024
)

var errTokenRejected = errors.New("auth: stored token rejected")

// Acquirer exchanges credentials for a session id, reusing the stored token
// when the hub still accepts it.
type Acquirer struct {
	BaseURL    string
	HTTPClient *http.Client
	Store      credentials.Store
	Now        func() time.Time
}

func NewAcquirer(baseURL string, store credentials.Store) *Acquirer {
	return &Acquirer{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
		Store:      store,
		Now:        time.Now,
	}
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

type sidResponse struct {
	SID string `json:"SID"`
}

// Acquire returns exactly one session id or fails with ErrAuth / ErrTransport.
func (a *Acquirer) Acquire(ctx context.Context, creds Credentials) (Session, error) {
	if err := creds.Validate(); err != nil {
		return Session{}, err
	}

	stored, err := a.Store.Load(creds.Identity)
	switch {
	case err == nil:
		if stored.Expired(a.now()) && strings.TrimSpace(creds.AuthorizationCode) != "" {
			log.Info().Str("identity", creds.Identity).Time("expired_at", stored.ExpiresAt).Msg("auth.Acquirer stored token expired")
			break
		}
		sid, err := a.requestSID(ctx, creds, stored.AccessToken)
		if err == nil {
			log.Info().Str("identity", creds.Identity).Msg("auth.Acquirer reused stored token")
			return Session{SID: sid}, nil
		}
		if !errors.Is(err, errTokenRejected) {
			return Session{}, err
		}
		log.Warn().Str("identity", creds.Identity).Msg("auth.Acquirer stored token rejected")
	case errors.Is(err, credentials.ErrNotFound):
		log.Debug().Str("identity", creds.Identity).Msg("auth.Acquirer no stored token")
	default:
		log.Warn().Err(err).Str("identity", creds.Identity).Msg("auth.Acquirer stored token unreadable")
	}

	if strings.TrimSpace(creds.AuthorizationCode) == "" {
		return Session{}, fmt.Errorf("%w: no usable stored token and no authorization code", ErrAuth)
	}

	tok, err := a.exchangeCode(ctx, creds)
	if err != nil {
		return Session{}, err
	}
	// The code is spent either way; a token that cannot be stored still opens this session.
	if err := a.Store.Save(creds.Identity, tok); err != nil {
		log.Error().Err(err).Str("identity", creds.Identity).Msg("auth.Acquirer persist token failed")
	}

	sid, err := a.requestSID(ctx, creds, tok.AccessToken)
	if errors.Is(err, errTokenRejected) {
		return Session{}, fmt.Errorf("%w: fresh token rejected", ErrAuth)
	}
	if err != nil {
		return Session{}, err
	}
	log.Info().Str("identity", creds.Identity).Msg("auth.Acquirer minted new token")
	return Session{SID: sid}, nil
}

func (a *Acquirer) exchangeCode(ctx context.Context, creds Credentials) (credentials.Token, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", creds.AuthorizationCode)
	form.Set("name", creds.ClientName)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.BaseURL+TokenPath, strings.NewReader(form.Encode()))
	if err != nil {
		return credentials.Token{}, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var body tokenResponse
	status, err := a.do(req, creds, &body)
	if err != nil {
		return credentials.Token{}, err
	}
	switch {
	case status == http.StatusOK:
	case status == http.StatusBadRequest, status == http.StatusUnauthorized, status == http.StatusForbidden:
		return credentials.Token{}, fmt.Errorf("%w: token exchange status=%d", ErrAuth, status)
	default:
		return credentials.Token{}, fmt.Errorf("%w: token exchange status=%d", ErrTransport, status)
	}
	if strings.TrimSpace(body.AccessToken) == "" {
		return credentials.Token{}, fmt.Errorf("%w: %w: missing access_token", ErrTransport, ErrInvalidResponse)
	}
	return credentials.TokenFromResponse(body.AccessToken, body.RefreshToken, body.ExpiresIn, a.now()), nil
}

func (a *Acquirer) requestSID(ctx context.Context, creds Credentials, accessToken string) (string, error) {
	q := url.Values{}
	q.Set("access_token", accessToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.BaseURL+SIDPath+"?"+q.Encode(), nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTransport, err)
	}

	var body sidResponse
	status, err := a.do(req, creds, &body)
	if err != nil {
		return "", err
	}
	switch {
	case status == http.StatusOK:
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return "", errTokenRejected
	default:
		return "", fmt.Errorf("%w: sid request status=%d", ErrTransport, status)
	}
	if strings.TrimSpace(body.SID) == "" {
		return "", fmt.Errorf("%w: %w: missing SID", ErrTransport, ErrInvalidResponse)
	}
	return body.SID, nil
}

// do sends req with Basic auth and decodes a 200 body into out.
func (a *Acquirer) do(req *http.Request, creds Credentials, out any) (int, error) {
	req.Header.Set("Authorization", BasicAuthHeader(creds.Identity, creds.Secret))
	req.Header.Set("Accept", "application/json")

	client := a.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return 0, fmt.Errorf("%w: read body: %v", ErrTransport, err)
	}
	if resp.StatusCode != http.StatusOK {
		return resp.StatusCode, nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return resp.StatusCode, fmt.Errorf("%w: %w: %v", ErrTransport, ErrInvalidResponse, err)
	}
	return resp.StatusCode, nil
}

func (a *Acquirer) now() time.Time {
	if a.Now == nil {
		return time.Now()
	}
	return a.Now()
}
