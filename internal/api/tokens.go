package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/sync/singleflight"
)

const (
	// Renew this long before actual expiry so in-flight calls never race the
	// server-side cutoff.
	earlyRenewSkew = 60 * time.Second

	maxRefreshAttempts    = 3
	refreshRetryBaseDelay = 2 * time.Second
	defaultExpiresIn      = 3600 * time.Second
	tokenRequestTimeout   = 10 * time.Second
)

// Credentials is the current OAuth2 state for one configured entry. The
// token manager owns the single instance; callers get value copies.
type Credentials struct {
	ClientID     string
	ClientSecret string
	Username     string
	Password     string

	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

func (c Credentials) fresh(now time.Time) bool {
	return c.AccessToken != "" && !c.ExpiresAt.IsZero() && now.Before(c.ExpiresAt.Add(-earlyRenewSkew))
}

// TokenManager keeps the credential valid under concurrent use. Concurrent
// EnsureValid calls while the token is stale coalesce into a single network
// renewal; everyone gets that renewal's outcome.
type TokenManager struct {
	http     *resty.Client
	tokenURL string

	mu    sync.Mutex
	creds Credentials

	group singleflight.Group

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// TokenURL derives the OAuth2 token endpoint from the v3 API base URL; the
// token endpoint lives under /v1.
func TokenURL(baseURL string) string {
	return strings.Replace(baseURL, "/v3", "/v1", 1) + "/oauth2/token"
}

func NewTokenManager(baseURL string, creds Credentials) *TokenManager {
	return &TokenManager{
		http:     resty.New().SetTimeout(tokenRequestTimeout),
		tokenURL: TokenURL(baseURL),
		creds:    creds,
		now:      time.Now,
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Current returns a copy of the credential state.
func (m *TokenManager) Current() Credentials {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.creds
}

// EnsureValid returns credentials with a usable access token, renewing first
// if the token is missing or inside the early-renew window.
func (m *TokenManager) EnsureValid(ctx context.Context) (Credentials, error) {
	if c, ok := m.freshCredentials(); ok {
		return c, nil
	}
	return m.renewShared(ctx, false)
}

// ForceRefresh renews the token regardless of its apparent freshness. Used
// after the cloud answers 401 to a supposedly valid token.
func (m *TokenManager) ForceRefresh(ctx context.Context) (Credentials, error) {
	return m.renewShared(ctx, true)
}

func (m *TokenManager) freshCredentials() (Credentials, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.creds.fresh(m.now()) {
		return m.creds, true
	}
	return Credentials{}, false
}

func (m *TokenManager) renewShared(ctx context.Context, force bool) (Credentials, error) {
	v, err, _ := m.group.Do("renew", func() (any, error) {
		if !force {
			// Another caller may have renewed while we waited on the gate.
			if c, ok := m.freshCredentials(); ok {
				return c, nil
			}
		}
		return m.renew(ctx)
	})
	if err != nil {
		return Credentials{}, err
	}
	return v.(Credentials), nil
}

// renew refreshes via the refresh token when one is held, retrying with
// linear backoff, and falls back to a full password authenticate otherwise.
// Exhausting the retries is fatal for the entry.
func (m *TokenManager) renew(ctx context.Context) (Credentials, error) {
	m.mu.Lock()
	refreshToken := m.creds.RefreshToken
	m.mu.Unlock()

	if refreshToken == "" {
		return m.Authenticate(ctx)
	}

	var lastErr error
	for attempt := 1; attempt <= maxRefreshAttempts; attempt++ {
		creds, err := m.refreshOnce(ctx, refreshToken)
		if err == nil {
			return creds, nil
		}

		var af *AuthFailureError
		if errors.As(err, &af) {
			lastErr = err
			break
		}

		l.Warnw("token refresh attempt failed", "attempt", attempt, "error", err)
		lastErr = err
		if attempt < maxRefreshAttempts {
			if serr := m.sleep(ctx, refreshRetryBaseDelay*time.Duration(attempt)); serr != nil {
				return Credentials{}, &TransientError{Err: serr}
			}
		}
	}

	return Credentials{}, &AuthFailureError{
		Reason: fmt.Sprintf("token refresh failed after %d attempts", maxRefreshAttempts),
		Err:    lastErr,
	}
}

func (m *TokenManager) refreshOnce(ctx context.Context, refreshToken string) (Credentials, error) {
	m.mu.Lock()
	form := map[string]string{
		"grant_type":    "refresh_token",
		"refresh_token": refreshToken,
		"client_id":     m.creds.ClientID,
		"client_secret": m.creds.ClientSecret,
	}
	m.mu.Unlock()

	resp, err := m.http.R().SetContext(ctx).SetFormData(form).Post(m.tokenURL)
	if err != nil {
		return Credentials{}, &TransientError{Err: err}
	}
	if resp.StatusCode() != http.StatusOK {
		return Credentials{}, &RemoteError{Status: resp.StatusCode(), Body: string(resp.Body())}
	}

	var tokens tokenResponse
	if err := json.Unmarshal(resp.Body(), &tokens); err != nil {
		return Credentials{}, &AuthFailureError{Reason: "unparseable token response", Err: err}
	}
	if tokens.AccessToken == "" {
		return Credentials{}, &AuthFailureError{Reason: "no access token in refresh response"}
	}

	creds := m.store(tokens)
	l.Infow("access token refreshed", "expiresAt", creds.ExpiresAt)
	return creds, nil
}

// Authenticate performs the password-grant exchange. Rejected credentials
// come back as an AuthFailureError, network trouble as a TransientError;
// neither is a panic-worthy condition.
func (m *TokenManager) Authenticate(ctx context.Context) (Credentials, error) {
	m.mu.Lock()
	form := map[string]string{
		"grant_type":    "password",
		"username":      m.creds.Username,
		"password":      m.creds.Password,
		"client_id":     m.creds.ClientID,
		"client_secret": m.creds.ClientSecret,
	}
	m.mu.Unlock()

	l.Infow("authenticating against token endpoint", "username", form["username"])

	resp, err := m.http.R().SetContext(ctx).SetFormData(form).Post(m.tokenURL)
	if err != nil {
		return Credentials{}, &TransientError{Err: err}
	}
	if resp.StatusCode() != http.StatusOK {
		return Credentials{}, &AuthFailureError{
			Reason: fmt.Sprintf("token endpoint returned %d: %s", resp.StatusCode(), string(resp.Body())),
		}
	}

	var tokens tokenResponse
	if err := json.Unmarshal(resp.Body(), &tokens); err != nil {
		return Credentials{}, &AuthFailureError{Reason: "unparseable token response", Err: err}
	}
	if tokens.AccessToken == "" {
		return Credentials{}, &AuthFailureError{Reason: "no access token in response"}
	}

	creds := m.store(tokens)
	l.Infow("authentication succeeded", "expiresAt", creds.ExpiresAt)
	return creds, nil
}

// store swaps the new tokens in atomically; callers never observe a
// half-updated credential.
func (m *TokenManager) store(t tokenResponse) Credentials {
	expiresIn := time.Duration(t.ExpiresIn) * time.Second
	if expiresIn <= 0 {
		expiresIn = defaultExpiresIn
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.creds.AccessToken = t.AccessToken
	if t.RefreshToken != "" {
		m.creds.RefreshToken = t.RefreshToken
	}
	m.creds.ExpiresAt = m.now().Add(expiresIn)
	return m.creds
}
