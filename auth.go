package main

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/go-github/v68/github"
	"golang.org/x/sync/singleflight"
)

const (
	// jwtBackdate tolerates clock skew between us and the host.
	jwtBackdate = 60 * time.Second
	// jwtLifetime is the host's maximum App JWT lifetime.
	jwtLifetime = 10 * time.Minute

	// tokenCacheTTL is shorter than the host's one hour token validity so a
	// cached token always has margin left.
	tokenCacheTTL = 50 * time.Minute
	// tokenMinRemaining is the least validity a returned token may have.
	tokenMinRemaining = 60 * time.Second

	tokenExchangeTimeout = 15 * time.Second
)

// AuthError reports a failure to obtain an installation token. It is fatal for
// the delivery that needed the token.
type AuthError struct {
	InstallationID int64
	// StatusCode is the host's HTTP status, or 0 when no response was received.
	StatusCode int
	Err        error
}

func (e *AuthError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("auth: installation %d: token exchange returned HTTP %d: %v", e.InstallationID, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("auth: installation %d: %v", e.InstallationID, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// AppIdentity is the App's long-lived identity. One exists per process.
type AppIdentity struct {
	AppID      int64
	PrivateKey *rsa.PrivateKey
}

// NewAppIdentity parses a PEM encoded RSA key (PKCS1 or PKCS8).
func NewAppIdentity(appID int64, privateKeyPEM string) (*AppIdentity, error) {
	if appID <= 0 {
		return nil, fmt.Errorf("invalid app id %d", appID)
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(privateKeyPEM))
	if err != nil {
		return nil, fmt.Errorf("parsing app private key: %w", err)
	}
	return &AppIdentity{AppID: appID, PrivateKey: key}, nil
}

// SignJWT creates the short-lived assertion used to authenticate as the App.
func (a *AppIdentity) SignJWT(now time.Time) (string, error) {
	claims := jwt.MapClaims{
		"iat": now.Add(-jwtBackdate).Unix(),
		"exp": now.Add(jwtLifetime).Unix(),
		"iss": strconv.FormatInt(a.AppID, 10),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(a.PrivateKey)
	if err != nil {
		return "", fmt.Errorf("signing app jwt: %w", err)
	}
	return signed, nil
}

// InstallationToken is a cached installation access token.
type InstallationToken struct {
	InstallationID int64
	Token          string
	ExpiresAt      time.Time
}

// CredentialManager mints installation tokens from the App identity and
// caches them per installation. It is safe for concurrent use.
type CredentialManager struct {
	identity *AppIdentity
	client   *github.Client
	now      func() time.Time

	mu    sync.RWMutex
	cache map[int64]InstallationToken

	refresh singleflight.Group
}

// NewCredentialManager returns a manager exchanging tokens against the host
// at baseURL. A nil httpClient uses http.DefaultClient.
func NewCredentialManager(identity *AppIdentity, baseURL string, httpClient *http.Client) (*CredentialManager, error) {
	client, err := newGitHubClient(baseURL, httpClient)
	if err != nil {
		return nil, err
	}
	return &CredentialManager{
		identity: identity,
		client:   client,
		now:      time.Now,
		cache:    make(map[int64]InstallationToken),
	}, nil
}

// InstallationToken returns a token for the installation with at least a
// minute of validity left, exchanging a fresh one when needed.
func (m *CredentialManager) InstallationToken(ctx context.Context, installationID int64) (string, error) {
	if tok, ok := m.cached(installationID); ok {
		return tok.Token, nil
	}

	v, err, _ := m.refresh.Do(strconv.FormatInt(installationID, 10), func() (any, error) {
		// Another caller may have refreshed while we waited.
		if tok, ok := m.cached(installationID); ok {
			return tok, nil
		}
		// Waiters share this exchange, so one caller going away must not fail it.
		tok, err := m.exchange(context.WithoutCancel(ctx), installationID)
		if err != nil {
			return nil, err
		}
		m.mu.Lock()
		m.cache[installationID] = tok
		m.mu.Unlock()
		return tok, nil
	})
	if err != nil {
		return "", err
	}
	return v.(InstallationToken).Token, nil
}

// ExpiresAt reports when the cached token for the installation stops being
// served.
func (m *CredentialManager) ExpiresAt(installationID int64) (time.Time, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tok, ok := m.cache[installationID]
	return tok.ExpiresAt, ok
}

func (m *CredentialManager) cached(installationID int64) (InstallationToken, bool) {
	m.mu.RLock()
	tok, ok := m.cache[installationID]
	m.mu.RUnlock()
	if !ok || !tok.ExpiresAt.After(m.now().Add(tokenMinRemaining)) {
		return InstallationToken{}, false
	}
	return tok, true
}

func (m *CredentialManager) exchange(ctx context.Context, installationID int64) (InstallationToken, error) {
	now := m.now()
	assertion, err := m.identity.SignJWT(now)
	if err != nil {
		tokenExchangesTotal.WithLabelValues("error").Inc()
		return InstallationToken{}, &AuthError{InstallationID: installationID, Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, tokenExchangeTimeout)
	defer cancel()

	issued, resp, err := m.client.WithAuthToken(assertion).Apps.CreateInstallationToken(ctx, installationID, nil)
	if err != nil {
		tokenExchangesTotal.WithLabelValues("error").Inc()
		authErr := &AuthError{InstallationID: installationID, Err: err}
		if resp != nil {
			authErr.StatusCode = resp.StatusCode
		}
		return InstallationToken{}, authErr
	}
	if issued.GetToken() == "" {
		tokenExchangesTotal.WithLabelValues("error").Inc()
		return InstallationToken{}, &AuthError{InstallationID: installationID, Err: errors.New("host returned an empty token")}
	}

	expiresAt := now.Add(tokenCacheTTL)
	if hostExpiry := issued.GetExpiresAt().Time; !hostExpiry.IsZero() && hostExpiry.Before(expiresAt) {
		expiresAt = hostExpiry
	}

	tokenExchangesTotal.WithLabelValues("ok").Inc()
	clog.FromContext(ctx).With("installation", installationID).Info("minted installation token")
	return InstallationToken{
		InstallationID: installationID,
		Token:          issued.GetToken(),
		ExpiresAt:      expiresAt,
	}, nil
}
