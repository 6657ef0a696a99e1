// Package github is the service adapter for GitHub App webhooks: issue and
// PR-comment mentions in, edit-in-place progress comments out.
package github

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// tokenRotationMargin is how far before expiry tokens rotate. GitHub
// installation tokens live one hour; rotating five minutes early avoids
// races where a token expires mid-request.
const tokenRotationMargin = 5 * time.Minute

// AppAuth authenticates as a GitHub App installation: it generates RS256
// JWTs from the App's private key, exchanges them for short-lived
// installation access tokens, and rotates before expiry. Implemented on
// stdlib crypto; the JWT here is a single constrained shape.
type AppAuth struct {
	appID          string
	installationID int64
	privateKey     *rsa.PrivateKey
	baseURL        string
	client         *http.Client

	mu        sync.Mutex
	token     string
	expiresAt time.Time
	appSlug   string
}

// NewAppAuth parses the PEM private key (PKCS1, falling back to PKCS8) and
// returns an authenticator. baseURL == "" targets api.github.com.
func NewAppAuth(appID string, installationID int64, privateKeyPEM []byte, baseURL string) (*AppAuth, error) {
	block, _ := pem.Decode(privateKeyPEM)
	if block == nil {
		return nil, fmt.Errorf("github: failed to decode PEM block from private key")
	}

	privateKey, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		keyInterface, pkcs8Err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if pkcs8Err != nil {
			return nil, fmt.Errorf("github: parsing private key: %w (also tried PKCS8: %v)", err, pkcs8Err)
		}
		var ok bool
		privateKey, ok = keyInterface.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("github: private key is not RSA")
		}
	}

	if baseURL == "" {
		baseURL = "https://api.github.com"
	}
	return &AppAuth{
		appID:          appID,
		installationID: installationID,
		privateKey:     privateKey,
		baseURL:        strings.TrimRight(baseURL, "/"),
		client:         &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// Token returns a valid installation token, rotating when the cached one
// is near expiry. Implements repo.TokenProvider.
func (a *AppAuth) Token(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.token != "" && time.Now().Before(a.expiresAt.Add(-tokenRotationMargin)) {
		return a.token, nil
	}

	token, expiresAt, err := a.rotate(ctx)
	if err != nil {
		return "", err
	}
	a.token = token
	a.expiresAt = expiresAt
	return token, nil
}

// AppSlug resolves the App's slug (for "<slug>[bot]" mention detection).
// Cached after the first call.
func (a *AppAuth) AppSlug(ctx context.Context) (string, error) {
	a.mu.Lock()
	if a.appSlug != "" {
		slug := a.appSlug
		a.mu.Unlock()
		return slug, nil
	}
	a.mu.Unlock()

	jwt, err := a.generateJWT()
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/app", nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+jwt)
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := a.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("github: app lookup: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("github: app lookup returned HTTP %d", resp.StatusCode)
	}

	var result struct {
		Slug string `json:"slug"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("github: decode app: %w", err)
	}

	a.mu.Lock()
	a.appSlug = result.Slug
	a.mu.Unlock()
	return result.Slug, nil
}

// rotate generates a JWT and exchanges it for a fresh installation token.
// Must be called with a.mu held.
func (a *AppAuth) rotate(ctx context.Context) (string, time.Time, error) {
	jwt, err := a.generateJWT()
	if err != nil {
		return "", time.Time{}, fmt.Errorf("github: generating JWT: %w", err)
	}

	url := a.baseURL + "/app/installations/" + strconv.FormatInt(a.installationID, 10) + "/access_tokens"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return "", time.Time{}, err
	}
	req.Header.Set("Authorization", "Bearer "+jwt)
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := a.client.Do(req)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("github: token exchange: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return "", time.Time{}, fmt.Errorf("github: token exchange returned HTTP %d", resp.StatusCode)
	}

	var result struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", time.Time{}, fmt.Errorf("github: decode token exchange: %w", err)
	}
	if result.Token == "" {
		return "", time.Time{}, fmt.Errorf("github: token exchange returned empty token")
	}
	if result.ExpiresAt.IsZero() {
		result.ExpiresAt = time.Now().Add(55 * time.Minute)
	}
	return result.Token, result.ExpiresAt, nil
}

// generateJWT creates an RS256-signed App JWT: iat 60s in the past for
// clock skew, 9-minute expiry (GitHub caps at 10).
func (a *AppAuth) generateJWT() (string, error) {
	now := time.Now()
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"RS256","typ":"JWT"}`))

	claims := struct {
		IssuedAt  int64  `json:"iat"`
		ExpiresAt int64  `json:"exp"`
		Issuer    string `json:"iss"`
	}{
		IssuedAt:  now.Add(-60 * time.Second).Unix(),
		ExpiresAt: now.Add(9 * time.Minute).Unix(),
		Issuer:    a.appID,
	}
	claimsJSON, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("marshaling claims: %w", err)
	}
	payload := base64.RawURLEncoding.EncodeToString(claimsJSON)

	signingInput := header + "." + payload
	hash := sha256.Sum256([]byte(signingInput))
	signature, err := rsa.SignPKCS1v15(rand.Reader, a.privateKey, crypto.SHA256, hash[:])
	if err != nil {
		return "", fmt.Errorf("signing JWT: %w", err)
	}
	return signingInput + "." + base64.RawURLEncoding.EncodeToString(signature), nil
}
