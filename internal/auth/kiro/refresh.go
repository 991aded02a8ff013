package kiro

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/kirobridge/kirobridge/internal/auth/credstore"
	log "github.com/sirupsen/logrus"
)

const (
	oidcTokenURLTemplate   = "https://oidc.%s.amazonaws.com/token"
	desktopRefreshTemplate = "https://prod.%s.auth.desktop.kiro.dev/refreshToken"

	refreshTimeout = 30 * time.Second

	kiroUserAgentPrefix = "KiroIDE"
)

// badRequestError marks a refresh rejected with HTTP 400, which triggers a
// one-shot credential-store re-read in the manager.
type badRequestError struct {
	body string
}

func (e *badRequestError) Error() string {
	return fmt.Sprintf("refresh endpoint returned 400: %s", e.body)
}

// refreshClient performs the actual token refresh. Two flows exist: the AWS
// SSO OIDC refresh-token grant (used whenever the store carries an OIDC
// client registration) and the Kiro Desktop JSON endpoint.
type refreshClient struct {
	httpClient *http.Client

	uaOnce sync.Once
	ua     string
}

func newRefreshClient() *refreshClient {
	return &refreshClient{
		httpClient: &http.Client{Timeout: refreshTimeout},
	}
}

func (c *refreshClient) Refresh(ctx context.Context, creds *credstore.Credentials) (*TokenData, error) {
	if creds == nil || creds.RefreshToken == "" {
		return nil, fmt.Errorf("kiro auth: no refresh token available")
	}
	if creds.HasOIDCClient() {
		return c.refreshOIDC(ctx, creds)
	}
	return c.refreshDesktop(ctx, creds)
}

// refreshOIDC runs the standard OAuth2 refresh-token grant against the AWS
// SSO OIDC endpoint for the credential's SSO region.
func (c *refreshClient) refreshOIDC(ctx context.Context, creds *credstore.Credentials) (*TokenData, error) {
	conf := &oauth2.Config{
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL:  fmt.Sprintf(oidcTokenURLTemplate, creds.SSORegion),
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	token, err := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: creds.RefreshToken}).Token()
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) && retrieveErr.Response != nil && retrieveErr.Response.StatusCode == http.StatusBadRequest {
			return nil, &badRequestError{body: string(retrieveErr.Body)}
		}
		return nil, fmt.Errorf("kiro auth: OIDC refresh: %w", err)
	}

	data := &TokenData{
		AccessToken: token.AccessToken,
		ExpiresAt:   token.Expiry.Add(-expirySafetyBuffer),
	}
	if token.RefreshToken != "" && token.RefreshToken != creds.RefreshToken {
		data.RefreshToken = token.RefreshToken
	}
	if token.Expiry.IsZero() {
		data.ExpiresAt = time.Now().Add(time.Hour - expirySafetyBuffer)
	}
	return data, nil
}

// refreshDesktop posts the refresh token to the Kiro Desktop auth service.
func (c *refreshClient) refreshDesktop(ctx context.Context, creds *credstore.Credentials) (*TokenData, error) {
	endpoint := fmt.Sprintf(desktopRefreshTemplate, creds.APIRegion)

	body, err := json.Marshal(map[string]string{"refreshToken": creds.RefreshToken})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", c.userAgent())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("kiro auth: desktop refresh: %w", err)
	}
	defer func() {
		if errClose := resp.Body.Close(); errClose != nil {
			log.Warnf("kiro auth: close refresh body: %v", errClose)
		}
	}()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("kiro auth: read refresh response: %w", err)
	}
	if resp.StatusCode == http.StatusBadRequest {
		return nil, &badRequestError{body: string(data)}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("kiro auth: desktop refresh returned %d: %s", resp.StatusCode, string(data))
	}

	var payload struct {
		AccessToken  string `json:"accessToken"`
		RefreshToken string `json:"refreshToken"`
		ExpiresIn    int64  `json:"expiresIn"`
		ProfileArn   string `json:"profileArn"`
	}
	if err = json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("kiro auth: parse refresh response: %w", err)
	}
	if payload.AccessToken == "" {
		return nil, fmt.Errorf("kiro auth: refresh response carried no access token")
	}

	expiresIn := payload.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = 3600
	}
	result := &TokenData{
		AccessToken: payload.AccessToken,
		ExpiresAt:   time.Now().Add(time.Duration(expiresIn)*time.Second - expirySafetyBuffer),
		ProfileArn:  payload.ProfileArn,
	}
	if payload.RefreshToken != "" && payload.RefreshToken != creds.RefreshToken {
		result.RefreshToken = payload.RefreshToken
	}
	return result, nil
}

// userAgent returns the desktop-flow UA, suffixed with a stable hash of the
// machine hostname so the auth service sees a consistent device identity.
func (c *refreshClient) userAgent() string {
	c.uaOnce.Do(func() {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "unknown"
		}
		sum := sha256.Sum256([]byte(host))
		c.ua = fmt.Sprintf("%s-%s", kiroUserAgentPrefix, hex.EncodeToString(sum[:8]))
	})
	return c.ua
}
