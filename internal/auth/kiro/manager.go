// Package kiro manages the upstream access token for the CodeWhisperer API.
// It owns the credential record loaded from the kiro-cli store, keeps the
// access token fresh, and guarantees that at most one refresh is in flight
// per process.
package kiro

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/kirobridge/kirobridge/internal/auth/credstore"
	"github.com/kirobridge/kirobridge/internal/metrics"
	log "github.com/sirupsen/logrus"
)

// DefaultRefreshThreshold is how close to expiry a token may get before a
// refresh is attempted.
const DefaultRefreshThreshold = 5 * time.Minute

// expirySafetyBuffer is subtracted from the upstream expires_in so we never
// hand out a token that dies mid-request.
const expirySafetyBuffer = 60 * time.Second

// TokenData is the result of one successful refresh.
type TokenData struct {
	AccessToken  string
	RefreshToken string // empty unless the upstream rotated it
	ExpiresAt    time.Time
	ProfileArn   string // empty unless the upstream supplied one
}

// Manager holds the current credentials and access token behind an exclusive
// lock. All mutation happens inside the lock; the refresh HTTP call is the
// only suspension point while a refresh holds the singleflight slot.
type Manager struct {
	store     *credstore.Store
	refresher refresher
	threshold time.Duration

	group singleflight.Group

	mu    chan struct{} // semaphore-style lock, held across the refresh call
	creds *credstore.Credentials
	arn   string
}

// refresher is the refresh transport, swappable in tests.
type refresher interface {
	Refresh(ctx context.Context, creds *credstore.Credentials) (*TokenData, error)
}

// NewManager loads the initial credentials from store and returns a ready
// manager. It fails if the store is unreadable or has no refresh token.
func NewManager(store *credstore.Store, threshold time.Duration) (*Manager, error) {
	creds, err := store.Load()
	if err != nil {
		return nil, err
	}
	if threshold <= 0 {
		threshold = DefaultRefreshThreshold
	}
	m := &Manager{
		store:     store,
		refresher: newRefreshClient(),
		threshold: threshold,
		mu:        make(chan struct{}, 1),
		creds:     creds,
	}
	return m, nil
}

func (m *Manager) lock()   { m.mu <- struct{}{} }
func (m *Manager) unlock() { <-m.mu }

// GetAccessToken returns a token valid for at least the refresh threshold,
// refreshing first when needed. When a refresh fails but the current token
// has not actually expired yet, the stale-but-valid token is returned and the
// failure is only logged.
func (m *Manager) GetAccessToken(ctx context.Context) (string, error) {
	m.lock()
	token := m.creds.AccessToken
	expires := m.creds.ExpiresAt
	m.unlock()

	if !m.needsRefresh(expires) && token != "" {
		return token, nil
	}

	refreshed, err, _ := m.group.Do("refresh", func() (any, error) {
		return m.refreshLocked(ctx)
	})
	if err != nil {
		if token != "" && !expires.IsZero() && time.Now().Before(expires) {
			log.Warnf("kiro auth: refresh failed, serving current token until %s: %v", expires.Format(time.RFC3339), err)
			return token, nil
		}
		return "", fmt.Errorf("kiro auth: token refresh failed: %w", err)
	}
	return refreshed.(string), nil
}

// ForceRefresh discards the current access token and refreshes immediately.
// Used by the HTTP client when the upstream answers 403.
func (m *Manager) ForceRefresh(ctx context.Context) (string, error) {
	m.Invalidate()
	refreshed, err, _ := m.group.Do("refresh", func() (any, error) {
		return m.refreshLocked(ctx)
	})
	if err != nil {
		return "", fmt.Errorf("kiro auth: forced refresh failed: %w", err)
	}
	return refreshed.(string), nil
}

// refreshLocked performs one refresh under the manager lock. Callers arrive
// here through the singleflight group, so concurrent requests collapse onto
// one upstream call and share its outcome.
func (m *Manager) refreshLocked(ctx context.Context) (any, error) {
	m.lock()
	defer m.unlock()

	// A peer may have refreshed while we waited on the singleflight slot.
	if !m.needsRefresh(m.creds.ExpiresAt) && m.creds.AccessToken != "" {
		return m.creds.AccessToken, nil
	}

	data, err := m.refresher.Refresh(ctx, m.creds)
	if err != nil {
		metrics.RecordTokenRefresh("failure")
		// kiro-cli occasionally rotates the refresh token behind our back;
		// a 400 from the token endpoint is the telltale. Re-read the store
		// once and retry with whatever it holds now.
		var badReq *badRequestError
		if errors.As(err, &badReq) {
			log.Infof("kiro auth: refresh rejected (400), re-reading credential store")
			fresh, loadErr := m.store.Load()
			if loadErr != nil {
				return nil, fmt.Errorf("refresh rejected and store re-read failed: %w", loadErr)
			}
			m.creds = fresh
			if data, err = m.refresher.Refresh(ctx, m.creds); err != nil {
				return nil, err
			}
		} else {
			return nil, err
		}
	}

	m.creds.AccessToken = data.AccessToken
	m.creds.ExpiresAt = data.ExpiresAt
	if data.RefreshToken != "" {
		m.creds.RefreshToken = data.RefreshToken
	}
	if data.ProfileArn != "" {
		m.arn = data.ProfileArn
	}
	metrics.RecordTokenRefresh("success")
	log.Infof("kiro auth: access token refreshed, valid until %s", data.ExpiresAt.Format(time.RFC3339))
	return m.creds.AccessToken, nil
}

func (m *Manager) needsRefresh(expires time.Time) bool {
	return expires.IsZero() || time.Until(expires) <= m.threshold
}

// Invalidate forgets the in-memory expiry so the next GetAccessToken goes
// through a refresh. Hooked to the credential-store file watcher.
func (m *Manager) Invalidate() {
	m.lock()
	m.creds.ExpiresAt = time.Time{}
	m.unlock()
}

// GetRegion returns the CodeWhisperer API region.
func (m *Manager) GetRegion() string {
	m.lock()
	defer m.unlock()
	return m.creds.APIRegion
}

// GetProfileArn returns the profile ARN supplied by the last refresh,
// falling back to the one stored alongside the credentials.
func (m *Manager) GetProfileArn() string {
	m.lock()
	defer m.unlock()
	if m.arn != "" {
		return m.arn
	}
	return m.creds.ProfileArn
}
