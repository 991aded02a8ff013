package kiro

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kirobridge/kirobridge/internal/auth/credstore"
)

type fakeRefresher struct {
	mu    sync.Mutex
	calls int32
	data  *TokenData
	err   error
	delay time.Duration
}

func (f *fakeRefresher) Refresh(ctx context.Context, creds *credstore.Credentials) (*TokenData, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.data, nil
}

func newTestManager(creds *credstore.Credentials, r refresher) *Manager {
	return &Manager{
		refresher: r,
		threshold: DefaultRefreshThreshold,
		mu:        make(chan struct{}, 1),
		creds:     creds,
	}
}

func TestFreshTokenServedWithoutRefresh(t *testing.T) {
	fake := &fakeRefresher{}
	m := newTestManager(&credstore.Credentials{
		AccessToken: "fresh",
		ExpiresAt:   time.Now().Add(time.Hour),
	}, fake)

	token, err := m.GetAccessToken(context.Background())
	if err != nil {
		t.Fatalf("GetAccessToken: %v", err)
	}
	if token != "fresh" {
		t.Errorf("token = %q", token)
	}
	if atomic.LoadInt32(&fake.calls) != 0 {
		t.Errorf("refresher called %d times, want 0", fake.calls)
	}
}

func TestExpiringTokenTriggersRefresh(t *testing.T) {
	fake := &fakeRefresher{data: &TokenData{
		AccessToken: "new",
		ExpiresAt:   time.Now().Add(time.Hour),
	}}
	m := newTestManager(&credstore.Credentials{
		AccessToken: "old",
		ExpiresAt:   time.Now().Add(time.Minute), // inside the threshold
	}, fake)

	token, err := m.GetAccessToken(context.Background())
	if err != nil {
		t.Fatalf("GetAccessToken: %v", err)
	}
	if token != "new" {
		t.Errorf("token = %q, want refreshed", token)
	}
}

func TestConcurrentRefreshCollapses(t *testing.T) {
	fake := &fakeRefresher{
		data: &TokenData{
			AccessToken: "new",
			ExpiresAt:   time.Now().Add(time.Hour),
		},
		delay: 50 * time.Millisecond,
	}
	m := newTestManager(&credstore.Credentials{
		AccessToken: "old",
		ExpiresAt:   time.Now().Add(-time.Minute),
	}, fake)

	const workers = 16
	var wg sync.WaitGroup
	tokens := make([]string, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			token, err := m.GetAccessToken(context.Background())
			if err != nil {
				t.Errorf("worker %d: %v", i, err)
				return
			}
			tokens[i] = token
		}(i)
	}
	wg.Wait()

	if got := atomic.LoadInt32(&fake.calls); got != 1 {
		t.Errorf("refresher called %d times, want 1", got)
	}
	for i, token := range tokens {
		if token != "new" {
			t.Errorf("worker %d got %q", i, token)
		}
	}
}

func TestRefreshFailureServesUnexpiredToken(t *testing.T) {
	fake := &fakeRefresher{err: errors.New("upstream down")}
	m := newTestManager(&credstore.Credentials{
		AccessToken: "stale-but-valid",
		ExpiresAt:   time.Now().Add(time.Minute), // inside threshold, not expired
	}, fake)

	token, err := m.GetAccessToken(context.Background())
	if err != nil {
		t.Fatalf("GetAccessToken: %v", err)
	}
	if token != "stale-but-valid" {
		t.Errorf("token = %q", token)
	}
}

func TestRefreshFailureWithExpiredTokenErrors(t *testing.T) {
	fake := &fakeRefresher{err: errors.New("upstream down")}
	m := newTestManager(&credstore.Credentials{
		AccessToken: "dead",
		ExpiresAt:   time.Now().Add(-time.Hour),
	}, fake)

	if _, err := m.GetAccessToken(context.Background()); err == nil {
		t.Fatal("expected error for expired token with failing refresh")
	}
}

func TestForceRefreshBypassesFreshness(t *testing.T) {
	fake := &fakeRefresher{data: &TokenData{
		AccessToken: "rotated",
		ExpiresAt:   time.Now().Add(time.Hour),
	}}
	m := newTestManager(&credstore.Credentials{
		AccessToken: "looks-fine-but-403s",
		ExpiresAt:   time.Now().Add(time.Hour),
	}, fake)

	token, err := m.ForceRefresh(context.Background())
	if err != nil {
		t.Fatalf("ForceRefresh: %v", err)
	}
	if token != "rotated" {
		t.Errorf("token = %q", token)
	}
	if atomic.LoadInt32(&fake.calls) != 1 {
		t.Errorf("refresher called %d times, want 1", fake.calls)
	}
}

func TestRotatedRefreshTokenKept(t *testing.T) {
	fake := &fakeRefresher{data: &TokenData{
		AccessToken:  "new",
		RefreshToken: "rotated-refresh",
		ExpiresAt:    time.Now().Add(time.Hour),
		ProfileArn:   "arn:new",
	}}
	m := newTestManager(&credstore.Credentials{
		AccessToken:  "old",
		RefreshToken: "original-refresh",
		ExpiresAt:    time.Now().Add(-time.Minute),
	}, fake)

	if _, err := m.GetAccessToken(context.Background()); err != nil {
		t.Fatalf("GetAccessToken: %v", err)
	}
	m.lock()
	refresh := m.creds.RefreshToken
	m.unlock()
	if refresh != "rotated-refresh" {
		t.Errorf("refresh token = %q, want rotated", refresh)
	}
	if m.GetProfileArn() != "arn:new" {
		t.Errorf("profile arn = %q", m.GetProfileArn())
	}
}

func TestInvalidateForcesNextRefresh(t *testing.T) {
	fake := &fakeRefresher{data: &TokenData{
		AccessToken: "new",
		ExpiresAt:   time.Now().Add(time.Hour),
	}}
	m := newTestManager(&credstore.Credentials{
		AccessToken: "old",
		ExpiresAt:   time.Now().Add(time.Hour),
	}, fake)

	m.Invalidate()
	token, err := m.GetAccessToken(context.Background())
	if err != nil {
		t.Fatalf("GetAccessToken: %v", err)
	}
	if token != "new" {
		t.Errorf("token = %q, want refreshed after invalidate", token)
	}
}

// scriptedRefresher plays back a fixed sequence of refresh outcomes and
// records the refresh token presented on each call.
type scriptedRefresher struct {
	mu      sync.Mutex
	outcome []func() (*TokenData, error)
	seen    []string
}

func (s *scriptedRefresher) Refresh(ctx context.Context, creds *credstore.Credentials) (*TokenData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen = append(s.seen, creds.RefreshToken)
	if len(s.outcome) == 0 {
		return nil, errors.New("no scripted outcome left")
	}
	next := s.outcome[0]
	s.outcome = s.outcome[1:]
	return next()
}

func credTokenJSON(refreshToken string) string {
	return fmt.Sprintf(`{
		"access_token": "stale",
		"refresh_token": %q,
		"expires_at": "2020-01-01T00:00:00Z"
	}`, refreshToken)
}

// writeCredFixture creates a kiro-cli style database and returns its path.
func writeCredFixture(t *testing.T, refreshToken string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data.sqlite3")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open fixture: %v", err)
	}
	defer db.Close()

	if _, err = db.Exec(`CREATE TABLE auth_kv (key TEXT PRIMARY KEY, value TEXT)`); err != nil {
		t.Fatalf("create table: %v", err)
	}
	rows := map[string]string{
		"codewhisperer:odic:token":               credTokenJSON(refreshToken),
		"codewhisperer:odic:device-registration": `{"client_id": "c", "client_secret": "s"}`,
	}
	for key, value := range rows {
		if _, err = db.Exec(`INSERT INTO auth_kv (key, value) VALUES (?, ?)`, key, value); err != nil {
			t.Fatalf("insert %s: %v", key, err)
		}
	}
	return path
}

func rotateFixtureToken(t *testing.T, path, refreshToken string) {
	t.Helper()
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open fixture: %v", err)
	}
	defer db.Close()
	if _, err = db.Exec(`UPDATE auth_kv SET value = ? WHERE key = ?`,
		credTokenJSON(refreshToken), "codewhisperer:odic:token"); err != nil {
		t.Fatalf("rotate token row: %v", err)
	}
}

func TestBadRequestRereadsStoreAndRetries(t *testing.T) {
	path := writeCredFixture(t, "rt-original")
	store, err := credstore.New(path)
	if err != nil {
		t.Fatalf("credstore.New: %v", err)
	}
	m, err := NewManager(store, time.Minute)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	scripted := &scriptedRefresher{outcome: []func() (*TokenData, error){
		func() (*TokenData, error) { return nil, &badRequestError{body: "invalid_grant"} },
		func() (*TokenData, error) {
			return &TokenData{AccessToken: "recovered", ExpiresAt: time.Now().Add(time.Hour)}, nil
		},
	}}
	m.refresher = scripted

	// kiro-cli re-login rewrote the store while we held stale credentials.
	rotateFixtureToken(t, path, "rt-rotated")

	token, err := m.GetAccessToken(context.Background())
	if err != nil {
		t.Fatalf("GetAccessToken: %v", err)
	}
	if token != "recovered" {
		t.Errorf("token = %q", token)
	}
	if len(scripted.seen) != 2 {
		t.Fatalf("refresh calls = %d, want 2", len(scripted.seen))
	}
	if scripted.seen[0] != "rt-original" || scripted.seen[1] != "rt-rotated" {
		t.Errorf("refresh tokens presented = %q, want original then rotated", scripted.seen)
	}
	m.lock()
	refresh := m.creds.RefreshToken
	m.unlock()
	if refresh != "rt-rotated" {
		t.Errorf("manager kept %q, want re-read refresh token", refresh)
	}
}

func TestBadRequestRetryFailsAfterSecondRejection(t *testing.T) {
	path := writeCredFixture(t, "rt-original")
	store, err := credstore.New(path)
	if err != nil {
		t.Fatalf("credstore.New: %v", err)
	}
	m, err := NewManager(store, time.Minute)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	scripted := &scriptedRefresher{outcome: []func() (*TokenData, error){
		func() (*TokenData, error) { return nil, &badRequestError{body: "invalid_grant"} },
		func() (*TokenData, error) { return nil, &badRequestError{body: "invalid_grant"} },
	}}
	m.refresher = scripted

	if _, err = m.GetAccessToken(context.Background()); err == nil {
		t.Fatal("expected error when the re-read credentials are also rejected")
	}
	if len(scripted.seen) != 2 {
		t.Errorf("refresh calls = %d, want exactly one retry", len(scripted.seen))
	}
}
