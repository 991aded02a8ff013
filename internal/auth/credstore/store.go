// Package credstore reads Kiro/CodeWhisperer OAuth credentials from the
// kiro-cli SQLite database. The CLI stores its state in a key-value table
// auth_kv; we read exactly two rows (the OAuth token and the OIDC device
// registration) and never write.
package credstore

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

// Key prefixes tried in order. Newer kiro-cli builds write under
// "codewhisperer:", older ones under "amazonq:".
var keyPrefixes = []string{"codewhisperer", "amazonq"}

const (
	tokenKeySuffix        = ":odic:token"
	registrationKeySuffix = ":odic:device-registration"

	defaultRegion = "us-east-1"
)

// ErrNotFound indicates a required row is missing from auth_kv.
var ErrNotFound = errors.New("credstore: credential row not found")

// tokenRecord mirrors the JSON blob stored under <prefix>:odic:token.
type tokenRecord struct {
	AccessToken  string   `json:"access_token"`
	RefreshToken string   `json:"refresh_token"`
	ExpiresAt    string   `json:"expires_at"`
	Region       string   `json:"region"`
	Scopes       []string `json:"scopes"`
}

// registrationRecord mirrors <prefix>:odic:device-registration.
type registrationRecord struct {
	ClientID     string   `json:"client_id"`
	ClientSecret string   `json:"client_secret"`
	Region       string   `json:"region"`
	Scopes       []string `json:"scopes"`
}

// Credentials is the merged view of both rows, the process-lifetime
// credential record described in the data model.
type Credentials struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	ProfileArn   string

	// APIRegion is the CodeWhisperer region. The upstream is single-region
	// today, so this stays us-east-1 regardless of what the CLI recorded.
	APIRegion string

	// SSORegion is where the OIDC token endpoint lives. Falls back to
	// APIRegion when the registration row carries no region.
	SSORegion string

	ClientID     string
	ClientSecret string
	Scopes       []string
}

// HasOIDCClient reports whether the AWS SSO OIDC refresh flow is usable.
func (c *Credentials) HasOIDCClient() bool {
	return c.ClientID != "" && c.ClientSecret != ""
}

// Store reads credentials from a kiro-cli SQLite file.
type Store struct {
	path string
}

// New returns a Store for the database at path. The file must exist.
func New(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("credstore: database path is empty")
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("credstore: stat %s: %w", path, err)
	}
	return &Store{path: path}, nil
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Load reads both credential rows and merges them. The database is opened
// read-only for each load; kiro-cli owns the file and rewrites it at will.
func (s *Store) Load() (*Credentials, error) {
	db, err := sql.Open("sqlite", "file:"+s.path+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("credstore: open %s: %w", s.path, err)
	}
	defer func() {
		if errClose := db.Close(); errClose != nil {
			log.Warnf("credstore: close database: %v", errClose)
		}
	}()

	tokenJSON, err := s.readRow(db, tokenKeySuffix)
	if err != nil {
		return nil, fmt.Errorf("credstore: token row: %w", err)
	}
	regJSON, err := s.readRow(db, registrationKeySuffix)
	if err != nil {
		return nil, fmt.Errorf("credstore: device registration row: %w", err)
	}

	var token tokenRecord
	if err = json.Unmarshal([]byte(tokenJSON), &token); err != nil {
		return nil, fmt.Errorf("credstore: parse token JSON: %w", err)
	}
	var reg registrationRecord
	if err = json.Unmarshal([]byte(regJSON), &reg); err != nil {
		return nil, fmt.Errorf("credstore: parse registration JSON: %w", err)
	}

	if strings.TrimSpace(token.RefreshToken) == "" {
		return nil, fmt.Errorf("credstore: refresh_token is missing (run 'kiro login' first)")
	}

	creds := &Credentials{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		APIRegion:    defaultRegion,
		SSORegion:    strings.TrimSpace(reg.Region),
		ClientID:     reg.ClientID,
		ClientSecret: reg.ClientSecret,
		Scopes:       token.Scopes,
	}
	if creds.SSORegion == "" {
		creds.SSORegion = creds.APIRegion
	}
	if token.ExpiresAt != "" {
		expires, errParse := parseTimestamp(token.ExpiresAt)
		if errParse != nil {
			log.Warnf("credstore: unparsable expires_at %q: %v", token.ExpiresAt, errParse)
		} else {
			creds.ExpiresAt = expires
		}
	}
	return creds, nil
}

// readRow fetches the first row found under any known key prefix.
func (s *Store) readRow(db *sql.DB, suffix string) (string, error) {
	for _, prefix := range keyPrefixes {
		var value string
		err := db.QueryRow("SELECT value FROM auth_kv WHERE key = ?", prefix+suffix).Scan(&value)
		if err == nil {
			if strings.TrimSpace(value) == "" {
				continue
			}
			return value, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("query %s%s: %w", prefix, suffix, err)
		}
	}
	return "", ErrNotFound
}

// parseTimestamp accepts RFC 3339 with either Z or an explicit offset, with
// or without fractional seconds.
func parseTimestamp(value string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
		if ts, err := time.Parse(layout, value); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", value)
}
