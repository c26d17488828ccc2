package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// TokenPrefix marks every API token issued by this registry.
const TokenPrefix = "nra_"

// hashPrefixLen is the number of leading hash characters used as the
// on-disk file name.
const hashPrefixLen = 16

// Token verification errors.
var (
	ErrTokenFormat   = errors.New("token has invalid format")
	ErrTokenNotFound = errors.New("token not found")
	ErrTokenExpired  = errors.New("token expired")
)

// TokenRecord is the persisted form of one API token. The raw token is
// never stored, only its SHA-256 hash.
type TokenRecord struct {
	TokenHash   string     `json:"token_hash"`
	Username    string     `json:"username"`
	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   time.Time  `json:"expires_at"`
	LastUsed    *time.Time `json:"last_used,omitempty"`
	Description string     `json:"description,omitempty"`
}

// TokenInfo is the listing view of a token. The hash prefix doubles as
// the revocation handle.
type TokenInfo struct {
	HashPrefix  string     `json:"hash_prefix"`
	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   time.Time  `json:"expires_at"`
	LastUsed    *time.Time `json:"last_used,omitempty"`
	Description string     `json:"description,omitempty"`
}

// TokenStore persists API tokens as one JSON file per token, named by
// the first 16 hex characters of the token hash. Verification is a
// direct file lookup.
type TokenStore struct {
	dir    string
	lock   *flock.Flock
	logger *logrus.Entry
}

// NewTokenStore creates the token directory if needed.
func NewTokenStore(dir string, logger *logrus.Logger) (*TokenStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create token directory %s: %w", dir, err)
	}
	return &TokenStore{
		dir:    dir,
		lock:   flock.New(filepath.Join(dir, ".lock")),
		logger: logger.WithField("component", "tokens"),
	}, nil
}

// Create issues a new token for username, valid for ttlDays. The raw
// token is returned exactly once and never persisted.
func (s *TokenStore) Create(username string, ttlDays int, description string) (string, error) {
	if ttlDays <= 0 {
		ttlDays = 30
	}
	u := uuid.New()
	token := TokenPrefix + hex.EncodeToString(u[:])
	hash := hashToken(token)

	now := time.Now().UTC()
	record := TokenRecord{
		TokenHash:   hash,
		Username:    username,
		CreatedAt:   now,
		ExpiresAt:   now.AddDate(0, 0, ttlDays),
		Description: description,
	}
	if err := s.writeRecord(hash[:hashPrefixLen], &record); err != nil {
		return "", err
	}
	s.logger.WithFields(logrus.Fields{
		"user":   username,
		"prefix": hash[:hashPrefixLen],
	}).Info("token created")
	return token, nil
}

// Verify checks a raw token and returns the owning username. The
// last-used timestamp is updated best-effort; a write failure never
// denies access.
func (s *TokenStore) Verify(token string) (string, error) {
	if !strings.HasPrefix(token, TokenPrefix) {
		return "", ErrTokenFormat
	}
	hash := hashToken(token)
	record, err := s.readRecord(hash[:hashPrefixLen])
	if err != nil {
		return "", err
	}
	if subtle.ConstantTimeCompare([]byte(record.TokenHash), []byte(hash)) != 1 {
		return "", ErrTokenNotFound
	}
	if time.Now().UTC().After(record.ExpiresAt) {
		return "", ErrTokenExpired
	}

	now := time.Now().UTC()
	record.LastUsed = &now
	if err := s.writeRecord(hash[:hashPrefixLen], record); err != nil {
		s.logger.WithError(err).Debug("failed to update last_used")
	}
	return record.Username, nil
}

// List returns the tokens belonging to username, newest first.
func (s *TokenStore) List(username string) ([]TokenInfo, error) {
	records, err := s.scan()
	if err != nil {
		return nil, err
	}
	infos := []TokenInfo{}
	for _, r := range records {
		if r.Username != username {
			continue
		}
		infos = append(infos, TokenInfo{
			HashPrefix:  r.TokenHash[:hashPrefixLen],
			CreatedAt:   r.CreatedAt,
			ExpiresAt:   r.ExpiresAt,
			LastUsed:    r.LastUsed,
			Description: r.Description,
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].CreatedAt.After(infos[j].CreatedAt)
	})
	return infos, nil
}

// Revoke removes the token identified by its hash prefix. It returns
// false if no such token exists.
func (s *TokenStore) Revoke(hashPrefix string) (bool, error) {
	if !validHashPrefix(hashPrefix) {
		return false, ErrTokenFormat
	}
	err := os.Remove(s.recordPath(hashPrefix))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to revoke token: %w", err)
	}
	s.logger.WithField("prefix", hashPrefix).Info("token revoked")
	return true, nil
}

// RevokeAll removes every token belonging to username and returns how
// many were deleted. The directory lock keeps concurrent scans from
// racing the unlinks.
func (s *TokenStore) RevokeAll(username string) (int, error) {
	if err := s.lock.Lock(); err != nil {
		return 0, fmt.Errorf("failed to lock token directory: %w", err)
	}
	defer s.lock.Unlock()

	records, err := s.scan()
	if err != nil {
		return 0, err
	}
	count := 0
	for _, r := range records {
		if r.Username != username {
			continue
		}
		if err := os.Remove(s.recordPath(r.TokenHash[:hashPrefixLen])); err == nil {
			count++
		}
	}
	return count, nil
}

func (s *TokenStore) scan() ([]*TokenRecord, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to scan token directory: %w", err)
	}
	records := []*TokenRecord{}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		record, err := s.readRecord(strings.TrimSuffix(entry.Name(), ".json"))
		if err != nil {
			s.logger.WithError(err).WithField("file", entry.Name()).Warn("skipping unreadable token record")
			continue
		}
		records = append(records, record)
	}
	return records, nil
}

func (s *TokenStore) recordPath(hashPrefix string) string {
	return filepath.Join(s.dir, hashPrefix+".json")
}

func (s *TokenStore) readRecord(hashPrefix string) (*TokenRecord, error) {
	if !validHashPrefix(hashPrefix) {
		return nil, ErrTokenFormat
	}
	data, err := os.ReadFile(s.recordPath(hashPrefix))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrTokenNotFound
		}
		return nil, fmt.Errorf("failed to read token record: %w", err)
	}
	var record TokenRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to parse token record: %w", err)
	}
	return &record, nil
}

func (s *TokenStore) writeRecord(hashPrefix string, record *TokenRecord) error {
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode token record: %w", err)
	}
	if err := os.WriteFile(s.recordPath(hashPrefix), data, 0o600); err != nil {
		return fmt.Errorf("failed to write token record: %w", err)
	}
	return nil
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func validHashPrefix(p string) bool {
	if len(p) != hashPrefixLen {
		return false
	}
	for _, r := range p {
		if !(r >= '0' && r <= '9' || r >= 'a' && r <= 'f') {
			return false
		}
	}
	return true
}
