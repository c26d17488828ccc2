// Package auth implements credential verification (htpasswd and API
// tokens), the authentication middleware and the token management
// endpoints.
package auth

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
)

// Htpasswd holds an immutable user -> bcrypt hash map loaded once at
// startup.
type Htpasswd struct {
	users map[string]string
}

// LoadHtpasswd parses an Apache-style htpasswd file of user:hash
// lines. Blank lines and #-comments are skipped. A missing file yields
// an empty credential set.
func LoadHtpasswd(path string, logger *logrus.Logger) (*Htpasswd, error) {
	h := &Htpasswd{users: make(map[string]string)}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			logger.WithField("file", path).Warn("htpasswd file not found, no basic-auth users loaded")
			return h, nil
		}
		return nil, fmt.Errorf("failed to read htpasswd file %s: %w", path, err)
	}

	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		user, hash, ok := strings.Cut(line, ":")
		if !ok || user == "" || hash == "" {
			logger.WithField("file", path).Warn("skipping malformed htpasswd line")
			continue
		}
		h.users[user] = hash
	}
	return h, nil
}

// Authenticate verifies a username/password pair. Any parse or
// comparison error counts as failure.
func (h *Htpasswd) Authenticate(username, password string) bool {
	hash, ok := h.users[username]
	if !ok {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// Users returns the known usernames, sorted.
func (h *Htpasswd) Users() []string {
	users := make([]string, 0, len(h.users))
	for u := range h.users {
		users = append(users, u)
	}
	sort.Strings(users)
	return users
}
